package dbconn

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// pgxConn adapts *pgx.Conn to Conn.
type pgxConn struct {
	c *pgx.Conn
}

// Dial opens a connection to the database server using a libpq-style
// connection string (the same form accepted by PrimaryConnInfo), and
// returns an RPC ready to issue the backup-protocol queries.
func Dial(ctx context.Context, connInfo string) (*RPC, error) {
	c, err := pgx.Connect(ctx, connInfo)
	if err != nil {
		return nil, err
	}
	return New(pgxConn{c: c}), nil
}

func (p pgxConn) QueryRow(ctx context.Context, sql string, args ...any) Row {
	return p.c.QueryRow(ctx, sql, args...)
}

func (p pgxConn) Close(ctx context.Context) error {
	return p.c.Close(ctx)
}
