package pgbackup

import (
	"context"
	"errors"

	"github.com/aalhour/pgbackup/internal/logging"
	"github.com/aalhour/pgbackup/internal/orchestrator"
	"github.com/aalhour/pgbackup/internal/pagemap"
)

var (
	errNoWALScanner   = errors.New("pgbackup: PAGE mode requires SessionDeps.WALScanner")
	errNoPtrackSource = errors.New("pgbackup: PTRACK mode requires SessionDeps.PtrackSource")
)

// buildPageMap constructs the per-file changed-block map for PAGE and
// PTRACK backups. FULL and DELTA backups need no such map: FULL copies every
// block unconditionally and DELTA decides per-block from each page's own
// LSN header during the copy loop, so this phase is a no-op for them.
func (s *Session) buildPageMap(ctx context.Context) error {
	log := s.opts.logger()

	switch s.backup.Mode {
	case ModePage:
		if err := s.buildPageMapFromWAL(ctx); err != nil {
			return err
		}
	case ModePtrack:
		if err := s.buildPageMapFromPtrack(ctx); err != nil {
			return err
		}
	}

	log.Infof(logging.NSOrchestrator + "backup " + s.backup.ID() + " page map built")
	return s.machine.Advance(orchestrator.StateMapped)
}

// pagemapEntries returns one pagemap.Entry per datafile in the backup,
// linked back to its File so results can be copied back after building.
func (s *Session) pagemapEntries() ([]*pagemap.Entry, map[*pagemap.Entry]*File) {
	var entries []*pagemap.Entry
	owner := make(map[*pagemap.Entry]*File)
	for _, f := range s.backup.Files {
		if !f.IsDatafile {
			continue
		}
		e := &pagemap.Entry{
			Key: pagemap.RelKey{
				DBOID:         f.DBOID,
				TablespaceOID: f.TablespaceOID,
				RelOID:        f.RelOID,
				Fork:          f.Fork,
			},
			SegNo: f.SegNo,
		}
		entries = append(entries, e)
		owner[e] = f
	}
	return entries, owner
}

func (s *Session) applyPageMapResults(owner map[*pagemap.Entry]*File) {
	for e, f := range owner {
		f.PageMap = e.Blocks
		f.PageMapAbsent = e.PageMapAbsent
	}
}

// buildPageMapFromWAL scans every WAL segment between the parent backup's
// start LSN and this backup's start LSN, on the timeline this backup
// started on.
func (s *Session) buildPageMapFromWAL(ctx context.Context) error {
	if s.deps.WALScanner == nil {
		return NewError(KindConfig, SeverityError, "Session.buildPageMapFromWAL", errNoWALScanner)
	}
	entries, owner := s.pagemapEntries()
	b := pagemap.NewBuilder(entries, s.segBlocks)

	segSize := uint64(s.opts.XlogBlockSize)
	first := uint64(s.parent.StartLSN) / segSize
	last := uint64(s.backup.StartLSN) / segSize

	for segNo := first; segNo <= last; segNo++ {
		name := segmentFileName(s.backup.TimelineID, segNo, segSize)
		path := s.store.WalDir() + "/" + name
		src, err := s.deps.WALScanner(ctx, path)
		if err != nil {
			return NewError(KindWalWait, SeverityError, "Session.buildPageMapFromWAL", err)
		}
		if _, _, err := pagemap.BuildFromWAL(ctx, b, src, s.opts.logger()); err != nil {
			return NewError(KindWalWait, SeverityError, "Session.buildPageMapFromWAL", err)
		}
	}

	s.applyPageMapResults(owner)
	return nil
}

// buildPageMapFromPtrack fetches change-tracking bitmaps for every relation
// in the backup's file list via deps.PtrackSource.
func (s *Session) buildPageMapFromPtrack(ctx context.Context) error {
	if s.deps.PtrackSource == nil {
		return NewError(KindConfig, SeverityError, "Session.buildPageMapFromPtrack", errNoPtrackSource)
	}
	entries, owner := s.pagemapEntries()
	if err := pagemap.BuildPtrack(ctx, entries, s.deps.PtrackInitDBs, s.segBlocks, s.deps.PtrackSource, s.opts.logger()); err != nil {
		return NewError(KindProtocol, SeverityError, "Session.buildPageMapFromPtrack", err)
	}
	s.applyPageMapResults(owner)
	return nil
}
