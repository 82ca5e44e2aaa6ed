// Package datafile implements the page-level copy loop driving a single
// relation-segment file through backup and restore: read-retry under torn
// writes, per-block mode filtering, page-codec framing, and CRC
// accounting.
package datafile

import "errors"

// ErrCorrupt is returned when a block fails header validation and checksum
// verification on every retry, with no change-tracking extension available
// to fall back to.
var ErrCorrupt = errors.New("datafile: page failed verification after retries")
