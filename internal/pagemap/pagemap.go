// Package pagemap builds per-segment changed-block bitmaps for PAGE and
// PTRACK backups: PAGE mode from a caller-supplied stream of WAL block
// touches, PTRACK mode from a caller-supplied change-tracking bitmap
// fetcher. WAL-record parsing and the change-tracking extension's wire
// protocol are both out of scope (see the RecordSource and PtrackSource
// interfaces below); this package owns only the lookup and the shared
// bitmap's concurrency.
package pagemap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/aalhour/pgbackup/internal/logging"
)

// RelKey identifies a relation-fork independent of segment number: the
// unit PAGE-mode WAL scanning and PTRACK-mode bitmap fetches both key on.
type RelKey struct {
	DBOID         uint32
	TablespaceOID uint32
	RelOID        uint32
	Fork          string
}

// Entry is the minimal per-file shape the builder needs: enough to
// identify which relation/segment a file covers and somewhere to record
// which of its blocks changed. Callers own the File-to-Entry and back
// conversion, the same way package catalog's FileRecord is converted to
// and from the root package's File type.
type Entry struct {
	Key   RelKey
	SegNo uint32

	// Blocks collects the segment-relative block numbers found to have
	// changed. nil means "nothing recorded yet" for PAGE mode, and "no
	// applicable bitmap" only when PageMapAbsent is also set for PTRACK
	// mode — an Entry with no changed blocks and PageMapAbsent false means
	// "nothing to copy", not "copy everything".
	Blocks map[uint32]struct{}

	// PageMapAbsent marks a PTRACK lookup that found no bitmap slice to
	// consult, or a ptrack_init'd database: the caller must fall back to a
	// full-file copy for this Entry's file.
	PageMapAbsent bool
}

func (e *Entry) mark(block uint32) {
	if e.Blocks == nil {
		e.Blocks = make(map[uint32]struct{})
	}
	e.Blocks[block] = struct{}{}
}

// Index is a sorted lookup from (RelKey, segment number) to the Entry
// covering it, built once over a backup's file list and then queried
// (and mutated) by possibly-concurrent callers under a single mutex — see
// Builder.
type index struct {
	entries []*Entry
}

func newIndex(entries []*Entry) *index {
	sorted := append([]*Entry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return less(sorted[i], sorted[j]) })
	return &index{entries: sorted}
}

func less(a, b *Entry) bool {
	if a.Key.DBOID != b.Key.DBOID {
		return a.Key.DBOID < b.Key.DBOID
	}
	if a.Key.TablespaceOID != b.Key.TablespaceOID {
		return a.Key.TablespaceOID < b.Key.TablespaceOID
	}
	if a.Key.RelOID != b.Key.RelOID {
		return a.Key.RelOID < b.Key.RelOID
	}
	if a.Key.Fork != b.Key.Fork {
		return a.Key.Fork < b.Key.Fork
	}
	return a.SegNo < b.SegNo
}

func (idx *index) lookup(key RelKey, segNo uint32) (*Entry, bool) {
	needle := &Entry{Key: key, SegNo: segNo}
	i := sort.Search(len(idx.entries), func(i int) bool {
		return !less(idx.entries[i], needle)
	})
	if i < len(idx.entries) && idx.entries[i].Key == key && idx.entries[i].SegNo == segNo {
		return idx.entries[i], true
	}
	return nil, false
}

// Builder accumulates changed-block information for PAGE mode across
// however many concurrent WAL-scanning goroutines the caller runs,
// serializing every lookup-and-mark under one mutex so the final bitmap
// is a deterministic union of block additions.
type Builder struct {
	mu        sync.Mutex
	idx       *index
	segBlocks uint32
}

// NewBuilder constructs a Builder over entries (one per data file in the
// backup's file list), addressing blocks within a segment of segBlocks
// blocks (RELSEG_SIZE in spec terms).
func NewBuilder(entries []*Entry, segBlocks uint32) *Builder {
	return &Builder{idx: newIndex(entries), segBlocks: segBlocks}
}

// MarkAbsolute records that absBlock (the block's position within the
// whole relation, not just one segment) changed, resolving it to the
// owning Entry's segment and segment-relative block number. It reports
// whether an Entry covering that segment was found; an unmatched touch is
// not an error; the caller decides whether to log it.
func (b *Builder) MarkAbsolute(key RelKey, absBlock uint32) bool {
	segNo := absBlock / b.segBlocks
	blockInSeg := absBlock % b.segBlocks

	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.idx.lookup(key, segNo)
	if !ok {
		return false
	}
	e.mark(blockInSeg)
	return true
}

// BlockTouch is one relation block a WAL record modified.
type BlockTouch struct {
	Key   RelKey
	Block uint32 // absolute block number within the relation
}

// RecordSource yields the block touches found by scanning WAL records in
// the range a PAGE backup cares about. Next returns io.EOF once the range
// is exhausted. WAL-record parsing itself is out of scope for this
// package; a real implementation drives Next from an external WAL reader.
type RecordSource interface {
	Next(ctx context.Context) (BlockTouch, error)
}

// BuildFromWAL drains src into b until RecordSource reports io.EOF, ctx is
// cancelled, or src.Next returns another error. Multiple goroutines may
// call BuildFromWAL concurrently against the same Builder, each draining
// an independent RecordSource (e.g. one per archived WAL segment); the
// Builder's mutex serializes their lookups.
func BuildFromWAL(ctx context.Context, b *Builder, src RecordSource, logger logging.Logger) (touched, unmatched int, err error) {
	logger = logging.OrDefault(logger)
	for {
		if cerr := ctx.Err(); cerr != nil {
			return touched, unmatched, cerr
		}
		t, nerr := src.Next(ctx)
		if nerr != nil {
			if errors.Is(nerr, io.EOF) {
				return touched, unmatched, nil
			}
			return touched, unmatched, fmt.Errorf("pagemap: wal scan: %w", nerr)
		}
		if b.MarkAbsolute(t.Key, t.Block) {
			touched++
			continue
		}
		unmatched++
		logger.Debugf(logging.NSPageMap+"WAL record touches db=%d rel=%d block=%d with no matching file-list entry", t.Key.DBOID, t.Key.RelOID, t.Block)
	}
}

// PtrackSource fetches the change-tracking extension's full per-relation
// bitmap: RELSEG_SIZE/8 bytes per segment, concatenated across every
// segment of the relation, as ptrack_get_and_clear_db returns it.
type PtrackSource interface {
	FetchBitmap(ctx context.Context, dbOID, relOID uint32) ([]byte, error)
}

const bitsPerByte = 8

// BuildPtrack fills in entries' Blocks (or PageMapAbsent) for PTRACK mode.
// Entries are grouped by relation (DBOID, RelOID, Fork); for each group
// whose database is not in dbInit, the full bitmap is fetched once per
// group and sliced per segment at
// segNo*segBlocks/8. A database named in dbInit (its ptrack_init flag was
// set, forcing a full resync) marks every Entry in that database
// PageMapAbsent without ever calling FetchBitmap.
func BuildPtrack(ctx context.Context, entries []*Entry, dbInit map[uint32]bool, segBlocks uint32, src PtrackSource, logger logging.Logger) error {
	logger = logging.OrDefault(logger)
	segBytes := int(segBlocks / bitsPerByte)

	groups := make(map[RelKey][]*Entry)
	var order []RelKey
	for _, e := range entries {
		gk := RelKey{DBOID: e.Key.DBOID, RelOID: e.Key.RelOID, Fork: e.Key.Fork}
		if _, ok := groups[gk]; !ok {
			order = append(order, gk)
		}
		groups[gk] = append(groups[gk], e)
	}

	for _, gk := range order {
		segs := groups[gk]
		if dbInit[gk.DBOID] {
			for _, e := range segs {
				e.PageMapAbsent = true
			}
			logger.Infof(logging.NSPageMap+"ptrack_init set for database %d: forcing full copy of relation %d", gk.DBOID, gk.RelOID)
			continue
		}

		bitmap, err := src.FetchBitmap(ctx, gk.DBOID, gk.RelOID)
		if err != nil {
			return fmt.Errorf("pagemap: fetch ptrack bitmap db=%d rel=%d: %w", gk.DBOID, gk.RelOID, err)
		}

		for _, e := range segs {
			off := int(e.SegNo) * segBytes
			end := off + segBytes
			if bitmap == nil || len(bitmap) < end {
				e.PageMapAbsent = true
				continue
			}
			e.Blocks = decodeBitmap(bitmap[off:end])
		}
	}
	return nil
}

func decodeBitmap(slice []byte) map[uint32]struct{} {
	out := make(map[uint32]struct{})
	for byteIdx, bv := range slice {
		if bv == 0 {
			continue
		}
		for bit := 0; bit < bitsPerByte; bit++ {
			if bv&(1<<uint(bit)) != 0 {
				out[uint32(byteIdx*bitsPerByte+bit)] = struct{}{}
			}
		}
	}
	return out
}
