package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/vonnegut/vonnegut/internal/wire"
)

// ErrReplicaBehind is returned by ReplicatedAppend when the sender's
// expected_start_offset is ahead of this replica's next_offset: the
// replica is missing data it cannot recover from the request alone.
// Per SPEC_FULL.md §4.2 this is fatal to the chain connection; the
// caller is expected to tear the link down and let supervision rebuild
// it, never to retry in place.
var ErrReplicaBehind = errors.New("log: replica is behind expected start offset")

// Config bundles the per-partition tunables that govern segment
// rollover and index density.
type Config struct {
	SegmentBytes       int64
	IndexIntervalBytes int64
}

// ReplicateOutcome is the result of a ReplicatedAppend call, translated
// by the chain/conn layers into a wire.ReplicateResponse.
type ReplicateOutcome struct {
	// OffsetOfLast is the offset of the last record appended, valid when
	// Repair.Records is empty.
	OffsetOfLast int64
	// Repair is non-empty when the sender's batch has already been
	// applied (fully or partially) by this replica and the replica is
	// handing back its own tail so the sender can reconcile and resume
	// forwarding from the right point, per the write-repair protocol.
	Repair wire.RecordBatch
}

// Partition is one topic-partition's on-disk, ordered, append-only
// record log: an ordered set of segment file pairs plus the in-memory
// bookkeeping (next offset, active segment) needed to serve appends and
// fetches without re-reading the filesystem on every call.
type Partition struct {
	Topic     string
	Partition int32

	dir    string
	config Config
	logger log.Logger

	mu         sync.Mutex
	segments   []*segment
	active     *segment
	nextOffset int64
}

func partitionDirName(topic string, partition int32) string {
	return topic + "-" + strconv.Itoa(int(partition))
}

// Open opens the on-disk partition directory under baseDir, creating it
// (and a fresh first segment) if it does not exist, or replaying
// existing segments and recovering from any unclean shutdown otherwise.
func Open(baseDir, topic string, partition int32, config Config, logger log.Logger) (*Partition, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	dir := filepath.Join(baseDir, partitionDirName(topic, partition))

	p := &Partition{
		Topic:     topic,
		Partition: partition,
		dir:       dir,
		config:    config,
		logger:    log.With(logger, "topic", topic, "partition", partition),
	}

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, errors.Wrap(err, "log: create partition directory")
		}
		seg, err := createSegment(dir, 0)
		if err != nil {
			return nil, err
		}
		p.segments = []*segment{seg}
		p.active = seg
		return p, nil
	} else if err != nil {
		return nil, errors.Wrap(err, "log: stat partition directory")
	}

	if err := p.recover(); err != nil {
		return nil, err
	}
	return p, nil
}

func baseOffsetsIn(dir string) ([]int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "log: read partition directory")
	}
	seen := map[int64]bool{}
	var bases []int64
	for _, e := range entries {
		name := e.Name()
		ext := filepath.Ext(name)
		if ext != ".log" && ext != ".index" {
			continue
		}
		stem := name[:len(name)-len(ext)]
		base, err := strconv.ParseInt(stem, 10, 64)
		if err != nil {
			continue
		}
		if !seen[base] {
			seen[base] = true
			bases = append(bases, base)
		}
	}
	sort.Slice(bases, func(i, j int) bool { return bases[i] < bases[j] })
	return bases, nil
}

// recover replays every segment in offset order, validates the tail of
// the newest one by scanning its record frames, and truncates off any
// partially-written frame left by a crash mid-append. This is the
// component described as recovery in SPEC_FULL.md §4.1.
func (p *Partition) recover() error {
	bases, err := baseOffsetsIn(p.dir)
	if err != nil {
		return err
	}
	if len(bases) == 0 {
		seg, err := createSegment(p.dir, 0)
		if err != nil {
			return err
		}
		p.segments = []*segment{seg}
		p.active = seg
		return nil
	}

	for _, base := range bases {
		seg, err := openSegment(p.dir, base)
		if err != nil {
			return err
		}
		p.segments = append(p.segments, seg)
	}
	p.active = p.segments[len(p.segments)-1]

	validSize, lastOffset, hadRecords, err := scanValidFrames(p.active)
	if err != nil {
		return err
	}
	if validSize != p.active.size {
		level.Warn(p.logger).Log("msg", "truncating corrupt tail segment", "segment_base", p.active.baseOffset, "from", p.active.size, "to", validSize)
		if err := p.active.truncateLog(validSize); err != nil {
			return err
		}
		if err := rebuildIndexUpTo(p.active, p.config.IndexIntervalBytes); err != nil {
			return err
		}
	}

	if hadRecords {
		p.nextOffset = lastOffset + 1
	} else {
		p.nextOffset = p.active.baseOffset
	}
	return nil
}

// scanValidFrames walks every record frame in seg's log file from the
// start, stopping at the first frame that fails to parse in full. It
// returns the byte length of the valid prefix, the offset of the last
// valid record, and whether any record was found at all.
func scanValidFrames(seg *segment) (validSize int64, lastOffset int64, hadRecords bool, err error) {
	buf, err := seg.readAt(0, seg.size)
	if err != nil {
		return 0, 0, false, err
	}

	var pos int64
	for pos < int64(len(buf)) {
		off, frameLen, ferr := wire.RecordFrameAt(buf[pos:])
		if ferr != nil {
			break
		}
		pos += int64(frameLen)
		lastOffset = off
		hadRecords = true
	}
	return pos, lastOffset, hadRecords, nil
}

// rebuildIndexUpTo discards seg's sparse index and replays its write
// policy against the (now-truncated) valid log bytes, so the index
// never points past the truncation point.
func rebuildIndexUpTo(seg *segment, indexIntervalBytes int64) error {
	if err := seg.resetIndex(); err != nil {
		return err
	}
	buf, err := seg.readAt(0, seg.size)
	if err != nil {
		return err
	}
	var pos int64
	for pos < int64(len(buf)) {
		off, frameLen, ferr := wire.RecordFrameAt(buf[pos:])
		if ferr != nil {
			return errors.Wrap(ferr, "log: rebuild index against truncated segment")
		}
		if err := seg.maybeWriteIndexEntry(off, pos, int64(frameLen), indexIntervalBytes); err != nil {
			return err
		}
		pos += int64(frameLen)
	}
	return nil
}

// NextOffset returns the offset that will be assigned to the next
// appended record.
func (p *Partition) NextOffset() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nextOffset
}

// HighWaterMark is the offset of the last committed record, or -1 for
// an empty partition.
func (p *Partition) HighWaterMark() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nextOffset - 1
}

// Append assigns dense, monotonically increasing offsets to every
// record in batch (overwriting whatever offsets the caller set) and
// appends them to the active segment, rolling over to a new segment
// first if the batch would not fit within SegmentBytes. It is used on
// the head (or a solo node) where offsets are minted for the first time.
func (p *Partition) Append(batch wire.RecordBatch) (wire.RecordBatch, int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	assigned := wire.RecordBatch{Records: make([]wire.Record, len(batch.Records))}
	for i, rec := range batch.Records {
		rec.Offset = p.nextOffset + int64(i)
		assigned.Records[i] = rec
	}

	if err := p.appendAssignedLocked(assigned); err != nil {
		return wire.RecordBatch{}, 0, err
	}

	last := p.nextOffset - 1
	return assigned, last, nil
}

// ReplicatedAppend applies a batch whose offsets were already assigned
// upstream. It implements the chain write-repair protocol from
// SPEC_FULL.md §4.2: if the sender's expected_start_offset matches this
// replica's next_offset, the batch is appended as-is. If the replica
// already has some or all of these offsets (a retried or re-established
// connection), it does not re-append; instead it reports its own tail
// back to the sender as a repair batch. If the replica is missing
// earlier data, ErrReplicaBehind is returned and the caller must treat
// the link as unrecoverable.
func (p *Partition) ReplicatedAppend(expectedStartOffset int64, batch wire.RecordBatch) (ReplicateOutcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case expectedStartOffset == p.nextOffset:
		if err := p.appendAssignedLocked(batch); err != nil {
			return ReplicateOutcome{}, err
		}
		return ReplicateOutcome{OffsetOfLast: p.nextOffset - 1}, nil

	case expectedStartOffset < p.nextOffset:
		repair, err := p.fetchRawLocked(expectedStartOffset, 0, -1)
		if err != nil {
			return ReplicateOutcome{}, err
		}
		decoded, err := wire.DecodeRecordBatch(repair.bytes)
		if err != nil {
			return ReplicateOutcome{}, errors.Wrap(err, "log: decode repair batch")
		}
		return ReplicateOutcome{Repair: trimBatchBefore(decoded, expectedStartOffset)}, nil

	default:
		return ReplicateOutcome{}, ErrReplicaBehind
	}
}

// appendAssignedLocked writes a batch whose records already carry their
// final offsets. Callers must hold p.mu.
func (p *Partition) appendAssignedLocked(batch wire.RecordBatch) error {
	if len(batch.Records) == 0 {
		return nil
	}

	encoded := batch.Encode(nil)
	if p.active.size > 0 && p.active.size+int64(len(encoded)) > p.config.SegmentBytes {
		if err := p.rollLocked(); err != nil {
			return err
		}
	}

	pos := p.active.size
	if _, err := p.active.appendLog(encoded); err != nil {
		return err
	}

	for _, rec := range batch.Records {
		recLen := int64(wire.EncodedRecordLen(rec))
		if err := p.active.maybeWriteIndexEntry(rec.Offset, pos, recLen, p.config.IndexIntervalBytes); err != nil {
			return err
		}
		pos += recLen
	}

	if err := p.active.sync(); err != nil {
		return err
	}

	p.nextOffset = batch.Records[len(batch.Records)-1].Offset + 1
	return nil
}

func (p *Partition) rollLocked() error {
	seg, err := createSegment(p.dir, p.nextOffset)
	if err != nil {
		return err
	}
	p.segments = append(p.segments, seg)
	p.active = seg
	return nil
}

// FetchResult describes the raw byte range a fetch resolved to, ready
// to be handed to a zero-copy sendfile transfer: Path identifies the
// segment file, Position/Bytes the range within it. Bytes is 0 when
// start_offset is past the high water mark.
type FetchResult struct {
	HighWaterMark int64
	Path          string
	Position      int64
	Bytes         int64
	bytes         []byte // the already-materialized range; see RawBytes
}

// RawBytes returns the record bytes the fetch resolved to. The engine
// reads this range into memory anyway to find whole-record boundaries,
// so exposing it costs nothing; it backs the write-repair path and any
// transport that can't or won't use sendfile. The zero-copy response
// path uses Path/Position/Bytes instead and never touches this.
func (fr FetchResult) RawBytes() []byte {
	return fr.bytes
}

// Fetch resolves start_offset to a byte range using the sparse index,
// per SPEC_FULL.md §4.1: it locates the segment whose base offset is
// the greatest <= start_offset, then within that segment's index finds
// the greatest indexed entry <= the relative offset and returns a byte
// range starting there. Because the index is sparse this range may
// begin at a record whose offset is strictly less than start_offset —
// callers that need an exact match (e.g. a consumer-facing API) must
// trim the returned batch themselves. The engine reads the range into
// memory only to find whole-record boundaries and does not drop that
// prefix. The range is
// additionally bounded by maxBytes (0 means unbounded) and limit (-1
// means unbounded count of records).
func (p *Partition) Fetch(startOffset int64, maxBytes int32, limit int32) (FetchResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fetchRawLocked(startOffset, maxBytes, limit)
}

func (p *Partition) fetchRawLocked(startOffset int64, maxBytes int32, limit int32) (FetchResult, error) {
	hwm := p.nextOffset - 1
	if startOffset > hwm {
		return FetchResult{HighWaterMark: hwm}, nil
	}

	seg := p.segmentForLocked(startOffset)
	if seg == nil {
		return FetchResult{HighWaterMark: hwm}, nil
	}

	pos := seg.lookup(startOffset - seg.baseOffset)
	available := seg.size - pos
	if available < 0 {
		available = 0
	}

	readLen := available
	if maxBytes > 0 && int64(maxBytes) < readLen {
		readLen = int64(maxBytes)
	}

	buf, err := seg.readAt(pos, readLen)
	if err != nil {
		return FetchResult{}, err
	}

	n := boundedFrameLen(buf, limit)

	return FetchResult{
		HighWaterMark: hwm,
		Path:          seg.logFile.Name(),
		Position:      pos,
		Bytes:         int64(n),
		bytes:         buf[:n],
	}, nil
}

// boundedFrameLen walks complete record frames in buf, stopping at the
// first incomplete trailing frame (the caller asked for fewer bytes
// than the next record needs) or after limit records (-1 for
// unbounded), and returns the byte length of the whole-record prefix.
func boundedFrameLen(buf []byte, limit int32) int {
	var pos, count int
	for pos < len(buf) {
		if limit >= 0 && int32(count) >= limit {
			break
		}
		_, frameLen, err := wire.RecordFrameAt(buf[pos:])
		if err != nil {
			break
		}
		pos += frameLen
		count++
	}
	return pos
}

// trimBatchBefore drops every record with an offset below startOffset,
// the consumer-side half of the sparse-index fetch contract.
func trimBatchBefore(batch wire.RecordBatch, startOffset int64) wire.RecordBatch {
	out := wire.RecordBatch{Records: make([]wire.Record, 0, len(batch.Records))}
	for _, rec := range batch.Records {
		if rec.Offset >= startOffset {
			out.Records = append(out.Records, rec)
		}
	}
	return out
}

// TrimFetchPrefix is the exported form of trimBatchBefore for callers
// (such as a client library) that need the exact record set starting at
// startOffset rather than the raw sparse-index-bounded byte range. The
// conn dispatcher does not call it; fetch responses carry the raw range.
func TrimFetchPrefix(batch wire.RecordBatch, startOffset int64) wire.RecordBatch {
	return trimBatchBefore(batch, startOffset)
}

// TrimFetchPrefixRange returns the number of leading bytes of buf (a raw
// fetch byte range) that belong to records offset below startOffset, so
// a zero-copy sendfile path can advance its file position by this
// amount instead of decoding the whole range into records. It walks
// whole frames only: if a malformed frame is hit, it stops as if the
// range ended there, mirroring boundedFrameLen's tolerance of a
// truncated trailing frame.
func TrimFetchPrefixRange(buf []byte, startOffset int64) int {
	var pos int
	for pos < len(buf) {
		offset, frameLen, err := wire.RecordFrameAt(buf[pos:])
		if err != nil || offset >= startOffset {
			break
		}
		pos += frameLen
	}
	return pos
}

func (p *Partition) segmentForLocked(offset int64) *segment {
	var best *segment
	for _, seg := range p.segments {
		if seg.baseOffset <= offset {
			if best == nil || seg.baseOffset > best.baseOffset {
				best = seg
			}
		}
	}
	if best == nil && len(p.segments) > 0 {
		best = p.segments[0]
	}
	return best
}

// Delete removes the partition's directory. It renames the directory
// to a tombstone name first so a crash mid-delete leaves an orphan that
// recovery's sweep can finish, rather than a half-removed segment set
// masquerading as live data.
func (p *Partition) Delete() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, seg := range p.segments {
		seg.close()
	}

	tombstone := filepath.Join(filepath.Dir(p.dir), fmt.Sprintf("%s%s-%d-%d", tombstonePrefix, p.Topic, p.Partition, time.Now().UnixNano()))
	if err := os.Rename(p.dir, tombstone); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "log: rename partition directory to tombstone")
	}
	return os.RemoveAll(tombstone)
}

func (p *Partition) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var first error
	for _, seg := range p.segments {
		if err := seg.close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
