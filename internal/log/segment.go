// Package log implements the segmented, crash-recoverable per-partition
// storage engine: one ordered set of segment file pairs per (topic,
// partition), offset assignment, the sparse offset-to-byte index, and
// size-based segment rollover. This is components A and B of the
// storage/chain-replication design.
package log

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
)

// baseOffsetWidth is the zero-padded width of a segment's base-offset
// filename stem, wide enough that offsets never collide over the life of
// a long-running partition (see SPEC_FULL.md DATA MODEL).
const baseOffsetWidth = 20

const indexEntrySize = 8 // relative_offset:u32 + file_position:u32

type indexEntry struct {
	RelativeOffset uint32
	FilePosition   uint32
}

// segment is one (.log, .index) file pair covering a contiguous range of
// a partition's offsets starting at baseOffset.
type segment struct {
	dir        string
	baseOffset int64

	logFile   *os.File
	indexFile *os.File

	size    int64 // current length of the .log file
	entries []indexEntry

	bytesSinceIndexEntry int64
}

func segmentBase(baseOffset int64) string {
	return fmt.Sprintf("%0*d", baseOffsetWidth, baseOffset)
}

func logPath(dir string, baseOffset int64) string {
	return filepath.Join(dir, segmentBase(baseOffset)+".log")
}

func indexPath(dir string, baseOffset int64) string {
	return filepath.Join(dir, segmentBase(baseOffset)+".index")
}

// createSegment makes a brand new, empty segment at baseOffset.
func createSegment(dir string, baseOffset int64) (*segment, error) {
	logFile, err := os.OpenFile(logPath(dir, baseOffset), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "log: create segment log file")
	}
	indexFile, err := os.OpenFile(indexPath(dir, baseOffset), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		logFile.Close()
		return nil, errors.Wrap(err, "log: create segment index file")
	}

	return &segment{
		dir:        dir,
		baseOffset: baseOffset,
		logFile:    logFile,
		indexFile:  indexFile,
	}, nil
}

// openSegment opens an existing segment and loads its index into
// memory. Recovery truncates and rebuilds the index afterward if the
// log's valid prefix turns out shorter than the index assumes.
func openSegment(dir string, baseOffset int64) (*segment, error) {
	logFile, err := os.OpenFile(logPath(dir, baseOffset), os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "log: open segment log file")
	}
	indexFile, err := os.OpenFile(indexPath(dir, baseOffset), os.O_RDWR, 0644)
	if err != nil {
		logFile.Close()
		return nil, errors.Wrap(err, "log: open segment index file")
	}

	fi, err := logFile.Stat()
	if err != nil {
		logFile.Close()
		indexFile.Close()
		return nil, errors.Wrap(err, "log: stat segment log file")
	}

	s := &segment{
		dir:        dir,
		baseOffset: baseOffset,
		logFile:    logFile,
		indexFile:  indexFile,
		size:       fi.Size(),
	}

	if err := s.loadIndex(); err != nil {
		logFile.Close()
		indexFile.Close()
		return nil, err
	}

	return s, nil
}

// loadIndex reads every {relative_offset, file_position} entry from the
// .index file into memory. A short trailing entry (a partial write that
// never completed) is discarded rather than trusted. Other damage to the
// index is not detected here; the index is rebuilt only when recovery
// truncates the segment's log.
func (s *segment) loadIndex() error {
	fi, err := s.indexFile.Stat()
	if err != nil {
		return errors.Wrap(err, "log: stat segment index file")
	}

	n := int(fi.Size() / indexEntrySize)
	s.entries = make([]indexEntry, 0, n)

	buf := make([]byte, indexEntrySize)
	for i := 0; i < n; i++ {
		if _, err := s.indexFile.ReadAt(buf, int64(i*indexEntrySize)); err != nil {
			return errors.Wrap(err, "log: read index entry")
		}
		s.entries = append(s.entries, indexEntry{
			RelativeOffset: binary.BigEndian.Uint32(buf[0:4]),
			FilePosition:   binary.BigEndian.Uint32(buf[4:8]),
		})
	}

	return nil
}

// appendLog appends raw, already-framed bytes to the segment's log file
// and returns the byte position they were written at.
func (s *segment) appendLog(b []byte) (position int64, err error) {
	position = s.size
	n, err := s.logFile.WriteAt(b, position)
	if err != nil {
		return position, errors.Wrap(err, "log: write segment log bytes")
	}
	s.size += int64(n)
	return position, nil
}

// maybeWriteIndexEntry implements the index write policy from
// COMPONENT DESIGN §4.1: after each successful append, if
// bytesSinceIndexEntry has crossed indexIntervalBytes, emit an entry for
// the just-written record (relative to this segment's base offset) and
// reset the counter. The first record of a fresh segment does not force
// an entry.
func (s *segment) maybeWriteIndexEntry(recordOffset int64, recordPosition int64, recordLen int64, indexIntervalBytes int64) error {
	s.bytesSinceIndexEntry += recordLen
	if s.bytesSinceIndexEntry < indexIntervalBytes {
		return nil
	}

	entry := indexEntry{
		RelativeOffset: uint32(recordOffset - s.baseOffset),
		FilePosition:   uint32(recordPosition),
	}

	buf := make([]byte, indexEntrySize)
	binary.BigEndian.PutUint32(buf[0:4], entry.RelativeOffset)
	binary.BigEndian.PutUint32(buf[4:8], entry.FilePosition)
	if _, err := s.indexFile.WriteAt(buf, int64(len(s.entries)*indexEntrySize)); err != nil {
		return errors.Wrap(err, "log: write index entry")
	}

	s.entries = append(s.entries, entry)
	s.bytesSinceIndexEntry = 0
	return nil
}

// lookup returns the byte position to start reading from for a target
// offset relative to this segment's base, per the sparse-index lookup
// algorithm: the greatest index entry whose relative offset is <= the
// target, or position 0 if no such entry exists (the target is below
// the first indexed entry, but the segment itself is non-empty).
func (s *segment) lookup(relativeOffset int64) int64 {
	if relativeOffset < 0 {
		return 0
	}

	i := sort.Search(len(s.entries), func(i int) bool {
		return int64(s.entries[i].RelativeOffset) > relativeOffset
	})
	// i is the first entry strictly greater than relativeOffset, so i-1
	// (if it exists) is the greatest entry <= relativeOffset.
	if i == 0 {
		return 0
	}
	return int64(s.entries[i-1].FilePosition)
}

// readAt reads n bytes starting at position from this segment's log
// file. It never reads past the segment's current size.
func (s *segment) readAt(position int64, n int64) ([]byte, error) {
	if position < 0 || position > s.size {
		return nil, fmt.Errorf("log: read position %d out of range [0,%d]", position, s.size)
	}
	if position+n > s.size {
		n = s.size - position
	}
	if n <= 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := s.logFile.ReadAt(buf, position); err != nil {
		return nil, errors.Wrap(err, "log: read segment bytes")
	}
	return buf, nil
}

// truncateLog discards everything in the log (and implicitly the index,
// which is rebuilt by the caller) from position onward. Used by crash
// recovery when a trailing record frame is malformed.
func (s *segment) truncateLog(position int64) error {
	if err := s.logFile.Truncate(position); err != nil {
		return errors.Wrap(err, "log: truncate segment log file")
	}
	s.size = position
	return nil
}

// resetIndex discards and recreates the .index file, used when recovery
// decides the sparse index itself is corrupt and must be rebuilt.
func (s *segment) resetIndex() error {
	if err := s.indexFile.Truncate(0); err != nil {
		return errors.Wrap(err, "log: truncate segment index file")
	}
	s.entries = s.entries[:0]
	s.bytesSinceIndexEntry = 0
	return nil
}

func (s *segment) sync() error {
	if err := s.logFile.Sync(); err != nil {
		return errors.Wrap(err, "log: fsync segment log file")
	}
	if err := s.indexFile.Sync(); err != nil {
		return errors.Wrap(err, "log: fsync segment index file")
	}
	return nil
}

func (s *segment) close() error {
	logErr := s.logFile.Close()
	idxErr := s.indexFile.Close()
	if logErr != nil {
		return logErr
	}
	return idxErr
}

func (s *segment) remove() error {
	if err := s.close(); err != nil {
		return err
	}
	if err := os.Remove(s.logFile.Name()); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(s.indexFile.Name()); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
