package wal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

const (
	filePerm = 0600
	dirPerm  = 0700

	// DefaultSegmentSize is the size at which the active segment is rotated.
	DefaultSegmentSize = 64 << 20

	segmentPrefix   = "wal-"
	writeBufferSize = 64 << 10
)

// segment is the in-memory summary of one segment file.
type segment struct {
	index     int
	maxHeight uint64
}

// FileWAL is a write-ahead log stored as numbered segment files. Records are
// only appended to the newest segment.
type FileWAL struct {
	dir         string
	segmentSize int64

	mu       sync.Mutex
	running  bool
	segments []segment      // ascending by index, last is active
	ends     map[uint64]int // end-height record -> segment index
	file     *os.File
	out      *bufio.Writer
	written  int64
}

// NewFileWAL creates a log in dir with the default segment size.
func NewFileWAL(dir string) (*FileWAL, error) {
	return NewFileWALWithOptions(dir, DefaultSegmentSize)
}

// NewFileWALWithOptions creates a log in dir that rotates segments once
// they reach segmentSize bytes.
func NewFileWALWithOptions(dir string, segmentSize int64) (*FileWAL, error) {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("create WAL directory: %w", err)
	}
	if segmentSize <= 0 {
		segmentSize = DefaultSegmentSize
	}
	return &FileWAL{dir: dir, segmentSize: segmentSize}, nil
}

// Start scans the existing segments and opens the newest one for appending.
func (w *FileWAL) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}

	indices, err := listSegments(w.dir)
	if err != nil {
		return err
	}
	if len(indices) == 0 {
		indices = []int{0}
	}

	w.segments = w.segments[:0]
	w.ends = make(map[uint64]int)
	for _, idx := range indices {
		seg := segment{index: idx}
		err := scanSegment(w.segmentPath(idx), func(msg *Message) {
			if msg.Height > seg.maxHeight {
				seg.maxHeight = msg.Height
			}
			if msg.Type == MsgTypeEndHeight {
				w.ends[msg.Height] = idx
			}
		})
		if err != nil {
			return err
		}
		w.segments = append(w.segments, seg)
	}

	if err := w.openActive(); err != nil {
		return err
	}
	w.running = true
	return nil
}

// Stop flushes buffered records and closes the active segment.
func (w *FileWAL) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return nil
	}
	w.running = false

	err := w.sync()
	if cerr := w.file.Close(); err == nil {
		err = cerr
	}
	return err
}

// Write appends msg to the buffer without syncing.
func (w *FileWAL) Write(msg *Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.append(msg)
}

// WriteSync appends msg and syncs the segment to disk.
func (w *FileWAL) WriteSync(msg *Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.append(msg); err != nil {
		return err
	}
	return w.sync()
}

// FlushAndSync writes out buffered records and syncs the segment.
func (w *FileWAL) FlushAndSync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return ErrWALClosed
	}
	return w.sync()
}

// SearchForEndHeight returns a reader positioned just after the end-height
// record for height. The reader continues into later segments.
func (w *FileWAL) SearchForEndHeight(height uint64) (Reader, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return nil, false, ErrWALClosed
	}
	idx, ok := w.ends[height]
	if !ok {
		return nil, false, nil
	}
	if err := w.out.Flush(); err != nil {
		return nil, false, err
	}

	var paths []string
	for _, seg := range w.segments {
		if seg.index >= idx {
			paths = append(paths, w.segmentPath(seg.index))
		}
	}
	r := &segmentReader{paths: paths}
	for {
		msg, err := r.Read()
		if err != nil {
			// the marker was indexed but cannot be read back
			r.Close()
			if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, ErrWALCorrupted) {
				return nil, false, nil
			}
			return nil, false, err
		}
		if msg.Type == MsgTypeEndHeight && msg.Height == height {
			return r, true, nil
		}
	}
}

// Checkpoint removes the oldest segments whose records are all at or below
// height. The active segment is kept.
func (w *FileWAL) Checkpoint(height uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return ErrWALClosed
	}

	for len(w.segments) > 1 && w.segments[0].maxHeight <= height {
		idx := w.segments[0].index
		if err := os.Remove(w.segmentPath(idx)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove WAL segment %d: %w", idx, err)
		}
		for h, segIdx := range w.ends {
			if segIdx == idx {
				delete(w.ends, h)
			}
		}
		w.segments = w.segments[1:]
	}
	return nil
}

// SegmentCount returns the number of segment files.
func (w *FileWAL) SegmentCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.segments)
}

func (w *FileWAL) append(msg *Message) error {
	if !w.running {
		return ErrWALClosed
	}
	if w.written >= w.segmentSize {
		if err := w.rotate(); err != nil {
			return fmt.Errorf("rotate WAL: %w", err)
		}
	}

	n, err := writeRecord(w.out, msg)
	if err != nil {
		return err
	}
	w.written += int64(n)

	active := &w.segments[len(w.segments)-1]
	if msg.Height > active.maxHeight {
		active.maxHeight = msg.Height
	}
	if msg.Type == MsgTypeEndHeight {
		w.ends[msg.Height] = active.index
	}
	return nil
}

func (w *FileWAL) rotate() error {
	if err := w.sync(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}
	next := w.segments[len(w.segments)-1].index + 1
	w.segments = append(w.segments, segment{index: next})
	return w.openActive()
}

func (w *FileWAL) openActive() error {
	idx := w.segments[len(w.segments)-1].index
	file, err := os.OpenFile(w.segmentPath(idx), os.O_WRONLY|os.O_CREATE|os.O_APPEND, filePerm)
	if err != nil {
		return fmt.Errorf("open WAL segment %d: %w", idx, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat WAL segment %d: %w", idx, err)
	}
	w.file = file
	w.out = bufio.NewWriterSize(file, writeBufferSize)
	w.written = info.Size()
	return nil
}

func (w *FileWAL) sync() error {
	if err := w.out.Flush(); err != nil {
		return err
	}
	return w.file.Sync()
}

func (w *FileWAL) segmentPath(index int) string {
	return segmentPath(w.dir, index)
}

var _ WAL = (*FileWAL)(nil)

func segmentPath(dir string, index int) string {
	return filepath.Join(dir, fmt.Sprintf("%s%05d", segmentPrefix, index))
}

// listSegments returns the indices of the segment files in dir, ascending.
func listSegments(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list WAL directory: %w", err)
	}

	var indices []int
	for _, e := range entries {
		rest, ok := strings.CutPrefix(e.Name(), segmentPrefix)
		if !ok || e.IsDir() {
			continue
		}
		if idx, err := strconv.Atoi(rest); err == nil && idx >= 0 {
			indices = append(indices, idx)
		}
	}
	sort.Ints(indices)
	return indices, nil
}

// scanSegment calls visit for every readable record of a segment. A torn or
// corrupt tail ends the scan.
func scanSegment(path string, visit func(*Message)) error {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open WAL segment: %w", err)
	}
	defer file.Close()

	in := bufio.NewReader(file)
	for {
		msg, err := readRecord(in)
		if err != nil {
			return nil
		}
		visit(msg)
	}
}

// OpenWALForReading returns a reader over every segment in dir, oldest first.
func OpenWALForReading(dir string) (Reader, error) {
	indices, err := listSegments(dir)
	if err != nil {
		return nil, err
	}
	if len(indices) == 0 {
		return nil, ErrWALNotFound
	}
	paths := make([]string, len(indices))
	for i, idx := range indices {
		paths[i] = segmentPath(dir, idx)
	}
	return &segmentReader{paths: paths}, nil
}

// segmentReader reads records across a list of segment files in order.
type segmentReader struct {
	paths []string
	file  *os.File
	in    *bufio.Reader
}

func (r *segmentReader) Read() (*Message, error) {
	for {
		if r.in == nil {
			if len(r.paths) == 0 {
				return nil, io.EOF
			}
			file, err := os.Open(r.paths[0])
			if err != nil {
				return nil, err
			}
			r.paths = r.paths[1:]
			r.file, r.in = file, bufio.NewReader(file)
		}

		msg, err := readRecord(r.in)
		if err == io.EOF {
			r.Close()
			continue
		}
		return msg, err
	}
}

func (r *segmentReader) Close() error {
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file, r.in = nil, nil
	return err
}

var _ Reader = (*segmentReader)(nil)
