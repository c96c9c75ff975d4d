package queue

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"tasksync/domain"
)

const recordHeaderSize = 16

var (
	errLogClosed = errors.New("mutation log closed")
	crcTable     = crc32.MakeTable(crc32.Castagnoli)
)

type logConfig struct {
	dir          string
	segmentBytes int64
	logger       *log.Logger
}

type logSegment struct {
	baseOffset uint64
	lastOffset uint64
	file       *os.File
	writer     *bufio.Writer
	size       int64
	path       string
}

// logRecord frames one durable mutation. Offset ordering is enqueue
// ordering; the checkpoint only ever advances, so everything past it is
// still awaiting confirmation.
type logRecord struct {
	Offset      uint64                 `json:"offset"`
	Mutation    domain.PendingMutation `json:"mutation"`
	encodedSize int64                  `json:"-"`
}

// mutationLog is a segmented append-only log with CRC-framed records and a
// checkpoint file marking the highest confirmed offset. On open, records
// past the checkpoint are returned for redelivery; torn tails are truncated.
type mutationLog struct {
	cfg             logConfig
	mu              sync.Mutex
	segments        []*logSegment
	nextOffset      uint64
	committedOffset uint64
	closed          bool
}

func openMutationLog(cfg logConfig) (*mutationLog, []*logRecord, error) {
	if cfg.dir == "" {
		return nil, nil, fmt.Errorf("mutation log dir required")
	}
	if cfg.segmentBytes <= 0 {
		cfg.segmentBytes = 16 * 1024 * 1024
	}
	if err := os.MkdirAll(cfg.dir, 0o755); err != nil {
		return nil, nil, err
	}

	l := &mutationLog{cfg: cfg}
	checkpoint, err := l.readCheckpoint()
	if err != nil {
		return nil, nil, err
	}
	l.committedOffset = checkpoint
	l.nextOffset = checkpoint + 1

	paths, err := filepath.Glob(filepath.Join(cfg.dir, "segment-*.log"))
	if err != nil {
		return nil, nil, err
	}
	sort.Strings(paths)

	pending := make([]*logRecord, 0)
	for _, path := range paths {
		seg, records, err := l.loadSegment(path)
		if err != nil {
			return nil, nil, err
		}
		if seg == nil {
			continue
		}
		l.segments = append(l.segments, seg)
		for _, rec := range records {
			if rec.Offset >= l.nextOffset {
				l.nextOffset = rec.Offset + 1
			}
			if rec.Offset > l.committedOffset {
				pending = append(pending, rec)
			}
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Offset < pending[j].Offset })

	if len(l.segments) == 0 {
		if err := l.openNewSegmentLocked(); err != nil {
			return nil, nil, err
		}
	} else {
		last := l.segments[len(l.segments)-1]
		if _, err := last.file.Seek(last.size, io.SeekStart); err != nil {
			return nil, nil, err
		}
		last.writer = bufio.NewWriterSize(last.file, 32*1024)
	}

	return l, pending, nil
}

func (l *mutationLog) readCheckpoint() (uint64, error) {
	data, err := os.ReadFile(filepath.Join(l.cfg.dir, "checkpoint"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return 0, nil
	}
	val, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid checkpoint: %w", err)
	}
	return val, nil
}

func (l *mutationLog) loadSegment(path string) (*logSegment, []*logRecord, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}

	seg := &logSegment{path: path, file: f, size: fi.Size()}
	records := make([]*logRecord, 0)
	reader := bufio.NewReaderSize(f, 32*1024)
	var pos int64
	for {
		hdr := make([]byte, recordHeaderSize)
		start := pos
		n, err := io.ReadFull(reader, hdr)
		pos += int64(n)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				if truncErr := f.Truncate(start); truncErr != nil {
					return nil, nil, truncErr
				}
				break
			}
			return nil, nil, err
		}

		length := binary.LittleEndian.Uint32(hdr[0:4])
		crc := binary.LittleEndian.Uint32(hdr[4:8])
		recOffset := binary.LittleEndian.Uint64(hdr[8:16])
		buf := make([]byte, length)
		n, err = io.ReadFull(reader, buf)
		pos += int64(n)
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				if truncErr := f.Truncate(start); truncErr != nil {
					return nil, nil, truncErr
				}
				break
			}
			return nil, nil, err
		}
		if crc32.Checksum(buf, crcTable) != crc {
			if err := f.Truncate(start); err != nil {
				return nil, nil, err
			}
			break
		}

		var rec logRecord
		if err := sonic.Unmarshal(buf, &rec); err != nil {
			return nil, nil, err
		}
		if rec.Offset != recOffset {
			return nil, nil, fmt.Errorf("mutation log offset mismatch: header=%d payload=%d", recOffset, rec.Offset)
		}
		if seg.baseOffset == 0 {
			seg.baseOffset = rec.Offset
		}
		seg.lastOffset = rec.Offset
		rec.encodedSize = int64(recordHeaderSize) + int64(length)
		records = append(records, &rec)
	}
	seg.size = pos
	return seg, records, nil
}

func (l *mutationLog) openNewSegmentLocked() error {
	if l.closed {
		return errLogClosed
	}
	name := fmt.Sprintf("segment-%020d.log", l.nextOffset)
	path := filepath.Join(l.cfg.dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	l.segments = append(l.segments, &logSegment{
		baseOffset: l.nextOffset,
		lastOffset: l.nextOffset - 1,
		file:       f,
		writer:     bufio.NewWriterSize(f, 32*1024),
		path:       path,
	})
	return nil
}

// append durably writes the mutation and returns its offset.
func (l *mutationLog) append(m domain.PendingMutation) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, errLogClosed
	}
	if len(l.segments) == 0 {
		if err := l.openNewSegmentLocked(); err != nil {
			return 0, err
		}
	}
	current := l.segments[len(l.segments)-1]
	if current.size >= l.cfg.segmentBytes {
		if err := current.writer.Flush(); err != nil {
			return 0, err
		}
		if err := current.file.Sync(); err != nil {
			return 0, err
		}
		current.writer = nil
		if err := current.file.Close(); err != nil {
			return 0, err
		}
		if err := l.openNewSegmentLocked(); err != nil {
			return 0, err
		}
		current = l.segments[len(l.segments)-1]
	}

	rec := logRecord{Offset: l.nextOffset, Mutation: m}
	payload, err := sonic.Marshal(&rec)
	if err != nil {
		return 0, err
	}
	header := make([]byte, recordHeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[4:8], crc32.Checksum(payload, crcTable))
	binary.LittleEndian.PutUint64(header[8:16], rec.Offset)

	if _, err := current.writer.Write(header); err != nil {
		return 0, err
	}
	if _, err := current.writer.Write(payload); err != nil {
		return 0, err
	}
	if err := current.writer.Flush(); err != nil {
		return 0, err
	}
	if err := current.file.Sync(); err != nil {
		return 0, err
	}

	l.nextOffset++
	current.size += int64(len(header) + len(payload))
	current.lastOffset = rec.Offset
	return rec.Offset, nil
}

// commit advances the checkpoint; records at or below it are settled and
// their segments become prunable.
func (l *mutationLog) commit(offset uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if offset <= l.committedOffset {
		return nil
	}
	l.committedOffset = offset
	path := filepath.Join(l.cfg.dir, "checkpoint")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.FormatUint(offset, 10)), 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	l.pruneSegmentsLocked()
	return nil
}

func (l *mutationLog) pruneSegmentsLocked() {
	for len(l.segments) > 1 {
		seg := l.segments[0]
		if seg.lastOffset > l.committedOffset {
			break
		}
		if seg.writer != nil {
			seg.writer.Flush()
		}
		seg.file.Close()
		if err := os.Remove(seg.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			if l.cfg.logger != nil {
				l.cfg.logger.WithError(err).Warnf("failed to remove mutation log segment %s", seg.path)
			}
			break
		}
		l.segments = l.segments[1:]
	}
}

func (l *mutationLog) close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	for _, seg := range l.segments {
		if seg.writer != nil {
			seg.writer.Flush()
		}
		seg.file.Close()
	}
	return nil
}
