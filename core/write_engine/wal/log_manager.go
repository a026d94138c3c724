// Package wal is the coordinator's local write-ahead log: an append-only,
// checksummed, segmented record of coordinator documents, plus a
// transaction.DecisionStore that rebuilds its state from the log on open.
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

	"go.uber.org/zap"
)

const defaultSegmentSizeLimit = 64 << 20

// Config holds the configuration of the log.
type Config struct {
	// Dir holds the active log segments.
	Dir string `yaml:"dir"`
	// ArchiveDir receives segments made obsolete by Rewrite. Empty deletes them.
	ArchiveDir string `yaml:"archive_dir"`
	// SegmentSizeLimit is the size at which a new segment is started.
	SegmentSizeLimit int64 `yaml:"segment_size_limit"`
}

var ErrClosed = errors.New("wal: log manager is closed")

type segmentInfo struct {
	path string
	id   uint64
	size int64
}

// LogManager appends records to segment files named log_NNNNN.log. Every
// append is synced before it returns.
type LogManager struct {
	logDir           string
	archiveDir       string
	segmentSizeLimit int64
	logger           *zap.Logger

	mu                       sync.Mutex // Protects everything below
	logFile                  *os.File
	currentSegmentID         uint64
	currentSegmentFileOffset int64
	nextLSN                  LSN
	closed                   bool
}

// NewLogManager opens the log in cfg.Dir, creating it if needed. A torn
// record at the end of the newest segment, left by a crash during append, is
// truncated away.
func NewLogManager(cfg Config, logger *zap.Logger) (*LogManager, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("wal: log directory must be set")
	}
	if cfg.SegmentSizeLimit <= 0 {
		cfg.SegmentSizeLimit = defaultSegmentSizeLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", cfg.Dir, err)
	}
	if cfg.ArchiveDir != "" {
		if err := os.MkdirAll(cfg.ArchiveDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create archive directory %s: %w", cfg.ArchiveDir, err)
		}
	}

	lm := &LogManager{
		logDir:           cfg.Dir,
		archiveDir:       cfg.ArchiveDir,
		segmentSizeLimit: cfg.SegmentSizeLimit,
		logger:           logger.Named("wal"),
		nextLSN:          1,
	}
	if err := lm.openLatestSegment(); err != nil {
		return nil, err
	}
	lm.logger.Info("LogManager initialized",
		zap.String("dir", cfg.Dir),
		zap.Uint64("segment", lm.currentSegmentID),
		zap.Uint64("nextLSN", uint64(lm.nextLSN)))
	return lm, nil
}

func (lm *LogManager) getLogSegmentPath(segmentID uint64) string {
	return filepath.Join(lm.logDir, fmt.Sprintf("log_%05d.log", segmentID))
}

func (lm *LogManager) listSegments() ([]segmentInfo, error) {
	files, err := os.ReadDir(lm.logDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", lm.logDir, err)
	}
	var segments []segmentInfo
	for _, file := range files {
		name := file.Name()
		if file.IsDir() || !strings.HasPrefix(name, "log_") || !strings.HasSuffix(name, ".log") {
			continue
		}
		id, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, "log_"), ".log"), 10, 64)
		if err != nil {
			continue
		}
		info, err := file.Info()
		if err != nil {
			return nil, err
		}
		segments = append(segments, segmentInfo{path: filepath.Join(lm.logDir, name), id: id, size: info.Size()})
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i].id < segments[j].id })
	return segments, nil
}

// openLatestSegment scans every segment to find the next LSN, repairs a torn
// tail and opens the newest segment for appending.
func (lm *LogManager) openLatestSegment() error {
	segments, err := lm.listSegments()
	if err != nil {
		return err
	}
	lm.currentSegmentID = 1
	for i, seg := range segments {
		last := i == len(segments)-1
		validSize, lastLSN, err := scanSegment(seg.path, nil)
		if err != nil {
			if !last {
				return fmt.Errorf("log segment %s is corrupt: %w", seg.path, err)
			}
			lm.logger.Warn("Truncating torn tail of log segment",
				zap.String("segment", seg.path),
				zap.Int64("validSize", validSize),
				zap.Int64("size", seg.size),
				zap.Error(err))
			if err := os.Truncate(seg.path, validSize); err != nil {
				return fmt.Errorf("failed to truncate log segment %s: %w", seg.path, err)
			}
		}
		if lastLSN != InvalidLSN {
			lm.nextLSN = lastLSN + 1
		}
		lm.currentSegmentID = seg.id
		lm.currentSegmentFileOffset = validSize
	}

	path := lm.getLogSegmentPath(lm.currentSegmentID)
	logFile, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open/create log segment %s: %w", path, err)
	}
	lm.logFile = logFile
	return nil
}

// scanSegment reads the records of one segment, passing each to fn when fn
// is not nil. It returns the size of the valid prefix and the last LSN seen.
func scanSegment(path string, fn func(*LogRecord) error) (int64, LSN, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, InvalidLSN, err
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	var offset int64
	lastLSN := InvalidLSN
	for {
		var lr LogRecord
		err := readLogRecord(reader, &lr)
		if err == io.EOF {
			return offset, lastLSN, nil
		}
		if err != nil {
			return offset, lastLSN, err
		}
		if fn != nil {
			if err := fn(&lr); err != nil {
				return offset, lastLSN, err
			}
		}
		offset += int64(lr.Size())
		lastLSN = lr.LSN
	}
}

// Append assigns the next LSN to record, writes it and syncs the segment.
func (lm *LogManager) Append(record *LogRecord) (LSN, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.closed {
		return InvalidLSN, ErrClosed
	}

	record.LSN = lm.nextLSN
	serialized, err := record.Serialize()
	if err != nil {
		return InvalidLSN, fmt.Errorf("failed to serialize log record: %w", err)
	}
	size := int64(len(serialized))

	if lm.currentSegmentFileOffset > 0 && lm.currentSegmentFileOffset+size > lm.segmentSizeLimit {
		if err := lm.rollLogSegment(); err != nil {
			return InvalidLSN, fmt.Errorf("failed to roll log segment before append: %w", err)
		}
	}

	n, err := lm.logFile.Write(serialized)
	if err != nil {
		return InvalidLSN, fmt.Errorf("failed to write log record: %w", err)
	}
	if n != len(serialized) {
		return InvalidLSN, fmt.Errorf("short write to log file: expected %d, wrote %d", len(serialized), n)
	}
	if err := lm.logFile.Sync(); err != nil {
		return InvalidLSN, fmt.Errorf("failed to sync log segment: %w", err)
	}
	lm.currentSegmentFileOffset += size
	lm.nextLSN++

	lm.logger.Debug("Appended log record",
		zap.Uint64("lsn", uint64(record.LSN)),
		zap.Stringer("type", record.Type),
		zap.Stringer("key", record.Key),
		zap.Int64("size", size))
	return record.LSN, nil
}

// rollLogSegment closes the current segment and opens the next one.
// lm.mu must be held.
func (lm *LogManager) rollLogSegment() error {
	if err := lm.logFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync log file before rolling segment: %w", err)
	}
	if err := lm.logFile.Close(); err != nil {
		return fmt.Errorf("failed to close log file %s: %w", lm.getLogSegmentPath(lm.currentSegmentID), err)
	}
	lm.currentSegmentID++
	path := lm.getLogSegmentPath(lm.currentSegmentID)
	logFile, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open new log segment %s: %w", path, err)
	}
	lm.logFile = logFile
	lm.currentSegmentFileOffset = 0
	lm.logger.Info("Rolled to new log segment", zap.Uint64("segment", lm.currentSegmentID))
	return nil
}

// Replay calls fn for every record in LSN order.
func (lm *LogManager) Replay(fn func(*LogRecord) error) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.closed {
		return ErrClosed
	}
	segments, err := lm.listSegments()
	if err != nil {
		return err
	}
	for _, seg := range segments {
		if _, _, err := scanSegment(seg.path, fn); err != nil {
			return fmt.Errorf("failed to replay log segment %s: %w", seg.path, err)
		}
	}
	return nil
}

// Rewrite writes records to a fresh segment and then drops every older
// segment, moving it to the archive directory if one is configured. Records
// keep their order and receive new LSNs.
func (lm *LogManager) Rewrite(records []*LogRecord) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.closed {
		return ErrClosed
	}
	obsolete, err := lm.listSegments()
	if err != nil {
		return err
	}
	if err := lm.rollLogSegment(); err != nil {
		return err
	}
	for _, record := range records {
		record.LSN = lm.nextLSN
		serialized, err := record.Serialize()
		if err != nil {
			return fmt.Errorf("failed to serialize log record: %w", err)
		}
		if _, err := lm.logFile.Write(serialized); err != nil {
			return fmt.Errorf("failed to write log record: %w", err)
		}
		lm.currentSegmentFileOffset += int64(len(serialized))
		lm.nextLSN++
	}
	if err := lm.logFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync rewritten segment: %w", err)
	}

	for _, seg := range obsolete {
		if lm.archiveDir != "" {
			err = os.Rename(seg.path, filepath.Join(lm.archiveDir, filepath.Base(seg.path)))
		} else {
			err = os.Remove(seg.path)
		}
		if err != nil {
			return fmt.Errorf("failed to drop obsolete log segment %s: %w", seg.path, err)
		}
	}
	lm.logger.Info("Rewrote log",
		zap.Int("records", len(records)),
		zap.Int("droppedSegments", len(obsolete)),
		zap.Uint64("segment", lm.currentSegmentID))
	return nil
}

// NextLSN returns the LSN the next appended record will get.
func (lm *LogManager) NextLSN() LSN {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.nextLSN
}

// SegmentCount returns the number of segments in the log directory.
func (lm *LogManager) SegmentCount() (int, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	segments, err := lm.listSegments()
	return len(segments), err
}

// Close syncs and closes the active segment.
func (lm *LogManager) Close() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.closed {
		return nil
	}
	lm.closed = true
	if err := lm.logFile.Sync(); err != nil {
		lm.logFile.Close()
		return fmt.Errorf("failed to sync log file on close: %w", err)
	}
	lm.logger.Info("LogManager closed", zap.Uint64("nextLSN", uint64(lm.nextLSN)))
	return lm.logFile.Close()
}
