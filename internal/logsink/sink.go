// Package logsink writes records to an append-only log file that is rotated
// on a time boundary, pruned to a fixed count and optionally gzipped.
package logsink

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"webhooklog/internal/security"
)

const (
	DefaultMaxFiles          = 30
	DefaultUncompressedFiles = 1
	DefaultFlushInterval     = time.Second

	compressedSuffix = ".gz"
	writeBufferSize  = 64 * 1024
)

// ErrClosed is returned by operations on a closed Sink.
var ErrClosed = errors.New("log sink is closed")

// Options configures rotation, retention and buffering of a Sink.
type Options struct {
	// Frequency is the rotation boundary. Empty means Daily.
	Frequency Frequency

	// MaxFiles is the number of rotated files kept next to the active one.
	// Zero means DefaultMaxFiles.
	MaxFiles int

	// Compress gzips rotated files whose index is above UncompressedFiles.
	Compress          bool
	UncompressedFiles int

	// FlushInterval is how often buffered records are pushed to the file.
	// Zero flushes at the end of every Append.
	FlushInterval time.Duration

	Logger *slog.Logger

	// Now is the clock used for rotation decisions. Defaults to time.Now.
	Now func() time.Time
}

// Sink is an append-only, line-oriented log file with time-based rotation.
// All methods are safe for concurrent use; writes are serialized.
type Sink struct {
	path   string
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	file   *os.File
	w      *bufio.Writer
	period time.Time
	closed bool

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// archive is a rotated file on disk: <path>.<index>[.gz]
type archive struct {
	index      int
	path       string
	compressed bool
}

// Open opens (or creates) the active log file at path.
//
// If the file already exists its modification time decides which period it
// belongs to, so a file left over from an earlier period is rotated on the
// first Append.
func Open(path string, opts Options) (*Sink, error) {
	if path == "" {
		return nil, fmt.Errorf("log file path is required")
	}
	if opts.Frequency == "" {
		opts.Frequency = Daily
	}
	frequency, err := ParseFrequency(string(opts.Frequency))
	if err != nil {
		return nil, err
	}
	opts.Frequency = frequency
	if opts.MaxFiles < 0 {
		return nil, fmt.Errorf("max files must not be negative, got %d", opts.MaxFiles)
	}
	if opts.MaxFiles == 0 {
		opts.MaxFiles = DefaultMaxFiles
	}
	if opts.UncompressedFiles < 0 {
		return nil, fmt.Errorf("uncompressed files must not be negative, got %d", opts.UncompressedFiles)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Sink{
		path:   path,
		opts:   opts,
		logger: opts.Logger,
		now:    opts.Now,
	}

	if err := security.EnsureDir(filepath.Dir(path), security.PermDirectory); err != nil {
		return nil, fmt.Errorf("failed to prepare log directory: %w", err)
	}

	now := s.now()
	started := now
	if info, err := os.Stat(path); err == nil {
		started = info.ModTime().In(now.Location())
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat log file: %w", err)
	}
	s.period = opts.Frequency.PeriodStart(started)

	if err := s.openActive(); err != nil {
		return nil, err
	}

	if opts.FlushInterval > 0 {
		s.stop = make(chan struct{})
		s.done = make(chan struct{})
		go s.flushLoop(opts.FlushInterval)
	}

	return s, nil
}

// Path returns the path of the active log file.
func (s *Sink) Path() string {
	return s.path
}

// Append writes each record as one line, in order. Before every record the
// sink checks the rotation boundary, so records on either side of a boundary
// land in different files.
func (s *Sink) Append(records []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.w == nil {
		if err := s.openActive(); err != nil {
			return err
		}
	}

	for _, record := range records {
		if err := s.rotateIfDue(s.now()); err != nil {
			return err
		}
		if _, err := s.w.WriteString(record); err != nil {
			return fmt.Errorf("failed to write record: %w", err)
		}
		if err := s.w.WriteByte('\n'); err != nil {
			return fmt.Errorf("failed to write record: %w", err)
		}
	}

	if s.opts.FlushInterval <= 0 {
		if err := s.w.Flush(); err != nil {
			return fmt.Errorf("failed to flush log file: %w", err)
		}
	}

	return nil
}

// Flush pushes buffered records to the active file.
func (s *Sink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.w == nil {
		return nil
	}
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush log file: %w", err)
	}
	return nil
}

// Rotate archives the active file immediately, regardless of the boundary.
func (s *Sink) Rotate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	now := s.now()
	return s.rotate(s.opts.Frequency.PeriodStart(now))
}

// Close flushes buffered records and closes the active file.
// Calling Close more than once is a no-op.
func (s *Sink) Close() error {
	s.stopOnce.Do(func() {
		if s.stop != nil {
			close(s.stop)
			<-s.done
		}
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	return s.closeActive()
}

// Files returns the rotated files currently retained, lowest index (newest)
// first.
func (s *Sink) Files() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	archives, err := s.archives()
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(archives))
	for _, a := range archives {
		files = append(files, a.path)
	}
	return files, nil
}

func (s *Sink) flushLoop(interval time.Duration) {
	defer close(s.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.Flush(); err != nil {
				s.logger.Error("Periodic flush failed", "path", s.path, "error", err)
			}
		case <-s.stop:
			return
		}
	}
}

func (s *Sink) rotateIfDue(now time.Time) error {
	period := s.opts.Frequency.PeriodStart(now)
	if !period.After(s.period) {
		return nil
	}
	return s.rotate(period)
}

// rotate must be called with mu held. Failures while archiving are logged
// and the sink keeps appending to whatever file is at s.path, so no record
// is dropped because of a failed rename or compression.
func (s *Sink) rotate(period time.Time) error {
	if err := s.closeActive(); err != nil {
		// Reopen so later appends still have somewhere to go.
		if reopenErr := s.openActive(); reopenErr != nil {
			return errors.Join(err, reopenErr)
		}
		return err
	}

	// An empty active file is not archived; it would take a retention slot
	// and push older data past MaxFiles.
	empty, err := s.activeEmpty()
	if err != nil {
		s.logger.Warn("Failed to stat log file before rotation", "path", s.path, "error", err)
	}
	if empty {
		s.period = period
		return s.openActive()
	}

	if err := s.archiveActive(); err != nil {
		s.logger.Error("Failed to archive log file", "path", s.path, "error", err)
	} else if s.opts.Compress {
		s.compressArchives()
	}

	s.period = period
	if err := s.openActive(); err != nil {
		return err
	}

	s.logger.Info("Rotated log file", "path", s.path, "period", period.Format(time.RFC3339))
	return nil
}

// archiveActive shifts every retained file one index up, drops the ones that
// fall past MaxFiles and moves the active file to index 1.
func (s *Sink) archiveActive() error {
	archives, err := s.archives()
	if err != nil {
		return err
	}

	for i := len(archives) - 1; i >= 0; i-- {
		a := archives[i]
		if a.index >= s.opts.MaxFiles {
			if err := os.Remove(a.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				s.logger.Warn("Failed to remove expired log file", "path", a.path, "error", err)
			}
			continue
		}
		target := s.archivePath(a.index+1, a.compressed)
		if err := os.Rename(a.path, target); err != nil {
			return fmt.Errorf("failed to shift %s: %w", a.path, err)
		}
	}

	if err := os.Rename(s.path, s.archivePath(1, false)); err != nil {
		return fmt.Errorf("failed to archive active file: %w", err)
	}

	return nil
}

func (s *Sink) compressArchives() {
	archives, err := s.archives()
	if err != nil {
		s.logger.Warn("Failed to list rotated files for compression", "error", err)
		return
	}

	for _, a := range archives {
		if a.compressed || a.index <= s.opts.UncompressedFiles {
			continue
		}
		if err := compressFile(a.path); err != nil {
			s.logger.Warn("Failed to compress rotated log file", "path", a.path, "error", err)
		}
	}
}

// archives lists rotated files sorted by index and must be called with mu
// held. When both <path>.N and <path>.N.gz exist the original could not be
// removed after compression; the .gz copy is complete, so the plain one is
// deleted.
func (s *Sink) archives() ([]archive, error) {
	dir := filepath.Dir(s.path)
	prefix := filepath.Base(s.path) + "."

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read log directory: %w", err)
	}

	byIndex := make(map[int]archive)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, prefix) {
			continue
		}

		rest := strings.TrimPrefix(name, prefix)
		compressed := strings.HasSuffix(rest, compressedSuffix)
		rest = strings.TrimSuffix(rest, compressedSuffix)

		index, err := strconv.Atoi(rest)
		if err != nil || index < 1 || strconv.Itoa(index) != rest {
			continue
		}

		current := archive{
			index:      index,
			path:       filepath.Join(dir, name),
			compressed: compressed,
		}
		if existing, ok := byIndex[index]; ok {
			keep, drop := existing, current
			if current.compressed {
				keep, drop = current, existing
			}
			if err := os.Remove(drop.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				s.logger.Warn("Failed to remove duplicate rotated file", "path", drop.path, "error", err)
			}
			byIndex[index] = keep
			continue
		}
		byIndex[index] = current
	}

	archives := make([]archive, 0, len(byIndex))
	for _, a := range byIndex {
		archives = append(archives, a)
	}
	sort.Slice(archives, func(i, j int) bool {
		return archives[i].index < archives[j].index
	})

	return archives, nil
}

func (s *Sink) archivePath(index int, compressed bool) string {
	p := s.path + "." + strconv.Itoa(index)
	if compressed {
		p += compressedSuffix
	}
	return p
}

// activeEmpty reports whether the active file holds no data. Call it after
// closeActive so buffered records are already on disk.
func (s *Sink) activeEmpty() (bool, error) {
	info, err := os.Stat(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return info.Size() == 0, nil
}

func (s *Sink) openActive() error {
	file, err := security.OpenAppendFile(s.path, security.PermLogFile)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", s.path, err)
	}
	s.file = file
	s.w = bufio.NewWriterSize(file, writeBufferSize)
	return nil
}

func (s *Sink) closeActive() error {
	if s.file == nil {
		return nil
	}

	var errs []error
	if err := s.w.Flush(); err != nil {
		errs = append(errs, fmt.Errorf("failed to flush log file: %w", err))
	}
	if err := s.file.Sync(); err != nil {
		errs = append(errs, fmt.Errorf("failed to sync log file: %w", err))
	}
	if err := s.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close log file: %w", err))
	}
	s.file = nil
	s.w = nil

	return errors.Join(errs...)
}
