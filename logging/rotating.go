package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// RotatingWriter writes to one log file per ISO week and starts a numbered
// file when the current one reaches maxSize.
type RotatingWriter struct {
	dir       string
	retention time.Duration
	maxSize   int64
	now       func() time.Time

	mu   sync.Mutex
	file *os.File
	week string
	seq  int
	size int64
}

// NewRotatingWriter creates the log directory and opens the file for the current week
func NewRotatingWriter(dir string, retentionWeeks int, maxSize int64) (*RotatingWriter, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}

	rw := &RotatingWriter{
		dir:       dir,
		retention: time.Duration(retentionWeeks) * 7 * 24 * time.Hour,
		maxSize:   maxSize,
		now:       time.Now,
	}

	rw.mu.Lock()
	defer rw.mu.Unlock()
	if err := rw.open(weekKey(rw.now()), 0); err != nil {
		return nil, err
	}
	return rw, nil
}

// weekKey returns the ISO week in YYYY-Www format
func weekKey(t time.Time) string {
	year, week := t.ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}

func fileName(week string, seq int) string {
	if seq == 0 {
		return fmt.Sprintf("app-%s.log", week)
	}
	return fmt.Sprintf("app-%s_%02d.log", week, seq)
}

// open switches to the given week/sequence file; caller holds mu
func (rw *RotatingWriter) open(week string, seq int) error {
	if rw.file != nil {
		_ = rw.file.Close()
		rw.file = nil
	}

	path := filepath.Join(rw.dir, fileName(week, seq))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", path, err)
	}

	var size int64
	if info, err := f.Stat(); err == nil {
		size = info.Size()
	}

	rw.file = f
	rw.week = week
	rw.seq = seq
	rw.size = size
	return nil
}

// Write implements io.Writer
func (rw *RotatingWriter) Write(p []byte) (int, error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	week := weekKey(rw.now())
	switch {
	case week != rw.week:
		if err := rw.open(week, 0); err != nil {
			return 0, err
		}
	case rw.maxSize > 0 && rw.size+int64(len(p)) > rw.maxSize && rw.size > 0:
		if err := rw.open(week, rw.seq+1); err != nil {
			return 0, err
		}
	}

	if rw.file == nil {
		return 0, fmt.Errorf("no log file available")
	}

	n, err := rw.file.Write(p)
	rw.size += int64(n)
	return n, err
}

// Cleanup deletes app-*.log files last modified before the retention window
// and returns how many were removed.
func (rw *RotatingWriter) Cleanup() (int, error) {
	entries, err := os.ReadDir(rw.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read log directory: %w", err)
	}

	rw.mu.Lock()
	current := ""
	if rw.file != nil {
		current = filepath.Base(rw.file.Name())
	}
	rw.mu.Unlock()

	cutoff := rw.now().Add(-rw.retention)
	deleted := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || name == current || !strings.HasPrefix(name, "app-") || !strings.HasSuffix(name, ".log") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(rw.dir, name)); err == nil {
				deleted++
			}
		}
	}
	return deleted, nil
}

// Files lists the log files currently in the directory, sorted by name
func (rw *RotatingWriter) Files() []string {
	matches, _ := filepath.Glob(filepath.Join(rw.dir, "app-*.log"))
	sort.Strings(matches)
	return matches
}

// Close closes the current file
func (rw *RotatingWriter) Close() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.file == nil {
		return nil
	}
	err := rw.file.Close()
	rw.file = nil
	return err
}
