// Package logging builds the gateway's structured logger and provides a
// rotating file writer for its output. RotatingWriter rotates log files by
// size, keeping a configurable number of backups and removing files older
// than a maximum age.
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

// rotatedLayout sorts lexically in time order. Millisecond precision keeps
// rotations within the same second from overwriting each other.
const rotatedLayout = "20060102-150405.000"

// RotatingWriter is an io.WriteCloser that rotates log files by size.
type RotatingWriter struct {
	mu         sync.Mutex
	file       *os.File
	filePath   string
	size       int64
	maxBytes   int64
	maxBackups int
	maxAgeDays int
	now        func() time.Time

	cleanups sync.WaitGroup
}

// NewRotatingWriter opens the log file (creating it if needed) and returns a
// writer that rotates when the file exceeds maxSizeMB. Rotated files are named
// <base>-<timestamp><ext>. At most maxBackups rotated files are kept, and files
// older than maxAgeDays are removed (0 keeps them regardless of age).
func NewRotatingWriter(filePath string, maxSizeMB, maxBackups, maxAgeDays int) (*RotatingWriter, error) {
	rw := &RotatingWriter{
		filePath:   filePath,
		maxBytes:   int64(maxSizeMB) * 1024 * 1024,
		maxBackups: maxBackups,
		maxAgeDays: maxAgeDays,
		now:        time.Now,
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}

	if err := rw.openFile(); err != nil {
		return nil, err
	}

	return rw, nil
}

func (rw *RotatingWriter) openFile() error {
	f, err := os.OpenFile(rw.filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}

	rw.file = f
	rw.size = info.Size()
	return nil
}

// Write implements io.Writer. It rotates the file if writing would exceed the
// size limit. A single record larger than the limit is still written whole.
func (rw *RotatingWriter) Write(p []byte) (int, error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.file == nil {
		return 0, os.ErrClosed
	}
	if rw.size > 0 && rw.size+int64(len(p)) > rw.maxBytes {
		if err := rw.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := rw.file.Write(p)
	rw.size += int64(n)
	return n, err
}

// Close closes the underlying file and waits for pending cleanups.
func (rw *RotatingWriter) Close() error {
	rw.mu.Lock()
	var err error
	if rw.file != nil {
		err = rw.file.Close()
		rw.file = nil
	}
	rw.mu.Unlock()

	rw.cleanups.Wait()
	return err
}

func (rw *RotatingWriter) rotate() error {
	rw.file.Close() //nolint:errcheck

	base, ext := rw.split()
	rotatedName := fmt.Sprintf("%s-%s%s", base, rw.now().Format(rotatedLayout), ext)
	if err := os.Rename(rw.filePath, rotatedName); err != nil {
		// Keep appending to the current file rather than losing output.
		if openErr := rw.openFile(); openErr != nil {
			return openErr
		}
		return fmt.Errorf("rotating log file: %w", err)
	}

	if err := rw.openFile(); err != nil {
		return err
	}

	// Cleanup old files in background (non-blocking)
	rw.cleanups.Add(1)
	go func() {
		defer rw.cleanups.Done()
		rw.cleanup()
	}()

	return nil
}

// split returns the path without its extension, and the extension used for
// rotated files (".log" when the path has none).
func (rw *RotatingWriter) split() (string, string) {
	ext := filepath.Ext(rw.filePath)
	base := strings.TrimSuffix(rw.filePath, ext)
	if ext == "" {
		ext = ".log"
	}
	return base, ext
}

// rotated lists rotated files belonging to this writer, oldest first.
func (rw *RotatingWriter) rotated() []string {
	basePath, ext := rw.split()
	prefix := filepath.Base(basePath) + "-"
	dir := filepath.Dir(rw.filePath)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var out []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, prefix) && strings.HasSuffix(name, ext) && name != filepath.Base(rw.filePath) {
			out = append(out, filepath.Join(dir, name))
		}
	}
	sort.Strings(out)
	return out
}

func (rw *RotatingWriter) cleanup() {
	rotated := rw.rotated()

	// Remove files exceeding max backups (keep the newest maxBackups)
	for len(rotated) > rw.maxBackups {
		os.Remove(rotated[0]) //nolint:errcheck
		rotated = rotated[1:]
	}

	if rw.maxAgeDays <= 0 {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -rw.maxAgeDays)
	for _, path := range rotated {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			os.Remove(path) //nolint:errcheck
		}
	}
}
