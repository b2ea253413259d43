package logging

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// FileSink appends status log entries to a local file with rotation.
type FileSink struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	maxSize  int64
	maxFiles int
	written  int64
}

// FileSinkConfig configures a FileSink.
type FileSinkConfig struct {
	Path     string // log file path (default: /var/log/wgguard.log)
	MaxSize  int64  // max file size in bytes (default: 1MB)
	MaxFiles int    // rotated files to keep (default: 3)
}

// NewFileSink opens (or creates) the status log file.
func NewFileSink(cfg FileSinkConfig) (*FileSink, error) {
	path := cfg.Path
	if path == "" {
		path = "/var/log/wgguard.log"
	}
	maxSize := cfg.MaxSize
	if maxSize <= 0 {
		maxSize = 1024 * 1024
	}
	maxFiles := cfg.MaxFiles
	if maxFiles <= 0 {
		maxFiles = 3
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	fs := &FileSink{
		file:     f,
		path:     path,
		maxSize:  maxSize,
		maxFiles: maxFiles,
	}
	if info, err := f.Stat(); err == nil {
		fs.written = info.Size()
	}
	return fs, nil
}

// Append writes one line per entry. Write errors are reported through slog
// since sinks have no return contract.
func (fs *FileSink) Append(e Entry) {
	if err := fs.write(e.String() + "\n"); err != nil {
		slog.Warn("status log write failed", "path", fs.path, "err", err)
	}
}

func (fs *FileSink) write(line string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.file == nil {
		return fmt.Errorf("log file closed")
	}
	n, err := fs.file.WriteString(line)
	if err != nil {
		return err
	}
	fs.written += int64(n)

	if fs.written >= fs.maxSize {
		fs.rotate()
	}
	return nil
}

// Close closes the log file.
func (fs *FileSink) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.file != nil {
		err := fs.file.Close()
		fs.file = nil
		return err
	}
	return nil
}

func (fs *FileSink) rotate() {
	fs.file.Close()
	fs.file = nil

	for i := fs.maxFiles - 1; i > 0; i-- {
		os.Rename(fmt.Sprintf("%s.%d", fs.path, i), fmt.Sprintf("%s.%d", fs.path, i+1))
	}
	os.Rename(fs.path, fs.path+".1")
	os.Remove(fmt.Sprintf("%s.%d", fs.path, fs.maxFiles+1))

	f, err := os.OpenFile(fs.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		slog.Warn("failed to open rotated status log", "err", err)
		return
	}
	fs.file = f
	fs.written = 0
}
