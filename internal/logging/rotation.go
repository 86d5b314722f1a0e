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

// RotationConfig configures size-based log rotation.
type RotationConfig struct {
	Filename string `yaml:"-"`
	// MaxSizeMB rotates the file once it would grow past this size. Zero disables rotation.
	MaxSizeMB int64 `yaml:"max_size_mb"`
	// MaxBackups bounds the rotated files kept. Zero keeps all of them.
	MaxBackups int `yaml:"max_backups"`
}

// Rotator is an io.Writer that rotates its file by size.
type Rotator struct {
	mu     sync.Mutex
	config RotationConfig
	file   *os.File
	size   int64
	now    func() time.Time
}

// NewRotator opens config.Filename for appending.
func NewRotator(config RotationConfig) (*Rotator, error) {
	if config.Filename == "" {
		return nil, fmt.Errorf("log filename is required")
	}
	r := &Rotator{config: config, now: time.Now}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

// Write implements io.Writer.
func (r *Rotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return 0, os.ErrClosed
	}
	if max := r.config.MaxSizeMB << 20; max > 0 && r.size > 0 && r.size+int64(len(p)) > max {
		if err := r.rotate(); err != nil {
			return 0, fmt.Errorf("failed to rotate log: %w", err)
		}
	}

	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

// Rotate forces a rotation.
func (r *Rotator) Rotate() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rotate()
}

// Close closes the current file.
func (r *Rotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

func (r *Rotator) rotate() error {
	if r.file != nil {
		if err := r.file.Close(); err != nil {
			return fmt.Errorf("failed to close log file: %w", err)
		}
		r.file = nil
	}

	backup := r.backupName(r.now().UTC())
	if err := os.Rename(r.config.Filename, backup); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to rename log file: %w", err)
	}
	if err := r.prune(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to prune log backups: %v\n", err)
	}
	return r.open()
}

func (r *Rotator) open() error {
	if err := os.MkdirAll(filepath.Dir(r.config.Filename), 0750); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	file, err := os.OpenFile(r.config.Filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	r.file = file
	r.size = info.Size()
	return nil
}

// backupName inserts a timestamp before the extension: app.log becomes
// app-2006-01-02T15-04-05.000.log.
func (r *Rotator) backupName(ts time.Time) string {
	dir, base := filepath.Split(r.config.Filename)
	ext := filepath.Ext(base)
	prefix := strings.TrimSuffix(base, ext)
	return filepath.Join(dir, fmt.Sprintf("%s-%s%s", prefix, ts.Format("2006-01-02T15-04-05.000"), ext))
}

// Backups lists rotated files, oldest first.
func (r *Rotator) Backups() ([]string, error) {
	dir, base := filepath.Split(r.config.Filename)
	if dir == "" {
		dir = "."
	}
	ext := filepath.Ext(base)
	prefix := strings.TrimSuffix(base, ext) + "-"

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var backups []string
	for _, entry := range entries {
		name := entry.Name()
		if name != base && strings.HasPrefix(name, prefix) && strings.HasSuffix(name, ext) {
			backups = append(backups, filepath.Join(dir, name))
		}
	}
	// Timestamps sort lexically.
	sort.Strings(backups)
	return backups, nil
}

func (r *Rotator) prune() error {
	if r.config.MaxBackups <= 0 {
		return nil
	}
	backups, err := r.Backups()
	if err != nil {
		return err
	}
	for len(backups) > r.config.MaxBackups {
		if err := os.Remove(backups[0]); err != nil && !os.IsNotExist(err) {
			return err
		}
		backups = backups[1:]
	}
	return nil
}
