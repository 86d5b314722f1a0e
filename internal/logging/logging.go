// Package logging builds the service's slog logger from configuration.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Output formats.
const (
	FormatJSON = "json"
	FormatText = "text"
)

// Config configures the service logger.
type Config struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`

	// File switches output from stderr to a size-rotated file.
	File     string         `yaml:"file"`
	Rotation RotationConfig `yaml:"rotation"`
}

// DefaultConfig returns JSON logging at info level on stderr.
func DefaultConfig() Config {
	return Config{
		Level:  "INFO",
		Format: FormatJSON,
		Rotation: RotationConfig{
			MaxSizeMB:  100,
			MaxBackups: 5,
		},
	}
}

// Validate checks the level and format.
func (c Config) Validate() error {
	if _, err := ParseLevel(c.Level); err != nil {
		return err
	}
	switch strings.ToLower(c.Format) {
	case "", FormatJSON, FormatText:
	default:
		return fmt.Errorf("invalid log format %q (must be one of: json, text)", c.Format)
	}
	if c.Rotation.MaxSizeMB < 0 || c.Rotation.MaxBackups < 0 {
		return fmt.Errorf("log rotation limits must not be negative")
	}
	return nil
}

// ParseLevel parses a level name, case-insensitively. An empty name is info.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "", "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s (must be one of: DEBUG, INFO, WARN, ERROR)", level)
	}
}

// New creates a logger writing to out.
func New(config Config, out io.Writer) (*slog.Logger, error) {
	level, err := ParseLevel(config.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level, AddSource: config.AddSource}

	var handler slog.Handler
	switch strings.ToLower(config.Format) {
	case "", FormatJSON:
		handler = slog.NewJSONHandler(out, opts)
	case FormatText:
		handler = slog.NewTextHandler(out, opts)
	default:
		return nil, fmt.Errorf("invalid log format %q (must be one of: json, text)", config.Format)
	}
	return slog.New(handler), nil
}

// Setup creates the service logger and installs it as slog's default. The
// returned closer releases the log file, if any.
func Setup(config Config) (*slog.Logger, io.Closer, error) {
	var (
		out    io.Writer = os.Stderr
		closer io.Closer = nopCloser{}
	)
	if config.File != "" {
		rotation := config.Rotation
		rotation.Filename = config.File
		rotator, err := NewRotator(rotation)
		if err != nil {
			return nil, nil, err
		}
		out, closer = rotator, rotator
	}

	logger, err := New(config, out)
	if err != nil {
		_ = closer.Close()
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
