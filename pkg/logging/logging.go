package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config configures the operational logger.
type Config struct {
	// Level is one of trace, debug, info, warn, error. Default: info.
	Level string `yaml:"level" json:"level"`

	// Debug forces debug level regardless of Level.
	Debug bool `yaml:"debug" json:"debug"`

	// Output is stdout, stderr or console (human readable on stderr).
	Output string `yaml:"output" json:"output"`

	// TimeFormat overrides the timestamp layout (Go time layout).
	TimeFormat string `yaml:"time_format" json:"time_format"`
}

// DefaultConfig returns the default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Output: "stdout",
	}
}

// New builds a zerolog.Logger from the configuration.
func New(cfg Config) (zerolog.Logger, error) {
	return NewWithWriter(cfg, nil)
}

// NewWithWriter builds a logger writing to w. When w is nil the writer is
// selected from cfg.Output.
func NewWithWriter(cfg Config, w io.Writer) (zerolog.Logger, error) {
	level, err := ParseLevel(cfg)
	if err != nil {
		return zerolog.Nop(), err
	}

	if cfg.TimeFormat != "" {
		zerolog.TimeFieldFormat = cfg.TimeFormat
	} else {
		zerolog.TimeFieldFormat = time.RFC3339
	}

	if w == nil {
		switch strings.ToLower(cfg.Output) {
		case "", "stdout":
			w = os.Stdout
		case "stderr":
			w = os.Stderr
		case "console":
			w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"}
		default:
			return zerolog.Nop(), fmt.Errorf("unknown log output %q", cfg.Output)
		}
	}

	return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
}

// ParseLevel resolves the effective level of cfg.
func ParseLevel(cfg Config) (zerolog.Level, error) {
	if cfg.Debug {
		return zerolog.DebugLevel, nil
	}
	if cfg.Level == "" {
		return zerolog.InfoLevel, nil
	}
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	return level, nil
}

// WithComponent returns a child logger tagged with the component name.
func WithComponent(logger zerolog.Logger, component string) zerolog.Logger {
	return logger.With().Str("component", component).Logger()
}

// Nop returns a logger that discards everything. Intended for tests.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}
