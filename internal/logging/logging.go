package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

// Config describes logger runtime configuration.
type Config struct {
	Level       string `mapstructure:"level"`
	Format      string `mapstructure:"format"`
	TimeFormat  string `mapstructure:"time_format"`
	Caller      bool   `mapstructure:"caller"`
	PrettyPrint bool   `mapstructure:"pretty"`
}

// NewLogger constructs a zerolog logger from config.
func NewLogger(cfg Config) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	if cfg.TimeFormat != "" {
		zerolog.TimeFieldFormat = cfg.TimeFormat
	}

	SetLevel(cfg.Level)

	writer := logWriter(cfg, os.Stdout)
	builder := zerolog.New(writer).With().Timestamp()
	if cfg.Caller {
		builder = builder.Caller()
	}

	return builder.Logger()
}

// SetLevel changes the process-wide minimum level. Unknown values fall back to info.
func SetLevel(raw string) zerolog.Level {
	level := parseLevel(raw)
	zerolog.SetGlobalLevel(level)
	return level
}

func parseLevel(raw string) zerolog.Level {
	if parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(raw))); err == nil && raw != "" {
		return parsed
	}
	return zerolog.InfoLevel
}

func logWriter(cfg Config, out *os.File) io.Writer {
	if cfg.PrettyPrint || strings.EqualFold(cfg.Format, "console") || (strings.EqualFold(cfg.Format, "auto") && isTerminal(out)) {
		return zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: zerolog.TimeFieldFormat,
		}
	}
	return out
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
