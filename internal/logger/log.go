// internal/logger/log.go
package logger

import (
	"io"
	"os"
	"strings"

	"studytrace/internal/config"

	stdlog "log"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

// Init
//
// Configures the process-wide zerolog logger once at startup.
//
//  1. Format: LOG_PRETTY=true renders colored console lines for local work;
//     otherwise raw JSON goes to stdout for the log collector.
//
//  2. Every line carries "service" and "instance" so lines from several
//     study servers can be told apart.
//
//  3. With LOG_SAMPLE_N > 1 only 1/N debug and info lines are kept.
//     Warn and error are never sampled.
//
// Usage:
//
//	logger.Init(cfg)
//	log.Info().Msg("server started")
func Init(cfg config.Config) {
	zlog.Logger = New(cfg, nil)

	// Route the standard library logger through zerolog as well.
	stdlog.SetFlags(0)
	stdlog.SetOutput(zlog.Logger)
}

// New builds a logger from cfg without touching global state. A nil out
// selects stdout.
func New(cfg config.Config, out io.Writer) zerolog.Logger {
	level := zerolog.InfoLevel
	if l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.LogLevel))); err == nil && cfg.LogLevel != "" {
		level = l
	}

	if out == nil {
		out = os.Stdout
	}

	var w io.Writer = out
	if cfg.LogPretty {
		w = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: "15:04:05",
		}
	}

	base := zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("service", cfg.ServiceName).
		Str("instance", cfg.InstanceID).
		Logger()

	if cfg.LogSampleN > 1 {
		return base.Sample(&zerolog.LevelSampler{
			DebugSampler: &zerolog.BasicSampler{N: cfg.LogSampleN},
			InfoSampler:  &zerolog.BasicSampler{N: cfg.LogSampleN},
		})
	}
	return base
}
