package telemetry

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	loggerOnce sync.Once
	logger     zerolog.Logger
)

// stdoutWriter resolves os.Stdout on every write so tests can redirect it.
type stdoutWriter struct{}

func (stdoutWriter) Write(p []byte) (int, error) {
	return os.Stdout.Write(p)
}

func base() *zerolog.Logger {
	loggerOnce.Do(func() {
		zerolog.TimestampFieldName = "ts"
		zerolog.MessageFieldName = "msg"
		zerolog.TimeFieldFormat = time.RFC3339
		logger = zerolog.New(stdoutWriter{}).
			Level(parseLevel(os.Getenv("LOG_LEVEL"))).
			With().
			Timestamp().
			Logger()
	})
	return &logger
}

// SetLevel adjusts the minimum level emitted.
func SetLevel(level string) {
	l := base().Level(parseLevel(level))
	logger = l
}

// Debug writes a debug-level log line with the given fields.
func Debug(msg string, fields map[string]any) {
	base().Debug().Fields(fields).Msg(msg)
}

// Info writes an info-level log line with the given fields.
func Info(msg string, fields map[string]any) {
	base().Info().Fields(fields).Msg(msg)
}

// Warn writes a warn-level log line with the given fields.
func Warn(msg string, fields map[string]any) {
	base().Warn().Fields(fields).Msg(msg)
}

// Error writes an error-level log line with the given fields.
func Error(msg string, fields map[string]any) {
	base().Error().Fields(fields).Msg(msg)
}

func parseLevel(raw string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
