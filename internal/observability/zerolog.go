package observability

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// ZerologLogger adapts a zerolog.Logger to the Logger interface.
type ZerologLogger struct {
	log zerolog.Logger
}

// NewZerologLogger builds a logger writing to stderr. Format "console"
// produces human-readable output for interactive use; anything else emits
// JSON lines.
func NewZerologLogger(level, format string) *ZerologLogger {
	var out io.Writer = os.Stderr
	if strings.EqualFold(format, "console") {
		out = zerolog.ConsoleWriter{Out: os.Stderr}
	}

	parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || parsed == zerolog.NoLevel {
		parsed = zerolog.InfoLevel
	}

	log := zerolog.New(out).Level(parsed).With().Timestamp().Logger()
	return &ZerologLogger{log: log}
}

func (l *ZerologLogger) Debug(msg string, fields ...Field) { l.emit(l.log.Debug(), msg, fields) }
func (l *ZerologLogger) Info(msg string, fields ...Field)  { l.emit(l.log.Info(), msg, fields) }
func (l *ZerologLogger) Warn(msg string, fields ...Field)  { l.emit(l.log.Warn(), msg, fields) }
func (l *ZerologLogger) Error(msg string, fields ...Field) { l.emit(l.log.Error(), msg, fields) }

func (l *ZerologLogger) emit(evt *zerolog.Event, msg string, fields []Field) {
	for _, field := range fields {
		switch value := field.Value.(type) {
		case string:
			evt = evt.Str(field.Key, value)
		case int:
			evt = evt.Int(field.Key, value)
		case error:
			evt = evt.AnErr(field.Key, value)
		default:
			evt = evt.Interface(field.Key, value)
		}
	}
	evt.Msg(msg)
}
