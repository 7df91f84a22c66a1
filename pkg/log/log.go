package log

import (
	"io"
	"os"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zerologr"
	"github.com/rs/zerolog"
)

// New builds the process logger. Inside Kubernetes it writes JSON to stderr,
// elsewhere a console format to w.
func New(w io.Writer, level zerolog.Level) *zerolog.Logger {
	var output io.Writer
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		output = os.Stderr
	} else {
		output = zerolog.ConsoleWriter{Out: w, TimeFormat: "2006-01-02T15:04:05.999Z07:00"}
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano

	logger := zerolog.New(output).Level(level).With().Timestamp().Logger()
	return &logger
}

// Logr adapts z for library code. V(1) lines map to zerolog's debug level.
func Logr(z *zerolog.Logger) logr.Logger {
	zerologr.NameFieldName = "logger"
	zerologr.NameSeparator = "/"
	return zerologr.New(z)
}
