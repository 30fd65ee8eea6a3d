// Package log provides the engine's structured logger, built the way the
// teacher builds its process-wide logger: a logfmt go-kit logger wrapped
// with a level filter and timestamp/caller fields.
package log

import (
	"fmt"
	"os"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Logger is the process-wide default logger. Callers that want a
// different sink or level should build their own via New and pass it
// explicitly rather than mutating this one.
var Logger = New("info")

// New builds a logfmt logger writing to stderr at the given level
// ("debug", "info", "warn", or "error"; unrecognized values fall back to
// "info").
func New(levelStr string) kitlog.Logger {
	l := kitlog.NewLogfmtLogger(kitlog.NewSyncWriter(os.Stderr))
	l = level.NewFilter(l, allowedLevel(levelStr))
	l = kitlog.With(l, "ts", kitlog.DefaultTimestampUTC, "caller", kitlog.Caller(4))
	return l
}

func allowedLevel(levelStr string) level.Option {
	switch levelStr {
	case "debug":
		return level.AllowDebug()
	case "warn":
		return level.AllowWarn()
	case "error":
		return level.AllowError()
	default:
		return level.AllowInfo()
	}
}

// ParseLevel validates a level string, returning an error for anything
// not in {debug, info, warn, error}.
func ParseLevel(levelStr string) error {
	switch levelStr {
	case "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("invalid log level %q", levelStr)
	}
}
