package debug

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync/atomic"
)

const EnvVar = "GOBANSOCKET_DEBUG"

var (
	enabled atomic.Bool
	logger  atomic.Pointer[slog.Logger]
)

func init() {
	debugEnv, exists := os.LookupEnv(EnvVar)
	if exists {
		if val, err := strconv.ParseBool(debugEnv); err == nil {
			enabled.Store(val)
		}
	}
}

// Printf logs a wire-level trace line at debug level when debugging is enabled.
func Printf(format string, v ...interface{}) {
	if !enabled.Load() {
		return
	}
	l := logger.Load()
	if l == nil {
		l = slog.Default()
	}
	l.Log(context.Background(), slog.LevelDebug, fmt.Sprintf(format, v...))
}

func SetLogger(l *slog.Logger) {
	logger.Store(l)
}

func Enabled() bool {
	return enabled.Load()
}

func Enable() {
	enabled.Store(true)
}

func Disable() {
	enabled.Store(false)
}
