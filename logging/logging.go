// Package logging is a thin structured-logging facade used across the
// daemon. Call sites pass the emitting subsystem so operators can filter
// one component's chatter without touching the rest.
package logging

import (
	"os"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"

	"training-orchestrator/types"
)

var logger atomic.Pointer[zerolog.Logger]

func init() {
	level := zerolog.InfoLevel
	switch strings.ToLower(os.Getenv("ORCH_LOG_LEVEL")) {
	case "debug":
		level = zerolog.DebugLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}
	l := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
	logger.Store(&l)
}

// SetLogger swaps the backing logger. Tests use this to capture output.
func SetLogger(l zerolog.Logger) {
	logger.Store(&l)
}

func log(level zerolog.Level, msg string, subSystem types.SubSystem, keyvals ...interface{}) {
	event := logger.Load().WithLevel(level).Str("subsystem", string(subSystem))
	for i := 0; i+1 < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		event = event.Interface(key, keyvals[i+1])
	}
	event.Msg(msg)
}

func Debug(msg string, subSystem types.SubSystem, keyvals ...interface{}) {
	log(zerolog.DebugLevel, msg, subSystem, keyvals...)
}

func Info(msg string, subSystem types.SubSystem, keyvals ...interface{}) {
	log(zerolog.InfoLevel, msg, subSystem, keyvals...)
}

func Warn(msg string, subSystem types.SubSystem, keyvals ...interface{}) {
	log(zerolog.WarnLevel, msg, subSystem, keyvals...)
}

func Error(msg string, subSystem types.SubSystem, keyvals ...interface{}) {
	log(zerolog.ErrorLevel, msg, subSystem, keyvals...)
}
