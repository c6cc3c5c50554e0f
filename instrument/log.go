package instrument

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/wippyai/fibers/instrument/internal/engine"
)

// Level is the severity of a log message.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarning
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarning:
		return "warning"
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// Log receives the instrumentor's messages. Messages below the current
// verbosity never reach it.
type Log interface {
	Log(level Level, format string, args ...any)
	Error(msg string, err error)
}

// ZapLog adapts a zap logger to Log.
type ZapLog struct {
	L *zap.Logger
}

// NewZapLog wraps l. A nil logger discards everything.
func NewZapLog(l *zap.Logger) *ZapLog {
	if l == nil {
		l = zap.NewNop()
	}
	return &ZapLog{L: l}
}

func (z *ZapLog) Log(level Level, format string, args ...any) {
	s := z.L.Sugar()
	switch level {
	case LevelDebug:
		s.Debugf(format, args...)
	case LevelInfo:
		s.Infof(format, args...)
	default:
		s.Warnf(format, args...)
	}
}

func (z *ZapLog) Error(msg string, err error) {
	z.L.Error(msg, zap.Error(err))
}

// SetEngineLogger configures the logger of the rewriting engine, which
// reports per-method detail at debug level.
func SetEngineLogger(l *zap.Logger) {
	engine.SetLogger(l)
}

type levelMask uint8

func maskFor(verbose, debug bool) levelMask {
	m := levelMask(1) << LevelWarning
	if verbose || debug {
		m |= 1 << LevelInfo
	}
	if debug {
		m |= 1 << LevelDebug
	}
	return m
}

func (m levelMask) has(l Level) bool {
	return m&(1<<l) != 0
}
