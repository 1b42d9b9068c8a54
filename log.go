package leaudio

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Logger is the leveled logging surface the profile services write to.
// ChildLogger derives a logger carrying extra fields, so every per-peer
// machine can tag its output with the peer address and profile.
type Logger interface {
	Info(...interface{})
	Debug(...interface{})
	Error(...interface{})
	Warn(...interface{})

	Infof(string, ...interface{})
	Debugf(string, ...interface{})
	Errorf(string, ...interface{})
	Warnf(string, ...interface{})

	ChildLogger(fields map[string]interface{}) Logger
}

var (
	rootLogger Logger
	loggerMu   sync.Mutex
)

// SetLogLevelMax raises the default logger to trace level.
func SetLogLevelMax() {
	l := GetLogger()

	if lg, ok := l.(*logrusLogger); ok {
		lg.Entry.Logger.SetLevel(logrus.TraceLevel)
	} else {
		l.Error("non-default logger, don't know how to set level")
	}
}

// SetLogger replaces the process-wide logger services default to.
func SetLogger(l Logger) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	rootLogger = l
}

// GetLogger returns the process-wide logger, building the logrus-backed
// default on first use.
func GetLogger() Logger {
	loggerMu.Lock()
	defer loggerMu.Unlock()

	if rootLogger == nil {
		rootLogger = newLogrusLogger()
	}

	return rootLogger
}

type logrusLogger struct {
	*logrus.Entry
}

func newLogrusLogger() Logger {
	l := &logrus.Logger{
		Formatter: &logrus.TextFormatter{DisableTimestamp: true},
		Level:     logrus.InfoLevel,
		Out:       os.Stderr,
		Hooks:     make(logrus.LevelHooks),
	}

	return &logrusLogger{Entry: l.WithFields(map[string]interface{}{})}
}

func (l *logrusLogger) ChildLogger(fields map[string]interface{}) Logger {
	return &logrusLogger{l.Entry.WithFields(fields)}
}
