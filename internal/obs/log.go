package obs

import (
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

var base = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap:        logrus.FieldMap{logrus.FieldKeyTime: "ts"},
	})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// EnableDebug globally enables debug logs.
func EnableDebug(v bool) {
	if v {
		base.SetLevel(logrus.DebugLevel)
		return
	}
	base.SetLevel(logrus.InfoLevel)
}

// DebugEnabled reports whether debug logs are emitted.
func DebugEnabled() bool { return base.IsLevelEnabled(logrus.DebugLevel) }

// Logger exposes the underlying logger for libraries that want an io.Writer or a *logrus.Logger.
func Logger() *logrus.Logger { return base }

type Fields map[string]any

func entry(f Fields) *logrus.Entry {
	return base.WithFields(logrus.Fields(f))
}

func Info(msg string, f Fields)  { entry(f).Info(msg) }
func Error(msg string, f Fields) { entry(f).Error(msg) }
func Debug(msg string, f Fields) { entry(f).Debug(msg) }
