// Package logging wraps logrus with the module-tagged, field-based logger used across scholarq.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

const timeFormat = "2006-01-02 15:04:05"

var logger = logrus.NewEntry(logrus.StandardLogger())

type Fields logrus.Fields

// Init configures the shared logger. Unknown levels fall back to info.
func Init(module, level string) {
	formatter := &logrus.TextFormatter{
		TimestampFormat: timeFormat,
		FullTimestamp:   true,
	}
	logrus.SetFormatter(formatter)
	logrus.SetOutput(os.Stdout)
	logrus.SetLevel(ParseLevel(level))

	logger = logrus.WithFields(logrus.Fields{
		"module": module,
	})
	logger.WithFields(logrus.Fields{
		"event": "init_logger",
	}).Debug("logger initiated")
}

func ParseLevel(level string) logrus.Level {
	switch level {
	case "error":
		return logrus.ErrorLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "debug":
		return logrus.DebugLevel
	default:
		return logrus.InfoLevel
	}
}

// SetOutput redirects log output; the CLI tees it into the run directory.
func SetOutput(w io.Writer) {
	logrus.SetOutput(w)
}

func WithFields(fields Fields) *logrus.Entry {
	return logger.WithFields(logrus.Fields(fields))
}

func Error(args ...any) {
	logger.Error(args...)
}

func Warn(args ...any) {
	logger.Warn(args...)
}

func Info(args ...any) {
	logger.Info(args...)
}

func Debug(args ...any) {
	logger.Debug(args...)
}
