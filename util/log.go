// util/log.go

package util

import (
	"os"

	"github.com/sirupsen/logrus"
)

// log is the package-level logger used throughout the module; every
// package that needs to log calls util.Log() rather than carrying its own
// logger field, mirroring the teacher's own package-level *Logger var plus
// SetLogger() injection point.
var log = newDefaultLogger()

func newDefaultLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return l
}

// SetLogger replaces the shared logger. cmd/blkpull calls this once at
// startup with a logger configured from --verbose/--debug flags.
func SetLogger(l *logrus.Logger) {
	log = l
}

// Log returns the shared logger.
func Log() *logrus.Logger {
	return log
}
