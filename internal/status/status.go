// Package status is the process-wide diagnostic log sink, wrapping
// logrus the way the rest of the example pack's service code does rather
// than printing through the bare log package the teacher itself used.
package status

import (
	"os"

	"github.com/sirupsen/logrus"
)

var log = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.Out = os.Stderr
	l.Formatter = &logrus.TextFormatter{FullTimestamp: true}
	return l
}

// Debug logs a low-frequency diagnostic message.
func Debug(format string, args ...interface{}) { log.Debugf(format, args...) }

// Info logs a lifecycle message (worker started, shutdown complete, ...).
func Info(format string, args ...interface{}) { log.Infof(format, args...) }

// Error logs a recoverable fault: the connection or request involved is
// abandoned, but the worker keeps running.
func Error(format string, args ...interface{}) { log.Errorf(format, args...) }

// Perror logs err alongside a short description of what was being
// attempted, the errno-message idiom of lwan_status_perror.
func Perror(context string, err error) { log.WithError(err).Error(context) }

// Critical logs a fault the process cannot continue past and terminates
// it, matching lwan_status_critical's contract. logrus turns FatalLevel
// into os.Exit(1) after running any registered exit handlers.
func Critical(format string, args ...interface{}) { log.Fatalf(format, args...) }
