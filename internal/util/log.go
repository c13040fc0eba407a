// Package util provides logging and traffic statistics shared by every
// package in the module.
package util

import (
	"fmt"
	"io"

	"github.com/pterm/pterm"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// Leveled logging functions backed by the pterm default logger.
// Session code prefixes its messages with "[peer <id>]" or "[conn <id>]".

func LogDebug(format string, args ...interface{}) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...))
}

func LogInfo(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

// LogSuccess marks milestones such as an established connection. pterm's
// logger has no success level, so it logs at info with a check mark.
func LogSuccess(format string, args ...interface{}) {
	pterm.DefaultLogger.Info("✓ " + fmt.Sprintf(format, args...))
}

func LogWarning(format string, args ...interface{}) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...interface{}) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...))
}

// EnableDebug configures the logger to show debug messages.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}

// DisableLogging silences everything below error level. Tests use it to keep
// output readable.
func DisableLogging() {
	pterm.DefaultLogger.Level = pterm.LogLevelError
}

// SetLogOutput redirects the logger to w and returns a function restoring
// the previous writer. w must be safe for concurrent writes.
func SetLogOutput(w io.Writer) (restore func()) {
	prev := pterm.DefaultLogger.Writer
	pterm.DefaultLogger.Writer = w
	return func() { pterm.DefaultLogger.Writer = prev }
}
