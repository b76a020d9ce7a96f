// Package logging configures the daemon's logger and renders the startup
// summary of what is being protected.
package logging

import (
	"os"

	"github.com/charmbracelet/log"
)

// New builds the process logger. Verbose turns on debug-level per-period
// detail; the default level keeps the journal readable on a machine that
// runs this daemon for months.
func New(verbose bool) *log.Logger {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          "coilwatch",
	})
	if verbose {
		logger.SetLevel(log.DebugLevel)
	} else {
		logger.SetLevel(log.InfoLevel)
	}
	return logger
}
