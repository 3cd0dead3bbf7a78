//go:build !windows

package lifecycle

import (
	"os"
	"syscall"
)

// TerminationSignals includes SIGHUP: the MCP host closing its terminal
// ends the stdio session.
func TerminationSignals() []os.Signal {
	return []os.Signal{os.Interrupt, syscall.SIGTERM, syscall.SIGHUP}
}
