//go:build windows

package lifecycle

import "os"

// TerminationSignals is Ctrl+C only; Windows delivers nothing else to a
// console process through os/signal.
func TerminationSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}
