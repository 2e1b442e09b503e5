//go:build !windows

package cli

import (
	"os"
	"syscall"
)

func shutdownSignals() []os.Signal {
	return []os.Signal{syscall.SIGINT, syscall.SIGTERM}
}

// reloadSignals trigger a config reload in serve mode.
func reloadSignals() []os.Signal {
	return []os.Signal{syscall.SIGHUP}
}
