//go:build !windows

package config

import (
	"os"
	"syscall"
)

// reloadSignals trigger a reload in addition to file changes.
var reloadSignals = []os.Signal{syscall.SIGHUP}
