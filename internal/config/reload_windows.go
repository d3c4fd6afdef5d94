//go:build windows

package config

import "os"

// SIGHUP does not exist on Windows; only the file watcher triggers reloads.
var reloadSignals []os.Signal
