//go:build !windows

package main

import (
	"os"
	"syscall"
)

// shutdownSignals are the signals that end a command on Unix systems
var shutdownSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}
