//go:build windows

package main

import "os"

// On Windows, only os.Interrupt (Ctrl+C) is reliably supported
var shutdownSignals = []os.Signal{os.Interrupt}
