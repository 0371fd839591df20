//go:build unix

package main

import (
	"os"
	"syscall"
)

// nextSceneSignals cycle scenes when there is no keyboard.
var nextSceneSignals = []os.Signal{syscall.SIGUSR1}
