//go:build !unix

package main

import "os"

var nextSceneSignals []os.Signal
