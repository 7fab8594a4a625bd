//go:build windows

package main

import "os"

func controlSignals() []os.Signal { return nil }

func controlAction(os.Signal) string { return "" }

func signalFor(string) (os.Signal, error) {
	return nil, errUnsupported
}
