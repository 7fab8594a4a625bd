//go:build !windows

package main

import (
	"os"
	"syscall"
)

func controlSignals() []os.Signal {
	return []os.Signal{syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGUSR2}
}

func controlAction(sig os.Signal) string {
	switch sig {
	case syscall.SIGHUP:
		return actionRecheck
	case syscall.SIGUSR1:
		return actionPause
	case syscall.SIGUSR2:
		return actionResume
	}
	return ""
}

func signalFor(action string) (os.Signal, error) {
	switch action {
	case actionRecheck:
		return syscall.SIGHUP, nil
	case actionPause:
		return syscall.SIGUSR1, nil
	case actionResume:
		return syscall.SIGUSR2, nil
	}
	return nil, errUnsupported
}
