package domain

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors shared across packages
var (
	// ErrNotFound indicates the requested resource does not exist
	ErrNotFound = errors.New("resource not found")

	// ErrNotDirectory indicates expected a directory but got a file
	ErrNotDirectory = errors.New("not a directory")

	// ErrCancelled indicates the operation was interrupted by pause or shutdown
	ErrCancelled = errors.New("operation cancelled")

	// ErrPoolClosed indicates a connection pool was cleared while in use
	ErrPoolClosed = errors.New("connection pool closed")

	// ErrStalled indicates a transfer stopped making progress
	ErrStalled = errors.New("transfer stalled")

	// ErrSyncInProgress indicates a run is already active for a server
	ErrSyncInProgress = errors.New("sync already in progress")
)

// Config errors - 設定檔錯誤
var (
	// ErrConfigNotFound indicates config file not found
	ErrConfigNotFound = errors.New("config file not found")

	// ErrConfigInvalid indicates config file is malformed
	ErrConfigInvalid = errors.New("invalid config")

	// ErrServerNotFound indicates the referenced server alias is not configured
	ErrServerNotFound = errors.New("server not found")

	// ErrDuplicateServer indicates a server alias is already configured
	ErrDuplicateServer = errors.New("duplicate server alias")
)

// ConnectivityError reports that the server could not be reached at all
// (DNS failure, connection refused, unreachable network). Callers retry these.
type ConnectivityError struct {
	Addr string
	Err  error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("no connection to %s: %v", e.Addr, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// ProtocolError reports a failed remote command, listing or transfer.
type ProtocolError struct {
	Op   string
	Path string
	Err  error
}

func (e *ProtocolError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s [%s]: %v", e.Op, e.Path, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// LocalError reports a local filesystem failure (permissions, I/O).
type LocalError struct {
	Op   string
	Path string
	Err  error
}

func (e *LocalError) Error() string {
	return fmt.Sprintf("local %s [%s]: %v", e.Op, e.Path, e.Err)
}

func (e *LocalError) Unwrap() error { return e.Err }

// IsConnectivity reports whether err is (or wraps) a ConnectivityError
func IsConnectivity(err error) bool {
	var ce *ConnectivityError
	return errors.As(err, &ce)
}

// IsCancelled reports whether err stems from pause/shutdown rather than a real failure
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, ErrPoolClosed)
}
