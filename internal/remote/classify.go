package remote

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"syscall"

	"github.com/Ning0612/sftpsync/internal/domain"
)

// connectivityMessages are failures meaning the server could not be
// reached at all, as opposed to a server that answered and said no.
var connectivityMessages = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"no route to host",
	"network is unreachable",
	"host is down",
	"i/o timeout",
	"no such host",
	"temporary failure",
	"handshake failed: eof",
}

// classifyDialError wraps err as a ConnectivityError when the server
// was unreachable. Authentication and host key failures stay as they are.
func classifyDialError(addr string, err error) error {
	if err == nil {
		return nil
	}
	if isConnectivity(err) {
		return &domain.ConnectivityError{Addr: addr, Err: err}
	}
	return err
}

func isConnectivity(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "knownhosts") ||
		strings.Contains(msg, "host key") {
		return false
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	for _, errno := range []syscall.Errno{
		syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.EHOSTUNREACH,
		syscall.ENETUNREACH, syscall.ETIMEDOUT, syscall.EPIPE,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}

	// the server dropped us during the handshake
	if errors.Is(err, io.EOF) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}

	for _, m := range connectivityMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// protocolError wraps a failed remote operation
func protocolError(op, p string, err error) error {
	if err == nil {
		return nil
	}
	var pe *domain.ProtocolError
	if errors.As(err, &pe) {
		return err
	}
	return &domain.ProtocolError{Op: op, Path: p, Err: err}
}
