package transport

import (
	"errors"
	"io"
	"net"
	"syscall"
)

// isFatalStream reports whether an error on a TCP stream indicates a broken
// connection that must be torn down. Timeouts are non-fatal: the frame is
// dropped but the connection stays up and the next write may succeed.
func isFatalStream(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrConnClosed) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return true
	}

	var nerr net.Error
	if errors.As(err, &nerr) {
		return !nerr.Timeout()
	}

	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNABORTED) {
		return true
	}
	return false
}
