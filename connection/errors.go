package connection

import (
	"errors"
	"fmt"
)

var (
	ErrPoolEmpty         = errors.New("connection: pool is empty")
	ErrPoolClosed        = errors.New("connection: pool is closed")
	ErrConnectionFailed  = errors.New("connection: connection failed")
	ErrChannelFailed     = errors.New("connection: channel failed")
	ErrUnsupportedScheme = errors.New("connection: unsupported scheme")
	ErrClosed            = errors.New("connection: transport is closed")
)

// ConnectionError is returned by the factory when a connection or its
// channel could not be opened.
type ConnectionError struct {
	Op       string // "dial" or "channel"
	URL      string // redacted
	Err      error
	Attempts int
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("connection error: %s %s failed after %d attempts: %v", e.Op, e.URL, e.Attempts, e.Err)
	}
	return fmt.Sprintf("connection error: %s %s failed: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}
