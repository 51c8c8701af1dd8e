package signalk

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrWriteTimeout = errors.New("write timed out")
)

// WriteError is returned when the server rejects a write
type WriteError struct {
	Path       string
	StatusCode int
	Message    string
}

func (e *WriteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("write %s rejected (%d)", e.Path, e.StatusCode)
	}
	return fmt.Sprintf("write %s rejected (%d): %s", e.Path, e.StatusCode, e.Message)
}
