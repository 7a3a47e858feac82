package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrTruncated          = errors.New("truncated payload")
	ErrTrailing           = errors.New("trailing bytes after payload")
	ErrUnknownType        = errors.New("unknown message type")
	ErrUnsupportedVersion = errors.New("unsupported payload version")
	ErrTooLarge           = errors.New("message too large")
	ErrNoHandler          = errors.New("no handler for extension type")

	// ErrVersionMismatch refuses a handshake whose protocol version differs.
	ErrVersionMismatch = errors.New("protocol version mismatch")
)

// FrameError reports a malformed, truncated or unsupported message.
// It is never fatal to the connection.
type FrameError struct {
	Type Type
	Err  error
}

func (e *FrameError) Error() string {
	if e.Type == 0 {
		return fmt.Sprintf("frame error: %v", e.Err)
	}
	return fmt.Sprintf("frame error (type 0x%04x %s): %v", uint16(e.Type), e.Type, e.Err)
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// IsFrameError reports whether err is or wraps a *FrameError.
func IsFrameError(err error) bool {
	var fe *FrameError
	return errors.As(err, &fe)
}
