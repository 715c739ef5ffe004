package todoist

import (
	"errors"
	"fmt"
)

// Error taxonomy for remote store failures. Callers branch on these with
// errors.Is; the wrapped detail carries the transport or server specifics.
var (
	// ErrUnavailable: the remote store could not be reached or answered
	// with a non-success status. Retryable.
	ErrUnavailable = errors.New("todoist: remote unavailable")

	// ErrProtocol: the response arrived but its top-level shape was not
	// the expected sync payload. Not retryable without intervention.
	ErrProtocol = errors.New("todoist: protocol error")

	// ErrCommandRejected: a submitted command was not acknowledged as
	// applied (missing id mapping or an explicit per-command error).
	ErrCommandRejected = errors.New("todoist: command rejected")
)

func unavailablef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnavailable, fmt.Sprintf(format, args...))
}

func protocolf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, args...))
}

func rejectedf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCommandRejected, fmt.Sprintf(format, args...))
}
