package fault

import (
	"context"
	"errors"
	"os"
)

// errDeadline matches I/O deadline errors reported by net.Conn implementations.
var errDeadline = os.ErrDeadlineExceeded

// FromContext converts a context error into the taxonomy. A deadline becomes
// ErrTimeout; cancellation is returned unchanged.
func FromContext(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Join(ErrTimeout, err)
	}
	return err
}
