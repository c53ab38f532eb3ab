package connection

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrClosed is returned once Quit has been called. No new session is opened
// after that.
var ErrClosed = errors.New("connection is closed")

// DeliveryError wraps an error raised by the delivery handler or by the
// post-delivery move. Wait never recovers from it.
type DeliveryError struct {
	UID uint32
	Err error
}

func NewDeliveryError(uid uint32, err error) error {
	if err == nil {
		return nil
	}
	return &DeliveryError{UID: uid, Err: err}
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivering message %d: %v", e.UID, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// IsDeliveryError reports whether err carries a DeliveryError.
func IsDeliveryError(err error) bool {
	var target *DeliveryError
	return errors.As(err, &target)
}
