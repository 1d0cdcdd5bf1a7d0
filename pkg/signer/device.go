package signer

import "fmt"

// DeviceErrorReason classifies hardware wallet failures so callers can
// decide what to tell the user before retrying.
type DeviceErrorReason string

const (
	DeviceNotFound  DeviceErrorReason = "not_found"
	DeviceLocked    DeviceErrorReason = "locked"
	DeviceRejected  DeviceErrorReason = "rejected"
	DeviceTransport DeviceErrorReason = "transport"
)

// DeviceError is a failed exchange with a hardware signing device. The
// attempt it belongs to is over; no automatic retry happens below this
// error.
type DeviceError struct {
	Reason DeviceErrorReason
	Err    error
}

func (e *DeviceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("device error (%s)", e.Reason)
	}
	return fmt.Sprintf("device error (%s): %v", e.Reason, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

// NewDeviceError wraps err with a reason, keeping an existing DeviceError
// as-is.
func NewDeviceError(reason DeviceErrorReason, err error) *DeviceError {
	if devErr, ok := err.(*DeviceError); ok {
		return devErr
	}
	return &DeviceError{Reason: reason, Err: err}
}
