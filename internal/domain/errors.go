package domain

import (
	"context"
	"errors"
	"fmt"
)

// ErrDeviceDisconnected fails operations that were pending when the device
// connection ended.
var ErrDeviceDisconnected = errors.New("device got disconnected")

// DeviceError is a failure reported by, or attributed to, a specific device.
type DeviceError struct {
	DeviceName  string
	Op          string
	FailureType string
	Err         error
}

func (e *DeviceError) Error() string {
	msg := e.DeviceName
	if e.Op != "" {
		msg += ": " + e.Op
	}
	if e.FailureType != "" {
		msg += ": " + e.FailureType
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

// MediaLoadError reports a LOAD the device refused, or playback that ended
// with a non-finished idle reason.
type MediaLoadError struct {
	DeviceName  string
	FailureType string
	IdleReason  string
}

func (e *MediaLoadError) Error() string {
	if e.IdleReason != "" {
		return fmt.Sprintf("%s: media playback ended with %s", e.DeviceName, e.IdleReason)
	}
	if e.FailureType != "" {
		return fmt.Sprintf("%s: media load failed (%s)", e.DeviceName, e.FailureType)
	}
	return e.DeviceName + ": media load failed"
}

// IsTimeout reports whether err came from a deadline or cancellation rather
// than from the device.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
