package media

import (
	"errors"
	"io/fs"
	"strings"
	"syscall"
)

// Reason categorizes a capture failure. Each reason has its own user-facing
// message: revoked permission, missing hardware and a device held by another
// process need different fixes.
type Reason int

const (
	PermissionDenied Reason = iota + 1
	DeviceNotFound
	DeviceBusy
)

func (r Reason) String() string {
	switch r {
	case PermissionDenied:
		return "permission_denied"
	case DeviceNotFound:
		return "device_not_found"
	case DeviceBusy:
		return "device_busy"
	default:
		return "unknown"
	}
}

// DeviceError is returned by Manager.Acquire for every capture failure.
type DeviceError struct {
	Reason Reason
	Device string // "microphone", "camera" or "" when unknown
	Err    error
}

var (
	ErrPermissionDenied = &DeviceError{Reason: PermissionDenied}
	ErrDeviceNotFound   = &DeviceError{Reason: DeviceNotFound}
	ErrDeviceBusy       = &DeviceError{Reason: DeviceBusy}
)

func (e *DeviceError) Error() string {
	s := "media: " + e.Reason.String()
	if e.Device != "" {
		s += " (" + e.Device + ")"
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *DeviceError) Unwrap() error { return e.Err }

// Is matches the reason-only sentinels, so errors.Is(err, ErrDeviceBusy)
// works for any busy device.
func (e *DeviceError) Is(target error) bool {
	t, ok := target.(*DeviceError)
	if !ok {
		return false
	}
	return t.Err == nil && t.Device == "" && t.Reason == e.Reason
}

// UserMessage is the alert text shown when a call attempt is aborted.
func (e *DeviceError) UserMessage() string {
	dev := e.Device
	if dev == "" {
		dev = "microphone/camera"
	}
	switch e.Reason {
	case PermissionDenied:
		return "Permission denied. Please enable " + dev + " access and try again."
	case DeviceBusy:
		return "Your " + dev + " is being used by another application."
	default:
		return "No " + dev + " was found on this device."
	}
}

// classify maps a raw capture error onto a DeviceError.
func classify(err error, device string) *DeviceError {
	var de *DeviceError
	if errors.As(err, &de) {
		if de.Device == "" && device != "" {
			return &DeviceError{Reason: de.Reason, Device: device, Err: de.Err}
		}
		return de
	}

	switch {
	case errors.Is(err, fs.ErrPermission), errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM):
		return &DeviceError{Reason: PermissionDenied, Device: device, Err: err}
	case errors.Is(err, syscall.EBUSY):
		return &DeviceError{Reason: DeviceBusy, Device: device, Err: err}
	}

	// Drivers often flatten errno into strings.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission denied"), strings.Contains(msg, "not allowed"):
		return &DeviceError{Reason: PermissionDenied, Device: device, Err: err}
	case strings.Contains(msg, "busy"), strings.Contains(msg, "in use"):
		return &DeviceError{Reason: DeviceBusy, Device: device, Err: err}
	}
	return &DeviceError{Reason: DeviceNotFound, Device: device, Err: err}
}
