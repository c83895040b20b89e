package graph

import "errors"

// Sentinel errors returned (wrapped) by graph backends. The capture driver
// and its callers classify failures with errors.Is against these values.
var (
	// ErrDeviceNotFound means the named camera component does not exist.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrDeviceBusy means another session holds the camera. Exclusive
	// hardware access: the second open fails fast instead of corrupting
	// the first session's state.
	ErrDeviceBusy = errors.New("device busy")

	// ErrConfigRejected means the device refused the resolution, rate or
	// mode combination.
	ErrConfigRejected = errors.New("configuration rejected")

	// ErrFormatRejected means a port format commit failed.
	ErrFormatRejected = errors.New("format rejected")

	// ErrAllocationFailed means the buffer pool could not be created.
	ErrAllocationFailed = errors.New("buffer allocation failed")

	// ErrSendFailed means a single buffer hand-off to the device failed.
	// During steady state this degrades the in-flight buffer count but is
	// not fatal to the stream.
	ErrSendFailed = errors.New("buffer send failed")
)
