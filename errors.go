package mmalcam

import (
	"errors"

	"github.com/paralin/mmalcam/internal/graph"
)

// Failure taxonomy of the capture pipeline. The graph sentinels are
// re-exported so callers can classify backend failures with errors.Is
// without importing internal packages.
var (
	// ErrDeviceNotFound means the camera component does not exist.
	// Fatal to Start.
	ErrDeviceNotFound = graph.ErrDeviceNotFound

	// ErrDeviceBusy means another session holds the camera. Fatal to
	// Start.
	ErrDeviceBusy = graph.ErrDeviceBusy

	// ErrConfigRejected means the device refused the resolution, rate or
	// mode combination. Fatal to Start.
	ErrConfigRejected = graph.ErrConfigRejected

	// ErrFormatRejected means a port format commit failed. Fatal to
	// Start.
	ErrFormatRejected = graph.ErrFormatRejected

	// ErrAllocationFailed means the buffer pool could not be created.
	// Fatal to Start.
	ErrAllocationFailed = graph.ErrAllocationFailed

	// ErrSendFailed means a single buffer hand-off failed. Logged during
	// steady state; only fatal when it leaves zero buffers in flight at
	// start.
	ErrSendFailed = graph.ErrSendFailed

	// ErrSessionClosed means the session is absent, stopped, or was
	// stopped while a Next call was pending. Terminates the capture
	// loop; a new Camera must be created to capture again.
	ErrSessionClosed = errors.New("mmalcam: session closed")
)
