package mmalcam

import (
	"time"

	"github.com/paralin/mmalcam/internal/graph"
)

// DefaultDevice is the component name of the on-board camera.
const DefaultDevice = "vc.ril.camera"

// Fixed parameters of the capture graph.
const (
	videoFrameRateDen = 1

	stillPreviewWidth  = 320
	stillPreviewHeight = 240
	stillFrameRate     = 15
	previewFrameRate   = 30

	// stillFirstFrameDelay gives the exposure and metering time to
	// stabilise before the first still frame is taken.
	stillFirstFrameDelay = 2500 * time.Millisecond
)

// CaptureMode selects between continuous video capture and discrete still
// exposures. The mode is fixed for the lifetime of a Camera: it determines
// the physical capture port, the target frame rate and whether the
// still-capture throttle applies.
type CaptureMode int

const (
	// ModeVideo streams frames continuously at the configured rate.
	ModeVideo CaptureMode = iota + 1
	// ModeStill takes one exposure per capture trigger, rate-limited by
	// the minimum frame interval.
	ModeStill
)

// String returns a human-readable name for the mode.
func (m CaptureMode) String() string {
	switch m {
	case ModeVideo:
		return "video"
	case ModeStill:
		return "still"
	default:
		return "invalid"
	}
}

// FrameSize returns the number of bytes in one delivered frame: a
// full-resolution luma plane followed by two quarter-area chroma planes
// (planar 4:2:0).
func FrameSize(width, height int) int {
	return graph.FrameBytes(width, height)
}

// Rotator rotates one I420 frame in place. Rotation is delegated to an
// external collaborator; the capture driver only invokes it.
type Rotator interface {
	Rotate(frame []byte, width, height int)
}

// Config describes one capture session. Width, Height, FrameRate and Mode
// are required; everything else defaults sensibly.
type Config struct {
	// Device is the camera component name (default DefaultDevice). The
	// GStreamer and V4L2 backends accept a /dev/videoN path here.
	Device string

	// Width and Height are the capture resolution in pixels.
	Width  int
	Height int

	// FrameRate is the capture rate in frames per second. In still mode
	// it only sizes the buffers; the actual cadence is driven by
	// MinFrameInterval.
	FrameRate int

	// Mode selects video or still capture.
	Mode CaptureMode

	// ControlParams is a free-form control-parameter string: space
	// separated tokens, each parameter name prefixed by a marker
	// character, optionally followed by a value token. Interpretation is
	// delegated to Controls.
	ControlParams string

	// Controls interprets the tokenized control parameters. Ignored when
	// nil or when ControlParams is empty.
	Controls ControlApplier

	// MinFrameInterval is the minimum gap between still capture
	// triggers. Zero means 1s / FrameRate. Ignored in video mode.
	MinFrameInterval time.Duration

	// RawCapturePath, when non-empty, names a file every delivered frame
	// is appended to verbatim (after rotation).
	RawCapturePath string

	// Rotate, when non-nil, is applied to every frame before delivery.
	Rotate Rotator

	// Graph is the device backend. Nil selects the GStreamer backend.
	Graph graph.Graph
}

// Frame is the metadata of one delivered frame. Data aliases the storage
// the caller passed to Next and is only valid until the next call.
type Frame struct {
	// Seq is the monotonic sequence number of delivered frames.
	Seq uint64
	// Timestamp is when the frame was delivered.
	Timestamp time.Time
	// Width and Height in pixels.
	Width  int
	Height int
	// Data is the frame's I420 bytes, FrameSize(Width, Height) long.
	Data []byte
	// TraceID is a unique identifier for distributed tracing.
	TraceID string
}

// CaptureStats is a snapshot of session counters.
type CaptureStats struct {
	// FramesDelivered is the number of complete frames returned by Next.
	FramesDelivered uint64
	// FramesSkipped counts malformed completions (wrong size, missing
	// end marker, out-of-band events) that were logged and skipped.
	FramesSkipped uint64
	// SendFailures counts buffer hand-offs the device refused.
	SendFailures uint64
	// Resolution is the frame resolution (e.g. "640x480").
	Resolution string
	// Mode is the session's capture mode.
	Mode CaptureMode
	// SessionID identifies this session in logs and traces.
	SessionID string
	// Uptime is the time since the session started streaming.
	Uptime time.Duration
	// IsStreaming reports whether the session is delivering frames.
	IsStreaming bool
}
