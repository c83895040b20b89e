// Package graph models the camera's hardware processing graph: components
// with numbered output ports, committed stream formats, and hardware-owned
// buffers moved between the device and the caller through send/completion
// hand-offs.
//
// The interfaces here are the seam between the capture driver and a concrete
// device backend (GStreamer, V4L2, or the simulated graph used in tests).
// Backends return the sentinel errors from errors.go so callers can classify
// failures with errors.Is without knowing which backend is active.
package graph

// Standard output port indices of a camera component. The preview port
// produces no consumable frames but must still carry a committed format,
// otherwise the device's internal graph refuses to stream.
const (
	PortPreview = 0
	PortVideo   = 1
	PortStills  = 2
)

// NullSinkName is the component name of the discard sink used to terminate
// the preview branch in still-capture mode.
const NullSinkName = "vc.null_sink"

// Encoding identifies the pixel layout of a stream format.
type Encoding int

const (
	// EncodingOpaque leaves the buffer layout to the device (internal ports).
	EncodingOpaque Encoding = iota
	// EncodingI420 is planar 4:2:0 YUV: a full-resolution luma plane
	// followed by two quarter-area chroma planes.
	EncodingI420
)

// String returns a human-readable name for the encoding.
func (e Encoding) String() string {
	switch e {
	case EncodingI420:
		return "I420"
	default:
		return "opaque"
	}
}

// FrameBytes returns the byte size of one I420 frame at the given dimensions.
func FrameBytes(width, height int) int {
	return width * height * 3 / 2
}

// Format describes the stream format committed on a port.
type Format struct {
	Width        int
	Height       int
	FrameRateNum int
	FrameRateDen int
	Encoding     Encoding
}

// CameraConfig is the device-wide configuration block applied to the camera
// component's control channel before any port format is committed.
type CameraConfig struct {
	// MaxStillsWidth/Height bound the still capture resolution.
	MaxStillsWidth  int
	MaxStillsHeight int
	// MaxPreviewWidth/Height must match the chosen capture resolution,
	// otherwise video capture does not work.
	MaxPreviewWidth  int
	MaxPreviewHeight int
	// PreviewFrames is the number of frames the device keeps in its
	// internal preview pipeline.
	PreviewFrames int
	// OneShotStills selects discrete still exposures instead of a
	// continuous video stream.
	OneShotStills bool
}

// BufferCallback is invoked by the device when it has finished filling a
// buffer previously handed to the port with Send, or when it reports an
// out-of-band event. It runs on the device's own execution context and must
// only do minimal, non-blocking work.
type BufferCallback func(*Buffer)

// Port is one hardware interface endpoint of a component.
type Port interface {
	// Name identifies the port for diagnostics (e.g. "camera:video").
	Name() string

	// CommitFormat negotiates and commits the stream format. Returns an
	// error wrapping ErrFormatRejected if the device refuses it.
	CommitFormat(Format) error

	// Format returns the last committed format.
	Format() Format

	// BufferRequirements reports the negotiated buffer count and size for
	// the committed format. Only meaningful after CommitFormat.
	BufferRequirements() (count, size int)

	// SetBufferCount raises the number of buffers the port will keep in
	// flight. Values below the negotiated count are ignored.
	SetBufferCount(n int)

	// Enable activates the port and wires in the completion callback.
	Enable(BufferCallback) error

	// Disable deactivates the port. Idempotent: disabling a disabled or
	// never-enabled port is a no-op.
	Disable() error

	// Enabled reports whether the port is currently active.
	Enabled() bool

	// Send hands a buffer to the device for filling. The buffer must not
	// be touched again until the completion callback returns it. Returns
	// an error wrapping ErrSendFailed if the hand-off is refused.
	Send(*Buffer) error

	// SetCaptureActive arms or disarms the capture trigger on the port.
	// In one-shot-stills mode each arm produces a single exposure.
	SetCaptureActive(active bool) error
}

// Component is one node of the device graph: the camera itself or a sink.
type Component interface {
	// Name is the component name it was created under.
	Name() string

	// NumOutputs returns the number of output ports.
	NumOutputs() int

	// Output returns the i-th output port.
	Output(i int) Port

	// Input returns the i-th input port (sinks only).
	Input(i int) Port

	// Configure applies the device-wide configuration block. Returns an
	// error wrapping ErrConfigRejected if the device refuses it.
	Configure(CameraConfig) error

	// SetControl sets a named control-channel parameter (exposure,
	// shutter speed, ...). Unknown names are backend-defined.
	SetControl(name string, value uint32) error

	// Enable starts the component's internal processing graph.
	Enable() error

	// Disable stops the component. Idempotent and safe on a
	// partially-initialized component.
	Disable() error

	// Destroy releases all device-side resources. Must be called exactly
	// once, after Disable.
	Destroy() error
}

// Connection is a tunneled link between an output and an input port.
type Connection interface {
	Destroy() error
}

// Graph creates components and connects their ports.
type Graph interface {
	// CreateComponent opens the named component. Opening a camera claims
	// exclusive hardware access; a second open of a busy device returns
	// an error wrapping ErrDeviceBusy.
	CreateComponent(name string) (Component, error)

	// Connect creates and enables a tunneled connection between an
	// output port and an input port.
	Connect(out, in Port) (Connection, error)
}
