package mmalcam

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/paralin/mmalcam/internal/bufpool"
	"github.com/paralin/mmalcam/internal/graph"
	"github.com/paralin/mmalcam/internal/gstgraph"
)

// sessionState is the lifecycle state of one capture session.
type sessionState int

const (
	stateUninitialized sessionState = iota
	stateConfiguring
	stateStreaming
	stateStopped
)

func (s sessionState) String() string {
	switch s {
	case stateUninitialized:
		return "uninitialized"
	case stateConfiguring:
		return "configuring"
	case stateStreaming:
		return "streaming"
	case stateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Camera is one capture session against one physical camera.
//
// Lifecycle: NewCamera -> Start -> Next (repeatedly) -> Stop. Stopped is
// terminal; a new Camera must be created to capture again. Next is meant to
// be called serially from a single capture loop; Stop may be called from
// any goroutine and wakes a blocked Next.
type Camera struct {
	cfg       Config
	g         graph.Graph
	sessionID string
	frameSize int
	throttle  *throttle

	mu          sync.Mutex
	state       sessionState
	cam         graph.Component
	sink        graph.Component
	previewConn graph.Connection
	capturePort graph.Port
	pool        *bufpool.Pool
	rawSink     *os.File
	started     time.Time
	stopped     chan struct{}

	// Statistics (atomic for thread safety).
	seq             uint64
	framesDelivered uint64
	framesSkipped   uint64
	sendFailures    uint64
}

// NewCamera creates a capture session with fail-fast validation. No
// hardware is touched until Start.
func NewCamera(cfg Config) (*Camera, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("mmalcam: invalid resolution %dx%d: %w",
			cfg.Width, cfg.Height, ErrConfigRejected)
	}
	if cfg.FrameRate <= 0 {
		return nil, fmt.Errorf("mmalcam: invalid frame rate %d: %w",
			cfg.FrameRate, ErrConfigRejected)
	}
	if cfg.Mode != ModeVideo && cfg.Mode != ModeStill {
		return nil, fmt.Errorf("mmalcam: invalid capture mode %d: %w",
			cfg.Mode, ErrConfigRejected)
	}

	if cfg.Device == "" {
		cfg.Device = DefaultDevice
	}
	if cfg.Graph == nil {
		cfg.Graph = gstgraph.New()
	}
	if cfg.Mode == ModeStill && cfg.MinFrameInterval <= 0 {
		cfg.MinFrameInterval = time.Second / time.Duration(cfg.FrameRate)
	}

	c := &Camera{
		cfg:       cfg,
		g:         cfg.Graph,
		sessionID: uuid.NewString(),
		frameSize: FrameSize(cfg.Width, cfg.Height),
		throttle:  newThrottle(cfg.MinFrameInterval),
		stopped:   make(chan struct{}),
	}

	slog.Info("mmalcam: capture session created",
		"session_id", c.sessionID,
		"device", cfg.Device,
		"resolution", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"frame_rate", cfg.FrameRate,
		"mode", cfg.Mode.String(),
	)
	return c, nil
}

// SessionID returns the unique identifier of this session.
func (c *Camera) SessionID() string { return c.sessionID }

// FrameSize returns the byte size of one delivered frame.
func (c *Camera) FrameSize() int { return c.frameSize }

// Start brings the camera from uninitialized to streaming: open the camera
// component, commit the port formats for the mode, enable the device graph,
// create the buffer pool and filled queue, enable the capture port with the
// completion callback wired in, arm the first capture trigger and prime the
// device with every free buffer.
//
// Any step failing unwinds the previously completed steps in reverse order
// and leaves the session in the uninitialized state — never partially
// streaming. The error names the failing step via its message and wraps the
// taxonomy sentinel for classification.
//
// Cancelling ctx stops the session as if Stop had been called.
func (c *Camera) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case stateStopped:
		return ErrSessionClosed
	case stateConfiguring, stateStreaming:
		return fmt.Errorf("mmalcam: session already started")
	}
	c.state = stateConfiguring

	var cleanup []func()
	fail := func(step string, err error) error {
		slog.Error("mmalcam: start failed",
			"session_id", c.sessionID,
			"step", step,
			"error", err,
		)
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
		c.state = stateUninitialized
		return err
	}

	cam, err := c.g.CreateComponent(c.cfg.Device)
	if err != nil {
		return fail("create-component",
			fmt.Errorf("mmalcam: couldn't create camera component %q: %w", c.cfg.Device, err))
	}
	cleanup = append(cleanup, func() {
		cam.Disable()
		cam.Destroy()
	})

	err = cam.Configure(graph.CameraConfig{
		MaxStillsWidth:   c.cfg.Width,
		MaxStillsHeight:  c.cfg.Height,
		MaxPreviewWidth:  c.cfg.Width,
		MaxPreviewHeight: c.cfg.Height,
		PreviewFrames:    bufpool.MinBuffers,
		OneShotStills:    c.cfg.Mode == ModeStill,
	})
	if err != nil {
		return fail("configure",
			fmt.Errorf("mmalcam: camera configuration refused: %w", err))
	}

	if c.cfg.Controls != nil && c.cfg.ControlParams != "" {
		applyControlParams(c.cfg.ControlParams, c.cfg.Controls)
	}

	capturePort, err := c.commitFormats(cam)
	if err != nil {
		return fail("commit-formats", err)
	}

	count, size := capturePort.BufferRequirements()
	if count < bufpool.MinBuffers {
		// Not enough buffers to avoid dropping frames under jitter.
		capturePort.SetBufferCount(bufpool.MinBuffers)
		count = bufpool.MinBuffers
	}
	if size < c.frameSize {
		size = c.frameSize
	}

	if err := cam.Enable(); err != nil {
		return fail("enable-camera",
			fmt.Errorf("mmalcam: camera component couldn't be enabled: %w", err))
	}

	var sink graph.Component
	var previewConn graph.Connection
	if c.cfg.Mode == ModeStill {
		// Route the preview to a discard sink so the graph stays valid
		// without producing visible preview output.
		sink, err = c.g.CreateComponent(graph.NullSinkName)
		if err != nil {
			return fail("create-null-sink",
				fmt.Errorf("mmalcam: null sink component couldn't be created: %w", err))
		}
		cleanup = append(cleanup, func() {
			sink.Disable()
			sink.Destroy()
		})

		if err := sink.Enable(); err != nil {
			return fail("enable-null-sink",
				fmt.Errorf("mmalcam: null sink component couldn't be enabled: %w", err))
		}

		previewConn, err = c.g.Connect(cam.Output(graph.PortPreview), sink.Input(0))
		if err != nil {
			return fail("connect-preview",
				fmt.Errorf("mmalcam: preview connection setup failed: %w", err))
		}
		cleanup = append(cleanup, func() { previewConn.Destroy() })
	}

	pool, err := bufpool.New(count, size)
	if err != nil {
		return fail("create-pool", err)
	}
	cleanup = append(cleanup, pool.Destroy)

	if err := capturePort.Enable(pool.Complete); err != nil {
		return fail("enable-capture-port",
			fmt.Errorf("mmalcam: capture port enabling failed: %w", err))
	}
	cleanup = append(cleanup, func() { capturePort.Disable() })

	if err := capturePort.SetCaptureActive(true); err != nil {
		return fail("arm-capture",
			fmt.Errorf("mmalcam: capture start failed: %w", err))
	}
	if c.cfg.Mode == ModeStill {
		// Allow exposure to stabilise for the first frame.
		c.throttle.sleep(stillFirstFrameDelay)
	}
	c.throttle.Mark()

	if err := pool.Prime(capturePort); err != nil {
		return fail("prime-buffers", err)
	}

	if c.cfg.RawCapturePath != "" {
		rawSink, err := os.Create(c.cfg.RawCapturePath)
		if err != nil {
			// Raw capture is a side channel: losing it does not stop
			// the session.
			slog.Error("mmalcam: couldn't open raw capture file",
				"path", c.cfg.RawCapturePath,
				"error", err,
			)
		} else {
			c.rawSink = rawSink
		}
	}

	c.cam = cam
	c.sink = sink
	c.previewConn = previewConn
	c.capturePort = capturePort
	c.pool = pool
	c.started = time.Now()
	c.state = stateStreaming

	if ctx != nil {
		stopped := c.stopped
		go func() {
			select {
			case <-ctx.Done():
				c.Stop()
			case <-stopped:
			}
		}()
	}

	slog.Info("mmalcam: capture session streaming",
		"session_id", c.sessionID,
		"mode", c.cfg.Mode.String(),
		"buffers", count,
		"buffer_size", size,
	)
	return nil
}

// Next blocks until the device completes the next frame, copies its bytes
// into out and recycles the buffer back to the device. Exactly
// FrameSize(width, height) bytes of planar 4:2:0 data are written.
//
// Malformed completions (out-of-band events, wrong size, missing end
// marker) are logged and skipped; the loop keeps waiting for the next
// completion. Next fails only when the session itself is absent or stopped.
//
// In still mode, after the frame is delivered Next waits out the remainder
// of the minimum frame interval and re-arms the capture trigger for the
// following exposure.
func (c *Camera) Next(out []byte) (Frame, error) {
	if c == nil {
		return Frame{}, ErrSessionClosed
	}

	c.mu.Lock()
	if c.state != stateStreaming {
		c.mu.Unlock()
		return Frame{}, ErrSessionClosed
	}
	cam, port, pool, rawSink := c.cam, c.capturePort, c.pool, c.rawSink
	c.mu.Unlock()

	if len(out) < c.frameSize {
		return Frame{}, fmt.Errorf("mmalcam: output buffer too small: %d < %d",
			len(out), c.frameSize)
	}

	for {
		buf, ok := pool.TakeFilled()
		if !ok {
			// Pool closed: the port was disabled while we waited.
			return Frame{}, ErrSessionClosed
		}

		complete := buf.Cmd == 0 &&
			buf.Flags&graph.FlagFrameEnd != 0 &&
			buf.Length == c.frameSize
		if complete {
			copy(out[:c.frameSize], buf.Data[:c.frameSize])
		} else {
			atomic.AddUint64(&c.framesSkipped, 1)
			slog.Debug("mmalcam: skipping incomplete buffer",
				"session_id", c.sessionID,
				"cmd", uint32(buf.Cmd),
				"flags", uint32(buf.Flags),
				"length", buf.Length,
				"expected", c.frameSize,
			)
		}

		if err := pool.Recycle(buf, port); err != nil {
			atomic.AddUint64(&c.sendFailures, 1)
			slog.Error("mmalcam: unable to return a buffer to the capture port",
				"session_id", c.sessionID,
				"error", err,
			)
		}

		if complete {
			break
		}
		if !port.Enabled() {
			return Frame{}, ErrSessionClosed
		}
	}

	if c.cfg.Mode == ModeStill {
		c.armStillCapture(cam, port)
	}

	if c.cfg.Rotate != nil {
		c.cfg.Rotate.Rotate(out[:c.frameSize], c.cfg.Width, c.cfg.Height)
	}
	if rawSink != nil {
		if _, err := rawSink.Write(out[:c.frameSize]); err != nil {
			slog.Error("mmalcam: raw capture write failed",
				"session_id", c.sessionID,
				"error", err,
			)
		}
	}

	atomic.AddUint64(&c.framesDelivered, 1)
	return Frame{
		Seq:       atomic.AddUint64(&c.seq, 1),
		Timestamp: time.Now(),
		Width:     c.cfg.Width,
		Height:    c.cfg.Height,
		Data:      out[:c.frameSize],
		TraceID:   uuid.NewString(),
	}, nil
}

// armStillCapture waits out the throttle and issues the next exposure
// trigger. Trigger failures degrade the stream (no further frames until a
// retry) but are not surfaced to the caller.
func (c *Camera) armStillCapture(cam graph.Component, port graph.Port) {
	c.throttle.Wait()

	// The device may forget the shutter speed between exposures.
	if sp, ok := c.cfg.Controls.(shutterProvider); ok {
		if err := cam.SetControl("shutter-speed", sp.ShutterSpeed()); err != nil {
			slog.Warn("mmalcam: couldn't re-arm shutter speed",
				"session_id", c.sessionID,
				"error", err,
			)
		}
	}

	if err := port.SetCaptureActive(true); err != nil {
		slog.Error("mmalcam: camera capture start failed",
			"session_id", c.sessionID,
			"error", err,
		)
	}
}

// Stop disables the capture port, wakes any blocked Next, destroys the
// buffer pool and releases every device-side resource. Safe to call from
// any state — including after a failed Start — and idempotent.
func (c *Camera) Stop() error {
	if c == nil {
		return nil
	}

	c.mu.Lock()
	if c.state == stateStopped {
		c.mu.Unlock()
		return nil
	}
	c.state = stateStopped
	cam, sink, previewConn, pool, rawSink := c.cam, c.sink, c.previewConn, c.pool, c.rawSink
	c.cam, c.sink, c.previewConn, c.capturePort, c.pool, c.rawSink = nil, nil, nil, nil, nil, nil
	close(c.stopped)
	c.mu.Unlock()

	slog.Info("mmalcam: stopping capture session", "session_id", c.sessionID)

	// Disable every capture-capable port first so no new completions
	// arrive, then wake a blocked consumer.
	if cam != nil {
		for _, i := range []int{graph.PortVideo, graph.PortStills} {
			if p := cam.Output(i); p.Enabled() {
				if err := p.Disable(); err != nil {
					slog.Error("mmalcam: couldn't disable port",
						"port", p.Name(), "error", err)
				}
			}
		}
	}
	if pool != nil {
		pool.Close()
	}

	if previewConn != nil {
		if err := previewConn.Destroy(); err != nil {
			slog.Error("mmalcam: couldn't destroy preview connection", "error", err)
		}
	}
	if sink != nil {
		sink.Disable()
	}
	if cam != nil {
		cam.Disable()
	}

	// Buffers are only released once the owning port is disabled.
	if pool != nil {
		pool.Destroy()
	}

	if sink != nil {
		sink.Destroy()
	}
	if cam != nil {
		cam.Destroy()
	}
	if rawSink != nil {
		rawSink.Close()
	}

	slog.Info("mmalcam: capture session stopped",
		"session_id", c.sessionID,
		"frames_delivered", atomic.LoadUint64(&c.framesDelivered),
		"frames_skipped", atomic.LoadUint64(&c.framesSkipped),
		"send_failures", atomic.LoadUint64(&c.sendFailures),
	)
	return nil
}

// Stats returns a snapshot of the session counters. Thread-safe.
func (c *Camera) Stats() CaptureStats {
	c.mu.Lock()
	streaming := c.state == stateStreaming
	started := c.started
	c.mu.Unlock()

	var uptime time.Duration
	if streaming && !started.IsZero() {
		uptime = time.Since(started)
	}

	return CaptureStats{
		FramesDelivered: atomic.LoadUint64(&c.framesDelivered),
		FramesSkipped:   atomic.LoadUint64(&c.framesSkipped),
		SendFailures:    atomic.LoadUint64(&c.sendFailures),
		Resolution:      fmt.Sprintf("%dx%d", c.cfg.Width, c.cfg.Height),
		Mode:            c.cfg.Mode,
		SessionID:       c.sessionID,
		Uptime:          uptime,
		IsStreaming:     streaming,
	}
}
