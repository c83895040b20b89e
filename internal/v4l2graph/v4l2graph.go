// Package v4l2graph implements the device graph directly on V4L2 via
// memory-mapped streaming I/O. It supports continuous video capture only;
// one-shot stills need the GStreamer backend.
package v4l2graph

import (
	stderrors "errors"
	"log/slog"
	"sync"
	"syscall"

	"github.com/blackjack/webcam"
	"github.com/pkg/errors"

	"github.com/paralin/mmalcam/internal/graph"
)

// V4L2 fourcc 'YU12': planar YUV 4:2:0.
const pixelFormatYUV420 = webcam.PixelFormat(0x32315559)

const (
	defaultDevice      = "/dev/video0"
	defaultBufferCount = 3
	frameWaitTimeout   = 5 // seconds
)

// Graph creates V4L2-backed components. Device is the V4L2 device path;
// empty means /dev/video0.
type Graph struct {
	Device string

	mu    sync.Mutex
	comps map[string]*Component
}

func New() *Graph {
	return &Graph{comps: make(map[string]*Component)}
}

func NewWithDevice(device string) *Graph {
	return &Graph{Device: device, comps: make(map[string]*Component)}
}

// CreateComponent opens the V4L2 device for camera components. The null
// sink never touches the device.
func (g *Graph) CreateComponent(name string) (graph.Component, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.comps == nil {
		g.comps = make(map[string]*Component)
	}
	if _, live := g.comps[name]; live {
		return nil, errors.Wrapf(graph.ErrDeviceBusy, "v4l2graph: component %q already exists", name)
	}

	c := &Component{g: g, name: name}
	if name == graph.NullSinkName {
		c.sink = true
		c.ports = []*Port{{comp: c, name: name + ":input", bufCount: defaultBufferCount}}
		g.comps[name] = c
		return c, nil
	}

	device := g.Device
	if device == "" {
		device = defaultDevice
	}
	cam, err := webcam.Open(device)
	if err != nil {
		return nil, errors.Wrapf(classifyOpenErr(err), "v4l2graph: couldn't open %s: %v", device, err)
	}
	c.cam = cam
	c.ports = []*Port{
		{comp: c, name: name + ":preview", bufCount: defaultBufferCount},
		{comp: c, name: name + ":video", bufCount: defaultBufferCount},
		{comp: c, name: name + ":stills", bufCount: defaultBufferCount},
	}
	g.comps[name] = c
	return c, nil
}

// Connect records a connection between ports. Preview routing is a no-op
// on V4L2: only the enabled capture port produces data.
func (g *Graph) Connect(out, in graph.Port) (graph.Connection, error) {
	if out == nil || in == nil {
		return nil, errors.New("v4l2graph: cannot connect nil ports")
	}
	return &connection{}, nil
}

func (g *Graph) release(name string) {
	g.mu.Lock()
	delete(g.comps, name)
	g.mu.Unlock()
}

func classifyOpenErr(err error) error {
	var errno syscall.Errno
	if stderrors.As(err, &errno) {
		switch errno {
		case syscall.ENOENT, syscall.ENODEV, syscall.ENXIO:
			return graph.ErrDeviceNotFound
		case syscall.EBUSY:
			return graph.ErrDeviceBusy
		}
	}
	return graph.ErrDeviceNotFound
}

type connection struct{}

func (*connection) Destroy() error { return nil }

// Component wraps one open V4L2 device.
type Component struct {
	g    *Graph
	name string
	sink bool

	mu        sync.Mutex
	cam       *webcam.Webcam
	enabled   bool
	destroyed bool
	ports     []*Port
}

func (c *Component) Name() string { return c.name }

func (c *Component) NumOutputs() int {
	if c.sink {
		return 0
	}
	return len(c.ports)
}

func (c *Component) Output(i int) graph.Port {
	if c.sink || i < 0 || i >= len(c.ports) {
		return nil
	}
	return c.ports[i]
}

func (c *Component) Input(i int) graph.Port {
	if !c.sink || i != 0 {
		return nil
	}
	return c.ports[0]
}

func (c *Component) Configure(cfg graph.CameraConfig) error {
	if cfg.OneShotStills {
		return errors.Wrap(graph.ErrConfigRejected,
			"v4l2graph: one-shot stills are not supported, use the gstreamer backend")
	}
	if cfg.MaxStillsWidth <= 0 || cfg.MaxStillsHeight <= 0 {
		return errors.Wrapf(graph.ErrConfigRejected,
			"v4l2graph: bad stills geometry %dx%d", cfg.MaxStillsWidth, cfg.MaxStillsHeight)
	}
	return nil
}

// SetControl is accepted but ignored: the classic camera controls have no
// stable V4L2 mapping across drivers.
func (c *Component) SetControl(name string, value uint32) error {
	slog.Debug("v4l2graph: ignoring control", "component", c.name, "control", name, "value", value)
	return nil
}

func (c *Component) Enable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return errors.Errorf("v4l2graph: component %q is destroyed", c.name)
	}
	c.enabled = true
	return nil
}

func (c *Component) Disable() error {
	c.mu.Lock()
	c.enabled = false
	c.mu.Unlock()
	return nil
}

func (c *Component) Destroy() error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return errors.Errorf("v4l2graph: component %q destroyed twice", c.name)
	}
	c.destroyed = true
	cam := c.cam
	c.cam = nil
	ports := c.ports
	c.mu.Unlock()

	for _, p := range ports {
		p.Disable()
	}
	if cam != nil {
		cam.Close()
	}
	c.g.release(c.name)
	return nil
}

// Port is one component port. Only one port per device may stream at a
// time; the capture driver enables exactly one.
type Port struct {
	comp *Component
	name string

	mu        sync.Mutex
	format    graph.Format
	committed bool
	bufCount  int
	enabled   bool
	streaming bool
	cb        graph.BufferCallback
	pending   []*graph.Buffer
	stop      chan struct{}
	done      chan struct{}
}

func (p *Port) Name() string { return p.name }

// CommitFormat negotiates YUV 4:2:0 at the requested geometry with the
// driver. Drivers may adjust the geometry; an adjusted result is a
// rejection because every delivered frame must be exactly the requested
// size.
func (p *Port) CommitFormat(f graph.Format) error {
	if f.Width <= 0 || f.Height <= 0 {
		return errors.Wrapf(graph.ErrFormatRejected,
			"v4l2graph: bad geometry %dx%d on %s", f.Width, f.Height, p.name)
	}

	// Sibling ports share one device fd, so negotiating here would thrash
	// S_FMT. The format is recorded now and negotiated with the driver in
	// Enable, on the single port that actually streams.
	p.mu.Lock()
	p.format = f
	p.committed = true
	p.mu.Unlock()
	return nil
}

func (p *Port) Format() graph.Format {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.format
}

func (p *Port) BufferRequirements() (count, size int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bufCount, graph.FrameBytes(p.format.Width, p.format.Height)
}

func (p *Port) SetBufferCount(n int) {
	p.mu.Lock()
	if n > p.bufCount {
		p.bufCount = n
	}
	p.mu.Unlock()
}

// Enable negotiates the committed format with the driver and wires the
// completion callback. Streaming starts with SetCaptureActive.
func (p *Port) Enable(cb graph.BufferCallback) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.enabled {
		return errors.Errorf("v4l2graph: port %s already enabled", p.name)
	}
	if !p.comp.sink {
		if !p.committed {
			return errors.Wrapf(graph.ErrFormatRejected,
				"v4l2graph: port %s has no committed format", p.name)
		}
		cam := p.comp.cam
		if cam == nil {
			return errors.Errorf("v4l2graph: component %q has no device", p.comp.name)
		}
		gotF, gotW, gotH, err := cam.SetImageFormat(pixelFormatYUV420,
			uint32(p.format.Width), uint32(p.format.Height))
		if err != nil {
			return errors.Wrapf(graph.ErrFormatRejected,
				"v4l2graph: format negotiation failed on %s: %v", p.name, err)
		}
		if gotF != pixelFormatYUV420 ||
			gotW != uint32(p.format.Width) || gotH != uint32(p.format.Height) {
			return errors.Wrapf(graph.ErrFormatRejected,
				"v4l2graph: driver adjusted format to %dx%d on %s", gotW, gotH, p.name)
		}
		if err := cam.SetBufferCount(uint32(p.bufCount)); err != nil {
			return errors.Wrapf(graph.ErrAllocationFailed,
				"v4l2graph: couldn't allocate %d buffers on %s: %v", p.bufCount, p.name, err)
		}
	}
	p.cb = cb
	p.enabled = true
	return nil
}

func (p *Port) Disable() error {
	p.mu.Lock()
	if !p.enabled {
		p.mu.Unlock()
		return nil
	}
	p.enabled = false
	p.cb = nil
	p.pending = nil
	stop, done := p.stop, p.done
	p.stop, p.done = nil, nil
	streaming := p.streaming
	p.streaming = false
	p.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	if streaming && p.comp.cam != nil {
		p.comp.cam.StopStreaming()
	}
	return nil
}

func (p *Port) Enabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled
}

// Send queues an empty buffer header for the next captured frame.
func (p *Port) Send(buf *graph.Buffer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.enabled {
		return errors.Wrapf(graph.ErrSendFailed, "v4l2graph: port %s is disabled", p.name)
	}
	p.pending = append(p.pending, buf)
	return nil
}

// SetCaptureActive starts or stops the streaming reader. Repeated
// activation while already streaming is a no-op, matching the continuous
// capture model.
func (p *Port) SetCaptureActive(active bool) error {
	p.mu.Lock()
	if !p.enabled {
		p.mu.Unlock()
		return errors.Wrapf(graph.ErrSendFailed, "v4l2graph: port %s is not enabled", p.name)
	}
	if active == p.streaming {
		p.mu.Unlock()
		return nil
	}

	if !active {
		stop, done := p.stop, p.done
		p.stop, p.done = nil, nil
		p.streaming = false
		p.mu.Unlock()
		if stop != nil {
			close(stop)
			<-done
		}
		p.comp.cam.StopStreaming()
		return nil
	}

	cam := p.comp.cam
	if err := cam.StartStreaming(); err != nil {
		p.mu.Unlock()
		return errors.Wrapf(graph.ErrSendFailed,
			"v4l2graph: couldn't start streaming on %s: %v", p.name, err)
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	p.stop, p.done = stop, done
	p.streaming = true
	p.mu.Unlock()

	go p.readLoop(cam, stop, done)
	return nil
}

// readLoop pumps frames from the driver into queued buffer headers until
// stopped. Wait timeouts and transient read errors are logged and retried.
func (p *Port) readLoop(cam *webcam.Webcam, stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		default:
		}

		if err := cam.WaitForFrame(frameWaitTimeout); err != nil {
			var timeout *webcam.Timeout
			if stderrors.As(err, &timeout) {
				continue
			}
			select {
			case <-stop:
				return
			default:
			}
			slog.Warn("v4l2graph: frame wait failed", "port", p.name, "error", err)
			continue
		}

		data, err := cam.ReadFrame()
		if err != nil {
			slog.Warn("v4l2graph: frame read failed", "port", p.name, "error", err)
			continue
		}
		if len(data) == 0 {
			continue
		}
		p.deliver(data)
	}
}

func (p *Port) deliver(data []byte) {
	p.mu.Lock()
	if !p.enabled || p.cb == nil || len(p.pending) == 0 {
		p.mu.Unlock()
		return
	}
	out := p.pending[0]
	p.pending = p.pending[1:]
	cb := p.cb
	p.mu.Unlock()

	n := copy(out.Data, data)
	out.Length = n
	out.Flags = graph.FlagFrameEnd
	out.Cmd = 0
	cb(out)
}
