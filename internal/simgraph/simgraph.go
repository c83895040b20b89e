// Package simgraph is an in-memory implementation of the device graph used
// by the tests and by the capture CLI's sim backend. It mimics the hardware
// contract — exclusive device access, format commits, buffer send/completion
// hand-offs, capture triggers — without touching any hardware, and supports
// per-step failure injection so setup unwind paths can be exercised.
package simgraph

import (
	"fmt"
	"sync"
	"time"

	"github.com/paralin/mmalcam/internal/graph"
)

// Graph is a simulated device graph.
//
// The Fail* fields inject an error at a specific setup step; each is
// consulted once per matching call. They must be set before the step runs
// and are not synchronized against concurrent mutation.
type Graph struct {
	mu sync.Mutex

	// FailCreate maps a component name to the error its creation returns.
	FailCreate map[string]error
	// FailConfigure fails Component.Configure on the camera.
	FailConfigure error
	// FailCommit maps a port name (e.g. "camera:video") to a commit error.
	FailCommit map[string]error
	// FailEnableComponent maps a component name to an Enable error.
	FailEnableComponent map[string]error
	// FailEnablePort maps a port name to a Port.Enable error.
	FailEnablePort map[string]error
	// FailTrigger fails Port.SetCaptureActive.
	FailTrigger error
	// FailConnect fails Graph.Connect.
	FailConnect error
	// FailSendAfter fails every Port.Send once the port has accepted that
	// many buffers. Zero means sends never fail.
	FailSendAfter int

	components  []*Component
	connections []*Connection
}

// New returns an empty simulated graph.
func New() *Graph {
	return &Graph{}
}

// CreateComponent implements graph.Graph. Creating a component whose name is
// already live returns ErrDeviceBusy, mirroring exclusive hardware access.
func (g *Graph) CreateComponent(name string) (graph.Component, error) {
	if err := g.FailCreate[name]; err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for _, c := range g.components {
		if c.name == name && !c.Destroyed() {
			return nil, fmt.Errorf("simgraph: component %q already open: %w",
				name, graph.ErrDeviceBusy)
		}
	}

	c := &Component{name: name, g: g}
	if name == graph.NullSinkName {
		c.inputs = []*Port{newPort(c, name+":input")}
	} else {
		c.outputs = []*Port{
			newPort(c, name+":preview"),
			newPort(c, name+":video"),
			newPort(c, name+":stills"),
		}
	}
	g.components = append(g.components, c)
	return c, nil
}

// Connect implements graph.Graph.
func (g *Graph) Connect(out, in graph.Port) (graph.Connection, error) {
	if g.FailConnect != nil {
		return nil, g.FailConnect
	}
	conn := &Connection{g: g, out: out.Name(), in: in.Name()}
	g.mu.Lock()
	g.connections = append(g.connections, conn)
	g.mu.Unlock()
	return conn, nil
}

// Component returns the first live component with the given name, or nil.
func (g *Graph) Component(name string) *Component {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, c := range g.components {
		if c.name == name && !c.Destroyed() {
			return c
		}
	}
	return nil
}

// LiveComponents counts components created but not yet destroyed.
func (g *Graph) LiveComponents() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.components {
		if !c.Destroyed() {
			n++
		}
	}
	return n
}

// LiveConnections counts connections created but not yet destroyed.
func (g *Graph) LiveConnections() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.connections {
		if !c.destroyed {
			n++
		}
	}
	return n
}

// EnabledPorts counts ports currently enabled across all live components.
func (g *Graph) EnabledPorts() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.components {
		for _, p := range append(append([]*Port{}, c.outputs...), c.inputs...) {
			if p.Enabled() {
				n++
			}
		}
	}
	return n
}

// Connection is a simulated tunneled connection.
type Connection struct {
	g         *Graph
	out, in   string
	destroyed bool
}

// Destroy implements graph.Connection.
func (c *Connection) Destroy() error {
	c.g.mu.Lock()
	defer c.g.mu.Unlock()
	c.destroyed = true
	return nil
}

// Component is a simulated graph component.
type Component struct {
	name string
	g    *Graph

	mu        sync.Mutex
	outputs   []*Port
	inputs    []*Port
	config    graph.CameraConfig
	controls  map[string]uint32
	enabled   bool
	destroyed bool
}

// Name implements graph.Component.
func (c *Component) Name() string { return c.name }

// NumOutputs implements graph.Component.
func (c *Component) NumOutputs() int { return len(c.outputs) }

// Output implements graph.Component.
func (c *Component) Output(i int) graph.Port { return c.outputs[i] }

// Input implements graph.Component.
func (c *Component) Input(i int) graph.Port { return c.inputs[i] }

// OutputPort returns the concrete simulated port, for test access.
func (c *Component) OutputPort(i int) *Port { return c.outputs[i] }

// Configure implements graph.Component.
func (c *Component) Configure(cfg graph.CameraConfig) error {
	if err := c.g.FailConfigure; err != nil {
		return fmt.Errorf("simgraph: %w (%v)", graph.ErrConfigRejected, err)
	}
	c.mu.Lock()
	c.config = cfg
	c.mu.Unlock()
	return nil
}

// Config returns the last applied configuration block.
func (c *Component) Config() graph.CameraConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.config
}

// SetControl implements graph.Component.
func (c *Component) SetControl(name string, value uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.controls == nil {
		c.controls = make(map[string]uint32)
	}
	c.controls[name] = value
	return nil
}

// Control returns the last value set for a control parameter.
func (c *Component) Control(name string) (uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.controls[name]
	return v, ok
}

// Enable implements graph.Component.
func (c *Component) Enable() error {
	if err := c.g.FailEnableComponent[c.name]; err != nil {
		return err
	}
	c.mu.Lock()
	c.enabled = true
	c.mu.Unlock()
	return nil
}

// Disable implements graph.Component.
func (c *Component) Disable() error {
	c.mu.Lock()
	c.enabled = false
	c.mu.Unlock()
	return nil
}

// EnabledComponent reports whether the component is enabled.
func (c *Component) EnabledComponent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// Destroy implements graph.Component.
func (c *Component) Destroy() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return fmt.Errorf("simgraph: component %q destroyed twice", c.name)
	}
	c.destroyed = true
	return nil
}

// Destroyed reports whether Destroy has been called.
func (c *Component) Destroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}

func newPort(c *Component, name string) *Port {
	return &Port{comp: c, name: name, bufCount: 3}
}

// Port is a simulated component port. Buffers sent to it queue up as
// in-flight; Deliver and DeliverEvent play the role of the device filling
// the oldest one and firing the completion callback.
type Port struct {
	comp *Component
	name string

	mu        sync.Mutex
	format    graph.Format
	committed bool
	enabled   bool
	cb        graph.BufferCallback
	bufCount  int
	pending   []*graph.Buffer
	sent      int
	capture   bool
	triggers  []time.Time
}

// Name implements graph.Port.
func (p *Port) Name() string { return p.name }

// CommitFormat implements graph.Port.
func (p *Port) CommitFormat(f graph.Format) error {
	if err := p.comp.g.FailCommit[p.name]; err != nil {
		return fmt.Errorf("simgraph: port %s: %w (%v)", p.name, graph.ErrFormatRejected, err)
	}
	p.mu.Lock()
	p.format = f
	p.committed = true
	p.mu.Unlock()
	return nil
}

// Format implements graph.Port.
func (p *Port) Format() graph.Format {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.format
}

// Committed reports whether a format has been committed on the port.
func (p *Port) Committed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.committed
}

// BufferRequirements implements graph.Port.
func (p *Port) BufferRequirements() (count, size int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bufCount, graph.FrameBytes(p.format.Width, p.format.Height)
}

// SetBufferCount implements graph.Port.
func (p *Port) SetBufferCount(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n > p.bufCount {
		p.bufCount = n
	}
}

// Enable implements graph.Port.
func (p *Port) Enable(cb graph.BufferCallback) error {
	if err := p.comp.g.FailEnablePort[p.name]; err != nil {
		return err
	}
	p.mu.Lock()
	p.enabled = true
	p.cb = cb
	p.mu.Unlock()
	return nil
}

// Disable implements graph.Port.
func (p *Port) Disable() error {
	p.mu.Lock()
	p.enabled = false
	p.cb = nil
	p.pending = nil
	p.mu.Unlock()
	return nil
}

// Enabled implements graph.Port.
func (p *Port) Enabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled
}

// Send implements graph.Port.
func (p *Port) Send(buf *graph.Buffer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.enabled {
		return fmt.Errorf("simgraph: port %s disabled: %w", p.name, graph.ErrSendFailed)
	}
	if f := p.comp.g.FailSendAfter; f > 0 && p.sent >= f {
		return fmt.Errorf("simgraph: port %s refused buffer: %w", p.name, graph.ErrSendFailed)
	}
	p.sent++
	p.pending = append(p.pending, buf)
	return nil
}

// SetCaptureActive implements graph.Port. Trigger times are recorded so
// tests can assert throttle gaps between consecutive exposures.
func (p *Port) SetCaptureActive(active bool) error {
	if err := p.comp.g.FailTrigger; err != nil {
		return err
	}
	p.mu.Lock()
	p.capture = active
	if active {
		p.triggers = append(p.triggers, time.Now())
	}
	p.mu.Unlock()
	return nil
}

// CaptureActive reports whether the capture trigger is armed.
func (p *Port) CaptureActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capture
}

// TriggerTimes returns the wall-clock times of every capture trigger.
func (p *Port) TriggerTimes() []time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]time.Time, len(p.triggers))
	copy(out, p.triggers)
	return out
}

// Pending returns the number of buffers the simulated device holds.
func (p *Port) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Deliver fills the oldest pending buffer with payload, marks it as a
// complete frame and fires the completion callback on the caller's
// goroutine, which stands in for the device's capture thread. Returns false
// when the port is disabled or has no pending buffer.
func (p *Port) Deliver(payload []byte) bool {
	return p.deliver(func(buf *graph.Buffer) {
		n := copy(buf.Data, payload)
		buf.Length = n
		buf.Flags = graph.FlagFrameEnd
		buf.Cmd = 0
	})
}

// DeliverTruncated completes the oldest pending buffer with only length
// bytes and no frame-end marker, simulating a malformed completion.
func (p *Port) DeliverTruncated(length int) bool {
	return p.deliver(func(buf *graph.Buffer) {
		buf.Length = length
		buf.Flags = 0
		buf.Cmd = 0
	})
}

// DeliverEvent completes the oldest pending buffer as an out-of-band event.
func (p *Port) DeliverEvent(cmd graph.EventCode) bool {
	return p.deliver(func(buf *graph.Buffer) {
		buf.Length = 0
		buf.Flags = 0
		buf.Cmd = cmd
	})
}

func (p *Port) deliver(fill func(*graph.Buffer)) bool {
	p.mu.Lock()
	if !p.enabled || len(p.pending) == 0 || p.cb == nil {
		p.mu.Unlock()
		return false
	}
	buf := p.pending[0]
	p.pending = p.pending[1:]
	cb := p.cb
	p.mu.Unlock()

	fill(buf)
	cb(buf)
	return true
}
