// Package gstgraph implements the device graph on top of GStreamer via
// go-gst. The camera component is realised as a v4l2src capture pipeline
// per enabled port; the null sink and preview connection are bookkeeping
// only, since an unbuilt preview branch discards output by construction.
package gstgraph

import (
	"fmt"
	"strings"
	"sync"

	"github.com/tinyzimmer/go-gst/gst"

	"github.com/paralin/mmalcam/internal/graph"
)

// Graph creates GStreamer-backed components. Device is the V4L2 device
// path handed to v4l2src; empty means the element default (/dev/video0).
type Graph struct {
	Device string

	mu    sync.Mutex
	comps map[string]*Component
}

// New returns a graph using the default capture device.
func New() *Graph {
	return &Graph{comps: make(map[string]*Component)}
}

// NewWithDevice returns a graph bound to a specific V4L2 device path.
func NewWithDevice(device string) *Graph {
	return &Graph{Device: device, comps: make(map[string]*Component)}
}

// CreateComponent builds a camera component or a null sink. A second live
// component under the same name means the device is already claimed.
func (g *Graph) CreateComponent(name string) (graph.Component, error) {
	gst.Init(nil)

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.comps == nil {
		g.comps = make(map[string]*Component)
	}
	if _, live := g.comps[name]; live {
		return nil, fmt.Errorf("gstgraph: component %q already exists: %w",
			name, graph.ErrDeviceBusy)
	}

	c := &Component{g: g, name: name}
	if name == graph.NullSinkName || strings.Contains(name, "null_sink") {
		c.ports = []*Port{newPort(c, name+":input")}
		c.sink = true
	} else {
		c.ports = []*Port{
			newPort(c, name+":preview"),
			newPort(c, name+":video"),
			newPort(c, name+":stills"),
		}
	}
	g.comps[name] = c
	return c, nil
}

// Connect records a tunneled connection between two ports. No pipeline is
// built for it: data routed into a sink component is simply never produced.
func (g *Graph) Connect(out, in graph.Port) (graph.Connection, error) {
	if out == nil || in == nil {
		return nil, fmt.Errorf("gstgraph: cannot connect nil ports")
	}
	return &connection{}, nil
}

func (g *Graph) release(name string) {
	g.mu.Lock()
	delete(g.comps, name)
	g.mu.Unlock()
}

type connection struct{}

func (*connection) Destroy() error { return nil }

// Component is one live device component.
type Component struct {
	g    *Graph
	name string
	sink bool

	mu        sync.Mutex
	cfg       graph.CameraConfig
	controls  map[string]uint32
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

// Configure stores the session-wide camera parameters. OneShotStills
// switches every port of this component to armed single-frame delivery.
func (c *Component) Configure(cfg graph.CameraConfig) error {
	if cfg.MaxStillsWidth <= 0 || cfg.MaxStillsHeight <= 0 {
		return fmt.Errorf("gstgraph: bad stills geometry %dx%d: %w",
			cfg.MaxStillsWidth, cfg.MaxStillsHeight, graph.ErrConfigRejected)
	}
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
	return nil
}

// SetControl stores a named control value. v4l2src exposes few of the
// classic camera controls, so unknown names are accepted and retained for
// Stats-style inspection rather than rejected.
func (c *Component) SetControl(name string, value uint32) error {
	c.mu.Lock()
	if c.controls == nil {
		c.controls = make(map[string]uint32)
	}
	c.controls[name] = value
	c.mu.Unlock()
	return nil
}

func (c *Component) Enable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return fmt.Errorf("gstgraph: component %q is destroyed", c.name)
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

// Destroy tears down every port pipeline and releases the component name.
func (c *Component) Destroy() error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return fmt.Errorf("gstgraph: component %q destroyed twice", c.name)
	}
	c.destroyed = true
	ports := c.ports
	c.mu.Unlock()

	for _, p := range ports {
		p.Disable()
	}
	c.g.release(c.name)
	return nil
}

func (c *Component) oneShot() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.OneShotStills
}
