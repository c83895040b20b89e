package gstgraph

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/paralin/mmalcam/internal/graph"
)

const defaultBufferCount = 3

// Port is one component port. Enabling a camera output port builds a
// capture pipeline matched to the committed format:
//
//	v4l2src → videoconvert → videoscale → videorate → capsfilter(I420) → appsink
//
// The appsink callback fills caller-supplied buffer headers queued via
// Send; samples arriving with no header queued are dropped.
type Port struct {
	comp *Component
	name string

	mu        sync.Mutex
	format    graph.Format
	committed bool
	bufCount  int
	enabled   bool
	cb        graph.BufferCallback
	pending   []*graph.Buffer
	armed     int
	dropped   uint64
	pipeline  *gst.Pipeline
}

func newPort(c *Component, name string) *Port {
	return &Port{comp: c, name: name, bufCount: defaultBufferCount}
}

func (p *Port) Name() string { return p.name }

func (p *Port) CommitFormat(f graph.Format) error {
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("gstgraph: bad geometry %dx%d on %s: %w",
			f.Width, f.Height, p.name, graph.ErrFormatRejected)
	}
	if f.FrameRateNum <= 0 || f.FrameRateDen <= 0 {
		return fmt.Errorf("gstgraph: bad frame rate %d/%d on %s: %w",
			f.FrameRateNum, f.FrameRateDen, p.name, graph.ErrFormatRejected)
	}
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

// Enable wires the completion callback and, for camera output ports,
// builds the capture pipeline in the NULL state. SetCaptureActive starts
// the actual data flow.
func (p *Port) Enable(cb graph.BufferCallback) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.enabled {
		return fmt.Errorf("gstgraph: port %s already enabled", p.name)
	}
	if !p.comp.sink && !p.committed {
		return fmt.Errorf("gstgraph: port %s has no committed format: %w",
			p.name, graph.ErrFormatRejected)
	}

	if !p.comp.sink {
		pipeline, err := p.buildPipeline()
		if err != nil {
			return err
		}
		p.pipeline = pipeline
	}
	p.cb = cb
	p.enabled = true
	return nil
}

func (p *Port) Disable() error {
	p.mu.Lock()
	pipeline := p.pipeline
	p.pipeline = nil
	p.enabled = false
	p.cb = nil
	p.pending = nil
	p.armed = 0
	p.mu.Unlock()

	if pipeline != nil {
		if err := pipeline.SetState(gst.StateNull); err != nil {
			return fmt.Errorf("gstgraph: couldn't stop pipeline for %s: %w", p.name, err)
		}
	}
	return nil
}

func (p *Port) Enabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled
}

// Send queues an empty buffer header for the next completed sample.
func (p *Port) Send(buf *graph.Buffer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.enabled {
		return fmt.Errorf("gstgraph: port %s is disabled: %w", p.name, graph.ErrSendFailed)
	}
	p.pending = append(p.pending, buf)
	return nil
}

// SetCaptureActive starts or pauses the data flow. In one-shot mode each
// activation grants exactly one frame delivery.
func (p *Port) SetCaptureActive(active bool) error {
	p.mu.Lock()
	pipeline := p.pipeline
	if active && p.comp.oneShot() {
		p.armed++
	}
	p.mu.Unlock()

	if pipeline == nil {
		return fmt.Errorf("gstgraph: port %s is not enabled: %w", p.name, graph.ErrSendFailed)
	}
	state := gst.StatePlaying
	if !active {
		state = gst.StatePaused
	}
	if err := pipeline.SetState(state); err != nil {
		return fmt.Errorf("gstgraph: state change failed on %s: %w", p.name, err)
	}
	return nil
}

func (p *Port) buildPipeline() (*gst.Pipeline, error) {
	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("gstgraph: failed to create pipeline: %w", err)
	}

	src, err := gst.NewElement("v4l2src")
	if err != nil {
		return nil, fmt.Errorf("gstgraph: v4l2src unavailable: %w", graph.ErrDeviceNotFound)
	}
	if p.comp.g.Device != "" {
		src.SetProperty("device", p.comp.g.Device)
	}

	converter, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, fmt.Errorf("gstgraph: failed to create videoconvert: %w", err)
	}
	converter.SetProperty("n-threads", 0)

	scaler, err := gst.NewElement("videoscale")
	if err != nil {
		return nil, fmt.Errorf("gstgraph: failed to create videoscale: %w", err)
	}

	videorate, err := gst.NewElement("videorate")
	if err != nil {
		return nil, fmt.Errorf("gstgraph: failed to create videorate: %w", err)
	}
	videorate.SetProperty("drop-only", true)
	videorate.SetProperty("skip-to-first", true)

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, fmt.Errorf("gstgraph: failed to create capsfilter: %w", err)
	}
	capsStr := fmt.Sprintf("video/x-raw,format=I420,width=%d,height=%d,framerate=%d/%d",
		p.format.Width, p.format.Height, p.format.FrameRateNum, p.format.FrameRateDen)
	capsfilter.SetProperty("caps", gst.NewCapsFromString(capsStr))

	appsink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("gstgraph: failed to create appsink: %w", err)
	}
	appsink.SetProperty("sync", false)
	appsink.SetProperty("max-buffers", p.bufCount)
	appsink.SetProperty("drop", true)

	pipeline.AddMany(src, converter, scaler, videorate, capsfilter, appsink.Element)
	if err := gst.ElementLinkMany(src, converter, scaler, videorate, capsfilter, appsink.Element); err != nil {
		return nil, fmt.Errorf("gstgraph: failed to link pipeline elements: %w", err)
	}

	appsink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: p.onNewSample,
	})

	slog.Debug("gstgraph: capture pipeline created",
		"port", p.name, "caps", capsStr)
	return pipeline, nil
}

// onNewSample copies one completed sample into the oldest queued buffer
// header and hands it to the completion callback. A single bad sample
// never terminates the stream.
func (p *Port) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		slog.Warn("gstgraph: failed to pull sample, skipping frame", "port", p.name)
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		slog.Warn("gstgraph: sample carries no buffer, skipping frame", "port", p.name)
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		slog.Warn("gstgraph: empty sample received", "port", p.name)
		return gst.FlowOK
	}

	p.mu.Lock()
	if !p.enabled || p.cb == nil {
		p.mu.Unlock()
		buffer.Unmap()
		return gst.FlowOK
	}
	oneShot := p.comp.oneShot()
	if oneShot && p.armed <= 0 {
		p.mu.Unlock()
		buffer.Unmap()
		return gst.FlowOK
	}
	if len(p.pending) == 0 {
		// Keep the exposure credit so the next sample can deliver.
		p.dropped++
		p.mu.Unlock()
		buffer.Unmap()
		slog.Debug("gstgraph: no free buffer queued, dropping sample", "port", p.name)
		return gst.FlowOK
	}
	if oneShot {
		p.armed--
	}
	out := p.pending[0]
	p.pending = p.pending[1:]
	cb := p.cb
	p.mu.Unlock()

	n := copy(out.Data, data)
	buffer.Unmap()

	out.Length = n
	out.Flags = graph.FlagFrameEnd
	out.Cmd = 0
	cb(out)
	return gst.FlowOK
}
