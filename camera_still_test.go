package mmalcam

import (
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	"github.com/paralin/mmalcam/internal/graph"
	"github.com/paralin/mmalcam/internal/simgraph"
)

// stillApplier is a minimal control applier carrying a shutter speed.
type stillApplier struct {
	shutter uint32
}

func (a *stillApplier) Apply(name, value string) int { return 2 }
func (a *stillApplier) ShutterSpeed() uint32         { return a.shutter }

// newStillCamera builds a still-mode session on the simulator with an
// injected clock, so the stabilisation delay and throttle never sleep for
// real.
func newStillCamera(t *testing.T, g *simgraph.Graph, cfg Config) (*Camera, *fakeClock) {
	t.Helper()
	cfg.Mode = ModeStill
	cfg.Graph = g
	cam, err := NewCamera(cfg)
	if err != nil {
		t.Fatalf("NewCamera: %v", err)
	}
	clock := newFakeClock()
	cam.throttle.now = clock.now
	cam.throttle.sleep = clock.sleep
	if err := cam.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { cam.Stop() })
	return cam, clock
}

func TestStillStartSequence(t *testing.T) {
	g := simgraph.New()
	_, clock := newStillCamera(t, g, Config{
		Width: 64, Height: 48, FrameRate: 15,
		MinFrameInterval: 2 * time.Second,
	})

	comp := g.Component(DefaultDevice)
	if comp == nil {
		t.Fatal("camera component not found")
	}
	if !comp.Config().OneShotStills {
		t.Error("camera not configured for one-shot stills")
	}

	stills := comp.OutputPort(graph.PortStills)
	if !stills.CaptureActive() {
		t.Error("stills port not armed after start")
	}
	if stills.Pending() < 3 {
		t.Errorf("stills port holds %d buffers, want >= 3", stills.Pending())
	}
	if g.Component(graph.NullSinkName) == nil {
		t.Error("preview discard sink not created")
	}
	if n := g.LiveConnections(); n != 1 {
		t.Errorf("%d live connections, want 1 (preview to sink)", n)
	}

	if len(clock.sleeps) != 1 || clock.sleeps[0] != stillFirstFrameDelay {
		t.Errorf("start slept %v, want [%v]", clock.sleeps, stillFirstFrameDelay)
	}
}

func TestStillNextThrottlesAndReArms(t *testing.T) {
	g := simgraph.New()
	applier := &stillApplier{shutter: 20000}
	cam, clock := newStillCamera(t, g, Config{
		Width: 64, Height: 48, FrameRate: 15,
		MinFrameInterval: 2 * time.Second,
		Controls:         applier,
		ControlParams:    "-ss 20000",
	})

	comp := g.Component(DefaultDevice)
	stills := comp.OutputPort(graph.PortStills)

	frameSize := FrameSize(64, 48)
	payload := bytes.Repeat([]byte{9}, frameSize)
	out := make([]byte, frameSize)
	for i := 0; i < 3; i++ {
		if !stills.Deliver(payload) {
			t.Fatalf("deliver %d refused", i)
		}
		if _, err := cam.Next(out); err != nil {
			t.Fatalf("Next %d: %v", i, err)
		}
	}

	// One trigger at start plus one re-arm per delivered frame.
	if got := len(stills.TriggerTimes()); got != 4 {
		t.Errorf("%d capture triggers, want 4", got)
	}

	// Each re-arm waited out the full interval: the simulated clock only
	// advances inside the throttle, so every gap is the whole interval.
	for i, d := range clock.sleeps[1:] {
		if d != 2*time.Second {
			t.Errorf("throttle sleep %d = %v, want 2s", i, d)
		}
	}

	// The shutter speed is pushed back to the device before each trigger.
	if v, ok := comp.Control("shutter-speed"); !ok || v != 20000 {
		t.Errorf("shutter-speed control = %d (%v), want 20000", v, ok)
	}
}

func TestStillDefaultMinInterval(t *testing.T) {
	cam, err := NewCamera(Config{
		Width: 64, Height: 48, FrameRate: 15,
		Mode:  ModeStill,
		Graph: simgraph.New(),
	})
	if err != nil {
		t.Fatal(err)
	}
	want := time.Second / 15
	if cam.cfg.MinFrameInterval != want {
		t.Errorf("MinFrameInterval = %v, want %v", cam.cfg.MinFrameInterval, want)
	}
	if cam.throttle.minInterval != want {
		t.Errorf("throttle interval = %v, want %v", cam.throttle.minInterval, want)
	}
}

func TestVideoFormatCommits(t *testing.T) {
	g := simgraph.New()
	cam, err := NewCamera(Config{
		Width: 640, Height: 480, FrameRate: 25,
		Mode:  ModeVideo,
		Graph: g,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := cam.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer cam.Stop()

	comp := g.Component(DefaultDevice)
	want := graph.Format{
		Width: 640, Height: 480,
		FrameRateNum: 25, FrameRateDen: 1,
		Encoding: graph.EncodingI420,
	}
	if got := comp.OutputPort(graph.PortPreview).Format(); got != want {
		t.Errorf("preview format = %+v, want %+v", got, want)
	}
	if got := comp.OutputPort(graph.PortVideo).Format(); got != want {
		t.Errorf("video format = %+v, want %+v", got, want)
	}
	stills := want
	stills.FrameRateNum = 1
	if got := comp.OutputPort(graph.PortStills).Format(); got != stills {
		t.Errorf("stills format = %+v, want %+v", got, stills)
	}

	// Capture happens on the video port.
	if comp.OutputPort(graph.PortVideo).Pending() == 0 {
		t.Error("video port holds no buffers")
	}
	if !comp.OutputPort(graph.PortVideo).CaptureActive() {
		t.Error("video port not armed")
	}
}

func TestStillFormatCommits(t *testing.T) {
	g := simgraph.New()
	_, _ = newStillCamera(t, g, Config{
		Width: 1024, Height: 768, FrameRate: 15,
		MinFrameInterval: time.Second,
	})

	comp := g.Component(DefaultDevice)
	preview := graph.Format{
		Width: stillPreviewWidth, Height: stillPreviewHeight,
		FrameRateNum: previewFrameRate, FrameRateDen: 1,
		Encoding: graph.EncodingI420,
	}
	if got := comp.OutputPort(graph.PortPreview).Format(); got != preview {
		t.Errorf("preview format = %+v, want %+v", got, preview)
	}
	if got := comp.OutputPort(graph.PortVideo).Format(); got != preview {
		t.Errorf("video format = %+v, want %+v", got, preview)
	}
	want := graph.Format{
		Width: 1024, Height: 768,
		FrameRateNum: stillFrameRate, FrameRateDen: 1,
		Encoding: graph.EncodingI420,
	}
	if got := comp.OutputPort(graph.PortStills).Format(); got != want {
		t.Errorf("stills format = %+v, want %+v", got, want)
	}
}

// reverser flips the luma plane end to end, marking that rotation ran.
type reverser struct{ calls int }

func (r *reverser) Rotate(frame []byte, width, height int) {
	r.calls++
	luma := frame[:width*height]
	for i, j := 0, len(luma)-1; i < j; i, j = i+1, j-1 {
		luma[i], luma[j] = luma[j], luma[i]
	}
}

func TestRotateAndRawCapture(t *testing.T) {
	g := simgraph.New()
	rot := &reverser{}
	rawPath := t.TempDir() + "/capture.yuv"

	cam, err := NewCamera(Config{
		Width: 64, Height: 48, FrameRate: 30,
		Mode:           ModeVideo,
		Rotate:         rot,
		RawCapturePath: rawPath,
		Graph:          g,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := cam.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	frameSize := FrameSize(64, 48)
	payload := make([]byte, frameSize)
	payload[0] = 1 // lands at the end of the luma plane after rotation

	port := g.Component(DefaultDevice).OutputPort(graph.PortVideo)
	out := make([]byte, frameSize)
	for i := 0; i < 2; i++ {
		if !port.Deliver(payload) {
			t.Fatalf("deliver %d refused", i)
		}
		frame, err := cam.Next(out)
		if err != nil {
			t.Fatalf("Next %d: %v", i, err)
		}
		if frame.Data[64*48-1] != 1 {
			t.Errorf("frame %d not rotated", i)
		}
	}
	if rot.calls != 2 {
		t.Errorf("rotator ran %d times, want 2", rot.calls)
	}

	cam.Stop()

	raw, err := os.ReadFile(rawPath)
	if err != nil {
		t.Fatalf("reading raw capture: %v", err)
	}
	if len(raw) != 2*frameSize {
		t.Errorf("raw capture holds %d bytes, want %d", len(raw), 2*frameSize)
	}
	// Rotation happens before the raw append.
	if len(raw) > 0 && raw[64*48-1] != 1 {
		t.Error("raw capture holds unrotated frame")
	}
}
