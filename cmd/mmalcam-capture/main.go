package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	"image/png"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/paralin/mmalcam"
	"github.com/paralin/mmalcam/internal/graph"
	"github.com/paralin/mmalcam/internal/gstgraph"
	"github.com/paralin/mmalcam/internal/simgraph"
	"github.com/paralin/mmalcam/internal/v4l2graph"
)

const version = "v0.1.0"

func main() {
	device := flag.String("device", "", "Capture device path (default: backend default)")
	width := flag.Int("width", 640, "Frame width in pixels")
	height := flag.Int("height", 480, "Frame height in pixels")
	fps := flag.Int("fps", 30, "Frame rate")
	still := flag.Bool("still", false, "Use one-shot still capture instead of video streaming")
	minInterval := flag.Duration("min-interval", 0, "Minimum interval between still captures (still mode)")
	controlParams := flag.String("control", "", "Camera control parameters (e.g. \"-ss 20000 -ex night\")")
	rawPath := flag.String("raw", "", "Append every raw frame to this file")
	outputDir := flag.String("output", "", "Directory to save luma-plane PNG snapshots (optional)")
	maxFrames := flag.Int("max-frames", 0, "Maximum frames to capture (0 = unlimited)")
	statsInterval := flag.Int("stats-interval", 10, "Seconds between stats reports")
	backend := flag.String("backend", "gst", "Capture backend: gst, v4l2, sim")
	skipWarmup := flag.Bool("skip-warmup", false, "Skip frame-timing warmup")
	debug := flag.Bool("debug", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("mmalcam-capture %s\n", version)
		os.Exit(0)
	}

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	var g graph.Graph
	var sim *simgraph.Graph
	switch *backend {
	case "gst":
		if *device != "" {
			g = gstgraph.NewWithDevice(*device)
		} else {
			g = gstgraph.New()
		}
	case "v4l2":
		if *device != "" {
			g = v4l2graph.NewWithDevice(*device)
		} else {
			g = v4l2graph.New()
		}
	case "sim":
		sim = simgraph.New()
		g = sim
	default:
		log.Fatalf("Invalid backend: %s (must be gst, v4l2, or sim)", *backend)
	}

	mode := mmalcam.ModeVideo
	if *still {
		mode = mmalcam.ModeStill
	}

	if *outputDir != "" {
		if err := os.MkdirAll(*outputDir, 0755); err != nil {
			log.Fatalf("Failed to create output directory: %v", err)
		}
	}

	fmt.Printf("\n")
	fmt.Printf("mmalcam-capture %s\n", version)
	fmt.Printf("  Backend:      %s\n", *backend)
	fmt.Printf("  Resolution:   %dx%d\n", *width, *height)
	fmt.Printf("  Frame Rate:   %d fps\n", *fps)
	fmt.Printf("  Mode:         %s\n", mode)
	if *rawPath != "" {
		fmt.Printf("  Raw Capture:  %s\n", *rawPath)
	}
	fmt.Printf("\n")

	var controls mmalcam.ControlApplier
	if *controlParams != "" {
		controls = logControls{}
	}

	cam, err := mmalcam.NewCamera(mmalcam.Config{
		Width:            *width,
		Height:           *height,
		FrameRate:        *fps,
		Mode:             mode,
		ControlParams:    *controlParams,
		Controls:         controls,
		MinFrameInterval: *minInterval,
		RawCapturePath:   *rawPath,
		Graph:            g,
	})
	if err != nil {
		log.Fatalf("Failed to create camera: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Printf("\nReceived interrupt signal, shutting down...\n")
		cancel()
	}()

	slog.Info("Starting capture session...")
	if err := cam.Start(ctx); err != nil {
		log.Fatalf("Failed to start capture: %v", err)
	}
	defer cam.Stop()

	if sim != nil {
		go feedSimulator(ctx, sim, mode, *width, *height, *fps)
	}

	if !*skipWarmup {
		fmt.Printf("Running warmup to measure frame timing...\n")
		warmup, err := cam.Warmup(2 * *fps)
		if err != nil {
			log.Fatalf("Warmup failed: %v", err)
		}
		fmt.Printf("  Samples:    %d frames over %.1fs\n", warmup.Samples, warmup.Duration.Seconds())
		fmt.Printf("  FPS:        %.2f mean, %.2f stddev (%.1f - %.1f)\n",
			warmup.MeanFPS, warmup.StdDevFPS, warmup.MinFPS, warmup.MaxFPS)
		fmt.Printf("  Jitter:     %.2f ms\n", warmup.JitterMS)
		fmt.Printf("  Stable:     %v\n", warmup.IsStable)
		if !warmup.IsStable {
			fmt.Printf("  WARNING: frame timing is unstable\n")
		}
		fmt.Printf("\n")
	}

	fmt.Printf("Capturing... press Ctrl+C to stop\n\n")

	statsTicker := time.NewTicker(time.Duration(*statsInterval) * time.Second)
	defer statsTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-statsTicker.C:
				stats := cam.Stats()
				fmt.Printf("[stats] delivered=%d skipped=%d send_failures=%d uptime=%s\n",
					stats.FramesDelivered, stats.FramesSkipped, stats.SendFailures,
					stats.Uptime.Round(time.Second))
			}
		}
	}()

	buf := make([]byte, cam.FrameSize())
	frameCount := 0
	for {
		frame, err := cam.Next(buf)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			log.Fatalf("Capture failed: %v", err)
		}
		frameCount++

		fmt.Printf("[%s] Frame #%-6d | Seq: %-8d | Size: %6.1f KB\n",
			frame.Timestamp.Format("15:04:05.000"),
			frameCount,
			frame.Seq,
			float64(len(frame.Data))/1024,
		)

		if *outputDir != "" {
			if err := saveLumaSnapshot(*outputDir, frame); err != nil {
				slog.Error("Failed to save frame", "error", err, "seq", frame.Seq)
			}
		}

		if *maxFrames > 0 && frameCount >= *maxFrames {
			fmt.Printf("\nReached maximum frames (%d), stopping...\n", *maxFrames)
			break
		}
	}

	if err := cam.Stop(); err != nil {
		slog.Error("Error stopping capture", "error", err)
	}

	final := cam.Stats()
	fmt.Printf("\nFinal: delivered=%d skipped=%d send_failures=%d\n",
		final.FramesDelivered, final.FramesSkipped, final.SendFailures)
}

// logControls logs each control parameter instead of applying it; the
// backends expose no stable control mapping, so the CLI only demonstrates
// the tokenization. A value token starting with a marker character belongs
// to the next parameter.
type logControls struct{}

func (logControls) Apply(name, value string) int {
	if value == "" || value[0] == '-' {
		slog.Info("control parameter", "name", name)
		return 1
	}
	slog.Info("control parameter", "name", name, "value", value)
	return 2
}

// feedSimulator plays the device role for the sim backend: it synthesizes
// gray I420 frames with a slowly shifting luma level and delivers them to
// the capture port at the configured rate.
func feedSimulator(ctx context.Context, sim *simgraph.Graph, mode mmalcam.CaptureMode, width, height, fps int) {
	comp := sim.Component(mmalcam.DefaultDevice)
	if comp == nil {
		slog.Error("simulator camera component not found")
		return
	}
	portIdx := graph.PortVideo
	if mode == mmalcam.ModeStill {
		portIdx = graph.PortStills
	}
	port := comp.OutputPort(portIdx)

	payload := make([]byte, mmalcam.FrameSize(width, height))
	for i := width * height; i < len(payload); i++ {
		payload[i] = 0x80 // neutral chroma
	}

	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()
	luma := byte(0)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			luma += 2
			for i := 0; i < width*height; i++ {
				payload[i] = luma
			}
			port.Deliver(payload)
		}
	}
}

// saveLumaSnapshot writes the Y plane of a planar 4:2:0 frame as a
// grayscale PNG.
func saveLumaSnapshot(dir string, frame mmalcam.Frame) error {
	img := &image.Gray{
		Pix:    frame.Data[:frame.Width*frame.Height],
		Stride: frame.Width,
		Rect:   image.Rect(0, 0, frame.Width, frame.Height),
	}

	name := fmt.Sprintf("frame_%06d_%s.png", frame.Seq, frame.Timestamp.Format("20060102_150405.000"))
	file, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	if err := png.Encode(file, img); err != nil {
		return fmt.Errorf("failed to encode PNG: %w", err)
	}
	return nil
}
