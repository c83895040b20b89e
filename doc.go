// Package mmalcam acquires raw video frames from a hardware camera as a
// pull-based stream of planar YUV 4:2:0 images.
//
// The package drives a device graph (camera component, ports, buffer
// headers) behind the graph.Graph abstraction. Two production backends are
// provided under internal/: a GStreamer pipeline (gstgraph, the default)
// and a V4L2 memory-mapped backend (v4l2graph). Tests run against an
// in-memory simulator.
//
// # Quick Start
//
//	cam, err := mmalcam.NewCamera(mmalcam.Config{
//		Width:     640,
//		Height:    480,
//		FrameRate: 30,
//		Mode:      mmalcam.ModeVideo,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := cam.Start(ctx); err != nil {
//		log.Fatal(err)
//	}
//	defer cam.Stop()
//
//	buf := make([]byte, cam.FrameSize())
//	for {
//		frame, err := cam.Next(buf)
//		if err != nil {
//			break // session stopped
//		}
//		process(frame)
//	}
//
// # Capture Modes
//
// ModeVideo streams continuously from the video port at the configured
// frame rate. ModeStill takes one-shot exposures from the stills port,
// re-triggering after each delivered frame and pacing triggers with a
// minimum inter-frame interval; the preview output is routed to a discard
// sink to keep the device graph valid.
//
// # Frame Format
//
// Every delivered frame is exactly width*height*3/2 bytes: a full-size Y
// plane followed by quarter-size U and V planes. Callers own the output
// buffer; the data is copied out of the device buffer before it is
// recycled.
//
// # Error Handling
//
// Start failures wrap a sentinel from the error taxonomy (ErrDeviceNotFound,
// ErrDeviceBusy, ErrConfigRejected, ErrFormatRejected, ErrAllocationFailed)
// so callers can classify with errors.Is. A failed Start releases every
// partially acquired resource. Next returns ErrSessionClosed once the
// session stops.
//
// # Thread Safety
//
// Next is designed for a single capture-loop goroutine. Stop and Stats are
// safe from any goroutine; Stop unblocks a pending Next.
package mmalcam
