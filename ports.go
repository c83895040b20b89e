package mmalcam

import (
	"fmt"

	"github.com/paralin/mmalcam/internal/graph"
)

// commitFormats negotiates the formats of all three camera output ports for
// the session's mode and returns the port frames will be captured from.
//
// Every sibling port gets a committed format even when unused: leaving one
// uncommitted puts the device's internal graph in an inconsistent state and
// capture fails on the port that is used.
func (c *Camera) commitFormats(cam graph.Component) (graph.Port, error) {
	switch c.cfg.Mode {
	case ModeVideo:
		return c.commitVideoFormats(cam)
	case ModeStill:
		return c.commitStillFormats(cam)
	default:
		return nil, fmt.Errorf("mmalcam: unknown capture mode %d: %w",
			c.cfg.Mode, ErrConfigRejected)
	}
}

// commitVideoFormats configures continuous capture on the video port. The
// preview port mirrors the video format; the unused stills port is parked
// at 1 fps.
func (c *Camera) commitVideoFormats(cam graph.Component) (graph.Port, error) {
	videoFormat := graph.Format{
		Width:        c.cfg.Width,
		Height:       c.cfg.Height,
		FrameRateNum: c.cfg.FrameRate,
		FrameRateDen: videoFrameRateDen,
		Encoding:     graph.EncodingI420,
	}

	preview := cam.Output(graph.PortPreview)
	if err := preview.CommitFormat(videoFormat); err != nil {
		return nil, fmt.Errorf("mmalcam: couldn't configure preview port: %w", err)
	}

	capture := cam.Output(graph.PortVideo)
	if err := capture.CommitFormat(videoFormat); err != nil {
		return nil, fmt.Errorf("mmalcam: couldn't configure video capture port: %w", err)
	}

	stillsFormat := videoFormat
	stillsFormat.FrameRateNum = 1
	stillsFormat.FrameRateDen = 1
	if err := cam.Output(graph.PortStills).CommitFormat(stillsFormat); err != nil {
		return nil, fmt.Errorf("mmalcam: couldn't configure (unused) still port: %w", err)
	}

	return capture, nil
}

// commitStillFormats configures one-shot capture on the stills port. A
// small low-resolution preview keeps the graph valid (it is routed to a
// discard sink later); the unused video port copies the preview format.
// The still port's nominal rate only sizes buffers — capture cadence is
// driven by the throttle.
func (c *Camera) commitStillFormats(cam graph.Component) (graph.Port, error) {
	previewFormat := graph.Format{
		Width:        stillPreviewWidth,
		Height:       stillPreviewHeight,
		FrameRateNum: previewFrameRate,
		FrameRateDen: videoFrameRateDen,
		Encoding:     graph.EncodingI420,
	}

	preview := cam.Output(graph.PortPreview)
	if err := preview.CommitFormat(previewFormat); err != nil {
		return nil, fmt.Errorf("mmalcam: couldn't configure preview port: %w", err)
	}

	if err := cam.Output(graph.PortVideo).CommitFormat(previewFormat); err != nil {
		return nil, fmt.Errorf("mmalcam: couldn't configure (unused) video port: %w", err)
	}

	capture := cam.Output(graph.PortStills)
	stillFormat := graph.Format{
		Width:        c.cfg.Width,
		Height:       c.cfg.Height,
		FrameRateNum: stillFrameRate,
		FrameRateDen: videoFrameRateDen,
		Encoding:     graph.EncodingI420,
	}
	if err := capture.CommitFormat(stillFormat); err != nil {
		return nil, fmt.Errorf("mmalcam: couldn't configure still capture port: %w", err)
	}

	return capture, nil
}
