package mmalcam

import "context"

// VideoSource is the contract every frame producer in this module
// implements. *Camera satisfies it.
//
// Contract:
//   - Start transitions the source to streaming or returns an error with
//     every partially acquired resource released.
//   - Next blocks until a frame is available and fills the caller's
//     buffer with exactly FrameSize(width, height) bytes of planar 4:2:0
//     data. It is intended for a single capture-loop goroutine.
//   - Stop is idempotent, callable from any goroutine and unblocks a
//     pending Next within a bounded time.
//   - Stats may be called concurrently with everything else.
type VideoSource interface {
	Start(ctx context.Context) error
	Next(out []byte) (Frame, error)
	Stats() CaptureStats
	Stop() error
}

var _ VideoSource = (*Camera)(nil)
