package graph

// BufferFlags carry per-buffer completion metadata set by the device.
type BufferFlags uint32

const (
	// FlagFrameEnd marks the buffer as holding the end of a complete frame.
	FlagFrameEnd BufferFlags = 1 << iota
)

// EventCode identifies an out-of-band event delivered through the buffer
// callback instead of frame data. Zero means the buffer carries frame data.
type EventCode uint32

// Buffer is a fixed-size hardware-addressable memory block used to transfer
// one frame's pixel data. Buffers are owned exclusively by the pool that
// allocated them; Index addresses the pool slot and never changes.
//
// Length, Flags and Cmd are written by the device while the buffer is in
// flight and must only be read after the completion callback has handed the
// buffer back.
type Buffer struct {
	// Index is the owning pool's slot number for this buffer.
	Index int
	// Data is the backing memory. Its capacity is fixed at allocation.
	Data []byte
	// Length is the number of valid bytes the device wrote.
	Length int
	// Flags is the completion metadata (frame end marker).
	Flags BufferFlags
	// Cmd is non-zero when the buffer carries an out-of-band event.
	Cmd EventCode
}
