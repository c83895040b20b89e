// Package bufpool manages the fixed set of capture buffers shared between
// the camera device and the consumer, and the FIFO queue of device-completed
// buffers awaiting pickup.
//
// Every buffer is in exactly one of three states at any time:
//
//	Free     — in the pool, available to hand to the device
//	InFlight — handed to the device, awaiting fill
//	Filled   — completed by the device, queued for the consumer
//
// Transitions are strictly Free -> InFlight (Prime/Recycle re-send),
// InFlight -> Filled (Complete, on the device's execution context) and
// Filled -> Free (Recycle). Ownership of a buffer moves with its state; two
// components never touch the same buffer concurrently.
package bufpool

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/paralin/mmalcam/internal/graph"
)

// MinBuffers is the minimum pool size. Fewer than three buffers drops
// frames under scheduling jitter because the device starves while the
// consumer copies.
const MinBuffers = 3

// State is the ownership state of one buffer slot.
type State uint8

const (
	// Free means the buffer sits in the pool, ready to send to the device.
	Free State = iota
	// InFlight means the device holds the buffer and is filling it.
	InFlight
	// Filled means the buffer is queued for the consumer.
	Filled
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case Free:
		return "free"
	case InFlight:
		return "in-flight"
	case Filled:
		return "filled"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Pool owns a fixed arena of buffer slots plus the filled-buffer FIFO.
//
// Concurrency model: one producer (the device completion callback, via
// Complete) and one consumer (the capture loop, via TakeFilled/Recycle).
// All slot state is guarded by a single mutex; TakeFilled blocks on a
// sync.Cond until a buffer is queued or the pool is closed, so Close always
// wakes a blocked consumer.
type Pool struct {
	mu   sync.Mutex
	cond *sync.Cond

	bufs   []*graph.Buffer
	states []State
	free   []int // LIFO of free slot indices
	fifo   []int // FIFO of filled slot indices

	closed bool
}

// New allocates a pool of count buffers of size bytes each.
func New(count, size int) (*Pool, error) {
	if count <= 0 || size <= 0 {
		return nil, fmt.Errorf("bufpool: invalid pool geometry %dx%d bytes: %w",
			count, size, graph.ErrAllocationFailed)
	}

	p := &Pool{
		bufs:   make([]*graph.Buffer, count),
		states: make([]State, count),
		free:   make([]int, 0, count),
		fifo:   make([]int, 0, count),
	}
	p.cond = sync.NewCond(&p.mu)

	for i := range p.bufs {
		p.bufs[i] = &graph.Buffer{Index: i, Data: make([]byte, size)}
		p.free = append(p.free, i)
	}

	slog.Debug("bufpool: pool created", "buffers", count, "buffer_size", size)
	return p, nil
}

// Count returns the total number of buffers in the pool.
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.bufs)
}

// Prime hands every currently-free buffer to the device port. A failed
// hand-off is reported immediately; the buffers sent so far stay with the
// device.
func (p *Pool) Prime(port graph.Port) error {
	for {
		buf, ok := p.takeFree()
		if !ok {
			return nil
		}
		if err := port.Send(buf); err != nil {
			p.putFree(buf)
			return fmt.Errorf("bufpool: couldn't prime buffer %d: %w (%v)",
				buf.Index, graph.ErrSendFailed, err)
		}
	}
}

// Complete moves a device-filled buffer from in-flight to the filled queue
// and wakes a waiting consumer. It is the port's completion callback: it
// runs on the device's execution context and does enqueue-and-signal only,
// never blocking work.
//
// A buffer that was not in flight indicates a device-side double completion;
// it is logged and dropped rather than corrupting the queue.
func (p *Pool) Complete(buf *graph.Buffer) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if buf.Index < 0 || buf.Index >= len(p.states) {
		slog.Warn("bufpool: completion for unknown buffer", "index", buf.Index)
		return
	}
	if p.states[buf.Index] != InFlight {
		slog.Warn("bufpool: completion for buffer not in flight",
			"index", buf.Index,
			"state", p.states[buf.Index].String(),
		)
		return
	}

	p.states[buf.Index] = Filled
	p.fifo = append(p.fifo, buf.Index)
	p.cond.Signal()
}

// TakeFilled blocks until a completed buffer is available and returns the
// oldest one. Returns ok=false once the pool has been closed and the queue
// drained, which is how a disable during a pending wait terminates the
// consumer loop.
func (p *Pool) TakeFilled() (*graph.Buffer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.fifo) == 0 && !p.closed {
		p.cond.Wait()
	}
	if len(p.fifo) == 0 {
		return nil, false
	}

	idx := p.fifo[0]
	p.fifo = p.fifo[1:]
	// The slot stays Filled while the consumer reads it; it becomes Free
	// again in Recycle.
	return p.bufs[idx], true
}

// Recycle returns a consumed buffer to the free pool and, when the owning
// port is still enabled, immediately re-sends it so the device's in-flight
// count is replenished. A re-send failure is reported but leaves the buffer
// safely back in the free pool; the stream continues with one fewer buffer
// in flight until the next recycle.
func (p *Pool) Recycle(buf *graph.Buffer, port graph.Port) error {
	p.mu.Lock()
	if buf.Index < 0 || buf.Index >= len(p.states) || p.states[buf.Index] != Filled {
		state := State(0)
		if buf.Index >= 0 && buf.Index < len(p.states) {
			state = p.states[buf.Index]
		}
		p.mu.Unlock()
		return fmt.Errorf("bufpool: recycle of buffer %d in state %s", buf.Index, state)
	}
	buf.Length = 0
	buf.Flags = 0
	buf.Cmd = 0
	p.states[buf.Index] = Free
	p.free = append(p.free, buf.Index)
	closed := p.closed
	p.mu.Unlock()

	if closed || port == nil || !port.Enabled() {
		return nil
	}

	// Replenish the device.
	sendBuf, ok := p.takeIndex(buf.Index)
	if !ok {
		return nil
	}
	if err := port.Send(sendBuf); err != nil {
		p.putFree(sendBuf)
		return fmt.Errorf("bufpool: couldn't return buffer %d to port: %w (%v)",
			buf.Index, graph.ErrSendFailed, err)
	}
	return nil
}

// Close wakes any consumer blocked in TakeFilled and stops further
// re-sends. Buffers already queued can still be taken and recycled.
// Idempotent.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.cond.Broadcast()
}

// Destroy releases all buffers. Must only be called after the owning port
// has been disabled, otherwise the device may still reference a buffer.
func (p *Pool) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.cond.Broadcast()
	p.bufs = nil
	p.states = nil
	p.free = nil
	p.fifo = nil
	slog.Debug("bufpool: pool destroyed")
}

// Snapshot returns a copy of the per-slot states, for instrumentation and
// invariant checks.
func (p *Pool) Snapshot() []State {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]State, len(p.states))
	copy(out, p.states)
	return out
}

// takeFree pops one free buffer and marks it in flight.
func (p *Pool) takeFree() (*graph.Buffer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 || p.bufs == nil {
		return nil, false
	}
	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.states[idx] = InFlight
	return p.bufs[idx], true
}

// takeIndex removes a specific slot from the free list and marks it in
// flight. Returns ok=false if the slot is no longer free.
func (p *Pool) takeIndex(idx int) (*graph.Buffer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bufs == nil || p.states[idx] != Free {
		return nil, false
	}
	for i, f := range p.free {
		if f == idx {
			p.free = append(p.free[:i], p.free[i+1:]...)
			p.states[idx] = InFlight
			return p.bufs[idx], true
		}
	}
	return nil, false
}

// putFree undoes a takeFree/takeIndex after a failed send.
func (p *Pool) putFree(buf *graph.Buffer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bufs == nil {
		return
	}
	p.states[buf.Index] = Free
	p.free = append(p.free, buf.Index)
}
