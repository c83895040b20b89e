package bufpool

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/paralin/mmalcam/internal/graph"
)

// fakePort implements graph.Port with controllable send behaviour.
type fakePort struct {
	mu       sync.Mutex
	enabled  bool
	sent     []*graph.Buffer
	sendErr  error
	failFrom int // fail sends once this many have succeeded, 0 = never
}

func newFakePort() *fakePort {
	return &fakePort{enabled: true}
}

func (f *fakePort) Name() string                      { return "fake:video" }
func (f *fakePort) CommitFormat(graph.Format) error   { return nil }
func (f *fakePort) Format() graph.Format              { return graph.Format{} }
func (f *fakePort) BufferRequirements() (int, int)    { return MinBuffers, 64 }
func (f *fakePort) SetBufferCount(int)                {}
func (f *fakePort) Enable(graph.BufferCallback) error { return nil }
func (f *fakePort) Disable() error {
	f.mu.Lock()
	f.enabled = false
	f.mu.Unlock()
	return nil
}
func (f *fakePort) Enabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled
}
func (f *fakePort) SetCaptureActive(bool) error { return nil }

func (f *fakePort) Send(buf *graph.Buffer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	if f.failFrom > 0 && len(f.sent) >= f.failFrom {
		return errors.New("send refused")
	}
	f.sent = append(f.sent, buf)
	return nil
}

func (f *fakePort) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name  string
		count int
		size  int
	}{
		{"zero count", 0, 64},
		{"negative count", -1, 64},
		{"zero size", 3, 0},
		{"negative size", 3, -5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.count, tt.size)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !errors.Is(err, graph.ErrAllocationFailed) {
				t.Errorf("expected ErrAllocationFailed, got %v", err)
			}
		})
	}
}

func TestPrimeSendsAllBuffers(t *testing.T) {
	pool, err := New(MinBuffers, 64)
	if err != nil {
		t.Fatal(err)
	}
	port := newFakePort()

	if err := pool.Prime(port); err != nil {
		t.Fatalf("Prime: %v", err)
	}
	if got := port.sentCount(); got != MinBuffers {
		t.Errorf("sent %d buffers, want %d", got, MinBuffers)
	}
	for i, s := range pool.Snapshot() {
		if s != InFlight {
			t.Errorf("slot %d in state %s, want in-flight", i, s)
		}
	}
}

func TestPrimeSendFailureLeavesBufferFree(t *testing.T) {
	pool, err := New(3, 64)
	if err != nil {
		t.Fatal(err)
	}
	port := newFakePort()
	port.failFrom = 2

	err = pool.Prime(port)
	if err == nil {
		t.Fatal("expected prime failure")
	}
	if !errors.Is(err, graph.ErrSendFailed) {
		t.Errorf("expected ErrSendFailed, got %v", err)
	}

	free, inFlight := 0, 0
	for _, s := range pool.Snapshot() {
		switch s {
		case Free:
			free++
		case InFlight:
			inFlight++
		}
	}
	if inFlight != 2 || free != 1 {
		t.Errorf("got %d in-flight, %d free; want 2 in-flight, 1 free", inFlight, free)
	}
}

func TestCompleteDeliversInFIFOOrder(t *testing.T) {
	pool, err := New(3, 64)
	if err != nil {
		t.Fatal(err)
	}
	port := newFakePort()
	if err := pool.Prime(port); err != nil {
		t.Fatal(err)
	}

	// Complete in a fixed order and expect the same order out.
	for _, buf := range port.sent {
		pool.Complete(buf)
	}
	for i, want := range port.sent {
		got, ok := pool.TakeFilled()
		if !ok {
			t.Fatalf("TakeFilled %d: pool closed", i)
		}
		if got.Index != want.Index {
			t.Errorf("TakeFilled %d returned slot %d, want %d", i, got.Index, want.Index)
		}
	}
}

func TestCompleteNotInFlightIsDropped(t *testing.T) {
	pool, err := New(2, 64)
	if err != nil {
		t.Fatal(err)
	}
	port := newFakePort()
	if err := pool.Prime(port); err != nil {
		t.Fatal(err)
	}

	buf := port.sent[0]
	pool.Complete(buf)
	// Double completion while the slot is already filled.
	pool.Complete(buf)

	got, ok := pool.TakeFilled()
	if !ok || got.Index != buf.Index {
		t.Fatalf("TakeFilled = %v, %v", got, ok)
	}
	if s := pool.Snapshot()[buf.Index]; s != Filled {
		t.Errorf("slot state %s after double complete, want filled", s)
	}

	// The queue must hold no phantom entry from the dropped completion.
	done := make(chan struct{})
	go func() {
		pool.TakeFilled()
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("TakeFilled returned for a dropped completion")
	case <-time.After(50 * time.Millisecond):
	}
	pool.Close()
	<-done
}

func TestRecycleResendsToEnabledPort(t *testing.T) {
	pool, err := New(3, 64)
	if err != nil {
		t.Fatal(err)
	}
	port := newFakePort()
	if err := pool.Prime(port); err != nil {
		t.Fatal(err)
	}

	pool.Complete(port.sent[0])
	buf, _ := pool.TakeFilled()
	buf.Length = 42
	buf.Flags = graph.FlagFrameEnd

	before := port.sentCount()
	if err := pool.Recycle(buf, port); err != nil {
		t.Fatalf("Recycle: %v", err)
	}
	if got := port.sentCount(); got != before+1 {
		t.Errorf("sent count %d after recycle, want %d", got, before+1)
	}
	if s := pool.Snapshot()[buf.Index]; s != InFlight {
		t.Errorf("slot state %s after recycle, want in-flight", s)
	}
	if buf.Length != 0 || buf.Flags != 0 {
		t.Errorf("buffer header not reset: length=%d flags=%d", buf.Length, buf.Flags)
	}
}

func TestRecycleSkipsDisabledPort(t *testing.T) {
	pool, err := New(3, 64)
	if err != nil {
		t.Fatal(err)
	}
	port := newFakePort()
	if err := pool.Prime(port); err != nil {
		t.Fatal(err)
	}

	pool.Complete(port.sent[0])
	buf, _ := pool.TakeFilled()
	port.Disable()

	before := port.sentCount()
	if err := pool.Recycle(buf, port); err != nil {
		t.Fatalf("Recycle: %v", err)
	}
	if got := port.sentCount(); got != before {
		t.Errorf("buffer re-sent to disabled port")
	}
	if s := pool.Snapshot()[buf.Index]; s != Free {
		t.Errorf("slot state %s, want free", s)
	}
}

func TestRecycleSendFailureKeepsBufferFree(t *testing.T) {
	pool, err := New(3, 64)
	if err != nil {
		t.Fatal(err)
	}
	port := newFakePort()
	if err := pool.Prime(port); err != nil {
		t.Fatal(err)
	}

	pool.Complete(port.sent[0])
	buf, _ := pool.TakeFilled()
	port.sendErr = errors.New("device queue full")

	err = pool.Recycle(buf, port)
	if err == nil {
		t.Fatal("expected recycle failure")
	}
	if !errors.Is(err, graph.ErrSendFailed) {
		t.Errorf("expected ErrSendFailed, got %v", err)
	}
	if s := pool.Snapshot()[buf.Index]; s != Free {
		t.Errorf("slot state %s after failed resend, want free", s)
	}
}

func TestCloseWakesBlockedTakeFilled(t *testing.T) {
	pool, err := New(3, 64)
	if err != nil {
		t.Fatal(err)
	}

	result := make(chan bool, 1)
	go func() {
		_, ok := pool.TakeFilled()
		result <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	pool.Close()

	select {
	case ok := <-result:
		if ok {
			t.Error("TakeFilled returned ok=true from closed empty pool")
		}
	case <-time.After(time.Second):
		t.Fatal("TakeFilled still blocked after Close")
	}
}

func TestQueuedBuffersSurviveClose(t *testing.T) {
	pool, err := New(2, 64)
	if err != nil {
		t.Fatal(err)
	}
	port := newFakePort()
	if err := pool.Prime(port); err != nil {
		t.Fatal(err)
	}

	pool.Complete(port.sent[0])
	pool.Close()

	if _, ok := pool.TakeFilled(); !ok {
		t.Error("queued buffer lost on close")
	}
	if _, ok := pool.TakeFilled(); ok {
		t.Error("TakeFilled ok=true after queue drained")
	}
}

// TestConcurrentProducerConsumer drives completions from one goroutine and
// consumption from another, checking that every buffer comes back in a
// valid state and nothing is delivered twice concurrently.
func TestConcurrentProducerConsumer(t *testing.T) {
	const rounds = 200

	pool, err := New(MinBuffers, 64)
	if err != nil {
		t.Fatal(err)
	}
	port := newFakePort()
	if err := pool.Prime(port); err != nil {
		t.Fatal(err)
	}

	// Producer: complete whatever the port currently holds.
	go func() {
		completed := 0
		for completed < rounds {
			port.mu.Lock()
			if len(port.sent) == 0 {
				port.mu.Unlock()
				time.Sleep(time.Millisecond)
				continue
			}
			buf := port.sent[0]
			port.sent = port.sent[1:]
			port.mu.Unlock()
			pool.Complete(buf)
			completed++
		}
	}()

	seen := 0
	for seen < rounds {
		buf, ok := pool.TakeFilled()
		if !ok {
			t.Fatal("pool closed mid-run")
		}
		if buf.Index < 0 || buf.Index >= MinBuffers {
			t.Fatalf("bogus buffer index %d", buf.Index)
		}
		if err := pool.Recycle(buf, port); err != nil {
			t.Fatalf("Recycle: %v", err)
		}
		seen++
	}

	pool.Close()
	pool.Destroy()
}
