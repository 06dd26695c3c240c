package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeListener records delivered messages. sendErr, when set, makes
// every Send fail; gate, when set, blocks Send until it is closed.
type fakeListener struct {
	id      string
	sendErr error
	gate    chan struct{}
	started chan<- struct{}

	mu     sync.Mutex
	got    [][]byte
	closed atomic.Bool
	sends  atomic.Int32
}

func newFake(id string) *fakeListener { return &fakeListener{id: id} }

func (f *fakeListener) ID() string   { return f.id }
func (f *fakeListener) Closed() bool { return f.closed.Load() }

func (f *fakeListener) Send(ctx context.Context, msg []byte) error {
	f.sends.Add(1)
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	f.mu.Lock()
	f.got = append(f.got, append([]byte(nil), msg...))
	f.mu.Unlock()
	return nil
}

func (f *fakeListener) Close() error {
	f.closed.Store(true)
	return nil
}

func (f *fakeListener) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.got))
	for i, m := range f.got {
		out[i] = string(m)
	}
	return out
}

func newTestHub() *Hub {
	return New(Config{SendTimeout: time.Second})
}

func TestAccept_RejectsClosedListener(t *testing.T) {
	t.Parallel()
	h := newTestHub()

	l := newFake("closed")
	l.closed.Store(true)
	if h.Accept(l) {
		t.Error("Accept() = true for a closed listener")
	}
	if h.Count() != 0 {
		t.Errorf("Count() = %d, want 0", h.Count())
	}

	if !h.Accept(newFake("open")) {
		t.Error("Accept() = false for an open listener")
	}
	if h.Count() != 1 {
		t.Errorf("Count() = %d, want 1", h.Count())
	}
}

func TestRemove_Idempotent(t *testing.T) {
	t.Parallel()
	h := newTestHub()

	l := newFake("a")
	h.Accept(l)
	h.Remove(l)
	h.Remove(l)
	h.Remove(newFake("never-added"))

	if h.Count() != 0 {
		t.Errorf("Count() = %d, want 0", h.Count())
	}
	if !l.Closed() {
		t.Error("Remove should close the listener")
	}
}

func TestBroadcast_Empty(t *testing.T) {
	t.Parallel()
	h := newTestHub()
	if n := h.Broadcast(context.Background(), []byte("x")); n != 0 {
		t.Errorf("Broadcast() = %d, want 0", n)
	}
}

func TestBroadcast_DeliversToAll(t *testing.T) {
	t.Parallel()
	h := newTestHub()

	var ls []*fakeListener
	for i := range 5 {
		l := newFake(fmt.Sprintf("l%d", i))
		ls = append(ls, l)
		h.Accept(l)
	}

	if n := h.Trigger(context.Background()); n != 5 {
		t.Errorf("Trigger() delivered %d, want 5", n)
	}
	for _, l := range ls {
		if got := l.messages(); len(got) != 1 || got[0] != DefaultTriggerMessage {
			t.Errorf("%s got %v, want [%s]", l.id, got, DefaultTriggerMessage)
		}
	}
}

func TestBroadcast_DeadListenerPrunedAfterOneAttempt(t *testing.T) {
	t.Parallel()
	h := newTestHub()

	dead := newFake("dead")
	dead.sendErr = errors.New("broken pipe")
	healthy := newFake("healthy")
	h.Accept(dead)
	h.Accept(healthy)

	if n := h.Broadcast(context.Background(), []byte("ping")); n != 1 {
		t.Errorf("Broadcast() delivered %d, want 1", n)
	}
	if got := healthy.messages(); len(got) != 1 || got[0] != "ping" {
		t.Errorf("healthy listener got %v", got)
	}
	if dead.sends.Load() != 1 {
		t.Errorf("dead listener saw %d sends, want 1", dead.sends.Load())
	}
	if !dead.Closed() {
		t.Error("dead listener should be closed after pruning")
	}
	if h.Count() != 1 {
		t.Errorf("Count() = %d after broadcast, want 1", h.Count())
	}

	// A second broadcast never touches the pruned listener.
	h.Broadcast(context.Background(), []byte("again"))
	if dead.sends.Load() != 1 {
		t.Errorf("pruned listener saw %d sends, want 1", dead.sends.Load())
	}
	if h.Stats().Pruned != 1 {
		t.Errorf("Stats().Pruned = %d, want 1", h.Stats().Pruned)
	}
}

func TestBroadcast_SlowListenerBoundedByTimeout(t *testing.T) {
	t.Parallel()
	h := New(Config{SendTimeout: 20 * time.Millisecond})

	stuck := newFake("stuck")
	stuck.gate = make(chan struct{}) // never released
	fast := newFake("fast")
	h.Accept(stuck)
	h.Accept(fast)

	start := time.Now()
	n := h.Broadcast(context.Background(), []byte("x"))
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Broadcast took %v with a stuck listener", elapsed)
	}
	if n != 1 {
		t.Errorf("delivered %d, want 1", n)
	}
	if h.Count() != 1 {
		t.Errorf("Count() = %d, want 1 (stuck listener dropped)", h.Count())
	}
}

func TestBroadcast_DisconnectMidBroadcast(t *testing.T) {
	t.Parallel()
	h := newTestHub()

	const n = 10
	const leaving = 4
	gate := make(chan struct{})
	started := make(chan struct{}, n)

	ls := make([]*fakeListener, n)
	for i := range ls {
		l := newFake(fmt.Sprintf("l%d", i))
		l.gate = gate
		l.started = started
		ls[i] = l
		h.Accept(l)
	}

	done := make(chan int)
	go func() { done <- h.Broadcast(context.Background(), []byte("event")) }()

	for range n {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("sends never started")
		}
	}

	// Peer disconnects and a new one arrives while sends are in flight.
	h.Remove(ls[leaving])
	late := newFake("late")
	h.Accept(late)
	close(gate)

	select {
	case delivered := <-done:
		if delivered != n {
			t.Errorf("delivered %d, want %d", delivered, n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Broadcast deadlocked")
	}

	for _, l := range ls {
		if got := l.messages(); len(got) != 1 {
			t.Errorf("%s got %d messages, want 1", l.id, len(got))
		}
	}
	if got := late.messages(); len(got) != 0 {
		t.Errorf("listener admitted mid-broadcast got %v, want nothing", got)
	}
	// n-1 originals plus the late arrival.
	if h.Count() != n {
		t.Errorf("Count() = %d, want %d", h.Count(), n)
	}
}

func TestBroadcast_FailuresUnderChurn(t *testing.T) {
	t.Parallel()
	h := newTestHub()

	var ok int
	for i := range 20 {
		l := newFake(fmt.Sprintf("l%d", i))
		if i%3 == 0 {
			l.sendErr = errors.New("gone")
		} else {
			ok++
		}
		h.Accept(l)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Concurrent admissions and removals of unrelated listeners.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ctx.Err() == nil; i++ {
			l := newFake(fmt.Sprintf("churn%d", i))
			h.Accept(l)
			h.Remove(l)
		}
	}()

	delivered := h.Broadcast(context.Background(), []byte("x"))
	cancel()
	wg.Wait()

	// A churn listener may land in the snapshot; none of the originals
	// may be missed.
	if delivered < ok || delivered > ok+1 {
		t.Errorf("delivered %d, want %d (+1 churn)", delivered, ok)
	}
	if h.Count() != ok {
		t.Errorf("Count() = %d, want %d surviving listeners", h.Count(), ok)
	}
}

func TestBroadcast_FIFOPerListener(t *testing.T) {
	t.Parallel()
	h := newTestHub()
	l := newFake("l")
	h.Accept(l)

	for i := range 50 {
		h.Broadcast(context.Background(), []byte(fmt.Sprintf("%02d", i)))
	}

	got := l.messages()
	if len(got) != 50 {
		t.Fatalf("got %d messages, want 50", len(got))
	}
	for i, m := range got {
		if m != fmt.Sprintf("%02d", i) {
			t.Fatalf("message %d = %q, out of order", i, m)
		}
	}
}

func TestCloseAll(t *testing.T) {
	t.Parallel()
	h := newTestHub()
	a, b := newFake("a"), newFake("b")
	h.Accept(a)
	h.Accept(b)

	h.CloseAll()

	if h.Count() != 0 {
		t.Errorf("Count() = %d, want 0", h.Count())
	}
	if !a.Closed() || !b.Closed() {
		t.Error("CloseAll should close every listener")
	}
}

func TestAccept_AfterCloseAll(t *testing.T) {
	t.Parallel()
	h := newTestHub()
	h.CloseAll()

	if h.Accept(newFake("late")) {
		t.Error("Accept after CloseAll should return false")
	}
	if h.Count() != 0 {
		t.Errorf("Count() = %d, want 0", h.Count())
	}
}
