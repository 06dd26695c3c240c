package mqtt

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/behique/internal/config"
)

type countingTrigger struct {
	calls atomic.Int32
	fired chan struct{}
}

func (c *countingTrigger) Trigger(context.Context) int {
	c.calls.Add(1)
	c.fired <- struct{}{}
	return 2
}

func TestHandleRemote_RaisesBroadcast(t *testing.T) {
	m := New(config.MQTTConfig{BaseTopic: "behique", AcceptRemote: true, RemoteRateLimit: 2}, "id", "trigger_voice",
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	trig := &countingTrigger{fired: make(chan struct{}, 4)}
	m.SetRemote(trig)

	for range 3 {
		m.handleRemote(context.Background(), []byte("press"))
	}

	for range 2 {
		select {
		case <-trig.fired:
		case <-time.After(2 * time.Second):
			t.Fatal("remote trigger never reached the hub")
		}
	}
	select {
	case <-trig.fired:
		t.Error("rate-limited message still triggered")
	case <-time.After(50 * time.Millisecond):
	}

	if got := m.received.Load(); got != 3 {
		t.Errorf("received = %d, want 3", got)
	}
	if got := trig.calls.Load(); got != 2 {
		t.Errorf("Trigger calls = %d, want 2", got)
	}
}

func TestMessageRateLimiter(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rl := newMessageRateLimiter(5, time.Second, logger)

	for i := range 5 {
		if !rl.allow() {
			t.Errorf("message %d should have been allowed", i)
		}
	}

	if rl.allow() {
		t.Error("message 6 should have been rate-limited")
	}

	if dropped := rl.dropped.Load(); dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}
}

func TestMessageRateLimiter_ResetsEachInterval(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rl := newMessageRateLimiter(1, 20*time.Millisecond, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rl.start(ctx)

	if !rl.allow() {
		t.Fatal("first message should be allowed")
	}
	if rl.allow() {
		t.Fatal("second message should be limited")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if rl.count.Load() == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("counter never reset")
}

func TestMessageRateLimiter_Concurrent(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rl := newMessageRateLimiter(1000, time.Second, logger)

	done := make(chan struct{})
	for range 10 {
		go func() {
			for range 200 {
				rl.allow()
			}
			done <- struct{}{}
		}()
	}
	for range 10 {
		<-done
	}

	// count tracks every call; dropped is the subset over the limit.
	if count := rl.count.Load(); count != 2000 {
		t.Errorf("count = %d, want 2000", count)
	}
	if dropped := rl.dropped.Load(); dropped != 1000 {
		t.Errorf("dropped = %d, want 1000", dropped)
	}
}
