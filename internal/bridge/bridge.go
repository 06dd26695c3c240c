// Package bridge turns lines from the hardware trigger device into hub
// broadcasts. A [Bridge] owns the device handle for its whole life and
// moves through Disconnected → Connecting → Connected, falling back to
// Disconnected on any open, read, or decode failure. It never gives up:
// after a failure it waits on an exponential backoff and tries again,
// so a device plugged in after startup is picked up without a restart.
package bridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/nugget/behique/internal/config"
	"github.com/nugget/behique/internal/connwatch"
)

// State is the bridge's connection state.
type State int32

// Bridge states. There is no terminal state.
const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// MaxLineLength is the longest line accepted from the device. Longer
// runs without a newline are discarded as noise.
const MaxLineLength = 1024

// ErrInvalidLine is returned when a device line is not valid UTF-8.
var ErrInvalidLine = errors.New("line is not valid UTF-8")

// Opener opens the trigger device. The returned reader must return
// (0, nil) or a short read when its read timeout expires rather than
// blocking indefinitely.
type Opener interface {
	Open(ctx context.Context) (io.ReadCloser, error)
}

// OpenerFunc adapts a function to [Opener].
type OpenerFunc func(ctx context.Context) (io.ReadCloser, error)

// Open calls f(ctx).
func (f OpenerFunc) Open(ctx context.Context) (io.ReadCloser, error) { return f(ctx) }

// Broadcaster receives trigger events. [hub.Hub] satisfies it.
type Broadcaster interface {
	Trigger(ctx context.Context) int
}

// BroadcastFunc adapts a function to [Broadcaster].
type BroadcastFunc func(ctx context.Context) int

// Trigger calls f(ctx).
func (f BroadcastFunc) Trigger(ctx context.Context) int { return f(ctx) }

// Config configures a Bridge.
type Config struct {
	Opener Opener
	Target Broadcaster
	// Tokens are the exact line values that raise a trigger.
	Tokens  []string
	Backoff connwatch.BackoffConfig
	Logger  *slog.Logger
}

// Bridge is the hardware event loop. Run must be called at most once.
type Bridge struct {
	opener  Opener
	target  Broadcaster
	tokens  map[string]struct{}
	backoff connwatch.BackoffConfig
	logger  *slog.Logger

	state    atomic.Int32
	triggers atomic.Int64

	mu         sync.Mutex
	lastErr    error
	lastChange time.Time
}

// New creates a bridge. It does not touch the device until Run.
func New(cfg Config) *Bridge {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	tokens := make(map[string]struct{}, len(cfg.Tokens))
	for _, t := range cfg.Tokens {
		tokens[strings.TrimSpace(t)] = struct{}{}
	}
	b := &Bridge{
		opener:     cfg.Opener,
		target:     cfg.Target,
		tokens:     tokens,
		backoff:    cfg.Backoff,
		logger:     cfg.Logger,
		lastChange: time.Now(),
	}
	b.state.Store(int32(Disconnected))
	return b
}

// State returns the current connection state.
func (b *Bridge) State() State {
	return State(b.state.Load())
}

// Triggers returns how many trigger lines have been recognized.
func (b *Bridge) Triggers() int64 {
	return b.triggers.Load()
}

// Status reports bridge health in the shape the health endpoint uses.
func (b *Bridge) Status() connwatch.ServiceStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.State()
	s := connwatch.ServiceStatus{
		Name:      "hardware",
		Ready:     st == Connected,
		State:     st.String(),
		LastCheck: b.lastChange,
	}
	if b.lastErr != nil {
		s.LastError = b.lastErr.Error()
	}
	return s
}

func (b *Bridge) setState(s State, err error) {
	b.mu.Lock()
	b.lastErr = err
	b.lastChange = time.Now()
	b.mu.Unlock()

	if prev := State(b.state.Swap(int32(s))); prev != s {
		b.logger.Debug("hardware state", "from", prev.String(), "state", s.String())
	}
}

// Run drives the state machine until ctx is cancelled. It always
// returns nil; hardware failures are logged and retried, never fatal.
func (b *Bridge) Run(ctx context.Context) error {
	backoff := connwatch.NewBackoff(b.backoff)

	for attempt := 1; ; attempt++ {
		b.setState(Connecting, nil)

		dev, err := b.opener.Open(ctx)
		if ctx.Err() != nil {
			if dev != nil {
				_ = dev.Close()
			}
			b.setState(Disconnected, nil)
			return nil
		}
		if err != nil {
			delay := backoff.Next()
			b.setState(Disconnected, err)
			b.logger.Warn("hardware open failed",
				"attempt", attempt,
				"next_delay", delay.String(),
				"error", err,
			)
			if !connwatch.SleepCtx(ctx, delay) {
				return nil
			}
			continue
		}

		backoff.Reset()
		b.setState(Connected, nil)
		b.logger.Info("hardware connected", "after_attempts", attempt)
		attempt = 0

		err = b.serve(ctx, dev)
		if ctx.Err() != nil {
			b.setState(Disconnected, nil)
			return nil
		}

		delay := backoff.Next()
		b.setState(Disconnected, err)
		b.logger.Warn("hardware disconnected",
			"next_delay", delay.String(),
			"error", err,
		)
		if !connwatch.SleepCtx(ctx, delay) {
			return nil
		}
	}
}

// serve reads lines from dev until an error or cancellation, firing a
// broadcast for each trigger line before reading the next. dev is
// closed on every exit path.
func (b *Bridge) serve(ctx context.Context, dev io.ReadCloser) error {
	var once sync.Once
	closeDev := func() { once.Do(func() { _ = dev.Close() }) }
	defer closeDev()
	stop := context.AfterFunc(ctx, closeDev)
	defer stop()

	lr := newLineReader(dev, MaxLineLength)
	for {
		line, err := lr.next(ctx)
		if err != nil {
			return err
		}
		if !utf8.ValidString(line) {
			return ErrInvalidLine
		}
		line = strings.TrimSpace(line)
		b.logger.Log(ctx, config.LevelTrace, "hardware line", "line", line)

		if _, ok := b.tokens[line]; !ok {
			continue
		}
		b.triggers.Add(1)
		n := b.target.Trigger(ctx)
		b.logger.Info("hardware trigger", "token", line, "listeners", n)
	}
}

// lineReader splits device output on '\n', tolerating reads that time
// out with no data.
type lineReader struct {
	r       io.Reader
	limit   int
	buf     []byte
	pending []byte
	// discarding is set while skipping the remainder of an overlong line.
	discarding bool
}

func newLineReader(r io.Reader, limit int) *lineReader {
	return &lineReader{r: r, limit: limit, buf: make([]byte, 128)}
}

// next returns the next complete line without its terminator. A read
// that returns no data is retried after checking ctx, so cancellation
// is noticed within one device read timeout.
func (lr *lineReader) next(ctx context.Context) (string, error) {
	for {
		if i := bytes.IndexByte(lr.pending, '\n'); i >= 0 {
			line := lr.pending[:i]
			lr.pending = lr.pending[i+1:]
			if lr.discarding || len(line) > lr.limit {
				lr.discarding = false
				continue
			}
			return strings.TrimSuffix(string(line), "\r"), nil
		}
		if len(lr.pending) > lr.limit {
			lr.pending = lr.pending[:0]
			lr.discarding = true
		}

		if err := ctx.Err(); err != nil {
			return "", err
		}
		n, err := lr.r.Read(lr.buf)
		if n > 0 {
			lr.pending = append(lr.pending, lr.buf[:n]...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", fmt.Errorf("device closed: %w", err)
			}
			return "", err
		}
	}
}
