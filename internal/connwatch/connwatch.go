// Package connwatch provides reconnect backoff and health reporting for
// the hardware trigger device, the language model endpoint, the
// listener hub, and the optional MQTT broker.
//
// Two pieces live here:
//  1. [Backoff], an exponential delay schedule (1s, 2s, 4s, ... capped)
//     that reconnect loops step through and reset on success.
//  2. [Manager], a registry of named status sources. Sources are either
//     probe-driven [Watcher]s or plain [StatusFunc]s supplied by
//     components that track their own state. The health endpoint reads
//     [Manager.Status].
//
// Nothing in this package gives up: a service that stays down is retried
// at the capped delay for the life of the process.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// StatusFunc reports the current status of a self-tracking component.
type StatusFunc func() ServiceStatus

// BackoffConfig controls the exponential backoff behavior.
type BackoffConfig struct {
	// InitialDelay is the delay before the first retry (default: 1s).
	InitialDelay time.Duration

	// MaxDelay is the ceiling for backoff growth (default: 30s).
	MaxDelay time.Duration

	// Multiplier scales the delay after each retry (default: 2.0).
	Multiplier float64

	// PollInterval is how often a healthy service is re-probed (default: 60s).
	// Only used by [Watcher].
	PollInterval time.Duration

	// ProbeTimeout limits how long each individual probe call may take (default: 10s).
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig returns the schedule 1s, 2s, 4s, ... 30s (capped)
// with 60-second polling while healthy.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

// withDefaults replaces zero-value fields with DefaultBackoffConfig values.
func (c BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.MaxDelay < c.InitialDelay {
		c.MaxDelay = c.InitialDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	return c
}

// Backoff steps through an exponential delay schedule. It is not safe
// for concurrent use; each reconnect loop owns its own.
type Backoff struct {
	cfg  BackoffConfig
	next time.Duration
}

// NewBackoff returns a Backoff positioned at cfg.InitialDelay. Zero-value
// fields are replaced with defaults.
func NewBackoff(cfg BackoffConfig) *Backoff {
	cfg = cfg.withDefaults()
	return &Backoff{cfg: cfg, next: cfg.InitialDelay}
}

// Next returns the delay to wait before the upcoming attempt and grows
// the schedule for the one after.
func (b *Backoff) Next() time.Duration {
	d := b.next
	grown := time.Duration(float64(b.next) * b.cfg.Multiplier)
	if grown > b.cfg.MaxDelay {
		grown = b.cfg.MaxDelay
	}
	b.next = grown
	return d
}

// Reset returns the schedule to InitialDelay. Call after a successful
// connection.
func (b *Backoff) Reset() {
	b.next = b.cfg.InitialDelay
}

// SleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func SleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// WatcherConfig configures a single service watcher.
type WatcherConfig struct {
	// Name is a human-readable identifier for logging (e.g., "mqtt").
	Name string

	// Probe checks service health. Must be safe for concurrent use.
	Probe ProbeFunc

	// Backoff controls retry timing. Use DefaultBackoffConfig() as a starting point.
	Backoff BackoffConfig

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// ServiceStatus is the health status of a watched service, suitable for
// JSON serialization in health endpoints.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	State     string    `json:"state,omitempty"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors a single service's health by probing it.
type Watcher struct {
	config WatcherConfig
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// IsReady reports whether the watched service is currently reachable.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// Status returns the current health status.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := ServiceStatus{
		Name:      w.config.Name,
		Ready:     w.ready.Load(),
		State:     "unreachable",
		LastCheck: w.lastCheck,
	}
	if s.Ready {
		s.State = "reachable"
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

// run probes until ctx is cancelled. While the service is down the
// delay between probes follows the backoff schedule; once it is up the
// watcher polls at PollInterval.
func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	cfg := w.config.Backoff
	logger := w.config.Logger
	backoff := NewBackoff(cfg)

	for attempt := 1; ; attempt++ {
		err := w.probe(ctx)
		if ctx.Err() != nil {
			return
		}
		w.recordResult(err)
		wasReady := w.ready.Load()

		var delay time.Duration
		switch {
		case err == nil && !wasReady:
			w.ready.Store(true)
			backoff.Reset()
			logger.Info("service connected",
				"service", w.config.Name,
				"after_attempts", attempt,
			)
			attempt = 0
			delay = cfg.PollInterval
		case err == nil:
			delay = cfg.PollInterval
		case wasReady:
			w.ready.Store(false)
			logger.Info("service became unreachable",
				"service", w.config.Name,
				"error", err,
			)
			delay = backoff.Next()
		default:
			delay = backoff.Next()
			logger.Debug("service still unreachable",
				"service", w.config.Name,
				"attempt", attempt,
				"next_delay", delay.String(),
				"error", err,
			)
		}

		if !SleepCtx(ctx, delay) {
			return
		}
	}
}

// probe calls the configured ProbeFunc with a timeout.
func (w *Watcher) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.config.Backoff.ProbeTimeout)
	defer cancel()

	return w.config.Probe(probeCtx)
}

// recordResult stores the probe outcome under the mutex.
func (w *Watcher) recordResult(err error) {
	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()
}

// Manager coordinates watchers and status sources.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	sources  map[string]StatusFunc
	logger   *slog.Logger
}

// NewManager creates a connection watch manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		sources:  make(map[string]StatusFunc),
		logger:   logger,
	}
}

// Watch registers and starts a new service watcher. The watcher runs in a
// background goroutine until ctx is cancelled or Stop is called.
//
// Panics if Name is empty or Probe is nil; these are programming errors.
// Zero-value BackoffConfig fields are replaced with defaults.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config: cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go w.run(watchCtx)

	m.mu.Lock()
	m.watchers[cfg.Name] = w
	m.mu.Unlock()

	return w
}

// Register adds a self-reporting status source under name, replacing
// any previous source with the same name.
func (m *Manager) Register(name string, fn StatusFunc) {
	if name == "" || fn == nil {
		panic("connwatch: Register requires a name and a StatusFunc")
	}
	m.mu.Lock()
	m.sources[name] = fn
	m.mu.Unlock()
}

// Status returns the health status of every watcher and source.
func (m *Manager) Status() map[string]ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]ServiceStatus, len(m.watchers)+len(m.sources))
	for name, w := range m.watchers {
		status[name] = w.Status()
	}
	for name, fn := range m.sources {
		s := fn()
		if s.Name == "" {
			s.Name = name
		}
		status[name] = s
	}
	return status
}

// Stop shuts down all watchers and waits for their goroutines to exit.
func (m *Manager) Stop() {
	m.mu.RLock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.RUnlock()

	for _, w := range watchers {
		w.Stop()
	}
}
