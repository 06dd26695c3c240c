package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/nugget/behique/internal/config"
	"github.com/nugget/behique/internal/connwatch"
)

// publishTimeout bounds a trigger publish so a stalled broker cannot
// hold up the caller's broadcast path.
const publishTimeout = 2 * time.Second

// ErrNotConnected is returned by [Mirror.PublishTrigger] while the
// broker connection is down.
var ErrNotConnected = errors.New("mqtt not connected")

// Triggerer raises a local trigger broadcast.
type Triggerer interface {
	Trigger(ctx context.Context) int
}

// TriggerEvent is the JSON payload published on <base>/trigger.
type TriggerEvent struct {
	Event     string    `json:"event"`
	Source    string    `json:"source"`
	Listeners int       `json:"listeners"`
	Timestamp time.Time `json:"timestamp"`
}

// Mirror publishes trigger events to the broker and optionally turns
// inbound <base>/trigger/set messages into local broadcasts.
type Mirror struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	event      string
	remote     Triggerer
	limiter    *messageRateLimiter
	logger     *slog.Logger

	mu        sync.Mutex
	cm        *autopaho.ConnectionManager
	lastErr   error
	lastCheck time.Time

	connected atomic.Bool
	published atomic.Int64
	received  atomic.Int64
}

// New creates a Mirror but does not connect. event is the trigger
// message name carried in each published [TriggerEvent].
func New(cfg config.MQTTConfig, instanceID, event string, logger *slog.Logger) *Mirror {
	if logger == nil {
		logger = slog.Default()
	}
	limit := int64(cfg.RemoteRateLimit)
	if limit <= 0 {
		limit = 30
	}
	return &Mirror{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		event:      event,
		limiter:    newMessageRateLimiter(limit, time.Minute, logger),
		logger:     logger,
	}
}

// SetRemote enables inbound triggers. Must be called before Start, and
// only takes effect when cfg.AcceptRemote is set.
func (m *Mirror) SetRemote(t Triggerer) {
	m.remote = t
}

// Start connects to the broker and blocks until ctx is cancelled.
// Connection failures after startup are retried by autopaho.
func (m *Mirror) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(m.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: m.cfg.Username,
		ConnectPassword: []byte(m.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   m.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			m.connected.Store(true)
			m.recordResult(nil)
			m.logger.Info("mqtt connected to broker", "broker", m.cfg.Broker)
			m.publishAvailability(ctx, cm, "online")
			if m.cfg.Discovery {
				m.publishDiscovery(ctx, cm)
			}
			if m.acceptsRemote() {
				m.subscribe(ctx, cm)
			}
		},
		OnConnectError: func(err error) {
			m.connected.Store(false)
			m.recordResult(err)
			m.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "behique-" + m.instanceID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					if pr.Packet.Topic != m.setTopic() || !m.acceptsRemote() {
						return false, nil
					}
					m.handleRemote(ctx, pr.Packet.Payload)
					return true, nil
				},
			},
			OnClientError: func(err error) {
				m.connected.Store(false)
				m.recordResult(err)
				m.logger.Warn("mqtt client error", "error", err)
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				m.connected.Store(false)
				m.logger.Warn("mqtt server disconnected", "reason_code", d.ReasonCode)
			},
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	m.mu.Lock()
	m.cm = cm
	m.mu.Unlock()

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	if err := cm.AwaitConnection(connCtx); err != nil && ctx.Err() == nil {
		m.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}
	connCancel()

	if m.acceptsRemote() {
		go m.limiter.start(ctx)
	}

	<-ctx.Done()
	return nil
}

// Stop publishes "offline" and disconnects. ctx bounds both.
func (m *Mirror) Stop(ctx context.Context) error {
	cm := m.conn()
	if cm == nil {
		return nil
	}
	if m.connected.Load() {
		m.publishAvailability(ctx, cm, "offline")
	}
	m.connected.Store(false)
	return cm.Disconnect(ctx)
}

// PublishTrigger publishes one TriggerEvent. source names what raised
// the trigger (hardware, api, mqtt).
func (m *Mirror) PublishTrigger(ctx context.Context, listeners int, source string) error {
	cm := m.conn()
	if cm == nil || !m.connected.Load() {
		return ErrNotConnected
	}

	payload, err := json.Marshal(TriggerEvent{
		Event:     m.event,
		Source:    source,
		Listeners: listeners,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal trigger event: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if _, err := cm.Publish(pctx, &paho.Publish{
		Topic:   m.triggerTopic(),
		Payload: payload,
		QoS:     0,
	}); err != nil {
		return fmt.Errorf("publish trigger: %w", err)
	}
	m.published.Add(1)
	return nil
}

// Status reports the broker connection for health endpoints.
func (m *Mirror) Status() connwatch.ServiceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := connwatch.ServiceStatus{
		Name:      "mqtt",
		Ready:     m.connected.Load(),
		State:     "disconnected",
		LastCheck: m.lastCheck,
	}
	if s.Ready {
		s.State = "connected"
	}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}
	return s
}

func (m *Mirror) conn() *autopaho.ConnectionManager {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cm
}

func (m *Mirror) recordResult(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.lastCheck = time.Now()
	m.mu.Unlock()
}

func (m *Mirror) acceptsRemote() bool {
	return m.cfg.AcceptRemote && m.remote != nil
}

// --- Topic helpers ---

func (m *Mirror) baseTopic() string {
	return m.cfg.BaseTopic
}

func (m *Mirror) availabilityTopic() string {
	return m.baseTopic() + "/availability"
}

func (m *Mirror) triggerTopic() string {
	return m.baseTopic() + "/trigger"
}

func (m *Mirror) setTopic() string {
	return m.triggerTopic() + "/set"
}

func (m *Mirror) discoveryTopic() string {
	return m.cfg.DiscoveryPrefix + "/device_automation/" + m.cfg.DeviceName + "/button_press/config"
}

// --- Connection-up publishing ---

func (m *Mirror) triggerConfig() TriggerConfig {
	return TriggerConfig{
		AutomationType: "trigger",
		Topic:          m.triggerTopic(),
		Type:           "button_short_press",
		Subtype:        "button_1",
		Device:         m.device,
	}
}

func (m *Mirror) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	payload, err := json.Marshal(m.triggerConfig())
	if err != nil {
		m.logger.Error("mqtt marshal discovery payload", "error", err)
		return
	}
	topic := m.discoveryTopic()
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
		Retain:  true,
	}); err != nil {
		m.logger.Warn("mqtt discovery publish failed", "topic", topic, "error", err)
		return
	}
	m.logger.Debug("mqtt discovery published", "topic", topic)
}

func (m *Mirror) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   m.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		m.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
		return
	}
	m.logger.Info("mqtt availability published", "status", status)
}

func (m *Mirror) subscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	topic := m.setTopic()
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: 1}},
	}); err != nil {
		m.logger.Warn("mqtt subscribe failed", "topic", topic, "error", err)
		return
	}
	m.logger.Info("mqtt subscribed", "topic", topic)
}
