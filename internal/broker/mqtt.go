package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTClient is the subset of the paho client the broker uses. Tests
// substitute a fake through the client factory.
type MQTTClient interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
	IsConnected() bool
}

// defaultMQTTClient wraps the real paho client.
type defaultMQTTClient struct {
	client mqtt.Client
}

func (d *defaultMQTTClient) Connect() mqtt.Token      { return d.client.Connect() }
func (d *defaultMQTTClient) Disconnect(quiesce uint)  { d.client.Disconnect(quiesce) }
func (d *defaultMQTTClient) IsConnected() bool        { return d.client.IsConnected() }
func (d *defaultMQTTClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	return d.client.Publish(topic, qos, retained, payload)
}
func (d *defaultMQTTClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	return d.client.Subscribe(topic, qos, callback)
}
func (d *defaultMQTTClient) Unsubscribe(topics ...string) mqtt.Token {
	return d.client.Unsubscribe(topics...)
}

// MQTT implements Broker over an MQTT broker. Addresses are used as
// topic names verbatim; the address separator ':' is legal in MQTT
// topics. MQTT has no server-side queues, so popped addresses are
// subscribed lazily and buffered in-process, which preserves per-topic
// publish order for a single consumer.
type MQTT struct {
	client  MQTTClient
	logger  *slog.Logger
	timeout time.Duration

	mu      sync.Mutex
	buffers map[string][][]byte
	subbed  map[string]bool
}

// MQTTOptions configures the MQTT backend.
type MQTTOptions struct {
	Host     string
	Port     int
	ClientID string
	Username string
	Password string

	// ClientFactory overrides the paho client construction in tests.
	ClientFactory func(opts *mqtt.ClientOptions) MQTTClient
}

// NewMQTT connects to the MQTT broker.
func NewMQTT(opts MQTTOptions, logger *slog.Logger) (*MQTT, error) {
	factory := opts.ClientFactory
	if factory == nil {
		factory = func(o *mqtt.ClientOptions) MQTTClient {
			return &defaultMQTTClient{client: mqtt.NewClient(o)}
		}
	}

	clientID := opts.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("wirebus-%d", time.Now().UnixNano())
	}

	co := mqtt.NewClientOptions()
	co.AddBroker(fmt.Sprintf("tcp://%s:%d", opts.Host, opts.Port))
	co.SetClientID(clientID)
	if opts.Username != "" {
		co.SetUsername(opts.Username)
		co.SetPassword(opts.Password)
	}
	co.SetKeepAlive(30 * time.Second)
	co.SetPingTimeout(10 * time.Second)
	co.SetCleanSession(true)
	co.SetAutoReconnect(true)
	co.SetMaxReconnectInterval(30 * time.Second)
	co.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", "error", err)
	})

	m := &MQTT{
		client:  factory(co),
		logger:  logger.With("component", "broker"),
		timeout: 10 * time.Second,
		buffers: make(map[string][][]byte),
		subbed:  make(map[string]bool),
	}

	token := m.client.Connect()
	if !token.WaitTimeout(m.timeout) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to mqtt: %w", err)
	}
	m.logger.Info("mqtt broker connected", "host", opts.Host, "port", opts.Port)
	return m, nil
}

func (m *MQTT) Publish(_ context.Context, address string, payload []byte) error {
	if !m.client.IsConnected() {
		return fmt.Errorf("mqtt not connected")
	}
	token := m.client.Publish(address, 1, false, payload)
	if !token.WaitTimeout(m.timeout) {
		return fmt.Errorf("publish timeout on %s", address)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", address, err)
	}
	return nil
}

func (m *MQTT) Pop(ctx context.Context, addresses []string, wait time.Duration) (string, []byte, error) {
	for _, addr := range addresses {
		if err := m.ensureSubscribed(addr); err != nil {
			return "", nil, err
		}
	}
	deadline := time.Now().Add(wait)
	for {
		if addr, payload, ok := m.tryPop(addresses); ok {
			return addr, payload, nil
		}
		if time.Now().After(deadline) {
			return "", nil, ErrNoMessage
		}
		select {
		case <-ctx.Done():
			return "", nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (m *MQTT) tryPop(addresses []string) (string, []byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, addr := range addresses {
		q := m.buffers[addr]
		if len(q) == 0 {
			continue
		}
		payload := q[0]
		m.buffers[addr] = q[1:]
		return addr, payload, true
	}
	return "", nil, false
}

func (m *MQTT) ensureSubscribed(address string) error {
	m.mu.Lock()
	already := m.subbed[address]
	m.mu.Unlock()
	if already {
		return nil
	}

	token := m.client.Subscribe(address, 1, func(_ mqtt.Client, msg mqtt.Message) {
		m.mu.Lock()
		m.buffers[address] = append(m.buffers[address], msg.Payload())
		m.mu.Unlock()
	})
	if !token.WaitTimeout(m.timeout) {
		return fmt.Errorf("subscribe timeout on %s", address)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", address, err)
	}

	m.mu.Lock()
	m.subbed[address] = true
	m.mu.Unlock()
	m.logger.Debug("subscribed", "topic", address)
	return nil
}

func (m *MQTT) Broadcast(ctx context.Context, channel string, payload []byte) error {
	return m.Publish(ctx, channel, payload)
}

func (m *MQTT) Subscribe(_ context.Context, channel string) (<-chan []byte, func(), error) {
	out := make(chan []byte, 64)

	// The paho client may still invoke the handler after Unsubscribe
	// returns, so stop and the handler share a closed flag to keep a
	// late message from hitting the closed channel.
	var subMu sync.Mutex
	stopped := false

	token := m.client.Subscribe(channel, 1, func(_ mqtt.Client, msg mqtt.Message) {
		subMu.Lock()
		defer subMu.Unlock()
		if stopped {
			return
		}
		select {
		case out <- msg.Payload():
		default: // slow subscriber, drop
		}
	})
	if !token.WaitTimeout(m.timeout) {
		return nil, nil, fmt.Errorf("subscribe timeout on %s", channel)
	}
	if err := token.Error(); err != nil {
		return nil, nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	stop := func() {
		t := m.client.Unsubscribe(channel)
		t.WaitTimeout(m.timeout)
		subMu.Lock()
		defer subMu.Unlock()
		if stopped {
			return
		}
		stopped = true
		close(out)
	}
	return out, stop, nil
}

func (m *MQTT) Close() error {
	if m.client.IsConnected() {
		m.client.Disconnect(250)
	}
	return nil
}
