package bridge

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	mqttClientID = "dbus-mqtt-bridge"
	mqttQoS      = 1

	initialBackoff = 5 * time.Second
	maxBackoff     = 60 * time.Second
)

// MessageFunc receives inbound MQTT messages.
type MessageFunc func(topic string, payload []byte)

// mqttClient is the slice of the paho client API the manager uses.
// Tests substitute an in-memory client.
type mqttClient interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload any) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
}

// MQTTManager maintains the broker connection. Reconnection is driven
// by a single background loop with exponential backoff rather than
// the client library's auto-reconnect, so that every (re)connection
// runs the same resubscribe pass: the broker may have restarted and
// lost the persistent session.
type MQTTManager struct {
	// Logger receives structured log output. If nil, slog.Default()
	// is used.
	Logger *slog.Logger

	client   mqttClient
	mappings []CommandMapping
	cb       MessageFunc

	connected atomic.Bool
	looping   atomic.Bool

	kick     chan struct{} // reconnect needed
	stop     chan struct{}
	loopDone chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once

	// Backoff bounds, adjustable in tests.
	backoffFloor time.Duration
	backoffCeil  time.Duration
}

// NewMQTTManager builds a manager for the given broker. The client
// identifies itself with a stable ID and requests a persistent
// session so the broker retains subscription state across brief
// outages. No connection is attempted until [MQTTManager.Connect].
func NewMQTTManager(broker BrokerConfig, mappings []CommandMapping) *MQTTManager {
	m := newMQTTManager(nil, mappings)
	opts := mqtt.NewClientOptions().
		AddBroker(broker.Addr()).
		SetClientID(mqttClientID).
		SetCleanSession(false).
		SetAutoReconnect(false).
		SetOnConnectHandler(m.onConnect).
		SetConnectionLostHandler(m.onConnectionLost)
	if a := broker.Auth; a != nil {
		opts.SetUsername(a.Username)
		opts.SetPassword(a.Password)
	}
	m.client = mqtt.NewClient(opts)
	return m
}

func newMQTTManager(client mqttClient, mappings []CommandMapping) *MQTTManager {
	return &MQTTManager{
		client:       client,
		mappings:     mappings,
		kick:         make(chan struct{}, 1),
		stop:         make(chan struct{}),
		loopDone:     make(chan struct{}),
		backoffFloor: initialBackoff,
		backoffCeil:  maxBackoff,
	}
}

func (m *MQTTManager) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

// SetMessageCallback installs the inbound message sink. It is
// construction-time wiring: call it exactly once, before Connect.
func (m *MQTTManager) SetMessageCallback(cb MessageFunc) {
	m.cb = cb
}

// Connect launches the reconnect loop and requests an immediate
// connection attempt. It does not block waiting for the broker.
func (m *MQTTManager) Connect() {
	m.startOnce.Do(func() {
		m.looping.Store(true)
		go m.reconnectLoop()
	})
	m.wake()
}

// Disconnect stops the reconnect loop, interrupting any backoff wait,
// and closes the broker connection.
func (m *MQTTManager) Disconnect() {
	m.stopOnce.Do(func() { close(m.stop) })
	if m.looping.Load() {
		<-m.loopDone
	}
	if m.connected.Swap(false) {
		m.client.Disconnect(250)
	}
}

// Publish sends payload to topic at QoS 1, unretained. When the
// connection is down the message is dropped with a warning; there is
// no buffering across broker outages.
func (m *MQTTManager) Publish(topic string, payload []byte) {
	if !m.connected.Load() {
		m.logger().Warn("MQTT not connected, dropping message", "topic", topic)
		return
	}
	tok := m.client.Publish(topic, mqttQoS, false, payload)
	go func() {
		tok.Wait()
		if err := tok.Error(); err != nil {
			m.logger().Warn("MQTT publish failed", "topic", topic, "err", err)
		}
	}()
}

// wake marks a reconnect as needed. Coalesces with an already-pending
// wakeup.
func (m *MQTTManager) wake() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// reconnectLoop is the single owner of connection attempts. It idles
// until woken, then retries with exponential backoff (5s doubling to
// a 60s cap, reset after success) until the broker accepts. Stop
// interrupts both the idle wait and a pending backoff sleep.
func (m *MQTTManager) reconnectLoop() {
	defer close(m.loopDone)
	for {
		select {
		case <-m.stop:
			return
		case <-m.kick:
		}

		delay := m.backoffFloor
		for !m.connected.Load() {
			tok := m.client.Connect()
			tok.Wait()
			err := tok.Error()
			if err == nil {
				break
			}
			m.logger().Warn("MQTT connect failed", "err", err, "retry_in", delay)
			select {
			case <-m.stop:
				return
			case <-time.After(delay):
			}
			delay = min(delay*2, m.backoffCeil)
		}
	}
}

// onConnect runs on every successful connection, first or recovered.
// It resubscribes every command topic before messages are routed:
// the persistent session does not survive a broker restart.
func (m *MQTTManager) onConnect(mqtt.Client) {
	m.connected.Store(true)
	m.logger().Info("MQTT connected")
	for _, mp := range m.mappings {
		tok := m.client.Subscribe(mp.Topic, mqttQoS, m.onMessage)
		tok.Wait()
		if err := tok.Error(); err != nil {
			m.logger().Warn("MQTT subscribe failed", "topic", mp.Topic, "err", err)
		}
	}
}

func (m *MQTTManager) onConnectionLost(_ mqtt.Client, err error) {
	m.connected.Store(false)
	m.logger().Warn("MQTT connection lost", "err", err)
	m.wake()
}

func (m *MQTTManager) onMessage(_ mqtt.Client, msg mqtt.Message) {
	if m.cb == nil {
		return
	}
	m.cb(msg.Topic(), msg.Payload())
}
