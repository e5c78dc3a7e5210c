package bridge

import (
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/go-cmp/cmp"
)

type fakeToken struct{ err error }

func (t fakeToken) Wait() bool                     { return true }
func (t fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t fakeToken) Error() error                   { return t.err }
func (t fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type fakePub struct {
	Topic   string
	Payload string
}

// fakeClient is an in-memory paho client. On a successful Connect it
// invokes the manager's connect handler, the way the real client
// drives its OnConnectHandler.
type fakeClient struct {
	m *MQTTManager

	mu          sync.Mutex
	connectErrs []error // consumed one per Connect; empty means success
	connects    int
	subs        []string
	pubs        []fakePub
	disconnects int
}

func (c *fakeClient) Connect() mqtt.Token {
	c.mu.Lock()
	c.connects++
	var err error
	if len(c.connectErrs) > 0 {
		err = c.connectErrs[0]
		c.connectErrs = c.connectErrs[1:]
	}
	m := c.m
	c.mu.Unlock()
	if err == nil && m != nil {
		m.onConnect(nil)
	}
	return fakeToken{err}
}

func (c *fakeClient) Disconnect(quiesce uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnects++
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload any) mqtt.Token {
	if qos != mqttQoS {
		return fakeToken{err: errors.New("unexpected QoS")}
	}
	if retained {
		return fakeToken{err: errors.New("unexpected retained flag")}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pubs = append(c.pubs, fakePub{Topic: topic, Payload: string(payload.([]byte))})
	return fakeToken{}
}

func (c *fakeClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	if qos != mqttQoS {
		return fakeToken{err: errors.New("unexpected QoS")}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, topic)
	return fakeToken{}
}

func (c *fakeClient) connectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

func (c *fakeClient) subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.subs...)
}

func (c *fakeClient) published() []fakePub {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]fakePub(nil), c.pubs...)
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return mqttQoS }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

func testMQTTManager(mappings []CommandMapping, connectErrs ...error) (*MQTTManager, *fakeClient) {
	m := newMQTTManager(nil, mappings)
	m.Logger = testLogger()
	m.backoffFloor = 5 * time.Millisecond
	m.backoffCeil = 20 * time.Millisecond
	client := &fakeClient{m: m, connectErrs: connectErrs}
	m.client = client
	return m, client
}

func TestPublishDroppedWhileDisconnected(t *testing.T) {
	m, client := testMQTTManager(nil)

	// Broker down: every publish is dropped with a warning.
	for range 5 {
		m.Publish("sensors/reading", []byte(`["lost"]`))
	}
	if pubs := client.published(); len(pubs) != 0 {
		t.Fatalf("%d messages published while disconnected", len(pubs))
	}

	// Broker returns.
	m.Connect()
	waitUntil(t, "connection", m.connected.Load)
	m.Publish("sensors/reading", []byte(`["hello",42]`))

	want := []fakePub{{Topic: "sensors/reading", Payload: `["hello",42]`}}
	waitUntil(t, "publish", func() bool { return len(client.published()) == 1 })
	if diff := cmp.Diff(want, client.published()); diff != "" {
		t.Errorf("published diff (-want +got):\n%s", diff)
	}
	m.Disconnect()
}

func TestResubscribeOnEveryConnect(t *testing.T) {
	mappings := []CommandMapping{
		{Topic: "cmd/echo"},
		{Topic: "cmd/+/set"},
	}
	m, client := testMQTTManager(mappings)
	m.Connect()
	waitUntil(t, "first connection", m.connected.Load)

	want := []string{"cmd/echo", "cmd/+/set"}
	if diff := cmp.Diff(want, client.subscriptions()); diff != "" {
		t.Fatalf("subscriptions after first connect (-want +got):\n%s", diff)
	}

	// The broker restarts: the manager reconnects and subscribes
	// again, not trusting the persistent session.
	m.onConnectionLost(nil, errors.New("broker went away"))
	waitUntil(t, "reconnection", func() bool { return client.connectCount() >= 2 })
	waitUntil(t, "resubscription", func() bool { return len(client.subscriptions()) == 4 })
	if diff := cmp.Diff(append(want, want...), client.subscriptions()); diff != "" {
		t.Errorf("subscriptions after reconnect (-want +got):\n%s", diff)
	}
	m.Disconnect()
}

func TestReconnectBackoff(t *testing.T) {
	boom := errors.New("connection refused")
	m, client := testMQTTManager(nil, boom, boom, boom)

	start := time.Now()
	m.Connect()
	waitUntil(t, "connection after three failures", m.connected.Load)
	if got := client.connectCount(); got != 4 {
		t.Errorf("connect attempts = %d, want 4", got)
	}
	// Three failed attempts sleep 5, 10, 20ms before the fourth.
	if elapsed := time.Since(start); elapsed < 35*time.Millisecond {
		t.Errorf("reconnected after %v, expected at least 35ms of backoff", elapsed)
	}
	m.Disconnect()
}

func TestDisconnectInterruptsBackoff(t *testing.T) {
	boom := errors.New("connection refused")
	// Enough failures to keep the loop in backoff indefinitely.
	errs := make([]error, 1000)
	for i := range errs {
		errs[i] = boom
	}
	m, client := testMQTTManager(nil, errs...)
	m.backoffFloor = time.Hour
	m.backoffCeil = time.Hour

	m.Connect()
	waitUntil(t, "first attempt", func() bool { return client.connectCount() >= 1 })

	done := make(chan struct{})
	go func() {
		m.Disconnect()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Disconnect did not interrupt the backoff wait")
	}
}

func TestDisconnectWithoutConnect(t *testing.T) {
	m, client := testMQTTManager(nil)
	m.Disconnect()
	client.mu.Lock()
	defer client.mu.Unlock()
	if client.disconnects != 0 {
		t.Error("Disconnect closed a connection that was never opened")
	}
}

func TestMessageDelivery(t *testing.T) {
	m, _ := testMQTTManager([]CommandMapping{{Topic: "cmd/echo"}})
	type msg struct {
		topic   string
		payload string
	}
	got := make(chan msg, 1)
	m.SetMessageCallback(func(topic string, payload []byte) {
		got <- msg{topic, string(payload)}
	})

	m.onMessage(nil, fakeMessage{topic: "cmd/echo", payload: []byte(`["hi"]`)})
	select {
	case d := <-got:
		if d.topic != "cmd/echo" || d.payload != `["hi"]` {
			t.Errorf("delivered (%q, %q), want (%q, %q)", d.topic, d.payload, "cmd/echo", `["hi"]`)
		}
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}
