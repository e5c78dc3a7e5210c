package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Bridge wires the two managers together: matched D-Bus signals are
// republished as JSON arrays on MQTT, and inbound MQTT messages are
// dispatched as D-Bus method calls. It owns both connections for the
// life of the process.
type Bridge struct {
	// Logger receives structured log output and is propagated to
	// both managers. If nil, slog.Default() is used.
	Logger *slog.Logger

	cfg  *Config
	dbus *DBusManager
	mqtt *MQTTManager
}

// New connects to the configured bus and prepares the broker client.
// A bus connection failure is fatal; the broker being down is not —
// the MQTT manager retries in the background once started.
func New(cfg *Config) (*Bridge, error) {
	d, err := NewDBusManager(cfg.Mappings.DBusToMQTT, cfg.BusType)
	if err != nil {
		return nil, err
	}
	m := NewMQTTManager(cfg.MQTT, cfg.Mappings.MQTTToDBus)
	return newBridge(cfg, d, m), nil
}

// newBridge performs the callback wiring. Callbacks are installed
// here, before either manager starts its event loop, and never
// replaced.
func newBridge(cfg *Config, d *DBusManager, m *MQTTManager) *Bridge {
	b := &Bridge{cfg: cfg, dbus: d, mqtt: m}
	d.SetSignalCallback(b.handleSignal)
	m.SetMessageCallback(b.handleMessage)
	return b
}

func (b *Bridge) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}

// Start launches both managers. The broker connection proceeds in
// the background; bus setup errors are fatal.
func (b *Bridge) Start(ctx context.Context) error {
	b.dbus.Logger = b.logger()
	b.mqtt.Logger = b.logger()
	b.mqtt.Connect()
	return b.dbus.Start(ctx)
}

// Stop releases both connections.
func (b *Bridge) Stop() {
	b.mqtt.Disconnect()
	if err := b.dbus.Close(); err != nil {
		b.logger().Warn("closing bus connection", "err", err)
	}
}

// handleSignal republishes one matched signal as a JSON array, one
// element per argument. Publish is safe to call regardless of broker
// state; a down connection drops the message with a warning.
func (b *Bridge) handleSignal(mp SignalMapping, values []any) {
	payload, err := marshalPayload(values)
	if err != nil {
		b.logger().Error("cannot encode signal payload",
			"signal", mp.Interface+"."+mp.Signal, "topic", mp.Topic, "err", err)
		return
	}
	b.mqtt.Publish(mp.Topic, payload)
}

// handleMessage dispatches one inbound MQTT message as a method
// call. The first mapping whose declared topic equals the delivered
// topic wins; a mapping subscribed with wildcards is therefore never
// matched by the concrete topics it attracts, and such messages are
// dropped here. Failures are logged and swallowed: one bad payload
// or an absent service must not take the bridge down.
func (b *Bridge) handleMessage(topic string, payload []byte) {
	mp, ok := b.findCommand(topic)
	if !ok {
		b.logger().Debug("no mapping for topic", "topic", topic)
		return
	}
	args, err := unmarshalPayload(payload)
	if err != nil {
		b.logger().Error("cannot parse message payload", "topic", topic, "err", err)
		return
	}
	result, err := b.dbus.CallMethod(context.Background(), mp.Service, mp.Path, mp.Interface, mp.Method, args)
	if err != nil {
		b.logger().Error("method call failed",
			"topic", topic, "method", mp.Interface+"."+mp.Method, "service", mp.Service, "err", err)
		return
	}
	res, err := json.Marshal(valueToJSON(result))
	if err != nil {
		b.logger().Warn("cannot encode method reply", "topic", topic, "err", err)
		return
	}
	b.logger().Info("method call result",
		"topic", topic, "method", mp.Interface+"."+mp.Method, "result", string(res))
}

func (b *Bridge) findCommand(topic string) (CommandMapping, bool) {
	for _, mp := range b.cfg.Mappings.MQTTToDBus {
		if mp.Topic == topic {
			return mp, true
		}
	}
	return CommandMapping{}, false
}
