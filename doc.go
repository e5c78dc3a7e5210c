// Package bridge relays messages between a D-Bus message bus and an
// MQTT broker.
//
// A declarative mapping table drives the two directions. Signal
// mappings republish matched D-Bus signals as JSON arrays on MQTT
// topics; command mappings dispatch inbound MQTT messages as D-Bus
// method calls, with the payload converted to method arguments.
//
// [DBusManager] owns the bus connection. It tracks service liveness
// through the bus daemon's NameOwnerChanged signal, so mappings whose
// service is down at startup become live automatically when the
// service appears, and method calls to absent services fail fast
// instead of timing out.
//
// [MQTTManager] owns the broker connection and a reconnect loop with
// exponential backoff. Subscriptions are re-established on every
// successful connection; publishes while disconnected are dropped
// with a warning rather than buffered.
//
// [Bridge] ties the two together through the value marshaller, which
// converts between the bus's dynamically typed values and a JSON
// document model. Byte arrays travel as tagged base64 objects so that
// binary payloads survive the round trip.
package bridge
