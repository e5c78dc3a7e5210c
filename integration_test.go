package bridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danderson/dbus-mqtt-bridge/dbustest"
	"github.com/godbus/dbus/v5"
	"github.com/google/go-cmp/cmp"
)

// echoService is exported on the test bus for method call tests.
type echoService struct{}

func (echoService) Echo(s string) (string, *dbus.Error) { return s, nil }

func (echoService) Pair() (string, int32, *dbus.Error) { return "first", 2, nil }

func startRealManager(t *testing.T, bus *dbustest.Bus, mappings []SignalMapping) *DBusManager {
	t.Helper()
	conn := bus.MustConn(t)
	m := newDBusManager(godbusConn{conn}, mappings)
	m.Logger = testLogger()
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestIntegrationSignalForwarding(t *testing.T) {
	bus := dbustest.New(t)

	svc := bus.MustConn(t)
	if _, err := svc.RequestName("org.example.Sensor", dbus.NameFlagDoNotQueue); err != nil {
		t.Fatal(err)
	}

	mapping := SignalMapping{
		Service:   "org.example.Sensor",
		Path:      "/org/example/Sensor",
		Interface: "org.example.Sensor",
		Signal:    "Notify",
		Topic:     "sensors/notify",
	}
	conn := bus.MustConn(t)
	m := newDBusManager(godbusConn{conn}, []SignalMapping{mapping})
	m.Logger = testLogger()

	type delivery struct {
		mapping SignalMapping
		values  []any
	}
	got := make(chan delivery, 1)
	m.SetSignalCallback(func(mp SignalMapping, values []any) {
		got <- delivery{mp, values}
	})
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { m.Close() })

	err := svc.Emit("/org/example/Sensor", "org.example.Sensor.Notify", "hello", int32(42))
	if err != nil {
		t.Fatal(err)
	}

	select {
	case d := <-got:
		if diff := cmp.Diff(mapping, d.mapping); diff != "" {
			t.Errorf("mapping diff (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff([]any{"hello", int32(42)}, d.values); diff != "" {
			t.Errorf("values diff (-want +got):\n%s", diff)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("signal not delivered through the real bus")
	}
}

func TestIntegrationLiveness(t *testing.T) {
	bus := dbustest.New(t)

	svc := bus.MustConn(t)
	const name = "org.example.Flaky"
	if _, err := svc.RequestName(name, dbus.NameFlagDoNotQueue); err != nil {
		t.Fatal(err)
	}

	m := startRealManager(t, bus, nil)
	if !m.serviceLive(name) {
		t.Fatalf("%s not live after Start", name)
	}

	if _, err := svc.ReleaseName(name); err != nil {
		t.Fatal(err)
	}
	waitUntil(t, "service disappearance", func() bool { return !m.serviceLive(name) })

	if _, err := svc.RequestName(name, dbus.NameFlagDoNotQueue); err != nil {
		t.Fatal(err)
	}
	waitUntil(t, "service reappearance", func() bool { return m.serviceLive(name) })
}

func TestIntegrationCallMethod(t *testing.T) {
	bus := dbustest.New(t)

	svc := bus.MustConn(t)
	if err := svc.Export(echoService{}, "/org/example/Echo", "org.example.Echo"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.RequestName("org.example.Echo", dbus.NameFlagDoNotQueue); err != nil {
		t.Fatal(err)
	}

	m := startRealManager(t, bus, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	got, err := m.CallMethod(ctx, "org.example.Echo", "/org/example/Echo", "org.example.Echo", "Echo", []any{"hi"})
	if err != nil {
		t.Fatal(err)
	}
	if got != "hi" {
		t.Errorf("Echo returned %v, want %q", got, "hi")
	}

	// Only the first value of a multi-value reply is returned.
	got, err = m.CallMethod(ctx, "org.example.Echo", "/org/example/Echo", "org.example.Echo", "Pair", nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != "first" {
		t.Errorf("Pair returned %v, want first reply value %q", got, "first")
	}

	_, err = m.CallMethod(ctx, "org.example.Nobody", "/x", "org.example.Nobody", "Nope", nil)
	if !errors.Is(err, ErrServiceUnavailable) {
		t.Errorf("call to absent service: err = %v, want ErrServiceUnavailable", err)
	}
}
