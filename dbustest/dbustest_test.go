package dbustest

import "testing"

func TestBus(t *testing.T) {
	bus := New(t)
	conn := bus.MustConn(t)

	var names []string
	err := conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names)
	if err != nil {
		t.Fatalf("listing names on test bus: %v", err)
	}
	if len(names) == 0 {
		t.Error("test bus reports no names at all")
	}
}
