package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/creachadair/mds/mapset"
	"github.com/godbus/dbus/v5"
)

const (
	busDaemonName  = "org.freedesktop.DBus"
	busDaemonPath  = dbus.ObjectPath("/org/freedesktop/DBus")
	busDaemonIface = "org.freedesktop.DBus"

	nameOwnerChanged = busDaemonIface + ".NameOwnerChanged"
)

// SignalFunc receives the arguments of a signal matched by a
// [SignalMapping], in wire order.
type SignalFunc func(mapping SignalMapping, values []any)

// busConn is the slice of the bus client API the manager consumes.
// *dbus.Conn satisfies it through [godbusConn]; tests substitute an
// in-memory bus.
type busConn interface {
	BusObject() busObject
	Object(dest string, path dbus.ObjectPath) busObject
	AddMatchSignal(opts ...dbus.MatchOption) error
	Signal(ch chan<- *dbus.Signal)
	RemoveSignal(ch chan<- *dbus.Signal)
	Close() error
}

// busObject is a remote object handle capable of method calls.
type busObject interface {
	CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...any) *dbus.Call
}

// godbusConn adapts *dbus.Conn to busConn.
type godbusConn struct {
	conn *dbus.Conn
}

func (c godbusConn) BusObject() busObject { return c.conn.BusObject() }

func (c godbusConn) Object(dest string, path dbus.ObjectPath) busObject {
	return c.conn.Object(dest, path)
}

func (c godbusConn) AddMatchSignal(opts ...dbus.MatchOption) error {
	return c.conn.AddMatchSignal(opts...)
}

func (c godbusConn) Signal(ch chan<- *dbus.Signal)       { c.conn.Signal(ch) }
func (c godbusConn) RemoveSignal(ch chan<- *dbus.Signal) { c.conn.RemoveSignal(ch) }
func (c godbusConn) Close() error                        { return c.conn.Close() }

// DBusManager owns the bus connection. It tracks which well-known
// names currently have an owner, keeps a signal subscription per
// mapping alive across service restarts, and performs method calls
// gated on service liveness.
type DBusManager struct {
	// Logger receives structured log output. If nil, slog.Default()
	// is used.
	Logger *slog.Logger

	conn     busConn
	mappings []SignalMapping
	cb       SignalFunc

	sigCh   chan *dbus.Signal
	stopped chan struct{}

	mu      sync.Mutex
	started bool
	pumping bool
	// owners maps live well-known names to their current unique
	// owner. Presence is liveness; the owner may be empty when it
	// could not be resolved.
	owners  map[string]string
	pending mapset.Set[int] // mapping indexes whose match rule is not yet installed
}

// NewDBusManager connects to the session or system bus and prepares
// a manager for the given signal mappings. The manager is inert
// until [DBusManager.Start].
func NewDBusManager(mappings []SignalMapping, bus BusType) (*DBusManager, error) {
	var conn *dbus.Conn
	var err error
	if bus == SystemBus {
		conn, err = dbus.ConnectSystemBus()
	} else {
		conn, err = dbus.ConnectSessionBus()
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to %s bus: %w", bus, err)
	}
	return newDBusManager(godbusConn{conn}, mappings), nil
}

func newDBusManager(conn busConn, mappings []SignalMapping) *DBusManager {
	return &DBusManager{
		conn:     conn,
		mappings: mappings,
		sigCh:    make(chan *dbus.Signal, 32),
		stopped:  make(chan struct{}),
		owners:   make(map[string]string),
		pending:  mapset.New[int](),
	}
}

func (m *DBusManager) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

// SetSignalCallback installs the signal sink. It is construction-time
// wiring: call it exactly once, before Start.
func (m *DBusManager) SetSignalCallback(cb SignalFunc) {
	m.cb = cb
}

// Start installs the name-ownership watch, seeds the liveness set
// from the bus, resolves the unique owner of each mapping's service
// for signal attribution, registers a signal match per mapping, and
// begins dispatching on a background goroutine. Mappings whose
// service is absent are not an error; their registration is retried
// when the service appears. Start is idempotent.
func (m *DBusManager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	if err := m.conn.AddMatchSignal(
		dbus.WithMatchSender(busDaemonName),
		dbus.WithMatchObjectPath(busDaemonPath),
		dbus.WithMatchInterface(busDaemonIface),
		dbus.WithMatchMember("NameOwnerChanged"),
	); err != nil {
		return fmt.Errorf("watching name ownership: %w", err)
	}

	var names []string
	err := m.conn.BusObject().CallWithContext(ctx, busDaemonIface+".ListNames", 0).Store(&names)
	if err != nil {
		return fmt.Errorf("listing bus names: %w", err)
	}
	m.mu.Lock()
	for _, n := range names {
		// Unique connection names are not services.
		if !strings.HasPrefix(n, ":") {
			m.owners[n] = ""
		}
	}
	for i := range m.mappings {
		m.pending.Add(i)
	}
	m.mu.Unlock()

	// Resolve each mapping service's unique owner so dispatch can
	// attribute delivered signals to the right mapping.
	resolved := mapset.New[string]()
	for _, mp := range m.mappings {
		if resolved.Has(mp.Service) {
			continue
		}
		resolved.Add(mp.Service)
		if m.serviceLive(mp.Service) {
			m.resolveOwner(ctx, mp.Service)
		}
	}

	for i := range m.mappings {
		m.register(i)
	}

	m.conn.Signal(m.sigCh)
	m.mu.Lock()
	m.pumping = true
	m.mu.Unlock()
	go m.pump()
	return nil
}

// register installs the bus-side match rule for mapping i. A failure
// is not fatal: the index stays in the pending set and registration
// is retried when the mapping's service appears on the bus.
func (m *DBusManager) register(i int) {
	mp := m.mappings[i]
	err := m.conn.AddMatchSignal(
		dbus.WithMatchSender(mp.Service),
		dbus.WithMatchObjectPath(dbus.ObjectPath(mp.Path)),
		dbus.WithMatchInterface(mp.Interface),
		dbus.WithMatchMember(mp.Signal),
	)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.logger().Warn("signal subscription failed, will retry when service appears",
			"service", mp.Service, "interface", mp.Interface, "signal", mp.Signal, "err", err)
		m.pending.Add(i)
		return
	}
	delete(m.pending, i)
}

func (m *DBusManager) pump() {
	defer close(m.stopped)
	for sig := range m.sigCh {
		if sig.Path == busDaemonPath && sig.Name == nameOwnerChanged {
			m.handleNameOwnerChanged(sig)
			continue
		}
		m.dispatch(sig)
	}
}

func (m *DBusManager) dispatch(sig *dbus.Signal) {
	if m.cb == nil {
		return
	}
	for _, mp := range m.mappings {
		if dbus.ObjectPath(mp.Path) != sig.Path || mp.Interface+"."+mp.Signal != sig.Name {
			continue
		}
		if !m.senderMatches(mp.Service, sig.Sender) {
			continue
		}
		m.cb(mp, signalArgs(m.logger(), sig.Body))
	}
}

// senderMatches reports whether a delivered signal's sender belongs
// to the mapping's service. All match rules feed one signal stream,
// and the bus does not say which rule caused a delivery, so two
// mappings distinguished only by service (two media players both
// exposing /org/mpris/MediaPlayer2, say) must be told apart by the
// sender's unique name. A signal from a service whose owner could
// not be resolved is delivered rather than dropped.
func (m *DBusManager) senderMatches(service, sender string) bool {
	if sender == service {
		return true
	}
	m.mu.Lock()
	owner, live := m.owners[service]
	m.mu.Unlock()
	if !live {
		return false
	}
	return owner == "" || sender == owner
}

// resolveOwner asks the bus daemon for name's current unique owner.
// Failure is not fatal: the owner stays unknown and dispatch falls
// back to delivering that service's signals unattributed.
func (m *DBusManager) resolveOwner(ctx context.Context, name string) {
	var owner string
	err := m.conn.BusObject().CallWithContext(ctx, busDaemonIface+".GetNameOwner", 0, name).Store(&owner)
	if err != nil {
		m.logger().Debug("cannot resolve name owner", "name", name, "err", err)
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, live := m.owners[name]; live {
		m.owners[name] = owner
	}
}

// handleNameOwnerChanged applies a liveness delta. When a service
// appears, any mapping targeting it whose match rule is not yet
// installed is registered again; existing subscriptions are left
// alone and resume delivery on their own. When a service disappears
// it leaves the liveness set but its subscriptions persist.
func (m *DBusManager) handleNameOwnerChanged(sig *dbus.Signal) {
	var name, oldOwner, newOwner string
	if err := dbus.Store(sig.Body, &name, &oldOwner, &newOwner); err != nil {
		m.logger().Warn("malformed NameOwnerChanged", "err", err)
		return
	}
	if strings.HasPrefix(name, ":") {
		return
	}

	switch {
	case oldOwner == "" && newOwner != "":
		m.mu.Lock()
		m.owners[name] = newOwner
		var retry []int
		for i := range m.pending {
			if m.mappings[i].Service == name {
				retry = append(retry, i)
			}
		}
		m.mu.Unlock()
		m.logger().Info("service appeared", "service", name)
		for _, i := range retry {
			m.register(i)
		}
	case oldOwner != "" && newOwner == "":
		m.mu.Lock()
		delete(m.owners, name)
		m.mu.Unlock()
		m.logger().Info("service disappeared", "service", name)
	case oldOwner != "" && newOwner != "":
		// Owner handover: the service stays live, but signals now
		// arrive from the new unique name.
		m.mu.Lock()
		if _, live := m.owners[name]; live {
			m.owners[name] = newOwner
		}
		m.mu.Unlock()
	}
}

// serviceLive reports whether a well-known name currently has an
// owner, per the manager's view of the bus.
func (m *DBusManager) serviceLive(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, live := m.owners[name]
	return live
}

// CallMethod invokes method on the given service object and returns
// the first reply value, or the empty string when the reply carries
// none. If the service has no owner on the bus the call fails
// immediately with an error matching [ErrServiceUnavailable]; the
// liveness check and the call itself are deliberately not atomic,
// and a service dying mid-call surfaces as an ordinary bus error.
func (m *DBusManager) CallMethod(ctx context.Context, service, path, iface, method string, args []any) (any, error) {
	if !m.serviceLive(service) {
		return nil, ServiceError{Service: service}
	}
	obj := m.conn.Object(service, dbus.ObjectPath(path))
	call := obj.CallWithContext(ctx, iface+"."+method, 0, args...)
	if call.Err != nil {
		return nil, fmt.Errorf("calling %s.%s on %s: %w", iface, method, service, call.Err)
	}
	if len(call.Body) == 0 {
		return "", nil
	}
	return call.Body[0], nil
}

// Close tears down the bus connection and waits for the dispatch
// goroutine to drain.
func (m *DBusManager) Close() error {
	m.mu.Lock()
	pumping := m.pumping
	m.mu.Unlock()

	err := m.conn.Close()
	if pumping {
		// Closing the connection closes the signal channel, which
		// ends the pump.
		<-m.stopped
	}
	return err
}
