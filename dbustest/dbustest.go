// Package dbustest provides a helper to run an isolated bus
// instance in tests.
package dbustest

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
)

//go:embed dbus.config
var dbusConfig string

// Available reports whether the required binaries are available for
// testing against a real D-Bus server.
func Available() bool {
	_, err := exec.LookPath("dbus-daemon")
	return err == nil
}

// Bus is an isolated D-Bus instance for tests.
type Bus struct {
	bus  *exec.Cmd
	sock string

	stop       chan struct{}
	busStopped chan struct{}
}

// New launches a D-Bus instance dedicated to the calling test.
//
// If [Available] is false, New calls t.Skip to skip the calling
// test.
func New(t *testing.T) *Bus {
	if !Available() {
		t.Skip("dbus-daemon not available, cannot run test bus")
	}
	tmp := t.TempDir()

	cfgPath := filepath.Join(tmp, "bus.config")
	if err := os.WriteFile(cfgPath, []byte(dbusConfig), 0600); err != nil {
		t.Fatal(err)
	}

	ret := &Bus{
		sock:       filepath.Join(tmp, "bus.sock"),
		stop:       make(chan struct{}),
		busStopped: make(chan struct{}),
	}

	ret.bus = exec.Command("dbus-daemon", "--config-file="+cfgPath, "--nofork", "--nopidfile", "--nosyslog", "--address=unix:path="+ret.sock)
	ret.bus.Stdout = os.Stdout
	ret.bus.Stderr = os.Stderr
	if err := ret.bus.Start(); err != nil {
		t.Fatalf("starting bus: %v", err)
	}
	t.Cleanup(ret.close)

	go func() {
		defer close(ret.busStopped)
		err := ret.bus.Wait()
		select {
		case <-ret.stop:
		default:
			panic(fmt.Errorf("bus stopped prematurely: %w", err))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for ctx.Err() == nil {
		if _, err := os.Stat(ret.sock); err == nil {
			break
		} else if errors.Is(err, fs.ErrNotExist) {
			time.Sleep(10 * time.Millisecond)
			continue
		} else if err != nil {
			t.Fatalf("waiting for bus socket: %v", err)
		}
	}
	if err := ctx.Err(); err != nil {
		t.Fatalf("bus failed to start: %v", err)
	}

	return ret
}

func (b *Bus) close() {
	close(b.stop)
	b.bus.Process.Kill()
	select {
	case <-b.busStopped:
	case <-time.After(10 * time.Second):
		log.Print("timed out waiting for bus to stop")
	}
}

// Address returns the bus address in D-Bus address format.
func (b *Bus) Address() string {
	return "unix:path=" + b.sock
}

// MustConn returns a connection to the bus. It causes an immediate
// test failure with t.Fatal if it is unable to connect.
func (b *Bus) MustConn(t *testing.T) *dbus.Conn {
	t.Helper()
	conn, err := dbus.Connect(b.Address())
	if err != nil {
		t.Fatalf("connecting to test bus: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}
