// Package testutil provides test helpers, including a private dbus-daemon
// spawner for integration tests.
package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
)

// StartDBusDaemon starts a private session dbus-daemon on a filesystem
// socket under the test's temp dir and returns its address. The daemon is
// killed on test cleanup. Skips the test if dbus-daemon is not installed.
func StartDBusDaemon(t *testing.T) string {
	t.Helper()

	if _, err := exec.LookPath("dbus-daemon"); err != nil {
		t.Skip("dbus-daemon not installed")
	}

	socketPath := filepath.Join(t.TempDir(), "bus.sock")
	addr := "unix:path=" + socketPath

	cmd := exec.Command("dbus-daemon",
		"--session",
		"--nofork",
		"--address="+addr,
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		t.Fatalf("start dbus-daemon: %v", err)
	}
	t.Cleanup(func() {
		cmd.Process.Kill() //nolint:errcheck
		cmd.Wait()         //nolint:errcheck
	})

	// Wait for the socket file to appear (50 * 100ms = 5s max).
	for i := 0; i < 50; i++ {
		if _, err := os.Stat(socketPath); err == nil {
			return addr
		}
		time.Sleep(100 * time.Millisecond)
	}

	t.Fatal("dbus-daemon socket not created in time")
	return ""
}

// Connect opens a client connection to the given bus address.
func Connect(t *testing.T, addr string) *dbus.Conn {
	t.Helper()
	conn, err := dbus.Connect(addr)
	if err != nil {
		t.Fatalf("connect to bus %s: %v", addr, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// WaitForName polls until the well-known name has an owner on the bus, or
// fails the test after five seconds.
func WaitForName(t *testing.T, addr, name string) {
	t.Helper()
	for i := 0; i < 50; i++ {
		conn, err := dbus.Connect(addr)
		if err != nil {
			time.Sleep(100 * time.Millisecond)
			continue
		}
		var owner string
		err = conn.BusObject().Call("org.freedesktop.DBus.GetNameOwner", 0, name).Store(&owner)
		conn.Close()
		if err == nil && owner != "" {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("bus name %q not registered in time", name)
}
