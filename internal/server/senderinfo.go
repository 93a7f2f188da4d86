package server

import (
	"log/slog"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/nikicat/dbus-objects/internal/procutil"
)

// SenderInfo identifies the peer behind a method call.
type SenderInfo struct {
	Sender  string
	PID     uint32
	UID     uint32
	Process string
}

// dbusClient abstracts the bus daemon queries for testing.
type dbusClient interface {
	GetConnectionUnixProcessID(sender string) (uint32, error)
	GetConnectionUnixUser(sender string) (uint32, error)
}

// SenderResolver resolves bus senders to PID, UID and the invoking process
// name. It runs on its own bus connection: the dispatch loop monopolizes
// inbound traffic on the serving connection, so replies to lookups issued
// there would never arrive.
type SenderResolver struct {
	client dbusClient
	conn   *dbus.Conn

	mu    sync.Mutex
	cache map[string]SenderInfo
}

// NewSenderResolver creates a resolver using the given dedicated connection.
func NewSenderResolver(conn *dbus.Conn) *SenderResolver {
	return &SenderResolver{
		client: &busDaemonClient{conn: conn},
		conn:   conn,
		cache:  make(map[string]SenderInfo),
	}
}

// newSenderResolverWithClient creates a resolver with a custom client (for testing).
func newSenderResolverWithClient(client dbusClient) *SenderResolver {
	return &SenderResolver{client: client, cache: make(map[string]SenderInfo)}
}

// Resolve retrieves sender information, returning partial info if some
// queries fail (it never fails completely). Results are cached per unique
// name; unique names are never reused within a bus instance.
func (r *SenderResolver) Resolve(sender string) SenderInfo {
	r.mu.Lock()
	if info, ok := r.cache[sender]; ok {
		r.mu.Unlock()
		return info
	}
	r.mu.Unlock()

	info := SenderInfo{Sender: sender}

	pid, err := r.client.GetConnectionUnixProcessID(sender)
	if err != nil {
		slog.Debug("failed to get connection PID", "sender", sender, "error", err)
	} else {
		info.PID = pid
	}

	uid, err := r.client.GetConnectionUnixUser(sender)
	if err != nil {
		slog.Debug("failed to get connection UID", "sender", sender, "error", err)
	} else {
		info.UID = uid
	}

	// Resolve the user-facing invoker via /proc, skipping shells.
	if info.PID != 0 {
		comm, invokerPID := procutil.ResolveInvoker(info.PID)
		if comm != "" {
			info.Process = comm
			info.PID = invokerPID
		}
	}

	r.mu.Lock()
	r.cache[sender] = info
	r.mu.Unlock()
	return info
}

// Close releases the resolver's bus connection.
func (r *SenderResolver) Close() {
	if r.conn != nil {
		r.conn.Close()
	}
}

// busDaemonClient implements dbusClient against the real bus daemon.
type busDaemonClient struct {
	conn *dbus.Conn
}

func (c *busDaemonClient) GetConnectionUnixProcessID(sender string) (uint32, error) {
	var pid uint32
	err := c.conn.BusObject().Call("org.freedesktop.DBus.GetConnectionUnixProcessID", 0, sender).Store(&pid)
	if err != nil {
		return 0, err
	}
	return pid, nil
}

func (c *busDaemonClient) GetConnectionUnixUser(sender string) (uint32, error) {
	var uid uint32
	err := c.conn.BusObject().Call("org.freedesktop.DBus.GetConnectionUnixUser", 0, sender).Store(&uid)
	if err != nil {
		return 0, err
	}
	return uid, nil
}
