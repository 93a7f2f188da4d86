// Package server exposes callable methods on a D-Bus bus under a
// well-known name. It keeps a registry of (path, interface, method)
// handlers and runs a dispatch loop over the bus connection, answering
// method calls with typed replies or error replies. The wire protocol,
// authentication and marshalling are delegated to github.com/godbus/dbus.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/nikicat/dbus-objects/internal/logging"
)

// State is the dispatcher's lifecycle state.
type State int32

const (
	// StateIdle: not listening; the dispatch loop is not running.
	StateIdle State = iota
	// StateListening: blocked waiting for the next inbound message.
	StateListening
	// StateProcessing: handling one method call.
	StateProcessing
	// StateStopped: Stop was called; a new Connect/Listen cycle may follow.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateProcessing:
		return "processing"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// ErrNameInUse is returned by RequestName when the well-known name is
// already owned by another peer.
var ErrNameInUse = errors.New("bus name already in use")

// ErrNotConnected is returned by operations that need a live bus connection.
var ErrNotConnected = errors.New("not connected to a bus")

// inboundBuffer is the dispatch queue depth. Calls are processed strictly
// in arrival order; a slow handler delays everything behind it, and the
// bus library drops inbound messages once the queue is full.
const inboundBuffer = 128

// Config holds server startup parameters.
type Config struct {
	// BusAddress is the D-Bus address to connect to. Empty means the
	// session bus. Tests point it at a private dbus-daemon.
	BusAddress string

	// LogLevel for the call logger when no Logger is given.
	LogLevel slog.Level

	// Logger overrides the default JSON call logger.
	Logger *logging.Logger

	// SlowCallWarning, when non-zero, logs a warning for handlers that
	// run longer than this. The call still completes; there is no timeout.
	SlowCallWarning time.Duration

	// ResolveSenders enables per-sender PID/UID/process resolution on a
	// dedicated bus connection, attached to call logs.
	ResolveSenders bool
}

// Server owns a bus connection, a handler registry and the dispatch loop.
//
// Typical use: New, register handlers, Connect, RequestName, then Listen
// on a dedicated goroutine and Stop from another. The registry survives
// Stop, so a stopped server can Connect and Listen again.
type Server struct {
	cfg      Config
	registry *Registry
	logger   *logging.Logger
	state    atomic.Int32

	mu       sync.Mutex
	conn     *dbus.Conn
	ownsConn bool
	resolver *SenderResolver
	name     string
	done     chan struct{}
	loopDone chan struct{}
}

// New creates a server. It does not touch the bus until Connect.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.New(cfg.LogLevel, "dbus-objects")
	}
	return &Server{
		cfg:      cfg,
		registry: NewRegistry(),
		logger:   logger,
	}
}

// Registry returns the server's handler registry.
func (s *Server) Registry() *Registry { return s.registry }

// SetHandler registers h for (path, method) under the default interface
// bucket. See Registry.SetHandler.
func (s *Server) SetHandler(path dbus.ObjectPath, method string, h HandlerFunc) error {
	return s.registry.SetHandler(path, method, h)
}

// SetInterfaceHandler registers h for the exact (path, iface, method) triple.
func (s *Server) SetInterfaceHandler(path dbus.ObjectPath, iface, method string, h HandlerFunc) error {
	return s.registry.SetInterfaceHandler(path, iface, method, h)
}

// RemoveHandler removes the default-bucket entry for (path, method).
// Removing a missing entry is a no-op.
func (s *Server) RemoveHandler(path dbus.ObjectPath, method string) {
	s.registry.RemoveHandler(path, method)
}

// State returns the dispatcher's current state.
func (s *Server) State() State {
	return State(s.state.Load())
}

// Name returns the currently claimed well-known name, or "".
func (s *Server) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// Connect establishes the bus connection. Reuses an existing connection
// if one is already open.
func (s *Server) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return nil
	}

	var conn *dbus.Conn
	var err error
	if s.cfg.BusAddress == "" {
		conn, err = dbus.ConnectSessionBus()
	} else {
		conn, err = dbus.Connect(s.cfg.BusAddress)
	}
	if err != nil {
		return fmt.Errorf("connect to bus: %w", err)
	}
	s.conn = conn
	s.ownsConn = true
	s.state.Store(int32(StateIdle))

	if s.cfg.ResolveSenders {
		// The dispatch loop takes over all inbound traffic on the serving
		// connection, so sender lookups need their own connection.
		s.resolver = s.dialResolver()
	}
	return nil
}

// ConnectWith attaches a pre-established connection instead of dialing.
// The caller keeps ownership: Stop will not close it.
func (s *Server) ConnectWith(conn *dbus.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
	s.ownsConn = false
	s.state.Store(int32(StateIdle))
}

func (s *Server) dialResolver() *SenderResolver {
	var conn *dbus.Conn
	var err error
	if s.cfg.BusAddress == "" {
		conn, err = dbus.ConnectSessionBus()
	} else {
		conn, err = dbus.Connect(s.cfg.BusAddress)
	}
	if err != nil {
		slog.Warn("sender resolution disabled: second bus connection failed", "error", err)
		return nil
	}
	return NewSenderResolver(conn)
}

// Listen runs the dispatch loop: read the next inbound message, dispatch
// it, repeat. It blocks until Stop is called, ctx is cancelled, or the
// connection fails. Calls are handled one at a time in arrival order; a
// handler that never returns blocks the loop, and once the inbound queue
// fills, further messages are dropped by the bus library.
func (s *Server) Listen(ctx context.Context) error {
	s.mu.Lock()
	if s.conn == nil {
		s.mu.Unlock()
		if err := s.Connect(); err != nil {
			return err
		}
		s.mu.Lock()
	}
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("already listening")
	}
	conn := s.conn
	done := make(chan struct{})
	loopDone := make(chan struct{})
	s.done = done
	s.loopDone = loopDone
	s.mu.Unlock()

	msgs := make(chan *dbus.Message, inboundBuffer)
	conn.Eavesdrop(msgs)
	s.state.Store(int32(StateListening))

	defer func() {
		conn.Eavesdrop(nil)
		s.mu.Lock()
		if s.done == done {
			s.done = nil
		}
		s.mu.Unlock()
		if s.State() != StateStopped {
			s.state.Store(int32(StateIdle))
		}
		close(loopDone)
	}()

	for {
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-conn.Context().Done():
			return fmt.Errorf("bus connection closed")
		case msg := <-msgs:
			s.state.Store(int32(StateProcessing))
			s.dispatch(ctx, conn, msg)
			if s.State() == StateProcessing {
				s.state.Store(int32(StateListening))
			}
		}
	}
}

// Stop shuts the server down: it terminates the dispatch loop, releases
// the claimed name, and closes the connection (if the server dialed it).
// Safe to call from any goroutine, idempotent, and a no-op before the
// first Connect/Listen.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.State() == StateStopped {
		s.mu.Unlock()
		return nil
	}
	conn := s.conn
	ownsConn := s.ownsConn
	name := s.name
	resolver := s.resolver
	done := s.done
	loopDone := s.loopDone
	s.conn = nil
	s.ownsConn = false
	s.name = ""
	s.resolver = nil
	s.loopDone = nil
	s.state.Store(int32(StateStopped))
	if done != nil {
		close(done)
	}
	s.mu.Unlock()

	// Wait for the loop to drop its Eavesdrop claim; name release needs
	// normal reply routing on the connection.
	if loopDone != nil {
		<-loopDone
	}

	if conn == nil {
		return nil
	}
	if name != "" {
		if _, err := conn.ReleaseName(name); err != nil {
			slog.Warn("release bus name failed", "name", name, "error", err)
		}
	}
	if resolver != nil {
		resolver.Close()
	}
	if ownsConn {
		if err := conn.Close(); err != nil {
			return fmt.Errorf("close bus connection: %w", err)
		}
	}
	return nil
}
