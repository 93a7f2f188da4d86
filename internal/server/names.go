package server

import (
	"fmt"

	"github.com/godbus/dbus/v5"
)

// RequestName claims a well-known name on the bus. It never queues: if
// another peer owns the name, it fails with ErrNameInUse and the claimed
// state is left untouched. At most one name is held at a time; claiming a
// second one requires an intervening ReleaseName. There is no retry here;
// the caller decides whether to retry, pick another name, or abort.
func (s *Server) RequestName(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ErrNotConnected
	}
	if s.name != "" {
		return fmt.Errorf("name %q already held; release it first", s.name)
	}
	if s.done != nil {
		// The dispatch loop owns inbound traffic while listening, so the
		// RequestName reply would never arrive.
		return fmt.Errorf("cannot request a name while listening")
	}

	reply, err := s.conn.RequestName(name, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("request bus name %q: %w", name, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("%w: %s (reply=%d)", ErrNameInUse, name, reply)
	}
	s.name = name
	return nil
}

// ReleaseName gives up the claimed name. Releasing when no name is held
// is a no-op.
func (s *Server) ReleaseName() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.name == "" {
		return nil
	}
	if s.conn == nil {
		s.name = ""
		return nil
	}
	if s.done != nil {
		return fmt.Errorf("cannot release a name while listening")
	}
	if _, err := s.conn.ReleaseName(s.name); err != nil {
		return fmt.Errorf("release bus name %q: %w", s.name, err)
	}
	s.name = ""
	return nil
}
