package server

import (
	"context"
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	"github.com/nikicat/dbus-objects/internal/dbusx"
)

// dispatch classifies one inbound message and acts on it. Only method
// calls are handled; signals, replies and anything else are ignored.
// Nothing that happens in here terminates the loop: per-call failures
// become error replies addressed to the caller.
func (s *Server) dispatch(ctx context.Context, conn *dbus.Conn, msg *dbus.Message) {
	if msg == nil || msg.Type != dbus.TypeMethodCall {
		return
	}

	call, err := callFromMessage(msg)
	if err != nil {
		// Malformed envelope: log and keep serving.
		s.logger.Warn("dropping malformed method call", "error", err)
		return
	}

	start := time.Now()
	attrs := s.callAttrs(call)

	if call.Interface == dbusx.IntrospectableInterface && call.Method == "Introspect" {
		reply := Reply{Signature: "s", Body: []any{s.introspect(call.Path)}}
		s.reply(conn, msg, reply, attrs)
		s.logger.LogCall(ctx, call.Method, attrs, "ok", nil)
		return
	}

	entry, ok := s.registry.Lookup(call.Path, call.Interface, call.Method)
	if !ok {
		s.replyError(conn, msg, dbusx.UnknownMethod(call.Path, call.Method))
		s.logger.LogCall(ctx, call.Method, attrs, "unknown_method", nil)
		return
	}

	reply, herr := invokeHandler(entry.Handler, call)
	elapsed := time.Since(start)
	attrs["duration_ms"] = elapsed.Milliseconds()
	if s.cfg.SlowCallWarning > 0 && elapsed > s.cfg.SlowCallWarning {
		s.logger.Warn("slow handler",
			"call_id", call.ID, "path", string(call.Path),
			"method", call.Method, "duration", elapsed)
	}

	if herr != nil {
		s.replyError(conn, msg, toBusError(herr))
		s.logger.LogCall(ctx, call.Method, attrs, "error", herr)
		return
	}

	s.reply(conn, msg, reply, attrs)
	s.logger.LogCall(ctx, call.Method, attrs, "ok", nil)
}

// callFromMessage builds an IncomingCall view of a method-call envelope.
func callFromMessage(msg *dbus.Message) (*Call, error) {
	pathVar, ok := msg.Headers[dbus.FieldPath]
	if !ok {
		return nil, fmt.Errorf("method call without path header")
	}
	path, ok := pathVar.Value().(dbus.ObjectPath)
	if !ok {
		return nil, fmt.Errorf("path header is not an object path")
	}
	memberVar, ok := msg.Headers[dbus.FieldMember]
	if !ok {
		return nil, fmt.Errorf("method call without member header")
	}
	member, ok := memberVar.Value().(string)
	if !ok || member == "" {
		return nil, fmt.Errorf("member header is not a string")
	}

	call := &Call{
		ID:     uuid.NewString(),
		Path:   path,
		Method: member,
		Serial: msg.Serial(),
		Args:   msg.Body,
	}
	if v, ok := msg.Headers[dbus.FieldInterface]; ok {
		call.Interface, _ = v.Value().(string)
	}
	if v, ok := msg.Headers[dbus.FieldSender]; ok {
		call.Sender, _ = v.Value().(string)
	}
	return call, nil
}

// invokeHandler runs a handler, converting a panic into an ordinary error
// so one misbehaving handler cannot take the dispatch loop down.
func invokeHandler(h HandlerFunc, call *Call) (reply Reply, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return h(call)
}

// toBusError maps a handler error onto a wire error. A *dbus.Error keeps
// its name; everything else becomes a generic Failed.
func toBusError(err error) *dbus.Error {
	if derr, ok := err.(*dbus.Error); ok {
		return derr
	}
	return dbusx.NewError(dbusx.ErrFailed, err.Error())
}

func (s *Server) callAttrs(call *Call) map[string]any {
	attrs := map[string]any{
		"call_id": call.ID,
		"sender":  call.Sender,
		"path":    string(call.Path),
	}
	if call.Interface != "" {
		attrs["interface"] = call.Interface
	}
	if s.resolver != nil && call.Sender != "" {
		info := s.resolver.Resolve(call.Sender)
		if info.PID != 0 {
			attrs["sender_pid"] = info.PID
		}
		if info.UID != 0 {
			attrs["sender_uid"] = info.UID
		}
		if info.Process != "" {
			attrs["sender_process"] = info.Process
		}
	}
	return attrs
}
