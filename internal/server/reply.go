package server

import (
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/nikicat/dbus-objects/internal/dbusx"
)

// methodReturn builds a method-return envelope answering call, carrying
// the handler's declared signature and values.
func methodReturn(call *dbus.Message, r Reply) (*dbus.Message, error) {
	if r.Signature == "" && len(r.Body) > 0 {
		return nil, fmt.Errorf("reply carries %d values but no signature", len(r.Body))
	}
	var sig dbus.Signature
	if r.Signature != "" {
		parsed, err := dbus.ParseSignature(r.Signature)
		if err != nil {
			return nil, err
		}
		sig = parsed
	}

	reply := &dbus.Message{
		Type:    dbus.TypeMethodReply,
		Headers: make(map[dbus.HeaderField]dbus.Variant),
	}
	reply.Headers[dbus.FieldReplySerial] = dbus.MakeVariant(call.Serial())
	if sender, ok := call.Headers[dbus.FieldSender]; ok {
		reply.Headers[dbus.FieldDestination] = sender
	}
	if len(r.Body) > 0 {
		reply.Headers[dbus.FieldSignature] = dbus.MakeVariant(sig)
		reply.Body = r.Body
	}
	return reply, nil
}

// errorMessage builds an error envelope answering call. A handler can hand
// us a *dbus.Error whose body the marshaller cannot represent; that must
// not take the dispatch loop down, so such a body is replaced with a
// Failed reply naming the original error.
func errorMessage(call *dbus.Message, derr *dbus.Error) *dbus.Message {
	name := derr.Name
	body := derr.Body
	sig, ok := signatureOfBody(body)
	if !ok {
		name = dbusx.ErrFailed
		body = []any{"error " + derr.Name + " carried an unmarshalable body"}
		sig = dbus.SignatureOf(body...)
	}

	reply := &dbus.Message{
		Type:    dbus.TypeError,
		Headers: make(map[dbus.HeaderField]dbus.Variant),
		Body:    body,
	}
	reply.Headers[dbus.FieldReplySerial] = dbus.MakeVariant(call.Serial())
	reply.Headers[dbus.FieldErrorName] = dbus.MakeVariant(name)
	if sender, ok := call.Headers[dbus.FieldSender]; ok {
		reply.Headers[dbus.FieldDestination] = sender
	}
	if len(body) > 0 {
		reply.Headers[dbus.FieldSignature] = dbus.MakeVariant(sig)
	}
	return reply
}

// signatureOfBody computes the body's wire signature. SignatureOf panics
// on types it cannot marshal, so the panic is converted into ok=false.
func signatureOfBody(body []any) (sig dbus.Signature, ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	if len(body) == 0 {
		return dbus.Signature{}, true
	}
	return dbus.SignatureOf(body...), true
}

// reply sends a success reply for msg. A reply with a signature the bus
// library rejects is turned into an InvalidSignature error reply; the
// handler already ran, so its side effects stand.
func (s *Server) reply(conn *dbus.Conn, msg *dbus.Message, r Reply, attrs map[string]any) {
	if msg.Flags&dbus.FlagNoReplyExpected != 0 {
		return
	}
	out, err := methodReturn(msg, r)
	if err != nil {
		s.logger.Warn("handler produced unusable reply",
			"signature", r.Signature, "error", err, "call_id", attrs["call_id"])
		s.replyError(conn, msg, dbusx.InvalidSignature(r.Signature, err.Error()))
		return
	}
	conn.Send(out, nil)
}

// replyError sends an error reply for msg.
func (s *Server) replyError(conn *dbus.Conn, msg *dbus.Message, derr *dbus.Error) {
	if msg.Flags&dbus.FlagNoReplyExpected != 0 {
		return
	}
	conn.Send(errorMessage(msg, derr), nil)
}
