package server

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
)

// Call is a single incoming method call, as seen by a handler.
type Call struct {
	// ID is a unique correlation id attached to the call's log records.
	ID string
	// Sender is the unique bus name of the caller (e.g. ":1.42").
	Sender    string
	Path      dbus.ObjectPath
	Interface string
	Method    string
	// Serial of the originating message; replies are correlated to it.
	Serial uint32
	Args   []any
}

// Reply is what a handler produces: a D-Bus type signature and the matching
// values. An empty signature with no values is a valid empty reply.
type Reply struct {
	Signature string
	Body      []any
}

// HandlerFunc handles one method call. Returning a *dbus.Error preserves
// its error name on the wire; any other error is reported as
// org.freedesktop.DBus.Error.Failed with the error text as the message.
type HandlerFunc func(*Call) (Reply, error)

// Key identifies a registered method. An empty Interface is the default
// bucket: it matches calls carrying any interface (or none) for which no
// interface-qualified entry exists.
type Key struct {
	Path      dbus.ObjectPath
	Interface string
	Method    string
}

// HandlerEntry pairs a handler with its declared result signature. The
// signature is informational (used for introspection); the authoritative
// signature is the one the handler returns.
type HandlerEntry struct {
	Handler         HandlerFunc
	ResultSignature string
}

// Registry maps method keys to handlers. It is safe for concurrent use;
// handlers may be registered or replaced while the dispatch loop is
// running. Registering an existing key replaces the previous entry.
type Registry struct {
	mu      sync.RWMutex
	entries map[Key]HandlerEntry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[Key]HandlerEntry)}
}

// Set registers or replaces the entry for key.
func (r *Registry) Set(key Key, entry HandlerEntry) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if entry.Handler == nil {
		return fmt.Errorf("nil handler for %s %s", key.Path, key.Method)
	}
	if entry.ResultSignature != "" {
		if _, err := dbus.ParseSignature(entry.ResultSignature); err != nil {
			return fmt.Errorf("result signature for %s %s: %w", key.Path, key.Method, err)
		}
	}
	r.mu.Lock()
	r.entries[key] = entry
	r.mu.Unlock()
	return nil
}

// SetHandler registers h for (path, method) under the default interface
// bucket, replacing any previous handler for that pair.
func (r *Registry) SetHandler(path dbus.ObjectPath, method string, h HandlerFunc) error {
	return r.Set(Key{Path: path, Method: method}, HandlerEntry{Handler: h})
}

// SetInterfaceHandler registers h for the exact (path, iface, method) triple.
func (r *Registry) SetInterfaceHandler(path dbus.ObjectPath, iface, method string, h HandlerFunc) error {
	return r.Set(Key{Path: path, Interface: iface, Method: method}, HandlerEntry{Handler: h})
}

// Lookup finds the entry for a call. An interface-qualified entry wins;
// otherwise the default bucket for (path, method) answers, whatever
// interface the call named.
func (r *Registry) Lookup(path dbus.ObjectPath, iface, method string) (HandlerEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if iface != "" {
		if e, ok := r.entries[Key{Path: path, Interface: iface, Method: method}]; ok {
			return e, true
		}
	}
	e, ok := r.entries[Key{Path: path, Method: method}]
	return e, ok
}

// Remove deletes the entry for key. Removing a missing key is a no-op.
func (r *Registry) Remove(key Key) {
	r.mu.Lock()
	delete(r.entries, key)
	r.mu.Unlock()
}

// RemoveHandler removes the default-bucket entry for (path, method).
func (r *Registry) RemoveHandler(path dbus.ObjectPath, method string) {
	r.Remove(Key{Path: path, Method: method})
}

// Clear removes all entries.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.entries = make(map[Key]HandlerEntry)
	r.mu.Unlock()
}

// MethodInfo describes a registered method for introspection.
type MethodInfo struct {
	Name            string
	ResultSignature string
}

// MethodsAt returns the methods registered exactly at path, grouped by
// interface name (empty string for the default bucket). Method lists are
// sorted for stable introspection output.
func (r *Registry) MethodsAt(path dbus.ObjectPath) map[string][]MethodInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]MethodInfo)
	for key, entry := range r.entries {
		if key.Path != path {
			continue
		}
		out[key.Interface] = append(out[key.Interface], MethodInfo{
			Name:            key.Method,
			ResultSignature: entry.ResultSignature,
		})
	}
	for _, methods := range out {
		sort.Slice(methods, func(i, j int) bool { return methods[i].Name < methods[j].Name })
	}
	return out
}

// ChildrenOf returns the immediate child node names under path that have
// registrations somewhere below them, sorted and de-duplicated.
func (r *Registry) ChildrenOf(path dbus.ObjectPath) []string {
	prefix := string(path)
	if prefix != "/" {
		prefix += "/"
	}
	r.mu.RLock()
	seen := make(map[string]bool)
	for key := range r.entries {
		p := string(key.Path)
		if !strings.HasPrefix(p, prefix) || p == string(path) {
			continue
		}
		rest := p[len(prefix):]
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			rest = rest[:i]
		}
		if rest != "" {
			seen[rest] = true
		}
	}
	r.mu.RUnlock()
	children := make([]string, 0, len(seen))
	for name := range seen {
		children = append(children, name)
	}
	sort.Strings(children)
	return children
}

func validateKey(key Key) error {
	if !key.Path.IsValid() {
		return fmt.Errorf("invalid object path %q", key.Path)
	}
	if !isMemberName(key.Method) {
		return fmt.Errorf("invalid method name %q", key.Method)
	}
	if key.Interface != "" && !isInterfaceName(key.Interface) {
		return fmt.Errorf("invalid interface name %q", key.Interface)
	}
	return nil
}

// isMemberName reports whether s is a valid D-Bus member name:
// [A-Za-z_][A-Za-z0-9_]*, at most 255 bytes.
func isMemberName(s string) bool {
	if len(s) == 0 || len(s) > 255 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_':
		case c >= '0' && c <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// isInterfaceName reports whether s is a valid D-Bus interface name:
// two or more member-shaped elements joined by dots, at most 255 bytes.
func isInterfaceName(s string) bool {
	if len(s) == 0 || len(s) > 255 {
		return false
	}
	elements := strings.Split(s, ".")
	if len(elements) < 2 {
		return false
	}
	for _, e := range elements {
		if !isMemberName(e) {
			return false
		}
	}
	return true
}
