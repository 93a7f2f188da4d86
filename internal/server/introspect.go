package server

import (
	"fmt"
	"sort"
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/nikicat/dbus-objects/internal/dbusx"
)

const introspectHeader = `<!DOCTYPE node PUBLIC "-//freedesktop//DTD D-BUS Object Introspection 1.0//EN"
 "http://www.freedesktop.org/standards/dbus/1.0/introspect.dtd">`

// introspect renders the introspection document for path from registry
// content: one interface element per registered interface, method elements
// with out args where the result signature was declared, and node stubs
// for child paths. Default-bucket methods (registered without an
// interface) are listed directly under the node. Without this, busctl
// introspect gives opaque errors against the service.
func (s *Server) introspect(path dbus.ObjectPath) string {
	var b strings.Builder
	b.WriteString(introspectHeader)
	b.WriteString("\n<node>\n")

	methods := s.registry.MethodsAt(path)

	// Stable order: default bucket first, then named interfaces sorted.
	if defaults, ok := methods[""]; ok {
		for _, m := range defaults {
			writeMethod(&b, " ", m)
		}
	}
	for _, iface := range sortedInterfaces(methods) {
		fmt.Fprintf(&b, " <interface name=%q>\n", iface)
		for _, m := range methods[iface] {
			writeMethod(&b, "  ", m)
		}
		b.WriteString(" </interface>\n")
	}

	fmt.Fprintf(&b, " <interface name=%q>\n", dbusx.IntrospectableInterface)
	b.WriteString("  <method name=\"Introspect\">\n")
	b.WriteString("   <arg name=\"data\" type=\"s\" direction=\"out\"/>\n")
	b.WriteString("  </method>\n")
	b.WriteString(" </interface>\n")

	for _, child := range s.registry.ChildrenOf(path) {
		fmt.Fprintf(&b, " <node name=%q/>\n", child)
	}

	b.WriteString("</node>\n")
	return b.String()
}

func writeMethod(b *strings.Builder, indent string, m MethodInfo) {
	if m.ResultSignature == "" {
		fmt.Fprintf(b, "%s<method name=%q/>\n", indent, m.Name)
		return
	}
	types, err := dbusx.SplitSignature(m.ResultSignature)
	if err != nil {
		// Declared signature was validated at registration; treat a
		// split failure as opaque.
		types = []string{m.ResultSignature}
	}
	fmt.Fprintf(b, "%s<method name=%q>\n", indent, m.Name)
	for _, typ := range types {
		fmt.Fprintf(b, "%s <arg type=%q direction=\"out\"/>\n", indent, typ)
	}
	fmt.Fprintf(b, "%s</method>\n", indent)
}

func sortedInterfaces(methods map[string][]MethodInfo) []string {
	names := make([]string, 0, len(methods))
	for name := range methods {
		if name != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
