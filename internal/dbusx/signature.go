package dbusx

import (
	"fmt"
	"strconv"

	"github.com/godbus/dbus/v5"
)

// SplitSignature splits a D-Bus signature string into its top-level single
// complete types, e.g. "sa{sv}i" -> ["s", "a{sv}", "i"]. The signature is
// validated through the bus library first.
func SplitSignature(sig string) ([]string, error) {
	if _, err := dbus.ParseSignature(sig); err != nil {
		return nil, err
	}
	var types []string
	for i := 0; i < len(sig); {
		n, err := singleTypeLen(sig[i:])
		if err != nil {
			return nil, err
		}
		types = append(types, sig[i:i+n])
		i += n
	}
	return types, nil
}

// singleTypeLen returns the length of the first single complete type in s.
func singleTypeLen(s string) (int, error) {
	if len(s) == 0 {
		return 0, fmt.Errorf("empty signature")
	}
	switch s[0] {
	case 'y', 'b', 'n', 'q', 'i', 'u', 'x', 't', 'd', 'h', 's', 'o', 'g', 'v':
		return 1, nil
	case 'a':
		n, err := singleTypeLen(s[1:])
		if err != nil {
			return 0, err
		}
		return 1 + n, nil
	case '(':
		depth := 1
		for i := 1; i < len(s); i++ {
			switch s[i] {
			case '(':
				depth++
			case ')':
				depth--
				if depth == 0 {
					return i + 1, nil
				}
			}
		}
		return 0, fmt.Errorf("unterminated struct in %q", s)
	case '{':
		depth := 1
		for i := 1; i < len(s); i++ {
			switch s[i] {
			case '{':
				depth++
			case '}':
				depth--
				if depth == 0 {
					return i + 1, nil
				}
			}
		}
		return 0, fmt.Errorf("unterminated dict entry in %q", s)
	}
	return 0, fmt.Errorf("unknown type code %q", s[0])
}

// CoerceBody converts loosely typed values (as produced by YAML or command
// line parsing) into the exact Go types the bus marshaller requires for the
// given signature. Only basic type codes are supported; containers must be
// built programmatically.
func CoerceBody(sig string, values []any) ([]any, error) {
	types, err := SplitSignature(sig)
	if err != nil {
		return nil, err
	}
	if len(types) != len(values) {
		return nil, fmt.Errorf("signature %q describes %d values, got %d", sig, len(types), len(values))
	}
	out := make([]any, len(values))
	for i, typ := range types {
		v, err := coerceValue(typ, values[i])
		if err != nil {
			return nil, fmt.Errorf("value %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

func coerceValue(typ string, v any) (any, error) {
	switch typ {
	case "s":
		return fmt.Sprintf("%v", v), nil
	case "o":
		p := dbus.ObjectPath(fmt.Sprintf("%v", v))
		if !p.IsValid() {
			return nil, fmt.Errorf("invalid object path %q", p)
		}
		return p, nil
	case "g":
		s := fmt.Sprintf("%v", v)
		parsed, err := dbus.ParseSignature(s)
		if err != nil {
			return nil, err
		}
		return parsed, nil
	case "b":
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			parsed, err := strconv.ParseBool(b)
			if err != nil {
				return nil, fmt.Errorf("invalid boolean %q", b)
			}
			return parsed, nil
		}
		return nil, fmt.Errorf("cannot convert %T to boolean", v)
	case "y":
		n, err := coerceInt(v)
		if err != nil {
			return nil, err
		}
		return byte(n), nil
	case "n":
		n, err := coerceInt(v)
		if err != nil {
			return nil, err
		}
		return int16(n), nil
	case "q":
		n, err := coerceInt(v)
		if err != nil {
			return nil, err
		}
		return uint16(n), nil
	case "i":
		n, err := coerceInt(v)
		if err != nil {
			return nil, err
		}
		return int32(n), nil
	case "u":
		n, err := coerceInt(v)
		if err != nil {
			return nil, err
		}
		return uint32(n), nil
	case "x":
		n, err := coerceInt(v)
		if err != nil {
			return nil, err
		}
		return n, nil
	case "t":
		n, err := coerceInt(v)
		if err != nil {
			return nil, err
		}
		return uint64(n), nil
	case "d":
		switch f := v.(type) {
		case float64:
			return f, nil
		case float32:
			return float64(f), nil
		case int:
			return float64(f), nil
		case string:
			parsed, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid float %q", f)
			}
			return parsed, nil
		}
		return nil, fmt.Errorf("cannot convert %T to double", v)
	}
	return nil, fmt.Errorf("unsupported type code %q (only basic types can be declared)", typ)
}

func coerceInt(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint64:
		return int64(n), nil
	case float64:
		// YAML hands over whole numbers as int, but JSON-ish sources use float64.
		if n != float64(int64(n)) {
			return 0, fmt.Errorf("%v is not an integer", n)
		}
		return int64(n), nil
	case string:
		parsed, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid integer %q", n)
		}
		return parsed, nil
	}
	return 0, fmt.Errorf("cannot convert %T to integer", v)
}
