package concentrator

import "fmt"

// escapeName renders the configured escape byte the way the status
// report describes it to a human: the four conventional control names
// for 0x1c-0x1f, Control-<letter> for 0x01-0x1a, or UNKNOWN otherwise.
func escapeName(b byte) string {
	switch b {
	case 0x1c:
		return "Control-\\"
	case 0x1d:
		return "Control-]"
	case 0x1e:
		return "Control-^"
	case 0x1f:
		return "Control-_"
	}
	if b >= 0x01 && b <= 0x1a {
		return fmt.Sprintf("Control-%c", b+0x40)
	}
	return "UNKNOWN"
}

// ValidEscapeByte reports whether b can be rendered as a Control-X name,
// per the invariant that the escape byte is restricted to 0x01-0x1a or
// 0x1c-0x1f (enforced at configuration parse time, not at print time).
func ValidEscapeByte(b byte) bool {
	return (b >= 0x01 && b <= 0x1a) || (b >= 0x1c && b <= 0x1f)
}
