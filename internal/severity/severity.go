// Package severity defines the ordered severity levels understood by the
// ingestion endpoint and the mapping from external numeric levels.
package severity

import (
	"fmt"
	"strings"
)

// Severity is the collector's log level. Values are part of the wire format.
type Severity int

const (
	Debug    Severity = 1
	Verbose  Severity = 2
	Info     Severity = 3
	Warning  Severity = 4
	Error    Severity = 5
	Critical Severity = 6
)

var names = map[Severity]string{
	Debug:    "DEBUG",
	Verbose:  "VERBOSE",
	Info:     "INFO",
	Warning:  "WARNING",
	Error:    "ERROR",
	Critical: "CRITICAL",
}

// String returns the upper-case name of the severity.
func (s Severity) String() string {
	if n, ok := names[s]; ok {
		return n
	}
	return fmt.Sprintf("Severity(%d)", int(s))
}

// Valid reports whether s is inside the DEBUG..CRITICAL range.
func (s Severity) Valid() bool {
	return s >= Debug && s <= Critical
}

// Normalize clamps out-of-range values to Debug.
func (s Severity) Normalize() Severity {
	if !s.Valid() {
		return Debug
	}
	return s
}

// Coerce converts a loosely typed value into a Severity. Integer kinds are
// normalized; anything else falls back to Debug.
func Coerce(v any) Severity {
	switch n := v.(type) {
	case Severity:
		return n.Normalize()
	case int:
		return Severity(n).Normalize()
	case int8:
		return Severity(n).Normalize()
	case int16:
		return Severity(n).Normalize()
	case int32:
		return Severity(n).Normalize()
	case int64:
		if n < int64(Debug) || n > int64(Critical) {
			return Debug
		}
		return Severity(n)
	case uint:
		if n > uint(Critical) {
			return Debug
		}
		return Severity(n).Normalize()
	case uint8:
		return Severity(n).Normalize()
	case uint16:
		return Severity(n).Normalize()
	case uint32:
		if n > uint32(Critical) {
			return Debug
		}
		return Severity(n).Normalize()
	default:
		return Debug
	}
}

// UnknownSeverityError is returned by Parse for names that are not a severity.
type UnknownSeverityError struct {
	Name string
}

func (e *UnknownSeverityError) Error() string {
	return fmt.Sprintf("invalid severity name %q", e.Name)
}

// Parse looks up a severity by its name, case-insensitively.
func Parse(name string) (Severity, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	for s, n := range names {
		if n == upper {
			return s, nil
		}
	}
	return 0, &UnknownSeverityError{Name: name}
}

// All returns every severity in ascending order.
func All() []Severity {
	return []Severity{Debug, Verbose, Info, Warning, Error, Critical}
}
