// Package logentry holds the log line and batch types shared by the buffer
// and the sender, and their JSON encodings.
package logentry

import (
	"encoding/json"
	"strings"

	"github.com/sofatutor/logshipper/internal/severity"
)

const (
	// EmptyMessage replaces empty or whitespace-only messages.
	EmptyMessage = "EMPTY_STRING"
	// DefaultCategory is used when a caller passes a blank category.
	DefaultCategory = "CORALOGIX"
	// NoPrivateKey, NoAppName and NoSubsystem are the identity fallbacks.
	NoPrivateKey = "no private key"
	NoAppName    = "NO_APP_NAME"
	NoSubsystem  = "NO_SUB_NAME"
)

// Reserved JSON keys of a log line. Extra fields never overwrite them.
const (
	KeyText      = "text"
	KeyTimestamp = "timestamp"
	KeySeverity  = "severity"
	KeyCategory  = "category"
)

// Identity keys merged into each wire entry.
const (
	KeyApplicationName = "applicationName"
	KeySubsystemName   = "subsystemName"
	KeyComputerName    = "computerName"
)

// LogLine is one accepted log record. It is not modified after it has been
// handed to the buffer.
type LogLine struct {
	Text            string
	TimestampMillis float64
	Severity        severity.Severity
	Category        string
	Fields          map[string]any
}

func (l LogLine) fields(extra int) map[string]any {
	m := make(map[string]any, len(l.Fields)+4+extra)
	for k, v := range l.Fields {
		m[k] = v
	}
	m[KeyText] = l.Text
	m[KeyTimestamp] = l.TimestampMillis
	m[KeySeverity] = int(l.Severity)
	m[KeyCategory] = l.Category
	return m
}

// MarshalJSON encodes the line as one flat object: the four core keys plus
// any extra fields.
func (l LogLine) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.fields(0))
}

// Identity is the sender identity stamped on every batch.
type Identity struct {
	PrivateKey      string
	ApplicationName string
	SubsystemName   string
	ComputerName    string
	Region          string
}

// WithDefaults replaces blank identity values with their fallbacks.
func (id Identity) WithDefaults() Identity {
	id.PrivateKey = orDefault(id.PrivateKey, NoPrivateKey)
	id.ApplicationName = orDefault(id.ApplicationName, NoAppName)
	id.SubsystemName = orDefault(id.SubsystemName, NoSubsystem)
	id.ComputerName = strings.TrimSpace(id.ComputerName)
	return id
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

// Bulk is a batch cut from the buffer together with the identity it is sent
// under.
type Bulk struct {
	Identity Identity
	Entries  []LogLine
}

// Len returns the number of entries in the bulk.
func (b *Bulk) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Entries)
}

// WireEntries builds the request body objects: every line with the
// application, subsystem and computer names merged in.
func (b *Bulk) WireEntries() []map[string]any {
	out := make([]map[string]any, 0, len(b.Entries))
	for _, l := range b.Entries {
		m := l.fields(3)
		m[KeyApplicationName] = b.Identity.ApplicationName
		m[KeySubsystemName] = b.Identity.SubsystemName
		if b.Identity.ComputerName != "" {
			m[KeyComputerName] = b.Identity.ComputerName
		}
		out = append(out, m)
	}
	return out
}

// MarshalWire encodes the bulk as the JSON array expected by the ingestion
// endpoint.
func (b *Bulk) MarshalWire() ([]byte, error) {
	return json.Marshal(b.WireEntries())
}
