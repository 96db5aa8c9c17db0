package severity

// Mapper translates external numeric levels (0, 10, 20, ... as used by most
// host logging frameworks) into severities using a fixed threshold table.
type Mapper struct {
	table    map[int]Severity
	fallback Severity
}

// DefaultTable is the threshold table used by DefaultMapper.
func DefaultTable() map[int]Severity {
	return map[int]Severity{
		0:  Debug,
		10: Debug,
		20: Info,
		30: Warning,
		40: Error,
		50: Critical,
	}
}

// NewMapper builds a Mapper from a table and the severity returned for
// levels missing from it. The table is copied.
func NewMapper(table map[int]Severity, fallback Severity) *Mapper {
	t := make(map[int]Severity, len(table))
	for k, v := range table {
		t[k] = v
	}
	return &Mapper{table: t, fallback: fallback}
}

// DefaultMapper returns a Mapper over DefaultTable falling back to Info.
func DefaultMapper() *Mapper {
	return NewMapper(DefaultTable(), Info)
}

// Map returns the severity for an external level. Unmapped levels yield
// the fallback; mapped values outside the valid range clamp to Debug.
func (m *Mapper) Map(level int) Severity {
	if s, ok := m.table[level]; ok {
		return s.Normalize()
	}
	return m.fallback
}
