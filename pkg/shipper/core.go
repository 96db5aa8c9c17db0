package shipper

import (
	"context"

	"go.uber.org/zap/zapcore"

	"github.com/sofatutor/logshipper/internal/severity"
)

// Field names added by the zap adapter.
const (
	FieldClassName  = "className"
	FieldMethodName = "methodName"
)

// Core returns a zapcore.Core that ships zap entries through m. The logger
// name becomes className, the caller function methodName, and structured
// fields are sent as extra fields. A blank category uses the default one.
//
//	logger := zap.New(m.Core("payments", zapcore.InfoLevel), zap.AddCaller())
func (m *Manager) Core(category string, enab zapcore.LevelEnabler) zapcore.Core {
	return &shipperCore{LevelEnabler: enab, m: m, category: category}
}

type shipperCore struct {
	zapcore.LevelEnabler
	m        *Manager
	category string
	fields   []zapcore.Field
}

func (c *shipperCore) With(fields []zapcore.Field) zapcore.Core {
	clone := *c
	clone.fields = make([]zapcore.Field, 0, len(c.fields)+len(fields))
	clone.fields = append(clone.fields, c.fields...)
	clone.fields = append(clone.fields, fields...)
	return &clone
}

func (c *shipperCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *shipperCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range c.fields {
		f.AddTo(enc)
	}
	for _, f := range fields {
		f.AddTo(enc)
	}

	extra := enc.Fields
	extra[FieldClassName] = ent.LoggerName
	if ent.Caller.Defined {
		extra[FieldMethodName] = ent.Caller.Function
	} else {
		extra[FieldMethodName] = ""
	}

	c.m.Log(zapSeverity(ent.Level), ent.Message, c.category, extra)
	return nil
}

// Sync flushes the buffer synchronously.
func (c *shipperCore) Sync() error {
	c.m.Flush(context.Background())
	return nil
}

func zapSeverity(l zapcore.Level) severity.Severity {
	switch {
	case l < zapcore.InfoLevel:
		return severity.Debug
	case l == zapcore.InfoLevel:
		return severity.Info
	case l == zapcore.WarnLevel:
		return severity.Warning
	case l == zapcore.ErrorLevel:
		return severity.Error
	default:
		return severity.Critical
	}
}
