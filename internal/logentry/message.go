package logentry

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// MessageText converts an arbitrary message value into the text sent to the
// collector. Structured values (maps, structs, slices) are JSON encoded;
// everything else uses its textual form. Blank results become EmptyMessage.
func MessageText(message any) string {
	var text string
	switch m := message.(type) {
	case nil:
		text = ""
	case string:
		text = m
	case []byte:
		text = string(m)
	case json.RawMessage:
		text = string(m)
	case error:
		text = m.Error()
	case fmt.Stringer:
		text = m.String()
	default:
		text = structuredText(message)
	}
	if strings.TrimSpace(text) == "" {
		return EmptyMessage
	}
	return text
}

func structuredText(v any) string {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return ""
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Map, reflect.Struct, reflect.Slice, reflect.Array:
		b, err := json.Marshal(v)
		if err == nil {
			return string(b)
		}
	}
	return fmt.Sprint(v)
}

// Category returns c, or DefaultCategory when c is blank.
func Category(c string) string {
	if strings.TrimSpace(c) == "" {
		return DefaultCategory
	}
	return c
}
