package log

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

const timestampFormat = "2006-01-02T15:04:05.000Z07:00"

// TextFormatter renders entries as a single human-readable line:
//
//	2026-01-02T15:04:05.000Z INFO  [runtime] marking started threads=4
type TextFormatter struct {
	DisableTimestamp bool
	ShowCaller       bool
}

func (f *TextFormatter) Format(e *Entry) ([]byte, error) {
	var b bytes.Buffer
	if !f.DisableTimestamp {
		b.WriteString(e.Timestamp.Format(timestampFormat))
		b.WriteByte(' ')
	}
	fmt.Fprintf(&b, "%-5s ", e.Level)
	if c, ok := e.Fields[string(ComponentKey)]; ok {
		fmt.Fprintf(&b, "[%v] ", c)
	}
	b.WriteString(e.Message)
	for _, k := range sortedKeys(e.Fields) {
		if k == string(ComponentKey) {
			continue
		}
		b.WriteByte(' ')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(textValue(e.Fields[k]))
	}
	if f.ShowCaller && e.Caller != "" {
		b.WriteString(" caller=")
		b.WriteString(e.Caller)
	}
	b.WriteByte('\n')
	return b.Bytes(), nil
}

func textValue(v interface{}) string {
	var s string
	switch x := v.(type) {
	case string:
		s = x
	case time.Duration:
		s = x.String()
	case nil:
		return "<nil>"
	default:
		s = fmt.Sprint(x)
	}
	if s == "" || strings.ContainsAny(s, " \t\n\"=") {
		return strconv.Quote(s)
	}
	return s
}

// JSONFormatter renders entries as one JSON object per line. Fields share
// the top-level object with time, level, msg and caller; a field using one
// of those names is prefixed with "fields.".
type JSONFormatter struct {
	DisableCaller bool
}

func (f *JSONFormatter) Format(e *Entry) ([]byte, error) {
	obj := make(map[string]interface{}, len(e.Fields)+4)
	for k, v := range e.Fields {
		switch k {
		case "time", "level", "msg", "caller":
			obj["fields."+k] = v
		default:
			obj[k] = v
		}
	}
	obj["time"] = e.Timestamp.Format(timestampFormat)
	obj["level"] = e.Level.String()
	obj["msg"] = e.Message
	if !f.DisableCaller && e.Caller != "" {
		obj["caller"] = e.Caller
	}
	b, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("log: format entry: %w", err)
	}
	return append(b, '\n'), nil
}

func sortedKeys(m Fields) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
