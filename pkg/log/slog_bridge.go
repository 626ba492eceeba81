package log

import (
	"context"
	"log/slog"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

// levelFatal sits above slog.LevelError so Fatal survives the round trip.
const levelFatal = slog.LevelError + 4

var slogLevels = [...]slog.Level{
	DebugLevel: slog.LevelDebug,
	InfoLevel:  slog.LevelInfo,
	WarnLevel:  slog.LevelWarn,
	ErrorLevel: slog.LevelError,
	FatalLevel: levelFatal,
}

func toSlogLevel(level Level) slog.Level {
	if level < DebugLevel || int(level) >= len(slogLevels) {
		return slog.LevelInfo
	}
	return slogLevels[level]
}

// fromSlogLevel rounds down to the nearest facade level.
func fromSlogLevel(level slog.Level) Level {
	for l := FatalLevel; l > DebugLevel; l-- {
		if level >= slogLevels[l] {
			return l
		}
	}
	return DebugLevel
}

const redacted = "[REDACTED]"

// bridgeHandler is the slog.Handler behind every BaseLogger. Records from
// the facade and from slog callers alike become an Entry, pass through the
// logger's formatter and fan out to its outputs.
type bridgeHandler struct {
	logger  *BaseLogger
	attrs   []slog.Attr // pre-qualified with the groups open at the time
	groups  []string
	redact  map[string]struct{}
	sampler *sampler
}

func newBridgeHandler(logger *BaseLogger) *bridgeHandler {
	return &bridgeHandler{logger: logger}
}

func (h *bridgeHandler) Enabled(_ context.Context, level slog.Level) bool {
	return fromSlogLevel(level) >= h.logger.level.get()
}

func (h *bridgeHandler) Handle(ctx context.Context, r slog.Record) error {
	if !h.Enabled(ctx, r.Level) {
		return nil
	}
	if h.sampler != nil && !h.sampler.allow(r.Level, r.Message) {
		return nil
	}
	fields := make(Fields, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		h.put(fields, "", a)
	}
	prefix := h.prefix()
	r.Attrs(func(a slog.Attr) bool {
		h.put(fields, prefix, a)
		return true
	})
	entry := &Entry{
		Level:     fromSlogLevel(r.Level),
		Message:   r.Message,
		Fields:    fields,
		Timestamp: r.Time,
		Caller:    callerOf(r.PC),
	}
	formatted, err := h.logger.formatter.Format(entry)
	if err != nil {
		return err
	}
	for _, out := range h.logger.outputs {
		_ = out.Write(entry, formatted)
	}
	return nil
}

// put stores a under prefix, flattening nested groups into dotted keys.
func (h *bridgeHandler) put(fields Fields, prefix string, a slog.Attr) {
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		sub := prefix
		if a.Key != "" {
			sub = prefix + a.Key + "."
		}
		for _, ga := range v.Group() {
			h.put(fields, sub, ga)
		}
		return
	}
	if a.Key == "" {
		return
	}
	key := prefix + a.Key
	if h.redacts(key) {
		fields[key] = redacted
		return
	}
	val := v.Any()
	if err, ok := val.(error); ok {
		val = err.Error()
	}
	fields[key] = val
}

// redacts reports whether key, or its last dotted segment, is redacted.
func (h *bridgeHandler) redacts(key string) bool {
	if len(h.redact) == 0 {
		return false
	}
	if _, ok := h.redact[key]; ok {
		return true
	}
	_, ok := h.redact[key[strings.LastIndexByte(key, '.')+1:]]
	return ok
}

func (h *bridgeHandler) prefix() string {
	if len(h.groups) == 0 {
		return ""
	}
	return strings.Join(h.groups, ".") + "."
}

func (h *bridgeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	nh := *h
	nh.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	nh.attrs = append(nh.attrs, h.attrs...)
	prefix := h.prefix()
	for _, a := range attrs {
		nh.attrs = append(nh.attrs, slog.Attr{Key: prefix + a.Key, Value: a.Value})
	}
	return &nh
}

func (h *bridgeHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	nh := *h
	nh.groups = append(append([]string(nil), h.groups...), name)
	return &nh
}

func (h *bridgeHandler) withRedactions(keys []string) *bridgeHandler {
	if len(keys) == 0 {
		return h
	}
	nh := *h
	nh.redact = make(map[string]struct{}, len(keys))
	for _, k := range keys {
		nh.redact[k] = struct{}{}
	}
	return &nh
}

// withSampler keeps the first initial records per level and message in
// every tick, then one in every thereafter. A zero tick never resets.
func (h *bridgeHandler) withSampler(initial, thereafter int, tick time.Duration) *bridgeHandler {
	if thereafter <= 0 {
		return h
	}
	nh := *h
	nh.sampler = newSampler(initial, thereafter, tick)
	return &nh
}

func callerOf(pc uintptr) string {
	if pc == 0 {
		return ""
	}
	f, _ := runtime.CallersFrames([]uintptr{pc}).Next()
	if f.File == "" {
		return ""
	}
	return f.File + ":" + strconv.Itoa(f.Line)
}

type sampleKey struct {
	level slog.Level
	msg   string
}

type sampler struct {
	mu         sync.Mutex
	initial    uint64
	thereafter uint64
	tick       time.Duration
	now        func() time.Time
	window     time.Time
	counts     map[sampleKey]uint64
}

func newSampler(initial, thereafter int, tick time.Duration) *sampler {
	return &sampler{
		initial:    uint64(max(initial, 0)),
		thereafter: uint64(max(thereafter, 1)),
		tick:       tick,
		now:        time.Now,
		counts:     make(map[sampleKey]uint64),
	}
}

func (s *sampler) allow(level slog.Level, msg string) bool {
	s.mu.Lock()
	if s.tick > 0 {
		if now := s.now(); now.Sub(s.window) >= s.tick {
			s.window = now
			clear(s.counts)
		}
	}
	k := sampleKey{level, msg}
	n := s.counts[k]
	s.counts[k] = n + 1
	s.mu.Unlock()
	if n < s.initial {
		return true
	}
	return (n-s.initial)%s.thereafter == 0
}

func attrsFromMap(m Fields) []slog.Attr {
	attrs := make([]slog.Attr, 0, len(m))
	for k, v := range m {
		attrs = append(attrs, slog.Any(k, v))
	}
	return attrs
}

func attrsFromFieldSlice(fields []Field) []slog.Attr {
	attrs := make([]slog.Attr, len(fields))
	for i, f := range fields {
		attrs[i] = slog.Any(f.Key, f.Value)
	}
	return attrs
}

func attrsToAny(attrs []slog.Attr) []any {
	args := make([]any, len(attrs))
	for i, a := range attrs {
		args[i] = a
	}
	return args
}
