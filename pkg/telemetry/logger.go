package telemetry

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

const (
	MaxFields     = 64
	MaxKeyLen     = 64
	MaxValLen     = 512
	MaxMessageLen = 1024
	MaxServiceLen = 64

	// Bound conflict reporting
	MaxConflictKeys = 8

	// Deterministic value encoding bound (before sanitize truncation)
	MaxDeterministicJSONBytes = 2048
)

// Field is a deterministic key/value field representation.
type Field struct {
	K string `json:"k"`
	V string `json:"v"`
}

// Event is a single log record (JSON line).
type Event struct {
	Ts      string  `json:"ts"`
	Level   Level   `json:"level"`
	Service string  `json:"service,omitempty"`
	Msg     string  `json:"msg"`
	Fields  []Field `json:"fields,omitempty"`
}

// Options configures the logger.
type Options struct {
	Service string
	Level   Level
	// Timestamp controls whether Ts is populated. NewLogger sets it to true
	// whatever the caller passes, so every logger it builds stamps events.
	Timestamp bool
}

// Logger is a structured JSON-lines logger (stdlib-only), used across the
// CoverDrop services the way the teacher's own services log: one line of
// JSON per event, deterministic field ordering, request/trace enrichment
// pulled from context rather than threaded through every call site.
type Logger struct {
	w   io.Writer
	mu  sync.Mutex
	opt Options
}

// Nop is a safe no-op logger.
var Nop = &Logger{w: io.Discard, opt: Options{Timestamp: true, Level: LevelError}}

// NewLogger creates a logger writing JSON lines to w.
func NewLogger(w io.Writer, opt Options) *Logger {
	if w == nil {
		w = os.Stdout
	}
	opt.Service = strings.TrimSpace(opt.Service)
	if len(opt.Service) > MaxServiceLen {
		opt.Service = opt.Service[:MaxServiceLen]
	}
	if opt.Level == "" {
		opt.Level = LevelInfo
	}
	opt.Timestamp = true
	return &Logger{w: w, opt: opt}
}

// NewDefaultLogger returns an info-level logger with timestamps enabled.
func NewDefaultLogger(w io.Writer, service string) *Logger {
	return NewLogger(w, Options{Service: service, Level: LevelInfo, Timestamp: true})
}

// NewInfoLogger is an alias of NewDefaultLogger (clarity).
func NewInfoLogger(w io.Writer, service string) *Logger {
	return NewDefaultLogger(w, service)
}

func (l *Logger) Debug(ctx context.Context, msg string, fields map[string]any) {
	l.log(ctx, LevelDebug, msg, fields)
}
func (l *Logger) Info(ctx context.Context, msg string, fields map[string]any) {
	l.log(ctx, LevelInfo, msg, fields)
}
func (l *Logger) Warn(ctx context.Context, msg string, fields map[string]any) {
	l.log(ctx, LevelWarn, msg, fields)
}
func (l *Logger) Error(ctx context.Context, msg string, fields map[string]any) {
	l.log(ctx, LevelError, msg, fields)
}

func (l *Logger) enabled(level Level) bool {
	rank := func(x Level) int {
		switch x {
		case LevelDebug:
			return 1
		case LevelInfo:
			return 2
		case LevelWarn:
			return 3
		default:
			return 4
		}
	}
	return rank(level) >= rank(l.opt.Level)
}

// LogFn adapts a Logger into the level/msg/fields shape the covernode
// coordinator pool and pipeline expect, so the pipeline's internals never
// need to import this package directly.
func (l *Logger) LogFn() func(level, msg string, fields map[string]any) {
	return func(level, msg string, fields map[string]any) {
		ctx := context.Background()
		switch level {
		case "debug":
			l.Debug(ctx, msg, fields)
		case "warn":
			l.Warn(ctx, msg, fields)
		case "error":
			l.Error(ctx, msg, fields)
		default:
			l.Info(ctx, msg, fields)
		}
	}
}

func (l *Logger) log(ctx context.Context, level Level, msg string, fields map[string]any) {
	if l == nil || !l.enabled(level) {
		return
	}
	ev := Event{
		Level:   level,
		Service: l.opt.Service,
		Msg:     sanitize(msg, MaxMessageLen),
	}
	if l.opt.Timestamp {
		ev.Ts = time.Now().UTC().Format(time.RFC3339Nano)
	}

	// Merge enriched + caller fields into a single map[string]string first.
	merged := make(map[string]string, 16)
	conflicts := make([]string, 0, 4)

	// set records a field, tracking key collisions. Telemetry-enriched
	// fields (authoritative=true) always win over caller-supplied ones.
	set := func(k, v string, authoritative bool) {
		k = strings.TrimSpace(k)
		if k == "" || len(k) > MaxKeyLen {
			return
		}
		v = sanitize(v, MaxValLen)
		if existing, ok := merged[k]; ok && existing != v {
			if len(conflicts) < MaxConflictKeys {
				conflicts = append(conflicts, k)
			}
			if !authoritative {
				return
			}
		}
		merged[k] = v
	}

	if sc, ok := SpanContextFromContext(ctx); ok {
		set("trace_id", sc.TraceID, true)
		set("span_id", sc.SpanID, true)
		if sc.ParentSpanID != "" {
			set("parent_span_id", sc.ParentSpanID, true)
		}
		set("sampled", boolString(sc.Sampled), true)
	}
	if ctx != nil {
		if v := ctx.Value(requestIDContextKey{}); v != nil {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				set("request_id", s, true)
			}
		}
	}

	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			k2 := strings.TrimSpace(k)
			if k2 == "" || len(k2) > MaxKeyLen {
				continue
			}
			set(k2, valueToStringDeterministic(fields[k]), false)
			if len(merged) >= MaxFields {
				set("log_truncated", "true", true)
				break
			}
		}
	}

	if len(conflicts) > 0 {
		sort.Strings(conflicts)
		set("field_conflicts", strings.Join(conflicts, ","), true)
	}

	if len(merged) > 0 {
		keys := make([]string, 0, len(merged))
		for k := range merged {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ev.Fields = make([]Field, 0, minInt(len(keys), MaxFields))
		for _, k := range keys {
			ev.Fields = append(ev.Fields, Field{K: k, V: merged[k]})
			if len(ev.Fields) >= MaxFields {
				break
			}
		}
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.w.Write(line)
	_, _ = l.w.Write([]byte("\n"))
}

// requestIDContextKey lets httpapi middleware stamp a request id onto ctx
// without this package depending on net/http.
type requestIDContextKey struct{}

// ContextWithRequestID returns a context carrying a request id for log enrichment.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, requestIDContextKey{}, id)
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// sanitize trims, truncates, and removes control chars/newlines.
func sanitize(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) > max {
		s = s[:max]
	}
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			continue
		}
		out = append(out, r)
	}
	return string(out)
}

// valueToStringDeterministic tries hard to be deterministic for common
// composite values: maps and slices render as sorted-key canonical JSON
// (bounded by MaxDeterministicJSONBytes), primitives render directly.
func valueToStringDeterministic(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case bool:
		return boolString(x)
	case int:
		return strconv.Itoa(x)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case uint:
		return strconv.FormatUint(uint64(x), 10)
	case uint32:
		return strconv.FormatUint(uint64(x), 10)
	case uint64:
		return strconv.FormatUint(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case json.Number:
		return x.String()
	case error:
		return x.Error()
	default:
		b, ok := canonicalJSONValue(x, MaxDeterministicJSONBytes)
		if ok {
			return string(b)
		}
		mb, err := json.Marshal(x)
		if err != nil {
			return ""
		}
		return string(mb)
	}
}

// canonicalJSONValue encodes a value into deterministic JSON bytes for
// map/slice shapes, sorting map keys so the same fields always render in
// the same order. Bounded by maxBytes; returns ok=false if it would exceed
// the bound rather than silently truncating mid-structure.
func canonicalJSONValue(v any, maxBytes int) ([]byte, bool) {
	switch x := v.(type) {
	case map[string]string:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		m := make(map[string]string, len(x))
		for _, k := range keys {
			m[k] = x[k]
		}
		b, err := json.Marshal(orderedStringMap{keys: keys, values: m})
		if err != nil || (maxBytes > 0 && len(b) > maxBytes) {
			return nil, false
		}
		return b, true
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]any, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, x[k])
		}
		b, err := json.Marshal(orderedAnyMap{keys: keys, values: pairs})
		if err != nil || (maxBytes > 0 && len(b) > maxBytes) {
			return nil, false
		}
		return b, true
	case []any:
		b, err := json.Marshal(x)
		if err != nil || (maxBytes > 0 && len(b) > maxBytes) {
			return nil, false
		}
		return b, true
	default:
		return nil, false
	}
}

// orderedStringMap and orderedAnyMap render as a JSON object in the exact
// key order given, rather than Go map iteration's randomized order.
type orderedStringMap struct {
	keys   []string
	values map[string]string
}

func (m orderedStringMap) MarshalJSON() ([]byte, error) {
	var buf strings.Builder
	buf.WriteByte('{')
	for i, k := range m.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, _ := json.Marshal(k)
		vb, _ := json.Marshal(m.values[k])
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return []byte(buf.String()), nil
}

type orderedAnyMap struct {
	keys   []string
	values []any
}

func (m orderedAnyMap) MarshalJSON() ([]byte, error) {
	var buf strings.Builder
	buf.WriteByte('{')
	for i, k := range m.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, _ := json.Marshal(k)
		vb, err := json.Marshal(m.values[i])
		if err != nil {
			vb = []byte("null")
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return []byte(buf.String()), nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
