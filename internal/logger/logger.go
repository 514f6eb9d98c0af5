package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

var (
	globalLevel  = slog.LevelInfo
	handlerMutex sync.RWMutex
)

// JSONParsingWriter wraps an io.Writer and converts JSON log lines (the SIP
// library logs through zerolog) into the console's text format.
type JSONParsingWriter struct {
	base io.Writer
}

// NewJSONParsingWriter wraps base.
func NewJSONParsingWriter(base io.Writer) *JSONParsingWriter {
	return &JSONParsingWriter{base: base}
}

// Write implements io.Writer
func (w *JSONParsingWriter) Write(p []byte) (int, error) {
	if !strings.HasPrefix(strings.TrimSpace(string(p)), "{") {
		return w.base.Write(p)
	}

	var entry map[string]any
	if err := json.Unmarshal(p, &entry); err != nil {
		return w.base.Write(p)
	}

	level := "info"
	if lv, ok := entry["level"]; ok {
		level = fmt.Sprint(lv)
	}
	if !levelEnabled(ParseLevel(level)) {
		return len(p), nil
	}

	message := ""
	if msg, ok := entry["message"]; ok {
		message = fmt.Sprint(msg)
	}

	ts := time.Now()
	if t, ok := entry["time"]; ok {
		if parsed, err := time.Parse(time.RFC3339, fmt.Sprint(t)); err == nil {
			ts = parsed
		}
	}

	keys := make([]string, 0, len(entry))
	for k := range entry {
		switch k {
		case "level", "message", "time", "caller":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	attrs := make([]string, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, fmt.Sprintf("%s=%v", k, entry[k]))
	}

	if _, err := w.base.Write([]byte(formatLine(ts, level, "[SIP] "+message, attrs))); err != nil {
		return 0, err
	}
	return len(p), nil
}

func formatLine(ts time.Time, level, message string, attrs []string) string {
	line := "[" + ts.Format("15:04:05") + "] [" + strings.ToUpper(level) + "] " + message
	if len(attrs) > 0 {
		line += " " + strings.Join(attrs, " ")
	}
	return line + "\n"
}

// SetLevel sets the global log level
func SetLevel(levelStr string) {
	level := ParseLevel(levelStr)
	handlerMutex.Lock()
	globalLevel = level
	handlerMutex.Unlock()
	zerolog.SetGlobalLevel(zerologLevel(level))
}

// GetLevel returns the current log level as a string
func GetLevel() string {
	handlerMutex.RLock()
	defer handlerMutex.RUnlock()

	switch globalLevel {
	case slog.LevelDebug:
		return "debug"
	case slog.LevelWarn:
		return "warn"
	case slog.LevelError:
		return "error"
	default:
		return "info"
	}
}

// ParseLevel parses a string to an slog level. Unknown strings map to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error", "fatal", "panic":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func levelEnabled(level slog.Level) bool {
	handlerMutex.RLock()
	defer handlerMutex.RUnlock()
	return level >= globalLevel
}

func zerologLevel(level slog.Level) zerolog.Level {
	switch {
	case level <= slog.LevelDebug:
		return zerolog.DebugLevel
	case level <= slog.LevelInfo:
		return zerolog.InfoLevel
	case level <= slog.LevelWarn:
		return zerolog.WarnLevel
	default:
		return zerolog.ErrorLevel
	}
}

// textHandler writes one line per record to every output.
type textHandler struct {
	outs   []io.Writer
	mu     *sync.Mutex
	attrs  []string
	prefix string
}

// Handle implements slog.Handler
func (h *textHandler) Handle(_ context.Context, record slog.Record) error {
	attrs := append([]string(nil), h.attrs...)
	record.Attrs(func(a slog.Attr) bool {
		attrs = appendAttr(attrs, h.prefix, a)
		return true
	})
	line := formatLine(record.Time, record.Level.String(), record.Message, attrs)

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, out := range h.outs {
		if out != nil {
			_, _ = io.WriteString(out, line)
		}
	}
	return nil
}

func appendAttr(dst []string, prefix string, a slog.Attr) []string {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return dst
	}
	if a.Value.Kind() == slog.KindGroup {
		group := a.Key
		if prefix != "" && group != "" {
			group = prefix + "." + group
		} else if group == "" {
			group = prefix
		}
		for _, ga := range a.Value.Group() {
			dst = appendAttr(dst, group, ga)
		}
		return dst
	}
	key := a.Key
	if prefix != "" {
		key = prefix + "." + key
	}
	return append(dst, key+"="+a.Value.String())
}

// WithAttrs implements slog.Handler
func (h *textHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append([]string(nil), h.attrs...)
	for _, a := range attrs {
		next.attrs = appendAttr(next.attrs, h.prefix, a)
	}
	return &next
}

// WithGroup implements slog.Handler
func (h *textHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	if h.prefix != "" {
		next.prefix = h.prefix + "." + name
	} else {
		next.prefix = name
	}
	return &next
}

// Enabled implements slog.Handler
func (h *textHandler) Enabled(_ context.Context, level slog.Level) bool {
	return levelEnabled(level)
}

// NewHandler returns the console's slog handler writing to outputs.
func NewHandler(outputs ...io.Writer) slog.Handler {
	return &textHandler{outs: outputs, mu: &sync.Mutex{}}
}

// InitLogger installs the console handler as slog's default and routes
// zerolog output through the same writers.
func InitLogger(outputs ...io.Writer) {
	slog.SetDefault(slog.New(NewHandler(outputs...)))

	wrapped := make([]io.Writer, len(outputs))
	for i, out := range outputs {
		wrapped[i] = NewJSONParsingWriter(out)
	}
	zlog.Logger = zerolog.New(zerolog.MultiLevelWriter(wrapped...)).With().Timestamp().Logger()

	handlerMutex.RLock()
	level := globalLevel
	handlerMutex.RUnlock()
	zerolog.SetGlobalLevel(zerologLevel(level))
}

// Convenience functions that use the default logger
func Debug(msg string, args ...any) {
	slog.Debug(msg, args...)
}

func Info(msg string, args ...any) {
	slog.Info(msg, args...)
}

func Warn(msg string, args ...any) {
	slog.Warn(msg, args...)
}

func Error(msg string, args ...any) {
	slog.Error(msg, args...)
}
