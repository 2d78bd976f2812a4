// Package logging provides structured JSON logging with credential redaction.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// redactedValue replaces any attribute whose key suggests a credential.
const redactedValue = "[REDACTED]"

// sensitiveFragments match attribute keys carrying material that must
// never reach logs. Connect requests and keyring lookups flow through
// here with target passwords and key passphrases attached.
var sensitiveFragments = []string{
	"password",
	"passphrase",
	"secret",
	"token",
	"credential",
	"private_key",
	"key_data",
	"auth",
}

// RedactingHandler wraps a slog.Handler and redacts sensitive attributes.
type RedactingHandler struct {
	inner  slog.Handler
	active bool
}

// NewRedactingHandler creates a redacting handler. When active is false
// records pass through unchanged.
func NewRedactingHandler(inner slog.Handler, active bool) *RedactingHandler {
	return &RedactingHandler{inner: inner, active: active}
}

// Enabled implements slog.Handler.
func (h *RedactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (h *RedactingHandler) Handle(ctx context.Context, r slog.Record) error {
	if !h.active {
		return h.inner.Handle(ctx, r)
	}

	clean := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		clean.AddAttrs(redactAttr(a))
		return true
	})
	return h.inner.Handle(ctx, clean)
}

// WithAttrs implements slog.Handler.
func (h *RedactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if h.active {
		clean := make([]slog.Attr, len(attrs))
		for i, a := range attrs {
			clean[i] = redactAttr(a)
		}
		attrs = clean
	}
	return &RedactingHandler{inner: h.inner.WithAttrs(attrs), active: h.active}
}

// WithGroup implements slog.Handler.
func (h *RedactingHandler) WithGroup(name string) slog.Handler {
	return &RedactingHandler{inner: h.inner.WithGroup(name), active: h.active}
}

func redactAttr(a slog.Attr) slog.Attr {
	key := strings.ToLower(a.Key)
	for _, frag := range sensitiveFragments {
		if strings.Contains(key, frag) {
			return slog.String(a.Key, redactedValue)
		}
	}

	if a.Value.Kind() == slog.KindGroup {
		attrs := a.Value.Group()
		clean := make([]slog.Attr, len(attrs))
		for i, ga := range attrs {
			clean[i] = redactAttr(ga)
		}
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(clean...)}
	}

	return a
}

// ParseLevel maps a config level string to a slog.Level. Unknown
// strings fall back to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds a JSON logger writing to w with the given level and
// redaction setting.
func New(w io.Writer, level string, redact bool) *slog.Logger {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)})
	return slog.New(NewRedactingHandler(h, redact))
}

// Setup installs a redacting JSON logger on stderr as the slog default
// and returns it.
func Setup(level string, redact bool) *slog.Logger {
	logger := New(os.Stderr, level, redact)
	slog.SetDefault(logger)
	return logger
}
