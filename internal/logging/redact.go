package logging

import (
	"context"
	"log/slog"
)

// Redactor scrubs sensitive text. *vault.Vault satisfies it.
type Redactor interface {
	Redact(string) string
}

// RedactHandler wraps a slog handler and scrubs the message and every string
// attribute through a request-scoped Redactor.
type RedactHandler struct {
	inner    slog.Handler
	redactor Redactor
}

// NewRedactHandler returns inner unchanged when r is nil.
func NewRedactHandler(inner slog.Handler, r Redactor) slog.Handler {
	if r == nil {
		return inner
	}
	return &RedactHandler{inner: inner, redactor: r}
}

// Redacting returns a logger whose output passes through r.
func Redacting(logger *slog.Logger, r Redactor) *slog.Logger {
	return slog.New(NewRedactHandler(logger.Handler(), r))
}

func (h *RedactHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *RedactHandler) Handle(ctx context.Context, record slog.Record) error {
	out := slog.NewRecord(record.Time, record.Level, h.redactor.Redact(record.Message), record.PC)
	record.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(h.redactAttr(a))
		return true
	})
	return h.inner.Handle(ctx, out)
}

func (h *RedactHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	scrubbed := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		scrubbed[i] = h.redactAttr(a)
	}
	return &RedactHandler{inner: h.inner.WithAttrs(scrubbed), redactor: h.redactor}
}

func (h *RedactHandler) WithGroup(name string) slog.Handler {
	return &RedactHandler{inner: h.inner.WithGroup(name), redactor: h.redactor}
}

func (h *RedactHandler) redactAttr(a slog.Attr) slog.Attr {
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return slog.String(a.Key, h.redactor.Redact(v.String()))
	case slog.KindGroup:
		group := v.Group()
		scrubbed := make([]any, len(group))
		for i, g := range group {
			scrubbed[i] = h.redactAttr(g)
		}
		return slog.Group(a.Key, scrubbed...)
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return slog.String(a.Key, h.redactor.Redact(err.Error()))
		}
	}
	return a
}
