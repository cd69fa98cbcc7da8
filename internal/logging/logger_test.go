package logging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

type replacer struct{ secret string }

func (r replacer) Redact(s string) string {
	return strings.ReplaceAll(s, r.secret, "<secret>pw</secret>")
}

func TestRedacting_ScrubsMessageAndAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := Redacting(NewLogger(&buf, slog.LevelDebug), replacer{secret: "hunter2"})

	logger.With("task", "type hunter2").Info("filling hunter2",
		"value", "hunter2",
		"err", errors.New("bad hunter2"),
		slog.Group("g", "inner", "hunter2"),
	)

	out := buf.String()
	assert.NotContains(t, out, "hunter2")
	assert.Contains(t, out, "<secret>pw</secret>")
}

func TestNewRedactHandler_NilRedactor(t *testing.T) {
	inner := slog.NewTextHandler(&bytes.Buffer{}, nil)
	assert.Equal(t, slog.Handler(inner), NewRedactHandler(inner, nil))
}

func TestCorrelationID(t *testing.T) {
	ctx := WithCorrelationID(context.Background(), "abc")
	assert.Equal(t, "abc", CorrelationID(ctx))

	generated := CorrelationID(WithCorrelationID(context.Background(), ""))
	assert.NotEmpty(t, generated)
	assert.Empty(t, CorrelationID(context.Background()))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
}

func TestFromContext(t *testing.T) {
	l := NewLogger(&bytes.Buffer{}, slog.LevelInfo)
	assert.Same(t, l, FromContext(WithLogger(context.Background(), l)))
	assert.NotNil(t, FromContext(context.Background()))
}
