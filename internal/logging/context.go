package logging

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"strings"
)

type ctxKey int

const (
	instanceIDKey ctxKey = iota
	stepSequenceKey
	identityKey
)

// Attribute names injected into log records.
const (
	AttrInstanceID   = "orchestration_instance_id"
	AttrStepSequence = "step_sequence"
	AttrIdentity     = "identity"
)

// WithInstanceID returns a context with the orchestration instance ID set.
func WithInstanceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, instanceIDKey, id)
}

// WithStepSequence returns a context with the step sequence set.
func WithStepSequence(ctx context.Context, seq int) context.Context {
	return context.WithValue(ctx, stepSequenceKey, seq)
}

// WithIdentity returns a context with the operating identity (in its compact form) set.
func WithIdentity(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// InstanceID extracts the instance ID from the context, or "" if absent.
func InstanceID(ctx context.Context) string {
	v, _ := ctx.Value(instanceIDKey).(string)
	return v
}

// StepSequence extracts the step sequence from the context, or 0 if absent.
func StepSequence(ctx context.Context) int {
	v, _ := ctx.Value(stepSequenceKey).(int)
	return v
}

// Identity extracts the operating identity from the context, or "" if absent.
func Identity(ctx context.Context) string {
	v, _ := ctx.Value(identityKey).(string)
	return v
}

func correlationAttrs(ctx context.Context) []slog.Attr {
	var attrs []slog.Attr
	if v := InstanceID(ctx); v != "" {
		attrs = append(attrs, slog.String(AttrInstanceID, v))
	}
	if v := StepSequence(ctx); v > 0 {
		attrs = append(attrs, slog.Int(AttrStepSequence, v))
	}
	if v := Identity(ctx); v != "" {
		attrs = append(attrs, slog.String(AttrIdentity, v))
	}
	return attrs
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, a := range correlationAttrs(ctx) {
		logger = logger.With(a)
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, automatically injecting
// correlation IDs from the context into every log record.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(correlationAttrs(ctx)...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}

// ParseLevel maps debug|info|warn|error (case-insensitive) to a slog level.
// Unknown values fall back to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		if n, err := strconv.Atoi(s); err == nil {
			return slog.Level(n)
		}
		return slog.LevelInfo
	}
}

// New builds a correlation-aware logger writing text (or JSON when json is true) to w.
func New(w io.Writer, level string, json bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var h slog.Handler = slog.NewTextHandler(w, opts)
	if json {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(NewCorrelationHandler(h))
}
