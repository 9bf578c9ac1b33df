package log

import (
	"time"

	"github.com/cernvm/libcernvm/internal/logfields"
	"github.com/sirupsen/logrus"
	"go.opencensus.io/trace"
)

// Hook formats a [logrus.Entry] before it is logged: time.Time fields are
// rendered with a fixed format and trace/span identifiers are copied from
// the entry context.
type Hook struct {
	// TimeFormat specifies the format for [time.Time] variables.
	// An empty string disables formatting.
	TimeFormat string

	// AddSpanContext adds [logfields.TraceID] and [logfields.SpanID] fields
	// to the entry from the span context stored in [logrus.Entry.Context],
	// if it exists.
	AddSpanContext bool
}

var _ logrus.Hook = &Hook{}

func NewHook() *Hook {
	return &Hook{
		TimeFormat:     time.RFC3339Nano,
		AddSpanContext: true,
	}
}

func (h *Hook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *Hook) Fire(e *logrus.Entry) error {
	h.encode(e)
	h.addSpanContext(e)
	return nil
}

func (h *Hook) encode(e *logrus.Entry) {
	if h.TimeFormat == "" {
		return
	}
	for k, v := range e.Data {
		if t, ok := v.(time.Time); ok {
			e.Data[k] = t.Format(h.TimeFormat)
		}
	}
}

func (h *Hook) addSpanContext(e *logrus.Entry) {
	if !h.AddSpanContext {
		return
	}
	ctx := e.Context
	if ctx == nil {
		return
	}
	span := trace.FromContext(ctx)
	if span == nil {
		return
	}
	sctx := span.SpanContext()
	e.Data[logfields.TraceID] = sctx.TraceID.String()
	e.Data[logfields.SpanID] = sctx.SpanID.String()
}
