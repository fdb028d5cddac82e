// Package ctxlog wraps an slog.Handler so that every record is enriched
// with whichever scheduler-session / flow-run / task-run ids are attached
// to its context. Adapted from the teacher's internal/log.ContextHandler,
// generalized from a single request_id field to the set of ids this system
// threads through a run.
package ctxlog

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	keySessionID ctxKey = iota
	keyFlowRunID
	keyTaskRunID
)

func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keySessionID, id)
}

func WithFlowRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyFlowRunID, id)
}

func WithTaskRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyTaskRunID, id)
}

func SessionID(ctx context.Context) string {
	id, _ := ctx.Value(keySessionID).(string)
	return id
}

func FlowRunID(ctx context.Context) string {
	id, _ := ctx.Value(keyFlowRunID).(string)
	return id
}

func TaskRunID(ctx context.Context) string {
	id, _ := ctx.Value(keyTaskRunID).(string)
	return id
}

// Handler wraps an slog.Handler, enriching every record with whatever ids
// are present in the context before delegating to inner.
type Handler struct {
	inner slog.Handler
}

func NewHandler(inner slog.Handler) *Handler {
	return &Handler{inner: inner}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	if id := SessionID(ctx); id != "" {
		r.AddAttrs(slog.String("scheduler_session_id", id))
	}
	if id := FlowRunID(ctx); id != "" {
		r.AddAttrs(slog.String("flow_run_id", id))
	}
	if id := TaskRunID(ctx); id != "" {
		r.AddAttrs(slog.String("task_run_id", id))
	}
	return h.inner.Handle(ctx, r)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{inner: h.inner.WithAttrs(attrs)}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{inner: h.inner.WithGroup(name)}
}
