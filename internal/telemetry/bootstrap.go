package telemetry

import (
	"context"
	"log/slog"
	"sync"
)

// maxBootstrapRecords bounds the startup buffer; overflow is dropped and
// reported at flush time.
const maxBootstrapRecords = 1024

// bootstrapCore holds the buffer shared by every derived handler.
type bootstrapCore struct {
	mu      sync.Mutex
	buf     []slog.Record
	target  slog.Handler
	flushed bool
	dropped int
}

// BootstrapHandler buffers records emitted before the real logger exists,
// typically between process start and config load. Once Flush is called the
// buffered records replay to the target in emission order, exactly once, and
// later records pass straight through.
type BootstrapHandler struct {
	core   *bootstrapCore
	attrs  []slog.Attr
	groups []string
}

// NewBootstrapHandler returns an empty bootstrap buffer.
func NewBootstrapHandler() *BootstrapHandler {
	return &BootstrapHandler{core: &bootstrapCore{}}
}

// Enabled buffers every level until a target is attached, then defers to it.
func (h *BootstrapHandler) Enabled(ctx context.Context, level slog.Level) bool {
	h.core.mu.Lock()
	target, flushed := h.core.target, h.core.flushed
	h.core.mu.Unlock()
	if flushed && target != nil {
		return target.Enabled(ctx, level)
	}
	return true
}

// Handle buffers the record, or forwards it once the buffer has been flushed.
func (h *BootstrapHandler) Handle(ctx context.Context, r slog.Record) error {
	rec := h.applyAttrs(r)

	h.core.mu.Lock()
	if h.core.flushed && h.core.target != nil {
		target := h.core.target
		h.core.mu.Unlock()
		return target.Handle(ctx, rec)
	}
	if len(h.core.buf) >= maxBootstrapRecords {
		h.core.dropped++
		h.core.mu.Unlock()
		return nil
	}
	h.core.buf = append(h.core.buf, rec)
	h.core.mu.Unlock()
	return nil
}

// WithAttrs returns a handler sharing the same buffer with extra attributes.
func (h *BootstrapHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	child := *h
	child.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &child
}

// WithGroup returns a handler sharing the same buffer with a nested group.
func (h *BootstrapHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	child := *h
	child.groups = append(append([]string(nil), h.groups...), name)
	return &child
}

// Flush replays the buffered records to target in order. Only the first call
// replays; subsequent calls are no-ops so records are never emitted twice.
// Records handled after Flush forward directly to target.
func (h *BootstrapHandler) Flush(ctx context.Context, target slog.Handler) error {
	h.core.mu.Lock()
	if h.core.flushed {
		h.core.mu.Unlock()
		return nil
	}
	h.core.flushed = true
	h.core.target = target
	buf := h.core.buf
	dropped := h.core.dropped
	h.core.buf = nil
	h.core.mu.Unlock()

	if target == nil {
		return nil
	}
	var firstErr error
	for _, rec := range buf {
		if !target.Enabled(ctx, rec.Level) {
			continue
		}
		if err := target.Handle(ctx, rec); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if dropped > 0 {
		rec := slog.Record{Level: slog.LevelWarn, Message: "bootstrap log buffer overflow"}
		rec.AddAttrs(slog.Int("dropped", dropped))
		if err := target.Handle(ctx, rec); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// applyAttrs folds the handler's accumulated attrs and groups into a record.
func (h *BootstrapHandler) applyAttrs(r slog.Record) slog.Record {
	if len(h.attrs) == 0 {
		return r.Clone()
	}
	rec := r.Clone()
	attrs := h.attrs
	// Nest attrs under the innermost open group, mirroring handler semantics.
	for i := len(h.groups) - 1; i >= 0; i-- {
		attrs = []slog.Attr{slog.Attr{Key: h.groups[i], Value: slog.GroupValue(attrs...)}}
	}
	rec.AddAttrs(attrs...)
	return rec
}
