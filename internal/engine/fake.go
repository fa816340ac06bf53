package engine

import (
	"context"
	"sync"
	"time"
)

// ScriptedInvoker replays a fixed event sequence instead of spawning a
// process. The zero value emits nothing and succeeds. Used by tests and by
// doctor dry-runs where spawning the real engine is unwanted.
type ScriptedInvoker struct {
	Script    []Event
	FinalErr  error
	StepDelay time.Duration

	mu       sync.Mutex
	requests []InvokeRequest
}

func (f *ScriptedInvoker) Invoke(ctx context.Context, req InvokeRequest) (*Stream, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	stream := newStream()
	go func() {
		for _, ev := range f.Script {
			if f.StepDelay > 0 {
				select {
				case <-time.After(f.StepDelay):
				case <-ctx.Done():
					stream.close(ErrCancelled)
					return
				}
			}
			if ctx.Err() != nil {
				stream.close(ErrCancelled)
				return
			}
			stream.emit(ctx, ev)
		}
		if ctx.Err() != nil {
			stream.close(ErrCancelled)
			return
		}
		stream.close(f.FinalErr)
	}()
	return stream, nil
}

// Requests returns every InvokeRequest seen, in order.
func (f *ScriptedInvoker) Requests() []InvokeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]InvokeRequest(nil), f.requests...)
}
