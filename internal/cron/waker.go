package cron

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/finchworks/aviary/internal/agent"
	"github.com/finchworks/aviary/internal/bus"
	"github.com/finchworks/aviary/internal/engine"
	"github.com/finchworks/aviary/internal/persistence"
)

const (
	defaultDebounce = 2 * time.Second

	// wakePrompt is the instruction for a mail-triggered turn; the drained
	// messages themselves are rendered into the prompt by the composer.
	wakePrompt = "Check your inbox and handle any messages that need a response."
)

// WakerConfig holds the dependencies for the inbox waker.
type WakerConfig struct {
	Store  *persistence.Store
	Pool   *agent.Pool
	Bus    *bus.Bus
	Logger *slog.Logger

	// Debounce is how long to wait after a delivery before waking, so a
	// burst of messages produces one turn. Defaults to 2 seconds.
	Debounce time.Duration
}

// Waker subscribes to inbox deliveries and runs a turn for the recipient
// so mail is handled ahead of its next scheduled task. An agent with a
// turn already in flight is not interrupted; the wake re-arms instead.
type Waker struct {
	store    *persistence.Store
	pool     *agent.Pool
	bus      *bus.Bus
	logger   *slog.Logger
	debounce time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer

	sub    *bus.Subscription
	due    chan string
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWaker creates a Waker with the given config.
func NewWaker(cfg WakerConfig) *Waker {
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Waker{
		store:    cfg.Store,
		pool:     cfg.Pool,
		bus:      cfg.Bus,
		logger:   logger,
		debounce: debounce,
		timers:   make(map[string]*time.Timer),
		due:      make(chan string, 32),
	}
}

// Start subscribes to deliveries and begins waking recipients.
func (w *Waker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.sub = w.bus.Subscribe(bus.TopicInboxDelivered)
	w.wg.Add(1)
	go w.loop(ctx)
	w.logger.Info("inbox waker started", "debounce", w.debounce)
}

// Stop unsubscribes, stops pending timers, and waits for in-flight wakes.
func (w *Waker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.bus.Unsubscribe(w.sub)
	w.mu.Lock()
	for name, t := range w.timers {
		t.Stop()
		delete(w.timers, name)
	}
	w.mu.Unlock()
	w.wg.Wait()
	w.logger.Info("inbox waker stopped")
}

func (w *Waker) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.sub.Ch():
			if !ok {
				return
			}
			delivered, ok := ev.Payload.(bus.InboxDeliveredEvent)
			if !ok {
				continue
			}
			w.arm(ctx, delivered.To)
		case name := <-w.due:
			w.wg.Add(1)
			go func() {
				defer w.wg.Done()
				w.wake(ctx, name)
			}()
		}
	}
}

// arm schedules a wake for the agent after the debounce window. A timer
// already pending is pushed back, collapsing a burst into one wake.
func (w *Waker) arm(ctx context.Context, name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[name]; ok {
		t.Reset(w.debounce)
		return
	}
	w.timers[name] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, name)
		w.mu.Unlock()
		select {
		case w.due <- name:
		case <-ctx.Done():
		}
	})
}

// wake runs one inbox turn for the agent, unless the mail is already gone
// or a turn is in flight (in which case the wake re-arms so the mail is
// not stranded waiting for the next scheduled stimulus).
func (w *Waker) wake(ctx context.Context, name string) {
	pending, err := w.store.GetPending(ctx, name)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("wake: read inbox failed", "agent", name, "error", err)
		}
		return
	}
	if len(pending) == 0 {
		return
	}

	handle, err := w.pool.Get(ctx, name)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			// Mail for an unregistered agent waits until it exists.
			w.logger.Debug("wake deferred, agent not registered", "agent", name)
			return
		}
		w.logger.Error("wake: acquire handle failed", "agent", name, "error", err)
		return
	}
	if handle.InUse() {
		w.arm(ctx, name)
		return
	}

	w.logger.Info("waking agent for new mail", "agent", name, "pending", len(pending))
	if _, err := handle.RunTurn(ctx, agent.TurnRequest{Prompt: wakePrompt}, nil); err != nil {
		if !errors.Is(err, engine.ErrCancelled) {
			w.logger.Error("wake turn failed", "agent", name, "error", err)
		}
	}
}
