package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/singleflight"

	"github.com/finchworks/aviary/internal/bus"
	"github.com/finchworks/aviary/internal/engine"
	"github.com/finchworks/aviary/internal/memory"
	"github.com/finchworks/aviary/internal/otel"
	"github.com/finchworks/aviary/internal/persistence"
)

const (
	defaultIdleTTL       = 30 * time.Minute
	defaultEvictInterval = time.Minute
)

// PoolConfig wires a Pool's dependencies. Store and Invoker are required;
// everything else degrades gracefully when absent.
type PoolConfig struct {
	Store   *persistence.Store
	Invoker engine.Invoker
	Memory  *memory.Service
	Bus     *bus.Bus
	Logger  *slog.Logger
	Metrics *otel.Metrics
	Tracer  trace.Tracer

	// Instructions is operator guidance appended to every agent's system
	// prompt (the instructions.md contents at daemon start).
	Instructions string
	// DefaultModel is used when the agent record does not pin one.
	DefaultModel string
	// IdleTTL is how long a handle may sit unused before eviction.
	IdleTTL time.Duration
}

// Pool lazily constructs runtime handles keyed by agent name and retires
// them after idling past the TTL. Acquire and turn execution refresh the
// idle clock; a handle mid-turn is never evicted.
type Pool struct {
	cfg    PoolConfig
	logger *slog.Logger
	tracer trace.Tracer

	mu      sync.RWMutex
	entries map[string]*Handle
	group   singleflight.Group

	evictMu sync.Mutex
	stop    chan struct{}
	done    chan struct{}
}

// NewPool creates an empty pool. Eviction does not run until StartEviction.
func NewPool(cfg PoolConfig) *Pool {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = defaultIdleTTL
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	return &Pool{
		cfg:     cfg,
		logger:  cfg.Logger,
		tracer:  tracer,
		entries: make(map[string]*Handle),
	}
}

// Get returns the live handle for name, constructing one on first use.
// Concurrent gets for the same agent share a single construction; a failed
// construction leaves no entry behind, so the next Get retries cleanly.
func (p *Pool) Get(ctx context.Context, name string) (*Handle, error) {
	p.mu.RLock()
	h, ok := p.entries[name]
	p.mu.RUnlock()
	if ok {
		h.touch()
		return h, nil
	}

	v, err, _ := p.group.Do(name, func() (interface{}, error) {
		p.mu.RLock()
		h, ok := p.entries[name]
		p.mu.RUnlock()
		if ok {
			return h, nil
		}
		h, err := p.construct(ctx, name)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.entries[name] = h
		p.mu.Unlock()
		if p.cfg.Metrics != nil {
			p.cfg.Metrics.ActiveHandles.Add(ctx, 1,
				metric.WithAttributes(otel.AttrAgentName.String(name)))
		}
		if p.cfg.Bus != nil {
			p.cfg.Bus.Publish(bus.TopicAgentAcquired, bus.AgentLifecycleEvent{Agent: name})
		}
		return h, nil
	})
	if err != nil {
		return nil, err
	}
	h = v.(*Handle)
	h.touch()
	return h, nil
}

func (p *Pool) construct(ctx context.Context, name string) (*Handle, error) {
	record, err := p.cfg.Store.GetAgent(ctx, name)
	if err != nil {
		return nil, err
	}

	workspace := record.WorkspacePath
	if workspace == "" {
		workspace = p.cfg.Store.DefaultWorkspacePath(name)
	}
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return nil, fmt.Errorf("ensure workspace: %w", err)
	}

	model := record.Model
	if model == "" {
		model = p.cfg.DefaultModel
	}

	p.mu.RLock()
	instructions := p.cfg.Instructions
	p.mu.RUnlock()

	h := &Handle{
		name:         record.Name,
		description:  record.Description,
		model:        model,
		workspace:    workspace,
		instructions: instructions,
		store:        p.cfg.Store,
		invoker:      p.cfg.Invoker,
		memory:       p.cfg.Memory,
		eventBus:     p.cfg.Bus,
		logger:       p.logger,
		metrics:      p.cfg.Metrics,
		tracer:       p.tracer,
	}
	h.touch()
	p.logger.Debug("handle constructed", "agent", name, "workspace", workspace, "model", model)
	return h, nil
}

// Release drops the handle for name, if any. The next Get constructs a
// fresh one from the directory record.
func (p *Pool) Release(name string) {
	p.mu.Lock()
	_, ok := p.entries[name]
	delete(p.entries, name)
	p.mu.Unlock()
	if !ok {
		return
	}
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.ActiveHandles.Add(context.Background(), -1,
			metric.WithAttributes(otel.AttrAgentName.String(name)))
	}
	if p.cfg.Bus != nil {
		p.cfg.Bus.Publish(bus.TopicAgentReleased, bus.AgentLifecycleEvent{Agent: name})
	}
	p.logger.Debug("handle released", "agent", name)
}

// SetInstructions replaces the shared prompt preamble for handles built from
// now on. Live handles keep the preamble they were constructed with until
// they are released or evicted.
func (p *Pool) SetInstructions(instructions string) {
	p.mu.Lock()
	p.cfg.Instructions = instructions
	p.mu.Unlock()
}

// Has reports whether a live handle exists for name.
func (p *Pool) Has(name string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.entries[name]
	return ok
}

// Size returns the number of live handles.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

// StartEviction begins the idle sweep. Calling it again without an
// intervening StopEviction is a no-op.
func (p *Pool) StartEviction(interval time.Duration) {
	if interval <= 0 {
		interval = defaultEvictInterval
	}
	p.evictMu.Lock()
	defer p.evictMu.Unlock()
	if p.stop != nil {
		return
	}
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go p.evictLoop(interval, p.stop, p.done)
}

// StopEviction halts the sweep and waits for the loop goroutine to exit.
// Safe to call when the sweep is not running.
func (p *Pool) StopEviction() {
	p.evictMu.Lock()
	stop, done := p.stop, p.done
	p.stop, p.done = nil, nil
	p.evictMu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (p *Pool) evictLoop(interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.evictIdle(time.Now())
		}
	}
}

// evictIdle retires handles idle past the TTL. A handle with a turn in
// flight is skipped and reconsidered on the next sweep, after the turn's
// final touch has refreshed its clock.
func (p *Pool) evictIdle(now time.Time) {
	var evicted []string
	p.mu.Lock()
	for name, h := range p.entries {
		if h.InUse() {
			continue
		}
		if now.Sub(h.LastUsed()) < p.cfg.IdleTTL {
			continue
		}
		delete(p.entries, name)
		evicted = append(evicted, name)
	}
	p.mu.Unlock()

	for _, name := range evicted {
		p.logger.Info("handle evicted", "agent", name, "idle_ttl", p.cfg.IdleTTL)
		if p.cfg.Metrics != nil {
			attrs := metric.WithAttributes(otel.AttrAgentName.String(name))
			p.cfg.Metrics.HandleEvictions.Add(context.Background(), 1, attrs)
			p.cfg.Metrics.ActiveHandles.Add(context.Background(), -1, attrs)
		}
		if p.cfg.Bus != nil {
			p.cfg.Bus.Publish(bus.TopicAgentEvicted, bus.AgentLifecycleEvent{Agent: name})
		}
	}
}
