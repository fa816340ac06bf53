package cron_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/finchworks/aviary/internal/agent"
	"github.com/finchworks/aviary/internal/bus"
	"github.com/finchworks/aviary/internal/cron"
	"github.com/finchworks/aviary/internal/engine"
	"github.com/finchworks/aviary/internal/persistence"
)

func TestWaker_WakesRecipientAndDrainsMail(t *testing.T) {
	eventBus := bus.New()
	store := openTestStore(t, eventBus)
	createAgent(t, store, "sender")
	createAgent(t, store, "receiver")

	invoker := &engine.ScriptedInvoker{Script: successScript("handled")}
	waker := cron.NewWaker(cron.WakerConfig{
		Store:    store,
		Pool:     newTestPool(store, invoker),
		Bus:      eventBus,
		Debounce: 30 * time.Millisecond,
	})
	ctx := context.Background()
	waker.Start(ctx)
	defer waker.Stop()

	if _, err := store.SendMessage(ctx, persistence.InboxMessage{FromAgent: "sender", ToAgent: "receiver", Message: "need the numbers"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool {
		pending, err := store.GetPending(ctx, "receiver")
		return err == nil && len(pending) == 0
	})

	archived, err := store.ListArchived(ctx, "receiver")
	if err != nil {
		t.Fatalf("list archived: %v", err)
	}
	if len(archived) != 1 || archived[0].ClaimedBy != "receiver" {
		t.Fatalf("archived = %+v", archived)
	}
	reqs := invoker.Requests()
	if len(reqs) != 1 || !strings.Contains(reqs[0].Prompt, "need the numbers") {
		t.Fatalf("wake requests = %+v", reqs)
	}
}

func TestWaker_BurstCollapsesToOneTurn(t *testing.T) {
	eventBus := bus.New()
	store := openTestStore(t, eventBus)
	createAgent(t, store, "sender")
	createAgent(t, store, "receiver")

	invoker := &engine.ScriptedInvoker{Script: successScript("caught up")}
	waker := cron.NewWaker(cron.WakerConfig{
		Store:    store,
		Pool:     newTestPool(store, invoker),
		Bus:      eventBus,
		Debounce: 80 * time.Millisecond,
	})
	ctx := context.Background()
	waker.Start(ctx)
	defer waker.Stop()

	for _, text := range []string{"one", "two", "three"} {
		if _, err := store.SendMessage(ctx, persistence.InboxMessage{FromAgent: "sender", ToAgent: "receiver", Message: text}); err != nil {
			t.Fatalf("send %s: %v", text, err)
		}
	}

	waitFor(t, 3*time.Second, func() bool {
		archived, err := store.ListArchived(ctx, "receiver")
		return err == nil && len(archived) == 3
	})

	// Allow a stray re-armed timer to fire; an empty inbox must not
	// produce another turn.
	time.Sleep(150 * time.Millisecond)
	if n := len(invoker.Requests()); n != 1 {
		t.Fatalf("wake turns = %d, want 1 for the whole burst", n)
	}
}

func TestWaker_InFlightTurnDefersWake(t *testing.T) {
	eventBus := bus.New()
	store := openTestStore(t, eventBus)
	createAgent(t, store, "sender")
	createAgent(t, store, "receiver")

	invoker := &engine.ScriptedInvoker{Script: successScript("slow answer"), StepDelay: 60 * time.Millisecond}
	pool := newTestPool(store, invoker)
	waker := cron.NewWaker(cron.WakerConfig{
		Store:    store,
		Pool:     pool,
		Bus:      eventBus,
		Debounce: 20 * time.Millisecond,
	})
	ctx := context.Background()
	waker.Start(ctx)
	defer waker.Stop()

	handle, err := pool.Get(ctx, "receiver")
	if err != nil {
		t.Fatalf("get handle: %v", err)
	}
	turnDone := make(chan struct{})
	go func() {
		defer close(turnDone)
		_, _ = handle.RunTurn(ctx, agent.TurnRequest{Prompt: "busy work"}, nil)
	}()
	// Once the engine request exists, the busy turn has already composed
	// against an empty inbox and is mid-delegation.
	waitFor(t, time.Second, func() bool { return len(invoker.Requests()) == 1 })

	if _, err := store.SendMessage(ctx, persistence.InboxMessage{FromAgent: "sender", ToAgent: "receiver", Message: "interrupt?"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	<-turnDone

	// The wake re-armed while the turn was running and fires afterwards.
	waitFor(t, 3*time.Second, func() bool {
		pending, err := store.GetPending(ctx, "receiver")
		return err == nil && len(pending) == 0
	})
	if n := len(invoker.Requests()); n != 2 {
		t.Fatalf("turns = %d, want the busy turn plus one wake turn", n)
	}
}
