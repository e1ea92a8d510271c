package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"

	"oikion-live/domain"
)

type recordingBus struct {
	mu     sync.Mutex
	j      *journal
	events []domain.ChangeEvent
}

func (b *recordingBus) Publish(ev domain.ChangeEvent) int {
	if b.j != nil {
		b.j.add("publish " + ev.Tag())
	}
	b.mu.Lock()
	b.events = append(b.events, ev)
	b.mu.Unlock()
	return 1
}

func (b *recordingBus) snapshot() []domain.ChangeEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.ChangeEvent(nil), b.events...)
}

type journal struct {
	mu    sync.Mutex
	steps []string
}

func (j *journal) add(s string) {
	j.mu.Lock()
	j.steps = append(j.steps, s)
	j.mu.Unlock()
}

func (j *journal) InvalidateTag(tag string) { j.add("invalidate " + tag) }

func (j *journal) snapshot() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.steps...)
}

type node struct {
	relay *Relay
	bus   *recordingBus
	cache *journal
}

func startNode(t *testing.T, ctx context.Context, addr, origin string) *node {
	t.Helper()
	rc := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rc.Close() })
	logger, _ := test.NewNullLogger()
	j := &journal{}
	b := &recordingBus{j: j}
	r := New(rc, b, j, Options{Origin: origin, ReconnectDelay: 20 * time.Millisecond, Logger: logger})
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Errorf("relay %s did not stop", origin)
		}
	})
	select {
	case <-r.Ready():
	case <-time.After(2 * time.Second):
		t.Fatalf("relay %s never subscribed", origin)
	}
	return &node{relay: r, bus: b, cache: j}
}

func waitForEvents(t *testing.T, b *recordingBus, n int) []domain.ChangeEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := b.snapshot(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d events, got %d", n, len(b.snapshot()))
	return nil
}

func change(org string, seq uint64) domain.ChangeEvent {
	return domain.ChangeEvent{
		ID:             "ev",
		EntityType:     domain.EntityProperty,
		EntityID:       "p1",
		OrganizationID: org,
		Operation:      domain.OperationCreated,
		Sequence:       seq,
	}
}

func TestRelayDeliversToOtherProcesses(t *testing.T) {
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer m.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := startNode(t, ctx, m.Addr(), "a")
	b := startNode(t, ctx, m.Addr(), "b")

	for seq := uint64(1); seq <= 3; seq++ {
		if err := a.relay.PublishChange(ctx, change("o1", seq)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	got := waitForEvents(t, b.bus, 3)
	for i, ev := range got {
		if ev.Sequence != uint64(i+1) || ev.OrganizationID != "o1" {
			t.Fatalf("event %d out of order: %+v", i, ev)
		}
	}
	steps := b.cache.snapshot()
	if len(steps) < 2 || steps[0] != "invalidate property:o1" || steps[1] != "publish property:o1" {
		t.Fatalf("expected invalidate before publish, got %v", steps)
	}

	time.Sleep(50 * time.Millisecond)
	if echoed := a.bus.snapshot(); len(echoed) != 0 {
		t.Fatalf("origin must ignore its own events, got %d", len(echoed))
	}
}

func TestRelaySkipsMalformedPayloads(t *testing.T) {
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer m.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := startNode(t, ctx, m.Addr(), "receiver")
	pub := redis.NewClient(&redis.Options{Addr: m.Addr()})
	defer pub.Close()

	if err := pub.Publish(ctx, DefaultPrefix+":o1", "not json").Err(); err != nil {
		t.Fatalf("publish junk: %v", err)
	}
	mismatched := `{"origin":"x","event":{"organizationId":"o2","entityType":"property","sequence":1}}`
	if err := pub.Publish(ctx, DefaultPrefix+":o1", mismatched).Err(); err != nil {
		t.Fatalf("publish mismatched: %v", err)
	}
	valid := `{"origin":"x","event":{"id":"e","organizationId":"o1","entityType":"client","entityId":"c1","operation":"updated","sequence":4}}`
	if err := pub.Publish(ctx, DefaultPrefix+":o1", valid).Err(); err != nil {
		t.Fatalf("publish valid: %v", err)
	}

	got := waitForEvents(t, n.bus, 1)
	if len(got) != 1 || got[0].EntityType != domain.EntityClient || got[0].Sequence != 4 {
		t.Fatalf("unexpected events: %+v", got)
	}
}

func TestPublishChangeRejectsMissingOrganization(t *testing.T) {
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer m.Close()
	rc := redis.NewClient(&redis.Options{Addr: m.Addr()})
	defer rc.Close()
	r := New(rc, &recordingBus{}, nil, Options{})
	if err := r.PublishChange(context.Background(), change("", 1)); err != domain.ErrNotFoundOrganization {
		t.Fatalf("expected ErrNotFoundOrganization, got %v", err)
	}
	if r.Channel("o1") != "oikion:changes:o1" {
		t.Fatalf("unexpected channel %q", r.Channel("o1"))
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer m.Close()
	rc := redis.NewClient(&redis.Options{Addr: m.Addr()})
	defer rc.Close()
	logger, _ := test.NewNullLogger()
	r := New(rc, &recordingBus{}, nil, Options{Prefix: "custom:", Logger: logger})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	<-r.Ready()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not exit")
	}
}
