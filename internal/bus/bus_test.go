package bus_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/redis/go-redis/v9"

	"github.com/nildb/nildb/internal/bus"
	"github.com/nildb/nildb/internal/config"
)

// recorder acknowledges every message except the first delivery of the
// types listed in fail.
type recorder struct {
	mu   sync.Mutex
	seen []string
	fail map[string]bool
	done chan struct{}
	want int
}

func newRecorder(want int, fail ...string) *recorder {
	r := &recorder{fail: map[string]bool{}, done: make(chan struct{}), want: want}
	for _, f := range fail {
		r.fail[f] = true
	}
	return r
}

func (r *recorder) handle(_ context.Context, m bus.Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, m.Type+":"+m.Payload["id"].(string))
	if len(r.seen) == r.want {
		close(r.done)
	}
	if r.fail[m.Type] {
		delete(r.fail, m.Type)
		return false
	}
	return true
}

func (r *recorder) wait(t *testing.T) []string {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for deliveries")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seen...)
}

func TestRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	root := config.Root{Bus: &config.Bus{Redis: &config.Redis{Addr: mr.Addr(), Consumer: "node-1"}}}
	root.SetDefaults()

	b := bus.NewRedis(root.Bus.Redis).WithClient(client).WithRetryInterval(20 * time.Millisecond)
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	if err := b.Ping(ctx); err != nil {
		t.Fatal(err)
	}
	if err := b.Send(ctx, "StoreSecret", map[string]any{"id": "1"}); err != nil {
		t.Fatal(err)
	}
	if err := b.Send(ctx, "StartQueryExecution", map[string]any{"id": "2"}); err != nil {
		t.Fatal(err)
	}

	rec := newRecorder(3, "StartQueryExecution")
	errc := make(chan error, 1)
	go func() { errc <- b.Consume(ctx, rec.handle) }()

	got := rec.wait(t)
	exp := []string{"StoreSecret:1", "StartQueryExecution:2", "StartQueryExecution:2"}
	if diff := cmp.Diff(exp, got, cmpopts.SortSlices(func(a, b string) bool { return a < b })); diff != "" {
		t.Fatalf("unexpected deliveries (-want,+got):\n%s", diff)
	}

	cancel()
	if err := <-errc; err != nil {
		t.Fatal(err)
	}

	pending, err := client.XPending(t.Context(), config.DefaultCommandStream, config.DefaultConsumerGroup).Result()
	if err != nil {
		t.Fatal(err)
	}
	if pending.Count != 0 {
		t.Fatalf("expected nothing pending, got %d", pending.Count)
	}

	if err := b.Publish(t.Context(), bus.Event{Type: "SecretStored", Payload: map[string]any{"mappingId": "1"}}); err != nil {
		t.Fatal(err)
	}
	events, err := b.Events(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	expEvents := []bus.Event{{Type: "SecretStored", Payload: map[string]any{"mappingId": "1"}}}
	if diff := cmp.Diff(expEvents, events); diff != "" {
		t.Fatalf("unexpected events (-want,+got):\n%s", diff)
	}
}

func TestRedisDropsMalformed(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := &config.Redis{Addr: mr.Addr(), CommandStream: "cmds", Group: "g", Consumer: "c"}
	b := bus.NewRedis(cfg).WithClient(client).WithRetryInterval(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	if err := client.XAdd(ctx, &redis.XAddArgs{Stream: "cmds", Values: map[string]any{"payload": "{}"}}).Err(); err != nil {
		t.Fatal(err)
	}
	if err := client.XAdd(ctx, &redis.XAddArgs{Stream: "cmds", Values: map[string]any{"type": "StoreSecret", "payload": "not json"}}).Err(); err != nil {
		t.Fatal(err)
	}
	if err := b.Send(ctx, "StoreSecret", map[string]any{"id": "ok"}); err != nil {
		t.Fatal(err)
	}

	rec := newRecorder(1)
	go func() { _ = b.Consume(ctx, rec.handle) }()

	if diff := cmp.Diff([]string{"StoreSecret:ok"}, rec.wait(t)); diff != "" {
		t.Fatalf("unexpected deliveries (-want,+got):\n%s", diff)
	}
	cancel()

	pending, err := client.XPending(t.Context(), "cmds", "g").Result()
	if err != nil {
		t.Fatal(err)
	}
	if pending.Count != 0 {
		t.Fatalf("expected malformed entries to be acknowledged, got %d pending", pending.Count)
	}
}

func TestMemory(t *testing.T) {
	m := bus.NewMemory()
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	var published []string
	m.OnPublish(func(e bus.Event) { published = append(published, e.Type) })

	for _, id := range []string{"1", "2"} {
		if err := m.Send(ctx, "StoreSecret", map[string]any{"id": id}); err != nil {
			t.Fatal(err)
		}
	}

	rec := newRecorder(2, "StoreSecret")
	errc := make(chan error, 1)
	go func() { errc <- m.Consume(ctx, rec.handle) }()

	if diff := cmp.Diff([]string{"StoreSecret:1", "StoreSecret:2"}, rec.wait(t), cmpopts.SortSlices(func(a, b string) bool { return a < b })); diff != "" {
		t.Fatalf("unexpected deliveries (-want,+got):\n%s", diff)
	}
	cancel()
	if err := <-errc; err != nil {
		t.Fatal(err)
	}

	// One delivery was refused, the other acknowledged.
	if n := m.Pending(); n != 1 {
		t.Fatalf("expected one pending command, got %d", n)
	}
	if n := m.Redeliver(); n != 1 {
		t.Fatalf("expected one redelivery, got %d", n)
	}

	if err := m.Publish(t.Context(), bus.Event{Type: "SecretStored", Payload: struct {
		MappingID string `json:"mappingId"`
	}{"1"}}); err != nil {
		t.Fatal(err)
	}
	exp := []bus.Event{{Type: "SecretStored", Payload: map[string]any{"mappingId": "1"}}}
	if diff := cmp.Diff(exp, m.Events()); diff != "" {
		t.Fatalf("unexpected events (-want,+got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"SecretStored"}, published); diff != "" {
		t.Fatalf("unexpected observed events (-want,+got):\n%s", diff)
	}
}

// blocking holds every message of type "slow" until release is closed.
type blocking struct {
	release chan struct{}
	handled chan string
}

func (b *blocking) handle(ctx context.Context, m bus.Message) bool {
	if m.Type == "slow" {
		select {
		case <-b.release:
		case <-ctx.Done():
			return false
		}
	}
	b.handled <- m.Type
	return true
}

func TestSlowCommandDoesNotDelayOthers(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cfg := &config.Redis{Addr: mr.Addr(), CommandStream: "cmds", EventStream: "events", Group: "g", Consumer: "c"}

	for _, tc := range []struct {
		note string
		bus  bus.Bus
	}{
		{note: "memory", bus: bus.NewMemory().WithConcurrency(2)},
		{note: "redis", bus: bus.NewRedis(cfg).WithClient(client).WithConcurrency(2)},
	} {
		t.Run(tc.note, func(t *testing.T) {
			ctx, cancel := context.WithCancel(t.Context())
			defer cancel()

			b := &blocking{release: make(chan struct{}), handled: make(chan string, 2)}
			defer close(b.release)

			for _, typ := range []string{"slow", "fast"} {
				if err := tc.bus.Send(ctx, typ, map[string]any{"id": typ}); err != nil {
					t.Fatal(err)
				}
			}
			go func() { _ = tc.bus.Consume(ctx, b.handle) }()

			select {
			case typ := <-b.handled:
				if typ != "fast" {
					t.Fatalf("expected the fast command first, got %s", typ)
				}
			case <-time.After(10 * time.Second):
				t.Fatal("fast command waited for the slow one")
			}
		})
	}
}
