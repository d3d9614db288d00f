package bus

import (
	"context"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/nildb/nildb/internal/config"
)

// Memory is an in-process bus. Unacknowledged commands are parked until
// Redeliver puts them back on the queue. Commands are handled concurrently
// like on the Redis bus.
type Memory struct {
	workers  int
	mu       sync.Mutex
	seq      int
	queue    []Message
	parked   []Message
	events   []Event
	notify   chan struct{}
	observer func(Event)
}

func NewMemory() *Memory {
	return &Memory{workers: config.DefaultConcurrency, notify: make(chan struct{}, 1)}
}

// WithConcurrency bounds how many commands are handled at once.
func (m *Memory) WithConcurrency(n int) *Memory {
	if n > 0 {
		m.workers = n
	}
	return m
}

// OnPublish registers a callback run for every published event.
func (m *Memory) OnPublish(f func(Event)) *Memory {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observer = f
	return m
}

// Publish records the event with its payload in wire form, as a consumer of
// the Redis event stream would see it.
func (m *Memory) Publish(_ context.Context, e Event) error {
	body, err := encode(e.Payload)
	if err != nil {
		return err
	}
	wire, err := decode("", e.Type, body)
	if err != nil {
		return err
	}
	e.Payload = wire.Payload

	m.mu.Lock()
	m.events = append(m.events, e)
	f := m.observer
	m.mu.Unlock()

	if f != nil {
		f(e)
	}
	return nil
}

func (m *Memory) Send(_ context.Context, typ string, payload any) error {
	body, err := encode(payload)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.seq++
	id := strconv.Itoa(m.seq)
	m.mu.Unlock()

	msg, err := decode(id, typ, body)
	if err != nil {
		return err
	}
	m.enqueue(msg)
	return nil
}

func (m *Memory) enqueue(msgs ...Message) {
	m.mu.Lock()
	m.queue = append(m.queue, msgs...)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *Memory) next() (Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return Message{}, false
	}
	msg := m.queue[0]
	m.queue = m.queue[1:]
	return msg, true
}

func (m *Memory) Consume(ctx context.Context, h Handler) error {
	var g errgroup.Group
	g.SetLimit(m.workers)
	defer func() { _ = g.Wait() }()

	for {
		msg, ok := m.next()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-m.notify:
				continue
			}
		}

		g.Go(func() error {
			if !h(ctx, msg) {
				m.mu.Lock()
				m.parked = append(m.parked, msg)
				m.mu.Unlock()
			}
			return nil
		})
	}
}

// Redeliver queues every unacknowledged command again and returns how many
// there were.
func (m *Memory) Redeliver() int {
	m.mu.Lock()
	parked := m.parked
	m.parked = nil
	m.mu.Unlock()

	m.enqueue(parked...)
	return len(parked)
}

// Pending returns the number of commands not yet acknowledged, queued or parked.
func (m *Memory) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue) + len(m.parked)
}

// Events returns a copy of the events published so far.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

func (*Memory) Close() error {
	return nil
}
