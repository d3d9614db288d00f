package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nildb/nildb/internal/config"
	"github.com/nildb/nildb/internal/logging"
)

const (
	fieldType    = "type"
	fieldPayload = "payload"

	readCount     = 16
	readBlock     = 2 * time.Second
	retryInterval = 30 * time.Second
)

// Redis is a bus over Redis Streams. Commands are read through a consumer
// group, so several nodes sharing the group split the work; entries left
// unacknowledged by this consumer are retried periodically. Up to the
// configured concurrency, entries are handled in parallel and acknowledged
// one by one as their handlers finish.
type Redis struct {
	client   *redis.Client
	config   *config.Redis
	log      *logging.Logger
	retry    time.Duration
	workers  int
	ownsConn bool
}

func NewRedis(cfg *config.Redis) *Redis {
	return &Redis{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Address(),
			Password: cfg.Secret(),
			DB:       cfg.DB,
		}),
		config:   cfg,
		retry:    retryInterval,
		workers:  config.DefaultConcurrency,
		ownsConn: true,
	}
}

// WithClient uses an existing client instead of dialing cfg.Addr.
func (r *Redis) WithClient(c *redis.Client) *Redis {
	if r.ownsConn {
		_ = r.client.Close()
	}
	r.client, r.ownsConn = c, false
	return r
}

func (r *Redis) WithLogger(log *logging.Logger) *Redis {
	r.log = log
	return r
}

// WithRetryInterval sets how often unacknowledged entries are retried.
func (r *Redis) WithRetryInterval(d time.Duration) *Redis {
	r.retry = d
	return r
}

// WithConcurrency bounds how many commands are handled at once.
func (r *Redis) WithConcurrency(n int) *Redis {
	if n > 0 {
		r.workers = n
	}
	return r
}

func (r *Redis) logger() *logging.Logger {
	if r.log == nil {
		return logging.Discard()
	}
	return r.log
}

func (r *Redis) Close() error {
	if r.ownsConn {
		return r.client.Close()
	}
	return nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Publish(ctx context.Context, e Event) error {
	return r.add(ctx, r.config.EventStream, e.Type, e.Payload)
}

func (r *Redis) Send(ctx context.Context, typ string, payload any) error {
	return r.add(ctx, r.config.CommandStream, typ, payload)
}

func (r *Redis) add(ctx context.Context, stream, typ string, payload any) error {
	body, err := encode(payload)
	if err != nil {
		return err
	}
	return r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{fieldType: typ, fieldPayload: body},
	}).Err()
}

func (r *Redis) ensureGroup(ctx context.Context) error {
	err := r.client.XGroupCreateMkStream(ctx, r.config.CommandStream, r.config.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s: %w", r.config.Group, err)
	}
	return nil
}

func (r *Redis) Consume(ctx context.Context, h Handler) error {
	if err := r.ensureGroup(ctx); err != nil {
		return err
	}

	block := min(readBlock, max(r.retry, time.Millisecond))

	var g errgroup.Group
	g.SetLimit(r.workers)
	defer func() { _ = g.Wait() }()

	// Retries read the whole pending list, which includes entries still
	// being handled.
	var inflight sync.Map

	// Entries pending from an earlier run of this consumer come first.
	lastRetry := time.Time{}
	for {
		if ctx.Err() != nil {
			return nil
		}

		start := ">"
		if time.Since(lastRetry) >= r.retry {
			start, lastRetry = "0", time.Now()
		}

		streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    r.config.Group,
			Consumer: r.config.Consumer,
			Streams:  []string{r.config.CommandStream, start},
			Count:    readCount,
			Block:    block,
		}).Result()
		switch {
		case errors.Is(err, redis.Nil):
			continue
		case ctx.Err() != nil:
			return nil
		case err != nil:
			r.logger().Warnf("reading %s: %v", r.config.CommandStream, err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		for _, s := range streams {
			for _, x := range s.Messages {
				if _, busy := inflight.LoadOrStore(x.ID, struct{}{}); busy {
					continue
				}
				g.Go(func() error {
					defer inflight.Delete(x.ID)
					r.deliver(ctx, x, h)
					return nil
				})
			}
		}
	}
}

func (r *Redis) deliver(ctx context.Context, x redis.XMessage, h Handler) {
	typ, _ := x.Values[fieldType].(string)
	payload, _ := x.Values[fieldPayload].(string)

	m, err := decode(x.ID, typ, payload)
	if err != nil {
		// Nothing will ever handle it, so it is dropped.
		r.logger().Errorf("dropping command: %v", err)
		r.ack(ctx, x.ID)
		return
	}
	if h(ctx, m) {
		r.ack(ctx, x.ID)
	}
}

func (r *Redis) ack(ctx context.Context, id string) {
	// Work finished during shutdown is still acknowledged.
	ctx = context.WithoutCancel(ctx)
	if err := r.client.XAck(ctx, r.config.CommandStream, r.config.Group, id).Err(); err != nil {
		r.logger().Warnf("acknowledging %s: %v", id, err)
	}
}

// Events reads the event stream from the start, for tools and tests.
func (r *Redis) Events(ctx context.Context) ([]Event, error) {
	entries, err := r.client.XRange(ctx, r.config.EventStream, "-", "+").Result()
	if err != nil {
		return nil, err
	}
	events := make([]Event, 0, len(entries))
	for _, x := range entries {
		typ, _ := x.Values[fieldType].(string)
		payload, _ := x.Values[fieldPayload].(string)
		m, err := decode(x.ID, typ, payload)
		if err != nil {
			return nil, err
		}
		events = append(events, Event{Type: m.Type, Payload: m.Payload})
	}
	return events, nil
}
