package nilcomm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nildb/nildb/internal/authz"
	"github.com/nildb/nildb/internal/bus"
	"github.com/nildb/nildb/internal/config"
	"github.com/nildb/nildb/internal/database"
	"github.com/nildb/nildb/internal/filter"
	"github.com/nildb/nildb/internal/identity"
	"github.com/nildb/nildb/internal/logging"
	"github.com/nildb/nildb/internal/metrics"
	"github.com/nildb/nildb/internal/pipeline"
	"github.com/nildb/nildb/internal/queries"
	"github.com/nildb/nildb/internal/validation"
)

// permanent lists the failures redelivery cannot fix.
var permanent = []error{
	ErrInvalidCommand,
	ErrUnknownCommand,
	identity.ErrDecryption,
	identity.ErrInvalidKey,
	validation.ErrInvalidRecord,
	validation.ErrInvalidSchema,
	database.ErrNotFound,
	database.ErrDuplicate,
	authz.ErrAccessDenied,
	queries.ErrInvalidQuery,
	queries.ErrInvalidVariables,
	pipeline.ErrInvalidPipeline,
	filter.ErrInvalidFilter,
}

// Permanent reports whether a handler failure should be acknowledged rather
// than left for redelivery.
func Permanent(err error) bool {
	for _, target := range permanent {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Processor feeds commands from the bus to the handlers.
type Processor struct {
	consumer bus.Consumer
	handlers *Handlers
	timeout  time.Duration
	log      *logging.Logger
}

func NewProcessor(consumer bus.Consumer, handlers *Handlers) *Processor {
	return &Processor{consumer: consumer, handlers: handlers, timeout: config.DefaultHandlerTimeout}
}

// WithTimeout sets how long a handler is awaited. A handler still running
// after it is not cancelled; the command is acknowledged and the handler
// publishes its terminal event when it finishes.
func (p *Processor) WithTimeout(d time.Duration) *Processor {
	if d > 0 {
		p.timeout = d
	}
	return p
}

func (p *Processor) WithLogger(log *logging.Logger) *Processor {
	p.log = log
	return p
}

func (p *Processor) logger() *logging.Logger {
	if p.log == nil {
		return logging.Discard()
	}
	return p.log
}

// Run consumes commands until the context ends.
func (p *Processor) Run(ctx context.Context) error {
	p.logger().Infof("command processor started")
	defer p.logger().Infof("command processor stopped")
	return p.consumer.Consume(ctx, p.Handle)
}

// Handle processes one command and reports whether to acknowledge it.
func (p *Processor) Handle(ctx context.Context, m bus.Message) bool {
	start := time.Now()
	done := make(chan bool, 1)
	go func() {
		done <- p.settle(m, p.dispatch(ctx, m), start)
	}()

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case ack := <-done:
		return ack
	case <-timer.C:
		metrics.CommandTimeouts.WithLabelValues(m.Type).Inc()
		p.logger().Warnf("%s %s still running after %v, no longer waiting", m.Type, m.ID, p.timeout)
		return true
	}
}

func (p *Processor) dispatch(ctx context.Context, m bus.Message) error {
	switch m.Type {
	case CommandStoreSecret:
		var cmd StoreSecret
		if err := decode(m.Payload, &cmd); err != nil {
			return p.handlers.fail(ctx, EventStoreSecretFailed, mappingID(m.Payload), err)
		}
		return p.handlers.StoreSecret(ctx, cmd)
	case CommandStartQueryExecution:
		var cmd StartQueryExecution
		if err := decode(m.Payload, &cmd); err != nil {
			return p.handlers.fail(ctx, EventQueryExecutionFailed, mappingID(m.Payload), err)
		}
		return p.handlers.StartQueryExecution(ctx, cmd)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, m.Type)
	}
}

func mappingID(payload map[string]any) string {
	id, _ := payload["mappingId"].(string)
	return id
}

func (p *Processor) settle(m bus.Message, err error, start time.Time) bool {
	outcome, ack := "success", true
	switch {
	case err == nil:
		p.logger().Debugf("%s %s handled", m.Type, m.ID)
	case Permanent(err):
		outcome = "rejected"
		p.logger().Warnf("%s %s rejected: %v", m.Type, m.ID, err)
	default:
		outcome, ack = "failed", false
		p.logger().Errorf("%s %s failed, leaving it for redelivery: %v", m.Type, m.ID, err)
	}

	metrics.CommandsHandled.WithLabelValues(m.Type, outcome).Inc()
	metrics.CommandDuration.WithLabelValues(m.Type).Observe(time.Since(start).Seconds())
	metrics.LastCommandEnd.WithLabelValues(m.Type).SetToCurrentTime()
	return ack
}
