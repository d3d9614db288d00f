// Package bus carries commands to the node and events from it. Delivery is
// at least once: a command that is not acknowledged is delivered again.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrMalformed = errors.New("malformed message")

// Message is a command received from the bus.
type Message struct {
	ID      string         `json:"-"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

// Event is published by the node.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Handler processes one message and reports whether it is done with it.
// Messages not acknowledged stay pending and are delivered again.
type Handler func(ctx context.Context, m Message) (ack bool)

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

type Consumer interface {
	// Consume delivers messages to the handler until the context ends.
	Consume(ctx context.Context, h Handler) error
}

// Sender puts commands on the bus, for tools and tests.
type Sender interface {
	Send(ctx context.Context, typ string, payload any) error
}

// Bus is the full set of operations of an implementation.
type Bus interface {
	Publisher
	Consumer
	Sender
	Close() error
}

func encode(payload any) (string, error) {
	bs, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(bs), nil
}

func decode(id, typ, payload string) (Message, error) {
	m := Message{ID: id, Type: typ}
	if typ == "" {
		return m, fmt.Errorf("%w: message %s has no type", ErrMalformed, id)
	}
	if payload == "" {
		m.Payload = map[string]any{}
		return m, nil
	}
	if err := json.Unmarshal([]byte(payload), &m.Payload); err != nil {
		return m, fmt.Errorf("%w: message %s: %v", ErrMalformed, id, err)
	}
	if m.Payload == nil {
		m.Payload = map[string]any{}
	}
	return m, nil
}
