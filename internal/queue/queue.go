// Package queue defines the message transport port for coordinator messages
// and its implementations: NATS JetStream for deployments, an in-process
// channel queue for local development and tests.
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/opskit/inquest/pkg/models"
)

// Subjects for the three coordinator message types.
const (
	SubjectAlarm     = "investigations.alarm"
	SubjectExecution = "investigations.execution"
	SubjectEvaluate  = "investigations.evaluate"
)

// SubjectFor maps a message type to its transport subject.
func SubjectFor(t models.MessageType) (string, error) {
	switch t {
	case models.MessageAlarm:
		return SubjectAlarm, nil
	case models.MessageExecution:
		return SubjectExecution, nil
	case models.MessageReEvaluate:
		return SubjectEvaluate, nil
	}
	return "", fmt.Errorf("no subject for message type %q", t)
}

// Handler processes one coordinator message. A non-nil error triggers
// redelivery on transports that support it.
type Handler func(ctx context.Context, msg *models.Message) error

// Publisher is the narrow interface engine components use to enqueue the
// next message.
type Publisher interface {
	Publish(ctx context.Context, msg *models.Message) error
}

// Queue is the full transport port: publish plus subscription.
type Queue interface {
	Publisher

	// Subscribe registers a handler for one message type and returns a stop
	// function.
	Subscribe(ctx context.Context, t models.MessageType, handler Handler) (func(), error)

	// Close shuts the transport down.
	Close() error
}

// Encode serializes a message for the wire.
func Encode(msg *models.Message) ([]byte, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return b, nil
}

// Decode parses a wire payload and checks the message type is known.
func Decode(data []byte) (*models.Message, error) {
	var msg models.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if _, err := SubjectFor(msg.Type); err != nil {
		return nil, err
	}
	return &msg, nil
}
