package queue

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/opskit/inquest/pkg/models"
)

const streamName = "INQUEST"

// NATSQueue implements Queue over NATS JetStream. Messages are acked only
// after the handler succeeds, so a crashed consumer gets redelivery.
type NATSQueue struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// ConnectNATS establishes a connection and ensures the stream exists.
func ConnectNATS(ctx context.Context, url string) (*NATSQueue, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{"investigations.>"},
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	log.Info().Str("url", url).Str("stream", streamName).Msg("nats connected")
	return &NATSQueue{nc: nc, js: js}, nil
}

// Publish sends a coordinator message to its subject.
func (q *NATSQueue) Publish(ctx context.Context, msg *models.Message) error {
	subject, err := SubjectFor(msg.Type)
	if err != nil {
		return err
	}
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	if _, err := q.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers a handler for one message type with explicit acks.
func (q *NATSQueue) Subscribe(ctx context.Context, t models.MessageType, handler Handler) (func(), error) {
	subject, err := SubjectFor(t)
	if err != nil {
		return nil, err
	}

	consumer, err := q.js.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		Durable:       "inquest-" + string(t),
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("nats consumer create: %w", err)
	}

	cons, err := consumer.Consume(func(m jetstream.Msg) {
		msg, err := Decode(m.Data())
		if err != nil {
			// Malformed payload can never succeed; drop it.
			log.Error().Err(err).Str("subject", m.Subject()).Msg("undecodable message dropped")
			if ackErr := m.Ack(); ackErr != nil {
				log.Error().Err(ackErr).Msg("nats ack failed")
			}
			return
		}
		if err := handler(context.Background(), msg); err != nil {
			log.Error().Err(err).Str("subject", m.Subject()).Msg("message handler failed")
			if nakErr := m.Nak(); nakErr != nil {
				log.Error().Err(nakErr).Msg("nats nak failed")
			}
			return
		}
		if ackErr := m.Ack(); ackErr != nil {
			log.Error().Err(ackErr).Msg("nats ack failed")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("nats consume: %w", err)
	}

	return cons.Stop, nil
}

// Close shuts down the NATS connection.
func (q *NATSQueue) Close() error {
	q.nc.Close()
	return nil
}
