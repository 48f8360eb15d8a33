package main

import (
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/oagudo/twopc/internal/config"
	"github.com/oagudo/twopc/queue"
	"github.com/oagudo/twopc/queue/amqpqueue"
	"github.com/oagudo/twopc/queue/kafkaqueue"
	"github.com/oagudo/twopc/queue/memqueue"
	"github.com/oagudo/twopc/queue/natsqueue"
)

// openQueue connects to the configured broker. The returned func closes the source and
// the broker connection.
func openQueue(cfg config.QueueConfig, log *zap.Logger) (queue.Source, func() error, error) {
	log = log.With(zap.String("queue_kind", cfg.Kind), zap.String("queue", cfg.Name))

	switch cfg.Kind {
	case config.QueueAMQP:
		conn, err := amqp.Dial(cfg.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to RabbitMQ: %w", err)
		}
		if err := declareQueue(conn, cfg.Name); err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
		return amqpqueue.New(conn, cfg.Name, amqpqueue.WithLogger(log)), conn.Close, nil

	case config.QueueNATS:
		nc, err := nats.Connect(cfg.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to NATS: %w", err)
		}
		js, err := nc.JetStream()
		if err != nil {
			nc.Close()
			return nil, nil, fmt.Errorf("opening JetStream context: %w", err)
		}
		source, err := natsqueue.New(js, cfg.Name, cfg.Durable, natsqueue.WithLogger(log))
		if err != nil {
			nc.Close()
			return nil, nil, err
		}
		return source, func() error {
			err := source.Close()
			nc.Close()
			return err
		}, nil

	case config.QueueKafka:
		source, err := kafkaqueue.New(kafka.ReaderConfig{
			Brokers: cfg.Brokers,
			GroupID: cfg.GroupID,
			Topic:   cfg.Name,
		}, kafkaqueue.WithLogger(log))
		if err != nil {
			return nil, nil, err
		}
		return source, source.Close, nil

	case config.QueueMemory:
		q := memqueue.New(cfg.Name)
		for _, body := range cfg.Seed {
			q.Publish([]byte(body), nil)
		}
		log.Info("using in-process queue", zap.Int("seeded", len(cfg.Seed)))
		return q, func() error { return nil }, nil

	default:
		return nil, nil, fmt.Errorf("unknown queue kind %q", cfg.Kind)
	}
}

func declareQueue(conn *amqp.Connection, name string) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("opening channel: %w", err)
	}

	_, err = ch.QueueDeclare(
		name,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	return errors.Join(err, ch.Close())
}
