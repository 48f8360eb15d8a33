package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/segmentio/kafka-go"

	"github.com/oagudo/twopc/internal/config"
	"github.com/oagudo/twopc/queue/kafkaqueue"
	"github.com/oagudo/twopc/queue/memqueue"
)

type publisher interface {
	Publish(ctx context.Context, id string, body []byte) error
	Close() error
}

func newPublisher(cfg config.QueueConfig, stream string) (publisher, error) {
	switch cfg.Kind {
	case config.QueueAMQP:
		conn, err := amqp.Dial(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("connecting to RabbitMQ: %w", err)
		}
		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("opening channel: %w", err)
		}
		if _, err := ch.QueueDeclare(cfg.Name, true, false, false, false, nil); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("declaring queue %s: %w", cfg.Name, err)
		}
		return &amqpPublisher{conn: conn, channel: ch, queue: cfg.Name}, nil

	case config.QueueNATS:
		nc, err := nats.Connect(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("connecting to NATS: %w", err)
		}
		js, err := nc.JetStream()
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("opening JetStream context: %w", err)
		}
		if _, err := js.StreamInfo(stream); err != nil {
			if !errors.Is(err, nats.ErrStreamNotFound) {
				nc.Close()
				return nil, fmt.Errorf("looking up stream %s: %w", stream, err)
			}
			if _, err := js.AddStream(&nats.StreamConfig{Name: stream, Subjects: []string{cfg.Name}}); err != nil {
				nc.Close()
				return nil, fmt.Errorf("creating stream %s: %w", stream, err)
			}
		}
		return &natsPublisher{conn: nc, js: js, subject: cfg.Name}, nil

	case config.QueueKafka:
		return &kafkaPublisher{writer: &kafka.Writer{
			Addr:     kafka.TCP(cfg.Brokers...),
			Topic:    cfg.Name,
			Balancer: &kafka.LeastBytes{},
		}}, nil

	case config.QueueMemory:
		return &memPublisher{queue: memqueue.New(cfg.Name)}, nil

	default:
		return nil, fmt.Errorf("unknown queue kind %q", cfg.Kind)
	}
}

type amqpPublisher struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   string
}

func (p *amqpPublisher) Publish(ctx context.Context, id string, body []byte) error {
	return p.channel.PublishWithContext(
		ctx,
		"",      // exchange
		p.queue, // routing key
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  "text/plain",
			Body:         body,
			MessageId:    id,
			DeliveryMode: amqp.Persistent,
		},
	)
}

func (p *amqpPublisher) Close() error {
	return errors.Join(p.channel.Close(), p.conn.Close())
}

type natsPublisher struct {
	conn    *nats.Conn
	js      nats.JetStreamContext
	subject string
}

func (p *natsPublisher) Publish(ctx context.Context, id string, body []byte) error {
	msg := nats.NewMsg(p.subject)
	msg.Data = body
	msg.Header.Set(nats.MsgIdHdr, id)

	_, err := p.js.PublishMsg(msg, nats.Context(ctx))
	return err
}

func (p *natsPublisher) Close() error {
	p.conn.Close()
	return nil
}

type kafkaPublisher struct {
	writer *kafka.Writer
}

func (p *kafkaPublisher) Publish(ctx context.Context, id string, body []byte) error {
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(id),
		Value: body,
		Headers: []kafka.Header{
			{Key: kafkaqueue.MessageIDHeader, Value: []byte(id)},
		},
	})
}

func (p *kafkaPublisher) Close() error {
	return p.writer.Close()
}

// memPublisher only makes sense for a dry run, the queue lives in this process.
type memPublisher struct {
	queue *memqueue.Queue
}

func (p *memPublisher) Publish(_ context.Context, _ string, body []byte) error {
	p.queue.Publish(body, nil)
	return nil
}

func (p *memPublisher) Close() error {
	return nil
}
