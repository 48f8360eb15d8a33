// Command twopc-publish fills a queue with integer messages for twopc-worker to transfer.
// Every message gets a fresh message id.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/oagudo/twopc/internal/config"
	"github.com/oagudo/twopc/internal/logger"
)

const serviceName = "twopc-publish"

type options struct {
	queue  config.QueueConfig
	log    logger.Config
	stream string
	start  int
	count  int
	rate   float64
	body   string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		}
		stop()
		os.Exit(1)
	}
}

func parse(args []string) (options, error) {
	fs := flag.NewFlagSet(serviceName, flag.ContinueOnError)

	path := fs.String("config", "", "path to a twopc-worker YAML config file, only the queue and log sections are used")
	kind := fs.String("queue-kind", "", "queue kind: amqp, nats, kafka, memory")
	url := fs.String("queue-url", "", "queue server URL")
	name := fs.String("queue-name", "", "queue, subject or topic name")
	brokers := fs.String("brokers", "", "comma separated kafka brokers")
	stream := fs.String("stream", "TWOPC", "JetStream stream created for the subject when missing")
	start := fs.Int("start", 1, "first integer published")
	count := fs.Int("count", 100, "number of messages")
	perSecond := fs.Float64("rate", 0, "messages per second, 0 for no limit")
	body := fs.String("body", "", "publish this body instead of integers")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg := config.Default()
	if *path != "" {
		var err error
		if cfg, err = config.Load(*path); err != nil {
			return options{}, err
		}
	}
	if *kind != "" {
		cfg.Queue.Kind = strings.ToLower(*kind)
	}
	if *url != "" {
		cfg.Queue.URL = *url
	}
	if *name != "" {
		cfg.Queue.Name = *name
	}
	if *brokers != "" {
		cfg.Queue.Brokers = strings.Split(*brokers, ",")
	}
	if *count < 0 {
		return options{}, errors.New("count must not be negative")
	}

	return options{
		queue:  cfg.Queue,
		log:    cfg.Log,
		stream: *stream,
		start:  *start,
		count:  *count,
		rate:   *perSecond,
		body:   *body,
	}, nil
}

func run(ctx context.Context, args []string) error {
	opts, err := parse(args)
	if err != nil {
		return err
	}

	log, err := logger.New(opts.log, serviceName)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	pub, err := newPublisher(opts.queue, opts.stream)
	if err != nil {
		return err
	}
	defer func() {
		if err := pub.Close(); err != nil {
			log.Warn("closing publisher", zap.Error(err))
		}
	}()

	limit := rate.Inf
	if opts.rate > 0 {
		limit = rate.Limit(opts.rate)
	}
	limiter := rate.NewLimiter(limit, 1)

	log = log.With(zap.String("queue_kind", opts.queue.Kind), zap.String("queue", opts.queue.Name))
	for i := range opts.count {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}

		body := opts.body
		if body == "" {
			body = strconv.Itoa(opts.start + i)
		}
		id := uuid.NewString()

		if err := pub.Publish(ctx, id, []byte(body)); err != nil {
			return fmt.Errorf("publishing message %s: %w", id, err)
		}
		log.Debug("published message", zap.String("message_id", id), zap.String("body", body))
	}

	log.Info("messages published", zap.Int("count", opts.count))
	return nil
}
