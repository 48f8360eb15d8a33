package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oagudo/twopc/internal/config"
)

func TestParseFlags(t *testing.T) {
	opts, err := parse([]string{
		"-queue-kind", "Kafka",
		"-queue-name", "to-queue",
		"-brokers", "localhost:9092,localhost:9093",
		"-count", "5",
		"-start", "10",
	})
	require.NoError(t, err)

	require.Equal(t, config.QueueKafka, opts.queue.Kind)
	require.Equal(t, []string{"localhost:9092", "localhost:9093"}, opts.queue.Brokers)
	require.Equal(t, 5, opts.count)
	require.Equal(t, 10, opts.start)
}

func TestParseRejectsNegativeCount(t *testing.T) {
	_, err := parse([]string{"-count", "-1"})
	require.Error(t, err)
}

func TestRunPublishesToMemoryQueue(t *testing.T) {
	err := run(context.Background(), []string{"-queue-kind", "memory", "-count", "3", "-rate", "1000"})
	require.NoError(t, err)
}

func TestMemPublisher(t *testing.T) {
	pub, err := newPublisher(config.QueueConfig{Kind: config.QueueMemory, Name: "to-queue"}, "TWOPC")
	require.NoError(t, err)

	require.NoError(t, pub.Publish(context.Background(), "id-1", []byte("1")))
	require.Equal(t, 1, pub.(*memPublisher).queue.Len())
	require.NoError(t, pub.Close())
}

func TestUnknownPublisherKind(t *testing.T) {
	_, err := newPublisher(config.QueueConfig{Kind: "sqs"}, "TWOPC")
	require.ErrorContains(t, err, "unknown queue kind")
}
