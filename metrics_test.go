package twopc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func collectSum(t *testing.T, reader *sdkmetric.ManualReader, name string) map[string]int64 {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	sums := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			data, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "metric %s is not an int64 sum", name)
			for _, dp := range data.DataPoints {
				status, _ := dp.Attributes.Value(attribute.Key("status"))
				sums[status.AsString()] += dp.Value
			}
		}
	}
	return sums
}

func TestCoordinatorMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	c, clock := newTestCoordinator(t, WithMeter(provider.Meter("twopc-test")))

	ctx, _ := beginWith(t, c, time.Minute, &fakeParticipant{id: "queue"})
	_, err := c.End(ctx, OutcomeCommit)
	require.NoError(t, err)

	ctx, _ = beginWith(t, c, time.Minute, &fakeParticipant{id: "queue", cannotCommit: true})
	_, err = c.End(ctx, OutcomeCommit)
	require.ErrorIs(t, err, ErrCannotCommit)

	beginWith(t, c, time.Second, &fakeParticipant{id: "queue"})
	clock.Advance(time.Minute)
	require.Equal(t, 1, c.AbortExpired(context.Background()))

	require.Equal(t, map[string]int64{"": 3}, collectSum(t, reader, "twopc.transactions.begun"))
	require.Equal(t, map[string]int64{
		"COMMITTED":   1,
		"ROLLED_BACK": 2,
	}, collectSum(t, reader, "twopc.transactions.ended"))
	require.Equal(t, map[string]int64{"": 1}, collectSum(t, reader, "twopc.transactions.expired"))
	require.Equal(t, map[string]int64{"": 0}, collectSum(t, reader, "twopc.transactions.active"))
}

func TestCoordinatorTracesEnd(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	c, _ := newTestCoordinator(t, WithTracer(provider.Tracer("twopc-test")))

	ctx, tx := beginWith(t, c, time.Minute, &fakeParticipant{id: "queue"})
	_, err := c.End(ctx, OutcomeCommit)
	require.NoError(t, err)

	ctx, _ = beginWith(t, c, time.Minute, &fakeParticipant{id: "store", commitErr: errors.New("lost connection")})
	_, err = c.End(ctx, OutcomeCommit)
	require.ErrorIs(t, err, ErrHeuristicMixed)

	spans := recorder.Ended()
	require.Len(t, spans, 2)

	require.Equal(t, "twopc.End", spans[0].Name())
	require.Contains(t, spans[0].Attributes(), attribute.String("twopc.tx_id", tx.ID().String()))
	require.Contains(t, spans[0].Attributes(), attribute.String("twopc.status", "COMMITTED"))
	require.Equal(t, codes.Unset, spans[0].Status().Code)

	require.Contains(t, spans[1].Attributes(), attribute.String("twopc.status", "MIXED_FAILURE"))
	require.Equal(t, codes.Error, spans[1].Status().Code)
}

type failingMeter struct {
	noop.Meter
}

func (failingMeter) Int64Counter(string, ...metric.Int64CounterOption) (metric.Int64Counter, error) {
	return nil, errors.New("meter unavailable")
}

func TestMeterFailureIsLoggedWhateverTheOptionOrder(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)

	c := NewCoordinator(WithMeter(failingMeter{}), WithLogger(zap.New(core)))

	require.Equal(t, 1, logs.FilterMessage("creating metric instruments, metrics disabled").Len())

	// the coordinator keeps working without metrics
	ctx, _ := beginWith(t, c, time.Minute, &fakeParticipant{id: "queue"})
	status, err := c.End(ctx, OutcomeCommit)
	require.NoError(t, err)
	require.Equal(t, StatusCommitted, status)
}
