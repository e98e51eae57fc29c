package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kitchenpulse/internal/domain/models"
	"kitchenpulse/pkg/logger"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type countingMetrics struct {
	mu      sync.Mutex
	signals map[string]int
	bias    map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{signals: map[string]int{}, bias: map[string]int{}}
}

func (m *countingMetrics) RecordSignal(kind, result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signals[kind+"/"+result]++
}
func (m *countingMetrics) RecordError(string) {}
func (m *countingMetrics) RecordBias(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bias[reason]++
}
func (m *countingMetrics) RecordRushIndex(string, int) {}
func (m *countingMetrics) RecordLatency(string, float64) {}

func newTestService(t *testing.T) (*EstimationService, *fakeClock, *recordingOutbox) {
	t.Helper()
	clock := &fakeClock{now: t0}
	out := &recordingOutbox{}
	svc := NewEstimationService(ServiceConfig{
		Estimator:      testEstimatorConfig(),
		Aggregator:     testAggregatorConfig(),
		LockTimeout:    time.Second,
		AbandonTimeout: 90 * time.Minute,
		SweepInterval:  time.Hour,
		Retention:      2 * time.Hour,
	}, WithClock(clock.Now), WithOutbox(out))
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })
	return svc, clock, out
}

func TestServiceEndToEnd(t *testing.T) {
	svc, _, out := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Submit(ctx, placed("o1", "r1", models.SourceZomato, t0)))
	require.NoError(t, svc.Submit(ctx, signal("o1", models.KindRiderProximityDetected, t0.Add(9*time.Minute))))
	require.NoError(t, svc.Submit(ctx, signal("o1", models.KindManualReadyMarked, t0.Add(10*time.Minute))))

	est, err := svc.GetOrderEstimate("o1")
	require.NoError(t, err)
	assert.Equal(t, t0.Add(12*time.Minute), *est.CorrectedReadyAt)
	assert.True(t, est.BiasDetected)

	rush := svc.GetRushIndex("r1")
	assert.Equal(t, 1, rush.TotalActive)
	assert.Equal(t, 40, rush.Index)

	require.NoError(t, svc.Submit(ctx, signal("o1", models.KindOrderPickedUp, t0.Add(13*time.Minute))))
	assert.Equal(t, 0, svc.GetRushIndex("r1").TotalActive)

	audit, err := svc.GetOrderAudit("o1", 10)
	require.NoError(t, err)
	assert.Len(t, audit, 4)
	assert.Len(t, out.audit, 4)
}

func TestServiceRejectsInvalidEnvelope(t *testing.T) {
	svc, _, _ := newTestService(t)
	err := svc.Submit(context.Background(), models.SignalEvent{Kind: models.KindOrderPlaced, Timestamp: t0})
	assert.ErrorIs(t, err, models.ErrInvalidEvent)

	err = svc.Submit(context.Background(), placed("o1", "r1", "drone", t0))
	assert.ErrorIs(t, err, models.ErrInvalidEvent)
}

func TestServiceQueriesUnknownIDs(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.GetOrderEstimate("missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = svc.GetOrderAudit("missing", 5)
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.Equal(t, 0, svc.GetRushIndex("missing").Index)
}

func TestServiceRecordsBiasMetrics(t *testing.T) {
	m := newCountingMetrics()
	svc := NewEstimationService(ServiceConfig{
		Estimator:   testEstimatorConfig(),
		Aggregator:  testAggregatorConfig(),
		LockTimeout: time.Second,
	}, WithClock(func() time.Time { return t0 }), WithMetrics(m))
	ctx := context.Background()

	require.NoError(t, svc.Submit(ctx, placed("o1", "r1", models.SourceZomato, t0)))
	require.NoError(t, svc.Submit(ctx, signal("o1", models.KindManualReadyMarked, t0.Add(time.Minute))))
	err := svc.Submit(ctx, signal("o1", models.KindManualReadyMarked, t0.Add(2*time.Minute)))
	require.ErrorIs(t, err, models.ErrDuplicateMark)

	assert.Equal(t, 1, m.bias[models.BiasReasonKdsMismatch])
	assert.Equal(t, 1, m.signals["ManualReadyMarked/ok"])
	assert.Equal(t, 1, m.signals["ManualReadyMarked/duplicate_mark"])
}

func TestServiceCountsBiasReasonAddedLater(t *testing.T) {
	m := newCountingMetrics()
	svc := NewEstimationService(ServiceConfig{
		Estimator:   testEstimatorConfig(),
		Aggregator:  testAggregatorConfig(),
		LockTimeout: time.Second,
	}, WithClock(func() time.Time { return t0 }), WithMetrics(m))
	ctx := context.Background()

	require.NoError(t, svc.Submit(ctx, placed("o1", "r1", models.SourceZomato, t0)))
	require.NoError(t, svc.Submit(ctx, signal("o1", models.KindManualReadyMarked, t0.Add(10*time.Minute))))
	require.NoError(t, svc.Submit(ctx, signal("o1", models.KindRiderProximityDetected, t0.Add(8*time.Minute))))

	assert.Equal(t, 1, m.bias[models.BiasReasonKdsMismatch])
	assert.Equal(t, 1, m.bias[models.BiasReasonProximity])
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// levels maps each logged message to its level.
func (b *syncBuffer) levels(t *testing.T) map[string]string {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]string)
	for _, line := range strings.Split(strings.TrimSpace(b.buf.String()), "\n") {
		var rec struct {
			Level   string `json:"level"`
			Message string `json:"message"`
		}
		require.NoError(t, json.Unmarshal([]byte(line), &rec), line)
		out[rec.Message] = rec.Level
	}
	return out
}

func TestServiceLogLevels(t *testing.T) {
	var out syncBuffer
	log, err := logger.NewWithWriter(&out, &logger.Config{Level: "info", Format: "json"})
	require.NoError(t, err)
	svc := NewEstimationService(ServiceConfig{
		Estimator:   testEstimatorConfig(),
		Aggregator:  testAggregatorConfig(),
		LockTimeout: time.Second,
	}, WithClock(func() time.Time { return t0 }), WithLogger(log))
	ctx := context.Background()

	require.NoError(t, svc.Submit(ctx, placed("o1", "r1", models.SourceZomato, t0)))
	require.Error(t, svc.Submit(ctx, placed("o1", "r1", models.SourceZomato, t0)))
	require.NoError(t, svc.Submit(ctx, signal("o1", models.KindOrderPickedUp, t0.Add(time.Minute))))

	levels := out.levels(t)
	assert.Equal(t, "warn", levels["signal rejected"])
	assert.Equal(t, "info", levels["order anomaly"])
}

func TestSweepAbandonsAndPurges(t *testing.T) {
	svc, clock, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Submit(ctx, placed("o1", "r1", models.SourceZomato, t0)))
	require.NoError(t, svc.Submit(ctx, placed("o2", "r1", models.SourceInStore, t0)))

	clock.Advance(60 * time.Minute)
	require.NoError(t, svc.Submit(ctx, stage("o2", models.KdsStarted, clock.Now())))

	clock.Advance(31 * time.Minute)
	res := svc.Sweep(ctx)
	assert.Equal(t, 1, res.Abandoned)

	est, err := svc.GetOrderEstimate("o1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusAbandoned, est.Status)
	assert.Equal(t, models.AnomalyAbandoned, est.Anomaly)
	assert.Equal(t, 1, svc.GetRushIndex("r1").TotalActive)

	err = svc.Submit(ctx, signal("o1", models.KindManualReadyMarked, clock.Now()))
	assert.ErrorIs(t, err, models.ErrTerminalState)

	clock.Advance(3 * time.Hour)
	res = svc.Sweep(ctx)
	assert.Equal(t, 1, res.Abandoned)
	assert.Equal(t, 1, res.Purged)
	_, err = svc.GetOrderEstimate("o1")
	assert.ErrorIs(t, err, models.ErrNotFound)

	// a redelivered placement does not reopen the purged order
	err = svc.Submit(ctx, placed("o1", "r1", models.SourceZomato, t0))
	assert.ErrorIs(t, err, models.ErrTerminalState)

	clock.Advance(24 * time.Hour)
	res = svc.Sweep(ctx)
	assert.Equal(t, 1, res.Forgotten)
}

func TestConcurrentOrdersAreIndependent(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 400)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("o%d", i)
			src := models.AllSources[i%len(models.AllSources)]
			for _, ev := range []models.SignalEvent{
				placed(id, "r1", src, t0),
				stage(id, models.KdsStarted, t0.Add(time.Minute)),
				stage(id, models.KdsReady, t0.Add(5*time.Minute)),
				signal(id, models.KindManualReadyMarked, t0.Add(6*time.Minute)),
			} {
				if err := svc.Submit(ctx, ev); err != nil {
					errs <- err
				}
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	assert.Equal(t, 100, svc.GetRushIndex("r1").TotalActive)
	for i := 0; i < 100; i++ {
		est, err := svc.GetOrderEstimate(fmt.Sprintf("o%d", i))
		require.NoError(t, err)
		assert.Equal(t, models.StatusValidated, est.Status)
	}
}

func TestSameOrderEventsAreSerialized(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.Submit(ctx, placed("o1", "r1", models.SourceZomato, t0)))

	var wg sync.WaitGroup
	var mu sync.Mutex
	dup := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := svc.Submit(ctx, signal("o1", models.KindManualReadyMarked, t0.Add(time.Minute)))
			if err != nil {
				mu.Lock()
				dup++
				mu.Unlock()
				assert.ErrorIs(t, err, models.ErrDuplicateMark)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 19, dup)
}

func TestSubscribeAndShutdown(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	sub, err := svc.Subscribe("r1")
	require.NoError(t, err)
	assert.Equal(t, 0, (<-sub.C()).Index)

	require.NoError(t, svc.Submit(ctx, placed("o1", "r1", models.SourceZomato, t0)))
	assert.Equal(t, 40, (<-sub.C()).Index)

	require.NoError(t, svc.Shutdown(ctx))
	_, ok := <-sub.C()
	assert.False(t, ok)

	err = svc.Submit(ctx, placed("o2", "r1", models.SourceZomato, t0))
	assert.ErrorIs(t, err, models.ErrServiceClosed)
	_, err = svc.Subscribe("r1")
	assert.ErrorIs(t, err, models.ErrServiceClosed)

	// queries keep answering after shutdown
	_, err = svc.GetOrderEstimate("o1")
	assert.NoError(t, err)
}

func TestRestoreRebuildsActiveSets(t *testing.T) {
	svc, _, _ := newTestService(t)
	picked := t0.Add(5 * time.Minute)
	n, err := svc.Restore(context.Background(), []*models.Order{
		{ID: "o1", RestaurantID: "r1", Source: models.SourceZomato, PlacedAt: t0, Status: models.StatusPreparing, LastActivityAt: t0},
		{ID: "o2", RestaurantID: "r1", Source: models.SourceInStore, PlacedAt: t0, Status: models.StatusPickedUp, PickedUpAt: &picked, RetiredAt: &picked},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, svc.GetRushIndex("r1").TotalActive)

	err = svc.Submit(context.Background(), stage("o1", models.KdsPlating, t0.Add(time.Minute)))
	assert.NoError(t, err)
}

func TestSubmitContention(t *testing.T) {
	svc := NewEstimationService(ServiceConfig{
		Estimator:   testEstimatorConfig(),
		Aggregator:  testAggregatorConfig(),
		LockTimeout: 10 * time.Millisecond,
	})
	ctx := context.Background()
	require.NoError(t, svc.Submit(ctx, placed("o1", "r1", models.SourceZomato, t0)))

	release := make(chan struct{})
	go func() {
		_ = svc.bus.WithOrderLock(ctx, "o1", func() error {
			<-release
			return nil
		})
	}()
	require.Eventually(t, func() bool { return svc.bus.locks.Len() == 1 }, time.Second, time.Millisecond)

	err := svc.Submit(ctx, stage("o1", models.KdsStarted, t0.Add(time.Minute)))
	assert.ErrorIs(t, err, models.ErrContention)
	close(release)
	require.NoError(t, svc.Shutdown(ctx))
}
