package usecase

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kitchenpulse/internal/domain/models"
)

func testWeights() map[models.Source]float64 {
	return map[models.Source]float64{
		models.SourceZomato:     0.4,
		models.SourceCompetitor: 0.35,
		models.SourceInStore:    0.25,
	}
}

func testAggregatorConfig() AggregatorConfig {
	return AggregatorConfig{
		DefaultWeights:    testWeights(),
		ModerateThreshold: 40,
		HighThreshold:     70,
		LockTimeout:       100 * time.Millisecond,
		SubscriberBuffer:  4,
	}
}

type recordingOutbox struct {
	mu     sync.Mutex
	orders []*models.Order
	rush   []models.RushIndex
	audit  []models.AuditEntry
}

func (r *recordingOutbox) OrderChanged(o *models.Order) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders = append(r.orders, o)
}

func (r *recordingOutbox) RushChanged(idx models.RushIndex) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rush = append(r.rush, idx)
}

func (r *recordingOutbox) Audited(e models.AuditEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audit = append(r.audit, e)
}

func (r *recordingOutbox) rushCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rush)
}

func TestComputeRushIndexMixedVolume(t *testing.T) {
	counts := map[models.Source]int{
		models.SourceZomato:     45,
		models.SourceCompetitor: 32,
		models.SourceInStore:    22,
	}
	idx := ComputeRushIndex("r1", counts, testWeights(), 40, 70)

	assert.Equal(t, 35, idx.Index)
	assert.Equal(t, models.RushLow, idx.Status)
	assert.Equal(t, 99, idx.TotalActive)
	assert.InDelta(t, 45.0/99*100, idx.BySource[models.SourceZomato].VolumePct, 1e-9)
}

func TestComputeRushIndexEmpty(t *testing.T) {
	idx := ComputeRushIndex("r1", nil, testWeights(), 40, 70)
	assert.Equal(t, 0, idx.Index)
	assert.Equal(t, models.RushLow, idx.Status)
	for _, s := range models.AllSources {
		assert.Zero(t, idx.BySource[s].VolumePct)
	}
}

func TestRushStatusBands(t *testing.T) {
	assert.Equal(t, models.RushLow, RushStatusFor(40, 40, 70))
	assert.Equal(t, models.RushModerate, RushStatusFor(41, 40, 70))
	assert.Equal(t, models.RushModerate, RushStatusFor(70, 40, 70))
	assert.Equal(t, models.RushHigh, RushStatusFor(71, 40, 70))
}

func TestAggregatorUnknownRestaurantIsZero(t *testing.T) {
	a := NewRushAggregator(testAggregatorConfig(), nil, nil, nil)
	idx := a.Get("nowhere")
	assert.Equal(t, 0, idx.Index)
	assert.Equal(t, models.RushLow, idx.Status)
	assert.Equal(t, uint64(0), idx.Version)
	assert.Len(t, idx.BySource, len(models.AllSources))
}

func TestAggregatorPublishesOnlyOnChange(t *testing.T) {
	out := &recordingOutbox{}
	a := NewRushAggregator(testAggregatorConfig(), nil, out, nil)
	ctx := context.Background()

	idx, err := a.Track(ctx, "r1", "o1", models.SourceZomato)
	require.NoError(t, err)
	assert.Equal(t, 40, idx.Index)
	assert.Equal(t, uint64(1), idx.Version)

	// recomputing an unchanged window publishes nothing
	_, err = a.Recompute(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 1, out.rushCount())

	idx, err = a.Track(ctx, "r1", "o2", models.SourceInStore)
	require.NoError(t, err)
	assert.Equal(t, 33, idx.Index)
	assert.Equal(t, uint64(2), idx.Version)

	idx, err = a.Retire(ctx, "r1", "o2")
	require.NoError(t, err)
	assert.Equal(t, 40, idx.Index)
	assert.Equal(t, uint64(3), idx.Version)
	assert.Equal(t, []string{"o1"}, a.Active("r1"))
}

func TestRestaurantWeightsOverride(t *testing.T) {
	cfg := testAggregatorConfig()
	cfg.RestaurantWeights = map[string]map[models.Source]float64{
		"r9": {models.SourceZomato: 1},
	}
	a := NewRushAggregator(cfg, nil, nil, nil)
	idx, err := a.Track(context.Background(), "r9", "o1", models.SourceZomato)
	require.NoError(t, err)
	assert.Equal(t, 100, idx.Index)
	assert.Equal(t, models.RushHigh, idx.Status)
}

func TestSubscribeReceivesSnapshotThenUpdates(t *testing.T) {
	a := NewRushAggregator(testAggregatorConfig(), nil, nil, nil)
	sub := a.Subscribe("r1")
	defer sub.Close()

	first := <-sub.C()
	assert.Equal(t, 0, first.Index)

	_, err := a.Track(context.Background(), "r1", "o1", models.SourceCompetitor)
	require.NoError(t, err)

	select {
	case got := <-sub.C():
		assert.Equal(t, 35, got.Index)
		assert.Equal(t, uint64(1), got.Version)
	case <-time.After(time.Second):
		t.Fatal("no update delivered")
	}
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	cfg := testAggregatorConfig()
	cfg.SubscriberBuffer = 2
	a := NewRushAggregator(cfg, nil, nil, nil)
	sub := a.Subscribe("r1")
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		src := models.AllSources[i%len(models.AllSources)]
		_, err := a.Track(ctx, "r1", fmt.Sprintf("o%d", i), src)
		require.NoError(t, err)
	}

	var got []models.RushIndex
	for len(sub.C()) > 0 {
		got = append(got, <-sub.C())
	}
	require.Len(t, got, 2)
	assert.Equal(t, a.Get("r1").Version, got[1].Version)
	assert.Less(t, got[0].Version, got[1].Version)
	assert.Positive(t, sub.Dropped())
	sub.Close()
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	a := NewRushAggregator(testAggregatorConfig(), nil, nil, nil)
	sub := a.Subscribe("r1")
	require.Equal(t, 1, a.Subscribers("r1"))
	sub.Close()
	sub.Close()
	assert.Equal(t, 0, a.Subscribers("r1"))

	_, err := a.Track(context.Background(), "r1", "o1", models.SourceZomato)
	require.NoError(t, err)

	// drain the initial snapshot; the channel must then be closed
	for range sub.C() {
	}
}

func TestRecomputeContentionKeepsMembership(t *testing.T) {
	cfg := testAggregatorConfig()
	cfg.LockTimeout = 10 * time.Millisecond
	a := NewRushAggregator(cfg, nil, nil, nil)
	ctx := context.Background()

	unlock, err := a.locks.Lock(ctx, "r1")
	require.NoError(t, err)
	_, err = a.Track(ctx, "r1", "o1", models.SourceZomato)
	require.ErrorIs(t, err, models.ErrContention)
	unlock()

	assert.Equal(t, []string{"o1"}, a.Active("r1"))
	assert.Equal(t, 1, a.RecomputeDirty(ctx))
	assert.Equal(t, 40, a.Get("r1").Index)
}

func TestAggregatorConcurrentTracking(t *testing.T) {
	cfg := testAggregatorConfig()
	cfg.LockTimeout = time.Second
	a := NewRushAggregator(cfg, nil, nil, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = a.Track(ctx, "r1", fmt.Sprintf("o%d", i), models.SourceZomato)
		}(i)
	}
	wg.Wait()

	idx := a.Get("r1")
	assert.Equal(t, 50, idx.TotalActive)
	assert.Equal(t, 40, idx.Index)
}

func TestPruneForgetsIdleRestaurants(t *testing.T) {
	a := NewRushAggregator(testAggregatorConfig(), nil, nil, nil)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		a.Subscribe(fmt.Sprintf("ghost-%d", i)).Close()
	}
	watching := a.Subscribe("r2")
	_, err := a.Track(ctx, "r1", "o1", models.SourceZomato)
	require.NoError(t, err)
	_, err = a.Track(ctx, "r3", "o3", models.SourceZomato)
	require.NoError(t, err)
	_, err = a.Retire(ctx, "r3", "o3")
	require.NoError(t, err)
	require.Equal(t, 103, a.Restaurants())

	// r1 has an active order and r2 a subscriber
	assert.Equal(t, 101, a.Prune())
	assert.Equal(t, 2, a.Restaurants())
	assert.Equal(t, 40, a.Get("r1").Index)

	<-watching.C()
	_, err = a.Track(ctx, "r2", "o2", models.SourceCompetitor)
	require.NoError(t, err)
	assert.Equal(t, 35, (<-watching.C()).Index)

	watching.Close()
	_, err = a.Retire(ctx, "r2", "o2")
	require.NoError(t, err)
	assert.Equal(t, 1, a.Prune())
	assert.Equal(t, 0, a.Get("r2").TotalActive)
}

func TestPrunedRestaurantStartsOver(t *testing.T) {
	a := NewRushAggregator(testAggregatorConfig(), nil, nil, nil)
	ctx := context.Background()

	a.Subscribe("r1").Close()
	require.Equal(t, 1, a.Prune())

	sub := a.Subscribe("r1")
	defer sub.Close()
	assert.Equal(t, 0, (<-sub.C()).TotalActive)
	_, err := a.Track(ctx, "r1", "o1", models.SourceZomato)
	require.NoError(t, err)
	assert.Equal(t, 1, (<-sub.C()).TotalActive)
}
