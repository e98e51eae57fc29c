package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kitchenpulse/internal/domain/models"
	"kitchenpulse/internal/usecase"
	xhttp "kitchenpulse/pkg/http"
)

var t0 = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func newService(t *testing.T) *usecase.EstimationService {
	t.Helper()
	svc := usecase.NewEstimationService(usecase.ServiceConfig{
		Estimator: usecase.EstimatorConfig{
			ProximityBiasWindow:      5 * time.Minute,
			CorrectionFactor:         1.2,
			ProximityThresholdMeters: 100,
		},
		Aggregator: usecase.AggregatorConfig{
			DefaultWeights: map[models.Source]float64{
				models.SourceZomato:     0.4,
				models.SourceCompetitor: 0.35,
				models.SourceInStore:    0.25,
			},
			ModerateThreshold: 40,
			HighThreshold:     70,
			SubscriberBuffer:  8,
		},
		LockTimeout:    time.Second,
		AbandonTimeout: 90 * time.Minute,
		SweepInterval:  time.Hour,
		Retention:      2 * time.Hour,
	}, usecase.WithClock(func() time.Time { return t0.Add(time.Hour) }))
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })
	return svc
}

func newEcho(svc EstimationService) *echo.Echo {
	e := echo.New()
	xhttp.Handlers{
		NewEstimatesEchoHandler(nil, svc, WithTrustedTimestamps(true)),
		NewRushStreamHandler(nil, svc, time.Second),
	}.RegisterRoutes(e)
	return e
}

func call(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func signalBody(orderID, kind string, at time.Time, extra string) string {
	b := fmt.Sprintf(`{"order_id":%q,"restaurant_id":"r1","kind":%q,"timestamp":%q`, orderID, kind, at.Format(time.RFC3339))
	if extra != "" {
		b += "," + extra
	}
	return b + "}"
}

type envelope[T any] struct {
	Status int `json:"status"`
	Data   T   `json:"data"`
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var env envelope[T]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env.Data
}

func TestSignal_CorrectedEstimate(t *testing.T) {
	e := newEcho(newService(t))

	rec := call(e, http.MethodPost, "/api/signals", signalBody("o1", "OrderPlaced", t0, `"source":"zomato"`))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, models.StatusPlaced, decode[models.OrderEstimate](t, rec).Status)

	rec = call(e, http.MethodPost, "/api/signals", signalBody("o1", "RiderProximityDetected", t0.Add(9*time.Minute), `"distance_m":40`))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	rec = call(e, http.MethodPost, "/api/signals", signalBody("o1", "ManualReadyMarked", t0.Add(10*time.Minute), ""))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	rec = call(e, http.MethodGet, "/api/orders/o1/estimate", "")
	require.Equal(t, http.StatusOK, rec.Code)
	est := decode[models.OrderEstimate](t, rec)
	require.NotNil(t, est.CorrectedReadyAt)
	assert.True(t, est.CorrectedReadyAt.Equal(t0.Add(12*time.Minute)))
	assert.True(t, est.BiasDetected)
	assert.Equal(t, "no-store", rec.Header().Get(echo.HeaderCacheControl))
}

func TestSignal_ErrorMapping(t *testing.T) {
	e := newEcho(newService(t))
	require.Equal(t, http.StatusAccepted,
		call(e, http.MethodPost, "/api/signals", signalBody("o1", "OrderPlaced", t0, `"source":"In-Store"`)).Code)

	tests := []struct {
		name string
		body string
		code int
		err  string
	}{
		{"unknown order", signalBody("nope", "ManualReadyMarked", t0, ""), http.StatusNotFound, "ERR_UNKNOWN_ORDER"},
		{"duplicate placement", signalBody("o1", "OrderPlaced", t0, `"source":"zomato"`), http.StatusConflict, "ERR_DUPLICATE_ORDER"},
		{"stale event", signalBody("o1", "ManualReadyMarked", t0.Add(-time.Minute), ""), http.StatusConflict, "ERR_STALE_EVENT"},
		{"bad source", signalBody("o2", "OrderPlaced", t0, `"source":"ubereats"`), http.StatusBadRequest, "ERR_INVALID_EVENT"},
		{"bad stage", signalBody("o1", "KdsStageUpdated", t0, `"stage":"cooking"`), http.StatusBadRequest, "ERR_INVALID_EVENT"},
		{"missing kind", `{"order_id":"o1"}`, http.StatusBadRequest, "ERR_REQUIRED"},
		{"unknown kind", `{"order_id":"o1","kind":"Teleported"}`, http.StatusBadRequest, "ERR_ONEOF"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := call(e, http.MethodPost, "/api/signals", tt.body)
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())
			assert.Contains(t, rec.Body.String(), tt.err)
		})
	}
}

func TestEstimate_NotFound(t *testing.T) {
	e := newEcho(newService(t))
	rec := call(e, http.MethodGet, "/api/orders/missing/estimate", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "ERR_NOT_FOUND")
}

func TestAudit_Limit(t *testing.T) {
	e := newEcho(newService(t))
	call(e, http.MethodPost, "/api/signals", signalBody("o1", "OrderPlaced", t0, `"source":"zomato"`))
	call(e, http.MethodPost, "/api/signals", signalBody("o1", "KdsStageUpdated", t0.Add(time.Minute), `"stage":"started"`))
	call(e, http.MethodPost, "/api/signals", signalBody("o1", "KdsStageUpdated", t0.Add(2*time.Minute), `"stage":"plating"`))

	rec := call(e, http.MethodGet, "/api/orders/o1/audit?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Rows  []models.AuditEntry `json:"rows"`
		Total int64               `json:"total"`
	}](t, rec)
	assert.EqualValues(t, 2, list.Total)
	require.Len(t, list.Rows, 2)
	assert.Equal(t, models.KindKdsStageUpdated, list.Rows[1].Kind)

	rec = call(e, http.MethodGet, "/api/orders/o1/audit?limit=1000", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRush_Snapshot(t *testing.T) {
	e := newEcho(newService(t))

	rec := call(e, http.MethodGet, "/api/restaurants/r1/rush", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, decode[models.RushIndex](t, rec).TotalActive)

	call(e, http.MethodPost, "/api/signals", signalBody("o1", "OrderPlaced", t0, `"source":"zomato"`))
	rec = call(e, http.MethodGet, "/api/restaurants/r1/rush", "")
	idx := decode[models.RushIndex](t, rec)
	assert.Equal(t, 1, idx.TotalActive)
	assert.Equal(t, 40, idx.Index)
	assert.Equal(t, models.RushLow, idx.Status)
}

type busyService struct{ EstimationService }

func (busyService) Submit(_ context.Context, ev models.SignalEvent) error {
	return models.NewEventError(ev, models.ErrContention)
}

func (busyService) Subscribe(string) (*usecase.Subscription, error) {
	return nil, models.ErrServiceClosed
}

func TestSignal_ContentionIsRetryable(t *testing.T) {
	e := newEcho(busyService{})
	rec := call(e, http.MethodPost, "/api/signals", signalBody("o1", "OrderPlaced", t0, `"source":"zomato"`))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "ERR_CONTENTION")

	rec = call(e, http.MethodGet, "/api/restaurants/r1/rush/stream", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRushStream(t *testing.T) {
	svc := newService(t)
	srv := httptest.NewServer(newEcho(svc))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/restaurants/r1/rush/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first models.RushIndex
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "r1", first.RestaurantID)
	assert.Equal(t, 0, first.TotalActive)

	require.NoError(t, svc.Submit(context.Background(), models.SignalEvent{
		OrderID: "o1", RestaurantID: "r1", Kind: models.KindOrderPlaced, Timestamp: t0,
		Payload: models.SignalPayload{Source: models.SourceCompetitor},
	}))

	var next models.RushIndex
	require.NoError(t, conn.ReadJSON(&next))
	assert.Equal(t, 1, next.TotalActive)
	assert.Equal(t, 35, next.Index)
	assert.Greater(t, next.Version, first.Version)
}
