package api

import (
	"context"
	"errors"
	"time"

	"github.com/labstack/echo/v4"

	"kitchenpulse/internal/domain/models"
	"kitchenpulse/internal/usecase"
	xhttp "kitchenpulse/pkg/http"
	xlogger "kitchenpulse/pkg/logger"
)

// EstimationService is what the HTTP layer needs from the core.
type EstimationService interface {
	Submit(ctx context.Context, ev models.SignalEvent) error
	GetOrderEstimate(orderID string) (models.OrderEstimate, error)
	GetOrderAudit(orderID string, limit int) ([]models.AuditEntry, error)
	GetRushIndex(restaurantID string) models.RushIndex
	Subscribe(restaurantID string) (*usecase.Subscription, error)
}

// EstimatesEchoHandler serves signal ingestion and estimate queries.
type EstimatesEchoHandler struct {
	logger  *xlogger.Logger
	svc     EstimationService
	limit   echo.MiddlewareFunc
	trustTS bool
	now     func() time.Time
}

type HandlerOption func(*EstimatesEchoHandler)

// WithSignalLimit guards POST /api/signals with m.
func WithSignalLimit(m echo.MiddlewareFunc) HandlerOption {
	return func(h *EstimatesEchoHandler) { h.limit = m }
}

// WithTrustedTimestamps honours client supplied signal timestamps.
func WithTrustedTimestamps(trust bool) HandlerOption {
	return func(h *EstimatesEchoHandler) { h.trustTS = trust }
}

// WithNow replaces the clock used to stamp untrusted signals.
func WithNow(now func() time.Time) HandlerOption {
	return func(h *EstimatesEchoHandler) { h.now = now }
}

func NewEstimatesEchoHandler(logger *xlogger.Logger, svc EstimationService, opts ...HandlerOption) *EstimatesEchoHandler {
	if logger == nil {
		logger = xlogger.Nop()
	}
	h := &EstimatesEchoHandler{logger: logger, svc: svc, now: time.Now}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *EstimatesEchoHandler) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/api")
	var mw []echo.MiddlewareFunc
	if h.limit != nil {
		mw = append(mw, h.limit)
	}
	g.POST("/signals", h.Signal, mw...)
	g.GET("/orders/:id/estimate", h.Estimate)
	g.GET("/orders/:id/audit", h.Audit)
	g.GET("/restaurants/:id/rush", h.Rush)
}

// Signal accepts one signal event and returns the order's estimate after it
// was applied.
func (h *EstimatesEchoHandler) Signal(c echo.Context) error {
	req := &models.SignalRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	ev, err := usecase.SignalFromRequest(*req, h.now(), h.trustTS)
	if err != nil {
		return xhttp.AppErrorResponse(c, toAppError(err))
	}

	if err := h.svc.Submit(c.Request().Context(), ev); err != nil {
		h.logger.Warn("signal rejected",
			xlogger.String("order_id", ev.OrderID),
			xlogger.String("kind", string(ev.Kind)),
			xlogger.Error(err))
		return xhttp.AppErrorResponse(c, toAppError(err))
	}

	est, err := h.svc.GetOrderEstimate(ev.OrderID)
	if errors.Is(err, models.ErrNotFound) {
		// purged between submit and read
		return xhttp.AcceptedResponse(c, map[string]string{"order_id": ev.OrderID})
	}
	if err != nil {
		return xhttp.AppErrorResponse(c, toAppError(err))
	}
	return xhttp.AcceptedResponse(c, est)
}

func (h *EstimatesEchoHandler) Estimate(c echo.Context) error {
	req := &models.OrderRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	est, err := h.svc.GetOrderEstimate(req.OrderID)
	if err != nil {
		return xhttp.AppErrorResponse(c, toAppError(err))
	}
	c.Response().Header().Set(echo.HeaderCacheControl, "no-store")
	return xhttp.SuccessResponse(c, est)
}

func (h *EstimatesEchoHandler) Audit(c echo.Context) error {
	req := &models.AuditRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	entries, err := h.svc.GetOrderAudit(req.OrderID, req.Limit)
	if err != nil {
		return xhttp.AppErrorResponse(c, toAppError(err))
	}
	return xhttp.ListResponse(c, entries, int64(len(entries)))
}

func (h *EstimatesEchoHandler) Rush(c echo.Context) error {
	req := &models.RushRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	c.Response().Header().Set(echo.HeaderCacheControl, "no-store")
	return xhttp.SuccessResponse(c, h.svc.GetRushIndex(req.RestaurantID))
}
