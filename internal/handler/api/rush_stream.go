package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"kitchenpulse/internal/domain/models"
	"kitchenpulse/internal/usecase"
	xhttp "kitchenpulse/pkg/http"
	xlogger "kitchenpulse/pkg/logger"
)

// RushSubscriber is the part of the core the stream needs.
type RushSubscriber interface {
	Subscribe(restaurantID string) (*usecase.Subscription, error)
}

// RushStreamHandler pushes rush index changes to websocket clients. The first
// message is the current snapshot; later messages are sent only on change.
type RushStreamHandler struct {
	logger       *xlogger.Logger
	svc          RushSubscriber
	upgrader     websocket.Upgrader
	pingInterval time.Duration
	writeWait    time.Duration
}

func NewRushStreamHandler(logger *xlogger.Logger, svc RushSubscriber, pingInterval time.Duration) *RushStreamHandler {
	if logger == nil {
		logger = xlogger.Nop()
	}
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	return &RushStreamHandler{
		logger: logger,
		svc:    svc,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  512,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		pingInterval: pingInterval,
		writeWait:    10 * time.Second,
	}
}

func (h *RushStreamHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/api/restaurants/:id/rush/stream", h.Stream)
}

func (h *RushStreamHandler) Stream(c echo.Context) error {
	req := &models.RushRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	sub, err := h.svc.Subscribe(req.RestaurantID)
	if err != nil {
		return xhttp.AppErrorResponse(c, toAppError(err))
	}
	defer sub.Close()

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader already replied
		h.logger.Debug("rush stream upgrade failed", xlogger.Error(err))
		return nil
	}
	defer conn.Close()

	log := h.logger.With(xlogger.String("restaurant_id", req.RestaurantID))
	log.Debug("rush stream opened")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.readLoop(conn, cancel)

	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug("rush stream closed by client", xlogger.Uint64("dropped", sub.Dropped()))
			return nil
		case idx, ok := <-sub.C():
			_ = conn.SetWriteDeadline(time.Now().Add(h.writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return nil
			}
			if err := conn.WriteJSON(idx); err != nil {
				log.Debug("rush stream write failed", xlogger.Error(err))
				return nil
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.writeWait)); err != nil {
				return nil
			}
		}
	}
}

// readLoop drains client frames so pongs and close frames are processed.
func (h *RushStreamHandler) readLoop(conn *websocket.Conn, done context.CancelFunc) {
	defer done()
	wait := 2 * h.pingInterval
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wait))
	})
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}
