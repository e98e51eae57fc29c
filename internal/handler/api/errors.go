package api

import (
	"errors"
	"strings"
	"time"

	"kitchenpulse/internal/domain/models"
	xhttp "kitchenpulse/pkg/http"
)

// retryAfter is what a client is told to wait after contention or shutdown.
const retryAfter = time.Second

// toAppError maps core errors to transport errors.
func toAppError(err error) *xhttp.AppError {
	code := "ERR_" + strings.ToUpper(models.ErrorCode(err))
	var ae *xhttp.AppError
	switch {
	case errors.Is(err, models.ErrNotFound), errors.Is(err, models.ErrUnknownOrder):
		ae = xhttp.NotFoundError(err.Error())
		ae.Code = code
	case errors.Is(err, models.ErrContention), errors.Is(err, models.ErrServiceClosed):
		ae = xhttp.UnavailableError(code, err.Error()).WithRetryAfter(retryAfter)
	case errors.Is(err, models.ErrStaleEvent),
		errors.Is(err, models.ErrInvalidStageTransition),
		errors.Is(err, models.ErrDuplicateMark),
		errors.Is(err, models.ErrTerminalState),
		errors.Is(err, models.ErrDuplicateOrder):
		ae = xhttp.ConflictError(code, err.Error())
	case errors.Is(err, models.ErrInvalidEvent):
		ae = xhttp.BadRequestError(err.Error())
		ae.Code = code
	default:
		ae = xhttp.InternalError("internal error")
	}
	var ee *models.EventError
	if errors.As(err, &ee) {
		ae.WithParam("order_id", ee.OrderID).WithParam("kind", string(ee.Kind))
	}
	return ae.WithError(err)
}
