package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
)

// Observer receives one sample per served request.
type Observer interface {
	ObserveHTTP(route, method string, code int, seconds float64)
}

// Metrics records request metrics labelled by the templated route
// (e.g. "/api/orders/:id/estimate") to keep cardinality low.
func Metrics(o Observer) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if o == nil {
				return next(c)
			}
			start := time.Now()
			err := next(c)
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			code := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				code = he.Code
			}
			o.ObserveHTTP(route, c.Request().Method, code, time.Since(start).Seconds())
			return err
		}
	}
}
