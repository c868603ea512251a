package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Responder renders handler errors as JSON and counts them by type.
type Responder struct {
	errorsTotal *prometheus.CounterVec
	logger      zerolog.Logger
}

func NewResponder(reg prometheus.Registerer, logger zerolog.Logger) *Responder {
	r := &Responder{
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "collabpulse",
			Subsystem: "http",
			Name:      "errors_total",
			Help:      "Total HTTP errors by error type.",
		}, []string{"type"}),
		logger: logger,
	}
	reg.MustRegister(r.errorsTotal)
	return r
}

// Middleware converts errors returned by handlers into JSON responses.
// echo.HTTPErrors are counted and passed through so echo keeps their status code.
func (r *Responder) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			if err == nil {
				return nil
			}

			var httpErr *echo.HTTPError
			if errors.As(err, &httpErr) {
				r.errorsTotal.WithLabelValues(string(WrapHTTPError(httpErr).Type)).Inc()
				return err
			}

			return r.Handle(c, err)
		}
	}
}

// Handle writes err as a structured JSON response.
func (r *Responder) Handle(c echo.Context, err error) error {
	if err == nil {
		return nil
	}

	structuredErr := AsStructuredError(err)
	r.errorsTotal.WithLabelValues(string(structuredErr.Type)).Inc()
	r.log(c, structuredErr)

	if err := c.JSON(structuredErr.HTTPStatus(), structuredErr.ToResponse()); err != nil {
		return fmt.Errorf("failed to write error response: %w", err)
	}
	return nil
}

func (r *Responder) log(c echo.Context, err *Error) {
	var event *zerolog.Event
	switch err.Type {
	case TypeValidation, TypeUnauthorized, TypeForbidden, TypeNotFound, TypeRateLimited:
		event = r.logger.Info()
	case TypeConflict, TypeUnavailable:
		event = r.logger.Warn()
	default:
		event = r.logger.Error().AnErr("cause", err.Cause)
	}

	event.
		Ctx(c.Request().Context()).
		Str("error_type", string(err.Type)).
		Str("path", c.Request().URL.Path).
		Str("method", c.Request().Method).
		Int("status", err.HTTPStatus()).
		Fields(err.Context).
		Msg(err.Message)
}

// WrapHTTPError converts echo's HTTPError to a structured error.
func WrapHTTPError(httpErr *echo.HTTPError) *Error {
	message := "internal server error"
	if msg, ok := httpErr.Message.(string); ok {
		message = msg
	}

	var errType ErrorType
	switch httpErr.Code {
	case http.StatusBadRequest:
		errType = TypeValidation
	case http.StatusUnauthorized:
		errType = TypeUnauthorized
	case http.StatusForbidden:
		errType = TypeForbidden
	case http.StatusNotFound:
		errType = TypeNotFound
	case http.StatusConflict:
		errType = TypeConflict
	case http.StatusTooManyRequests:
		errType = TypeRateLimited
	case http.StatusBadGateway:
		errType = TypeExternal
	case http.StatusServiceUnavailable:
		errType = TypeUnavailable
	default:
		errType = TypeInternal
	}

	return &Error{
		Type:    errType,
		Message: message,
		Cause:   httpErr.Internal,
		Context: make(map[string]any),
	}
}
