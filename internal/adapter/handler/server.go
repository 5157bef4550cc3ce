package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/srgjo27/event_ticketing/internal/core/services"
	"github.com/srgjo27/event_ticketing/internal/platform/logging"
)

type Server struct {
	e    *echo.Echo
	addr string
}

// NewServer registers every route on a fresh echo instance. ready reports
// whether the backing stores are reachable; nil means always ready.
func NewServer(addr string, svc *services.BookingService, ready func(ctx context.Context) error) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(correlationID)
	e.Use(requestLogger)

	h := NewBookingHandler(svc)

	e.POST("/events/:id/ticket-classes", h.PublishTicketClasses)
	e.GET("/events/:id/availability", h.GetAvailability)

	e.POST("/bookings", h.CreateBooking)
	e.GET("/bookings", h.ListBookings)
	e.GET("/bookings/:id", h.GetBooking)
	e.POST("/bookings/:id/cancel", h.CancelBooking)

	e.GET("/health", func(c echo.Context) error {
		if ready != nil {
			if err := ready(c.Request().Context()); err != nil {
				return c.String(http.StatusServiceUnavailable, "not ready: "+err.Error())
			}
		}
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	e.Server.ReadTimeout = 5 * time.Second
	e.Server.WriteTimeout = 30 * time.Second
	e.Server.IdleTimeout = 120 * time.Second

	return &Server{e: e, addr: addr}
}

func (s *Server) Handler() http.Handler {
	return s.e
}

func (s *Server) Start() error {
	err := s.e.Start(s.addr)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}

func correlationID(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()

		ctx := logging.WithCorrelationID(req.Context(), req.Header.Get(logging.CorrelationIDHeader))
		c.SetRequest(req.WithContext(ctx))
		c.Response().Header().Set(logging.CorrelationIDHeader, logging.CorrelationID(ctx))

		return next(c)
	}
}

func requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		started := time.Now()

		err := next(c)
		if err != nil {
			c.Error(err)
		}

		log := zerolog.Ctx(c.Request().Context())
		ev := log.Info()
		if c.Response().Status >= http.StatusInternalServerError {
			ev = log.Error().Err(err)
		}
		ev.Str("method", c.Request().Method).
			Str("path", c.Path()).
			Int("status", c.Response().Status).
			Dur("took", time.Since(started)).
			Msg("Handled a request")

		return nil
	}
}
