package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/srgjo27/event_ticketing/internal/core/domain"
	"github.com/srgjo27/event_ticketing/internal/core/services"
)

type BookingHandler struct {
	svc *services.BookingService
}

func NewBookingHandler(svc *services.BookingService) *BookingHandler {
	return &BookingHandler{svc: svc}
}

// bookingBody is a booking plus the reason the request did not end in a
// settled booking, if any.
type bookingBody struct {
	services.BookingResponse
	Error string `json:"error,omitempty"`
}

type ticketClassesBody struct {
	TicketClasses []services.TicketClassRequest `json:"ticket_classes"`
}

func (h *BookingHandler) CreateBooking(c echo.Context) error {
	var req services.CreateBookingRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid json body"})
	}

	res, err := h.svc.CreateBooking(c.Request().Context(), req)
	if err != nil {
		if res == nil {
			return writeError(c, err)
		}

		body := bookingBody{BookingResponse: services.NewBookingResponse(res.Booking), Error: err.Error()}
		switch {
		case errors.Is(err, domain.ErrPaymentDeclined):
			return c.JSON(http.StatusPaymentRequired, body)
		case errors.Is(err, domain.ErrPaymentInfrastructure):
			return c.JSON(http.StatusAccepted, body)
		case errors.Is(err, domain.ErrInvalidTransition):
			// closed by a cancel or expiry while the charge ran
			return c.JSON(http.StatusConflict, body)
		}
		return writeError(c, err)
	}

	body := bookingBody{BookingResponse: services.NewBookingResponse(res.Booking)}
	if res.Booking.Status == domain.BookingPending {
		return c.JSON(http.StatusAccepted, body)
	}
	return c.JSON(http.StatusCreated, body)
}

func (h *BookingHandler) GetBooking(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid booking id"})
	}

	b, err := h.svc.GetBooking(c.Request().Context(), id)
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusOK, services.NewBookingResponse(*b))
}

func (h *BookingHandler) ListBookings(c echo.Context) error {
	var filter domain.BookingFilter

	for param, dst := range map[string]**uuid.UUID{
		"user_id":      &filter.UserID,
		"event_id":     &filter.EventID,
		"organizer_id": &filter.OrganizerID,
	} {
		raw := c.QueryParam(param)
		if raw == "" {
			continue
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid " + param})
		}
		*dst = &id
	}

	for param, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		raw := c.QueryParam(param)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid " + param})
		}
		*dst = n
	}

	bookings, err := h.svc.ListBookings(c.Request().Context(), filter)
	if err != nil {
		return writeError(c, err)
	}

	out := make([]services.BookingResponse, 0, len(bookings))
	for _, b := range bookings {
		out = append(out, services.NewBookingResponse(b))
	}

	return c.JSON(http.StatusOK, echo.Map{"bookings": out})
}

func (h *BookingHandler) CancelBooking(c echo.Context) error {
	var req services.CancelBookingRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid json body"})
		}
	}
	req.BookingID = c.Param("id")

	res, err := h.svc.CancelBooking(c.Request().Context(), req)
	if err != nil {
		return writeError(c, err)
	}

	if res.Booking.RefundPending {
		zerolog.Ctx(c.Request().Context()).Warn().
			Str("booking_id", res.Booking.ID.String()).
			Msg("booking cancelled, refund still pending")
	}

	return c.JSON(http.StatusOK, services.NewBookingResponse(res.Booking))
}

func (h *BookingHandler) PublishTicketClasses(c echo.Context) error {
	eventID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid event id"})
	}

	var body ticketClassesBody
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid json body"})
	}

	classes := make([]domain.TicketClass, 0, len(body.TicketClasses))
	for _, tc := range body.TicketClasses {
		classes = append(classes, tc.ToDomain())
	}

	if err := h.svc.PublishTicketClasses(c.Request().Context(), eventID, classes); err != nil {
		return writeError(c, err)
	}

	return c.NoContent(http.StatusNoContent)
}

func (h *BookingHandler) GetAvailability(c echo.Context) error {
	eventID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid event id"})
	}

	avail, err := h.svc.GetAvailability(c.Request().Context(), eventID)
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusOK, echo.Map{"event_id": eventID.String(), "ticket_classes": avail})
}

func writeError(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrBookingNotFound), errors.Is(err, domain.ErrTicketClassNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrEventSoldOut),
		errors.Is(err, domain.ErrInsufficientCapacity),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrConcurrentModification),
		errors.Is(err, domain.ErrCapacityBelowConsumed):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrPaymentDeclined):
		status = http.StatusPaymentRequired
	case errors.Is(err, domain.ErrPaymentInfrastructure):
		status = http.StatusAccepted
	}

	if status == http.StatusInternalServerError {
		zerolog.Ctx(c.Request().Context()).Error().Err(err).Msg("request failed")
		return c.JSON(status, echo.Map{"error": "internal server error"})
	}

	return c.JSON(status, echo.Map{"error": err.Error()})
}
