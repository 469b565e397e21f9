package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/shopfront/autopilot/internal/booking"
	"github.com/shopfront/autopilot/internal/logging"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 16

type BookingService interface {
	CheckBookingAdmission(ctx context.Context, req booking.Request) (booking.Decision, error)
	PlaceHold(ctx context.Context, req booking.Request, ttl time.Duration) (*booking.Hold, booking.Decision, error)
	Book(ctx context.Context, req booking.Request) (*booking.Appointment, booking.Decision, error)
}

type BookingHandler struct {
	Bookings  BookingService
	HoldTTL   time.Duration
	Validator *validator.Validate
}

func NewBookingHandler(bookings BookingService, holdTTL time.Duration) *BookingHandler {
	return &BookingHandler{
		Bookings:  bookings,
		HoldTTL:   holdTTL,
		Validator: validator.New(),
	}
}

type holdResponse struct {
	booking.Decision
	Hold *booking.Hold `json:"hold,omitempty"`
}

type appointmentResponse struct {
	booking.Decision
	Appointment *booking.Appointment `json:"appointment,omitempty"`
}

func (h *BookingHandler) CheckAdmission(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}

	decision, err := h.Bookings.CheckBookingAdmission(r.Context(), req)
	if err != nil {
		writeError(w, "CheckAdmission", err)
		return
	}

	writeJSON(w, statusFor(decision, http.StatusOK), decision)
}

func (h *BookingHandler) PlaceHold(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}

	hold, decision, err := h.Bookings.PlaceHold(r.Context(), req, h.HoldTTL)
	if err != nil {
		writeError(w, "PlaceHold", err)
		return
	}

	writeJSON(w, statusFor(decision, http.StatusCreated), holdResponse{Decision: decision, Hold: hold})
}

func (h *BookingHandler) Book(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}

	appointment, decision, err := h.Bookings.Book(r.Context(), req)
	if err != nil {
		writeError(w, "Book", err)
		return
	}

	writeJSON(w, statusFor(decision, http.StatusCreated), appointmentResponse{Decision: decision, Appointment: appointment})
}

func (h *BookingHandler) decode(w http.ResponseWriter, r *http.Request) (booking.Request, bool) {
	var req booking.Request

	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json body"})
		return req, false
	}

	err = h.Validator.Struct(&req)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return req, false
	}

	return req, true
}

func statusFor(decision booking.Decision, admitted int) int {
	if decision.Admitted {
		return admitted
	}

	return http.StatusConflict
}

func writeError(w http.ResponseWriter, op string, err error) {
	logging.Logger.Error("["+op+"] Booking request failed", zap.String("error", err.Error()))

	if errors.Is(err, context.Canceled) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "request canceled"})
		return
	}

	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "server error"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	err := json.NewEncoder(w).Encode(body)
	if err != nil {
		logging.Logger.Warn("[writeJSON] Failed to write response", zap.String("error", err.Error()))
	}
}
