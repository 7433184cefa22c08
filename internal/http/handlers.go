package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/robertarktes/ride-coordination/internal/domain"
	"github.com/robertarktes/ride-coordination/internal/lifecycle"
	"github.com/robertarktes/ride-coordination/internal/livelocation"
	"github.com/robertarktes/ride-coordination/internal/paymentgate"
	"github.com/robertarktes/ride-coordination/internal/seatledger"
)

// ReadyCheck reports whether a dependency can serve traffic.
type ReadyCheck func(ctx context.Context) error

type Handlers struct {
	ledger    *seatledger.Ledger
	lifecycle *lifecycle.Lifecycle
	payments  *paymentgate.Listener
	hub       *livelocation.Hub
	checks    map[string]ReadyCheck
}

func NewHandlers(ledger *seatledger.Ledger, life *lifecycle.Lifecycle, payments *paymentgate.Listener, hub *livelocation.Hub, checks map[string]ReadyCheck) *Handlers {
	return &Handlers{
		ledger:    ledger,
		lifecycle: life,
		payments:  payments,
		hub:       hub,
		checks:    checks,
	}
}

func (h *Handlers) CreateRide(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Origin       string    `json:"origin"`
		Destination  string    `json:"destination"`
		DepartureAt  time.Time `json:"departure_at"`
		Seats        int       `json:"seats"`
		PricePerSeat int64     `json:"price_per_seat"`
		Currency     string    `json:"currency"`
	}
	if !decode(w, r, &req) {
		return
	}
	caller := mustUser(r)

	ride, err := h.ledger.CreateRide(r.Context(), seatledger.CreateRideCommand{
		DriverID:     caller,
		Origin:       req.Origin,
		Destination:  req.Destination,
		DepartureAt:  req.DepartureAt,
		Seats:        req.Seats,
		PricePerSeat: req.PricePerSeat,
		Currency:     req.Currency,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ride)
}

func (h *Handlers) GetRide(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	ride, err := h.ledger.GetRide(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (h *Handlers) ListBookings(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	bookings, err := h.ledger.ListBookings(r.Context(), id, mustUser(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if bookings == nil {
		bookings = []domain.Booking{}
	}
	writeJSON(w, http.StatusOK, bookings)
}

func (h *Handlers) RequestBooking(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Seats int `json:"seats"`
	}
	if !decode(w, r, &req) {
		return
	}
	booking, err := h.ledger.RequestBooking(r.Context(), seatledger.RequestCommand{
		RideID: id,
		UserID: mustUser(r),
		Seats:  req.Seats,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, booking)
}

func (h *Handlers) ResolveRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Decision seatledger.Decision `json:"decision"`
	}
	if !decode(w, r, &req) {
		return
	}
	booking, err := h.ledger.ResolveRequest(r.Context(), seatledger.ResolveCommand{
		BookingID: id,
		CallerID:  mustUser(r),
		Decision:  req.Decision,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

func (h *Handlers) CancelBooking(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	booking, err := h.ledger.CancelBooking(r.Context(), id, mustUser(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

func (h *Handlers) TransitionRide(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		To domain.RideStatus `json:"to"`
	}
	if !decode(w, r, &req) {
		return
	}
	res, err := h.lifecycle.Transition(r.Context(), lifecycle.TransitionCommand{
		RideID:   id,
		CallerID: mustUser(r),
		To:       req.To,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ride":     res.Ride,
		"bookings": res.Bookings,
	})
}

func (h *Handlers) PaymentCallback(w http.ResponseWriter, r *http.Request) {
	var req paymentgate.PaymentResult
	if !decode(w, r, &req) {
		return
	}
	if err := h.payments.Apply(r.Context(), req); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) StopSharing(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.hub.StopSharing(r.Context(), id, mustUser(r)); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) Presence(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if _, _, err := h.ledger.Participant(r.Context(), id, mustUser(r)); err != nil {
		writeError(w, r, err)
		return
	}
	present, err := h.hub.Presence(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, present)
}

func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			LoggerFrom(ctx).WithError(err).WithField("dependency", name).Warn("not ready")
			http.Error(w, name+" unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Ready"))
}

var errorKinds = []struct {
	err     error
	status  int
	message string
}{
	{domain.ErrSeatsUnavailable, http.StatusConflict, "seats unavailable, please retry"},
	{domain.ErrDuplicateBooking, http.StatusConflict, ""},
	{domain.ErrNotAuthorized, http.StatusForbidden, ""},
	{domain.ErrTerminalState, http.StatusConflict, ""},
	{domain.ErrInvalidState, http.StatusConflict, ""},
	{domain.ErrPaymentRequired, http.StatusPaymentRequired, domain.ErrPaymentRequired.Error()},
	{domain.ErrNotFound, http.StatusNotFound, ""},
	{domain.ErrInvalidInput, http.StatusBadRequest, ""},
	{domain.ErrTransientConflict, http.StatusServiceUnavailable, "conflict, try again"},
}

// writeError maps a domain error kind onto its status code. An empty message
// means the error text itself is safe to show.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			msg := k.message
			if msg == "" {
				msg = err.Error()
			}
			http.Error(w, msg, k.status)
			return
		}
	}
	LoggerFrom(r.Context()).WithError(err).Error("request failed")
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

// mustUser is only used behind JWTMiddleware.
func mustUser(r *http.Request) uuid.UUID {
	id, _ := UserFrom(r.Context())
	return id
}
