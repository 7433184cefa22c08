package http

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	goredis "github.com/redis/go-redis/v9"
	"github.com/robertarktes/ride-coordination/internal/adapters/memory"
	redisadapter "github.com/robertarktes/ride-coordination/internal/adapters/redis"
	"github.com/robertarktes/ride-coordination/internal/domain"
	"github.com/robertarktes/ride-coordination/internal/idempotency"
	"github.com/robertarktes/ride-coordination/internal/lifecycle"
	"github.com/robertarktes/ride-coordination/internal/livelocation"
	"github.com/robertarktes/ride-coordination/internal/observability"
	"github.com/robertarktes/ride-coordination/internal/paymentgate"
	"github.com/robertarktes/ride-coordination/internal/rateLimit"
	"github.com/robertarktes/ride-coordination/internal/seatledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const callbackToken = "cb-secret"

type server struct {
	*httptest.Server
	key    *rsa.PrivateKey
	ledger *seatledger.Ledger
}

func newServer(t *testing.T) *server {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := memory.NewStore()
	logger := observability.NewNopLogger()
	locations := redisadapter.NewLocations(client, time.Hour)
	ledger := seatledger.New(store, seatledger.Options{TxAttempts: 3, RefundOnCancel: true, Revoker: locations})
	gate := paymentgate.New(store, 3, logger)
	hub := livelocation.NewHub(locations, ledger, logger)
	t.Cleanup(hub.Close)
	rides := lifecycle.New(store, ledger, gate, lifecycle.Options{TxAttempts: 3, Locations: hub})

	h := NewHandlers(ledger, rides, paymentgate.NewListener(gate, logger), hub, map[string]ReadyCheck{
		"redis": redisadapter.NewCache(client).Ping,
	})
	router := SetupRouter(h, logger, RouterConfig{
		Auth:          NewAuthenticatorFromKey(&key.PublicKey),
		RateLimiter:   rateLimit.NewRateLimiter(redisadapter.NewCache(client)),
		RatePerMinute: 1000,
		Idempotency:   idempotency.NewIdempotency(redisadapter.NewIdempotency(client), time.Hour, logger),
		CallbackToken: callbackToken,
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &server{Server: srv, key: key, ledger: ledger}
}

func (s *server) token(t *testing.T, user uuid.UUID) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		Subject:   user.String(),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := tok.SignedString(s.key)
	require.NoError(t, err)
	return signed
}

func (s *server) do(t *testing.T, method, path string, user uuid.UUID, body interface{}, header http.Header) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, s.URL+path, r)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	if user != uuid.Nil {
		req.Header.Set("Authorization", "Bearer "+s.token(t, user))
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, out
}

func (s *server) createRide(t *testing.T, driver uuid.UUID, seats int) domain.Ride {
	t.Helper()
	resp, body := s.do(t, http.MethodPost, "/v1/rides", driver, map[string]interface{}{
		"origin":         "Lyon",
		"destination":    "Grenoble",
		"departure_at":   time.Now().Add(time.Hour),
		"seats":          seats,
		"price_per_seat": 900,
		"currency":       "EUR",
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var ride domain.Ride
	require.NoError(t, json.Unmarshal(body, &ride))
	return ride
}

func TestBookingFlow(t *testing.T) {
	s := newServer(t)
	driver, alice, bob := uuid.New(), uuid.New(), uuid.New()

	resp, _ := s.do(t, http.MethodPost, "/v1/rides", uuid.Nil, map[string]int{"seats": 1}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	ride := s.createRide(t, driver, 1)
	assert.Equal(t, domain.RideActive, ride.Status)
	assert.Equal(t, 1, ride.AvailableSeats)

	resp, body := s.do(t, http.MethodPost, "/v1/rides/"+ride.ID.String()+"/bookings", alice, map[string]int{"seats": 1}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var booking domain.Booking
	require.NoError(t, json.Unmarshal(body, &booking))
	assert.Equal(t, domain.BookingPending, booking.Status)

	resp, _ = s.do(t, http.MethodPost, "/v1/rides/"+ride.ID.String()+"/bookings", alice, map[string]int{"seats": 1}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = s.do(t, http.MethodPost, "/v1/rides/"+ride.ID.String()+"/bookings", bob, map[string]int{"seats": 1}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, string(body), "seats unavailable")

	resp, _ = s.do(t, http.MethodPost, "/v1/bookings/"+booking.ID.String()+"/resolve", alice, map[string]string{"decision": "confirm"}, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body = s.do(t, http.MethodPost, "/v1/bookings/"+booking.ID.String()+"/resolve", driver, map[string]string{"decision": "confirm"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, _ = s.do(t, http.MethodPost, "/v1/rides/"+ride.ID.String()+"/transition", driver, map[string]string{"to": "in_progress"}, nil)
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)

	callback := map[string]interface{}{"booking_id": booking.ID, "status": "succeeded", "payment_ref": "pi_1"}
	resp, _ = s.do(t, http.MethodPost, "/v1/payments/callback", uuid.Nil, callback, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, _ = s.do(t, http.MethodPost, "/v1/payments/callback", uuid.Nil, callback, http.Header{"X-Callback-Token": {callbackToken}})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = s.do(t, http.MethodPost, "/v1/rides/"+ride.ID.String()+"/transition", driver, map[string]string{"to": "in_progress"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, body = s.do(t, http.MethodPost, "/v1/rides/"+ride.ID.String()+"/transition", driver, map[string]string{"to": "completed"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var res struct {
		Ride     domain.Ride      `json:"ride"`
		Bookings []domain.Booking `json:"bookings"`
	}
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Equal(t, domain.RideCompleted, res.Ride.Status)
	require.Len(t, res.Bookings, 1)
	assert.Equal(t, domain.BookingCompleted, res.Bookings[0].Status)

	resp, _ = s.do(t, http.MethodPost, "/v1/rides/"+ride.ID.String()+"/transition", driver, map[string]string{"to": "cancelled"}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = s.do(t, http.MethodGet, "/v1/rides/not-a-uuid", driver, nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = s.do(t, http.MethodGet, "/v1/rides/"+uuid.NewString(), driver, nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRequestBooking_IdempotencyKey(t *testing.T) {
	s := newServer(t)
	driver, alice := uuid.New(), uuid.New()
	ride := s.createRide(t, driver, 3)

	path := "/v1/rides/" + ride.ID.String() + "/bookings"
	header := http.Header{idempotency.Header: {"retry-1"}}
	first, firstBody := s.do(t, http.MethodPost, path, alice, map[string]int{"seats": 2}, header)
	require.Equal(t, http.StatusCreated, first.StatusCode, string(firstBody))
	second, secondBody := s.do(t, http.MethodPost, path, alice, map[string]int{"seats": 2}, header)
	require.Equal(t, http.StatusCreated, second.StatusCode)
	assert.Equal(t, "true", second.Header.Get("Idempotent-Replayed"))
	assert.JSONEq(t, string(firstBody), string(secondBody))

	resp, body := s.do(t, http.MethodGet, "/v1/rides/"+ride.ID.String(), alice, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got domain.Ride
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, 1, got.AvailableSeats)

	resp, body = s.do(t, http.MethodGet, "/v1/rides/"+ride.ID.String()+"/bookings", driver, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var bookings []domain.Booking
	require.NoError(t, json.Unmarshal(body, &bookings))
	assert.Len(t, bookings, 1)
}

func TestHealth(t *testing.T) {
	s := newServer(t)
	resp, _ := s.do(t, http.MethodGet, "/v1/healthz", uuid.Nil, nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = s.do(t, http.MethodGet, "/v1/readyz", uuid.Nil, nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func (s *server) dial(t *testing.T, path string, user uuid.UUID, query string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	u := "ws" + strings.TrimPrefix(s.URL, "http") + path + "?access_token=" + s.token(t, user)
	if query != "" {
		u += "&" + query
	}
	return websocket.DefaultDialer.Dial(u, nil)
}

func readUntil(t *testing.T, conn *websocket.Conn, match func([]domain.LiveLocation) bool) []domain.LiveLocation {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var snap []domain.LiveLocation
		require.NoError(t, conn.ReadJSON(&snap))
		if match(snap) {
			return snap
		}
	}
}

func TestLocationSockets(t *testing.T) {
	s := newServer(t)
	driver, alice := uuid.New(), uuid.New()
	ride := s.createRide(t, driver, 2)

	ctx := context.Background()
	b, err := s.ledger.RequestBooking(ctx, seatledger.RequestCommand{RideID: ride.ID, UserID: alice, Seats: 1})
	require.NoError(t, err)
	_, err = s.ledger.ResolveRequest(ctx, seatledger.ResolveCommand{BookingID: b.ID, CallerID: driver, Decision: seatledger.DecisionConfirm})
	require.NoError(t, err)

	_, resp, err := s.dial(t, "/v1/rides/"+ride.ID.String()+"/locations", uuid.New(), "")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	sub, _, err := s.dial(t, "/v1/rides/"+ride.ID.String()+"/locations", alice, "")
	require.NoError(t, err)
	defer sub.Close()
	first := readUntil(t, sub, func([]domain.LiveLocation) bool { return true })
	assert.Empty(t, first)

	share, _, err := s.dial(t, "/v1/rides/"+ride.ID.String()+"/locations/share", driver, "role=driver")
	require.NoError(t, err)
	require.NoError(t, share.WriteJSON(domain.Position{Lat: 45.19, Lng: 5.72}))

	snap := readUntil(t, sub, func(locs []domain.LiveLocation) bool { return len(locs) == 1 })
	assert.Equal(t, driver, snap[0].UserID)
	assert.Equal(t, domain.RoleDriver, snap[0].Role)
	assert.InDelta(t, 45.19, snap[0].Lat, 1e-9)

	resp2, body := s.do(t, http.MethodGet, "/v1/rides/"+ride.ID.String()+"/presence", alice, nil, nil)
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	var present map[string]bool
	require.NoError(t, json.Unmarshal(body, &present))
	assert.True(t, present[driver.String()])

	require.NoError(t, share.Close())
	readUntil(t, sub, func(locs []domain.LiveLocation) bool { return len(locs) == 0 })
}

func TestShareLocation_RoleMismatch(t *testing.T) {
	s := newServer(t)
	driver := uuid.New()
	ride := s.createRide(t, driver, 2)

	_, resp, err := s.dial(t, "/v1/rides/"+ride.ID.String()+"/locations/share", driver, "role=passenger")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestCancelBooking_EndsLocationAccess(t *testing.T) {
	s := newServer(t)
	driver, alice := uuid.New(), uuid.New()
	ride := s.createRide(t, driver, 2)

	ctx := context.Background()
	b, err := s.ledger.RequestBooking(ctx, seatledger.RequestCommand{RideID: ride.ID, UserID: alice, Seats: 1})
	require.NoError(t, err)
	_, err = s.ledger.ResolveRequest(ctx, seatledger.ResolveCommand{BookingID: b.ID, CallerID: driver, Decision: seatledger.DecisionConfirm})
	require.NoError(t, err)

	sub, _, err := s.dial(t, "/v1/rides/"+ride.ID.String()+"/locations", alice, "")
	require.NoError(t, err)
	defer sub.Close()
	readUntil(t, sub, func([]domain.LiveLocation) bool { return true })

	share, _, err := s.dial(t, "/v1/rides/"+ride.ID.String()+"/locations/share", alice, "")
	require.NoError(t, err)
	defer share.Close()
	require.NoError(t, share.WriteJSON(domain.Position{Lat: 45.7, Lng: 4.8}))
	readUntil(t, sub, func(locs []domain.LiveLocation) bool { return len(locs) == 1 })

	resp, body := s.do(t, http.MethodPost, "/v1/bookings/"+b.ID.String()+"/cancel", alice, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	// The subscription is closed rather than fed further snapshots.
	require.NoError(t, sub.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var snap []domain.LiveLocation
		if err := sub.ReadJSON(&snap); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			break
		}
	}

	// Samples sent after the cancellation are refused and end the share.
	closed := make(chan error, 1)
	go func() {
		_, _, err := share.ReadMessage()
		closed <- err
	}()
	deadline := time.After(3 * time.Second)
	for ended := false; !ended; {
		// Writes fail once the server has hung up; the close frame still arrives.
		_ = share.WriteJSON(domain.Position{Lat: 45.8, Lng: 4.9})
		select {
		case err := <-closed:
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			ended = true
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatal("share socket still open")
		}
	}

	resp, body = s.do(t, http.MethodGet, "/v1/rides/"+ride.ID.String()+"/presence", driver, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var present map[string]bool
	require.NoError(t, json.Unmarshal(body, &present))
	assert.False(t, present[alice.String()])

	_, resp, err = s.dial(t, "/v1/rides/"+ride.ID.String()+"/locations", alice, "")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
