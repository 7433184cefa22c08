// Package idempotency replays the stored response for a repeated
// Idempotency-Key instead of running the request again.
package idempotency

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	redisadapter "github.com/robertarktes/ride-coordination/internal/adapters/redis"
	"github.com/robertarktes/ride-coordination/internal/observability"
)

const Header = "Idempotency-Key"

// claimTTL bounds how long a crashed request can block its key.
const claimTTL = 30 * time.Second

type Store interface {
	Get(ctx context.Context, key string) (*redisadapter.IdempResponse, error)
	Set(ctx context.Context, key string, resp redisadapter.IdempResponse, ttl time.Duration) error
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

type Idempotency struct {
	store  Store
	ttl    time.Duration
	logger observability.Logger
}

func NewIdempotency(store Store, ttl time.Duration, logger observability.Logger) *Idempotency {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Idempotency{store: store, ttl: ttl, logger: logger}
}

// Middleware guards requests carrying an Idempotency-Key. scope namespaces
// keys, typically by caller, so one user cannot replay another's response.
// Requests without the header pass straight through.
func (i *Idempotency) Middleware(scope func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(Header)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > 255 {
				http.Error(w, "invalid Idempotency-Key", http.StatusBadRequest)
				return
			}
			full := scope(r) + ":" + r.Method + ":" + r.URL.Path + ":" + key
			ctx := r.Context()

			existing, err := i.store.Get(ctx, full)
			if err != nil {
				http.Error(w, "idempotency store unavailable", http.StatusServiceUnavailable)
				return
			}
			if existing != nil {
				replay(w, existing)
				return
			}

			claimed, err := i.store.Claim(ctx, full, claimTTL)
			if err != nil {
				http.Error(w, "idempotency store unavailable", http.StatusServiceUnavailable)
				return
			}
			if !claimed {
				http.Error(w, "a request with this Idempotency-Key is in progress", http.StatusConflict)
				return
			}
			defer func() {
				if err := i.store.Release(context.WithoutCancel(ctx), full); err != nil {
					i.logger.WithError(err).Warn("failed to release idempotency claim")
				}
			}()

			var body bytes.Buffer
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			ww.Tee(&body)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			// Only successes are remembered; a rejected request may be retried
			// with the same key.
			if status >= http.StatusMultipleChoices {
				return
			}
			resp := redisadapter.IdempResponse{
				Status:      status,
				ContentType: ww.Header().Get("Content-Type"),
				Result:      body.Bytes(),
			}
			if err := i.store.Set(context.WithoutCancel(ctx), full, resp, i.ttl); err != nil {
				i.logger.WithError(err).Warn("failed to store idempotent response")
			}
		})
	}
}

func replay(w http.ResponseWriter, resp *redisadapter.IdempResponse) {
	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	w.Header().Set("Idempotent-Replayed", "true")
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Result)
}
