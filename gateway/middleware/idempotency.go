package middleware

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"batpay/observability"
	"batpay/storage/journal"
)

// HeaderIdempotencyKey lets a client retry a write without applying it twice.
const HeaderIdempotencyKey = "Idempotency-Key"

const maxIdempotencyKeyLength = 128

// IdempotencyStore persists responses by key.
type IdempotencyStore interface {
	LookupIdempotency(ctx context.Context, key, hash string) (*journal.StoredResponse, error)
	SaveIdempotency(ctx context.Context, key, hash string, status int, body []byte) error
}

// Idempotency replays the stored response of a repeated write. Keys are
// scoped to the signing caller when one is known, and a reused key with a
// different request is rejected.
type Idempotency struct {
	store  IdempotencyStore
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*keyLock
}

func NewIdempotency(store IdempotencyStore, logger *slog.Logger) *Idempotency {
	if logger == nil {
		logger = slog.Default()
	}
	return &Idempotency{store: store, logger: logger, pending: make(map[string]*keyLock)}
}

func (i *Idempotency) Middleware(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
			if i == nil || i.store == nil || key == "" {
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > maxIdempotencyKeyLength {
				WriteJSONError(w, r, http.StatusBadRequest, "bad_request", "idempotency key too long")
				return
			}
			body, err := io.ReadAll(r.Body)
			if err != nil {
				WriteJSONError(w, r, http.StatusBadRequest, "bad_request", "failed to read request body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			if caller, ok := CallerFromContext(r.Context()); ok {
				key = caller.Hex() + ":" + key
			}
			hash := hexutil.Encode(ethcrypto.Keccak256([]byte(r.Method), []byte(r.URL.Path), body))

			unlock := i.lock(key)
			defer unlock()

			stored, err := i.store.LookupIdempotency(r.Context(), key, hash)
			if errors.Is(err, journal.ErrIdempotencyConflict) {
				WriteJSONError(w, r, http.StatusUnprocessableEntity, "idempotency_conflict", "idempotency key reused with a different request")
				return
			}
			if err != nil {
				i.logger.Error("idempotency lookup failed", slog.String("route", route), slog.String("error", err.Error()))
				WriteJSONError(w, r, http.StatusInternalServerError, "internal", "internal server error")
				return
			}
			if stored != nil {
				observability.Gateway().RecordReplay(route)
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Idempotent-Replayed", "true")
				w.WriteHeader(stored.Status)
				_, _ = w.Write(stored.Body)
				return
			}

			capture := &responseCapture{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(capture, r)
			if capture.status >= http.StatusInternalServerError {
				return
			}
			if err := i.store.SaveIdempotency(r.Context(), key, hash, capture.status, capture.body.Bytes()); err != nil {
				i.logger.Error("idempotency save failed", slog.String("route", route), slog.String("error", err.Error()))
			}
		})
	}
}

func (i *Idempotency) lock(key string) func() {
	i.mu.Lock()
	k, ok := i.pending[key]
	if !ok {
		k = &keyLock{}
		i.pending[key] = k
	}
	k.refs++
	i.mu.Unlock()
	k.mu.Lock()
	return func() {
		k.mu.Unlock()
		i.mu.Lock()
		k.refs--
		if k.refs == 0 {
			delete(i.pending, key)
		}
		i.mu.Unlock()
	}
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

type responseCapture struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (c *responseCapture) WriteHeader(code int) {
	c.status = code
	c.ResponseWriter.WriteHeader(code)
}

func (c *responseCapture) Write(p []byte) (int, error) {
	c.body.Write(p)
	return c.ResponseWriter.Write(p)
}
