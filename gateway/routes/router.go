package routes

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"batpay/gateway/auth"
	"batpay/gateway/middleware"
	"batpay/native/batpay"
	"batpay/token"
)

type Config struct {
	Engine *batpay.Engine
	Token  *token.Ledger
	// Events is optional; /v1/events is only mounted when set.
	Events        EventSource
	Signatures    *auth.Authenticator
	Bearer        *middleware.BearerAuthenticator
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	Idempotency   *middleware.Idempotency
	CORS          middleware.CORSConfig
	Logger        *slog.Logger
	// TokenFaucet mounts an unauthenticated mint endpoint.
	TokenFaucet bool
}

// New builds the gateway router. Reads are public; writes carry a request
// signature whose signer is the ledger caller.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil || cfg.Token == nil {
		return nil, errors.New("gateway: engine and token are required")
	}
	if cfg.Signatures == nil {
		return nil, errors.New("gateway: signature authenticator is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ledger := &ledgerRoutes{engine: cfg.Engine, token: cfg.Token, logger: logger}
	obs := cfg.Observability

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(cfg.CORS))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", obs.MetricsHandler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Group(func(read chi.Router) {
			read.Use(cfg.RateLimiter.Middleware("read"))
			read.Use(obs.Middleware("read"))
			ledger.mountReads(read)
			if cfg.Events != nil {
				events := &eventRoutes{source: cfg.Events, logger: logger}
				read.Get("/events", events.list)
			}
		})
		v1.Group(func(write chi.Router) {
			write.Use(cfg.RateLimiter.Middleware("write"))
			write.Use(obs.Middleware("write"))
			write.Use(cfg.Bearer.Middleware(middleware.ScopeWrite))
			write.Use(middleware.RequireSignature(cfg.Signatures, logger))
			write.Use(cfg.Idempotency.Middleware("write"))
			ledger.mountWrites(write)
		})
		if cfg.TokenFaucet {
			v1.Group(func(faucet chi.Router) {
				faucet.Use(cfg.RateLimiter.Middleware("faucet"))
				faucet.Use(obs.Middleware("faucet"))
				faucet.Post("/token/faucet", ledger.faucet)
			})
		}
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteJSONError(w, r, http.StatusNotFound, "not_found", "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteJSONError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})
	return r, nil
}
