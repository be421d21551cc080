package middleware

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"batpay/gateway/auth"
	"batpay/observability"
	"batpay/observability/logging"
)

const contextKeyCaller contextKey = "gateway.caller"

// RequireSignature authenticates the request signer and exposes it through
// CallerFromContext. The body is buffered so handlers can read it again.
func RequireSignature(authenticator *auth.Authenticator, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(io.LimitReader(r.Body, int64(auth.MaxBodyForSignature)+1))
			if err != nil {
				WriteJSONError(w, r, http.StatusBadRequest, "bad_request", "failed to read request body")
				return
			}
			_ = r.Body.Close()
			principal, err := authenticator.Authenticate(r, body)
			if err != nil {
				observability.Gateway().RecordAuthFailure("signature")
				logger.Warn("request signature rejected",
					slog.String("path", r.URL.Path),
					slog.String("request_id", RequestIDFromContext(r.Context())),
					logging.MaskField("signature", r.Header.Get(auth.HeaderSignature)),
					slog.String("error", err.Error()))
				status := http.StatusUnauthorized
				if errors.Is(err, auth.ErrNonceReplayed) {
					status = http.StatusConflict
				}
				WriteJSONError(w, r, status, "unauthenticated", err.Error())
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			ctx := context.WithValue(r.Context(), contextKeyCaller, principal.Address)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// CallerFromContext returns the address that signed the request.
func CallerFromContext(ctx context.Context) (common.Address, bool) {
	addr, ok := ctx.Value(contextKeyCaller).(common.Address)
	return addr, ok
}
