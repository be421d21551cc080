package routes

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"batpay/gateway/middleware"
	"batpay/native/batpay"
	"batpay/token"
)

const requestLimit = 1 << 20 // 1 MiB

type errorMapping struct {
	err    error
	status int
	code   string
}

// ledgerErrors maps sentinel errors to responses. The first match wins, so
// more specific errors precede the ones they may wrap.
var ledgerErrors = []errorMapping{
	{batpay.ErrUnauthorized, http.StatusForbidden, "unauthorized"},
	{batpay.ErrInvalidAccountID, http.StatusNotFound, "invalid_account_id"},
	{batpay.ErrInvalidBulkID, http.StatusNotFound, "invalid_bulk_id"},
	{batpay.ErrInvalidPaymentID, http.StatusNotFound, "invalid_payment_id"},
	{batpay.ErrInsufficientApproval, http.StatusPaymentRequired, "insufficient_approval"},
	{batpay.ErrInsufficientFunds, http.StatusPaymentRequired, "insufficient_funds"},
	{batpay.ErrZeroAmount, http.StatusUnprocessableEntity, "zero_amount"},
	{batpay.ErrIDNotInBulk, http.StatusUnprocessableEntity, "id_not_in_bulk"},
	{batpay.ErrInvalidProof, http.StatusUnprocessableEntity, "invalid_proof"},
	{batpay.ErrInvalidEncoding, http.StatusUnprocessableEntity, "invalid_encoding"},
	{batpay.ErrTooManyRecords, http.StatusUnprocessableEntity, "too_many_records"},
	{batpay.ErrInvalidLockConfiguration, http.StatusUnprocessableEntity, "invalid_lock_configuration"},
	{batpay.ErrInvalidKey, http.StatusUnprocessableEntity, "invalid_key"},
	{batpay.ErrBadSignature, http.StatusUnprocessableEntity, "bad_signature"},
	{batpay.ErrIndexOutOfRange, http.StatusUnprocessableEntity, "index_out_of_range"},
	{batpay.ErrAmountMismatch, http.StatusUnprocessableEntity, "amount_mismatch"},
	{batpay.ErrAmountTooLarge, http.StatusUnprocessableEntity, "amount_too_large"},
	{batpay.ErrFeeTooLarge, http.StatusUnprocessableEntity, "fee_too_large"},
	{batpay.ErrPayDataMismatch, http.StatusUnprocessableEntity, "paydata_mismatch"},
	{batpay.ErrSummaryMismatch, http.StatusUnprocessableEntity, "summary_mismatch"},
	{batpay.ErrInvalidAddress, http.StatusUnprocessableEntity, "invalid_address"},
	{batpay.ErrPaymentLocked, http.StatusConflict, "payment_locked"},
	{batpay.ErrInvalidState, http.StatusConflict, "invalid_state"},
	{batpay.ErrAccountClaimed, http.StatusConflict, "account_claimed"},
	{batpay.ErrLockExpired, http.StatusConflict, "lock_expired"},
	{batpay.ErrLockNotExpired, http.StatusConflict, "lock_not_expired"},
	{batpay.ErrDeadlineExpired, http.StatusConflict, "deadline_expired"},
	{batpay.ErrDeadlineNotPassed, http.StatusConflict, "deadline_not_passed"},
	{batpay.ErrTokenTransfer, http.StatusBadGateway, "token_transfer_failed"},
	{token.ErrInsufficientBalance, http.StatusPaymentRequired, "insufficient_balance"},
	{token.ErrInsufficientAllowance, http.StatusPaymentRequired, "insufficient_allowance"},
	{token.ErrSupplyOverflow, http.StatusUnprocessableEntity, "supply_overflow"},
}

// classify returns the response status and stable code for err.
func classify(err error) (int, string) {
	for _, m := range ledgerErrors {
		if errors.Is(err, m.err) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, "internal"
}

func writeLedgerError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	status, code := classify(err)
	if status == http.StatusInternalServerError {
		writeInternalError(w, r, logger, err)
		return
	}
	middleware.WriteJSONError(w, r, status, code, err.Error())
}

func writeBadRequest(w http.ResponseWriter, r *http.Request, err error) {
	middleware.WriteJSONError(w, r, http.StatusBadRequest, "bad_request", strings.TrimSpace(err.Error()))
}

func writeInternalError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	logger.Error("gateway handler failed",
		slog.String("path", r.URL.Path),
		slog.String("request_id", middleware.RequestIDFromContext(r.Context())),
		slog.String("error", err.Error()))
	middleware.WriteJSONError(w, r, http.StatusInternalServerError, "internal", "internal server error")
}

// decodeJSON reads a single JSON object into dst, rejecting unknown fields.
func decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, requestLimit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body required")
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
