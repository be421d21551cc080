package batpay

import (
	"errors"

	"batpay/core/paydata"
)

var (
	ErrInsufficientApproval     = errors.New("batpay: insufficient token approval")
	ErrZeroAmount               = errors.New("batpay: amount must be positive")
	ErrInsufficientFunds        = errors.New("batpay: insufficient funds")
	ErrUnauthorized             = errors.New("batpay: unauthorized")
	ErrInvalidAccountID         = errors.New("batpay: account id is not valid")
	ErrInvalidBulkID            = errors.New("batpay: bulk id is not valid")
	ErrIDNotInBulk              = errors.New("batpay: account id is not part of the bulk registration")
	ErrInvalidProof             = errors.New("batpay: invalid merkle proof")
	ErrInvalidEncoding          = paydata.ErrInvalidEncoding
	ErrTooManyRecords           = errors.New("batpay: too many records")
	ErrInvalidLockConfiguration = errors.New("batpay: invalid lock configuration")
	ErrInvalidKey               = errors.New("batpay: invalid key")
	ErrLockNotExpired           = errors.New("batpay: hash lock has not expired yet")
	ErrBadSignature             = errors.New("batpay: bad signature")
	ErrInvalidState             = errors.New("batpay: invalid state")
	ErrIndexOutOfRange          = errors.New("batpay: index out of range")
	ErrAmountMismatch           = errors.New("batpay: amount mismatch")
	ErrPaymentLocked            = errors.New("batpay: payment is locked")
	ErrAmountTooLarge           = errors.New("batpay: amount exceeds maxCollectAmount")

	ErrPayDataMismatch   = errors.New("batpay: payData mismatch")
	ErrSummaryMismatch   = errors.New("batpay: summary does not match the disclosed summary")
	ErrLockExpired       = errors.New("batpay: hash lock has expired")
	ErrAccountClaimed    = errors.New("batpay: account already claimed")
	ErrInvalidPaymentID  = errors.New("batpay: payment id is not valid")
	ErrFeeTooLarge       = errors.New("batpay: fee exceeds amount")
	ErrInvalidAddress    = errors.New("batpay: invalid address")
	ErrDeadlineExpired   = errors.New("batpay: response deadline has passed")
	ErrDeadlineNotPassed = errors.New("batpay: response deadline has not passed")
	ErrTokenTransfer     = errors.New("batpay: token transfer failed")

	errNilState = errors.New("batpay engine: state not configured")
	errNilToken = errors.New("batpay engine: token not configured")
)
