package batpay

import (
	"bytes"
	"fmt"
	"math/bits"

	"github.com/ethereum/go-ethereum/common"

	"batpay/core/paydata"
)

// PaymentRequest describes a payment to register.
type PaymentRequest struct {
	From   uint32
	Amount uint64
	Fee    uint64
	// PayData is an encoded payee list.
	PayData []byte
	// NewCount accounts are reserved for payees without an id yet; they are
	// claimable against Root.
	NewCount       uint32
	Root           common.Hash
	LockingKeyHash common.Hash
	Metadata       common.Hash
}

// RegisterPayment debits amount*(payees+newCount)+fee from the payer and
// appends the payment. A payment with a locking hash stays locked until the
// key is revealed or the lock expires.
func (e *Engine) RegisterPayment(caller common.Address, req PaymentRequest) (uint32, error) {
	var id uint32
	err := e.apply("register_payment", func(tx *txn) error {
		payer, err := tx.owned(req.From, caller)
		if err != nil {
			return err
		}
		if req.Amount == 0 {
			return fmt.Errorf("%w: payment amount", ErrZeroAmount)
		}
		n, err := paydata.CountPayees(req.PayData)
		if err != nil {
			return err
		}
		if uint64(n)+uint64(req.NewCount) > uint64(e.params.MaxTransfer) {
			return fmt.Errorf("%w: %d payees exceed %d", ErrTooManyRecords, uint64(n)+uint64(req.NewCount), e.params.MaxTransfer)
		}
		if req.Fee > 0 && req.LockingKeyHash == (common.Hash{}) {
			return fmt.Errorf("%w: unlocker fee requires a locking hash", ErrInvalidLockConfiguration)
		}
		if req.NewCount > 0 && req.Root == (common.Hash{}) {
			return fmt.Errorf("%w: new payees require a root hash", ErrInvalidLockConfiguration)
		}
		principal, err := mulAmount(req.Amount, uint64(n)+uint64(req.NewCount))
		if err != nil {
			return err
		}
		total, carry := bits.Add64(principal, req.Fee, 0)
		if carry != 0 {
			return fmt.Errorf("%w: payment total overflows", ErrInsufficientFunds)
		}
		if err := tx.debit(payer, total); err != nil {
			return err
		}

		p := &Payment{
			From:           req.From,
			Amount:         req.Amount,
			Fee:            req.Fee,
			PayData:        bytes.Clone(req.PayData),
			PayeesHash:     paydata.Hash(req.PayData),
			PayeeCount:     n,
			NewCount:       req.NewCount,
			LockingKeyHash: req.LockingKeyHash,
			Metadata:       req.Metadata,
			RegisteredAt:   tx.now,
			State:          PaymentUnlocked,
		}
		if req.LockingKeyHash != (common.Hash{}) {
			p.State = PaymentLocked
		}
		if req.NewCount > 0 {
			bulkID, err := tx.bulkRegisterInline(req.NewCount, req.Root)
			if err != nil {
				return err
			}
			bulk, _ := tx.bulkView(bulkID)
			p.SmallestNewID = bulk.SmallestAccountID
		}
		tx.reserves.PaymentPool += principal
		tx.reserves.LockedFees += req.Fee

		id, err = tx.appendPayment(p)
		if err != nil {
			return err
		}
		tx.record(newPaymentEvent(EventTypePaymentRegistered, id, p))
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// bulkRegisterInline reserves accounts for a payment. The payment size is
// already bounded by maxTransfer so maxBulk does not apply.
func (t *txn) bulkRegisterInline(count uint32, root common.Hash) (uint32, error) {
	smallest, err := t.reserveAccounts(count)
	if err != nil {
		return 0, err
	}
	bulk := &BulkRegistration{SmallestAccountID: smallest, Count: count, Root: root}
	id := t.appendBulk(bulk)
	t.record(newBulkRegisteredEvent(id, bulk))
	return id, nil
}

// Unlock reveals the key of a locked payment. The unlocker fee is paid to
// unlockerID and the principal becomes collectible.
func (e *Engine) Unlock(paymentID, unlockerID uint32, key []byte) error {
	return e.apply("unlock", func(tx *txn) error {
		p, err := tx.payment(paymentID)
		if err != nil {
			return err
		}
		if p.State != PaymentLocked {
			return fmt.Errorf("%w: payment %d is %s", ErrInvalidState, paymentID, p.State)
		}
		if tx.now >= p.RegisteredAt+e.params.UnlockBlocks {
			return fmt.Errorf("%w: payment %d", ErrLockExpired, paymentID)
		}
		if _, err := tx.accountView(unlockerID); err != nil {
			return err
		}
		if LockHash(unlockerID, key) != p.LockingKeyHash {
			return ErrInvalidKey
		}
		if err := moveReserve(&tx.reserves.LockedFees, p.Fee, "locked fees"); err != nil {
			return err
		}
		if err := tx.credit(unlockerID, p.Fee); err != nil {
			return err
		}
		p.State = PaymentUnlocked
		evt := newPaymentEvent(EventTypePaymentUnlocked, paymentID, p)
		evt.Attributes["unlockerId"] = u32(unlockerID)
		tx.record(evt)
		return nil
	})
}

// RefundLockedPayment returns everything a still locked payment debited to
// the payer once unlockBlocks have elapsed since registration.
func (e *Engine) RefundLockedPayment(paymentID uint32) error {
	return e.apply("refund", func(tx *txn) error {
		p, err := tx.payment(paymentID)
		if err != nil {
			return err
		}
		if p.State != PaymentLocked {
			return fmt.Errorf("%w: payment %d is %s", ErrInvalidState, paymentID, p.State)
		}
		if tx.now < p.RegisteredAt+e.params.UnlockBlocks {
			return fmt.Errorf("%w: payment %d", ErrLockNotExpired, paymentID)
		}
		principal := p.Principal()
		if err := moveReserve(&tx.reserves.PaymentPool, principal, "payment pool"); err != nil {
			return err
		}
		if err := moveReserve(&tx.reserves.LockedFees, p.Fee, "locked fees"); err != nil {
			return err
		}
		if err := tx.credit(p.From, principal+p.Fee); err != nil {
			return err
		}
		p.State = PaymentRefunded
		tx.record(newPaymentEvent(EventTypePaymentRefunded, paymentID, p))
		return nil
	})
}

// PayeeList decodes the payee ids stored for a payment, including the
// accounts it reserved inline.
func (e *Engine) PayeeList(paymentID uint32) ([]uint32, error) {
	p, err := e.Payment(paymentID)
	if err != nil {
		return nil, err
	}
	ids, err := paydata.DecodePayees(p.PayData)
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < p.NewCount; i++ {
		ids = append(ids, p.SmallestNewID+i)
	}
	return ids, nil
}

func mulAmount(amount, count uint64) (uint64, error) {
	hi, lo := bits.Mul64(amount, count)
	if hi != 0 {
		return 0, fmt.Errorf("%w: payment total overflows", ErrInsufficientFunds)
	}
	return lo, nil
}
