package batpay

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	batcrypto "batpay/crypto"
)

// CollectRequest is a delegate's claim of the payments owed to To in
// [From, ToPayment), authorised by To's signature.
type CollectRequest struct {
	Delegate        uint32
	Slot            uint32
	To              uint32
	From            uint32
	ToPayment       uint32
	Amount          uint64
	Fee             uint64
	WithdrawAddress common.Address
	Signature       []byte
}

// Digest is the message the payee signs for this request.
func (r CollectRequest) Digest(instance common.Address) []byte {
	return CollectDigest(instance, r.Delegate, r.To, r.From, r.ToPayment, r.Amount, r.Fee, r.WithdrawAddress)
}

// SignCollect produces the payee signature for req.
func SignCollect(key *batcrypto.PrivateKey, instance common.Address, req CollectRequest) ([]byte, error) {
	return batcrypto.SignHash(key, req.Digest(instance))
}

// VerifyCollectSignature reports whether req carries a signature by payee.
func VerifyCollectSignature(instance common.Address, req CollectRequest, payee common.Address) error {
	signer, err := batcrypto.RecoverAddress(req.Digest(instance), req.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if signer != payee {
		return fmt.Errorf("%w: signed by %s", ErrBadSignature, signer.Hex())
	}
	return nil
}

// IsInstant reports whether slot bypasses staking.
func (p Params) IsInstant(slot uint32) bool {
	return slot >= p.InstantSlot
}

// Collect opens a collect claim. Any amount up to maxCollectAmount is
// accepted. Only the backed part, what the registry owes the payee over the
// range, is drawn from the payment pool; the delegate fronts the rest when the
// claim pays out. Staked slots lock collectStake and the backed part until
// FreeSlot; instant slots pay out immediately. caller must own the delegate
// account.
func (e *Engine) Collect(caller common.Address, req CollectRequest) error {
	return e.apply("collect", func(tx *txn) error {
		key := SlotKey{Delegate: req.Delegate, Slot: req.Slot}
		delegate, err := tx.owned(req.Delegate, caller)
		if err != nil {
			return err
		}
		payee, err := tx.account(req.To)
		if err != nil {
			return err
		}
		if !payee.Bound() {
			return fmt.Errorf("%w: account %d has not been claimed", ErrInvalidAccountID, req.To)
		}
		if req.From != payee.Collected {
			return fmt.Errorf("%w: fromPaymentId %d, last collected %d", ErrInvalidState, req.From, payee.Collected)
		}
		if req.ToPayment <= req.From || req.ToPayment > tx.paymentsLen {
			return fmt.Errorf("%w: toPaymentId %d outside (%d, %d]", ErrIndexOutOfRange, req.ToPayment, req.From, tx.paymentsLen)
		}
		if req.Amount > e.params.MaxCollectAmount {
			return fmt.Errorf("%w: %d", ErrAmountTooLarge, req.Amount)
		}
		if req.Fee > req.Amount {
			return fmt.Errorf("%w: fee %d, amount %d", ErrFeeTooLarge, req.Fee, req.Amount)
		}
		if err := VerifyCollectSignature(e.instance, req, payee.Address); err != nil {
			return err
		}

		slot := tx.slot(key)
		switch slot.State {
		case SlotEmpty:
		case SlotCollected:
			if tx.now < slot.OpenedAt+e.params.ChallengeBlocks {
				return fmt.Errorf("%w: slot %d/%d is still in its challenge window", ErrInvalidState, key.Delegate, key.Slot)
			}
			if err := tx.release(key, slot); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: slot %d/%d is %s", ErrInvalidState, key.Delegate, key.Slot, slot.State)
		}

		backed, err := tx.owedRange(req.To, req.From, req.ToPayment)
		if err != nil {
			return err
		}
		backed = min(backed, req.Amount)
		if err := moveReserve(&tx.reserves.PaymentPool, backed, "payment pool"); err != nil {
			return err
		}

		payee.Collected = req.ToPayment
		claim := &CollectSlot{
			State:           SlotCollected,
			To:              req.To,
			From:            req.From,
			ToPayment:       req.ToPayment,
			Amount:          req.Amount,
			Fee:             req.Fee,
			Backed:          backed,
			WithdrawAddress: req.WithdrawAddress,
			OpenedAt:        tx.now,
		}
		if e.params.IsInstant(req.Slot) {
			withheld, err := tx.settle(key, claim, 0)
			if err != nil {
				return err
			}
			tx.record(withWithheld(newSlotEvent(EventTypeCollected, key, claim), withheld))
			return nil
		}

		if err := tx.debit(delegate, e.params.CollectStake); err != nil {
			return fmt.Errorf("%w: delegate cannot cover the collect stake", err)
		}
		tx.reserves.SlotEscrow += backed + e.params.CollectStake
		tx.slots[key] = claim
		tx.record(newSlotEvent(EventTypeCollected, key, claim))
		return nil
	})
}

// FreeSlot settles a staked claim whose challenge window has passed: the payee
// receives amount-fee, the delegate the fee plus its stake. Anyone may call it.
func (e *Engine) FreeSlot(delegate, slot uint32) error {
	return e.apply("free_slot", func(tx *txn) error {
		key := SlotKey{Delegate: delegate, Slot: slot}
		s := tx.slot(key)
		if s.State != SlotCollected {
			return fmt.Errorf("%w: slot %d/%d is %s", ErrInvalidState, delegate, slot, s.State)
		}
		if tx.now < s.OpenedAt+e.params.ChallengeBlocks {
			return fmt.Errorf("%w: slot %d/%d is still in its challenge window", ErrInvalidState, delegate, slot)
		}
		return tx.release(key, s)
	})
}

// release pays out a settled slot from escrow and clears it.
func (t *txn) release(key SlotKey, s *CollectSlot) error {
	stake := t.e.params.CollectStake
	if err := moveReserve(&t.reserves.SlotEscrow, s.Backed+stake, "slot escrow"); err != nil {
		return err
	}
	withheld, err := t.settle(key, s, stake)
	if err != nil {
		return err
	}
	t.record(withWithheld(newSlotEvent(EventTypeSlotFreed, key, s), withheld))
	*s = CollectSlot{}
	return nil
}

// settle distributes a claim whose backed part has already left the reserves.
// The delegate fronts the unbacked remainder, first from the stake being
// returned to it and then from its balance. Whatever it cannot front is
// withheld from the payee and, past that, from the fee. It returns the amount
// withheld.
func (t *txn) settle(key SlotKey, s *CollectSlot, stake uint64) (uint64, error) {
	short := s.Amount - s.Backed
	fromStake := min(short, stake)
	short -= fromStake
	if short > 0 {
		acc, err := t.account(key.Delegate)
		if err != nil {
			return 0, err
		}
		fromBalance := min(short, acc.Balance)
		acc.Balance -= fromBalance
		short -= fromBalance
	}

	net, fee := s.Amount-s.Fee, s.Fee
	if short <= net {
		net -= short
	} else {
		fee -= short - net
		net = 0
	}
	if s.WithdrawAddress != (common.Address{}) {
		t.push(s.WithdrawAddress, net)
	} else if err := t.credit(s.To, net); err != nil {
		return 0, err
	}
	if err := t.credit(key.Delegate, fee+stake-fromStake); err != nil {
		return 0, err
	}
	return short, nil
}
