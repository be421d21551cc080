package batpay

import (
	"bytes"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"batpay/core/paydata"
)

// challengeCall names the calls that drive the challenge state machine.
type challengeCall uint8

const (
	callOpen challengeCall = iota
	callSummary
	callIndex
	callPayeeList
)

// transitions maps the step a call requires to the step it leaves behind.
var transitions = map[challengeCall]struct{ from, to ChallengeStep }{
	callOpen:      {StepNone, StepAwaitingSummary},
	callSummary:   {StepAwaitingSummary, StepAwaitingIndex},
	callIndex:     {StepAwaitingIndex, StepAwaitingPayeeList},
	callPayeeList: {StepAwaitingPayeeList, StepNone},
}

// forfeitWinner names who wins when the party owing a response at step times out.
func forfeitWinner(step ChallengeStep) string {
	switch step {
	case StepAwaitingSummary, StepAwaitingPayeeList:
		return WinnerChallenger
	case StepAwaitingIndex:
		return WinnerDelegate
	default:
		return ""
	}
}

// advance checks that call is valid for the slot right now and moves the
// challenge to its next step.
func (t *txn) advance(key SlotKey, s *CollectSlot, call challengeCall) error {
	tr := transitions[call]
	if call == callOpen {
		if s.State != SlotCollected {
			return fmt.Errorf("%w: slot %d/%d is %s", ErrInvalidState, key.Delegate, key.Slot, s.State)
		}
		if t.now >= s.OpenedAt+t.e.params.ChallengeBlocks {
			return fmt.Errorf("%w: challenge window of slot %d/%d has closed", ErrInvalidState, key.Delegate, key.Slot)
		}
	} else {
		if s.State != SlotChallenged || s.Challenge.Step != tr.from {
			return fmt.Errorf("%w: slot %d/%d is %s/%s", ErrInvalidState, key.Delegate, key.Slot, s.State, s.Challenge.Step)
		}
		if t.now >= s.Challenge.Deadline {
			return fmt.Errorf("%w: slot %d/%d step %s", ErrDeadlineExpired, key.Delegate, key.Slot, s.Challenge.Step)
		}
	}
	s.Challenge.Step = tr.to
	s.Challenge.Deadline = t.now + t.e.params.ChallengeStepBlocks
	return nil
}

// Challenge1 opens a challenge against a staked claim still inside its window.
// caller must own challengerID, which stakes challengeStake.
func (e *Engine) Challenge1(caller common.Address, delegate, slot, challengerID uint32) error {
	return e.apply("challenge_1", func(tx *txn) error {
		key := SlotKey{Delegate: delegate, Slot: slot}
		challenger, err := tx.owned(challengerID, caller)
		if err != nil {
			return err
		}
		s := tx.slot(key)
		if err := tx.advance(key, s, callOpen); err != nil {
			return err
		}
		if err := tx.debit(challenger, e.params.ChallengeStake); err != nil {
			return fmt.Errorf("%w: challenger cannot cover the challenge stake", err)
		}
		tx.reserves.SlotEscrow += e.params.ChallengeStake
		s.State = SlotChallenged
		s.Challenge.Challenger = challengerID
		s.Challenge.Summary = nil
		tx.record(newChallengeEvent(EventTypeChallengeOpened, key, &s.Challenge))
		return nil
	})
}

// Challenge2 is the delegate's disclosure of the (amount, payment) records
// its claim was computed from. The records must sum to the declared amount and
// reference strictly increasing payments inside the claimed range.
func (e *Engine) Challenge2(caller common.Address, delegate, slot uint32, summary []byte) error {
	return e.apply("challenge_2", func(tx *txn) error {
		key := SlotKey{Delegate: delegate, Slot: slot}
		if _, err := tx.owned(delegate, caller); err != nil {
			return err
		}
		s := tx.slot(key)
		if err := tx.advance(key, s, callSummary); err != nil {
			return err
		}
		records, err := paydata.DecodeSummary(summary)
		if err != nil {
			return err
		}
		sum, err := paydata.SummarySum(summary)
		if err != nil {
			return err
		}
		if sum != s.Amount {
			return fmt.Errorf("%w: summary totals %d, claim declared %d", ErrAmountMismatch, sum, s.Amount)
		}
		for i, r := range records {
			if r.PaymentID < s.From || r.PaymentID >= s.ToPayment {
				return fmt.Errorf("%w: record %d references payment %d outside [%d, %d)", ErrIndexOutOfRange, i, r.PaymentID, s.From, s.ToPayment)
			}
			if i > 0 && r.PaymentID <= records[i-1].PaymentID {
				return fmt.Errorf("%w: record %d payment ids must be strictly increasing", ErrInvalidEncoding, i)
			}
		}
		s.Challenge.Summary = bytes.Clone(summary)
		tx.record(newChallengeEvent(EventTypeChallengeSummary, key, &s.Challenge))
		return nil
	})
}

// Challenge3 is the challenger pointing at one disclosed record.
func (e *Engine) Challenge3(caller common.Address, delegate, slot uint32, summary []byte, index, challengerID uint32) error {
	return e.apply("challenge_3", func(tx *txn) error {
		key := SlotKey{Delegate: delegate, Slot: slot}
		if _, err := tx.owned(challengerID, caller); err != nil {
			return err
		}
		s := tx.slot(key)
		if s.State == SlotChallenged && s.Challenge.Challenger != challengerID {
			return fmt.Errorf("%w: account %d is not the challenger of slot %d/%d", ErrUnauthorized, challengerID, delegate, slot)
		}
		if err := tx.advance(key, s, callIndex); err != nil {
			return err
		}
		if !bytes.Equal(summary, s.Challenge.Summary) {
			return ErrSummaryMismatch
		}
		if uint64(index)*paydata.RecordSize > uint64(len(summary))-paydata.RecordSize {
			return fmt.Errorf("%w: index * %d must be less or equal than (data.length - %d)", ErrIndexOutOfRange, paydata.RecordSize, paydata.RecordSize)
		}
		record, err := paydata.SummaryAt(summary, index)
		if err != nil {
			return err
		}
		s.Challenge.DisputedIndex = index
		s.Challenge.DisputedAmount = record.Amount
		s.Challenge.DisputedPayment = record.PaymentID
		tx.record(newChallengeEvent(EventTypeChallengeIndex, key, &s.Challenge))
		return nil
	})
}

// Challenge4 is the delegate's final disclosure: the payee list of the
// disputed payment. If it proves the disputed record the challenge is
// resolved for the delegate immediately; otherwise the call is rejected and
// the challenger wins once the deadline passes.
func (e *Engine) Challenge4(caller common.Address, delegate, slot uint32, payData []byte) error {
	return e.apply("challenge_4", func(tx *txn) error {
		key := SlotKey{Delegate: delegate, Slot: slot}
		if _, err := tx.owned(delegate, caller); err != nil {
			return err
		}
		s := tx.slot(key)
		if err := tx.advance(key, s, callPayeeList); err != nil {
			return err
		}
		p, err := tx.paymentView(s.Challenge.DisputedPayment)
		if err != nil {
			return err
		}
		if err := checkDisputedRecord(p, s.To, s.Challenge.DisputedAmount, payData); err != nil {
			return err
		}
		tx.record(newChallengeEvent(EventTypeChallengePayeeList, key, &s.Challenge))
		return tx.resolve(key, s, WinnerDelegate)
	})
}

// checkDisputedRecord verifies a single (amount, payment) record owed to to.
func checkDisputedRecord(p *Payment, to uint32, amount uint64, payData []byte) error {
	if !p.Collectible() {
		return fmt.Errorf("%w: payment is %s", ErrPaymentLocked, p.State)
	}
	if paydata.Hash(payData) != p.PayeesHash {
		return fmt.Errorf("%w: payment's data hash doesn't match provided payData hash", ErrPayDataMismatch)
	}
	occurrences, err := paydata.Occurrences(payData, to)
	if err != nil {
		return err
	}
	if p.InNewRange(to) {
		occurrences++
	}
	if occurrences == 0 {
		return fmt.Errorf("%w: account %d is not a payee", ErrPayDataMismatch, to)
	}
	owed, err := mulAmount(p.Amount, uint64(occurrences))
	if err != nil {
		return err
	}
	if owed != amount {
		return fmt.Errorf("%w: record claims %d, payment owes %d", ErrAmountMismatch, amount, owed)
	}
	return nil
}

// ChallengeSuccess settles a challenge the delegate forfeited by missing a
// deadline. Anyone may call it.
func (e *Engine) ChallengeSuccess(delegate, slot uint32) error {
	return e.apply("challenge_success", func(tx *txn) error {
		return tx.forfeit(SlotKey{Delegate: delegate, Slot: slot}, WinnerChallenger)
	})
}

// ChallengeFailed settles a challenge the challenger forfeited by missing a
// deadline. Anyone may call it.
func (e *Engine) ChallengeFailed(delegate, slot uint32) error {
	return e.apply("challenge_failed", func(tx *txn) error {
		return tx.forfeit(SlotKey{Delegate: delegate, Slot: slot}, WinnerDelegate)
	})
}

type resolution struct {
	key        SlotKey
	challenger uint32
	winner     string
}

func (t *txn) forfeit(key SlotKey, winner string) error {
	s := t.slot(key)
	if s.State != SlotChallenged {
		return fmt.Errorf("%w: slot %d/%d is %s", ErrInvalidState, key.Delegate, key.Slot, s.State)
	}
	if forfeitWinner(s.Challenge.Step) != winner {
		return fmt.Errorf("%w: %s cannot win by timeout at step %s", ErrInvalidState, winner, s.Challenge.Step)
	}
	if t.now < s.Challenge.Deadline {
		return fmt.Errorf("%w: slot %d/%d deadline %d", ErrDeadlineNotPassed, key.Delegate, key.Slot, s.Challenge.Deadline)
	}
	return t.resolve(key, s, winner)
}

// resolve moves the stakes of a finished challenge. A winning challenger takes
// both stakes and the backed amount returns to the payment pool; a winning
// delegate takes the challenge stake and the claim returns to Collected.
func (t *txn) resolve(key SlotKey, s *CollectSlot, winner string) error {
	params := t.e.params
	challenger := s.Challenge.Challenger
	switch winner {
	case WinnerChallenger:
		if err := moveReserve(&t.reserves.SlotEscrow, s.Backed+params.CollectStake+params.ChallengeStake, "slot escrow"); err != nil {
			return err
		}
		t.reserves.PaymentPool += s.Backed
		if err := t.credit(challenger, params.CollectStake+params.ChallengeStake); err != nil {
			return err
		}
		t.record(newResolutionEvent(EventTypeChallengeSuccess, key, challenger, winner))
		*s = CollectSlot{}
	case WinnerDelegate:
		if err := moveReserve(&t.reserves.SlotEscrow, params.ChallengeStake, "slot escrow"); err != nil {
			return err
		}
		if err := t.credit(key.Delegate, params.ChallengeStake); err != nil {
			return err
		}
		t.record(newResolutionEvent(EventTypeChallengeFailed, key, challenger, winner))
		s.State = SlotCollected
		s.Challenge = ChallengeState{}
	default:
		return fmt.Errorf("batpay engine: unknown winner %q", winner)
	}
	t.resolutions = append(t.resolutions, resolution{key: key, challenger: challenger, winner: winner})
	return nil
}
