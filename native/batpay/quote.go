package batpay

import (
	"fmt"
	"math"
	"math/bits"

	"batpay/core/paydata"
)

// Quote is the honest claim for an account over a payment range.
type Quote struct {
	Amount  uint64           `json:"amount"`
	Records []paydata.Record `json:"records"`
	// Summary is the encoded form of Records, ready for Challenge2.
	Summary []byte `json:"summary"`
}

// CollectQuote computes what account to is owed by the collectible payments in
// [from, toPayment). Locked and refunded payments are skipped because they
// cannot back a disputed claim.
func (e *Engine) CollectQuote(to, from, toPayment uint32) (*Quote, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if int(to) >= len(e.accounts) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAccountID, to)
	}
	if from > toPayment || int(toPayment) > len(e.payments) {
		return nil, fmt.Errorf("%w: range [%d, %d) of %d payments", ErrIndexOutOfRange, from, toPayment, len(e.payments))
	}
	quote := &Quote{Records: []paydata.Record{}}
	for id := from; id < toPayment; id++ {
		p := e.payments[id]
		if !p.Collectible() {
			continue
		}
		owed, err := owedBy(p, to)
		if err != nil {
			return nil, err
		}
		if owed == 0 {
			continue
		}
		quote.Amount += owed
		quote.Records = append(quote.Records, paydata.Record{Amount: owed, PaymentID: id})
	}
	if len(quote.Records) > 0 {
		quote.Summary = paydata.EncodeSummary(quote.Records)
	}
	return quote, nil
}

func owedBy(p *Payment, to uint32) (uint64, error) {
	n, err := paydata.Occurrences(p.PayData, to)
	if err != nil {
		return 0, err
	}
	if p.InNewRange(to) {
		n++
	}
	return mulAmount(p.Amount, uint64(n))
}

// owedRange sums what the collectible payments in [from, toPayment) owe to,
// saturating at the largest uint64.
func (t *txn) owedRange(to, from, toPayment uint32) (uint64, error) {
	var total uint64
	for id := from; id < toPayment; id++ {
		p, err := t.paymentView(id)
		if err != nil {
			return 0, err
		}
		if !p.Collectible() {
			continue
		}
		owed, err := owedBy(p, to)
		if err != nil {
			return 0, err
		}
		sum, carry := bits.Add64(total, owed, 0)
		if carry != 0 {
			return math.MaxUint64, nil
		}
		total = sum
	}
	return total, nil
}

// AuditSummary checks the summary a delegate disclosed for a challenged slot
// and returns the index of the first record that does not match the registry.
// ok is false when every record is correct.
func (e *Engine) AuditSummary(delegate, slot uint32) (index uint32, ok bool, err error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, found := e.slots[SlotKey{Delegate: delegate, Slot: slot}]
	if !found || s.State != SlotChallenged || len(s.Challenge.Summary) == 0 {
		return 0, false, fmt.Errorf("%w: slot %d/%d has no disclosed summary", ErrInvalidState, delegate, slot)
	}
	records, err := paydata.DecodeSummary(s.Challenge.Summary)
	if err != nil {
		return 0, false, err
	}
	for i, r := range records {
		if int(r.PaymentID) >= len(e.payments) {
			return uint32(i), true, nil
		}
		p := e.payments[r.PaymentID]
		if checkDisputedRecord(p, s.To, r.Amount, p.PayData) != nil {
			return uint32(i), true, nil
		}
	}
	return 0, false, nil
}
