package routes

import (
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"batpay/core/paydata"
	"batpay/gateway/middleware"
	"batpay/native/batpay"
)

type quoteResponse struct {
	To        uint32           `json:"toAccountId"`
	From      uint32           `json:"fromPaymentId"`
	ToPayment uint32           `json:"toPaymentId"`
	Amount    uint64           `json:"amount"`
	Records   []paydata.Record `json:"records"`
	Summary   hexutil.Bytes    `json:"summary"`
}

// quote returns what an account is owed over a payment range. fromPayment
// defaults to the account's first uncollected payment and toPayment to the
// registry length.
func (lr *ledgerRoutes) quote(w http.ResponseWriter, r *http.Request) {
	to, err := queryUint32(r, "to")
	if err != nil {
		writeBadRequest(w, r, err)
		return
	}
	acc, err := lr.engine.Account(to)
	if err != nil {
		writeLedgerError(w, r, lr.logger, err)
		return
	}
	from := acc.Collected
	if r.URL.Query().Has("from") {
		if from, err = queryUint32(r, "from"); err != nil {
			writeBadRequest(w, r, err)
			return
		}
	}
	toPayment := lr.engine.PaymentsLength()
	if r.URL.Query().Has("toPayment") {
		if toPayment, err = queryUint32(r, "toPayment"); err != nil {
			writeBadRequest(w, r, err)
			return
		}
	}
	q, err := lr.engine.CollectQuote(to, from, toPayment)
	if err != nil {
		writeLedgerError(w, r, lr.logger, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, quoteResponse{
		To:        to,
		From:      from,
		ToPayment: toPayment,
		Amount:    q.Amount,
		Records:   q.Records,
		Summary:   q.Summary,
	})
}

type challengeResponse struct {
	Step            string        `json:"step"`
	Challenger      uint32        `json:"challengerAccountId"`
	Deadline        uint64        `json:"deadline"`
	Summary         hexutil.Bytes `json:"summary,omitempty"`
	DisputedIndex   uint32        `json:"disputedIndex"`
	DisputedAmount  uint64        `json:"disputedAmount"`
	DisputedPayment uint32        `json:"disputedPaymentId"`
}

type slotResponse struct {
	Delegate        uint32             `json:"delegate"`
	Slot            uint32             `json:"slot"`
	State           string             `json:"state"`
	Instant         bool               `json:"instant"`
	To              uint32             `json:"toAccountId"`
	From            uint32             `json:"fromPaymentId"`
	ToPayment       uint32             `json:"toPaymentId"`
	Amount          uint64             `json:"amount"`
	Fee             uint64             `json:"fee"`
	Backed          uint64             `json:"backed"`
	WithdrawAddress common.Address     `json:"withdrawAddress"`
	OpenedAt        uint64             `json:"openedAt"`
	FreeableAt      uint64             `json:"freeableAt"`
	Challenge       *challengeResponse `json:"challenge,omitempty"`
}

func (lr *ledgerRoutes) slotResponse(delegate, slot uint32) slotResponse {
	s := lr.engine.Slot(delegate, slot)
	params := lr.engine.Params()
	resp := slotResponse{
		Delegate:        delegate,
		Slot:            slot,
		State:           s.State.String(),
		Instant:         params.IsInstant(slot),
		To:              s.To,
		From:            s.From,
		ToPayment:       s.ToPayment,
		Amount:          s.Amount,
		Fee:             s.Fee,
		Backed:          s.Backed,
		WithdrawAddress: s.WithdrawAddress,
		OpenedAt:        s.OpenedAt,
	}
	if s.State != batpay.SlotEmpty {
		resp.FreeableAt = s.OpenedAt + params.ChallengeBlocks
	}
	if s.State == batpay.SlotChallenged {
		resp.Challenge = &challengeResponse{
			Step:            s.Challenge.Step.String(),
			Challenger:      s.Challenge.Challenger,
			Deadline:        s.Challenge.Deadline,
			Summary:         s.Challenge.Summary,
			DisputedIndex:   s.Challenge.DisputedIndex,
			DisputedAmount:  s.Challenge.DisputedAmount,
			DisputedPayment: s.Challenge.DisputedPayment,
		}
	}
	return resp
}

func (lr *ledgerRoutes) getSlot(w http.ResponseWriter, r *http.Request) {
	delegate, slot, err := slotParams(r)
	if err != nil {
		writeBadRequest(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, lr.slotResponse(delegate, slot))
}

type auditResponse struct {
	Delegate uint32 `json:"delegate"`
	Slot     uint32 `json:"slot"`
	// Disputable is true when Index names a record that cannot be defended.
	Disputable bool   `json:"disputable"`
	Index      uint32 `json:"index"`
}

func (lr *ledgerRoutes) audit(w http.ResponseWriter, r *http.Request) {
	delegate, slot, err := slotParams(r)
	if err != nil {
		writeBadRequest(w, r, err)
		return
	}
	index, found, err := lr.engine.AuditSummary(delegate, slot)
	if err != nil {
		writeLedgerError(w, r, lr.logger, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, auditResponse{Delegate: delegate, Slot: slot, Disputable: found, Index: index})
}

type collectRequest struct {
	Delegate        uint32         `json:"delegate"`
	Slot            uint32         `json:"slot"`
	To              uint32         `json:"toAccountId"`
	From            uint32         `json:"fromPaymentId"`
	ToPayment       uint32         `json:"toPaymentId"`
	Amount          uint64         `json:"amount"`
	Fee             uint64         `json:"fee"`
	WithdrawAddress common.Address `json:"withdrawAddress"`
	Signature       hexutil.Bytes  `json:"signature"`
}

func (lr *ledgerRoutes) collect(w http.ResponseWriter, r *http.Request) {
	caller, ok := lr.caller(w, r)
	if !ok {
		return
	}
	var req collectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, r, err)
		return
	}
	err := lr.engine.Collect(caller, batpay.CollectRequest{
		Delegate:        req.Delegate,
		Slot:            req.Slot,
		To:              req.To,
		From:            req.From,
		ToPayment:       req.ToPayment,
		Amount:          req.Amount,
		Fee:             req.Fee,
		WithdrawAddress: req.WithdrawAddress,
		Signature:       req.Signature,
	})
	if err != nil {
		writeLedgerError(w, r, lr.logger, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, lr.slotResponse(req.Delegate, req.Slot))
}

// slotCall runs a ledger call addressed by the slot in the path and answers
// with the slot's new state.
func (lr *ledgerRoutes) slotCall(w http.ResponseWriter, r *http.Request, call func(caller common.Address, delegate, slot uint32) error) {
	caller, ok := lr.caller(w, r)
	if !ok {
		return
	}
	delegate, slot, err := slotParams(r)
	if err != nil {
		writeBadRequest(w, r, err)
		return
	}
	if err := call(caller, delegate, slot); err != nil {
		writeLedgerError(w, r, lr.logger, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, lr.slotResponse(delegate, slot))
}

func (lr *ledgerRoutes) freeSlot(w http.ResponseWriter, r *http.Request) {
	lr.slotCall(w, r, func(_ common.Address, delegate, slot uint32) error {
		return lr.engine.FreeSlot(delegate, slot)
	})
}

type challengeRequest struct {
	ChallengerID uint32 `json:"challengerAccountId"`
}

func (lr *ledgerRoutes) challenge(w http.ResponseWriter, r *http.Request) {
	var req challengeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, r, err)
		return
	}
	lr.slotCall(w, r, func(caller common.Address, delegate, slot uint32) error {
		return lr.engine.Challenge1(caller, delegate, slot, req.ChallengerID)
	})
}

type summaryRequest struct {
	Summary hexutil.Bytes `json:"summary"`
}

func (lr *ledgerRoutes) disclosePayments(w http.ResponseWriter, r *http.Request) {
	var req summaryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, r, err)
		return
	}
	lr.slotCall(w, r, func(caller common.Address, delegate, slot uint32) error {
		return lr.engine.Challenge2(caller, delegate, slot, req.Summary)
	})
}

type disputeRequest struct {
	Summary      hexutil.Bytes `json:"summary"`
	Index        uint32        `json:"index"`
	ChallengerID uint32        `json:"challengerAccountId"`
}

func (lr *ledgerRoutes) disputeIndex(w http.ResponseWriter, r *http.Request) {
	var req disputeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, r, err)
		return
	}
	lr.slotCall(w, r, func(caller common.Address, delegate, slot uint32) error {
		return lr.engine.Challenge3(caller, delegate, slot, req.Summary, req.Index, req.ChallengerID)
	})
}

type payeesRequest struct {
	PayData hexutil.Bytes `json:"payData"`
}

func (lr *ledgerRoutes) disclosePayees(w http.ResponseWriter, r *http.Request) {
	var req payeesRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, r, err)
		return
	}
	lr.slotCall(w, r, func(caller common.Address, delegate, slot uint32) error {
		return lr.engine.Challenge4(caller, delegate, slot, req.PayData)
	})
}

func (lr *ledgerRoutes) challengeSuccess(w http.ResponseWriter, r *http.Request) {
	lr.slotCall(w, r, func(_ common.Address, delegate, slot uint32) error {
		return lr.engine.ChallengeSuccess(delegate, slot)
	})
}

func (lr *ledgerRoutes) challengeFailed(w http.ResponseWriter, r *http.Request) {
	lr.slotCall(w, r, func(_ common.Address, delegate, slot uint32) error {
		return lr.engine.ChallengeFailed(delegate, slot)
	})
}
