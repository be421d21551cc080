package routes

import (
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"batpay/gateway/middleware"
	"batpay/native/batpay"
)

type paymentResponse struct {
	ID             uint32        `json:"id"`
	From           uint32        `json:"fromAccountId"`
	Amount         uint64        `json:"amount"`
	Fee            uint64        `json:"unlockerFee"`
	PayData        hexutil.Bytes `json:"payData"`
	PayeesHash     common.Hash   `json:"payeesHash"`
	PayeeCount     uint32        `json:"payeeCount"`
	NewCount       uint32        `json:"newCount"`
	SmallestNewID  uint32        `json:"smallestNewId"`
	LockingKeyHash common.Hash   `json:"lockingKeyHash"`
	Metadata       common.Hash   `json:"metadata"`
	RegisteredAt   uint64        `json:"registeredAt"`
	State          string        `json:"state"`
	Total          uint64        `json:"total"`
}

func newPaymentResponse(id uint32, p *batpay.Payment) paymentResponse {
	return paymentResponse{
		ID:             id,
		From:           p.From,
		Amount:         p.Amount,
		Fee:            p.Fee,
		PayData:        p.PayData,
		PayeesHash:     p.PayeesHash,
		PayeeCount:     p.PayeeCount,
		NewCount:       p.NewCount,
		SmallestNewID:  p.SmallestNewID,
		LockingKeyHash: p.LockingKeyHash,
		Metadata:       p.Metadata,
		RegisteredAt:   p.RegisteredAt,
		State:          p.State.String(),
		Total:          p.Total(),
	}
}

func (lr *ledgerRoutes) getPayment(w http.ResponseWriter, r *http.Request) {
	id, err := pathUint32(r, "id")
	if err != nil {
		writeBadRequest(w, r, err)
		return
	}
	p, err := lr.engine.Payment(id)
	if err != nil {
		writeLedgerError(w, r, lr.logger, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, newPaymentResponse(id, p))
}

type payeesResponse struct {
	ID     uint32   `json:"id"`
	Payees []uint32 `json:"payees"`
}

func (lr *ledgerRoutes) getPayees(w http.ResponseWriter, r *http.Request) {
	id, err := pathUint32(r, "id")
	if err != nil {
		writeBadRequest(w, r, err)
		return
	}
	payees, err := lr.engine.PayeeList(id)
	if err != nil {
		writeLedgerError(w, r, lr.logger, err)
		return
	}
	if payees == nil {
		payees = []uint32{}
	}
	middleware.WriteJSON(w, http.StatusOK, payeesResponse{ID: id, Payees: payees})
}

type registerPaymentRequest struct {
	From           uint32        `json:"fromAccountId"`
	Amount         uint64        `json:"amount"`
	Fee            uint64        `json:"unlockerFee"`
	PayData        hexutil.Bytes `json:"payData"`
	NewCount       uint32        `json:"newCount"`
	Root           common.Hash   `json:"root"`
	LockingKeyHash common.Hash   `json:"lockingKeyHash"`
	Metadata       common.Hash   `json:"metadata"`
}

func (lr *ledgerRoutes) registerPayment(w http.ResponseWriter, r *http.Request) {
	caller, ok := lr.caller(w, r)
	if !ok {
		return
	}
	var req registerPaymentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, r, err)
		return
	}
	id, err := lr.engine.RegisterPayment(caller, batpay.PaymentRequest{
		From:           req.From,
		Amount:         req.Amount,
		Fee:            req.Fee,
		PayData:        req.PayData,
		NewCount:       req.NewCount,
		Root:           req.Root,
		LockingKeyHash: req.LockingKeyHash,
		Metadata:       req.Metadata,
	})
	if err != nil {
		writeLedgerError(w, r, lr.logger, err)
		return
	}
	p, err := lr.engine.Payment(id)
	if err != nil {
		writeInternalError(w, r, lr.logger, err)
		return
	}
	middleware.WriteJSON(w, http.StatusCreated, newPaymentResponse(id, p))
}

type unlockRequest struct {
	UnlockerID uint32        `json:"unlockerAccountId"`
	Key        hexutil.Bytes `json:"key"`
}

func (lr *ledgerRoutes) unlock(w http.ResponseWriter, r *http.Request) {
	if _, ok := lr.caller(w, r); !ok {
		return
	}
	id, err := pathUint32(r, "id")
	if err != nil {
		writeBadRequest(w, r, err)
		return
	}
	var req unlockRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, r, err)
		return
	}
	if err := lr.engine.Unlock(id, req.UnlockerID, req.Key); err != nil {
		writeLedgerError(w, r, lr.logger, err)
		return
	}
	lr.writePayment(w, r, id)
}

func (lr *ledgerRoutes) refund(w http.ResponseWriter, r *http.Request) {
	if _, ok := lr.caller(w, r); !ok {
		return
	}
	id, err := pathUint32(r, "id")
	if err != nil {
		writeBadRequest(w, r, err)
		return
	}
	if err := lr.engine.RefundLockedPayment(id); err != nil {
		writeLedgerError(w, r, lr.logger, err)
		return
	}
	lr.writePayment(w, r, id)
}

func (lr *ledgerRoutes) writePayment(w http.ResponseWriter, r *http.Request, id uint32) {
	p, err := lr.engine.Payment(id)
	if err != nil {
		writeInternalError(w, r, lr.logger, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, newPaymentResponse(id, p))
}
