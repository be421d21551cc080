package routes

import (
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"batpay/gateway/middleware"
	"batpay/merkle"
	"batpay/native/batpay"
)

type accountResponse struct {
	ID uint32 `json:"id"`
	batpay.Account
}

func (lr *ledgerRoutes) getAccount(w http.ResponseWriter, r *http.Request) {
	id, err := pathUint32(r, "id")
	if err != nil {
		writeBadRequest(w, r, err)
		return
	}
	acc, err := lr.engine.Account(id)
	if err != nil {
		writeLedgerError(w, r, lr.logger, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, accountResponse{ID: id, Account: acc})
}

type registerRequest struct {
	// Address defaults to the caller.
	Address *common.Address `json:"address,omitempty"`
}

func (lr *ledgerRoutes) register(w http.ResponseWriter, r *http.Request) {
	caller, ok := lr.caller(w, r)
	if !ok {
		return
	}
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, r, err)
		return
	}
	addr := caller
	if req.Address != nil {
		addr = *req.Address
	}
	id, err := lr.engine.Register(addr)
	if err != nil {
		writeLedgerError(w, r, lr.logger, err)
		return
	}
	middleware.WriteJSON(w, http.StatusCreated, idResponse{ID: id})
}

type depositRequest struct {
	// AccountID is omitted to open a new account for the caller.
	AccountID *uint32 `json:"accountId,omitempty"`
	Amount    uint64  `json:"amount"`
}

func (lr *ledgerRoutes) deposit(w http.ResponseWriter, r *http.Request) {
	caller, ok := lr.caller(w, r)
	if !ok {
		return
	}
	var req depositRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, r, err)
		return
	}
	target := batpay.NewAccountFlag
	if req.AccountID != nil {
		target = *req.AccountID
	}
	id, err := lr.engine.Deposit(caller, req.Amount, target)
	if err != nil {
		writeLedgerError(w, r, lr.logger, err)
		return
	}
	status := http.StatusOK
	if target == batpay.NewAccountFlag {
		status = http.StatusCreated
	}
	middleware.WriteJSON(w, status, idResponse{ID: id})
}

type withdrawRequest struct {
	Amount uint64 `json:"amount"`
}

func (lr *ledgerRoutes) withdraw(w http.ResponseWriter, r *http.Request) {
	caller, ok := lr.caller(w, r)
	if !ok {
		return
	}
	id, err := pathUint32(r, "id")
	if err != nil {
		writeBadRequest(w, r, err)
		return
	}
	var req withdrawRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, r, err)
		return
	}
	if err := lr.engine.Withdraw(caller, id, req.Amount); err != nil {
		writeLedgerError(w, r, lr.logger, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, okResponse{OK: true})
}

type bulkResponse struct {
	ID uint32 `json:"id"`
	batpay.BulkRegistration
}

func (lr *ledgerRoutes) getBulk(w http.ResponseWriter, r *http.Request) {
	id, err := pathUint32(r, "id")
	if err != nil {
		writeBadRequest(w, r, err)
		return
	}
	bulk, err := lr.engine.Bulk(id)
	if err != nil {
		writeLedgerError(w, r, lr.logger, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, bulkResponse{ID: id, BulkRegistration: bulk})
}

type bulkRegisterRequest struct {
	Count uint32      `json:"count"`
	Root  common.Hash `json:"root"`
}

func (lr *ledgerRoutes) bulkRegister(w http.ResponseWriter, r *http.Request) {
	if _, ok := lr.caller(w, r); !ok {
		return
	}
	var req bulkRegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, r, err)
		return
	}
	id, err := lr.engine.BulkRegister(req.Count, req.Root)
	if err != nil {
		writeLedgerError(w, r, lr.logger, err)
		return
	}
	bulk, err := lr.engine.Bulk(id)
	if err != nil {
		writeInternalError(w, r, lr.logger, err)
		return
	}
	middleware.WriteJSON(w, http.StatusCreated, bulkResponse{ID: id, BulkRegistration: bulk})
}

type claimRequest struct {
	AccountID uint32 `json:"accountId"`
	// Address defaults to the caller.
	Address *common.Address `json:"address,omitempty"`
	Proof   merkle.Proof    `json:"proof"`
}

func (lr *ledgerRoutes) claim(w http.ResponseWriter, r *http.Request) {
	caller, ok := lr.caller(w, r)
	if !ok {
		return
	}
	bulkID, err := pathUint32(r, "id")
	if err != nil {
		writeBadRequest(w, r, err)
		return
	}
	var req claimRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, r, err)
		return
	}
	addr := caller
	if req.Address != nil {
		addr = *req.Address
	}
	if err := lr.engine.ClaimBulkRegistrationID(addr, req.Proof, req.AccountID, bulkID); err != nil {
		writeLedgerError(w, r, lr.logger, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, idResponse{ID: req.AccountID})
}
