package routes

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"batpay/gateway/middleware"
	"batpay/native/batpay"
	"batpay/token"
)

// ledgerRoutes exposes the engine and its token over JSON.
type ledgerRoutes struct {
	engine *batpay.Engine
	token  *token.Ledger
	logger *slog.Logger
}

type idResponse struct {
	ID uint32 `json:"id"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

func (lr *ledgerRoutes) mountReads(r chi.Router) {
	r.Get("/status", lr.status)
	r.Get("/accounts/{id}", lr.getAccount)
	r.Get("/bulks/{id}", lr.getBulk)
	r.Get("/payments/{id}", lr.getPayment)
	r.Get("/payments/{id}/payees", lr.getPayees)
	r.Get("/quote", lr.quote)
	r.Get("/slots/{delegate}/{slot}", lr.getSlot)
	r.Get("/slots/{delegate}/{slot}/audit", lr.audit)
	r.Get("/token/{address}", lr.tokenBalance)
}

func (lr *ledgerRoutes) mountWrites(r chi.Router) {
	r.Post("/accounts", lr.register)
	r.Post("/accounts/deposit", lr.deposit)
	r.Post("/accounts/{id}/withdraw", lr.withdraw)
	r.Post("/bulks", lr.bulkRegister)
	r.Post("/bulks/{id}/claim", lr.claim)
	r.Post("/payments", lr.registerPayment)
	r.Post("/payments/{id}/unlock", lr.unlock)
	r.Post("/payments/{id}/refund", lr.refund)
	r.Post("/collect", lr.collect)
	r.Post("/slots/{delegate}/{slot}/free", lr.freeSlot)
	r.Post("/slots/{delegate}/{slot}/challenge", lr.challenge)
	r.Post("/slots/{delegate}/{slot}/summary", lr.disclosePayments)
	r.Post("/slots/{delegate}/{slot}/index", lr.disputeIndex)
	r.Post("/slots/{delegate}/{slot}/payees", lr.disclosePayees)
	r.Post("/slots/{delegate}/{slot}/success", lr.challengeSuccess)
	r.Post("/slots/{delegate}/{slot}/failed", lr.challengeFailed)
	r.Post("/token/approve", lr.approve)
}

type statusResponse struct {
	Instance      common.Address  `json:"instance"`
	Height        uint64          `json:"height"`
	Params        batpay.Params   `json:"params"`
	Reserves      batpay.Reserves `json:"reserves"`
	Accounts      uint32          `json:"accounts"`
	Bulks         uint32          `json:"bulks"`
	Payments      uint32          `json:"payments"`
	TotalBalances uint64          `json:"totalBalances"`
	TokenHeld     uint64          `json:"tokenHeld"`
}

func (lr *ledgerRoutes) status(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, statusResponse{
		Instance:      lr.engine.Instance(),
		Height:        lr.engine.Height(),
		Params:        lr.engine.Params(),
		Reserves:      lr.engine.Reserves(),
		Accounts:      lr.engine.AccountsLength(),
		Bulks:         lr.engine.BulksLength(),
		Payments:      lr.engine.PaymentsLength(),
		TotalBalances: lr.engine.TotalBalances(),
		TokenHeld:     lr.token.BalanceOf(lr.engine.Instance()),
	})
}

// caller returns the signer established by the signature middleware.
func (lr *ledgerRoutes) caller(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	addr, ok := middleware.CallerFromContext(r.Context())
	if !ok {
		middleware.WriteJSONError(w, r, http.StatusUnauthorized, "unauthenticated", "request signature required")
	}
	return addr, ok
}

func pathUint32(r *http.Request, name string) (uint32, error) {
	raw := chi.URLParam(r, name)
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", name, raw)
	}
	return uint32(v), nil
}

func queryUint32(r *http.Request, name string) (uint32, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, fmt.Errorf("missing %s", name)
	}
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", name, raw)
	}
	return uint32(v), nil
}

func slotParams(r *http.Request) (uint32, uint32, error) {
	delegate, err := pathUint32(r, "delegate")
	if err != nil {
		return 0, 0, err
	}
	slot, err := pathUint32(r, "slot")
	if err != nil {
		return 0, 0, err
	}
	return delegate, slot, nil
}

// --- token ---

type tokenBalanceResponse struct {
	Address   common.Address `json:"address"`
	Balance   uint64         `json:"balance"`
	Allowance uint64         `json:"allowance"`
}

func (lr *ledgerRoutes) tokenBalance(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "address")
	if !common.IsHexAddress(raw) {
		writeBadRequest(w, r, fmt.Errorf("invalid address %q", raw))
		return
	}
	addr := common.HexToAddress(raw)
	middleware.WriteJSON(w, http.StatusOK, tokenBalanceResponse{
		Address:   addr,
		Balance:   lr.token.BalanceOf(addr),
		Allowance: lr.token.Allowance(addr, lr.engine.Instance()),
	})
}

type approveRequest struct {
	Amount uint64 `json:"amount"`
}

// approve sets the caller's allowance for the ledger instance.
func (lr *ledgerRoutes) approve(w http.ResponseWriter, r *http.Request) {
	caller, ok := lr.caller(w, r)
	if !ok {
		return
	}
	var req approveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, r, err)
		return
	}
	if err := lr.token.Approve(caller, lr.engine.Instance(), req.Amount); err != nil {
		writeLedgerError(w, r, lr.logger, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, tokenBalanceResponse{
		Address:   caller,
		Balance:   lr.token.BalanceOf(caller),
		Allowance: lr.token.Allowance(caller, lr.engine.Instance()),
	})
}

type faucetRequest struct {
	Address common.Address `json:"address"`
	Amount  uint64         `json:"amount"`
}

func (lr *ledgerRoutes) faucet(w http.ResponseWriter, r *http.Request) {
	var req faucetRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, r, err)
		return
	}
	if req.Address == (common.Address{}) || req.Amount == 0 {
		writeBadRequest(w, r, errors.New("address and amount are required"))
		return
	}
	if err := lr.token.Mint(req.Address, req.Amount); err != nil {
		writeLedgerError(w, r, lr.logger, err)
		return
	}
	lr.logger.Info("faucet mint", slog.String("address", req.Address.Hex()), slog.Uint64("amount", req.Amount))
	middleware.WriteJSON(w, http.StatusOK, tokenBalanceResponse{
		Address:   req.Address,
		Balance:   lr.token.BalanceOf(req.Address),
		Allowance: lr.token.Allowance(req.Address, lr.engine.Instance()),
	})
}
