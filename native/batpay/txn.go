package batpay

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/ethereum/go-ethereum/common"

	"batpay/core/types"
)

type transferKind uint8

const (
	transferPull transferKind = iota
	transferPush
)

type tokenTransfer struct {
	kind   transferKind
	holder common.Address
	amount uint64
}

// txn is a copy-on-write overlay over the engine tables. Records are cloned on
// first write and only reach the engine through a Changeset.
type txn struct {
	e   *Engine
	now uint64

	accounts    map[uint32]*Account
	accountsLen uint32
	bulks       []*BulkRegistration
	payments    map[uint32]*Payment
	paymentsLen uint32
	slots       map[SlotKey]*CollectSlot
	reserves    Reserves

	transfers   []tokenTransfer
	events      []*types.Event
	resolutions []resolution
}

func (e *Engine) begin() *txn {
	return &txn{
		e:           e,
		now:         e.now(),
		accounts:    make(map[uint32]*Account),
		accountsLen: uint32(len(e.accounts)),
		payments:    make(map[uint32]*Payment),
		paymentsLen: uint32(len(e.payments)),
		slots:       make(map[SlotKey]*CollectSlot),
		reserves:    e.reserves,
	}
}

func (t *txn) changeset() *Changeset {
	return &Changeset{
		Accounts:    t.accounts,
		AccountsLen: t.accountsLen,
		Bulks:       t.bulks,
		BulksStart:  uint32(len(t.e.bulks)),
		Payments:    t.payments,
		PaymentsLen: t.paymentsLen,
		Slots:       t.slots,
		Reserves:    t.reserves,
	}
}

// --- accounts ---

func (t *txn) accountView(id uint32) (*Account, error) {
	if id >= t.accountsLen {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAccountID, id)
	}
	if acc, ok := t.accounts[id]; ok {
		return acc, nil
	}
	if int(id) < len(t.e.accounts) {
		acc := t.e.accounts[id]
		return &acc, nil
	}
	return &Account{}, nil
}

func (t *txn) account(id uint32) (*Account, error) {
	acc, err := t.accountView(id)
	if err != nil {
		return nil, err
	}
	if _, ok := t.accounts[id]; !ok {
		acc = acc.Clone()
		t.accounts[id] = acc
	}
	return acc, nil
}

// owned returns the account if caller is its bound address.
func (t *txn) owned(id uint32, caller common.Address) (*Account, error) {
	acc, err := t.account(id)
	if err != nil {
		return nil, err
	}
	if !acc.Bound() || acc.Address != caller {
		return nil, fmt.Errorf("%w: %s does not own account %d", ErrUnauthorized, caller.Hex(), id)
	}
	return acc, nil
}

func (t *txn) reserveAccounts(n uint32) (uint32, error) {
	if uint64(t.accountsLen)+uint64(n) > uint64(NewAccountFlag) {
		return 0, fmt.Errorf("%w: account table is full", ErrTooManyRecords)
	}
	first := t.accountsLen
	t.accountsLen += n
	return first, nil
}

func (t *txn) appendAccount(addr common.Address, balance uint64) (uint32, error) {
	id, err := t.reserveAccounts(1)
	if err != nil {
		return 0, err
	}
	t.accounts[id] = &Account{Address: addr, Balance: balance}
	return id, nil
}

func (t *txn) debit(acc *Account, amount uint64) error {
	if acc.Balance < amount {
		return fmt.Errorf("%w: balance %d below %d", ErrInsufficientFunds, acc.Balance, amount)
	}
	acc.Balance -= amount
	return nil
}

func (t *txn) credit(id uint32, amount uint64) error {
	if amount == 0 {
		return nil
	}
	acc, err := t.account(id)
	if err != nil {
		return err
	}
	if acc.Balance > math.MaxUint64-amount {
		return fmt.Errorf("%w: balance overflow on account %d", ErrAmountTooLarge, id)
	}
	acc.Balance += amount
	return nil
}

// --- bulks ---

func (t *txn) bulkView(id uint32) (*BulkRegistration, error) {
	base := uint32(len(t.e.bulks))
	if id < base {
		b := t.e.bulks[id]
		return &b, nil
	}
	if idx := id - base; int(idx) < len(t.bulks) {
		return t.bulks[idx], nil
	}
	return nil, fmt.Errorf("%w: %d", ErrInvalidBulkID, id)
}

func (t *txn) appendBulk(b *BulkRegistration) uint32 {
	id := uint32(len(t.e.bulks) + len(t.bulks))
	t.bulks = append(t.bulks, b)
	return id
}

// --- payments ---

func (t *txn) paymentView(id uint32) (*Payment, error) {
	if id >= t.paymentsLen {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPaymentID, id)
	}
	if p, ok := t.payments[id]; ok {
		return p, nil
	}
	return t.e.payments[id], nil
}

func (t *txn) payment(id uint32) (*Payment, error) {
	p, err := t.paymentView(id)
	if err != nil {
		return nil, err
	}
	if _, ok := t.payments[id]; !ok {
		p = p.Clone()
		t.payments[id] = p
	}
	return p, nil
}

func (t *txn) appendPayment(p *Payment) (uint32, error) {
	if t.paymentsLen == math.MaxUint32 {
		return 0, fmt.Errorf("%w: payment table is full", ErrTooManyRecords)
	}
	id := t.paymentsLen
	t.paymentsLen++
	t.payments[id] = p
	return id, nil
}

// --- slots ---

func (t *txn) slot(key SlotKey) *CollectSlot {
	if s, ok := t.slots[key]; ok {
		return s
	}
	s := t.e.slots[key].Clone()
	t.slots[key] = s
	return s
}

// --- reserves ---

func moveReserve(from *uint64, amount uint64, name string) error {
	if *from < amount {
		return fmt.Errorf("%w: %s holds %d, need %d", ErrInsufficientFunds, name, *from, amount)
	}
	*from -= amount
	return nil
}

// --- token effects ---

func (t *txn) pull(from common.Address, amount uint64) {
	t.transfers = append(t.transfers, tokenTransfer{kind: transferPull, holder: from, amount: amount})
}

func (t *txn) push(to common.Address, amount uint64) {
	if amount == 0 {
		return
	}
	t.transfers = append(t.transfers, tokenTransfer{kind: transferPush, holder: to, amount: amount})
}

func (t *txn) record(evt *types.Event) {
	t.events = append(t.events, evt)
}

// runTransfers executes transfers in order and stops at the first failure. It
// returns the transfers that went through.
func runTransfers(tok tokenMover, instance common.Address, transfers []tokenTransfer) ([]tokenTransfer, error) {
	done := make([]tokenTransfer, 0, len(transfers))
	for _, tr := range transfers {
		var err error
		switch tr.kind {
		case transferPull:
			if err = tok.TransferFrom(instance, tr.holder, instance, tr.amount); err != nil {
				err = fmt.Errorf("%w: %v", ErrInsufficientApproval, err)
			}
		case transferPush:
			if err = tok.Transfer(instance, tr.holder, tr.amount); err != nil {
				err = fmt.Errorf("%w: %v", ErrTokenTransfer, err)
			}
		}
		if err != nil {
			return done, err
		}
		done = append(done, tr)
	}
	return done, nil
}

func (e *Engine) revertTransfers(done []tokenTransfer) {
	for i := len(done) - 1; i >= 0; i-- {
		tr := done[i]
		var err error
		switch tr.kind {
		case transferPull:
			err = e.token.Transfer(e.instance, tr.holder, tr.amount)
		case transferPush:
			err = e.token.Transfer(tr.holder, e.instance, tr.amount)
		}
		if err != nil {
			e.logger.Error("batpay token compensation failed",
				slog.String("holder", tr.holder.Hex()),
				slog.Uint64("amount", tr.amount),
				slog.String("error", err.Error()))
		}
	}
}
