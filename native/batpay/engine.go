// Package batpay implements the BatPay ledger: accounts, bulk registration,
// hash-locked payments, delegated collects and the challenge game that
// disputes them.
package batpay

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"batpay/core/events"
	"batpay/core/types"
)

// engineState persists the effects of a single call atomically.
type engineState interface {
	Commit(*Changeset) error
}

// Metrics receives engine level measurements.
type Metrics interface {
	ObserveOperation(op string, err error)
	ObserveChallengeResolved(winner string)
	SetReserves(pool, lockedFees, slotEscrow uint64)
	SetTableSizes(accounts, payments, openSlots int)
}

type batpayEvent struct {
	evt *types.Event
}

func (e batpayEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e batpayEvent) Event() *types.Event { return e.evt }

// Engine applies ledger calls one at a time. Every call either commits all of
// its effects or none of them.
type Engine struct {
	mu sync.RWMutex

	instance common.Address
	params   Params
	token    Token
	state    engineState
	emitter  events.Emitter
	nowFn    func() uint64
	logger   *slog.Logger
	metrics  Metrics

	// beginTokens, when set, replaces direct token calls with a batch that
	// commits alongside the state.
	beginTokens func() TokenBatch

	accounts []Account
	bulks    []BulkRegistration
	payments []*Payment
	slots    map[SlotKey]*CollectSlot
	reserves Reserves
}

// NewEngine creates an empty ledger custodying token on behalf of instance.
func NewEngine(instance common.Address, token Token, params Params) (*Engine, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if instance == (common.Address{}) {
		return nil, fmt.Errorf("%w: instance address is zero", ErrInvalidAddress)
	}
	if token == nil {
		return nil, errNilToken
	}
	return &Engine{
		instance: instance,
		params:   params,
		token:    token,
		emitter:  events.NoopEmitter{},
		nowFn:    func() uint64 { return 0 },
		logger:   slog.Default(),
		slots:    make(map[SlotKey]*CollectSlot),
	}, nil
}

// SetState configures the persistence backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetClock sets the block height source.
func (e *Engine) SetClock(clock Clock) {
	if clock == nil {
		e.nowFn = func() uint64 { return 0 }
		return
	}
	e.nowFn = clock.Height
}

// SetNowFunc overrides the block height source. Primarily intended for tests.
func (e *Engine) SetNowFunc(now func() uint64) {
	if now == nil {
		e.nowFn = func() uint64 { return 0 }
		return
	}
	e.nowFn = now
}

// SetTokenBatcher makes every call stage its token moves in a batch that the
// state backend commits with the ledger records. Use it only when the token
// and the state share one database.
func (e *Engine) SetTokenBatcher(begin func() TokenBatch) { e.beginTokens = begin }

// SetLogger sets the logger; nil restores slog.Default.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	e.logger = logger
}

// SetMetrics attaches a metrics sink.
func (e *Engine) SetMetrics(m Metrics) { e.metrics = m }

// Instance returns the address that holds the ledger's tokens.
func (e *Engine) Instance() common.Address { return e.instance }

// Params returns the immutable configuration.
func (e *Engine) Params() Params { return e.params }

// Height returns the current block height of the engine's clock.
func (e *Engine) Height() uint64 { return e.now() }

// Restore replaces the in-memory tables with a persisted snapshot.
func (e *Engine) Restore(s *Snapshot) error {
	if s == nil {
		return errors.New("batpay engine: nil snapshot")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.accounts = append([]Account(nil), s.Accounts...)
	e.bulks = append([]BulkRegistration(nil), s.Bulks...)
	e.payments = make([]*Payment, len(s.Payments))
	for i, p := range s.Payments {
		e.payments[i] = p.Clone()
	}
	e.slots = make(map[SlotKey]*CollectSlot, len(s.Slots))
	for k, slot := range s.Slots {
		if slot == nil || slot.State == SlotEmpty {
			continue
		}
		e.slots[k] = slot.Clone()
	}
	e.reserves = s.Reserves
	e.observeSizes()
	return nil
}

func (e *Engine) now() uint64 {
	if e == nil || e.nowFn == nil {
		return 0
	}
	return e.nowFn()
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(batpayEvent{evt: event})
}

// apply runs fn against a fresh overlay and commits it when fn succeeds.
func (e *Engine) apply(op string, fn func(tx *txn) error) (err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer func() {
		if e.metrics != nil {
			e.metrics.ObserveOperation(op, err)
		}
		if err != nil {
			e.logger.Debug("batpay call rejected", slog.String("op", op), slog.String("error", err.Error()))
		}
	}()
	if e.state == nil {
		return errNilState
	}
	tx := e.begin()
	if err := fn(tx); err != nil {
		return err
	}
	return e.commit(op, tx)
}

func (e *Engine) commit(op string, tx *txn) error {
	cs := tx.changeset()
	if e.beginTokens != nil && len(tx.transfers) > 0 {
		tb := e.beginTokens()
		if _, err := runTransfers(tb, e.instance, tx.transfers); err != nil {
			tb.Discard()
			return err
		}
		cs.Token = tb
		if err := e.state.Commit(cs); err != nil {
			tb.Discard()
			return fmt.Errorf("batpay engine: commit %s: %w", op, err)
		}
		tb.Apply()
	} else {
		done, err := runTransfers(e.token, e.instance, tx.transfers)
		if err != nil {
			e.revertTransfers(done)
			return err
		}
		if err := e.state.Commit(cs); err != nil {
			e.revertTransfers(done)
			return fmt.Errorf("batpay engine: commit %s: %w", op, err)
		}
	}
	e.applyChangeset(cs)
	e.logger.Debug("batpay call applied",
		slog.String("op", op),
		slog.Uint64("height", tx.now),
		slog.Int("events", len(tx.events)))
	for _, r := range tx.resolutions {
		e.logger.Info("batpay challenge resolved",
			slog.Uint64("delegate", uint64(r.key.Delegate)),
			slog.Uint64("slot", uint64(r.key.Slot)),
			slog.Uint64("challenger", uint64(r.challenger)),
			slog.String("winner", r.winner),
			slog.Uint64("height", tx.now))
	}
	for _, evt := range tx.events {
		evt.Height = tx.now
		e.emit(evt)
	}
	if e.metrics != nil {
		for _, r := range tx.resolutions {
			e.metrics.ObserveChallengeResolved(r.winner)
		}
		e.metrics.SetReserves(e.reserves.PaymentPool, e.reserves.LockedFees, e.reserves.SlotEscrow)
	}
	e.observeSizes()
	return nil
}

func (e *Engine) observeSizes() {
	if e.metrics == nil {
		return
	}
	e.metrics.SetTableSizes(len(e.accounts), len(e.payments), len(e.slots))
}

func (e *Engine) applyChangeset(cs *Changeset) {
	if n := int(cs.AccountsLen); n > len(e.accounts) {
		e.accounts = append(e.accounts, make([]Account, n-len(e.accounts))...)
	}
	for id, acc := range cs.Accounts {
		e.accounts[id] = *acc
	}
	for _, b := range cs.Bulks {
		e.bulks = append(e.bulks, *b)
	}
	if n := int(cs.PaymentsLen); n > len(e.payments) {
		e.payments = append(e.payments, make([]*Payment, n-len(e.payments))...)
	}
	for id, p := range cs.Payments {
		e.payments[id] = p
	}
	for key, slot := range cs.Slots {
		if slot.State == SlotEmpty {
			delete(e.slots, key)
			continue
		}
		e.slots[key] = slot
	}
	e.reserves = cs.Reserves
}

// Changeset lists every record written by one call.
type Changeset struct {
	Accounts    map[uint32]*Account
	AccountsLen uint32
	// Bulks holds newly appended registrations in id order.
	Bulks       []*BulkRegistration
	BulksStart  uint32
	Payments    map[uint32]*Payment
	PaymentsLen uint32
	// Slots contains every touched slot; emptied slots carry SlotEmpty.
	Slots    map[SlotKey]*CollectSlot
	Reserves Reserves
	// Token carries the call's staged token moves when the engine batches
	// them; the backend must write it with the rest of the changeset.
	Token TokenBatch
}

// Snapshot is the full persisted content of a ledger.
type Snapshot struct {
	Accounts []Account
	Bulks    []BulkRegistration
	Payments []*Payment
	Slots    map[SlotKey]*CollectSlot
	Reserves Reserves
}

// --- read accessors ---

// BalanceOf returns the balance of an account.
func (e *Engine) BalanceOf(id uint32) (uint64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if int(id) >= len(e.accounts) {
		return 0, fmt.Errorf("%w: %d", ErrInvalidAccountID, id)
	}
	return e.accounts[id].Balance, nil
}

// Account returns a copy of the account record.
func (e *Engine) Account(id uint32) (Account, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if int(id) >= len(e.accounts) {
		return Account{}, fmt.Errorf("%w: %d", ErrInvalidAccountID, id)
	}
	return e.accounts[id], nil
}

// AccountsLength returns the number of allocated account ids.
func (e *Engine) AccountsLength() uint32 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return uint32(len(e.accounts))
}

// Bulk returns a bulk registration by id.
func (e *Engine) Bulk(id uint32) (BulkRegistration, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if int(id) >= len(e.bulks) {
		return BulkRegistration{}, fmt.Errorf("%w: %d", ErrInvalidBulkID, id)
	}
	return e.bulks[id], nil
}

// BulksLength returns the number of bulk registrations.
func (e *Engine) BulksLength() uint32 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return uint32(len(e.bulks))
}

// Payment returns a copy of a payment record.
func (e *Engine) Payment(id uint32) (*Payment, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if int(id) >= len(e.payments) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPaymentID, id)
	}
	return e.payments[id].Clone(), nil
}

// PaymentsLength returns the number of registered payments.
func (e *Engine) PaymentsLength() uint32 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return uint32(len(e.payments))
}

// Slot returns the collect slot for (delegate, slot). Unused slots are Empty.
func (e *Engine) Slot(delegate, slot uint32) CollectSlot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.slots[SlotKey{Delegate: delegate, Slot: slot}]
	if !ok {
		return CollectSlot{}
	}
	return *s.Clone()
}

// Reserves returns the tokens held outside account balances.
func (e *Engine) Reserves() Reserves {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.reserves
}

// TotalBalances sums every account balance.
func (e *Engine) TotalBalances() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var total uint64
	for _, acc := range e.accounts {
		total += acc.Balance
	}
	return total
}

// CheckConservation verifies the instance's token balance equals everything
// the ledger owes.
func (e *Engine) CheckConservation() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var owed uint64
	for _, acc := range e.accounts {
		owed += acc.Balance
	}
	owed += e.reserves.Total()
	held := e.token.BalanceOf(e.instance)
	if held != owed {
		return fmt.Errorf("batpay engine: instance holds %d tokens but owes %d", held, owed)
	}
	return nil
}
