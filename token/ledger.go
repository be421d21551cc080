// Package token is an in-process fungible token with ERC20 style approvals.
// It backs the ledger's deposits and withdrawals when no external token is
// wired in.
package token

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"batpay/storage"
)

var (
	ErrInsufficientBalance   = errors.New("token: insufficient balance")
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")
	ErrSupplyOverflow        = errors.New("token: supply overflow")
)

var (
	balancePrefix   = []byte("token/bal/")
	allowancePrefix = []byte("token/allow/")
)

type allowanceKey struct {
	owner   common.Address
	spender common.Address
}

// Ledger keeps balances and allowances in memory and optionally mirrors every
// change to a storage.Database.
type Ledger struct {
	mu         sync.RWMutex
	balances   map[common.Address]uint64
	allowances map[allowanceKey]uint64
	supply     uint64
	db         storage.Database
}

func NewLedger() *Ledger {
	return &Ledger{
		balances:   make(map[common.Address]uint64),
		allowances: make(map[allowanceKey]uint64),
	}
}

// Open loads a ledger previously persisted in db and keeps mirroring to it.
func Open(db storage.Database) (*Ledger, error) {
	l := NewLedger()
	l.db = db
	err := db.Iterate(balancePrefix, func(key, value []byte) error {
		if len(value) != 8 {
			return fmt.Errorf("token: corrupt balance record %x", key)
		}
		addr := common.BytesToAddress(key[len(balancePrefix):])
		l.balances[addr] = binary.BigEndian.Uint64(value)
		l.supply += l.balances[addr]
		return nil
	})
	if err != nil {
		return nil, err
	}
	err = db.Iterate(allowancePrefix, func(key, value []byte) error {
		raw := key[len(allowancePrefix):]
		if len(raw) != 2*common.AddressLength || len(value) != 8 {
			return fmt.Errorf("token: corrupt allowance record %x", key)
		}
		k := allowanceKey{
			owner:   common.BytesToAddress(raw[:common.AddressLength]),
			spender: common.BytesToAddress(raw[common.AddressLength:]),
		}
		l.allowances[k] = binary.BigEndian.Uint64(value)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}

// Mint credits new tokens to addr.
func (l *Ledger) Mint(addr common.Address, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.supply > math.MaxUint64-amount {
		return ErrSupplyOverflow
	}
	next := map[common.Address]uint64{addr: l.balances[addr] + amount}
	if err := l.persist(next, nil); err != nil {
		return err
	}
	l.supply += amount
	return nil
}

func (l *Ledger) BalanceOf(addr common.Address) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[addr]
}

func (l *Ledger) TotalSupply() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.supply
}

func (l *Ledger) Allowance(owner, spender common.Address) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.allowances[allowanceKey{owner: owner, spender: spender}]
}

// Approve sets the amount spender may move out of owner's balance.
func (l *Ledger) Approve(owner, spender common.Address, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.persist(nil, map[allowanceKey]uint64{{owner: owner, spender: spender}: amount})
}

func (l *Ledger) Transfer(from, to common.Address, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	next, err := l.move(from, to, amount)
	if err != nil {
		return err
	}
	return l.persist(next, nil)
}

// TransferFrom moves amount from one holder to another, consuming the
// allowance from granted to spender.
func (l *Ledger) TransferFrom(spender, from, to common.Address, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := allowanceKey{owner: from, spender: spender}
	allowed := l.allowances[key]
	if allowed < amount {
		return fmt.Errorf("%w: %s allows %d, need %d", ErrInsufficientAllowance, from.Hex(), allowed, amount)
	}
	next, err := l.move(from, to, amount)
	if err != nil {
		return err
	}
	return l.persist(next, map[allowanceKey]uint64{key: allowed - amount})
}

func (l *Ledger) move(from, to common.Address, amount uint64) (map[common.Address]uint64, error) {
	have := l.balances[from]
	if have < amount {
		return nil, fmt.Errorf("%w: %s holds %d, need %d", ErrInsufficientBalance, from.Hex(), have, amount)
	}
	if from == to {
		return map[common.Address]uint64{}, nil
	}
	return map[common.Address]uint64{
		from: have - amount,
		to:   l.balances[to] + amount,
	}, nil
}

// persist writes the new values to the backing store, if any, and then to
// memory. Nothing changes when the write fails.
func (l *Ledger) persist(balances map[common.Address]uint64, allowances map[allowanceKey]uint64) error {
	if l.db != nil {
		batch := l.db.NewBatch()
		writeRecords(batch.Put, balances, allowances)
		if err := batch.Write(); err != nil {
			return err
		}
	}
	l.publish(balances, allowances)
	return nil
}

func (l *Ledger) publish(balances map[common.Address]uint64, allowances map[allowanceKey]uint64) {
	for addr, v := range balances {
		l.balances[addr] = v
	}
	for k, v := range allowances {
		l.allowances[k] = v
	}
}

func writeRecords(put func(key, value []byte), balances map[common.Address]uint64, allowances map[allowanceKey]uint64) {
	for addr, v := range balances {
		put(append(append([]byte(nil), balancePrefix...), addr.Bytes()...), be64(v))
	}
	for k, v := range allowances {
		key := append(append([]byte(nil), allowancePrefix...), k.owner.Bytes()...)
		key = append(key, k.spender.Bytes()...)
		put(key, be64(v))
	}
}

// Batch stages transfers against a ledger without touching it. The ledger's
// write lock is held from Begin until Apply or Discard, so exactly one of them
// must be called.
type Batch struct {
	l          *Ledger
	balances   map[common.Address]uint64
	allowances map[allowanceKey]uint64
	closed     bool
}

// Begin opens a batch. Its records are handed to an outside storage batch by
// WriteTo, which lets a caller sharing the ledger's database commit token
// moves together with its own records.
func (l *Ledger) Begin() *Batch {
	l.mu.Lock()
	return &Batch{
		l:          l,
		balances:   make(map[common.Address]uint64),
		allowances: make(map[allowanceKey]uint64),
	}
}

func (b *Batch) BalanceOf(addr common.Address) uint64 {
	if v, ok := b.balances[addr]; ok {
		return v
	}
	return b.l.balances[addr]
}

func (b *Batch) allowance(key allowanceKey) uint64 {
	if v, ok := b.allowances[key]; ok {
		return v
	}
	return b.l.allowances[key]
}

func (b *Batch) Transfer(from, to common.Address, amount uint64) error {
	return b.move(from, to, amount)
}

// TransferFrom stages a move that consumes the allowance from granted to
// spender.
func (b *Batch) TransferFrom(spender, from, to common.Address, amount uint64) error {
	key := allowanceKey{owner: from, spender: spender}
	allowed := b.allowance(key)
	if allowed < amount {
		return fmt.Errorf("%w: %s allows %d, need %d", ErrInsufficientAllowance, from.Hex(), allowed, amount)
	}
	if err := b.move(from, to, amount); err != nil {
		return err
	}
	b.allowances[key] = allowed - amount
	return nil
}

func (b *Batch) move(from, to common.Address, amount uint64) error {
	have := b.BalanceOf(from)
	if have < amount {
		return fmt.Errorf("%w: %s holds %d, need %d", ErrInsufficientBalance, from.Hex(), have, amount)
	}
	if from == to {
		return nil
	}
	b.balances[from] = have - amount
	b.balances[to] = b.BalanceOf(to) + amount
	return nil
}

// WriteTo passes every staged record to put using the ledger's key layout.
func (b *Batch) WriteTo(put func(key, value []byte)) {
	writeRecords(put, b.balances, b.allowances)
}

// Apply publishes the staged values to memory and releases the ledger. Call it
// once the records given to WriteTo are durable.
func (b *Batch) Apply() {
	if b.closed {
		return
	}
	b.closed = true
	b.l.publish(b.balances, b.allowances)
	b.l.mu.Unlock()
}

// Discard drops the staged values and releases the ledger.
func (b *Batch) Discard() {
	if b.closed {
		return
	}
	b.closed = true
	b.l.mu.Unlock()
}

func be64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}
