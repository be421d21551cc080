package state

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"

	"batpay/native/batpay"
	"batpay/storage"
)

// meta carries the table lengths and reserves written with every commit.
type meta struct {
	Version     uint32
	AccountsLen uint32
	BulksLen    uint32
	PaymentsLen uint32
	Reserves    batpay.Reserves
}

// slotRecord pairs a slot with its key so the value is self-describing.
type slotRecord struct {
	Delegate uint32
	Slot     uint32
	State    batpay.CollectSlot
}

// Store persists the ledger as RLP records in a key-value database. Every
// Commit is written as one atomic batch.
type Store struct {
	mu sync.Mutex
	db storage.Database
}

// NewStore creates a ledger store backed by db.
func NewStore(db storage.Database) *Store {
	return &Store{db: db}
}

func (s *Store) loadMeta() (*meta, bool, error) {
	data, err := s.db.Get(metaKey)
	if errors.Is(err, storage.ErrNotFound) {
		return &meta{}, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	m := new(meta)
	if err := rlp.DecodeBytes(data, m); err != nil {
		return nil, false, fmt.Errorf("state: decode meta: %w", err)
	}
	return m, true, nil
}

func put(batch storage.Batch, key []byte, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	batch.Put(key, encoded)
	return nil
}

// Commit writes the records touched by one ledger operation.
func (s *Store) Commit(cs *batpay.Changeset) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("state: store unavailable")
	}
	if cs == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, present, err := s.loadMeta()
	if err != nil {
		return err
	}
	if err := EnsureStateVersion(current.Version, present); err != nil {
		return err
	}

	batch := s.db.NewBatch()
	for id, acc := range cs.Accounts {
		if err := put(batch, AccountKey(id), acc); err != nil {
			return fmt.Errorf("state: encode account %d: %w", id, err)
		}
	}
	for i, bulk := range cs.Bulks {
		id := cs.BulksStart + uint32(i)
		if err := put(batch, BulkKey(id), bulk); err != nil {
			return fmt.Errorf("state: encode bulk %d: %w", id, err)
		}
	}
	for id, p := range cs.Payments {
		if err := put(batch, PaymentKey(id), p); err != nil {
			return fmt.Errorf("state: encode payment %d: %w", id, err)
		}
	}
	for key, slot := range cs.Slots {
		if slot == nil || slot.State == batpay.SlotEmpty {
			batch.Delete(SlotKey(key))
			continue
		}
		record := &slotRecord{Delegate: key.Delegate, Slot: key.Slot, State: *slot}
		if err := put(batch, SlotKey(key), record); err != nil {
			return fmt.Errorf("state: encode slot %d/%d: %w", key.Delegate, key.Slot, err)
		}
	}
	if cs.Token != nil {
		cs.Token.WriteTo(batch.Put)
	}
	next := &meta{
		Version:     StateVersion,
		AccountsLen: cs.AccountsLen,
		BulksLen:    cs.BulksStart + uint32(len(cs.Bulks)),
		PaymentsLen: cs.PaymentsLen,
		Reserves:    cs.Reserves,
	}
	if err := put(batch, metaKey, next); err != nil {
		return fmt.Errorf("state: encode meta: %w", err)
	}
	return batch.Write()
}

func (s *Store) get(key []byte, out interface{}) error {
	data, err := s.db.Get(key)
	if err != nil {
		return err
	}
	return rlp.DecodeBytes(data, out)
}

// Load reads the full ledger. An empty database yields an empty snapshot.
func (s *Store) Load() (*batpay.Snapshot, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("state: store unavailable")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, present, err := s.loadMeta()
	if err != nil {
		return nil, err
	}
	if err := EnsureStateVersion(m.Version, present); err != nil {
		return nil, err
	}
	snap := &batpay.Snapshot{
		Accounts: make([]batpay.Account, m.AccountsLen),
		Bulks:    make([]batpay.BulkRegistration, m.BulksLen),
		Payments: make([]*batpay.Payment, m.PaymentsLen),
		Slots:    make(map[batpay.SlotKey]*batpay.CollectSlot),
		Reserves: m.Reserves,
	}
	for id := uint32(0); id < m.AccountsLen; id++ {
		// Accounts reserved by a bulk registration are only written once
		// claimed or credited.
		err := s.get(AccountKey(id), &snap.Accounts[id])
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("state: load account %d: %w", id, err)
		}
	}
	for id := uint32(0); id < m.BulksLen; id++ {
		if err := s.get(BulkKey(id), &snap.Bulks[id]); err != nil {
			return nil, fmt.Errorf("state: load bulk %d: %w", id, err)
		}
	}
	for id := uint32(0); id < m.PaymentsLen; id++ {
		p := new(batpay.Payment)
		if err := s.get(PaymentKey(id), p); err != nil {
			return nil, fmt.Errorf("state: load payment %d: %w", id, err)
		}
		snap.Payments[id] = p
	}
	err = s.db.Iterate(slotPrefix, func(key, value []byte) error {
		k, ok := parseSlotKey(key)
		if !ok {
			return fmt.Errorf("state: malformed slot key %x", key)
		}
		record := new(slotRecord)
		if err := rlp.DecodeBytes(value, record); err != nil {
			return fmt.Errorf("state: decode slot %d/%d: %w", k.Delegate, k.Slot, err)
		}
		slot := record.State
		snap.Slots[k] = &slot
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}
