package batpay

import (
	"bytes"

	"github.com/ethereum/go-ethereum/common"
)

// Account is a ledger entry. Accounts reserved by a bulk registration carry a
// zero address until claimed.
type Account struct {
	Address common.Address `json:"address"`
	Balance uint64         `json:"balance"`
	// Collected is the id of the first payment not yet collected for the
	// account. It never decreases.
	Collected uint32 `json:"lastCollectedPaymentId"`
}

// Bound reports whether an address has been assigned to the account.
func (a *Account) Bound() bool {
	return a != nil && a.Address != (common.Address{})
}

func (a *Account) Clone() *Account {
	if a == nil {
		return &Account{}
	}
	clone := *a
	return &clone
}

// BulkRegistration reserves Count consecutive account ids starting at
// SmallestAccountID; each is bound by presenting a proof against Root.
type BulkRegistration struct {
	SmallestAccountID uint32      `json:"smallestAccountId"`
	Count             uint32      `json:"count"`
	Root              common.Hash `json:"merkleRoot"`
}

func (b *BulkRegistration) Clone() *BulkRegistration {
	if b == nil {
		return nil
	}
	clone := *b
	return &clone
}

// Contains reports whether id belongs to the reserved range.
func (b *BulkRegistration) Contains(id uint32) bool {
	return b != nil && id >= b.SmallestAccountID && uint64(id) < uint64(b.SmallestAccountID)+uint64(b.Count)
}

// PaymentState tracks the hash lock of a payment.
type PaymentState uint8

const (
	PaymentUnlocked PaymentState = iota
	PaymentLocked
	PaymentRefunded
)

func (s PaymentState) String() string {
	switch s {
	case PaymentUnlocked:
		return "unlocked"
	case PaymentLocked:
		return "locked"
	case PaymentRefunded:
		return "refunded"
	default:
		return "unknown"
	}
}

// Payment is an append-only registry record.
type Payment struct {
	From   uint32 `json:"fromAccountId"`
	Amount uint64 `json:"amount"`
	Fee    uint64 `json:"unlockerFee"`
	// PayData is the encoded payee list as submitted.
	PayData    []byte      `json:"payData"`
	PayeesHash common.Hash `json:"payeesHash"`
	PayeeCount uint32      `json:"payeeCount"`
	// NewCount accounts were reserved inline starting at SmallestNewID.
	NewCount       uint32       `json:"newCount"`
	SmallestNewID  uint32       `json:"smallestNewId"`
	LockingKeyHash common.Hash  `json:"lockingKeyHash"`
	Metadata       common.Hash  `json:"metadata"`
	RegisteredAt   uint64       `json:"registeredAt"`
	State          PaymentState `json:"state"`
}

func (p *Payment) Clone() *Payment {
	if p == nil {
		return nil
	}
	clone := *p
	clone.PayData = bytes.Clone(p.PayData)
	return &clone
}

// Total is the amount debited from the payer at registration.
func (p *Payment) Total() uint64 {
	return p.Amount*(uint64(p.PayeeCount)+uint64(p.NewCount)) + p.Fee
}

// Principal is the part of the payment owed to payees.
func (p *Payment) Principal() uint64 {
	return p.Amount * (uint64(p.PayeeCount) + uint64(p.NewCount))
}

// Collectible reports whether the principal can back a collect claim. Locked
// principal stays in the pool until the payment is unlocked or refunded.
func (p *Payment) Collectible() bool {
	return p != nil && p.State == PaymentUnlocked
}

// InNewRange reports whether id is one of the accounts reserved by the payment.
func (p *Payment) InNewRange(id uint32) bool {
	return p.NewCount > 0 && id >= p.SmallestNewID && uint64(id) < uint64(p.SmallestNewID)+uint64(p.NewCount)
}

// SlotKey identifies a collect slot.
type SlotKey struct {
	Delegate uint32 `json:"delegate"`
	Slot     uint32 `json:"slot"`
}

// SlotState is the lifecycle phase of a collect slot.
type SlotState uint8

const (
	SlotEmpty SlotState = iota
	SlotCollected
	SlotChallenged
)

func (s SlotState) String() string {
	switch s {
	case SlotEmpty:
		return "empty"
	case SlotCollected:
		return "collected"
	case SlotChallenged:
		return "challenged"
	default:
		return "unknown"
	}
}

// CollectSlot is a staked collect claim awaiting release.
type CollectSlot struct {
	State           SlotState      `json:"state"`
	To              uint32         `json:"toAccountId"`
	From            uint32         `json:"fromPaymentId"`
	ToPayment       uint32         `json:"toPaymentId"`
	Amount          uint64         `json:"amount"`
	Fee             uint64         `json:"fee"`
	// Backed is the part of Amount the registry owes To over the range. Only
	// this part leaves the payment pool; the delegate fronts the rest.
	Backed          uint64         `json:"backed"`
	WithdrawAddress common.Address `json:"withdrawAddress"`
	OpenedAt        uint64         `json:"openedAt"`
	Challenge       ChallengeState `json:"challenge"`
}

func (s *CollectSlot) Clone() *CollectSlot {
	if s == nil {
		return &CollectSlot{}
	}
	clone := *s
	clone.Challenge.Summary = bytes.Clone(s.Challenge.Summary)
	return &clone
}

// ChallengeStep names the disclosure the game is waiting for.
type ChallengeStep uint8

const (
	StepNone ChallengeStep = iota
	StepAwaitingSummary
	StepAwaitingIndex
	StepAwaitingPayeeList
)

func (s ChallengeStep) String() string {
	switch s {
	case StepNone:
		return "none"
	case StepAwaitingSummary:
		return "awaiting_summary"
	case StepAwaitingIndex:
		return "awaiting_index"
	case StepAwaitingPayeeList:
		return "awaiting_payee_list"
	default:
		return "unknown"
	}
}

// ChallengeState holds the data disclosed during a challenge.
type ChallengeState struct {
	Step       ChallengeStep `json:"step"`
	Challenger uint32        `json:"challenger"`
	Deadline   uint64        `json:"deadline"`
	// Summary is the delegate's (amount, payment id) disclosure.
	Summary         []byte `json:"summary,omitempty"`
	DisputedIndex   uint32 `json:"disputedIndex"`
	DisputedAmount  uint64 `json:"disputedAmount"`
	DisputedPayment uint32 `json:"disputedPayment"`
}

// Reserves tracks tokens held by the instance outside account balances.
type Reserves struct {
	// PaymentPool holds registered payment principal not yet collected.
	PaymentPool uint64 `json:"paymentPool"`
	// LockedFees holds unlocker fees of unresolved hash locks.
	LockedFees uint64 `json:"lockedFees"`
	// SlotEscrow holds stakes and backed amounts of open collect slots.
	SlotEscrow uint64 `json:"slotEscrow"`
}

// Total is the sum of every reserve.
func (r Reserves) Total() uint64 {
	return r.PaymentPool + r.LockedFees + r.SlotEscrow
}
