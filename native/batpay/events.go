package batpay

import (
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"batpay/core/types"
)

const (
	EventTypeAccountRegistered  = "batpay.account.registered"
	EventTypeDeposit            = "batpay.account.deposit"
	EventTypeWithdraw           = "batpay.account.withdraw"
	EventTypeBulkRegistered     = "batpay.bulk.registered"
	EventTypeBulkClaimed        = "batpay.bulk.claimed"
	EventTypePaymentRegistered  = "batpay.payment.registered"
	EventTypePaymentUnlocked    = "batpay.payment.unlocked"
	EventTypePaymentRefunded    = "batpay.payment.refunded"
	EventTypeCollected          = "batpay.collect.collected"
	EventTypeSlotFreed          = "batpay.collect.freed"
	EventTypeChallengeOpened    = "batpay.challenge.opened"
	EventTypeChallengeSummary   = "batpay.challenge.summary"
	EventTypeChallengeIndex     = "batpay.challenge.index"
	EventTypeChallengePayeeList = "batpay.challenge.payee_list"
	EventTypeChallengeSuccess   = "batpay.challenge.success"
	EventTypeChallengeFailed    = "batpay.challenge.failed"

	WinnerChallenger = "challenger"
	WinnerDelegate   = "delegate"

	attrAccount  = "accountId"
	attrAmount   = "amount"
	attrPayment  = "paymentId"
	attrDelegate = "delegate"
	attrSlot     = "slot"
)

func u32(v uint32) string { return strconv.FormatUint(uint64(v), 10) }
func u64(v uint64) string { return strconv.FormatUint(v, 10) }

func newAccountEvent(kind string, id uint32, addr common.Address, amount uint64) *types.Event {
	attrs := map[string]string{
		attrAccount: u32(id),
		"address":   addr.Hex(),
	}
	if kind != EventTypeAccountRegistered {
		attrs[attrAmount] = u64(amount)
	}
	return &types.Event{Type: kind, Attributes: attrs}
}

func newBulkRegisteredEvent(id uint32, b *BulkRegistration) *types.Event {
	return &types.Event{Type: EventTypeBulkRegistered, Attributes: map[string]string{
		"bulkId":            u32(id),
		"smallestAccountId": u32(b.SmallestAccountID),
		"count":             u32(b.Count),
		"root":              b.Root.Hex(),
	}}
}

func newBulkClaimedEvent(bulkID, accountID uint32, addr common.Address) *types.Event {
	return &types.Event{Type: EventTypeBulkClaimed, Attributes: map[string]string{
		"bulkId":    u32(bulkID),
		attrAccount: u32(accountID),
		"address":   addr.Hex(),
	}}
}

func newPaymentEvent(kind string, id uint32, p *Payment) *types.Event {
	attrs := map[string]string{
		attrPayment:     u32(id),
		"fromAccountId": u32(p.From),
		attrAmount:      u64(p.Amount),
		"fee":           u64(p.Fee),
		"state":         p.State.String(),
	}
	if kind == EventTypePaymentRegistered {
		attrs["payeeCount"] = u32(p.PayeeCount)
		attrs["newCount"] = u32(p.NewCount)
		attrs["total"] = u64(p.Total())
		attrs["metadata"] = p.Metadata.Hex()
		if p.LockingKeyHash != (common.Hash{}) {
			attrs["lockingKeyHash"] = p.LockingKeyHash.Hex()
		}
	}
	return &types.Event{Type: kind, Attributes: attrs}
}

func newSlotEvent(kind string, key SlotKey, s *CollectSlot) *types.Event {
	attrs := map[string]string{
		attrDelegate:    u32(key.Delegate),
		attrSlot:        u32(key.Slot),
		"toAccountId":   u32(s.To),
		"fromPaymentId": u32(s.From),
		"toPaymentId":   u32(s.ToPayment),
		attrAmount:      u64(s.Amount),
		"fee":           u64(s.Fee),
		"backed":        u64(s.Backed),
	}
	if s.WithdrawAddress != (common.Address{}) {
		attrs["withdrawAddress"] = s.WithdrawAddress.Hex()
	}
	return &types.Event{Type: kind, Attributes: attrs}
}

// withWithheld notes the part of a payout the delegate could not front.
func withWithheld(evt *types.Event, withheld uint64) *types.Event {
	if withheld > 0 {
		evt.Attributes["withheld"] = u64(withheld)
	}
	return evt
}

func newChallengeEvent(kind string, key SlotKey, c *ChallengeState) *types.Event {
	attrs := map[string]string{
		attrDelegate: u32(key.Delegate),
		attrSlot:     u32(key.Slot),
		"challenger": u32(c.Challenger),
		"step":       c.Step.String(),
	}
	if c.Step != StepNone {
		attrs["deadline"] = u64(c.Deadline)
	}
	if kind == EventTypeChallengePayeeList || c.Step == StepAwaitingPayeeList {
		attrs["disputedIndex"] = u32(c.DisputedIndex)
		attrs[attrPayment] = u32(c.DisputedPayment)
		attrs[attrAmount] = u64(c.DisputedAmount)
	}
	return &types.Event{Type: kind, Attributes: attrs}
}

func newResolutionEvent(kind string, key SlotKey, challenger uint32, winner string) *types.Event {
	return &types.Event{Type: kind, Attributes: map[string]string{
		attrDelegate: u32(key.Delegate),
		attrSlot:     u32(key.Slot),
		"challenger": u32(challenger),
		"winner":     winner,
	}}
}
