package batpay

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"batpay/core/paydata"
	"batpay/merkle"
)

// challengeFixture holds a staked claim of 40 over payments [0, 5) where the
// payee is owed 10 by payments 0, 1 and 3. Payment 2 pays the payee but is
// locked, payment 4 pays the delegate only. Only 30 of the claim is backed.
type challengeFixture struct {
	*harness
	params     Params
	delegate   *user
	challenger *user
	payer      *user
	payee      *user
	lists      [][]byte
	slot       uint32
}

func newChallengeFixture(t *testing.T) *challengeFixture {
	t.Helper()
	params := DefaultParams()
	h := newHarness(t, params)
	f := &challengeFixture{harness: h, params: params, slot: 7}
	f.delegate = h.depositor(10000)
	f.challenger = h.depositor(10000)
	f.payer = h.depositor(10000)
	f.payee = h.registered()
	a, b := h.registered(), h.registered()

	lists := [][]uint32{
		{f.payee.id, a.id},
		{f.payee.id},
		{b.id, f.payee.id},
		{f.payee.id, a.id, b.id},
		{f.delegate.id},
	}
	for i, ids := range lists {
		var lock common.Hash
		if i == 2 {
			lock = LockHash(b.id, []byte("secret"))
		}
		data, err := paydata.EncodePayees(ids, paydata.DefaultBytesPerID)
		require.NoError(t, err)
		f.lists = append(f.lists, data)
		h.pay(f.payer, 10, 0, ids, lock)
	}
	h.clock.Advance(params.UnlockBlocks)
	h.collect(f.delegate, f.slot, f.payee, 0, 5, 40, 0)
	return f
}

func (f *challengeFixture) summary() []byte {
	return paydata.EncodeSummary([]paydata.Record{
		{Amount: 10, PaymentID: 0},
		{Amount: 10, PaymentID: 1},
		{Amount: 10, PaymentID: 2},
		{Amount: 10, PaymentID: 3},
	})
}

func (f *challengeFixture) open() {
	f.t.Helper()
	require.NoError(f.t, f.engine.Challenge1(f.challenger.addr, f.delegate.id, f.slot, f.challenger.id))
}

func (f *challengeFixture) disclose(summary []byte) error {
	return f.engine.Challenge2(f.delegate.addr, f.delegate.id, f.slot, summary)
}

func (f *challengeFixture) point(summary []byte, index uint32) error {
	return f.engine.Challenge3(f.challenger.addr, f.delegate.id, f.slot, summary, index, f.challenger.id)
}

func (f *challengeFixture) answer(payData []byte) error {
	return f.engine.Challenge4(f.delegate.addr, f.delegate.id, f.slot, payData)
}

func (f *challengeFixture) requireChallengerWon(delegateBefore uint64) {
	f.t.Helper()
	require.Equal(f.t, uint64(10000)+f.params.CollectStake, f.balance(f.challenger.id))
	require.Equal(f.t, delegateBefore, f.balance(f.delegate.id))
	require.Equal(f.t, SlotEmpty, f.engine.Slot(f.delegate.id, f.slot).State)
	require.Zero(f.t, f.engine.Reserves().SlotEscrow)
	require.Contains(f.t, f.recorder.Types(), EventTypeChallengeSuccess)

	acc, err := f.engine.Account(f.payee.id)
	require.NoError(f.t, err)
	require.Equal(f.t, uint32(5), acc.Collected)
	f.conserved()
}

func (f *challengeFixture) requireDelegateWon(delegateBefore uint64) {
	f.t.Helper()
	require.Equal(f.t, uint64(10000)-f.params.ChallengeStake, f.balance(f.challenger.id))
	require.Equal(f.t, delegateBefore+f.params.ChallengeStake, f.balance(f.delegate.id))
	slot := f.engine.Slot(f.delegate.id, f.slot)
	require.Equal(f.t, SlotCollected, slot.State)
	require.Equal(f.t, StepNone, slot.Challenge.Step)
	require.Equal(f.t, uint64(30)+f.params.CollectStake, f.engine.Reserves().SlotEscrow)
	require.Contains(f.t, f.recorder.Types(), EventTypeChallengeFailed)
	f.conserved()
}

func TestChallengeDelegateWinsFullGame(t *testing.T) {
	for _, index := range []uint32{0, 1, 3} {
		f := newChallengeFixture(t)
		delegateBefore := f.balance(f.delegate.id)
		f.open()
		require.NoError(t, f.disclose(f.summary()))
		require.NoError(t, f.point(f.summary(), index))
		require.NoError(t, f.answer(f.lists[index]))
		f.requireDelegateWon(delegateBefore)

		f.clock.Advance(f.params.ChallengeBlocks)
		require.NoError(t, f.engine.FreeSlot(f.delegate.id, f.slot))
		require.Equal(t, uint64(40), f.balance(f.payee.id))
		// The delegate fronts the unbacked 10 out of its returned stake.
		require.Equal(t, delegateBefore+f.params.ChallengeStake+f.params.CollectStake-10, f.balance(f.delegate.id))
		f.conserved()
	}
}

func TestChallengeTimeouts(t *testing.T) {
	cases := []struct {
		name       string
		steps      int
		challenger bool
	}{
		{"no summary", 1, true},
		{"no index", 2, false},
		{"no payee list", 3, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newChallengeFixture(t)
			delegateBefore := f.balance(f.delegate.id)
			poolBefore := f.engine.Reserves().PaymentPool
			f.open()
			if tc.steps > 1 {
				require.NoError(t, f.disclose(f.summary()))
			}
			if tc.steps > 2 {
				require.NoError(t, f.point(f.summary(), 0))
			}

			win, lose := f.engine.ChallengeSuccess, f.engine.ChallengeFailed
			if !tc.challenger {
				win, lose = lose, win
			}
			f.clock.Advance(f.params.ChallengeStepBlocks - 1)
			require.ErrorIs(t, win(f.delegate.id, f.slot), ErrDeadlineNotPassed)
			f.clock.Advance(1)
			require.ErrorIs(t, lose(f.delegate.id, f.slot), ErrInvalidState)
			require.NoError(t, win(f.delegate.id, f.slot))

			if tc.challenger {
				f.requireChallengerWon(delegateBefore)
				require.Equal(t, poolBefore+30, f.engine.Reserves().PaymentPool)
				require.ErrorIs(t, f.engine.FreeSlot(f.delegate.id, f.slot), ErrInvalidState)
			} else {
				f.requireDelegateWon(delegateBefore)
				require.Equal(t, poolBefore, f.engine.Reserves().PaymentPool)
			}
			require.ErrorIs(t, win(f.delegate.id, f.slot), ErrInvalidState)
		})
	}
}

func TestChallengeLockedPaymentRecord(t *testing.T) {
	f := newChallengeFixture(t)
	delegateBefore := f.balance(f.delegate.id)
	f.open()
	require.NoError(t, f.disclose(f.summary()))

	index, ok, err := f.engine.AuditSummary(f.delegate.id, f.slot)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint32(2), index)

	require.NoError(t, f.point(f.summary(), 2))
	require.ErrorIs(t, f.answer(f.lists[2]), ErrPaymentLocked)
	f.clock.Advance(f.params.ChallengeStepBlocks)
	require.ErrorIs(t, f.answer(f.lists[2]), ErrDeadlineExpired)
	require.NoError(t, f.engine.ChallengeSuccess(f.delegate.id, f.slot))
	f.requireChallengerWon(delegateBefore)
}

func TestChallengeRejectsWrongPayeeList(t *testing.T) {
	f := newChallengeFixture(t)
	delegateBefore := f.balance(f.delegate.id)
	f.open()
	require.NoError(t, f.disclose(f.summary()))
	require.NoError(t, f.point(f.summary(), 0))

	popped := paydata.MustEncodePayees(f.payee.id)
	require.ErrorIs(t, f.answer(popped), ErrPayDataMismatch)
	require.ErrorIs(t, f.answer(f.lists[4]), ErrPayDataMismatch)
	require.ErrorIs(t, f.answer([]byte{0x01}), ErrPayDataMismatch)
	require.Equal(t, StepAwaitingPayeeList, f.engine.Slot(f.delegate.id, f.slot).Challenge.Step)

	require.NoError(t, f.answer(f.lists[0]))
	f.requireDelegateWon(delegateBefore)
}

func TestChallengeInflatedRecord(t *testing.T) {
	f := newChallengeFixture(t)
	delegateBefore := f.balance(f.delegate.id)
	inflated := paydata.EncodeSummary([]paydata.Record{
		{Amount: 20, PaymentID: 0},
		{Amount: 10, PaymentID: 1},
		{Amount: 10, PaymentID: 3},
	})
	f.open()
	require.NoError(t, f.disclose(inflated))

	index, ok, err := f.engine.AuditSummary(f.delegate.id, f.slot)
	require.NoError(t, err)
	require.True(t, ok)
	require.Zero(t, index)

	require.NoError(t, f.point(inflated, 0))
	require.ErrorIs(t, f.answer(f.lists[0]), ErrAmountMismatch)
	f.clock.Advance(f.params.ChallengeStepBlocks)
	require.NoError(t, f.engine.ChallengeSuccess(f.delegate.id, f.slot))
	f.requireChallengerWon(delegateBefore)
}

func TestChallengeSummaryValidation(t *testing.T) {
	f := newChallengeFixture(t)
	f.open()

	short := paydata.EncodeSummary([]paydata.Record{
		{Amount: 10, PaymentID: 0},
		{Amount: 10, PaymentID: 1},
		{Amount: 10, PaymentID: 3},
	})
	require.ErrorIs(t, f.disclose(short), ErrAmountMismatch)
	require.ErrorIs(t, f.disclose(paydata.EncodeSummary([]paydata.Record{{Amount: 40, PaymentID: 5}})), ErrIndexOutOfRange)
	require.ErrorIs(t, f.disclose(paydata.EncodeSummary([]paydata.Record{
		{Amount: 20, PaymentID: 1},
		{Amount: 20, PaymentID: 0},
	})), ErrInvalidEncoding)
	require.ErrorIs(t, f.disclose([]byte{1, 2, 3}), ErrInvalidEncoding)
	require.ErrorIs(t, f.engine.Challenge2(f.challenger.addr, f.delegate.id, f.slot, f.summary()), ErrUnauthorized)

	_, ok, err := f.engine.AuditSummary(f.delegate.id, f.slot)
	require.ErrorIs(t, err, ErrInvalidState)
	require.False(t, ok)

	require.NoError(t, f.disclose(f.summary()))
	require.ErrorIs(t, f.disclose(f.summary()), ErrInvalidState)

	require.ErrorIs(t, f.point(short, 0), ErrSummaryMismatch)
	require.ErrorIs(t, f.point(f.summary(), 4), ErrIndexOutOfRange)

	other := f.depositor(1000)
	require.ErrorIs(t, f.engine.Challenge3(other.addr, f.delegate.id, f.slot, f.summary(), 0, other.id), ErrUnauthorized)
	require.ErrorIs(t, f.engine.Challenge3(f.challenger.addr, f.delegate.id, f.slot, f.summary(), 0, other.id), ErrUnauthorized)
	require.ErrorIs(t, f.engine.Challenge4(f.delegate.addr, f.delegate.id, f.slot, f.lists[0]), ErrInvalidState)

	require.NoError(t, f.point(f.summary(), 3))
	slot := f.engine.Slot(f.delegate.id, f.slot)
	require.Equal(t, uint32(3), slot.Challenge.DisputedIndex)
	require.Equal(t, uint32(3), slot.Challenge.DisputedPayment)
	require.Equal(t, uint64(10), slot.Challenge.DisputedAmount)
	f.conserved()
}

func TestChallengeOpenRules(t *testing.T) {
	f := newChallengeFixture(t)
	stranger := f.newUser()
	require.ErrorIs(t, f.engine.Challenge1(stranger.addr, f.delegate.id, f.slot, f.challenger.id), ErrUnauthorized)

	poor := f.registered()
	require.ErrorIs(t, f.engine.Challenge1(poor.addr, f.delegate.id, f.slot, poor.id), ErrInsufficientFunds)
	require.ErrorIs(t, f.engine.Challenge1(f.challenger.addr, f.delegate.id, f.params.InstantSlot, f.challenger.id), ErrInvalidState)
	require.ErrorIs(t, f.engine.ChallengeSuccess(f.delegate.id, f.slot), ErrInvalidState)

	f.open()
	require.Equal(t, uint64(10000)-f.params.ChallengeStake, f.balance(f.challenger.id))
	require.ErrorIs(t, f.engine.Challenge1(f.challenger.addr, f.delegate.id, f.slot, f.challenger.id), ErrInvalidState)
	require.ErrorIs(t, f.engine.FreeSlot(f.delegate.id, f.slot), ErrInvalidState)

	f.clock.Advance(f.params.ChallengeStepBlocks)
	require.ErrorIs(t, f.disclose(f.summary()), ErrDeadlineExpired)
	f.conserved()

	late := newChallengeFixture(t)
	late.clock.Advance(late.params.ChallengeBlocks)
	require.ErrorIs(t, late.engine.Challenge1(late.challenger.addr, late.delegate.id, late.slot, late.challenger.id), ErrInvalidState)
}

func TestChallengeInlineAccount(t *testing.T) {
	params := DefaultParams()
	h := newHarness(t, params)
	delegate := h.depositor(10000)
	challenger := h.depositor(10000)
	payer := h.depositor(10000)
	a, b := h.newUser(), h.newUser()

	tree, err := merkle.BuildAddresses([]common.Address{a.addr, b.addr})
	require.NoError(t, err)
	empty := []byte{paydata.PayeeTag, paydata.DefaultBytesPerID}
	payID, err := h.engine.RegisterPayment(payer.addr, PaymentRequest{
		From:     payer.id,
		Amount:   10,
		PayData:  empty,
		NewCount: 2,
		Root:     tree.Root(),
	})
	require.NoError(t, err)
	ids, err := h.engine.PayeeList(payID)
	require.NoError(t, err)
	require.Len(t, ids, 2)

	proof, err := tree.Prove(1)
	require.NoError(t, err)
	b.id = ids[1]
	require.NoError(t, h.engine.ClaimBulkRegistrationID(b.addr, proof, b.id, 0))

	h.collect(delegate, 0, b, 0, 1, 10, 1)
	summary := paydata.EncodeSummary([]paydata.Record{{Amount: 10, PaymentID: payID}})
	require.NoError(t, h.engine.Challenge1(challenger.addr, delegate.id, 0, challenger.id))
	require.NoError(t, h.engine.Challenge2(delegate.addr, delegate.id, 0, summary))
	require.NoError(t, h.engine.Challenge3(challenger.addr, delegate.id, 0, summary, 0, challenger.id))
	require.NoError(t, h.engine.Challenge4(delegate.addr, delegate.id, 0, empty))
	require.Equal(t, SlotCollected, h.engine.Slot(delegate.id, 0).State)

	h.clock.Advance(params.ChallengeBlocks)
	require.NoError(t, h.engine.FreeSlot(delegate.id, 0))
	require.Equal(t, uint64(9), h.balance(b.id))
	h.conserved()
}
