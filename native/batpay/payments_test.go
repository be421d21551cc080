package batpay

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"batpay/core/paydata"
)

func TestRegisterPaymentUnlockScenario(t *testing.T) {
	h := newHarness(t, DefaultParams())
	payer := h.depositor(1000)
	payees := make([]uint32, 0, 5)
	for i := 0; i < 5; i++ {
		payees = append(payees, h.registered().id)
	}
	unlocker := h.registered()

	payID := h.pay(payer, 10, 1, payees, LockHash(unlocker.id, []byte("secret")))
	require.Equal(t, uint64(1000-51), h.balance(payer.id))
	p, err := h.engine.Payment(payID)
	require.NoError(t, err)
	require.Equal(t, PaymentLocked, p.State)
	require.Equal(t, uint32(5), p.PayeeCount)
	require.Equal(t, Reserves{PaymentPool: 50, LockedFees: 1}, h.engine.Reserves())

	require.ErrorIs(t, h.engine.Unlock(payID, unlocker.id, []byte("wrong")), ErrInvalidKey)
	require.Zero(t, h.balance(unlocker.id))
	require.Equal(t, uint64(949), h.balance(payer.id))

	require.NoError(t, h.engine.Unlock(payID, unlocker.id, []byte("secret")))
	require.Equal(t, uint64(1), h.balance(unlocker.id))
	p, err = h.engine.Payment(payID)
	require.NoError(t, err)
	require.Equal(t, PaymentUnlocked, p.State)
	require.Equal(t, Reserves{PaymentPool: 50}, h.engine.Reserves())

	require.ErrorIs(t, h.engine.Unlock(payID, unlocker.id, []byte("secret")), ErrInvalidState)
	require.ErrorIs(t, h.engine.RefundLockedPayment(payID), ErrInvalidState)
	h.conserved()
}

func TestUnlockRequiresKnownUnlocker(t *testing.T) {
	h := newHarness(t, DefaultParams())
	payer := h.depositor(100)
	payID := h.pay(payer, 10, 2, []uint32{payer.id}, LockHash(42, []byte("k")))
	require.ErrorIs(t, h.engine.Unlock(payID, 42, []byte("k")), ErrInvalidAccountID)
	require.ErrorIs(t, h.engine.Unlock(payID+1, payer.id, []byte("k")), ErrInvalidPaymentID)
}

func TestRefundLockedPayment(t *testing.T) {
	params := DefaultParams()
	h := newHarness(t, params)
	payer := h.depositor(500)
	payee := h.registered()
	lock := LockHash(payee.id, []byte("key"))

	payID := h.pay(payer, 20, 3, []uint32{payee.id, payee.id}, lock)
	require.Equal(t, uint64(500-43), h.balance(payer.id))

	require.ErrorIs(t, h.engine.RefundLockedPayment(payID), ErrLockNotExpired)
	h.clock.Advance(params.UnlockBlocks - 1)
	require.ErrorIs(t, h.engine.RefundLockedPayment(payID), ErrLockNotExpired)

	h.clock.Advance(1)
	require.ErrorIs(t, h.engine.Unlock(payID, payee.id, []byte("key")), ErrLockExpired)
	require.NoError(t, h.engine.RefundLockedPayment(payID))
	require.Equal(t, uint64(500), h.balance(payer.id))
	require.Equal(t, Reserves{}, h.engine.Reserves())

	p, err := h.engine.Payment(payID)
	require.NoError(t, err)
	require.Equal(t, PaymentRefunded, p.State)
	require.ErrorIs(t, h.engine.RefundLockedPayment(payID), ErrInvalidState)
	h.conserved()
}

func TestRegisterPaymentValidation(t *testing.T) {
	params := DefaultParams()
	params.MaxTransfer = 4
	h := newHarness(t, params)
	payer := h.depositor(100)
	stranger := h.newUser()
	payees := paydata.MustEncodePayees(1, 2)
	lock := common.HexToHash("0x1")
	root := common.HexToHash("0x2")

	cases := []struct {
		name   string
		caller common.Address
		req    PaymentRequest
		err    error
	}{
		{"not owner", stranger.addr, PaymentRequest{From: payer.id, Amount: 1, PayData: payees}, ErrUnauthorized},
		{"invalid from", payer.addr, PaymentRequest{From: 9, Amount: 1, PayData: payees}, ErrInvalidAccountID},
		{"zero amount", payer.addr, PaymentRequest{From: payer.id, PayData: payees}, ErrZeroAmount},
		{"zero width", payer.addr, PaymentRequest{From: payer.id, Amount: 1, PayData: []byte{0xff, 0x00}}, ErrInvalidEncoding},
		{"ragged", payer.addr, PaymentRequest{From: payer.id, Amount: 1, PayData: []byte{0xff, 0x04, 0, 0, 5}}, ErrInvalidEncoding},
		{"too many", payer.addr, PaymentRequest{From: payer.id, Amount: 1, PayData: payees, NewCount: 3, Root: root}, ErrTooManyRecords},
		{"fee without lock", payer.addr, PaymentRequest{From: payer.id, Amount: 1, Fee: 1, PayData: payees}, ErrInvalidLockConfiguration},
		{"new without root", payer.addr, PaymentRequest{From: payer.id, Amount: 1, PayData: payees, NewCount: 1}, ErrInvalidLockConfiguration},
		{"not enough funds", payer.addr, PaymentRequest{From: payer.id, Amount: 50, Fee: 1, LockingKeyHash: lock, PayData: payees}, ErrInsufficientFunds},
		{"overflow", payer.addr, PaymentRequest{From: payer.id, Amount: ^uint64(0), PayData: payees}, ErrInsufficientFunds},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.engine.RegisterPayment(tc.caller, tc.req)
			require.ErrorIs(t, err, tc.err)
			require.Equal(t, uint64(100), h.balance(payer.id))
			require.Zero(t, h.engine.PaymentsLength())
		})
	}
	h.conserved()
}

func TestRegisterPaymentWithInlineAccounts(t *testing.T) {
	h := newHarness(t, DefaultParams())
	payer := h.depositor(1000)
	accountsBefore := h.engine.AccountsLength()

	payID, err := h.engine.RegisterPayment(payer.addr, PaymentRequest{
		From:     payer.id,
		Amount:   7,
		PayData:  paydata.MustEncodePayees(payer.id),
		NewCount: 3,
		Root:     common.HexToHash("0xabc"),
		Metadata: common.HexToHash("0xfeed"),
	})
	require.NoError(t, err)
	require.Equal(t, uint64(1000-28), h.balance(payer.id))
	require.Equal(t, accountsBefore+3, h.engine.AccountsLength())

	p, err := h.engine.Payment(payID)
	require.NoError(t, err)
	require.Equal(t, accountsBefore, p.SmallestNewID)
	require.True(t, p.InNewRange(accountsBefore+2))
	require.False(t, p.InNewRange(accountsBefore+3))
	require.Equal(t, PaymentUnlocked, p.State)

	ids, err := h.engine.PayeeList(payID)
	require.NoError(t, err)
	require.Equal(t, []uint32{payer.id, accountsBefore, accountsBefore + 1, accountsBefore + 2}, ids)
	require.Equal(t, uint32(1), h.engine.BulksLength())
	h.conserved()
}

func TestRegisterPaymentWithEmptyPayeeList(t *testing.T) {
	h := newHarness(t, DefaultParams())
	payer := h.depositor(10)
	_, err := h.engine.RegisterPayment(payer.addr, PaymentRequest{
		From:           payer.id,
		Amount:         5,
		Fee:            2,
		PayData:        []byte{paydata.PayeeTag, paydata.DefaultBytesPerID},
		LockingKeyHash: LockHash(payer.id, []byte("k")),
	})
	require.NoError(t, err)
	require.Equal(t, uint64(8), h.balance(payer.id))
	h.conserved()
}
