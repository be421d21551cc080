package batpay

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"batpay/merkle"
)

func TestDepositAndWithdraw(t *testing.T) {
	h := newHarness(t, DefaultParams())
	owner := h.depositor(100)
	require.Equal(t, uint32(0), owner.id)
	require.Equal(t, uint64(100), h.balance(owner.id))

	before := h.token.BalanceOf(owner.addr)
	require.NoError(t, h.engine.Withdraw(owner.addr, owner.id, 40))
	require.Equal(t, uint64(60), h.balance(owner.id))
	require.Equal(t, before+40, h.token.BalanceOf(owner.addr))
	h.conserved()

	require.Equal(t, []string{
		EventTypeAccountRegistered,
		EventTypeDeposit,
		EventTypeWithdraw,
	}, h.recorder.Types())
}

func TestDepositIntoExistingAccount(t *testing.T) {
	h := newHarness(t, DefaultParams())
	owner := h.depositor(10)
	sponsor := h.newUser()
	h.fund(sponsor, 25)

	id, err := h.engine.Deposit(sponsor.addr, 25, owner.id)
	require.NoError(t, err)
	require.Equal(t, owner.id, id)
	require.Equal(t, uint64(35), h.balance(owner.id))
	require.Equal(t, uint32(1), h.engine.AccountsLength())

	_, err = h.engine.Deposit(sponsor.addr, 1, 7)
	require.ErrorIs(t, err, ErrInvalidAccountID)
	h.conserved()
}

func TestDepositRejections(t *testing.T) {
	h := newHarness(t, DefaultParams())
	u := h.newUser()
	require.NoError(t, h.token.Mint(u.addr, 50))

	_, err := h.engine.Deposit(u.addr, 50, NewAccountFlag)
	require.ErrorIs(t, err, ErrInsufficientApproval)
	require.Zero(t, h.engine.AccountsLength())

	_, err = h.engine.Deposit(u.addr, 0, NewAccountFlag)
	require.ErrorIs(t, err, ErrZeroAmount)

	require.NoError(t, h.token.Approve(u.addr, h.instance, 20))
	_, err = h.engine.Deposit(u.addr, 21, NewAccountFlag)
	require.ErrorIs(t, err, ErrInsufficientApproval)
	require.Equal(t, uint64(50), h.token.BalanceOf(u.addr))
	h.conserved()
}

func TestWithdrawRejections(t *testing.T) {
	h := newHarness(t, DefaultParams())
	owner := h.depositor(100)
	stranger := h.newUser()

	require.ErrorIs(t, h.engine.Withdraw(stranger.addr, owner.id, 10), ErrUnauthorized)
	require.ErrorIs(t, h.engine.Withdraw(owner.addr, owner.id, 101), ErrInsufficientFunds)
	require.ErrorIs(t, h.engine.Withdraw(owner.addr, owner.id, 0), ErrZeroAmount)
	require.ErrorIs(t, h.engine.Withdraw(owner.addr, 5, 1), ErrInvalidAccountID)
	require.Equal(t, uint64(100), h.balance(owner.id))

	_, err := h.engine.BalanceOf(1)
	require.ErrorIs(t, err, ErrInvalidAccountID)
	h.conserved()
}

func TestRegisterAppendsAccounts(t *testing.T) {
	h := newHarness(t, DefaultParams())
	a := h.registered()
	b := h.registered()
	require.Equal(t, a.id+1, b.id)

	acc, err := h.engine.Account(b.id)
	require.NoError(t, err)
	require.Equal(t, b.addr, acc.Address)
	require.Zero(t, acc.Balance)

	_, err = h.engine.Register(common.Address{})
	require.ErrorIs(t, err, ErrInvalidAddress)
}

func bulkAddresses(n int) []common.Address {
	out := make([]common.Address, n)
	for i := range out {
		out[i] = common.BigToAddress(common.Big1)
		out[i][0] = byte(i)
		out[i][19] = byte(i + 1)
	}
	return out
}

func TestBulkRegisterAndClaim(t *testing.T) {
	h := newHarness(t, DefaultParams())
	addrs := bulkAddresses(100)
	tree, err := merkle.BuildAddresses(addrs)
	require.NoError(t, err)

	bulkID, err := h.engine.BulkRegister(100, tree.Root())
	require.NoError(t, err)
	require.Equal(t, uint32(100), h.engine.AccountsLength())
	bulk, err := h.engine.Bulk(bulkID)
	require.NoError(t, err)
	require.Equal(t, uint32(0), bulk.SmallestAccountID)

	proof, err := tree.Prove(50)
	require.NoError(t, err)

	bad := append(merkle.Proof(nil), proof...)
	bad[0].Hash[0] ^= 0xff
	require.ErrorIs(t, h.engine.ClaimBulkRegistrationID(addrs[50], bad, 50, bulkID), ErrInvalidProof)
	require.ErrorIs(t, h.engine.ClaimBulkRegistrationID(addrs[49], proof, 50, bulkID), ErrInvalidProof)

	other, err := tree.Prove(51)
	require.NoError(t, err)
	require.ErrorIs(t, h.engine.ClaimBulkRegistrationID(addrs[51], other, 50, bulkID), ErrInvalidProof)

	require.NoError(t, h.engine.ClaimBulkRegistrationID(addrs[50], proof, 50, bulkID))
	acc, err := h.engine.Account(50)
	require.NoError(t, err)
	require.Equal(t, addrs[50], acc.Address)

	require.ErrorIs(t, h.engine.ClaimBulkRegistrationID(addrs[50], proof, 50, bulkID), ErrAccountClaimed)
	require.ErrorIs(t, h.engine.ClaimBulkRegistrationID(addrs[50], proof, 50, bulkID+1), ErrInvalidBulkID)
	require.ErrorIs(t, h.engine.ClaimBulkRegistrationID(addrs[50], proof, 100, bulkID), ErrIDNotInBulk)
}

func TestBulkRegisterLimits(t *testing.T) {
	params := DefaultParams()
	params.MaxBulk = 10
	h := newHarness(t, params)
	root := common.HexToHash("0x1234")

	_, err := h.engine.BulkRegister(0, root)
	require.ErrorIs(t, err, ErrZeroAmount)
	_, err = h.engine.BulkRegister(11, root)
	require.ErrorIs(t, err, ErrTooManyRecords)

	first := h.registered()
	id, err := h.engine.BulkRegister(10, root)
	require.NoError(t, err)
	bulk, err := h.engine.Bulk(id)
	require.NoError(t, err)
	require.Equal(t, first.id+1, bulk.SmallestAccountID)

	second, err := h.engine.BulkRegister(3, root)
	require.NoError(t, err)
	bulk2, err := h.engine.Bulk(second)
	require.NoError(t, err)
	require.Equal(t, bulk.SmallestAccountID+bulk.Count, bulk2.SmallestAccountID)
	require.Equal(t, uint32(14), h.engine.AccountsLength())
}

func TestClaimedBulkAccountCanWithdraw(t *testing.T) {
	h := newHarness(t, DefaultParams())
	claimer := h.newUser()
	addrs := []common.Address{common.HexToAddress("0x0a"), claimer.addr, common.HexToAddress("0x0c")}
	tree, err := merkle.BuildAddresses(addrs)
	require.NoError(t, err)
	bulkID, err := h.engine.BulkRegister(3, tree.Root())
	require.NoError(t, err)

	sponsor := h.newUser()
	h.fund(sponsor, 30)
	_, err = h.engine.Deposit(sponsor.addr, 30, 1)
	require.NoError(t, err)
	require.ErrorIs(t, h.engine.Withdraw(claimer.addr, 1, 30), ErrUnauthorized)

	proof, err := tree.Prove(1)
	require.NoError(t, err)
	require.NoError(t, h.engine.ClaimBulkRegistrationID(claimer.addr, proof, 1, bulkID))
	require.NoError(t, h.engine.Withdraw(claimer.addr, 1, 30))
	require.Equal(t, uint64(30), h.token.BalanceOf(claimer.addr))
	h.conserved()
}
