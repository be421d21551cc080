package merkle

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func values(n int) []*uint256.Int {
	out := make([]*uint256.Int, n)
	for i := range out {
		out[i] = uint256.NewInt(uint64(i*7 + 3))
	}
	return out
}

func TestBuildRejectsEmpty(t *testing.T) {
	_, err := Build(nil)
	require.ErrorIs(t, err, ErrEmptyTree)
}

func TestSingleLeafRootIsLeafHash(t *testing.T) {
	tree, err := Build([]*uint256.Int{uint256.NewInt(42)})
	require.NoError(t, err)
	require.Equal(t, LeafHash(uint256.NewInt(42)), tree.Root())
	proof, err := tree.Prove(0)
	require.NoError(t, err)
	require.Empty(t, proof)
	require.True(t, Verify(proof, uint256.NewInt(42), tree.Root()))
}

func TestOddLevelPairsWithZeroWord(t *testing.T) {
	vals := values(3)
	tree, err := Build(vals)
	require.NoError(t, err)

	h0, h1, h2 := LeafHash(vals[0]), LeafHash(vals[1]), LeafHash(vals[2])
	left := ethcrypto.Keccak256Hash(h0[:], h1[:])
	zero := common.Hash{}
	right := ethcrypto.Keccak256Hash(h2[:], zero[:])
	require.Equal(t, ethcrypto.Keccak256Hash(left[:], right[:]), tree.Root())
	require.Equal(t, 2, tree.Height())
}

func TestProveAndVerifyEveryLeaf(t *testing.T) {
	for _, n := range []int{1, 2, 3, 5, 8, 13, 100} {
		vals := values(n)
		tree, err := Build(vals)
		require.NoError(t, err)
		for i := range vals {
			proof, err := tree.Prove(i)
			require.NoError(t, err)
			require.Len(t, proof, tree.Height())
			require.True(t, Verify(proof, vals[i], tree.Root()), "n=%d i=%d", n, i)
			require.Equal(t, uint64(i), proof.Index())
		}
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	vals := values(6)
	tree, err := Build(vals)
	require.NoError(t, err)
	proof, err := tree.Prove(4)
	require.NoError(t, err)

	require.False(t, Verify(proof, vals[3], tree.Root()))
	require.False(t, Verify(proof[:len(proof)-1], vals[4], tree.Root()))

	flipped := append(Proof(nil), proof...)
	flipped[0].Side = SiblingLeft
	require.False(t, Verify(flipped, vals[4], tree.Root()))
	require.False(t, Verify(proof, vals[4], common.HexToHash("0x01")))
}

func TestProveOutOfRange(t *testing.T) {
	tree, err := Build(values(4))
	require.NoError(t, err)
	_, err = tree.Prove(4)
	require.ErrorIs(t, err, ErrIndexOutOfRange)
	_, err = tree.Prove(-1)
	require.ErrorIs(t, err, ErrIndexOutOfRange)
}

func TestAddressTree(t *testing.T) {
	addrs := []common.Address{
		common.HexToAddress("0x1000000000000000000000000000000000000001"),
		common.HexToAddress("0x2000000000000000000000000000000000000002"),
		common.HexToAddress("0x3000000000000000000000000000000000000003"),
	}
	tree, err := BuildAddresses(addrs)
	require.NoError(t, err)
	proof, err := tree.Prove(2)
	require.NoError(t, err)
	require.True(t, Verify(proof, AddressValue(addrs[2]), tree.Root()))
	require.False(t, Verify(proof, AddressValue(addrs[1]), tree.Root()))
}
