package batpay

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// LockHash is the commitment a payer stores for a hash-locked payment:
// keccak256(uint32 unlocker id || key).
func LockHash(unlockerID uint32, key []byte) common.Hash {
	var id [4]byte
	binary.BigEndian.PutUint32(id[:], unlockerID)
	return ethcrypto.Keccak256Hash(id[:], key)
}

// CollectDigest is the message a payee signs to authorise a delegate. Fields
// are packed big-endian with no padding.
func CollectDigest(instance common.Address, delegate, to, fromPayment, toPayment uint32, amount, fee uint64, withdraw common.Address) []byte {
	buf := make([]byte, 0, 20+4*4+8*2+20)
	buf = append(buf, instance.Bytes()...)
	buf = binary.BigEndian.AppendUint32(buf, delegate)
	buf = binary.BigEndian.AppendUint32(buf, to)
	buf = binary.BigEndian.AppendUint32(buf, fromPayment)
	buf = binary.BigEndian.AppendUint32(buf, toPayment)
	buf = binary.BigEndian.AppendUint64(buf, amount)
	buf = binary.BigEndian.AppendUint64(buf, fee)
	buf = append(buf, withdraw.Bytes()...)
	return ethcrypto.Keccak256(buf)
}
