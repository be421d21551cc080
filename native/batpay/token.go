package batpay

import "github.com/ethereum/go-ethereum/common"

// Token is the fungible token the ledger custodies.
type Token interface {
	// TransferFrom moves amount from one holder to another using the allowance
	// from has granted to spender.
	TransferFrom(spender, from, to common.Address, amount uint64) error
	Transfer(from, to common.Address, amount uint64) error
	BalanceOf(addr common.Address) uint64
}

type tokenMover interface {
	TransferFrom(spender, from, to common.Address, amount uint64) error
	Transfer(from, to common.Address, amount uint64) error
}

// TokenBatch stages the token moves of one call so they can be written in
// the same storage batch as the ledger records. The state backend passes
// WriteTo its batch; the engine then calls Apply after a durable commit, or
// Discard.
type TokenBatch interface {
	tokenMover
	WriteTo(put func(key, value []byte))
	Apply()
	Discard()
}
