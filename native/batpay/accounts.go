package batpay

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"batpay/merkle"
)

// Deposit pulls amount tokens from payer. With NewAccountFlag a fresh account
// bound to payer is created; otherwise the balance of accountID is increased.
// The account id credited is returned.
func (e *Engine) Deposit(payer common.Address, amount uint64, accountID uint32) (uint32, error) {
	var id uint32
	err := e.apply("deposit", func(tx *txn) error {
		if amount == 0 {
			return ErrZeroAmount
		}
		if payer == (common.Address{}) {
			return fmt.Errorf("%w: payer", ErrInvalidAddress)
		}
		if accountID == NewAccountFlag {
			newID, err := tx.appendAccount(payer, amount)
			if err != nil {
				return err
			}
			id = newID
			tx.record(newAccountEvent(EventTypeAccountRegistered, id, payer, 0))
		} else {
			if err := tx.credit(accountID, amount); err != nil {
				return err
			}
			id = accountID
		}
		tx.pull(payer, amount)
		tx.record(newAccountEvent(EventTypeDeposit, id, payer, amount))
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// Withdraw sends amount tokens from the account to its bound address. Only the
// bound address may withdraw.
func (e *Engine) Withdraw(caller common.Address, accountID uint32, amount uint64) error {
	return e.apply("withdraw", func(tx *txn) error {
		if amount == 0 {
			return ErrZeroAmount
		}
		acc, err := tx.owned(accountID, caller)
		if err != nil {
			return err
		}
		if err := tx.debit(acc, amount); err != nil {
			return err
		}
		tx.push(acc.Address, amount)
		tx.record(newAccountEvent(EventTypeWithdraw, accountID, acc.Address, amount))
		return nil
	})
}

// Register appends an empty account bound to addr.
func (e *Engine) Register(addr common.Address) (uint32, error) {
	var id uint32
	err := e.apply("register", func(tx *txn) error {
		if addr == (common.Address{}) {
			return fmt.Errorf("%w: account address", ErrInvalidAddress)
		}
		newID, err := tx.appendAccount(addr, 0)
		if err != nil {
			return err
		}
		id = newID
		tx.record(newAccountEvent(EventTypeAccountRegistered, id, addr, 0))
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// BulkRegister reserves count unbound account ids claimable against root.
func (e *Engine) BulkRegister(count uint32, root common.Hash) (uint32, error) {
	var id uint32
	err := e.apply("bulk_register", func(tx *txn) error {
		newID, err := tx.bulkRegister(count, root)
		id = newID
		return err
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (t *txn) bulkRegister(count uint32, root common.Hash) (uint32, error) {
	if count == 0 {
		return 0, fmt.Errorf("%w: bulk size can't be zero", ErrZeroAmount)
	}
	if count > t.e.params.MaxBulk {
		return 0, fmt.Errorf("%w: bulk of %d exceeds %d", ErrTooManyRecords, count, t.e.params.MaxBulk)
	}
	smallest, err := t.reserveAccounts(count)
	if err != nil {
		return 0, err
	}
	bulk := &BulkRegistration{SmallestAccountID: smallest, Count: count, Root: root}
	id := t.appendBulk(bulk)
	t.record(newBulkRegisteredEvent(id, bulk))
	return id, nil
}

// ClaimBulkRegistrationID binds accountID to addr once proof shows addr is the
// leaf at the account's position in the bulk tree.
func (e *Engine) ClaimBulkRegistrationID(addr common.Address, proof merkle.Proof, accountID, bulkID uint32) error {
	return e.apply("claim_bulk_id", func(tx *txn) error {
		if addr == (common.Address{}) {
			return fmt.Errorf("%w: claim address", ErrInvalidAddress)
		}
		bulk, err := tx.bulkView(bulkID)
		if err != nil {
			return err
		}
		if !bulk.Contains(accountID) {
			return fmt.Errorf("%w: %d not in [%d, %d)", ErrIDNotInBulk, accountID, bulk.SmallestAccountID, uint64(bulk.SmallestAccountID)+uint64(bulk.Count))
		}
		position := uint64(accountID - bulk.SmallestAccountID)
		if len(proof) != treeHeight(bulk.Count) || proof.Index() != position {
			return fmt.Errorf("%w: proof does not address leaf %d", ErrInvalidProof, position)
		}
		if !merkle.Verify(proof, merkle.AddressValue(addr), bulk.Root) {
			return ErrInvalidProof
		}
		acc, err := tx.account(accountID)
		if err != nil {
			return err
		}
		if acc.Bound() {
			return fmt.Errorf("%w: %d", ErrAccountClaimed, accountID)
		}
		acc.Address = addr
		tx.record(newBulkClaimedEvent(bulkID, accountID, addr))
		return nil
	})
}

// treeHeight is the proof length for a tree over n leaves.
func treeHeight(n uint32) int {
	h := 0
	for width := uint64(n); width > 1; width = (width + 1) / 2 {
		h++
	}
	return h
}
