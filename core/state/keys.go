package state

import (
	"encoding/binary"

	"batpay/native/batpay"
)

var (
	accountPrefix = []byte("batpay/account/")
	bulkPrefix    = []byte("batpay/bulk/")
	paymentPrefix = []byte("batpay/payment/")
	slotPrefix    = []byte("batpay/slot/")
	metaKey       = []byte("batpay/meta")
)

func indexKey(prefix []byte, id uint32) []byte {
	buf := make([]byte, len(prefix)+4)
	copy(buf, prefix)
	binary.BigEndian.PutUint32(buf[len(prefix):], id)
	return buf
}

// AccountKey returns the storage key of an account record.
func AccountKey(id uint32) []byte { return indexKey(accountPrefix, id) }

// BulkKey returns the storage key of a bulk registration.
func BulkKey(id uint32) []byte { return indexKey(bulkPrefix, id) }

// PaymentKey returns the storage key of a payment record.
func PaymentKey(id uint32) []byte { return indexKey(paymentPrefix, id) }

// SlotKey returns the storage key of a collect slot. Slots of one delegate
// share a prefix so they iterate together.
func SlotKey(key batpay.SlotKey) []byte {
	buf := make([]byte, len(slotPrefix)+8)
	copy(buf, slotPrefix)
	binary.BigEndian.PutUint32(buf[len(slotPrefix):], key.Delegate)
	binary.BigEndian.PutUint32(buf[len(slotPrefix)+4:], key.Slot)
	return buf
}

func parseSlotKey(raw []byte) (batpay.SlotKey, bool) {
	if len(raw) != len(slotPrefix)+8 {
		return batpay.SlotKey{}, false
	}
	rest := raw[len(slotPrefix):]
	return batpay.SlotKey{
		Delegate: binary.BigEndian.Uint32(rest[:4]),
		Slot:     binary.BigEndian.Uint32(rest[4:]),
	}, true
}
