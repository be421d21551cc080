// Package paydata implements the two compact binary layouts used by payments:
// delta-compressed payee lists and fixed-width challenge summaries.
package paydata

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

const (
	// PayeeTag prefixes every encoded payee list.
	PayeeTag byte = 0xff
	// DefaultBytesPerID is the record width used when none is requested.
	DefaultBytesPerID = 4
	// MaxBytesPerID is the widest supported record.
	MaxBytesPerID = 8

	payeeHeaderLen = 2
)

// ErrInvalidEncoding is returned for malformed payee lists or summaries.
var ErrInvalidEncoding = errors.New("paydata: invalid encoding")

// EncodePayees sorts ids ascending and writes the delta-compressed payee list.
// A width of zero selects DefaultBytesPerID.
func EncodePayees(ids []uint32, bytesPerID int) ([]byte, error) {
	if bytesPerID == 0 {
		bytesPerID = DefaultBytesPerID
	}
	if bytesPerID < 1 || bytesPerID > MaxBytesPerID {
		return nil, fmt.Errorf("%w: bytes per id %d", ErrInvalidEncoding, bytesPerID)
	}
	sorted := append([]uint32(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	limit := ^uint64(0)
	if bytesPerID < MaxBytesPerID {
		limit = uint64(1)<<(8*uint(bytesPerID)) - 1
	}
	out := make([]byte, payeeHeaderLen, payeeHeaderLen+len(sorted)*bytesPerID)
	out[0] = PayeeTag
	out[1] = byte(bytesPerID)
	var last uint32
	for _, id := range sorted {
		delta := uint64(id - last)
		if delta > limit {
			return nil, fmt.Errorf("%w: delta %d does not fit in %d bytes", ErrInvalidEncoding, delta, bytesPerID)
		}
		out = appendUint(out, delta, bytesPerID)
		last = id
	}
	return out, nil
}

// MustEncodePayees is EncodePayees with the default width; it panics on error.
func MustEncodePayees(ids ...uint32) []byte {
	data, err := EncodePayees(ids, DefaultBytesPerID)
	if err != nil {
		panic(err)
	}
	return data
}

func payeeHeader(data []byte) (int, error) {
	if len(data) < payeeHeaderLen {
		return 0, fmt.Errorf("%w: payee list shorter than header", ErrInvalidEncoding)
	}
	if data[0] != PayeeTag {
		return 0, fmt.Errorf("%w: unexpected tag 0x%02x", ErrInvalidEncoding, data[0])
	}
	width := int(data[1])
	if width < 1 || width > MaxBytesPerID {
		return 0, fmt.Errorf("%w: bytes per id %d", ErrInvalidEncoding, width)
	}
	if (len(data)-payeeHeaderLen)%width != 0 {
		return 0, fmt.Errorf("%w: body length %d is not a multiple of %d", ErrInvalidEncoding, len(data)-payeeHeaderLen, width)
	}
	return width, nil
}

// CountPayees validates the header and returns the number of records.
func CountPayees(data []byte) (uint32, error) {
	width, err := payeeHeader(data)
	if err != nil {
		return 0, err
	}
	return uint32((len(data) - payeeHeaderLen) / width), nil
}

// DecodePayees returns the absolute ids carried by a payee list.
func DecodePayees(data []byte) ([]uint32, error) {
	ids := make([]uint32, 0)
	err := walkPayees(data, func(id uint32) { ids = append(ids, id) })
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// Occurrences counts how many times id appears in the payee list.
func Occurrences(data []byte, id uint32) (uint32, error) {
	var n uint32
	err := walkPayees(data, func(got uint32) {
		if got == id {
			n++
		}
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Hash returns the commitment stored for a payee list.
func Hash(data []byte) common.Hash {
	return ethcrypto.Keccak256Hash(data)
}

func walkPayees(data []byte, fn func(uint32)) error {
	width, err := payeeHeader(data)
	if err != nil {
		return err
	}
	var acc uint64
	for off := payeeHeaderLen; off < len(data); off += width {
		acc += readUint(data[off : off+width])
		if acc > uint64(^uint32(0)) {
			return fmt.Errorf("%w: account id overflow at offset %d", ErrInvalidEncoding, off)
		}
		fn(uint32(acc))
	}
	return nil
}

func appendUint(dst []byte, v uint64, width int) []byte {
	for i := width - 1; i >= 0; i-- {
		dst = append(dst, byte(v>>(8*uint(i))))
	}
	return dst
}

func readUint(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}
