package paydata

import (
	"encoding/binary"
	"fmt"
	"math"
)

// RecordSize is the width of one summary record: an 8-byte amount followed by
// a 4-byte payment id, both big-endian.
const RecordSize = 12

// Record is one line of a challenge summary.
type Record struct {
	Amount    uint64 `json:"amount"`
	PaymentID uint32 `json:"paymentId"`
}

// EncodeSummary writes records back to back with no header.
func EncodeSummary(records []Record) []byte {
	out := make([]byte, len(records)*RecordSize)
	for i, r := range records {
		off := i * RecordSize
		binary.BigEndian.PutUint64(out[off:], r.Amount)
		binary.BigEndian.PutUint32(out[off+8:], r.PaymentID)
	}
	return out
}

func checkSummary(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty summary", ErrInvalidEncoding)
	}
	if len(data)%RecordSize != 0 {
		return fmt.Errorf("%w: summary length %d is not a multiple of %d", ErrInvalidEncoding, len(data), RecordSize)
	}
	return nil
}

// SummaryCount returns the number of records.
func SummaryCount(data []byte) (uint32, error) {
	if err := checkSummary(data); err != nil {
		return 0, err
	}
	return uint32(len(data) / RecordSize), nil
}

// SummaryAt returns the record at index.
func SummaryAt(data []byte, index uint32) (Record, error) {
	if err := checkSummary(data); err != nil {
		return Record{}, err
	}
	off := uint64(index) * RecordSize
	if off+RecordSize > uint64(len(data)) {
		return Record{}, fmt.Errorf("%w: record %d beyond %d bytes", ErrInvalidEncoding, index, len(data))
	}
	return Record{
		Amount:    binary.BigEndian.Uint64(data[off:]),
		PaymentID: binary.BigEndian.Uint32(data[off+8:]),
	}, nil
}

// SummarySum adds all record amounts. Overflow is reported as an encoding error.
func SummarySum(data []byte) (uint64, error) {
	if err := checkSummary(data); err != nil {
		return 0, err
	}
	var total uint64
	for off := 0; off < len(data); off += RecordSize {
		amount := binary.BigEndian.Uint64(data[off:])
		if amount > math.MaxUint64-total {
			return 0, fmt.Errorf("%w: summary total overflows", ErrInvalidEncoding)
		}
		total += amount
	}
	return total, nil
}

// DecodeSummary returns every record.
func DecodeSummary(data []byte) ([]Record, error) {
	if err := checkSummary(data); err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(data)/RecordSize)
	for off := 0; off < len(data); off += RecordSize {
		out = append(out, Record{
			Amount:    binary.BigEndian.Uint64(data[off:]),
			PaymentID: binary.BigEndian.Uint32(data[off+8:]),
		})
	}
	return out, nil
}
