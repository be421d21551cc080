package auth

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"batpay/storage"
)

const (
	nonceKeyPrefix    = "gateway/nonce/"
	observedKeyPrefix = "gateway/observed/"
)

var errStopIteration = errors.New("stop iteration")

// DBNoncePersistence stores nonce usage in the node database. Each nonce is
// indexed twice: by identity for replay lookups and by observation time so
// pruning walks keys in order.
type DBNoncePersistence struct {
	db storage.Database
}

// NewDBNoncePersistence wraps db. The database is owned by the caller.
func NewDBNoncePersistence(db storage.Database) (*DBNoncePersistence, error) {
	if db == nil {
		return nil, fmt.Errorf("nonce persistence database required")
	}
	return &DBNoncePersistence{db: db}, nil
}

// EnsureNonce records a nonce usage if it has not been observed previously.
func (p *DBNoncePersistence) EnsureNonce(ctx context.Context, record NonceRecord) (bool, error) {
	address := strings.TrimSpace(record.Address)
	ts := strings.TrimSpace(record.Timestamp)
	nonce := strings.TrimSpace(record.Nonce)
	if address == "" || ts == "" || nonce == "" {
		return false, fmt.Errorf("nonce record incomplete")
	}
	observed := record.ObservedAt.UTC()
	if observed.IsZero() {
		observed = time.Now().UTC()
	}
	composite := compositeKey(address, ts, nonce)
	nonceKey := []byte(nonceKeyPrefix + composite)
	existing, err := p.db.Get(nonceKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return false, fmt.Errorf("load nonce: %w", err)
	default:
		if len(existing) != 8 {
			return true, nil
		}
		previous := int64(binary.BigEndian.Uint64(existing))
		if next := observed.UnixNano(); next > previous {
			batch := p.db.NewBatch()
			batch.Put(nonceKey, encodeUnixNano(next))
			batch.Delete(observedKey(previous, composite))
			batch.Put(observedKey(next, composite), []byte{1})
			if err := batch.Write(); err != nil {
				return false, fmt.Errorf("update observed nonce: %w", err)
			}
		}
		return true, nil
	}

	nanos := observed.UnixNano()
	batch := p.db.NewBatch()
	batch.Put(nonceKey, encodeUnixNano(nanos))
	batch.Put(observedKey(nanos, composite), []byte{1})
	if err := batch.Write(); err != nil {
		return false, fmt.Errorf("record nonce: %w", err)
	}
	return false, nil
}

// RecentNonces returns persisted nonces observed at or after cutoff.
func (p *DBNoncePersistence) RecentNonces(ctx context.Context, cutoff time.Time) ([]NonceRecord, error) {
	cutoffKey := observedKey(cutoff.UTC().UnixNano(), "")
	records := make([]NonceRecord, 0)
	err := p.db.Iterate([]byte(observedKeyPrefix), func(key, _ []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if bytes.Compare(key, cutoffKey) < 0 {
			return nil
		}
		composite, nanos, ok := parseObservedKey(key)
		if !ok {
			return nil
		}
		parts := strings.SplitN(composite, "|", 3)
		if len(parts) != 3 {
			return nil
		}
		records = append(records, NonceRecord{
			Address:    parts[0],
			Timestamp:  parts[1],
			Nonce:      parts[2],
			ObservedAt: time.Unix(0, nanos).UTC(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate observed nonces: %w", err)
	}
	return records, nil
}

// PruneNonces deletes entries observed before cutoff.
func (p *DBNoncePersistence) PruneNonces(ctx context.Context, cutoff time.Time) error {
	cutoffKey := observedKey(cutoff.UTC().UnixNano(), "")
	batch := p.db.NewBatch()
	err := p.db.Iterate([]byte(observedKeyPrefix), func(key, _ []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if bytes.Compare(key, cutoffKey) >= 0 {
			return errStopIteration
		}
		composite, _, ok := parseObservedKey(key)
		if !ok {
			return nil
		}
		batch.Delete(key)
		batch.Delete([]byte(nonceKeyPrefix + composite))
		return nil
	})
	if err != nil && !errors.Is(err, errStopIteration) {
		return fmt.Errorf("iterate observed nonces: %w", err)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("prune nonces: %w", err)
	}
	return nil
}

func observedKey(nanos int64, composite string) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", observedKeyPrefix, nanos, composite))
}

func parseObservedKey(key []byte) (string, int64, bool) {
	raw := strings.TrimPrefix(string(key), observedKeyPrefix)
	stamp, composite, ok := strings.Cut(raw, ":")
	if !ok {
		return "", 0, false
	}
	nanos, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil {
		return "", 0, false
	}
	return composite, nanos, true
}

func encodeUnixNano(nanos int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(nanos))
	return buf
}

func compositeKey(address, timestamp, nonce string) string {
	return strings.Join([]string{address, timestamp, nonce}, "|")
}
