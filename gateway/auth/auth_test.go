package auth

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/require"

	batcrypto "batpay/crypto"
	"batpay/storage"
)

func TestNonceStoreCapacityEviction(t *testing.T) {
	store := newNonceStore(5*time.Minute, 3)
	base := time.Unix(1700000000, 0).UTC()

	for i := 0; i < 3; i++ {
		require.False(t, store.Seen(fmt.Sprintf("nonce-%d", i), base))
	}
	require.Len(t, store.entries, 3)

	require.False(t, store.Seen("nonce-3", base))
	require.Len(t, store.entries, 3)
	require.NotContains(t, store.entries, "nonce-0")
	require.True(t, store.Seen("nonce-1", base))

	require.False(t, store.Seen("nonce-4", base))
	require.Len(t, store.entries, 3)
}

func TestNonceStoreExpiresOldEntries(t *testing.T) {
	store := newNonceStore(30*time.Second, 5)
	base := time.Unix(1700000000, 0).UTC()

	require.False(t, store.Seen("nonce-a", base))
	require.False(t, store.Seen("nonce-b", base.Add(5*time.Second)))

	future := base.Add(time.Minute)
	require.False(t, store.Seen("nonce-c", future))
	require.NotContains(t, store.entries, "nonce-a")
	require.NotContains(t, store.entries, "nonce-b")
	require.False(t, store.Seen("nonce-b", future))
}

func TestNewAuthenticatorClampsSecurityParameters(t *testing.T) {
	auth := NewAuthenticator(time.Hour, 2*time.Hour, 1_000_000, time.Now, nil)
	require.Equal(t, maxAllowedTimestampSkew, auth.allowedTimestampSkew)
	require.Equal(t, maxNonceWindow, auth.nonceTTL)
	require.Equal(t, maxNonceCapacity, auth.nonceCapacity)

	auth = NewAuthenticator(5*time.Minute, time.Minute, 0, time.Now, nil)
	require.Equal(t, 10*time.Minute, auth.nonceTTL, "nonce window covers both sides of the skew")
	require.Equal(t, defaultNonceCapacity, auth.nonceCapacity)
}

type signedRequest struct {
	key   *batcrypto.PrivateKey
	now   time.Time
	body  []byte
	nonce string
}

func (s signedRequest) build(t *testing.T) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "https://example.test/v1/payments?b=2&a=1", bytes.NewReader(s.body))
	require.NoError(t, SignRequest(req, s.key, s.now, s.nonce, s.body))
	return req
}

func TestAuthenticateRecoversSigner(t *testing.T) {
	key, err := batcrypto.GeneratePrivateKey()
	require.NoError(t, err)
	now := time.Unix(1_700_000_000, 0).UTC()
	auth := NewAuthenticator(time.Minute, 5*time.Minute, 16, func() time.Time { return now }, nil)

	signed := signedRequest{key: key, now: now, body: []byte(`{"amount":5}`), nonce: "n-1"}
	principal, err := auth.Authenticate(signed.build(t), signed.body)
	require.NoError(t, err)
	require.Equal(t, key.Address(), principal.Address)

	_, err = auth.Authenticate(signed.build(t), signed.body)
	require.ErrorIs(t, err, ErrNonceReplayed)

	other, err := batcrypto.GeneratePrivateKey()
	require.NoError(t, err)
	signed.key = other
	_, err = auth.Authenticate(signed.build(t), signed.body)
	require.NoError(t, err, "nonces are scoped to the signer")
}

func TestAuthenticateRejections(t *testing.T) {
	key, err := batcrypto.GeneratePrivateKey()
	require.NoError(t, err)
	now := time.Unix(1_700_000_000, 0).UTC()
	body := []byte(`{"amount":5}`)

	tests := []struct {
		name   string
		mutate func(r *http.Request)
		body   []byte
	}{
		{name: "missing timestamp", mutate: func(r *http.Request) { r.Header.Del(HeaderTimestamp) }},
		{name: "stale timestamp", mutate: func(r *http.Request) {
			r.Header.Set(HeaderTimestamp, strconv.FormatInt(now.Add(-time.Hour).Unix(), 10))
		}},
		{name: "malformed timestamp", mutate: func(r *http.Request) { r.Header.Set(HeaderTimestamp, "soon") }},
		{name: "missing nonce", mutate: func(r *http.Request) { r.Header.Del(HeaderNonce) }},
		{name: "missing signature", mutate: func(r *http.Request) { r.Header.Del(HeaderSignature) }},
		{name: "bad hex", mutate: func(r *http.Request) { r.Header.Set(HeaderSignature, "0xzz") }},
		{name: "short signature", mutate: func(r *http.Request) { r.Header.Set(HeaderSignature, "0x0102") }},
		{name: "oversized body", body: make([]byte, MaxBodyForSignature+1)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			auth := NewAuthenticator(time.Minute, 5*time.Minute, 16, func() time.Time { return now }, nil)
			req := signedRequest{key: key, now: now, body: body, nonce: "n"}.build(t)
			if tc.mutate != nil {
				tc.mutate(req)
			}
			payload := body
			if tc.body != nil {
				payload = tc.body
			}
			_, err := auth.Authenticate(req, payload)
			require.Error(t, err)
		})
	}
}

func TestAuthenticateTamperedBodyRecoversOtherSigner(t *testing.T) {
	key, err := batcrypto.GeneratePrivateKey()
	require.NoError(t, err)
	now := time.Unix(1_700_000_000, 0).UTC()
	auth := NewAuthenticator(time.Minute, 5*time.Minute, 16, func() time.Time { return now }, nil)

	req := signedRequest{key: key, now: now, body: []byte(`{"amount":5}`), nonce: "n"}.build(t)
	principal, err := auth.Authenticate(req, []byte(`{"amount":500}`))
	if err == nil {
		require.NotEqual(t, key.Address(), principal.Address)
	}
}

func TestSignRequestAcceptsBareHex(t *testing.T) {
	key, err := batcrypto.GeneratePrivateKey()
	require.NoError(t, err)
	now := time.Unix(1_700_000_000, 0).UTC()
	auth := NewAuthenticator(time.Minute, 5*time.Minute, 16, func() time.Time { return now }, nil)

	req := signedRequest{key: key, now: now, nonce: "n"}.build(t)
	sig, err := hexutil.Decode(req.Header.Get(HeaderSignature))
	require.NoError(t, err)
	req.Header.Set(HeaderSignature, fmt.Sprintf("%x", sig))

	principal, err := auth.Authenticate(req, nil)
	require.NoError(t, err)
	require.Equal(t, key.Address(), principal.Address)
}

func TestCanonicalRequestPathSortsQuery(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/quote?to=3&from=0&toPayment=9", nil)
	require.Equal(t, "/v1/quote?from=0&to=3&toPayment=9", CanonicalRequestPath(req))
}

func TestAuthenticatorPersistsNonceUsage(t *testing.T) {
	backend := newFakePersistence()
	testNoncePersistence(t, func() NoncePersistence { return backend })
	require.Equal(t, 1, backend.Count())
}

func TestDBNoncePersistenceSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nonces")
	var db storage.Database
	open := func() NoncePersistence {
		if db != nil {
			db.Close()
		}
		var err error
		db, err = storage.NewLevelDB(path)
		require.NoError(t, err)
		backend, err := NewDBNoncePersistence(db)
		require.NoError(t, err)
		return backend
	}
	t.Cleanup(func() {
		if db != nil {
			db.Close()
		}
	})
	testNoncePersistence(t, open)
}

func testNoncePersistence(t *testing.T, open func() NoncePersistence) {
	t.Helper()
	key, err := batcrypto.GeneratePrivateKey()
	require.NoError(t, err)
	now := time.Unix(1_717_787_717, 0).UTC()
	signed := signedRequest{key: key, now: now, body: []byte("payload"), nonce: "nonce-restart"}
	cutoff := now.Add(-5 * time.Minute)

	auth := NewAuthenticator(time.Minute, 5*time.Minute, 32, func() time.Time { return now }, open())
	require.NoError(t, auth.HydrateNonces(context.Background(), cutoff))
	_, err = auth.Authenticate(signed.build(t), signed.body)
	require.NoError(t, err)

	restarted := NewAuthenticator(time.Minute, 5*time.Minute, 32, func() time.Time { return now }, open())
	require.NoError(t, restarted.HydrateNonces(context.Background(), cutoff))
	_, err = restarted.Authenticate(signed.build(t), signed.body)
	require.ErrorIs(t, err, ErrNonceReplayed)

	cold := NewAuthenticator(time.Minute, 5*time.Minute, 32, func() time.Time { return now }, open())
	_, err = cold.Authenticate(signed.build(t), signed.body)
	require.ErrorIs(t, err, ErrNonceReplayed)
}

func TestDBNoncePersistencePrunes(t *testing.T) {
	backend, err := NewDBNoncePersistence(storage.NewMemDB())
	require.NoError(t, err)
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0).UTC()

	for i := 0; i < 4; i++ {
		existed, err := backend.EnsureNonce(ctx, NonceRecord{
			Address:    "0x00000000000000000000000000000000000000aa",
			Timestamp:  strconv.Itoa(i),
			Nonce:      "n",
			ObservedAt: base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
		require.False(t, existed)
	}
	existed, err := backend.EnsureNonce(ctx, NonceRecord{
		Address:    "0x00000000000000000000000000000000000000aa",
		Timestamp:  "0",
		Nonce:      "n",
		ObservedAt: base.Add(10 * time.Minute),
	})
	require.NoError(t, err)
	require.True(t, existed)

	require.NoError(t, backend.PruneNonces(ctx, base.Add(2*time.Minute)))
	records, err := backend.RecentNonces(ctx, base)
	require.NoError(t, err)
	require.Len(t, records, 3)
	stamps := []string{records[0].Timestamp, records[1].Timestamp, records[2].Timestamp}
	require.Equal(t, []string{"2", "3", "0"}, stamps, "re-observed nonce moves to its latest time")

	_, err = backend.EnsureNonce(ctx, NonceRecord{Address: "0xaa"})
	require.Error(t, err)
}

type fakePersistence struct {
	mu      sync.Mutex
	records map[string]NonceRecord
}

func newFakePersistence() *fakePersistence {
	return &fakePersistence{records: make(map[string]NonceRecord)}
}

func (f *fakePersistence) EnsureNonce(ctx context.Context, record NonceRecord) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := record.Address + "|" + record.Timestamp + "|" + record.Nonce
	if existing, ok := f.records[key]; ok {
		if record.ObservedAt.After(existing.ObservedAt) {
			f.records[key] = record
		}
		return true, nil
	}
	f.records[key] = record
	return false, nil
}

func (f *fakePersistence) RecentNonces(ctx context.Context, cutoff time.Time) ([]NonceRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]NonceRecord, 0, len(f.records))
	for _, rec := range f.records {
		if rec.ObservedAt.Before(cutoff) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (f *fakePersistence) PruneNonces(ctx context.Context, cutoff time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, rec := range f.records {
		if rec.ObservedAt.Before(cutoff) {
			delete(f.records, key)
		}
	}
	return nil
}

func (f *fakePersistence) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}
