package crypto

import (
	"errors"
	"path/filepath"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

func TestSignAndRecover(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	digest := ethcrypto.Keccak256([]byte("collect"))
	sig, err := SignHash(key, digest)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if v := sig[64]; v != 27 && v != 28 {
		t.Fatalf("unexpected recovery id %d", v)
	}
	got, err := RecoverAddress(digest, sig)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if got != key.Address() {
		t.Fatalf("recovered %s, want %s", got.Hex(), key.Address().Hex())
	}

	raw := append([]byte(nil), sig...)
	raw[64] -= 27
	got, err = RecoverAddress(digest, raw)
	if err != nil || got != key.Address() {
		t.Fatalf("recover with raw recovery id: %v %s", err, got.Hex())
	}

	other := ethcrypto.Keccak256([]byte("other"))
	got, err = RecoverAddress(other, sig)
	if err == nil && got == key.Address() {
		t.Fatalf("signature must not verify a different digest")
	}
}

func TestRecoverRejectsMalformed(t *testing.T) {
	if _, err := RecoverAddress([]byte{1}, make([]byte, 10)); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected invalid signature, got %v", err)
	}
	sig := make([]byte, SignatureLength)
	sig[64] = 5
	if _, err := RecoverAddress([]byte{1}, sig); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected invalid recovery id error, got %v", err)
	}
}

func TestKeystoreRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "keys", "operator.keystore")
	if err := SaveToKeystore(path, key, "pass", KeystoreLight); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := LoadFromKeystore(path, "pass")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Address() != key.Address() {
		t.Fatalf("address mismatch after reload")
	}
	if _, err := LoadFromKeystore(path, "wrong"); err == nil {
		t.Fatalf("expected wrong passphrase to fail")
	}
}
