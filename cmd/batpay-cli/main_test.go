package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/require"

	"batpay/core/state"
	batcrypto "batpay/crypto"
	"batpay/gateway/auth"
	"batpay/gateway/routes"
	"batpay/native/batpay"
	"batpay/storage"
	"batpay/token"
)

type cliHarness struct {
	t        *testing.T
	engine   *batpay.Engine
	token    *token.Ledger
	instance common.Address
	keys     map[string]*batcrypto.PrivateKey
}

// newCLIHarness serves a gateway over an in-memory ledger and points the CLI
// at it. Keystore paths are resolved to keys by name.
func newCLIHarness(t *testing.T) *cliHarness {
	t.Helper()
	db := storage.NewMemDB()
	tok := token.NewLedger()
	instance := common.HexToAddress("0xba7ba70000000000000000000000000000000004")
	engine, err := batpay.NewEngine(instance, tok, batpay.DefaultParams())
	require.NoError(t, err)
	engine.SetState(state.NewStore(db))
	engine.SetClock(batpay.NewManualClock(1))

	handler, err := routes.New(routes.Config{
		Engine:      engine,
		Token:       tok,
		Signatures:  auth.NewAuthenticator(time.Minute, 5*time.Minute, 64, time.Now, nil),
		TokenFaucet: true,
	})
	require.NoError(t, err)
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	h := &cliHarness{t: t, engine: engine, token: tok, instance: instance, keys: map[string]*batcrypto.PrivateKey{}}
	for _, name := range []string{"payer", "payee"} {
		key, err := batcrypto.GeneratePrivateKey()
		require.NoError(t, err)
		h.keys[name] = key
	}

	origURL, origKeystore, origLoad, origIdem := gatewayURL, keystorePath, loadKey, idempotencyKey
	t.Cleanup(func() {
		gatewayURL, keystorePath, loadKey, idempotencyKey = origURL, origKeystore, origLoad, origIdem
	})
	gatewayURL = server.URL
	loadKey = func(path string) (*batcrypto.PrivateKey, error) {
		key, ok := h.keys[path]
		if !ok {
			return nil, errors.New("no keystore configured")
		}
		return key, nil
	}
	return h
}

// cli runs the command as the named keystore and decodes its JSON output.
func (h *cliHarness) cli(as string, args ...string) map[string]interface{} {
	h.t.Helper()
	var stdout, stderr bytes.Buffer
	full := append([]string{"--keystore", as}, args...)
	code := run(full, &stdout, &stderr)
	require.Equal(h.t, 0, code, "stderr: %s", stderr.String())
	var out map[string]interface{}
	require.NoError(h.t, json.Unmarshal(stdout.Bytes(), &out), stdout.String())
	return out
}

func (h *cliHarness) fail(as string, args ...string) string {
	h.t.Helper()
	var stdout, stderr bytes.Buffer
	full := append([]string{"--keystore", as}, args...)
	require.Equal(h.t, 1, run(full, &stdout, &stderr))
	return stderr.String()
}

func TestCLIPaymentLifecycle(t *testing.T) {
	h := newCLIHarness(t)

	h.cli("payer", "token", "faucet", "--amount", "100")
	h.cli("payer", "token", "approve", "--amount", "100")
	out := h.cli("payer", "account", "deposit", "--amount", "100")
	require.EqualValues(t, 0, out["id"])

	out = h.cli("payee", "account", "register")
	require.EqualValues(t, 1, out["id"])

	out = h.cli("payer", "payment", "register", "--from", "0", "--amount", "7", "--payees", "1,1")
	require.EqualValues(t, 14, out["total"])
	require.Equal(t, "unlocked", out["state"])

	out = h.cli("payee", "collect", "quote", "--to", "1")
	require.EqualValues(t, 14, out["amount"])

	signed := h.cli("payee", "collect", "sign", "--delegate", "1", "--to", "1")
	require.Equal(t, h.instance.Hex(), common.HexToAddress(signed["instance"].(string)).Hex())
	require.EqualValues(t, 14, signed["amount"])
	sig := signed["signature"].(string)

	instant := h.engine.Params().InstantSlot
	out = h.cli("payee", "collect", "submit",
		"--delegate", "1", "--slot", strconv.FormatUint(uint64(instant), 10), "--to", "1", "--signature", sig)
	require.Equal(t, "empty", out["state"])

	balance, err := h.engine.BalanceOf(1)
	require.NoError(t, err)
	require.Equal(t, uint64(14), balance)

	out = h.cli("payee", "account", "withdraw", "--account", "1", "--amount", "14")
	require.Equal(t, true, out["ok"])
	require.Equal(t, uint64(14), h.token.BalanceOf(h.keys["payee"].Address()))
	require.NoError(t, h.engine.CheckConservation())
}

func TestCLIHashLockedPayment(t *testing.T) {
	h := newCLIHarness(t)
	h.cli("payer", "token", "faucet", "--amount", "50")
	h.cli("payer", "token", "approve", "--amount", "50")
	h.cli("payer", "account", "deposit", "--amount", "50")
	h.cli("payee", "account", "register")

	key := hexutil.Encode([]byte("open sesame"))
	out := h.cli("payer", "payment", "register", "--from", "0", "--amount", "10", "--payees", "1",
		"--fee", "2", "--lock-key", key, "--unlocker", "1")
	require.Equal(t, "locked", out["state"])

	msg := h.fail("payee", "payment", "unlock", "--id", "0", "--unlocker", "1", "--key", "0xdead")
	require.Contains(t, msg, "invalid_key")

	out = h.cli("payee", "payment", "unlock", "--id", "0", "--unlocker", "1", "--key", key)
	require.Equal(t, "unlocked", out["state"])
	balance, err := h.engine.BalanceOf(1)
	require.NoError(t, err)
	require.Equal(t, uint64(2), balance)
}

func TestCLIBulkClaim(t *testing.T) {
	h := newCLIHarness(t)
	list := filepath.Join(t.TempDir(), "bulk.txt")
	content := strings.Join([]string{
		"# bulk 0",
		h.keys["payer"].Address().Hex(),
		"",
		h.keys["payee"].Address().Hex(),
	}, "\n")
	require.NoError(t, os.WriteFile(list, []byte(content), 0o600))

	out := h.cli("payer", "bulk", "register", "--addresses", list)
	require.EqualValues(t, 2, out["count"])

	out = h.cli("payee", "bulk", "claim", "--bulk", "0", "--addresses", list)
	require.EqualValues(t, 1, out["id"])
	acc, err := h.engine.Account(1)
	require.NoError(t, err)
	require.Equal(t, h.keys["payee"].Address(), acc.Address)
}

func TestCLIArgumentValidation(t *testing.T) {
	h := newCLIHarness(t)
	cases := []struct {
		name string
		args []string
		want string
	}{
		{"no command", nil, "Usage: batpay-cli"},
		{"unknown command", []string{"mint"}, "Unknown command: mint"},
		{"unknown subcommand", []string{"account", "close"}, "Unknown account subcommand: close"},
		{"missing id", []string{"account", "get"}, "--id is required"},
		{"bad id", []string{"payment", "get", "--id", "-1"}, "must be an unsigned 32-bit integer"},
		{"zero deposit", []string{"account", "deposit"}, "--amount must be positive"},
		{"lock without unlocker", []string{"payment", "register", "--from", "0", "--amount", "1", "--payees", "2", "--lock-key", "0x01"}, "--unlocker is required"},
		{"missing slot", []string{"slot", "free", "--delegate", "1"}, "--delegate and --slot are required"},
		{"bad summary", []string{"slot", "summary", "--delegate", "1", "--slot", "0", "--summary", "0x0102"}, "invalid encoding"},
		{"dangling global", []string{"status", "--gateway"}, "missing value for --gateway"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			require.Equal(t, 1, run(tc.args, &stdout, &stderr))
			require.Contains(t, stderr.String(), tc.want)
		})
	}

	msg := h.fail("nobody", "account", "register")
	require.Contains(t, msg, "no keystore configured")
	msg = h.fail("payer", "account", "get", "--id", "5")
	require.Contains(t, msg, "404 invalid_account_id")
}

func TestGatewayClientSignsWrites(t *testing.T) {
	key, err := batcrypto.GeneratePrivateKey()
	require.NoError(t, err)
	verifier := auth.NewAuthenticator(time.Minute, 5*time.Minute, 8, time.Now, nil)
	var (
		seen    *auth.Principal
		idemKey string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := new(bytes.Buffer)
		_, _ = body.ReadFrom(r.Body)
		principal, err := verifier.Authenticate(r, body.Bytes())
		if err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		seen = principal
		idemKey = r.Header.Get("Idempotency-Key")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	origIdem := idempotencyKey
	idempotencyKey = "dep-7"
	defer func() { idempotencyKey = origIdem }()

	client := newGatewayClient(server.URL + "/")
	client.key = key
	raw, err := client.post(context.Background(), "/v1/accounts/deposit", map[string]interface{}{"amount": 1}, true)
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true}`, string(raw))
	require.NotNil(t, seen)
	require.Equal(t, key.Address(), seen.Address)
	require.Equal(t, "dep-7", idemKey)

	client.key = nil
	_, err = client.post(context.Background(), "/v1/accounts/deposit", nil, true)
	require.ErrorContains(t, err, "a keystore is required")
}
