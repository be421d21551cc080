package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"batpay/cmd/internal/passphrase"
	"batpay/config"
	batcrypto "batpay/crypto"
)

const requestTimeout = time.Minute

var (
	gatewayURL     = defaultGatewayURL()
	keystorePath   = strings.TrimSpace(os.Getenv("BATPAY_KEYSTORE"))
	idempotencyKey string

	cliNow   = time.Now
	newNonce = uuid.NewString
	loadKey  = loadKeystoreKey
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	args, err := applyGlobalFlags(args)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}

	switch args[0] {
	case "generate-key":
		return runGenerateKey(args[1:], stdout, stderr)
	case "address":
		return runAddress(stdout, stderr)
	case "status":
		return withClient(stdout, stderr, false, func(ctx context.Context, c *gatewayClient) (json.RawMessage, error) {
			return c.get(ctx, "/v1/status", nil)
		})
	case "account":
		return runAccountCommand(args[1:], stdout, stderr)
	case "bulk":
		return runBulkCommand(args[1:], stdout, stderr)
	case "payment":
		return runPaymentCommand(args[1:], stdout, stderr)
	case "collect":
		return runCollectCommand(args[1:], stdout, stderr)
	case "slot":
		return runSlotCommand(args[1:], stdout, stderr)
	case "token":
		return runTokenCommand(args[1:], stdout, stderr)
	case "events":
		return runEvents(args[1:], stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage())
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
}

func defaultGatewayURL() string {
	if v := strings.TrimSpace(os.Getenv("BATPAY_GATEWAY")); v != "" {
		return v
	}
	return "http://localhost:8080"
}

// applyGlobalFlags strips --gateway, --keystore and --idempotency-key from
// args wherever they appear.
func applyGlobalFlags(args []string) ([]string, error) {
	globals := map[string]*string{
		"--gateway":         &gatewayURL,
		"--keystore":        &keystorePath,
		"--idempotency-key": &idempotencyKey,
	}
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		name, value, hasValue := strings.Cut(arg, "=")
		target, ok := globals[name]
		if !ok {
			out = append(out, arg)
			continue
		}
		if !hasValue {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("missing value for %s", name)
			}
			value = args[i+1]
			i++
		}
		*target = strings.TrimSpace(value)
	}
	return out, nil
}

func loadKeystoreKey(path string) (*batcrypto.PrivateKey, error) {
	if path == "" {
		return nil, errors.New("no keystore configured; pass --keystore or set BATPAY_KEYSTORE")
	}
	pass, err := passphrase.NewSource(config.KeystorePassphraseEnv, "keystore").Get()
	if err != nil {
		return nil, err
	}
	return batcrypto.LoadFromKeystore(path, pass)
}

func runGenerateKey(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("generate-key", stderr)
	var out string
	fs.StringVar(&out, "out", keystorePath, "keystore file to create")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if out == "" {
		return printError(stderr, "--out is required")
	}
	if _, err := os.Stat(out); err == nil {
		return printError(stderr, fmt.Sprintf("%s already exists", out))
	}
	pass, err := passphrase.NewSource(config.KeystorePassphraseEnv, "new keystore").Get()
	if err != nil {
		return printError(stderr, err.Error())
	}
	key, err := batcrypto.GeneratePrivateKey()
	if err != nil {
		return printError(stderr, err.Error())
	}
	if err := batcrypto.SaveToKeystore(out, key, pass); err != nil {
		return printError(stderr, err.Error())
	}
	writeResult(stdout, map[string]string{"address": key.Address().Hex(), "keystore": out})
	return 0
}

func runAddress(stdout, stderr io.Writer) int {
	key, err := loadKey(keystorePath)
	if err != nil {
		return printError(stderr, err.Error())
	}
	writeResult(stdout, map[string]string{"address": key.Address().Hex()})
	return 0
}

// withClient builds a client, loading the signing key when signed is set,
// runs call and prints its result.
func withClient(stdout, stderr io.Writer, signed bool, call func(context.Context, *gatewayClient) (json.RawMessage, error)) int {
	client := newGatewayClient(gatewayURL)
	if signed {
		key, err := loadKey(keystorePath)
		if err != nil {
			return printError(stderr, err.Error())
		}
		client.key = key
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	result, err := call(ctx, client)
	if err != nil {
		return printError(stderr, err.Error())
	}
	writeResult(stdout, result)
	return 0
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func printError(stderr io.Writer, msg string) int {
	fmt.Fprintf(stderr, "Error: %s\n", msg)
	return 1
}

func writeResult(w io.Writer, v interface{}) {
	var raw []byte
	switch value := v.(type) {
	case json.RawMessage:
		raw = value
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			fmt.Fprintf(w, "%v\n", v)
			return
		}
		raw = encoded
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		fmt.Fprintln(w, string(raw))
		return
	}
	fmt.Fprintln(w, pretty.String())
}

func usage() string {
	return strings.Join([]string{
		"Usage: batpay-cli [--gateway URL] [--keystore FILE] [--idempotency-key KEY] <command> [flags]",
		"",
		"Commands:",
		"  generate-key --out FILE        Create an encrypted keystore",
		"  address                        Print the keystore address",
		"  status                         Ledger totals and parameters",
		"  account  get|register|deposit|withdraw",
		"  bulk     get|register|claim",
		"  payment  get|payees|register|unlock|refund",
		"  collect  quote|sign|submit",
		"  slot     get|audit|free|challenge|summary|index|payees|success|failed",
		"  token    balance|approve|faucet",
		"  events   --type PATTERN [--after ID] [--limit N]",
		"",
		"Writes are signed with the keystore key; its passphrase is read from " + config.KeystorePassphraseEnv + " or the terminal.",
	}, "\n")
}
