package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"batpay/core/paydata"
	"batpay/merkle"
	"batpay/native/batpay"
)

type subcommand func(args []string, stdout, stderr io.Writer) int

func dispatch(group string, args []string, stdout, stderr io.Writer, subs map[string]subcommand) int {
	names := make([]string, 0, len(subs))
	for name := range subs {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(args) == 0 {
		fmt.Fprintf(stderr, "Usage: batpay-cli %s <%s> [flags]\n", group, strings.Join(names, "|"))
		return 1
	}
	sub, ok := subs[args[0]]
	if !ok {
		fmt.Fprintf(stderr, "Unknown %s subcommand: %s\n", group, args[0])
		fmt.Fprintf(stderr, "Usage: batpay-cli %s <%s> [flags]\n", group, strings.Join(names, "|"))
		return 1
	}
	return sub(args[1:], stdout, stderr)
}

// parse parses args into fs and rejects positional leftovers.
func parse(fs *flag.FlagSet, args []string, stderr io.Writer) bool {
	if err := fs.Parse(args); err != nil {
		return false
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return false
	}
	return true
}

func idPath(format string, ids ...uint32) string {
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return fmt.Sprintf(format, args...)
}

// --- accounts ---

func runAccountCommand(args []string, stdout, stderr io.Writer) int {
	return dispatch("account", args, stdout, stderr, map[string]subcommand{
		"get":      runAccountGet,
		"register": runAccountRegister,
		"deposit":  runAccountDeposit,
		"withdraw": runAccountWithdraw,
	})
}

func runAccountGet(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("account get", stderr)
	var id uint32Flag
	fs.Var(&id, "id", "account id")
	if !parse(fs, args, stderr) {
		return 1
	}
	if !id.set {
		return printError(stderr, "--id is required")
	}
	return withClient(stdout, stderr, false, func(ctx context.Context, c *gatewayClient) (json.RawMessage, error) {
		return c.get(ctx, idPath("/v1/accounts/%d", id.value), nil)
	})
}

func runAccountRegister(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("account register", stderr)
	var addr addressFlag
	fs.Var(&addr, "address", "address to bind (defaults to the keystore address)")
	if !parse(fs, args, stderr) {
		return 1
	}
	body := map[string]interface{}{}
	if addr.set {
		body["address"] = addr.value
	}
	return withClient(stdout, stderr, true, func(ctx context.Context, c *gatewayClient) (json.RawMessage, error) {
		return c.post(ctx, "/v1/accounts", body, true)
	})
}

func runAccountDeposit(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("account deposit", stderr)
	var account uint32Flag
	var amount uint64
	fs.Var(&account, "account", "account to credit (omit to open a new account)")
	fs.Uint64Var(&amount, "amount", 0, "token amount pulled from the keystore address")
	if !parse(fs, args, stderr) {
		return 1
	}
	if amount == 0 {
		return printError(stderr, "--amount must be positive")
	}
	body := map[string]interface{}{"amount": amount}
	if account.set {
		body["accountId"] = account.value
	}
	return withClient(stdout, stderr, true, func(ctx context.Context, c *gatewayClient) (json.RawMessage, error) {
		return c.post(ctx, "/v1/accounts/deposit", body, true)
	})
}

func runAccountWithdraw(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("account withdraw", stderr)
	var account uint32Flag
	var amount uint64
	fs.Var(&account, "account", "account id")
	fs.Uint64Var(&amount, "amount", 0, "amount to withdraw")
	if !parse(fs, args, stderr) {
		return 1
	}
	if !account.set {
		return printError(stderr, "--account is required")
	}
	if amount == 0 {
		return printError(stderr, "--amount must be positive")
	}
	return withClient(stdout, stderr, true, func(ctx context.Context, c *gatewayClient) (json.RawMessage, error) {
		return c.post(ctx, idPath("/v1/accounts/%d/withdraw", account.value), map[string]interface{}{"amount": amount}, true)
	})
}

// --- bulk registrations ---

func runBulkCommand(args []string, stdout, stderr io.Writer) int {
	return dispatch("bulk", args, stdout, stderr, map[string]subcommand{
		"get":      runBulkGet,
		"register": runBulkRegister,
		"claim":    runBulkClaim,
	})
}

func runBulkGet(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("bulk get", stderr)
	var id uint32Flag
	fs.Var(&id, "id", "bulk registration id")
	if !parse(fs, args, stderr) {
		return 1
	}
	if !id.set {
		return printError(stderr, "--id is required")
	}
	return withClient(stdout, stderr, false, func(ctx context.Context, c *gatewayClient) (json.RawMessage, error) {
		return c.get(ctx, idPath("/v1/bulks/%d", id.value), nil)
	})
}

func runBulkRegister(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("bulk register", stderr)
	var file string
	fs.StringVar(&file, "addresses", "", "file with one address per line, in account id order")
	if !parse(fs, args, stderr) {
		return 1
	}
	if file == "" {
		return printError(stderr, "--addresses is required")
	}
	addrs, err := readAddressFile(file)
	if err != nil {
		return printError(stderr, err.Error())
	}
	tree, err := merkle.BuildAddresses(addrs)
	if err != nil {
		return printError(stderr, err.Error())
	}
	body := map[string]interface{}{"count": len(addrs), "root": tree.Root()}
	return withClient(stdout, stderr, true, func(ctx context.Context, c *gatewayClient) (json.RawMessage, error) {
		return c.post(ctx, "/v1/bulks", body, true)
	})
}

func runBulkClaim(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("bulk claim", stderr)
	var (
		bulkID uint32Flag
		addr   addressFlag
		file   string
	)
	fs.Var(&bulkID, "bulk", "bulk registration id")
	fs.Var(&addr, "address", "address to claim for (defaults to the keystore address)")
	fs.StringVar(&file, "addresses", "", "the address file the bulk was registered with")
	if !parse(fs, args, stderr) {
		return 1
	}
	if !bulkID.set {
		return printError(stderr, "--bulk is required")
	}
	if file == "" {
		return printError(stderr, "--addresses is required")
	}
	addrs, err := readAddressFile(file)
	if err != nil {
		return printError(stderr, err.Error())
	}
	tree, err := merkle.BuildAddresses(addrs)
	if err != nil {
		return printError(stderr, err.Error())
	}
	return withClient(stdout, stderr, true, func(ctx context.Context, c *gatewayClient) (json.RawMessage, error) {
		claimant := c.key.Address()
		if addr.set {
			claimant = addr.value
		}
		index := -1
		for i, a := range addrs {
			if a == claimant {
				index = i
				break
			}
		}
		if index < 0 {
			return nil, fmt.Errorf("%s is not in %s", claimant.Hex(), file)
		}
		raw, err := c.get(ctx, idPath("/v1/bulks/%d", bulkID.value), nil)
		if err != nil {
			return nil, err
		}
		var bulk batpay.BulkRegistration
		if err := json.Unmarshal(raw, &bulk); err != nil {
			return nil, fmt.Errorf("decode bulk: %w", err)
		}
		if bulk.Root != tree.Root() {
			return nil, fmt.Errorf("%s does not match the registered root %s", file, bulk.Root.Hex())
		}
		proof, err := tree.Prove(index)
		if err != nil {
			return nil, err
		}
		return c.post(ctx, idPath("/v1/bulks/%d/claim", bulkID.value), map[string]interface{}{
			"accountId": bulk.SmallestAccountID + uint32(index),
			"address":   claimant,
			"proof":     proof,
		}, true)
	})
}

// --- payments ---

func runPaymentCommand(args []string, stdout, stderr io.Writer) int {
	return dispatch("payment", args, stdout, stderr, map[string]subcommand{
		"get":      runPaymentGet("payment get", "/v1/payments/%d"),
		"payees":   runPaymentGet("payment payees", "/v1/payments/%d/payees"),
		"register": runPaymentRegister,
		"unlock":   runPaymentUnlock,
		"refund":   runPaymentRefund,
	})
}

func runPaymentGet(name, format string) subcommand {
	return func(args []string, stdout, stderr io.Writer) int {
		fs := newFlagSet(name, stderr)
		var id uint32Flag
		fs.Var(&id, "id", "payment id")
		if !parse(fs, args, stderr) {
			return 1
		}
		if !id.set {
			return printError(stderr, "--id is required")
		}
		return withClient(stdout, stderr, false, func(ctx context.Context, c *gatewayClient) (json.RawMessage, error) {
			return c.get(ctx, idPath(format, id.value), nil)
		})
	}
}

func runPaymentRegister(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("payment register", stderr)
	var (
		from       uint32Flag
		unlocker   uint32Flag
		amount     uint64
		fee        uint64
		payees     string
		bytesPerID int
		newCount   uint
		lockKey    bytesFlag
		root       hashFlag
		metadata   hashFlag
	)
	fs.Var(&from, "from", "paying account id")
	fs.Uint64Var(&amount, "amount", 0, "amount per payee")
	fs.Uint64Var(&fee, "fee", 0, "unlocker fee (requires --lock-key)")
	fs.StringVar(&payees, "payees", "", "comma separated payee account ids")
	fs.IntVar(&bytesPerID, "bytes-per-id", paydata.DefaultBytesPerID, "payee list record width")
	fs.UintVar(&newCount, "new-count", 0, "accounts to reserve for payees without an id")
	fs.Var(&root, "root", "merkle root of the new payees' addresses")
	fs.Var(&lockKey, "lock-key", "hex key that locks the payment until revealed")
	fs.Var(&unlocker, "unlocker", "account that earns the fee for revealing --lock-key")
	fs.Var(&metadata, "metadata", "optional 32-byte metadata")
	if !parse(fs, args, stderr) {
		return 1
	}
	if !from.set {
		return printError(stderr, "--from is required")
	}
	if amount == 0 {
		return printError(stderr, "--amount must be positive")
	}
	ids, err := parseIDList(payees)
	if err != nil {
		return printError(stderr, err.Error())
	}
	if len(ids) == 0 && newCount == 0 {
		return printError(stderr, "--payees or --new-count is required")
	}
	if newCount > uint(^uint32(0)) {
		return printError(stderr, "--new-count is too large")
	}
	payData, err := paydata.EncodePayees(ids, bytesPerID)
	if err != nil {
		return printError(stderr, err.Error())
	}
	body := map[string]interface{}{
		"fromAccountId": from.value,
		"amount":        amount,
		"unlockerFee":   fee,
		"payData":       hexutil.Bytes(payData),
		"newCount":      uint32(newCount),
	}
	if root.set {
		body["root"] = root.value
	}
	if metadata.set {
		body["metadata"] = metadata.value
	}
	if lockKey.set {
		if !unlocker.set {
			return printError(stderr, "--unlocker is required with --lock-key")
		}
		body["lockingKeyHash"] = batpay.LockHash(unlocker.value, lockKey.value)
	}
	return withClient(stdout, stderr, true, func(ctx context.Context, c *gatewayClient) (json.RawMessage, error) {
		return c.post(ctx, "/v1/payments", body, true)
	})
}

func runPaymentUnlock(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("payment unlock", stderr)
	var (
		id       uint32Flag
		unlocker uint32Flag
		key      bytesFlag
	)
	fs.Var(&id, "id", "payment id")
	fs.Var(&unlocker, "unlocker", "unlocker account id")
	fs.Var(&key, "key", "hex key")
	if !parse(fs, args, stderr) {
		return 1
	}
	if !id.set || !unlocker.set || !key.set {
		return printError(stderr, "--id, --unlocker and --key are required")
	}
	body := map[string]interface{}{"unlockerAccountId": unlocker.value, "key": key.value}
	return withClient(stdout, stderr, true, func(ctx context.Context, c *gatewayClient) (json.RawMessage, error) {
		return c.post(ctx, idPath("/v1/payments/%d/unlock", id.value), body, true)
	})
}

func runPaymentRefund(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("payment refund", stderr)
	var id uint32Flag
	fs.Var(&id, "id", "payment id")
	if !parse(fs, args, stderr) {
		return 1
	}
	if !id.set {
		return printError(stderr, "--id is required")
	}
	return withClient(stdout, stderr, true, func(ctx context.Context, c *gatewayClient) (json.RawMessage, error) {
		return c.post(ctx, idPath("/v1/payments/%d/refund", id.value), nil, true)
	})
}

// --- token ---

func runTokenCommand(args []string, stdout, stderr io.Writer) int {
	return dispatch("token", args, stdout, stderr, map[string]subcommand{
		"balance": runTokenBalance,
		"approve": runTokenApprove,
		"faucet":  runTokenFaucet,
	})
}

// addressOrKey returns addr when set and the keystore address otherwise.
func addressOrKey(addr addressFlag) (common.Address, error) {
	if addr.set {
		return addr.value, nil
	}
	key, err := loadKey(keystorePath)
	if err != nil {
		return common.Address{}, fmt.Errorf("--address or a keystore is required: %w", err)
	}
	return key.Address(), nil
}

func runTokenBalance(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("token balance", stderr)
	var addr addressFlag
	fs.Var(&addr, "address", "holder (defaults to the keystore address)")
	if !parse(fs, args, stderr) {
		return 1
	}
	holder, err := addressOrKey(addr)
	if err != nil {
		return printError(stderr, err.Error())
	}
	return withClient(stdout, stderr, false, func(ctx context.Context, c *gatewayClient) (json.RawMessage, error) {
		return c.get(ctx, "/v1/token/"+holder.Hex(), nil)
	})
}

func runTokenApprove(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("token approve", stderr)
	var amount uint64
	fs.Uint64Var(&amount, "amount", 0, "allowance granted to the ledger")
	if !parse(fs, args, stderr) {
		return 1
	}
	return withClient(stdout, stderr, true, func(ctx context.Context, c *gatewayClient) (json.RawMessage, error) {
		return c.post(ctx, "/v1/token/approve", map[string]interface{}{"amount": amount}, true)
	})
}

func runTokenFaucet(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("token faucet", stderr)
	var (
		addr   addressFlag
		amount uint64
	)
	fs.Var(&addr, "address", "recipient (defaults to the keystore address)")
	fs.Uint64Var(&amount, "amount", 0, "amount to mint")
	if !parse(fs, args, stderr) {
		return 1
	}
	if amount == 0 {
		return printError(stderr, "--amount must be positive")
	}
	holder, err := addressOrKey(addr)
	if err != nil {
		return printError(stderr, err.Error())
	}
	body := map[string]interface{}{"address": holder, "amount": amount}
	return withClient(stdout, stderr, false, func(ctx context.Context, c *gatewayClient) (json.RawMessage, error) {
		return c.post(ctx, "/v1/token/faucet", body, false)
	})
}

// --- events ---

func runEvents(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("events", stderr)
	var (
		eventType  string
		fromHeight uint64
		toHeight   uint64
		after      uint64
		limit      uint
	)
	fs.StringVar(&eventType, "type", "", "event type, or a prefix ending in *")
	fs.Uint64Var(&fromHeight, "from-height", 0, "first height")
	fs.Uint64Var(&toHeight, "to-height", 0, "last height")
	fs.Uint64Var(&after, "after", 0, "cursor returned as next by the previous page")
	fs.UintVar(&limit, "limit", 0, "page size")
	if !parse(fs, args, stderr) {
		return 1
	}
	query := url.Values{}
	if eventType != "" {
		query.Set("type", eventType)
	}
	for name, v := range map[string]uint64{"fromHeight": fromHeight, "toHeight": toHeight, "afterId": after, "limit": uint64(limit)} {
		if v > 0 {
			query.Set(name, strconv.FormatUint(v, 10))
		}
	}
	return withClient(stdout, stderr, false, func(ctx context.Context, c *gatewayClient) (json.RawMessage, error) {
		return c.get(ctx, "/v1/events", query)
	})
}
