package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/url"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"batpay/core/paydata"
	"batpay/native/batpay"
)

func runCollectCommand(args []string, stdout, stderr io.Writer) int {
	return dispatch("collect", args, stdout, stderr, map[string]subcommand{
		"quote":  runCollectQuote,
		"sign":   runCollectSign,
		"submit": runCollectSubmit,
	})
}

type quoteView struct {
	From      uint32        `json:"fromPaymentId"`
	ToPayment uint32        `json:"toPaymentId"`
	Amount    uint64        `json:"amount"`
	Summary   hexutil.Bytes `json:"summary"`
}

func quoteQuery(to, from, toPayment uint32Flag) url.Values {
	query := url.Values{"to": {strconv.FormatUint(uint64(to.value), 10)}}
	if from.set {
		query.Set("from", from.String())
	}
	if toPayment.set {
		query.Set("toPayment", toPayment.String())
	}
	return query
}

func runCollectQuote(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("collect quote", stderr)
	var to, from, toPayment uint32Flag
	fs.Var(&to, "to", "payee account id")
	fs.Var(&from, "from", "first payment id (defaults to the first uncollected)")
	fs.Var(&toPayment, "to-payment", "end of the range, exclusive (defaults to all payments)")
	if !parse(fs, args, stderr) {
		return 1
	}
	if !to.set {
		return printError(stderr, "--to is required")
	}
	return withClient(stdout, stderr, false, func(ctx context.Context, c *gatewayClient) (json.RawMessage, error) {
		return c.get(ctx, "/v1/quote", quoteQuery(to, from, toPayment))
	})
}

// collectFlags are shared by sign and submit.
type collectFlags struct {
	delegate, slot, to, from, toPayment uint32Flag
	amount, fee                         uint64
	withdraw                            addressFlag
}

func bindCollectFlags(name string, stderr io.Writer, f *collectFlags) *flag.FlagSet {
	fs := newFlagSet(name, stderr)
	fs.Var(&f.delegate, "delegate", "delegate account id")
	fs.Var(&f.slot, "slot", "collect slot")
	fs.Var(&f.to, "to", "payee account id")
	fs.Var(&f.from, "from", "first payment id (defaults to the quote)")
	fs.Var(&f.toPayment, "to-payment", "end of the range, exclusive (defaults to the quote)")
	fs.Uint64Var(&f.amount, "amount", 0, "amount claimed (defaults to the quote)")
	fs.Uint64Var(&f.fee, "fee", 0, "fee kept by the delegate")
	fs.Var(&f.withdraw, "withdraw", "optional address paid directly instead of the payee account")
	return fs
}

func (f *collectFlags) request() batpay.CollectRequest {
	return batpay.CollectRequest{
		Delegate:        f.delegate.value,
		Slot:            f.slot.value,
		To:              f.to.value,
		From:            f.from.value,
		ToPayment:       f.toPayment.value,
		Amount:          f.amount,
		Fee:             f.fee,
		WithdrawAddress: f.withdraw.value,
	}
}

// fillFromQuote completes the range and amount the payee did not pin.
func (f *collectFlags) fillFromQuote(ctx context.Context, c *gatewayClient) error {
	if f.from.set && f.toPayment.set && f.amount > 0 {
		return nil
	}
	raw, err := c.get(ctx, "/v1/quote", quoteQuery(f.to, f.from, f.toPayment))
	if err != nil {
		return err
	}
	var q quoteView
	if err := json.Unmarshal(raw, &q); err != nil {
		return fmt.Errorf("decode quote: %w", err)
	}
	if !f.from.set {
		f.from = uint32Flag{value: q.From, set: true}
	}
	if !f.toPayment.set {
		f.toPayment = uint32Flag{value: q.ToPayment, set: true}
	}
	if f.amount == 0 {
		f.amount = q.Amount
	}
	return nil
}

func instanceAddress(ctx context.Context, c *gatewayClient) (common.Address, error) {
	raw, err := c.get(ctx, "/v1/status", nil)
	if err != nil {
		return common.Address{}, err
	}
	var status struct {
		Instance common.Address `json:"instance"`
	}
	if err := json.Unmarshal(raw, &status); err != nil {
		return common.Address{}, fmt.Errorf("decode status: %w", err)
	}
	return status.Instance, nil
}

// runCollectSign is run by the payee: it authorises a delegate to collect.
func runCollectSign(args []string, stdout, stderr io.Writer) int {
	var f collectFlags
	var instance addressFlag
	fs := bindCollectFlags("collect sign", stderr, &f)
	fs.Var(&instance, "instance", "ledger instance address (defaults to the gateway's)")
	if !parse(fs, args, stderr) {
		return 1
	}
	if !f.delegate.set || !f.to.set {
		return printError(stderr, "--delegate and --to are required")
	}
	client := newGatewayClient(gatewayURL)
	key, err := loadKey(keystorePath)
	if err != nil {
		return printError(stderr, err.Error())
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if !instance.set {
		addr, err := instanceAddress(ctx, client)
		if err != nil {
			return printError(stderr, err.Error())
		}
		instance = addressFlag{value: addr, set: true}
	}
	if err := f.fillFromQuote(ctx, client); err != nil {
		return printError(stderr, err.Error())
	}
	req := f.request()
	sig, err := batpay.SignCollect(key, instance.value, req)
	if err != nil {
		return printError(stderr, err.Error())
	}
	writeResult(stdout, map[string]interface{}{
		"instance":        instance.value,
		"delegate":        req.Delegate,
		"toAccountId":     req.To,
		"fromPaymentId":   req.From,
		"toPaymentId":     req.ToPayment,
		"amount":          req.Amount,
		"fee":             req.Fee,
		"withdrawAddress": req.WithdrawAddress,
		"signature":       hexutil.Bytes(sig),
	})
	return 0
}

// runCollectSubmit is run by the delegate with the payee's signature.
func runCollectSubmit(args []string, stdout, stderr io.Writer) int {
	var f collectFlags
	var sig bytesFlag
	fs := bindCollectFlags("collect submit", stderr, &f)
	fs.Var(&sig, "signature", "payee signature from collect sign")
	if !parse(fs, args, stderr) {
		return 1
	}
	if !f.delegate.set || !f.slot.set || !f.to.set || !sig.set {
		return printError(stderr, "--delegate, --slot, --to and --signature are required")
	}
	return withClient(stdout, stderr, true, func(ctx context.Context, c *gatewayClient) (json.RawMessage, error) {
		if err := f.fillFromQuote(ctx, c); err != nil {
			return nil, err
		}
		req := f.request()
		return c.post(ctx, "/v1/collect", map[string]interface{}{
			"delegate":        req.Delegate,
			"slot":            req.Slot,
			"toAccountId":     req.To,
			"fromPaymentId":   req.From,
			"toPaymentId":     req.ToPayment,
			"amount":          req.Amount,
			"fee":             req.Fee,
			"withdrawAddress": req.WithdrawAddress,
			"signature":       sig.value,
		}, true)
	})
}

// --- slots and challenges ---

func runSlotCommand(args []string, stdout, stderr io.Writer) int {
	return dispatch("slot", args, stdout, stderr, map[string]subcommand{
		"get":       slotRead("slot get", ""),
		"audit":     slotRead("slot audit", "/audit"),
		"free":      slotWrite("slot free", "/free", nil),
		"success":   slotWrite("slot success", "/success", nil),
		"failed":    slotWrite("slot failed", "/failed", nil),
		"challenge": slotWrite("slot challenge", "/challenge", challengeBody),
		"summary":   slotWrite("slot summary", "/summary", summaryBody),
		"index":     slotWrite("slot index", "/index", indexBody),
		"payees":    slotWrite("slot payees", "/payees", payeesBody),
	})
}

// bodyBinder registers extra flags and returns a function building the body
// once they are parsed.
type bodyBinder func(fs *flag.FlagSet) func() (map[string]interface{}, error)

func slotPath(delegate, slot uint32Flag, suffix string) string {
	return idPath("/v1/slots/%d/%d", delegate.value, slot.value) + suffix
}

func slotRead(name, suffix string) subcommand {
	return func(args []string, stdout, stderr io.Writer) int {
		fs := newFlagSet(name, stderr)
		var delegate, slot uint32Flag
		fs.Var(&delegate, "delegate", "delegate account id")
		fs.Var(&slot, "slot", "collect slot")
		if !parse(fs, args, stderr) {
			return 1
		}
		if !delegate.set || !slot.set {
			return printError(stderr, "--delegate and --slot are required")
		}
		return withClient(stdout, stderr, false, func(ctx context.Context, c *gatewayClient) (json.RawMessage, error) {
			return c.get(ctx, slotPath(delegate, slot, suffix), nil)
		})
	}
}

func slotWrite(name, suffix string, bind bodyBinder) subcommand {
	return func(args []string, stdout, stderr io.Writer) int {
		fs := newFlagSet(name, stderr)
		var delegate, slot uint32Flag
		fs.Var(&delegate, "delegate", "delegate account id")
		fs.Var(&slot, "slot", "collect slot")
		build := func() (map[string]interface{}, error) { return nil, nil }
		if bind != nil {
			build = bind(fs)
		}
		if !parse(fs, args, stderr) {
			return 1
		}
		if !delegate.set || !slot.set {
			return printError(stderr, "--delegate and --slot are required")
		}
		body, err := build()
		if err != nil {
			return printError(stderr, err.Error())
		}
		return withClient(stdout, stderr, true, func(ctx context.Context, c *gatewayClient) (json.RawMessage, error) {
			if body == nil {
				return c.post(ctx, slotPath(delegate, slot, suffix), nil, true)
			}
			return c.post(ctx, slotPath(delegate, slot, suffix), body, true)
		})
	}
}

func challengeBody(fs *flag.FlagSet) func() (map[string]interface{}, error) {
	var challenger uint32Flag
	fs.Var(&challenger, "challenger", "challenger account id")
	return func() (map[string]interface{}, error) {
		if !challenger.set {
			return nil, fmt.Errorf("--challenger is required")
		}
		return map[string]interface{}{"challengerAccountId": challenger.value}, nil
	}
}

func summaryBody(fs *flag.FlagSet) func() (map[string]interface{}, error) {
	var summary bytesFlag
	fs.Var(&summary, "summary", "hex summary, as returned by collect quote")
	return func() (map[string]interface{}, error) {
		if !summary.set {
			return nil, fmt.Errorf("--summary is required")
		}
		if _, err := paydata.DecodeSummary(summary.value); err != nil {
			return nil, err
		}
		return map[string]interface{}{"summary": summary.value}, nil
	}
}

func indexBody(fs *flag.FlagSet) func() (map[string]interface{}, error) {
	var (
		summary    bytesFlag
		challenger uint32Flag
		index      uint32Flag
	)
	fs.Var(&summary, "summary", "the summary the delegate disclosed")
	fs.Var(&index, "index", "record to dispute (see slot audit)")
	fs.Var(&challenger, "challenger", "challenger account id")
	return func() (map[string]interface{}, error) {
		if !summary.set || !index.set || !challenger.set {
			return nil, fmt.Errorf("--summary, --index and --challenger are required")
		}
		return map[string]interface{}{
			"summary":             summary.value,
			"index":               index.value,
			"challengerAccountId": challenger.value,
		}, nil
	}
}

func payeesBody(fs *flag.FlagSet) func() (map[string]interface{}, error) {
	var payData bytesFlag
	fs.Var(&payData, "paydata", "payee list of the disputed payment (see payment get)")
	return func() (map[string]interface{}, error) {
		if !payData.set {
			return nil, fmt.Errorf("--paydata is required")
		}
		return map[string]interface{}{"payData": payData.value}, nil
	}
}
