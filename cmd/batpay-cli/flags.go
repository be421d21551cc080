package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// uint32Flag is a flag.Value that remembers whether it was set.
type uint32Flag struct {
	value uint32
	set   bool
}

func (f *uint32Flag) String() string {
	if f == nil || !f.set {
		return ""
	}
	return strconv.FormatUint(uint64(f.value), 10)
}

func (f *uint32Flag) Set(raw string) error {
	v, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 32)
	if err != nil {
		return fmt.Errorf("must be an unsigned 32-bit integer")
	}
	f.value, f.set = uint32(v), true
	return nil
}

type addressFlag struct {
	value common.Address
	set   bool
}

func (f *addressFlag) String() string {
	if f == nil || !f.set {
		return ""
	}
	return f.value.Hex()
}

func (f *addressFlag) Set(raw string) error {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return fmt.Errorf("must be a 0x-prefixed 20-byte address")
	}
	f.value, f.set = common.HexToAddress(raw), true
	return nil
}

type bytesFlag struct {
	value hexutil.Bytes
	set   bool
}

func (f *bytesFlag) String() string {
	if f == nil || !f.set {
		return ""
	}
	return f.value.String()
}

func (f *bytesFlag) Set(raw string) error {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "0x") && !strings.HasPrefix(raw, "0X") {
		raw = "0x" + raw
	}
	decoded, err := hexutil.Decode(raw)
	if err != nil {
		return fmt.Errorf("must be hex: %v", err)
	}
	f.value, f.set = decoded, true
	return nil
}

type hashFlag struct {
	value common.Hash
	set   bool
}

func (f *hashFlag) String() string {
	if f == nil || !f.set {
		return ""
	}
	return f.value.Hex()
}

func (f *hashFlag) Set(raw string) error {
	decoded, err := hexutil.Decode(strings.TrimSpace(raw))
	if err != nil || len(decoded) != common.HashLength {
		return fmt.Errorf("must be a 0x-prefixed 32-byte hash")
	}
	f.value, f.set = common.BytesToHash(decoded), true
	return nil
}

// parseIDList reads a comma separated list of account ids.
func parseIDList(raw string) ([]uint32, error) {
	var ids []uint32
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.ParseUint(part, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid account id %q", part)
		}
		ids = append(ids, uint32(v))
	}
	return ids, nil
}

// readAddressFile reads one address per line, skipping blanks and # comments.
func readAddressFile(path string) ([]common.Address, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var addrs []common.Address
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		if !common.IsHexAddress(text) {
			return nil, fmt.Errorf("%s:%d: invalid address %q", path, line, text)
		}
		addrs = append(addrs, common.HexToAddress(text))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%s: no addresses", path)
	}
	return addrs, nil
}
