package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	batcrypto "batpay/crypto"
	"batpay/gateway/auth"
	"batpay/gateway/middleware"
)

// gatewayClient talks to a batpayd gateway. Writes are signed with key.
type gatewayClient struct {
	base string
	http *http.Client
	key  *batcrypto.PrivateKey
}

// gatewayError is a non-2xx gateway answer.
type gatewayError struct {
	Status int
	Body   middleware.ErrorBody
}

func (e *gatewayError) Error() string {
	if e.Body.Code == "" {
		return fmt.Sprintf("gateway returned %d", e.Status)
	}
	return fmt.Sprintf("gateway returned %d %s: %s", e.Status, e.Body.Code, e.Body.Error)
}

func newGatewayClient(base string) *gatewayClient {
	return &gatewayClient{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *gatewayClient) get(ctx context.Context, path string, query url.Values) (json.RawMessage, error) {
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	return c.do(ctx, http.MethodGet, path, nil, false)
}

func (c *gatewayClient) post(ctx context.Context, path string, body interface{}, signed bool) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, path, body, signed)
}

func (c *gatewayClient) do(ctx context.Context, method, path string, body interface{}, signed bool) (json.RawMessage, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if signed {
		if c.key == nil {
			return nil, fmt.Errorf("a keystore is required to sign %s %s", method, path)
		}
		if err := auth.SignRequest(req, c.key, cliNow(), newNonce(), payload); err != nil {
			return nil, fmt.Errorf("sign request: %w", err)
		}
		if idempotencyKey != "" {
			req.Header.Set(middleware.HeaderIdempotencyKey, idempotencyKey)
		}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		gwErr := &gatewayError{Status: resp.StatusCode}
		_ = json.Unmarshal(raw, &gwErr.Body)
		return nil, gwErr
	}
	return json.RawMessage(raw), nil
}
