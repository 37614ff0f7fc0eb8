package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tokenflow/analytics-engine/internal/metrics"
)

// Config carries the provider endpoints and credentials.
type Config struct {
	RPCURL string // JSON-RPC endpoint
	APIURL string // enhanced-transactions REST base
	APIKey string
}

// Client is the wire-level upstream client. Every call goes through the
// shared circuit breaker and the retry policy; timeouts are fixed per
// call class (2s health, 10s transaction, 30s history).
type Client struct {
	cfg     Config
	breaker *Breaker

	healthClient  *http.Client
	txClient      *http.Client
	historyClient *http.Client
}

func NewClient(cfg Config) *Client {
	return &Client{
		cfg:           cfg,
		breaker:       NewBreaker("provider"),
		healthClient:  &http.Client{Timeout: 2 * time.Second},
		txClient:      &http.Client{Timeout: 10 * time.Second},
		historyClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// BreakerState exposes the circuit state for health reporting.
func (c *Client) BreakerState() BreakerState {
	return c.breaker.State()
}

// do wraps one logical upstream operation: fail fast while the circuit
// is open, retry transient failures, then feed the outcome back. Only
// unavailability counts against the breaker; 429s and malformed payloads
// prove the provider is alive.
func (c *Client) do(ctx context.Context, op string, fn func() error) error {
	gen, err := c.breaker.Allow()
	if err != nil {
		metrics.UpstreamRequests.WithLabelValues(op, "circuit_open").Inc()
		return fmt.Errorf("%s: %w", op, ErrUnavailable)
	}

	start := time.Now()
	err = withRetry(ctx, fn)
	c.breaker.Record(gen, !errors.Is(err, ErrUnavailable))
	metrics.ObserveUpstream(op, outcomeLabel(err), time.Since(start))
	return err
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.Is(err, ErrBadResponse):
		return "bad_response"
	default:
		return "error"
	}
}

func classifyStatus(op string, status int) error {
	switch {
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%s: status 429: %w", op, ErrRateLimited)
	case status >= 500:
		return fmt.Errorf("%s: status %d: %w", op, status, ErrUnavailable)
	case status >= 400:
		return fmt.Errorf("%s: status %d: %w", op, status, ErrBadResponse)
	}
	return nil
}

// ─── JSON-RPC plumbing ───────────────────────────────────────────────

type jsonRPCRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type jsonRPCResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// rpcCall posts one JSON-RPC request and decodes result into out.
func (c *Client) rpcCall(ctx context.Context, httpc *http.Client, method string, params []interface{}, out interface{}) error {
	return c.do(ctx, method, func() error {
		reqBody, err := json.Marshal(jsonRPCRequest{
			JSONRPC: "2.0",
			ID:      1,
			Method:  method,
			Params:  params,
		})
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", method, ErrBadResponse)
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.withKey(c.cfg.RPCURL), bytes.NewReader(reqBody))
		if err != nil {
			return fmt.Errorf("%s: create request: %w", method, ErrBadResponse)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		httpResp, err := httpc.Do(httpReq)
		if err != nil {
			return fmt.Errorf("%s: http request: %v: %w", method, err, ErrUnavailable)
		}
		defer httpResp.Body.Close()

		if err := classifyStatus(method, httpResp.StatusCode); err != nil {
			io.Copy(io.Discard, io.LimitReader(httpResp.Body, 4096))
			return err
		}

		body, err := io.ReadAll(httpResp.Body)
		if err != nil {
			return fmt.Errorf("%s: read body: %v: %w", method, err, ErrUnavailable)
		}

		var rpcResp jsonRPCResponse
		if err := json.Unmarshal(body, &rpcResp); err != nil {
			return fmt.Errorf("%s: unmarshal rpc response: %w", method, ErrBadResponse)
		}
		if rpcResp.Error != nil {
			return fmt.Errorf("%s: rpc error %d: %s: %w", method, rpcResp.Error.Code, rpcResp.Error.Message, ErrBadResponse)
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return fmt.Errorf("%s: unmarshal result: %w", method, ErrBadResponse)
		}
		return nil
	})
}

// restGet fetches an enhanced-API path and decodes the JSON array/object.
func (c *Client) restGet(ctx context.Context, op, rawURL string, out interface{}) error {
	return c.do(ctx, op, func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return fmt.Errorf("%s: create request: %w", op, ErrBadResponse)
		}
		httpResp, err := c.historyClient.Do(httpReq)
		if err != nil {
			return fmt.Errorf("%s: http request: %v: %w", op, err, ErrUnavailable)
		}
		defer httpResp.Body.Close()

		if err := classifyStatus(op, httpResp.StatusCode); err != nil {
			io.Copy(io.Discard, io.LimitReader(httpResp.Body, 4096))
			return err
		}
		if err := json.NewDecoder(httpResp.Body).Decode(out); err != nil {
			return fmt.Errorf("%s: decode response: %w", op, ErrBadResponse)
		}
		return nil
	})
}

// withKey appends the provider api-key query parameter.
func (c *Client) withKey(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	q.Set("api-key", c.cfg.APIKey)
	u.RawQuery = q.Encode()
	return u.String()
}

// ─── Wire operations ─────────────────────────────────────────────────

// Health probes the RPC node. 2s budget.
func (c *Client) Health(ctx context.Context) error {
	var status string
	if err := c.rpcCall(ctx, c.healthClient, "getHealth", nil, &status); err != nil {
		return err
	}
	if status != "ok" {
		return fmt.Errorf("getHealth: node reports %q: %w", status, ErrUnavailable)
	}
	return nil
}

// GetSignaturesForAddress returns up to limit signature rows, newest
// first. before/until are exclusive signature bounds, empty to omit.
func (c *Client) GetSignaturesForAddress(ctx context.Context, address string, limit int, before, until string) ([]SignatureInfo, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	opts := map[string]interface{}{"limit": limit}
	if before != "" {
		opts["before"] = before
	}
	if until != "" {
		opts["until"] = until
	}

	var sigs []SignatureInfo
	if err := c.rpcCall(ctx, c.historyClient, "getSignaturesForAddress", []interface{}{address, opts}, &sigs); err != nil {
		return nil, err
	}
	return sigs, nil
}

// GetTokenLargestAccounts returns the largest token accounts of a mint.
func (c *Client) GetTokenLargestAccounts(ctx context.Context, mint string) ([]TokenAccountBalance, error) {
	var result struct {
		Value []TokenAccountBalance `json:"value"`
	}
	if err := c.rpcCall(ctx, c.txClient, "getTokenLargestAccounts", []interface{}{mint}, &result); err != nil {
		return nil, err
	}
	return result.Value, nil
}

// GetTokenAccountOwner resolves a token account to its owner wallet.
func (c *Client) GetTokenAccountOwner(ctx context.Context, tokenAccount string) (string, error) {
	var result struct {
		Value *struct {
			Data struct {
				Parsed struct {
					Info struct {
						Owner string `json:"owner"`
					} `json:"info"`
				} `json:"parsed"`
			} `json:"data"`
		} `json:"value"`
	}
	params := []interface{}{tokenAccount, map[string]interface{}{"encoding": "jsonParsed"}}
	if err := c.rpcCall(ctx, c.txClient, "getAccountInfo", params, &result); err != nil {
		return "", err
	}
	if result.Value == nil {
		return "", nil
	}
	return result.Value.Data.Parsed.Info.Owner, nil
}

// GetEnhancedTransactions batch-resolves signatures through the enhanced
// endpoint. Signatures the provider cannot resolve are simply absent
// from the response.
func (c *Client) GetEnhancedTransactions(ctx context.Context, signatures []string) ([]EnhancedTransaction, error) {
	if len(signatures) == 0 {
		return nil, nil
	}

	var txs []EnhancedTransaction
	err := c.do(ctx, "enhancedTransactions", func() error {
		reqBody, err := json.Marshal(map[string][]string{"transactions": signatures})
		if err != nil {
			return fmt.Errorf("enhancedTransactions: marshal request: %w", ErrBadResponse)
		}
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.withKey(c.cfg.APIURL+"/v0/transactions"), bytes.NewReader(reqBody))
		if err != nil {
			return fmt.Errorf("enhancedTransactions: create request: %w", ErrBadResponse)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		httpResp, err := c.txClient.Do(httpReq)
		if err != nil {
			return fmt.Errorf("enhancedTransactions: http request: %v: %w", err, ErrUnavailable)
		}
		defer httpResp.Body.Close()

		if err := classifyStatus("enhancedTransactions", httpResp.StatusCode); err != nil {
			io.Copy(io.Discard, io.LimitReader(httpResp.Body, 4096))
			return err
		}
		txs = txs[:0]
		if err := json.NewDecoder(httpResp.Body).Decode(&txs); err != nil {
			return fmt.Errorf("enhancedTransactions: decode response: %w", ErrBadResponse)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return txs, nil
}

// GetEnhancedHistory returns one page of enhanced transaction history
// for an address, newest first.
func (c *Client) GetEnhancedHistory(ctx context.Context, address string, limit int, before, until string) ([]EnhancedTransaction, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	u, err := url.Parse(c.cfg.APIURL + "/v0/addresses/" + url.PathEscape(address) + "/transactions")
	if err != nil {
		return nil, fmt.Errorf("enhancedHistory: bad api url: %w", ErrBadResponse)
	}
	q := u.Query()
	q.Set("api-key", c.cfg.APIKey)
	q.Set("limit", strconv.Itoa(limit))
	if before != "" {
		q.Set("before", before)
	}
	if until != "" {
		q.Set("until", until)
	}
	u.RawQuery = q.Encode()

	var txs []EnhancedTransaction
	if err := c.restGet(ctx, "enhancedHistory", u.String(), &txs); err != nil {
		return nil, err
	}
	return txs, nil
}

// LogConfig prints a redacted view of the client configuration.
func (c *Client) LogConfig() {
	log.Printf("[Upstream] rpc=%s api=%s key=%s", redactURL(c.cfg.RPCURL), redactURL(c.cfg.APIURL), redactKey(c.cfg.APIKey))
}

func redactKey(key string) string {
	if len(key) <= 6 {
		return "***"
	}
	return key[:4] + "..." + key[len(key)-2:]
}

func redactURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "<invalid>"
	}
	u.RawQuery = ""
	u.User = nil
	return u.String()
}
