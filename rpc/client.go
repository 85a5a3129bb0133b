package rpc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/PhotizoAi/percolator-launch-sub002/metrics"
	"github.com/PhotizoAi/percolator-launch-sub002/models"
	"github.com/PhotizoAi/percolator-launch-sub002/solana"
)

// Client is the rate-limited access layer every component reads the ledger
// through. Calls take a token from the shared bucket, read-only lookups go
// through the cache, and every call is retried per policy. A 429 from the
// primary on a read-only call reroutes the remaining attempts to the
// fallback endpoint.
type Client struct {
	primary    *Endpoint
	fallback   *Endpoint
	bucket     *TokenBucket
	cache      *Cache[json.RawMessage]
	retry      RetryPolicy
	commitment string
	metrics    *metrics.Metrics
	logger     *zap.SugaredLogger
}

type ClientOptions struct {
	Primary    *Endpoint
	Fallback   *Endpoint
	Bucket     *TokenBucket
	Cache      *Cache[json.RawMessage]
	Retry      RetryPolicy
	Commitment string
	Metrics    *metrics.Metrics
	Logger     *zap.SugaredLogger
}

func NewClient(opts ClientOptions) *Client {
	if opts.Bucket == nil {
		opts.Bucket = NewTokenBucket(10, 10, time.Second)
	}
	if opts.Cache == nil {
		opts.Cache = NewCache[json.RawMessage](DefaultCacheTTL, DefaultCacheMax)
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.Commitment == "" {
		opts.Commitment = "confirmed"
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	return &Client{
		primary:    opts.Primary,
		fallback:   opts.Fallback,
		bucket:     opts.Bucket,
		cache:      opts.Cache,
		retry:      opts.Retry,
		commitment: opts.Commitment,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
	}
}

// Bucket exposes the shared limiter so the broadcaster can admit through it.
func (c *Client) Bucket() *TokenBucket {
	return c.bucket
}

func (c *Client) invoke(ctx context.Context, ep *Endpoint, method string, params []interface{}, out *json.RawMessage) error {
	start := time.Now()
	if err := c.bucket.Acquire(ctx); err != nil {
		return models.NewNonRetryable(method, err)
	}
	c.metrics.ObserveTokenWait(time.Since(start))

	callStart := time.Now()
	err := ep.Call(ctx, method, params, out)
	c.metrics.ObserveRPC(method, ep.Name, time.Since(callStart), err)
	return err
}

// call runs one logical remote operation. A non-empty cacheKey marks it as a
// cacheable read.
func (c *Client) call(ctx context.Context, method string, params []interface{}, readOnly bool, cacheKey string, out interface{}) error {
	if cacheKey != "" {
		if raw, ok := c.cache.Get(cacheKey); ok {
			c.metrics.CacheHit()
			return json.Unmarshal(raw, out)
		}
		c.metrics.CacheMiss()
	}

	var raw json.RawMessage
	useFallback := false
	err := c.retry.Do(ctx, func(attempt int) error {
		ep := c.primary
		if useFallback {
			ep = c.fallback
		}
		err := c.invoke(ctx, ep, method, params, &raw)
		if err != nil && readOnly && !useFallback && c.fallback != nil && errors.Is(err, models.ErrRateLimited) {
			useFallback = true
			c.logger.Warnw("Primary endpoint rate limited, rerouting to fallback",
				"method", method,
				"attempt", attempt)
			err = c.invoke(ctx, c.fallback, method, params, &raw)
		}
		return err
	}, func(err error, d time.Duration) {
		c.logger.Debugw("Retrying remote call", "method", method, "delay", d, "err", err)
	})
	if err != nil {
		return err
	}
	if cacheKey != "" {
		c.cache.Set(cacheKey, raw)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return models.NewNonRetryable(method, fmt.Errorf("failed to decode result: %w", err))
	}
	return nil
}

func (c *Client) config(extra map[string]interface{}) map[string]interface{} {
	cfg := map[string]interface{}{"commitment": c.commitment}
	for k, v := range extra {
		cfg[k] = v
	}
	return cfg
}

// GetAccountInfo returns the account at addr or models.ErrAccountNotFound.
func (c *Client) GetAccountInfo(ctx context.Context, addr solana.PublicKey) (*AccountInfo, error) {
	var res accountInfoResult
	params := []interface{}{addr.String(), c.config(map[string]interface{}{"encoding": "base64"})}
	if err := c.call(ctx, "getAccountInfo", params, true, "acct:"+addr.String(), &res); err != nil {
		return nil, err
	}
	if res.Value == nil {
		return nil, models.NewNonRetryable("getAccountInfo", fmt.Errorf("%w: %s", models.ErrAccountNotFound, addr))
	}
	info, err := res.Value.decode(res.Context.Slot)
	if err != nil {
		return nil, models.NewNonRetryable("getAccountInfo", err)
	}
	return &info, nil
}

// GetMultipleAccounts returns one entry per address, nil where the account
// does not exist.
func (c *Client) GetMultipleAccounts(ctx context.Context, addrs []solana.PublicKey) ([]*AccountInfo, error) {
	keys := make([]string, len(addrs))
	for i, a := range addrs {
		keys[i] = a.String()
	}
	var res multipleAccountsResult
	params := []interface{}{keys, c.config(map[string]interface{}{"encoding": "base64"})}
	if err := c.call(ctx, "getMultipleAccounts", params, true, "accts:"+strings.Join(keys, ","), &res); err != nil {
		return nil, err
	}
	out := make([]*AccountInfo, len(addrs))
	for i, v := range res.Value {
		if i >= len(out) || v == nil {
			continue
		}
		info, err := v.decode(res.Context.Slot)
		if err != nil {
			return nil, models.NewNonRetryable("getMultipleAccounts", err)
		}
		out[i] = &info
	}
	return out, nil
}

// GetProgramAccounts enumerates accounts owned by program matching filters.
func (c *Client) GetProgramAccounts(ctx context.Context, program solana.PublicKey, filters []Filter) ([]KeyedAccount, error) {
	fkeys := make([]string, len(filters))
	for i, f := range filters {
		fkeys[i] = f.key()
	}
	var res []programAccount
	params := []interface{}{program.String(), c.config(map[string]interface{}{"encoding": "base64", "filters": filters})}
	if err := c.call(ctx, "getProgramAccounts", params, true, "gpa:"+program.String()+":"+strings.Join(fkeys, ","), &res); err != nil {
		return nil, err
	}
	out := make([]KeyedAccount, 0, len(res))
	for _, pa := range res {
		addr, err := solana.PublicKeyFromBase58(pa.Pubkey)
		if err != nil {
			return nil, err
		}
		info, err := pa.Account.decode(0)
		if err != nil {
			return nil, models.NewNonRetryable("getProgramAccounts", err)
		}
		out = append(out, KeyedAccount{Address: addr, Account: info})
	}
	return out, nil
}

// GetRecentPrioritizationFees returns recent per-slot fee observations in
// micro-lamports per compute unit for transactions touching accounts.
func (c *Client) GetRecentPrioritizationFees(ctx context.Context, accounts []solana.PublicKey) ([]uint64, error) {
	keys := make([]string, len(accounts))
	for i, a := range accounts {
		keys[i] = a.String()
	}
	sort.Strings(keys)
	var res []prioritizationFee
	if err := c.call(ctx, "getRecentPrioritizationFees", []interface{}{keys}, true, "fees:"+strings.Join(keys, ","), &res); err != nil {
		return nil, err
	}
	out := make([]uint64, len(res))
	for i, f := range res {
		out[i] = f.PrioritizationFee
	}
	return out, nil
}

// GetLatestBlockhash is never cached.
func (c *Client) GetLatestBlockhash(ctx context.Context) (solana.Hash, uint64, error) {
	var res blockhashResult
	if err := c.call(ctx, "getLatestBlockhash", []interface{}{c.config(nil)}, true, "", &res); err != nil {
		return solana.Hash{}, 0, err
	}
	h, err := solana.HashFromBase58(res.Value.Blockhash)
	if err != nil {
		return solana.Hash{}, 0, err
	}
	return h, res.Value.LastValidBlockHeight, nil
}

func (c *Client) GetSlot(ctx context.Context) (uint64, error) {
	var slot uint64
	if err := c.call(ctx, "getSlot", []interface{}{c.config(nil)}, true, "", &slot); err != nil {
		return 0, err
	}
	return slot, nil
}

// GetSignatureStatuses returns one status per signature, nil where the
// ledger has not seen it yet.
func (c *Client) GetSignatureStatuses(ctx context.Context, sigs []string) ([]*SignatureStatus, error) {
	var res signatureStatusesResult
	params := []interface{}{sigs, map[string]interface{}{"searchTransactionHistory": false}}
	if err := c.call(ctx, "getSignatureStatuses", params, true, "", &res); err != nil {
		return nil, err
	}
	return res.Value, nil
}

// SimulateTransaction dry-runs a signed transaction.
func (c *Client) SimulateTransaction(ctx context.Context, raw []byte) (*SimulationResult, error) {
	var res simulateResult
	params := []interface{}{
		base64.StdEncoding.EncodeToString(raw),
		c.config(map[string]interface{}{
			"encoding":               "base64",
			"sigVerify":              false,
			"replaceRecentBlockhash": true,
		}),
	}
	if err := c.call(ctx, "simulateTransaction", params, true, "", &res); err != nil {
		return nil, err
	}
	return &res.Value, nil
}

// Invalidate drops a cached account so the next read goes to the ledger.
func (c *Client) Invalidate(addr solana.PublicKey) {
	c.cache.Delete("acct:" + addr.String())
}
