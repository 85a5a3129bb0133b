package rpc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/PhotizoAi/percolator-launch-sub002/models"
	"github.com/PhotizoAi/percolator-launch-sub002/solana"
)

type rpcHandler func(method string, params json.RawMessage) (result interface{}, rpcErr *RPCError, status int)

type rpcServer struct {
	*httptest.Server
	calls atomic.Int32
}

func newRPCServer(t *testing.T, h rpcHandler) *rpcServer {
	t.Helper()
	s := &rpcServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.calls.Add(1)
		var req struct {
			ID     uint64          `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		result, rpcErr, status := h(req.Method, req.Params)
		if status != 0 && status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(s.Close)
	return s
}

func fastRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func newTestClient(primary, fallback *rpcServer) *Client {
	opts := ClientOptions{
		Primary: NewEndpoint("primary", primary.URL, time.Second),
		Bucket:  NewTokenBucket(10, 10, time.Hour),
		Retry:   fastRetry(),
	}
	if fallback != nil {
		opts.Fallback = NewEndpoint("fallback", fallback.URL, time.Second)
	}
	return NewClient(opts)
}

func accountResult(data []byte) map[string]interface{} {
	return map[string]interface{}{
		"context": map[string]interface{}{"slot": 42},
		"value": map[string]interface{}{
			"data":       []string{base64.StdEncoding.EncodeToString(data), "base64"},
			"owner":      solana.SystemProgramID.String(),
			"lamports":   1000,
			"executable": false,
		},
	}
}

func TestGetAccountInfoCacheHitSkipsToken(t *testing.T) {
	srv := newRPCServer(t, func(method string, params json.RawMessage) (interface{}, *RPCError, int) {
		if method != "getAccountInfo" {
			t.Errorf("unexpected method %s", method)
		}
		return accountResult([]byte{1, 2, 3}), nil, 0
	})
	c := newTestClient(srv, nil)
	ctx := context.Background()
	addr := solana.SysvarClockID

	for i := 0; i < 3; i++ {
		info, err := c.GetAccountInfo(ctx, addr)
		if err != nil {
			t.Fatal(err)
		}
		if string(info.Data) != string([]byte{1, 2, 3}) || info.Slot != 42 {
			t.Errorf("unexpected account %+v", info)
		}
	}
	if got := srv.calls.Load(); got != 1 {
		t.Errorf("server saw %d calls, expected 1", got)
	}
	if got := c.Bucket().Available(); got != 9 {
		t.Errorf("Available() = %d, expected one token consumed", got)
	}

	c.Invalidate(addr)
	if _, err := c.GetAccountInfo(ctx, addr); err != nil {
		t.Fatal(err)
	}
	if got := srv.calls.Load(); got != 2 {
		t.Errorf("server saw %d calls after invalidate, expected 2", got)
	}
}

func TestReadRateLimitedReroutesToFallback(t *testing.T) {
	primary := newRPCServer(t, func(string, json.RawMessage) (interface{}, *RPCError, int) {
		return nil, nil, http.StatusTooManyRequests
	})
	fallback := newRPCServer(t, func(method string, _ json.RawMessage) (interface{}, *RPCError, int) {
		return 777, nil, 0
	})
	c := newTestClient(primary, fallback)

	slot, err := c.GetSlot(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if slot != 777 {
		t.Errorf("GetSlot() = %d, expected fallback value 777", slot)
	}
	if primary.calls.Load() != 1 || fallback.calls.Load() != 1 {
		t.Errorf("primary %d / fallback %d calls, expected 1 / 1", primary.calls.Load(), fallback.calls.Load())
	}
}

func TestRateLimitedWithoutFallbackRetriesPrimary(t *testing.T) {
	var n atomic.Int32
	primary := newRPCServer(t, func(string, json.RawMessage) (interface{}, *RPCError, int) {
		if n.Add(1) < 3 {
			return nil, &RPCError{Code: codeRateLimited, Message: "slow down"}, 0
		}
		return 5, nil, 0
	})
	c := newTestClient(primary, nil)
	slot, err := c.GetSlot(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if slot != 5 || primary.calls.Load() != 3 {
		t.Errorf("GetSlot() = %d after %d calls, expected 5 after 3", slot, primary.calls.Load())
	}
}

func TestInvalidParamsNotRetried(t *testing.T) {
	primary := newRPCServer(t, func(string, json.RawMessage) (interface{}, *RPCError, int) {
		return nil, &RPCError{Code: codeInvalidParams, Message: "Invalid param: WrongSize"}, 0
	})
	c := newTestClient(primary, nil)
	_, err := c.GetSlot(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, models.ErrInvalidInput) || models.IsRetryable(err) {
		t.Errorf("expected non-retryable invalid input, got %v", err)
	}
	if primary.calls.Load() != 1 {
		t.Errorf("server saw %d calls, expected 1", primary.calls.Load())
	}
}

func TestTransientErrorRetriedUntilExhausted(t *testing.T) {
	primary := newRPCServer(t, func(string, json.RawMessage) (interface{}, *RPCError, int) {
		return nil, nil, http.StatusBadGateway
	})
	c := newTestClient(primary, nil)
	_, err := c.GetSlot(context.Background())
	if err == nil || !models.IsRetryable(err) {
		t.Fatalf("expected retryable error after exhausting attempts, got %v", err)
	}
	if primary.calls.Load() != 3 {
		t.Errorf("server saw %d calls, expected 3", primary.calls.Load())
	}
}

func TestGetAccountInfoNotFound(t *testing.T) {
	srv := newRPCServer(t, func(string, json.RawMessage) (interface{}, *RPCError, int) {
		return map[string]interface{}{"context": map[string]interface{}{"slot": 1}, "value": nil}, nil, 0
	})
	c := newTestClient(srv, nil)
	_, err := c.GetAccountInfo(context.Background(), solana.SysvarClockID)
	if !errors.Is(err, models.ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestGetProgramAccountsSendsMemcmpFilter(t *testing.T) {
	srv := newRPCServer(t, func(method string, params json.RawMessage) (interface{}, *RPCError, int) {
		if !strings.Contains(string(params), `"memcmp"`) {
			t.Errorf("filters missing from params: %s", params)
		}
		return []interface{}{
			map[string]interface{}{
				"pubkey":  solana.SysvarClockID.String(),
				"account": accountResult([]byte{9})["value"],
			},
		}, nil, 0
	})
	c := newTestClient(srv, nil)
	accts, err := c.GetProgramAccounts(context.Background(), solana.SystemProgramID, []Filter{{Memcmp: &Memcmp{Offset: 0, Bytes: []byte("PERCSLAB")}}})
	if err != nil {
		t.Fatal(err)
	}
	if len(accts) != 1 || accts[0].Address != solana.SysvarClockID || accts[0].Account.Data[0] != 9 {
		t.Errorf("unexpected accounts %+v", accts)
	}
}
