package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/PhotizoAi/percolator-launch-sub002/models"
)

// JSON-RPC error codes the keeper distinguishes.
const (
	codeInvalidRequest      = -32600
	codeInvalidParams       = -32602
	codeBlockCleanedUp      = -32001
	codeBlockNotAvailable   = -32004
	codeNodeUnhealthy       = -32005
	codeSlotSkipped         = -32007
	codeBlockStatusNotAvail = -32014
	codeRateLimited         = -32429
)

// RPCError is an error object returned inside a JSON-RPC response.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type request struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

type response struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// Endpoint is one JSON-RPC node. It performs a single call with no retry,
// throttling or caching; the Client layers those on top.
type Endpoint struct {
	Name   string
	URL    string
	client *http.Client
	nextID atomic.Uint64
}

func NewEndpoint(name, url string, timeout time.Duration) *Endpoint {
	return &Endpoint{
		Name:   name,
		URL:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Call performs method and decodes the result into out. Errors are
// classified with models.Class.
func (e *Endpoint) Call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	body, err := json.Marshal(request{JSONRPC: "2.0", ID: e.nextID.Add(1), Method: method, Params: params})
	if err != nil {
		return models.NewNonRetryable(method, fmt.Errorf("%w: %v", models.ErrInvalidInput, err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.URL, bytes.NewReader(body))
	if err != nil {
		return models.NewNonRetryable(method, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return models.NewNonRetryable(method, ctx.Err())
		}
		return models.NewRetryable(method, fmt.Errorf("%s: %w", e.Name, err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return models.NewRetryable(method, fmt.Errorf("%s: failed to read response: %w", e.Name, err))
	}
	if err := classifyStatus(resp.StatusCode); err != nil {
		return &models.Error{Op: method, Class: statusClass(resp.StatusCode), Err: fmt.Errorf("%s: %w", e.Name, err)}
	}

	var r response
	if err := json.Unmarshal(raw, &r); err != nil {
		return models.NewRetryable(method, fmt.Errorf("%s: failed to decode response: %w", e.Name, err))
	}
	if r.Error != nil {
		return classifyRPCError(method, e.Name, r.Error)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(r.Result, out); err != nil {
		return models.NewNonRetryable(method, fmt.Errorf("%s: failed to decode result: %w", e.Name, err))
	}
	return nil
}

func classifyStatus(status int) error {
	switch {
	case status == http.StatusOK:
		return nil
	case status == http.StatusTooManyRequests:
		return models.ErrRateLimited
	default:
		return fmt.Errorf("http status %d", status)
	}
}

func statusClass(status int) models.Class {
	switch {
	case status == http.StatusTooManyRequests, status >= 500, status == http.StatusRequestTimeout:
		return models.Retryable
	default:
		return models.NonRetryable
	}
}

func classifyRPCError(method, endpoint string, e *RPCError) error {
	switch e.Code {
	case codeRateLimited, http.StatusTooManyRequests:
		return models.NewRetryable(method, fmt.Errorf("%s: %w: %v", endpoint, models.ErrRateLimited, e))
	case codeInvalidParams, codeInvalidRequest:
		return models.NewNonRetryable(method, fmt.Errorf("%s: %w: %v", endpoint, models.ErrInvalidInput, e))
	case codeBlockCleanedUp, codeBlockNotAvailable, codeNodeUnhealthy, codeSlotSkipped, codeBlockStatusNotAvail:
		return models.NewRetryable(method, fmt.Errorf("%s: %w", endpoint, e))
	default:
		return models.NewNonRetryable(method, fmt.Errorf("%s: %w", endpoint, e))
	}
}
