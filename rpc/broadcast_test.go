package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestBroadcastFirstAcceptanceWins(t *testing.T) {
	primary := newRPCServer(t, func(string, json.RawMessage) (interface{}, *RPCError, int) {
		return nil, nil, http.StatusServiceUnavailable
	})
	rejecting := newRPCServer(t, func(string, json.RawMessage) (interface{}, *RPCError, int) {
		return nil, &RPCError{Code: -32002, Message: "blockhash not found"}, 0
	})
	accepting := newRPCServer(t, func(method string, params json.RawMessage) (interface{}, *RPCError, int) {
		if method != "sendTransaction" {
			t.Errorf("unexpected method %s", method)
		}
		if !strings.Contains(string(params), `"skipPreflight":true`) {
			t.Errorf("expected skipPreflight in %s", params)
		}
		return "sig-from-extra", nil, 0
	})

	b := NewBroadcaster(
		NewEndpoint("primary", primary.URL, time.Second),
		[]*Endpoint{
			NewEndpoint("rejecting", rejecting.URL, time.Second),
			NewEndpoint("accepting", accepting.URL, time.Second),
		},
		NewTokenBucket(10, 10, time.Hour),
		fastRetry(), nil, nil)

	sig, err := b.Send(context.Background(), []byte{1, 2, 3})
	if err != nil {
		t.Fatal(err)
	}
	if sig != "sig-from-extra" {
		t.Errorf("Send() = %q, expected signature from accepting endpoint", sig)
	}
}

func TestBroadcastAllRejectReturnsPrimaryError(t *testing.T) {
	primary := newRPCServer(t, func(string, json.RawMessage) (interface{}, *RPCError, int) {
		return nil, &RPCError{Code: codeInvalidParams, Message: "primary says no"}, 0
	})
	extra := newRPCServer(t, func(string, json.RawMessage) (interface{}, *RPCError, int) {
		return nil, &RPCError{Code: codeInvalidParams, Message: "extra says no"}, 0
	})

	b := NewBroadcaster(
		NewEndpoint("primary", primary.URL, time.Second),
		[]*Endpoint{NewEndpoint("extra", extra.URL, time.Second)},
		NewTokenBucket(10, 10, time.Hour),
		fastRetry(), nil, nil)

	_, err := b.Send(context.Background(), []byte{1})
	if err == nil {
		t.Fatal("expected error when every endpoint rejects")
	}
	if !strings.Contains(err.Error(), "primary says no") {
		t.Errorf("expected primary's error, got %v", err)
	}
	if primary.calls.Load() != 1 {
		t.Errorf("non-retryable rejection resent %d times", primary.calls.Load())
	}
}

func TestBroadcastExtrasCapped(t *testing.T) {
	srv := newRPCServer(t, func(string, json.RawMessage) (interface{}, *RPCError, int) {
		return "sig", nil, 0
	})
	var extras []*Endpoint
	for i := 0; i < MaxExtraEndpoints+2; i++ {
		extras = append(extras, NewEndpoint("extra", srv.URL, time.Second))
	}
	b := NewBroadcaster(NewEndpoint("primary", srv.URL, time.Second), extras, NewTokenBucket(1, 1, time.Hour), fastRetry(), nil, nil)
	if len(b.extras) != MaxExtraEndpoints {
		t.Errorf("kept %d extras, expected %d", len(b.extras), MaxExtraEndpoints)
	}
}
