package feeds

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/PhotizoAi/percolator-launch-sub002/models"
)

var sol = models.AssetRef{
	Symbol: "SOL",
	IDs: map[string]string{
		Pyth:      "0xef0d8b6fda2ceba41da15d4095d1da392a0d2f8ed0c6c7bc0f4cfac8c280b56d",
		Binance:   "SOLUSDT",
		CoinGecko: "solana",
		Jupiter:   "So11111111111111111111111111111111111111112",
	},
}

func serve(t *testing.T, path, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != path {
			t.Errorf("unexpected path %s", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testOptions(url string) Options {
	return Options{BaseURL: url, Timeout: time.Second, RPS: 1000}
}

func TestSources(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		body     string
		build    func(Options) Source
		want     string
		observed time.Time
	}{
		{
			name:     "pyth",
			path:     "/v2/updates/price/latest",
			body:     `{"parsed":[{"id":"ef0d8b6fda2ceba41da15d4095d1da392a0d2f8ed0c6c7bc0f4cfac8c280b56d","price":{"price":"14523000000","expo":-8,"publish_time":1700000000}}]}`,
			build:    func(o Options) Source { return NewPyth(o) },
			want:     "145.23",
			observed: time.Unix(1700000000, 0).UTC(),
		},
		{
			name:  "binance",
			path:  "/api/v3/ticker/price",
			body:  `{"symbol":"SOLUSDT","price":"145.25000000"}`,
			build: func(o Options) Source { return NewBinance(o) },
			want:  "145.25",
		},
		{
			name:     "coingecko",
			path:     "/api/v3/simple/price",
			body:     `{"solana":{"usd":145.2,"last_updated_at":1700000100}}`,
			build:    func(o Options) Source { return NewCoinGecko(o) },
			want:     "145.2",
			observed: time.Unix(1700000100, 0).UTC(),
		},
		{
			name:  "jupiter",
			path:  "/price/v2",
			body:  `{"data":{"So11111111111111111111111111111111111111112":{"id":"So11111111111111111111111111111111111111112","price":"145.21"}}}`,
			build: func(o Options) Source { return NewJupiter(o) },
			want:  "145.21",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := serve(t, tt.path, tt.body)
			src := tt.build(testOptions(srv.URL))
			s, err := src.Fetch(context.Background(), sol)
			if err != nil {
				t.Fatal(err)
			}
			if s.Source != src.Name() || s.Price.String() != tt.want {
				t.Errorf("Fetch() = %s %s, want %s %s", s.Source, s.Price, src.Name(), tt.want)
			}
			if !tt.observed.IsZero() && !s.ObservedAt.Equal(tt.observed) {
				t.Errorf("ObservedAt = %v, want %v", s.ObservedAt, tt.observed)
			}
			if s.ObservedAt.IsZero() {
				t.Error("ObservedAt not set")
			}
		})
	}
}

func TestUnsupportedAsset(t *testing.T) {
	src := NewBinance(testOptions("http://127.0.0.1:1"))
	_, err := src.Fetch(context.Background(), models.AssetRef{Symbol: "XYZ"})
	if !errors.Is(err, models.ErrUnsupportedAsset) || models.IsRetryable(err) {
		t.Errorf("expected non-retryable unsupported asset, got %v", err)
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		retryable bool
	}{
		{"rate limited", http.StatusTooManyRequests, "", true},
		{"server error", http.StatusBadGateway, "", true},
		{"bad request", http.StatusBadRequest, `{"code":-1121,"msg":"Invalid symbol."}`, false},
		{"garbage", http.StatusOK, `{"price":`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()
			_, err := NewBinance(testOptions(srv.URL)).Fetch(context.Background(), sol)
			if err == nil {
				t.Fatal("expected error")
			}
			if models.IsRetryable(err) != tt.retryable {
				t.Errorf("IsRetryable(%v) = %v, want %v", err, !tt.retryable, tt.retryable)
			}
		})
	}
}

func TestBreakerStopsHammeringFailingSource(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	src := NewBinance(testOptions(srv.URL))
	for i := 0; i < 6; i++ {
		src.Fetch(context.Background(), sol)
	}
	if got := hits.Load(); got != 3 {
		t.Errorf("source hit %d times, breaker should open after 3", got)
	}
}

func TestNewByName(t *testing.T) {
	for _, name := range []string{Pyth, Binance, CoinGecko, Jupiter} {
		src, err := New(name, Options{})
		if err != nil || src.Name() != name {
			t.Errorf("New(%q) = %v, %v", name, src, err)
		}
	}
	if _, err := New("kraken", Options{}); err == nil {
		t.Error("expected error for unknown source")
	}
}
