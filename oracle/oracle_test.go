package oracle

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/PhotizoAi/percolator-launch-sub002/events"
	"github.com/PhotizoAi/percolator-launch-sub002/feeds"
	"github.com/PhotizoAi/percolator-launch-sub002/models"
	"github.com/PhotizoAi/percolator-launch-sub002/solana"
	"github.com/PhotizoAi/percolator-launch-sub002/tx"
)

var (
	t0        = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tolerance = decimal.RequireFromString("0.005")
)

func sample(source, price string, age time.Duration) models.PriceSample {
	return models.PriceSample{Source: source, Price: decimal.RequireFromString(price), ObservedAt: t0.Add(-age)}
}

func TestCrossValidate(t *testing.T) {
	tests := []struct {
		name     string
		samples  []models.PriceSample
		want     string
		wantE6   uint64
		sources  int
		rejected []string
		err      error
	}{
		{
			name:    "two of three agree",
			samples: []models.PriceSample{sample("pyth", "100", 0), sample("binance", "100.2", 0), sample("coingecko", "120", 0)},
			want:    "100.1",
			wantE6:  100_100_000,
			sources: 2, rejected: []string{"coingecko"},
		},
		{
			name:    "all agree takes median",
			samples: []models.PriceSample{sample("pyth", "100", 0), sample("binance", "100.3", 0), sample("jupiter", "100.1", 0)},
			want:    "100.1",
			wantE6:  100_100_000,
			sources: 3,
		},
		{
			name:    "single sample withheld",
			samples: []models.PriceSample{sample("pyth", "100", 0)},
			err:     models.ErrNoSamples,
		},
		{
			name:    "stale sample does not count",
			samples: []models.PriceSample{sample("pyth", "100", 0), sample("binance", "100", 2*time.Minute)},
			err:     models.ErrNoSamples,
		},
		{
			name:    "two disagreeing samples withheld",
			samples: []models.PriceSample{sample("pyth", "100", 0), sample("binance", "101", 0)},
			err:     models.ErrPriceDisagreement,
		},
		{
			name:    "deviation equal to tolerance disagrees",
			samples: []models.PriceSample{sample("pyth", "100", 0), sample("binance", "100.5", 0)},
			err:     models.ErrPriceDisagreement,
		},
		{
			name:    "ambiguous clusters withheld",
			samples: []models.PriceSample{sample("pyth", "100", 0), sample("binance", "100.4", 0), sample("jupiter", "100.8", 0)},
			err:     models.ErrPriceDisagreement,
		},
		{
			name:    "zero price rejected",
			samples: []models.PriceSample{sample("pyth", "0", 0), sample("binance", "100", 0), sample("jupiter", "100", 0)},
			want:    "100",
			wantE6:  100_000_000,
			sources: 2, rejected: []string{"pyth"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CrossValidate(tt.samples, tolerance, time.Minute, t0)
			if tt.err != nil {
				if !errors.Is(err, tt.err) || models.IsRetryable(err) {
					t.Fatalf("CrossValidate() error = %v, want non-retryable %v", err, tt.err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got.Price.String() != tt.want || got.PriceE6 != tt.wantE6 {
				t.Errorf("price = %s (%d), want %s (%d)", got.Price, got.PriceE6, tt.want, tt.wantE6)
			}
			if len(got.Sources) != tt.sources {
				t.Errorf("sources = %v, want %d", got.Sources, tt.sources)
			}
			if len(got.Rejected) != len(tt.rejected) {
				t.Errorf("rejected = %v, want %v", got.Rejected, tt.rejected)
			}
			if !got.ObservedAt.Equal(t0) {
				t.Errorf("ObservedAt = %v", got.ObservedAt)
			}
		})
	}
}

type fakeSource struct {
	name  string
	price string
	err   error
}

func (f fakeSource) Name() string { return f.name }

func (f fakeSource) Fetch(context.Context, models.AssetRef) (models.PriceSample, error) {
	if f.err != nil {
		return models.PriceSample{}, f.err
	}
	return models.PriceSample{Source: f.name, Price: decimal.RequireFromString(f.price), ObservedAt: t0}, nil
}

type fakeRegistry map[string]models.MarketRecord

func (r fakeRegistry) Get(addr string) (models.MarketRecord, bool) {
	rec, ok := r[addr]
	return rec, ok
}

type fakeSender struct {
	mu   sync.Mutex
	ixs  [][]solana.Instruction
	opts []tx.BuildOptions
	err  error
}

func (f *fakeSender) SendWithRetry(_ context.Context, ixs []solana.Instruction, opts tx.BuildOptions) (*tx.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ixs = append(f.ixs, ixs)
	f.opts = append(f.opts, opts)
	if f.err != nil {
		return nil, f.err
	}
	return &tx.Result{Signature: "sig", Attempts: 1}, nil
}

var (
	program   = solana.PublicKeyFromBytes(bytesOf(1))
	slab      = solana.PublicKeyFromBytes(bytesOf(2))
	authority = solana.PublicKeyFromBytes(bytesOf(3))
	asset     = models.AssetRef{Symbol: "SOL", IDs: map[string]string{"pyth": "a", "binance": "b", "coingecko": "c"}}
)

func bytesOf(b byte) []byte {
	out := make([]byte, solana.PublicKeyLength)
	for i := range out {
		out[i] = b
	}
	return out
}

func newService(sources []fakeSource, sender Sender, mode models.OracleMode, bus *events.Bus) *Service {
	var srcs []feeds.Source
	for _, s := range sources {
		srcs = append(srcs, s)
	}
	svc := NewService(ServiceConfig{
		Sources:   srcs,
		Markets:   []Market{{Slab: slab, Asset: asset}},
		Registry:  fakeRegistry{slab.String(): {Address: slab.String(), Program: program.String(), OracleMode: mode}},
		Sender:    sender,
		Authority: authority,
		Options:   Options{Tolerance: tolerance, MaxAge: time.Minute, SourceTimeout: time.Second},
		Bus:       bus,
	})
	svc.now = func() time.Time { return t0 }
	return svc
}

func TestRunOncePushesAgreedPrice(t *testing.T) {
	sender := &fakeSender{}
	bus := events.NewBus(nil)
	var pushed []events.Event
	bus.Subscribe(events.OraclePushed, func(e events.Event) { pushed = append(pushed, e) })

	svc := newService([]fakeSource{
		{name: "pyth", price: "145.20"},
		{name: "binance", price: "145.30"},
		{name: "coingecko", price: "160"},
	}, sender, models.OracleAuthority, bus)
	svc.RunOnce(context.Background())

	if len(sender.ixs) != 1 {
		t.Fatalf("sent %d transactions, want 1", len(sender.ixs))
	}
	ix := sender.ixs[0][0]
	if ix.Data[0] != 17 || !ix.ProgramID.Equals(program) {
		t.Fatalf("unexpected instruction %+v", ix)
	}
	if got := binary.LittleEndian.Uint64(ix.Data[1:9]); got != 145_250_000 {
		t.Errorf("price_e6 = %d, want 145250000", got)
	}
	if got := int64(binary.LittleEndian.Uint64(ix.Data[9:17])); got != t0.Unix() {
		t.Errorf("timestamp = %d, want %d", got, t0.Unix())
	}
	if !ix.Accounts[0].PublicKey.Equals(authority) || !ix.Accounts[0].IsSigner {
		t.Errorf("authority meta = %+v", ix.Accounts[0])
	}
	if len(pushed) != 1 {
		t.Errorf("oracle.pushed events = %d", len(pushed))
	}
	if p, ok := svc.Latest(slab.String()); !ok || p.PriceE6 != 145_250_000 {
		t.Errorf("Latest() = %v, %v", p, ok)
	}
}

func TestRunOnceWithholdsWithoutAgreement(t *testing.T) {
	sender := &fakeSender{}
	bus := events.NewBus(nil)
	var withheld []events.Event
	bus.Subscribe(events.OracleWithheld, func(e events.Event) { withheld = append(withheld, e) })

	svc := newService([]fakeSource{
		{name: "pyth", price: "145"},
		{name: "binance", err: models.NewRetryable("fetch binance", models.ErrRateLimited)},
		{name: "coingecko", price: "160"},
	}, sender, models.OracleAuthority, bus)
	svc.RunOnce(context.Background())

	if len(sender.ixs) != 0 {
		t.Errorf("sent %d transactions, want none", len(sender.ixs))
	}
	if len(withheld) != 1 {
		t.Errorf("oracle.withheld events = %d, want 1", len(withheld))
	}
	if _, ok := svc.Latest(slab.String()); ok {
		t.Error("withheld price must not be recorded")
	}
}

func TestRunOnceSkipsNativeMarkets(t *testing.T) {
	sender := &fakeSender{}
	svc := newService([]fakeSource{{name: "pyth", price: "1"}, {name: "binance", price: "1"}}, sender, models.OracleNative, nil)
	svc.RunOnce(context.Background())
	if len(sender.ixs) != 0 {
		t.Error("native-oracle market must not be pushed")
	}
}

func TestPushNowPinsFee(t *testing.T) {
	sender := &fakeSender{}
	svc := newService([]fakeSource{{name: "pyth", price: "10"}, {name: "binance", price: "10"}}, sender, models.OracleAuthority, nil)
	m, _ := svc.Market(slab.String())
	if _, _, err := svc.PushNow(context.Background(), m, 42_000); err != nil {
		t.Fatal(err)
	}
	if sender.opts[0].Fee != 42_000 {
		t.Errorf("fee = %d, want pinned 42000", sender.opts[0].Fee)
	}
}
