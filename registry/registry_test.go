package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/PhotizoAi/percolator-launch-sub002/events"
	"github.com/PhotizoAi/percolator-launch-sub002/models"
	"github.com/PhotizoAi/percolator-launch-sub002/parser"
	"github.com/PhotizoAi/percolator-launch-sub002/percolator"
	"github.com/PhotizoAi/percolator-launch-sub002/rpc"
	"github.com/PhotizoAi/percolator-launch-sub002/solana"
	"github.com/PhotizoAi/percolator-launch-sub002/tx"
)

func key(b byte) solana.PublicKey {
	raw := make([]byte, solana.PublicKeyLength)
	for i := range raw {
		raw[i] = b
	}
	return solana.PublicKeyFromBytes(raw)
}

var (
	programA = key(10)
	programB = key(11)
	stake    = key(12)
)

func sighting(addr solana.PublicKey, program solana.PublicKey, lastTrade uint64) Sighting {
	return Sighting{
		Address: addr.String(),
		Program: program.String(),
		Header:  &parser.SlabHeader{LastTradeSlot: lastTrade, MaintenanceMarginBps: 500},
	}
}

func TestEvictionAfterThreeMisses(t *testing.T) {
	bus := events.NewBus(nil)
	var evicted []string
	bus.Subscribe(events.MarketEvicted, func(e events.Event) { evicted = append(evicted, e.Subject) })

	r := New(3, 300, bus, nil, nil)
	m := key(1)
	scanned := []string{programA.String()}
	r.Apply([]Sighting{sighting(m, programA, 1000)}, scanned, 1000)

	for i := 1; i <= 2; i++ {
		r.Apply(nil, scanned, 1000)
		rec, ok := r.Get(m.String())
		if !ok || rec.Misses != i {
			t.Fatalf("after %d misses: %+v %v", i, rec, ok)
		}
	}
	r.Apply(nil, scanned, 1000)
	if _, ok := r.Get(m.String()); ok {
		t.Fatal("market should be evicted after three misses")
	}
	if len(evicted) != 1 || evicted[0] != m.String() {
		t.Errorf("evicted events = %v", evicted)
	}
}

func TestHitResetsMisses(t *testing.T) {
	r := New(3, 300, nil, nil, nil)
	m := key(1)
	scanned := []string{programA.String()}
	r.Apply([]Sighting{sighting(m, programA, 1000)}, scanned, 1000)
	r.Apply(nil, scanned, 1000)
	r.Apply(nil, scanned, 1000)
	r.Apply([]Sighting{sighting(m, programA, 1000)}, scanned, 1000)
	r.Apply(nil, scanned, 1000)
	r.Apply(nil, scanned, 1000)
	rec, ok := r.Get(m.String())
	if !ok || rec.Misses != 2 {
		t.Errorf("Get() = %+v %v, want 2 misses after reset", rec, ok)
	}
}

func TestUnscannedProgramKeepsMarkets(t *testing.T) {
	r := New(3, 300, nil, nil, nil)
	a, b := key(1), key(2)
	r.Apply([]Sighting{sighting(a, programA, 0), sighting(b, programB, 0)}, []string{programA.String(), programB.String()}, 0)
	for i := 0; i < 5; i++ {
		r.Apply([]Sighting{sighting(a, programA, 0)}, []string{programA.String()}, 0)
	}
	rec, ok := r.Get(b.String())
	if !ok || rec.Misses != 0 {
		t.Errorf("market of a failed program must not accumulate misses: %+v %v", rec, ok)
	}
}

func TestCadence(t *testing.T) {
	bus := events.NewBus(nil)
	var changed []events.Event
	bus.Subscribe(events.MarketCadenceChanged, func(e events.Event) { changed = append(changed, e) })

	r := New(3, 300, bus, nil, nil)
	tests := []struct {
		lastTrade, slot uint64
		want            models.Cadence
	}{
		{1000, 1000, models.CadenceActive},
		{1000, 1300, models.CadenceActive},
		{1000, 1301, models.CadenceIdle},
		{2000, 1000, models.CadenceActive},
		{0, 100_000, models.CadenceIdle},
	}
	for _, tt := range tests {
		if got := r.CadenceFor(tt.lastTrade, tt.slot); got != tt.want {
			t.Errorf("CadenceFor(%d, %d) = %s, want %s", tt.lastTrade, tt.slot, got, tt.want)
		}
	}

	m := key(1)
	scanned := []string{programA.String()}
	r.Apply([]Sighting{sighting(m, programA, 1000)}, scanned, 1000)
	r.Apply([]Sighting{sighting(m, programA, 1000)}, scanned, 5000)
	if got := r.ByCadence(models.CadenceIdle); len(got) != 1 {
		t.Fatalf("idle markets = %v", got)
	}
	if len(changed) != 1 || changed[0].Payload["to"] != "idle" {
		t.Errorf("cadence events = %v", changed)
	}
}

type fakeReader struct {
	slabs map[string][]rpc.KeyedAccount
	pools map[string][]byte
	fail  map[string]bool
}

func (f *fakeReader) GetProgramAccounts(_ context.Context, program solana.PublicKey, filters []rpc.Filter) ([]rpc.KeyedAccount, error) {
	if len(filters) != 1 || filters[0].Memcmp == nil || string(filters[0].Memcmp.Bytes) != parser.SlabMagic {
		return nil, fmt.Errorf("unexpected filters %+v", filters)
	}
	if f.fail[program.String()] {
		return nil, models.NewRetryable("getProgramAccounts", errors.New("upstream 502"))
	}
	return f.slabs[program.String()], nil
}

func (f *fakeReader) GetAccountInfo(_ context.Context, addr solana.PublicKey) (*rpc.AccountInfo, error) {
	data, ok := f.pools[addr.String()]
	if !ok {
		return nil, models.NewNonRetryable("getAccountInfo", models.ErrAccountNotFound)
	}
	return &rpc.AccountInfo{Data: data}, nil
}

type fixedSlot uint64

func (s fixedSlot) Slot(context.Context) (uint64, error) { return uint64(s), nil }

func slabAccount(addr solana.PublicKey, mode models.OracleMode, lastTrade uint64) rpc.KeyedAccount {
	data := parser.EncodeSlab(parser.SlabHeader{
		OracleMode:           mode,
		Oracle:               key(99),
		MaintenanceMarginBps: 500,
		LastTradeSlot:        lastTrade,
		MaxAccounts:          4,
	}, nil)
	return rpc.KeyedAccount{Address: addr, Account: rpc.AccountInfo{Data: data}}
}

func TestDiscoverOnce(t *testing.T) {
	m1, m2 := key(1), key(2)
	poolAddr, _, err := percolator.PoolAddress(stake, m1)
	if err != nil {
		t.Fatal(err)
	}
	reader := &fakeReader{
		slabs: map[string][]rpc.KeyedAccount{
			programA.String(): {
				slabAccount(m1, models.OracleAuthority, 5000),
				{Address: key(3), Account: rpc.AccountInfo{Data: []byte("PERCSLAB-truncated")}},
			},
		},
		pools: map[string][]byte{
			poolAddr.String(): parser.EncodePool(&parser.Pool{
				Initialized:    true,
				TotalDeposited: 1_000,
				TotalWithdrawn: 200,
				Hwm:            &parser.HwmConfig{Version: 1, HighWaterMarkE6: 1_050_000, FloorBps: 9000},
			}),
		},
		fail: map[string]bool{programB.String(): true},
	}

	bus := events.NewBus(nil)
	var discovered []events.Event
	bus.Subscribe(events.MarketDiscovered, func(e events.Event) { discovered = append(discovered, e) })

	r := New(3, 300, bus, nil, nil)
	r.Apply([]Sighting{sighting(m2, programB, 5000)}, []string{programB.String()}, 5000)

	d := NewDiscoverer(DiscovererConfig{
		Reader:       reader,
		Programs:     []solana.PublicKey{programA, programB},
		StakeProgram: stake,
		Registry:     r,
		Slots:        fixedSlot(5100),
		Timeout:      time.Second,
	})
	res, err := d.DiscoverOnce(context.Background())
	if err == nil || !models.IsRetryable(err) {
		t.Errorf("expected retryable error for failed program, got %v", err)
	}
	if len(res.Added) != 1 || res.Added[0] != m1.String() {
		t.Fatalf("added = %v", res.Added)
	}
	rec, _ := r.Get(m1.String())
	if rec.OracleMode != models.OracleAuthority || rec.Cadence != models.CadenceActive || rec.MaintenanceBps != 500 {
		t.Errorf("record = %+v", rec)
	}
	if rec, ok := r.Get(m2.String()); !ok || rec.Misses != 0 {
		t.Errorf("market under failed program changed: %+v", rec)
	}

	var payload map[string]interface{}
	for _, e := range discovered {
		if e.Subject == m1.String() {
			payload = e.Payload
		}
	}
	if payload == nil {
		t.Fatal("no market.discovered event for new market")
	}
	if payload["pool_net_deposited"] != uint64(800) || payload["hwm_enabled"] != true || payload["tranche_enabled"] != false {
		t.Errorf("pool payload = %v", payload)
	}
}

type fakeFeed struct {
	slot uint64
	at   time.Time
}

func (f fakeFeed) Latest() (uint64, time.Time) { return f.slot, f.at }

type fakeGetter uint64

func (g fakeGetter) GetSlot(context.Context) (uint64, error) { return uint64(g), nil }

func TestSlotTracker(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		feed SlotFeed
		want uint64
	}{
		{"fresh stream", fakeFeed{slot: 500, at: now.Add(-2 * time.Second)}, 500},
		{"stale stream", fakeFeed{slot: 500, at: now.Add(-time.Minute)}, 900},
		{"empty stream", fakeFeed{}, 900},
		{"no stream", nil, 900},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewSlotTracker(tt.feed, fakeGetter(900), 10*time.Second)
			tr.now = func() time.Time { return now }
			got, err := tr.Slot(context.Background())
			if err != nil || got != tt.want {
				t.Errorf("Slot() = %d, %v, want %d", got, err, tt.want)
			}
		})
	}
}

type fakeSender struct {
	mu    sync.Mutex
	sent  map[string]tx.BuildOptions
	fail  string
	panic string
}

func (f *fakeSender) SendWithRetry(_ context.Context, ixs []solana.Instruction, opts tx.BuildOptions) (*tx.Result, error) {
	slab := ixs[0].Accounts[1].PublicKey.String()
	if slab == f.panic {
		panic("boom")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[slab] = opts
	if slab == f.fail {
		return nil, models.NewNonRetryable("confirm", models.ErrTxFailed)
	}
	return &tx.Result{Signature: "sig-" + slab[:4], Slot: 777, Attempts: 1}, nil
}

func TestCrankCadenceIsolatesFailures(t *testing.T) {
	r := New(3, 300, nil, nil, nil)
	var found []Sighting
	for i := byte(1); i <= 6; i++ {
		found = append(found, sighting(key(i), programA, 1000))
	}
	found = append(found, sighting(key(50), programA, 0))
	r.Apply(found, []string{programA.String()}, 1000)

	sender := &fakeSender{sent: map[string]tx.BuildOptions{}, fail: key(2).String(), panic: key(3).String()}
	bus := events.NewBus(nil)
	var succeeded, failed int
	bus.Subscribe(events.CrankSucceeded, func(events.Event) { succeeded++ })
	bus.Subscribe(events.CrankFailed, func(events.Event) { failed++ })

	cr := NewCranker(sender, key(77), r, bus, nil, nil, nil)
	s := NewScheduler(SchedulerConfig{Registry: r, Cranker: cr, Workers: 1})

	ok, bad := s.CrankCadence(context.Background(), models.CadenceActive)
	if ok != 4 || bad != 2 {
		t.Errorf("CrankCadence() = %d ok, %d failed, want 4 and 2", ok, bad)
	}
	if _, cranked := sender.sent[key(50).String()]; cranked {
		t.Error("idle market cranked on the active timer")
	}
	for addr, opts := range sender.sent {
		if !opts.KeeperMode {
			t.Errorf("crank of %s not in keeper mode", addr)
		}
	}
	if succeeded != 4 || failed != 1 {
		t.Errorf("events: %d succeeded, %d failed", succeeded, failed)
	}
	if rec, _ := r.Get(key(1).String()); rec.LastCrankSlot != 777 {
		t.Errorf("LastCrankSlot = %d, want 777", rec.LastCrankSlot)
	}
}

func TestCrankInstruction(t *testing.T) {
	cr := NewCranker(nil, key(77), New(0, 0, nil, nil, nil), nil, nil, nil, nil)
	rec := models.MarketRecord{Address: key(1).String(), Program: programA.String(), Oracle: key(99).String()}
	ix, err := cr.Instruction(rec)
	if err != nil {
		t.Fatal(err)
	}
	if ix.Data[0] != percolator.TagKeeperCrank || !ix.Accounts[3].PublicKey.Equals(key(99)) {
		t.Errorf("instruction = %+v", ix)
	}
	if _, err := cr.Instruction(models.MarketRecord{Address: "not-base58!", Program: programA.String()}); models.IsRetryable(err) || err == nil {
		t.Errorf("bad address error = %v", err)
	}
}
