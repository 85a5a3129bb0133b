package liquidation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/PhotizoAi/percolator-launch-sub002/events"
	"github.com/PhotizoAi/percolator-launch-sub002/models"
	"github.com/PhotizoAi/percolator-launch-sub002/parser"
	"github.com/PhotizoAi/percolator-launch-sub002/percolator"
	"github.com/PhotizoAi/percolator-launch-sub002/rpc"
	"github.com/PhotizoAi/percolator-launch-sub002/solana"
	"github.com/PhotizoAi/percolator-launch-sub002/tx"
)

func TestMarkPnl(t *testing.T) {
	tests := []struct {
		name   string
		size   int64
		entry  uint64
		oracle uint64
		want   int64
	}{
		{"long in profit", 100_000_000, 1_000_000, 2_000_000, 50_000_000},
		{"short in loss", -100_000_000, 1_000_000, 2_000_000, -50_000_000},
		{"long in loss", 100_000_000, 2_000_000, 1_000_000, -100_000_000},
		{"short in profit", -100_000_000, 2_000_000, 1_000_000, 100_000_000},
		{"flat", 0, 1_000_000, 2_000_000, 0},
		{"no price", 100_000_000, 1_000_000, 0, 0},
		{"truncates toward zero", 100_000_000, 1_000_000, 900_000, -11_111_111},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MarkPnl(tt.size, tt.entry, tt.oracle); got != tt.want {
				t.Errorf("MarkPnl(%d, %d, %d) = %d, want %d", tt.size, tt.entry, tt.oracle, got, tt.want)
			}
		})
	}
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name      string
		acct      parser.SlabAccount
		oracle    uint64
		want      bool
		wantMaint uint64
	}{
		{"underwater long", parser.SlabAccount{PositionSize: 100_000_000, EntryPriceE6: 1_000_000, Capital: 10_000_000}, 900_000, true, 4_500_000},
		{"healthy long", parser.SlabAccount{PositionSize: 100_000_000, EntryPriceE6: 1_000_000, Capital: 50_000_000}, 900_000, false, 4_500_000},
		{"underwater short", parser.SlabAccount{PositionSize: -100_000_000, EntryPriceE6: 800_000, Capital: 10_000_000}, 900_000, true, 4_500_000},
		{"exactly at maintenance", parser.SlabAccount{PositionSize: 100_000_000, EntryPriceE6: 900_000, Capital: 4_500_000}, 900_000, false, 4_500_000},
		{"just below maintenance", parser.SlabAccount{PositionSize: 100_000_000, EntryPriceE6: 900_000, Capital: 4_499_999}, 900_000, true, 4_500_000},
		{"no position", parser.SlabAccount{Capital: 0}, 900_000, false, 0},
		{"notional scales with a high price", parser.SlabAccount{PositionSize: 100_000_000, EntryPriceE6: 2_000_000, Capital: 6_000_000}, 2_000_000, true, 10_000_000},
		{"healthy at a high price", parser.SlabAccount{PositionSize: 100_000_000, EntryPriceE6: 2_000_000, Capital: 10_000_000}, 2_000_000, false, 10_000_000},
		{"short at a high price", parser.SlabAccount{PositionSize: -50_000_000, EntryPriceE6: 150_000_000, Capital: 300_000_000}, 150_000_000, true, 375_000_000},
		{"small price keeps a thin account", parser.SlabAccount{PositionSize: 100_000_000, EntryPriceE6: 50_000, Capital: 300_000}, 50_000, false, 250_000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := Evaluate(tt.acct, tt.oracle, 500)
			if h.Maintenance != tt.wantMaint {
				t.Errorf("Maintenance = %d, want %d", h.Maintenance, tt.wantMaint)
			}
			if h.Liquidatable != tt.want {
				t.Errorf("Liquidatable = %v, want %v (equity %d, maintenance %d)", h.Liquidatable, tt.want, h.Equity, h.Maintenance)
			}
		})
	}
}

func TestMaintenance(t *testing.T) {
	tests := []struct {
		size   int64
		oracle uint64
		bps    uint64
		want   uint64
	}{
		{-100_000_000, 2_000_000, 500, 10_000_000},
		{100_000_000, 1_000_000, 500, 5_000_000},
		{3, 333_333, 1, 0},
		{0, 2_000_000, 500, 0},
		{100_000_000, 0, 500, 0},
		{math.MinInt64, math.MaxUint64, 10_000, math.MaxUint64},
	}
	for _, tt := range tests {
		if got := Maintenance(tt.size, tt.oracle, tt.bps); got != tt.want {
			t.Errorf("Maintenance(%d, %d, %d) = %d, want %d", tt.size, tt.oracle, tt.bps, got, tt.want)
		}
	}
}

func key(b byte) solana.PublicKey {
	raw := make([]byte, solana.PublicKeyLength)
	for i := range raw {
		raw[i] = b
	}
	return solana.PublicKeyFromBytes(raw)
}

var market = models.MarketRecord{
	Address:    key(1).String(),
	Program:    key(2).String(),
	Oracle:     key(3).String(),
	OracleMode: models.OracleAuthority,
}

type recordingSteps struct {
	calls   []string
	fees    []uint64
	failAt  string
	failIdx map[uint16]bool
}

func (r *recordingSteps) step(name string, fee uint64) error {
	r.calls = append(r.calls, name)
	r.fees = append(r.fees, fee)
	if name == r.failAt {
		return models.NewNonRetryable(name, models.ErrTxFailed)
	}
	return nil
}

func (r *recordingSteps) PushPrice(_ context.Context, _ models.MarketRecord, fee uint64) error {
	return r.step("push", fee)
}

func (r *recordingSteps) Crank(_ context.Context, _ models.MarketRecord, fee uint64) error {
	return r.step("crank", fee)
}

func (r *recordingSteps) Liquidate(_ context.Context, _ models.MarketRecord, idx uint16, fee uint64) (*tx.Result, error) {
	if err := r.step(fmt.Sprintf("liquidate:%d", idx), fee); err != nil {
		return nil, err
	}
	if r.failIdx[idx] {
		return nil, models.NewNonRetryable("liquidate", models.ErrTxFailed)
	}
	return &tx.Result{Signature: fmt.Sprintf("sig%d", idx)}, nil
}

type fixedFee struct{ calls int }

func (f *fixedFee) EstimateFee(context.Context, []solana.PublicKey) uint64 {
	f.calls++
	return 25_000 + uint64(f.calls)
}

type slabReader struct {
	data        []byte
	invalidated int
}

func (s *slabReader) GetAccountInfo(context.Context, solana.PublicKey) (*rpc.AccountInfo, error) {
	if s.data == nil {
		return nil, models.NewRetryable("getAccountInfo", errors.New("timeout"))
	}
	return &rpc.AccountInfo{Data: s.data}, nil
}

func (s *slabReader) Invalidate(solana.PublicKey) { s.invalidated++ }

type marketList []models.MarketRecord

func (m marketList) List() []models.MarketRecord { return m }

func testSlab() []byte {
	return parser.EncodeSlab(parser.SlabHeader{
		OracleMode:           models.OracleAuthority,
		MaintenanceMarginBps: 500,
		LastEffectivePriceE6: 900_000,
		MaxAccounts:          8,
	}, []parser.SlabAccount{
		{Index: 0, Kind: parser.AccountUser, Owner: key(10), PositionSize: 100_000_000, EntryPriceE6: 1_000_000, Capital: 10_000_000},
		{Index: 1, Kind: parser.AccountUser, Owner: key(11), PositionSize: 100_000_000, EntryPriceE6: 1_000_000, Capital: 50_000_000},
		{Index: 5, Kind: parser.AccountUser, Owner: key(12), PositionSize: -100_000_000, EntryPriceE6: 800_000, Capital: 10_000_000},
		{Index: 6, Kind: parser.AccountLP, Owner: key(13), Capital: 1_000_000},
	})
}

func TestScanOnceLiquidatesInOrder(t *testing.T) {
	steps := &recordingSteps{}
	fees := &fixedFee{}
	reader := &slabReader{data: testSlab()}
	bus := events.NewBus(nil)
	var executed []events.Event
	bus.Subscribe(events.LiquidationExecuted, func(e events.Event) { executed = append(executed, e) })

	s := NewScanner(ScannerConfig{Markets: marketList{market}, Reader: reader, Fees: fees, Steps: steps, Bus: bus})
	if n := s.ScanOnce(context.Background()); n != 2 {
		t.Fatalf("ScanOnce() liquidated %d, want 2", n)
	}

	want := []string{"push", "crank", "liquidate:0", "liquidate:5"}
	if fmt.Sprint(steps.calls) != fmt.Sprint(want) {
		t.Errorf("calls = %v, want %v", steps.calls, want)
	}
	if fees.calls != 1 {
		t.Errorf("fee estimated %d times, want once per run", fees.calls)
	}
	for i, fee := range steps.fees {
		if fee != steps.fees[0] {
			t.Errorf("step %d used fee %d, want shared %d", i, fee, steps.fees[0])
		}
	}
	if reader.invalidated != 1 {
		t.Error("scan must bypass the read cache")
	}
	if len(executed) != 2 || executed[0].Payload["run_id"] != executed[1].Payload["run_id"] {
		t.Errorf("executed events = %v", executed)
	}
}

func TestExecuteAborts(t *testing.T) {
	targets := []models.AccountHealth{{Index: 0, Liquidatable: true}, {Index: 5, Liquidatable: true}}
	tests := []struct {
		failAt string
		want   []string
	}{
		{"push", []string{"push"}},
		{"crank", []string{"push", "crank"}},
	}
	for _, tt := range tests {
		t.Run(tt.failAt, func(t *testing.T) {
			steps := &recordingSteps{failAt: tt.failAt}
			bus := events.NewBus(nil)
			var aborted []events.Event
			bus.Subscribe(events.LiquidationAborted, func(e events.Event) { aborted = append(aborted, e) })

			s := NewScanner(ScannerConfig{Fees: &fixedFee{}, Steps: steps, Bus: bus})
			n, err := s.Execute(context.Background(), market, targets)
			if err == nil || n != 0 {
				t.Fatalf("Execute() = %d, %v, want abort", n, err)
			}
			if fmt.Sprint(steps.calls) != fmt.Sprint(tt.want) {
				t.Errorf("calls = %v, want %v", steps.calls, tt.want)
			}
			if len(aborted) != 1 || aborted[0].Payload["stage"] != tt.failAt {
				t.Errorf("aborted events = %v", aborted)
			}
		})
	}
}

func TestExecuteContinuesPastFailedTarget(t *testing.T) {
	steps := &recordingSteps{failIdx: map[uint16]bool{0: true}}
	s := NewScanner(ScannerConfig{Fees: &fixedFee{}, Steps: steps})
	n, err := s.Execute(context.Background(), market, []models.AccountHealth{{Index: 0}, {Index: 5}})
	if n != 1 || err == nil {
		t.Errorf("Execute() = %d, %v, want 1 and the failure", n, err)
	}
}

func TestScanOnceSurvivesReadFailure(t *testing.T) {
	steps := &recordingSteps{}
	s := NewScanner(ScannerConfig{Markets: marketList{market}, Reader: &slabReader{}, Fees: &fixedFee{}, Steps: steps})
	if n := s.ScanOnce(context.Background()); n != 0 || len(steps.calls) != 0 {
		t.Errorf("ScanOnce() = %d with calls %v", n, steps.calls)
	}
}

func TestLiquidateInstruction(t *testing.T) {
	ix, err := liquidateInstruction(market, key(9), 5)
	if err != nil {
		t.Fatal(err)
	}
	if ix.Data[0] != percolator.TagLiquidateAtOracle || ix.Data[1] != 5 || ix.Data[2] != 0 {
		t.Errorf("data = %v", ix.Data)
	}
	if !ix.Accounts[0].PublicKey.Equals(key(9)) || !ix.Accounts[0].IsSigner {
		t.Errorf("caller meta = %+v", ix.Accounts[0])
	}
}

func TestPushPriceSkipsNativeMarkets(t *testing.T) {
	l := NewLedgerSteps(nil, nil, nil, key(9))
	native := market
	native.OracleMode = models.OracleNative
	if err := l.PushPrice(context.Background(), native, 1); err != nil {
		t.Errorf("PushPrice() = %v", err)
	}
	if err := l.PushPrice(context.Background(), market, 1); err == nil {
		t.Error("authority market without a price service must fail")
	}
}
