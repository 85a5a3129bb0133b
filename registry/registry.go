// Package registry discovers perp markets, tracks their crank cadence and
// cranks them on a per-cadence timer.
package registry

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/PhotizoAi/percolator-launch-sub002/events"
	"github.com/PhotizoAi/percolator-launch-sub002/metrics"
	"github.com/PhotizoAi/percolator-launch-sub002/models"
	"github.com/PhotizoAi/percolator-launch-sub002/parser"
)

const (
	DefaultMaxMisses    = 3
	DefaultActiveWindow = 300
)

// Sighting is one market found by a discovery pass.
type Sighting struct {
	Address string
	Program string
	Header  *parser.SlabHeader
	// Extra is merged into the market.discovered payload.
	Extra map[string]interface{}
}

// PassResult summarizes one applied discovery pass.
type PassResult struct {
	Added   []string
	Evicted []string
	Changed []string
	Tracked int
}

// Registry is the set of known markets. Records are handed out by value.
type Registry struct {
	mu           sync.RWMutex
	markets      map[string]*models.MarketRecord
	maxMisses    int
	activeWindow uint64

	bus     *events.Bus
	metrics *metrics.Metrics
	logger  *zap.SugaredLogger
	now     func() time.Time
}

func New(maxMisses int, activeWindow uint64, bus *events.Bus, m *metrics.Metrics, logger *zap.SugaredLogger) *Registry {
	if maxMisses <= 0 {
		maxMisses = DefaultMaxMisses
	}
	if activeWindow == 0 {
		activeWindow = DefaultActiveWindow
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Registry{
		markets:      make(map[string]*models.MarketRecord),
		maxMisses:    maxMisses,
		activeWindow: activeWindow,
		bus:          bus,
		metrics:      m,
		logger:       logger,
		now:          time.Now,
	}
}

// CadenceFor classifies a market as active when it traded within the active
// window of slot.
func (r *Registry) CadenceFor(lastTradeSlot, slot uint64) models.Cadence {
	if lastTradeSlot >= slot || slot-lastTradeSlot <= r.activeWindow {
		return models.CadenceActive
	}
	return models.CadenceIdle
}

// Apply folds one discovery pass into the registry. scanned lists the
// programs whose accounts were listed successfully; markets of any other
// program keep their miss counter so an RPC outage never evicts them.
func (r *Registry) Apply(found []Sighting, scanned []string, slot uint64) PassResult {
	now := r.now()
	ok := make(map[string]bool, len(scanned))
	for _, p := range scanned {
		ok[p] = true
	}
	seen := make(map[string]bool, len(found))

	var (
		res     PassResult
		pending []events.Event
	)

	r.mu.Lock()
	for _, s := range found {
		seen[s.Address] = true
		rec, exists := r.markets[s.Address]
		if !exists {
			rec = &models.MarketRecord{Address: s.Address, Program: s.Program, DiscoveredAt: now}
			r.markets[s.Address] = rec
		}
		rec.Misses = 0
		rec.LastSeen = now
		if s.Header != nil {
			rec.Oracle = s.Header.Oracle.String()
			rec.OracleMode = s.Header.OracleMode
			rec.LastTradeSlot = s.Header.LastTradeSlot
			rec.MaintenanceBps = s.Header.MaintenanceMarginBps
			if s.Header.LastCrankSlot > rec.LastCrankSlot {
				rec.LastCrankSlot = s.Header.LastCrankSlot
			}
		}
		cadence := r.CadenceFor(rec.LastTradeSlot, slot)

		switch {
		case !exists:
			rec.Cadence = cadence
			res.Added = append(res.Added, s.Address)
			payload := map[string]interface{}{
				"program":     rec.Program,
				"cadence":     string(cadence),
				"oracle_mode": rec.OracleMode.String(),
			}
			for k, v := range s.Extra {
				payload[k] = v
			}
			pending = append(pending, events.New(events.MarketDiscovered, s.Address, payload))
		case rec.Cadence != cadence:
			pending = append(pending, events.New(events.MarketCadenceChanged, s.Address, map[string]interface{}{
				"from": string(rec.Cadence),
				"to":   string(cadence),
			}))
			rec.Cadence = cadence
			res.Changed = append(res.Changed, s.Address)
		}
	}

	for addr, rec := range r.markets {
		if seen[addr] || !ok[rec.Program] {
			continue
		}
		rec.Misses++
		if rec.Misses >= r.maxMisses {
			delete(r.markets, addr)
			res.Evicted = append(res.Evicted, addr)
			pending = append(pending, events.New(events.MarketEvicted, addr, map[string]interface{}{
				"program": rec.Program,
				"misses":  rec.Misses,
			}))
		}
	}
	res.Tracked = len(r.markets)
	active, idle := r.countLocked()
	r.mu.Unlock()

	r.metrics.SetMarkets(string(models.CadenceActive), active)
	r.metrics.SetMarkets(string(models.CadenceIdle), idle)
	for _, e := range pending {
		r.bus.Publish(e)
	}
	if len(res.Added)+len(res.Evicted)+len(res.Changed) > 0 {
		r.logger.Infow("Registry updated",
			"added", len(res.Added),
			"evicted", len(res.Evicted),
			"cadence_changed", len(res.Changed),
			"tracked", res.Tracked)
	}
	return res
}

func (r *Registry) countLocked() (active, idle int) {
	for _, rec := range r.markets {
		if rec.Cadence == models.CadenceActive {
			active++
		} else {
			idle++
		}
	}
	return active, idle
}

func (r *Registry) Get(address string) (models.MarketRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.markets[address]
	if !ok {
		return models.MarketRecord{}, false
	}
	return *rec, true
}

// List returns every market sorted by address.
func (r *Registry) List() []models.MarketRecord {
	return r.filter(func(*models.MarketRecord) bool { return true })
}

// ByCadence returns the markets of one cadence class sorted by address.
func (r *Registry) ByCadence(c models.Cadence) []models.MarketRecord {
	return r.filter(func(rec *models.MarketRecord) bool { return rec.Cadence == c })
}

func (r *Registry) filter(keep func(*models.MarketRecord) bool) []models.MarketRecord {
	r.mu.RLock()
	out := make([]models.MarketRecord, 0, len(r.markets))
	for _, rec := range r.markets {
		if keep(rec) {
			out = append(out, *rec)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.markets)
}

// MarkCranked records the slot of a confirmed crank.
func (r *Registry) MarkCranked(address string, slot uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.markets[address]; ok && slot > rec.LastCrankSlot {
		rec.LastCrankSlot = slot
	}
}
