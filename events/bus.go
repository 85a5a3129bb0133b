// Package events carries keeper lifecycle notifications between components.
package events

import (
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event names.
const (
	MarketDiscovered     = "market.discovered"
	MarketEvicted        = "market.evicted"
	MarketCadenceChanged = "market.cadence_changed"
	CrankSucceeded       = "crank.succeeded"
	CrankFailed          = "crank.failed"
	OraclePushed         = "oracle.pushed"
	OracleWithheld       = "oracle.withheld"
	LiquidationExecuted  = "liquidation.executed"
	LiquidationAborted   = "liquidation.aborted"
	AlertFired           = "alert.fired"
	AlertRecovered       = "alert.recovered"
)

// Wildcard subscribes to every event.
const Wildcard = "*"

// Event is one notification. Subject identifies what it is about, usually a
// market address or an operation name.
type Event struct {
	ID      uuid.UUID              `json:"id"`
	Name    string                 `json:"name"`
	Subject string                 `json:"subject"`
	Payload map[string]interface{} `json:"payload,omitempty"`
	At      time.Time              `json:"at"`
}

func New(name, subject string, payload map[string]interface{}) Event {
	return Event{
		ID:      uuid.New(),
		Name:    name,
		Subject: subject,
		Payload: payload,
		At:      time.Now().UTC(),
	}
}

type Handler func(Event)

// Bus delivers events synchronously, in publish order, to handlers registered
// for the event's name and then to wildcard handlers. Delivery is not retried;
// a panicking handler is logged and skipped.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]Handler
	logger *zap.SugaredLogger
}

func NewBus(logger *zap.SugaredLogger) *Bus {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Bus{subs: make(map[string][]Handler), logger: logger}
}

// Subscribe registers h for name, or for everything when name is Wildcard.
func (b *Bus) Subscribe(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[name] = append(b.subs[name], h)
}

// Publish delivers e. A nil Bus drops the event.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[e.Name])+len(b.subs[Wildcard]))
	handlers = append(handlers, b.subs[e.Name]...)
	if e.Name != Wildcard {
		handlers = append(handlers, b.subs[Wildcard]...)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(h, e)
	}
}

// Emit builds and publishes an event in one call.
func (b *Bus) Emit(name, subject string, payload map[string]interface{}) {
	b.Publish(New(name, subject, payload))
}

func (b *Bus) deliver(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Errorw("Event handler panicked",
				"event", e.Name,
				"subject", e.Subject,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
		}
	}()
	h(e)
}
