package events

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
)

func TestBusDeliversInOrderIncludingWildcard(t *testing.T) {
	bus := NewBus(nil)
	var got []string
	bus.Subscribe(CrankSucceeded, func(e Event) { got = append(got, "named1:"+e.Subject) })
	bus.Subscribe(Wildcard, func(e Event) { got = append(got, "wild:"+e.Name) })
	bus.Subscribe(CrankSucceeded, func(e Event) { got = append(got, "named2:"+e.Subject) })
	bus.Subscribe(OraclePushed, func(e Event) { got = append(got, "oracle:"+e.Subject) })

	bus.Emit(CrankSucceeded, "m1", nil)
	bus.Emit(MarketEvicted, "m2", nil)

	want := []string{"named1:m1", "named2:m1", "wild:crank.succeeded", "wild:market.evicted"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("delivery = %v, expected %v", got, want)
	}
}

func TestBusPanickingHandlerDoesNotStopDelivery(t *testing.T) {
	bus := NewBus(nil)
	delivered := false
	bus.Subscribe(AlertFired, func(Event) { panic("boom") })
	bus.Subscribe(AlertFired, func(Event) { delivered = true })
	bus.Emit(AlertFired, "op", nil)
	if !delivered {
		t.Error("handler after a panicking one was skipped")
	}
}

func TestPublishFillsIdentity(t *testing.T) {
	bus := NewBus(nil)
	var got Event
	bus.Subscribe(Wildcard, func(e Event) { got = e })
	bus.Publish(Event{Name: MarketDiscovered, Subject: "m"})
	if got.ID.String() == "00000000-0000-0000-0000-000000000000" || got.At.IsZero() {
		t.Errorf("published event missing id or time: %+v", got)
	}

	var nilBus *Bus
	nilBus.Publish(Event{Name: MarketDiscovered})
}

type fakePublisher struct {
	subjects []string
	data     [][]byte
	err      error
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	f.subjects = append(f.subjects, subject)
	f.data = append(f.data, data)
	return f.err
}

func TestNATSForwarder(t *testing.T) {
	pub := &fakePublisher{}
	bus := NewBus(nil)
	NewNATSForwarder(pub, "perc", nil).Attach(bus)

	bus.Emit(LiquidationExecuted, "slab1", map[string]interface{}{"index": 3})
	if len(pub.subjects) != 1 || pub.subjects[0] != "perc.liquidation.executed" {
		t.Fatalf("subjects = %v", pub.subjects)
	}
	var e Event
	if err := json.Unmarshal(pub.data[0], &e); err != nil {
		t.Fatal(err)
	}
	if e.Name != LiquidationExecuted || e.Subject != "slab1" || e.Payload["index"] != float64(3) {
		t.Errorf("forwarded %+v", e)
	}

	pub.err = errors.New("disconnected")
	bus.Emit(CrankFailed, "slab1", nil)
	if len(pub.subjects) != 2 {
		t.Error("publish failure should not stop forwarding")
	}
}
