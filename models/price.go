package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceSample is one observation from one price source.
type PriceSample struct {
	Source     string
	Price      decimal.Decimal
	ObservedAt time.Time
}

// CrossValidatedPrice is the price agreed by a cluster of at least two
// sources.
type CrossValidatedPrice struct {
	Price      decimal.Decimal
	PriceE6    uint64
	ObservedAt time.Time
	Sources    []string
	Rejected   []string
}

// AssetRef identifies one underlying asset per price source, keyed by source
// name (e.g. "binance" -> "SOLUSDT").
type AssetRef struct {
	Symbol string
	IDs    map[string]string
}

func (a AssetRef) ID(source string) string {
	return a.IDs[source]
}
