package models

import "time"

// Cadence is the crank frequency class of a market.
type Cadence string

const (
	CadenceActive Cadence = "active"
	CadenceIdle   Cadence = "idle"
)

// OracleMode says where a market gets its price from.
type OracleMode uint8

const (
	OracleNative    OracleMode = 0
	OracleAuthority OracleMode = 1
)

func (m OracleMode) String() string {
	if m == OracleAuthority {
		return "authority"
	}
	return "native"
}

// MarketRecord is the registry's view of one discovered market. It is handed
// out by value.
type MarketRecord struct {
	Address        string
	Program        string
	Oracle         string
	OracleMode     OracleMode
	Misses         int
	LastSeen       time.Time
	Cadence        Cadence
	LastCrankSlot  uint64
	LastTradeSlot  uint64
	DiscoveredAt   time.Time
	MaintenanceBps uint64
}
