package models

// AccountHealth is the mark-to-market view of one slab account, recomputed on
// every scan.
type AccountHealth struct {
	Index         uint16
	Owner         string
	PositionSize  int64
	EntryPriceE6  uint64
	Capital       uint64
	PnL           int64
	Equity        int64
	Maintenance   uint64
	Liquidatable  bool
	OraclePriceE6 uint64
}
