package parser

import (
	"encoding/binary"
	"fmt"

	"github.com/PhotizoAi/percolator-launch-sub002/models"
	"github.com/PhotizoAi/percolator-launch-sub002/solana"
)

// record reads little-endian fields at fixed offsets of an account buffer.
// Callers check the length once with need before reading.
type record []byte

func need(kind string, data []byte, n int) error {
	if len(data) < n {
		return models.NewNonRetryable("parse "+kind, fmt.Errorf("%w: need %d bytes, have %d", models.ErrShortAccountData, n, len(data)))
	}
	return nil
}

func (r record) u8(off int) uint8 {
	return r[off]
}

func (r record) u16(off int) uint16 {
	return binary.LittleEndian.Uint16(r[off:])
}

func (r record) u32(off int) uint32 {
	return binary.LittleEndian.Uint32(r[off:])
}

func (r record) u64(off int) uint64 {
	return binary.LittleEndian.Uint64(r[off:])
}

func (r record) i64(off int) int64 {
	return int64(binary.LittleEndian.Uint64(r[off:]))
}

func (r record) pubkey(off int) solana.PublicKey {
	return solana.PublicKeyFromBytes(r[off : off+solana.PublicKeyLength])
}

// writer is the encoding counterpart of record.
type writer []byte

func (w writer) u8(off int, v uint8) {
	w[off] = v
}

func (w writer) u16(off int, v uint16) {
	binary.LittleEndian.PutUint16(w[off:], v)
}

func (w writer) u32(off int, v uint32) {
	binary.LittleEndian.PutUint32(w[off:], v)
}

func (w writer) u64(off int, v uint64) {
	binary.LittleEndian.PutUint64(w[off:], v)
}

func (w writer) i64(off int, v int64) {
	binary.LittleEndian.PutUint64(w[off:], uint64(v))
}

func (w writer) pubkey(off int, pk solana.PublicKey) {
	copy(w[off:off+solana.PublicKeyLength], pk[:])
}

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
