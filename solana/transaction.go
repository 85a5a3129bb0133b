package solana

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

// MaxTransactionSize is the largest serialized transaction the network
// accepts (IPv6 MTU minus headers).
const MaxTransactionSize = 1232

const SignatureLength = 64

type Signature [SignatureLength]byte

func (s Signature) String() string {
	return base58.Encode(s[:])
}

// AccountMeta is one entry of an instruction's account list. The order of an
// instruction's metas is part of the program's wire contract.
type AccountMeta struct {
	PublicKey  PublicKey
	IsSigner   bool
	IsWritable bool
}

func Meta(pk PublicKey, signer, writable bool) AccountMeta {
	return AccountMeta{PublicKey: pk, IsSigner: signer, IsWritable: writable}
}

type Instruction struct {
	ProgramID PublicKey
	Accounts  []AccountMeta
	Data      []byte
}

type MessageHeader struct {
	NumRequiredSignatures       uint8
	NumReadonlySignedAccounts   uint8
	NumReadonlyUnsignedAccounts uint8
}

type CompiledInstruction struct {
	ProgramIDIndex uint8
	Accounts       []uint8
	Data           []byte
}

// Message is a legacy (unversioned) transaction message.
type Message struct {
	Header          MessageHeader
	AccountKeys     []PublicKey
	RecentBlockhash Hash
	Instructions    []CompiledInstruction
}

// NewMessage compiles instructions into a legacy message with payer as the
// first (fee paying) signer.
func NewMessage(payer PublicKey, instructions []Instruction, blockhash Hash) (*Message, error) {
	type entry struct {
		key      PublicKey
		signer   bool
		writable bool
	}
	var order []PublicKey
	entries := make(map[PublicKey]*entry)
	add := func(pk PublicKey, signer, writable bool) {
		e, ok := entries[pk]
		if !ok {
			e = &entry{key: pk}
			entries[pk] = e
			order = append(order, pk)
		}
		e.signer = e.signer || signer
		e.writable = e.writable || writable
	}

	add(payer, true, true)
	for _, ix := range instructions {
		for _, m := range ix.Accounts {
			add(m.PublicKey, m.IsSigner, m.IsWritable)
		}
		add(ix.ProgramID, false, false)
	}

	var ws, rs, wu, ru []PublicKey
	for _, pk := range order {
		e := entries[pk]
		switch {
		case e.signer && e.writable:
			ws = append(ws, pk)
		case e.signer:
			rs = append(rs, pk)
		case e.writable:
			wu = append(wu, pk)
		default:
			ru = append(ru, pk)
		}
	}
	keys := make([]PublicKey, 0, len(order))
	keys = append(keys, ws...)
	keys = append(keys, rs...)
	keys = append(keys, wu...)
	keys = append(keys, ru...)
	if len(keys) > 256 {
		return nil, fmt.Errorf("too many accounts: %d", len(keys))
	}

	index := make(map[PublicKey]uint8, len(keys))
	for i, pk := range keys {
		index[pk] = uint8(i)
	}

	msg := &Message{
		Header: MessageHeader{
			NumRequiredSignatures:       uint8(len(ws) + len(rs)),
			NumReadonlySignedAccounts:   uint8(len(rs)),
			NumReadonlyUnsignedAccounts: uint8(len(ru)),
		},
		AccountKeys:     keys,
		RecentBlockhash: blockhash,
	}
	for _, ix := range instructions {
		ci := CompiledInstruction{
			ProgramIDIndex: index[ix.ProgramID],
			Data:           ix.Data,
		}
		for _, m := range ix.Accounts {
			ci.Accounts = append(ci.Accounts, index[m.PublicKey])
		}
		msg.Instructions = append(msg.Instructions, ci)
	}
	return msg, nil
}

// Signers returns the keys that must sign the message, in order.
func (m *Message) Signers() []PublicKey {
	return m.AccountKeys[:m.Header.NumRequiredSignatures]
}

func (m *Message) Serialize() []byte {
	var buf bytes.Buffer
	buf.WriteByte(m.Header.NumRequiredSignatures)
	buf.WriteByte(m.Header.NumReadonlySignedAccounts)
	buf.WriteByte(m.Header.NumReadonlyUnsignedAccounts)
	buf.Write(EncodeCompactU16(len(m.AccountKeys)))
	for _, k := range m.AccountKeys {
		buf.Write(k[:])
	}
	buf.Write(m.RecentBlockhash[:])
	buf.Write(EncodeCompactU16(len(m.Instructions)))
	for _, ix := range m.Instructions {
		buf.WriteByte(ix.ProgramIDIndex)
		buf.Write(EncodeCompactU16(len(ix.Accounts)))
		buf.Write(ix.Accounts)
		buf.Write(EncodeCompactU16(len(ix.Data)))
		buf.Write(ix.Data)
	}
	return buf.Bytes()
}

type Transaction struct {
	Signatures []Signature
	Message    *Message
}

// NewTransaction compiles and signs a transaction. Every required signer must
// be present in keys.
func NewTransaction(payer ed25519.PrivateKey, instructions []Instruction, blockhash Hash, extra ...ed25519.PrivateKey) (*Transaction, error) {
	payerKey := PublicKeyFromBytes(payer.Public().(ed25519.PublicKey))
	msg, err := NewMessage(payerKey, instructions, blockhash)
	if err != nil {
		return nil, err
	}
	tx := &Transaction{Message: msg}
	if err := tx.Sign(append([]ed25519.PrivateKey{payer}, extra...)...); err != nil {
		return nil, err
	}
	return tx, nil
}

func (tx *Transaction) Sign(keys ...ed25519.PrivateKey) error {
	byKey := make(map[PublicKey]ed25519.PrivateKey, len(keys))
	for _, k := range keys {
		byKey[PublicKeyFromBytes(k.Public().(ed25519.PublicKey))] = k
	}
	payload := tx.Message.Serialize()
	signers := tx.Message.Signers()
	tx.Signatures = make([]Signature, len(signers))
	for i, pk := range signers {
		k, ok := byKey[pk]
		if !ok {
			return fmt.Errorf("missing signer %s", pk)
		}
		copy(tx.Signatures[i][:], ed25519.Sign(k, payload))
	}
	return nil
}

func (tx *Transaction) Serialize() []byte {
	var buf bytes.Buffer
	buf.Write(EncodeCompactU16(len(tx.Signatures)))
	for _, s := range tx.Signatures {
		buf.Write(s[:])
	}
	buf.Write(tx.Message.Serialize())
	return buf.Bytes()
}

// ID is the transaction's identity on the ledger: its first signature.
func (tx *Transaction) ID() string {
	if len(tx.Signatures) == 0 {
		return ""
	}
	return tx.Signatures[0].String()
}

// EncodeCompactU16 encodes n in Solana's short-vec format.
func EncodeCompactU16(n int) []byte {
	var out []byte
	v := uint16(n)
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

// DecodeCompactU16 returns the value and the number of bytes consumed.
func DecodeCompactU16(b []byte) (int, int, error) {
	v := 0
	for i := 0; i < 3; i++ {
		if i >= len(b) {
			return 0, 0, errors.New("short compact-u16")
		}
		v |= int(b[i]&0x7f) << (7 * i)
		if b[i]&0x80 == 0 {
			return v, i + 1, nil
		}
	}
	return 0, 0, errors.New("compact-u16 overflow")
}
