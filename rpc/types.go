package rpc

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/PhotizoAi/percolator-launch-sub002/solana"
)

// AccountInfo is a decoded account snapshot.
type AccountInfo struct {
	Data       []byte
	Owner      solana.PublicKey
	Lamports   uint64
	Executable bool
	Slot       uint64
}

// KeyedAccount pairs an account snapshot with its address.
type KeyedAccount struct {
	Address solana.PublicKey
	Account AccountInfo
}

// Memcmp matches Bytes at Offset of the account data.
type Memcmp struct {
	Offset uint64
	Bytes  []byte
}

// Filter narrows getProgramAccounts. Exactly one field should be set.
type Filter struct {
	Memcmp   *Memcmp
	DataSize uint64
}

func (f Filter) MarshalJSON() ([]byte, error) {
	if f.Memcmp != nil {
		return json.Marshal(map[string]interface{}{
			"memcmp": map[string]interface{}{
				"offset":   f.Memcmp.Offset,
				"bytes":    base64.StdEncoding.EncodeToString(f.Memcmp.Bytes),
				"encoding": "base64",
			},
		})
	}
	return json.Marshal(map[string]uint64{"dataSize": f.DataSize})
}

func (f Filter) key() string {
	if f.Memcmp != nil {
		return fmt.Sprintf("m%d:%x", f.Memcmp.Offset, f.Memcmp.Bytes)
	}
	return fmt.Sprintf("s%d", f.DataSize)
}

// SignatureStatus is the polled state of a submitted transaction.
type SignatureStatus struct {
	Slot               uint64          `json:"slot"`
	Confirmations      *uint64         `json:"confirmations"`
	Err                json.RawMessage `json:"err"`
	ConfirmationStatus string          `json:"confirmationStatus"`
}

// Failed reports whether the transaction landed with an instruction error.
func (s *SignatureStatus) Failed() bool {
	return len(s.Err) > 0 && string(s.Err) != "null"
}

// SimulationResult is the outcome of a dry run.
type SimulationResult struct {
	Err           json.RawMessage `json:"err"`
	Logs          []string        `json:"logs"`
	UnitsConsumed uint64          `json:"unitsConsumed"`
}

func (s *SimulationResult) Failed() bool {
	return len(s.Err) > 0 && string(s.Err) != "null"
}

// wire shapes

type rpcContext struct {
	Slot uint64 `json:"slot"`
}

type rpcAccount struct {
	Data       []string `json:"data"`
	Owner      string   `json:"owner"`
	Lamports   uint64   `json:"lamports"`
	Executable bool     `json:"executable"`
}

func (a *rpcAccount) decode(slot uint64) (AccountInfo, error) {
	if len(a.Data) < 1 {
		return AccountInfo{}, fmt.Errorf("account data missing")
	}
	data, err := base64.StdEncoding.DecodeString(a.Data[0])
	if err != nil {
		return AccountInfo{}, fmt.Errorf("failed to decode account data: %w", err)
	}
	owner, err := solana.PublicKeyFromBase58(a.Owner)
	if err != nil {
		return AccountInfo{}, err
	}
	return AccountInfo{Data: data, Owner: owner, Lamports: a.Lamports, Executable: a.Executable, Slot: slot}, nil
}

type accountInfoResult struct {
	Context rpcContext  `json:"context"`
	Value   *rpcAccount `json:"value"`
}

type multipleAccountsResult struct {
	Context rpcContext    `json:"context"`
	Value   []*rpcAccount `json:"value"`
}

type programAccount struct {
	Pubkey  string     `json:"pubkey"`
	Account rpcAccount `json:"account"`
}

type prioritizationFee struct {
	Slot              uint64 `json:"slot"`
	PrioritizationFee uint64 `json:"prioritizationFee"`
}

type blockhashResult struct {
	Context rpcContext `json:"context"`
	Value   struct {
		Blockhash            string `json:"blockhash"`
		LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
	} `json:"value"`
}

type signatureStatusesResult struct {
	Context rpcContext         `json:"context"`
	Value   []*SignatureStatus `json:"value"`
}

type simulateResult struct {
	Context rpcContext       `json:"context"`
	Value   SimulationResult `json:"value"`
}
