package types

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

const (
	EVENT_LOG1 = "Log1"
	EVENT_LOG2 = "Log2"
	EVENT_LOGN = "LogN"

	NO_PROOF = "0x00"
)

var ALL_EVENTS = []string{EVENT_LOG1, EVENT_LOG2, EVENT_LOGN}

// DecodedRequest is the canonical form of a Log1, Log2 or LogN connector event.
type DecodedRequest struct {
	EventName         string
	ContractRequestID string // 0x prefixed bytes32
	Sender            common.Address
	Datasource        string
	// Formula is a string for Log1, a two element []string for Log2 and a
	// []any decoded from CBOR for LogN.
	Formula        any
	Timestamp      int64
	GasLimit       uint64
	GasPrice       *big.Int
	ProofType      string // 0x prefixed single byte
	BlockTimestamp uint64

	Connector   common.Address
	TxHash      common.Hash
	BlockHash   common.Hash
	BlockNumber uint64
	LogIndex    uint
}

// HasProof reports whether the requester asked for an authenticity proof.
func HasProof(proofType string) bool {
	return NormalizeProofType(proofType) != NO_PROOF
}

// ProofTypeInt returns the numeric proof type sent to the oracle.
func ProofTypeInt(proofType string) int {
	b := common.FromHex(NormalizeProofType(proofType))
	if len(b) == 0 {
		return 0
	}
	return int(b[len(b)-1])
}

// NormalizeProofType returns the proof type as a 0x prefixed hex byte.
func NormalizeProofType(proofType string) string {
	if proofType == "" {
		return NO_PROOF
	}
	b := common.FromHex(proofType)
	if len(b) == 0 {
		return NO_PROOF
	}
	return "0x" + common.Bytes2Hex(b[len(b)-1:])
}

// Instance identifies the deployment a record belongs to. Several bridges may
// share one store, each filtering on its own OAR and callback address.
type Instance struct {
	OAR          common.Address
	Connector    common.Address
	CallbackFrom common.Address
}
