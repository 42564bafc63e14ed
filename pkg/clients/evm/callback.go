package evm

import (
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/scalarorg/oracle-bridge/pkg/types"
)

var (
	// __callback(bytes32,string)
	CallbackSelector = common.FromHex("0x27DC297E")
	// __callback(bytes32,string,bytes)
	CallbackWithProofSelector = common.FromHex("0x38BBFA50")

	callbackArgs          abi.Arguments
	callbackWithProofArgs abi.Arguments
)

func init() {
	bytes32Type, _ := abi.NewType("bytes32", "", nil)
	stringType, _ := abi.NewType("string", "", nil)
	bytesType, _ := abi.NewType("bytes", "", nil)
	callbackArgs = abi.Arguments{{Type: bytes32Type}, {Type: stringType}}
	callbackWithProofArgs = abi.Arguments{{Type: bytes32Type}, {Type: stringType}, {Type: bytesType}}
}

// CallbackData encodes the __callback call for a request. The proof overload
// is used whenever the request asked for a proof.
func CallbackData(contractRequestID string, result []byte, proof []byte, proofType string) ([]byte, error) {
	idBytes := common.FromHex(contractRequestID)
	if len(idBytes) != 32 {
		return nil, fmt.Errorf("invalid contract request id %s", contractRequestID)
	}
	var id [32]byte
	copy(id[:], idBytes)
	if !types.HasProof(proofType) {
		packed, err := callbackArgs.Pack(id, string(result))
		if err != nil {
			return nil, fmt.Errorf("failed to pack callback: %w", err)
		}
		return append(append([]byte{}, CallbackSelector...), packed...), nil
	}
	if proof == nil {
		proof = []byte{}
	}
	packed, err := callbackWithProofArgs.Pack(id, string(result), proof)
	if err != nil {
		return nil, fmt.Errorf("failed to pack callback with proof: %w", err)
	}
	return append(append([]byte{}, CallbackWithProofSelector...), packed...), nil
}

// DecodeCallbackData is the inverse of CallbackData.
func DecodeCallbackData(data []byte) (id [32]byte, result string, proof []byte, err error) {
	if len(data) < 4 {
		return id, "", nil, fmt.Errorf("callback data too short")
	}
	var values []any
	switch common.Bytes2Hex(data[:4]) {
	case common.Bytes2Hex(CallbackSelector):
		values, err = callbackArgs.Unpack(data[4:])
	case common.Bytes2Hex(CallbackWithProofSelector):
		values, err = callbackWithProofArgs.Unpack(data[4:])
	default:
		return id, "", nil, fmt.Errorf("unknown callback selector 0x%x", data[:4])
	}
	if err != nil {
		return id, "", nil, fmt.Errorf("failed to unpack callback: %w", err)
	}
	id = values[0].([32]byte)
	result = values[1].(string)
	if len(values) > 2 {
		proof = values[2].([]byte)
	}
	return id, result, proof, nil
}
