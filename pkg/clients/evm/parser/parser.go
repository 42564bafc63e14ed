package parser

import (
	"context"
	"fmt"
	"math/big"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/common"
	eth_types "github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog/log"
	bridgeErrors "github.com/scalarorg/oracle-bridge/pkg/errors"
	"github.com/scalarorg/oracle-bridge/pkg/types"
)

type HeaderReader interface {
	HeaderByHash(ctx context.Context, hash common.Hash) (*eth_types.Header, error)
}

// EventTopics returns topic0 of every connector request event.
func EventTopics() []common.Hash {
	topics := make([]common.Hash, 0, len(types.ALL_EVENTS))
	for _, name := range types.ALL_EVENTS {
		topics = append(topics, connectorAbi.Events[name].ID)
	}
	return topics
}

// Decode turns a raw connector log into a DecodedRequest. The block timestamp
// is resolved through headers when it is not nil.
func Decode(ctx context.Context, receiptLog *eth_types.Log, headers HeaderReader) (*types.DecodedRequest, error) {
	if receiptLog == nil || len(receiptLog.Topics) == 0 {
		return nil, bridgeErrors.Malformed("Decode", "log has no topics")
	}
	event, err := connectorAbi.EventByID(receiptLog.Topics[0])
	if err != nil {
		return nil, bridgeErrors.Malformed("Decode", "unknown event topic %s", receiptLog.Topics[0].Hex())
	}
	values := map[string]any{}
	if err := connectorAbi.UnpackIntoMap(values, event.Name, receiptLog.Data); err != nil {
		return nil, bridgeErrors.Wrap(bridgeErrors.KindMalformedEvent, "Decode", err, "failed to unpack "+event.Name)
	}
	request := &types.DecodedRequest{
		EventName:   event.Name,
		Connector:   receiptLog.Address,
		TxHash:      receiptLog.TxHash,
		BlockHash:   receiptLog.BlockHash,
		BlockNumber: receiptLog.BlockNumber,
		LogIndex:    receiptLog.Index,
	}
	if err := decodeCommon(values, request); err != nil {
		return nil, err
	}
	switch event.Name {
	case types.EVENT_LOG1:
		arg, ok := stringArg(values, "arg")
		if !ok {
			return nil, bridgeErrors.Malformed("Decode", "Log1 %s has no arg", request.ContractRequestID)
		}
		request.Formula = arg
	case types.EVENT_LOG2:
		arg1, ok1 := stringArg(values, "arg1")
		arg2, ok2 := stringArg(values, "arg2")
		if !ok1 || !ok2 {
			return nil, bridgeErrors.Malformed("Decode", "Log2 %s is missing arguments", request.ContractRequestID)
		}
		request.Formula = []string{arg1, arg2}
	case types.EVENT_LOGN:
		raw, ok := values["args"].([]byte)
		if !ok || len(raw) == 0 {
			return nil, bridgeErrors.Malformed("Decode", "LogN %s has no args", request.ContractRequestID)
		}
		items, err := DecodeCborArgs(raw)
		if err != nil {
			return nil, bridgeErrors.Wrap(bridgeErrors.KindMalformedEvent, "Decode", err, "invalid LogN args")
		}
		request.Formula = items
	}
	if headers != nil && receiptLog.BlockHash != (common.Hash{}) {
		header, err := headers.HeaderByHash(ctx, receiptLog.BlockHash)
		if err != nil {
			return nil, fmt.Errorf("failed to get block %s: %w", receiptLog.BlockHash.Hex(), err)
		}
		request.BlockTimestamp = header.Time
	}
	log.Debug().Str("event", request.EventName).
		Str("cid", request.ContractRequestID).
		Uint64("blockNumber", request.BlockNumber).
		Msg("[Parser] [Decode] decoded connector event")
	return request, nil
}

func decodeCommon(values map[string]any, request *types.DecodedRequest) error {
	cid, ok := values["cid"].([32]byte)
	if !ok {
		return bridgeErrors.Malformed("Decode", "%s has no cid", request.EventName)
	}
	request.ContractRequestID = common.BytesToHash(cid[:]).Hex()
	sender, ok := values["sender"].(common.Address)
	if !ok {
		return bridgeErrors.Malformed("Decode", "%s has no sender", request.EventName)
	}
	request.Sender = sender
	request.Datasource, _ = values["datasource"].(string)
	timestamp, err := toInt64(values["timestamp"])
	if err != nil {
		return bridgeErrors.Malformed("Decode", "invalid timestamp: %v", err)
	}
	request.Timestamp = timestamp
	if gasLimit, ok := values["gaslimit"].(*big.Int); ok && gasLimit.IsUint64() {
		request.GasLimit = gasLimit.Uint64()
	}
	if gasPrice, ok := values["gasPrice"].(*big.Int); ok && gasPrice.Sign() > 0 {
		request.GasPrice = gasPrice
	}
	request.ProofType = types.NO_PROOF
	if proofType, ok := values["proofType"].([1]byte); ok {
		request.ProofType = fmt.Sprintf("0x%02x", proofType[0])
	}
	return nil
}

// stringArg fails on a missing or non utf8 argument. An empty string is valid.
func stringArg(values map[string]any, name string) (string, bool) {
	value, ok := values[name].(string)
	if !ok || !utf8.ValidString(value) {
		return "", false
	}
	return value, true
}

func toInt64(value any) (int64, error) {
	switch v := value.(type) {
	case *big.Int:
		if !v.IsInt64() {
			return 0, fmt.Errorf("timestamp %s out of range", v.String())
		}
		return v.Int64(), nil
	case string:
		parsed, ok := new(big.Int).SetString(v, 0)
		if !ok || !parsed.IsInt64() {
			return 0, fmt.Errorf("timestamp %q is not a number", v)
		}
		return parsed.Int64(), nil
	case nil:
		return 0, fmt.Errorf("missing timestamp")
	default:
		return 0, fmt.Errorf("unsupported timestamp type %T", value)
	}
}
