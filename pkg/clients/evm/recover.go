package evm

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
	"github.com/scalarorg/oracle-bridge/pkg/clients/evm/parser"
)

// RecoverEvents fetches every connector request log in [fromBlock, toBlock],
// RECOVER_RANGE blocks per query, and hands them to sink in block order.
func RecoverEvents(ctx context.Context, gateway Gateway, connector common.Address, fromBlock uint64, toBlock uint64, sink LogSink) (int, error) {
	if toBlock < fromBlock {
		return 0, fmt.Errorf("toBlock %d is lower than fromBlock %d", toBlock, fromBlock)
	}
	log.Debug().Str("connector", connector.Hex()).
		Uint64("fromBlock", fromBlock).
		Uint64("toBlock", toBlock).
		Msg("[EvmClient] [RecoverEvents] start recovering events")
	topics := parser.EventTopics()
	logCounter := 0
	for start := fromBlock; start <= toBlock; {
		end := toBlock
		if start+RECOVER_RANGE-1 < toBlock {
			end = start + RECOVER_RANGE - 1
		}
		query := ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(start),
			ToBlock:   new(big.Int).SetUint64(end),
			Addresses: []common.Address{connector},
			Topics:    [][]common.Hash{topics},
		}
		logs, err := gateway.FilterLogs(ctx, query)
		if err != nil {
			return logCounter, fmt.Errorf("failed to filter logs: %w", err)
		}
		if len(logs) > 0 {
			log.Info().Msgf("[EvmClient] [RecoverEvents] found %d logs, fromBlock: %d, toBlock: %d", len(logs), start, end)
			sink(logs)
			logCounter += len(logs)
		}
		start = end + 1
	}
	log.Debug().Uint64("toBlock", toBlock).Int("totalLogs", logCounter).
		Msg("[EvmClient] [RecoverEvents] recovered all events")
	return logCounter, nil
}
