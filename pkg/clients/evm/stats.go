package evm

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"
	"github.com/rs/zerolog/log"
	"github.com/scalarorg/oracle-bridge/pkg/metrics"
)

type NodeStats struct {
	ClientVersion    string  `json:"clientVersion"`
	ChainID          uint64  `json:"chainId"`
	GasPrice         string  `json:"gasPrice"`
	PeerCount        uint64  `json:"peerCount"`
	Syncing          bool    `json:"syncing"`
	Head             uint64  `json:"head"`
	AverageBlockTime float64 `json:"averageBlockTime"`
}

// CollectNodeStats gathers node information. Calls the node does not support
// are logged and left empty.
func CollectNodeStats(ctx context.Context, gateway Gateway) (*NodeStats, error) {
	stats := &NodeStats{}
	head, err := gateway.BlockNumber(ctx)
	if err != nil {
		return nil, err
	}
	stats.Head = head
	if version, err := gateway.ClientVersion(ctx); err == nil {
		stats.ClientVersion = version
	}
	if chainID, err := gateway.ChainID(ctx); err == nil {
		stats.ChainID = chainID.Uint64()
	}
	if gasPrice, err := gateway.SuggestGasPrice(ctx); err == nil {
		stats.GasPrice = gasPrice.String()
	}
	if peers, err := gateway.PeerCount(ctx); err == nil {
		stats.PeerCount = peers
	} else {
		log.Debug().Err(err).Msg("[EvmClient] [CollectNodeStats] peer count not available")
	}
	if progress, err := gateway.SyncProgress(ctx); err == nil {
		stats.Syncing = progress != nil
	}
	if avg, err := AverageBlockTime(ctx, gateway, head, 100); err == nil {
		stats.AverageBlockTime = avg
		metrics.AverageBlockTime.Set(avg)
	}
	log.Info().Str("clientVersion", stats.ClientVersion).
		Uint64("chainId", stats.ChainID).
		Str("gasPrice", stats.GasPrice).
		Uint64("peerCount", stats.PeerCount).
		Bool("syncing", stats.Syncing).
		Float64("averageBlockTime", stats.AverageBlockTime).
		Msg("[EvmClient] [CollectNodeStats] node stats")
	return stats, nil
}

// AverageBlockTime is the mean block interval in seconds over the last
// sample blocks.
func AverageBlockTime(ctx context.Context, gateway Gateway, head uint64, sample uint64) (float64, error) {
	if head == 0 {
		return 0, nil
	}
	if sample > head {
		sample = head
	}
	latest, err := gateway.HeaderByNumber(ctx, new(big.Int).SetUint64(head))
	if err != nil {
		return 0, err
	}
	oldest, err := gateway.HeaderByNumber(ctx, new(big.Int).SetUint64(head-sample))
	if err != nil {
		return 0, err
	}
	if latest.Time <= oldest.Time {
		return 0, nil
	}
	return float64(latest.Time-oldest.Time) / float64(sample), nil
}

// CheckBalance updates the balance gauge and reports whether the account is
// below limit.
func CheckBalance(ctx context.Context, gateway Gateway, account common.Address, limit *big.Int) (bool, error) {
	balance, err := gateway.BalanceAt(ctx, account)
	if err != nil {
		return false, err
	}
	ether, _ := new(big.Float).Quo(new(big.Float).SetInt(balance), big.NewFloat(params.Ether)).Float64()
	metrics.AccountBalance.Set(ether)
	if limit != nil && balance.Cmp(limit) < 0 {
		log.Warn().Str("account", account.Hex()).
			Str("balance", balance.String()).
			Str("limit", limit.String()).
			Msg("[EvmClient] [CheckBalance] account balance is too low to cover callback transactions")
		return true, nil
	}
	return false, nil
}
