package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	eth_types "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog/log"
	bridgeErrors "github.com/scalarorg/oracle-bridge/pkg/errors"
)

// EvmClient is the JSON-RPC backed Gateway. Every call runs under its own
// timeout.
type EvmClient struct {
	RpcClient *rpc.Client
	Client    *ethclient.Client
	rpcUrl    string
	timeout   time.Duration
}

var _ Gateway = (*EvmClient)(nil)

func NewEvmClient(ctx context.Context, rpcUrl string, timeout time.Duration) (*EvmClient, error) {
	if timeout <= 0 {
		timeout = DEFAULT_TIMEOUT
	}
	log.Info().Str("rpcUrl", rpcUrl).Msg("[EvmClient] [NewEvmClient] connecting to EVM network")
	rpcClient, err := rpc.DialContext(ctx, rpcUrl)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to EVM network %s: %w", rpcUrl, err)
	}
	return &EvmClient{
		RpcClient: rpcClient,
		Client:    ethclient.NewClient(rpcClient),
		rpcUrl:    rpcUrl,
		timeout:   timeout,
	}, nil
}

func (c *EvmClient) Close() {
	c.Client.Close()
}

func (c *EvmClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

// classify marks connectivity failures as transient. Errors returned by the
// node itself (rpc.Error) are kept as they are.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return bridgeErrors.TransientRPC(op, err)
}

func (c *EvmClient) BlockNumber(ctx context.Context) (uint64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	number, err := c.Client.BlockNumber(ctx)
	return number, classify("BlockNumber", err)
}

func (c *EvmClient) HeaderByHash(ctx context.Context, hash common.Hash) (*eth_types.Header, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	header, err := c.Client.HeaderByHash(ctx, hash)
	return header, classify("HeaderByHash", err)
}

func (c *EvmClient) HeaderByNumber(ctx context.Context, number *big.Int) (*eth_types.Header, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	header, err := c.Client.HeaderByNumber(ctx, number)
	return header, classify("HeaderByNumber", err)
}

func (c *EvmClient) FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]eth_types.Log, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	logs, err := c.Client.FilterLogs(ctx, query)
	return logs, classify("FilterLogs", err)
}

func (c *EvmClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	nonce, err := c.Client.PendingNonceAt(ctx, account)
	return nonce, classify("PendingNonceAt", err)
}

func (c *EvmClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	price, err := c.Client.SuggestGasPrice(ctx)
	return price, classify("SuggestGasPrice", err)
}

func (c *EvmClient) SendTransaction(ctx context.Context, tx *eth_types.Transaction) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return classify("SendTransaction", c.Client.SendTransaction(ctx, tx))
}

func (c *EvmClient) SendUnsignedTransaction(ctx context.Context, args *TxArgs) (common.Hash, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var hash common.Hash
	err := c.RpcClient.CallContext(ctx, &hash, "eth_sendTransaction", args)
	return hash, classify("SendUnsignedTransaction", err)
}

func (c *EvmClient) TransactionReceipt(ctx context.Context, hash common.Hash) (*eth_types.Receipt, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	receipt, err := c.Client.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	return receipt, classify("TransactionReceipt", err)
}

func (c *EvmClient) CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	result, err := c.Client.CallContract(ctx, msg, nil)
	return result, classify("CallContract", err)
}

func (c *EvmClient) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	balance, err := c.Client.BalanceAt(ctx, account, nil)
	return balance, classify("BalanceAt", err)
}

func (c *EvmClient) ClientVersion(ctx context.Context) (string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var version string
	err := c.RpcClient.CallContext(ctx, &version, "web3_clientVersion")
	return version, classify("ClientVersion", err)
}

func (c *EvmClient) ChainID(ctx context.Context) (*big.Int, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	chainID, err := c.Client.ChainID(ctx)
	return chainID, classify("ChainID", err)
}

func (c *EvmClient) PeerCount(ctx context.Context) (uint64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	count, err := c.Client.PeerCount(ctx)
	return count, classify("PeerCount", err)
}

func (c *EvmClient) SyncProgress(ctx context.Context) (*ethereum.SyncProgress, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	progress, err := c.Client.SyncProgress(ctx)
	return progress, classify("SyncProgress", err)
}
