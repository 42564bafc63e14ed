package evm

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	eth_types "github.com/ethereum/go-ethereum/core/types"
)

const (
	COMPONENT_NAME  = "EvmClient"
	RETRY_INTERVAL  = 30 * time.Second
	RESTART_DELAY   = 5 * time.Second
	RECOVER_RANGE   = uint64(5000)
	DEFAULT_TIMEOUT = 10 * time.Second
	MODE_ACTIVE     = "active"
	MODE_BROADCAST  = "broadcast"
)

// Gateway is the subset of the node JSON-RPC surface used by the bridge.
// Connection failures are reported as TRANSIENT_RPC errors.
type Gateway interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByHash(ctx context.Context, hash common.Hash) (*eth_types.Header, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*eth_types.Header, error)
	FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]eth_types.Log, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *eth_types.Transaction) error
	// SendUnsignedTransaction submits through eth_sendTransaction, the node
	// signs with an unlocked account.
	SendUnsignedTransaction(ctx context.Context, args *TxArgs) (common.Hash, error)
	// TransactionReceipt returns nil without error while the tx is pending.
	TransactionReceipt(ctx context.Context, hash common.Hash) (*eth_types.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address) (*big.Int, error)
	ClientVersion(ctx context.Context) (string, error)
	ChainID(ctx context.Context) (*big.Int, error)
	PeerCount(ctx context.Context) (uint64, error)
	SyncProgress(ctx context.Context) (*ethereum.SyncProgress, error)
}

// TxArgs is the eth_sendTransaction parameter object.
type TxArgs struct {
	From     common.Address  `json:"from"`
	To       *common.Address `json:"to,omitempty"`
	Gas      string          `json:"gas,omitempty"`
	GasPrice string          `json:"gasPrice,omitempty"`
	Nonce    string          `json:"nonce,omitempty"`
	Data     string          `json:"data,omitempty"`
}

type TxRequest struct {
	To       common.Address
	Data     []byte
	GasLimit uint64
	GasPrice *big.Int
	// SkipConfirmation returns right after broadcast with a receipt built from
	// the request instead of waiting for inclusion.
	SkipConfirmation bool
}

type Receipt struct {
	TxHash      common.Hash
	To          common.Address
	GasUsed     uint64
	BlockHash   common.Hash
	BlockNumber uint64
	Status      uint64
	Confirmed   bool
}

// LogSink receives logs fetched outside the live watcher.
type LogSink func(logs []eth_types.Log)
