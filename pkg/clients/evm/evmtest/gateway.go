// Package evmtest provides an in-memory Gateway for tests.
package evmtest

import (
	"context"
	"encoding/json"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	eth_types "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/scalarorg/oracle-bridge/pkg/clients/evm"
)

type FakeGateway struct {
	mu sync.Mutex

	Head         uint64
	HeaderTime   uint64
	Logs         []eth_types.Log
	PendingNonce uint64
	GasPrice     *big.Int
	Balance      *big.Int
	Version      string
	ChainIDValue *big.Int
	// CallResults maps a contract address to its eth_call output.
	CallResults map[common.Address][]byte
	// AutoReceipt mines every sent transaction immediately.
	AutoReceipt bool
	Receipts    map[common.Hash]*eth_types.Receipt

	// Err fails every call, SendErr only sends.
	Err     error
	SendErr error

	Sent         []*eth_types.Transaction
	SentUnsigned []*evm.TxArgs
	Filters      []ethereum.FilterQuery
}

var _ evm.Gateway = (*FakeGateway)(nil)

func NewFakeGateway() *FakeGateway {
	return &FakeGateway{
		Head:         100,
		HeaderTime:   1_700_000_000,
		GasPrice:     big.NewInt(20_000_000_000),
		Balance:      big.NewInt(0),
		Version:      "Geth/v1.15.11-stable/linux-amd64/go1.23",
		ChainIDValue: big.NewInt(1337),
		CallResults:  map[common.Address][]byte{},
		Receipts:     map[common.Hash]*eth_types.Receipt{},
	}
}

func (g *FakeGateway) SetErr(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Err = err
}

func (g *FakeGateway) SetHead(head uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Head = head
}

func (g *FakeGateway) AddLogs(logs ...eth_types.Log) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Logs = append(g.Logs, logs...)
}

func (g *FakeGateway) AddReceipt(hash common.Hash, receipt *eth_types.Receipt) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Receipts[hash] = receipt
}

// SentCount is the number of transactions broadcast in either mode.
func (g *FakeGateway) SentCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.Sent) + len(g.SentUnsigned)
}

// SentData returns the calldata of every transaction in send order.
func (g *FakeGateway) SentData() [][]byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	var data [][]byte
	for _, tx := range g.Sent {
		data = append(data, tx.Data())
	}
	for _, args := range g.SentUnsigned {
		data = append(data, common.FromHex(args.Data))
	}
	return data
}

func (g *FakeGateway) FilterCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.Filters)
}

func (g *FakeGateway) BlockNumber(ctx context.Context) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Err != nil {
		return 0, g.Err
	}
	return g.Head, nil
}

func (g *FakeGateway) HeaderByHash(ctx context.Context, hash common.Hash) (*eth_types.Header, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Err != nil {
		return nil, g.Err
	}
	return &eth_types.Header{Time: g.HeaderTime, Number: new(big.Int).SetUint64(g.Head)}, nil
}

func (g *FakeGateway) HeaderByNumber(ctx context.Context, number *big.Int) (*eth_types.Header, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Err != nil {
		return nil, g.Err
	}
	n := g.Head
	if number != nil {
		n = number.Uint64()
	}
	//12 second blocks ending at HeaderTime
	return &eth_types.Header{Number: new(big.Int).SetUint64(n), Time: g.HeaderTime - (g.Head-n)*12}, nil
}

func (g *FakeGateway) FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]eth_types.Log, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Err != nil {
		return nil, g.Err
	}
	g.Filters = append(g.Filters, query)
	var result []eth_types.Log
	for _, l := range g.Logs {
		if query.FromBlock != nil && l.BlockNumber < query.FromBlock.Uint64() {
			continue
		}
		if query.ToBlock != nil && l.BlockNumber > query.ToBlock.Uint64() {
			continue
		}
		result = append(result, l)
	}
	return result, nil
}

func (g *FakeGateway) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Err != nil {
		return 0, g.Err
	}
	return g.PendingNonce, nil
}

func (g *FakeGateway) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Err != nil {
		return nil, g.Err
	}
	return new(big.Int).Set(g.GasPrice), nil
}

func (g *FakeGateway) SendTransaction(ctx context.Context, tx *eth_types.Transaction) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Err != nil {
		return g.Err
	}
	if g.SendErr != nil {
		return g.SendErr
	}
	g.Sent = append(g.Sent, tx)
	g.mine(tx.Hash(), tx.Gas())
	return nil
}

func (g *FakeGateway) SendUnsignedTransaction(ctx context.Context, args *evm.TxArgs) (common.Hash, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Err != nil {
		return common.Hash{}, g.Err
	}
	if g.SendErr != nil {
		return common.Hash{}, g.SendErr
	}
	g.SentUnsigned = append(g.SentUnsigned, args)
	encoded, _ := json.Marshal(args)
	hash := crypto.Keccak256Hash(encoded, big.NewInt(int64(len(g.SentUnsigned))).Bytes())
	g.mine(hash, 21000)
	return hash, nil
}

func (g *FakeGateway) mine(hash common.Hash, gas uint64) {
	if !g.AutoReceipt {
		return
	}
	g.Receipts[hash] = &eth_types.Receipt{
		TxHash:      hash,
		Status:      eth_types.ReceiptStatusSuccessful,
		GasUsed:     gas,
		BlockNumber: new(big.Int).SetUint64(g.Head),
		BlockHash:   crypto.Keccak256Hash(hash.Bytes()),
	}
}

func (g *FakeGateway) TransactionReceipt(ctx context.Context, hash common.Hash) (*eth_types.Receipt, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Err != nil {
		return nil, g.Err
	}
	return g.Receipts[hash], nil
}

func (g *FakeGateway) CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Err != nil {
		return nil, g.Err
	}
	if msg.To == nil {
		return nil, nil
	}
	return g.CallResults[*msg.To], nil
}

func (g *FakeGateway) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Err != nil {
		return nil, g.Err
	}
	return new(big.Int).Set(g.Balance), nil
}

func (g *FakeGateway) ClientVersion(ctx context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Err != nil {
		return "", g.Err
	}
	return g.Version, nil
}

func (g *FakeGateway) ChainID(ctx context.Context) (*big.Int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Err != nil {
		return nil, g.Err
	}
	return new(big.Int).Set(g.ChainIDValue), nil
}

func (g *FakeGateway) PeerCount(ctx context.Context) (uint64, error) {
	return 3, nil
}

func (g *FakeGateway) SyncProgress(ctx context.Context) (*ethereum.SyncProgress, error) {
	return nil, nil
}
