package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	eth_types "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog/log"
	bridgeErrors "github.com/scalarorg/oracle-bridge/pkg/errors"
	"github.com/scalarorg/oracle-bridge/pkg/metrics"
	"github.com/scalarorg/oracle-bridge/pkg/tracing"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"
)

type TxManagerOptions struct {
	Mode            string
	From            common.Address //Unlocked node account, active mode only
	PrivateKey      *ecdsa.PrivateKey
	ChainID         *big.Int
	GasPrice        *big.Int //Overrides the node suggestion when set
	ReceiptInterval time.Duration
	ReceiptAttempts int
	Concurrency     int64
}

// TxManager signs or delegates signing of transactions, sequences nonces and
// waits for receipts. At most Concurrency sends are in flight.
type TxManager struct {
	gateway         Gateway
	mode            string
	from            common.Address
	privateKey      *ecdsa.PrivateKey
	signer          eth_types.Signer
	gasPrice        *big.Int
	receiptInterval time.Duration
	receiptAttempts int
	nonces          *NonceTracker
	queue           *semaphore.Weighted
}

func NewTxManager(gateway Gateway, opts TxManagerOptions) (*TxManager, error) {
	if opts.ReceiptInterval <= 0 {
		opts.ReceiptInterval = 5 * time.Second
	}
	if opts.ReceiptAttempts <= 0 {
		opts.ReceiptAttempts = 120
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 2
	}
	manager := &TxManager{
		gateway:         gateway,
		mode:            opts.Mode,
		gasPrice:        opts.GasPrice,
		receiptInterval: opts.ReceiptInterval,
		receiptAttempts: opts.ReceiptAttempts,
		queue:           semaphore.NewWeighted(opts.Concurrency),
	}
	switch opts.Mode {
	case MODE_ACTIVE:
		if opts.From == (common.Address{}) {
			return nil, fmt.Errorf("active mode requires an unlocked account")
		}
		manager.from = opts.From
	case MODE_BROADCAST:
		if opts.PrivateKey == nil || opts.ChainID == nil {
			return nil, fmt.Errorf("broadcast mode requires a private key and a chain id")
		}
		manager.privateKey = opts.PrivateKey
		manager.from = crypto.PubkeyToAddress(opts.PrivateKey.PublicKey)
		manager.signer = eth_types.LatestSignerForChainID(opts.ChainID)
	default:
		return nil, fmt.Errorf("unknown tx mode %q", opts.Mode)
	}
	manager.nonces = NewNonceTracker(gateway, manager.from)
	return manager, nil
}

func (m *TxManager) From() common.Address {
	return m.from
}

func (m *TxManager) Mode() string {
	return m.mode
}

// Send broadcasts one transaction and, unless SkipConfirmation is set, waits
// for its receipt.
func (m *TxManager) Send(ctx context.Context, req TxRequest) (*Receipt, error) {
	ctx, span := tracing.Tracer().Start(ctx, "TxManager.Send")
	defer span.End()
	span.SetAttributes(attribute.String("to", req.To.Hex()), attribute.String("mode", m.mode))

	if err := m.queue.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	started := time.Now()
	hash, err := m.broadcast(ctx, req)
	m.queue.Release(1)
	metrics.TxSendDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.String("txHash", hash.Hex()))
	if req.SkipConfirmation {
		return &Receipt{TxHash: hash, To: req.To, GasUsed: req.GasLimit}, nil
	}
	receipt, err := m.WaitForReceipt(ctx, hash)
	if err != nil {
		tracing.RecordError(span, err)
		return &Receipt{TxHash: hash, To: req.To}, err
	}
	receipt.To = req.To
	return receipt, nil
}

func (m *TxManager) broadcast(ctx context.Context, req TxRequest) (common.Hash, error) {
	gasPrice, err := m.resolveGasPrice(ctx, req.GasPrice)
	if err != nil {
		return common.Hash{}, err
	}
	nonce, err := m.nonces.Next(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to get nonce: %w", err)
	}
	var hash common.Hash
	if m.mode == MODE_ACTIVE {
		to := req.To
		hash, err = m.gateway.SendUnsignedTransaction(ctx, &TxArgs{
			From:     m.from,
			To:       &to,
			Gas:      hexutil.EncodeUint64(req.GasLimit),
			GasPrice: hexutil.EncodeBig(gasPrice),
			Nonce:    hexutil.EncodeUint64(nonce),
			Data:     hexutil.Encode(req.Data),
		})
	} else {
		hash, err = m.sendSigned(ctx, req, nonce, gasPrice)
	}
	if err != nil {
		m.nonces.Release(nonce)
		return common.Hash{}, fmt.Errorf("failed to send transaction: %w", err)
	}
	log.Info().Str("txHash", hash.Hex()).
		Str("to", req.To.Hex()).
		Uint64("nonce", nonce).
		Str("gasPrice", gasPrice.String()).
		Str("mode", m.mode).
		Msg("[TxManager] [Send] transaction sent")
	return hash, nil
}

func (m *TxManager) sendSigned(ctx context.Context, req TxRequest, nonce uint64, gasPrice *big.Int) (common.Hash, error) {
	to := req.To
	tx := eth_types.NewTx(&eth_types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Gas:      req.GasLimit,
		GasPrice: gasPrice,
		Data:     req.Data,
	})
	signedTx, err := eth_types.SignTx(tx, m.signer, m.privateKey)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to sign transaction: %w", err)
	}
	if err := m.gateway.SendTransaction(ctx, signedTx); err != nil {
		return common.Hash{}, err
	}
	return signedTx.Hash(), nil
}

func (m *TxManager) resolveGasPrice(ctx context.Context, requested *big.Int) (*big.Int, error) {
	if requested != nil && requested.Sign() > 0 {
		return requested, nil
	}
	if m.gasPrice != nil && m.gasPrice.Sign() > 0 {
		return m.gasPrice, nil
	}
	price, err := m.gateway.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas price: %w", err)
	}
	return price, nil
}

// WaitForReceipt polls for the receipt every receiptInterval and gives up
// with TX_TIMEOUT after receiptAttempts tries.
func (m *TxManager) WaitForReceipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	ticker := time.NewTicker(m.receiptInterval)
	defer ticker.Stop()
	var lastErr error
	for attempt := 0; attempt < m.receiptAttempts; attempt++ {
		receipt, err := m.gateway.TransactionReceipt(ctx, hash)
		if err != nil {
			lastErr = err
			log.Debug().Err(err).Str("txHash", hash.Hex()).Msg("[TxManager] [WaitForReceipt] receipt lookup failed")
		} else if receipt != nil {
			result := toReceipt(receipt)
			result.TxHash = hash
			return result, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no receipt after %d attempts", m.receiptAttempts)
	}
	return nil, bridgeErrors.Wrap(bridgeErrors.KindTxTimeout, "WaitForReceipt", lastErr, hash.Hex())
}

func toReceipt(receipt *eth_types.Receipt) *Receipt {
	result := &Receipt{
		TxHash:    receipt.TxHash,
		GasUsed:   receipt.GasUsed,
		BlockHash: receipt.BlockHash,
		Status:    receipt.Status,
		Confirmed: true,
	}
	if receipt.BlockNumber != nil {
		result.BlockNumber = receipt.BlockNumber.Uint64()
	}
	return result
}
