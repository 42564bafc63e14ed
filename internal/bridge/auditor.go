package bridge

import (
	"context"
	"encoding/hex"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	eth_types "github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog/log"
	"github.com/scalarorg/oracle-bridge/pkg/dedup"
	"github.com/scalarorg/oracle-bridge/pkg/metrics"
	"github.com/scalarorg/oracle-bridge/pkg/types"
)

type ReceiptReader interface {
	TransactionReceipt(ctx context.Context, hash common.Hash) (*eth_types.Receipt, error)
}

// Auditor confirms sent callbacks and re-sends the ones that stay without a
// receipt for longer than stuckAfter.
type Auditor struct {
	receipts     ReceiptReader
	store        QueryStore
	guard        Guard
	orchestrator *Orchestrator
	instance     types.Instance
	stuckAfter   time.Duration
	onError      func(error)
	now          func() time.Time
	running      atomic.Bool
}

func NewAuditor(receipts ReceiptReader, store QueryStore, guard Guard, orchestrator *Orchestrator,
	instance types.Instance, stuckAfter time.Duration) *Auditor {
	if stuckAfter <= 0 {
		stuckAfter = 5 * time.Minute
	}
	return &Auditor{
		receipts:     receipts,
		store:        store,
		guard:        guard,
		orchestrator: orchestrator,
		instance:     instance,
		stuckAfter:   stuckAfter,
		now:          time.Now,
	}
}

// OnError registers the callback notified about RPC failures.
func (a *Auditor) OnError(fn func(error)) {
	a.onError = fn
}

func (a *Auditor) Tick(ctx context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return nil
	}
	defer a.running.Store(false)

	txs, err := a.store.FindUnconfirmedCallbackTxs(ctx, a.instance)
	if err != nil {
		return err
	}
	for i := range txs {
		tx := &txs[i]
		receipt, err := a.receipts.TransactionReceipt(ctx, common.HexToHash(tx.TxHash))
		if err != nil {
			log.Warn().Err(err).Str("txHash", tx.TxHash).Msg("[Auditor] [Tick] receipt lookup failed")
			if a.onError != nil {
				a.onError(err)
			}
			return err
		}
		if receipt != nil {
			confirmed, err := a.store.ConfirmCallbackTx(ctx, tx.TxHash, receipt.BlockHash.Hex())
			if err != nil {
				log.Error().Err(err).Str("txHash", tx.TxHash).Msg("[Auditor] [Tick] failed to confirm callback tx")
				continue
			}
			if confirmed {
				metrics.CallbacksConfirmed.Inc()
				log.Info().Str("txHash", tx.TxHash).Str("contractRequestId", tx.ContractRequestID).
					Msg("[Auditor] [Tick] callback tx confirmed")
			}
			continue
		}
		if a.now().Sub(tx.LastCheckedAt) <= a.stuckAfter {
			continue
		}
		if a.guard.IsLocked(dedup.CallbackLockKey(tx.ContractRequestID)) {
			continue
		}
		a.resend(ctx, tx.ID, tx.TxHash, tx.ContractRequestID, tx.ResultPayload, tx.ProofPayload)
	}
	return nil
}

func (a *Auditor) resend(ctx context.Context, txID uint, txHash string, contractRequestID string, resultHex string, proofHex string) {
	if err := a.store.TouchCallbackTx(ctx, txID, a.now()); err != nil {
		log.Error().Err(err).Str("txHash", txHash).Msg("[Auditor] [resend] failed to touch callback tx")
		return
	}
	query, err := a.store.FindLatestQuery(ctx, contractRequestID)
	if err != nil || query == nil {
		log.Error().Err(err).Str("contractRequestId", contractRequestID).Msg("[Auditor] [resend] query not found")
		return
	}
	result, _ := hex.DecodeString(resultHex)
	proof, _ := hex.DecodeString(proofHex)
	log.Warn().Str("txHash", txHash).Str("contractRequestId", contractRequestID).Dur("stuckAfter", a.stuckAfter).
		Msg("[Auditor] [resend] callback tx is stuck, sending it again")
	if err := a.orchestrator.CompleteQuery(ctx, query, types.BytesValue(result), types.BytesValue(proof), true); err != nil {
		log.Error().Err(err).Str("contractRequestId", contractRequestID).Msg("[Auditor] [resend] re-send failed")
		return
	}
	if err := a.store.SupersedeCallbackTx(ctx, txID); err != nil {
		log.Error().Err(err).Str("txHash", txHash).Msg("[Auditor] [resend] failed to supersede callback tx")
	}
	metrics.CallbacksResent.Inc()
}
