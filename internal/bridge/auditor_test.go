package bridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	eth_types "github.com/ethereum/go-ethereum/core/types"
	"github.com/scalarorg/oracle-bridge/pkg/db/models"
	"github.com/scalarorg/oracle-bridge/pkg/dedup"
	"github.com/scalarorg/oracle-bridge/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sentCallback(t *testing.T, h *harness, b byte) *models.Query {
	query := storedQuery(t, h, requestID(b), nil)
	require.NoError(t, h.orchestrator.CompleteQuery(context.Background(), query, types.TextValue("7"), types.NullValue(), false))
	return query
}

func TestAuditorConfirmsMinedCallback(t *testing.T) {
	h := newHarness(t)
	query := sentCallback(t, h, 30)
	txs, err := h.store.FindCallbackTxs(context.Background(), query.ContractRequestID)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	blockHash := common.HexToHash("0xb10c")
	h.gateway.AddReceipt(common.HexToHash(txs[0].TxHash), &eth_types.Receipt{BlockHash: blockHash, Status: 1})

	auditor := NewAuditor(h.gateway, h.store, h.guard, h.orchestrator, testInstance, time.Minute)
	require.NoError(t, auditor.Tick(context.Background()))

	txs, err = h.store.FindCallbackTxs(context.Background(), query.ContractRequestID)
	require.NoError(t, err)
	assert.True(t, txs[0].TxConfirmed)
	assert.Equal(t, blockHash.Hex(), txs[0].ConfirmedBlockHash)
	assert.Equal(t, 1, h.gateway.SentCount())
}

func TestAuditorResendsStuckCallback(t *testing.T) {
	h := newHarness(t)
	query := sentCallback(t, h, 31)

	auditor := NewAuditor(h.gateway, h.store, h.guard, h.orchestrator, testInstance, time.Minute)
	auditor.now = func() time.Time { return fixedNow.Add(2 * time.Minute) }
	require.NoError(t, auditor.Tick(context.Background()))

	assert.Equal(t, 2, h.gateway.SentCount())
	data := h.gateway.SentData()
	assert.Equal(t, data[0], data[1])

	txs, err := h.store.FindCallbackTxs(context.Background(), query.ContractRequestID)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.True(t, txs[0].Superseded)
	assert.False(t, txs[1].Superseded)
	assert.Equal(t, fixedNow.Add(2*time.Minute).Unix(), txs[0].LastCheckedAt.Unix())

	unconfirmed, err := h.store.FindUnconfirmedCallbackTxs(context.Background(), testInstance)
	require.NoError(t, err)
	require.Len(t, unconfirmed, 1)
	assert.Equal(t, txs[1].TxHash, unconfirmed[0].TxHash)
}

func TestAuditorLeavesRecentCallbacks(t *testing.T) {
	h := newHarness(t)
	sentCallback(t, h, 32)

	auditor := NewAuditor(h.gateway, h.store, h.guard, h.orchestrator, testInstance, time.Minute)
	auditor.now = func() time.Time { return fixedNow.Add(30 * time.Second) }
	require.NoError(t, auditor.Tick(context.Background()))
	assert.Equal(t, 1, h.gateway.SentCount())
}

func TestAuditorSkipsLockedCallbacks(t *testing.T) {
	h := newHarness(t)
	query := sentCallback(t, h, 33)
	require.True(t, h.guard.TryLock(dedup.CallbackLockKey(query.ContractRequestID)))

	auditor := NewAuditor(h.gateway, h.store, h.guard, h.orchestrator, testInstance, time.Minute)
	auditor.now = func() time.Time { return fixedNow.Add(time.Hour) }
	require.NoError(t, auditor.Tick(context.Background()))
	assert.Equal(t, 1, h.gateway.SentCount())
}

func TestAuditorReportsRPCErrors(t *testing.T) {
	h := newHarness(t)
	sentCallback(t, h, 34)
	h.gateway.SetErr(errors.New("connection refused"))

	var reported error
	auditor := NewAuditor(h.gateway, h.store, h.guard, h.orchestrator, testInstance, time.Minute)
	auditor.OnError(func(err error) { reported = err })
	assert.Error(t, auditor.Tick(context.Background()))
	assert.Error(t, reported)
}
