package dedup_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/scalarorg/oracle-bridge/pkg/db"
	"github.com/scalarorg/oracle-bridge/pkg/db/models"
	"github.com/scalarorg/oracle-bridge/pkg/dedup"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const requestID = "0x4c3d9b7a1f0e2d3c4b5a69788796a5b4c3d2e1f00112233445566778899aabbc"

func setupGuard(t *testing.T, ttl time.Duration) (*dedup.Guard, *db.DatabaseAdapter) {
	store, err := db.NewInMemoryAdapter()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return dedup.NewGuard(store, dedup.Options{TTL: ttl, LockTTL: time.Minute}), store
}

func TestFreshRequestIsNotProcessed(t *testing.T) {
	guard, _ := setupGuard(t, time.Minute)
	processed, err := guard.IsAlreadyProcessed(context.Background(), requestID)
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestCacheTier(t *testing.T) {
	guard, _ := setupGuard(t, time.Minute)
	guard.MarkSeen(requestID)
	processed, err := guard.IsAlreadyProcessed(context.Background(), requestID)
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestCacheEntriesExpire(t *testing.T) {
	guard, _ := setupGuard(t, 50*time.Millisecond)
	guard.MarkSeen(requestID)
	time.Sleep(150 * time.Millisecond)
	processed, err := guard.IsAlreadyProcessed(context.Background(), requestID)
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestCallbackTxTier(t *testing.T) {
	ctx := context.Background()
	guard, store := setupGuard(t, time.Minute)
	query := &models.Query{ContractRequestID: requestID, OracleRequestID: "oracle-1"}
	require.NoError(t, store.CreateQuery(ctx, query))
	require.NoError(t, store.MarkCallbackSuccess(ctx, query.ID, &models.CallbackTx{ContractRequestID: requestID, TxHash: "0xaa"}))

	processed, err := guard.IsAlreadyProcessed(ctx, requestID)
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestQueryTier(t *testing.T) {
	ctx := context.Background()
	guard, store := setupGuard(t, time.Minute)
	query := &models.Query{ContractRequestID: requestID, OracleRequestID: "oracle-1"}
	require.NoError(t, store.CreateQuery(ctx, query))

	processed, err := guard.IsAlreadyProcessed(ctx, requestID)
	require.NoError(t, err)
	assert.True(t, processed, "active query is in flight")

	require.NoError(t, store.MarkCallbackFailure(ctx, query.ID, true, nil))
	processed, err = guard.IsAlreadyProcessed(ctx, requestID)
	require.NoError(t, err)
	assert.False(t, processed, "failed query without callback tx can be requested again")
}

func TestTryLockIsExclusive(t *testing.T) {
	guard, _ := setupGuard(t, time.Minute)
	key := dedup.CallbackLockKey(requestID)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if guard.TryLock(key) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
	assert.True(t, guard.IsLocked(key))

	guard.Unlock(key)
	assert.False(t, guard.IsLocked(key))
	assert.True(t, guard.TryLock(key))
}
