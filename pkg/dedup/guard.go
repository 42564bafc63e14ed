package dedup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog/log"
	"github.com/scalarorg/oracle-bridge/pkg/db/models"
)

const (
	CALLBACK_LOCK_SUFFIX = "__callback"
	DEFAULT_TTL          = 300 * time.Second
	DEFAULT_LOCK_TTL     = 120 * time.Second
	DEFAULT_CACHE_SIZE   = 4096
)

type Store interface {
	FindCallbackTxs(ctx context.Context, contractRequestID string) ([]models.CallbackTx, error)
	FindLatestQuery(ctx context.Context, contractRequestID string) (*models.Query, error)
}

type Options struct {
	TTL       time.Duration
	LockTTL   time.Duration
	CacheSize int
}

// Guard answers whether a contract request id was already handled, looking at
// a short lived cache first, then at sent callbacks, then at recent queries.
type Guard struct {
	store Store
	ttl   time.Duration
	seen  *expirable.LRU[string, time.Time]
	mu    sync.Mutex
	locks *expirable.LRU[string, time.Time]
	now   func() time.Time
}

func NewGuard(store Store, opts Options) *Guard {
	if opts.TTL <= 0 {
		opts.TTL = DEFAULT_TTL
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = DEFAULT_LOCK_TTL
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DEFAULT_CACHE_SIZE
	}
	return &Guard{
		store: store,
		ttl:   opts.TTL,
		seen:  expirable.NewLRU[string, time.Time](opts.CacheSize, nil, opts.TTL),
		locks: expirable.NewLRU[string, time.Time](opts.CacheSize, nil, opts.LockTTL),
		now:   time.Now,
	}
}

func (g *Guard) IsAlreadyProcessed(ctx context.Context, contractRequestID string) (bool, error) {
	if _, ok := g.seen.Get(contractRequestID); ok {
		log.Debug().Str("id", contractRequestID).Msg("[Guard] [IsAlreadyProcessed] found in cache")
		return true, nil
	}
	txs, err := g.store.FindCallbackTxs(ctx, contractRequestID)
	if err != nil {
		return false, fmt.Errorf("failed to check callback txs: %w", err)
	}
	for _, tx := range txs {
		if tx.TxConfirmed || tx.TxHash != "" {
			log.Debug().Str("id", contractRequestID).Str("txHash", tx.TxHash).
				Msg("[Guard] [IsAlreadyProcessed] callback already sent")
			return true, nil
		}
	}
	query, err := g.store.FindLatestQuery(ctx, contractRequestID)
	if err != nil {
		return false, fmt.Errorf("failed to check queries: %w", err)
	}
	if query == nil {
		return false, nil
	}
	if query.QueryActive {
		return true, nil
	}
	recent := g.now().Sub(query.CreatedAt) < g.ttl
	return recent && !query.CallbackError && !query.CallbackComplete, nil
}

func (g *Guard) MarkSeen(contractRequestID string) {
	g.seen.Add(contractRequestID, g.now())
}

// TryLock takes key if it is free or its previous holder expired.
func (g *Guard) TryLock(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.locks.Get(key); ok {
		return false
	}
	g.locks.Add(key, g.now())
	return true
}

func (g *Guard) Unlock(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.locks.Remove(key)
}

func (g *Guard) IsLocked(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.locks.Contains(key)
}

func CallbackLockKey(contractRequestID string) string {
	return contractRequestID + CALLBACK_LOCK_SUFFIX
}
