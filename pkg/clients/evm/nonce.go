package evm

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
)

// NONCE_STALE_AFTER is how long the node may report the same pending nonce
// before it is trusted over the locally issued ones.
const NONCE_STALE_AFTER = 30 * time.Second

type NonceSource interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// NonceTracker hands out nonces for one account. The node pending nonce lags
// behind transactions that were just broadcast, so a value that was already
// issued is bumped past the last one. When the node keeps reporting the same
// value for staleAfter, a transaction below the issued ones was dropped and
// the node value is issued again to fill the gap.
type NonceTracker struct {
	mu         sync.Mutex
	source     NonceSource
	account    common.Address
	staleAfter time.Duration
	now        func() time.Time

	issued    bool
	last      uint64
	read      uint64
	readSince time.Time
}

func NewNonceTracker(source NonceSource, account common.Address) *NonceTracker {
	return &NonceTracker{source: source, account: account, staleAfter: NONCE_STALE_AFTER, now: time.Now}
}

func (n *NonceTracker) SetStaleAfter(staleAfter time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.staleAfter = staleAfter
}

func (n *NonceTracker) Next(ctx context.Context) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	pending, err := n.source.PendingNonceAt(ctx, n.account)
	if err != nil {
		return 0, err
	}
	now := n.now()
	if pending != n.read || n.readSince.IsZero() {
		n.read = pending
		n.readSince = now
	}
	if !n.issued || pending > n.last {
		n.issued = true
		n.last = pending
		return pending, nil
	}
	if now.Sub(n.readSince) >= n.staleAfter {
		log.Warn().Uint64("pending", pending).Uint64("last", n.last).
			Msg("[NonceTracker] [Next] pending nonce did not move, filling the gap")
		n.readSince = now
		return pending, nil
	}
	log.Debug().Uint64("pending", pending).Uint64("last", n.last).
		Msg("[NonceTracker] [Next] pending nonce already used, bumping")
	n.last++
	return n.last, nil
}

// Release returns a nonce whose transaction never reached the node.
func (n *NonceTracker) Release(nonce uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.issued || n.last != nonce {
		return
	}
	if nonce == 0 {
		n.issued = false
		return
	}
	n.last = nonce - 1
}

func (n *NonceTracker) Last() (uint64, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.last, n.issued
}
