package events_test

import (
	"context"
	"sync"
	"testing"
	"time"

	eth_types "github.com/ethereum/go-ethereum/core/types"
	"github.com/scalarorg/oracle-bridge/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	blocks []uint64
	active int
	peak   int
}

func (r *recorder) handle(ctx context.Context, l eth_types.Log) {
	r.mu.Lock()
	r.active++
	if r.active > r.peak {
		r.peak = r.active
	}
	r.mu.Unlock()
	time.Sleep(time.Millisecond)
	r.mu.Lock()
	r.active--
	r.blocks = append(r.blocks, l.BlockNumber)
	r.mu.Unlock()
}

func (r *recorder) snapshot() ([]uint64, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint64{}, r.blocks...), r.peak
}

func TestLogQueueHandlesInOrderOneAtATime(t *testing.T) {
	rec := &recorder{}
	queue := events.NewLogQueue(4, rec.handle)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- queue.Run(ctx) }()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		queue.Push([]eth_types.Log{{BlockNumber: 1}, {BlockNumber: 2}, {BlockNumber: 3}})
		queue.Sink(time.Millisecond)([]eth_types.Log{{BlockNumber: 4}, {BlockNumber: 5}, {BlockNumber: 6}})
	}()
	wg.Wait()

	require.Eventually(t, func() bool {
		blocks, _ := rec.snapshot()
		return len(blocks) == 6
	}, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	blocks, peak := rec.snapshot()
	assert.Equal(t, []uint64{1, 2, 3, 4, 5, 6}, blocks)
	assert.Equal(t, 1, peak)
}

func TestLogQueueDropsAfterStop(t *testing.T) {
	rec := &recorder{}
	queue := events.NewLogQueue(1, rec.handle)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, queue.Run(ctx))

	returned := make(chan struct{})
	go func() {
		queue.Push([]eth_types.Log{{BlockNumber: 1}, {BlockNumber: 2}, {BlockNumber: 3}})
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("push blocked on a stopped queue")
	}
	blocks, _ := rec.snapshot()
	assert.Empty(t, blocks)
}
