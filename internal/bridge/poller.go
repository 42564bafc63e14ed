package bridge

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/scalarorg/oracle-bridge/pkg/metrics"
)

// PollFunc checks one oracle query and reports whether it settled.
type PollFunc func(ctx context.Context, oracleID string) bool

type pollEntry struct {
	oracleID string
	due      time.Time
	index    int
}

type pollHeap []*pollEntry

func (h pollHeap) Len() int           { return len(h) }
func (h pollHeap) Less(i, j int) bool { return h[i].due.Before(h[j].due) }
func (h pollHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *pollHeap) Push(x any) {
	entry := x.(*pollEntry)
	entry.index = len(*h)
	*h = append(*h, entry)
}

func (h *pollHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	entry.index = -1
	*h = old[:n-1]
	return entry
}

// PollScheduler keeps one entry per oracle query ordered by due time. A single
// dispatcher starts the polls, an entry that did not settle is re-armed after
// interval.
type PollScheduler struct {
	interval time.Duration
	poll     PollFunc
	now      func() time.Time

	mu      sync.Mutex
	queue   pollHeap
	entries map[string]*pollEntry
	wake    chan struct{}
	running sync.WaitGroup
}

func NewPollScheduler(interval time.Duration, poll PollFunc) *PollScheduler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &PollScheduler{
		interval: interval,
		poll:     poll,
		now:      time.Now,
		entries:  make(map[string]*pollEntry),
		wake:     make(chan struct{}, 1),
	}
}

// Schedule arms a poll for oracleID at due, replacing any earlier entry.
func (p *PollScheduler) Schedule(oracleID string, due time.Time) {
	p.mu.Lock()
	if entry, ok := p.entries[oracleID]; ok && entry.index >= 0 {
		heap.Remove(&p.queue, entry.index)
	}
	entry := &pollEntry{oracleID: oracleID, due: due}
	p.entries[oracleID] = entry
	heap.Push(&p.queue, entry)
	metrics.PendingPolls.Set(float64(len(p.entries)))
	p.mu.Unlock()
	p.notify()
}

func (p *PollScheduler) Cancel(oracleID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.entries[oracleID]
	if !ok {
		return
	}
	if entry.index >= 0 {
		heap.Remove(&p.queue, entry.index)
	}
	delete(p.entries, oracleID)
	metrics.PendingPolls.Set(float64(len(p.entries)))
}

// Pending counts armed and running entries.
func (p *PollScheduler) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

func (p *PollScheduler) Has(oracleID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.entries[oracleID]
	return ok
}

func (p *PollScheduler) notify() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run dispatches due polls until ctx is done, then waits for running polls.
func (p *PollScheduler) Run(ctx context.Context) error {
	defer p.running.Wait()
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		wait := p.dispatchDue(ctx)
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
		select {
		case <-ctx.Done():
			return nil
		case <-p.wake:
		case <-timer.C:
		}
	}
}

// dispatchDue starts every due entry and returns the time until the next one.
func (p *PollScheduler) dispatchDue(ctx context.Context) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.queue.Len() > 0 {
		next := p.queue[0]
		wait := next.due.Sub(p.now())
		if wait > 0 {
			return wait
		}
		heap.Pop(&p.queue)
		p.running.Add(1)
		go p.execute(ctx, next)
	}
	return time.Hour
}

func (p *PollScheduler) execute(ctx context.Context, entry *pollEntry) {
	defer p.running.Done()
	settled := p.poll(ctx, entry.oracleID)
	p.mu.Lock()
	defer p.mu.Unlock()
	if current, ok := p.entries[entry.oracleID]; !ok || current != entry {
		//Cancelled or re-scheduled while polling
		return
	}
	if settled || ctx.Err() != nil {
		delete(p.entries, entry.oracleID)
		metrics.PendingPolls.Set(float64(len(p.entries)))
		return
	}
	entry.due = p.now().Add(p.interval)
	heap.Push(&p.queue, entry)
	log.Debug().Str("oracleId", entry.oracleID).Dur("interval", p.interval).
		Msg("[PollScheduler] [execute] query not settled, polling again")
	select {
	case p.wake <- struct{}{}:
	default:
	}
}
