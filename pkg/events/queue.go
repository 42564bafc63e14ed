package events

import (
	"context"
	"sync"
	"time"

	eth_types "github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog/log"
	"github.com/scalarorg/oracle-bridge/pkg/metrics"
)

const DEFAULT_QUEUE_SIZE = 1024

type LogHandler func(ctx context.Context, receiptLog eth_types.Log)

type queuedLog struct {
	log   eth_types.Log
	delay time.Duration
}

// LogQueue serializes log handling. The live watcher, the reorg monitor and
// range recoveries all push here, and a single worker hands each log to the
// handler in arrival order.
type LogQueue struct {
	items    chan queuedLog
	handler  LogHandler
	done     chan struct{}
	doneOnce sync.Once
}

func NewLogQueue(size int, handler LogHandler) *LogQueue {
	if size <= 0 {
		size = DEFAULT_QUEUE_SIZE
	}
	return &LogQueue{
		items:   make(chan queuedLog, size),
		handler: handler,
		done:    make(chan struct{}),
	}
}

// Push enqueues logs without delay. It blocks while the queue is full and
// drops the logs once the worker stopped.
func (q *LogQueue) Push(logs []eth_types.Log) {
	q.PushWithDelay(logs, 0)
}

// PushWithDelay enqueues logs, the worker waits delay before each one.
func (q *LogQueue) PushWithDelay(logs []eth_types.Log, delay time.Duration) {
	for _, l := range logs {
		select {
		case <-q.done:
			log.Warn().Str("txHash", l.TxHash.Hex()).Msg("[LogQueue] [Push] queue stopped, log dropped")
			return
		case q.items <- queuedLog{log: l, delay: delay}:
			metrics.LogQueueDepth.Set(float64(len(q.items)))
		}
	}
}

// Sink returns a push function with a fixed delay, usable as evm.LogSink.
func (q *LogQueue) Sink(delay time.Duration) func([]eth_types.Log) {
	return func(logs []eth_types.Log) {
		q.PushWithDelay(logs, delay)
	}
}

func (q *LogQueue) Len() int {
	return len(q.items)
}

// Run is the queue worker. On cancellation the remaining logs are discarded,
// the reorg monitor and the resume sweep pick them up again.
func (q *LogQueue) Run(ctx context.Context) error {
	defer q.doneOnce.Do(func() { close(q.done) })
	for {
		select {
		case <-ctx.Done():
			q.drain()
			return nil
		case item := <-q.items:
			metrics.LogQueueDepth.Set(float64(len(q.items)))
			if item.delay > 0 {
				select {
				case <-ctx.Done():
					q.drain()
					return nil
				case <-time.After(item.delay):
				}
			}
			q.handler(ctx, item.log)
		}
	}
}

func (q *LogQueue) drain() {
	dropped := 0
	for {
		select {
		case <-q.items:
			dropped++
		default:
			if dropped > 0 {
				log.Warn().Int("dropped", dropped).Msg("[LogQueue] [Run] shutting down with queued logs")
			}
			metrics.LogQueueDepth.Set(0)
			return
		}
	}
}
