package evm

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
)

// LogWatcher follows the chain head and forwards new connector logs.
type LogWatcher struct {
	gateway   Gateway
	connector common.Address
	interval  time.Duration
	sink      LogSink
	onError   func(error)
	onBlock   func(uint64)
	connected func() bool
	next      atomic.Uint64
}

func NewLogWatcher(gateway Gateway, connector common.Address, interval time.Duration, sink LogSink) *LogWatcher {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &LogWatcher{
		gateway:   gateway,
		connector: connector,
		interval:  interval,
		sink:      sink,
		connected: func() bool { return true },
	}
}

func (w *LogWatcher) OnError(fn func(error)) {
	w.onError = fn
}

func (w *LogWatcher) OnBlock(fn func(uint64)) {
	w.onBlock = fn
}

func (w *LogWatcher) SetConnected(fn func() bool) {
	w.connected = fn
}

// Run polls until ctx is done. A zero fromBlock starts at the current head.
func (w *LogWatcher) Run(ctx context.Context, fromBlock uint64) error {
	if fromBlock == 0 {
		head, err := w.gateway.BlockNumber(ctx)
		if err != nil {
			return err
		}
		fromBlock = head
	}
	w.next.Store(fromBlock)
	log.Info().Str("connector", w.connector.Hex()).Uint64("fromBlock", fromBlock).
		Msg("[LogWatcher] [Run] listening for connector events")
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := w.Poll(ctx); err != nil {
				log.Warn().Err(err).Msg("[LogWatcher] [Run] poll failed")
			}
		}
	}
}

// Poll fetches logs from the next unseen block up to the head.
func (w *LogWatcher) Poll(ctx context.Context) error {
	if !w.connected() {
		return nil
	}
	head, err := w.gateway.BlockNumber(ctx)
	if err != nil {
		w.reportError(err)
		return err
	}
	next := w.next.Load()
	if head < next {
		return nil
	}
	to := head
	if to-next+1 > RECOVER_RANGE {
		to = next + RECOVER_RANGE - 1
	}
	if _, err := RecoverEvents(ctx, w.gateway, w.connector, next, to, w.sink); err != nil {
		w.reportError(err)
		return err
	}
	w.next.Store(to + 1)
	if w.onBlock != nil {
		w.onBlock(to)
	}
	return nil
}

// SkipTo moves the watcher forward, used after a range recovery.
func (w *LogWatcher) SkipTo(block uint64) {
	for {
		current := w.next.Load()
		if block <= current || w.next.CompareAndSwap(current, block) {
			return
		}
	}
}

func (w *LogWatcher) reportError(err error) {
	if w.onError != nil {
		w.onError(err)
	}
}
