package evm

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	bridgeErrors "github.com/scalarorg/oracle-bridge/pkg/errors"
	"github.com/scalarorg/oracle-bridge/pkg/metrics"
)

type ConnectionHooks struct {
	// Disconnected runs once when the node becomes unreachable.
	Disconnected func()
	// Recovered fetches what was missed between the last seen block and the
	// current head.
	Recovered func(ctx context.Context, lastSeen uint64, head uint64)
	// Restarted runs RESTART_DELAY after recovery.
	Restarted func()
	LastSeen  func() uint64
}

// ConnectionMonitor watches for transient RPC failures and polls the node
// until it answers again.
type ConnectionMonitor struct {
	gateway      Gateway
	interval     time.Duration
	restartDelay time.Duration
	hooks        ConnectionHooks

	mu        sync.Mutex
	ctx       context.Context
	connected atomic.Bool
	wg        sync.WaitGroup
}

func NewConnectionMonitor(gateway Gateway, interval time.Duration, hooks ConnectionHooks) *ConnectionMonitor {
	if interval <= 0 {
		interval = RETRY_INTERVAL
	}
	monitor := &ConnectionMonitor{
		gateway:      gateway,
		interval:     interval,
		restartDelay: RESTART_DELAY,
		hooks:        hooks,
		ctx:          context.Background(),
	}
	monitor.connected.Store(true)
	metrics.RPCConnected.Set(1)
	return monitor
}

func (m *ConnectionMonitor) SetRestartDelay(delay time.Duration) {
	m.restartDelay = delay
}

// Start binds the recovery loops to ctx.
func (m *ConnectionMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctx = ctx
}

func (m *ConnectionMonitor) Connected() bool {
	return m.connected.Load()
}

// ReportError starts the reconnect loop on a transient RPC error. Other
// errors are ignored.
func (m *ConnectionMonitor) ReportError(err error) {
	if !bridgeErrors.IsTransientRPC(err) {
		return
	}
	if !m.connected.CompareAndSwap(true, false) {
		return
	}
	metrics.RPCConnected.Set(0)
	log.Warn().Err(err).Dur("interval", m.interval).
		Msg("[ConnectionMonitor] [ReportError] JSON RPC error, trying to re-connect")
	if m.hooks.Disconnected != nil {
		m.hooks.Disconnected()
	}
	m.mu.Lock()
	ctx := m.ctx
	m.mu.Unlock()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.reconnect(ctx)
	}()
}

// Wait blocks until running recovery loops returned.
func (m *ConnectionMonitor) Wait() {
	m.wg.Wait()
}

func (m *ConnectionMonitor) reconnect(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		head, err := m.gateway.BlockNumber(ctx)
		if err != nil || head == 0 {
			log.Error().Err(err).Msg("[ConnectionMonitor] [reconnect] json rpc is not available")
			continue
		}
		log.Info().Uint64("head", head).Msg("[ConnectionMonitor] [reconnect] json rpc is now available")
		m.connected.Store(true)
		metrics.RPCConnected.Set(1)
		if m.hooks.LastSeen != nil && m.hooks.Recovered != nil {
			if lastSeen := m.hooks.LastSeen(); lastSeen < head {
				log.Info().Uint64("from", lastSeen).Uint64("to", head).
					Msg("[ConnectionMonitor] [reconnect] trying to recover lost queries")
				m.hooks.Recovered(ctx, lastSeen, head)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.restartDelay):
		}
		if m.hooks.Restarted != nil {
			log.Info().Msg("[ConnectionMonitor] [reconnect] restarting logs")
			m.hooks.Restarted()
		}
		return
	}
}
