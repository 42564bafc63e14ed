package evm

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
	"github.com/scalarorg/oracle-bridge/pkg/clients/evm/parser"
	"github.com/scalarorg/oracle-bridge/pkg/db/models"
	"github.com/scalarorg/oracle-bridge/pkg/metrics"
)

var testNetworkClients = []string{"TestRPC", "Ganache", "Hardhat", "anvil"}

type CheckpointStore interface {
	GetCheckpoint(ctx context.Context, chainID uint64, connector string) (*models.BridgeCheckpoint, error)
	SaveCheckpoint(ctx context.Context, checkpoint *models.BridgeCheckpoint) error
}

type ReorgMonitorOptions struct {
	ChainID       uint64
	Connector     common.Address
	Confirmations uint64
	Disabled      bool
}

// ReorgMonitor re-reads connector logs of the block that just became
// confirmed, one block per tick, so events dropped by a reorg are picked up
// again from the canonical chain.
type ReorgMonitor struct {
	gateway       Gateway
	store         CheckpointStore
	sink          LogSink
	chainID       uint64
	connector     common.Address
	confirmations uint64
	onError       func(error)

	mu           sync.Mutex
	initialized  bool
	lowWaterMark uint64
	prevBlock    uint64
	lastBlock    uint64

	running  atomic.Bool
	paused   atomic.Bool
	disabled atomic.Bool
}

func NewReorgMonitor(gateway Gateway, store CheckpointStore, sink LogSink, opts ReorgMonitorOptions) *ReorgMonitor {
	monitor := &ReorgMonitor{
		gateway:       gateway,
		store:         store,
		sink:          sink,
		chainID:       opts.ChainID,
		connector:     opts.Connector,
		confirmations: opts.Confirmations,
	}
	monitor.disabled.Store(opts.Disabled)
	return monitor
}

// OnError registers the callback notified about RPC failures.
func (r *ReorgMonitor) OnError(fn func(error)) {
	r.onError = fn
}

// DetectTestNetwork disables the monitor on development chains.
func (r *ReorgMonitor) DetectTestNetwork(ctx context.Context) {
	version, err := r.gateway.ClientVersion(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("[ReorgMonitor] [DetectTestNetwork] cannot read client version")
		return
	}
	if IsTestNetworkClient(version) {
		log.Info().Str("clientVersion", version).Msg("[ReorgMonitor] [DetectTestNetwork] test network detected, reorg monitor disabled")
		r.disabled.Store(true)
	}
}

func IsTestNetworkClient(version string) bool {
	for _, name := range testNetworkClients {
		if strings.Contains(strings.ToLower(version), strings.ToLower(name)) {
			return true
		}
	}
	return false
}

func (r *ReorgMonitor) Disabled() bool {
	return r.disabled.Load()
}

func (r *ReorgMonitor) Pause() {
	r.paused.Store(true)
}

func (r *ReorgMonitor) Resume() {
	r.paused.Store(false)
}

func (r *ReorgMonitor) LowWaterMark() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lowWaterMark
}

// Init sets the low water mark from the stored checkpoint, falling back to
// head - 2*confirmations.
func (r *ReorgMonitor) Init(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.initLocked(ctx)
}

func (r *ReorgMonitor) initLocked(ctx context.Context) error {
	if r.initialized {
		return nil
	}
	checkpoint, err := r.store.GetCheckpoint(ctx, r.chainID, r.connector.Hex())
	if err != nil {
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if checkpoint != nil && checkpoint.LowWaterMark > 0 {
		r.lowWaterMark = checkpoint.LowWaterMark
		r.lastBlock = checkpoint.LastBlock
	} else {
		head, err := r.gateway.BlockNumber(ctx)
		if err != nil {
			r.reportError(err)
			return err
		}
		if head > 2*r.confirmations {
			r.lowWaterMark = head - 2*r.confirmations
		}
		r.lastBlock = head
	}
	r.initialized = true
	metrics.ReorgLowWaterMark.Set(float64(r.lowWaterMark))
	log.Info().Uint64("lowWaterMark", r.lowWaterMark).
		Uint64("confirmations", r.confirmations).
		Msg("[ReorgMonitor] [Init] reorg monitor initialized")
	return nil
}

// Tick processes at most one block. The first tick after start only records
// the head.
func (r *ReorgMonitor) Tick(ctx context.Context) error {
	if r.disabled.Load() || r.paused.Load() {
		return nil
	}
	if !r.running.CompareAndSwap(false, true) {
		return nil
	}
	defer r.running.Store(false)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.initLocked(ctx); err != nil {
		return err
	}
	head, err := r.gateway.BlockNumber(ctx)
	if err != nil {
		r.reportError(err)
		return err
	}
	metrics.ChainHead.Set(float64(head))
	if r.prevBlock == 0 {
		r.prevBlock = head
		return nil
	}
	if head <= r.prevBlock || head < r.lowWaterMark || head-r.lowWaterMark <= r.confirmations {
		return nil
	}
	r.prevBlock = head
	block := new(big.Int).SetUint64(r.lowWaterMark)
	logs, err := r.gateway.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: block,
		ToBlock:   block,
		Addresses: []common.Address{r.connector},
		Topics:    [][]common.Hash{parser.EventTopics()},
	})
	if err != nil {
		r.reportError(err)
		return err
	}
	if len(logs) > 0 {
		log.Info().Uint64("block", r.lowWaterMark).Int("logs", len(logs)).
			Msg("[ReorgMonitor] [Tick] re-submitting confirmed block logs")
		r.sink(logs)
	}
	r.lowWaterMark++
	r.lastBlock = head
	metrics.ReorgLowWaterMark.Set(float64(r.lowWaterMark))
	return r.saveLocked(ctx)
}

// Checkpoint persists the current position.
func (r *ReorgMonitor) Checkpoint(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.initialized {
		return nil
	}
	return r.saveLocked(ctx)
}

// SeenBlock advances the last seen block, used by the live watcher.
func (r *ReorgMonitor) SeenBlock(number uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if number > r.lastBlock {
		r.lastBlock = number
	}
}

func (r *ReorgMonitor) LastBlock() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastBlock
}

func (r *ReorgMonitor) saveLocked(ctx context.Context) error {
	return r.store.SaveCheckpoint(ctx, &models.BridgeCheckpoint{
		ChainID:          r.chainID,
		ConnectorAddress: r.connector.Hex(),
		LastBlock:        r.lastBlock,
		LowWaterMark:     r.lowWaterMark,
	})
}

func (r *ReorgMonitor) reportError(err error) {
	if r.onError != nil {
		r.onError(err)
	}
}
