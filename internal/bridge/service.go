package bridge

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	eth_types "github.com/ethereum/go-ethereum/core/types"
	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/scalarorg/oracle-bridge/config"
	"github.com/scalarorg/oracle-bridge/pkg/api"
	"github.com/scalarorg/oracle-bridge/pkg/clients/evm"
	"github.com/scalarorg/oracle-bridge/pkg/clients/oracle"
	"github.com/scalarorg/oracle-bridge/pkg/db"
	"github.com/scalarorg/oracle-bridge/pkg/dedup"
	"github.com/scalarorg/oracle-bridge/pkg/events"
	"github.com/scalarorg/oracle-bridge/pkg/tracing"
	"github.com/scalarorg/oracle-bridge/pkg/types"
	"golang.org/x/sync/errgroup"
)

// Service wires the bridge components for one OAR/connector pair.
type Service struct {
	config       *config.Config
	InstanceID   string
	Instance     *types.Instance
	DbAdapter    *db.DatabaseAdapter
	EvmClient    *evm.EvmClient
	TxManager    *evm.TxManager
	OracleClient *oracle.Client
	Guard        *dedup.Guard
	Orchestrator *Orchestrator
	Queue        *events.LogQueue
	Watcher      *evm.LogWatcher
	Reorg        *evm.ReorgMonitor
	Auditor      *Auditor
	Connection   *evm.ConnectionMonitor
	Api          *api.Server

	balanceLimit    *big.Int
	tracingShutdown func(context.Context) error
}

func NewService(ctx context.Context, cfg *config.Config) (*Service, error) {
	instanceID := uuid.NewString()
	log.Info().Str("instanceId", instanceID).Str("version", cfg.Bridge.Version).
		Msg("[Bridge] [NewService] starting oracle bridge")

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		ServiceName: cfg.Bridge.Name,
		InstanceID:  instanceID,
		Version:     cfg.Bridge.Version,
	})
	if err != nil {
		return nil, err
	}

	dbAdapter, err := db.NewDatabaseAdapter(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to create db adapter: %w", err)
	}
	evmClient, err := evm.NewEvmClient(ctx, cfg.Chain.RPCUrl, cfg.Chain.RPCTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to create evm client: %w", err)
	}
	if _, err := evm.CollectNodeStats(ctx, evmClient); err != nil {
		return nil, fmt.Errorf("json rpc %s is not available: %w", cfg.Chain.RPCUrl, err)
	}

	txManager, err := newTxManager(ctx, cfg, evmClient)
	if err != nil {
		return nil, err
	}
	instance, err := evm.ResolveInstance(ctx, evmClient, common.HexToAddress(cfg.Chain.OAR), txManager.From())
	if err != nil {
		return nil, err
	}
	if cfg.Chain.Connector != "" && common.HexToAddress(cfg.Chain.Connector) != instance.Connector {
		return nil, fmt.Errorf("configured connector %s does not match OAR connector %s", cfg.Chain.Connector, instance.Connector.Hex())
	}

	oracleClient, err := oracle.NewClient(oracle.Options{
		URL:     cfg.Oracle.URL,
		Timeout: cfg.Oracle.Timeout,
		Name:    cfg.Bridge.Name,
		Version: cfg.Bridge.Version,
	})
	if err != nil {
		return nil, err
	}
	if info, err := oracleClient.PlatformInfo(ctx); err == nil {
		log.Info().Int("datasources", len(info.Datasources)).Msg("[Bridge] [NewService] oracle platform available")
	} else {
		log.Warn().Err(err).Msg("[Bridge] [NewService] cannot read oracle platform info")
	}

	guard := dedup.NewGuard(dbAdapter, dedup.Options{TTL: cfg.Bridge.DedupTTL, CacheSize: cfg.Bridge.DedupCacheSize})
	orchestrator := NewOrchestrator(evmClient, oracleClient, dbAdapter, guard, txManager, OrchestratorOptions{
		Instance:         *instance,
		InstanceID:       instanceID,
		Name:             cfg.Bridge.Name,
		Version:          cfg.Bridge.Version,
		CallbackGas:      cfg.Chain.CallbackGas,
		CreateRetryDelay: cfg.Bridge.CreateRetryDelay,
		PollInterval:     cfg.Bridge.PollInterval,
		ResumeDelay:      cfg.Bridge.ResumeDelay,
	})
	queue := events.NewLogQueue(events.DEFAULT_QUEUE_SIZE, func(ctx context.Context, receiptLog eth_types.Log) {
		//Errors are logged by the orchestrator
		_ = orchestrator.HandleLog(ctx, receiptLog)
	})
	reorg := evm.NewReorgMonitor(evmClient, dbAdapter, queue.Sink(0), evm.ReorgMonitorOptions{
		ChainID:       cfg.Chain.ChainID,
		Connector:     instance.Connector,
		Confirmations: cfg.Chain.Confirmations,
		Disabled:      cfg.Chain.IsTestNetwork,
	})
	reorg.DetectTestNetwork(ctx)
	watcher := evm.NewLogWatcher(evmClient, instance.Connector, cfg.Chain.LogPoll, queue.Sink(0))
	watcher.OnBlock(reorg.SeenBlock)

	service := &Service{
		config:          cfg,
		InstanceID:      instanceID,
		Instance:        instance,
		DbAdapter:       dbAdapter,
		EvmClient:       evmClient,
		TxManager:       txManager,
		OracleClient:    oracleClient,
		Guard:           guard,
		Orchestrator:    orchestrator,
		Queue:           queue,
		Watcher:         watcher,
		Reorg:           reorg,
		tracingShutdown: shutdownTracing,
	}
	service.Connection = evm.NewConnectionMonitor(evmClient, cfg.Bridge.ReconnectEvery, evm.ConnectionHooks{
		Disconnected: reorg.Pause,
		Recovered:    service.recoverRange,
		Restarted:    reorg.Resume,
		LastSeen:     reorg.LastBlock,
	})
	watcher.OnError(service.Connection.ReportError)
	watcher.SetConnected(service.Connection.Connected)
	reorg.OnError(service.Connection.ReportError)

	service.Auditor = NewAuditor(evmClient, dbAdapter, guard, orchestrator, *instance, cfg.Bridge.StuckAfter)
	service.Auditor.OnError(service.Connection.ReportError)

	if cfg.Chain.BalanceLimit != "" {
		limit, ok := new(big.Int).SetString(cfg.Chain.BalanceLimit, 10)
		if !ok {
			return nil, fmt.Errorf("invalid balance limit %q", cfg.Chain.BalanceLimit)
		}
		service.balanceLimit = limit
	}
	if cfg.Api.Enabled {
		service.Api = api.NewServer(cfg.Api.Listen, dbAdapter, service.Health)
	}
	return service, nil
}

func newTxManager(ctx context.Context, cfg *config.Config, gateway evm.Gateway) (*evm.TxManager, error) {
	opts := evm.TxManagerOptions{
		Mode:            cfg.Chain.Mode,
		ReceiptInterval: cfg.Bridge.ReceiptInterval,
		ReceiptAttempts: cfg.Bridge.ReceiptAttempts,
		Concurrency:     cfg.Bridge.SendConcurrency,
	}
	if cfg.Chain.GasPrice > 0 {
		opts.GasPrice = new(big.Int).SetUint64(cfg.Chain.GasPrice)
	}
	if cfg.Chain.Mode == config.MODE_BROADCAST {
		privateKey, err := cfg.Chain.SigningKey()
		if err != nil {
			return nil, err
		}
		chainID, err := gateway.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get chain id: %w", err)
		}
		if cfg.Chain.ChainID != 0 && chainID.Uint64() != cfg.Chain.ChainID {
			return nil, fmt.Errorf("node chain id %d does not match configured chain id %d", chainID.Uint64(), cfg.Chain.ChainID)
		}
		opts.PrivateKey = privateKey
		opts.ChainID = chainID
	} else {
		account, err := cfg.Chain.CallbackAddress()
		if err != nil {
			return nil, err
		}
		opts.From = account
	}
	txManager, err := evm.NewTxManager(gateway, opts)
	if err != nil {
		return nil, err
	}
	log.Info().Str("account", txManager.From().Hex()).Str("mode", txManager.Mode()).
		Msg("[Bridge] [newTxManager] callback account ready")
	return txManager, nil
}

// Start runs the bridge until ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer s.shutdown(cancel)

	s.Connection.Start(ctx)
	if err := s.Reorg.Init(ctx); err != nil {
		log.Warn().Err(err).Msg("[Bridge] [Start] reorg monitor init failed, retrying on first tick")
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return s.Queue.Run(groupCtx) })
	group.Go(func() error { return s.Orchestrator.Poller().Run(groupCtx) })
	group.Go(func() error { return s.Watcher.Run(groupCtx, 0) })
	if s.Api != nil {
		group.Go(func() error { return s.Api.Run(groupCtx) })
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	defer func() {
		if err := scheduler.Shutdown(); err != nil {
			log.Error().Err(err).Msg("[Bridge] [Start] failed to shutdown scheduler")
		}
	}()
	jobs := []Job{
		&reorgJob{ctx: groupCtx, monitor: s.Reorg, interval: s.config.Bridge.ReorgInterval},
		&auditJob{ctx: groupCtx, auditor: s.Auditor, interval: s.config.Bridge.AuditInterval},
		&balanceJob{
			ctx:      groupCtx,
			gateway:  s.EvmClient,
			account:  s.TxManager.From(),
			limit:    s.balanceLimit,
			interval: s.config.Bridge.BalanceInterval,
			onError:  s.Connection.ReportError,
		},
	}
	for _, job := range jobs {
		if err := registerJob(scheduler, job); err != nil {
			return fmt.Errorf("failed to register job %s: %w", job.GetName(), err)
		}
	}
	scheduler.Start()

	go s.Orchestrator.ResumeAfter(groupCtx, 0, ResumeOptions{Skip: s.config.Bridge.Skip, Force: s.config.Bridge.Resume})
	if s.config.Bridge.FromBlock > 0 && s.config.Bridge.ToBlock > 0 {
		go s.resumeRange(groupCtx, s.config.Bridge.FromBlock, s.config.Bridge.ToBlock)
	}

	log.Info().Str("connector", s.Instance.Connector.Hex()).Str("oar", s.Instance.OAR.Hex()).
		Msg("[Bridge] [Start] listening for events")
	return group.Wait()
}

// resumeRange re-reads a block range given on the command line.
func (s *Service) resumeRange(ctx context.Context, from uint64, to uint64) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(evm.RESTART_DELAY):
	}
	log.Info().Uint64("from", from).Uint64("to", to).Msg("[Bridge] [resumeRange] resuming logs from block range")
	if _, err := evm.RecoverEvents(ctx, s.EvmClient, s.Instance.Connector, from, to, s.Queue.Sink(s.config.Bridge.RangeFetchDelay)); err != nil {
		log.Error().Err(err).Msg("[Bridge] [resumeRange] failed to fetch block range")
		s.Connection.ReportError(err)
	}
}

// recoverRange fetches the logs missed while the node was unreachable.
func (s *Service) recoverRange(ctx context.Context, lastSeen uint64, head uint64) {
	if _, err := evm.RecoverEvents(ctx, s.EvmClient, s.Instance.Connector, lastSeen, head, s.Queue.Sink(s.config.Bridge.RangeFetchDelay)); err != nil {
		log.Error().Err(err).Msg("[Bridge] [recoverRange] failed to recover lost queries")
		return
	}
	s.Watcher.SkipTo(head + 1)
}

func (s *Service) Health() api.Health {
	health := api.Health{
		Status:       "ok",
		InstanceID:   s.InstanceID,
		Version:      s.config.Bridge.Version,
		RPCConnected: s.Connection.Connected(),
		LowWaterMark: s.Reorg.LowWaterMark(),
		PendingPolls: s.Orchestrator.Poller().Pending(),
		QueuedLogs:   s.Queue.Len(),
	}
	if !health.RPCConnected {
		health.Status = "degraded"
	}
	return health
}

// shutdown cancels the run context first, the reconnect loop and the create
// retries only return once it is done.
func (s *Service) shutdown(stop context.CancelFunc) {
	stop()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.Connection.Wait()
	s.Orchestrator.Wait()
	if err := s.Reorg.Checkpoint(ctx); err != nil {
		log.Error().Err(err).Msg("[Bridge] [shutdown] failed to flush checkpoint")
	}
	if err := s.tracingShutdown(ctx); err != nil {
		log.Error().Err(err).Msg("[Bridge] [shutdown] failed to flush traces")
	}
	if err := s.DbAdapter.Close(); err != nil {
		log.Error().Err(err).Msg("[Bridge] [shutdown] failed to close database")
	}
	s.EvmClient.Close()
	log.Info().Msg("[Bridge] [shutdown] oracle bridge stopped")
}
