package bridge

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	eth_types "github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog/log"
	"github.com/scalarorg/oracle-bridge/pkg/clients/evm"
	"github.com/scalarorg/oracle-bridge/pkg/clients/evm/parser"
	"github.com/scalarorg/oracle-bridge/pkg/clients/oracle"
	"github.com/scalarorg/oracle-bridge/pkg/db/models"
	"github.com/scalarorg/oracle-bridge/pkg/dedup"
	bridgeErrors "github.com/scalarorg/oracle-bridge/pkg/errors"
	"github.com/scalarorg/oracle-bridge/pkg/metrics"
	"github.com/scalarorg/oracle-bridge/pkg/types"
)

type OrchestratorOptions struct {
	Instance         types.Instance
	InstanceID       string
	Name             string
	Version          string
	CallbackGas      uint64
	CreateRetryDelay time.Duration
	PollInterval     time.Duration
	ResumeDelay      time.Duration

	// MaxStatusMismatches bounds consecutive unexpected status answers
	// before a query is closed.
	MaxStatusMismatches int
}

// Orchestrator drives a connector request from the decoded log to the
// callback transaction.
type Orchestrator struct {
	headers parser.HeaderReader
	oracle  OracleClient
	store   QueryStore
	guard   Guard
	sender  TxSender
	poller  *PollScheduler
	opts    OrchestratorOptions

	now   func() time.Time
	after func(time.Duration) <-chan time.Time

	retries sync.WaitGroup

	mu         sync.Mutex
	inflight   map[string]struct{}
	tracked    map[string]*models.Query
	mismatches map[string]int
}

func NewOrchestrator(headers parser.HeaderReader, oracleClient OracleClient, store QueryStore, guard Guard,
	sender TxSender, opts OrchestratorOptions) *Orchestrator {
	if opts.CreateRetryDelay <= 0 {
		opts.CreateRetryDelay = 20 * time.Second
	}
	if opts.CallbackGas == 0 {
		opts.CallbackGas = 200000
	}
	if opts.MaxStatusMismatches <= 0 {
		opts.MaxStatusMismatches = 60
	}
	o := &Orchestrator{
		headers:    headers,
		oracle:     oracleClient,
		store:      store,
		guard:      guard,
		sender:     sender,
		opts:       opts,
		now:        time.Now,
		after:      time.After,
		inflight:   make(map[string]struct{}),
		tracked:    make(map[string]*models.Query),
		mismatches: make(map[string]int),
	}
	o.poller = NewPollScheduler(opts.PollInterval, o.Poll)
	return o
}

func (o *Orchestrator) Poller() *PollScheduler {
	return o.poller
}

// HandleLog decodes a connector log, creates the oracle query and starts
// polling it. Logs that were already handled are skipped.
func (o *Orchestrator) HandleLog(ctx context.Context, receiptLog eth_types.Log) error {
	if receiptLog.Address != o.opts.Instance.Connector {
		log.Warn().Str("address", receiptLog.Address.Hex()).Str("txHash", receiptLog.TxHash.Hex()).
			Msg("[Orchestrator] [HandleLog] log is not an oracle event, skipping")
		return nil
	}
	request, err := parser.Decode(ctx, &receiptLog, o.headers)
	if err != nil {
		if bridgeErrors.IsMalformed(err) {
			metrics.EventsMalformed.Inc()
			log.Error().Err(err).Str("txHash", receiptLog.TxHash.Hex()).Msg("[Orchestrator] [HandleLog] malformed log, skipping")
		}
		return err
	}
	metrics.EventsReceived.WithLabelValues(request.EventName).Inc()
	id := request.ContractRequestID

	if !o.beginInflight(id) {
		metrics.EventsDuplicate.Inc()
		log.Debug().Str("contractRequestId", id).Msg("[Orchestrator] [HandleLog] request is already being handled")
		return nil
	}
	retrying := false
	defer func() {
		if !retrying {
			o.endInflight(id)
		}
	}()

	processed, err := o.guard.IsAlreadyProcessed(ctx, id)
	if err != nil {
		log.Error().Err(err).Str("contractRequestId", id).Msg("[Orchestrator] [HandleLog] dedup check failed, treating as new")
		processed = false
	}
	if processed {
		metrics.EventsDuplicate.Inc()
		log.Warn().Str("contractRequestId", id).Msg("[Orchestrator] [HandleLog] log was triggered, but it was already seen before")
		return nil
	}

	now := o.now().Unix()
	target := parser.GetQueryUnixTime(request.Timestamp, now)
	if !parser.IsValidTime(target, now) {
		metrics.EventsMalformed.Inc()
		return bridgeErrors.Malformed("HandleLog", "query %s target time %d is too far in the future", id, target)
	}

	createRequest := &oracle.CreateQueryRequest{
		When:       request.Timestamp,
		Datasource: request.Datasource,
		Query:      request.Formula,
		ID2:        strings.TrimPrefix(id, "0x"),
		ProofType:  types.ProofTypeInt(request.ProofType),
		Context: oracle.QueryContext{
			Name:              o.opts.Name,
			Instance:          o.opts.InstanceID,
			Protocol:          oracle.PROTOCOL_ETH,
			Type:              CONTEXT_TYPE,
			RelativeTimestamp: request.BlockTimestamp,
		},
	}
	oracleID, err := o.oracle.CreateQuery(ctx, createRequest)
	if bridgeErrors.IsTransientOracle(err) {
		retrying = true
		o.retryCreate(ctx, request, createRequest, target, err)
		return nil
	}
	if err != nil {
		log.Error().Err(err).Str("contractRequestId", id).Msg("[Orchestrator] [HandleLog] failed to create oracle query")
		return err
	}
	return o.storeQuery(ctx, request, oracleID, target)
}

// retryCreate keeps creating the oracle query in the background every
// CreateRetryDelay, moving the requested time back by the same amount. The
// request stays in flight until the query is stored or ctx is done.
func (o *Orchestrator) retryCreate(ctx context.Context, request *types.DecodedRequest, req *oracle.CreateQueryRequest,
	target int64, cause error) {
	id := request.ContractRequestID
	o.retries.Add(1)
	go func() {
		defer o.retries.Done()
		defer o.endInflight(id)
		err := cause
		for bridgeErrors.IsTransientOracle(err) {
			log.Warn().Err(err).Str("contractRequestId", id).Dur("retryIn", o.opts.CreateRetryDelay).
				Msg("[Orchestrator] [retryCreate] oracle query create failed, retrying")
			select {
			case <-ctx.Done():
				return
			case <-o.after(o.opts.CreateRetryDelay):
			}
			req.When -= int64(o.opts.CreateRetryDelay / time.Second)
			if req.When < 0 {
				req.When = 0
			}
			var oracleID string
			oracleID, err = o.oracle.CreateQuery(ctx, req)
			if err == nil {
				_ = o.storeQuery(ctx, request, oracleID, target)
				return
			}
		}
		log.Error().Err(err).Str("contractRequestId", id).Msg("[Orchestrator] [retryCreate] failed to create oracle query")
	}()
}

// Wait blocks until background create retries returned.
func (o *Orchestrator) Wait() {
	o.retries.Wait()
}

func (o *Orchestrator) storeQuery(ctx context.Context, request *types.DecodedRequest, oracleID string, target int64) error {
	id := request.ContractRequestID
	log.Info().Str("contractRequestId", id).Str("oracleId", oracleID).
		Msg("[Orchestrator] [storeQuery] new oracle query created")

	formula, err := json.Marshal(request.Formula)
	if err != nil {
		return bridgeErrors.Malformed("storeQuery", "formula of %s is not serializable: %v", id, err)
	}
	query := &models.Query{
		ContractRequestID:        id,
		OracleRequestID:          oracleID,
		EventName:                request.EventName,
		EventTxHash:              request.TxHash.Hex(),
		EventBlockHash:           request.BlockHash.Hex(),
		EventBlockNumber:         request.BlockNumber,
		EventLogIndex:            request.LogIndex,
		RequesterContractAddress: request.Sender.Hex(),
		CallbackGasLimit:         request.GasLimit,
		ProofType:                request.ProofType,
		DatasourceName:           request.Datasource,
		Formula:                  string(formula),
		QueryDelay:               request.Timestamp,
		TargetUnixTime:           target,
		OarAddress:               o.opts.Instance.OAR.Hex(),
		ConnectorAddress:         o.opts.Instance.Connector.Hex(),
		CallbackFromAddress:      o.opts.Instance.CallbackFrom.Hex(),
		BridgeVersion:            o.opts.Version,
	}
	if request.GasPrice != nil {
		query.CallbackGasPrice = request.GasPrice.String()
	}
	if err := o.store.CreateQuery(ctx, query); err != nil {
		log.Error().Err(err).Str("contractRequestId", id).Msg("[Orchestrator] [storeQuery] failed to store query")
		return err
	}
	o.guard.MarkSeen(id)
	metrics.QueriesCreated.Inc()
	o.StartPolling(query, target)
	return nil
}

// StartPolling polls now when target is due and at target otherwise.
func (o *Orchestrator) StartPolling(query *models.Query, target int64) {
	o.mu.Lock()
	o.tracked[query.OracleRequestID] = query
	o.mu.Unlock()
	due := o.now()
	if target > due.Unix() {
		due = time.Unix(target, 0)
		log.Info().Str("oracleId", query.OracleRequestID).Time("at", due).
			Msg("[Orchestrator] [StartPolling] checking query status in the future")
	}
	o.poller.Schedule(query.OracleRequestID, due)
}

func (o *Orchestrator) trackedQuery(oracleID string) *models.Query {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.tracked[oracleID]
}

func (o *Orchestrator) untrack(oracleID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.tracked, oracleID)
	delete(o.mismatches, oracleID)
}

// countMismatch counts consecutive unexpected status answers of a query.
func (o *Orchestrator) countMismatch(oracleID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.mismatches[oracleID]++
	return o.mismatches[oracleID]
}

func (o *Orchestrator) resetMismatches(oracleID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.mismatches, oracleID)
}

// Poll checks the oracle status once and completes the query when it settled.
func (o *Orchestrator) Poll(ctx context.Context, oracleID string) bool {
	query := o.trackedQuery(oracleID)
	if query == nil {
		return true
	}
	status, err := o.oracle.QueryStatus(ctx, oracleID)
	if err != nil {
		if bridgeErrors.IsProtocolMismatch(err) {
			if o.countMismatch(oracleID) < o.opts.MaxStatusMismatches {
				log.Warn().Err(err).Str("oracleId", oracleID).Msg("[Orchestrator] [Poll] unexpected answer from the oracle, polling again")
				return false
			}
			log.Error().Err(err).Str("oracleId", oracleID).Int("mismatches", o.opts.MaxStatusMismatches).
				Msg("[Orchestrator] [Poll] oracle keeps answering unexpectedly, stop polling")
			o.untrack(oracleID)
			if err := o.store.CloseQuery(ctx, query.ID); err != nil {
				log.Error().Err(err).Str("oracleId", oracleID).Msg("[Orchestrator] [Poll] failed to close query")
			}
			return true
		}
		log.Warn().Err(err).Str("oracleId", oracleID).Msg("[Orchestrator] [Poll] query status request failed")
		return false
	}
	o.resetMismatches(oracleID)
	settled := status.Evaluate(query.ProofType)
	switch settled.Outcome {
	case oracle.OutcomeIgnore, oracle.OutcomePending:
		return false
	case oracle.OutcomeError:
		log.Error().Str("oracleId", oracleID).Interface("errors", status.Errors).
			Msg("[Orchestrator] [Poll] oracle query failed, sending partial result")
	}
	o.untrack(oracleID)
	if err := o.CompleteQuery(ctx, query, settled.Result, settled.Proof, false); err != nil {
		log.Error().Err(err).Str("contractRequestId", query.ContractRequestID).
			Msg("[Orchestrator] [Poll] query completion failed")
	}
	return true
}

// CompleteQuery sends the __callback transaction for a settled query. Unless
// force is set it refuses when a callback is already confirmed or pending.
func (o *Orchestrator) CompleteQuery(ctx context.Context, query *models.Query, result types.Value, proof types.Value, force bool) error {
	id := query.ContractRequestID
	lockKey := dedup.CallbackLockKey(id)
	if !o.guard.TryLock(lockKey) {
		log.Warn().Str("contractRequestId", id).Msg("[Orchestrator] [CompleteQuery] callback already running, skipping")
		return bridgeErrors.Wrap(bridgeErrors.KindDuplicateRequest, "CompleteQuery", bridgeErrors.ErrDuplicateRequest, id)
	}
	defer o.guard.Unlock(lockKey)

	if !force {
		if err := o.checkCallbackTx(ctx, query); err != nil {
			return err
		}
	}

	resultBytes := result.ResultBytes()
	var proofBytes []byte
	if types.HasProof(query.ProofType) {
		proofBytes = proof.ProofBytes()
	}
	data, err := evm.CallbackData(id, resultBytes, proofBytes, query.ProofType)
	if err != nil {
		return bridgeErrors.Wrap(bridgeErrors.KindInternal, "CompleteQuery", err, id)
	}
	gasLimit := query.CallbackGasLimit
	if gasLimit == 0 {
		gasLimit = o.opts.CallbackGas
	}
	to := common.HexToAddress(query.RequesterContractAddress)
	receipt, sendErr := o.sender.Send(ctx, evm.TxRequest{
		To:               to,
		Data:             data,
		GasLimit:         gasLimit,
		GasPrice:         parseGasPrice(query.CallbackGasPrice),
		SkipConfirmation: true,
	})

	callbackTx := &models.CallbackTx{
		ContractRequestID:   id,
		ToAddress:           to.Hex(),
		ResultPayload:       hex.EncodeToString(resultBytes),
		ProofPayload:        hex.EncodeToString(proofBytes),
		ProofType:           query.ProofType,
		OarAddress:          query.OarAddress,
		ConnectorAddress:    query.ConnectorAddress,
		CallbackFromAddress: query.CallbackFromAddress,
		LastCheckedAt:       o.now(),
	}
	if receipt != nil {
		if receipt.TxHash != (common.Hash{}) {
			callbackTx.TxHash = receipt.TxHash.Hex()
		}
		callbackTx.GasUsed = receipt.GasUsed
	}

	if sendErr != nil {
		metrics.CallbacksSent.WithLabelValues("error").Inc()
		callbackError := !bridgeErrors.IsTransientRPC(sendErr)
		var failedTx *models.CallbackTx
		if callbackTx.TxHash != "" {
			message := sendErr.Error()
			callbackTx.Error = &message
			failedTx = callbackTx
		}
		if force {
			//A re-send never reopens a completed query, only the attempt is kept
			if failedTx != nil {
				failedTx.Superseded = true
				if err := o.store.AddCallbackTx(ctx, failedTx); err != nil {
					log.Error().Err(err).Str("contractRequestId", id).Msg("[Orchestrator] [CompleteQuery] failed to store re-send attempt")
				}
			}
		} else if err := o.store.MarkCallbackFailure(ctx, query.ID, callbackError, failedTx); err != nil {
			log.Error().Err(err).Str("contractRequestId", id).Msg("[Orchestrator] [CompleteQuery] failed to store callback failure")
		}
		log.Error().Err(sendErr).Str("contractRequestId", id).Bool("callbackError", callbackError).
			Msg("[Orchestrator] [CompleteQuery] callback tx error")
		return sendErr
	}

	if err := o.store.MarkCallbackSuccess(ctx, query.ID, callbackTx); err != nil {
		log.Error().Err(err).Str("contractRequestId", id).Str("txHash", callbackTx.TxHash).
			Msg("[Orchestrator] [CompleteQuery] failed to store callback tx")
		return err
	}
	o.guard.MarkSeen(id)
	metrics.CallbacksSent.WithLabelValues("sent").Inc()
	log.Info().Str("contractRequestId", id).
		Str("txHash", callbackTx.TxHash).
		Str("contract", to.Hex()).
		Bool("force", force).
		Msg("[Orchestrator] [CompleteQuery] __callback called")
	return nil
}

// checkCallbackTx refuses a callback when one was confirmed or is pending.
func (o *Orchestrator) checkCallbackTx(ctx context.Context, query *models.Query) error {
	txs, err := o.store.FindCallbackTxs(ctx, query.ContractRequestID)
	if err != nil {
		return err
	}
	for _, tx := range txs {
		if tx.TxConfirmed || (tx.TxHash != "" && tx.Error == nil && !tx.Superseded) {
			return bridgeErrors.Wrap(bridgeErrors.KindDuplicateRequest, "CompleteQuery", bridgeErrors.ErrDuplicateRequest,
				fmt.Sprintf("%s already has callback %s", query.ContractRequestID, tx.TxHash))
		}
	}
	latest, err := o.store.FindLatestQuery(ctx, query.ContractRequestID)
	if err != nil {
		return err
	}
	if latest != nil && latest.CallbackComplete {
		return bridgeErrors.Wrap(bridgeErrors.KindDuplicateRequest, "CompleteQuery", bridgeErrors.ErrDuplicateRequest,
			fmt.Sprintf("__callback for %s was already called before", query.ContractRequestID))
	}
	return nil
}

func (o *Orchestrator) beginInflight(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.inflight[id]; ok {
		return false
	}
	o.inflight[id] = struct{}{}
	return true
}

func (o *Orchestrator) endInflight(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inflight, id)
}

func parseGasPrice(value string) *big.Int {
	if value == "" {
		return nil
	}
	price, ok := new(big.Int).SetString(value, 10)
	if !ok || price.Sign() <= 0 {
		return nil
	}
	return price
}
