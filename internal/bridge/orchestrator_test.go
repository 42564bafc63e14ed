package bridge

import (
	"context"
	"encoding/base64"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	eth_types "github.com/ethereum/go-ethereum/core/types"
	"github.com/scalarorg/oracle-bridge/pkg/clients/evm"
	"github.com/scalarorg/oracle-bridge/pkg/clients/evm/evmtest"
	"github.com/scalarorg/oracle-bridge/pkg/clients/evm/parser"
	"github.com/scalarorg/oracle-bridge/pkg/clients/oracle"
	"github.com/scalarorg/oracle-bridge/pkg/db"
	"github.com/scalarorg/oracle-bridge/pkg/db/models"
	"github.com/scalarorg/oracle-bridge/pkg/dedup"
	"github.com/scalarorg/oracle-bridge/pkg/events"
	bridgeErrors "github.com/scalarorg/oracle-bridge/pkg/errors"
	"github.com/scalarorg/oracle-bridge/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testInstance = types.Instance{
		OAR:          common.HexToAddress("0x6f485C8BF6fc43eA212E93BBF8ce046C7f1cb475"),
		Connector:    common.HexToAddress("0x51efaF4c8B3C9AfBD5aB9F4bbC82784Ab6ef8fAA"),
		CallbackFrom: common.HexToAddress("0x26588a9301b0428d95e6Fc3A5024fcE8BEc12D51"),
	}
	requester = common.HexToAddress("0x000000000000000000000000000000000000dEaD")
	fixedNow  = time.Unix(1_700_000_000, 0)
)

type fakeOracle struct {
	mu         sync.Mutex
	createErrs []error
	created    []oracle.CreateQueryRequest
	statuses   map[string]*oracle.QueryStatus
	statusErr  error
	checks     int
}

func newFakeOracle() *fakeOracle {
	return &fakeOracle{statuses: map[string]*oracle.QueryStatus{}}
}

func (f *fakeOracle) CreateQuery(ctx context.Context, req *oracle.CreateQueryRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, *req)
	if len(f.createErrs) > 0 {
		err := f.createErrs[0]
		f.createErrs = f.createErrs[1:]
		if err != nil {
			return "", err
		}
	}
	return "oracle-" + req.ID2[:8], nil
}

func (f *fakeOracle) QueryStatus(ctx context.Context, oracleID string) (*oracle.QueryStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks++
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	status, ok := f.statuses[oracleID]
	if !ok {
		active := true
		return &oracle.QueryStatus{Active: &active}, nil
	}
	return status, nil
}

func (f *fakeOracle) setStatus(oracleID string, status *oracle.QueryStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[oracleID] = status
}

func (f *fakeOracle) createdRequests() []oracle.CreateQueryRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]oracle.CreateQueryRequest(nil), f.created...)
}

func settledStatus(result string, errs ...any) *oracle.QueryStatus {
	active := false
	return &oracle.QueryStatus{
		Active: &active,
		Checks: []oracle.QueryCheck{{Results: []types.Value{types.TextValue(result)}, Errors: errs}},
	}
}

type harness struct {
	gateway      *evmtest.FakeGateway
	store        *db.DatabaseAdapter
	oracle       *fakeOracle
	guard        *dedup.Guard
	orchestrator *Orchestrator
}

func newHarness(t *testing.T) *harness {
	gateway := evmtest.NewFakeGateway()
	store, err := db.NewInMemoryAdapter()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	txManager, err := evm.NewTxManager(gateway, evm.TxManagerOptions{Mode: evm.MODE_ACTIVE, From: testInstance.CallbackFrom})
	require.NoError(t, err)
	guard := dedup.NewGuard(store, dedup.Options{})
	fake := newFakeOracle()
	orchestrator := NewOrchestrator(gateway, fake, store, guard, txManager, OrchestratorOptions{
		Instance:     testInstance,
		InstanceID:   "8d1c1f4e-6a43-4b55-9a0a-5b8f8f1d2c11",
		Name:         "oracle-bridge",
		Version:      "0.1.0",
		CallbackGas:  200000,
		PollInterval: 10 * time.Millisecond,
	})
	orchestrator.now = func() time.Time { return fixedNow }
	return &harness{gateway: gateway, store: store, oracle: fake, guard: guard, orchestrator: orchestrator}
}

func (h *harness) runPoller(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.orchestrator.Poller().Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func requestID(b byte) [32]byte {
	var id [32]byte
	id[0] = 0x4c
	id[1] = b
	id[31] = b
	return id
}

func log1(t *testing.T, id [32]byte, timestamp int64, formula string) eth_types.Log {
	return log1WithProof(t, id, timestamp, formula, 0x00)
}

func log1WithProof(t *testing.T, id [32]byte, timestamp int64, formula string, proofType byte) eth_types.Log {
	event := parser.GetConnectorAbi().Events[types.EVENT_LOG1]
	data, err := event.Inputs.Pack(id, requester, "URL", big.NewInt(timestamp), formula,
		[1]byte{proofType}, big.NewInt(250000), big.NewInt(0))
	require.NoError(t, err)
	return eth_types.Log{
		Address:     testInstance.Connector,
		Topics:      []common.Hash{event.ID},
		Data:        data,
		BlockNumber: 90,
		BlockHash:   common.HexToHash("0xb10c"),
		TxHash:      common.BytesToHash(id[:]),
	}
}

func oracleIDOf(id [32]byte) string {
	return "oracle-" + common.Bytes2Hex(id[:])[:8]
}

func TestHandleLogSendsCallback(t *testing.T) {
	h := newHarness(t)
	id := requestID(1)
	h.oracle.setStatus(oracleIDOf(id), settledStatus("42"))
	h.runPoller(t)

	require.NoError(t, h.orchestrator.HandleLog(context.Background(), log1(t, id, 0, "json(https://example.com).price")))

	created := h.oracle.createdRequests()
	require.Len(t, created, 1)
	assert.Equal(t, "json(https://example.com).price", created[0].Query)
	assert.Equal(t, oracle.PROTOCOL_ETH, created[0].Context.Protocol)
	assert.Equal(t, CONTEXT_TYPE, created[0].Context.Type)
	assert.Equal(t, h.gateway.HeaderTime, created[0].Context.RelativeTimestamp)

	require.Eventually(t, func() bool { return h.gateway.SentCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	data := h.gateway.SentData()[0]
	gotID, result, proof, err := evm.DecodeCallbackData(data)
	require.NoError(t, err)
	assert.Equal(t, id, gotID)
	assert.Equal(t, "42", result)
	assert.Empty(t, proof)

	require.Eventually(t, func() bool {
		query, err := h.store.FindLatestQuery(context.Background(), common.BytesToHash(id[:]).Hex())
		return err == nil && query != nil && query.CallbackComplete && !query.QueryActive
	}, 2*time.Second, 10*time.Millisecond)
	txs, err := h.store.FindCallbackTxs(context.Background(), common.BytesToHash(id[:]).Hex())
	require.NoError(t, err)
	require.Len(t, txs, 1)
	gas, err := hexutil.DecodeUint64(h.gateway.SentUnsigned[0].Gas)
	require.NoError(t, err)
	assert.Equal(t, uint64(250000), gas)
	assert.Equal(t, requester.Hex(), txs[0].ToAddress)
	assert.Eventually(t, func() bool { return h.orchestrator.Poller().Pending() == 0 }, time.Second, 10*time.Millisecond)
}

func TestHandleLogSchedulesFutureTarget(t *testing.T) {
	h := newHarness(t)
	id := requestID(2)

	require.NoError(t, h.orchestrator.HandleLog(context.Background(), log1(t, id, 120, "sunny")))

	query, err := h.store.FindLatestQuery(context.Background(), common.BytesToHash(id[:]).Hex())
	require.NoError(t, err)
	require.NotNil(t, query)
	assert.Equal(t, fixedNow.Unix()+120, query.TargetUnixTime)
	assert.Equal(t, int64(120), query.QueryDelay)
	assert.True(t, query.QueryActive)
	assert.True(t, h.orchestrator.Poller().Has(oracleIDOf(id)))
	assert.Equal(t, 0, h.gateway.SentCount())
}

func TestOracleErrorSendsPartialResult(t *testing.T) {
	h := newHarness(t)
	id := requestID(3)
	h.oracle.setStatus(oracleIDOf(id), settledStatus("partial", "timeout"))
	h.runPoller(t)

	require.NoError(t, h.orchestrator.HandleLog(context.Background(), log1(t, id, 0, "flaky")))

	require.Eventually(t, func() bool { return h.gateway.SentCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	_, result, _, err := evm.DecodeCallbackData(h.gateway.SentData()[0])
	require.NoError(t, err)
	assert.Equal(t, "partial", result)
}

func TestCreateQueryRetriesTransientErrors(t *testing.T) {
	h := newHarness(t)
	h.orchestrator.opts.CreateRetryDelay = 20 * time.Second
	var mu sync.Mutex
	var waited []time.Duration
	h.orchestrator.after = func(d time.Duration) <-chan time.Time {
		mu.Lock()
		waited = append(waited, d)
		mu.Unlock()
		ch := make(chan time.Time, 1)
		ch <- fixedNow
		return ch
	}
	h.oracle.createErrs = []error{bridgeErrors.TransientOracle("create", context.DeadlineExceeded), nil}
	id := requestID(4)

	require.NoError(t, h.orchestrator.HandleLog(context.Background(), log1(t, id, 60, "sunny")))

	require.Eventually(t, func() bool {
		query, err := h.store.FindLatestQuery(context.Background(), common.BytesToHash(id[:]).Hex())
		return err == nil && query != nil
	}, 2*time.Second, 10*time.Millisecond)
	h.orchestrator.Wait()
	created := h.oracle.createdRequests()
	require.Len(t, created, 2)
	assert.Equal(t, int64(60), created[0].When)
	assert.Equal(t, int64(40), created[1].When)
	mu.Lock()
	assert.Equal(t, []time.Duration{20 * time.Second}, waited)
	mu.Unlock()
	assert.True(t, h.orchestrator.Poller().Has(oracleIDOf(id)))
}

func TestCreateRetryDoesNotBlockQueue(t *testing.T) {
	h := newHarness(t)
	h.oracle.createErrs = []error{bridgeErrors.TransientOracle("create", context.DeadlineExceeded)}
	queue := events.NewLogQueue(8, func(ctx context.Context, receiptLog eth_types.Log) {
		_ = h.orchestrator.HandleLog(ctx, receiptLog)
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = queue.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		h.orchestrator.Wait()
	})
	failing, next := requestID(20), requestID(21)

	queue.Push([]eth_types.Log{log1(t, failing, 3600, "first"), log1(t, next, 3600, "second")})

	require.Eventually(t, func() bool {
		query, err := h.store.FindLatestQuery(context.Background(), common.BytesToHash(next[:]).Hex())
		return err == nil && query != nil
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, queue.Len())
	query, err := h.store.FindLatestQuery(context.Background(), common.BytesToHash(failing[:]).Hex())
	require.NoError(t, err)
	assert.Nil(t, query)

	// the failing request is still in flight, a re-delivery does not create it twice
	require.NoError(t, h.orchestrator.HandleLog(context.Background(), log1(t, failing, 3600, "first")))
	assert.Len(t, h.oracle.createdRequests(), 2)
}

func TestCreateQueryStopsOnProtocolMismatch(t *testing.T) {
	h := newHarness(t)
	h.oracle.createErrs = []error{bridgeErrors.ProtocolMismatch("create", "status 500")}
	id := requestID(5)

	err := h.orchestrator.HandleLog(context.Background(), log1(t, id, 0, "sunny"))
	require.Error(t, err)
	assert.True(t, bridgeErrors.IsProtocolMismatch(err))
	query, err := h.store.FindLatestQuery(context.Background(), common.BytesToHash(id[:]).Hex())
	require.NoError(t, err)
	assert.Nil(t, query)
}

func TestHandleLogSkipsDuplicates(t *testing.T) {
	h := newHarness(t)
	id := requestID(6)
	raw := log1(t, id, 3600, "sunny")

	require.NoError(t, h.orchestrator.HandleLog(context.Background(), raw))
	require.NoError(t, h.orchestrator.HandleLog(context.Background(), raw))
	assert.Len(t, h.oracle.createdRequests(), 1)
}

func TestHandleLogIgnoresOtherContracts(t *testing.T) {
	h := newHarness(t)
	raw := log1(t, requestID(7), 0, "sunny")
	raw.Address = common.HexToAddress("0x1234")

	require.NoError(t, h.orchestrator.HandleLog(context.Background(), raw))
	assert.Empty(t, h.oracle.createdRequests())
}

func TestHandleLogRejectsFarFutureTarget(t *testing.T) {
	h := newHarness(t)
	target := fixedNow.Add(61 * 24 * time.Hour).Unix()

	err := h.orchestrator.HandleLog(context.Background(), log1(t, requestID(8), target, "sunny"))
	require.Error(t, err)
	assert.True(t, bridgeErrors.IsMalformed(err))
	assert.Empty(t, h.oracle.createdRequests())
}

func TestHandleLogRejectsUnknownTopic(t *testing.T) {
	h := newHarness(t)
	raw := log1(t, requestID(9), 0, "sunny")
	raw.Topics = []common.Hash{common.HexToHash("0x01")}

	err := h.orchestrator.HandleLog(context.Background(), raw)
	require.Error(t, err)
	assert.Empty(t, h.oracle.createdRequests())
}

func TestPollKeepsGoingOnProtocolMismatch(t *testing.T) {
	h := newHarness(t)
	h.orchestrator.opts.MaxStatusMismatches = 3
	h.oracle.statusErr = bridgeErrors.ProtocolMismatch("status", "status 502")
	query := storedQuery(t, h, requestID(12), nil)
	h.orchestrator.tracked[query.OracleRequestID] = query

	assert.False(t, h.orchestrator.Poll(context.Background(), query.OracleRequestID))
	assert.False(t, h.orchestrator.Poll(context.Background(), query.OracleRequestID))
	assert.NotNil(t, h.orchestrator.trackedQuery(query.OracleRequestID))

	// an answer in between resets the count
	h.oracle.statusErr = nil
	assert.False(t, h.orchestrator.Poll(context.Background(), query.OracleRequestID))
	h.oracle.statusErr = bridgeErrors.ProtocolMismatch("status", "status 502")
	assert.False(t, h.orchestrator.Poll(context.Background(), query.OracleRequestID))
	assert.False(t, h.orchestrator.Poll(context.Background(), query.OracleRequestID))
	loaded, err := h.store.FindLatestQuery(context.Background(), query.ContractRequestID)
	require.NoError(t, err)
	assert.True(t, loaded.QueryActive)

	assert.True(t, h.orchestrator.Poll(context.Background(), query.OracleRequestID))
	assert.Nil(t, h.orchestrator.trackedQuery(query.OracleRequestID))
	assert.Equal(t, 0, h.gateway.SentCount())
	loaded, err = h.store.FindLatestQuery(context.Background(), query.ContractRequestID)
	require.NoError(t, err)
	assert.False(t, loaded.QueryActive)
}

func TestPollKeepsGoingOnTransientErrors(t *testing.T) {
	h := newHarness(t)
	h.oracle.statusErr = bridgeErrors.TransientOracle("status", context.DeadlineExceeded)
	h.orchestrator.tracked["abc"] = &models.Query{ContractRequestID: "0x01", OracleRequestID: "abc"}

	assert.False(t, h.orchestrator.Poll(context.Background(), "abc"))
	assert.NotNil(t, h.orchestrator.trackedQuery("abc"))
}

func storedQuery(t *testing.T, h *harness, id [32]byte, mutate func(*models.Query)) *models.Query {
	query := &models.Query{
		ContractRequestID:        common.BytesToHash(id[:]).Hex(),
		OracleRequestID:          oracleIDOf(id),
		EventName:                types.EVENT_LOG1,
		RequesterContractAddress: requester.Hex(),
		CallbackGasLimit:         250000,
		ProofType:                types.NO_PROOF,
		OarAddress:               testInstance.OAR.Hex(),
		ConnectorAddress:         testInstance.Connector.Hex(),
		CallbackFromAddress:      testInstance.CallbackFrom.Hex(),
	}
	if mutate != nil {
		mutate(query)
	}
	require.NoError(t, h.store.CreateQuery(context.Background(), query))
	return query
}

func TestCompleteQuerySendsExactlyOnce(t *testing.T) {
	h := newHarness(t)
	query := storedQuery(t, h, requestID(10), nil)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = h.orchestrator.CompleteQuery(context.Background(), query, types.TextValue("1"), types.NullValue(), false)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, h.gateway.SentCount())
	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, bridgeErrors.ErrDuplicateRequest)
	}
	assert.Equal(t, 1, succeeded)
}

func TestCompleteQueryRecordsSendFailure(t *testing.T) {
	h := newHarness(t)
	h.gateway.SendErr = bridgeErrors.TransientRPC("send", context.DeadlineExceeded)
	query := storedQuery(t, h, requestID(11), nil)

	err := h.orchestrator.CompleteQuery(context.Background(), query, types.TextValue("1"), types.NullValue(), false)
	require.Error(t, err)

	loaded, err := h.store.FindLatestQuery(context.Background(), query.ContractRequestID)
	require.NoError(t, err)
	assert.False(t, loaded.QueryActive)
	assert.False(t, loaded.CallbackComplete)
	assert.False(t, loaded.CallbackError)
	assert.Equal(t, db.MAX_RETRY_COUNT, loaded.RetryCount)
	txs, err := h.store.FindCallbackTxs(context.Background(), query.ContractRequestID)
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestForcedResendFailureKeepsQueryComplete(t *testing.T) {
	h := newHarness(t)
	query := storedQuery(t, h, requestID(13), nil)
	require.NoError(t, h.orchestrator.CompleteQuery(context.Background(), query, types.TextValue("1"), types.NullValue(), false))

	h.gateway.SendErr = errors.New("replacement transaction underpriced")
	err := h.orchestrator.CompleteQuery(context.Background(), query, types.TextValue("1"), types.NullValue(), true)
	require.Error(t, err)

	loaded, err := h.store.FindLatestQuery(context.Background(), query.ContractRequestID)
	require.NoError(t, err)
	assert.True(t, loaded.CallbackComplete)
	assert.False(t, loaded.CallbackError)
	assert.Equal(t, 0, loaded.RetryCount)
	pending, err := h.store.FindPendingQueries(context.Background(), testInstance)
	require.NoError(t, err)
	assert.Empty(t, pending)
	txs, err := h.store.FindCallbackTxs(context.Background(), query.ContractRequestID)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestHandleLogSendsCallbackWithProof(t *testing.T) {
	h := newHarness(t)
	id := requestID(14)
	proof := []byte("proof-bytes")
	active := false
	h.oracle.setStatus(oracleIDOf(id), &oracle.QueryStatus{
		Active: &active,
		Checks: []oracle.QueryCheck{{
			Results: []types.Value{types.TextValue("42")},
			Proofs:  []types.Value{types.WrappedValue("base64", base64.StdEncoding.EncodeToString(proof))},
		}},
	})
	h.runPoller(t)

	require.NoError(t, h.orchestrator.HandleLog(context.Background(), log1WithProof(t, id, 0, "price", 0x01)))

	require.Eventually(t, func() bool { return h.gateway.SentCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	data := h.gateway.SentData()[0]
	assert.Equal(t, "0x38bbfa50", hexutil.Encode(data[:4]))
	gotID, result, gotProof, err := evm.DecodeCallbackData(data)
	require.NoError(t, err)
	assert.Equal(t, id, gotID)
	assert.Equal(t, "42", result)
	assert.Equal(t, proof, gotProof)
}

func TestHandleLogIgnoresRedeliveryAfterCallback(t *testing.T) {
	h := newHarness(t)
	id := requestID(15)
	h.oracle.setStatus(oracleIDOf(id), settledStatus("42"))
	h.runPoller(t)
	raw := log1(t, id, 0, "sunny")

	require.NoError(t, h.orchestrator.HandleLog(context.Background(), raw))
	require.Eventually(t, func() bool {
		query, err := h.store.FindLatestQuery(context.Background(), common.BytesToHash(id[:]).Hex())
		return err == nil && query != nil && query.CallbackComplete
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.orchestrator.HandleLog(context.Background(), raw))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.gateway.SentCount())
	assert.Len(t, h.oracle.createdRequests(), 1)
}
