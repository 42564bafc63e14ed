package evm_test

import (
	"context"
	"errors"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"
	"github.com/scalarorg/oracle-bridge/pkg/clients/evm"
	"github.com/scalarorg/oracle-bridge/pkg/clients/evm/evmtest"
	"github.com/scalarorg/oracle-bridge/pkg/clients/evm/parser"
	bridgeErrors "github.com/scalarorg/oracle-bridge/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecoverEventsChunksRange(t *testing.T) {
	gateway := evmtest.NewFakeGateway()
	gateway.AddLogs(connectorLog(10), connectorLog(6000), connectorLog(12000))
	sink := &collector{}

	count, err := evm.RecoverEvents(context.Background(), gateway, connectorAddress, 1, 12000, sink.sink)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	assert.Equal(t, []uint64{10, 6000, 12000}, sink.blocks())
	require.Len(t, gateway.Filters, 3)
	assert.Equal(t, uint64(5000), gateway.Filters[0].ToBlock.Uint64())
	assert.Equal(t, uint64(5001), gateway.Filters[1].FromBlock.Uint64())
	assert.Equal(t, uint64(12000), gateway.Filters[2].ToBlock.Uint64())
	assert.Equal(t, []common.Address{connectorAddress}, gateway.Filters[0].Addresses)

	_, err = evm.RecoverEvents(context.Background(), gateway, connectorAddress, 10, 9, sink.sink)
	assert.Error(t, err)
}

func TestLogWatcherPollsNewBlocks(t *testing.T) {
	gateway := evmtest.NewFakeGateway()
	gateway.Head = 100
	gateway.AddLogs(connectorLog(99), connectorLog(101), connectorLog(103))
	sink := &collector{}
	watcher := evm.NewLogWatcher(gateway, connectorAddress, time.Millisecond, sink.sink)
	var lastBlock atomic.Uint64
	watcher.OnBlock(func(block uint64) { lastBlock.Store(block) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- watcher.Run(ctx, 100) }()

	gateway.SetHead(103)
	assert.Eventually(t, func() bool { return lastBlock.Load() == 103 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, []uint64{101, 103}, sink.blocks())
}

func TestLogWatcherReportsErrorsAndSkips(t *testing.T) {
	gateway := evmtest.NewFakeGateway()
	sink := &collector{}
	watcher := evm.NewLogWatcher(gateway, connectorAddress, time.Millisecond, sink.sink)
	var reported error
	watcher.OnError(func(err error) { reported = err })
	watcher.SkipTo(50)

	gateway.SetErr(bridgeErrors.TransientRPC("BlockNumber", errors.New("connection refused")))
	require.Error(t, watcher.Poll(context.Background()))
	assert.True(t, bridgeErrors.IsTransientRPC(reported))

	gateway.SetErr(nil)
	watcher.SetConnected(func() bool { return false })
	require.NoError(t, watcher.Poll(context.Background()))
	assert.Equal(t, 0, gateway.FilterCount())

	watcher.SetConnected(func() bool { return true })
	require.NoError(t, watcher.Poll(context.Background()))
	require.Len(t, gateway.Filters, 1)
	assert.Equal(t, uint64(50), gateway.Filters[0].FromBlock.Uint64())
	assert.Equal(t, uint64(100), gateway.Filters[0].ToBlock.Uint64())
}

func TestConnectionMonitorRecovers(t *testing.T) {
	gateway := evmtest.NewFakeGateway()
	gateway.Head = 120
	var disconnected, restarted atomic.Int32
	var recoveredFrom, recoveredTo atomic.Uint64
	monitor := evm.NewConnectionMonitor(gateway, time.Millisecond, evm.ConnectionHooks{
		Disconnected: func() { disconnected.Add(1) },
		Recovered: func(ctx context.Context, lastSeen uint64, head uint64) {
			recoveredFrom.Store(lastSeen)
			recoveredTo.Store(head)
		},
		Restarted: func() { restarted.Add(1) },
		LastSeen:  func() uint64 { return 100 },
	})
	monitor.SetRestartDelay(time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	monitor.Start(ctx)

	// not a connection problem
	monitor.ReportError(errors.New("execution reverted"))
	assert.True(t, monitor.Connected())

	gateway.SetErr(errors.New("dial tcp: connection refused"))
	rpcErr := bridgeErrors.TransientRPC("BlockNumber", errors.New("dial tcp: connection refused"))
	monitor.ReportError(rpcErr)
	monitor.ReportError(rpcErr)
	assert.False(t, monitor.Connected())
	assert.Equal(t, int32(1), disconnected.Load())

	gateway.SetErr(nil)
	assert.Eventually(t, func() bool { return restarted.Load() == 1 }, time.Second, time.Millisecond)
	monitor.Wait()
	assert.True(t, monitor.Connected())
	assert.Equal(t, uint64(100), recoveredFrom.Load())
	assert.Equal(t, uint64(120), recoveredTo.Load())
}

func TestResolveInstance(t *testing.T) {
	oar := common.HexToAddress("0x6f485C8BF6fc43eA212E93BBF8ce046C7f1cb475")
	account := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	gateway := evmtest.NewFakeGateway()
	connectorOut, err := parser.GetOarAbi().Methods["getAddress"].Outputs.Pack(connectorAddress)
	require.NoError(t, err)
	cbOut, err := parser.GetConnectorAbi().Methods["cbAddress"].Outputs.Pack(account)
	require.NoError(t, err)
	gateway.CallResults[oar] = connectorOut
	gateway.CallResults[connectorAddress] = cbOut

	instance, err := evm.ResolveInstance(context.Background(), gateway, oar, account)
	require.NoError(t, err)
	assert.Equal(t, oar, instance.OAR)
	assert.Equal(t, connectorAddress, instance.Connector)
	assert.Equal(t, account, instance.CallbackFrom)

	_, err = evm.ResolveInstance(context.Background(), gateway, oar, common.HexToAddress("0xbb"))
	assert.Error(t, err)

	unset, err := parser.GetOarAbi().Methods["getAddress"].Outputs.Pack(common.Address{})
	require.NoError(t, err)
	gateway.CallResults[oar] = unset
	_, err = evm.ResolveInstance(context.Background(), gateway, oar, account)
	assert.Error(t, err)
}

func TestCheckBalanceAndBlockTime(t *testing.T) {
	gateway := evmtest.NewFakeGateway()
	gateway.Balance = new(big.Int).Div(big.NewInt(params.Ether), big.NewInt(100))
	account := common.HexToAddress("0xaa")

	low, err := evm.CheckBalance(context.Background(), gateway, account, big.NewInt(params.Ether))
	require.NoError(t, err)
	assert.True(t, low)
	low, err = evm.CheckBalance(context.Background(), gateway, account, big.NewInt(1))
	require.NoError(t, err)
	assert.False(t, low)

	avg, err := evm.AverageBlockTime(context.Background(), gateway, 100, 100)
	require.NoError(t, err)
	assert.InDelta(t, 12.0, avg, 0.001)

	stats, err := evm.CollectNodeStats(context.Background(), gateway)
	require.NoError(t, err)
	assert.Equal(t, uint64(1337), stats.ChainID)
	assert.Equal(t, uint64(100), stats.Head)
}
