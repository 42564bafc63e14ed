package bridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/scalarorg/oracle-bridge/pkg/clients/evm"
	"github.com/scalarorg/oracle-bridge/pkg/db"
	bridgeErrors "github.com/scalarorg/oracle-bridge/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestShutdownStopsReconnectLoop(t *testing.T) {
	h := newHarness(t)
	h.gateway.SetErr(errors.New("connection refused"))
	store, err := db.NewInMemoryAdapter()
	require.NoError(t, err)
	rpcClient := rpc.DialInProc(rpc.NewServer())

	service := &Service{
		DbAdapter:       store,
		EvmClient:       &evm.EvmClient{RpcClient: rpcClient, Client: ethclient.NewClient(rpcClient)},
		Orchestrator:    h.orchestrator,
		Reorg:           evm.NewReorgMonitor(h.gateway, store, nil, evm.ReorgMonitorOptions{Disabled: true}),
		Connection:      evm.NewConnectionMonitor(h.gateway, 10*time.Millisecond, evm.ConnectionHooks{}),
		tracingShutdown: func(context.Context) error { return nil },
	}
	ctx, cancel := context.WithCancel(context.Background())
	service.Connection.Start(ctx)
	service.Connection.ReportError(bridgeErrors.TransientRPC("BlockNumber", errors.New("connection refused")))
	require.False(t, service.Connection.Connected())

	done := make(chan struct{})
	go func() {
		service.shutdown(cancel)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		cancel()
		t.Fatal("shutdown blocked on the reconnect loop")
	}
}
