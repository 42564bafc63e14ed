package bridge

import (
	"context"
	"time"

	"github.com/scalarorg/oracle-bridge/pkg/clients/evm"
	"github.com/scalarorg/oracle-bridge/pkg/clients/oracle"
	"github.com/scalarorg/oracle-bridge/pkg/db/models"
	"github.com/scalarorg/oracle-bridge/pkg/types"
)

const (
	COMPONENT_NAME = "Bridge"
	CONTEXT_TYPE   = "bridge"
)

type OracleClient interface {
	CreateQuery(ctx context.Context, req *oracle.CreateQueryRequest) (string, error)
	QueryStatus(ctx context.Context, oracleID string) (*oracle.QueryStatus, error)
}

type QueryStore interface {
	CreateQuery(ctx context.Context, query *models.Query) error
	FindLatestQuery(ctx context.Context, contractRequestID string) (*models.Query, error)
	FindPendingQueries(ctx context.Context, instance types.Instance) ([]models.Query, error)
	MarkCallbackSuccess(ctx context.Context, queryID uint, callbackTx *models.CallbackTx) error
	MarkCallbackFailure(ctx context.Context, queryID uint, callbackError bool, callbackTx *models.CallbackTx) error
	CloseQuery(ctx context.Context, queryID uint) error
	AddCallbackTx(ctx context.Context, callbackTx *models.CallbackTx) error
	FindCallbackTxs(ctx context.Context, contractRequestID string) ([]models.CallbackTx, error)
	FindUnconfirmedCallbackTxs(ctx context.Context, instance types.Instance) ([]models.CallbackTx, error)
	ConfirmCallbackTx(ctx context.Context, txHash string, blockHash string) (bool, error)
	TouchCallbackTx(ctx context.Context, id uint, at time.Time) error
	SupersedeCallbackTx(ctx context.Context, id uint) error
}

type Guard interface {
	IsAlreadyProcessed(ctx context.Context, contractRequestID string) (bool, error)
	MarkSeen(contractRequestID string)
	TryLock(key string) bool
	Unlock(key string)
	IsLocked(key string) bool
}

type TxSender interface {
	Send(ctx context.Context, req evm.TxRequest) (*evm.Receipt, error)
}

type ResumeOptions struct {
	// Skip leaves every pending query untouched.
	Skip bool
	// Force resumes failed and exhausted queries too.
	Force bool
}

type ResumeReport struct {
	Pending   int
	Resumed   int
	Skipped   int
	Exhausted int
}
