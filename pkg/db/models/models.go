package models

import (
	"time"

	"gorm.io/gorm"
)

// Query is the lifecycle record of one connector request.
type Query struct {
	gorm.Model
	ContractRequestID        string `gorm:"index:idx_query_request;type:varchar(66)"`
	OracleRequestID          string `gorm:"index;type:varchar(255)"`
	EventName                string `gorm:"type:varchar(16)"`
	EventTxHash              string `gorm:"type:varchar(66)"`
	EventBlockHash           string `gorm:"type:varchar(66)"`
	EventBlockNumber         uint64 `gorm:"type:bigint"`
	EventLogIndex            uint
	RequesterContractAddress string `gorm:"type:varchar(42)"`
	CallbackGasLimit         uint64 `gorm:"type:bigint"`
	CallbackGasPrice         string `gorm:"type:varchar(78)"`
	ProofType                string `gorm:"type:varchar(4)"`
	DatasourceName           string `gorm:"type:varchar(255)"`
	Formula                  string `gorm:"type:text"` //JSON encoded formula
	QueryDelay               int64  //Raw timestamp from the event
	TargetUnixTime           int64
	QueryActive              bool `gorm:"index:idx_query_request"`
	CallbackComplete         bool `gorm:"default:false"`
	CallbackError            bool `gorm:"default:false"`
	RetryCount               int  `gorm:"default:0"`
	OarAddress               string `gorm:"index:idx_query_instance;type:varchar(42)"`
	ConnectorAddress         string `gorm:"type:varchar(42)"`
	CallbackFromAddress      string `gorm:"index:idx_query_instance;type:varchar(42)"`
	BridgeVersion            string `gorm:"type:varchar(32)"`
}

// CallbackTx is one __callback transaction sent for a query.
type CallbackTx struct {
	gorm.Model
	ContractRequestID   string  `gorm:"index;type:varchar(66)"`
	TxHash              string  `gorm:"index;type:varchar(66)"`
	ToAddress           string  `gorm:"type:varchar(42)"`
	ResultPayload       string  `gorm:"type:text"` //hex
	ProofPayload        string  `gorm:"type:text"` //hex
	ProofType           string  `gorm:"type:varchar(4)"`
	GasUsed             uint64  `gorm:"type:bigint"`
	Error               *string `gorm:"type:text"`
	TxConfirmed         bool    `gorm:"default:false"`
	ConfirmedBlockHash  string  `gorm:"type:varchar(66)"`
	Superseded          bool    `gorm:"default:false"`
	OarAddress          string  `gorm:"index:idx_callback_instance;type:varchar(42)"`
	ConnectorAddress    string  `gorm:"type:varchar(42)"`
	CallbackFromAddress string  `gorm:"index:idx_callback_instance;type:varchar(42)"`
	LastCheckedAt       time.Time
}

// BridgeCheckpoint stores the last processed block per chain and connector.
type BridgeCheckpoint struct {
	gorm.Model
	ChainID          uint64 `gorm:"uniqueIndex:idx_checkpoint_chain;type:bigint"`
	ConnectorAddress string `gorm:"uniqueIndex:idx_checkpoint_chain;type:varchar(42)"`
	LastBlock        uint64 `gorm:"type:bigint"`
	LowWaterMark     uint64 `gorm:"type:bigint"`
}

func (Query) TableName() string {
	return "queries"
}

func (CallbackTx) TableName() string {
	return "callback_txs"
}

func (BridgeCheckpoint) TableName() string {
	return "bridge_checkpoints"
}
