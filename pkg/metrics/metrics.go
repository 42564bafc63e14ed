package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "oracle_bridge"

// Metrics used in monitoring service.
var (
	EventsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Help:      "Connector events received, by event name",
			Name:      "events_received_total",
			Namespace: namespace,
		},
		[]string{"event"},
	)
	EventsMalformed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Help:      "Connector events dropped because they could not be decoded",
			Name:      "events_malformed_total",
			Namespace: namespace,
		},
	)
	EventsDuplicate = prometheus.NewCounter(
		prometheus.CounterOpts{
			Help:      "Connector events skipped as already processed",
			Name:      "events_duplicate_total",
			Namespace: namespace,
		},
	)
	OracleRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Help:      "Oracle API calls, by operation and outcome",
			Name:      "oracle_requests_total",
			Namespace: namespace,
		},
		[]string{"op", "outcome"},
	)
	QueriesCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Help:      "Queries stored after a successful oracle create",
			Name:      "queries_created_total",
			Namespace: namespace,
		},
	)
	PendingPolls = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Help:      "Queries waiting in the poll scheduler",
			Name:      "pending_polls",
			Namespace: namespace,
		},
	)
	CallbacksSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Help:      "Callback transactions, by outcome",
			Name:      "callbacks_sent_total",
			Namespace: namespace,
		},
		[]string{"outcome"},
	)
	CallbacksConfirmed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Help:      "Callback transactions confirmed by the auditor",
			Name:      "callbacks_confirmed_total",
			Namespace: namespace,
		},
	)
	CallbacksResent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Help:      "Stuck callback transactions sent again",
			Name:      "callbacks_resent_total",
			Namespace: namespace,
		},
	)
	TxSendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Help:      "Time spent signing and broadcasting a transaction",
			Name:      "tx_send_seconds",
			Namespace: namespace,
		},
	)
	ChainHead = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Help:      "Latest block number reported by the node",
			Name:      "chain_head",
			Namespace: namespace,
		},
	)
	ReorgLowWaterMark = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Help:      "Next block re-scanned by the reorg monitor",
			Name:      "reorg_low_water_mark",
			Namespace: namespace,
		},
	)
	RPCConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Help:      "1 when the JSON-RPC node is reachable",
			Name:      "rpc_connected",
			Namespace: namespace,
		},
	)
	AccountBalance = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Help:      "Callback account balance in ether",
			Name:      "account_balance",
			Namespace: namespace,
		},
	)
	AverageBlockTime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Help:      "Average block time in seconds over the last 100 blocks",
			Name:      "average_block_time_seconds",
			Namespace: namespace,
		},
	)
	LogQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Help:      "Logs waiting to be handled",
			Name:      "log_queue_depth",
			Namespace: namespace,
		},
	)
)

func init() {
	prometheus.MustRegister(
		EventsReceived,
		EventsMalformed,
		EventsDuplicate,
		OracleRequests,
		QueriesCreated,
		PendingPolls,
		CallbacksSent,
		CallbacksConfirmed,
		CallbacksResent,
		TxSendDuration,
		ChainHead,
		ReorgLowWaterMark,
		RPCConnected,
		AccountBalance,
		AverageBlockTime,
		LogQueueDepth,
	)
}
