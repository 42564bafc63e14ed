package bridge

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog/log"
	"github.com/scalarorg/oracle-bridge/pkg/clients/evm"
)

// Job is a periodic task run by the service scheduler.
type Job interface {
	GetName() string
	GetSchedule() gocron.JobDefinition
	Execute()
}

type reorgJob struct {
	ctx      context.Context
	monitor  *evm.ReorgMonitor
	interval time.Duration
}

func (j *reorgJob) GetName() string {
	return "reorg_monitor"
}

func (j *reorgJob) GetSchedule() gocron.JobDefinition {
	return gocron.DurationJob(j.interval)
}

func (j *reorgJob) Execute() {
	if err := j.monitor.Tick(j.ctx); err != nil {
		log.Warn().Err(err).Msg("[ReorgJob] [Execute] reorg tick failed")
	}
}

type auditJob struct {
	ctx      context.Context
	auditor  *Auditor
	interval time.Duration
}

func (j *auditJob) GetName() string {
	return "callback_auditor"
}

func (j *auditJob) GetSchedule() gocron.JobDefinition {
	return gocron.DurationJob(j.interval)
}

func (j *auditJob) Execute() {
	if err := j.auditor.Tick(j.ctx); err != nil {
		log.Warn().Err(err).Msg("[AuditJob] [Execute] audit tick failed")
	}
}

type balanceJob struct {
	ctx      context.Context
	gateway  evm.Gateway
	account  common.Address
	limit    *big.Int
	interval time.Duration
	onError  func(error)
}

func (j *balanceJob) GetName() string {
	return "balance_watcher"
}

func (j *balanceJob) GetSchedule() gocron.JobDefinition {
	return gocron.DurationJob(j.interval)
}

func (j *balanceJob) Execute() {
	if _, err := evm.CheckBalance(j.ctx, j.gateway, j.account, j.limit); err != nil {
		log.Warn().Err(err).Msg("[BalanceJob] [Execute] balance check failed")
		if j.onError != nil {
			j.onError(err)
		}
	}
}

// registerJob adds a singleton job, a run still in progress reschedules the
// next one.
func registerJob(scheduler gocron.Scheduler, job Job) error {
	_, err := scheduler.NewJob(
		job.GetSchedule(),
		gocron.NewTask(job.Execute),
		gocron.WithName(job.GetName()),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return err
	}
	log.Info().Str("job", job.GetName()).Msg("[Scheduler] [registerJob] job registered")
	return nil
}
