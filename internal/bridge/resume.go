package bridge

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/scalarorg/oracle-bridge/pkg/db"
)

// Resume re-arms polling for the queries this instance left pending, oldest
// first and one at a time.
func (o *Orchestrator) Resume(ctx context.Context, opts ResumeOptions) (*ResumeReport, error) {
	instance := o.opts.Instance
	log.Info().Str("oar", instance.OAR.Hex()).Str("callbackAddress", instance.CallbackFrom.Hex()).
		Msg("[Orchestrator] [Resume] fetching pending queries from database")
	queries, err := o.store.FindPendingQueries(ctx, instance)
	if err != nil {
		return nil, err
	}
	report := &ResumeReport{Pending: len(queries)}
	log.Info().Int("pending", len(queries)).Msg("[Orchestrator] [Resume] found pending queries")
	if len(queries) == 0 {
		return report, nil
	}
	if opts.Skip {
		log.Warn().Msg("[Orchestrator] [Resume] skipping all pending queries")
		report.Skipped = len(queries)
		return report, nil
	}
	if opts.Force {
		log.Warn().Msg("[Orchestrator] [Resume] forcing the resume of all pending queries")
	}
	for i := range queries {
		query := &queries[i]
		if i > 0 && o.opts.ResumeDelay > 0 {
			select {
			case <-ctx.Done():
				return report, ctx.Err()
			case <-o.after(o.opts.ResumeDelay):
			}
		}
		switch {
		case query.CallbackError && !opts.Force:
			report.Skipped++
			log.Warn().Str("contractRequestId", query.ContractRequestID).
				Msg("[Orchestrator] [Resume] skipping query because of __callback tx error")
		case query.RetryCount < db.MAX_RETRY_COUNT || opts.Force:
			report.Resumed++
			log.Info().Str("contractRequestId", query.ContractRequestID).
				Str("oracleId", query.OracleRequestID).
				Str("contract", query.RequesterContractAddress).
				Msg("[Orchestrator] [Resume] re-processing query")
			o.StartPolling(query, query.TargetUnixTime)
		default:
			report.Exhausted++
			log.Warn().Str("contractRequestId", query.ContractRequestID).Int("retries", query.RetryCount).
				Msg("[Orchestrator] [Resume] skipping query, exceeded retries")
		}
	}
	return report, nil
}

// ResumeAfter runs Resume after delay, logging instead of returning errors.
func (o *Orchestrator) ResumeAfter(ctx context.Context, delay time.Duration, opts ResumeOptions) {
	select {
	case <-ctx.Done():
		return
	case <-o.after(delay):
	}
	report, err := o.Resume(ctx, opts)
	if err != nil {
		log.Error().Err(err).Msg("[Orchestrator] [Resume] resume sweep failed")
		return
	}
	log.Info().Int("resumed", report.Resumed).Int("skipped", report.Skipped).Int("exhausted", report.Exhausted).
		Msg("[Orchestrator] [Resume] resume sweep finished")
}
