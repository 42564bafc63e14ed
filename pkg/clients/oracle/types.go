package oracle

import (
	"github.com/scalarorg/oracle-bridge/pkg/types"
)

const (
	COMPONENT_NAME = "OracleClient"
	PROTOCOL_ETH   = "eth"
)

// QueryContext tells the oracle where a query comes from.
type QueryContext struct {
	Name              string `json:"name"`
	Instance          string `json:"instance,omitempty"`
	Protocol          string `json:"protocol"`
	Type              string `json:"type"`
	RelativeTimestamp uint64 `json:"relative_timestamp,omitempty"`
}

type CreateQueryRequest struct {
	When       int64        `json:"when"`
	Datasource string       `json:"datasource"`
	Query      any          `json:"query"`
	ID2        string       `json:"id2"`
	ProofType  int          `json:"proof_type"`
	Context    QueryContext `json:"context"`
}

type createQueryResponse struct {
	Success *bool `json:"success,omitempty"`
	Result  struct {
		ID string `json:"id"`
	} `json:"result"`
}

type QueryCheck struct {
	Results []types.Value `json:"results"`
	Proofs  []types.Value `json:"proofs"`
	Errors  []any         `json:"errors"`
	Active  bool          `json:"active,omitempty"`
}

type QueryStatus struct {
	Active *bool        `json:"active,omitempty"`
	Checks []QueryCheck `json:"checks,omitempty"`
	Errors []any        `json:"errors,omitempty"`
}

type queryStatusResponse struct {
	Success *bool       `json:"success,omitempty"`
	Result  QueryStatus `json:"result"`
}

type PlatformInfo struct {
	Distributions map[string]any `json:"distributions,omitempty"`
	Datasources   []any          `json:"datasources,omitempty"`
}

type platformInfoResponse struct {
	Success *bool        `json:"success,omitempty"`
	Result  PlatformInfo `json:"result"`
}

// Outcome is what a single status check means for the polling loop.
type Outcome int

const (
	// OutcomeIgnore covers responses without an active flag.
	OutcomeIgnore Outcome = iota
	OutcomePending
	OutcomeError
	OutcomeSuccess
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeError:
		return "error"
	case OutcomeSuccess:
		return "success"
	default:
		return "ignore"
	}
}

// QueryResult is the settled value of a query. Result and Proof stay null
// when the oracle did not return them.
type QueryResult struct {
	Outcome Outcome
	Result  types.Value
	Proof   types.Value
}

// Evaluate applies the polling policy to a status response.
func (s *QueryStatus) Evaluate(proofType string) QueryResult {
	if s.Active == nil {
		return QueryResult{Outcome: OutcomeIgnore}
	}
	if *s.Active {
		return QueryResult{Outcome: OutcomePending}
	}
	if s.hasErrors() {
		result := QueryResult{Outcome: OutcomeError, Result: types.NullValue(), Proof: types.NullValue()}
		if len(s.Checks) > 0 {
			last := s.Checks[len(s.Checks)-1]
			result.Result = lastValue(last.Results)
			result.Proof = lastValue(last.Proofs)
		}
		return result
	}
	last := s.Checks[len(s.Checks)-1]
	if last.Active {
		return QueryResult{Outcome: OutcomePending}
	}
	result := QueryResult{Outcome: OutcomeSuccess, Result: lastValue(last.Results), Proof: types.NullValue()}
	if types.HasProof(proofType) {
		result.Proof = lastValue(last.Proofs)
	}
	return result
}

func (s *QueryStatus) hasErrors() bool {
	if len(s.Checks) == 0 {
		return true
	}
	if len(s.Checks[len(s.Checks)-1].Errors) > 0 {
		return true
	}
	return len(s.Errors) > 0
}

func lastValue(values []types.Value) types.Value {
	if len(values) == 0 {
		return types.NullValue()
	}
	return values[len(values)-1]
}
