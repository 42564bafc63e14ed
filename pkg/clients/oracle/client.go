package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	bridgeErrors "github.com/scalarorg/oracle-bridge/pkg/errors"
	"github.com/scalarorg/oracle-bridge/pkg/metrics"
	"github.com/scalarorg/oracle-bridge/pkg/tracing"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
)

const DEFAULT_TIMEOUT = 30 * time.Second

type Options struct {
	URL     string
	Timeout time.Duration
	Name    string
	Version string
}

// Client talks to the oracle HTTP API.
type Client struct {
	baseURL   string
	userAgent string
	http      *http.Client
}

func NewClient(opts Options) (*Client, error) {
	if _, err := url.ParseRequestURI(opts.URL); err != nil {
		return nil, fmt.Errorf("invalid oracle url %q: %w", opts.URL, err)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DEFAULT_TIMEOUT
	}
	return &Client{
		baseURL:   strings.TrimRight(opts.URL, "/"),
		userAgent: fmt.Sprintf("%s/%s (go)", opts.Name, opts.Version),
		http: &http.Client{
			Timeout:   opts.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}, nil
}

func (c *Client) UserAgent() string {
	return c.userAgent
}

// CreateQuery registers a query and returns the oracle request id.
func (c *Client) CreateQuery(ctx context.Context, req *CreateQueryRequest) (string, error) {
	ctx, span := tracing.Tracer().Start(ctx, "Oracle.CreateQuery")
	defer span.End()
	span.SetAttributes(attribute.String("id2", req.ID2), attribute.String("datasource", req.Datasource))

	var response createQueryResponse
	if err := c.do(ctx, "create", http.MethodPost, "/query/create", req, &response); err != nil {
		tracing.RecordError(span, err)
		return "", err
	}
	if response.Result.ID == "" {
		err := bridgeErrors.ProtocolMismatch("CreateQuery", "no oracle query id in response")
		tracing.RecordError(span, err)
		return "", err
	}
	span.SetAttributes(attribute.String("oracleId", response.Result.ID))
	return response.Result.ID, nil
}

// QueryStatus fetches the current status of an oracle query.
func (c *Client) QueryStatus(ctx context.Context, oracleID string) (*QueryStatus, error) {
	ctx, span := tracing.Tracer().Start(ctx, "Oracle.QueryStatus")
	defer span.End()
	span.SetAttributes(attribute.String("oracleId", oracleID))

	var response queryStatusResponse
	path := fmt.Sprintf("/query/%s/status", url.PathEscape(oracleID))
	if err := c.do(ctx, "status", http.MethodGet, path, nil, &response); err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	return &response.Result, nil
}

// PlatformInfo reads the oracle platform description, logged at startup.
func (c *Client) PlatformInfo(ctx context.Context) (*PlatformInfo, error) {
	var response platformInfoResponse
	if err := c.do(ctx, "info", http.MethodGet, "/platform/info", nil, &response); err != nil {
		return nil, err
	}
	return &response.Result, nil
}

func (c *Client) do(ctx context.Context, op string, method string, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return bridgeErrors.Wrap(bridgeErrors.KindInternal, op, err, "failed to encode request")
		}
		reader = bytes.NewReader(payload)
	}
	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return bridgeErrors.Wrap(bridgeErrors.KindInternal, op, err, "failed to build request")
	}
	request.Header.Set("Accept", "application/json")
	request.Header.Set("X-User-Agent", c.userAgent)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := c.http.Do(request)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		metrics.OracleRequests.WithLabelValues(op, "transport_error").Inc()
		log.Warn().Err(err).Str("path", path).Msgf("[%s] [%s] oracle request failed", COMPONENT_NAME, op)
		return bridgeErrors.TransientOracle(op, err)
	}
	defer response.Body.Close()
	raw, err := io.ReadAll(response.Body)
	if err != nil {
		metrics.OracleRequests.WithLabelValues(op, "transport_error").Inc()
		return bridgeErrors.TransientOracle(op, err)
	}

	switch response.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		metrics.OracleRequests.WithLabelValues(op, "unauthorized").Inc()
		return bridgeErrors.ProtocolMismatch(op, "oracle rejected the bridge (401), upgrade to the latest %s", c.userAgent)
	default:
		metrics.OracleRequests.WithLabelValues(op, "unexpected_status").Inc()
		return bridgeErrors.ProtocolMismatch(op, "unexpected answer from the oracle, status %d", response.StatusCode)
	}

	var envelope struct {
		Success *bool `json:"success,omitempty"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		metrics.OracleRequests.WithLabelValues(op, "invalid_json").Inc()
		return bridgeErrors.ProtocolMismatch(op, "oracle returned invalid json: %v", err)
	}
	if envelope.Success != nil && !*envelope.Success {
		metrics.OracleRequests.WithLabelValues(op, "rejected").Inc()
		return bridgeErrors.TransientOracle(op, fmt.Errorf("oracle answered success=false"))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		metrics.OracleRequests.WithLabelValues(op, "invalid_json").Inc()
		return bridgeErrors.ProtocolMismatch(op, "unexpected oracle response shape: %v", err)
	}
	metrics.OracleRequests.WithLabelValues(op, "ok").Inc()
	return nil
}
