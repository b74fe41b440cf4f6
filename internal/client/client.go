package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/governor/internal/domain/events"
	"github.com/GriffinCanCode/governor/internal/domain/orchestrator"
	"github.com/GriffinCanCode/governor/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/governor/internal/shared/id"
)

// Options configures a Client.
type Options struct {
	BaseURL  string
	Timeout  time.Duration
	RetryMax int
	RetryMin time.Duration
	RetryCap time.Duration
	// BreakerFailures consecutive transport failures open the breaker.
	BreakerFailures uint32
	BreakerCooldown time.Duration
	Logger          *zap.Logger
}

// DefaultOptions returns the settings govctl uses.
func DefaultOptions(baseURL string) Options {
	return Options{
		BaseURL:         baseURL,
		Timeout:         30 * time.Second,
		RetryMax:        3,
		RetryMin:        200 * time.Millisecond,
		RetryCap:        2 * time.Second,
		BreakerFailures: 5,
		BreakerCooldown: 30 * time.Second,
	}
}

// Client talks to a governor server.
type Client struct {
	base    *url.URL
	resty   *resty.Client
	breaker *resilience.Breaker
	log     *zap.Logger
}

// UnreachableError means no HTTP response was received.
type UnreachableError struct {
	Err error
}

func (e *UnreachableError) Error() string { return "governor unreachable: " + e.Err.Error() }
func (e *UnreachableError) Unwrap() error { return e.Err }

// IsUnreachable reports whether err means the server could not be reached.
func IsUnreachable(err error) bool {
	var u *UnreachableError
	return errors.As(err, &u)
}

// APIError is a non-2xx response that is not a control decision.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("governor returned %d: %s", e.StatusCode, e.Message)
}

// New builds a client. Transport errors and 502/504 are retried by
// retryablehttp; every other response is returned as is.
func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid server url %q", opts.BaseURL)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 5
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = opts.RetryMax
	retryClient.RetryWaitMin = opts.RetryMin
	retryClient.RetryWaitMax = opts.RetryCap
	retryClient.Logger = retryLogger{opts.Logger.Sugar()}
	retryClient.CheckRetry = checkRetry
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler

	restyClient := resty.NewWithClient(retryClient.StandardClient()).
		SetBaseURL(base.String()).
		SetTimeout(opts.Timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "govctl/1.0").
		SetJSONMarshaler(marshal).
		SetJSONUnmarshaler(unmarshal)

	threshold := opts.BreakerFailures
	breaker := resilience.New("governor-api", resilience.Settings{
		MaxRequests: 1,
		Timeout:     opts.BreakerCooldown,
		ReadyToTrip: func(c resilience.Counts) bool { return c.ConsecutiveFailures >= threshold },
	})

	return &Client{base: base, resty: restyClient, breaker: breaker, log: opts.Logger}, nil
}

// checkRetry retries connection failures and gateway errors only. A 503
// from the governor is a real answer (degraded) and is not retried.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	switch resp.StatusCode {
	case http.StatusBadGateway, http.StatusGatewayTimeout:
		return true, nil
	}
	return false, nil
}

// BreakerState returns the transport breaker state.
func (c *Client) BreakerState() resilience.State {
	return c.breaker.State()
}

// do sends one request. Only transport failures count against the breaker.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) (*resty.Response, error) {
	var resp *resty.Response
	err := c.breaker.Do(func() error {
		req := c.resty.R().SetContext(ctx)
		if body != nil {
			req.SetBody(body)
		}
		if out != nil {
			req.SetResult(out).SetError(out)
		}
		var err error
		resp, err = req.Execute(method, path)
		return err
	})
	if err != nil {
		return nil, &UnreachableError{Err: err}
	}
	return resp, nil
}

// Status fetches the orchestrator status. When the server cannot be reached
// the returned status is degraded and the error is an *UnreachableError.
func (c *Client) Status(ctx context.Context) (orchestrator.Status, error) {
	var st orchestrator.Status
	resp, err := c.do(ctx, http.MethodGet, "/status", nil, &st)
	if err != nil {
		return orchestrator.Status{Degraded: true, DegradedReason: err.Error()}, err
	}
	if resp.IsError() {
		return orchestrator.Status{Degraded: true, DegradedReason: resp.Status()}, apiError(resp)
	}
	return st, nil
}

// Start asks for a new run.
func (c *Client) Start(ctx context.Context) (orchestrator.Decision, error) {
	return c.decide(ctx, "/runs", nil)
}

// Reset moves a terminal pipeline back to IDLE.
func (c *Client) Reset(ctx context.Context) (orchestrator.Decision, error) {
	return c.decide(ctx, "/reset", nil)
}

// StageResult is the outcome of a diagnostic stage invocation.
type StageResult struct {
	orchestrator.Decision
	Result *struct {
		OK      bool                   `json:"ok"`
		Outputs map[string]interface{} `json:"outputs,omitempty"`
		Reason  string                 `json:"reason,omitempty"`
	} `json:"result,omitempty"`
}

// Stage runs one stage as a diagnostic run and waits for its result.
func (c *Client) Stage(ctx context.Context, name string, params map[string]interface{}) (StageResult, error) {
	var out StageResult
	resp, err := c.do(ctx, http.MethodPost, "/stages/"+url.PathEscape(name)+"/start",
		map[string]interface{}{"params": params}, &out)
	if err != nil {
		return out, err
	}
	if resp.StatusCode() >= 500 && resp.StatusCode() != http.StatusServiceUnavailable {
		return out, apiError(resp)
	}
	return out, nil
}

// decide posts a control request. Rejections are decisions, not errors.
func (c *Client) decide(ctx context.Context, path string, body interface{}) (orchestrator.Decision, error) {
	var d orchestrator.Decision
	resp, err := c.do(ctx, http.MethodPost, path, body, &d)
	if err != nil {
		return orchestrator.Decision{Reason: orchestrator.RejectUnavailable, Detail: err.Error()}, err
	}
	if resp.StatusCode() >= 500 && resp.StatusCode() != http.StatusServiceUnavailable {
		return d, apiError(resp)
	}
	return d, nil
}

// RunList is the /runs response.
type RunList struct {
	Runs      []events.RunSummary `json:"runs"`
	Total     int                 `json:"total"`
	Anomalies int                 `json:"anomalies"`
}

// Runs lists run summaries, newest first.
func (c *Client) Runs(ctx context.Context, limit int, diagnostic bool) (RunList, error) {
	var out RunList
	path := "/runs?limit=" + strconv.Itoa(limit)
	if diagnostic {
		path += "&diagnostic=true"
	}
	resp, err := c.do(ctx, http.MethodGet, path, nil, &out)
	if err != nil {
		return out, err
	}
	if resp.IsError() {
		return out, apiError(resp)
	}
	return out, nil
}

// RunEvents is the /runs/:id/events response.
type RunEvents struct {
	RunID     id.RunID       `json:"run_id"`
	Events    []events.Event `json:"events"`
	Anomalies int            `json:"anomalies"`
}

// Events returns one run's audit trail.
func (c *Client) Events(ctx context.Context, runID string) (RunEvents, error) {
	var out RunEvents
	resp, err := c.do(ctx, http.MethodGet, "/runs/"+url.PathEscape(runID)+"/events", nil, &out)
	if err != nil {
		return out, err
	}
	if resp.IsError() {
		return out, apiError(resp)
	}
	return out, nil
}

// AuditAck is the /audit/acknowledge response.
type AuditAck struct {
	Acknowledged bool               `json:"acknowledged"`
	Before       events.AuditHealth `json:"before"`
	Audit        events.AuditHealth `json:"audit"`
}

// AcknowledgeAudit clears the server's sticky audit failure marker.
func (c *Client) AcknowledgeAudit(ctx context.Context) (AuditAck, error) {
	var out AuditAck
	resp, err := c.do(ctx, http.MethodPost, "/audit/acknowledge", nil, &out)
	if err != nil {
		return out, err
	}
	if resp.IsError() {
		return out, apiError(resp)
	}
	return out, nil
}

func apiError(resp *resty.Response) error {
	var body struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	msg := strings.TrimSpace(resp.String())
	if err := unmarshal(resp.Body(), &body); err == nil {
		switch {
		case body.Error != "":
			msg = body.Error
		case body.Detail != "":
			msg = body.Detail
		}
	}
	return &APIError{StatusCode: resp.StatusCode(), Message: msg}
}

// retryLogger adapts zap to retryablehttp.LeveledLogger.
type retryLogger struct {
	s *zap.SugaredLogger
}

func (l retryLogger) Error(msg string, kv ...interface{}) { l.s.Errorw(msg, kv...) }
func (l retryLogger) Info(msg string, kv ...interface{})  { l.s.Debugw(msg, kv...) }
func (l retryLogger) Debug(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }
func (l retryLogger) Warn(msg string, kv ...interface{})  { l.s.Warnw(msg, kv...) }
