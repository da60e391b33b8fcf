package workflow

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

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/warp/leave-sync/metrics"
)

// HTTPConfig configures the engine client.
type HTTPConfig struct {
	BaseURL string
	Timeout time.Duration
	Metrics *metrics.Metrics // optional
}

// HTTPClient talks to the engine's /workflowapi endpoints.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	metrics *metrics.Metrics
	logger  *zap.Logger

	// instances collapses concurrent snapshot reads of the same process.
	instances singleflight.Group
}

// NewHTTPClient creates a client. A zero timeout defaults to 30 seconds.
func NewHTTPClient(cfg HTTPConfig, logger *zap.Logger) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		metrics: cfg.Metrics,
		logger:  logger.Named("workflow.client"),
	}
}

var _ Client = (*HTTPClient)(nil)

// envelope is the engine's response wrapper. Success is a pointer so an
// empty body is not read as a failure.
type envelope struct {
	Success *bool           `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Message string          `json:"message"`
}

func (c *HTTPClient) CreateInstance(ctx context.Context, req CreateInstanceRequest) error {
	c.logger.Info("creating workflow instance",
		zap.String("process_id", req.ProcessID),
		zap.String("scheme", req.SchemeCode),
		zap.String("identity", req.IdentityID))

	path := "/workflowapi/createinstance/" + url.PathEscape(req.ProcessID)
	if _, err := c.do(ctx, "createinstance", req.ProcessID, http.MethodPost, path, req); err != nil {
		return err
	}
	return nil
}

func (c *HTTPClient) ExecuteCommand(ctx context.Context, req ExecuteCommandRequest) error {
	c.logger.Info("executing command",
		zap.String("process_id", req.ProcessID),
		zap.String("command", req.Command),
		zap.String("identity", req.IdentityID))

	_, err := c.do(ctx, "executecommand", req.ProcessID, http.MethodPost, "/workflowapi/executecommand", req)
	return err
}

// GetInstanceInfo fetches the snapshot of a process. Concurrent calls for
// the same process share one request; callers must treat the result as
// read-only. The shared request is detached from any single caller's
// cancellation and bounded by the client timeout; a caller whose ctx ends
// stops waiting without failing the others.
func (c *HTTPClient) GetInstanceInfo(ctx context.Context, processID string) (*ProcessInstance, error) {
	ch := c.instances.DoChan(processID, func() (any, error) {
		return c.getInstanceInfo(context.WithoutCancel(ctx), processID)
	})
	select {
	case <-ctx.Done():
		return nil, &UpstreamEngineError{Op: "instance", ProcessID: processID, Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			c.logger.Debug("instance read shared", zap.String("process_id", processID))
		}
		return res.Val.(*ProcessInstance), nil
	}
}

func (c *HTTPClient) getInstanceInfo(ctx context.Context, processID string) (*ProcessInstance, error) {
	body, err := c.do(ctx, "instance", processID, http.MethodGet, "/workflowapi/instance/"+url.PathEscape(processID), nil)
	if err != nil {
		return nil, err
	}

	// Some engine versions wrap the snapshot in {"data": ...}.
	var env envelope
	if json.Unmarshal(body, &env) == nil && len(env.Data) > 0 && env.Data[0] == '{' {
		body = env.Data
	}

	pi, err := DecodeProcessInstance(body)
	if err != nil {
		return nil, &UpstreamEngineError{Op: "instance", ProcessID: processID, Err: err}
	}
	if pi == nil {
		return nil, &UpstreamEngineError{Op: "instance", ProcessID: processID, Err: ErrMalformedInstance}
	}
	c.logger.Debug("instance retrieved", zap.String("process_id", processID), zap.String("state", pi.StateName))
	return pi, nil
}

func (c *HTTPClient) GetAvailableCommands(ctx context.Context, processID, identityID string) ([]Command, error) {
	path := fmt.Sprintf("/workflowapi/availablecommands/%s?identityId=%s",
		url.PathEscape(processID), url.QueryEscape(identityID))
	body, err := c.do(ctx, "availablecommands", processID, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &UpstreamEngineError{Op: "availablecommands", ProcessID: processID, Err: err}
	}
	var commands []Command
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &commands); err != nil {
			return nil, &UpstreamEngineError{Op: "availablecommands", ProcessID: processID, Err: err}
		}
	}
	return commands, nil
}

func (c *HTTPClient) WriteLog(ctx context.Context, processID, message string) error {
	payload := map[string]any{"processId": processID, "message": message}
	_, err := c.do(ctx, "writelog", processID, http.MethodPost, "/workflowapi/writelog", payload)
	return err
}

// do performs one request and returns the body of a 2xx response.
func (c *HTTPClient) do(ctx context.Context, op, processID, method, path string, payload any) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s request: %w", op, err)
		}
		reqBody = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, &UpstreamEngineError{Op: op, ProcessID: processID, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.EngineRequest(op, metrics.OutcomeError, time.Since(start))
		c.logger.Error("engine request failed", zap.String("op", op), zap.String("process_id", processID), zap.Error(err))
		return nil, &UpstreamEngineError{Op: op, ProcessID: processID, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	elapsed := time.Since(start)
	if err != nil {
		c.metrics.EngineRequest(op, metrics.OutcomeError, elapsed)
		return nil, &UpstreamEngineError{Op: op, ProcessID: processID, StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.metrics.EngineRequest(op, metrics.OutcomeError, elapsed)
		c.logger.Error("engine returned error status",
			zap.String("op", op),
			zap.String("process_id", processID),
			zap.Int("status", resp.StatusCode))
		return nil, &UpstreamEngineError{Op: op, ProcessID: processID, StatusCode: resp.StatusCode, Body: truncate(string(body), 512)}
	}

	var env envelope
	if json.Unmarshal(body, &env) == nil && env.Success != nil && !*env.Success {
		msg := env.Error
		if msg == "" {
			msg = env.Message
		}
		c.metrics.EngineRequest(op, metrics.OutcomeError, elapsed)
		return nil, &UpstreamEngineError{Op: op, ProcessID: processID, StatusCode: resp.StatusCode, Body: truncate(msg, 512)}
	}
	c.metrics.EngineRequest(op, metrics.OutcomeOK, elapsed)
	return body, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
