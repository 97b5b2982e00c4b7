package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"mailqueue/pkg/circuitbreaker"
	"mailqueue/pkg/metrics"
	"mailqueue/pkg/otel"
	"mailqueue/pkg/trace"
)

const maxErrorBody = 2048

// Config 连接 AI 会话服务的配置
type Config struct {
	BaseURL     string                `yaml:"base_url"`
	APIKey      string                `yaml:"api_key"`
	AssistantID string                `yaml:"assistant_id"`
	Timeout     time.Duration         `yaml:"timeout"`
	Breaker     circuitbreaker.Config `yaml:"breaker"`
}

// Client talks to the session API. It is safe for concurrent use.
type Client struct {
	cfg        Config
	httpClient *http.Client
	cb         *circuitbreaker.CircuitBreaker
	logger     *zap.Logger
}

// NewClient builds a client. A nil httpClient gets one with cfg.Timeout.
func NewClient(cfg Config, httpClient *http.Client, logger *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	breakerCfg := cfg.Breaker
	breakerCfg.IsFailure = countsAgainstBreaker
	breakerCfg.OnStateChange = func(from, to circuitbreaker.State) {
		logger.Warn("assistant circuit breaker state changed",
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}

	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		cb:         circuitbreaker.NewCircuitBreaker(breakerCfg),
		logger:     logger,
	}
}

// CreateSession opens a new conversation thread and returns its id.
func (c *Client) CreateSession(ctx context.Context) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, "create_session", http.MethodPost, "/threads", map[string]any{}, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", errors.New("assistant create_session: response without id")
	}
	return out.ID, nil
}

// AddUserMessage appends content as a user message to the thread.
func (c *Client) AddUserMessage(ctx context.Context, sessionID, content string) error {
	body := map[string]any{"role": "user", "content": content}
	return c.do(ctx, "add_message", http.MethodPost, "/threads/"+sessionID+"/messages", body, nil)
}

// StartRun starts the configured assistant on the thread.
func (c *Client) StartRun(ctx context.Context, sessionID, instructions string) (Run, error) {
	body := map[string]any{"assistant_id": c.cfg.AssistantID}
	if instructions != "" {
		body["instructions"] = instructions
	}
	var run Run
	err := c.do(ctx, "start_run", http.MethodPost, "/threads/"+sessionID+"/runs", body, &run)
	return run, err
}

// GetRun fetches the current run status.
func (c *Client) GetRun(ctx context.Context, sessionID, runID string) (Run, error) {
	var run Run
	err := c.do(ctx, "get_run", http.MethodGet, "/threads/"+sessionID+"/runs/"+runID, nil, &run)
	return run, err
}

// ListMessages returns the thread's messages, newest first.
func (c *Client) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	var list messageList
	if err := c.do(ctx, "list_messages", http.MethodGet, "/threads/"+sessionID+"/messages?order=desc", nil, &list); err != nil {
		return nil, err
	}
	return list.messages(), nil
}

func (c *Client) do(ctx context.Context, operation, method, path string, body any, out any) error {
	reqID := uuid.NewString()
	ctx, span := otel.StartSpan(ctx, "assistant."+operation)
	defer span.End()
	span.SetAttributes(attribute.String("assistant.request_id", reqID))

	err := c.cb.Execute(func() error {
		return c.roundTrip(ctx, reqID, operation, method, path, body, out)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Debug("assistant call failed",
			zap.String("operation", operation),
			zap.String("req_id", reqID),
			zap.Error(err),
		)
		if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) {
			metrics.RecordAssistantCallLatency(operation, "breaker_open", 0)
			return fmt.Errorf("assistant %s: %w", operation, err)
		}
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, reqID, operation, method, path string, body any, out any) error {
	start := time.Now()
	status := "error"
	defer func() {
		metrics.RecordAssistantCallLatency(operation, status, time.Since(start))
	}()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("assistant %s: marshal request: %w", operation, err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("assistant %s: %w", operation, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("OpenAI-Beta", "assistants=v2")
	req.Header.Set("X-Request-ID", reqID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if traceID := trace.FromContext(ctx); traceID != "" {
		req.Header.Set(trace.HeaderName, traceID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("assistant %s: %w", operation, err)
	}
	defer resp.Body.Close()

	status = strconv.Itoa(resp.StatusCode)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{Operation: operation, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("assistant %s: decode response: %w", operation, err)
	}
	return nil
}

// countsAgainstBreaker ignores caller cancellation and client-side 4xx errors.
func countsAgainstBreaker(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	return true
}
