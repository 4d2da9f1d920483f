// Package executor delivers start and notify commands to the external
// workflow engine that runs durable orchestrations.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/procman/internal/engine"
	"github.com/rendis/procman/internal/logging"
	"github.com/rendis/procman/internal/orchestration"
	"github.com/rendis/procman/pkg/schema"
)

const (
	CommandStart  = "start"
	CommandNotify = "notify"

	defaultWebhookTimeout = 10 * time.Second
	maxErrorBody          = 4 * 1024
)

var (
	_ engine.Executor = (*Webhook)(nil)
	_ engine.Executor = (*Logging)(nil)
)

// Command is the JSON body posted to the engine.
type Command struct {
	Command                 string                    `json:"command"`
	OrchestrationInstanceID uuid.UUID                 `json:"orchestration_instance_id"`
	Description             *orchestration.UniqueName `json:"description,omitempty"`
	FunctionName            string                    `json:"function_name,omitempty"`
	HostName                string                    `json:"host_name,omitempty"`
	Parameter               json.RawMessage           `json:"parameter,omitempty"`
	EventName               string                    `json:"event_name,omitempty"`
	EventData               json.RawMessage           `json:"event_data,omitempty"`
	SentAt                  time.Time                 `json:"sent_at"`
}

// WebhookConfig configures the HTTP executor.
type WebhookConfig struct {
	URL     string
	Timeout time.Duration
	Headers map[string]string
	Breaker BreakerConfig
}

// Webhook posts commands to an engine over HTTP. A non-2xx response is a failure.
type Webhook struct {
	url      string
	timeout  time.Duration
	headers  map[string]string
	client   *http.Client
	breakers *Breakers
	logger   *slog.Logger
}

// NewWebhook validates cfg and builds the executor. A nil logger defaults to a
// stderr text handler.
func NewWebhook(cfg WebhookConfig, logger *slog.Logger) (*Webhook, error) {
	u, err := url.ParseRequestURI(cfg.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidRequest, "invalid executor url %q", cfg.URL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultWebhookTimeout
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Webhook{
		url:      cfg.URL,
		timeout:  cfg.Timeout,
		headers:  cfg.Headers,
		client:   &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()},
		breakers: NewBreakers(cfg.Breaker),
		logger:   logger,
	}, nil
}

// StartNewOrchestrationInstance sends a start command for inst.
func (w *Webhook) StartNewOrchestrationInstance(ctx context.Context, desc *orchestration.Description, inst *orchestration.Instance) error {
	name := desc.UniqueName
	return w.send(ctx, Command{
		Command:                 CommandStart,
		OrchestrationInstanceID: inst.ID(),
		Description:             &name,
		FunctionName:            desc.FunctionName,
		HostName:                desc.HostName,
		Parameter:               inst.Parameter().Raw(),
	})
}

// NotifyOrchestrationInstance forwards a named event to a running instance.
func (w *Webhook) NotifyOrchestrationInstance(ctx context.Context, id uuid.UUID, eventName string, eventData json.RawMessage) error {
	return w.send(ctx, Command{
		Command:                 CommandNotify,
		OrchestrationInstanceID: id,
		EventName:               eventName,
		EventData:               eventData,
	})
}

func (w *Webhook) send(ctx context.Context, cmd Command) error {
	if err := w.breakers.Allow(cmd.Command); err != nil {
		return err
	}
	if err := w.post(ctx, cmd); err != nil {
		if state := w.breakers.Failure(cmd.Command); state == CircuitOpen {
			logging.LogWith(ctx, w.logger).Warn("engine circuit open",
				slog.String("command", cmd.Command))
		}
		return err
	}
	w.breakers.Success(cmd.Command)
	return nil
}

func (w *Webhook) post(ctx context.Context, cmd Command) error {
	cmd.SentAt = time.Now().UTC()
	body, err := json.Marshal(cmd)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeExecutor, "marshal %s command", cmd.Command).WithCause(err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeExecutor, "build %s request", cmd.Command).WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", fmt.Sprintf("%s:%s", cmd.OrchestrationInstanceID, cmd.Command))
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := w.client.Do(req)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeExecutor, "%s request failed: %v", cmd.Command, err).WithCause(err)
	}
	defer resp.Body.Close()

	logging.LogWith(logging.WithInstanceID(ctx, cmd.OrchestrationInstanceID.String()), w.logger).Debug("engine responded",
		slog.String("command", cmd.Command),
		slog.Int("status", resp.StatusCode),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return schema.NewErrorf(schema.ErrCodeExecutor, "engine returned %d for %s", resp.StatusCode, cmd.Command).
			WithDetails(map[string]any{
				"status_code": resp.StatusCode,
				"command":     cmd.Command,
				"body":        string(snippet),
			})
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
