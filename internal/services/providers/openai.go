package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/incentix/incentix/internal/errs"
	"github.com/incentix/incentix/internal/services/monitoring"
	"github.com/incentix/incentix/pkg/circuitbreaker"
)

const (
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultTimeout = 30 * time.Second
)

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client talks to one OpenAI-compatible endpoint. A per-model circuit
// breaker sheds load while the upstream is failing so a broken model
// does not burn the request budget on guaranteed failures.
type Client struct {
	baseURL  string
	apiKey   string
	client   *http.Client
	breakers *circuitbreaker.Manager
	logger   *zap.Logger
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		baseURL:  baseURL,
		apiKey:   cfg.APIKey,
		client:   &http.Client{Timeout: timeout},
		breakers: circuitbreaker.NewManager(5, 30*time.Second),
		logger:   logger,
	}
}

func (c *Client) ChatCompletion(ctx context.Context, request *ChatRequest) (*ChatResponse, error) {
	var chatResp ChatResponse
	if err := c.post(ctx, "/chat/completions", request.Model, "chat", request, &chatResp); err != nil {
		return nil, err
	}
	if len(chatResp.Choices) == 0 {
		return nil, errs.New(errs.KindUpstreamFailure, "chat response carried no choices").
			WithTokens(request.Model, chatResp.Usage.PromptTokens, chatResp.Usage.CompletionTokens)
	}
	return &chatResp, nil
}

func (c *Client) Embeddings(ctx context.Context, request *EmbeddingsRequest) (*EmbeddingsResponse, error) {
	var embResp EmbeddingsResponse
	if err := c.post(ctx, "/embeddings", request.Model, "embed", request, &embResp); err != nil {
		return nil, err
	}
	if len(embResp.Data) != len(request.Input) {
		return nil, errs.New(errs.KindUpstreamFailure,
			"embeddings response carried %d vectors for %d inputs", len(embResp.Data), len(request.Input)).
			WithTokens(request.Model, embResp.Usage.PromptTokens, 0)
	}
	return &embResp, nil
}

// post runs one JSON request against the upstream and decodes the
// response into out.
func (c *Client) post(ctx context.Context, path, model, operation string, in, out interface{}) error {
	start := time.Now()

	breaker := c.breakers.GetBreaker(model)
	if breaker.IsOpen() {
		monitoring.RecordUpstreamRequest(model, operation, "circuit_open", 0)
		return errs.New(errs.KindUpstreamFailure, "circuit open for model %s", model).
			WithTokens(model, 0, 0)
	}

	reqBody, err := json.Marshal(in)
	if err != nil {
		return errs.Wrap(errs.KindUpstreamFailure, err, "failed to marshal request").
			WithTokens(model, 0, 0)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewBuffer(reqBody))
	if err != nil {
		return errs.Wrap(errs.KindUpstreamFailure, err, "failed to create request").
			WithTokens(model, 0, 0)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		breaker.RecordFailure()
		monitoring.RecordUpstreamRequest(model, operation, "transport_error", 0)
		return errs.Wrap(errs.KindUpstreamFailure, err, "request to %s failed", path).
			WithTokens(model, 0, 0)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		breaker.RecordFailure()
		monitoring.RecordUpstreamRequest(model, operation, "read_error", 0)
		return errs.Wrap(errs.KindUpstreamFailure, err, "failed to read response").
			WithTokens(model, 0, 0)
	}

	if resp.StatusCode != http.StatusOK {
		if statusTripsBreaker(resp.StatusCode) {
			breaker.RecordFailure()
		}
		monitoring.RecordUpstreamRequest(model, operation, strconv.Itoa(resp.StatusCode), 0)

		var errResp ErrorResponse
		if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error.Message == "" {
			return errs.New(errs.KindUpstreamFailure, "request failed with status %d: %s",
				resp.StatusCode, string(body)).WithTokens(model, 0, 0)
		}
		return errs.New(errs.KindUpstreamFailure, "upstream error (status %d): %s",
			resp.StatusCode, errResp.Error.Message).WithTokens(model, 0, 0)
	}

	if err := json.Unmarshal(body, out); err != nil {
		breaker.RecordFailure()
		monitoring.RecordUpstreamRequest(model, operation, "decode_error", 0)
		return errs.Wrap(errs.KindUpstreamFailure, err, "failed to parse response").
			WithTokens(model, 0, 0)
	}

	breaker.RecordSuccess()
	monitoring.RecordUpstreamRequest(model, operation, "success", time.Since(start).Seconds())
	c.logger.Debug("Upstream call completed",
		zap.String("model", model),
		zap.String("operation", operation),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// statusTripsBreaker reports whether a status reflects upstream health
// rather than a malformed request. Client errors other than 429 leave
// the breaker alone.
func statusTripsBreaker(status int) bool {
	return status >= 500 || status == http.StatusTooManyRequests
}

// BreakerStates exposes the per-model breaker state for diagnostics.
func (c *Client) BreakerStates() map[string]circuitbreaker.State {
	return c.breakers.States()
}
