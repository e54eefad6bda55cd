package model

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"foreman/internal/telemetry"
)

var ErrAPIKeyRequired = errors.New("API key required")

const (
	defaultMaxTokens   = 4096
	defaultMaxRetries  = 3
	defaultInitialWait = time.Second
)

type AnthropicConfig struct {
	APIKey       string
	DefaultModel string
	MaxTokens    int64
	MaxRetries   int
	InitialWait  time.Duration
	// BaseURL overrides the API endpoint; tests point it at httptest.
	BaseURL string
}

// AnthropicClient calls the Messages API and retries rate limits, server
// errors and network timeouts with exponential backoff.
type AnthropicClient struct {
	client anthropic.Client
	cfg    AnthropicConfig
}

// NewAnthropic builds a client. ANTHROPIC_API_KEY is used when cfg.APIKey is
// empty.
func NewAnthropic(cfg AnthropicConfig) (*AnthropicClient, error) {
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: set ANTHROPIC_API_KEY or model.api_key_env", ErrAPIKeyRequired)
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.InitialWait <= 0 {
		cfg.InitialWait = defaultInitialWait
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	aiMetricsOnce.Do(initAIMetrics)
	return &AnthropicClient{client: anthropic.NewClient(opts...), cfg: cfg}, nil
}

var aiMetrics struct {
	inputTokens  metric.Int64Counter
	outputTokens metric.Int64Counter
	duration     metric.Float64Histogram
}

var aiMetricsOnce sync.Once

func initAIMetrics() {
	m := telemetry.Meter("foreman/model")
	aiMetrics.inputTokens, _ = m.Int64Counter("foreman.model.input_tokens",
		metric.WithDescription("Model input tokens consumed"),
		metric.WithUnit("{token}"),
	)
	aiMetrics.outputTokens, _ = m.Int64Counter("foreman.model.output_tokens",
		metric.WithDescription("Model output tokens generated"),
		metric.WithUnit("{token}"),
	)
	aiMetrics.duration, _ = m.Float64Histogram("foreman.model.request.duration",
		metric.WithDescription("Model request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
}

func (c *AnthropicClient) Complete(ctx context.Context, req Request) (Response, error) {
	modelName := req.Model
	if modelName == "" {
		modelName = c.cfg.DefaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.cfg.MaxTokens
	}
	ctx, span := telemetry.Tracer("foreman/model").Start(ctx, "anthropic.messages.new")
	defer span.End()
	span.SetAttributes(
		attribute.String("foreman.model", modelName),
		attribute.String("foreman.seat", req.Seat),
		attribute.String("foreman.issue", req.IssueID),
	)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(modelName),
		MaxTokens: maxTokens,
		Messages:  toParams(req.Messages),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.InitialWait
	bo.MaxElapsedTime = 0

	var (
		out      Response
		attempts int
	)
	op := func() error {
		attempts++
		t0 := time.Now()
		msg, err := c.client.Messages.New(ctx, params)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			if !isRetryable(err) {
				return backoff.Permanent(fmt.Errorf("non-retryable error: %w", err))
			}
			return err
		}
		attr := metric.WithAttributes(attribute.String("foreman.model", modelName))
		if aiMetrics.inputTokens != nil {
			aiMetrics.inputTokens.Add(ctx, msg.Usage.InputTokens, attr)
			aiMetrics.outputTokens.Add(ctx, msg.Usage.OutputTokens, attr)
			aiMetrics.duration.Record(ctx, float64(time.Since(t0).Milliseconds()), attr)
		}
		var text strings.Builder
		for _, block := range msg.Content {
			if block.Type == "text" {
				text.WriteString(block.Text)
			}
		}
		if text.Len() == 0 {
			return backoff.Permanent(errors.New("unexpected response format: no text content"))
		}
		out = Response{Text: text.String(), InputTokens: msg.Usage.InputTokens, OutputTokens: msg.Usage.OutputTokens}
		return nil
	}
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.cfg.MaxRetries)), ctx))
	span.SetAttributes(attribute.Int("foreman.model.attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Response{}, err
	}
	return out, nil
}

func toParams(msgs []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
			continue
		}
		out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
	}
	return out
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return false
}
