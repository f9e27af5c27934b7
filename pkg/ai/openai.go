package ai

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// GeminiBaseURL is Google's OpenAI-compatible endpoint.
const GeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai/"

var (
	aiDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gravitas",
		Subsystem: "ai",
		Name:      "estimate_duration_seconds",
		Help:      "Duration of AI estimate requests",
		Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 45},
	}, []string{"model"})

	aiFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gravitas",
		Subsystem: "ai",
		Name:      "estimate_failures_total",
		Help:      "Number of AI estimate failures",
	}, []string{"model"})
)

// OpenAIConfig defines configuration options for a chat-completion estimator.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float32
	Logger      zerolog.Logger
}

// OpenAIEstimator implements Estimator against an OpenAI-compatible chat completion API.
type OpenAIEstimator struct {
	client *openai.Client
	cfg    OpenAIConfig
	tracer trace.Tracer
	logger zerolog.Logger
}

// NewOpenAIEstimator builds a new estimator using the provided configuration.
func NewOpenAIEstimator(cfg OpenAIConfig) (*OpenAIEstimator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}

	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}

	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 512
	}

	tracer := otel.Tracer("github.com/ryan11yuan/gravitas/pkg/ai/openai")
	logger := cfg.Logger.With().Str("component", "ai_estimator").Str("model", cfg.Model).Logger()

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	client := openai.NewClientWithConfig(config)

	return &OpenAIEstimator{
		client: client,
		cfg:    cfg,
		tracer: tracer,
		logger: logger,
	}, nil
}

// NewGeminiEstimator targets Gemini through its OpenAI-compatible surface.
func NewGeminiEstimator(cfg OpenAIConfig) (*OpenAIEstimator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = GeminiBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.0-flash"
	}

	return NewOpenAIEstimator(cfg)
}

// Estimate sends one completion request and parses the answer. It never retries.
func (e *OpenAIEstimator) Estimate(parent context.Context, input EstimateInput) (Estimate, error) {
	ctx, span := e.tracer.Start(parent, "openai.estimate", trace.WithAttributes(
		attribute.String("model", e.cfg.Model),
		attribute.Int("context_chars", len(input.Context)),
	))
	defer span.End()

	start := time.Now()
	request := openai.ChatCompletionRequest{
		Model:       e.cfg.Model,
		MaxTokens:   e.cfg.MaxTokens,
		Temperature: e.cfg.Temperature,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: estimatorSystemPrompt(),
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: buildUserPrompt(input),
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	}

	resp, err := e.client.CreateChatCompletion(ctx, request)
	duration := time.Since(start)
	aiDuration.WithLabelValues(e.cfg.Model).Observe(duration.Seconds())
	if err != nil {
		return Estimate{}, e.fail(span, fmt.Errorf("openai estimate: %w", err))
	}

	if len(resp.Choices) == 0 {
		return Estimate{}, e.fail(span, fmt.Errorf("no choices returned from model"))
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	estimate, err := ParseEstimate(content)
	if err != nil {
		e.logger.Debug().Str("content", truncate(content, 200)).Msg("unparseable estimate")
		return Estimate{}, e.fail(span, err)
	}

	span.SetAttributes(attribute.Float64("score", estimate.Score))
	return estimate, nil
}

func (e *OpenAIEstimator) fail(span trace.Span, err error) error {
	aiFailures.WithLabelValues(e.cfg.Model).Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func estimatorSystemPrompt() string {
	return "You size up university coursework. Reply with one JSON object matching this schema and nothing else:\n" +
		estimateSchema +
		"\nsummary: two sentences on what the student must produce. estimatedTime: realistic hours for an average student. " +
		"score: difficulty from 0 to 100."
}

func buildUserPrompt(input EstimateInput) string {
	builder := strings.Builder{}
	builder.WriteString("# Assignment\n")
	builder.WriteString(input.Context)
	builder.WriteString("\n\nReturn JSON.")
	return builder.String()
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit]
}
