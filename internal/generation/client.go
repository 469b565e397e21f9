package generation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/avast/retry-go"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopfront/autopilot/internal/circuitbreak"
	"github.com/shopfront/autopilot/internal/config"
	"github.com/shopfront/autopilot/internal/job"
	"github.com/shopfront/autopilot/internal/logging"
	prometheusMetrics "github.com/shopfront/autopilot/internal/prometheus"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	ErrNotConfigured = errors.New("generation credentials are not configured")
	ErrEmptyOutput   = errors.New("generation returned no choices")
	ErrInvalidOutput = errors.New("generation output violates its schema")
)

// Schema is the JSON schema the model output must follow.
type Schema struct {
	Name        string
	Description string
	Definition  map[string]any
}

type Request struct {
	Stage        string
	Model        string
	SystemPrompt string
	UserPrompt   string
	Schema       Schema
	RequestID    string
}

type Settings struct {
	BaseURL         string
	APIKey          string
	Timeout         time.Duration
	RetryAttempts   uint
	RetryMinBackoff time.Duration
	RetryMaxBackoff time.Duration
	RateLimit       float64
	RateBurst       int
	IntervalCB      time.Duration
	FailuresCB      uint32
}

func SettingsFromConfig() Settings {
	return Settings{
		BaseURL:         config.Conf.GenerationBaseURL,
		APIKey:          config.Conf.GenerationAPIKey,
		Timeout:         time.Duration(config.Conf.GenerationTimeout) * time.Second,
		RetryAttempts:   config.Conf.GenerationRetryMaxAttempts,
		RetryMinBackoff: time.Duration(config.Conf.GenerationRetryMinBackoff) * time.Second,
		RetryMaxBackoff: time.Duration(config.Conf.GenerationRetryMaxBackoff) * time.Second,
		RateLimit:       config.Conf.GenerationRateLimit,
		RateBurst:       config.Conf.GenerationRateBurst,
		IntervalCB:      time.Duration(config.Conf.GenerationIntervalCB) * time.Second,
		FailuresCB:      config.Conf.GenerationConsecutiveFailuresCB,
	}
}

type Client struct {
	Client         *openai.Client
	CircuitBreaker *gobreaker.CircuitBreaker[string]
	Limiter        *rate.Limiter
	Validate       *validator.Validate
	Settings       Settings
}

func NewClient(settings Settings) *Client {
	opts := []option.RequestOption{
		option.WithAPIKey(settings.APIKey),
		option.WithRequestTimeout(settings.Timeout),
		// Retries are ours, so each attempt is rate limited.
		option.WithMaxRetries(0),
	}

	if settings.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(settings.BaseURL))
	}

	client := openai.NewClient(opts...)

	limit := rate.Inf
	if settings.RateLimit > 0 {
		limit = rate.Limit(settings.RateLimit)
	}

	burst := max(settings.RateBurst, 1)

	if settings.RetryAttempts == 0 {
		settings.RetryAttempts = 1
	}

	return &Client{
		Client:         &client,
		CircuitBreaker: newGenerationCircuitBreaker(settings),
		Limiter:        rate.NewLimiter(limit, burst),
		Validate:       validator.New(),
		Settings:       settings,
	}
}

func newGenerationCircuitBreaker(settings Settings) *gobreaker.CircuitBreaker[string] {
	cbSettings := gobreaker.Settings{
		Name:     "GenerationClient",
		Interval: settings.IntervalCB,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return settings.FailuresCB > 0 && counts.ConsecutiveFailures >= settings.FailuresCB
		},
		OnStateChange: func(name string, fromState, toState gobreaker.State) {
			logging.Logger.Info("Circuit state changed",
				zap.String("service", name),
				zap.String("from", fromState.String()),
				zap.String("to", toState.String()),
			)

			if toState == gobreaker.StateOpen {
				circuitbreak.TriggerError(circuitbreak.GenerationService)
			}
		},
		// Requests the service rejects say nothing about its health.
		IsSuccessful: func(err error) bool {
			return err == nil || job.IsPermanent(err) || errors.Is(err, context.Canceled)
		},
	}

	return gobreaker.NewCircuitBreaker[string](cbSettings)
}

// Configured reports whether credentials are present. Without them the
// autopilot does not draft at all.
func (client *Client) Configured() bool {
	return client != nil && client.Settings.APIKey != ""
}

// Generate runs one structured completion and decodes it into out, which
// must be a pointer to a struct carrying validate tags.
// Invalid output and client errors other than 429 are permanent.
func (client *Client) Generate(ctx context.Context, req Request, out any) (string, error) {
	if !client.Configured() {
		return "", ErrNotConfigured
	}

	timer := prometheus.NewTimer(prometheusMetrics.GenerationDuration.WithLabelValues(req.Stage))
	defer timer.ObserveDuration()

	content, err := client.CircuitBreaker.Execute(func() (string, error) {
		return client.doGenerateWithRetry(ctx, req)
	})
	if err != nil {
		return "", err
	}

	err = json.Unmarshal([]byte(content), out)
	if err != nil {
		return content, job.Permanent(fmt.Errorf("%w: %w", ErrInvalidOutput, err))
	}

	err = client.Validate.Struct(out)
	if err != nil {
		return content, job.Permanent(fmt.Errorf("%w: %w", ErrInvalidOutput, err))
	}

	return content, nil
}

func (client *Client) doGenerateWithRetry(ctx context.Context, req Request) (string, error) {
	var content string

	err := retry.Do(
		func() error {
			// Check context before each retry
			if ctx.Err() != nil {
				return ctx.Err()
			}

			err := client.Limiter.Wait(ctx)
			if err != nil {
				return err
			}

			content, err = client.doGenerate(ctx, req)

			return err
		},
		retry.RetryIf(func(err error) bool {
			return ctx.Err() == nil && !job.IsPermanent(err)
		}),
		retry.LastErrorOnly(true),
		retry.Attempts(client.Settings.RetryAttempts),
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(client.Settings.RetryMinBackoff),
		retry.MaxDelay(client.Settings.RetryMaxBackoff),
	)
	if err != nil {
		logging.Logger.Error("[doGenerateWithRetry] Generation failed after all retry attempts",
			zap.String("stage", req.Stage),
			zap.String("request_id", req.RequestID),
			zap.String("error", err.Error()),
		)

		return "", err
	}

	return content, nil
}

func (client *Client) doGenerate(ctx context.Context, req Request) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(req.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(req.SystemPrompt),
			openai.UserMessage(req.UserPrompt),
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:        req.Schema.Name,
					Description: openai.String(req.Schema.Description),
					Schema:      req.Schema.Definition,
					Strict:      openai.Bool(true),
				},
			},
		},
	}

	logging.Logger.Debug("[doGenerate] Making generation API call",
		zap.String("stage", req.Stage),
		zap.String("model", req.Model),
		zap.String("request_id", req.RequestID),
	)

	completion, err := client.Client.Chat.Completions.New(ctx, params, option.WithHeader("x-request-id", req.RequestID))
	if err != nil {
		logging.Logger.Error("Generation request failed",
			zap.String("stage", req.Stage),
			zap.String("request_id", req.RequestID),
			zap.String("error", err.Error()),
		)

		return "", classify(err)
	}

	if len(completion.Choices) == 0 {
		return "", ErrEmptyOutput
	}

	return completion.Choices[0].Message.Content, nil
}

// classify marks client errors as permanent. Rate limiting, server errors
// and transport failures stay retryable.
func classify(err error) error {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return err
	}

	status := apiErr.StatusCode
	if status >= http.StatusBadRequest && status < http.StatusInternalServerError && status != http.StatusTooManyRequests {
		return job.Permanent(err)
	}

	return err
}

// Ping lists models to check credentials and reachability, bypassing the breaker.
func (client *Client) Ping(ctx context.Context) error {
	if !client.Configured() {
		return ErrNotConfigured
	}

	_, err := client.Client.Models.List(ctx)

	return err
}
