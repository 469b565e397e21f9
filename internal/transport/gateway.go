package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/avast/retry-go"
	"github.com/goccy/go-json"
	"github.com/shopfront/autopilot/internal/circuitbreak"
	"github.com/shopfront/autopilot/internal/config"
	"github.com/shopfront/autopilot/internal/job"
	"github.com/shopfront/autopilot/internal/logging"
	"github.com/shopfront/autopilot/internal/messaging"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

const (
	smsPath   = "/v1/sms"
	emailPath = "/v1/email"

	maxErrorBody = 512
)

var (
	ErrGatewayRejected    = errors.New("gateway rejected the message")
	ErrGatewayServerError = errors.New("gateway server error")
	ErrMissingMessageID   = errors.New("gateway response has no message id")
)

type GatewaySettings struct {
	BaseURL          string
	APIKey           string
	Proxy            string
	Timeout          time.Duration
	RetryAttempts    uint
	RetryBackoffMin  time.Duration
	RetryBackoffMax  time.Duration
	EmailFromAddress string
	IntervalCB       time.Duration
	FailuresCB       uint32
}

func GatewaySettingsFromConfig() GatewaySettings {
	return GatewaySettings{
		BaseURL:          config.Conf.GatewayBaseURL,
		APIKey:           config.Conf.GatewayAPIKey,
		Proxy:            config.Conf.GatewayProxy,
		Timeout:          time.Duration(config.Conf.GatewayTimeout) * time.Second,
		RetryAttempts:    config.Conf.GatewayRetryMaxAttempts,
		RetryBackoffMin:  time.Duration(config.Conf.GatewayRetryBackoffMin) * time.Second,
		RetryBackoffMax:  time.Duration(config.Conf.GatewayRetryBackoffMax) * time.Second,
		EmailFromAddress: config.Conf.EmailFromAddress,
		IntervalCB:       time.Duration(config.Conf.GatewayIntervalCB) * time.Second,
		FailuresCB:       config.Conf.GatewayConsecutiveFailuresCB,
	}
}

type smsRequest struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

type emailRequest struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

type gatewayResponse struct {
	ID string `json:"id"`
}

// Gateway sends SMS and e-mail through the messaging provider's HTTP API.
type Gateway struct {
	Client         *http.Client
	CircuitBreaker *gobreaker.CircuitBreaker[[]byte]
	Settings       GatewaySettings
}

func NewGateway(settings GatewaySettings) (*Gateway, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()

	if settings.Proxy != "" {
		proxyURL, err := url.Parse(settings.Proxy)
		if err != nil {
			return nil, err
		}

		transport.Proxy = http.ProxyURL(proxyURL)
	}

	if settings.RetryAttempts == 0 {
		settings.RetryAttempts = 1
	}

	return &Gateway{
		Client: &http.Client{
			Timeout:   settings.Timeout,
			Transport: transport,
		},
		CircuitBreaker: newGatewayCircuitBreaker(settings),
		Settings:       settings,
	}, nil
}

func newGatewayCircuitBreaker(settings GatewaySettings) *gobreaker.CircuitBreaker[[]byte] {
	cbSettings := gobreaker.Settings{
		Name:     "Gateway",
		Interval: settings.IntervalCB,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return settings.FailuresCB > 0 && counts.ConsecutiveFailures >= settings.FailuresCB
		},
		OnStateChange: func(name string, fromSate, toSate gobreaker.State) {
			logging.Logger.Info("Circuit state changed",
				zap.String("service", name),
				zap.String("from", fromSate.String()),
				zap.String("to", toSate.String()),
			)

			if toSate == gobreaker.StateOpen {
				circuitbreak.TriggerError(circuitbreak.GatewayService)
			}
		},
		// A rejected message means the gateway is up.
		IsSuccessful: func(err error) bool {
			return err == nil || job.IsPermanent(err) || errors.Is(err, context.Canceled)
		},
	}

	return gobreaker.NewCircuitBreaker[[]byte](cbSettings)
}

// Send posts an SMS or e-mail. Rejections (4xx other than 408 and 429) are
// permanent; everything else is retried here and then by the job.
func (gateway *Gateway) Send(ctx context.Context, message Message) (Receipt, error) {
	path, payload, err := gateway.request(message)
	if err != nil {
		return Receipt{}, job.Permanent(err)
	}

	apiURL, err := url.JoinPath(gateway.Settings.BaseURL, path)
	if err != nil {
		return Receipt{}, job.Permanent(err)
	}

	reqBody, err := json.Marshal(payload)
	if err != nil {
		return Receipt{}, job.Permanent(err)
	}

	body, err := gateway.CircuitBreaker.Execute(func() ([]byte, error) {
		return gateway.doGatewayRequestWithRetry(ctx, apiURL, reqBody, message.IdempotencyKey)
	})
	if err != nil {
		return Receipt{}, err
	}

	var response gatewayResponse

	err = json.Unmarshal(body, &response)
	if err != nil {
		return Receipt{}, job.Permanent(err)
	}

	if response.ID == "" {
		return Receipt{}, job.Permanent(ErrMissingMessageID)
	}

	logging.Logger.Info("Gateway accepted message",
		zap.String("channel", string(message.Channel)),
		zap.String("idempotency_key", message.IdempotencyKey),
		zap.String("provider_message_id", response.ID),
	)

	return Receipt{ProviderMessageID: response.ID}, nil
}

func (gateway *Gateway) request(message Message) (string, any, error) {
	switch message.Channel {
	case messaging.ChannelSMS:
		return smsPath, smsRequest{To: message.To, Body: message.Body}, nil
	case messaging.ChannelEmail:
		subject := ""
		if message.Subject != nil {
			subject = *message.Subject
		}

		return emailPath, emailRequest{
			From:    gateway.Settings.EmailFromAddress,
			To:      message.To,
			Subject: subject,
			Body:    message.Body,
		}, nil
	default:
		return "", nil, fmt.Errorf("%w %q", ErrUnsupportedChannel, message.Channel)
	}
}

func (gateway *Gateway) doGatewayRequestWithRetry(
	ctx context.Context,
	apiURL string,
	reqBody []byte,
	idempotencyKey string,
) ([]byte, error) {
	var body []byte

	err := retry.Do(
		func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			var (
				statusCode int
				err        error
			)

			body, statusCode, err = gateway.doGatewayRequest(ctx, apiURL, reqBody, idempotencyKey)
			if err != nil {
				return err
			}

			return classifyStatus(statusCode, body)
		},
		retry.RetryIf(func(err error) bool {
			return ctx.Err() == nil && !job.IsPermanent(err)
		}),
		retry.LastErrorOnly(true),
		retry.Attempts(gateway.Settings.RetryAttempts),
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(gateway.Settings.RetryBackoffMin),
		retry.MaxDelay(gateway.Settings.RetryBackoffMax),
	)
	if err != nil {
		return nil, err
	}

	return body, nil
}

func classifyStatus(statusCode int, body []byte) error {
	switch {
	case statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices:
		return nil
	case statusCode == http.StatusRequestTimeout || statusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d", ErrGatewayServerError, statusCode)
	case statusCode >= http.StatusBadRequest && statusCode < http.StatusInternalServerError:
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}

		return job.Permanent(fmt.Errorf("%w: status %d: %s", ErrGatewayRejected, statusCode, body))
	default:
		return fmt.Errorf("%w: status %d", ErrGatewayServerError, statusCode)
	}
}

func (gateway *Gateway) doGatewayRequest(
	ctx context.Context,
	apiURL string,
	reqBody []byte,
	idempotencyKey string,
) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, bytes.NewReader(reqBody))
	if err != nil {
		return nil, 0, err
	}

	req.Header.Set("Authorization", "Bearer "+gateway.Settings.APIKey)
	req.Header.Set("Content-Type", "application/json;charset=utf-8")

	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := gateway.Client.Do(req)
	if err != nil {
		return nil, 0, err
	}

	defer func() {
		cerr := resp.Body.Close()
		if cerr != nil {
			logging.Logger.Error("Failed to close response body", zap.String("error", cerr.Error()))
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}

	return body, resp.StatusCode, nil
}

// Ping checks that the gateway answers at all.
func (gateway *Gateway) Ping(ctx context.Context) error {
	apiURL, err := url.JoinPath(gateway.Settings.BaseURL, "/health")
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return err
	}

	resp, err := gateway.Client.Do(req)
	if err != nil {
		return err
	}

	_ = resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: status %d", ErrGatewayServerError, resp.StatusCode)
	}

	return nil
}
