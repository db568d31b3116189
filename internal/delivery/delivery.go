// Package delivery hands generated messages to the WhatsApp gateway.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrInvalidDestination = errors.New("invalid destination")

// Sender delivers one message and returns the gateway's message id.
type Sender interface {
	Send(ctx context.Context, tenantID, destination, text string) (string, error)
}

type HTTPSenderConfig struct {
	URL        string
	Token      string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// HTTPSender posts messages as JSON to a gateway endpoint.
type HTTPSender struct {
	url        string
	token      string
	timeout    time.Duration
	httpClient *http.Client
}

func NewHTTPSender(config HTTPSenderConfig) *HTTPSender {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{}
	}
	return &HTTPSender{
		url:        strings.TrimSpace(config.URL),
		token:      strings.TrimSpace(config.Token),
		timeout:    config.Timeout,
		httpClient: config.HTTPClient,
	}
}

type sendRequest struct {
	TenantID string `json:"tenant_id"`
	To       string `json:"to"`
	Text     string `json:"text"`
}

type sendResponse struct {
	ID        string `json:"id"`
	MessageID string `json:"message_id"`
}

func (s *HTTPSender) Send(ctx context.Context, tenantID, destination, text string) (string, error) {
	if strings.TrimSpace(destination) == "" {
		return "", ErrInvalidDestination
	}
	payload, err := json.Marshal(sendRequest{TenantID: tenantID, To: destination, Text: text})
	if err != nil {
		return "", fmt.Errorf("marshal send request: %w", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	request, err := http.NewRequestWithContext(timeoutCtx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create send request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		request.Header.Set("Authorization", "Bearer "+s.token)
	}

	response, err := s.httpClient.Do(request)
	if err != nil {
		return "", fmt.Errorf("gateway transport error: %w", err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(io.LimitReader(response.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("read gateway response: %w", err)
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return "", fmt.Errorf("gateway status %d: %s", response.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded sendResponse
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &decoded); err != nil {
			return "", fmt.Errorf("decode gateway response: %w", err)
		}
	}
	if decoded.MessageID != "" {
		return decoded.MessageID, nil
	}
	return decoded.ID, nil
}

// LogSender only logs messages. It backs local runs without a gateway.
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, tenantID, destination, text string) (string, error) {
	if strings.TrimSpace(destination) == "" {
		return "", ErrInvalidDestination
	}
	id := "log-" + uuid.NewString()
	s.logger.Info("message delivered to log",
		zap.String("tenant_id", tenantID),
		zap.String("external_id", id),
		zap.Int("length", len(text)),
	)
	return id, nil
}
