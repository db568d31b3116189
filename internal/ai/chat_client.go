package ai

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

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

type ChatClientConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
	MaxRetries  int
	HTTPClient  *http.Client
	Logger      *zap.Logger
}

// ChatClient calls an OpenAI-compatible /chat/completions endpoint
// (OpenRouter by default).
type ChatClient struct {
	apiKey      string
	baseURL     string
	model       string
	temperature float64
	maxTokens   int
	timeout     time.Duration
	maxRetries  int
	httpClient  *http.Client
	logger      *zap.Logger
}

func NewChatClient(config ChatClientConfig) *ChatClient {
	if strings.TrimSpace(config.BaseURL) == "" {
		config.BaseURL = "https://openrouter.ai/api/v1"
	}
	if strings.TrimSpace(config.Model) == "" {
		config.Model = "openai/gpt-4.1-mini"
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = 300
	}
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{}
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	return &ChatClient{
		apiKey:      strings.TrimSpace(config.APIKey),
		baseURL:     strings.TrimSuffix(config.BaseURL, "/"),
		model:       config.Model,
		temperature: config.Temperature,
		maxTokens:   config.MaxTokens,
		timeout:     config.Timeout,
		maxRetries:  config.MaxRetries,
		httpClient:  config.HTTPClient,
		logger:      config.Logger,
	}
}

func (c *ChatClient) Available() bool {
	return c.apiKey != ""
}

func (c *ChatClient) Generate(ctx context.Context, input GenerateInput) (string, error) {
	if !c.Available() {
		return "", ErrGeneratorUnavailable
	}
	prompt, err := RenderPrompt(input)
	if err != nil {
		return "", err
	}

	encoded, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	var text string
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 350 * time.Millisecond
	operation := func() error {
		result, callErr := c.call(ctx, encoded)
		if callErr == nil {
			text = result
			return nil
		}
		if !isRetryable(callErr) {
			return backoff.Permanent(callErr)
		}
		c.logger.Debug("chat completion failed, retrying", zap.Error(callErr))
		return callErr
	}
	retry := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.maxRetries)), ctx)
	if err := backoff.Retry(operation, retry); err != nil {
		return "", err
	}
	return text, nil
}

func (c *ChatClient) call(ctx context.Context, payload []byte) (string, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(timeoutCtx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create chat request: %w", err)
	}
	request.Header.Set("Authorization", "Bearer "+c.apiKey)
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		if errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("chat completion timeout: %w", err)
		}
		return "", fmt.Errorf("chat completion transport error: %w", err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return "", fmt.Errorf("read chat response: %w", err)
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		message := strings.TrimSpace(string(body))
		if len(message) > 700 {
			message = message[:700]
		}
		return "", &StatusError{StatusCode: response.StatusCode, Message: message}
	}

	var decoded chatResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	text := decoded.text()
	if text == "" {
		return "", errors.New("chat response without text output")
	}
	return text, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content any `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// text accepts both plain string content and the array-of-parts form.
func (r chatResponse) text() string {
	if len(r.Choices) == 0 {
		return ""
	}
	switch typed := r.Choices[0].Message.Content.(type) {
	case string:
		return strings.TrimSpace(typed)
	case []any:
		fragments := make([]string, 0, len(typed))
		for _, item := range typed {
			part, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if value, _ := part["text"].(string); strings.TrimSpace(value) != "" {
				fragments = append(fragments, strings.TrimSpace(value))
			}
		}
		return strings.Join(fragments, "\n")
	default:
		return ""
	}
}

type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("chat completion status %d: %s", e.StatusCode, e.Message)
}

func isRetryable(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == http.StatusTooManyRequests || statusErr.StatusCode >= 500
	}
	return strings.Contains(err.Error(), "timeout")
}
