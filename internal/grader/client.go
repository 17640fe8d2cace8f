// Package grader scores evidence files against a course rubric through a
// chat-completions model API. The transport sits behind a circuit breaker so
// a dead upstream fails fast instead of burning the evaluation deadline.
package grader

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/repograde/repograde/internal/evalerr"
	"github.com/sethvargo/go-retry"
	"github.com/sony/gobreaker"
	"github.com/tidwall/gjson"
)

// ModelClient is the completion surface shared by the grader and tier-3
// selection.
type ModelClient interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// ClientOptions configure the chat-completions client.
type ClientOptions struct {
	BaseURL     string
	APIKey      string
	Model       string
	MaxAttempts int
	HTTPTimeout time.Duration
	RetryBase   time.Duration
}

// DefaultClientOptions returns the client defaults: 3 attempts with a
// 1-second exponential base inside a 120-second per-request timeout.
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		BaseURL:     "https://api.openai.com/v1",
		Model:       "gpt-4o-mini",
		MaxAttempts: 3,
		HTTPTimeout: 120 * time.Second,
		RetryBase:   time.Second,
	}
}

// HTTPClient implements ModelClient against an OpenAI-style
// /chat/completions endpoint.
type HTTPClient struct {
	opts    ClientOptions
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	log     *slog.Logger
}

// NewHTTPClient returns a model client for the configured API base.
func NewHTTPClient(opts ClientOptions, log *slog.Logger) *HTTPClient {
	def := DefaultClientOptions()
	if opts.BaseURL == "" {
		opts.BaseURL = def.BaseURL
	}
	opts.BaseURL = strings.TrimSuffix(opts.BaseURL, "/")
	if opts.Model == "" {
		opts.Model = def.Model
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.HTTPTimeout <= 0 {
		opts.HTTPTimeout = def.HTTPTimeout
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = def.RetryBase
	}
	if log == nil {
		log = slog.Default()
	}

	c := &HTTPClient{
		opts:   opts,
		client: &http.Client{Timeout: opts.HTTPTimeout},
		log:    log,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "model-api",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// A caller hanging up is not an upstream failure.
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("model API breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return c
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Temperature float64       `json:"temperature"`
	Messages    []chatMessage `json:"messages"`
}

// Complete sends one completion and returns the assistant message text. An
// open breaker rejects immediately without a network call.
func (c *HTTPClient) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	payload, err := json.Marshal(chatRequest{
		Model: c.opts.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("encode completion request: %w", err)
	}

	out, err := c.breaker.Execute(func() (any, error) {
		return c.complete(ctx, payload)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return "", evalerr.Wrap(evalerr.UpstreamUnavailable, "model API circuit open", err)
	}
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

// complete performs the POST with retry. Rate limits wait out Retry-After
// when the server sends one; 5xx and transport errors back off
// exponentially with jitter. A rate limit that survives every attempt
// surfaces as RateLimited.
func (c *HTTPClient) complete(ctx context.Context, payload []byte) (string, error) {
	var serverDelay time.Duration
	base := retry.WithJitter(c.opts.RetryBase/2, retry.NewExponential(c.opts.RetryBase))
	backoff := retry.WithMaxRetries(uint64(c.opts.MaxAttempts-1), retry.BackoffFunc(func() (time.Duration, bool) {
		if serverDelay > 0 {
			d := serverDelay
			serverDelay = 0
			return d, false
		}
		return base.Next()
	}))

	var content string
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.opts.BaseURL+"/chat/completions", bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("build completion request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.opts.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("model request: %w", err))
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("read model response: %w", err))
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			serverDelay = retryAfterDelay(resp.Header.Get("Retry-After"))
			return retry.RetryableError(evalerr.New(evalerr.RateLimited, "model API rate limit reached"))
		case resp.StatusCode >= 500:
			return retry.RetryableError(evalerr.Errorf(evalerr.UpstreamUnavailable, "model API responded %d", resp.StatusCode))
		case resp.StatusCode != http.StatusOK:
			return evalerr.Errorf(evalerr.UpstreamUnavailable, "model API responded %d", resp.StatusCode)
		}

		content = gjson.GetBytes(body, "choices.0.message.content").String()
		if content == "" {
			return evalerr.New(evalerr.UpstreamUnavailable, "model response carried no content")
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return content, nil
}

// retryAfterDelay parses a Retry-After value given in seconds.
func retryAfterDelay(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
