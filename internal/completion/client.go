// Package completion reaches the remote completion service. Every request
// is single-shot: only the new user text and the fixed instructions are
// sent, never prior turns.
package completion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Request is the normalized request sent to the completion service.
type Request struct {
	Instructions string `json:"instructions"`
	UserText     string `json:"user_text"`
}

type Response struct {
	Text string `json:"text"`
}

type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// StatusError is a non-2xx answer from a completion endpoint. Err is the
// provider error it was read from, when there is one.
type StatusError struct {
	Code int
	Body string
	Err  error
}

func (e *StatusError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("completion status %d: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("completion http status %d: %s", e.Code, e.Body)
}

func (e *StatusError) StatusCode() int { return e.Code }

func (e *StatusError) Unwrap() error { return e.Err }

// Config controls client construction.
type Config struct {
	Mode      string
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
	HTTPURL   string

	Timeout   time.Duration
	Retries   int
	RetryBase time.Duration
	RetryCap  time.Duration
}

// NewClient builds the client for cfg.Mode and wraps it with the retry
// policy. auto prefers the OpenAI-compatible model, then a plain HTTP
// endpoint, then the mock.
func NewClient(ctx context.Context, cfg Config) (Client, string, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" || mode == "auto" {
		switch {
		case strings.TrimSpace(cfg.APIKey) != "":
			mode = "openai"
		case strings.TrimSpace(cfg.HTTPURL) != "":
			mode = "http"
		default:
			mode = "mock"
		}
	}

	var inner Client
	switch mode {
	case "openai":
		if strings.TrimSpace(cfg.APIKey) == "" {
			return nil, "", errors.New("completion api key is required for openai mode")
		}
		c, err := NewOpenAIClient(ctx, cfg.APIKey, cfg.BaseURL, cfg.Model, cfg.MaxTokens)
		if err != nil {
			return nil, "", err
		}
		inner = c
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, "", errors.New("completion HTTP url is required for http mode")
		}
		inner = NewHTTPClient(cfg.HTTPURL)
	case "mock":
		return NewMockClient(), mode, nil
	default:
		return nil, "", errors.Errorf("unsupported completion mode %q", cfg.Mode)
	}

	return NewRetryClient(inner, RetryPolicy{
		Timeout: cfg.Timeout,
		Retries: cfg.Retries,
		Base:    cfg.RetryBase,
		Cap:     cfg.RetryCap,
	}), mode, nil
}
