// Package llm holds the language model providers used by the macro policy.
package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrEmptyResponse is returned when a provider answers with no text.
var ErrEmptyResponse = errors.New("llm returned empty response")

// #region types
// Request is one completion call.
type Request struct {
	System      string
	Prompt      string
	JSON        bool // ask for a JSON object
	Temperature float32
}

// Response is the provider answer.
type Response struct {
	Text    string
	Model   string
	Latency time.Duration
}

// Client is a completion provider.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
	Name() string
}

// Config selects and configures a provider.
type Config struct {
	Provider       string // genai | grpc | none
	Model          string
	APIKey         string
	Addr           string // grpc gateway address
	RequestsPerSec float64
	Burst          int
}

// #endregion types

// #region factory
// New builds the configured provider, rate limited when RequestsPerSec > 0.
// Provider "none" (or empty) returns a nil client.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var c Client
	var err error
	switch strings.ToLower(cfg.Provider) {
	case "", "none":
		return nil, nil
	case "genai", "gemini":
		c, err = NewGenAIClient(ctx, cfg.APIKey, cfg.Model)
	case "grpc":
		c, err = NewGRPCClient(cfg.Addr, cfg.Model)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	logger.Named("llm").Info("llm provider ready", zap.String("provider", c.Name()))
	if cfg.RequestsPerSec > 0 {
		c = NewLimited(c, rate.Limit(cfg.RequestsPerSec), cfg.Burst)
	}
	return c, nil
}

// #endregion factory

// #region limited
// Limited throttles calls to a provider.
type Limited struct {
	next    Client
	limiter *rate.Limiter
}

// NewLimited wraps next with a token bucket.
func NewLimited(next Client, limit rate.Limit, burst int) *Limited {
	if burst <= 0 {
		burst = 1
	}
	return &Limited{next: next, limiter: rate.NewLimiter(limit, burst)}
}

// Complete waits for a token, then delegates. A context that expires while
// waiting returns its error without calling the provider.
func (l *Limited) Complete(ctx context.Context, req Request) (Response, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return Response{}, fmt.Errorf("llm rate limit: %w", err)
	}
	return l.next.Complete(ctx, req)
}

// Name returns the wrapped provider name.
func (l *Limited) Name() string { return l.next.Name() }

// Close closes the wrapped provider when it holds a connection.
func (l *Limited) Close() error { return Close(l.next) }

// #endregion limited

// Close releases c if it holds a connection. A nil client is a no-op.
func Close(c Client) error {
	if cl, ok := c.(io.Closer); ok {
		return cl.Close()
	}
	return nil
}
