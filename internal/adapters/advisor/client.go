// Package advisor is the HTTP client of the optional advisory collaborator. It
// posts a trade summary and receives a partial parameter recommendation.
package advisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/alejandrodnm/arbengine/internal/domain"
)

const (
	defaultTimeout    = 5 * time.Second
	defaultRatePerSec = 1
	maxRetries        = 2
	baseRetryWait     = 250 * time.Millisecond
)

// Config configures the advisory client.
type Config struct {
	URL        string
	Token      string
	Timeout    time.Duration
	RatePerSec float64
}

// request is the wire body sent to the advisor.
type request struct {
	Summary domain.TradeAnalysisSummary `json:"summary"`
}

// Client implements ports.Advisor over HTTP with rate limiting and retries.
type Client struct {
	http    *http.Client
	url     string
	token   string
	limiter *rate.Limiter
}

// NewClient creates an advisory client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = defaultRatePerSec
	}
	return &Client{
		http:    &http.Client{Timeout: cfg.Timeout},
		url:     cfg.URL,
		token:   cfg.Token,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), 2),
	}
}

// Recommend posts the summary and decodes the recommendation. Any failure wraps
// domain.ErrAdvisorUnavailable so callers can fall back to rules.
func (c *Client) Recommend(ctx context.Context, summary domain.TradeAnalysisSummary) (domain.ParameterNudge, error) {
	body, err := json.Marshal(request{Summary: summary})
	if err != nil {
		return domain.ParameterNudge{}, fmt.Errorf("advisor.Recommend: marshal: %w", err)
	}

	var nudge domain.ParameterNudge
	err = c.doWithRetry(ctx, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		return c.http.Do(req)
	}, &nudge)
	if err != nil {
		return domain.ParameterNudge{}, fmt.Errorf("advisor.Recommend: %w: %w", domain.ErrAdvisorUnavailable, err)
	}
	return nudge, nil
}

// doWithRetry runs fn with exponential backoff on transport errors, 429 and 5xx.
func (c *Client) doWithRetry(ctx context.Context, fn func() (*http.Response, error), out any) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}

		resp, err := fn()
		if err != nil {
			if attempt == maxRetries || ctx.Err() != nil {
				return fmt.Errorf("request failed after %d attempts: %w", attempt+1, err)
			}
			c.sleep(ctx, attempt)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			resp.Body.Close()
			if attempt == maxRetries {
				return fmt.Errorf("server status %d after %d attempts", resp.StatusCode, attempt+1)
			}
			slog.Warn("advisor: retrying", "status", resp.StatusCode, "attempt", attempt+1)
			c.sleep(ctx, attempt)
			continue
		}

		if resp.StatusCode >= 400 {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			resp.Body.Close()
			return fmt.Errorf("client error %d: %s", resp.StatusCode, string(b))
		}

		defer resp.Body.Close()
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
	return fmt.Errorf("exhausted %d retries", maxRetries)
}

// sleep waits with exponential backoff, respecting ctx.
func (c *Client) sleep(ctx context.Context, attempt int) {
	wait := time.Duration(math.Pow(2, float64(attempt))) * baseRetryWait
	select {
	case <-time.After(wait):
	case <-ctx.Done():
	}
}
