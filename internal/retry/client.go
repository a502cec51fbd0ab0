// Package retry wraps calls to fragile external services (broker, store) in
// bounded retry with exponential backoff. Only transient failures are retried;
// permanent failures (authentication, permissions, validation) surface
// immediately.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log"
	"math/big"
	"strings"
	"time"
)

// Policy bounds a retry loop.
type Policy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

// DefaultPolicy matches the broker adapter contract: up to 3 retries (4
// attempts total) with exponential backoff.
var DefaultPolicy = Policy{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
	Timeout:        2 * time.Minute,
}

// temporary is implemented by typed errors that carry their own retryability,
// e.g. broker API errors where 5xx/429 are transient and other 4xx are not.
type temporary interface {
	Temporary() bool
}

// Client runs operations under a Policy.
type Client struct {
	logger *log.Logger
	policy Policy
}

// NewClient returns a retry client. A nil logger discards retry chatter.
func NewClient(logger *log.Logger, policy ...Policy) *Client {
	p := DefaultPolicy
	if len(policy) > 0 {
		p = policy[0]
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Client{logger: logger, policy: p}
}

// Do runs fn up to MaxRetries+1 times, backing off between transient
// failures. The whole loop is bounded by the policy timeout.
func (c *Client) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	opCtx, cancel := context.WithTimeout(ctx, c.policy.Timeout)
	defer cancel()

	var lastErr error
	backoff := c.policy.InitialBackoff

	for attempt := 0; attempt <= c.policy.MaxRetries; attempt++ {
		if err := opCtx.Err(); err != nil {
			return fmt.Errorf("%s timed out after %v: %w", op, c.policy.Timeout, err)
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s canceled: %w", op, err)
		}

		err := fn(opCtx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsTransient(err) || attempt == c.policy.MaxRetries {
			break
		}
		c.logger.Printf("[retry] %s attempt %d/%d failed (%v), retrying in %v",
			op, attempt+1, c.policy.MaxRetries+1, err, backoff)
		select {
		case <-time.After(backoff):
			backoff = c.nextBackoff(backoff)
		case <-opCtx.Done():
			return fmt.Errorf("%s timed out during backoff: %w", op, opCtx.Err())
		case <-ctx.Done():
			return fmt.Errorf("%s canceled during backoff: %w", op, ctx.Err())
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", op, c.policy.MaxRetries+1, lastErr)
}

// DoWithDelays runs fn with a fixed delay ladder between transient failures.
// The store's save path uses the 0.5s/1.0s/2.0s ladder.
func (c *Client) DoWithDelays(ctx context.Context, op string, delays []time.Duration, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt <= len(delays); attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s canceled: %w", op, err)
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsTransient(err) || attempt == len(delays) {
			break
		}
		c.logger.Printf("[retry] %s attempt %d/%d failed (%v), retrying in %v",
			op, attempt+1, len(delays)+1, err, delays[attempt])
		select {
		case <-time.After(delays[attempt]):
		case <-ctx.Done():
			return fmt.Errorf("%s canceled during backoff: %w", op, ctx.Err())
		}
	}

	return lastErr
}

func (c *Client) nextBackoff(current time.Duration) time.Duration {
	backoff := time.Duration(float64(current) * 1.5)
	if backoff > c.policy.MaxBackoff {
		backoff = c.policy.MaxBackoff
	}

	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err != nil {
			c.logger.Printf("[retry] failed to generate jitter: %v", err)
		} else {
			backoff += time.Duration(jitterVal.Int64())
		}
	}

	return backoff
}

// transientPatterns covers network, protocol and throttling failures where
// the typed error information has been lost to string wrapping.
var transientPatterns = []string{
	"timeout",
	"connection refused",
	"connection reset",
	"temporary failure",
	"server error",
	"rate limit",
	"429", // HTTP 429 Too Many Requests
	"502", // HTTP 502 Bad Gateway
	"503", // HTTP 503 Service Unavailable
	"504", // HTTP 504 Gateway Timeout
	"network",
	"dns",
	"tcp",
	"eof",
}

// IsTransient classifies an error as retryable. Typed errors implementing
// Temporary() decide for themselves; everything else falls back to substring
// matching. Context cancellation is never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var tmp temporary
	if errors.As(err, &tmp) {
		return tmp.Temporary()
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
