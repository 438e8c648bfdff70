package cloud

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/chicogong/gpu-gateway/pkg/logger"
	"github.com/chicogong/gpu-gateway/pkg/models"
	"go.uber.org/zap"
)

// ErrRetriesExhausted wraps the last error once every attempt has failed
var ErrRetriesExhausted = errors.New("cloud api retries exhausted")

// RetryConfig bounds the retry loop
type RetryConfig struct {
	Attempts       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Retrying wraps a Client with bounded exponential backoff
type Retrying struct {
	next   Client
	cfg    RetryConfig
	logger *logger.Logger

	// timer is replaced in tests; nil uses real timers
	timer backoff.Timer
}

// NewRetrying wraps next
func NewRetrying(next Client, cfg RetryConfig, log *logger.Logger) *Retrying {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	return &Retrying{next: next, cfg: cfg, logger: log}
}

// ListWorkspaces lists workspaces with retries
func (r *Retrying) ListWorkspaces(ctx context.Context, nameFilter string) ([]models.Workspace, error) {
	var out []models.Workspace
	err := r.retry(ctx, "list", func(ctx context.Context) error {
		var err error
		out, err = r.next.ListWorkspaces(ctx, nameFilter)
		return err
	})
	return out, err
}

// Resume resumes a workspace with retries
func (r *Retrying) Resume(ctx context.Context, id string) error {
	return r.retry(ctx, "resume "+id, func(ctx context.Context) error {
		return r.next.Resume(ctx, id)
	})
}

// Pause pauses a workspace with retries
func (r *Retrying) Pause(ctx context.Context, id string) error {
	return r.retry(ctx, "pause "+id, func(ctx context.Context) error {
		return r.next.Pause(ctx, id)
	})
}

// policy doubles the wait from InitialBackoff up to MaxBackoff, without
// jitter, for at most Attempts calls
func (r *Retrying) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialBackoff
	b.MaxInterval = r.cfg.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.cfg.Attempts-1)), ctx)
}

func (r *Retrying) retry(ctx context.Context, op string, fn func(context.Context) error) error {
	attempts := 0
	operation := func() error {
		attempts++
		err := fn(ctx)
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		r.logger.Warn("Cloud API call failed, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempts),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
	}

	err := backoff.RetryNotifyWithTimer(operation, r.policy(ctx), notify, r.timer)
	if err == nil || ctx.Err() != nil || !retryable(err) {
		return err
	}
	return fmt.Errorf("%w: %s after %d attempts: %w", ErrRetriesExhausted, op, attempts, err)
}

// retryable reports whether err may go away on retry. Client errors other
// than 429 are final.
func retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	return true
}
