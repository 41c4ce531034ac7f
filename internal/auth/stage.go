// Package auth implements the two sequential login handshakes required to
// reach the notice feed: the web-VPN gateway first, then the content portal.
// Both stages share one retry skeleton and differ only in handshake specifics.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Berailitz/bupt-messager/internal/httpx"
)

// Stage is one authentication handshake.
type Stage interface {
	// Name labels the stage in logs and metrics.
	Name() string

	// Login performs one login sequence and returns the raw response.
	Login(ctx context.Context) (*httpx.Response, error)

	// Classify inspects a login response. It returns nil on success and a
	// descriptive error when the portal rejected the attempt.
	Classify(resp *httpx.Response) error
}

// PermissionError is returned when every login attempt was rejected.
type PermissionError struct {
	Context string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("auth: cannot login: %s", e.Context)
}

// Runner drives a Stage through bounded retries.
type Runner struct {
	maxAttempts  int
	waitInterval time.Duration
	logger       *zap.Logger
}

// RunnerConfig controls retry behavior. Zero values fall back to the
// defaults of 3 attempts and a 5 second wait.
type RunnerConfig struct {
	MaxAttempts  int
	WaitInterval time.Duration
}

// NewRunner builds a Runner.
func NewRunner(cfg RunnerConfig, logger *zap.Logger) *Runner {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.WaitInterval <= 0 {
		cfg.WaitInterval = 5 * time.Second
	}
	return &Runner{
		maxAttempts:  cfg.MaxAttempts,
		waitInterval: cfg.WaitInterval,
		logger:       logger,
	}
}

// Do runs up to MaxAttempts login attempts, sleeping WaitInterval after every
// attempt regardless of outcome as a rate-limit courtesy to the remote site.
// On success it returns the attempt's response. Cancellation propagates
// immediately. After exhausting the attempts it returns the final attempt's
// error, or a PermissionError naming errorContext when every attempt was a
// classification rejection.
func (r *Runner) Do(ctx context.Context, stage Stage, errorContext string) (*httpx.Response, error) {
	var finalErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		finalErr = nil
		resp, err := stage.Login(ctx)
		success := false
		switch {
		case err != nil:
			if errors.Is(err, context.Canceled) {
				r.logger.Warn("login canceled", zap.String("stage", stage.Name()))
				return nil, err
			}
			r.logger.Error("login attempt failed",
				zap.String("stage", stage.Name()),
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", r.maxAttempts),
				zap.Error(err),
			)
			finalErr = err
		default:
			if rejection := stage.Classify(resp); rejection != nil {
				r.logger.Warn("login rejected",
					zap.String("stage", stage.Name()),
					zap.Int("attempt", attempt),
					zap.Int("max_attempts", r.maxAttempts),
					zap.Error(rejection),
				)
			} else {
				r.logger.Info("login succeeded", zap.String("stage", stage.Name()), zap.Int("attempt", attempt))
				success = true
			}
		}

		if err := sleepCtx(ctx, r.waitInterval); err != nil {
			return nil, err
		}
		if success {
			return resp, nil
		}
	}
	if finalErr != nil {
		r.logger.Error("login exhausted", zap.String("stage", stage.Name()), zap.String("context", errorContext), zap.Error(finalErr))
		return nil, finalErr
	}
	r.logger.Error("login exhausted", zap.String("stage", stage.Name()), zap.String("context", errorContext))
	return nil, &PermissionError{Context: errorContext}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
