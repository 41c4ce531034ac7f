package auth

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Berailitz/bupt-messager/internal/httpx"
)

type scriptedStage struct {
	name       string
	loginErr   error
	successOn  int // attempt index (1-based) whose classification succeeds; 0 = never
	attempts   int
	classified int
}

func (s *scriptedStage) Name() string { return s.name }

func (s *scriptedStage) Login(_ context.Context) (*httpx.Response, error) {
	s.attempts++
	if s.loginErr != nil {
		return nil, s.loginErr
	}
	return &httpx.Response{
		StatusCode: 200,
		Body:       []byte(fmt.Sprintf("attempt-%d", s.attempts)),
	}, nil
}

func (s *scriptedStage) Classify(_ *httpx.Response) error {
	s.classified++
	if s.successOn != 0 && s.attempts == s.successOn {
		return nil
	}
	return errors.New("wrong title")
}

func TestDoExhaustsAttemptsAndSleeps(t *testing.T) {
	t.Parallel()

	wait := 10 * time.Millisecond
	runner := NewRunner(RunnerConfig{MaxAttempts: 3, WaitInterval: wait}, zap.NewNop())
	stage := &scriptedStage{name: "gateway"}

	start := time.Now()
	_, err := runner.Do(context.Background(), stage, "gateway login")
	elapsed := time.Since(start)

	var permErr *PermissionError
	require.ErrorAs(t, err, &permErr)
	require.Contains(t, permErr.Error(), "gateway login")
	require.Equal(t, 3, stage.attempts)
	// The courtesy sleep runs after every attempt, including the last one.
	require.GreaterOrEqual(t, elapsed, 3*wait)
}

func TestDoReturnsSecondAttemptResponse(t *testing.T) {
	t.Parallel()

	runner := NewRunner(RunnerConfig{MaxAttempts: 3, WaitInterval: time.Millisecond}, zap.NewNop())
	stage := &scriptedStage{name: "portal", successOn: 2}

	resp, err := runner.Do(context.Background(), stage, "portal login")
	require.NoError(t, err)
	require.Equal(t, 2, stage.attempts)
	require.Equal(t, "attempt-2", resp.Text())
}

func TestDoRaisesFinalAttemptError(t *testing.T) {
	t.Parallel()

	runner := NewRunner(RunnerConfig{MaxAttempts: 2, WaitInterval: time.Millisecond}, zap.NewNop())
	loginErr := errors.New("connection reset")
	stage := &scriptedStage{name: "gateway", loginErr: loginErr}

	_, err := runner.Do(context.Background(), stage, "gateway login")
	require.ErrorIs(t, err, loginErr)
	require.Equal(t, 2, stage.attempts)
}

func TestDoCancellationAbortsAfterOneAttempt(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	runner := NewRunner(RunnerConfig{MaxAttempts: 3, WaitInterval: time.Millisecond}, zap.NewNop())
	stage := &cancelingStage{cancel: cancel}

	_, err := runner.Do(ctx, stage, "gateway login")
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, stage.attempts)
}

type cancelingStage struct {
	cancel   context.CancelFunc
	attempts int
}

func (s *cancelingStage) Name() string { return "gateway" }

func (s *cancelingStage) Login(ctx context.Context) (*httpx.Response, error) {
	s.attempts++
	s.cancel()
	return nil, ctx.Err()
}

func (s *cancelingStage) Classify(_ *httpx.Response) error { return nil }

func TestDoDefaultsApplied(t *testing.T) {
	t.Parallel()

	runner := NewRunner(RunnerConfig{}, zap.NewNop())
	require.Equal(t, 3, runner.maxAttempts)
	require.Equal(t, 5*time.Second, runner.waitInterval)
}
