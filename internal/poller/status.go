package poller

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/Berailitz/bupt-messager/internal/metrics"
	"github.com/Berailitz/bupt-messager/internal/notice"
)

// withStatus wraps a pipeline operation with status telemetry: on failure it
// records errCode, on success okCode, each only when configured. The
// operation's error always passes through. Cancellation is surfaced without
// leaving a status row.
func (m *Manager) withStatus(ctx context.Context, okCode, errCode *notice.StatusCode, fn func(context.Context) error) error {
	err := fn(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		if errCode != nil {
			m.recordStatus(ctx, *errCode)
		}
		return err
	}
	if okCode != nil {
		m.recordStatus(ctx, *okCode)
	}
	return nil
}

// recordStatus appends a status row. A failed insert must not mask the cycle
// outcome, so it is logged and dropped.
func (m *Manager) recordStatus(ctx context.Context, code notice.StatusCode) {
	metrics.ObserveCycle(code.String())
	if err := m.store.InsertStatus(ctx, code); err != nil {
		m.logger.Error("status insert failed", zap.Stringer("code", code), zap.Error(err))
	}
}

func statusPtr(code notice.StatusCode) *notice.StatusCode {
	return &code
}
