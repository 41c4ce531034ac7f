// Package poller drives the periodic ingestion cycle: session refresh, the
// two login stages, the scrape, persistence and the broadcast sub-cycle.
package poller

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Berailitz/bupt-messager/internal/auth"
	"github.com/Berailitz/bupt-messager/internal/httpx"
	"github.com/Berailitz/bupt-messager/internal/metrics"
	"github.com/Berailitz/bupt-messager/internal/notice"
)

// Downloader pulls drafts for every unseen notice.
type Downloader interface {
	DownloadNotices(ctx context.Context) ([]notice.Draft, error)
}

// Config controls loop cadence. BroadcastWindow spaces the broadcast
// sub-cycle; with the 600s default interval and a 3600s window the hand-off
// runs every 6th cycle.
type Config struct {
	CheckInterval   time.Duration
	ErrorSleep      time.Duration
	BroadcastWindow time.Duration
}

// Manager owns the polling loop. Only one cycle executes at a time; all
// fetches inside a cycle are sequential and rate-limited by design.
type Manager struct {
	client      *httpx.Client
	runner      *auth.Runner
	gateway     auth.Stage
	portal      auth.Stage
	downloader  Downloader
	store       notice.Store
	broadcaster notice.Broadcaster
	cfg         Config
	logger      *zap.Logger

	mu      sync.Mutex
	stopCh  chan struct{}
	stopped bool
}

// New constructs a Manager. broadcaster may be nil, in which case the
// broadcast sub-cycle is skipped (notices stay unpushed).
func New(
	client *httpx.Client,
	runner *auth.Runner,
	gateway auth.Stage,
	portal auth.Stage,
	downloader Downloader,
	store notice.Store,
	broadcaster notice.Broadcaster,
	cfg Config,
	logger *zap.Logger,
) *Manager {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 600 * time.Second
	}
	if cfg.ErrorSleep <= 0 {
		cfg.ErrorSleep = 3600 * time.Second
	}
	if cfg.BroadcastWindow <= 0 {
		cfg.BroadcastWindow = 3600 * time.Second
	}
	return &Manager{
		client:      client,
		runner:      runner,
		gateway:     gateway,
		portal:      portal,
		downloader:  downloader,
		store:       store,
		broadcaster: broadcaster,
		cfg:         cfg,
		logger:      logger,
	}
}

// BroadcastCycle returns how many polling cycles make up one broadcast
// sub-cycle.
func (m *Manager) BroadcastCycle() int {
	cycle := int(math.Round(float64(m.cfg.BroadcastWindow) / float64(m.cfg.CheckInterval)))
	if cycle < 1 {
		cycle = 1
	}
	return cycle
}

// Run executes the polling loop until Stop is called or ctx is canceled. The
// first cycle starts immediately; subsequent cycles wait CheckInterval, or
// ErrorSleep after a failed cycle.
func (m *Manager) Run(ctx context.Context) {
	stop := m.armStop()
	defer m.clearStop()

	broadcastCycle := m.BroadcastCycle()
	updateCounter := 0
	for {
		updateCounter++
		m.logger.Info("cycle starting",
			zap.Int("cycle", updateCounter),
			zap.Int("broadcast_cycle", broadcastCycle),
		)
		err := m.runCycle(ctx, updateCounter >= broadcastCycle)
		switch {
		case err == nil:
			if updateCounter >= broadcastCycle {
				updateCounter = 0
			}
			m.logger.Info("cycle finished", zap.Duration("sleep", m.cfg.CheckInterval))
			if !m.wait(ctx, stop, m.cfg.CheckInterval) {
				m.logger.Info("poller stopped")
				return
			}
		case errors.Is(err, context.Canceled):
			m.logger.Warn("poller canceled")
			return
		default:
			m.logger.Error("cycle failed", zap.Error(err))
			m.logger.Info("entering error backoff", zap.Duration("sleep", m.cfg.ErrorSleep))
			if !m.wait(ctx, stop, m.cfg.ErrorSleep) {
				m.logger.Info("poller stopped during error backoff")
				return
			}
		}
	}
}

// Stop requests a clean shutdown. It is idempotent and safe to call from any
// goroutine; the loop observes it at its next wait point.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopCh != nil && !m.stopped {
		close(m.stopCh)
		m.stopped = true
		m.logger.Info("stop signal set")
	}
}

func (m *Manager) armStop() chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopCh = make(chan struct{})
	m.stopped = false
	return m.stopCh
}

// clearStop resets the signal so the manager can be restarted.
func (m *Manager) clearStop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopCh = nil
	m.stopped = false
}

// wait sleeps for d. It returns false when the stop signal or cancellation
// arrived first.
func (m *Manager) wait(ctx context.Context, stop <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-stop:
		return false
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// runCycle performs one authenticate-scrape-persist pass, plus the broadcast
// hand-off when due.
func (m *Manager) runCycle(ctx context.Context, broadcastDue bool) error {
	if err := m.client.RefreshSession(); err != nil {
		return fmt.Errorf("refresh session: %w", err)
	}

	err := m.withStatus(ctx, nil, statusPtr(notice.StatusErrorLoginGateway), func(ctx context.Context) error {
		_, err := m.runner.Do(ctx, m.gateway, "gateway login")
		return err
	})
	metrics.ObserveLogin(m.gateway.Name(), loginResult(err))
	if err != nil {
		return fmt.Errorf("gateway login: %w", err)
	}

	err = m.withStatus(ctx, nil, statusPtr(notice.StatusErrorLoginPortal), func(ctx context.Context) error {
		_, err := m.runner.Do(ctx, m.portal, "portal login")
		return err
	})
	metrics.ObserveLogin(m.portal.Name(), loginResult(err))
	if err != nil {
		return fmt.Errorf("portal login: %w", err)
	}

	err = m.withStatus(ctx, statusPtr(notice.StatusSynced), statusPtr(notice.StatusErrorDownload), m.update)
	if err != nil {
		return fmt.Errorf("update notices: %w", err)
	}

	if broadcastDue {
		if err := m.broadcastUnpushed(ctx); err != nil {
			return fmt.Errorf("broadcast notices: %w", err)
		}
	}
	return nil
}

// update downloads every unseen notice and persists it.
func (m *Manager) update(ctx context.Context) error {
	drafts, err := m.downloader.DownloadNotices(ctx)
	if err != nil {
		return err
	}
	for i := range drafts {
		if _, err := m.store.InsertNotice(ctx, drafts[i]); err != nil {
			return err
		}
	}
	metrics.ObserveNotices(len(drafts))
	m.logger.Info("notices inserted", zap.Int("count", len(drafts)))
	return nil
}

// broadcastUnpushed hands every unpushed notice to the broadcaster and marks
// it pushed. With no broadcaster configured the sub-cycle is a no-op.
func (m *Manager) broadcastUnpushed(ctx context.Context) error {
	if m.broadcaster == nil {
		return nil
	}
	unpushed, err := m.store.GetUnpushedNotices(ctx)
	if err != nil {
		return err
	}
	for i := range unpushed {
		n := &unpushed[i]
		if err := m.broadcaster.BroadcastNotice(ctx, n); err != nil {
			metrics.ObserveBroadcast("error")
			return fmt.Errorf("broadcast notice %q: %w", n.ID, err)
		}
		if err := m.store.MarkPushed(ctx, n.ID); err != nil {
			return err
		}
		metrics.ObserveBroadcast("ok")
	}
	m.logger.Info("broadcast sub-cycle finished", zap.Int("count", len(unpushed)))
	return nil
}

func loginResult(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
