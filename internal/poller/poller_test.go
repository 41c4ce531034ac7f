package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Berailitz/bupt-messager/internal/auth"
	"github.com/Berailitz/bupt-messager/internal/httpx"
	"github.com/Berailitz/bupt-messager/internal/notice"
)

type fakeStage struct {
	name     string
	loginErr error
	reject   error

	mu     sync.Mutex
	logins int
}

func (s *fakeStage) Name() string { return s.name }

func (s *fakeStage) Login(ctx context.Context) (*httpx.Response, error) {
	s.mu.Lock()
	s.logins++
	s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.loginErr != nil {
		return nil, s.loginErr
	}
	return &httpx.Response{StatusCode: 200}, nil
}

func (s *fakeStage) Classify(_ *httpx.Response) error { return s.reject }

func (s *fakeStage) loginCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logins
}

type fakeDownloader struct {
	drafts []notice.Draft
	err    error

	mu     sync.Mutex
	calls  int
	onCall func(call int)
}

func (d *fakeDownloader) DownloadNotices(_ context.Context) ([]notice.Draft, error) {
	d.mu.Lock()
	d.calls++
	call := d.calls
	hook := d.onCall
	d.mu.Unlock()
	if hook != nil {
		hook(call)
	}
	if d.err != nil {
		return nil, d.err
	}
	return d.drafts, nil
}

func (d *fakeDownloader) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type fakeStore struct {
	mu       sync.Mutex
	inserted []notice.Draft
	statuses []notice.StatusCode
	unpushed []notice.Notice
	pushed   []string
}

func (s *fakeStore) IsNewNotice(_ context.Context, _ string) (bool, error) { return true, nil }

func (s *fakeStore) InsertNotice(_ context.Context, draft notice.Draft) (*notice.Notice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserted = append(s.inserted, draft)
	return &notice.Notice{ID: draft.ID, Title: draft.Title}, nil
}

func (s *fakeStore) InsertStatus(_ context.Context, code notice.StatusCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, code)
	return nil
}

func (s *fakeStore) GetUnpushedNotices(_ context.Context) ([]notice.Notice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]notice.Notice, len(s.unpushed))
	copy(out, s.unpushed)
	return out, nil
}

func (s *fakeStore) MarkPushed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushed = append(s.pushed, id)
	remaining := s.unpushed[:0]
	for _, n := range s.unpushed {
		if n.ID != id {
			remaining = append(remaining, n)
		}
	}
	s.unpushed = remaining
	return nil
}

func (s *fakeStore) GetLatestStatus(_ context.Context, _ time.Time) ([]notice.StatusRecord, error) {
	return nil, nil
}

func (s *fakeStore) GetLatestNotices(_ context.Context, _, _ int) ([]notice.Notice, error) {
	return nil, nil
}

func (s *fakeStore) statusLog() []notice.StatusCode {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]notice.StatusCode, len(s.statuses))
	copy(out, s.statuses)
	return out
}

func (s *fakeStore) pushedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.pushed))
	copy(out, s.pushed)
	return out
}

func (s *fakeStore) insertedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inserted)
}

type fakeBroadcaster struct {
	err error

	mu       sync.Mutex
	ids      []string
	atCycles []int
	cycleOf  func() int
}

func (b *fakeBroadcaster) BroadcastNotice(_ context.Context, n *notice.Notice) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.ids = append(b.ids, n.ID)
	if b.cycleOf != nil {
		b.atCycles = append(b.atCycles, b.cycleOf())
	}
	return nil
}

func (b *fakeBroadcaster) broadcastIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.ids))
	copy(out, b.ids)
	return out
}

func (b *fakeBroadcaster) broadcastCycles() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]int, len(b.atCycles))
	copy(out, b.atCycles)
	return out
}

type managerParts struct {
	manager     *Manager
	gateway     *fakeStage
	portal      *fakeStage
	downloader  *fakeDownloader
	store       *fakeStore
	broadcaster *fakeBroadcaster
}

func newTestManager(t *testing.T, cfg Config) *managerParts {
	t.Helper()
	logger := zap.NewNop()
	client, err := httpx.New(httpx.Config{Timeout: time.Second}, logger)
	require.NoError(t, err)
	runner := auth.NewRunner(auth.RunnerConfig{MaxAttempts: 2, WaitInterval: time.Millisecond}, logger)
	parts := &managerParts{
		gateway:     &fakeStage{name: "gateway"},
		portal:      &fakeStage{name: "portal"},
		downloader:  &fakeDownloader{},
		store:       &fakeStore{},
		broadcaster: &fakeBroadcaster{},
	}
	parts.manager = New(
		client, runner, parts.gateway, parts.portal,
		parts.downloader, parts.store, parts.broadcaster,
		cfg, logger,
	)
	return parts
}

func TestBroadcastCycleComputation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		interval time.Duration
		window   time.Duration
		want     int
	}{
		{"hourly window over ten minute cycles", 600 * time.Second, 3600 * time.Second, 6},
		{"window shorter than interval clamps to one", 600 * time.Second, 100 * time.Second, 1},
		{"window rounds to nearest cycle", 600 * time.Second, 2000 * time.Second, 3},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			parts := newTestManager(t, Config{CheckInterval: tc.interval, BroadcastWindow: tc.window})
			assert.Equal(t, tc.want, parts.manager.BroadcastCycle())
		})
	}
}

func TestRunBroadcastsOnSixthCycle(t *testing.T) {
	t.Parallel()

	parts := newTestManager(t, Config{
		CheckInterval:   time.Millisecond,
		ErrorSleep:      time.Millisecond,
		BroadcastWindow: 6 * time.Millisecond,
	})
	parts.store.unpushed = []notice.Notice{{ID: "n-1", Title: "one"}}
	parts.broadcaster.cycleOf = parts.downloader.callCount
	parts.downloader.onCall = func(call int) {
		if call >= 7 {
			parts.manager.Stop()
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		parts.manager.Run(context.Background())
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("poller did not stop")
	}

	require.Equal(t, []string{"n-1"}, parts.broadcaster.broadcastIDs())
	require.Equal(t, []int{6}, parts.broadcaster.broadcastCycles())
	assert.Equal(t, []string{"n-1"}, parts.store.pushedIDs())
}

func TestRunCycleStatusAttribution(t *testing.T) {
	t.Parallel()

	t.Run("gateway failure records gateway status and skips portal", func(t *testing.T) {
		t.Parallel()
		parts := newTestManager(t, Config{CheckInterval: time.Millisecond})
		parts.gateway.loginErr = errors.New("wrong captcha")

		err := parts.manager.runCycle(context.Background(), false)
		require.Error(t, err)
		assert.Equal(t, []notice.StatusCode{notice.StatusErrorLoginGateway}, parts.store.statusLog())
		assert.Zero(t, parts.portal.loginCount())
		assert.Zero(t, parts.downloader.callCount())
	})

	t.Run("portal rejection records portal status", func(t *testing.T) {
		t.Parallel()
		parts := newTestManager(t, Config{CheckInterval: time.Millisecond})
		parts.portal.reject = errors.New("unexpected page title")

		err := parts.manager.runCycle(context.Background(), false)
		require.Error(t, err)
		var permErr *auth.PermissionError
		assert.ErrorAs(t, err, &permErr)
		assert.Equal(t, []notice.StatusCode{notice.StatusErrorLoginPortal}, parts.store.statusLog())
		assert.Zero(t, parts.downloader.callCount())
	})

	t.Run("download failure records download status", func(t *testing.T) {
		t.Parallel()
		parts := newTestManager(t, Config{CheckInterval: time.Millisecond})
		parts.downloader.err = errors.New("feed rejected")

		err := parts.manager.runCycle(context.Background(), false)
		require.Error(t, err)
		assert.Equal(t, []notice.StatusCode{notice.StatusErrorDownload}, parts.store.statusLog())
	})

	t.Run("successful cycle records synced and persists drafts", func(t *testing.T) {
		t.Parallel()
		parts := newTestManager(t, Config{CheckInterval: time.Millisecond})
		parts.downloader.drafts = []notice.Draft{{ID: "n-1"}, {ID: "n-2"}}

		err := parts.manager.runCycle(context.Background(), false)
		require.NoError(t, err)
		assert.Equal(t, []notice.StatusCode{notice.StatusSynced}, parts.store.statusLog())
		assert.Equal(t, 2, parts.store.insertedCount())
	})
}

func TestRunCycleCancellationLeavesNoStatus(t *testing.T) {
	t.Parallel()

	parts := newTestManager(t, Config{CheckInterval: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := parts.manager.runCycle(ctx, false)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, parts.store.statusLog())
}

func TestBroadcastErrorFailsCycleWithoutStatus(t *testing.T) {
	t.Parallel()

	parts := newTestManager(t, Config{CheckInterval: time.Millisecond})
	parts.store.unpushed = []notice.Notice{{ID: "n-1"}}
	parts.broadcaster.err = errors.New("broker unreachable")

	err := parts.manager.runCycle(context.Background(), true)
	require.Error(t, err)
	assert.Empty(t, parts.store.pushedIDs())
	// The scrape itself succeeded, so the cycle status stays SYNCED.
	assert.Equal(t, []notice.StatusCode{notice.StatusSynced}, parts.store.statusLog())
}

func TestNilBroadcasterSkipsSubCycle(t *testing.T) {
	t.Parallel()

	logger := zap.NewNop()
	client, err := httpx.New(httpx.Config{Timeout: time.Second}, logger)
	require.NoError(t, err)
	runner := auth.NewRunner(auth.RunnerConfig{MaxAttempts: 1, WaitInterval: time.Millisecond}, logger)
	store := &fakeStore{unpushed: []notice.Notice{{ID: "n-1"}}}
	m := New(
		client, runner, &fakeStage{name: "gateway"}, &fakeStage{name: "portal"},
		&fakeDownloader{}, store, nil,
		Config{CheckInterval: time.Millisecond}, logger,
	)

	require.NoError(t, m.runCycle(context.Background(), true))
	assert.Empty(t, store.pushedIDs())
}

func TestStopIsIdempotentAndRestartable(t *testing.T) {
	t.Parallel()

	parts := newTestManager(t, Config{
		CheckInterval:   time.Millisecond,
		ErrorSleep:      time.Millisecond,
		BroadcastWindow: time.Hour,
	})

	// Stop before any Run is armed must not panic.
	parts.manager.Stop()

	for round := 0; round < 2; round++ {
		done := make(chan struct{})
		go func() {
			defer close(done)
			parts.manager.Run(context.Background())
		}()
		for parts.downloader.callCount() < (round+1)*2 {
			time.Sleep(time.Millisecond)
		}
		parts.manager.Stop()
		parts.manager.Stop()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Fatal("poller did not stop")
		}
	}
	assert.GreaterOrEqual(t, parts.downloader.callCount(), 4)
}
