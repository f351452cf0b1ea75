package stats

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goodtune/kstats/internal/clock"
	"github.com/goodtune/kstats/internal/storage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var errBackendDown = errors.New("backend down")

// memStore is an in-memory CounterStore whose writes can be made to fail.
type memStore struct {
	mu      sync.Mutex
	records map[string]storage.StatsRecord
	failing bool
	saves   int
	loads   int
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]storage.StatsRecord)}
}

func (m *memStore) Load(ctx context.Context, namespace, key string) (*storage.StatsRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.loads++
	if m.failing {
		return nil, errBackendDown
	}
	r, ok := m.records[namespace+"/"+key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &r, nil
}

func (m *memStore) Save(ctx context.Context, namespace, key string, r storage.StatsRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.saves++
	if m.failing {
		return errBackendDown
	}
	m.records[namespace+"/"+key] = r
	return nil
}

func (m *memStore) setFailing(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing = v
}

func (m *memStore) put(r storage.StatsRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records["kstats/stats"] = r
}

func (m *memStore) stored() (storage.StatsRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records["kstats/stats"]
	return r, ok
}

func (m *memStore) loadCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loads
}

// gatedStore holds every Save until release is closed.
type gatedStore struct {
	*memStore
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func newGatedStore() *gatedStore {
	return &gatedStore{
		memStore: newMemStore(),
		entered:  make(chan struct{}, 1),
		release:  make(chan struct{}),
	}
}

func (g *gatedStore) Save(ctx context.Context, namespace, key string, r storage.StatsRecord) error {
	g.calls.Add(1)
	select {
	case g.entered <- struct{}{}:
	default:
	}
	<-g.release
	return g.memStore.Save(ctx, namespace, key, r)
}

// manualScheduler records scheduled callbacks; tests fire them by key.
type manualScheduler struct {
	mu        sync.Mutex
	fns       map[string]func()
	intervals map[string]time.Duration
}

func newManualScheduler() *manualScheduler {
	return &manualScheduler{
		fns:       make(map[string]func()),
		intervals: make(map[string]time.Duration),
	}
}

func (s *manualScheduler) Schedule(key string, interval time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fns[key] = fn
	s.intervals[key] = interval
}

func (s *manualScheduler) Cancel(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.fns, key)
	delete(s.intervals, key)
}

func (s *manualScheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fns = make(map[string]func())
	s.intervals = make(map[string]time.Duration)
}

func (s *manualScheduler) active(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.fns[key]
	return ok
}

func (s *manualScheduler) interval(key string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.intervals[key]
}

// fire runs the callback under key and reports whether one was scheduled.
func (s *manualScheduler) fire(key string) bool {
	s.mu.Lock()
	fn, ok := s.fns[key]
	s.mu.Unlock()

	if ok {
		fn()
	}
	return ok
}

// clickingSource fires clicks from its own goroutine as soon as a handler
// subscribes.
type clickingSource struct {
	fakeSource
	clicks int
	wg     sync.WaitGroup
}

func (c *clickingSource) Subscribe(h Handler) error {
	if err := c.fakeSource.Subscribe(h); err != nil {
		return err
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for i := 0; i < c.clicks; i++ {
			h.Click()
		}
	}()
	return nil
}

// fakeSource tracks subscriptions.
type fakeSource struct {
	mu           sync.Mutex
	handlers     []Handler
	unsubscribed int
	subscribeErr error
}

func (f *fakeSource) Subscribe(h Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return f.subscribeErr
	}
	f.handlers = append(f.handlers, h)
	return nil
}

func (f *fakeSource) Unsubscribe(h Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed++
	for i, existing := range f.handlers {
		if existing == h {
			f.handlers = append(f.handlers[:i], f.handlers[i+1:]...)
			return
		}
	}
}

func (f *fakeSource) subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers)
}

const localUser = "1001"

type harness struct {
	store  *memStore
	repo   *Repository
	sched  *manualScheduler
	source *fakeSource
	clock  *clock.Manual
	engine *Engine
}

func newRepository(t *testing.T, store storage.CounterStore, clk clock.Clock) *Repository {
	t.Helper()

	repo, err := NewRepository(store, RepositoryConfig{
		Namespace: "kstats",
		Key:       "stats",
		CacheTTL:  30 * time.Second,
	}, clk, zerolog.Nop())
	require.NoError(t, err)
	return repo
}

func newHarness(t *testing.T, config Config) *harness {
	t.Helper()

	h := &harness{
		store:  newMemStore(),
		sched:  newManualScheduler(),
		source: &fakeSource{},
		clock:  clock.NewManual(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)),
	}
	h.repo = newRepository(t, h.store, h.clock)
	h.engine = NewEngine(h.repo, h.source, StaticIdentity(localUser), h.sched, h.clock, config, zerolog.Nop())
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.engine.Start(context.Background()))
	t.Cleanup(func() {
		_ = h.engine.Stop(context.Background())
	})
}

// snapshot also acts as a barrier: every event posted before it has been
// applied once it returns.
func (h *harness) snapshot(t *testing.T) Snapshot {
	t.Helper()
	s, err := h.engine.Snapshot()
	require.NoError(t, err)
	return s
}

// flush fires the flush timer and waits for the resulting durable write.
// Once the loop has taken the pending flush, the snapshot that follows is
// handled after it.
func (h *harness) flush(t *testing.T) {
	t.Helper()
	require.True(t, h.sched.fire(flushTimerKey), "flush timer should be scheduled")
	require.Eventually(t, func() bool {
		return len(h.engine.flushDue) == 0
	}, time.Second, time.Millisecond, "flush tick should be picked up")
	h.snapshot(t)
	h.repo.Wait()
}

// voice posts a voice notification and waits until it has been applied, so
// clock advances afterwards are observed in order.
func (h *harness) voice(t *testing.T, connected bool) {
	t.Helper()
	h.engine.VoiceStateChanged(connected)
	h.snapshot(t)
}

func (h *harness) message(t *testing.T, authorID string) {
	t.Helper()
	h.engine.MessageSent(authorID)
	h.snapshot(t)
}
