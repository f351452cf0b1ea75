// Package timers keeps a registry of recurring callbacks addressed by name.
package timers

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Scheduler is the subset of Manager the stats engine depends on.
type Scheduler interface {
	Schedule(key string, interval time.Duration, fn func())
	Cancel(key string)
	CancelAll()
}

// timer is a single recurring callback
type timer struct {
	ticker   *time.Ticker
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

// Manager runs at most one recurring callback per key.
type Manager struct {
	timers map[string]*timer
	logger zerolog.Logger
	mu     sync.Mutex
}

// NewManager creates an empty timer registry.
func NewManager(logger zerolog.Logger) *Manager {
	return &Manager{
		timers: make(map[string]*timer),
		logger: logger.With().Str("component", "timers").Logger(),
	}
}

// Schedule registers fn to run every interval under key. An existing
// timer under the same key is cancelled first.
func (m *Manager) Schedule(key string, interval time.Duration, fn func()) {
	if interval <= 0 {
		m.logger.Warn().
			Str("key", key).
			Dur("interval", interval).
			Msg("Refusing to schedule timer with non-positive interval")
		return
	}

	m.mu.Lock()
	prev := m.timers[key]
	t := &timer{
		ticker:   time.NewTicker(interval),
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	m.timers[key] = t
	m.mu.Unlock()

	if prev != nil {
		prev.halt()
		m.logger.Debug().Str("key", key).Msg("Replaced existing timer")
	}

	go t.run(fn)

	m.logger.Debug().
		Str("key", key).
		Dur("interval", interval).
		Msg("Timer scheduled")
}

// Cancel stops and removes the timer under key. It is a no-op if no
// such timer exists.
func (m *Manager) Cancel(key string) {
	m.mu.Lock()
	t, ok := m.timers[key]
	if ok {
		delete(m.timers, key)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	t.halt()
	m.logger.Debug().Str("key", key).Msg("Timer cancelled")
}

// CancelAll stops every registered timer.
func (m *Manager) CancelAll() {
	m.mu.Lock()
	all := m.timers
	m.timers = make(map[string]*timer)
	m.mu.Unlock()

	for _, t := range all {
		t.halt()
	}
	if len(all) > 0 {
		m.logger.Debug().Int("count", len(all)).Msg("All timers cancelled")
	}
}

// Active reports whether a timer is registered under key.
func (m *Manager) Active(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.timers[key]
	return ok
}

// Len returns the number of live timers.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

func (t *timer) run(fn func()) {
	defer close(t.done)
	defer t.ticker.Stop()

	for {
		select {
		case <-t.ticker.C:
			// A tick can race with stop; stop wins.
			select {
			case <-t.stop:
				return
			default:
			}
			fn()
		case <-t.stop:
			return
		}
	}
}

// halt stops the goroutine and waits for an in-progress callback to return,
// so no callback runs after halt returns. Callbacks must not call back into
// the Manager for their own key.
func (t *timer) halt() {
	close(t.stop)
	<-t.done
}
