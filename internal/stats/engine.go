package stats

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goodtune/kstats/internal/clock"
	"github.com/goodtune/kstats/internal/metrics"
	"github.com/goodtune/kstats/internal/timers"
	"github.com/rs/zerolog"
)

const (
	DefaultTickInterval    = time.Second
	DefaultFlushInterval   = 10 * time.Second
	DefaultMessageDebounce = 500 * time.Millisecond

	voiceTimerKey = "voice"
	flushTimerKey = "flush"

	eventQueueSize = 256
)

const (
	stateIdle int32 = iota
	stateRunning
	stateStopped
)

// Config holds engine timing. Zero tick and flush intervals select the
// defaults; a zero MessageDebounce disables message throttling.
type Config struct {
	TickInterval    time.Duration
	FlushInterval   time.Duration
	MessageDebounce time.Duration
}

// Engine accumulates activity counters. Every mutation of the aggregate
// happens on the engine's loop goroutine; public methods and timer
// callbacks only post events to it.
type Engine struct {
	repo     *Repository
	source   Source
	identity Identity
	timers   timers.Scheduler
	clock    clock.Clock
	config   Config
	logger   zerolog.Logger

	events   chan event
	flushDue chan struct{}
	done     chan struct{}
	state    atomic.Int32
	stopOnce sync.Once
	stopErr  error

	// Owned by the loop goroutine.
	agg         Aggregate
	connected   bool
	sessionRef  time.Time
	lastMessage time.Time
	anyMessage  bool
}

type event any

type voiceEvent struct{ connected bool }

type messageEvent struct{ authorID string }

type clickEvent struct{}

type tickEvent struct{ key string }

type snapshotRequest struct{ reply chan Snapshot }

type resetRequest struct{ reply chan (<-chan error) }

type stopRequest struct{ reply chan Aggregate }

// NewEngine creates an engine. Collaborators are checked by Start, not
// here, so a host can construct the engine before its services exist.
func NewEngine(repo *Repository, source Source, identity Identity, sched timers.Scheduler, clk clock.Clock, config Config, logger zerolog.Logger) *Engine {
	if config.TickInterval <= 0 {
		config.TickInterval = DefaultTickInterval
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = DefaultFlushInterval
	}
	if config.MessageDebounce < 0 {
		config.MessageDebounce = 0
	}
	if clk == nil {
		clk = clock.Real{}
	}

	return &Engine{
		repo:     repo,
		source:   source,
		identity: identity,
		timers:   sched,
		clock:    clk,
		config:   config,
		logger:   logger.With().Str("component", "stats-engine").Logger(),
		events:   make(chan event, eventQueueSize),
		flushDue: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Start loads the stored aggregate, starts the event loop and the flush
// timer, and subscribes to the event source.
func (e *Engine) Start(ctx context.Context) error {
	switch {
	case e.source == nil:
		return fmt.Errorf("%w: event source", ErrMissingCollaborator)
	case e.identity == nil:
		return fmt.Errorf("%w: identity provider", ErrMissingCollaborator)
	case e.repo == nil:
		return fmt.Errorf("%w: repository", ErrMissingCollaborator)
	case e.timers == nil:
		return fmt.Errorf("%w: timer scheduler", ErrMissingCollaborator)
	}

	if e.state.Load() != stateIdle {
		return errors.New("stats engine already started")
	}

	loaded := e.repo.Load(ctx)

	if !e.state.CompareAndSwap(stateIdle, stateRunning) {
		return errors.New("stats engine already started")
	}

	// The loop owns the aggregate from here on.
	e.agg = loaded

	go e.loop()
	e.timers.Schedule(flushTimerKey, e.config.FlushInterval, e.tick(flushTimerKey))

	if err := e.source.Subscribe(e); err != nil {
		e.state.Store(stateStopped)
		e.halt()
		return fmt.Errorf("failed to subscribe to event source: %w", err)
	}

	e.logger.Info().
		Int64("total_voice_ms", loaded.TotalVoiceMillis).
		Int64("message_count", loaded.MessageCount).
		Int64("voice_connect_count", loaded.VoiceConnectCount).
		Int64("click_count", loaded.ClickCount).
		Dur("flush_interval", e.config.FlushInterval).
		Dur("message_debounce", e.config.MessageDebounce).
		Msg("Stats engine started")

	return nil
}

// Stop unsubscribes from the event source, cancels all timers, folds an
// active voice session and writes the aggregate durably. Calling Stop
// again returns the first call's result.
func (e *Engine) Stop(ctx context.Context) error {
	e.stopOnce.Do(func() {
		e.stopErr = e.stop(ctx)
	})
	return e.stopErr
}

func (e *Engine) stop(ctx context.Context) error {
	if e.state.CompareAndSwap(stateIdle, stateStopped) {
		return nil
	}
	if !e.state.CompareAndSwap(stateRunning, stateStopped) {
		return nil
	}

	e.source.Unsubscribe(e)

	final := e.halt()
	e.repo.Wait()

	if err := e.repo.SaveSync(ctx, final); err != nil {
		return fmt.Errorf("final stats flush failed: %w", err)
	}

	e.logger.Info().
		Int64("total_voice_ms", final.TotalVoiceMillis).
		Int64("message_count", final.MessageCount).
		Int64("voice_connect_count", final.VoiceConnectCount).
		Int64("click_count", final.ClickCount).
		Msg("Stats engine stopped")
	return nil
}

// halt ends the loop and returns the final aggregate.
func (e *Engine) halt() Aggregate {
	reply := make(chan Aggregate, 1)
	e.events <- stopRequest{reply: reply}
	final := <-reply
	<-e.done
	return final
}

// Done is closed once the event loop has exited.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// VoiceStateChanged records a voice connectivity notification.
func (e *Engine) VoiceStateChanged(connected bool) {
	e.post(voiceEvent{connected: connected})
}

// MessageSent records an outgoing message notification.
func (e *Engine) MessageSent(authorID string) {
	e.post(messageEvent{authorID: authorID})
}

// Click records a pointer click.
func (e *Engine) Click() {
	e.post(clickEvent{})
}

// Snapshot returns the current counters, including voice time of an
// active session that has not been folded by a tick yet.
func (e *Engine) Snapshot() (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	if !e.post(snapshotRequest{reply: reply}) {
		return Snapshot{}, ErrNotRunning
	}

	select {
	case s := <-reply:
		return s, nil
	case <-e.done:
		select {
		case s := <-reply:
			return s, nil
		default:
			return Snapshot{}, ErrNotRunning
		}
	}
}

// Reset zeroes every counter and returns once the zeroed aggregate has
// been written durably.
func (e *Engine) Reset(ctx context.Context) error {
	reply := make(chan (<-chan error), 1)
	if !e.post(resetRequest{reply: reply}) {
		return ErrNotRunning
	}

	var result <-chan error
	select {
	case result = <-reply:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		select {
		case result = <-reply:
		default:
			return ErrNotRunning
		}
	}

	select {
	case err := <-result:
		if err != nil {
			return fmt.Errorf("reset not persisted: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post queues ev for the loop. It reports false when the engine is not
// running.
func (e *Engine) post(ev event) bool {
	if e.state.Load() != stateRunning {
		return false
	}
	select {
	case e.events <- ev:
		return true
	case <-e.done:
		return false
	}
}

// tick returns a timer callback for key. The send never blocks: the loop
// may be inside Cancel for this timer, waiting for the callback to return.
// Flush ticks are coalesced in a one-slot channel of their own and are never
// lost to a full event queue.
func (e *Engine) tick(key string) func() {
	if key == flushTimerKey {
		return func() {
			select {
			case e.flushDue <- struct{}{}:
			default:
			}
		}
	}
	return func() {
		select {
		case e.events <- tickEvent{key: key}:
		default:
			metrics.TicksDropped.WithLabelValues(key).Inc()
		}
	}
}

func (e *Engine) loop() {
	defer close(e.done)

	for {
		var ev event
		select {
		case ev = <-e.events:
		case <-e.flushDue:
			ev = tickEvent{key: flushTimerKey}
		}

		switch ev := ev.(type) {
		case voiceEvent:
			e.handleVoice(ev.connected)
		case messageEvent:
			e.handleMessage(ev.authorID)
		case clickEvent:
			e.agg.ClickCount++
			metrics.EventsTotal.WithLabelValues("click", "counted").Inc()
		case tickEvent:
			e.handleTick(ev.key)
		case snapshotRequest:
			e.fold()
			ev.reply <- newSnapshot(e.agg, e.connected)
		case resetRequest:
			ev.reply <- e.reset()
		case stopRequest:
			e.timers.CancelAll()
			if e.connected {
				e.fold()
				e.connected = false
				metrics.VoiceConnected.Set(0)
			}
			ev.reply <- e.agg
			return
		}
	}
}

func (e *Engine) handleVoice(connected bool) {
	if connected == e.connected {
		metrics.EventsTotal.WithLabelValues("voice", "duplicate").Inc()
		e.logger.Debug().Bool("connected", connected).Msg("Ignoring repeated voice state")
		return
	}

	metrics.EventsTotal.WithLabelValues("voice", "counted").Inc()

	if connected {
		e.connected = true
		e.sessionRef = e.clock.Now()
		e.agg.VoiceConnectCount++
		e.timers.Schedule(voiceTimerKey, e.config.TickInterval, e.tick(voiceTimerKey))
		metrics.VoiceConnected.Set(1)

		e.logger.Info().
			Int64("voice_connect_count", e.agg.VoiceConnectCount).
			Msg("Voice session started")
		return
	}

	e.timers.Cancel(voiceTimerKey)
	e.fold()
	e.connected = false
	metrics.VoiceConnected.Set(0)

	e.logger.Info().
		Str("total_voice", FormatDuration(e.agg.TotalVoiceMillis)).
		Msg("Voice session ended")
}

func (e *Engine) handleMessage(authorID string) {
	self := e.identity.CurrentUserID()
	if self == "" || authorID != self {
		metrics.EventsTotal.WithLabelValues("message", "foreign").Inc()
		return
	}

	now := e.clock.Now()
	if e.config.MessageDebounce > 0 && e.anyMessage && now.Sub(e.lastMessage) < e.config.MessageDebounce {
		metrics.EventsTotal.WithLabelValues("message", "throttled").Inc()
		e.logger.Debug().
			Dur("since_last", now.Sub(e.lastMessage)).
			Msg("Message within debounce window, not counted")
		return
	}

	e.agg.MessageCount++
	e.lastMessage = now
	e.anyMessage = true
	metrics.EventsTotal.WithLabelValues("message", "counted").Inc()
}

func (e *Engine) handleTick(key string) {
	switch key {
	case voiceTimerKey:
		// A tick queued before a disconnect is harmless; fold checks.
		e.fold()
	case flushTimerKey:
		e.fold()
		e.repo.Save(e.agg)
	}
}

// fold moves elapsed voice time into the aggregate. The session reference
// advances by exactly the milliseconds counted.
func (e *Engine) fold() {
	if !e.connected {
		return
	}
	elapsed := e.clock.Now().Sub(e.sessionRef).Milliseconds()
	if elapsed <= 0 {
		return
	}
	e.agg.TotalVoiceMillis += elapsed
	e.sessionRef = e.sessionRef.Add(time.Duration(elapsed) * time.Millisecond)
}

func (e *Engine) reset() <-chan error {
	e.agg = Aggregate{}
	if e.connected {
		e.sessionRef = e.clock.Now()
	}
	e.logger.Info().Msg("Stats reset")
	return e.repo.Persist(e.agg)
}
