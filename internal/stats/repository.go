package stats

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goodtune/kstats/internal/cache"
	"github.com/goodtune/kstats/internal/clock"
	"github.com/goodtune/kstats/internal/metrics"
	"github.com/goodtune/kstats/internal/storage"
	"github.com/rs/zerolog"
)

const (
	// DefaultCacheTTL is how long a loaded or saved aggregate is trusted
	// before storage is consulted again.
	DefaultCacheTTL = 30 * time.Second

	// DefaultWriteTimeout bounds a single durable write.
	DefaultWriteTimeout = 10 * time.Second
)

// RepositoryConfig holds repository configuration
type RepositoryConfig struct {
	Namespace    string
	Key          string
	CacheTTL     time.Duration
	CacheSize    int
	WriteTimeout time.Duration
}

// Repository loads and saves the aggregate through a TTL cache in front of
// a durable counter store. Durable failures are logged, never returned by
// the routine paths.
type Repository struct {
	store     storage.CounterStore
	namespace string
	key       string
	cache     *cache.TTL[string, Aggregate]
	timeout   time.Duration
	logger    zerolog.Logger

	generation atomic.Uint64
	inFlight   atomic.Bool
	wg         sync.WaitGroup

	writeMu   sync.Mutex
	committed uint64 // guarded by writeMu
}

// NewRepository creates a repository over store.
func NewRepository(store storage.CounterStore, config RepositoryConfig, clk clock.Clock, logger zerolog.Logger) (*Repository, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: counter store", ErrMissingCollaborator)
	}
	if config.Namespace == "" || config.Key == "" {
		return nil, fmt.Errorf("repository namespace and key are required")
	}
	if config.CacheTTL == 0 {
		config.CacheTTL = DefaultCacheTTL
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = DefaultWriteTimeout
	}

	c, err := cache.NewTTL[string, Aggregate]("aggregate", config.CacheSize, config.CacheTTL, clk)
	if err != nil {
		return nil, err
	}

	return &Repository{
		store:     store,
		namespace: config.Namespace,
		key:       config.Key,
		cache:     c,
		timeout:   config.WriteTimeout,
		logger: logger.With().
			Str("component", "stats-repository").
			Str("namespace", config.Namespace).
			Str("key", config.Key).
			Logger(),
	}, nil
}

// Load returns the cached aggregate, or reads it from storage on a miss.
// A storage failure yields an all-zero aggregate.
func (r *Repository) Load(ctx context.Context) Aggregate {
	if agg, ok := r.cache.Get(r.key); ok {
		return agg
	}

	agg, err := r.read(ctx)
	if err != nil {
		return Aggregate{}
	}
	r.cache.Put(r.key, agg)
	return agg
}

// LoadFresh reads the aggregate from storage, bypassing the cache. Unlike
// Load it reports a storage failure, so callers can tell an unreachable
// backend from a zeroed aggregate.
func (r *Repository) LoadFresh(ctx context.Context) (Aggregate, error) {
	return r.read(ctx)
}

func (r *Repository) read(ctx context.Context) (Aggregate, error) {
	record, err := r.store.Load(ctx, r.namespace, r.key)
	if errors.Is(err, storage.ErrNotFound) {
		r.logger.Debug().Msg("No stored stats, starting from zero")
		return Aggregate{}, nil
	}
	if err != nil {
		metrics.StorageErrors.WithLabelValues("load").Inc()
		r.logger.Warn().Err(err).Msg("Failed to load stats, treating as empty")
		return Aggregate{}, err
	}
	return aggregateFromRecord(*record, r.logger), nil
}

// Save writes agg to the cache and starts a durable write in the
// background. If a background write is already running the durable write
// is skipped; the next Save persists the then-current values.
func (r *Repository) Save(agg Aggregate) {
	r.cache.Put(r.key, agg)
	gen := r.generation.Add(1)

	if !r.inFlight.CompareAndSwap(false, true) {
		metrics.FlushesTotal.WithLabelValues("skipped").Inc()
		r.logger.Debug().Msg("Durable write already in progress, skipping flush")
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.inFlight.Store(false)

		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		_ = r.write(ctx, gen, agg)
	}()
}

// Persist writes agg to the cache and always performs a durable write in
// the background. The returned channel receives the write's result.
func (r *Repository) Persist(agg Aggregate) <-chan error {
	r.cache.Put(r.key, agg)
	gen := r.generation.Add(1)

	result := make(chan error, 1)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		result <- r.write(ctx, gen, agg)
	}()
	return result
}

// SaveSync writes agg to the cache and storage, returning once the durable
// write has finished.
func (r *Repository) SaveSync(ctx context.Context, agg Aggregate) error {
	r.cache.Put(r.key, agg)
	gen := r.generation.Add(1)
	return r.write(ctx, gen, agg)
}

// Wait blocks until background writes have finished.
func (r *Repository) Wait() {
	r.wg.Wait()
}

// write performs a durable write unless a newer generation has already
// been committed.
func (r *Repository) write(ctx context.Context, gen uint64, agg Aggregate) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if gen <= r.committed {
		metrics.FlushesTotal.WithLabelValues("superseded").Inc()
		r.logger.Debug().
			Uint64("generation", gen).
			Uint64("committed", r.committed).
			Msg("Newer stats already written, dropping stale write")
		return nil
	}

	start := time.Now()
	err := r.store.Save(ctx, r.namespace, r.key, agg.record())
	metrics.FlushDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.StorageErrors.WithLabelValues("save").Inc()
		metrics.FlushesTotal.WithLabelValues("error").Inc()
		r.logger.Error().
			Err(err).
			Uint64("generation", gen).
			Msg("Failed to save stats, will retry on next flush")
		return fmt.Errorf("failed to save stats: %w", err)
	}

	r.committed = gen
	metrics.FlushesTotal.WithLabelValues("ok").Inc()
	r.logger.Debug().
		Uint64("generation", gen).
		Int64("total_voice_ms", agg.TotalVoiceMillis).
		Int64("message_count", agg.MessageCount).
		Int64("voice_connect_count", agg.VoiceConnectCount).
		Int64("click_count", agg.ClickCount).
		Msg("Stats saved")

	return nil
}
