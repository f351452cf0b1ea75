package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goodtune/kstats/internal/clock"
	"github.com/goodtune/kstats/internal/config"
	"github.com/goodtune/kstats/internal/stats"
	"github.com/goodtune/kstats/internal/storage"
)

var httpClient = &http.Client{Timeout: 5 * time.Second}

// statsURL builds the daemon's stats endpoint from configuration.
func statsURL(cfg *config.Config, path string) string {
	return fmt.Sprintf("http://%s:%d%s", cfg.Server.BindAddress, cfg.Server.MetricsPort, path)
}

// fetchSnapshot asks a running daemon for its current counters.
func fetchSnapshot(ctx context.Context, url string) (stats.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return stats.Snapshot{}, err
	}
	return doSnapshot(req)
}

// postReset asks a running daemon to reset its counters.
func postReset(ctx context.Context, url string) (stats.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return stats.Snapshot{}, err
	}
	return doSnapshot(req)
}

func doSnapshot(req *http.Request) (stats.Snapshot, error) {
	resp, err := httpClient.Do(req)
	if err != nil {
		return stats.Snapshot{}, fmt.Errorf("failed to reach kstats daemon: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return stats.Snapshot{}, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return stats.Snapshot{}, fmt.Errorf("daemon returned %s: %s", resp.Status, apiErr.Error)
		}
		return stats.Snapshot{}, fmt.Errorf("daemon returned %s", resp.Status)
	}

	var snap stats.Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return stats.Snapshot{}, fmt.Errorf("invalid stats response: %w", err)
	}
	return snap, nil
}

// openRepository opens storage directly for the --offline variants. The
// caller must close the returned store.
func openRepository(cfg *config.Config) (*stats.Repository, storage.Store, error) {
	durations, err := cfg.Stats.Durations()
	if err != nil {
		return nil, nil, err
	}

	store, err := openStorage(cfg.Storage)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	repo, err := stats.NewRepository(store.Counters(), stats.RepositoryConfig{
		Namespace: cfg.Stats.Namespace,
		Key:       cfg.Stats.Key,
		CacheTTL:  durations.CacheTTL,
		CacheSize: cfg.Stats.CacheSize,
	}, clock.Real{}, quietLogger())
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return repo, store, nil
}
