package redis

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/goodtune/kstats/internal/config"
	"github.com/goodtune/kstats/internal/storage"
)

func setupTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	// miniredis.Addr() returns "host:port", so Port stays 0
	cfg := config.RedisConfig{
		Host:         mr.Addr(),
		Port:         0,
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 1,
		DialTimeout:  "5s",
		ReadTimeout:  "3s",
		WriteTimeout: "3s",
	}

	store, err := Open(cfg)
	if err != nil {
		t.Fatalf("Failed to open Redis store: %v", err)
	}

	return store, mr
}

func TestCounterStore_SaveLoad(t *testing.T) {
	store, mr := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	counters := store.Counters()

	record := storage.StatsRecord{
		TotalVoiceMillis:  2500,
		MessageCount:      3,
		VoiceConnectCount: 1,
		ClickCount:        5,
	}

	if err := counters.Save(ctx, "kstats", "stats", record); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := counters.Load(ctx, "kstats", "stats")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if *loaded != record {
		t.Errorf("Expected %+v, got %+v", record, *loaded)
	}

	if got := mr.HGet("kstats:kstats:stats", "click_count"); got != "5" {
		t.Errorf("Expected click_count field 5, got %q", got)
	}
	if ok, _ := mr.SIsMember(namespacesKey, "kstats"); !ok {
		t.Error("Expected namespace to be indexed")
	}
}

func TestCounterStore_LoadMissing(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	_, err := store.Counters().Load(context.Background(), "kstats", "stats")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
}

func TestCounterStore_SaveKeepsUnknownFields(t *testing.T) {
	store, mr := setupTestStore(t)
	defer func() { _ = store.Close() }()

	mr.HSet("kstats:kstats:stats", "streak_days", "12", "click_count", "4")

	if err := store.Counters().Save(context.Background(), "kstats", "stats", storage.StatsRecord{ClickCount: 6}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if got := mr.HGet("kstats:kstats:stats", "streak_days"); got != "12" {
		t.Errorf("Expected field written by another version to survive, got %q", got)
	}
	if got := mr.HGet("kstats:kstats:stats", "click_count"); got != "6" {
		t.Errorf("Expected click_count 6, got %q", got)
	}
}

func TestCounterStore_LoadPartialRecord(t *testing.T) {
	store, mr := setupTestStore(t)
	defer func() { _ = store.Close() }()

	// Older client without click tracking and with a fractional count
	mr.HSet("kstats:kstats:stats", "total_voice_ms", "1000", "message_count", "2.5")

	loaded, err := store.Counters().Load(context.Background(), "kstats", "stats")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.TotalVoiceMillis != 1000 {
		t.Errorf("Expected total voice 1000, got %v", loaded.TotalVoiceMillis)
	}
	if loaded.MessageCount != 2.5 {
		t.Errorf("Expected raw message count 2.5, got %v", loaded.MessageCount)
	}
	if loaded.ClickCount != 0 {
		t.Errorf("Expected click count 0, got %v", loaded.ClickCount)
	}
}

func TestCounterStore_LoadCorruptField(t *testing.T) {
	store, mr := setupTestStore(t)
	defer func() { _ = store.Close() }()

	mr.HSet("kstats:kstats:stats", "click_count", "lots", "message_count", "4", "total_voice_ms", "1500")

	loaded, err := store.Counters().Load(context.Background(), "kstats", "stats")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !math.IsNaN(loaded.ClickCount) {
		t.Errorf("Expected unparseable click count to load as NaN, got %v", loaded.ClickCount)
	}
	if loaded.MessageCount != 4 || loaded.TotalVoiceMillis != 1500 {
		t.Errorf("Expected valid fields to be kept, got %+v", *loaded)
	}
}

func TestCounterStore_BackendDown(t *testing.T) {
	store, mr := setupTestStore(t)
	defer func() { _ = store.Close() }()

	mr.SetError("ERR backend unavailable")

	if err := store.Counters().Save(context.Background(), "kstats", "stats", storage.StatsRecord{}); err == nil {
		t.Fatal("Expected save to fail while Redis is down")
	}
}
