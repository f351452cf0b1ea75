package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/goodtune/kstats/internal/storage"
)

func TestCounterStoreSaveLoad(t *testing.T) {
	store := openTestStore(t, filepath.Join(t.TempDir(), "kstats.db"))
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	counters := store.Counters()

	if _, err := counters.Load(ctx, "kstats", "stats"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound before first save, got %v", err)
	}

	first := storage.StatsRecord{TotalVoiceMillis: 1000, ClickCount: 2}
	if err := counters.Save(ctx, "kstats", "stats", first); err != nil {
		t.Fatalf("save first record: %v", err)
	}

	second := storage.StatsRecord{TotalVoiceMillis: 2500, MessageCount: 3, VoiceConnectCount: 1, ClickCount: 5}
	if err := counters.Save(ctx, "kstats", "stats", second); err != nil {
		t.Fatalf("save second record: %v", err)
	}

	loaded, err := counters.Load(ctx, "kstats", "stats")
	if err != nil {
		t.Fatalf("load record: %v", err)
	}
	if *loaded != second {
		t.Fatalf("expected %+v, got %+v", second, *loaded)
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kstats.db")

	store := openTestStore(t, path)
	if err := store.Counters().Save(context.Background(), "kstats", "stats", storage.StatsRecord{MessageCount: 4}); err != nil {
		t.Fatalf("save record: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	reopened := openTestStore(t, path)
	defer func() { _ = reopened.Close() }()

	var versions int
	if err := reopened.db.QueryRow("SELECT COUNT(*) FROM migrations").Scan(&versions); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if versions != len(migrations) {
		t.Fatalf("expected %d recorded migrations, got %d", len(migrations), versions)
	}

	loaded, err := reopened.Counters().Load(context.Background(), "kstats", "stats")
	if err != nil {
		t.Fatalf("load record: %v", err)
	}
	if loaded.MessageCount != 4 {
		t.Fatalf("expected message count 4, got %v", loaded.MessageCount)
	}
}

func openTestStore(t *testing.T, path string) *Store {
	t.Helper()

	store, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return store
}
