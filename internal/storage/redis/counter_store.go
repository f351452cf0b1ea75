package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/kstats/internal/storage"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix     = "kstats"
	namespacesKey = "kstats:namespaces"
)

type counterStore struct {
	client *redis.Client
	save   *redis.Script
}

// Load reads the counter hash for namespace/key
func (s *counterStore) Load(ctx context.Context, namespace, key string) (*storage.StatsRecord, error) {
	data, err := s.client.HGetAll(ctx, recordKey(namespace, key)).Result()
	if err != nil {
		return nil, err
	}

	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	return storage.RecordFromFields(data)
}

// Save atomically replaces the counter hash for namespace/key
func (s *counterStore) Save(ctx context.Context, namespace, key string, record storage.StatsRecord) error {
	fields := record.Fields()

	keys := []string{recordKey(namespace, key), namespacesKey}
	args := []interface{}{
		namespace,
		fields[storage.FieldTotalVoiceMillis],
		fields[storage.FieldMessageCount],
		fields[storage.FieldVoiceConnectCount],
		fields[storage.FieldClickCount],
		time.Now().UTC().Format(time.RFC3339Nano),
	}

	return s.save.Run(ctx, s.client, keys, args...).Err()
}

func recordKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s:%s", keyPrefix, namespace, key)
}
