package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironsession/internal/uuid"
	"github.com/jmcleod/ironsession/storage"
	"github.com/jmcleod/ironsession/storage/storagetest"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	addr := os.Getenv("IRONSESSION_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("IRONSESSION_TEST_REDIS_ADDR not set; skipping Redis tests")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	require.NoError(t, client.Ping(context.Background()).Err())

	prefix := "ironsession-test:" + uuid.New() + ":"
	s := NewRepository(client, append([]Option{WithPrefix(prefix)}, opts...)...)
	t.Cleanup(func() {
		ctx := context.Background()
		keys, _ := s.scan(ctx, escapeGlob(prefix)+"*", 0)
		if len(keys) > 0 {
			client.Del(ctx, keys...)
		}
		client.Close()
	})
	return s
}

func TestRedisStorage(t *testing.T) {
	storagetest.Run(t, newTestStore(t))
}

func TestRedisRecordTTL(t *testing.T) {
	s := newTestStore(t, WithTTL(storage.RecordCSRF, time.Minute))
	env := storage.PlainRecord([]byte("token"))
	require.NoError(t, s.Put("https://a.test", storage.RecordCSRF, "tab-1", env))
	require.NoError(t, s.Put("https://a.test", storage.RecordState, storage.CurrentID, env))

	ctx := context.Background()
	ttl, err := s.client.TTL(ctx, s.key("https://a.test", storage.RecordCSRF, "tab-1")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, time.Minute)

	ttl, err = s.client.TTL(ctx, s.key("https://a.test", storage.RecordState, storage.CurrentID)).Result()
	require.NoError(t, err)
	assert.Equal(t, time.Duration(-1), ttl, "records without a TTL never expire")
}

func TestEscapeGlob(t *testing.T) {
	assert.Equal(t, `a\*b\?c\[d\]`, escapeGlob("a*b?c[d]"))
}
