package redisstore

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/relayclaw/internal/store"
	"github.com/nextlevelbuilder/relayclaw/internal/store/storetest"
)

func TestRedisStore(t *testing.T) {
	url := os.Getenv("RELAYCLAW_TEST_REDIS_URL")
	if url == "" {
		t.Skip("RELAYCLAW_TEST_REDIS_URL not set")
	}

	stores, err := NewStores(context.Background(), store.StoreConfig{
		RedisURL:     url,
		KeyPrefix:    fmt.Sprintf("relayclaw-test-%d", time.Now().UnixNano()),
		HistoryLimit: 10,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = stores.Close() })

	storetest.Run(t, stores)
}
