//go:build integration

package redis_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gamehub/internal/platform/config"
	"gamehub/internal/platform/redis"
	"gamehub/pkg/testutil/containers"
)

func TestNew_ConnectsAndReportsHealth(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping redis integration test in short mode")
	}
	rc := containers.GetManager().GetRedis(t)
	ctx := context.Background()

	client, err := redis.New(ctx, config.Redis{URL: rc.URL, PoolSize: 2})
	require.NoError(t, err)
	defer client.Close()

	assert.NoError(t, client.Health(ctx))
}
