//go:build integration

package redis_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/suite"

	"gamehub/internal/usersync/replica"
	redisstore "gamehub/internal/usersync/replica/store/redis"
	"gamehub/internal/usersync/replica/storetest"
	"gamehub/pkg/testutil/containers"
)

type RedisStoreSuite struct {
	suite.Suite
	redis *containers.RedisContainer
}

func TestRedisStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisStoreSuite))
}

func (s *RedisStoreSuite) SetupSuite() {
	s.redis = containers.GetManager().GetRedis(s.T())
}

func (s *RedisStoreSuite) TestConformance() {
	storetest.Run(s.T(), func(t *testing.T) replica.Store {
		if err := s.redis.FlushDB(context.Background()); err != nil {
			t.Fatalf("flush: %v", err)
		}
		return redisstore.New(s.redis.Client)
	})
}

func (s *RedisStoreSuite) TestPrefixesIsolateStores() {
	ctx := context.Background()
	s.Require().NoError(s.redis.FlushDB(ctx))

	a := redisstore.New(s.redis.Client, redisstore.WithPrefix("a:"))
	b := redisstore.New(s.redis.Client, redisstore.WithPrefix("b:"))

	_, err := a.Insert(ctx, replica.NewRecord(nil, "Alice", nil, 0))
	s.Require().NoError(err)
	_, err = b.Insert(ctx, replica.NewRecord(nil, "Alice", nil, 0))
	s.Require().NoError(err, "same natural key under another prefix")
}
