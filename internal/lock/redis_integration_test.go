//go:build integration

package lock_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"identityrecon/internal/lock"
	"identityrecon/internal/testutil/containers"
)

type RedisLockSuite struct {
	suite.Suite
	redis  *containers.RedisContainer
	locker *lock.Redis
}

func TestRedisLockSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisLockSuite))
}

func (s *RedisLockSuite) SetupSuite() {
	s.redis = containers.NewRedis(s.T())
	s.locker = lock.NewRedis(s.redis.Client, 5*time.Second, 100*time.Millisecond, nil)
}

func (s *RedisLockSuite) SetupTest() {
	s.Require().NoError(s.redis.Client.FlushAll(context.Background()).Err())
}

func (s *RedisLockSuite) TestExclusiveAcrossHolders() {
	ctx := context.Background()
	keys := lock.Keys(strPtr("a@x.com"), strPtr("555"))

	unlock, err := s.locker.Lock(ctx, keys)
	s.Require().NoError(err)

	_, err = s.locker.Lock(ctx, []string{"phone:555"})
	s.Require().ErrorIs(err, lock.ErrTimeout)

	unlock()

	again, err := s.locker.Lock(ctx, []string{"phone:555"})
	s.Require().NoError(err)
	again()
}

func (s *RedisLockSuite) TestFailedAttemptReleasesPartialKeys() {
	ctx := context.Background()

	hold, err := s.locker.Lock(ctx, []string{"phone:9"})
	s.Require().NoError(err)
	defer hold()

	_, err = s.locker.Lock(ctx, []string{"email:b@x.com", "phone:9"})
	s.Require().ErrorIs(err, lock.ErrTimeout)

	exists, err := s.redis.Client.Exists(ctx, "identity:lock:email:b@x.com").Result()
	s.Require().NoError(err)
	s.Zero(exists)
}

func (s *RedisLockSuite) TestStaleTokenDoesNotReleaseNewHolder() {
	ctx := context.Background()
	short := lock.NewRedis(s.redis.Client, 50*time.Millisecond, 10*time.Millisecond, nil)

	stale, err := short.Lock(ctx, []string{"email:c@x.com"})
	s.Require().NoError(err)
	time.Sleep(100 * time.Millisecond)

	fresh, err := s.locker.Lock(ctx, []string{"email:c@x.com"})
	s.Require().NoError(err)
	defer fresh()

	stale()

	exists, err := s.redis.Client.Exists(ctx, "identity:lock:email:c@x.com").Result()
	s.Require().NoError(err)
	s.Equal(int64(1), exists)
}

func strPtr(s string) *string { return &s }
