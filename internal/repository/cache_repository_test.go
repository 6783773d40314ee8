package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/noah-isme/krs-api/pkg/errors"
)

func newCacheRepo(t *testing.T) (*CacheRepository, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewCacheRepository(client, "krs", nil), mr
}

func TestCacheRepositorySetGet(t *testing.T) {
	repo, mr := newCacheRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Set(ctx, "advisor:IF:2021", "adv-1", time.Minute))
	assert.True(t, mr.Exists("krs:advisor:IF:2021"))

	var got string
	require.NoError(t, repo.Get(ctx, "advisor:IF:2021", &got))
	assert.Equal(t, "adv-1", got)

	mr.FastForward(2 * time.Minute)
	err := repo.Get(ctx, "advisor:IF:2021", &got)
	assert.True(t, errors.Is(err, appErrors.ErrCacheMiss))
}

func TestCacheRepositorySetIfAbsent(t *testing.T) {
	repo, _ := newCacheRepo(t)
	ctx := context.Background()

	ok, err := repo.SetIfAbsent(ctx, "idem:u1:k1", map[string]string{"state": "pending"}, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.SetIfAbsent(ctx, "idem:u1:k1", map[string]string{"state": "pending"}, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCacheRepositoryDeleteByPattern(t *testing.T) {
	repo, mr := newCacheRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Set(ctx, "advisor:IF:2021", "a", 0))
	require.NoError(t, repo.Set(ctx, "advisor:IF:2022", "b", 0))
	require.NoError(t, repo.Set(ctx, "idem:x", "c", 0))

	require.NoError(t, repo.DeleteByPattern(ctx, "advisor:*"))
	assert.False(t, mr.Exists("krs:advisor:IF:2021"))
	assert.True(t, mr.Exists("krs:idem:x"))

	require.NoError(t, repo.Delete(ctx, "idem:x"))
	assert.False(t, mr.Exists("krs:idem:x"))
}

func TestCacheRepositoryCounter(t *testing.T) {
	repo, mr := newCacheRepo(t)
	ctx := context.Background()

	n, err := repo.Counter(ctx, "advisor-gen:IF:2021")
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = repo.Incr(ctx, "advisor-gen:IF:2021")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, err = repo.Incr(ctx, "advisor-gen:IF:2021")
	require.NoError(t, err)

	n, err = repo.Counter(ctx, "advisor-gen:IF:2021")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	mr.CheckGet(t, "krs:advisor-gen:IF:2021", "2")
}

func TestCacheRepositoryDisabled(t *testing.T) {
	repo := NewCacheRepository(nil, "krs", nil)
	ctx := context.Background()

	assert.False(t, repo.Enabled())
	var v string
	assert.True(t, errors.Is(repo.Get(ctx, "k", &v), appErrors.ErrCacheMiss))
	assert.NoError(t, repo.Set(ctx, "k", "v", time.Second))
	ok, err := repo.SetIfAbsent(ctx, "k", "v", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, repo.Ping(ctx))
}
