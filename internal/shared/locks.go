package shared

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// PostingLockKey builds redis keys for per-period posting critical sections.
func PostingLockKey(periodID int64) string {
	return fmt.Sprintf("ledger:period:%d:posting", periodID)
}

// ErrLockHeld indicates another process holds the posting lock.
var ErrLockHeld = errors.New("posting lock held by another process")

// PeriodLocker serializes cross-process posting into a period. The database
// row lock is the real guard; this keeps concurrent batch posters from
// piling up on the same period row.
type PeriodLocker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewPeriodLocker constructs the locker.
func NewPeriodLocker(client *redis.Client, ttl time.Duration) *PeriodLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &PeriodLocker{client: client, ttl: ttl}
}

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Acquire takes the per-period lock, returning a release func. Fails fast
// with ErrLockHeld instead of blocking; callers retry after backoff.
func (l *PeriodLocker) Acquire(ctx context.Context, periodID int64) (func(), error) {
	if l == nil || l.client == nil {
		return func() {}, nil
	}
	key := PostingLockKey(periodID)
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockHeld
	}
	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err()
	}
	return release, nil
}
