package progress

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Counters is the read side of a redis client.
type Counters interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
	MGet(ctx context.Context, keys ...string) *goredis.SliceCmd
}

// RedisTime reads learning time counters written by the analytics
// tracker, in seconds:
//
//	<prefix>:time:<user>:total
//	<prefix>:time:<user>:day:<YYYY-MM-DD>
type RedisTime struct {
	rdb    Counters
	prefix string
}

func NewRedisTime(rdb Counters, prefix string) *RedisTime {
	if prefix == "" {
		prefix = "analytics"
	}
	return &RedisTime{rdb: rdb, prefix: prefix}
}

// DialRedisTime connects and pings before returning the source.
func DialRedisTime(ctx context.Context, addr, prefix string) (*RedisTime, func() error, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisTime(rdb, prefix), rdb.Close, nil
}

func (r *RedisTime) key(userID, suffix string) string {
	return r.prefix + ":time:" + userID + ":" + suffix
}

// TimeSpent sums the total counter and the last seven daily counters
// ending today (UTC). Missing keys count as zero.
func (r *RedisTime) TimeSpent(ctx context.Context, userID string, now time.Time) (TimeSpent, error) {
	total, err := r.rdb.Get(ctx, r.key(userID, "total")).Int64()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return TimeSpent{}, fmt.Errorf("read total time: %w", err)
	}

	day := now.UTC()
	keys := make([]string, 7)
	for i := range keys {
		keys[i] = r.key(userID, "day:"+day.AddDate(0, 0, -i).Format("2006-01-02"))
	}
	vals, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return TimeSpent{}, fmt.Errorf("read weekly time: %w", err)
	}
	var week int64
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return TimeSpent{}, fmt.Errorf("bad daily counter %q: %w", s, err)
		}
		week += n
	}
	return TimeSpent{
		Total:  time.Duration(total) * time.Second,
		Weekly: time.Duration(week) * time.Second,
	}, nil
}
