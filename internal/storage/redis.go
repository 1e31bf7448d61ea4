package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"recworker/internal/schedule"
	logx "recworker/pkg/logx"
)

const (
	defaultKeyPrefix = "recworker:"
	defaultClaimTTL  = 24 * time.Hour
)

// RedisTriggers keeps triggers in Redis for workers that do not share a
// filesystem.
//
// Keys:
//   - <prefix>triggers          ZSET job -> next fire (unix ms)
//   - <prefix>trigger:<job>     HASH expr, owner, updated_at
//   - <prefix>claim:<job>:<ms>  claim marker, SET NX with TTL
type RedisTriggers struct {
	rdb    redis.UniversalClient
	log    logx.Logger
	prefix string
	ttl    time.Duration
}

var _ schedule.TriggerStore = (*RedisTriggers)(nil)

// claimScript wins one fire: the score must still equal the fire being
// claimed and the marker must not exist. Marker and score move together.
//
// KEYS: zset, claim marker, hash. ARGV: job, fire ms, next ms, owner, ttl ms, now ms.
var claimScript = redis.NewScript(`
local s = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not s or tonumber(s) ~= tonumber(ARGV[2]) then
  return 0
end
if not redis.call('SET', KEYS[2], ARGV[4], 'NX', 'PX', ARGV[5]) then
  return 0
end
redis.call('ZADD', KEYS[1], 'XX', ARGV[3], ARGV[1])
redis.call('HSET', KEYS[3], 'owner', ARGV[4], 'updated_at', ARGV[6])
return 1
`)

// OpenRedis connects and pings, retrying with exponential backoff.
func OpenRedis(ctx context.Context, cfg Config, log logx.Logger) (*RedisTriggers, error) {
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil, errors.New("storage.redis_addr is required for redis triggers")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxElapsedTime = 10 * time.Second
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := rdb.Ping(ctx).Err()
		if err != nil {
			log.Warn("redis ping failed", logx.String("addr", cfg.RedisAddr), logx.Int("attempt", attempt), logx.Err(err))
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, 5), ctx))
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
	}
	return NewRedisTriggers(rdb, cfg, log), nil
}

func NewRedisTriggers(rdb redis.UniversalClient, cfg Config, log logx.Logger) *RedisTriggers {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	ttl := cfg.ClaimTTL
	if ttl <= 0 {
		ttl = defaultClaimTTL
	}
	return &RedisTriggers{rdb: rdb, log: log, prefix: prefix, ttl: ttl}
}

func (r *RedisTriggers) zkey() string           { return r.prefix + "triggers" }
func (r *RedisTriggers) hkey(job string) string { return r.prefix + "trigger:" + job }
func (r *RedisTriggers) claimKey(job string, fire int64) string {
	return r.prefix + "claim:" + job + ":" + strconv.FormatInt(fire, 10)
}

func (r *RedisTriggers) Close() error { return r.rdb.Close() }

func (r *RedisTriggers) UpsertTrigger(ctx context.Context, t schedule.StoredTrigger) error {
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = time.Now()
	}
	cur, err := r.rdb.HGet(ctx, r.hkey(t.Job), "expr").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	keep := false
	if err == nil && cur == t.Expr {
		if _, serr := r.rdb.ZScore(ctx, r.zkey(), t.Job).Result(); serr == nil {
			keep = true
		}
	}

	_, err = r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, r.hkey(t.Job), "expr", t.Expr, "owner", t.Owner, "updated_at", t.UpdatedAt.UnixMilli())
		if !keep {
			p.ZAdd(ctx, r.zkey(), redis.Z{Score: float64(ms(t.NextFire)), Member: t.Job})
		}
		return nil
	})
	return err
}

func (r *RedisTriggers) DeleteTrigger(ctx context.Context, job string) error {
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, r.zkey(), job)
		p.Del(ctx, r.hkey(job))
		return nil
	})
	return err
}

// ClaimDue wins each due fire with claimScript. A worker reading a stale
// score loses and skips it. On error the claims won so far are returned.
func (r *RedisTriggers) ClaimDue(ctx context.Context, now time.Time, owner string, limit int, next schedule.NextFunc) ([]schedule.Claim, error) {
	due, err := r.rdb.ZRangeByScoreWithScores(ctx, r.zkey(), &redis.ZRangeBy{
		Min:   "1",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, err
	}

	var claims []schedule.Claim
	for _, z := range due {
		job, _ := z.Member.(string)
		fire := int64(z.Score)
		fired := time.UnixMilli(fire)
		n := next(job, fired, now)
		if n.IsZero() {
			continue
		}
		won, err := r.claim(ctx, job, fire, n, owner, now)
		if err != nil {
			return claims, err
		}
		if !won {
			continue
		}
		claims = append(claims, schedule.Claim{Job: job, FiredAt: fired, NextFire: n})
	}
	return claims, nil
}

func (r *RedisTriggers) claim(ctx context.Context, job string, fire int64, next time.Time, owner string, now time.Time) (bool, error) {
	keys := []string{r.zkey(), r.claimKey(job, fire), r.hkey(job)}
	won, err := claimScript.Run(ctx, r.rdb, keys,
		job, fire, next.UnixMilli(), owner, r.ttl.Milliseconds(), now.UnixMilli()).Int()
	if err != nil {
		return false, err
	}
	return won == 1, nil
}

func (r *RedisTriggers) ListTriggers(ctx context.Context) ([]schedule.StoredTrigger, error) {
	zs, err := r.rdb.ZRangeWithScores(ctx, r.zkey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]schedule.StoredTrigger, 0, len(zs))
	for _, z := range zs {
		job, _ := z.Member.(string)
		h, err := r.rdb.HGetAll(ctx, r.hkey(job)).Result()
		if err != nil {
			return nil, err
		}
		updated, _ := strconv.ParseInt(h["updated_at"], 10, 64)
		out = append(out, schedule.StoredTrigger{
			Job:       job,
			Expr:      h["expr"],
			NextFire:  fromMS(int64(z.Score)),
			Owner:     h["owner"],
			UpdatedAt: fromMS(updated),
		})
	}
	return out, nil
}

// Count reports the number of stored triggers.
func (r *RedisTriggers) Count(ctx context.Context) (int64, error) {
	return r.rdb.ZCard(ctx, r.zkey()).Result()
}
