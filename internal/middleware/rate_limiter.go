package middleware

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/erf/formgate/internal/config"
	"github.com/erf/formgate/internal/metadata"
)

const (
	rateLimitKeyPrefix = "formgate:ratelimit:"
	rateLimitWindow    = time.Minute
)

// RateLimiter caps request volume per client IP in front of the submission
// endpoint. This is the cheap edge guard; the fraud blocklist handles the
// targeted, long-lived blocks.
//
// With Redis configured the window is a sorted-set sliding window shared
// across replicas. Without Redis (or when Redis is down) each process falls
// back to local fixed windows, which is looser but never stalls submissions
// on an unavailable dependency.
type RateLimiter struct {
	limit  int
	rdb    *redis.Client
	logger *log.Logger

	mu      sync.RWMutex
	windows map[string]*rateWindow
}

type rateWindow struct {
	count   int
	resetAt time.Time
}

// NewRateLimiter builds a limiter from the rate-limit and Redis config
// sections. A non-empty Redis address is dialed and verified immediately;
// failures log and degrade to the in-memory fallback.
func NewRateLimiter(cfg config.RateLimitConfig, redisCfg config.RedisConfig) *RateLimiter {
	logger := log.New(log.Writer(), "[RATELIMIT] ", log.LstdFlags)

	limit := cfg.RequestsPerMin
	if limit <= 0 {
		limit = 60
	}

	rl := &RateLimiter{
		limit:   limit,
		logger:  logger,
		windows: make(map[string]*rateWindow),
	}

	if redisCfg.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:         redisCfg.Addr,
			Password:     redisCfg.Password,
			DB:           redisCfg.DB,
			DialTimeout:  3 * time.Second,
			ReadTimeout:  2 * time.Second,
			WriteTimeout: 2 * time.Second,
			PoolSize:     20,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := client.Ping(ctx).Err()
		cancel()
		if err != nil {
			logger.Printf("⚠️ Redis unreachable at %s, using in-memory windows: %v", redisCfg.Addr, err)
			_ = client.Close()
		} else {
			logger.Printf("✅ Redis connected at %s (limit %d/min)", redisCfg.Addr, limit)
			rl.rdb = client
		}
	} else {
		logger.Printf("Using in-memory windows (limit %d/min)", limit)
	}

	go rl.cleanup()
	return rl
}

// Middleware enforces the per-IP budget around next. Rejections use the
// same JSON error shape as the pipeline's rate-limit responses so clients
// handle both identically. CORS preflights are never counted.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		ip := metadata.ClientIP(r)
		if !rl.Allow(r.Context(), ip) {
			rl.logger.Printf("🚫 Rate limit exceeded: ip=%s limit=%d/min", ip, rl.limit)
			retry := int(rateLimitWindow / time.Second)
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprintf(w, `{"error":"rate_limit","message":"Too many requests. Please wait 1 minute before trying again.","retryAfter":%d}`, retry)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Allow records one request for key and reports whether it fits the window.
// Redis errors fail open into the local fallback rather than rejecting.
func (rl *RateLimiter) Allow(ctx context.Context, key string) bool {
	if rl.rdb != nil {
		allowed, err := rl.allowRedis(ctx, key)
		if err == nil {
			return allowed
		}
		rl.logger.Printf("⚠️ Redis window failed for %s, falling back: %v", key, err)
	}
	return rl.allowLocal(key)
}

// allowRedis implements the sliding window over a sorted set: drop entries
// older than the window, add this request, count what remains.
func (rl *RateLimiter) allowRedis(ctx context.Context, key string) (bool, error) {
	now := time.Now()
	redisKey := rateLimitKeyPrefix + key
	cutoff := strconv.FormatInt(now.Add(-rateLimitWindow).UnixNano(), 10)

	pipe := rl.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", cutoff)
	pipe.ZAdd(ctx, redisKey, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: strconv.FormatInt(now.UnixNano(), 10),
	})
	card := pipe.ZCard(ctx, redisKey)
	pipe.Expire(ctx, redisKey, 2*rateLimitWindow)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return card.Val() <= int64(rl.limit), nil
}

// allowLocal is the fixed-window fallback. Fast path: reject over-limit keys
// under the read lock. Slow path: take the write lock to count or roll the
// window.
func (rl *RateLimiter) allowLocal(key string) bool {
	now := time.Now()

	rl.mu.RLock()
	win, ok := rl.windows[key]
	if ok && now.Before(win.resetAt) && win.count >= rl.limit {
		rl.mu.RUnlock()
		return false
	}
	rl.mu.RUnlock()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	win, ok = rl.windows[key]
	if !ok || now.After(win.resetAt) {
		rl.windows[key] = &rateWindow{count: 1, resetAt: now.Add(rateLimitWindow)}
		return true
	}
	if win.count >= rl.limit {
		return false
	}
	win.count++
	return true
}

// cleanup periodically removes expired windows to prevent memory growth
// from one-shot clients.
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		now := time.Now()
		rl.mu.Lock()
		for key, win := range rl.windows {
			if now.After(win.resetAt) {
				delete(rl.windows, key)
			}
		}
		rl.mu.Unlock()
	}
}

// Close releases the Redis connection when one was established.
func (rl *RateLimiter) Close() error {
	if rl.rdb != nil {
		return rl.rdb.Close()
	}
	return nil
}
