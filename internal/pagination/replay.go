package pagination

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ReplayGuard rejects a pagination token that has already been consumed
// once. The local API handlers consult it for every request that
// carries a page token; no configuration key turns it off.
type ReplayGuard struct {
	client *redis.Client
	ttl    time.Duration
	mu     sync.Mutex
	local  map[string]time.Time
}

func NewReplayGuard(client *redis.Client, ttl time.Duration) *ReplayGuard {
	return &ReplayGuard{client: client, ttl: ttl, local: make(map[string]time.Time)}
}

// Consume returns true the first time it sees token, false on replay.
func (g *ReplayGuard) Consume(token string) bool {
	if g.client == nil {
		return g.consumeLocal(token)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	ok, err := g.client.SetNX(ctx, "shadowgw:pagination:seen:"+token, 1, g.ttl).Result()
	if err != nil {
		// Redis unavailable: fail open, matching the ratelimit
		// backend's best-effort posture.
		return true
	}
	return ok
}

func (g *ReplayGuard) consumeLocal(token string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := time.Now()
	for k, exp := range g.local {
		if now.After(exp) {
			delete(g.local, k)
		}
	}
	if _, seen := g.local[token]; seen {
		return false
	}
	g.local[token] = now.Add(g.ttl)
	return true
}
