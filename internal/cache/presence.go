package cache

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Presence records which sessions currently have a live channel, so a second
// channel for the same session can be refused and the reaper can skip
// sessions that are still connected.
type Presence interface {
	// Claim takes the session for owner. It reports false when another owner
	// holds a live claim.
	Claim(ctx context.Context, sessionID, owner string, ttl time.Duration) (bool, error)
	Refresh(ctx context.Context, sessionID, owner string, ttl time.Duration) error
	// Clear drops the claim only when owner still holds it.
	Clear(ctx context.Context, sessionID, owner string) error
	IsLive(ctx context.Context, sessionID string) (bool, error)
}

type RedisPresence struct {
	rdb *redis.Client
}

func NewRedisPresence(rdb *redis.Client) *RedisPresence {
	return &RedisPresence{rdb: rdb}
}

// compare-and-delete / compare-and-expire, so a channel that lost its claim
// to TTL expiry cannot touch the next owner's key
var (
	clearScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0`)
	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

func (p *RedisPresence) Claim(ctx context.Context, sessionID, owner string, ttl time.Duration) (bool, error) {
	return p.rdb.SetNX(ctx, presenceKey(sessionID), owner, ttl).Result()
}

func (p *RedisPresence) Refresh(ctx context.Context, sessionID, owner string, ttl time.Duration) error {
	return refreshScript.Run(ctx, p.rdb, []string{presenceKey(sessionID)}, owner, ttl.Milliseconds()).Err()
}

func (p *RedisPresence) Clear(ctx context.Context, sessionID, owner string) error {
	return clearScript.Run(ctx, p.rdb, []string{presenceKey(sessionID)}, owner).Err()
}

func (p *RedisPresence) IsLive(ctx context.Context, sessionID string) (bool, error) {
	n, err := p.rdb.Exists(ctx, presenceKey(sessionID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

type claim struct {
	owner   string
	expires time.Time
}

// MemoryPresence is the single-process Presence.
type MemoryPresence struct {
	mu     sync.Mutex
	claims map[string]claim
	now    func() time.Time
}

func NewMemoryPresence() *MemoryPresence {
	return &MemoryPresence{claims: map[string]claim{}, now: time.Now}
}

func (p *MemoryPresence) Claim(_ context.Context, sessionID, owner string, ttl time.Duration) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.claims[sessionID]; ok && p.now().Before(c.expires) {
		return false, nil
	}
	p.claims[sessionID] = claim{owner: owner, expires: p.now().Add(ttl)}
	return true, nil
}

func (p *MemoryPresence) Refresh(_ context.Context, sessionID, owner string, ttl time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.claims[sessionID]; ok && c.owner == owner {
		p.claims[sessionID] = claim{owner: owner, expires: p.now().Add(ttl)}
	}
	return nil
}

func (p *MemoryPresence) Clear(_ context.Context, sessionID, owner string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.claims[sessionID]; ok && c.owner == owner {
		delete(p.claims, sessionID)
	}
	return nil
}

func (p *MemoryPresence) IsLive(_ context.Context, sessionID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.claims[sessionID]
	return ok && p.now().Before(c.expires), nil
}

var (
	_ Cache    = (*RedisCache)(nil)
	_ Cache    = (*MemoryCache)(nil)
	_ Presence = (*RedisPresence)(nil)
	_ Presence = (*MemoryPresence)(nil)
)
