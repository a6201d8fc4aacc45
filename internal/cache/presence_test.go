package cache

import (
	"context"
	"testing"
	"time"
)

func TestMemoryPresenceSingleOwner(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1000, 0)
	p := NewMemoryPresence()
	p.now = func() time.Time { return now }

	ok, _ := p.Claim(ctx, "s1", "a", time.Minute)
	if !ok {
		t.Fatal("first claim refused")
	}
	if ok, _ := p.Claim(ctx, "s1", "b", time.Minute); ok {
		t.Fatal("second owner claimed a live session")
	}

	// a stale owner must not clear someone else's claim
	if err := p.Clear(ctx, "s1", "b"); err != nil {
		t.Fatal(err)
	}
	if live, _ := p.IsLive(ctx, "s1"); !live {
		t.Fatal("claim cleared by non-owner")
	}

	now = now.Add(2 * time.Minute)
	if live, _ := p.IsLive(ctx, "s1"); live {
		t.Fatal("expired claim still live")
	}
	if ok, _ := p.Claim(ctx, "s1", "b", time.Minute); !ok {
		t.Fatal("claim after expiry refused")
	}
	if err := p.Clear(ctx, "s1", "b"); err != nil {
		t.Fatal(err)
	}
	if live, _ := p.IsLive(ctx, "s1"); live {
		t.Fatal("claim survived owner clear")
	}
}

func TestMemoryPresenceRefreshExtends(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1000, 0)
	p := NewMemoryPresence()
	p.now = func() time.Time { return now }

	_, _ = p.Claim(ctx, "s1", "a", time.Minute)
	now = now.Add(50 * time.Second)
	_ = p.Refresh(ctx, "s1", "a", time.Minute)
	now = now.Add(50 * time.Second)
	if live, _ := p.IsLive(ctx, "s1"); !live {
		t.Fatal("refreshed claim expired")
	}
}

func TestMemoryCacheTTL(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1000, 0)
	c := NewMemoryCache()
	c.now = func() time.Time { return now }

	if err := c.SetJSON(ctx, ReportKey("s1"), map[string]int{"score": 80}, time.Minute); err != nil {
		t.Fatal(err)
	}
	var got map[string]int
	if hit, _ := c.GetJSON(ctx, ReportKey("s1"), &got); !hit || got["score"] != 80 {
		t.Fatalf("hit=%v got=%v", hit, got)
	}
	now = now.Add(2 * time.Minute)
	if hit, _ := c.GetJSON(ctx, ReportKey("s1"), &got); hit {
		t.Fatal("expired entry returned")
	}
}
