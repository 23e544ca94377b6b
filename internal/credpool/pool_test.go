package credpool

import (
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/benthamlabs/bentham/internal/clock"
	"github.com/benthamlabs/bentham/internal/vault"
)

func poolBackend(t *testing.T, ids ...string) vault.Backend {
	t.Helper()
	b := vault.NewMemoryBackend()
	for _, id := range ids {
		err := b.Store(vault.Credential{
			ID:        id,
			SurfaceID: "openai-api",
			Type:      vault.TypeAPIKey,
			APIKey:    "key-" + id,
			CreatedAt: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
			IsActive:  true,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	return b
}

func TestRoundRobinCyclesInsertionOrder(t *testing.T) {
	b := poolBackend(t, "a", "b", "c")
	p := New("openai-api", DefaultConfig(), b, nil, nil)

	var got []string
	for i := 0; i < 6; i++ {
		c, err := p.GetNext()
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, c.ID)
	}
	want := []string{"a", "b", "c", "a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("round robin order = %v, want %v", got, want)
		}
	}
}

func TestLeastUsedPrefersColdCredential(t *testing.T) {
	b := poolBackend(t, "a", "b")
	cfg := DefaultConfig()
	cfg.Strategy = StrategyLeastUsed
	p := New("openai-api", cfg, b, nil, nil)

	// First pick ties at zero; insertion order breaks the tie.
	c, err := p.GetNext()
	if err != nil {
		t.Fatal(err)
	}
	if c.ID != "a" {
		t.Fatalf("tie break picked %s, want a", c.ID)
	}
	// a now has useCount 1, so b must come next.
	c, err = p.GetNext()
	if err != nil {
		t.Fatal(err)
	}
	if c.ID != "b" {
		t.Fatalf("least used picked %s, want b", c.ID)
	}
}

func TestRandomDrawsFromAllCandidates(t *testing.T) {
	b := poolBackend(t, "a", "b", "c")
	cfg := DefaultConfig()
	cfg.Strategy = StrategyRandom
	rng := rand.New(rand.NewPCG(7, 7))
	p := New("openai-api", cfg, b, nil, rng)

	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		c, err := p.GetNext()
		if err != nil {
			t.Fatal(err)
		}
		seen[c.ID] = true
	}
	if len(seen) != 3 {
		t.Fatalf("random strategy only ever drew %v", seen)
	}
}

// Two credentials with maxErrors 2 and a 60s cooldown. After two errors on
// A, selection falls to B, A reports inCooldown, and once the clock passes
// the cooldown deadline A re-enters the rotation.
func TestCooldownAfterConsecutiveErrors(t *testing.T) {
	b := poolBackend(t, "a", "b")
	clk := clock.NewFake(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	cfg := Config{
		Strategy:             StrategyRoundRobin,
		MaxErrors:            2,
		ErrorCooldown:        60 * time.Second,
		MinActiveCredentials: 2,
	}
	p := New("openai-api", cfg, b, clk, nil)

	p.ReportError("a")
	if p.UsageOf("a").InCooldown {
		t.Fatal("one error must not trigger cooldown")
	}
	p.ReportError("a")
	u := p.UsageOf("a")
	if !u.InCooldown || u.CooldownUntil == nil {
		t.Fatalf("two errors must trigger cooldown, usage = %+v", u)
	}

	for i := 0; i < 3; i++ {
		c, err := p.GetNext()
		if err != nil {
			t.Fatal(err)
		}
		if c.ID != "b" {
			t.Fatalf("cooldown credential selected: %s", c.ID)
		}
	}

	clk.Advance(60*time.Second + time.Millisecond)
	ids := map[string]bool{}
	for i := 0; i < 4; i++ {
		c, err := p.GetNext()
		if err != nil {
			t.Fatal(err)
		}
		ids[c.ID] = true
	}
	if !ids["a"] {
		t.Fatal("credential a must re-enter selection after cooldown expiry")
	}
	if u := p.UsageOf("a"); u.InCooldown || u.ErrorCount != 0 {
		t.Fatalf("cooldown exit must clear state, usage = %+v", u)
	}
}

func TestSuccessResetsErrorStreak(t *testing.T) {
	b := poolBackend(t, "a")
	cfg := DefaultConfig()
	cfg.MaxErrors = 3
	p := New("openai-api", cfg, b, nil, nil)

	p.ReportError("a")
	p.ReportError("a")
	p.ReportSuccess("a")
	p.ReportError("a")
	p.ReportError("a")
	if p.UsageOf("a").InCooldown {
		t.Fatal("success must reset the consecutive error count")
	}
}

func TestPoolExhaustedAndEvents(t *testing.T) {
	b := poolBackend(t, "a")
	clk := clock.NewFake(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	cfg := Config{Strategy: StrategyRoundRobin, MaxErrors: 1, ErrorCooldown: time.Minute, MinActiveCredentials: 1}
	p := New("openai-api", cfg, b, clk, nil)

	var events []EventKind
	p.Subscribe(func(ev Event) { events = append(events, ev.Kind) })

	p.ReportError("a")
	if _, err := p.GetNext(); !errors.Is(err, ErrExhausted) {
		t.Fatalf("exhausted pool error = %v", err)
	}

	var sawUsed, sawCooldown, sawExhausted, sawHealth bool
	for _, k := range events {
		switch k {
		case EventCredentialUsed:
			sawUsed = true
		case EventCooldownStart:
			sawCooldown = true
		case EventPoolExhausted:
			sawExhausted = true
		case EventHealthChange:
			sawHealth = true
		}
	}
	if !sawUsed || !sawCooldown || !sawExhausted || !sawHealth {
		t.Fatalf("missing events: used=%v cooldown=%v exhausted=%v health=%v",
			sawUsed, sawCooldown, sawExhausted, sawHealth)
	}

	clk.Advance(61 * time.Second)
	if _, err := p.GetNext(); err != nil {
		t.Fatalf("pool must recover after cooldown: %v", err)
	}
	last := events[len(events)-1]
	if last != EventHealthChange && last != EventCooldownEnd {
		t.Fatalf("expected recovery events, tail = %v", events)
	}
}

func TestHealthTriState(t *testing.T) {
	b := poolBackend(t, "a", "b")
	clk := clock.NewFake(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	cfg := Config{Strategy: StrategyRoundRobin, MaxErrors: 1, ErrorCooldown: time.Hour, MinActiveCredentials: 2}
	p := New("openai-api", cfg, b, clk, nil)

	if h := p.Health(); h != HealthHealthy {
		t.Fatalf("health = %s, want healthy", h)
	}
	p.ReportError("a")
	if h := p.Health(); h != HealthDegraded {
		t.Fatalf("health = %s, want degraded", h)
	}
	p.ReportError("b")
	if h := p.Health(); h != HealthUnhealthy {
		t.Fatalf("health = %s, want unhealthy", h)
	}
}

func TestManagerLazyPoolsAndRouting(t *testing.T) {
	b := vault.NewMemoryBackend()
	for _, c := range []vault.Credential{
		{ID: "o1", SurfaceID: "openai-api", Type: vault.TypeAPIKey, APIKey: "k1", IsActive: true},
		{ID: "g1", SurfaceID: "google-search", Type: vault.TypeAPIKey, APIKey: "k2", IsActive: true},
	} {
		if err := b.Store(c); err != nil {
			t.Fatal(err)
		}
	}

	m := NewManager(b, DefaultConfig(), map[string]Config{
		"google-search": {Strategy: StrategyLeastUsed, MaxErrors: 1, ErrorCooldown: time.Minute, MinActiveCredentials: 1},
	}, nil, nil)

	c, err := m.GetNext("openai-api")
	if err != nil || c.ID != "o1" {
		t.Fatalf("openai-api GetNext = (%v, %v)", c.ID, err)
	}
	c, err = m.GetNext("google-search")
	if err != nil || c.ID != "g1" {
		t.Fatalf("google-search GetNext = (%v, %v)", c.ID, err)
	}

	m.ReportError("google-search", "g1")
	if _, err := m.GetNext("google-search"); !errors.Is(err, ErrExhausted) {
		t.Fatal("override config (maxErrors=1) not applied")
	}
	if _, err := m.GetNext("openai-api"); err != nil {
		t.Fatalf("error on one surface must not affect another: %v", err)
	}

	health := m.Health()
	if len(health) != 2 {
		t.Fatalf("health map = %v", health)
	}
}
