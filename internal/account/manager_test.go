package account

import (
	"errors"
	"testing"
	"time"

	"github.com/benthamlabs/bentham/internal/clock"
	"github.com/benthamlabs/bentham/internal/model"
)

// nopPersister satisfies Persister for tests that only exercise memory state.
type nopPersister struct{}

func (nopPersister) UpsertAccount(model.Account) error     { return nil }
func (nopPersister) DeleteAccount(string) error            { return nil }
func (nopPersister) UpsertPool(model.AccountPool) error    { return nil }
func (nopPersister) DeletePool(string) error               { return nil }
func (nopPersister) AddPoolMember(string, string) error    { return nil }
func (nopPersister) RemovePoolMember(string, string) error { return nil }
func (nopPersister) MarkAccountUsage(string)               {}
func (nopPersister) MarkAccountUsageDelete(string)         {}
func (nopPersister) MarkCheckout(string)                   {}
func (nopPersister) MarkCheckoutDelete(string)             {}

func testAccount(id, surface string) model.Account {
	return model.Account{
		ID:         id,
		SurfaceID:  surface,
		TenantID:   "tenant-1",
		Identifier: id + "@example.com",
		Status:     model.AccountActive,
		Enabled:    true,
	}
}

func testManager(t *testing.T, clk clock.Clock) *Manager {
	t.Helper()
	return NewManager(DefaultConfig(), nopPersister{}, clk)
}

func TestRegistryBasics(t *testing.T) {
	m := testManager(t, nil)

	if err := m.AddAccount(testAccount("a1", "openai-api")); err != nil {
		t.Fatal(err)
	}
	if err := m.AddAccount(testAccount("a1", "openai-api")); err == nil {
		t.Fatal("duplicate add must fail")
	}
	if err := m.AddAccount(testAccount("a2", "google-search")); err != nil {
		t.Fatal(err)
	}

	if got := m.GetSurfaceAccounts("openai-api"); len(got) != 1 || got[0].ID != "a1" {
		t.Fatalf("surface accounts = %+v", got)
	}
	if got := m.GetTenantAccounts("tenant-1"); len(got) != 2 {
		t.Fatalf("tenant accounts = %+v", got)
	}

	if err := m.SetAccountStatus("a1", model.AccountSuspended); err != nil {
		t.Fatal(err)
	}
	a, _ := m.GetAccount("a1")
	if a.Status != model.AccountSuspended {
		t.Fatal("status not applied")
	}
	if m.IsAvailable("a1") {
		t.Fatal("suspended account must not be available")
	}

	if err := m.RemoveAccount("a1"); err != nil {
		t.Fatal(err)
	}
	if err := m.RemoveAccount("a1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second remove = %v", err)
	}
}

func TestPoolSurfaceMismatchRejected(t *testing.T) {
	m := testManager(t, nil)
	if err := m.AddAccount(testAccount("a1", "openai-api")); err != nil {
		t.Fatal(err)
	}
	if err := m.CreatePool(model.AccountPool{ID: "p1", SurfaceID: "google-search", Name: "g"}); err != nil {
		t.Fatal(err)
	}
	if err := m.AddToPool("p1", "a1"); err == nil {
		t.Fatal("cross-surface pool membership must be rejected")
	}
}

// One account with maxConcurrent=1: three checkouts in a row yield one lease
// and two refusals; after a successful checkin the next checkout succeeds
// and the counters read requestCount=1, successCount=1.
func TestCheckoutRespectsConcurrencyCap(t *testing.T) {
	m := testManager(t, nil)
	a := testAccount("a1", "openai-api")
	a.MaxConcurrent = 1
	if err := m.AddAccount(a); err != nil {
		t.Fatal(err)
	}

	req := CheckoutRequest{SurfaceID: "openai-api", TenantID: "tenant-1"}
	first, err := m.Checkout(req)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if _, err := m.Checkout(req); !errors.Is(err, ErrNoAccountAvailable) {
			t.Fatalf("checkout #%d = %v, want none", i+2, err)
		}
	}
	if u := m.Usage("a1"); u.ActiveSessions != 1 {
		t.Fatalf("activeSessions = %d, want 1", u.ActiveSessions)
	}

	if !m.Checkin(first.ID, true) {
		t.Fatal("checkin of live lease must succeed")
	}
	u := m.Usage("a1")
	if u.RequestCount != 1 || u.SuccessCount != 1 || u.ActiveSessions != 0 {
		t.Fatalf("usage after checkin = %+v", u)
	}

	next, err := m.Checkout(req)
	if err != nil {
		t.Fatal(err)
	}
	if next.ID == first.ID {
		t.Fatal("checkout ids must be distinct")
	}
	if u := m.Usage("a1"); u.ActiveSessions != 1 {
		t.Fatalf("activeSessions = %d, want 1", u.ActiveSessions)
	}
}

func TestCheckoutPicksLeastRecentlyUsed(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	m := testManager(t, clk)
	for _, id := range []string{"a1", "a2", "a3"} {
		if err := m.AddAccount(testAccount(id, "openai-api")); err != nil {
			t.Fatal(err)
		}
	}

	req := CheckoutRequest{SurfaceID: "openai-api", TenantID: "tenant-1"}

	// Never-used accounts sort first; ties break by id ascending.
	co, err := m.Checkout(req)
	if err != nil || co.Account.ID != "a1" {
		t.Fatalf("first checkout = %v (%v), want a1", co.Account.ID, err)
	}
	m.Checkin(co.ID, true)

	clk.Advance(time.Second)
	co, err = m.Checkout(req)
	if err != nil || co.Account.ID != "a2" {
		t.Fatalf("second checkout = %v, want a2", co.Account.ID)
	}
	m.Checkin(co.ID, true)

	clk.Advance(time.Second)
	co, _ = m.Checkout(req)
	if co.Account.ID != "a3" {
		t.Fatalf("third checkout = %v, want a3", co.Account.ID)
	}
	m.Checkin(co.ID, true)

	// a1 is now the least recently used again.
	clk.Advance(time.Second)
	co, _ = m.Checkout(req)
	if co.Account.ID != "a1" {
		t.Fatalf("fourth checkout = %v, want a1", co.Account.ID)
	}
}

func TestCheckoutPreferAndExclude(t *testing.T) {
	m := testManager(t, nil)
	for _, id := range []string{"a1", "a2"} {
		if err := m.AddAccount(testAccount(id, "openai-api")); err != nil {
			t.Fatal(err)
		}
	}

	co, err := m.Checkout(CheckoutRequest{
		SurfaceID: "openai-api", TenantID: "tenant-1", Prefer: []string{"a2"},
	})
	if err != nil || co.Account.ID != "a2" {
		t.Fatalf("prefer ignored: %v (%v)", co.Account.ID, err)
	}
	m.Checkin(co.ID, true)

	co, err = m.Checkout(CheckoutRequest{
		SurfaceID: "openai-api", TenantID: "tenant-1", Exclude: []string{"a1"},
	})
	if err != nil || co.Account.ID != "a2" {
		t.Fatalf("exclude ignored: %v (%v)", co.Account.ID, err)
	}
	m.Checkin(co.ID, true)

	// Prefer set with no surviving members falls back to all candidates.
	co, err = m.Checkout(CheckoutRequest{
		SurfaceID: "openai-api", TenantID: "tenant-1", Prefer: []string{"missing"},
	})
	if err != nil {
		t.Fatalf("prefer fallback failed: %v", err)
	}
	m.Checkin(co.ID, true)
}

func TestFailedCheckinAppliesCooldown(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	m := testManager(t, clk)
	a := testAccount("a1", "openai-api")
	a.CooldownSeconds = 120
	if err := m.AddAccount(a); err != nil {
		t.Fatal(err)
	}

	co, err := m.Checkout(CheckoutRequest{SurfaceID: "openai-api", TenantID: "tenant-1"})
	if err != nil {
		t.Fatal(err)
	}
	m.Checkin(co.ID, false)

	if m.IsAvailable("a1") {
		t.Fatal("account must be in cooldown after failed checkin")
	}
	if _, err := m.Checkout(CheckoutRequest{SurfaceID: "openai-api", TenantID: "tenant-1"}); !errors.Is(err, ErrNoAccountAvailable) {
		t.Fatal("cooldown account must not be selectable")
	}

	clk.Advance(121 * time.Second)
	if !m.IsAvailable("a1") {
		t.Fatal("cooldown must lift after its deadline")
	}
}

func TestCleanupExpiredCheckouts(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	m := testManager(t, clk)
	if err := m.AddAccount(testAccount("a1", "openai-api")); err != nil {
		t.Fatal(err)
	}

	co, err := m.Checkout(CheckoutRequest{
		SurfaceID: "openai-api", TenantID: "tenant-1", SessionDuration: time.Minute,
	})
	if err != nil {
		t.Fatal(err)
	}

	if n := m.CleanupExpiredCheckouts(); n != 0 {
		t.Fatalf("premature cleanup expired %d", n)
	}

	clk.Advance(2 * time.Minute)
	if n := m.CleanupExpiredCheckouts(); n != 1 {
		t.Fatalf("cleanup expired %d, want 1", n)
	}
	if u := m.Usage("a1"); u.ActiveSessions != 0 {
		t.Fatalf("session slot not released: %+v", u)
	}
	// Idempotent, and the sweep already removed the lease.
	if n := m.CleanupExpiredCheckouts(); n != 0 {
		t.Fatal("second sweep must be a no-op")
	}
	if m.Checkin(co.ID, true) {
		t.Fatal("checkin after expiry sweep must report false")
	}
}

func TestSessionDurationCappedByMax(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	cfg := DefaultConfig()
	cfg.MaxCheckoutDuration = 10 * time.Minute
	m := NewManager(cfg, nopPersister{}, clk)
	if err := m.AddAccount(testAccount("a1", "openai-api")); err != nil {
		t.Fatal(err)
	}

	co, err := m.Checkout(CheckoutRequest{
		SurfaceID: "openai-api", TenantID: "tenant-1", SessionDuration: time.Hour,
	})
	if err != nil {
		t.Fatal(err)
	}
	want := clk.Now().Add(10 * time.Minute).UnixNano()
	if co.ExpiresAtNs != want {
		t.Fatalf("expiry = %d, want capped at %d", co.ExpiresAtNs, want)
	}
}

func TestReportHealthCheck(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	m := testManager(t, clk)
	if err := m.AddAccount(testAccount("a1", "openai-api")); err != nil {
		t.Fatal(err)
	}

	if err := m.ReportHealthCheck("a1", false, model.AccountInvalid, 5*time.Minute); err != nil {
		t.Fatal(err)
	}
	a, _ := m.GetAccount("a1")
	if a.Status != model.AccountInvalid || m.IsAvailable("a1") {
		t.Fatalf("unhealthy report not applied: %+v", a)
	}

	if err := m.ReportHealthCheck("a1", true, "", 0); err != nil {
		t.Fatal(err)
	}
	a, _ = m.GetAccount("a1")
	if a.Status != model.AccountActive || !m.IsAvailable("a1") {
		t.Fatal("healthy report must restore status and clear cooldown")
	}
}

func TestRestoreDropsExpiredCheckouts(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	m := testManager(t, clk)
	now := clk.Now()

	accounts := []model.Account{testAccount("a1", "openai-api")}
	usage := []model.AccountUsage{{AccountID: "a1", RequestCount: 10, ActiveSessions: 3}}
	checkouts := []model.Checkout{
		{ID: "live", AccountID: "a1", SurfaceID: "openai-api", TenantID: "tenant-1",
			CheckedOutAtNs: now.UnixNano(), ExpiresAtNs: now.Add(time.Hour).UnixNano()},
		{ID: "stale", AccountID: "a1", SurfaceID: "openai-api", TenantID: "tenant-1",
			CheckedOutAtNs: now.Add(-2 * time.Hour).UnixNano(), ExpiresAtNs: now.Add(-time.Hour).UnixNano()},
	}
	m.Restore(accounts, nil, nil, usage, checkouts)

	if got := m.GetActiveCheckouts(); len(got) != 1 || got[0].ID != "live" {
		t.Fatalf("restored checkouts = %+v", got)
	}
	// ActiveSessions recomputed from surviving leases, not the stale counter.
	if u := m.Usage("a1"); u.ActiveSessions != 1 || u.RequestCount != 10 {
		t.Fatalf("restored usage = %+v", u)
	}
}
