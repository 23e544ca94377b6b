package state

import (
	"reflect"
	"testing"
	"time"

	"github.com/benthamlabs/bentham/internal/model"
)

func testEngine(t *testing.T) *StateEngine {
	t.Helper()
	engine, closer, err := PersistenceBootstrap(t.TempDir())
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	t.Cleanup(func() { closer.Close() })
	return engine
}

func TestBootstrapIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 2; i++ {
		engine, closer, err := PersistenceBootstrap(dir)
		if err != nil {
			t.Fatalf("bootstrap #%d: %v", i+1, err)
		}
		if engine == nil {
			t.Fatal("nil engine")
		}
		closer.Close()
	}
}

func TestAccountRoundTrip(t *testing.T) {
	engine := testEngine(t)
	now := time.Now().UnixNano()

	a := model.Account{
		ID:        "acc-1",
		SurfaceID: "chatgpt-web",
		TenantID:  "tenant-1",
		Identifier: "alice@example.com",
		Name:       "alice",
		Credentials: []model.AccountCredential{
			{Type: "session_cookie", Value: "cred-1"},
		},
		Status:          model.AccountActive,
		Enabled:         true,
		MaxConcurrent:   2,
		CooldownSeconds: 300,
		CreatedAtNs:     now,
		UpdatedAtNs:     now,
	}
	if err := engine.UpsertAccount(a); err != nil {
		t.Fatal(err)
	}

	got, err := engine.ListAccounts()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || !reflect.DeepEqual(got[0], a) {
		t.Fatalf("round trip mismatch:\nsaved:  %+v\nloaded: %+v", a, got)
	}

	a.Status = model.AccountSuspended
	a.UpdatedAtNs = now + 1
	if err := engine.UpsertAccount(a); err != nil {
		t.Fatal(err)
	}
	got, _ = engine.ListAccounts()
	if len(got) != 1 || got[0].Status != model.AccountSuspended {
		t.Fatalf("upsert did not update: %+v", got)
	}

	if err := engine.DeleteAccount("acc-1"); err != nil {
		t.Fatal(err)
	}
	got, _ = engine.ListAccounts()
	if len(got) != 0 {
		t.Fatalf("delete left rows: %+v", got)
	}
}

func TestPoolMembership(t *testing.T) {
	engine := testEngine(t)
	now := time.Now().UnixNano()

	if err := engine.UpsertPool(model.AccountPool{ID: "pool-1", SurfaceID: "chatgpt-web", Name: "primary", UpdatedAtNs: now}); err != nil {
		t.Fatal(err)
	}
	if err := engine.AddPoolMember("pool-1", "acc-1"); err != nil {
		t.Fatal(err)
	}
	// Duplicate add is a no-op.
	if err := engine.AddPoolMember("pool-1", "acc-1"); err != nil {
		t.Fatal(err)
	}

	members, err := engine.ListPoolMembers()
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 1 {
		t.Fatalf("members = %+v", members)
	}

	if err := engine.DeletePool("pool-1"); err != nil {
		t.Fatal(err)
	}
	members, _ = engine.ListPoolMembers()
	if len(members) != 0 {
		t.Fatal("pool delete must cascade to members")
	}
	pools, _ := engine.ListPools()
	if len(pools) != 0 {
		t.Fatal("pool row not deleted")
	}
}

func TestProxyRoundTrip(t *testing.T) {
	engine := testEngine(t)
	p := model.ProxyRecord{
		ID:          "px-1",
		ProviderID:  "static",
		LocationID:  "us-east",
		Type:        "datacenter",
		Host:        "198.51.100.10",
		Port:        1080,
		Username:    "user",
		Password:    "pass",
		Enabled:     true,
		UpdatedAtNs: time.Now().UnixNano(),
	}
	if err := engine.UpsertProxy(p); err != nil {
		t.Fatal(err)
	}
	got, err := engine.ListProxies()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || !reflect.DeepEqual(got[0], p) {
		t.Fatalf("proxy round trip: %+v", got)
	}
}

func TestDirtySetDrainAndMerge(t *testing.T) {
	d := NewDirtySet[string]()
	d.MarkUpsert("a")
	d.MarkDelete("b")
	if d.Len() != 2 {
		t.Fatalf("len = %d", d.Len())
	}

	drained := d.Drain()
	if d.Len() != 0 || len(drained) != 2 {
		t.Fatalf("drain: live=%d snapshot=%d", d.Len(), len(drained))
	}

	// A newer mark wins over the re-merged snapshot.
	d.MarkUpsert("b")
	d.Merge(drained)
	snap := d.Drain()
	if snap["b"] != OpUpsert {
		t.Fatalf("merge clobbered newer mark: %v", snap)
	}
	if snap["a"] != OpUpsert {
		t.Fatalf("merge lost undirtied key: %v", snap)
	}
}

func TestFlushDirtySetsWritesAndDeletes(t *testing.T) {
	engine := testEngine(t)
	now := time.Now().UnixNano()

	usage := map[string]*model.AccountUsage{
		"acc-1": {AccountID: "acc-1", RequestCount: 5, SuccessCount: 4, FailedCount: 1, ActiveSessions: 1, LastUsedAtNs: now},
	}
	checkout := &model.Checkout{
		ID: "co-1", AccountID: "acc-1", SurfaceID: "chatgpt-web", TenantID: "tenant-1",
		CheckedOutAtNs: now, ExpiresAtNs: now + int64(time.Hour),
	}
	session := &model.ProxySession{
		ProxyID: "px-1", Target: "chatgpt-web", SessionID: "sess-1",
		CreatedAtNs: now, ExpiresAtNs: now + int64(10*time.Minute), LastAccessNs: now,
	}
	health := &model.ProxyHealth{ProxyID: "px-1", SuccessRate: 0.92, Healthy: true, LastProbeAtNs: now}

	readers := CacheReaders{
		ReadAccountUsage: func(id string) *model.AccountUsage { return usage[id] },
		ReadCheckout: func(id string) *model.Checkout {
			if id == checkout.ID {
				return checkout
			}
			return nil
		},
		ReadProxySession: func(k model.ProxySessionKey) *model.ProxySession {
			if k == session.Key() {
				return session
			}
			return nil
		},
		ReadProxyHealth: func(id string) *model.ProxyHealth {
			if id == health.ProxyID {
				return health
			}
			return nil
		},
	}

	engine.MarkAccountUsage("acc-1")
	engine.MarkCheckout("co-1")
	engine.MarkProxySession("px-1", "chatgpt-web")
	engine.MarkProxyHealth("px-1")
	if engine.DirtyCount() != 4 {
		t.Fatalf("dirty count = %d", engine.DirtyCount())
	}

	if err := engine.FlushDirtySets(readers); err != nil {
		t.Fatal(err)
	}
	if engine.DirtyCount() != 0 {
		t.Fatal("flush must clear dirty sets")
	}

	gotUsage, err := engine.LoadAllAccountUsage()
	if err != nil || len(gotUsage) != 1 || gotUsage[0].RequestCount != 5 {
		t.Fatalf("usage = %+v (%v)", gotUsage, err)
	}
	gotCheckouts, _ := engine.LoadAllCheckouts()
	if len(gotCheckouts) != 1 || gotCheckouts[0].ID != "co-1" {
		t.Fatalf("checkouts = %+v", gotCheckouts)
	}
	gotSessions, _ := engine.LoadAllProxySessions()
	if len(gotSessions) != 1 || gotSessions[0].SessionID != "sess-1" {
		t.Fatalf("sessions = %+v", gotSessions)
	}
	gotHealth, _ := engine.LoadAllProxyHealth()
	if len(gotHealth) != 1 || !gotHealth[0].Healthy {
		t.Fatalf("health = %+v", gotHealth)
	}

	// An upsert whose record vanished between mark and flush becomes a delete.
	engine.MarkCheckout("co-1")
	delete(usage, "acc-1")
	engine.MarkAccountUsage("acc-1")
	readers.ReadCheckout = func(string) *model.Checkout { return nil }
	if err := engine.FlushDirtySets(readers); err != nil {
		t.Fatal(err)
	}
	gotCheckouts, _ = engine.LoadAllCheckouts()
	if len(gotCheckouts) != 0 {
		t.Fatalf("vanished checkout should delete, got %+v", gotCheckouts)
	}
	gotUsage, _ = engine.LoadAllAccountUsage()
	if len(gotUsage) != 0 {
		t.Fatalf("vanished usage should delete, got %+v", gotUsage)
	}
}

func TestFlushWorkerFinalFlushOnStop(t *testing.T) {
	engine := testEngine(t)
	u := &model.AccountUsage{AccountID: "acc-9", RequestCount: 1}
	readers := CacheReaders{
		ReadAccountUsage: func(string) *model.AccountUsage { return u },
		ReadCheckout:     func(string) *model.Checkout { return nil },
		ReadProxySession: func(model.ProxySessionKey) *model.ProxySession { return nil },
		ReadProxyHealth:  func(string) *model.ProxyHealth { return nil },
	}

	worker := NewCacheFlushWorker(engine, readers,
		func() int { return 1000 },
		func() time.Duration { return time.Hour },
		10*time.Millisecond)
	worker.Start()
	engine.MarkAccountUsage("acc-9")
	worker.Stop()

	got, err := engine.LoadAllAccountUsage()
	if err != nil || len(got) != 1 {
		t.Fatalf("final flush missing: %+v (%v)", got, err)
	}
}
