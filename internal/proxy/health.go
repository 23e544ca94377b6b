package proxy

import (
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	xproxy "golang.org/x/net/proxy"

	"github.com/benthamlabs/bentham/internal/clock"
	"github.com/benthamlabs/bentham/internal/model"
)

// HealthConfig tunes the passive EWMA tracker and the active prober.
type HealthConfig struct {
	EWMAAlpha           float64       // weight of the newest observation
	UnhealthyThreshold  int           // consecutive failures before marking unhealthy
	RecoveryThreshold   int           // consecutive successes before restoring
	HealthCheckInterval time.Duration // active probe cadence
	HealthCheckTimeout  time.Duration // per-probe dial timeout
	ProbeTarget         string        // host:port dialed through each proxy
}

// DefaultHealthConfig returns the tracker defaults.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		EWMAAlpha:           0.2,
		UnhealthyThreshold:  3,
		RecoveryThreshold:   2,
		HealthCheckInterval: 60 * time.Second,
		HealthCheckTimeout:  10 * time.Second,
		ProbeTarget:         "www.gstatic.com:443",
	}
}

// HealthPersister marks proxy health blocks dirty for the cache flush.
type HealthPersister interface {
	MarkProxyHealth(proxyID string)
	MarkProxyHealthDelete(proxyID string)
}

// HealthTracker owns per-proxy health state. Usage callbacks adjust the
// success-rate EWMA; consecutive-failure and recovery streaks flip the
// healthy bit.
type HealthTracker struct {
	cfg     HealthConfig
	persist HealthPersister
	clk     clock.Clock

	mu     sync.Mutex
	health map[string]*model.ProxyHealth

	// OnHealthChange fires outside the lock when a proxy flips state.
	OnHealthChange func(proxyID string, healthy bool)
}

// NewHealthTracker builds an empty tracker.
func NewHealthTracker(cfg HealthConfig, persist HealthPersister, clk clock.Clock) *HealthTracker {
	if clk == nil {
		clk = clock.System
	}
	return &HealthTracker{
		cfg:     cfg,
		persist: persist,
		clk:     clk,
		health:  make(map[string]*model.ProxyHealth),
	}
}

// Restore seeds health blocks from cache.db at startup.
func (t *HealthTracker) Restore(blocks []model.ProxyHealth) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, h := range blocks {
		cp := h
		t.health[h.ProxyID] = &cp
	}
}

// ReportUsage folds one request outcome into the proxy's health.
func (t *HealthTracker) ReportUsage(proxyID string, success bool) {
	t.report(proxyID, success, "")
}

func (t *HealthTracker) report(proxyID string, success bool, errMsg string) {
	var flipped *bool

	t.mu.Lock()
	h := t.healthLocked(proxyID)
	outcome := 0.0
	if success {
		outcome = 1.0
		h.ConsecutiveSuccesses++
		h.ConsecutiveFailures = 0
	} else {
		h.ConsecutiveFailures++
		h.ConsecutiveSuccesses = 0
		h.LastErrorMessage = errMsg
	}
	h.SuccessRate = t.cfg.EWMAAlpha*outcome + (1-t.cfg.EWMAAlpha)*h.SuccessRate

	switch {
	case h.Healthy && h.ConsecutiveFailures >= t.cfg.UnhealthyThreshold:
		h.Healthy = false
		v := false
		flipped = &v
	case !h.Healthy && h.ConsecutiveSuccesses >= t.cfg.RecoveryThreshold:
		h.Healthy = true
		v := true
		flipped = &v
	}
	cb := t.OnHealthChange
	t.mu.Unlock()

	if t.persist != nil {
		t.persist.MarkProxyHealth(proxyID)
	}
	if flipped != nil {
		log.Printf("[proxy] %s is now healthy=%v", proxyID, *flipped)
		if cb != nil {
			cb(proxyID, *flipped)
		}
	}
}

// Healthy reports the proxy's current health bit. Unknown proxies are
// considered healthy until proven otherwise.
func (t *HealthTracker) Healthy(proxyID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.health[proxyID]
	if !ok {
		return true
	}
	return h.Healthy
}

// Snapshot returns a copy of the proxy's health block.
func (t *HealthTracker) Snapshot(proxyID string) model.ProxyHealth {
	t.mu.Lock()
	defer t.mu.Unlock()
	return *t.healthLocked(proxyID)
}

// Forget drops a proxy's health state (deregistration).
func (t *HealthTracker) Forget(proxyID string) {
	t.mu.Lock()
	delete(t.health, proxyID)
	t.mu.Unlock()
	if t.persist != nil {
		t.persist.MarkProxyHealthDelete(proxyID)
	}
}

// ReadHealth is the flush-time reader for the proxy_health dirty set.
func (t *HealthTracker) ReadHealth(proxyID string) *model.ProxyHealth {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.health[proxyID]
	if !ok {
		return nil
	}
	cp := *h
	return &cp
}

func (t *HealthTracker) healthLocked(proxyID string) *model.ProxyHealth {
	h, ok := t.health[proxyID]
	if !ok {
		h = &model.ProxyHealth{ProxyID: proxyID, SuccessRate: 1.0, Healthy: true}
		t.health[proxyID] = h
	}
	return h
}

// ProbeFunc dials a target through one proxy and reports the round trip.
// The default implementation dials a SOCKS5 tunnel; tests stub it.
type ProbeFunc func(rec model.ProxyRecord, target string, timeout time.Duration) (time.Duration, error)

// SOCKS5Probe opens a TCP connection to target through the proxy's SOCKS5
// endpoint and reports the time to establish it.
func SOCKS5Probe(rec model.ProxyRecord, target string, timeout time.Duration) (time.Duration, error) {
	var auth *xproxy.Auth
	if rec.Username != "" {
		auth = &xproxy.Auth{User: rec.Username, Password: rec.Password}
	}
	dialer, err := xproxy.SOCKS5("tcp", net.JoinHostPort(rec.Host, strconv.Itoa(rec.Port)), auth, &net.Dialer{Timeout: timeout})
	if err != nil {
		return 0, err
	}
	start := time.Now()
	conn, err := dialer.Dial("tcp", target)
	if err != nil {
		return 0, err
	}
	conn.Close()
	return time.Since(start), nil
}

// Probe runs one active check against a proxy and folds the outcome into
// the tracker plus the latency table.
func (t *HealthTracker) Probe(rec model.ProxyRecord, probe ProbeFunc, latency *LatencyTable) {
	rtt, err := probe(rec, t.cfg.ProbeTarget, t.cfg.HealthCheckTimeout)

	t.mu.Lock()
	t.healthLocked(rec.ID).LastProbeAtNs = t.clk.Now().UnixNano()
	t.mu.Unlock()

	if err != nil {
		t.report(rec.ID, false, err.Error())
		return
	}
	t.report(rec.ID, true, "")
	if latency != nil {
		latency.Update(rec.ID, rtt, 5*time.Minute)
	}
}
