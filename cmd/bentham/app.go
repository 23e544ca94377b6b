package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/benthamlabs/bentham/internal/account"
	"github.com/benthamlabs/bentham/internal/api"
	"github.com/benthamlabs/bentham/internal/checkpoint"
	"github.com/benthamlabs/bentham/internal/config"
	"github.com/benthamlabs/bentham/internal/credpool"
	"github.com/benthamlabs/bentham/internal/manifest"
	"github.com/benthamlabs/bentham/internal/orchestrator"
	"github.com/benthamlabs/bentham/internal/proxy"
	"github.com/benthamlabs/bentham/internal/state"
	"github.com/benthamlabs/bentham/internal/surface"
	"github.com/benthamlabs/bentham/internal/sweep"
	"github.com/benthamlabs/bentham/internal/vault"
)

type benthamApp struct {
	envCfg        *config.EnvConfig
	runtimeCfg    *atomic.Pointer[config.RuntimeConfig]
	configVersion int
	engine        *state.StateEngine

	accounts *account.Manager
	proxies  *proxy.Manager
	geoSvc   *proxy.GeoService
	creds    *credpool.Manager
	registry *surface.Registry
	store    *checkpoint.FileStore
	orch     *orchestrator.Orchestrator
	runner   *api.StudyRunner

	flushWorker     *state.CacheFlushWorker
	checkoutSweeper *sweep.Runner
	apiSrv          *api.Server

	// execCancel tears down the base context all study execution loops
	// inherit. Cancelled during shutdown after the orchestrator drains.
	execCancel context.CancelFunc
}

func run() error {
	envCfg, err := config.LoadEnvConfig()
	if err != nil {
		return err
	}

	engine, dbCloser, err := state.PersistenceBootstrap(envCfg.DataDir)
	if err != nil {
		return fmt.Errorf("persistence bootstrap: %w", err)
	}
	log.Println("Persistence bootstrap complete")

	app, err := newBenthamApp(envCfg, engine)
	if err != nil {
		_ = dbCloser.Close()
		return err
	}

	serverErrCh := app.startServers()
	runtimeErr := waitForShutdown(serverErrCh)

	ctx, cancel := context.WithTimeout(context.Background(), envCfg.ShutdownGrace)
	defer cancel()
	app.shutdown(ctx)

	if err := dbCloser.Close(); err != nil {
		log.Printf("Persistence close error: %v", err)
	}
	if runtimeErr != nil {
		return fmt.Errorf("runtime server error: %w", runtimeErr)
	}
	return nil
}

func newBenthamApp(envCfg *config.EnvConfig, engine *state.StateEngine) (*benthamApp, error) {
	app := &benthamApp{
		envCfg:     envCfg,
		runtimeCfg: &atomic.Pointer[config.RuntimeConfig]{},
		engine:     engine,
	}
	cfg, version, stored := loadRuntimeConfig(engine)
	if !stored {
		// First boot: environment values seed the hot-reloadable config.
		cfg.StrictValidation = envCfg.StrictValidation
		cfg.CacheFlushInterval = config.Duration(envCfg.CacheFlushInterval)
		cfg.CacheFlushDirtyThreshold = envCfg.CacheFlushDirtyThreshold
		cfg.ProbeTimeout = config.Duration(envCfg.ProbeTimeout)
	}
	app.runtimeCfg.Store(cfg)
	app.configVersion = version

	backend, err := buildVaultBackend(envCfg)
	if err != nil {
		return nil, err
	}
	app.creds = credpool.NewManager(backend, credpool.DefaultConfig(), nil, nil, nil)

	if err := app.buildManagers(engine); err != nil {
		return nil, err
	}
	if err := app.buildOrchestrator(engine); err != nil {
		return nil, err
	}
	app.buildAPIServer()

	app.startBackgroundServices()
	return app, nil
}

// loadRuntimeConfig overlays the persisted system config, if any, on the
// defaults. A corrupt stored document falls back to defaults rather than
// refusing to boot.
func loadRuntimeConfig(engine *state.StateEngine) (*config.RuntimeConfig, int, bool) {
	cfg := config.NewDefaultRuntimeConfig()
	raw, version, err := engine.GetSystemConfig()
	if err != nil {
		log.Printf("Warning: load system config: %v", err)
		return cfg, 0, false
	}
	if len(raw) == 0 {
		return cfg, 0, false
	}
	if err := json.Unmarshal(raw, cfg); err != nil {
		log.Printf("Warning: stored system config invalid, using defaults: %v", err)
		return config.NewDefaultRuntimeConfig(), version, false
	}
	log.Printf("Loaded system config version %d", version)
	return cfg, version, true
}

// buildVaultBackend selects the credential backend: an encrypted file vault
// when BENTHAM_VAULT_PATH is set, environment variables otherwise.
func buildVaultBackend(envCfg *config.EnvConfig) (vault.Backend, error) {
	if envCfg.VaultPath != "" {
		b, err := vault.NewFileBackend(envCfg.VaultPath, envCfg.VaultPassword)
		if err != nil {
			return nil, fmt.Errorf("open credential vault %s: %w", envCfg.VaultPath, err)
		}
		log.Printf("Credential vault loaded from %s (%d credentials)", envCfg.VaultPath, len(b.List()))
		return b, nil
	}
	b := vault.NewEnvBackend(envCfg.CredEnvPrefix)
	log.Printf("Credential backend: environment (prefix %s_, %d credentials)", envCfg.CredEnvPrefix, len(b.List()))
	return b, nil
}

func (a *benthamApp) buildManagers(engine *state.StateEngine) error {
	rc := a.runtimeCfg.Load()

	// Accounts restore from state.db (identity) and cache.db (usage, leases).
	a.accounts = account.NewManager(account.DefaultConfig(), engine, nil)
	accts, err := engine.ListAccounts()
	if err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}
	pools, err := engine.ListPools()
	if err != nil {
		return fmt.Errorf("load account pools: %w", err)
	}
	members, err := engine.ListPoolMembers()
	if err != nil {
		return fmt.Errorf("load pool members: %w", err)
	}
	usage, err := engine.LoadAllAccountUsage()
	if err != nil {
		log.Printf("Warning: load account usage: %v", err)
	}
	checkouts, err := engine.LoadAllCheckouts()
	if err != nil {
		log.Printf("Warning: load checkouts: %v", err)
	}
	a.accounts.Restore(accts, pools, members, usage, checkouts)
	log.Printf("Restored %d accounts, %d pools, %d checkouts", len(accts), len(pools), len(checkouts))

	// Proxies: the static provider serves whatever the operator registered.
	records, err := engine.ListProxies()
	if err != nil {
		return fmt.Errorf("load proxies: %w", err)
	}
	provider := proxy.NewStaticProvider("static", 0, 0, records)
	proxyCfg := proxy.DefaultManagerConfig()
	proxyCfg.DefaultStickyDuration = rc.DefaultSessionDuration.Std()
	proxyCfg.Health.HealthCheckInterval = rc.ProbeInterval.Std()
	proxyCfg.Health.HealthCheckTimeout = a.envCfg.ProbeTimeout
	a.proxies = proxy.NewManager(proxyCfg, engine, engine, nil, provider)

	sessions, err := engine.LoadAllProxySessions()
	if err != nil {
		log.Printf("Warning: load proxy sessions: %v", err)
	} else {
		a.proxies.RestoreSessions(sessions)
	}
	health, err := engine.LoadAllProxyHealth()
	if err != nil {
		log.Printf("Warning: load proxy health: %v", err)
	} else {
		a.proxies.Health.Restore(health)
	}
	log.Printf("Restored %d proxies, %d sticky sessions", len(records), len(sessions))

	a.geoSvc = proxy.NewGeoService(proxy.GeoServiceConfig{
		DBPath:         a.envCfg.GeoDBPath,
		ReloadSchedule: a.envCfg.GeoReloadSchedule,
	})

	a.flushWorker = state.NewCacheFlushWorker(
		engine,
		state.CacheReaders{
			ReadAccountUsage: a.accounts.ReadUsage,
			ReadCheckout:     a.accounts.ReadCheckout,
			ReadProxySession: a.proxies.ReadSession,
			ReadProxyHealth:  a.proxies.Health.ReadHealth,
		},
		func() int { return a.runtimeCfg.Load().CacheFlushDirtyThreshold },
		func() time.Duration { return a.runtimeCfg.Load().CacheFlushInterval.Std() },
		5*time.Second, // check tick
	)

	sweepInterval := rc.CheckoutSweepInterval.Std()
	a.checkoutSweeper = sweep.NewRunner(sweepInterval, sweepInterval/4, func() {
		if n := a.accounts.CleanupExpiredCheckouts(); n > 0 {
			log.Printf("[sweep] reclaimed %d expired checkouts", n)
		}
	})
	return nil
}

func (a *benthamApp) buildOrchestrator(engine *state.StateEngine) error {
	rc := a.runtimeCfg.Load()

	store, err := checkpoint.NewFileStore(a.envCfg.CheckpointDir)
	if err != nil {
		return err
	}
	a.store = store

	a.registry = surface.NewRegistry()
	registerSurfaceAdapters(a.registry)
	if ids := a.registry.IDs(); len(ids) == 0 {
		log.Println("Warning: no surface adapters registered, studies cannot execute")
	} else {
		log.Printf("Surface adapters registered: %v", ids)
	}

	a.orch = orchestrator.New(orchestrator.Config{
		SafetyMargin:     a.envCfg.DefaultSafetyMargin,
		StrictValidation: rc.StrictValidation,
		RateWindow:       rc.DeadlineRateWindow.Std(),
		PollInterval:     rc.DispatchPoll.Std(),
		ShutdownGrace:    a.envCfg.ShutdownGrace,
	}, a.registry, a.store, nil)
	a.orch.SetAccountSource(a.accounts)
	a.orch.SetProxySource(a.proxies)
	a.orch.SetCredentialSource(a.creds)

	// Location constraints are validated against the static provider's
	// catalog; an empty catalog accepts anything so a proxyless deployment
	// still runs location-tagged manifests direct.
	hasLocation := func(id string) bool {
		locs := a.proxies.AvailableLocations()
		if len(locs) == 0 {
			return true
		}
		return a.proxies.SupportsLocation(id)
	}
	registries := manifest.Registries{
		HasSurface:  a.registry.Has,
		HasLocation: hasLocation,
	}

	execCtx, cancel := context.WithCancel(context.Background())
	a.execCancel = cancel
	a.runner = api.NewStudyRunner(a.orch, registries, a.store, execCtx)
	return nil
}

// registerSurfaceAdapters is the compile-time hook where deployment builds
// register their surface adapters. The open-source tree ships none.
func registerSurfaceAdapters(reg *surface.Registry) {
	for _, a := range surface.BuiltinAdapters() {
		if err := reg.Register(a); err != nil {
			log.Printf("Warning: register surface adapter %s: %v", a.ID(), err)
		}
	}
}

func (a *benthamApp) buildAPIServer() {
	a.apiSrv = api.NewServer(
		a.envCfg.ListenAddress,
		a.envCfg.APIPort,
		a.envCfg.APIToken,
		a.runtimeCfg,
		a.runner,
		a.accounts,
		a.proxies,
		a.geoSvc,
	)
}

func (a *benthamApp) startBackgroundServices() {
	a.flushWorker.Start()
	log.Println("Cache flush worker started")

	if err := a.geoSvc.Start(); err != nil {
		log.Printf("Warning: geo service start: %v (location verification disabled until reload)", err)
	} else {
		log.Println("Geo service started")
	}

	a.proxies.StartProber()
	log.Println("Proxy health prober started")

	a.checkoutSweeper.Start()
	log.Println("Checkout sweeper started")

	if ids, err := a.store.List(); err != nil {
		log.Printf("Warning: list checkpoints: %v", err)
	} else if len(ids) > 0 {
		log.Printf("Found %d saved checkpoints: %v (re-submit the matching manifest to resume)", len(ids), ids)
	}
}

func (a *benthamApp) startServers() <-chan error {
	serverErrCh := make(chan error, 1)

	go func() {
		log.Printf("Bentham API server starting on %s", formatListenURL(a.envCfg.ListenAddress, a.envCfg.APIPort))
		err := a.apiSrv.ListenAndServe()
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return
		}
		select {
		case serverErrCh <- fmt.Errorf("api server: %w", err):
		default:
		}
	}()

	return serverErrCh
}

func waitForShutdown(serverErrCh <-chan error) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		log.Printf("Received signal %s, shutting down...", sig)
		return nil
	case err := <-serverErrCh:
		log.Printf("Received server runtime error (%v), shutting down...", err)
		return err
	}
}

func formatListenURL(listenAddress string, port int) string {
	return "http://" + net.JoinHostPort(listenAddress, strconv.Itoa(port))
}

func (a *benthamApp) shutdown(ctx context.Context) {
	// 1. Stop intake: no new studies or mutations past this point.
	if err := a.apiSrv.Shutdown(ctx); err != nil {
		log.Printf("API server shutdown error: %v", err)
	}
	log.Println("API server stopped")

	// 2. Drain the orchestrator. Shutdown cancels each study's dispatch
	// loop, waits out the grace window, and flushes checkpoints.
	a.orch.Shutdown()
	a.execCancel()

	// 3. Stop remaining event sources.
	a.checkoutSweeper.Stop()
	log.Println("Checkout sweeper stopped")

	a.proxies.StopProber()
	log.Println("Proxy health prober stopped")

	a.geoSvc.Stop()
	log.Println("Geo service stopped")

	a.saveSystemConfig()

	a.flushWorker.Stop() // final cache flush before DB close
	log.Println("Server stopped")
}

func (a *benthamApp) saveSystemConfig() {
	raw, err := json.Marshal(a.runtimeCfg.Load())
	if err != nil {
		log.Printf("System config marshal error: %v", err)
		return
	}
	if err := a.engine.SaveSystemConfig(raw, a.configVersion+1, time.Now().UnixNano()); err != nil {
		log.Printf("System config save error: %v", err)
		return
	}
	log.Printf("System config saved (version %d)", a.configVersion+1)
}
