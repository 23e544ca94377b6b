package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/benthamlabs/bentham/internal/account"
	"github.com/benthamlabs/bentham/internal/config"
	"github.com/benthamlabs/bentham/internal/proxy"
)

// defaultMaxBodyBytes bounds manifest uploads and mutation bodies.
const defaultMaxBodyBytes = 4 << 20

// Server wraps the HTTP server and mux for the Bentham control API.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates an API server wired with all routes. accounts, proxies,
// and geo may be nil when the corresponding subsystem is disabled.
func NewServer(
	listenAddress string,
	port int,
	apiToken string,
	runtimeCfg *atomic.Pointer[config.RuntimeConfig],
	sr *StudyRunner,
	accounts *account.Manager,
	proxies *proxy.Manager,
	geo *proxy.GeoService,
) *Server {
	mux := http.NewServeMux()

	// Public (no auth)
	mux.Handle("GET /healthz", HandleHealthz())

	// Authenticated routes
	authed := http.NewServeMux()
	authed.Handle("GET /api/v1/system/info", HandleSystemInfo(CurrentSystemInfo()))
	authed.Handle("GET /api/v1/system/config", HandleSystemConfig(runtimeCfg))
	authed.Handle("GET /api/v1/system/config/default", HandleSystemDefaultConfig())
	if runtimeCfg != nil {
		authed.Handle("PATCH /api/v1/system/config", HandlePatchSystemConfig(runtimeCfg))
	}

	if sr != nil {
		authed.Handle("POST /api/v1/studies", HandleCreateStudy(sr))
		authed.Handle("GET /api/v1/studies", HandleListStudies(sr))
		authed.Handle("GET /api/v1/studies/{id}", HandleGetStudy(sr))
		authed.Handle("GET /api/v1/studies/{id}/progress", HandleStudyProgress(sr))
		authed.Handle("GET /api/v1/studies/{id}/deadline", HandleStudyDeadline(sr))
		authed.Handle("GET /api/v1/studies/{id}/jobs", HandleListJobs(sr))
		authed.Handle("POST /api/v1/studies/{id}/actions/pause", HandlePauseStudy(sr))
		authed.Handle("POST /api/v1/studies/{id}/actions/resume", HandleResumeStudy(sr))
		authed.Handle("POST /api/v1/studies/{id}/actions/cancel", HandleCancelStudy(sr))
		authed.Handle("POST /api/v1/studies/{id}/actions/checkpoint", HandleCreateStudyCheckpoint(sr))
		authed.Handle("GET /api/v1/studies/{id}/checkpoint", HandleGetStudyCheckpoint(sr))
		authed.Handle("DELETE /api/v1/studies/{id}/checkpoint", HandleDeleteStudyCheckpoint(sr))
		authed.Handle("GET /api/v1/validation/stats", HandleValidationStats(sr))
	}

	if accounts != nil {
		authed.Handle("GET /api/v1/accounts", HandleListAccounts(accounts))
		authed.Handle("POST /api/v1/accounts", HandleCreateAccount(accounts))
		authed.Handle("GET /api/v1/accounts/{id}", HandleGetAccount(accounts))
		authed.Handle("PUT /api/v1/accounts/{id}", HandleUpdateAccount(accounts))
		authed.Handle("DELETE /api/v1/accounts/{id}", HandleDeleteAccount(accounts))
		authed.Handle("POST /api/v1/accounts/{id}/actions/set-status", HandleSetAccountStatus(accounts))
		authed.Handle("POST /api/v1/accounts/{id}/actions/set-enabled", HandleSetAccountEnabled(accounts))
		authed.Handle("GET /api/v1/accounts/{id}/usage", HandleAccountUsage(accounts))

		authed.Handle("POST /api/v1/account-pools", HandleCreateAccountPool(accounts))
		authed.Handle("GET /api/v1/account-pools/{id}", HandleGetAccountPool(accounts))
		authed.Handle("DELETE /api/v1/account-pools/{id}", HandleDeleteAccountPool(accounts))
		authed.Handle("POST /api/v1/account-pools/{id}/members", HandleAddPoolMember(accounts))
		authed.Handle("DELETE /api/v1/account-pools/{id}/members/{account}", HandleRemovePoolMember(accounts))

		authed.Handle("GET /api/v1/checkouts", HandleListCheckouts(accounts))
		authed.Handle("POST /api/v1/checkouts/actions/cleanup", HandleCleanupCheckouts(accounts))
	}

	if proxies != nil {
		authed.Handle("GET /api/v1/proxies", HandleListProxies(proxies))
		authed.Handle("GET /api/v1/proxies/{id}/health", HandleProxyHealth(proxies))
		authed.Handle("POST /api/v1/proxy-pools", HandleCreateProxyPool(proxies))
		authed.Handle("DELETE /api/v1/proxy-pools/{id}", HandleDeleteProxyPool(proxies))
		authed.Handle("POST /api/v1/proxy-sessions/actions/cleanup", HandleCleanupProxySessions(proxies))
	}

	if geo != nil {
		authed.Handle("GET /api/v1/geo/status", HandleGeoStatus(geo))
		authed.Handle("GET /api/v1/geo/lookup", HandleGeoLookup(geo))
		authed.Handle("POST /api/v1/geo/actions/reload", HandleGeoReload(geo))
	}

	limitedAuthed := RequestBodyLimitMiddleware(defaultMaxBodyBytes, authed)
	mux.Handle("/api/", AuthMiddleware(apiToken, limitedAuthed))

	srv := &http.Server{
		Addr:    net.JoinHostPort(listenAddress, strconv.Itoa(port)),
		Handler: mux,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
	}
}

// ListenAndServe starts the HTTP server. It blocks until the server stops.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.mux
}
