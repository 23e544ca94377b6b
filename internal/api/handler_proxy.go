package api

import (
	"net/http"
	"net/netip"

	"github.com/benthamlabs/bentham/internal/model"
	"github.com/benthamlabs/bentham/internal/proxy"
)

// proxyListEntry is a proxy record with the credential stripped and its
// current health attached.
type proxyListEntry struct {
	model.ProxyRecord
	Health *model.ProxyHealth `json:"health,omitempty"`
}

// HandleListProxies returns a handler for GET /api/v1/proxies.
func HandleListProxies(m *proxy.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pg, ok := parsePaginationOrWriteInvalid(w, r)
		if !ok {
			return
		}
		records := m.ListRecords()
		entries := make([]proxyListEntry, 0, len(records))
		for _, rec := range records {
			rec.Password = ""
			entries = append(entries, proxyListEntry{
				ProxyRecord: rec,
				Health:      m.Health.ReadHealth(rec.ID),
			})
		}
		WritePage(w, http.StatusOK, entries, pg)
	}
}

// HandleProxyHealth returns a handler for GET /api/v1/proxies/{id}/health.
func HandleProxyHealth(m *proxy.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requirePathParam(w, r, "id")
		if !ok {
			return
		}
		h := m.Health.ReadHealth(id)
		if h == nil {
			WriteError(w, http.StatusNotFound, "NOT_FOUND", "no health record for proxy "+id)
			return
		}
		WriteJSON(w, http.StatusOK, h)
	}
}

type createProxyPoolRequest struct {
	ID                string   `json:"id"`
	Rotation          string   `json:"rotation"`
	Locations         []string `json:"locations,omitempty"`
	MinHealthyProxies int      `json:"minHealthyProxies,omitempty"`
	ProxyIDs          []string `json:"proxyIds"`
}

// HandleCreateProxyPool returns a handler for POST /api/v1/proxy-pools.
// The named proxies must already exist on a provider.
func HandleCreateProxyPool(m *proxy.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createProxyPoolRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		byID := make(map[string]model.ProxyRecord)
		for _, rec := range m.ListRecords() {
			byID[rec.ID] = rec
		}
		records := make([]model.ProxyRecord, 0, len(req.ProxyIDs))
		for _, id := range req.ProxyIDs {
			rec, ok := byID[id]
			if !ok {
				writeInvalidRequest(w, "unknown proxy "+id)
				return
			}
			records = append(records, rec)
		}
		err := m.AddPool(proxy.PoolConfig{
			ID:                req.ID,
			Rotation:          proxy.RotationStrategy(req.Rotation),
			Locations:         req.Locations,
			MinHealthyProxies: req.MinHealthyProxies,
		}, records)
		if err != nil {
			writeInvalidRequest(w, err.Error())
			return
		}
		WriteJSON(w, http.StatusCreated, map[string]string{"id": req.ID})
	}
}

// HandleDeleteProxyPool returns a handler for DELETE /api/v1/proxy-pools/{id}.
func HandleDeleteProxyPool(m *proxy.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requirePathParam(w, r, "id")
		if !ok {
			return
		}
		m.RemovePool(id)
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleCleanupProxySessions returns a handler for
// POST /api/v1/proxy-sessions/actions/cleanup.
func HandleCleanupProxySessions(m *proxy.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := m.CleanupExpiredSessions()
		WriteJSON(w, http.StatusOK, map[string]int{"removed": n})
	}
}

// geoStatusResponse reports the loaded geo database state.
type geoStatusResponse struct {
	Loaded   bool   `json:"loaded"`
	LoadedAt string `json:"loadedAt,omitempty"`
}

// HandleGeoStatus returns a handler for GET /api/v1/geo/status.
func HandleGeoStatus(g *proxy.GeoService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := geoStatusResponse{}
		if t := g.LoadedAt(); !t.IsZero() {
			resp.Loaded = true
			resp.LoadedAt = t.UTC().Format("2006-01-02T15:04:05Z07:00")
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

// HandleGeoLookup returns a handler for GET /api/v1/geo/lookup?ip=1.2.3.4.
func HandleGeoLookup(g *proxy.GeoService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := r.URL.Query().Get("ip")
		ip, err := netip.ParseAddr(raw)
		if err != nil {
			writeInvalidRequest(w, "ip: must be a valid IP address")
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{
			"ip":      ip.String(),
			"country": g.Lookup(ip),
		})
	}
}

// HandleGeoReload returns a handler for POST /api/v1/geo/actions/reload.
func HandleGeoReload(g *proxy.GeoService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := g.Reload(); err != nil {
			WriteError(w, http.StatusInternalServerError, "GEO_RELOAD_FAILED", err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
