package api

import (
	"errors"
	"net/http"

	"github.com/benthamlabs/bentham/internal/account"
	"github.com/benthamlabs/bentham/internal/model"
)

func writeAccountError(w http.ResponseWriter, err error) {
	if errors.Is(err, account.ErrNotFound) {
		WriteError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
		return
	}
	if errors.Is(err, account.ErrNoAccountAvailable) {
		WriteError(w, http.StatusConflict, "NO_ACCOUNT_AVAILABLE", err.Error())
		return
	}
	writeInvalidRequest(w, err.Error())
}

// HandleListAccounts returns a handler for GET /api/v1/accounts.
// Optional surface_id and tenant_id query parameters narrow the listing.
func HandleListAccounts(m *account.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var accounts []model.Account
		switch {
		case r.URL.Query().Get("surface_id") != "":
			accounts = m.GetSurfaceAccounts(r.URL.Query().Get("surface_id"))
		case r.URL.Query().Get("tenant_id") != "":
			accounts = m.GetTenantAccounts(r.URL.Query().Get("tenant_id"))
		default:
			accounts = m.GetAllAccounts()
		}
		pg, ok := parsePaginationOrWriteInvalid(w, r)
		if !ok {
			return
		}
		WritePage(w, http.StatusOK, accounts, pg)
	}
}

// HandleCreateAccount returns a handler for POST /api/v1/accounts.
func HandleCreateAccount(m *account.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var a model.Account
		if err := DecodeBody(r, &a); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		if a.Status == "" {
			a.Status = model.AccountActive
		}
		if err := m.AddAccount(a); err != nil {
			writeAccountError(w, err)
			return
		}
		created, _ := m.GetAccount(a.ID)
		WriteJSON(w, http.StatusCreated, created)
	}
}

// HandleGetAccount returns a handler for GET /api/v1/accounts/{id}.
func HandleGetAccount(m *account.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requirePathParam(w, r, "id")
		if !ok {
			return
		}
		a, found := m.GetAccount(id)
		if !found {
			WriteError(w, http.StatusNotFound, "NOT_FOUND", "account "+id+" not found")
			return
		}
		WriteJSON(w, http.StatusOK, a)
	}
}

// HandleUpdateAccount returns a handler for PUT /api/v1/accounts/{id}.
func HandleUpdateAccount(m *account.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requirePathParam(w, r, "id")
		if !ok {
			return
		}
		var a model.Account
		if err := DecodeBody(r, &a); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		a.ID = id
		if err := m.UpdateAccount(a); err != nil {
			writeAccountError(w, err)
			return
		}
		updated, _ := m.GetAccount(id)
		WriteJSON(w, http.StatusOK, updated)
	}
}

// HandleDeleteAccount returns a handler for DELETE /api/v1/accounts/{id}.
func HandleDeleteAccount(m *account.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requirePathParam(w, r, "id")
		if !ok {
			return
		}
		if err := m.RemoveAccount(id); err != nil {
			writeAccountError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type setStatusRequest struct {
	Status model.AccountStatus `json:"status"`
}

// HandleSetAccountStatus returns a handler for
// POST /api/v1/accounts/{id}/actions/set-status.
func HandleSetAccountStatus(m *account.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requirePathParam(w, r, "id")
		if !ok {
			return
		}
		var req setStatusRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		if err := m.SetAccountStatus(id, req.Status); err != nil {
			writeAccountError(w, err)
			return
		}
		a, _ := m.GetAccount(id)
		WriteJSON(w, http.StatusOK, a)
	}
}

type setEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

// HandleSetAccountEnabled returns a handler for
// POST /api/v1/accounts/{id}/actions/set-enabled.
func HandleSetAccountEnabled(m *account.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requirePathParam(w, r, "id")
		if !ok {
			return
		}
		var req setEnabledRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		if err := m.SetEnabled(id, req.Enabled); err != nil {
			writeAccountError(w, err)
			return
		}
		a, _ := m.GetAccount(id)
		WriteJSON(w, http.StatusOK, a)
	}
}

// HandleAccountUsage returns a handler for GET /api/v1/accounts/{id}/usage.
func HandleAccountUsage(m *account.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requirePathParam(w, r, "id")
		if !ok {
			return
		}
		if _, found := m.GetAccount(id); !found {
			WriteError(w, http.StatusNotFound, "NOT_FOUND", "account "+id+" not found")
			return
		}
		WriteJSON(w, http.StatusOK, m.Usage(id))
	}
}

// --- pools ---

// HandleCreateAccountPool returns a handler for POST /api/v1/account-pools.
func HandleCreateAccountPool(m *account.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p model.AccountPool
		if err := DecodeBody(r, &p); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		if err := m.CreatePool(p); err != nil {
			writeAccountError(w, err)
			return
		}
		created, _ := m.GetPool(p.ID)
		WriteJSON(w, http.StatusCreated, created)
	}
}

// HandleGetAccountPool returns a handler for GET /api/v1/account-pools/{id}.
func HandleGetAccountPool(m *account.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requirePathParam(w, r, "id")
		if !ok {
			return
		}
		p, found := m.GetPool(id)
		if !found {
			WriteError(w, http.StatusNotFound, "NOT_FOUND", "pool "+id+" not found")
			return
		}
		WriteJSON(w, http.StatusOK, p)
	}
}

// HandleDeleteAccountPool returns a handler for DELETE /api/v1/account-pools/{id}.
func HandleDeleteAccountPool(m *account.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requirePathParam(w, r, "id")
		if !ok {
			return
		}
		if err := m.RemovePool(id); err != nil {
			writeAccountError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type poolMemberRequest struct {
	AccountID string `json:"accountId"`
}

// HandleAddPoolMember returns a handler for POST /api/v1/account-pools/{id}/members.
func HandleAddPoolMember(m *account.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requirePathParam(w, r, "id")
		if !ok {
			return
		}
		var req poolMemberRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		if err := m.AddToPool(id, req.AccountID); err != nil {
			writeAccountError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleRemovePoolMember returns a handler for
// DELETE /api/v1/account-pools/{id}/members/{account}.
func HandleRemovePoolMember(m *account.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requirePathParam(w, r, "id")
		if !ok {
			return
		}
		accountID, ok := requirePathParam(w, r, "account")
		if !ok {
			return
		}
		if err := m.RemoveFromPool(id, accountID); err != nil {
			writeAccountError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// --- checkouts ---

// HandleListCheckouts returns a handler for GET /api/v1/checkouts.
func HandleListCheckouts(m *account.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pg, ok := parsePaginationOrWriteInvalid(w, r)
		if !ok {
			return
		}
		WritePage(w, http.StatusOK, m.GetActiveCheckouts(), pg)
	}
}

// HandleCleanupCheckouts returns a handler for
// POST /api/v1/checkouts/actions/cleanup.
func HandleCleanupCheckouts(m *account.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := m.CleanupExpiredCheckouts()
		WriteJSON(w, http.StatusOK, map[string]int{"removed": n})
	}
}
