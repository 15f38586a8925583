package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/jordanhubbard/cpmbandit/internal/vault"
)

func VaultLockHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Vault.IsLocked() {
			_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "already_locked": true})
			return
		}
		d.Vault.Lock()
		audit(d, r, "vault.lock", "", "")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}
}

func VaultUnlockHandler(d Dependencies) http.HandlerFunc {
	type unlockReq struct {
		AdminPassword string `json:"admin_password"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req unlockReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		if err := d.Vault.Unlock([]byte(req.AdminPassword)); err != nil {
			jsonError(w, "unlock failed", http.StatusUnauthorized)
			return
		}
		// The first unlock creates the salt and verifier; persist them.
		if d.Store != nil {
			salt, data := d.Vault.Export()
			if len(salt) > 0 {
				warnOnErr("save_vault", d.Store.SaveVaultBlob(r.Context(), salt, data))
			}
		}
		audit(d, r, "vault.unlock", "", "")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}
}

// MarketplaceTokenHandler handles PUT /v1/vault/marketplace-token with
// {"token": "..."}. The vault must be unlocked.
func MarketplaceTokenHandler(d Dependencies) http.HandlerFunc {
	type tokenReq struct {
		Token string `json:"token"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req tokenReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		if req.Token == "" {
			jsonError(w, "token required", http.StatusBadRequest)
			return
		}
		if err := d.Vault.Set(vault.MarketplaceTokenKey, req.Token); err != nil {
			if errors.Is(err, vault.ErrLocked) {
				jsonError(w, "vault locked", http.StatusLocked)
				return
			}
			jsonError(w, "vault error: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if d.Store != nil {
			salt, data := d.Vault.Export()
			if err := d.Store.SaveVaultBlob(r.Context(), salt, data); err != nil {
				jsonError(w, "failed to persist vault: "+err.Error(), http.StatusInternalServerError)
				return
			}
		}
		audit(d, r, "vault.marketplace_token", vault.MarketplaceTokenKey, "")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}
}

// parsePagination extracts limit and offset from query parameters. limit
// falls back to def and is capped at 1000.
func parsePagination(r *http.Request, def int) (limit, offset int) {
	limit = def
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = min(n, 1000)
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

// AuditLogsHandler handles GET /v1/audit?limit=N&offset=N
func AuditLogsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Store == nil {
			_ = json.NewEncoder(w).Encode(map[string]any{"logs": []any{}})
			return
		}
		limit, offset := parsePagination(r, 100)
		logs, err := d.Store.ListAuditLogs(r.Context(), limit, offset)
		if err != nil {
			jsonError(w, "store error: "+err.Error(), http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"logs": logs})
	}
}
