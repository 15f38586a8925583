package httpapi

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const adminTokenFile = ".admin-token"

// AdminTokenHolder provides thread-safe access to the admin bearer token
// with persistence next to the database file.
type AdminTokenHolder struct {
	mu      sync.RWMutex
	token   string
	dataDir string
}

// NewAdminTokenHolder resolves the initial token using the following
// precedence:
//
//  1. Explicit env/config value
//  2. Previously persisted token from the data directory
//  3. Newly generated random token
//
// The resolved token is persisted so restarts without the env var reuse it.
func NewAdminTokenHolder(configToken, dbDSN string, logger *slog.Logger) (*AdminTokenHolder, error) {
	h := &AdminTokenHolder{dataDir: dataDirFromDSN(dbDSN)}

	switch {
	case configToken != "":
		h.token = configToken
	default:
		h.token = h.readPersisted()
	}

	if h.token == "" {
		tok, err := randomToken()
		if err != nil {
			return nil, fmt.Errorf("generate admin token: %w", err)
		}
		h.token = tok
		logger.Warn("CPMBANDIT_ADMIN_TOKEN not set, generated one (see " + adminTokenFile + " in the data directory)")
	}

	h.persist(logger)
	return h, nil
}

// Get returns the current admin token.
func (h *AdminTokenHolder) Get() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.token
}

// ConstantTimeEqual reports whether provided matches the current token.
func (h *AdminTokenHolder) ConstantTimeEqual(provided string) bool {
	h.mu.RLock()
	current := h.token
	h.mu.RUnlock()
	return subtle.ConstantTimeCompare([]byte(provided), []byte(current)) == 1
}

// Rotate generates a new random token, persists it, and returns it.
func (h *AdminTokenHolder) Rotate(logger *slog.Logger) (string, error) {
	tok, err := randomToken()
	if err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	h.mu.Lock()
	h.token = tok
	h.mu.Unlock()

	h.persist(logger)
	return tok, nil
}

// AdminAuth rejects requests whose bearer token does not match h.
func AdminAuth(h *AdminTokenHolder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			tok, ok := strings.CutPrefix(auth, "Bearer ")
			if !ok || tok == "" || !h.ConstantTimeEqual(tok) {
				jsonError(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func randomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// dataDirFromDSN returns the directory of a file DSN, or "" for in-memory
// databases.
func dataDirFromDSN(dsn string) string {
	dsn = strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(dsn, '?'); i >= 0 {
		dsn = dsn[:i]
	}
	if dsn == "" || dsn == ":memory:" {
		return ""
	}
	return filepath.Dir(dsn)
}

func (h *AdminTokenHolder) readPersisted() string {
	if h.dataDir == "" {
		return ""
	}
	data, err := os.ReadFile(filepath.Join(h.dataDir, adminTokenFile))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (h *AdminTokenHolder) persist(logger *slog.Logger) {
	if h.dataDir == "" {
		return
	}
	token := h.Get()
	if err := os.WriteFile(filepath.Join(h.dataDir, adminTokenFile), []byte(token+"\n"), 0600); err != nil {
		logger.Warn("failed to write admin token file", slog.String("error", err.Error()))
	}
}
