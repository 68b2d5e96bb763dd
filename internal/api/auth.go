package api

import (
	"net/http"

	"github.com/modax/controllayer/internal/apierr"
	"github.com/modax/controllayer/internal/config"
)

// permission names a capability an API key may hold (spec §4.8: "Keys
// resolve to a permission set {read, write, control, admin}").
type permission string

const (
	permRead    permission = "read"
	permWrite   permission = "write"
	permControl permission = "control"
	permAdmin   permission = "admin"
)

// permissionSet is the set of permissions one API key grants.
type permissionSet map[permission]bool

func (s permissionSet) has(p permission) bool { return s[p] }

// Auditor records security-audit events (spec §4.10's "authentication" /
// "authorization" entries). Satisfied directly by the audit ledger.
type Auditor interface {
	Record(eventType, severity, actor, action string, context map[string]interface{}) error
}

// authenticator resolves an X-API-Key header to a permission set, per the
// fixed key→permission mapping established at config load (spec §4.8).
type authenticator struct {
	enabled bool
	keys    map[string]permissionSet
	auditor Auditor
}

// newAuthenticator builds the fixed key table from AuthConfig. The HMI key
// operates equipment (read + control); the monitoring key is read-only; the
// admin key holds every permission.
func newAuthenticator(cfg config.AuthConfig, auditor Auditor) *authenticator {
	a := &authenticator{enabled: cfg.Enabled, keys: make(map[string]permissionSet), auditor: auditor}
	if cfg.HMIKey != "" {
		a.keys[cfg.HMIKey] = permissionSet{permRead: true, permControl: true}
	}
	if cfg.MonitoringKey != "" {
		a.keys[cfg.MonitoringKey] = permissionSet{permRead: true}
	}
	if cfg.AdminKey != "" {
		a.keys[cfg.AdminKey] = permissionSet{permRead: true, permWrite: true, permControl: true, permAdmin: true}
	}
	return a
}

// resolve validates apiKey, returning its permission set or an AuthError if
// auth is enabled and the key is missing/unknown.
func (a *authenticator) resolve(apiKey string) (permissionSet, error) {
	if !a.enabled {
		return permissionSet{permRead: true, permWrite: true, permControl: true, permAdmin: true}, nil
	}
	if apiKey == "" {
		return nil, apierr.Auth("missing X-API-Key header")
	}
	perms, ok := a.keys[apiKey]
	if !ok {
		return nil, apierr.Auth("invalid API key")
	}
	return perms, nil
}

func (a *authenticator) audit(eventType, severity, apiKey string, r *http.Request, allowed bool) {
	if a.auditor == nil {
		return
	}
	actor := "anonymous"
	if apiKey != "" {
		actor = "apikey:" + apiKey
	}
	_ = a.auditor.Record(eventType, severity, actor, r.Method+" "+r.URL.Path,
		map[string]interface{}{"allowed": allowed, "remote_addr": r.RemoteAddr})
}

// requireAuth returns middleware rejecting any request whose resolved
// key lacks perm. The X-API-Key value is parsed again here (cheaply; no
// I/O) rather than threaded through context, to keep route registration
// declarative: requireAuth(auth, perm)(handler).
func requireAuth(auth *authenticator, perm permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			perms, err := auth.resolve(key)
			if err != nil {
				auth.audit("authentication", "warning", key, r, false)
				writeError(w, r, err)
				return
			}
			if perm != "" && !perms.has(perm) {
				auth.audit("authorization", "warning", key, r, false)
				writeError(w, r, apierr.Permission("missing required permission %q", perm))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
