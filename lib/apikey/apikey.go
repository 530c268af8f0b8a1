// Package apikey authenticates requests by API key and authorizes them per organization.
package apikey

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/fanengagement/chainadp/lib/config"
	"github.com/fanengagement/chainadp/lib/util"
)

// Header carrying the key.
const Header = "X-API-Key"

// AllOrgs grants access to every organization.
const AllOrgs = "*"

// Principal is the caller behind a key.
type Principal struct {
	Name string
	Orgs []string
}

// Allowed reports whether p may act on orgID.
func (p Principal) Allowed(orgID string) bool {
	return util.In(p.Orgs, AllOrgs) || util.In(p.Orgs, orgID)
}

type ctxKey struct{}

// FromContext returns the authenticated principal of a request.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(Principal)

	return p, ok
}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// Hash returns the hex sha256 stored in configuration for a key.
func Hash(key string) string {
	h := sha256.Sum256([]byte(key))

	return hex.EncodeToString(h[:])
}

type entry struct {
	hash      []byte
	principal Principal
}

// Keys validates API keys against configured hashes.
type Keys struct {
	entries []entry
}

// New loads the configured keys. Entries with malformed hashes are ignored.
func New(cs []config.APIKeyConfig) *Keys {
	k := &Keys{}

	for _, c := range cs {
		h, err := hex.DecodeString(strings.ToLower(c.Hash))
		if err != nil || len(h) != sha256.Size {
			continue
		}

		k.entries = append(k.entries, entry{hash: h, principal: Principal{Name: c.Principal, Orgs: c.Orgs}})
	}

	return k
}

// Validate returns the principal of key.
func (k *Keys) Validate(key string) (Principal, bool) {
	if key == "" {
		return Principal{}, false
	}

	h := sha256.Sum256([]byte(key))
	for _, e := range k.entries {
		if subtle.ConstantTimeCompare(h[:], e.hash) == 1 {
			return e.principal, true
		}
	}

	return Principal{}, false
}

func reject(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg, "code": code})
}

// Middleware requires a valid key on every request and, for routes with an {orgId} variable, access to that
// organization.
func (k *Keys) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(Header)
		if key == "" {
			if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				key = strings.TrimPrefix(auth, "Bearer ")
			}
		}

		p, ok := k.Validate(key)
		if !ok {
			reject(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid API key")

			return
		}

		if org, ok := mux.Vars(r)["orgId"]; ok && !p.Allowed(org) {
			reject(w, http.StatusForbidden, "FORBIDDEN", "organization not permitted for this key")

			return
		}

		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}
