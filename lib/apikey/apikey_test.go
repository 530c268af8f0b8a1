package apikey

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"

	"github.com/fanengagement/chainadp/lib/config"
)

func TestMiddleware(t *testing.T) {
	keys := New([]config.APIKeyConfig{
		{Principal: "operator", Hash: Hash("op-key"), Orgs: []string{AllOrgs}},
		{Principal: "club", Hash: Hash("club-key"), Orgs: []string{"org-1"}},
		{Principal: "broken", Hash: "zz"},
	})

	r := mux.NewRouter()
	r.Use(keys.Middleware)
	r.HandleFunc("/v1/organizations/{orgId}/audit-events", func(w http.ResponseWriter, r *http.Request) {
		p, ok := FromContext(r.Context())
		assert.True(t, ok)
		_, _ = w.Write([]byte(p.Name))
	})

	cases := []struct {
		name   string
		key    string
		bearer bool
		org    string
		status int
	}{
		{"missing", "", false, "org-1", http.StatusUnauthorized},
		{"unknown", "nope", false, "org-1", http.StatusUnauthorized},
		{"wildcard", "op-key", false, "org-9", http.StatusOK},
		{"permitted", "club-key", false, "org-1", http.StatusOK},
		{"bearer", "club-key", true, "org-1", http.StatusOK},
		{"forbidden", "club-key", false, "org-2", http.StatusForbidden},
	}

	for _, c := range cases {
		req := httptest.NewRequest(http.MethodGet, "/v1/organizations/"+c.org+"/audit-events", nil)
		if c.bearer {
			req.Header.Set("Authorization", "Bearer "+c.key)
		} else if c.key != "" {
			req.Header.Set(Header, c.key)
		}

		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		assert.Equal(t, c.status, rec.Code, c.name)
	}
}

func TestHashMatchesSampleConfig(t *testing.T) {
	assert.Equal(t, "7eee78659ab50d4dd820f4242709d188809ca0249506edf83d70022973d5e2ca", Hash("dev-operator-key"))
}
