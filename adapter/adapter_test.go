package adapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fanengagement/chainadp/lib/apikey"
	"github.com/fanengagement/chainadp/lib/chain/none"
	"github.com/fanengagement/chainadp/lib/chain/remote"
	"github.com/fanengagement/chainadp/lib/chain/types"
	"github.com/fanengagement/chainadp/lib/config"
	"github.com/fanengagement/chainadp/lib/rest"
)

// degraded is an adapter whose circuit is open for commits.
type degraded struct {
	*none.None
}

func (degraded) CommitProposalEvent(context.Context, types.CommitRequest) (types.TxRef, error) {
	return types.TxRef{}, types.Annotate(types.ChainSolana, "commit", types.ErrCircuitOpen)
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	keys := apikey.New([]config.APIKeyConfig{{Principal: "syncer", Hash: apikey.Hash("key-1"), Orgs: []string{"*"}}})
	s := New(degraded{None: none.New("none")}, keys, zerolog.Nop())

	return httptest.NewServer(s.Handler())
}

func TestAdapterService(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	c, err := remote.New(config.AdapterConfig{Name: "none-remote", Nodes: []string{srv.URL}, APIKey: "key-1"},
		zerolog.Nop())
	require.NoError(t, err)

	ctx := context.Background()

	m, err := c.CreateTokenMint(ctx, types.MintRequest{OrgID: "org", ShareTypeID: "gold", Decimals: 0})
	require.NoError(t, err)
	assert.Equal(t, types.ChainNone, m.Chain)
	assert.NotEmpty(t, m.Address)

	again, err := c.CreateTokenMint(ctx, types.MintRequest{OrgID: "org", ShareTypeID: "gold", Decimals: 0})
	require.NoError(t, err)
	assert.Equal(t, m.Address, again.Address)

	ref, err := c.IssueShares(ctx, types.IssueRequest{Mint: m, Recipient: "user-u", Quantity: "10",
		IdempotencyKey: "k-1"})
	require.NoError(t, err)
	assert.Equal(t, types.TxConfirmed, ref.Status)

	_, err = c.IssueShares(ctx, types.IssueRequest{Mint: m, Recipient: "user-u", Quantity: "-1"})
	assert.ErrorIs(t, err, types.ErrInvalidRequest)

	status, err := c.GetTransactionStatus(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, types.TxConfirmed, status)

	info, err := c.GetAccountInfo(ctx, m.Address)
	require.NoError(t, err)
	assert.Equal(t, m.Address, info.Address)

	_, err = c.GetCommitment(ctx, ref)
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = c.CommitProposalEvent(ctx, types.CommitRequest{OrgID: "org", SubjectID: "p",
		EventType: types.EventProposalOpened, PayloadHash: strings.Repeat("ab", 32)})
	assert.ErrorIs(t, err, types.ErrCircuitOpen)
	assert.True(t, types.IsDeferred(err))

	assert.NoError(t, c.Health(ctx))
}

func TestAdapterServiceHTTP(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	cases := []struct {
		name, method, path, key, body string
		status                        int
	}{
		{"no key", http.MethodPost, "/v1/adapter/mints", "", `{}`, http.StatusUnauthorized},
		{"bad key", http.MethodPost, "/v1/adapter/mints", "nope", `{}`, http.StatusUnauthorized},
		{"bad body", http.MethodPost, "/v1/adapter/mints", "key-1", `{"orgId":`, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/v1/adapter/mints", "key-1", `{"org":"x"}`, http.StatusBadRequest},
		{"wrong method", http.MethodGet, "/v1/adapter/mints", "key-1", "", http.StatusMethodNotAllowed},
		{"circuit open", http.MethodPost, "/v1/adapter/commits", "key-1",
			`{"orgId":"o","subjectId":"s","eventType":"vote.cast","payloadHash":"` + strings.Repeat("00", 32) + `"}`,
			http.StatusServiceUnavailable},
		{"health", http.MethodGet, "/health", "", "", http.StatusOK},
		{"metrics", http.MethodGet, "/metrics", "", "", http.StatusOK},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, err := http.NewRequest(tc.method, srv.URL+tc.path, strings.NewReader(tc.body))
			require.NoError(t, err)

			if tc.key != "" {
				req.Header.Set(apikey.Header, tc.key)
			}

			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			resp.Body.Close()

			assert.Equal(t, tc.status, resp.StatusCode)
		})
	}
}

func TestAdapterServiceWrongMethod(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/v1/adapter/mints"},
		{http.MethodDelete, "/v1/adapter/commits"},
		{http.MethodPost, "/v1/adapter/transactions/abc"},
		{http.MethodPost, "/health"},
	} {
		req, err := http.NewRequest(tc.method, srv.URL+tc.path, nil)
		require.NoError(t, err)
		req.Header.Set(apikey.Header, "key-1")

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)

		var res types.Response
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
		resp.Body.Close()

		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode, tc.path)
		assert.Equal(t, rest.CodeMethod, res.Code, tc.path)
	}

	// unknown paths are still not found
	resp, err := http.Get(srv.URL + "/v1/adapter/nothing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
