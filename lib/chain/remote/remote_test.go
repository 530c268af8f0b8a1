package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fanengagement/chainadp/lib/chain/types"
	"github.com/fanengagement/chainadp/lib/config"
)

func reply(rw http.ResponseWriter, status int, body interface{}, err error) {
	var res types.Response

	if err != nil {
		res.Error = err.Error()
		res.Code = types.CodeOf(err)
	} else if body != nil {
		res.Body, _ = json.Marshal(body)
	}

	rw.Header().Set("Content-Type", "application/json;charset=utf8")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(&res)
}

func newServer(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc(PathMints, func(rw http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-API-Key"))

		var req types.MintRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		reply(rw, http.StatusOK, types.MintRecord{OrgID: req.OrgID, ShareTypeID: req.ShareTypeID, Address: "mint-1",
			Decimals: req.Decimals}, nil)
	})
	mux.HandleFunc(PathIssuances, func(rw http.ResponseWriter, r *http.Request) {
		reply(rw, http.StatusBadRequest, nil, types.ErrInvalidRecipient)
	})
	mux.HandleFunc(PathCommits, func(rw http.ResponseWriter, r *http.Request) {
		var req types.CommitRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		if req.Prior != nil {
			// the transaction of the first attempt may still land
			res := types.Response{Error: "send: timeout", Code: types.CodeUnavailable}
			res.Body, _ = json.Marshal(req.Prior)
			rw.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(rw).Encode(&res)

			return
		}

		reply(rw, http.StatusServiceUnavailable, nil, types.Unavailable("send", context.DeadlineExceeded))
	})
	mux.HandleFunc(PathTransactions, func(rw http.ResponseWriter, r *http.Request) {
		assert.Equal(t, PathTransactions+"sig-1", r.URL.Path)
		reply(rw, http.StatusOK, StatusReply{Status: types.TxConfirmed}, nil)
	})
	mux.HandleFunc(PathCommitments, func(rw http.ResponseWriter, r *http.Request) {
		reply(rw, http.StatusNotFound, nil, types.ErrNotFound)
	})
	mux.HandleFunc(PathAccounts, func(rw http.ResponseWriter, r *http.Request) {
		reply(rw, http.StatusInternalServerError, nil, assert.AnError)
	})
	mux.HandleFunc(PathHealth, func(rw http.ResponseWriter, r *http.Request) {
		reply(rw, http.StatusOK, map[string]string{"status": "ok"}, nil)
	})

	return httptest.NewServer(mux)
}

func TestRemote(t *testing.T) {
	srv := newServer(t)
	defer srv.Close()

	r, err := New(config.AdapterConfig{Name: "remote", Nodes: []string{srv.URL + "/"}, APIKey: "secret"}, zerolog.Nop())
	require.NoError(t, err)

	defer r.Close()

	ctx := context.Background()

	m, err := r.CreateTokenMint(ctx, types.MintRequest{OrgID: "org", ShareTypeID: "common", Decimals: 2})
	require.NoError(t, err)
	assert.Equal(t, "mint-1", m.Address)
	assert.Equal(t, uint8(2), m.Decimals)

	_, err = r.IssueShares(ctx, types.IssueRequest{})
	assert.ErrorIs(t, err, types.ErrInvalidRecipient)
	assert.True(t, types.IsPermanent(err))

	_, err = r.CommitProposalEvent(ctx, types.CommitRequest{})
	assert.ErrorIs(t, err, types.ErrAdapterUnavailable)
	assert.True(t, types.IsTransient(err))

	_, ok := types.Submitted(err)
	assert.False(t, ok)

	_, err = r.CommitProposalEvent(ctx, types.CommitRequest{Prior: &types.TxRef{Chain: types.ChainSolana,
		Signature: "sig-0"}})
	assert.ErrorIs(t, err, types.ErrAdapterUnavailable)

	sent, ok := types.Submitted(err)
	require.True(t, ok)
	assert.Equal(t, "sig-0", sent.Signature)

	s, err := r.GetTransactionStatus(ctx, types.TxRef{Signature: "sig-1"})
	require.NoError(t, err)
	assert.Equal(t, types.TxConfirmed, s)

	_, err = r.GetCommitment(ctx, types.TxRef{Signature: "sig-2"})
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = r.GetAccountInfo(ctx, "acc")
	require.Error(t, err)
	assert.Equal(t, types.CodeInternal, types.CodeOf(err))

	assert.NoError(t, r.Health(ctx))
}

func TestRemoteUnreachable(t *testing.T) {
	srv := newServer(t)
	url := srv.URL
	srv.Close()

	r, err := New(config.AdapterConfig{Name: "remote", Nodes: []string{url}}, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = r.Health(ctx)
	assert.ErrorIs(t, err, types.ErrAdapterUnavailable)

	_, err = New(config.AdapterConfig{Name: "remote"}, zerolog.Nop())
	assert.Error(t, err)
}
