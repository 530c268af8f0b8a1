package rest

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fanengagement/chainadp/lib/chain/types"
	"github.com/fanengagement/chainadp/lib/store"
)

func TestStatusOf(t *testing.T) {
	for _, tt := range []struct {
		err    error
		status int
	}{
		{nil, http.StatusOK},
		{types.Invalidf("bad"), http.StatusBadRequest},
		{types.ErrInvalidRecipient, http.StatusBadRequest},
		{types.ErrInsufficientFunds, http.StatusPaymentRequired},
		{types.ErrInsufficientGas, http.StatusPaymentRequired},
		{types.Unavailable("x", errors.New("down")), http.StatusServiceUnavailable},
		{types.ErrCircuitOpen, http.StatusServiceUnavailable},
		{types.ErrNonceConflict, http.StatusConflict},
		{types.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("get: %w", store.ErrDataNotFound), http.StatusNotFound},
		{store.ErrConflict, http.StatusConflict},
		{ErrRateLimited, http.StatusTooManyRequests},
		{ErrForbidden, http.StatusForbidden},
		{ErrMethod, http.StatusMethodNotAllowed},
		{errors.New("boom"), http.StatusInternalServerError},
	} {
		assert.Equal(t, tt.status, StatusOf(CodeOf(tt.err)), "%v", tt.err)
	}
}

func TestReply(t *testing.T) {
	rw := httptest.NewRecorder()
	Reply(rw, 0, map[string]int{"a": 1}, nil)

	assert.Equal(t, http.StatusOK, rw.Code)
	assert.Equal(t, "application/json;charset=utf8", rw.Header().Get("Content-Type"))

	var res types.Response
	require.NoError(t, json.NewDecoder(rw.Body).Decode(&res))
	assert.JSONEq(t, `{"a":1}`, string(res.Body))
	assert.Empty(t, res.Error)

	rw = httptest.NewRecorder()
	Reply(rw, 0, nil, types.ErrCircuitOpen)

	assert.Equal(t, http.StatusServiceUnavailable, rw.Code)
	require.NoError(t, json.NewDecoder(rw.Body).Decode(&res))
	assert.Equal(t, types.CodeCircuitOpen, res.Code)
	assert.Equal(t, types.ErrCircuitOpen.Error(), res.Error)

	// a transaction that may still land travels with the error
	rw = httptest.NewRecorder()
	Reply(rw, 0, nil, &types.SubmitError{Ref: types.TxRef{Chain: types.ChainPolygon, Signature: "0xabc"},
		Err: types.Unavailable("send", errors.New("i/o timeout"))})

	var sub types.Response
	require.NoError(t, json.NewDecoder(rw.Body).Decode(&sub))
	assert.Equal(t, http.StatusServiceUnavailable, rw.Code)
	assert.Equal(t, types.CodeUnavailable, sub.Code)

	var ref types.TxRef
	require.NoError(t, json.Unmarshal(sub.Body, &ref))
	assert.Equal(t, "0xabc", ref.Signature)
}

func TestDecode(t *testing.T) {
	var v struct {
		A int `json:"a"`
	}

	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"a":2}`))
	require.NoError(t, Decode(r, &v))
	assert.Equal(t, 2, v.A)

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"b":2}`))
	assert.ErrorIs(t, Decode(r, &v), types.ErrInvalidRequest)
}
