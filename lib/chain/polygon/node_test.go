package polygon

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tarancss/ethcli"

	"github.com/fanengagement/chainadp/lib/chain/types"
)

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// mockNode answers JSON-RPC 2.0 calls from a table of results by method. rpcError values are replied as errors and
// missing methods as null.
func mockNode(t *testing.T, results map[string]interface{}) *ethNode {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string           `json:"method"`
			ID     *json.RawMessage `json:"id"`
		}

		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)

			return
		}

		res := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
		if e, ok := results[req.Method].(rpcError); ok {
			res["error"] = e
		} else {
			res["result"] = results[req.Method]
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(res)
	}))
	t.Cleanup(srv.Close)

	n, err := dial(srv.URL, "")
	require.NoError(t, err)
	t.Cleanup(n.End)

	return n
}

const (
	nodeTxHash = "0x88df016429689c079f3b2f6ad39fa052532c56795b733da78a91ebe6a713944b"
	nodeFrom   = "0xa7d9ddbe1f17865597fbd27ec712455208b6b76d"
	nodeTo     = "0xf02c1c8e6114b1dbe8937a39260b5b0a374432bb"
)

func rpcTx(data []byte, block string) map[string]interface{} {
	tx := map[string]interface{}{
		"hash":     nodeTxHash,
		"gasPrice": "0x4a817c800",
		"input":    "0x" + hex.EncodeToString(data),
		"from":     nodeFrom,
		"to":       nodeTo,
		"value":    "0x0",
	}

	if block != "" {
		tx["blockNumber"] = block
	}

	return tx
}

func TestEthNodeBalance(t *testing.T) {
	n := mockNode(t, map[string]interface{}{"eth_getBalance": "0xde0b6b3a7640000"})

	wei := new(big.Int)
	require.NoError(t, n.Balance(nodeFrom, wei))
	assert.Equal(t, "1000000000000000000", wei.String())

	n = mockNode(t, map[string]interface{}{"eth_getBalance": rpcError{Code: -32000, Message: "header not found"}})
	assert.Error(t, n.Balance(nodeFrom, wei))
}

func TestEthNodeTx(t *testing.T) {
	data := []byte{0x40, 0xc1, 0x0f, 0x19, 1, 2, 3}

	tests := []struct {
		name    string
		results map[string]interface{}
		status  uint8
		unknown bool
	}{
		{
			name: "mined",
			results: map[string]interface{}{
				"eth_getTransactionByHash": rpcTx(data, "0x10"),
				"eth_getTransactionReceipt": map[string]interface{}{
					"hash": nodeTxHash, "blockNumber": "0x10", "status": "0x1", "gasUsed": "0x5208",
				},
				"eth_getBlockByNumber": map[string]interface{}{"timestamp": "0x5f5e100"},
			},
			status: ethcli.TrxSuccess,
		},
		{
			name: "reverted",
			results: map[string]interface{}{
				"eth_getTransactionByHash": rpcTx(data, "0x10"),
				"eth_getTransactionReceipt": map[string]interface{}{
					"hash": nodeTxHash, "blockNumber": "0x10", "status": "0x0", "gasUsed": "0x5208",
				},
				"eth_getBlockByNumber": map[string]interface{}{"timestamp": "0x5f5e100"},
			},
			status: ethcli.TrxFailed,
		},
		{
			name:    "in the mempool",
			results: map[string]interface{}{"eth_getTransactionByHash": rpcTx(data, "")},
			status:  ethcli.TrxPending,
		},
		{
			name:    "unknown",
			results: map[string]interface{}{},
			unknown: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := mockNode(t, tt.results)

			status, got, to, err := n.Tx(nodeTxHash)
			if tt.unknown {
				assert.ErrorIs(t, err, errTxUnknown)
				assert.True(t, unknownTx(err))

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, data, got)
			assert.True(t, strings.EqualFold(nodeTo, to))
		})
	}
}

func TestEthNodeSendKeepsHash(t *testing.T) {
	n := mockNode(t, map[string]interface{}{
		"eth_getTransactionCount": "0x7",
		"eth_gasPrice":            "0x3b9aca00",
		"eth_estimateGas":         "0x186a0",
		"eth_sendRawTransaction":  rpcError{Code: -32000, Message: "nonce too low"},
	})

	key := strings.Repeat("4c", 32)

	hash, err := n.Send(nodeFrom, nodeTo, []byte{0x40, 0xc1, 0x0f, 0x19}, key, 0, false)
	require.Error(t, err)
	assert.Len(t, hash, 32)
	assert.Contains(t, err.Error(), "nonce too low")
}

func TestEthNodeAdapter(t *testing.T) {
	n := mockNode(t, map[string]interface{}{
		"eth_getBalance":           "0x2a",
		"eth_call":                 rpcError{Code: 3, Message: "execution reverted"},
		"eth_getTransactionByHash": rpcTx([]byte{1}, ""),
	})

	p := newPolygon("polygon-node", []node{n}, nil, zerolog.Nop())
	ctx := context.Background()

	info, err := p.GetAccountInfo(ctx, nodeFrom)
	require.NoError(t, err)
	assert.Equal(t, "42", info.Balance)

	status, err := p.GetTransactionStatus(ctx, types.TxRef{Signature: nodeTxHash})
	require.NoError(t, err)
	assert.Equal(t, types.TxPending, status)
}
