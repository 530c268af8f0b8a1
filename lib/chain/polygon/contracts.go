package polygon

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/fanengagement/chainadp/lib/chain/types"
)

// contractsABI describes the token factory, the share token and the commitment registry.
const contractsABI = `[
{"type":"function","name":"deploy","stateMutability":"nonpayable",
 "inputs":[{"name":"salt","type":"bytes32"},{"name":"decimals","type":"uint8"}],
 "outputs":[{"name":"token","type":"address"}]},
{"type":"function","name":"mint","stateMutability":"nonpayable",
 "inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
{"type":"function","name":"commit","stateMutability":"nonpayable",
 "inputs":[{"name":"subject","type":"bytes32"},{"name":"eventType","type":"uint8"},{"name":"payloadHash","type":"bytes32"}],
 "outputs":[]}
]`

var contracts = mustABI(contractsABI) //nolint:gochecknoglobals // parsed once

func mustABI(s string) abi.ABI {
	a, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}

	return a
}

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1)) //nolint:gochecknoglobals,gomnd

// Salt of the share type token deployed through the factory.
func Salt(orgID, shareTypeID string) [32]byte {
	return crypto.Keccak256Hash([]byte(orgID + "/" + shareTypeID))
}

// TokenAddress returns the CREATE2 address of a share type token.
func TokenAddress(factory common.Address, initCodeHash []byte, orgID, shareTypeID string) common.Address {
	salt := Salt(orgID, shareTypeID)

	return crypto.CreateAddress2(factory, salt, initCodeHash)
}

// SubjectKey is the registry key of a governance subject within an organization.
func SubjectKey(orgID, subjectID string) [32]byte {
	return crypto.Keccak256Hash([]byte(orgID + "/" + subjectID))
}

func packDeploy(salt [32]byte, decimals uint8) ([]byte, error) {
	return contracts.Pack("deploy", salt, decimals)
}

func packMint(to common.Address, amount *big.Int) ([]byte, error) {
	return contracts.Pack("mint", to, amount)
}

func packCommit(subject [32]byte, code uint8, payloadHash [32]byte) ([]byte, error) {
	return contracts.Pack("commit", subject, code, payloadHash)
}

// inputBytes accepts transaction input either raw or as 0x prefixed hex text.
func inputBytes(data []byte) []byte {
	if len(data) >= 2 && data[0] == '0' && (data[1] == 'x' || data[1] == 'X') {
		if b, err := hex.DecodeString(string(data[2:])); err == nil {
			return b
		}
	}

	return data
}

// unpackCommit decodes the input of a registry commit call.
func unpackCommit(data []byte) (types.Commitment, error) {
	data = inputBytes(data)
	if len(data) < 4 { //nolint:gomnd
		return types.Commitment{}, fmt.Errorf("%w: input too short", types.ErrNotFound)
	}

	m, err := contracts.MethodById(data[:4])
	if err != nil || m.Name != "commit" {
		return types.Commitment{}, fmt.Errorf("%w: not a commit call", types.ErrNotFound)
	}

	args, err := m.Inputs.Unpack(data[4:])
	if err != nil || len(args) != 3 { //nolint:gomnd
		return types.Commitment{}, fmt.Errorf("%w: cannot decode commit call", types.ErrNotFound)
	}

	subject, ok1 := args[0].([32]byte)
	code, ok2 := args[1].(uint8)
	hash, ok3 := args[2].([32]byte)

	if !ok1 || !ok2 || !ok3 {
		return types.Commitment{}, fmt.Errorf("%w: unexpected commit arguments", types.ErrNotFound)
	}

	e, ok := types.EventFromCode(code)
	if !ok {
		return types.Commitment{}, fmt.Errorf("%w: unknown event code %d", types.ErrNotFound, code)
	}

	return types.Commitment{SubjectID: "0x" + hex.EncodeToString(subject[:]), EventType: e,
		PayloadHash: types.HashHex(hash)}, nil
}
