package polygon

import (
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tarancss/hd"

	"github.com/fanengagement/chainadp/lib/chain/types"
	"github.com/fanengagement/chainadp/lib/util"
)

// account is a resolved signer: its address and hex private key as ethcli expects them.
type account struct {
	from string
	key  string
}

// resolve turns a key reference into an account. hd:<n> derives the first external address of wallet n.
func (p *Polygon) resolve(ref string) (account, error) {
	if ref == "" {
		ref = p.defaultSigner
	}

	if ref == "" {
		return account{}, types.Invalidf("no signer configured for %s", p.name)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if a, ok := p.accounts[ref]; ok {
		return a, nil
	}

	scheme, value, err := util.ParseKeyRef(ref)
	if err != nil {
		return account{}, types.Invalidf("signer %q: %v", ref, err)
	}

	var a account

	if scheme == util.KeyRefHD {
		if p.hd == nil {
			return account{}, types.Invalidf("signer %q: no hd wallet configured", ref)
		}

		n, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return account{}, types.Invalidf("signer %q: %v", ref, err)
		}

		addr, key, _, err := p.hd.Address(uint32(n), hd.External, 0)
		if err != nil {
			return account{}, types.Invalidf("signer %q: %v", ref, err)
		}

		a = account{from: "0x" + hex.EncodeToString(addr), key: hex.EncodeToString(key)}
	} else {
		secret, err := util.ResolveSecret(ref)
		if err != nil {
			return account{}, types.Invalidf("signer %q: %v", ref, err)
		}

		k, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(secret), "0x"))
		if err != nil {
			return account{}, types.Invalidf("signer %q: %v", ref, err)
		}

		a = account{from: crypto.PubkeyToAddress(k.PublicKey).Hex(), key: hex.EncodeToString(crypto.FromECDSA(k))}
	}

	p.accounts[ref] = a

	return a, nil
}
