package solana

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"

	"github.com/fanengagement/chainadp/lib/chain/types"
	"github.com/fanengagement/chainadp/lib/util"
)

const keypairLen = 64

// ParseKey decodes a keypair either as the solana-keygen JSON array or as base58.
func ParseKey(s string) (solana.PrivateKey, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "[") {
		var b []byte
		if err := json.Unmarshal([]byte(s), &b); err != nil {
			return nil, fmt.Errorf("cannot parse keypair: %w", err)
		}

		if len(b) != keypairLen {
			return nil, fmt.Errorf("invalid keypair length %d", len(b))
		}

		return solana.PrivateKey(b), nil
	}

	return solana.PrivateKeyFromBase58(s)
}

// loadKey resolves an env: or file: signer reference.
func loadKey(ref string) (solana.PrivateKey, error) {
	scheme, _, err := util.ParseKeyRef(ref)
	if err != nil {
		return nil, types.Invalidf("signer %q: %v", ref, err)
	}

	if scheme == util.KeyRefHD {
		return nil, types.Invalidf("hd signers are not supported on solana")
	}

	s, err := util.ResolveSecret(ref)
	if err != nil {
		return nil, types.Invalidf("signer %q: %v", ref, err)
	}

	k, err := ParseKey(s)
	if err != nil {
		return nil, types.Invalidf("signer %q: %v", ref, err)
	}

	return k, nil
}

// signer returns the key for a reference, the default signer when ref is empty. Keys are cached by reference.
func (s *Solana) signer(ref string) (solana.PrivateKey, error) {
	if ref == "" {
		if s.defaultKey == nil {
			return nil, types.Invalidf("no signer configured for %s", s.name)
		}

		return s.defaultKey, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if k, ok := s.keys[ref]; ok {
		return k, nil
	}

	k, err := loadKey(ref)
	if err != nil {
		return nil, err
	}

	s.keys[ref] = k

	return k, nil
}
