package solana

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"

	"github.com/fanengagement/chainadp/lib/chain/types"
)

// Program ids used besides the system and token programs.
var (
	AssociatedTokenProgramID = solana.MustPublicKeyFromBase58("ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL")
	MemoProgramID            = solana.MustPublicKeyFromBase58("MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr")
)

const (
	mintSize = 82 // spl-token Mint account length

	sysCreateAccountWithSeed = 3
	tokenMintTo              = 7
	tokenInitializeMint2     = 20
	ataCreateIdempotent      = 1

	memoVersion = "fe1"
)

// MintSeed returns the CreateWithSeed seed of a share type mint. Seeds are limited to 32 characters.
func MintSeed(orgID, shareTypeID string) string {
	h := sha256.Sum256([]byte(orgID + "/" + shareTypeID))

	return hex.EncodeToString(h[:])[:32]
}

// MintAddress returns the deterministic mint of a share type for a signer.
func MintAddress(signer solana.PublicKey, orgID, shareTypeID string) (solana.PublicKey, error) {
	return solana.CreateWithSeed(signer, MintSeed(orgID, shareTypeID), solana.TokenProgramID)
}

// AssociatedTokenAddress derives the associated token account of owner for mint.
func AssociatedTokenAddress(owner, mint solana.PublicKey) (solana.PublicKey, error) {
	ata, _, err := solana.FindProgramAddress(
		[][]byte{owner.Bytes(), solana.TokenProgramID.Bytes(), mint.Bytes()},
		AssociatedTokenProgramID,
	)

	return ata, err
}

func meta(pk solana.PublicKey, writable, signer bool) *solana.AccountMeta {
	return &solana.AccountMeta{PublicKey: pk, IsWritable: writable, IsSigner: signer}
}

// createAccountWithSeed funds and allocates a new account owned by owner at CreateWithSeed(base, seed, owner). The
// base is the funder.
func createAccountWithSeed(funder, created solana.PublicKey, seed string, lamports, space uint64,
	owner solana.PublicKey) solana.Instruction {
	data := make([]byte, 0, 4+32+8+len(seed)+8+8+32)
	data = binary.LittleEndian.AppendUint32(data, sysCreateAccountWithSeed)
	data = append(data, funder.Bytes()...)
	data = binary.LittleEndian.AppendUint64(data, uint64(len(seed)))
	data = append(data, seed...)
	data = binary.LittleEndian.AppendUint64(data, lamports)
	data = binary.LittleEndian.AppendUint64(data, space)
	data = append(data, owner.Bytes()...)

	return solana.NewInstruction(solana.SystemProgramID, solana.AccountMetaSlice{
		meta(funder, true, true),
		meta(created, true, false),
	}, data)
}

// initializeMint2 sets decimals and authority on a freshly allocated mint. Mint and freeze authority are the same.
func initializeMint2(mint solana.PublicKey, decimals uint8, authority solana.PublicKey) solana.Instruction {
	data := make([]byte, 0, 2+32+1+32)
	data = append(data, tokenInitializeMint2, decimals)
	data = append(data, authority.Bytes()...)
	data = append(data, 1)
	data = append(data, authority.Bytes()...)

	return solana.NewInstruction(solana.TokenProgramID, solana.AccountMetaSlice{meta(mint, true, false)}, data)
}

// createIdempotentATA creates the associated token account unless it exists.
func createIdempotentATA(payer, ata, owner, mint solana.PublicKey) solana.Instruction {
	return solana.NewInstruction(AssociatedTokenProgramID, solana.AccountMetaSlice{
		meta(payer, true, true),
		meta(ata, true, false),
		meta(owner, false, false),
		meta(mint, false, false),
		meta(solana.SystemProgramID, false, false),
		meta(solana.TokenProgramID, false, false),
	}, []byte{ataCreateIdempotent})
}

func mintTo(mint, destination, authority solana.PublicKey, amount uint64) solana.Instruction {
	data := make([]byte, 0, 9)
	data = append(data, tokenMintTo)
	data = binary.LittleEndian.AppendUint64(data, amount)

	return solana.NewInstruction(solana.TokenProgramID, solana.AccountMetaSlice{
		meta(mint, true, false),
		meta(destination, true, false),
		meta(authority, false, true),
	}, data)
}

func memo(signer solana.PublicKey, text string) solana.Instruction {
	return solana.NewInstruction(MemoProgramID, solana.AccountMetaSlice{meta(signer, false, true)}, []byte(text))
}

// FormatCommitMemo renders fe1:<event>:<org>:<subject>:<hash>, followed by :<account> when the commitment refers to
// a governance program account.
func FormatCommitMemo(c types.Commitment, account string) string {
	s := strings.Join([]string{memoVersion, string(c.EventType), c.OrgID, c.SubjectID, c.PayloadHash}, ":")
	if account != "" {
		s += ":" + account
	}

	return s
}

// ParseCommitMemo is the inverse of FormatCommitMemo.
func ParseCommitMemo(s string) (types.Commitment, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 5 || len(parts) > 6 || parts[0] != memoVersion {
		return types.Commitment{}, fmt.Errorf("%w: memo %q is not a commitment", types.ErrNotFound, s)
	}

	e := types.EventType(parts[1])
	if _, ok := e.CommitCode(); !ok {
		return types.Commitment{}, fmt.Errorf("%w: memo %q is not a commitment", types.ErrNotFound, s)
	}

	return types.Commitment{EventType: e, OrgID: parts[2], SubjectID: parts[3], PayloadHash: parts[4]}, nil
}

func issueMemo(idempotencyKey string) string {
	return memoVersion + ":issue:" + idempotencyKey
}

// decodeMint reads supply and decimals of an spl-token mint account.
func decodeMint(data []byte) (*types.MintInfo, bool) {
	if len(data) != mintSize || data[45] != 1 { // is_initialized
		return nil, false
	}

	supply := binary.LittleEndian.Uint64(data[36:44])

	return &types.MintInfo{Decimals: data[44], Supply: fmt.Sprintf("%d", supply)}, true
}
