package solana

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/gagliardetto/solana-go"

	"github.com/fanengagement/chainadp/lib/chain/types"
)

const (
	maxNameLength  = 100
	maxTitleLength = 200
)

// discriminator returns the 8-byte Anchor tag of an instruction ("global") or account ("account").
func discriminator(namespace, name string) []byte {
	h := sha256.Sum256([]byte(namespace + ":" + name))

	return h[:8:8]
}

var (
	ixCreateOrganization   = discriminator("global", "create_organization")
	ixCreateProposal       = discriminator("global", "create_proposal")
	ixUpdateProposalStatus = discriminator("global", "update_proposal_status")
	ixCommitVoteResults    = discriminator("global", "commit_vote_results")
	ixFinalizeProposal     = discriminator("global", "finalize_proposal")

	accOrganization    = discriminator("account", "OrganizationAccount")
	accProposal        = discriminator("account", "ProposalAccount")
	accProposalResults = discriminator("account", "ProposalResultsAccount")
)

// proposalStatuses in the order of the on-chain enum.
var proposalStatuses = []string{types.ProposalDraft, types.ProposalOpen, types.ProposalClosed, types.ProposalFinalized}

func statusIndex(status string) int {
	for i, s := range proposalStatuses {
		if s == status {
			return i
		}
	}

	return -1
}

// borsh appends values in the borsh encoding used by the program.
type borsh []byte

func (b borsh) raw(v []byte) borsh { return append(b, v...) }

func (b borsh) str(s string) borsh {
	b = binary.LittleEndian.AppendUint32(b, uint32(len(s)))

	return append(b, s...)
}

func (b borsh) u8(v uint8) borsh { return append(b, v) }

func (b borsh) u64(v uint64) borsh { return binary.LittleEndian.AppendUint64(b, v) }

func (b borsh) boolean(v bool) borsh {
	if v {
		return append(b, 1)
	}

	return append(b, 0)
}

func (b borsh) optTime(t *time.Time) borsh {
	if t == nil {
		return append(b, 0)
	}

	return binary.LittleEndian.AppendUint64(append(b, 1), uint64(t.Unix()))
}

func (b borsh) optU16(v *uint16) borsh {
	if v == nil {
		return append(b, 0)
	}

	return binary.LittleEndian.AppendUint16(append(b, 1), *v)
}

func (b borsh) optID(id string) borsh {
	if id == "" {
		return append(b, 0)
	}

	return append(append(b, 1), id16(id)...)
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}

	s = s[:n]
	for !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}

	return s
}

func createOrganizationIx(program, org, authority solana.PublicKey, orgID, name string) solana.Instruction {
	data := borsh(nil).raw(ixCreateOrganization).raw(id16(orgID)).str(truncate(name, maxNameLength))

	return solana.NewInstruction(program, solana.AccountMetaSlice{
		meta(org, true, false),
		meta(authority, true, true),
		meta(solana.SystemProgramID, false, false),
	}, data)
}

func createProposalIx(program, proposal, org, authority solana.PublicKey, r types.CommitRequest,
	h [32]byte) solana.Instruction {
	d := r.Details
	if d == nil {
		d = &types.GovernanceDetails{}
	}

	title := d.Title
	if title == "" {
		title = r.SubjectID
	}

	data := borsh(nil).raw(ixCreateProposal).raw(id16(r.SubjectID)).raw(id16(r.OrgID)).
		str(truncate(title, maxTitleLength)).raw(h[:]).optTime(d.StartAt).optTime(d.EndAt).
		u64(d.EligibleVotingPower).optU16(d.QuorumRequirement)

	return solana.NewInstruction(program, solana.AccountMetaSlice{
		meta(proposal, true, false),
		meta(org, true, false),
		meta(authority, true, true),
		meta(solana.SystemProgramID, false, false),
	}, data)
}

func updateProposalStatusIx(program, proposal, org, authority solana.PublicKey, status string) solana.Instruction {
	data := borsh(nil).raw(ixUpdateProposalStatus).u8(uint8(statusIndex(status)))

	return solana.NewInstruction(program, solana.AccountMetaSlice{
		meta(proposal, true, false),
		meta(org, false, false),
		meta(authority, false, true),
		meta(solana.SystemProgramID, false, false),
	}, data)
}

func commitVoteResultsIx(program, results, proposal, org, authority solana.PublicKey, d *types.GovernanceDetails,
	h [32]byte) solana.Instruction {
	if d == nil {
		d = &types.GovernanceDetails{}
	}

	data := borsh(nil).raw(ixCommitVoteResults).raw(h[:]).optID(d.WinningOptionID).u64(d.TotalVotesCast).
		boolean(d.QuorumMet)

	return solana.NewInstruction(program, solana.AccountMetaSlice{
		meta(results, true, false),
		meta(proposal, true, false),
		meta(org, false, false),
		meta(authority, true, true),
		meta(solana.SystemProgramID, false, false),
	}, data)
}

func finalizeProposalIx(program, proposal, results, org, authority solana.PublicKey) solana.Instruction {
	return solana.NewInstruction(program, solana.AccountMetaSlice{
		meta(proposal, true, false),
		meta(results, true, false),
		meta(org, false, false),
		meta(authority, false, true),
	}, borsh(nil).raw(ixFinalizeProposal))
}

// decodeGovernance reads an account of the governance program.
func decodeGovernance(data []byte) (*types.GovernanceAccount, bool) {
	if len(data) < 8 {
		return nil, false
	}

	switch tag := data[:8]; {
	case bytes.Equal(tag, accOrganization):
		return &types.GovernanceAccount{Kind: types.AccountOrganization}, true
	case bytes.Equal(tag, accProposal):
		return decodeProposal(data)
	case bytes.Equal(tag, accProposalResults):
		return decodeResults(data)
	}

	return nil, false
}

// decodeProposal reads the status of a ProposalAccount: discriminator, proposal and organization ids, title,
// content hash, status.
func decodeProposal(data []byte) (*types.GovernanceAccount, bool) {
	const titleAt = 8 + 16 + 16
	if len(data) < titleAt+4 {
		return nil, false
	}

	n := int(binary.LittleEndian.Uint32(data[titleAt:]))
	at := titleAt + 4 + n + 32

	if n > maxTitleLength || len(data) <= at || int(data[at]) >= len(proposalStatuses) {
		return nil, false
	}

	status := proposalStatuses[data[at]]

	return &types.GovernanceAccount{Kind: types.AccountProposal, Status: status,
		Finalized: status == types.ProposalFinalized}, true
}

// decodeResults reads a ProposalResultsAccount: discriminator, proposal id, results hash, optional winning option,
// total votes, quorum met, closed at, optional finalized at.
func decodeResults(data []byte) (*types.GovernanceAccount, bool) {
	const hashAt = 8 + 16

	at := hashAt + 32
	if len(data) <= at {
		return nil, false
	}

	g := &types.GovernanceAccount{Kind: types.AccountProposalResults,
		ResultsHash: hex.EncodeToString(data[hashAt:at])}

	if data[at] == 1 {
		at += 16
	}

	at++

	if len(data) < at+8+1+8+1 {
		return nil, false
	}

	g.TotalVotesCast = binary.LittleEndian.Uint64(data[at:])
	g.QuorumMet = data[at+8] == 1
	g.Finalized = data[at+8+1+8] == 1

	return g, true
}

// governanceAccount reads and decodes a program account. It returns nil when the account does not exist.
func (s *Solana) governanceAccount(ctx context.Context, pk solana.PublicKey) (*types.GovernanceAccount, error) {
	acc, err := s.c.Account(ctx, pk)
	if err != nil {
		return nil, types.Unavailable("get_account_info", err)
	}

	if acc == nil {
		return nil, nil
	}

	g, ok := decodeGovernance(acc.Data)
	if !acc.Owner.Equals(s.program) || !ok {
		return nil, types.Invalidf("account %s is not a governance program account", pk)
	}

	return g, nil
}

// governance returns the program instructions that apply a lifecycle event. Nothing is returned when the account
// already shows the event, so commitments can be retried.
func (s *Solana) governance(ctx context.Context, r types.CommitRequest, h [32]byte,
	authority solana.PublicKey) ([]solana.Instruction, error) {
	if s.program.IsZero() {
		return nil, nil
	}

	org, err := OrganizationAddress(s.program, r.OrgID)
	if err != nil {
		return nil, types.Invalidf("cannot derive organization account: %v", err)
	}

	if r.EventType == types.EventOrganizationCreated {
		return s.createOrganization(ctx, r, org, authority)
	}

	proposal, err := ProposalAddress(s.program, r.OrgID, r.SubjectID)
	if err != nil {
		return nil, types.Invalidf("cannot derive proposal account: %v", err)
	}

	results, err := ProposalResultsAddress(s.program, r.OrgID, r.SubjectID)
	if err != nil {
		return nil, types.Invalidf("cannot derive results account: %v", err)
	}

	var target string

	switch r.EventType {
	case types.EventProposalCreated:
		p, err := s.governanceAccount(ctx, proposal)
		if err != nil || p != nil {
			return nil, err
		}

		// organizations that predate the program are created along with their first proposal
		ixs, err := s.createOrganization(ctx, r, org, authority)
		if err != nil {
			return nil, err
		}

		return append(ixs, createProposalIx(s.program, proposal, org, authority, r, h)), nil
	case types.EventProposalOpened:
		target = types.ProposalOpen
	case types.EventProposalClosed, types.EventResultsCommitted:
		target = types.ProposalClosed
	case types.EventProposalFinalized:
		target = types.ProposalFinalized
	default:
		return nil, nil
	}

	p, err := s.governanceAccount(ctx, proposal)
	if err != nil {
		return nil, err
	}

	if p == nil {
		return nil, types.Invalidf("proposal %s is not on chain", r.SubjectID)
	}

	current, want := statusIndex(p.Status), statusIndex(target)

	switch r.EventType {
	case types.EventProposalOpened, types.EventProposalClosed:
		if current >= want {
			return nil, nil
		}

		if current != want-1 {
			return nil, types.Invalidf("proposal %s is %s, cannot move to %s", r.SubjectID, p.Status, target)
		}

		return []solana.Instruction{updateProposalStatusIx(s.program, proposal, org, authority, target)}, nil
	case types.EventResultsCommitted:
		res, err := s.governanceAccount(ctx, results)
		if err != nil || res != nil {
			return nil, err
		}

		if current != want {
			return nil, types.Invalidf("proposal %s is %s, results need it Closed", r.SubjectID, p.Status)
		}

		return []solana.Instruction{commitVoteResultsIx(s.program, results, proposal, org, authority, r.Details,
			h)}, nil
	}

	if current >= want {
		return nil, nil
	}

	if current != want-1 {
		return nil, types.Invalidf("proposal %s is %s, cannot be finalized", r.SubjectID, p.Status)
	}

	res, err := s.governanceAccount(ctx, results)
	if err != nil {
		return nil, err
	}

	if res == nil {
		return nil, types.Invalidf("results of proposal %s are not committed", r.SubjectID)
	}

	return []solana.Instruction{finalizeProposalIx(s.program, proposal, results, org, authority)}, nil
}

func (s *Solana) createOrganization(ctx context.Context, r types.CommitRequest, org,
	authority solana.PublicKey) ([]solana.Instruction, error) {
	o, err := s.governanceAccount(ctx, org)
	if err != nil || o != nil {
		return nil, err
	}

	name := r.OrgID
	if r.EventType == types.EventOrganizationCreated && r.Details != nil && r.Details.Name != "" {
		name = r.Details.Name
	}

	return []solana.Instruction{createOrganizationIx(s.program, org, authority, r.OrgID, name)}, nil
}

// results reads the committed results of a proposal. The account is authoritative for results.committed.
func (s *Solana) results(ctx context.Context, c types.Commitment) (*types.GovernanceAccount, error) {
	pda, err := ProposalResultsAddress(s.program, c.OrgID, c.SubjectID)
	if err != nil {
		return nil, types.Invalidf("cannot derive results account: %v", err)
	}

	g, err := s.governanceAccount(ctx, pda)
	if err != nil {
		return nil, err
	}

	if g == nil || g.Kind != types.AccountProposalResults {
		return nil, fmt.Errorf("%w: results account %s of proposal %s", types.ErrNotFound, pda, c.SubjectID)
	}

	return g, nil
}
