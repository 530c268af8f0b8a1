package solana

import (
	"crypto/sha256"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
)

// Seeds of the governance program accounts.
const (
	seedOrganization    = "organization"
	seedProposal        = "proposal"
	seedProposalResults = "proposal_results"
)

// id16 returns the 16-byte form of an id: the uuid bytes, or a sha256 prefix for non uuid ids.
func id16(id string) []byte {
	if u, err := uuid.Parse(id); err == nil {
		return u[:]
	}

	h := sha256.Sum256([]byte(id))

	return h[:16]
}

// OrganizationAddress derives the organization account of the governance program.
func OrganizationAddress(program solana.PublicKey, orgID string) (solana.PublicKey, error) {
	pda, _, err := solana.FindProgramAddress([][]byte{[]byte(seedOrganization), id16(orgID)}, program)

	return pda, err
}

// ProposalAddress derives the proposal account of the governance program.
func ProposalAddress(program solana.PublicKey, orgID, proposalID string) (solana.PublicKey, error) {
	org, err := OrganizationAddress(program, orgID)
	if err != nil {
		return solana.PublicKey{}, err
	}

	pda, _, err := solana.FindProgramAddress([][]byte{[]byte(seedProposal), org.Bytes(), id16(proposalID)}, program)

	return pda, err
}

// ProposalResultsAddress derives the results account of a proposal.
func ProposalResultsAddress(program solana.PublicKey, orgID, proposalID string) (solana.PublicKey, error) {
	proposal, err := ProposalAddress(program, orgID, proposalID)
	if err != nil {
		return solana.PublicKey{}, err
	}

	pda, _, err := solana.FindProgramAddress([][]byte{[]byte(seedProposalResults), proposal.Bytes()}, program)

	return pda, err
}
