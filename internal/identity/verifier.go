// Package identity authenticates vote authorship. The default scheme is an
// HMAC over the vote's canonical fields with a cluster-shared secret; DID
// signature schemes plug in behind the same interface.
package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/terminal-bench/govmesh/internal/executor"
)

// HMACVerifier implements executor.SignatureVerifier with HMAC-SHA256.
type HMACVerifier struct {
	secret []byte
}

// NewHMACVerifier creates a verifier sharing the given secret.
func NewHMACVerifier(secret string) *HMACVerifier {
	return &HMACVerifier{secret: []byte(secret)}
}

// Sign produces the signature an agent attaches to its vote.
func (v *HMACVerifier) Sign(proposalID string, vote *executor.ProposalVote) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(canonical(proposalID, vote)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks the vote's signature over its canonical fields.
func (v *HMACVerifier) Verify(proposalID string, vote *executor.ProposalVote) bool {
	expected := v.Sign(proposalID, vote)
	return hmac.Equal([]byte(expected), []byte(vote.Signature))
}

// canonical serializes the authenticated fields: agent DID, vote choice,
// role, weight and timestamp, bound to the proposal.
func canonical(proposalID string, vote *executor.ProposalVote) string {
	return fmt.Sprintf("%s|%s|%s|%s|%.9f|%d",
		proposalID, vote.AgentDID, vote.Vote, vote.Role, vote.Weight, vote.Timestamp.UnixMilli())
}
