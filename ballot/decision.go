package ballot

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"go.dedis.ch/handover"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/sign/bls"
	"golang.org/x/xerrors"
)

// decisionDomain separates the decision messages from any other message
// signed with the threshold keys.
var decisionDomain = []byte("handover-decision-v1")

// DecisionMessage returns the message signed by the threshold scheme for the
// decision of a value at a generation.
func DecisionMessage(generation uint64, value []byte) []byte {
	h := sha256.New()
	h.Write(decisionDomain)
	var gen [8]byte
	binary.BigEndian.PutUint64(gen[:], generation)
	h.Write(gen[:])
	h.Write(value)
	return h.Sum(nil)
}

// ThresholdProof is the group signature recovered from the partial
// signatures of the elders.
type ThresholdProof struct {
	Signature []byte
}

// QuorumProof is the set of SuperMajority votes whose weight meets the
// threshold.
type QuorumProof struct {
	Votes []SignedVote
}

// Proof proves a decision. Exactly one of the fields is set.
type Proof struct {
	Threshold *ThresholdProof
	Quorum    *QuorumProof
}

// Decision is the value decided for a generation along with its proof. It is
// produced once and can be handed to any third party.
type Decision struct {
	Generation uint64
	Value      []byte
	Proof      Proof
}

// Verify checks the proof of the decision. A threshold proof is checked
// against the group key; a quorum proof is re-derived from the votes and needs
// the voter set.
func (d Decision) Verify(voters *VoterSet, groupKey kyber.Point) error {
	switch {
	case d.Proof.Threshold != nil && d.Proof.Quorum == nil:
		if groupKey == nil {
			return xerrors.New("missing group key to verify a threshold proof")
		}
		msg := DecisionMessage(d.Generation, d.Value)
		if err := bls.Verify(handover.Suite, groupKey, msg, d.Proof.Threshold.Signature); err != nil {
			return xerrors.Errorf("threshold signature: %v: %w", err, handover.ErrInvalidSignature)
		}
		return nil
	case d.Proof.Quorum != nil && d.Proof.Threshold == nil:
		return d.verifyQuorum(voters)
	default:
		return xerrors.New("decision without a proof")
	}
}

func (d Decision) verifyQuorum(voters *VoterSet) error {
	if voters == nil {
		return xerrors.New("missing voter set to verify a quorum proof")
	}
	seen := make(map[string]bool)
	for _, sv := range d.Proof.Quorum.Votes {
		if sv.Vote.Generation != d.Generation {
			return xerrors.Errorf("vote of generation %d: %w", sv.Vote.Generation,
				handover.ErrInvalidBallotEvidence)
		}
		if sv.Vote.Ballot.Kind() != KindSuperMajority {
			return xerrors.Errorf("%v is not a supermajority: %w", sv, handover.ErrInvalidBallotEvidence)
		}
		if seen[string(sv.Voter)] {
			return xerrors.Errorf("two votes of %s: %w", ShortID(sv.Voter), handover.ErrInvalidBallotEvidence)
		}
		seen[string(sv.Voter)] = true
		if err := sv.Verify(voters); err != nil {
			return err
		}
	}
	ev, err := DeriveSuperMajority(voters, d.Generation, d.Proof.Quorum.Votes, nil)
	if err != nil {
		return err
	}
	if !bytes.Equal(ev.Candidate.Resolve(), d.Value) {
		return xerrors.Errorf("quorum elects %v, not %x: %w", ev.Candidate, d.Value,
			handover.ErrInvalidBallotEvidence)
	}
	return nil
}

func (d Decision) String() string {
	kind := "quorum"
	if d.Proof.Threshold != nil {
		kind = "threshold"
	}
	return fmt.Sprintf("decision(%d: %x, %s)", d.Generation, d.Value, kind)
}

// SignatureShare is the partial signature of an elder over the decision
// message. The index of the share is embedded in the signature.
type SignatureShare struct {
	Generation uint64
	Share      []byte
}
