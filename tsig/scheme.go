// Package tsig produces the proofs of the decisions. Two schemes are
// available: the quorum scheme proves a decision with the SuperMajority votes
// that led to it, and the threshold scheme aggregates the partial BLS
// signatures of the elders into one group signature.
package tsig

import (
	"go.dedis.ch/handover"
	"go.dedis.ch/handover/ballot"
	"go.dedis.ch/kyber/v3"
	"golang.org/x/xerrors"
)

// Scheme creates the prover of a generation.
type Scheme interface {
	Name() string
	Prover(generation uint64, voters *ballot.VoterSet) (Prover, error)
}

// Prover builds the proof of the decision of one generation.
type Prover interface {
	// Prove is called once the value is decided. It returns the decision if
	// it can be proven right away and the signature share of the elder, if
	// the scheme uses shares.
	Prove(value []byte, evidence []ballot.SignedVote) (*ballot.Decision, *ballot.SignatureShare, error)
	// AddShare adds the signature share of another elder. It returns the
	// decision as soon as enough shares are known.
	AddShare(s ballot.SignatureShare) (*ballot.Decision, error)
	// Aggregate returns the decision if it can be proven.
	Aggregate() (*ballot.Decision, error)
	// GroupKey returns the key the proofs verify against, nil for schemes
	// verified with the voter set.
	GroupKey() kyber.Point
}

// QuorumScheme proves the decisions with the quorum of SuperMajority votes.
type QuorumScheme struct{}

// NewQuorumScheme returns the quorum scheme.
func NewQuorumScheme() QuorumScheme {
	return QuorumScheme{}
}

// Name implements Scheme.
func (QuorumScheme) Name() string {
	return "quorum"
}

// Prover implements Scheme.
func (QuorumScheme) Prover(generation uint64, voters *ballot.VoterSet) (Prover, error) {
	return &quorumProver{generation: generation}, nil
}

type quorumProver struct {
	generation uint64
	decision   *ballot.Decision
}

func (p *quorumProver) Prove(value []byte, evidence []ballot.SignedVote) (*ballot.Decision, *ballot.SignatureShare, error) {
	if p.decision == nil {
		votes := append([]ballot.SignedVote{}, evidence...)
		ballot.SortVotes(votes)
		p.decision = &ballot.Decision{
			Generation: p.generation,
			Value:      value,
			Proof:      ballot.Proof{Quorum: &ballot.QuorumProof{Votes: votes}},
		}
	}
	return p.decision, nil, nil
}

func (p *quorumProver) AddShare(s ballot.SignatureShare) (*ballot.Decision, error) {
	return nil, xerrors.Errorf("quorum scheme: %w", handover.ErrThresholdUnavailable)
}

func (p *quorumProver) Aggregate() (*ballot.Decision, error) {
	if p.decision == nil {
		return nil, handover.ErrNotDecided
	}
	return p.decision, nil
}

func (p *quorumProver) GroupKey() kyber.Point {
	return nil
}
