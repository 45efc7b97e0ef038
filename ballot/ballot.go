// Package ballot defines the votes exchanged by the elders of a handover, the
// faults and decisions derived from them, and their wire encoding.
//
// A ballot is a closed union of three variants: Propose, Merge and
// SuperMajority. The union is represented as a struct with exactly one of its
// pointers set, which is the representation the protobuf encoding keeps
// stable. Every place interpreting a ballot switches over Kind.
package ballot

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"go.dedis.ch/handover"
	"go.dedis.ch/kyber/v3/sign/bls"
	"go.dedis.ch/protobuf"
	"golang.org/x/xerrors"
)

// Kind is the variant of a ballot.
type Kind int

const (
	// KindInvalid is the kind of a ballot with zero or several variants.
	KindInvalid Kind = iota
	// KindPropose is the kind of a Propose ballot.
	KindPropose
	// KindMerge is the kind of a Merge ballot.
	KindMerge
	// KindSuperMajority is the kind of a SuperMajority ballot.
	KindSuperMajority
)

func (k Kind) String() string {
	switch k {
	case KindPropose:
		return "propose"
	case KindMerge:
		return "merge"
	case KindSuperMajority:
		return "supermajority"
	default:
		return "invalid"
	}
}

// Propose is the ballot of an elder supporting a value.
type Propose struct {
	Value []byte
}

// Merge is the ballot of an elder that has seen competing votes and
// reconciles them.
type Merge struct {
	Votes []SignedVote
}

// SuperMajority is the ballot of an elder that observed that the cited votes
// already form a supermajority for one candidate.
type SuperMajority struct {
	Votes []SignedVote
}

// Ballot is the content of a vote. Exactly one of the fields is set.
type Ballot struct {
	Propose       *Propose
	Merge         *Merge
	SuperMajority *SuperMajority
}

// NewPropose returns a Propose ballot.
func NewPropose(value []byte) Ballot {
	return Ballot{Propose: &Propose{Value: value}}
}

// NewMerge returns a Merge ballot citing the votes.
func NewMerge(votes []SignedVote) Ballot {
	return Ballot{Merge: &Merge{Votes: votes}}
}

// NewSuperMajority returns a SuperMajority ballot citing the votes.
func NewSuperMajority(votes []SignedVote) Ballot {
	return Ballot{SuperMajority: &SuperMajority{Votes: votes}}
}

// Kind returns the variant of the ballot.
func (b Ballot) Kind() Kind {
	n := 0
	k := KindInvalid
	if b.Propose != nil {
		n++
		k = KindPropose
	}
	if b.Merge != nil {
		n++
		k = KindMerge
	}
	if b.SuperMajority != nil {
		n++
		k = KindSuperMajority
	}
	if n != 1 {
		return KindInvalid
	}
	return k
}

// Citations returns the votes cited by the ballot, none for a Propose.
func (b Ballot) Citations() []SignedVote {
	switch b.Kind() {
	case KindMerge:
		return b.Merge.Votes
	case KindSuperMajority:
		return b.SuperMajority.Votes
	default:
		return nil
	}
}

func (b Ballot) String() string {
	switch b.Kind() {
	case KindPropose:
		return fmt.Sprintf("P(%x)", b.Propose.Value)
	case KindMerge:
		return fmt.Sprintf("M(%d)", len(b.Merge.Votes))
	case KindSuperMajority:
		return fmt.Sprintf("SM(%d)", len(b.SuperMajority.Votes))
	default:
		return "invalid"
	}
}

// Vote is what an elder signs: a ballot for a generation along with the
// faults the elder knows about so that the faulty weight is excluded in the
// same way by everyone.
type Vote struct {
	Generation  uint64
	Ballot      Ballot
	KnownFaults []Fault
}

// Payload returns the canonical encoding of the vote that is signed.
func (v Vote) Payload() ([]byte, error) {
	buf, err := protobuf.Encode(&v)
	if err != nil {
		return nil, xerrors.Errorf("encoding vote: %v", err)
	}
	return buf, nil
}

// Sign signs the vote with the key pair.
func (v Vote) Sign(kp *KeyPair) (SignedVote, error) {
	msg, err := v.Payload()
	if err != nil {
		return SignedVote{}, err
	}
	sig, err := bls.Sign(handover.Suite, kp.Private, msg)
	if err != nil {
		return SignedVote{}, xerrors.Errorf("signing vote: %v", err)
	}
	return SignedVote{
		Vote:      v,
		Voter:     kp.ID(),
		Signature: sig,
	}, nil
}

// VoteID identifies a signed vote. It is the hash of its canonical encoding,
// signature included.
type VoteID [sha256.Size]byte

func (id VoteID) String() string {
	return hex.EncodeToString(id[:4])
}

// Less orders the identifiers.
func (id VoteID) Less(other VoteID) bool {
	return bytes.Compare(id[:], other[:]) < 0
}

// SignedVote binds a vote to its voter. It is the unit of exchange and of
// storage.
type SignedVote struct {
	Vote      Vote
	Voter     []byte
	Signature []byte
}

// ID returns the identifier of the signed vote.
func (sv SignedVote) ID() VoteID {
	buf, err := protobuf.Encode(&sv)
	if err != nil {
		// The encoding only fails for types that cannot be encoded,
		// which cannot happen for a SignedVote.
		panic(err)
	}
	return sha256.Sum256(buf)
}

// Equal returns true if both signed votes are identical.
func (sv SignedVote) Equal(other SignedVote) bool {
	return sv.ID() == other.ID()
}

// Verify checks that the voter is part of the voter set and that the
// signature matches the vote. Nested votes are not checked, see Verifier for a
// complete validation.
func (sv SignedVote) Verify(voters *VoterSet) error {
	elder, ok := voters.Lookup(sv.Voter)
	if !ok {
		return xerrors.Errorf("voter %s: %w", ShortID(sv.Voter), handover.ErrUnknownVoter)
	}
	msg, err := sv.Vote.Payload()
	if err != nil {
		return err
	}
	if err := bls.Verify(handover.Suite, elder.Public, msg, sv.Signature); err != nil {
		return xerrors.Errorf("vote of %s: %v: %w", ShortID(sv.Voter), err, handover.ErrInvalidSignature)
	}
	return nil
}

func (sv SignedVote) String() string {
	return fmt.Sprintf("%s@%d:%v", ShortID(sv.Voter), sv.Vote.Generation, sv.Vote.Ballot)
}

// Supersedes returns true if the vote is the other vote or cites it, directly
// or through the votes it cites.
func (sv SignedVote) Supersedes(other SignedVote) bool {
	target := other.ID()
	visited := make(map[VoteID]bool)
	var walk func(v SignedVote) bool
	walk = func(v SignedVote) bool {
		id := v.ID()
		if id == target {
			return true
		}
		if visited[id] {
			return false
		}
		visited[id] = true
		for _, c := range v.Vote.Ballot.Citations() {
			if walk(c) {
				return true
			}
		}
		return false
	}
	return walk(sv)
}
