package ballot

import (
	lru "github.com/hashicorp/golang-lru"
	"go.dedis.ch/handover"
	"golang.org/x/xerrors"
)

// DefaultCacheSize is the number of verified votes remembered by a Verifier.
const DefaultCacheSize = 4096

// ValueValidator checks a proposed value. A vote proposing a refused value
// is invalid.
type ValueValidator func(value []byte) error

// Verifier validates signed votes against a voter set, nested votes and known
// faults included. Votes that passed are remembered by their identifier so
// that evidence cited again and again is only checked once.
type Verifier struct {
	voters   *VoterSet
	validate ValueValidator
	verified *lru.Cache
}

// NewVerifier creates a verifier for the voter set. The validator is
// optional.
func NewVerifier(voters *VoterSet, validate ValueValidator, cacheSize int) (*Verifier, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, xerrors.Errorf("creating cache: %v", err)
	}
	return &Verifier{
		voters:   voters,
		validate: validate,
		verified: cache,
	}, nil
}

// Voters returns the voter set of the verifier.
func (v *Verifier) Voters() *VoterSet {
	return v.voters
}

// Verify validates the signed vote: the voter is an elder, the signatures of
// the vote and of every nested vote match, the ballots are well formed, cited
// votes are of the generation of the vote citing them, the evidence of
// SuperMajority ballots reaches the threshold and the known faults are valid.
func (v *Verifier) Verify(sv SignedVote) error {
	return v.verify(sv, sv.Vote.Generation)
}

func (v *Verifier) verify(sv SignedVote, gen uint64) error {
	id := sv.ID()
	if sv.Vote.Generation != gen {
		return xerrors.Errorf("%v cites generation %d: %w", sv, sv.Vote.Generation,
			handover.ErrInvalidBallotEvidence)
	}
	if v.verified.Contains(id) {
		return nil
	}
	if err := sv.Verify(v.voters); err != nil {
		return err
	}

	b := sv.Vote.Ballot
	switch b.Kind() {
	case KindPropose:
		if v.validate != nil {
			if err := v.validate(b.Propose.Value); err != nil {
				return xerrors.Errorf("proposal of %s: %v: %w", ShortID(sv.Voter), err,
					handover.ErrInvalidBallotEvidence)
			}
		}
	case KindMerge, KindSuperMajority:
		cited := b.Citations()
		if len(cited) == 0 {
			return xerrors.Errorf("%v cites no vote: %w", sv, handover.ErrMalformedBallot)
		}
		for _, c := range cited {
			if err := v.verify(c, sv.Vote.Generation); err != nil {
				return err
			}
		}
		if b.Kind() == KindSuperMajority {
			if _, err := CandidateOf(v.voters, sv); err != nil {
				return err
			}
		}
	default:
		return xerrors.Errorf("vote of %s: %w", ShortID(sv.Voter), handover.ErrMalformedBallot)
	}

	for _, f := range sv.Vote.KnownFaults {
		if err := v.VerifyFault(f); err != nil {
			return err
		}
		if f.Generation() > sv.Vote.Generation {
			return xerrors.Errorf("fault of generation %d: %w", f.Generation(), handover.ErrInvalidFault)
		}
	}

	v.verified.Add(id, struct{}{})
	return nil
}

// VerifyFault checks the fault against the voter set of the verifier.
func (v *Verifier) VerifyFault(f Fault) error {
	return f.Verify(v.voters)
}
