package ballot

import (
	"bytes"
	"fmt"

	"go.dedis.ch/handover"
	"golang.org/x/xerrors"
)

// Fault is the proof that a voter equivocated: two votes signed by the same
// voter for the same generation where neither supersedes the other. Anyone
// holding the fault can verify it without trusting the reporter.
type Fault struct {
	Voter []byte
	VoteA SignedVote
	VoteB SignedVote
}

// NewFault creates the fault of the two conflicting votes. The votes are
// ordered by identifier so that every elder builds the same fault out of the
// same pair.
func NewFault(a, b SignedVote) (Fault, error) {
	if !bytes.Equal(a.Voter, b.Voter) {
		return Fault{}, xerrors.Errorf("votes of different voters: %w", handover.ErrInvalidFault)
	}
	if b.ID().Less(a.ID()) {
		a, b = b, a
	}
	return Fault{Voter: a.Voter, VoteA: a, VoteB: b}, nil
}

// Generation returns the generation the fault belongs to.
func (f Fault) Generation() uint64 {
	return f.VoteA.Vote.Generation
}

// Verify checks that the fault proves an equivocation of an elder of the set.
func (f Fault) Verify(voters *VoterSet) error {
	if !bytes.Equal(f.Voter, f.VoteA.Voter) || !bytes.Equal(f.Voter, f.VoteB.Voter) {
		return xerrors.Errorf("votes are not from the faulty voter: %w", handover.ErrInvalidFault)
	}
	if f.VoteA.Vote.Generation != f.VoteB.Vote.Generation {
		return xerrors.Errorf("votes of generations %d and %d: %w", f.VoteA.Vote.Generation,
			f.VoteB.Vote.Generation, handover.ErrInvalidFault)
	}
	if err := f.VoteA.Verify(voters); err != nil {
		return xerrors.Errorf("first vote: %v: %w", err, handover.ErrInvalidFault)
	}
	if err := f.VoteB.Verify(voters); err != nil {
		return xerrors.Errorf("second vote: %v: %w", err, handover.ErrInvalidFault)
	}
	if f.VoteA.ID() == f.VoteB.ID() {
		return xerrors.Errorf("identical votes: %w", handover.ErrInvalidFault)
	}
	if f.VoteA.Supersedes(f.VoteB) || f.VoteB.Supersedes(f.VoteA) {
		return xerrors.Errorf("votes are on the same chain: %w", handover.ErrInvalidFault)
	}
	return nil
}

func (f Fault) String() string {
	return fmt.Sprintf("fault(%s@%d: %v / %v)", ShortID(f.Voter), f.Generation(),
		f.VoteA.Vote.Ballot, f.VoteB.Vote.Ballot)
}
