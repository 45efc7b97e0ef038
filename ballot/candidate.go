package ballot

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	"go.dedis.ch/handover"
	"golang.org/x/xerrors"
)

// Candidate is the sorted set of values a vote supports. A Propose supports
// one value, a Merge supports the union of what it cites and a SuperMajority
// supports the candidate its evidence elects.
type Candidate [][]byte

// NewCandidate returns the candidate of the values, sorted and without
// duplicates.
func NewCandidate(values ...[]byte) Candidate {
	c := make(Candidate, 0, len(values))
	for _, v := range values {
		c = append(c, v)
	}
	sort.Slice(c, func(i, j int) bool {
		return bytes.Compare(c[i], c[j]) < 0
	})
	out := c[:0]
	for i, v := range c {
		if i > 0 && bytes.Equal(v, out[len(out)-1]) {
			continue
		}
		out = append(out, v)
	}
	return out
}

// Union returns the candidate supporting the values of both.
func (c Candidate) Union(other Candidate) Candidate {
	all := make([][]byte, 0, len(c)+len(other))
	all = append(all, c...)
	all = append(all, other...)
	return NewCandidate(all...)
}

// Contains returns true when the value is part of the candidate.
func (c Candidate) Contains(value []byte) bool {
	i := sort.Search(len(c), func(i int) bool {
		return bytes.Compare(c[i], value) >= 0
	})
	return i < len(c) && bytes.Equal(c[i], value)
}

// Key returns a string uniquely representing the candidate, usable as a map
// key.
func (c Candidate) Key() string {
	var sb strings.Builder
	var l [binary.MaxVarintLen64]byte
	for _, v := range c {
		n := binary.PutUvarint(l[:], uint64(len(v)))
		sb.Write(l[:n])
		sb.Write(v)
	}
	return sb.String()
}

// Equal returns true when both candidates hold the same values.
func (c Candidate) Equal(other Candidate) bool {
	return c.Key() == other.Key()
}

// Resolve returns the single value a decided candidate stands for: the lowest
// of its values. A candidate of one value resolves to it.
func (c Candidate) Resolve() []byte {
	if len(c) == 0 {
		return nil
	}
	return c[0]
}

func (c Candidate) String() string {
	parts := make([]string, len(c))
	for i, v := range c {
		parts[i] = fmt.Sprintf("%x", v)
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// Evidence is a supermajority derived from raw signed votes.
type Evidence struct {
	Candidate Candidate
	Weight    uint64
	// Votes are the latest votes of the voters supporting the candidate,
	// sorted by identifier.
	Votes []SignedVote
}

// CandidateOf returns the candidate the vote supports. It fails for a
// SuperMajority ballot whose evidence does not elect a candidate.
func CandidateOf(voters *VoterSet, sv SignedVote) (Candidate, error) {
	return newDeriver(voters).candidate(sv)
}

// DeriveSuperMajority tallies the votes of the generation and returns the
// candidate supported by a supermajority of the voters. Only the latest vote
// of every voter is counted, votes of other generations never are. Voters for which excluded returns true, voters with conflicting
// votes and unknown voters are ignored. It returns ErrInvalidBallotEvidence
// when no candidate meets the threshold.
func DeriveSuperMajority(voters *VoterSet, generation uint64, votes []SignedVote,
	excluded func([]byte) bool) (*Evidence, error) {
	return newDeriver(voters).superMajority(generation, votes, excluded)
}

// deriver memoizes the candidates of the votes it walks through, nested votes
// being cited by many ballots.
type deriver struct {
	voters     *VoterSet
	candidates map[VoteID]Candidate
}

func newDeriver(voters *VoterSet) *deriver {
	return &deriver{
		voters:     voters,
		candidates: make(map[VoteID]Candidate),
	}
}

func (d *deriver) candidate(sv SignedVote) (Candidate, error) {
	id := sv.ID()
	if c, ok := d.candidates[id]; ok {
		return c, nil
	}
	var c Candidate
	b := sv.Vote.Ballot
	switch b.Kind() {
	case KindPropose:
		c = NewCandidate(b.Propose.Value)
	case KindMerge:
		for _, cited := range b.Merge.Votes {
			cc, err := d.candidate(cited)
			if err != nil {
				return nil, err
			}
			c = c.Union(cc)
		}
	case KindSuperMajority:
		faulty := faultyVoters(sv.Vote.KnownFaults)
		ev, err := d.superMajority(sv.Vote.Generation, b.SuperMajority.Votes, func(id []byte) bool {
			return faulty[string(id)]
		})
		if err != nil {
			return nil, xerrors.Errorf("supermajority of %s: %w", ShortID(sv.Voter), err)
		}
		c = ev.Candidate
	default:
		return nil, xerrors.Errorf("vote of %s: %w", ShortID(sv.Voter), handover.ErrMalformedBallot)
	}
	d.candidates[id] = c
	return c, nil
}

func (d *deriver) superMajority(gen uint64, votes []SignedVote, excluded func([]byte) bool) (*Evidence, error) {
	var current []SignedVote
	for _, sv := range votes {
		if sv.Vote.Generation == gen {
			current = append(current, sv)
		}
	}
	heads := Heads(current)
	type tally struct {
		candidate Candidate
		weight    uint64
		votes     []SignedVote
	}
	tallies := make(map[string]*tally)
	var keys []string
	for _, h := range heads {
		if excluded != nil && excluded(h.Voter) {
			continue
		}
		w := d.voters.Weight(h.Voter)
		if w == 0 {
			continue
		}
		c, err := d.candidate(h)
		if err != nil {
			return nil, err
		}
		t, ok := tallies[c.Key()]
		if !ok {
			t = &tally{candidate: c}
			tallies[c.Key()] = t
			keys = append(keys, c.Key())
		}
		t.weight += w
		t.votes = append(t.votes, h)
	}
	sort.Strings(keys)
	for _, k := range keys {
		t := tallies[k]
		if d.voters.IsSuperMajority(t.weight) {
			return &Evidence{
				Candidate: t.candidate,
				Weight:    t.weight,
				Votes:     t.votes,
			}, nil
		}
	}
	return nil, xerrors.Errorf("no candidate reaches %d: %w", d.voters.Threshold(),
		handover.ErrInvalidBallotEvidence)
}

// Heads returns, for every voter of the list, the vote that supersedes all its
// other votes of the list. Voters whose votes conflict have no head. The
// heads are sorted by identifier.
func Heads(votes []SignedVote) []SignedVote {
	byVoter := make(map[string][]SignedVote)
	var voters []string
	for _, v := range votes {
		k := string(v.Voter)
		if _, ok := byVoter[k]; !ok {
			voters = append(voters, k)
		}
		byVoter[k] = append(byVoter[k], v)
	}
	var heads []SignedVote
	for _, k := range voters {
		if h, ok := headOf(byVoter[k]); ok {
			heads = append(heads, h)
		}
	}
	SortVotes(heads)
	return heads
}

func headOf(votes []SignedVote) (SignedVote, bool) {
	for _, candidate := range votes {
		all := true
		for _, other := range votes {
			if !candidate.Supersedes(other) {
				all = false
				break
			}
		}
		if all {
			return candidate, true
		}
	}
	return SignedVote{}, false
}

func faultyVoters(faults []Fault) map[string]bool {
	m := make(map[string]bool)
	for _, f := range faults {
		m[string(f.Voter)] = true
	}
	return m
}

// SortVotes sorts the votes by identifier so that lists of votes do not depend
// on the order they were received in.
func SortVotes(votes []SignedVote) {
	ids := make(map[int]VoteID)
	idx := make([]int, len(votes))
	for i := range votes {
		idx[i] = i
		ids[i] = votes[i].ID()
	}
	sort.Slice(idx, func(a, b int) bool {
		return ids[idx[a]].Less(ids[idx[b]])
	})
	sorted := make([]SignedVote, len(votes))
	for i, j := range idx {
		sorted[i] = votes[j]
	}
	copy(votes, sorted)
}
