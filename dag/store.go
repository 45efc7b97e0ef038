// Package dag stores the validated votes of an elder. Votes are kept in an
// append-only map keyed by their identifier and citations are kept as
// identifiers, which is what makes the history a directed acyclic graph: a
// vote can only cite votes that existed before it was signed.
package dag

import (
	"bytes"
	"sort"

	"go.dedis.ch/handover/ballot"
	"go.dedis.ch/onet/v3/log"
)

// InsertKind is the result of an insertion in the store.
type InsertKind int

const (
	// Accepted means the vote is new and consistent with the other votes of
	// its voter.
	Accepted InsertKind = iota
	// DuplicateIdentical means the vote was already stored.
	DuplicateIdentical
	// Equivocation means the vote is new but conflicts with a vote of the
	// same voter and generation. It is stored anyway.
	Equivocation
)

func (k InsertKind) String() string {
	switch k {
	case Accepted:
		return "accepted"
	case DuplicateIdentical:
		return "duplicate"
	case Equivocation:
		return "equivocation"
	default:
		return "unknown"
	}
}

// InsertOutcome tells what happened to an inserted vote. Existing is only set
// for an Equivocation and holds the stored vote the new one conflicts with.
type InsertOutcome struct {
	Kind     InsertKind
	Existing ballot.SignedVote
	New      ballot.SignedVote
}

type entry struct {
	vote  ballot.SignedVote
	cites []ballot.VoteID
}

type voterKey struct {
	generation uint64
	voter      string
}

// Store is the vote store of one elder. It is not safe for concurrent use;
// the handover engine serializes the calls.
type Store struct {
	entries  map[ballot.VoteID]*entry
	byVoter  map[voterKey][]ballot.VoteID
	byGen    map[uint64][]ballot.VoteID
	excluded map[voterKey]bool
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		entries:  make(map[ballot.VoteID]*entry),
		byVoter:  make(map[voterKey][]ballot.VoteID),
		byGen:    make(map[uint64][]ballot.VoteID),
		excluded: make(map[voterKey]bool),
	}
}

// Flatten returns the vote and every vote it cites, directly or not, each
// once, citations before the votes citing them. Inserting the result in order
// keeps the store closed under citation.
func Flatten(sv ballot.SignedVote) []ballot.SignedVote {
	var out []ballot.SignedVote
	seen := make(map[ballot.VoteID]bool)
	var walk func(v ballot.SignedVote)
	walk = func(v ballot.SignedVote) {
		id := v.ID()
		if seen[id] {
			return
		}
		seen[id] = true
		for _, c := range v.Vote.Ballot.Citations() {
			walk(c)
		}
		out = append(out, v)
	}
	walk(sv)
	return out
}

// Insert stores the vote. The votes it cites are expected to be stored
// already, see Flatten.
func (s *Store) Insert(sv ballot.SignedVote) InsertOutcome {
	id := sv.ID()
	if _, ok := s.entries[id]; ok {
		return InsertOutcome{Kind: DuplicateIdentical, New: sv}
	}

	cited := sv.Vote.Ballot.Citations()
	e := &entry{vote: sv, cites: make([]ballot.VoteID, len(cited))}
	for i, c := range cited {
		e.cites[i] = c.ID()
	}

	key := voterKey{generation: sv.Vote.Generation, voter: string(sv.Voter)}
	var conflicts []ballot.VoteID
	for _, other := range s.byVoter[key] {
		if !s.supersedes(id, other, e) && !s.supersedes(other, id, nil) {
			conflicts = append(conflicts, other)
		}
	}

	s.entries[id] = e
	s.byVoter[key] = append(s.byVoter[key], id)
	s.byGen[key.generation] = append(s.byGen[key.generation], id)

	if len(conflicts) > 0 {
		sort.Slice(conflicts, func(i, j int) bool {
			return conflicts[i].Less(conflicts[j])
		})
		log.Lvlf3("equivocation of %s at %d: %v and %v", ballot.ShortID(sv.Voter),
			key.generation, conflicts[0], id)
		return InsertOutcome{Kind: Equivocation, Existing: s.entries[conflicts[0]].vote, New: sv}
	}
	log.Lvlf4("stored %v as %v", sv, id)
	return InsertOutcome{Kind: Accepted, New: sv}
}

// Supersedes returns true when the vote a is b or cites it through the stored
// graph.
func (s *Store) Supersedes(a, b ballot.VoteID) bool {
	return s.supersedes(a, b, nil)
}

// supersedes walks the citations from a. The pending entry stands for a when
// a is not stored yet.
func (s *Store) supersedes(a, b ballot.VoteID, pending *entry) bool {
	visited := make(map[ballot.VoteID]bool)
	stack := []ballot.VoteID{a}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == b {
			return true
		}
		if visited[id] {
			continue
		}
		visited[id] = true
		e, ok := s.entries[id]
		if !ok && id == a && pending != nil {
			e, ok = pending, true
		}
		if !ok {
			continue
		}
		stack = append(stack, e.cites...)
	}
	return false
}

// Get returns the stored vote.
func (s *Store) Get(id ballot.VoteID) (ballot.SignedVote, bool) {
	e, ok := s.entries[id]
	if !ok {
		return ballot.SignedVote{}, false
	}
	return e.vote, true
}

// Has returns true if the vote is stored.
func (s *Store) Has(id ballot.VoteID) bool {
	_, ok := s.entries[id]
	return ok
}

// Len returns the number of stored votes.
func (s *Store) Len() int {
	return len(s.entries)
}

// VotesFor returns the votes of the generation sorted by identifier, so that
// two stores holding the same votes return the same list.
func (s *Store) VotesFor(generation uint64) []ballot.SignedVote {
	ids := append([]ballot.VoteID{}, s.byGen[generation]...)
	sort.Slice(ids, func(i, j int) bool {
		return ids[i].Less(ids[j])
	})
	votes := make([]ballot.SignedVote, len(ids))
	for i, id := range ids {
		votes[i] = s.entries[id].vote
	}
	return votes
}

// VotesOf returns the votes of the voter in the generation sorted by
// identifier.
func (s *Store) VotesOf(voter []byte, generation uint64) []ballot.SignedVote {
	ids := append([]ballot.VoteID{}, s.byVoter[voterKey{generation, string(voter)}]...)
	sort.Slice(ids, func(i, j int) bool {
		return ids[i].Less(ids[j])
	})
	votes := make([]ballot.SignedVote, len(ids))
	for i, id := range ids {
		votes[i] = s.entries[id].vote
	}
	return votes
}

// Head returns the vote of the voter that supersedes all its other votes of
// the generation. There is none if the voter did not vote or equivocated.
func (s *Store) Head(voter []byte, generation uint64) (ballot.SignedVote, bool) {
	ids := s.byVoter[voterKey{generation, string(voter)}]
	for _, candidate := range ids {
		all := true
		for _, other := range ids {
			if !s.supersedes(candidate, other, nil) {
				all = false
				break
			}
		}
		if all {
			return s.entries[candidate].vote, true
		}
	}
	return ballot.SignedVote{}, false
}

// Heads returns the heads of the voters of the generation that are not
// excluded, sorted by identifier.
func (s *Store) Heads(generation uint64) []ballot.SignedVote {
	var heads []ballot.SignedVote
	for _, voter := range s.voters(generation) {
		if s.excluded[voterKey{generation, voter}] {
			continue
		}
		if h, ok := s.Head([]byte(voter), generation); ok {
			heads = append(heads, h)
		}
	}
	ballot.SortVotes(heads)
	return heads
}

// WeightSupporting returns the weight of the voters, excluded ones left out,
// whose head supports the value: its candidate contains the value. A Merge
// head supports every value it merges, a SuperMajority head only the candidate
// its evidence elects.
func (s *Store) WeightSupporting(voters *ballot.VoterSet, value []byte, generation uint64) uint64 {
	var weight uint64
	for _, h := range s.Heads(generation) {
		c, err := ballot.CandidateOf(voters, h)
		if err != nil {
			log.Lvl3("no candidate for", h, ":", err)
			continue
		}
		if c.Contains(value) {
			weight += voters.Weight(h.Voter)
		}
	}
	return weight
}

// Exclude marks the voter as faulty for the generation. Its votes stay in the
// store but are not counted anymore.
func (s *Store) Exclude(voter []byte, generation uint64) {
	s.excluded[voterKey{generation, string(voter)}] = true
}

// Excluded returns true if the voter is excluded from the generation.
func (s *Store) Excluded(voter []byte, generation uint64) bool {
	return s.excluded[voterKey{generation, string(voter)}]
}

// ExcludedVoters returns the voters excluded from the generation, sorted.
func (s *Store) ExcludedVoters(generation uint64) [][]byte {
	var out [][]byte
	for k := range s.excluded {
		if k.generation == generation {
			out = append(out, []byte(k.voter))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i], out[j]) < 0
	})
	return out
}

// voters returns the voters with votes in the generation, sorted.
func (s *Store) voters(generation uint64) []string {
	var out []string
	for k := range s.byVoter {
		if k.generation == generation {
			out = append(out, k.voter)
		}
	}
	sort.Strings(out)
	return out
}
