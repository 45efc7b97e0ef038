package dag

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"go.dedis.ch/handover/ballot"
	"go.dedis.ch/kyber/v3/util/random"
	"go.dedis.ch/onet/v3/log"
)

func TestMain(m *testing.M) {
	log.MainTest(m)
}

func elders(t *testing.T, n int, seed int64) ([]*ballot.KeyPair, *ballot.VoterSet) {
	return ballot.GenerateElders(n, random.New(rand.New(rand.NewSource(seed))))
}

func sign(t *testing.T, kp *ballot.KeyPair, gen uint64, b ballot.Ballot) ballot.SignedVote {
	sv, err := ballot.Vote{Generation: gen, Ballot: b}.Sign(kp)
	require.NoError(t, err)
	return sv
}

func insertAll(s *Store, sv ballot.SignedVote) []InsertOutcome {
	var outs []InsertOutcome
	for _, v := range Flatten(sv) {
		outs = append(outs, s.Insert(v))
	}
	return outs
}

func TestStore_Insert(t *testing.T) {
	kps, _ := elders(t, 4, 1)
	s := NewStore()
	a := sign(t, kps[0], 1, ballot.NewPropose([]byte("x")))

	out := s.Insert(a)
	require.Equal(t, Accepted, out.Kind)
	require.True(t, s.Has(a.ID()))
	require.Equal(t, 1, s.Len())

	out = s.Insert(a)
	require.Equal(t, DuplicateIdentical, out.Kind)
	require.Equal(t, 1, s.Len())

	got, ok := s.Get(a.ID())
	require.True(t, ok)
	require.True(t, got.Equal(a))

	// A superseding vote of the same voter is fine.
	b := sign(t, kps[1], 1, ballot.NewPropose([]byte("y")))
	require.Equal(t, Accepted, s.Insert(b).Kind)
	m := sign(t, kps[0], 1, ballot.NewMerge([]ballot.SignedVote{a, b}))
	require.Equal(t, Accepted, s.Insert(m).Kind)
	require.True(t, s.Supersedes(m.ID(), a.ID()))
	require.False(t, s.Supersedes(a.ID(), m.ID()))

	// A second proposal conflicts with both.
	a2 := sign(t, kps[0], 1, ballot.NewPropose([]byte("z")))
	out = s.Insert(a2)
	require.Equal(t, Equivocation, out.Kind)
	require.True(t, out.New.Equal(a2))
	require.True(t, out.Existing.Equal(a) || out.Existing.Equal(m))
	require.True(t, s.Has(a2.ID()))
	require.Equal(t, 4, s.Len())

	// The same vote of another generation is independent.
	require.Equal(t, Accepted, s.Insert(sign(t, kps[0], 2, ballot.NewPropose([]byte("z")))).Kind)
}

func TestStore_Flatten(t *testing.T) {
	kps, _ := elders(t, 4, 2)
	a := sign(t, kps[0], 1, ballot.NewPropose([]byte("x")))
	b := sign(t, kps[1], 1, ballot.NewPropose([]byte("y")))
	m := sign(t, kps[2], 1, ballot.NewMerge([]ballot.SignedVote{a, b}))
	m2 := sign(t, kps[3], 1, ballot.NewMerge([]ballot.SignedVote{m, a}))

	flat := Flatten(m2)
	require.Equal(t, 4, len(flat))
	require.True(t, flat[3].Equal(m2))
	pos := make(map[ballot.VoteID]int)
	for i, v := range flat {
		pos[v.ID()] = i
	}
	require.True(t, pos[a.ID()] < pos[m.ID()])
	require.True(t, pos[b.ID()] < pos[m.ID()])

	s := NewStore()
	for _, out := range insertAll(s, m2) {
		require.Equal(t, Accepted, out.Kind)
	}
	require.Equal(t, 4, s.Len())
}

func TestStore_Heads(t *testing.T) {
	kps, vs := elders(t, 4, 3)
	s := NewStore()
	a := sign(t, kps[0], 1, ballot.NewPropose([]byte("x")))
	b := sign(t, kps[1], 1, ballot.NewPropose([]byte("y")))
	c := sign(t, kps[2], 1, ballot.NewPropose([]byte("x")))
	m := sign(t, kps[0], 1, ballot.NewMerge([]ballot.SignedVote{a, b}))
	insertAll(s, m)
	insertAll(s, c)

	h, ok := s.Head(kps[0].ID(), 1)
	require.True(t, ok)
	require.True(t, h.Equal(m))
	_, ok = s.Head(kps[3].ID(), 1)
	require.False(t, ok)

	heads := s.Heads(1)
	require.Equal(t, 3, len(heads))
	for i := 1; i < len(heads); i++ {
		require.True(t, heads[i-1].ID().Less(heads[i].ID()))
	}

	require.Equal(t, uint64(2), s.WeightSupporting(vs, []byte("x"), 1))
	require.Equal(t, uint64(2), s.WeightSupporting(vs, []byte("y"), 1))
	require.Equal(t, uint64(0), s.WeightSupporting(vs, []byte("z"), 1))
	require.Equal(t, uint64(0), s.WeightSupporting(vs, []byte("x"), 2))

	s.Exclude(kps[0].ID(), 1)
	require.True(t, s.Excluded(kps[0].ID(), 1))
	require.False(t, s.Excluded(kps[0].ID(), 2))
	require.Equal(t, [][]byte{kps[0].ID()}, s.ExcludedVoters(1))
	require.Equal(t, 2, len(s.Heads(1)))
	require.Equal(t, uint64(1), s.WeightSupporting(vs, []byte("x"), 1))
	require.Equal(t, uint64(1), s.WeightSupporting(vs, []byte("y"), 1))

	// An equivocating voter has no head.
	c2 := sign(t, kps[2], 1, ballot.NewPropose([]byte("y")))
	require.Equal(t, Equivocation, s.Insert(c2).Kind)
	_, ok = s.Head(kps[2].ID(), 1)
	require.False(t, ok)
	require.Equal(t, 2, len(s.VotesOf(kps[2].ID(), 1)))
}

func TestStore_WeightSupporting(t *testing.T) {
	kps, vs := elders(t, 4, 5)
	s := NewStore()
	var props []ballot.SignedVote
	for i, v := range []string{"x", "y", "x", "x"} {
		props = append(props, sign(t, kps[i], 1, ballot.NewPropose([]byte(v))))
	}
	for _, p := range props {
		insertAll(s, p)
	}
	require.Equal(t, uint64(3), s.WeightSupporting(vs, []byte("x"), 1))
	require.Equal(t, uint64(1), s.WeightSupporting(vs, []byte("y"), 1))

	// The elder of y cites its own proposal in a supermajority for x: it
	// supports x only.
	sm := sign(t, kps[1], 1, ballot.NewSuperMajority([]ballot.SignedVote{
		props[0], props[1], props[2], props[3]}))
	insertAll(s, sm)
	require.Equal(t, uint64(4), s.WeightSupporting(vs, []byte("x"), 1))
	require.Equal(t, uint64(0), s.WeightSupporting(vs, []byte("y"), 1))
}

func TestStore_OrderIndependence(t *testing.T) {
	kps, _ := elders(t, 4, 4)
	var votes []ballot.SignedVote
	for i, kp := range kps {
		votes = append(votes, sign(t, kp, 1, ballot.NewPropose([]byte{byte(i % 2)})))
	}
	votes = append(votes, sign(t, kps[0], 1, ballot.NewMerge(votes[:4])))

	s1 := NewStore()
	for _, v := range votes {
		s1.Insert(v)
	}
	s2 := NewStore()
	rnd := rand.New(rand.NewSource(4))
	for _, i := range rnd.Perm(4) {
		s2.Insert(votes[i])
	}
	s2.Insert(votes[4])

	v1, v2 := s1.VotesFor(1), s2.VotesFor(1)
	require.Equal(t, len(v1), len(v2))
	for i := range v1 {
		require.True(t, v1[i].Equal(v2[i]))
	}
	h1, h2 := s1.Heads(1), s2.Heads(1)
	require.Equal(t, len(h1), len(h2))
	for i := range h1 {
		require.True(t, h1[i].Equal(h2[i]))
	}
}
