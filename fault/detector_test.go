package fault

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"go.dedis.ch/handover"
	"go.dedis.ch/handover/ballot"
	"go.dedis.ch/handover/dag"
	"go.dedis.ch/kyber/v3/util/random"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
)

func TestMain(m *testing.M) {
	log.MainTest(m)
}

func sign(t *testing.T, kp *ballot.KeyPair, gen uint64, value string) ballot.SignedVote {
	sv, err := ballot.Vote{Generation: gen, Ballot: ballot.NewPropose([]byte(value))}.Sign(kp)
	require.NoError(t, err)
	return sv
}

func TestDetector_Inspect(t *testing.T) {
	kps, vs := ballot.GenerateElders(4, random.New(rand.New(rand.NewSource(1))))
	store := dag.NewStore()
	d := NewDetector(store, vs)

	a := sign(t, kps[1], 7, "x")
	require.Nil(t, d.Inspect(store.Insert(a)))
	require.Nil(t, d.Inspect(store.Insert(a)))

	a2 := sign(t, kps[1], 7, "y")
	f := d.Inspect(store.Insert(a2))
	require.NotNil(t, f)
	require.Equal(t, kps[1].ID(), f.Voter)
	require.NoError(t, f.Verify(vs))
	require.True(t, d.IsFaulty(kps[1].ID(), 7))
	require.False(t, d.IsFaulty(kps[1].ID(), 8))
	require.True(t, store.Excluded(kps[1].ID(), 7))
	require.Equal(t, uint64(1), d.FaultyWeight(7))

	// A third conflicting vote does not produce another fault.
	a3 := sign(t, kps[1], 7, "z")
	require.Nil(t, d.Inspect(store.Insert(a3)))
	require.Equal(t, 1, len(d.Faults(7)))
	require.Equal(t, 3, len(store.VotesOf(kps[1].ID(), 7)))
}

func TestDetector_Learn(t *testing.T) {
	kps, vs := ballot.GenerateElders(4, random.New(rand.New(rand.NewSource(2))))
	store := dag.NewStore()
	d := NewDetector(store, vs)

	var faults []ballot.Fault
	for _, kp := range kps[2:] {
		f, err := ballot.NewFault(sign(t, kp, 3, "x"), sign(t, kp, 3, "y"))
		require.NoError(t, err)
		faults = append(faults, f)
	}
	for i := len(faults) - 1; i >= 0; i-- {
		fresh, err := d.Learn(faults[i])
		require.NoError(t, err)
		require.True(t, fresh)
	}
	fresh, err := d.Learn(faults[0])
	require.NoError(t, err)
	require.False(t, fresh)

	got := d.Faults(3)
	require.Equal(t, 2, len(got))
	require.Equal(t, kps[2].ID(), got[0].Voter)
	require.Equal(t, kps[3].ID(), got[1].Voter)
	require.Equal(t, uint64(2), d.FaultyWeight(3))
	require.Equal(t, [][]byte{kps[2].ID(), kps[3].ID()}, store.ExcludedVoters(3))

	bogus := ballot.Fault{Voter: kps[0].ID(), VoteA: sign(t, kps[0], 3, "x"), VoteB: sign(t, kps[1], 3, "y")}
	_, err = d.Learn(bogus)
	require.True(t, xerrors.Is(err, handover.ErrInvalidFault))
	require.False(t, d.IsFaulty(kps[0].ID(), 3))
}
