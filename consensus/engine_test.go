package consensus

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"go.dedis.ch/handover"
	"go.dedis.ch/handover/ballot"
	"go.dedis.ch/kyber/v3/util/random"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
)

func TestMain(m *testing.M) {
	log.MainTest(m)
}

type packet struct {
	from  int
	vote  *ballot.SignedVote
	share *ballot.SignatureShare
}

// testNet is a minimal gossip network delivering every packet to every other
// elder in order.
type testNet struct {
	t      *testing.T
	kps    []*ballot.KeyPair
	voters *ballot.VoterSet
	elders []*Handover
	queue  []packet
}

func newTestNet(t *testing.T, n int, seed int64, gen uint64, opts func(i int) []Option) *testNet {
	kps, vs := ballot.GenerateElders(n, random.New(rand.New(rand.NewSource(seed))))
	tn := &testNet{t: t, kps: kps, voters: vs}
	for i, kp := range kps {
		var o []Option
		if opts != nil {
			o = opts(i)
		}
		h, err := NewHandover(kp, gen, vs, o...)
		require.NoError(t, err)
		tn.elders = append(tn.elders, h)
	}
	return tn
}

func (tn *testNet) propose(i int, value string) ballot.SignedVote {
	sv, err := tn.elders[i].Propose([]byte(value))
	require.NoError(tn.t, err)
	tn.queue = append(tn.queue, packet{from: i, vote: &sv})
	if s := tn.elders[i].Share(); s != nil {
		tn.queue = append(tn.queue, packet{from: i, share: s})
	}
	return sv
}

func (tn *testNet) drain(withShares bool) {
	for len(tn.queue) > 0 {
		p := tn.queue[0]
		tn.queue = tn.queue[1:]
		for to, h := range tn.elders {
			if to == p.from {
				continue
			}
			if p.share != nil {
				if withShares {
					_, err := h.HandlePartialSignature(*p.share)
					require.NoError(tn.t, err)
				}
				continue
			}
			out, err := h.HandleSignedVote(*p.vote)
			require.NoError(tn.t, err)
			if out.Vote != nil {
				tn.queue = append(tn.queue, packet{from: to, vote: out.Vote})
			}
			if out.Share != nil {
				tn.queue = append(tn.queue, packet{from: to, share: out.Share})
			}
		}
	}
}

func (tn *testNet) requireDecided(value string) {
	for i, h := range tn.elders {
		d := h.Decision()
		require.NotNil(tn.t, d, "elder %d did not decide", i)
		require.Equal(tn.t, []byte(value), d.Value)
		require.NoError(tn.t, d.Verify(tn.voters, h.GroupKey()))
		require.Equal(tn.t, Decided, h.State())
	}
}

func TestHandover_ThreeAgainstOne(t *testing.T) {
	tn := newTestNet(t, 4, 1, 1, nil)
	tn.propose(0, "X")
	tn.propose(1, "X")
	tn.propose(2, "X")
	tn.propose(3, "Y")
	tn.drain(false)
	tn.requireDecided("X")
	for _, h := range tn.elders {
		require.Equal(t, 0, len(h.Faults()))
		require.NotNil(t, h.Decision().Proof.Quorum)
	}
}

func TestHandover_SplitConverges(t *testing.T) {
	tn := newTestNet(t, 4, 2, 1, nil)
	tn.propose(0, "X")
	tn.propose(1, "X")
	tn.propose(2, "Y")
	tn.propose(3, "Y")
	tn.drain(false)
	// The merged candidate {X, Y} resolves to its lowest value.
	tn.requireDecided("X")
}

func TestHandover_Equivocation(t *testing.T) {
	tn := newTestNet(t, 4, 3, 7, nil)
	a := tn.kps[0]
	x, err := ballot.Vote{Generation: 7, Ballot: ballot.NewPropose([]byte("X"))}.Sign(a)
	require.NoError(t, err)
	y, err := ballot.Vote{Generation: 7, Ballot: ballot.NewPropose([]byte("Y"))}.Sign(a)
	require.NoError(t, err)

	b := tn.elders[1]
	out, err := b.HandleSignedVote(x)
	require.NoError(t, err)
	require.Equal(t, OutcomeAccepted, out.Kind)
	out, err = b.HandleSignedVote(y)
	require.NoError(t, err)
	require.Equal(t, OutcomeFaultDetected, out.Kind)
	require.Equal(t, 1, len(out.Faults))
	f := out.Faults[0]
	require.Equal(t, a.ID(), f.Voter)
	require.NoError(t, f.Verify(tn.voters))
	ids := map[ballot.VoteID]bool{f.VoteA.ID(): true, f.VoteB.ID(): true}
	require.True(t, ids[x.ID()] && ids[y.ID()])
	require.True(t, b.engine.Store().Excluded(a.ID(), 7))

	// The fault spreads with the known faults of the votes of B.
	tn.queue = append(tn.queue, packet{from: 0, vote: &x}, packet{from: 0, vote: &y})
	tn.propose(1, "X")
	tn.propose(2, "X")
	tn.propose(3, "X")
	tn.drain(false)
	for _, h := range tn.elders[1:] {
		d := h.Decision()
		require.NotNil(t, d)
		require.Equal(t, []byte("X"), d.Value)
		require.NoError(t, d.Verify(tn.voters, nil))
		require.Equal(t, 1, len(h.Faults()))
	}
}

func TestHandover_Idempotence(t *testing.T) {
	tn := newTestNet(t, 4, 4, 1, nil)
	sv := tn.propose(0, "X")
	h := tn.elders[1]
	out, err := h.HandleSignedVote(sv)
	require.NoError(t, err)
	require.Equal(t, OutcomeAccepted, out.Kind)
	n := len(h.AntiEntropy())

	out, err = h.HandleSignedVote(sv)
	require.NoError(t, err)
	require.Equal(t, OutcomeNoOp, out.Kind)
	require.Nil(t, out.Vote)
	require.Equal(t, n, len(h.AntiEntropy()))
	require.Equal(t, Merging, h.State())
}

func TestHandover_OrderIndependence(t *testing.T) {
	tn := newTestNet(t, 5, 5, 1, nil)
	// The last elder stays out of the gossip.
	tn.elders = tn.elders[:4]
	for i := 0; i < 4; i++ {
		tn.propose(i, "X")
	}
	tn.drain(false)
	votes := tn.elders[0].AntiEntropy()
	for _, sv := range votes {
		require.NotEqual(t, tn.kps[4].ID(), sv.Voter)
	}

	rnd := rand.New(rand.NewSource(5))
	for round := 0; round < 3; round++ {
		h, err := NewHandover(tn.kps[4], 1, tn.voters)
		require.NoError(t, err)
		for _, i := range rnd.Perm(len(votes)) {
			_, err := h.HandleSignedVote(votes[i])
			require.NoError(t, err)
		}
		require.Equal(t, Decided, h.State())
		require.Equal(t, []byte("X"), h.Decision().Value)
	}
}

func TestHandover_Generations(t *testing.T) {
	tn := newTestNet(t, 4, 6, 5, nil)
	h := tn.elders[0]
	require.Equal(t, uint64(5), h.CurrentGeneration())

	old, err := ballot.Vote{Generation: 4, Ballot: ballot.NewPropose([]byte("X"))}.Sign(tn.kps[1])
	require.NoError(t, err)
	_, err = h.HandleSignedVote(old)
	require.True(t, xerrors.Is(err, handover.ErrStaleGeneration))

	future, err := ballot.Vote{Generation: 6, Ballot: ballot.NewPropose([]byte("X"))}.Sign(tn.kps[1])
	require.NoError(t, err)
	_, err = h.HandleSignedVote(future)
	require.True(t, xerrors.Is(err, handover.ErrFutureGeneration))

	require.NoError(t, h.ResetForGeneration(6, tn.voters))
	require.Equal(t, uint64(6), h.CurrentGeneration())
	require.Equal(t, Proposing, h.State())
	out, err := h.HandleSignedVote(future)
	require.NoError(t, err)
	require.Equal(t, OutcomeAccepted, out.Kind)

	_, err = h.HandlePartialSignature(ballot.SignatureShare{Generation: 5, Share: []byte{1}})
	require.True(t, xerrors.Is(err, handover.ErrStaleGeneration))
}

func TestHandover_InvalidEvidence(t *testing.T) {
	tn := newTestNet(t, 4, 7, 1, nil)
	var props []ballot.SignedVote
	for _, kp := range tn.kps[:2] {
		sv, err := ballot.Vote{Generation: 1, Ballot: ballot.NewPropose([]byte("X"))}.Sign(kp)
		require.NoError(t, err)
		props = append(props, sv)
	}
	sm, err := ballot.Vote{Generation: 1, Ballot: ballot.NewSuperMajority(props)}.Sign(tn.kps[2])
	require.NoError(t, err)

	h := tn.elders[3]
	_, err = h.HandleSignedVote(sm)
	require.True(t, xerrors.Is(err, handover.ErrInvalidBallotEvidence))
	require.Equal(t, 1, h.engine.Strikes(tn.kps[2].ID()))
	require.Equal(t, 0, len(h.AntiEntropy()))

	outsider := ballot.NewKeyPair(random.New(rand.New(rand.NewSource(70))))
	sv, err := ballot.Vote{Generation: 1, Ballot: ballot.NewPropose([]byte("X"))}.Sign(outsider)
	require.NoError(t, err)
	_, err = h.HandleSignedVote(sv)
	require.True(t, xerrors.Is(err, handover.ErrUnknownVoter))
}

func TestHandover_EvidenceOfEarlierGeneration(t *testing.T) {
	tn := newTestNet(t, 4, 17, 5, nil)
	var props []ballot.SignedVote
	for _, kp := range tn.kps[:3] {
		sv, err := ballot.Vote{Generation: 4, Ballot: ballot.NewPropose([]byte("X"))}.Sign(kp)
		require.NoError(t, err)
		props = append(props, sv)
	}
	sm, err := ballot.Vote{Generation: 5, Ballot: ballot.NewSuperMajority(props)}.Sign(tn.kps[2])
	require.NoError(t, err)

	_, err = ballot.CandidateOf(tn.voters, sm)
	require.True(t, xerrors.Is(err, handover.ErrInvalidBallotEvidence))

	h := tn.elders[3]
	out, err := h.HandleSignedVote(sm)
	require.True(t, xerrors.Is(err, handover.ErrInvalidBallotEvidence))
	require.Nil(t, out)
	require.Equal(t, 0, len(h.AntiEntropy()))
	require.Equal(t, Proposing, h.State())
}

func TestHandover_Propose(t *testing.T) {
	tn := newTestNet(t, 4, 8, 1, func(i int) []Option {
		return []Option{WithValidator(func(v []byte) error {
			if len(v) == 0 {
				return xerrors.New("empty value")
			}
			return nil
		})}
	})
	h := tn.elders[0]
	_, err := h.Propose(nil)
	require.Error(t, err)
	sv, err := h.Propose([]byte("X"))
	require.NoError(t, err)
	require.Equal(t, ballot.KindPropose, sv.Vote.Ballot.Kind())
	head, ok := h.Head()
	require.True(t, ok)
	require.True(t, head.Equal(sv))
	_, err = h.Propose([]byte("Y"))
	require.Error(t, err)

	_, err = h.Aggregate()
	require.True(t, xerrors.Is(err, handover.ErrNotDecided))

	empty, err := ballot.Vote{Generation: 1, Ballot: ballot.NewPropose(nil)}.Sign(tn.kps[1])
	require.NoError(t, err)
	_, err = h.HandleSignedVote(empty)
	require.True(t, xerrors.Is(err, handover.ErrInvalidBallotEvidence))
}

func TestHandover_Byzantine(t *testing.T) {
	tn := newTestNet(t, 4, 9, 1, nil)
	h := tn.elders[3]
	for _, value := range []string{"X", "Y"} {
		for _, kp := range tn.kps[:3] {
			sv, err := ballot.Vote{Generation: 1, Ballot: ballot.NewPropose([]byte(value))}.Sign(kp)
			require.NoError(t, err)
			_, err = h.HandleSignedVote(sv)
			if value == "Y" && kp == tn.kps[2] {
				require.True(t, xerrors.Is(err, handover.ErrByzantineThresholdExceeded))
			} else {
				require.NoError(t, err)
			}
		}
	}
	_, err := h.Propose([]byte("X"))
	require.True(t, xerrors.Is(err, handover.ErrByzantineThresholdExceeded))
	require.Equal(t, 3, len(h.Faults()))
}
