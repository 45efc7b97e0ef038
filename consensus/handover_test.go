package consensus

import (
	"io/ioutil"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.dedis.ch/handover"
	"go.dedis.ch/handover/ballot"
	"go.dedis.ch/handover/journal"
	"go.dedis.ch/handover/tsig"
	"go.dedis.ch/kyber/v3/util/random"
	"golang.org/x/xerrors"
)

func TestHandover_Threshold(t *testing.T) {
	keys := tsig.Deal(3, 4, random.New(rand.New(rand.NewSource(10))))
	tn := newTestNet(t, 4, 10, 2, func(i int) []Option {
		s := tsig.NewThresholdScheme()
		require.NoError(t, s.Add(2, keys[i]))
		return []Option{WithScheme(s)}
	})
	tn.propose(0, "X")
	tn.propose(1, "X")
	tn.propose(2, "Y")
	tn.propose(3, "X")

	// Without the shares of the others, nobody can prove the decision.
	tn.drain(false)
	var shares []packet
	for i, h := range tn.elders {
		require.Equal(t, Decided, h.State())
		require.Nil(t, h.Decision())
		_, err := h.Aggregate()
		require.True(t, xerrors.Is(err, handover.ErrInsufficientShares))
		s := h.Share()
		require.NotNil(t, s)
		shares = append(shares, packet{from: i, share: s})
	}

	tn.queue = shares
	tn.drain(true)
	tn.requireDecided("X")
	sig := tn.elders[0].Decision().Proof.Threshold.Signature
	for _, h := range tn.elders {
		require.Equal(t, sig, h.Decision().Proof.Threshold.Signature)
		require.True(t, h.GroupKey().Equal(keys[0].GroupKey()))
		d, err := h.Aggregate()
		require.NoError(t, err)
		require.Equal(t, sig, d.Proof.Threshold.Signature)
	}
}

func TestHandover_ThresholdUnavailable(t *testing.T) {
	// No key share for the generation: the decision is proven by a quorum.
	tn := newTestNet(t, 4, 11, 3, func(i int) []Option {
		return []Option{WithScheme(tsig.NewThresholdScheme())}
	})
	for i := range tn.elders {
		tn.propose(i, "X")
	}
	tn.drain(true)
	tn.requireDecided("X")
	require.NotNil(t, tn.elders[0].Decision().Proof.Quorum)
	_, err := tn.elders[0].HandlePartialSignature(ballot.SignatureShare{Generation: 3, Share: []byte{1}})
	require.NoError(t, err)
}

func TestHandover_JournalReplay(t *testing.T) {
	dir, err := ioutil.TempDir("", "handover")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	var journals []*journal.Journal
	for i := 0; i < 4; i++ {
		j, err := journal.Open(filepath.Join(dir, string(rune('a'+i))+".db"))
		require.NoError(t, err)
		journals = append(journals, j)
	}
	defer func() {
		for _, j := range journals {
			j.Close()
		}
	}()

	tn := newTestNet(t, 4, 12, 1, func(i int) []Option {
		return []Option{WithJournal(journals[i])}
	})
	tn.propose(0, "X")
	tn.propose(1, "X")
	tn.propose(2, "X")
	tn.drain(false)
	head, ok := tn.elders[3].Head()
	require.True(t, ok)

	// A restarted elder finds its votes and its decision back.
	h, err := NewHandover(tn.kps[3], 1, tn.voters, WithJournal(journals[3]))
	require.NoError(t, err)
	require.Equal(t, Decided, h.State())
	require.NotNil(t, h.Decision())
	require.Equal(t, []byte("X"), h.Decision().Value)
	restored, ok := h.Head()
	require.True(t, ok)
	require.True(t, restored.Equal(head))
	_, err = h.Propose([]byte("Y"))
	require.Error(t, err)

	// Other generations start empty.
	require.NoError(t, h.ResetForGeneration(2, tn.voters))
	require.Equal(t, Proposing, h.State())
	require.Nil(t, h.Decision())
}
