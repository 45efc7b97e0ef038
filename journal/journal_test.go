package journal

import (
	"io/ioutil"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.dedis.ch/handover/ballot"
	"go.dedis.ch/kyber/v3/util/random"
	"go.dedis.ch/onet/v3/log"
)

func TestMain(m *testing.M) {
	log.MainTest(m)
}

func TestJournal(t *testing.T) {
	dir, err := ioutil.TempDir("", "journal")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "votes.db")

	kps, _ := ballot.GenerateElders(3, random.New(rand.New(rand.NewSource(1))))
	var votes []ballot.SignedVote
	for i, kp := range kps {
		sv, err := ballot.Vote{Generation: uint64(i % 2), Ballot: ballot.NewPropose([]byte{byte(i)})}.Sign(kp)
		require.NoError(t, err)
		votes = append(votes, sv)
	}

	j, err := Open(path)
	require.NoError(t, err)
	for _, sv := range votes {
		require.NoError(t, j.Append(sv.Vote.Generation, sv))
	}
	require.NoError(t, j.Append(votes[0].Vote.Generation, votes[0]))
	require.NoError(t, j.Close())

	j, err = Open(path)
	require.NoError(t, err)
	defer j.Close()

	gens, err := j.Generations()
	require.NoError(t, err)
	require.Equal(t, []uint64{0, 1}, gens)

	loaded, err := j.Load(0)
	require.NoError(t, err)
	require.Equal(t, 2, len(loaded))
	require.True(t, loaded[0].ID().Less(loaded[1].ID()))
	for _, sv := range loaded {
		require.True(t, sv.Equal(votes[0]) || sv.Equal(votes[2]))
	}

	none, err := j.Load(5)
	require.NoError(t, err)
	require.Equal(t, 0, len(none))

	require.NoError(t, j.Prune(1))
	gens, err = j.Generations()
	require.NoError(t, err)
	require.Equal(t, []uint64{1}, gens)
	loaded, err = j.Load(1)
	require.NoError(t, err)
	require.Equal(t, 1, len(loaded))
	require.True(t, loaded[0].Equal(votes[1]))
}
