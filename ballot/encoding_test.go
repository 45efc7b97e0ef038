package ballot

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.dedis.ch/handover"
	"go.dedis.ch/protobuf"
	"golang.org/x/xerrors"
)

func TestEncoding_SignedVote(t *testing.T) {
	kps, vs := GenerateElders(4, testStream(10))
	a := sign(t, kps[0], 3, NewPropose([]byte("x")))
	b := sign(t, kps[0], 3, NewPropose([]byte("y")))
	c := sign(t, kps[1], 3, NewPropose([]byte("x")))
	f, err := NewFault(a, b)
	require.NoError(t, err)
	m := sign(t, kps[2], 3, NewMerge([]SignedVote{c, a}), f)

	buf, err := EncodeSignedVote(m)
	require.NoError(t, err)
	m2, err := DecodeSignedVote(buf)
	require.NoError(t, err)
	require.Equal(t, m.ID(), m2.ID())
	require.NoError(t, m2.Verify(vs))
	require.Equal(t, KindMerge, m2.Vote.Ballot.Kind())
	require.Equal(t, 2, len(m2.Vote.Ballot.Citations()))
	require.Equal(t, 1, len(m2.Vote.KnownFaults))

	buf2, err := EncodeSignedVote(m2)
	require.NoError(t, err)
	require.Equal(t, buf, buf2)

	// Decoding garbage fails without panicking.
	_, err = DecodeSignedVote([]byte{0xff, 0xff, 0xff})
	require.Error(t, err)
}

func TestEncoding_Fault(t *testing.T) {
	kps, vs := GenerateElders(4, testStream(11))
	a := sign(t, kps[0], 3, NewPropose([]byte("x")))
	b := sign(t, kps[0], 3, NewPropose([]byte("y")))
	f, err := NewFault(a, b)
	require.NoError(t, err)

	buf, err := EncodeFault(f)
	require.NoError(t, err)
	f2, err := DecodeFault(buf)
	require.NoError(t, err)
	require.NoError(t, f2.Verify(vs))
	require.Equal(t, f.VoteA.ID(), f2.VoteA.ID())
	require.Equal(t, f.VoteB.ID(), f2.VoteB.ID())
}

func TestEncoding_DecisionAndShare(t *testing.T) {
	d := Decision{
		Generation: 5,
		Value:      []byte("x"),
		Proof:      Proof{Threshold: &ThresholdProof{Signature: []byte{1, 2, 3}}},
	}
	buf, err := EncodeDecision(d)
	require.NoError(t, err)
	d2, err := DecodeDecision(buf)
	require.NoError(t, err)
	require.Equal(t, d, d2)

	s := SignatureShare{Generation: 5, Share: []byte{4, 5, 6}}
	buf, err = EncodeShare(s)
	require.NoError(t, err)
	s2, err := DecodeShare(buf)
	require.NoError(t, err)
	require.Equal(t, s, s2)
}

func TestEncoding_Version(t *testing.T) {
	buf, err := protobuf.Encode(&shareEnvelope{
		Version: WireVersion + 1,
		Share:   SignatureShare{Generation: 1, Share: []byte{1}},
	})
	require.NoError(t, err)
	_, err = DecodeShare(buf)
	require.True(t, xerrors.Is(err, handover.ErrUnsupportedVersion))

	buf, err = protobuf.Encode(&signedVoteEnvelope{Version: 0})
	require.NoError(t, err)
	_, err = DecodeSignedVote(buf)
	require.True(t, xerrors.Is(err, handover.ErrUnsupportedVersion))
}
