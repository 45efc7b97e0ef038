package simnet

import (
	"go.dedis.ch/handover/ballot"
)

// maxFaultyGeneration bounds the generations of random votes so that some
// are stale, some current and some ahead.
const maxFaultyGeneration = 7

// RandomBallot builds a random ballot out of the faulty elders. Propose
// ballots pick one of two values, which may not be the ones of the honest
// elders. Merge and SuperMajority ballots cite random faulty votes, down to
// the given depth.
func (n *Net) RandomBallot(depth int, faulty []int) (ballot.Ballot, error) {
	if depth == 0 || n.rng.Intn(2) == 0 {
		return ballot.NewPropose([]byte{byte(n.rng.Intn(2))}), nil
	}
	count := n.rng.Intn(len(n.Elders) * len(n.Elders))
	votes := make([]ballot.SignedVote, 0, count)
	for i := 0; i < count; i++ {
		sv, err := n.RandomVote(depth-1, faulty)
		if err != nil {
			return ballot.Ballot{}, err
		}
		votes = append(votes, sv)
	}
	if n.rng.Intn(2) == 0 {
		return ballot.NewMerge(votes), nil
	}
	return ballot.NewSuperMajority(votes), nil
}

// RandomVote returns a random vote signed by one of the faulty elders. The
// voter it claims is any elder, so most of these votes do not verify.
func (n *Net) RandomVote(depth int, faulty []int) (ballot.SignedVote, error) {
	signer := n.Keys[faulty[n.rng.Intn(len(faulty))]]
	b, err := n.RandomBallot(depth, faulty)
	if err != nil {
		return ballot.SignedVote{}, err
	}
	v := ballot.Vote{
		Generation: uint64(n.rng.Intn(maxFaultyGeneration)),
		Ballot:     b,
	}
	sv, err := v.Sign(signer)
	if err != nil {
		return ballot.SignedVote{}, err
	}
	sv.Voter = n.Keys[n.rng.Intn(len(n.Keys))].ID()
	return sv, nil
}

// InjectRandomVote queues a random vote from a faulty elder to a random
// elder.
func (n *Net) InjectRandomVote(depth int) error {
	faulty := n.faultyList()
	if len(faulty) == 0 {
		return nil
	}
	sv, err := n.RandomVote(depth, faulty)
	if err != nil {
		return err
	}
	buf, err := ballot.EncodeSignedVote(sv)
	if err != nil {
		return err
	}
	n.Enqueue(Packet{
		Source:  faulty[n.rng.Intn(len(faulty))],
		Dest:    n.rng.Intn(len(n.Elders)),
		Kind:    VotePacket,
		Payload: buf,
	})
	return nil
}

// InjectGarbage queues random bytes from a faulty elder to a random elder,
// as any kind of packet.
func (n *Net) InjectGarbage(size int) {
	faulty := n.faultyList()
	if len(faulty) == 0 {
		return
	}
	buf := make([]byte, n.rng.Intn(size+1))
	n.rng.Read(buf)
	n.Enqueue(Packet{
		Source:  faulty[n.rng.Intn(len(faulty))],
		Dest:    n.rng.Intn(len(n.Elders)),
		Kind:    PacketKind(n.rng.Intn(3)),
		Payload: buf,
	})
}

func (n *Net) faultyList() []int {
	var out []int
	for i := range n.Elders {
		if n.faulty[i] {
			out = append(out, i)
		}
	}
	return out
}
