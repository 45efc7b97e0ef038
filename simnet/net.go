// Package simnet is an in-memory gossip network of elders. Packets are queued
// per source and delivered in the order the test or the simulator asks for,
// which makes every run reproducible from the seed of its random source.
//
// Packets travel encoded, so that the wire format is exercised along with the
// handover itself. Faulty elders do not run the handover: they only inject
// packets built by the caller.
package simnet

import (
	"fmt"
	"math/rand"
	"sort"

	"go.dedis.ch/handover"
	"go.dedis.ch/handover/ballot"
	"go.dedis.ch/handover/consensus"
	"go.dedis.ch/handover/tsig"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/util/random"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
)

// PacketKind tells how the payload of a packet is decoded.
type PacketKind int

const (
	// VotePacket holds an encoded signed vote.
	VotePacket PacketKind = iota
	// FaultPacket holds an encoded fault.
	FaultPacket
	// SharePacket holds an encoded signature share.
	SharePacket
)

func (k PacketKind) String() string {
	switch k {
	case VotePacket:
		return "vote"
	case FaultPacket:
		return "fault"
	case SharePacket:
		return "share"
	default:
		return "unknown"
	}
}

// Packet is a message between two elders, given by their index in the net.
type Packet struct {
	Source  int
	Dest    int
	Kind    PacketKind
	Payload []byte
}

func (p Packet) String() string {
	return fmt.Sprintf("%d->%d %v(%d bytes)", p.Source, p.Dest, p.Kind, len(p.Payload))
}

// Net holds the elders and the packets in flight.
type Net struct {
	rng        *rand.Rand
	threshold  bool
	generation uint64

	Keys   []*ballot.KeyPair
	Voters *ballot.VoterSet
	Elders []*consensus.Handover

	schemes []*tsig.ThresholdScheme
	dealt   map[uint64][]*tsig.KeyShare
	faulty  map[int]bool
	queues  map[int][]Packet
	// future holds the packets of a generation the destination has not
	// reached yet.
	future []Packet
	// Delivered lists the packets handed to an elder, in delivery order.
	Delivered []Packet
}

// NewNet creates n elders of equal weight voting in the generation. The keys
// are drawn from the random source, and so are the threshold keys when
// threshold is set.
func NewNet(n int, generation uint64, threshold bool, rng *rand.Rand) (*Net, error) {
	if n < 1 {
		return nil, xerrors.New("need at least one elder")
	}
	kps, voters := ballot.GenerateElders(n, random.New(rng))
	net := &Net{
		rng:        rng,
		threshold:  threshold,
		generation: generation,
		Keys:       kps,
		Voters:     voters,
		dealt:      make(map[uint64][]*tsig.KeyShare),
		faulty:     make(map[int]bool),
		queues:     make(map[int][]Packet),
	}
	for i, kp := range kps {
		var opts []consensus.Option
		if threshold {
			s := tsig.NewThresholdScheme()
			if err := s.Add(generation, net.keysFor(generation)[i]); err != nil {
				return nil, err
			}
			net.schemes = append(net.schemes, s)
			opts = append(opts, consensus.WithScheme(s))
		}
		h, err := consensus.NewHandover(kp, generation, voters, opts...)
		if err != nil {
			return nil, err
		}
		net.Elders = append(net.Elders, h)
	}
	return net, nil
}

// keysFor deals the threshold keys of the generation the first time they
// are needed. Any supermajority of the elders can sign.
func (n *Net) keysFor(generation uint64) []*tsig.KeyShare {
	if ks, ok := n.dealt[generation]; ok {
		return ks
	}
	t := int(n.Voters.Threshold())
	ks := tsig.Deal(t, len(n.Keys), random.New(n.rng))
	n.dealt[generation] = ks
	return ks
}

// GroupKey returns the threshold public key of the generation, nil when the
// net proves decisions by quorum.
func (n *Net) GroupKey() kyber.Point {
	if !n.threshold {
		return nil
	}
	return n.keysFor(n.generation)[0].GroupKey()
}

// Generation returns the generation the net was last moved to.
func (n *Net) Generation() uint64 {
	return n.generation
}

// SetFaulty marks the elders as faulty. Their handover stops receiving
// packets and their decisions are not reported.
func (n *Net) SetFaulty(idx ...int) {
	for _, i := range idx {
		n.faulty[i] = true
	}
}

// IsFaulty returns true if the elder was marked as faulty.
func (n *Net) IsFaulty(i int) bool {
	return n.faulty[i]
}

// Honest returns the indexes of the elders that are not faulty.
func (n *Net) Honest() []int {
	var out []int
	for i := range n.Elders {
		if !n.faulty[i] {
			out = append(out, i)
		}
	}
	return out
}

// Propose makes the elder vote for the value and gossips the vote.
func (n *Net) Propose(i int, value []byte) error {
	sv, err := n.Elders[i].Propose(value)
	if err != nil {
		return err
	}
	if err := n.BroadcastVote(i, sv); err != nil {
		return err
	}
	if s := n.Elders[i].Share(); s != nil {
		return n.broadcastShare(i, *s)
	}
	return nil
}

// Equivocate makes the elder sign a Propose for the value, outside of its
// handover, and sends it to the destinations, every other elder if none is
// given. Sent after another Propose of the elder, it is an equivocation.
func (n *Net) Equivocate(i int, value []byte, dests ...int) error {
	sv, err := ballot.Vote{Generation: n.generation, Ballot: ballot.NewPropose(value)}.Sign(n.Keys[i])
	if err != nil {
		return err
	}
	buf, err := ballot.EncodeSignedVote(sv)
	if err != nil {
		return err
	}
	if len(dests) == 0 {
		n.Broadcast(i, VotePacket, buf)
		return nil
	}
	for _, d := range dests {
		n.Enqueue(Packet{Source: i, Dest: d, Kind: VotePacket, Payload: buf})
	}
	return nil
}

// BroadcastVote queues the vote for every other elder.
func (n *Net) BroadcastVote(source int, sv ballot.SignedVote) error {
	buf, err := ballot.EncodeSignedVote(sv)
	if err != nil {
		return err
	}
	n.Broadcast(source, VotePacket, buf)
	return nil
}

func (n *Net) broadcastFault(source int, f ballot.Fault) error {
	buf, err := ballot.EncodeFault(f)
	if err != nil {
		return err
	}
	n.Broadcast(source, FaultPacket, buf)
	return nil
}

func (n *Net) broadcastShare(source int, s ballot.SignatureShare) error {
	buf, err := ballot.EncodeShare(s)
	if err != nil {
		return err
	}
	n.Broadcast(source, SharePacket, buf)
	return nil
}

// Broadcast queues the payload for every elder but the source.
func (n *Net) Broadcast(source int, kind PacketKind, payload []byte) {
	for d := range n.Elders {
		if d != source {
			n.Enqueue(Packet{Source: source, Dest: d, Kind: kind, Payload: payload})
		}
	}
}

// Enqueue appends the packet to the queue of its source.
func (n *Net) Enqueue(p Packet) {
	n.queues[p.Source] = append(n.queues[p.Source], p)
}

// Pending returns the number of packets in flight.
func (n *Net) Pending() int {
	var c int
	for _, q := range n.queues {
		c += len(q)
	}
	return c
}

// Drop removes the next packet of the source.
func (n *Net) Drop(source int) {
	if q := n.queues[source]; len(q) > 0 {
		log.Lvl3("dropping", q[0])
		n.queues[source] = q[1:]
	}
	n.purge(source)
}

// DeliverFrom delivers the next packet of the source, if any.
func (n *Net) DeliverFrom(source int) error {
	q := n.queues[source]
	if len(q) == 0 {
		return nil
	}
	p := q[0]
	n.queues[source] = q[1:]
	n.purge(source)
	return n.deliver(p)
}

// Drain delivers packets until none is left, always from the lowest source
// with a packet in flight.
func (n *Net) Drain() error {
	for {
		sources := n.sources()
		if len(sources) == 0 {
			return nil
		}
		if err := n.DeliverFrom(sources[0]); err != nil {
			return err
		}
	}
}

// DrainRandom delivers packets until none is left, picking the source of
// each one at random. The order within a source is kept.
func (n *Net) DrainRandom() error {
	for {
		sources := n.sources()
		if len(sources) == 0 {
			return nil
		}
		if err := n.DeliverFrom(sources[n.rng.Intn(len(sources))]); err != nil {
			return err
		}
	}
}

// DropRandom drops packets at random, each with the probability p, and
// delivers the others until none is left.
func (n *Net) DropRandom(p float64) error {
	for {
		sources := n.sources()
		if len(sources) == 0 {
			return nil
		}
		s := sources[n.rng.Intn(len(sources))]
		if n.rng.Float64() < p {
			n.Drop(s)
			continue
		}
		if err := n.DeliverFrom(s); err != nil {
			return err
		}
	}
}

// AntiEntropy queues every vote j knows for i, and the signature share of j
// if it has one.
func (n *Net) AntiEntropy(i, j int) error {
	for _, sv := range n.Elders[j].AntiEntropy() {
		buf, err := ballot.EncodeSignedVote(sv)
		if err != nil {
			return err
		}
		n.Enqueue(Packet{Source: j, Dest: i, Kind: VotePacket, Payload: buf})
	}
	if s := n.Elders[j].Share(); s != nil {
		buf, err := ballot.EncodeShare(*s)
		if err != nil {
			return err
		}
		n.Enqueue(Packet{Source: j, Dest: i, Kind: SharePacket, Payload: buf})
	}
	return nil
}

// FullAntiEntropy runs anti-entropy between every pair of honest elders and
// drains the net.
func (n *Net) FullAntiEntropy() error {
	for _, i := range n.Honest() {
		for _, j := range n.Honest() {
			if i != j {
				if err := n.AntiEntropy(i, j); err != nil {
					return err
				}
			}
		}
	}
	return n.DrainRandom()
}

// Advance moves every elder to the generation and delivers again the
// packets that were ahead of their destination. Elders already in the
// generation keep their state.
func (n *Net) Advance(generation uint64) error {
	n.generation = generation
	for i, h := range n.Elders {
		if h.CurrentGeneration() == generation {
			continue
		}
		if n.threshold {
			if err := n.schemes[i].Add(generation, n.keysFor(generation)[i]); err != nil {
				return err
			}
		}
		if err := h.ResetForGeneration(generation, n.Voters); err != nil {
			return err
		}
	}
	future := n.future
	n.future = nil
	for _, p := range future {
		n.Enqueue(p)
	}
	return nil
}

// Decisions returns the decision of every honest elder by index. Elders
// without a decision are left out.
func (n *Net) Decisions() map[int]*ballot.Decision {
	out := make(map[int]*ballot.Decision)
	for _, i := range n.Honest() {
		if d := n.Elders[i].Decision(); d != nil {
			out[i] = d
		}
	}
	return out
}

// deliver hands the packet to its destination and gossips what comes out
// of it. Packets an honest elder refuses are dropped.
func (n *Net) deliver(p Packet) error {
	if n.faulty[p.Dest] {
		return nil
	}
	n.Delivered = append(n.Delivered, p)
	h := n.Elders[p.Dest]
	log.Lvl4("delivering", p)

	var out *consensus.VoteOutcome
	var err error
	switch p.Kind {
	case VotePacket:
		sv, derr := ballot.DecodeSignedVote(p.Payload)
		if derr != nil {
			return n.undecodable(p, derr)
		}
		out, err = h.HandleSignedVote(sv)
	case FaultPacket:
		f, derr := ballot.DecodeFault(p.Payload)
		if derr != nil {
			return n.undecodable(p, derr)
		}
		out, err = h.HandleFault(f)
	case SharePacket:
		s, derr := ballot.DecodeShare(p.Payload)
		if derr != nil {
			return n.undecodable(p, derr)
		}
		_, err = h.HandlePartialSignature(s)
	default:
		return n.undecodable(p, xerrors.Errorf("unknown packet kind %d", p.Kind))
	}
	if err != nil {
		return n.refused(p, err)
	}
	if out == nil {
		return nil
	}
	if out.Vote != nil {
		if err := n.BroadcastVote(p.Dest, *out.Vote); err != nil {
			return err
		}
	}
	for _, f := range out.Faults {
		if err := n.broadcastFault(p.Dest, f); err != nil {
			return err
		}
	}
	if out.Share != nil {
		return n.broadcastShare(p.Dest, *out.Share)
	}
	return nil
}

func (n *Net) undecodable(p Packet, err error) error {
	log.Lvl2("elder", p.Dest, "cannot decode", p, ":", err)
	return nil
}

// refused decides what happens to a packet the destination returned an
// error for. Only an error no packet should be able to cause stops the net.
func (n *Net) refused(p Packet, err error) error {
	switch {
	case xerrors.Is(err, handover.ErrFutureGeneration):
		log.Lvl3("keeping", p, "for later:", err)
		n.future = append(n.future, p)
		return nil
	case xerrors.Is(err, handover.ErrStaleGeneration),
		xerrors.Is(err, handover.ErrInvalidSignature),
		xerrors.Is(err, handover.ErrUnknownVoter),
		xerrors.Is(err, handover.ErrMalformedBallot),
		xerrors.Is(err, handover.ErrInvalidBallotEvidence),
		xerrors.Is(err, handover.ErrInvalidFault),
		xerrors.Is(err, handover.ErrThresholdUnavailable):
		log.Lvl2("elder", p.Dest, "refused", p, ":", err)
		return nil
	}
	return xerrors.Errorf("elder %d handling %v: %w", p.Dest, p, err)
}

// sources returns the sources with packets in flight, sorted.
func (n *Net) sources() []int {
	var out []int
	for s, q := range n.queues {
		if len(q) > 0 {
			out = append(out, s)
		}
	}
	sort.Ints(out)
	return out
}

func (n *Net) purge(source int) {
	if len(n.queues[source]) == 0 {
		delete(n.queues, source)
	}
}
