package tsig

import (
	"bytes"
	"crypto/cipher"
	"sync"

	"go.dedis.ch/handover"
	"go.dedis.ch/handover/ballot"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/share"
	"go.dedis.ch/kyber/v3/sign/bls"
	"go.dedis.ch/kyber/v3/sign/tbls"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
)

// KeyShare is the share of the group key an elder holds for a generation.
// Any T of the N shares can sign on behalf of the group.
type KeyShare struct {
	Share  *share.PriShare
	Public *share.PubPoly
	T      int
	N      int
}

// GroupKey returns the public key of the group.
func (ks *KeyShare) GroupKey() kyber.Point {
	return ks.Public.Commit()
}

// Deal creates the shares of a fresh group key. The key generation is
// trusted to the caller, which is what tests and the simulator need.
func Deal(t, n int, stream cipher.Stream) []*KeyShare {
	g2 := handover.Suite.G2()
	priPoly := share.NewPriPoly(g2, t, nil, stream)
	pubPoly := priPoly.Commit(g2.Point().Base())
	shares := priPoly.Shares(n)
	out := make([]*KeyShare, n)
	for i, s := range shares {
		out[i] = &KeyShare{Share: s, Public: pubPoly, T: t, N: n}
	}
	return out
}

// ThresholdScheme proves the decisions with threshold BLS signatures. It
// holds the key share of the elder for every generation it takes part in.
type ThresholdScheme struct {
	sync.Mutex
	keys map[uint64]*KeyShare
}

// NewThresholdScheme returns a scheme with an empty keyring.
func NewThresholdScheme() *ThresholdScheme {
	return &ThresholdScheme{keys: make(map[uint64]*KeyShare)}
}

// Add stores the key share of a generation.
func (ts *ThresholdScheme) Add(generation uint64, ks *KeyShare) error {
	if ks == nil || ks.Share == nil || ks.Public == nil {
		return xerrors.New("incomplete key share")
	}
	if ks.T <= 0 || ks.T > ks.N {
		return xerrors.Errorf("invalid threshold %d of %d", ks.T, ks.N)
	}
	ts.Lock()
	defer ts.Unlock()
	ts.keys[generation] = ks
	return nil
}

// KeyShare returns the key share of the generation.
func (ts *ThresholdScheme) KeyShare(generation uint64) (*KeyShare, bool) {
	ts.Lock()
	defer ts.Unlock()
	ks, ok := ts.keys[generation]
	return ks, ok
}

// Name implements Scheme.
func (ts *ThresholdScheme) Name() string {
	return "threshold"
}

// Prover implements Scheme. It fails when no key share is known for the
// generation.
func (ts *ThresholdScheme) Prover(generation uint64, voters *ballot.VoterSet) (Prover, error) {
	ks, ok := ts.KeyShare(generation)
	if !ok {
		return nil, xerrors.Errorf("no key share for generation %d: %w", generation,
			handover.ErrThresholdUnavailable)
	}
	return &thresholdProver{
		generation: generation,
		key:        ks,
		shares:     make(map[int][]byte),
		pending:    make(map[int][][]byte),
	}, nil
}

type thresholdProver struct {
	generation uint64
	key        *KeyShare
	value      []byte
	msg        []byte
	// shares are the verified signature shares by index.
	shares map[int][]byte
	// pending are the shares received before the local decision, by index.
	pending  map[int][][]byte
	decision *ballot.Decision
}

func (p *thresholdProver) Prove(value []byte, evidence []ballot.SignedVote) (*ballot.Decision, *ballot.SignatureShare, error) {
	if p.msg != nil {
		return p.decision, nil, nil
	}
	p.value = value
	p.msg = ballot.DecisionMessage(p.generation, value)
	sig, err := tbls.Sign(handover.Suite, p.key.Share, p.msg)
	if err != nil {
		return nil, nil, xerrors.Errorf("signing decision: %v", err)
	}
	if err := p.add(sig); err != nil {
		return nil, nil, err
	}
	for _, sigs := range p.pending {
		for _, s := range sigs {
			if err := p.add(s); err != nil {
				log.Warn("dropping buffered share:", err)
				continue
			}
			break
		}
	}
	p.pending = nil
	d, err := p.recover()
	if err != nil && !xerrors.Is(err, handover.ErrInsufficientShares) {
		return nil, nil, err
	}
	return d, &ballot.SignatureShare{Generation: p.generation, Share: sig}, nil
}

func (p *thresholdProver) AddShare(s ballot.SignatureShare) (*ballot.Decision, error) {
	if s.Generation != p.generation {
		return nil, xerrors.Errorf("share of generation %d: %w", s.Generation, handover.ErrStaleGeneration)
	}
	if p.decision != nil {
		return p.decision, nil
	}
	if p.msg == nil {
		return nil, p.buffer(s.Share)
	}
	if err := p.add(s.Share); err != nil {
		return nil, err
	}
	d, err := p.recover()
	if err != nil && !xerrors.Is(err, handover.ErrInsufficientShares) {
		return nil, err
	}
	return d, nil
}

// maxPendingPerIndex bounds the shares buffered for one index before the
// decision, as they cannot be verified yet.
const maxPendingPerIndex = 4

// buffer keeps a share that arrived before the local decision. A share with an
// invalid index is refused, so that garbage cannot take the place of the
// shares of other elders.
func (p *thresholdProver) buffer(sig []byte) error {
	idx, err := p.index(sig)
	if err != nil {
		return err
	}
	list := p.pending[idx]
	for _, other := range list {
		if bytes.Equal(other, sig) {
			return nil
		}
	}
	if len(list) >= maxPendingPerIndex {
		log.Lvlf3("dropping share %d of generation %d: buffer full", idx, p.generation)
		return nil
	}
	p.pending[idx] = append(list, sig)
	return nil
}

func (p *thresholdProver) index(sig []byte) (int, error) {
	idx, err := tbls.SigShare(sig).Index()
	if err != nil {
		return 0, xerrors.Errorf("share index: %v: %w", err, handover.ErrInvalidSignature)
	}
	if idx < 0 || idx >= p.key.N {
		return 0, xerrors.Errorf("share index %d: %w", idx, handover.ErrInvalidSignature)
	}
	return idx, nil
}

// add verifies the share against the public polynomial and keeps it.
func (p *thresholdProver) add(sig []byte) error {
	idx, err := p.index(sig)
	if err != nil {
		return err
	}
	if err := tbls.Verify(handover.Suite, p.key.Public, p.msg, sig); err != nil {
		return xerrors.Errorf("share %d: %v: %w", idx, err, handover.ErrInvalidSignature)
	}
	p.shares[idx] = sig
	return nil
}

func (p *thresholdProver) recover() (*ballot.Decision, error) {
	if p.decision != nil {
		return p.decision, nil
	}
	if len(p.shares) < p.key.T {
		return nil, xerrors.Errorf("%d of %d shares: %w", len(p.shares), p.key.T,
			handover.ErrInsufficientShares)
	}
	sigs := make([][]byte, 0, len(p.shares))
	for _, s := range p.shares {
		sigs = append(sigs, s)
	}
	sig, err := tbls.Recover(handover.Suite, p.key.Public, p.msg, sigs, p.key.T, p.key.N)
	if err != nil {
		return nil, xerrors.Errorf("recovering signature: %v", err)
	}
	if err := bls.Verify(handover.Suite, p.key.GroupKey(), p.msg, sig); err != nil {
		return nil, xerrors.Errorf("recovered signature: %v: %w", err, handover.ErrInvalidSignature)
	}
	log.Lvlf2("recovered group signature of generation %d out of %d shares", p.generation, len(sigs))
	p.decision = &ballot.Decision{
		Generation: p.generation,
		Value:      p.value,
		Proof:      ballot.Proof{Threshold: &ballot.ThresholdProof{Signature: sig}},
	}
	return p.decision, nil
}

func (p *thresholdProver) Aggregate() (*ballot.Decision, error) {
	if p.msg == nil {
		return nil, handover.ErrNotDecided
	}
	return p.recover()
}

func (p *thresholdProver) GroupKey() kyber.Point {
	return p.key.GroupKey()
}
