package ballot

import (
	"bytes"
	"crypto/cipher"
	"encoding/hex"
	"sort"

	"go.dedis.ch/handover"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/sign/bls"
	"golang.org/x/xerrors"
)

// KeyPair is the BLS key pair an elder signs its votes with.
type KeyPair struct {
	Private kyber.Scalar
	Public  kyber.Point
	id      []byte
}

// NewKeyPair creates a key pair using the given source of randomness. The
// randomness is never drawn from a global source so that tests can replay
// a run.
func NewKeyPair(stream cipher.Stream) *KeyPair {
	sk, pk := bls.NewKeyPair(handover.Suite, stream)
	kp, err := NewKeyPairFromPrivate(sk, pk)
	if err != nil {
		// A freshly generated point always marshals.
		panic(err)
	}
	return kp
}

// NewKeyPairFromPrivate wraps existing key material.
func NewKeyPairFromPrivate(sk kyber.Scalar, pk kyber.Point) (*KeyPair, error) {
	id, err := Identity(pk)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Private: sk, Public: pk, id: id}, nil
}

// ID returns the identity of the key pair as it appears in the votes.
func (kp *KeyPair) ID() []byte {
	return kp.id
}

// Identity returns the wire identity of a public key.
func Identity(pk kyber.Point) ([]byte, error) {
	buf, err := pk.MarshalBinary()
	if err != nil {
		return nil, xerrors.Errorf("marshaling public key: %v", err)
	}
	return buf, nil
}

// ShortID returns a short printable form of an identity for the logs.
func ShortID(id []byte) string {
	if len(id) > 4 {
		id = id[:4]
	}
	return hex.EncodeToString(id)
}

// Elder is a member of the voter set with its voting weight.
type Elder struct {
	Public kyber.Point
	Weight uint64
	id     []byte
}

// ID returns the identity of the elder.
func (e Elder) ID() []byte {
	return e.id
}

// VoterSet is the fixed set of elders allowed to vote in a generation. The
// elders are kept sorted by identity so that every instance iterates them in
// the same order.
type VoterSet struct {
	elders []Elder
	index  map[string]int
	total  uint64
}

// NewVoterSet creates the voter set of the given elders. An elder with no
// weight is given a weight of 1. Duplicated elders are refused.
func NewVoterSet(elders ...Elder) (*VoterSet, error) {
	vs := &VoterSet{
		elders: make([]Elder, 0, len(elders)),
		index:  make(map[string]int),
	}
	for _, e := range elders {
		if e.Public == nil {
			return nil, xerrors.New("elder without public key")
		}
		id, err := Identity(e.Public)
		if err != nil {
			return nil, err
		}
		if e.Weight == 0 {
			e.Weight = 1
		}
		e.id = id
		vs.elders = append(vs.elders, e)
	}
	sort.Slice(vs.elders, func(i, j int) bool {
		return bytes.Compare(vs.elders[i].id, vs.elders[j].id) < 0
	})
	for i, e := range vs.elders {
		key := string(e.id)
		if _, ok := vs.index[key]; ok {
			return nil, xerrors.Errorf("duplicated elder %s", ShortID(e.id))
		}
		vs.index[key] = i
		vs.total += e.Weight
	}
	if len(vs.elders) == 0 {
		return nil, xerrors.New("empty voter set")
	}
	return vs, nil
}

// NewEqualVoterSet creates a voter set where every key has a weight of 1.
func NewEqualVoterSet(publics ...kyber.Point) (*VoterSet, error) {
	elders := make([]Elder, len(publics))
	for i, p := range publics {
		elders[i] = Elder{Public: p, Weight: 1}
	}
	return NewVoterSet(elders...)
}

// Len returns the number of elders.
func (vs *VoterSet) Len() int {
	return len(vs.elders)
}

// Elders returns a copy of the elders sorted by identity.
func (vs *VoterSet) Elders() []Elder {
	return append([]Elder{}, vs.elders...)
}

// Lookup returns the elder with the given identity.
func (vs *VoterSet) Lookup(id []byte) (Elder, bool) {
	i, ok := vs.index[string(id)]
	if !ok {
		return Elder{}, false
	}
	return vs.elders[i], true
}

// Contains returns true when the identity is an elder of the set.
func (vs *VoterSet) Contains(id []byte) bool {
	_, ok := vs.index[string(id)]
	return ok
}

// Weight returns the weight of the elder, or 0 for unknown identities.
func (vs *VoterSet) Weight(id []byte) uint64 {
	e, ok := vs.Lookup(id)
	if !ok {
		return 0
	}
	return e.Weight
}

// TotalWeight returns the sum of the weights of the elders.
func (vs *VoterSet) TotalWeight() uint64 {
	return vs.total
}

// Threshold returns the supermajority threshold, floor(2*total/3)+1.
func (vs *VoterSet) Threshold() uint64 {
	return 2*vs.total/3 + 1
}

// IsSuperMajority returns true when the weight meets the threshold.
func (vs *VoterSet) IsSuperMajority(weight uint64) bool {
	return weight >= vs.Threshold()
}

// WeightOf sums the weights of the distinct identities.
func (vs *VoterSet) WeightOf(ids [][]byte) uint64 {
	seen := make(map[string]bool)
	var w uint64
	for _, id := range ids {
		if seen[string(id)] {
			continue
		}
		seen[string(id)] = true
		w += vs.Weight(id)
	}
	return w
}

// Publics returns the public keys in the order of the set.
func (vs *VoterSet) Publics() []kyber.Point {
	pubs := make([]kyber.Point, len(vs.elders))
	for i, e := range vs.elders {
		pubs[i] = e.Public
	}
	return pubs
}

// GenerateElders creates n key pairs and the voter set of equal weight made
// of them. The key pairs are returned in the order of the voter set.
func GenerateElders(n int, stream cipher.Stream) ([]*KeyPair, *VoterSet) {
	kps := make([]*KeyPair, n)
	pubs := make([]kyber.Point, n)
	for i := range kps {
		kps[i] = NewKeyPair(stream)
		pubs[i] = kps[i].Public
	}
	vs, err := NewEqualVoterSet(pubs...)
	if err != nil {
		panic(err)
	}
	sort.Slice(kps, func(i, j int) bool {
		return bytes.Compare(kps[i].ID(), kps[j].ID()) < 0
	})
	return kps, vs
}
