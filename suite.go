package handover

import (
	"go.dedis.ch/kyber/v3/pairing"
)

// Suite is the pairing suite used for every signature of the handover: the
// per-elder vote signatures and the threshold signature of a decision. Public
// keys live in G2 and signatures in G1.
var Suite = pairing.NewSuiteBn256()
