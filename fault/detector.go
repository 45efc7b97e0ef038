// Package fault detects equivocating elders and keeps the proofs of their
// faults. A faulty elder is excluded from every tally of the generation it
// equivocated in; its votes are kept for audit.
package fault

import (
	"bytes"
	"sort"

	"go.dedis.ch/handover/ballot"
	"go.dedis.ch/handover/dag"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
)

// Detector turns the equivocations found by the vote store into faults and
// merges the faults learned from the other elders.
type Detector struct {
	store  *dag.Store
	voters *ballot.VoterSet
	faults map[uint64]map[string]ballot.Fault
}

// NewDetector returns a detector excluding faulty voters from the store.
func NewDetector(store *dag.Store, voters *ballot.VoterSet) *Detector {
	return &Detector{
		store:  store,
		voters: voters,
		faults: make(map[uint64]map[string]ballot.Fault),
	}
}

// Inspect looks at the outcome of an insertion. For a new equivocation it
// returns the fault of the voter and excludes it. Only the first fault of a
// voter in a generation is returned.
func (d *Detector) Inspect(out dag.InsertOutcome) *ballot.Fault {
	if out.Kind != dag.Equivocation {
		return nil
	}
	gen := out.New.Vote.Generation
	if d.IsFaulty(out.New.Voter, gen) {
		return nil
	}
	f, err := ballot.NewFault(out.Existing, out.New)
	if err != nil {
		// The store only reports equivocations of a single voter.
		log.Error("building fault:", err)
		return nil
	}
	d.add(f)
	log.Lvl2("detected", f)
	return &f
}

// Learn verifies a fault reported by another elder and records it. It returns
// true if the voter was not known to be faulty yet.
func (d *Detector) Learn(f ballot.Fault) (bool, error) {
	if err := f.Verify(d.voters); err != nil {
		return false, xerrors.Errorf("learning fault: %w", err)
	}
	if d.IsFaulty(f.Voter, f.Generation()) {
		return false, nil
	}
	d.add(f)
	log.Lvl2("learned", f)
	return true, nil
}

func (d *Detector) add(f ballot.Fault) {
	gen := f.Generation()
	m, ok := d.faults[gen]
	if !ok {
		m = make(map[string]ballot.Fault)
		d.faults[gen] = m
	}
	m[string(f.Voter)] = f
	d.store.Exclude(f.Voter, gen)
}

// Faults returns the faults of the generation sorted by voter.
func (d *Detector) Faults(generation uint64) []ballot.Fault {
	var out []ballot.Fault
	for _, f := range d.faults[generation] {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Voter, out[j].Voter) < 0
	})
	return out
}

// IsFaulty returns true if the voter equivocated in the generation.
func (d *Detector) IsFaulty(voter []byte, generation uint64) bool {
	_, ok := d.faults[generation][string(voter)]
	return ok
}

// FaultyWeight returns the weight of the faulty voters of the generation.
func (d *Detector) FaultyWeight(generation uint64) uint64 {
	var w uint64
	for v := range d.faults[generation] {
		w += d.voters.Weight([]byte(v))
	}
	return w
}
