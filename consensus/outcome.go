package consensus

import (
	"fmt"

	"go.dedis.ch/handover/ballot"
)

// OutcomeKind summarizes what the handling of a message led to. When several
// things happened, the kind is the most important one: a decision first,
// then a fault.
type OutcomeKind int

const (
	// OutcomeNoOp means the message was already known.
	OutcomeNoOp OutcomeKind = iota
	// OutcomeAccepted means the message was stored.
	OutcomeAccepted
	// OutcomeFaultDetected means a new fault is known.
	OutcomeFaultDetected
	// OutcomeDecided means the decision is now known.
	OutcomeDecided
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeNoOp:
		return "noop"
	case OutcomeAccepted:
		return "accepted"
	case OutcomeFaultDetected:
		return "fault"
	case OutcomeDecided:
		return "decided"
	default:
		return "unknown"
	}
}

// VoteOutcome is what the caller gets back from the handover after giving it
// a vote or a fault. Everything that must be gossiped is in it: the new vote
// of the elder, the new faults and the signature share.
type VoteOutcome struct {
	Kind OutcomeKind
	// Vote is the latest vote of the elder if it voted during the call.
	Vote     *ballot.SignedVote
	Faults   []ballot.Fault
	Decision *ballot.Decision
	Share    *ballot.SignatureShare
}

func newOutcome(res *Result, d *ballot.Decision, share *ballot.SignatureShare) *VoteOutcome {
	out := &VoteOutcome{Kind: OutcomeNoOp, Decision: d, Share: share}
	if res != nil {
		if res.Inserted > 0 {
			out.Kind = OutcomeAccepted
		}
		if len(res.Cast) > 0 {
			v := res.Cast[len(res.Cast)-1]
			out.Vote = &v
		}
		out.Faults = res.Faults
	}
	if len(out.Faults) > 0 {
		out.Kind = OutcomeFaultDetected
	}
	if d != nil {
		out.Kind = OutcomeDecided
	}
	return out
}

func (o *VoteOutcome) String() string {
	return fmt.Sprintf("%v(vote=%v, faults=%d, decision=%v)", o.Kind, o.Vote != nil, len(o.Faults),
		o.Decision)
}
