package consensus

import (
	"sort"

	"go.dedis.ch/handover/ballot"
	"go.dedis.ch/onet/v3/log"
)

// bucket gathers the heads supporting one candidate.
type bucket struct {
	candidate ballot.Candidate
	weight    uint64
	heads     []ballot.SignedVote
}

// tally is the view of an elder over the latest votes of the non-faulty
// voters of its generation.
type tally struct {
	voters *ballot.VoterSet
	// total is the weight of the whole voter set, faulty voters included.
	total  uint64
	faulty uint64
	voted  uint64
	// own is the head of the elder, if it voted.
	own          *ballot.SignedVote
	ownCandidate ballot.Candidate

	union     ballot.Candidate
	all       []ballot.SignedVote
	buckets   map[string]*bucket
	sms       map[string]*bucket
	keys      []string
	smKeys    []string
	candidate map[ballot.VoteID]ballot.Candidate
}

// newTally groups the heads by candidate. Heads whose candidate cannot be
// derived are ignored: the verifier refuses such votes before they reach the
// store.
func newTally(voters *ballot.VoterSet, me []byte, heads []ballot.SignedVote, faulty uint64) *tally {
	t := &tally{
		voters:    voters,
		total:     voters.TotalWeight(),
		faulty:    faulty,
		buckets:   make(map[string]*bucket),
		sms:       make(map[string]*bucket),
		candidate: make(map[ballot.VoteID]ballot.Candidate),
	}
	for _, h := range heads {
		c, err := ballot.CandidateOf(voters, h)
		if err != nil {
			log.Warn("ignoring head", h, ":", err)
			continue
		}
		w := voters.Weight(h.Voter)
		if w == 0 {
			continue
		}
		t.candidate[h.ID()] = c
		t.voted += w
		t.union = t.union.Union(c)
		t.all = append(t.all, h)
		t.keys = add(t.buckets, t.keys, c, w, h)
		if h.Vote.Ballot.Kind() == ballot.KindSuperMajority {
			t.smKeys = add(t.sms, t.smKeys, c, w, h)
		}
		if string(h.Voter) == string(me) {
			own := h
			t.own = &own
			t.ownCandidate = c
		}
	}
	sort.Strings(t.keys)
	sort.Strings(t.smKeys)
	return t
}

func add(m map[string]*bucket, keys []string, c ballot.Candidate, w uint64, h ballot.SignedVote) []string {
	b, ok := m[c.Key()]
	if !ok {
		b = &bucket{candidate: c}
		m[c.Key()] = b
		keys = append(keys, c.Key())
	}
	b.weight += w
	b.heads = append(b.heads, h)
	return keys
}

// superMajority returns the candidate the heads of a supermajority support.
func (t *tally) superMajority() *bucket {
	return t.leading(t.buckets, t.keys, true)
}

// decision returns the candidate the SuperMajority heads of a supermajority
// support.
func (t *tally) decision() *bucket {
	return t.leading(t.sms, t.smKeys, true)
}

// leading returns the heaviest bucket, ties broken by candidate. With
// onlyQuorum it only returns a bucket meeting the threshold.
func (t *tally) leading(m map[string]*bucket, keys []string, onlyQuorum bool) *bucket {
	var best *bucket
	for _, k := range keys {
		b := m[k]
		if best == nil || b.weight > best.weight {
			best = b
		}
	}
	if best == nil || (onlyQuorum && !t.voters.IsSuperMajority(best.weight)) {
		return nil
	}
	return best
}

// remaining is the weight of the non-faulty voters without a head.
func (t *tally) remaining() uint64 {
	used := t.faulty + t.voted
	if used >= t.total {
		return 0
	}
	return t.total - used
}

// isSplit is true when more than two thirds of the weight voted and the
// leading candidate cannot reach the threshold anymore, even if every voter
// left joined it.
func (t *tally) isSplit() bool {
	if 3*t.voted <= 2*t.total {
		return false
	}
	best := t.leading(t.buckets, t.keys, false)
	if best == nil {
		return false
	}
	return !t.voters.IsSuperMajority(best.weight + t.remaining())
}

// evidence returns the smallest set of heads of the bucket meeting the
// threshold, the heaviest voters first and ties broken by identifier.
func (t *tally) evidence(b *bucket) []ballot.SignedVote {
	heads := append([]ballot.SignedVote{}, b.heads...)
	ids := make(map[int]ballot.VoteID, len(heads))
	for i := range heads {
		ids[i] = heads[i].ID()
	}
	idx := make([]int, len(heads))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, c int) bool {
		wa, wc := t.voters.Weight(heads[idx[a]].Voter), t.voters.Weight(heads[idx[c]].Voter)
		if wa != wc {
			return wa > wc
		}
		return ids[idx[a]].Less(ids[idx[c]])
	})
	var out []ballot.SignedVote
	var w uint64
	for _, i := range idx {
		if t.voters.IsSuperMajority(w) {
			break
		}
		out = append(out, heads[i])
		w += t.voters.Weight(heads[i].Voter)
	}
	return out
}
