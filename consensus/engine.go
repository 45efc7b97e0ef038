// Package consensus implements the agreement of the elders on the value of a
// handover. The Engine is the state machine of one generation: it stores the
// votes it is given, detects the equivocations and casts the votes of the
// elder. The Handover orchestrates an engine with the proof of the decision,
// the journal and the generation changes.
//
// An engine goes through three states. It is Proposing until it sees a vote,
// then Merging while it reacts to the votes of the others, and finally
// Decided once the SuperMajority votes of a supermajority of the voters
// support the same candidate. Every vote of the elder supersedes its previous
// one, so that its votes form a single chain.
package consensus

import (
	"bytes"
	"fmt"

	"go.dedis.ch/handover"
	"go.dedis.ch/handover/ballot"
	"go.dedis.ch/handover/dag"
	"go.dedis.ch/handover/fault"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
)

// State is the state of an engine.
type State int

const (
	// Proposing is the state of an engine that did not see any vote.
	Proposing State = iota
	// Merging is the state of an engine gathering votes.
	Merging
	// Decided is the final state of an engine.
	Decided
)

func (s State) String() string {
	switch s {
	case Proposing:
		return "proposing"
	case Merging:
		return "merging"
	case Decided:
		return "decided"
	default:
		return "unknown"
	}
}

// maxStrikes is the number of invalid evidences a voter can send before
// every further one is logged as a warning.
const maxStrikes = 3

// Result gathers what the handling of a message produced.
type Result struct {
	// Inserted is the number of votes added to the store.
	Inserted int
	// Cast are the votes of the elder, the last one superseding the others.
	Cast []ballot.SignedVote
	// Faults are the faults that were not known before.
	Faults []ballot.Fault
	// Decided is true if the engine decided during the call.
	Decided bool
}

// Engine is the consensus state machine of one elder for one generation. It
// is not safe for concurrent use.
type Engine struct {
	keypair    *ballot.KeyPair
	generation uint64
	voters     *ballot.VoterSet
	verifier   *ballot.Verifier
	validate   ballot.ValueValidator
	store      *dag.Store
	detector   *fault.Detector

	state     State
	candidate ballot.Candidate
	value     []byte
	evidence  []ballot.SignedVote
	poisoned  error
	strikes   map[string]int
}

// NewEngine creates the engine of the elder for the generation.
func NewEngine(kp *ballot.KeyPair, generation uint64, voters *ballot.VoterSet,
	validate ballot.ValueValidator, cacheSize int) (*Engine, error) {
	if kp == nil || voters == nil {
		return nil, xerrors.New("missing key pair or voter set")
	}
	verifier, err := ballot.NewVerifier(voters, validate, cacheSize)
	if err != nil {
		return nil, err
	}
	store := dag.NewStore()
	return &Engine{
		keypair:    kp,
		generation: generation,
		voters:     voters,
		verifier:   verifier,
		validate:   validate,
		store:      store,
		detector:   fault.NewDetector(store, voters),
		strikes:    make(map[string]int),
	}, nil
}

// Generation returns the generation of the engine.
func (e *Engine) Generation() uint64 {
	return e.generation
}

// Voters returns the voter set of the generation.
func (e *Engine) Voters() *ballot.VoterSet {
	return e.voters
}

// State returns the current state.
func (e *Engine) State() State {
	return e.state
}

// Store returns the vote store of the engine.
func (e *Engine) Store() *dag.Store {
	return e.store
}

// Faults returns the faults known for the generation.
func (e *Engine) Faults() []ballot.Fault {
	return e.detector.Faults(e.generation)
}

// Decided returns the decided value and the SuperMajority votes proving it.
func (e *Engine) Decided() ([]byte, []ballot.SignedVote, bool) {
	if e.state != Decided {
		return nil, nil, false
	}
	return e.value, e.evidence, true
}

// Head returns the latest vote of the elder.
func (e *Engine) Head() (ballot.SignedVote, bool) {
	return e.store.Head(e.keypair.ID(), e.generation)
}

// Propose casts the first vote of the elder. It returns the vote to gossip,
// which is the Propose itself or a later vote of the elder superseding it if
// the votes already known allowed to go further.
func (e *Engine) Propose(value []byte) (ballot.SignedVote, *Result, error) {
	if e.poisoned != nil {
		return ballot.SignedVote{}, nil, e.poisoned
	}
	if len(e.store.VotesOf(e.keypair.ID(), e.generation)) > 0 {
		return ballot.SignedVote{}, nil, xerrors.Errorf("already voted in generation %d", e.generation)
	}
	if e.validate != nil {
		if err := e.validate(value); err != nil {
			return ballot.SignedVote{}, nil, xerrors.Errorf("proposing: %v", err)
		}
	}
	res := &Result{}
	sv, err := e.cast(ballot.NewPropose(value), res)
	if err != nil {
		return ballot.SignedVote{}, nil, err
	}
	log.Lvlf2("%s proposes %x at %d", ballot.ShortID(e.keypair.ID()), value, e.generation)
	if err := e.evaluate(res); err != nil {
		return ballot.SignedVote{}, res, err
	}
	if len(res.Cast) > 0 {
		sv = res.Cast[len(res.Cast)-1]
	}
	return sv, res, nil
}

// Handle validates the vote of another elder, stores it with the votes it
// cites and reacts to it.
func (e *Engine) Handle(sv ballot.SignedVote) (*Result, error) {
	if e.poisoned != nil {
		return nil, e.poisoned
	}
	if err := e.checkGeneration(sv.Vote.Generation); err != nil {
		return nil, err
	}
	res := &Result{}
	if e.store.Has(sv.ID()) {
		return res, nil
	}
	if err := e.verifier.Verify(sv); err != nil {
		if xerrors.Is(err, handover.ErrInvalidBallotEvidence) {
			e.strike(sv.Voter, err)
		}
		return nil, err
	}

	for _, f := range sv.Vote.KnownFaults {
		if f.Generation() != e.generation {
			continue
		}
		fresh, err := e.detector.Learn(f)
		if err != nil {
			return nil, err
		}
		if fresh {
			res.Faults = append(res.Faults, f)
		}
	}
	e.insert(sv, res)
	if e.state == Proposing {
		e.state = Merging
	}
	return res, e.evaluate(res)
}

// Restore stores votes saved by a previous run of the elder and evaluates
// them once they are all stored. The own votes of the elder are among them,
// so that a new vote supersedes them.
func (e *Engine) Restore(votes []ballot.SignedVote) (*Result, error) {
	if e.poisoned != nil {
		return nil, e.poisoned
	}
	res := &Result{}
	for _, sv := range votes {
		if sv.Vote.Generation != e.generation {
			continue
		}
		if err := e.verifier.Verify(sv); err != nil {
			log.Warn("dropping journaled vote", sv, ":", err)
			continue
		}
		for _, f := range sv.Vote.KnownFaults {
			if f.Generation() == e.generation {
				if _, err := e.detector.Learn(f); err != nil {
					log.Warn("dropping journaled fault:", err)
				}
			}
		}
		e.insert(sv, res)
	}
	if res.Inserted > 0 && e.state == Proposing {
		e.state = Merging
	}
	return res, e.evaluate(res)
}

// HandleFault merges a fault reported by another elder.
func (e *Engine) HandleFault(f ballot.Fault) (*Result, error) {
	if e.poisoned != nil {
		return nil, e.poisoned
	}
	if err := e.checkGeneration(f.Generation()); err != nil {
		return nil, err
	}
	res := &Result{}
	fresh, err := e.detector.Learn(f)
	if err != nil {
		return nil, err
	}
	if !fresh {
		return res, nil
	}
	res.Faults = append(res.Faults, f)
	// The fault carries signed votes which are stored as any other.
	e.insert(f.VoteA, res)
	e.insert(f.VoteB, res)
	return res, e.evaluate(res)
}

func (e *Engine) checkGeneration(gen uint64) error {
	switch {
	case gen < e.generation:
		return xerrors.Errorf("generation %d < %d: %w", gen, e.generation, handover.ErrStaleGeneration)
	case gen > e.generation:
		return xerrors.Errorf("generation %d > %d: %w", gen, e.generation, handover.ErrFutureGeneration)
	}
	return nil
}

func (e *Engine) strike(voter []byte, err error) {
	e.strikes[string(voter)]++
	n := e.strikes[string(voter)]
	if n >= maxStrikes {
		log.Warnf("%s sent invalid evidence %d times: %v", ballot.ShortID(voter), n, err)
	} else {
		log.Lvlf2("invalid evidence from %s: %v", ballot.ShortID(voter), err)
	}
}

// Strikes returns how many times the voter sent invalid evidence.
func (e *Engine) Strikes(voter []byte) int {
	return e.strikes[string(voter)]
}

// insert stores the vote after the votes it cites and turns the
// equivocations into faults.
func (e *Engine) insert(sv ballot.SignedVote, res *Result) {
	for _, v := range dag.Flatten(sv) {
		out := e.store.Insert(v)
		if out.Kind == dag.DuplicateIdentical {
			continue
		}
		res.Inserted++
		if f := e.detector.Inspect(out); f != nil && f.Generation() == e.generation {
			res.Faults = append(res.Faults, *f)
		}
	}
}

// cast signs a vote of the elder and stores it.
func (e *Engine) cast(b ballot.Ballot, res *Result) (ballot.SignedVote, error) {
	sv, err := ballot.Vote{
		Generation:  e.generation,
		Ballot:      b,
		KnownFaults: e.detector.Faults(e.generation),
	}.Sign(e.keypair)
	if err != nil {
		return ballot.SignedVote{}, err
	}
	out := e.store.Insert(sv)
	if out.Kind != dag.Accepted {
		// Never happens as long as the own votes are chained.
		return ballot.SignedVote{}, xerrors.Errorf("own vote %v: %v", sv, out.Kind)
	}
	res.Inserted++
	res.Cast = append(res.Cast, sv)
	if e.state == Proposing {
		e.state = Merging
	}
	return sv, nil
}

// evaluate looks at the heads until nothing changes: it checks for
// conflicting supermajorities, decides, or casts the next vote of the elder.
func (e *Engine) evaluate(res *Result) error {
	for {
		t := newTally(e.voters, e.keypair.ID(), e.store.Heads(e.generation),
			e.detector.FaultyWeight(e.generation))
		if err := e.checkByzantine(t); err != nil {
			e.poisoned = err
			log.Error(err)
			return err
		}
		if e.state == Decided {
			return nil
		}
		log.Lvlf4("%s tally at %d: voted=%d faulty=%d candidates=%d", ballot.ShortID(e.keypair.ID()),
			e.generation, t.voted, t.faulty, len(t.keys))

		if b := t.decision(); b != nil {
			e.decide(b)
			res.Decided = true
			return nil
		}

		next, ok := e.nextBallot(t)
		if !ok {
			return nil
		}
		if _, err := e.cast(next, res); err != nil {
			return err
		}
	}
}

// nextBallot returns the ballot the elder casts given the tally, if any.
func (e *Engine) nextBallot(t *tally) (ballot.Ballot, bool) {
	if b := t.superMajority(); b != nil {
		if t.own != nil && t.own.Vote.Ballot.Kind() == ballot.KindSuperMajority &&
			t.ownCandidate.Equal(b.candidate) {
			return ballot.Ballot{}, false
		}
		cited := t.evidence(b)
		if t.own != nil && !contains(cited, *t.own) {
			cited = append(cited, *t.own)
		}
		ballot.SortVotes(cited)
		log.Lvlf3("%s casts supermajority for %v", ballot.ShortID(e.keypair.ID()), b.candidate)
		return ballot.NewSuperMajority(cited), true
	}

	if t.isSplit() {
		if t.own != nil && t.ownCandidate.Equal(t.union) {
			return ballot.Ballot{}, false
		}
		cited := append([]ballot.SignedVote{}, t.all...)
		ballot.SortVotes(cited)
		log.Lvlf3("%s merges %d heads into %v", ballot.ShortID(e.keypair.ID()), len(cited), t.union)
		return ballot.NewMerge(cited), true
	}
	return ballot.Ballot{}, false
}

func (e *Engine) decide(b *bucket) {
	e.state = Decided
	e.candidate = b.candidate
	e.value = b.candidate.Resolve()
	e.evidence = append([]ballot.SignedVote{}, b.heads...)
	ballot.SortVotes(e.evidence)
	log.Lvlf2("%s decided %x at %d with %d votes, weight %d supporting", ballot.ShortID(e.keypair.ID()),
		e.value, e.generation, len(e.evidence), e.store.WeightSupporting(e.voters, e.value, e.generation))
}

// checkByzantine detects the situations that are only possible if the faulty
// weight exceeds what the protocol tolerates: two values each proposed by a
// supermajority, or, after the decision, another value reaching the
// decision threshold.
func (e *Engine) checkByzantine(t *tally) error {
	proposers := make(map[string]map[string]bool)
	var values []string
	for _, sv := range e.store.VotesFor(e.generation) {
		if sv.Vote.Ballot.Kind() != ballot.KindPropose {
			continue
		}
		v := string(sv.Vote.Ballot.Propose.Value)
		if _, ok := proposers[v]; !ok {
			proposers[v] = make(map[string]bool)
			values = append(values, v)
		}
		proposers[v][string(sv.Voter)] = true
	}
	var quorums []string
	for _, v := range values {
		var ids [][]byte
		for id := range proposers[v] {
			ids = append(ids, []byte(id))
		}
		if e.voters.IsSuperMajority(e.voters.WeightOf(ids)) {
			quorums = append(quorums, v)
		}
	}
	if len(quorums) > 1 {
		return xerrors.Errorf("values %x and %x both proposed by a supermajority: %w",
			quorums[0], quorums[1], handover.ErrByzantineThresholdExceeded)
	}

	if e.state == Decided {
		for _, k := range t.smKeys {
			b := t.sms[k]
			if t.voters.IsSuperMajority(b.weight) && !bytes.Equal(b.candidate.Resolve(), e.value) {
				return xerrors.Errorf("decided %x but %v reached a supermajority: %w", e.value,
					b.candidate, handover.ErrByzantineThresholdExceeded)
			}
		}
	}
	return nil
}

// AntiEntropy returns every vote of the generation, the votes a lagging elder
// needs to catch up.
func (e *Engine) AntiEntropy() []ballot.SignedVote {
	return e.store.VotesFor(e.generation)
}

func (e *Engine) String() string {
	return fmt.Sprintf("engine(%s@%d, %v)", ballot.ShortID(e.keypair.ID()), e.generation, e.state)
}

func contains(votes []ballot.SignedVote, sv ballot.SignedVote) bool {
	id := sv.ID()
	for _, v := range votes {
		if v.ID() == id {
			return true
		}
	}
	return false
}
