package consensus

import (
	"sync"

	"go.dedis.ch/handover"
	"go.dedis.ch/handover/ballot"
	"go.dedis.ch/handover/tsig"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
)

// Journal persists the votes of the elder.
type Journal interface {
	Append(generation uint64, sv ballot.SignedVote) error
	Load(generation uint64) ([]ballot.SignedVote, error)
}

// Option configures a Handover.
type Option func(*Handover)

// WithScheme sets the scheme proving the decisions. The quorum scheme is used
// by default.
func WithScheme(s tsig.Scheme) Option {
	return func(h *Handover) {
		h.scheme = s
	}
}

// WithValidator sets the validator of the proposed values.
func WithValidator(v ballot.ValueValidator) Option {
	return func(h *Handover) {
		h.validate = v
	}
}

// WithJournal sets the journal the votes are saved to and replayed from.
func WithJournal(j Journal) Option {
	return func(h *Handover) {
		h.journal = j
	}
}

// WithCacheSize sets the number of verified votes remembered.
func WithCacheSize(n int) Option {
	return func(h *Handover) {
		h.cacheSize = n
	}
}

// Handover is the entry point of an elder taking part in handovers. It runs
// the engine of the current generation and builds the proof of its decision.
// It is safe to call from several goroutines.
type Handover struct {
	sync.Mutex
	keypair   *ballot.KeyPair
	scheme    tsig.Scheme
	validate  ballot.ValueValidator
	journal   Journal
	cacheSize int

	engine   *Engine
	prover   tsig.Prover
	decision *ballot.Decision
	share    *ballot.SignatureShare
}

// NewHandover creates the handover of the elder for the generation. The votes
// of the generation found in the journal are replayed.
func NewHandover(kp *ballot.KeyPair, generation uint64, voters *ballot.VoterSet, opts ...Option) (*Handover, error) {
	h := &Handover{
		keypair:   kp,
		scheme:    tsig.NewQuorumScheme(),
		cacheSize: ballot.DefaultCacheSize,
	}
	for _, opt := range opts {
		opt(h)
	}
	if err := h.reset(generation, voters); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *Handover) reset(generation uint64, voters *ballot.VoterSet) error {
	if !voters.Contains(h.keypair.ID()) {
		log.Lvl2("not an elder of generation", generation)
	}
	engine, err := NewEngine(h.keypair, generation, voters, h.validate, h.cacheSize)
	if err != nil {
		return err
	}
	prover, err := h.scheme.Prover(generation, voters)
	if err != nil {
		if !xerrors.Is(err, handover.ErrThresholdUnavailable) {
			return err
		}
		log.Warnf("%s at %d: %v, falling back to quorum proofs", h.scheme.Name(), generation, err)
		prover, err = tsig.NewQuorumScheme().Prover(generation, voters)
		if err != nil {
			return err
		}
	}
	h.engine = engine
	h.prover = prover
	h.decision = nil
	h.share = nil

	if h.journal == nil {
		return nil
	}
	votes, err := h.journal.Load(generation)
	if err != nil {
		return xerrors.Errorf("replaying journal: %v", err)
	}
	if len(votes) == 0 {
		return nil
	}
	res, err := engine.Restore(votes)
	if err != nil {
		return err
	}
	log.Lvlf2("%s replayed %d votes of generation %d", ballot.ShortID(h.keypair.ID()), len(votes), generation)
	h.save(res.Cast...)
	_, err = h.prove(res)
	return err
}

// ResetForGeneration abandons the current generation and starts the given
// one with its voter set.
func (h *Handover) ResetForGeneration(generation uint64, voters *ballot.VoterSet) error {
	h.Lock()
	defer h.Unlock()
	log.Lvlf2("%s moves from generation %d to %d", ballot.ShortID(h.keypair.ID()),
		h.engine.Generation(), generation)
	return h.reset(generation, voters)
}

// CurrentGeneration returns the generation the elder votes in.
func (h *Handover) CurrentGeneration() uint64 {
	h.Lock()
	defer h.Unlock()
	return h.engine.Generation()
}

// Voters returns the voter set of the current generation.
func (h *Handover) Voters() *ballot.VoterSet {
	h.Lock()
	defer h.Unlock()
	return h.engine.Voters()
}

// Propose casts the vote of the elder for the value. The returned vote must
// be gossiped to the other elders.
func (h *Handover) Propose(value []byte) (ballot.SignedVote, error) {
	h.Lock()
	defer h.Unlock()
	sv, res, err := h.engine.Propose(value)
	if res != nil {
		h.save(res.Cast...)
	}
	if err != nil {
		return ballot.SignedVote{}, err
	}
	if _, err := h.prove(res); err != nil {
		return ballot.SignedVote{}, err
	}
	return sv, nil
}

// HandleSignedVote processes the vote of another elder.
func (h *Handover) HandleSignedVote(sv ballot.SignedVote) (*VoteOutcome, error) {
	h.Lock()
	defer h.Unlock()
	res, err := h.engine.Handle(sv)
	if err != nil {
		return nil, handover.WrapError(err)
	}
	if res.Inserted > 0 {
		h.save(sv)
	}
	h.save(res.Cast...)
	d, err := h.prove(res)
	if err != nil {
		return nil, err
	}
	out := newOutcome(res, d, nil)
	if res.Decided {
		out.Share = h.share
	}
	log.Lvlf3("%s handled %v: %v", ballot.ShortID(h.keypair.ID()), sv, out)
	return out, nil
}

// HandleFault processes a fault reported by another elder.
func (h *Handover) HandleFault(f ballot.Fault) (*VoteOutcome, error) {
	h.Lock()
	defer h.Unlock()
	res, err := h.engine.HandleFault(f)
	if err != nil {
		return nil, handover.WrapError(err)
	}
	h.save(res.Cast...)
	d, err := h.prove(res)
	if err != nil {
		return nil, err
	}
	out := newOutcome(res, d, nil)
	if res.Decided {
		out.Share = h.share
	}
	return out, nil
}

// HandlePartialSignature adds the signature share of another elder. It
// returns the decision once enough shares are known.
func (h *Handover) HandlePartialSignature(s ballot.SignatureShare) (*ballot.Decision, error) {
	h.Lock()
	defer h.Unlock()
	if err := h.engine.checkGeneration(s.Generation); err != nil {
		return nil, err
	}
	if h.decision != nil {
		return h.decision, nil
	}
	d, err := h.prover.AddShare(s)
	if err != nil {
		return nil, err
	}
	if d != nil {
		h.decided(d)
	}
	return d, nil
}

// Aggregate returns the decision if it can be proven. With threshold
// signatures it fails with ErrInsufficientShares until enough shares are
// known.
func (h *Handover) Aggregate() (*ballot.Decision, error) {
	h.Lock()
	defer h.Unlock()
	if h.decision != nil {
		return h.decision, nil
	}
	if h.engine.State() != Decided {
		return nil, handover.ErrNotDecided
	}
	d, err := h.prover.Aggregate()
	if err != nil {
		return nil, err
	}
	h.decided(d)
	return d, nil
}

// Decision returns the proven decision, nil until it is known.
func (h *Handover) Decision() *ballot.Decision {
	h.Lock()
	defer h.Unlock()
	return h.decision
}

// Share returns the signature share of the elder, nil until the elder decided
// or when no threshold key is available.
func (h *Handover) Share() *ballot.SignatureShare {
	h.Lock()
	defer h.Unlock()
	return h.share
}

// GroupKey returns the key threshold proofs verify against, nil for quorum
// proofs.
func (h *Handover) GroupKey() kyber.Point {
	h.Lock()
	defer h.Unlock()
	return h.prover.GroupKey()
}

// State returns the state of the engine.
func (h *Handover) State() State {
	h.Lock()
	defer h.Unlock()
	return h.engine.State()
}

// Faults returns the faults of the current generation.
func (h *Handover) Faults() []ballot.Fault {
	h.Lock()
	defer h.Unlock()
	return h.engine.Faults()
}

// Head returns the latest vote of the elder in the current generation.
func (h *Handover) Head() (ballot.SignedVote, bool) {
	h.Lock()
	defer h.Unlock()
	return h.engine.Head()
}

// AntiEntropy returns every vote of the current generation. It is sent to an
// elder that missed some of them.
func (h *Handover) AntiEntropy() []ballot.SignedVote {
	h.Lock()
	defer h.Unlock()
	return h.engine.AntiEntropy()
}

// prove hands the decision of the engine to the prover the first time it
// happens. It returns the decision if it became known during the call.
func (h *Handover) prove(res *Result) (*ballot.Decision, error) {
	if res == nil || !res.Decided || h.share != nil || h.decision != nil {
		return nil, nil
	}
	value, evidence, ok := h.engine.Decided()
	if !ok {
		return nil, nil
	}
	d, share, err := h.prover.Prove(value, evidence)
	if err != nil {
		return nil, xerrors.Errorf("proving decision: %v", err)
	}
	h.share = share
	if d == nil {
		return nil, nil
	}
	h.decided(d)
	return d, nil
}

func (h *Handover) decided(d *ballot.Decision) {
	h.decision = d
	log.Lvlf1("%s: %v", ballot.ShortID(h.keypair.ID()), d)
}

// save appends the votes to the journal. A failure is logged and does not
// stop the elder, which only risks lagging after a restart.
func (h *Handover) save(votes ...ballot.SignedVote) {
	if h.journal == nil {
		return
	}
	for _, sv := range votes {
		if err := h.journal.Append(sv.Vote.Generation, sv); err != nil {
			log.Error("journaling vote:", err)
		}
	}
}
