// Package handover holds what is shared by the packages of the elder
// handover consensus: the pairing suite and the error taxonomy.
//
// A fixed set of elders agrees on exactly one value when one elder set hands
// control over to the next one. The agreement is leaderless and driven by
// gossip of signed votes: elders propose a value, merge competing votes and
// finally vote that a supermajority has been observed. Once a supermajority of
// elders has cast such a vote, the generation is decided and the decision
// carries a proof that any third party can verify, either the quorum of votes
// or a threshold BLS signature recovered from partial signatures.
//
// The packages are, from the leaves:
//
//	ballot     votes, ballots, faults, decisions and their wire format
//	dag        the append-only store of the votes of a generation
//	fault      the equivocation detector
//	tsig       decision proofs: quorum of votes or threshold signature
//	consensus  the decision engine and the handover entry points
//	journal    optional bbolt persistence of the votes
//	config     TOML configuration of an elder
//	simnet     an in-memory gossip network to run elders against each other
package handover
