package ballot

import (
	"go.dedis.ch/handover"
	"go.dedis.ch/protobuf"
	"golang.org/x/xerrors"
)

// WireVersion is the version of the encoding of the messages. Signatures are
// computed over the encoding of the votes, so any change of the field order
// or representation of the messages requires a new version.
const WireVersion uint32 = 1

type signedVoteEnvelope struct {
	Version    uint32
	SignedVote SignedVote
}

type decisionEnvelope struct {
	Version  uint32
	Decision Decision
}

type faultEnvelope struct {
	Version uint32
	Fault   Fault
}

type shareEnvelope struct {
	Version uint32
	Share   SignatureShare
}

// EncodeSignedVote returns the wire encoding of the signed vote. The output
// is deterministic.
func EncodeSignedVote(sv SignedVote) ([]byte, error) {
	return encode(&signedVoteEnvelope{Version: WireVersion, SignedVote: sv})
}

// DecodeSignedVote parses a signed vote.
func DecodeSignedVote(buf []byte) (SignedVote, error) {
	env := signedVoteEnvelope{}
	if err := decode(buf, &env, &env.Version); err != nil {
		return SignedVote{}, err
	}
	return env.SignedVote, nil
}

// EncodeDecision returns the wire encoding of the decision.
func EncodeDecision(d Decision) ([]byte, error) {
	return encode(&decisionEnvelope{Version: WireVersion, Decision: d})
}

// DecodeDecision parses a decision.
func DecodeDecision(buf []byte) (Decision, error) {
	env := decisionEnvelope{}
	if err := decode(buf, &env, &env.Version); err != nil {
		return Decision{}, err
	}
	return env.Decision, nil
}

// EncodeFault returns the wire encoding of the fault.
func EncodeFault(f Fault) ([]byte, error) {
	return encode(&faultEnvelope{Version: WireVersion, Fault: f})
}

// DecodeFault parses a fault.
func DecodeFault(buf []byte) (Fault, error) {
	env := faultEnvelope{}
	if err := decode(buf, &env, &env.Version); err != nil {
		return Fault{}, err
	}
	return env.Fault, nil
}

// EncodeShare returns the wire encoding of the signature share.
func EncodeShare(s SignatureShare) ([]byte, error) {
	return encode(&shareEnvelope{Version: WireVersion, Share: s})
}

// DecodeShare parses a signature share.
func DecodeShare(buf []byte) (SignatureShare, error) {
	env := shareEnvelope{}
	if err := decode(buf, &env, &env.Version); err != nil {
		return SignatureShare{}, err
	}
	return env.Share, nil
}

func encode(env interface{}) ([]byte, error) {
	buf, err := protobuf.Encode(env)
	if err != nil {
		return nil, xerrors.Errorf("encoding: %v", err)
	}
	return buf, nil
}

func decode(buf []byte, env interface{}, version *uint32) error {
	if err := protobuf.Decode(buf, env); err != nil {
		return xerrors.Errorf("decoding: %v", err)
	}
	if *version != WireVersion {
		return xerrors.Errorf("version %d: %w", *version, handover.ErrUnsupportedVersion)
	}
	return nil
}
