package handover

import (
	"fmt"

	"golang.org/x/xerrors"
)

// ErrInvalidSignature is returned when the signature of a vote does not match
// its payload and voter. The vote is not stored.
var ErrInvalidSignature = xerrors.New("invalid signature")

// ErrUnknownVoter is returned when a vote is signed by an identity outside of
// the current elder set.
var ErrUnknownVoter = xerrors.New("unknown voter")

// ErrStaleGeneration is returned for a vote of a generation older than the
// one of the instance.
var ErrStaleGeneration = xerrors.New("stale generation")

// ErrFutureGeneration is returned for a vote of a generation newer than the
// one of the instance. The caller may keep it and deliver it again after the
// instance has been reset to that generation.
var ErrFutureGeneration = xerrors.New("future generation")

// ErrMalformedBallot is returned when a ballot has not exactly one variant
// set, or when a Merge or SuperMajority ballot cites no vote.
var ErrMalformedBallot = xerrors.New("malformed ballot")

// ErrInvalidBallotEvidence is returned when the votes cited by a ballot do not
// support the ballot, e.g. a SuperMajority ballot whose evidence does not add
// up to the threshold.
var ErrInvalidBallotEvidence = xerrors.New("invalid ballot evidence")

// ErrInvalidFault is returned when a fault does not prove an equivocation.
var ErrInvalidFault = xerrors.New("invalid fault")

// ErrByzantineThresholdExceeded is returned when two incompatible
// supermajorities are derived for one generation. There is no safe way to
// continue the generation.
var ErrByzantineThresholdExceeded = xerrors.New("byzantine threshold exceeded")

// ErrInsufficientShares is returned when the threshold signature is requested
// before enough valid partial signatures have been collected.
var ErrInsufficientShares = xerrors.New("insufficient signature shares")

// ErrThresholdUnavailable is returned when a partial signature is handed to
// an instance that is not configured with threshold keys.
var ErrThresholdUnavailable = xerrors.New("threshold signing unavailable")

// ErrUnsupportedVersion is returned when decoding a message of an unknown
// wire version.
var ErrUnsupportedVersion = xerrors.New("unsupported wire version")

// ErrNotDecided is returned when a decision is requested before the
// generation is decided.
var ErrNotDecided = xerrors.New("generation not decided")

// Error is a wrapper around an standard error that allows
// to print the stack trace from the call of the constructor.
type Error struct {
	err   error
	msg   string
	frame xerrors.Frame
}

// ErrorOrNil returns the error if any with the stack trace
// beginning at the call of the function.
func ErrorOrNil(err error, msg string) error {
	return ErrorOrNilSkip(err, msg, 1)
}

// ErrorOrNilSkip returns the error if any with the stack trace
// beginning at the call of the skip-nth caller.
func ErrorOrNilSkip(err error, msg string, skip int) error {
	if err == nil {
		return nil
	}
	return &Error{
		err:   err,
		msg:   msg,
		frame: xerrors.Caller(skip),
	}
}

// WrapError returns a wrapper of the error is it can be used
// for comparison.
func WrapError(err error) error {
	return ErrorOrNilSkip(err, "", 2)
}

func (e *Error) Error() string {
	if e.msg != "" {
		return e.msg + ": " + fmt.Sprintf("%v", e.err)
	}
	return fmt.Sprintf("%v", e.err)
}

// Unwrap returns the next error in the chain.
func (e *Error) Unwrap() error {
	return e.err
}

// Format prints the error to the formatter.
func (e *Error) Format(f fmt.State, c rune) {
	xerrors.FormatError(e, f, c)
}

// FormatError prints the error to the printer. It prints
// the stack trace when the '+' is used in combination with
// 'v'.
func (e *Error) FormatError(p xerrors.Printer) error {
	if e.msg != "" {
		p.Printf("%s: %v", e.msg, e.err)
	} else {
		p.Printf("%v", e.err)
	}

	if p.Detail() {
		e.frame.Format(p)
		p.Printf("%+v", e.err)
	}
	return nil
}
