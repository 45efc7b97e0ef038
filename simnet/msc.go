package simnet

import (
	"fmt"
	"io"
	"strings"

	"go.dedis.ch/handover/ballot"
)

// WriteMSC writes the delivered packets as a message sequence chart in the
// mscgen format. Elders are named e0, e1, ... after their index in the net.
func (n *Net) WriteMSC(w io.Writer) error {
	names := make([]string, len(n.Elders))
	for i := range n.Elders {
		names[i] = fmt.Sprintf("e%d", i)
	}
	var b strings.Builder
	b.WriteString("msc {\n  hscale = \"2\";\n")
	fmt.Fprintf(&b, "  %s;\n", strings.Join(names, ","))
	for _, p := range n.Delivered {
		fmt.Fprintf(&b, "  e%d -> e%d [ label=\"%s\" ];\n", p.Source, p.Dest, label(p))
	}
	b.WriteString("}\n")
	_, err := io.WriteString(w, b.String())
	return err
}

// label describes the content of a packet in a few characters.
func label(p Packet) string {
	switch p.Kind {
	case VotePacket:
		sv, err := ballot.DecodeSignedVote(p.Payload)
		if err != nil {
			return "garbage"
		}
		return fmt.Sprintf("%s %s@%d", ballot.ShortID(sv.Voter), sv.Vote.Ballot, sv.Vote.Generation)
	case FaultPacket:
		f, err := ballot.DecodeFault(p.Payload)
		if err != nil {
			return "garbage"
		}
		return fmt.Sprintf("fault %s@%d", ballot.ShortID(f.Voter), f.Generation())
	case SharePacket:
		s, err := ballot.DecodeShare(p.Payload)
		if err != nil {
			return "garbage"
		}
		return fmt.Sprintf("share@%d", s.Generation)
	default:
		return "garbage"
	}
}
