// Package address implements the reversible routing path used by the
// message hub: an ordered sequence of opaque segments whose equality is
// defined only by the trailing segment, which is what makes Route/Unroute
// symmetric across a connection boundary.
package address

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"strings"
)

// Segment is one hop of an Address. Concrete implementations must be
// comparable with == (Local and Named both are) so Address equality and Hub
// map-keying by trailing segment are well defined; Segment itself cannot
// embed the comparable constraint because it is used as an ordinary
// interface type, not a generic type parameter.
type Segment interface {
	String() string
}

// Local is the common Segment implementation: a process-local monotonic id
// minted by a Hub, or a peer-assigned name for a routed hop.
type Local uint64

func (l Local) String() string { return itoa(uint64(l)) }

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// Named is a Segment carrying an arbitrary string, used for peer-supplied
// hop names (e.g. a connection's advertised mailbox name).
type Named string

func (n Named) String() string { return string(n) }

// Address is an ordered, immutable sequence of opaque segments. A
// one-segment Address is local; multi-segment addresses are routed through
// the connection identified by the trailing segment.
//
// Equality and hashing consider only the trailing (most recently routed)
// segment: invariant §3 requires that adding a routing prefix outgoing and
// stripping it incoming leave dispatch at the destination unaffected.
type Address struct {
	segs []Segment
}

// New builds an Address from segments in order, oldest (original) first.
func New(segs ...Segment) Address {
	return Address{segs: append([]Segment(nil), segs...)}
}

// Empty reports whether the address has no segments.
func (a Address) Empty() bool { return len(a.segs) == 0 }

// Len returns the number of segments.
func (a Address) Len() int { return len(a.segs) }

// Last returns the trailing segment, which is what equality and routing
// dispatch are keyed on. Panics on an empty Address.
func (a Address) Last() Segment {
	if len(a.segs) == 0 {
		panic("address: Last of empty address")
	}
	return a.segs[len(a.segs)-1]
}

// Segments returns the ordered segment slice. Callers must not mutate it.
func (a Address) Segments() []Segment { return a.segs }

// Route appends b's segments after a's, producing the address a message
// takes when it crosses one more connection hop outward.
func (a Address) Route(b Address) Address {
	out := make([]Segment, 0, len(a.segs)+len(b.segs))
	out = append(out, a.segs...)
	out = append(out, b.segs...)
	return Address{segs: out}
}

// RouteSeg appends a single segment, the common case of prepending a
// connection's own mailbox address to an outgoing Sender.
func (a Address) RouteSeg(s Segment) Address {
	out := make([]Segment, len(a.segs)+1)
	copy(out, a.segs)
	out[len(a.segs)] = s
	return Address{segs: out}
}

// Unroute pops the trailing segment, the inverse of Route/RouteSeg: for
// every Address a with at least one segment, a.RouteSeg(s).Unroute() == a.
func (a Address) Unroute() Address {
	if len(a.segs) == 0 {
		panic("address: Unroute of empty address")
	}
	return Address{segs: append([]Segment(nil), a.segs[:len(a.segs)-1]...)}
}

// UnrouteLeading drops the *leading* segment instead of the trailing one,
// used by Connection to strip the local mailbox address that the sender's
// serializer prepended as the first hop.
func (a Address) UnrouteLeading() Address {
	if len(a.segs) == 0 {
		panic("address: UnrouteLeading of empty address")
	}
	return Address{segs: append([]Segment(nil), a.segs[1:]...)}
}

// Local reports whether the address is a single segment (i.e. resolves
// directly in this process's Hub rather than being routed out).
func (a Address) Local() bool { return len(a.segs) == 1 }

// Equal compares two addresses by trailing segment only, per the type's
// doc comment.
func (a Address) Equal(b Address) bool {
	if a.Empty() || b.Empty() {
		return a.Empty() && b.Empty()
	}
	return a.Last() == b.Last()
}

// Key returns a map-safe key derived from the trailing segment, for use as
// a Hub handler table key.
func (a Address) Key() Segment {
	return a.Last()
}

func (a Address) String() string {
	var b strings.Builder
	for i := len(a.segs) - 1; i >= 0; i-- {
		if i != len(a.segs)-1 {
			b.WriteByte('.')
		}
		b.WriteString(a.segs[i].String())
	}
	return b.String()
}

// wireSegment is the tagged-union on-the-wire shape of a Segment: Local and
// Named are the only two Segment implementations this codebase has, so a
// closed two-field struct stands in for a gob-registered interface value
// without asking every future Segment implementer to also wire up gob.
type wireSegment struct {
	Named bool
	Local uint64
	Name  string
}

// GobEncode lets an Address cross a Connection's framed gob stream. segs is
// otherwise unexported, which keeps Address's invariants (ordered,
// append-only construction via Route/RouteSeg) intact for every caller
// except gob itself.
func (a Address) GobEncode() ([]byte, error) {
	wire := make([]wireSegment, len(a.segs))
	for i, s := range a.segs {
		switch v := s.(type) {
		case Local:
			wire[i] = wireSegment{Local: uint64(v)}
		case Named:
			wire[i] = wireSegment{Named: true, Name: string(v)}
		default:
			return nil, fmt.Errorf("address: segment %d has unencodable type %T", i, s)
		}
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(wire); err != nil {
		return nil, fmt.Errorf("address: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// GobDecode is GobEncode's inverse.
func (a *Address) GobDecode(data []byte) error {
	var wire []wireSegment
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&wire); err != nil {
		return fmt.Errorf("address: decode: %w", err)
	}
	segs := make([]Segment, len(wire))
	for i, w := range wire {
		if w.Named {
			segs[i] = Named(w.Name)
		} else {
			segs[i] = Local(w.Local)
		}
	}
	a.segs = segs
	return nil
}
