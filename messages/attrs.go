package messages

import "github.com/pion/stun/v3"

// AttrSet is the set of comprehension-required attribute types an endpoint
// understands. Attributes from the comprehension-optional range never need to
// be listed; agents are free to skip those.
type AttrSet map[stun.AttrType]struct{}

// DefaultAttrSet returns the comprehension-required attributes of the
// RFC 5389 catalog implemented by the codec.
func DefaultAttrSet() AttrSet {
	return AttrSet{
		stun.AttrMappedAddress:     {},
		stun.AttrUsername:          {},
		stun.AttrMessageIntegrity:  {},
		stun.AttrErrorCode:         {},
		stun.AttrUnknownAttributes: {},
		stun.AttrRealm:             {},
		stun.AttrNonce:             {},
		stun.AttrXORMappedAddress:  {},
	}
}

// With returns a copy of the set extended by the given attribute types.
func (s AttrSet) With(types ...stun.AttrType) AttrSet {
	next := make(AttrSet, len(s)+len(types))
	for t := range s {
		next[t] = struct{}{}
	}
	for _, t := range types {
		next[t] = struct{}{}
	}
	return next
}

// Contains reports whether t is in the set.
func (s AttrSet) Contains(t stun.AttrType) bool {
	_, ok := s[t]
	return ok
}

// UnknownRequired returns the comprehension-required attribute types of m
// that are not in known, in wire order. A request carrying any of these must
// be answered with a 420; a response carrying them is still delivered, with
// the list attached, so the caller can decide (RFC 5389 section 7.3).
func UnknownRequired(m *stun.Message, known AttrSet) []stun.AttrType {
	var unknown []stun.AttrType
	for _, a := range m.Attributes {
		if !a.Type.Required() || known.Contains(a.Type) {
			continue
		}
		unknown = append(unknown, a.Type)
	}
	return unknown
}
