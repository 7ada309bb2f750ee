package tree

import "strings"

// Keychain addresses a node in the document by a dotted path, e.g.
// "components.nettask.Transports.A.Specified". The empty keychain addresses
// the document root. Segments are cached on construction so prefix fanout
// (the hot path at every successful PUT/DEL) never re-splits the string.
type Keychain struct {
	raw      string
	segments []string
}

// Root is the keychain addressing the whole document.
var Root = Keychain{}

// NewKeychain parses a dotted key string into a Keychain. An empty string
// addresses the root.
func NewKeychain(key string) Keychain {
	if key == "" {
		return Root
	}
	return Keychain{raw: key, segments: strings.Split(key, ".")}
}

// String returns the dotted form of the keychain.
func (k Keychain) String() string { return k.raw }

// IsRoot reports whether this keychain addresses the document root.
func (k Keychain) IsRoot() bool { return len(k.segments) == 0 }

// Segments returns the path components. The returned slice must not be
// mutated.
func (k Keychain) Segments() []string { return k.segments }

// Parent returns the keychain one level up, and false if k is already root.
func (k Keychain) Parent() (Keychain, bool) {
	if len(k.segments) == 0 {
		return Root, false
	}
	if len(k.segments) == 1 {
		return Root, true
	}
	parentSegs := k.segments[:len(k.segments)-1]
	return Keychain{raw: strings.Join(parentSegs, "."), segments: parentSegs}, true
}

// Child returns the keychain obtained by appending segment.
func (k Keychain) Child(segment string) Keychain {
	segs := make([]string, len(k.segments)+1)
	copy(segs, k.segments)
	segs[len(k.segments)] = segment
	return Keychain{raw: strings.Join(segs, "."), segments: segs}
}

// Prefixes returns every prefix of k, shortest first, ending with k itself.
// The root keychain's only prefix is itself. This drives the Keymaster's
// prefix fanout: a PUT at "a.b.c" publishes under "a", "a.b", and "a.b.c" in
// that order.
func (k Keychain) Prefixes() []Keychain {
	if len(k.segments) == 0 {
		return []Keychain{Root}
	}
	out := make([]Keychain, len(k.segments))
	for i := range k.segments {
		segs := k.segments[:i+1]
		out[i] = Keychain{raw: strings.Join(segs, "."), segments: segs}
	}
	return out
}
