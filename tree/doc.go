// Package tree implements the Keymaster's in-memory configuration/state
// document: a recursive structure of scalars, insertion-ordered mappings,
// and sequences, addressed by dotted keychains.
//
// A Tree is not safe for concurrent use by itself; the Keymaster server owns
// exclusive access to one and serializes all reads/writes through its request
// task, per the single-owner concurrency model the rest of this module
// follows.
package tree
