package tree

import (
	"github.com/ramoncreager/matrix/errors"
)

// Tree wraps a root Mapping with the path-addressed get/put/delete
// operations the Keymaster server exposes over its request/reply protocol.
// Tree is not internally synchronized; the owner is responsible for
// serializing access (see package doc).
type Tree struct {
	root *Mapping
}

// New returns an empty Tree with a root mapping.
func New() *Tree {
	return &Tree{root: NewMapping()}
}

// NewFromRoot wraps an existing root node, used by document loading.
func NewFromRoot(root *Mapping) *Tree {
	if root == nil {
		root = NewMapping()
	}
	return &Tree{root: root}
}

// Root returns the tree's root node.
func (t *Tree) Root() *Mapping { return t.root }

// Get resolves keychain to a node. Get(Root) returns the whole document.
func (t *Tree) Get(k Keychain) (Node, error) {
	if k.IsRoot() {
		return t.root, nil
	}
	var cur Node = t.root
	segs := k.Segments()
	for i, seg := range segs {
		m, ok := cur.(*Mapping)
		if !ok {
			return nil, errors.WrapInvalid(errors.ErrKeyNotFoundInTree, "Tree", "Get", "traverse "+k.String())
		}
		child, ok := m.Get(seg)
		if !ok {
			return nil, errors.WrapInvalid(errors.ErrKeyNotFoundInTree, "Tree", "Get", "lookup "+k.String())
		}
		if i == len(segs)-1 {
			return child, nil
		}
		cur = child
	}
	return cur, nil
}

// Put installs n at keychain k. If create is false, every intermediate
// mapping on the path must already exist; otherwise missing intermediates
// are materialized as new mappings. Putting at Root replaces the document
// root outright and requires root to be a Mapping.
func (t *Tree) Put(k Keychain, n Node, create bool) error {
	if k.IsRoot() {
		m, ok := n.(*Mapping)
		if !ok {
			return errors.WrapInvalid(errors.ErrWrongNodeKind, "Tree", "Put", "replace root with non-mapping")
		}
		t.root = m
		return nil
	}

	segs := k.Segments()
	cur := t.root
	for _, seg := range segs[:len(segs)-1] {
		child, ok := cur.Get(seg)
		if !ok {
			if !create {
				return errors.WrapInvalid(errors.ErrCreateFalseNoPath, "Tree", "Put", "missing intermediate "+seg)
			}
			newMapping := NewMapping()
			cur.Set(seg, newMapping)
			cur = newMapping
			continue
		}
		m, ok := child.(*Mapping)
		if !ok {
			return errors.WrapInvalid(errors.ErrWrongNodeKind, "Tree", "Put", "intermediate "+seg+" is not a mapping")
		}
		cur = m
	}

	cur.Set(segs[len(segs)-1], n)
	return nil
}

// Delete removes the node at k, failing if the path does not resolve.
func (t *Tree) Delete(k Keychain) error {
	if k.IsRoot() {
		return errors.WrapInvalid(errors.ErrWrongNodeKind, "Tree", "Delete", "cannot delete root")
	}

	segs := k.Segments()
	cur := t.root
	for _, seg := range segs[:len(segs)-1] {
		child, ok := cur.Get(seg)
		if !ok {
			return errors.WrapInvalid(errors.ErrKeyNotFoundInTree, "Tree", "Delete", "missing intermediate "+seg)
		}
		m, ok := child.(*Mapping)
		if !ok {
			return errors.WrapInvalid(errors.ErrWrongNodeKind, "Tree", "Delete", "intermediate "+seg+" is not a mapping")
		}
		cur = m
	}

	if !cur.Delete(segs[len(segs)-1]) {
		return errors.WrapInvalid(errors.ErrKeyNotFoundInTree, "Tree", "Delete", "lookup "+k.String())
	}
	return nil
}

// Clone performs the deep-clone-then-replace re-root: it returns a new Tree
// with every node copied, so the caller can drop the original and let its
// backing storage be reclaimed. This bounds the memory drift a long-running
// document otherwise accumulates (see clone_interval in the configuration
// document).
func (t *Tree) Clone() *Tree {
	return &Tree{root: t.root.Clone().(*Mapping)}
}
