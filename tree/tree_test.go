package tree

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTree_PutGetRoundTrip(t *testing.T) {
	tr := New()
	k := NewKeychain("a.b.c")

	require.NoError(t, tr.Put(k, NewScalar("hello"), true))

	got, err := tr.Get(k)
	require.NoError(t, err)
	assert.Equal(t, "hello", got.(*Scalar).Value)
}

func TestTree_PutIdempotent(t *testing.T) {
	tr := New()
	k := NewKeychain("a.b")

	require.NoError(t, tr.Put(k, NewScalar("v"), true))
	require.NoError(t, tr.Put(k, NewScalar("v"), true))

	got, err := tr.Get(k)
	require.NoError(t, err)
	assert.Equal(t, "v", got.(*Scalar).Value)
}

func TestTree_DeleteThenGetFails(t *testing.T) {
	tr := New()
	k := NewKeychain("x")
	require.NoError(t, tr.Put(k, NewScalar("1"), true))

	require.NoError(t, tr.Delete(k))

	_, err := tr.Get(k)
	assert.Error(t, err)
}

func TestTree_GetRootReturnsWholeDocument(t *testing.T) {
	tr := New()
	require.NoError(t, tr.Put(NewKeychain("a"), NewScalar("1"), true))
	require.NoError(t, tr.Put(NewKeychain("b"), NewScalar("2"), true))

	root, err := tr.Get(Root)
	require.NoError(t, err)

	m := root.(*Mapping)
	assert.Equal(t, []string{"a", "b"}, m.Keys())
}

func TestTree_PutCreateFalseOnMissingIntermediateFails(t *testing.T) {
	tr := New()
	err := tr.Put(NewKeychain("a.b.c"), NewScalar("v"), false)
	assert.Error(t, err)

	// must not have mutated the tree
	_, getErr := tr.Get(NewKeychain("a"))
	assert.Error(t, getErr)
}

func TestTree_DeleteNonExistentFails(t *testing.T) {
	tr := New()
	err := tr.Delete(NewKeychain("nope"))
	assert.Error(t, err)
}

func TestTree_Clone(t *testing.T) {
	tr := New()
	require.NoError(t, tr.Put(NewKeychain("a.b"), NewScalar("1"), true))

	clone := tr.Clone()
	require.NoError(t, clone.Put(NewKeychain("a.b"), NewScalar("2"), true))

	orig, err := tr.Get(NewKeychain("a.b"))
	require.NoError(t, err)
	assert.Equal(t, "1", orig.(*Scalar).Value, "clone must not share storage with the original")

	cloned, err := clone.Get(NewKeychain("a.b"))
	require.NoError(t, err)
	assert.Equal(t, "2", cloned.(*Scalar).Value)
}

func TestKeychain_Prefixes(t *testing.T) {
	k := NewKeychain("a.b.c")
	prefixes := k.Prefixes()

	require.Len(t, prefixes, 3)
	assert.Equal(t, "a", prefixes[0].String())
	assert.Equal(t, "a.b", prefixes[1].String())
	assert.Equal(t, "a.b.c", prefixes[2].String())
}

func TestKeychain_RootPrefixIsItself(t *testing.T) {
	prefixes := Root.Prefixes()
	require.Len(t, prefixes, 1)
	assert.True(t, prefixes[0].IsRoot())
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	m := NewMapping()
	m.Set("a", NewScalar("1"))
	m.Set("b", NewSequence(NewScalar("x"), NewScalar("y")))

	data, err := Encode(m)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)

	if diff := cmp.Diff(m, decoded, cmp.AllowUnexported(Mapping{}, Scalar{}, Sequence{})); diff != "" {
		t.Fatalf("decoded document does not match original (-want +got):\n%s", diff)
	}
}

func TestLoadYAML(t *testing.T) {
	doc := []byte(`
Keymaster:
  URLS:
    Initial:
      - "tcp://*:42000"
      - "inproc://km"
  clone_interval: 1000
`)

	tr, err := LoadYAML(doc)
	require.NoError(t, err)

	n, err := tr.Get(NewKeychain("Keymaster.URLS.Initial"))
	require.NoError(t, err)

	seq, ok := n.(*Sequence)
	require.True(t, ok)
	require.Len(t, seq.Items, 2)
	assert.Equal(t, "tcp://*:42000", seq.Items[0].(*Scalar).Value)
}
