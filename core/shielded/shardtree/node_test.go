package shardtree

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.dedis.ch/orchard/core/shielded"
	"go.dedis.ch/orchard/crypto"
	"golang.org/x/xerrors"
)

func TestAddress(t *testing.T) {
	addr := Address{Level: 3, Index: 2}
	require.Equal(t, uint64(16), addr.Start())
	require.Equal(t, uint64(24), addr.End())
	require.Equal(t, "3/2", addr.String())

	left, right := addr.Children()
	require.Equal(t, Address{Level: 2, Index: 4}, left)
	require.Equal(t, Address{Level: 2, Index: 5}, right)

	require.True(t, addr.Contains(addr))
	require.True(t, addr.Contains(Address{Level: 0, Index: 23}))
	require.False(t, addr.Contains(Address{Level: 0, Index: 24}))
	require.False(t, addr.Contains(Address{Level: 4, Index: 1}))
}

func TestHasher(t *testing.T) {
	h := NewDefaultHasher()

	require.Equal(t, h.EmptyLeaf(), NewDefaultHasher().EmptyLeaf())
	require.NotEqual(t, h.EmptyLeaf(), NewHasher(crypto.NewHashFactory(crypto.Sha256)).EmptyLeaf())

	a := shielded.Hash{1}
	b := shielded.Hash{2}
	require.NotEqual(t, h.Combine(0, a, b), h.Combine(1, a, b))
	require.NotEqual(t, h.Combine(0, a, b), h.Combine(0, b, a))

	roots := emptyRoots(h, 4)
	require.Len(t, roots, 5)
	require.Equal(t, h.Combine(2, roots[2], roots[2]), roots[3])
}

func TestInsertNode(t *testing.T) {
	root := Address{Level: 2}

	n, err := insertNode(nil, root, Address{Index: 1}, newLeaf(shielded.Hash{1}, Marked))
	require.NoError(t, err)
	require.Nil(t, n.left.left)
	require.Equal(t, Marked, n.left.right.flags)

	n, err = insertNode(n, root, Address{Index: 1}, newLeaf(shielded.Hash{1}, Checkpoint))
	require.NoError(t, err)
	require.Equal(t, Marked|Checkpoint, n.left.right.flags)

	_, err = insertNode(n, root, Address{Index: 1}, newLeaf(shielded.Hash{2}, Ephemeral))
	require.EqualError(t, err, "conflicting value at address 0/1")
	require.True(t, xerrors.Is(err, shielded.ErrConsistency))

	_, err = insertNode(n, root, Address{Index: 4}, newLeaf(shielded.Hash{2}, Ephemeral))
	require.EqualError(t, err, "address 0/4 is outside of 2/0")

	n.right = newLeaf(shielded.Hash{3}, Ephemeral)
	_, err = insertNode(n, root, Address{Index: 3}, newLeaf(shielded.Hash{2}, Ephemeral))
	require.EqualError(t, err, "cannot insert 0/3 below the pruned node 1/1")
}

func TestCompact(t *testing.T) {
	tree, err := New(newDelegate(), NewDefaultHasher(), testParams)
	require.NoError(t, err)

	root := Address{Level: 2}
	leaves := []*node{
		newLeaf(shielded.Hash{0}, Ephemeral),
		newLeaf(shielded.Hash{1}, Ephemeral),
		newLeaf(shielded.Hash{2}, Marked),
		newLeaf(shielded.Hash{3}, Ephemeral),
	}

	var n *node
	for i, leaf := range leaves {
		n, err = insertNode(n, root, Address{Index: uint64(i)}, leaf)
		require.NoError(t, err)
	}

	h01 := tree.hasher.Combine(0, shielded.Hash{0}, shielded.Hash{1})
	h23 := tree.hasher.Combine(0, shielded.Hash{2}, shielded.Hash{3})

	n = tree.compact(n, root, true)
	require.True(t, n.annotated)
	require.Equal(t, tree.hasher.Combine(1, h01, h23), n.hash)
	require.True(t, n.left.leaf)
	require.Equal(t, h01, n.left.hash)
	require.True(t, n.right.annotated)

	clearLeafFlags(n, root, 2, Marked)
	require.False(t, n.annotated)

	n = tree.compact(n, root, true)
	require.True(t, n.leaf)
	require.Equal(t, tree.hasher.Combine(1, h01, h23), n.hash)

	last, found := maxPosition(n, root)
	require.True(t, found)
	require.Equal(t, uint64(3), last)

	_, found = maxPosition(nil, root)
	require.False(t, found)
}

func TestTruncateNode(t *testing.T) {
	root := Address{Level: 2}

	var n *node
	var err error
	for i := 0; i < 3; i++ {
		n, err = insertNode(n, root, Address{Index: uint64(i)}, newLeaf(shielded.Hash{byte(i)}, Marked))
		require.NoError(t, err)
	}

	out, err := truncateNode(n, root, 1, -1)
	require.NoError(t, err)
	require.NotNil(t, out.left.left)
	require.Nil(t, out.left.right)
	require.Nil(t, out.right)

	// The input subtree is left untouched.
	require.NotNil(t, n.left.right)

	out, err = truncateNode(n, root, 0, -1)
	require.NoError(t, err)
	require.Nil(t, out)

	pruned := newLeaf(shielded.Hash{}, Ephemeral)

	_, err = truncateNode(pruned, root, 2, -1)
	require.EqualError(t, err, "cannot truncate the pruned node 2/0 at size 2")

	out, err = truncateNode(pruned, root, 2, 2)
	require.NoError(t, err)
	require.Nil(t, out)
}

func TestFormat(t *testing.T) {
	root := Address{Level: 2}

	n := &node{
		left:      newLeaf(shielded.Hash{1}, Ephemeral),
		right:     &node{right: newLeaf(shielded.Hash{2}, Marked|Checkpoint)},
		annotated: true,
		hash:      shielded.Hash{3},
	}

	data, err := encodeTree(n)
	require.NoError(t, err)

	out, err := decodeTree(data, root.Level)
	require.NoError(t, err)
	require.Equal(t, n, out)

	out, err = decodeTree(nil, root.Level)
	require.NoError(t, err)
	require.Nil(t, out)

	data, err = encodeTree(nil)
	require.NoError(t, err)

	out, err = decodeTree(data, root.Level)
	require.NoError(t, err)
	require.Nil(t, out)

	_, err = decodeTree([]byte{0x01}, root.Level)
	require.Error(t, err)
	require.True(t, xerrors.Is(err, shielded.ErrConsistency))

	data, err = encodeTree(n)
	require.NoError(t, err)

	_, err = decodeTree(data, 1)
	require.EqualError(t, err, "malformed tree data: parent at level 0")
}
