package shardtree

import (
	"github.com/ethereum/go-ethereum/rlp"
	"go.dedis.ch/orchard/core/shielded"
	"golang.org/x/xerrors"
)

const (
	tagNil uint8 = iota
	tagLeaf
	tagParent
	tagAnnotated
)

// nodeRecord is one node of a subtree, which is serialized as the pre-order
// list of its nodes.
type nodeRecord struct {
	Tag   uint8
	Flags uint8
	Hash  []byte
}

func encodeTree(root *node) ([]byte, error) {
	var records []nodeRecord

	var walk func(n *node)
	walk = func(n *node) {
		switch {
		case n == nil:
			records = append(records, nodeRecord{Tag: tagNil})
		case n.leaf:
			records = append(records, nodeRecord{
				Tag:   tagLeaf,
				Flags: uint8(n.flags),
				Hash:  n.hash[:],
			})
		default:
			rec := nodeRecord{Tag: tagParent}
			if n.annotated {
				rec.Tag = tagAnnotated
				rec.Hash = n.hash[:]
			}

			records = append(records, rec)

			walk(n.left)
			walk(n.right)
		}
	}

	walk(root)

	data, err := rlp.EncodeToBytes(records)
	if err != nil {
		return nil, xerrors.Errorf("failed to encode tree: %v", err)
	}

	return data, nil
}

// decodeTree reads a subtree rooted at the given level. Empty data is an empty
// subtree.
func decodeTree(data []byte, level uint8) (*node, error) {
	if len(data) == 0 {
		return nil, nil
	}

	var records []nodeRecord

	err := rlp.DecodeBytes(data, &records)
	if err != nil {
		return nil, shielded.Errorf(shielded.ErrConsistency, "malformed tree data: %v", err)
	}

	dec := decoder{records: records}

	root, err := dec.read(level)
	if err != nil {
		return nil, err
	}

	if dec.index != len(records) {
		return nil, shielded.Errorf(shielded.ErrConsistency,
			"malformed tree data: %d trailing nodes", len(records)-dec.index)
	}

	return root, nil
}

type decoder struct {
	records []nodeRecord
	index   int
}

func (d *decoder) read(level uint8) (*node, error) {
	if d.index >= len(d.records) {
		return nil, shielded.Errorf(shielded.ErrConsistency, "malformed tree data: truncated")
	}

	rec := d.records[d.index]
	d.index++

	switch rec.Tag {
	case tagNil:
		return nil, nil
	case tagLeaf:
		hash, err := shielded.HashFromBytes(rec.Hash)
		if err != nil {
			return nil, shielded.Errorf(shielded.ErrConsistency, "malformed tree data: %v", err)
		}

		return newLeaf(hash, RetentionFlags(rec.Flags)), nil
	case tagParent, tagAnnotated:
		if level == 0 {
			return nil, shielded.Errorf(shielded.ErrConsistency,
				"malformed tree data: parent at level 0")
		}

		left, err := d.read(level - 1)
		if err != nil {
			return nil, err
		}

		right, err := d.read(level - 1)
		if err != nil {
			return nil, err
		}

		n := &node{left: left, right: right}

		if rec.Tag == tagAnnotated {
			n.hash, err = shielded.HashFromBytes(rec.Hash)
			if err != nil {
				return nil, shielded.Errorf(shielded.ErrConsistency, "malformed tree data: %v", err)
			}

			n.annotated = true
		}

		return n, nil
	default:
		return nil, shielded.Errorf(shielded.ErrConsistency,
			"malformed tree data: unknown tag %d", rec.Tag)
	}
}
