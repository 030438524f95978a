// Package crypto defines the cryptographic primitives used to hash the nodes
// of the commitment tree.
package crypto

import (
	"hash"
)

// HashFactory is an interface to produce a hash digest.
type HashFactory interface {
	New() hash.Hash
}
