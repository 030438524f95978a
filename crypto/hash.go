package crypto

import (
	"crypto/sha256"
	"hash"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
	"golang.org/x/xerrors"
)

// HashAlgorithm is the identifier of a supported hash function.
type HashAlgorithm int

const (
	Sha256 HashAlgorithm = iota
	Sha3_256
	Blake2b256
)

// String returns the name of the algorithm.
func (a HashAlgorithm) String() string {
	switch a {
	case Sha256:
		return "sha256"
	case Sha3_256:
		return "sha3-256"
	case Blake2b256:
		return "blake2b-256"
	default:
		return "unknown"
	}
}

// ParseHashAlgorithm returns the algorithm matching the name.
func ParseHashAlgorithm(name string) (HashAlgorithm, error) {
	for _, a := range []HashAlgorithm{Sha256, Sha3_256, Blake2b256} {
		if a.String() == name {
			return a, nil
		}
	}

	return 0, xerrors.Errorf("unknown hash algorithm '%s'", name)
}

// hashFactory is a hash factory that is using one of the supported algorithms.
// Every algorithm produces 32 bytes digests.
//
// - implements crypto.HashFactory
type hashFactory struct {
	hashType HashAlgorithm
	key      []byte
}

// NewHashFactory returns a new instance of the factory.
func NewHashFactory(a HashAlgorithm) hashFactory {
	return hashFactory{hashType: a}
}

// NewKeyedBlake2bFactory returns a factory of blake2b-256 instances keyed with
// the given personalisation, which must be at most 64 bytes long.
func NewKeyedBlake2bFactory(key []byte) hashFactory {
	return hashFactory{hashType: Blake2b256, key: key}
}

// New implements crypto.HashFactory. It returns a new Hash instance.
func (f hashFactory) New() hash.Hash {
	switch f.hashType {
	case Sha256:
		return sha256.New()
	case Sha3_256:
		return sha3.New256()
	case Blake2b256:
		h, err := blake2b.New256(f.key)
		if err != nil {
			panic("invalid blake2b key: " + err.Error())
		}
		return h
	default:
		panic("unknown hash type")
	}
}
