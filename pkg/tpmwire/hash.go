package tpmwire

import (
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
)

// newHash returns a fresh hash.Hash for the given TPM algorithm.
func newHash(alg Algorithm) (hash.Hash, error) {
	switch alg {
	case AlgSHA1:
		return sha1.New(), nil
	case AlgSHA256:
		return sha256.New(), nil
	case AlgSHA384:
		return sha512.New384(), nil
	case AlgSHA512:
		return sha512.New(), nil
	default:
		return nil, fmt.Errorf("tpmwire: unsupported hash algorithm 0x%04x", uint16(alg))
	}
}

// sumOf hashes data with the given algorithm and returns the Digest.
func sumOf(alg Algorithm, data []byte) (Digest, error) {
	h, err := newHash(alg)
	if err != nil {
		return Digest{}, err
	}
	h.Write(data)
	return Digest{Alg: alg, Value: h.Sum(nil)}, nil
}
