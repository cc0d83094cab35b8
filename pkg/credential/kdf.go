// Package credential builds the credential-activation blob that binds a
// freshly generated session secret to a TPM's Endorsement Key and the
// Name of a loaded Attestation Key, and envelopes a policy-approved
// payload under the same secret.
package credential

import (
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"

	"github.com/google/go-tpm/legacy/tpm2"

	"github.com/gaurav137/tpm-verifier/pkg/tpmwire"
)

// Label strings of the credential blob, per TCG 2.0 EK Credential Profile
// §2.1.5: IDENTITY is the RSA-OAEP label of the seed wrap; STORAGE and
// INTEGRITY are KDFa labels.
const (
	labelIdentity  = "IDENTITY"
	labelStorage   = "STORAGE"
	labelIntegrity = "INTEGRITY"
)

// kdfa derives key material with TPM 2.0's default key derivation
// function (revision 2 specification part 1 §11.4.9.2). It defers to
// google/go-tpm's own implementation rather than re-deriving the counter-
// mode HMAC expansion by hand.
func kdfa(alg tpmwire.Algorithm, key []byte, label string, contextU, contextV []byte, bits int) ([]byte, error) {
	tpmAlg, err := tpm2Algorithm(alg)
	if err != nil {
		return nil, err
	}
	return tpm2.KDFa(tpmAlg, key, label, contextU, contextV, bits)
}

func tpm2Algorithm(alg tpmwire.Algorithm) (tpm2.Algorithm, error) {
	switch alg {
	case tpmwire.AlgSHA1, tpmwire.AlgSHA256:
		return tpm2.Algorithm(alg), nil
	default:
		// go-tpm's KDFa only implements the HMAC constructions for
		// SHA1 and SHA256; every AK/EK name-alg this verifier accepts
		// in practice is SHA-256.
		return 0, fmt.Errorf("credential: KDFa does not support hash algorithm 0x%04x", uint16(alg))
	}
}

func hasherFor(alg tpmwire.Algorithm) (func() hash.Hash, error) {
	switch alg {
	case tpmwire.AlgSHA1:
		return sha1.New, nil
	case tpmwire.AlgSHA256:
		return sha256.New, nil
	case tpmwire.AlgSHA384:
		return sha512.New384, nil
	case tpmwire.AlgSHA512:
		return sha512.New, nil
	default:
		return nil, fmt.Errorf("credential: KDFa does not support hash algorithm 0x%04x", uint16(alg))
	}
}
