package tpmwire

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"fmt"
	"math/big"
)

// sigAlgRSASSA and sigAlgECDSA are the TPMI_ALG_SIG_SCHEME values this
// package accepts in a TPMT_SIGNATURE.
const (
	sigAlgRSASSA = 0x0014
	sigAlgECDSA  = 0x0018
)

// Signature is a decoded TPMT_SIGNATURE: an algorithm tag, the hash it
// was computed over, and the scheme-specific signature bytes.
type Signature struct {
	Scheme SignatureScheme
	Hash   Algorithm

	RSA []byte // RSA case: raw PKCS#1v1.5 signature bytes

	ECDSAR *big.Int // ECC case
	ECDSAS *big.Int
}

// DecodeSignature parses a marshalled TPMT_SIGNATURE.
func DecodeSignature(raw []byte) (*Signature, error) {
	w := newWireReader(raw)
	sig := &Signature{}

	alg := w.u16()
	switch alg {
	case sigAlgRSASSA:
		sig.Scheme = SchemeRSASSA
		sig.Hash = Algorithm(w.u16())
		sig.RSA = w.sized16()
	case sigAlgECDSA:
		sig.Scheme = SchemeECDSA
		sig.Hash = Algorithm(w.u16())
		r := w.sized16()
		s := w.sized16()
		if w.err == nil {
			sig.ECDSAR = new(big.Int).SetBytes(r)
			sig.ECDSAS = new(big.Int).SetBytes(s)
		}
	default:
		return nil, fmt.Errorf("tpmwire: unsupported signature algorithm 0x%04x: %w", alg, errMalformed)
	}

	if err := w.finish(); err != nil {
		return nil, err
	}
	if !sig.Hash.Valid() {
		return nil, fmt.Errorf("tpmwire: unknown signature hash algorithm 0x%04x: %w", uint16(sig.Hash), errMalformed)
	}
	return sig, nil
}

// cryptoHash maps a TPM hash algorithm to the crypto.Hash registered for it.
func (a Algorithm) cryptoHash() (crypto.Hash, error) {
	switch a {
	case AlgSHA1:
		return crypto.SHA1, nil
	case AlgSHA256:
		return crypto.SHA256, nil
	case AlgSHA384:
		return crypto.SHA384, nil
	case AlgSHA512:
		return crypto.SHA512, nil
	default:
		return 0, fmt.Errorf("tpmwire: no crypto.Hash for algorithm 0x%04x", uint16(a))
	}
}

// Verify checks sig over digest (the hash of the signed message) using the
// public key carried by pub. It returns an error describing exactly which
// check failed rather than a bare false, matching how the rest of this
// package reports structural and policy failures.
func (sig *Signature) Verify(pub *Public, digest []byte) error {
	if sig.Scheme != pub.Scheme {
		return fmt.Errorf("tpmwire: signature scheme does not match AK public scheme")
	}

	ch, err := sig.Hash.cryptoHash()
	if err != nil {
		return err
	}

	key, err := pub.CryptoPublicKey()
	if err != nil {
		return err
	}

	switch sig.Scheme {
	case SchemeRSASSA:
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return fmt.Errorf("tpmwire: AK public key is not RSA")
		}
		if err := rsa.VerifyPKCS1v15(rsaKey, ch, digest, sig.RSA); err != nil {
			return fmt.Errorf("tpmwire: RSA signature verification failed: %w", err)
		}
		return nil
	case SchemeECDSA:
		eccKey, ok := key.(*ecdsaPublicKey)
		if !ok {
			return fmt.Errorf("tpmwire: AK public key is not ECC")
		}
		if !ecdsa.Verify(eccKey.std(), digest, sig.ECDSAR, sig.ECDSAS) {
			return fmt.Errorf("tpmwire: ECDSA signature verification failed")
		}
		return nil
	default:
		return fmt.Errorf("tpmwire: unsupported signature scheme")
	}
}
