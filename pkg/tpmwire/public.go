package tpmwire

import (
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"math/big"
)

// Object type identifiers (TPMI_ALG_PUBLIC).
const (
	algRSA      = 0x0001
	algECC      = 0x0023
	algKeyedHash = 0x0008
)

// ECC curve identifiers (TPM_ECC_CURVE) this package understands.
const (
	eccCurveNistP256 = 0x0003
	eccCurveNistP384 = 0x0004
)

// Object attribute bits (TPMA_OBJECT), TPM 2.0 Part 2 §8.3.
const (
	attrFixedTPM             = 1 << 1
	attrStClear              = 1 << 2
	attrFixedParent          = 1 << 4
	attrSensitiveDataOrigin  = 1 << 5
	attrUserWithAuth         = 1 << 6
	attrAdminWithPolicy      = 1 << 7
	attrNoDA                 = 1 << 10
	attrEncryptedDuplication = 1 << 11
	attrRestricted           = 1 << 16
	attrDecrypt              = 1 << 17
	attrSign                 = 1 << 18
)

// RequiredAKAttributes is the exact attribute bitset an Attestation Key
// must carry: fixedTPM, stClear, fixedParent, sensitiveDataOrigin,
// userWithAuth, restricted, sign — nothing more, nothing less.
const RequiredAKAttributes = attrFixedTPM | attrStClear | attrFixedParent |
	attrSensitiveDataOrigin | attrUserWithAuth | attrRestricted | attrSign

// SignatureScheme identifies the signing algorithm an AK declares.
type SignatureScheme int

const (
	SchemeUnknown SignatureScheme = iota
	SchemeRSASSA
	SchemeECDSA
)

// Public is a parsed TPMT_PUBLIC together with the raw bytes it was
// unmarshalled from and its derived TPM Name.
type Public struct {
	Type             uint16
	NameAlg          Algorithm
	ObjectAttributes uint32
	Scheme           SignatureScheme
	SchemeHash       Algorithm // hash used by the signing scheme, if any
	RSAModulus       []byte    // RSA case
	RSAExponent      uint32    // RSA case, 0 means the default 65537
	ECCCurve         uint16    // ECC case
	ECCX, ECCY       []byte    // ECC case

	Raw  []byte // the exact marshalled TPMT_PUBLIC this was parsed from
	Name []byte // nameAlg || H_nameAlg(Raw)
}

// DecodePublic parses a marshalled TPMT_PUBLIC and derives its Name.
func DecodePublic(raw []byte) (*Public, error) {
	w := newWireReader(raw)

	pub := &Public{Raw: append([]byte(nil), raw...)}
	pub.Type = w.u16()
	pub.NameAlg = Algorithm(w.u16())
	pub.ObjectAttributes = w.u32()
	_ = w.sized16() // authPolicy — not interpreted by this verifier

	switch pub.Type {
	case algRSA:
		if err := decodeRSAParms(w, pub); err != nil {
			return nil, err
		}
	case algECC:
		if err := decodeECCParms(w, pub); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("tpmwire: unsupported public object type 0x%04x: %w", pub.Type, errMalformed)
	}

	if err := w.finish(); err != nil {
		return nil, err
	}
	if !pub.NameAlg.Valid() {
		return nil, fmt.Errorf("tpmwire: unknown nameAlg 0x%04x: %w", uint16(pub.NameAlg), errMalformed)
	}

	digest, err := sumOf(pub.NameAlg, pub.Raw)
	if err != nil {
		return nil, err
	}
	name := make([]byte, 2+len(digest.Value))
	name[0] = byte(pub.NameAlg >> 8)
	name[1] = byte(pub.NameAlg)
	copy(name[2:], digest.Value)
	pub.Name = name

	return pub, nil
}

func decodeRSAParms(w *wireReader, pub *Public) error {
	skipSymDef(w)

	scheme := w.u16()
	switch scheme {
	case 0x0000: // TPM_ALG_NULL
		pub.Scheme = SchemeUnknown
	case 0x0014: // TPM_ALG_RSASSA
		pub.Scheme = SchemeRSASSA
		pub.SchemeHash = Algorithm(w.u16())
	default:
		return fmt.Errorf("tpmwire: unsupported RSA signing scheme 0x%04x: %w", scheme, errMalformed)
	}

	keyBits := w.u16()
	exponent := w.u32()
	modulus := w.sized16()
	if w.err != nil {
		return w.err
	}

	if int(keyBits) != len(modulus)*8 {
		return fmt.Errorf("tpmwire: RSA keyBits=%d does not match modulus length %d: %w", keyBits, len(modulus), errMalformed)
	}

	pub.RSAModulus = modulus
	pub.RSAExponent = exponent
	return nil
}

func decodeECCParms(w *wireReader, pub *Public) error {
	skipSymDef(w)

	scheme := w.u16()
	switch scheme {
	case 0x0000: // TPM_ALG_NULL
		pub.Scheme = SchemeUnknown
	case 0x0018: // TPM_ALG_ECDSA
		pub.Scheme = SchemeECDSA
		pub.SchemeHash = Algorithm(w.u16())
	default:
		return fmt.Errorf("tpmwire: unsupported ECC signing scheme 0x%04x: %w", scheme, errMalformed)
	}

	pub.ECCCurve = w.u16()
	switch pub.ECCCurve {
	case eccCurveNistP256, eccCurveNistP384:
	default:
		return fmt.Errorf("tpmwire: unsupported ECC curve 0x%04x: %w", pub.ECCCurve, errMalformed)
	}

	// TPMT_KDF_SCHEME
	kdfScheme := w.u16()
	if kdfScheme != 0x0000 {
		_ = w.u16() // kdf hash alg, unused by this verifier
	}

	pub.ECCX = w.sized16()
	pub.ECCY = w.sized16()
	return w.err
}

// skipSymDef consumes a TPMT_SYM_DEF_OBJECT: an algorithm id, and if it is
// not TPM_ALG_NULL, a key-size and mode field.
func skipSymDef(w *wireReader) {
	alg := w.u16()
	if alg != 0x0000 {
		w.u16() // keyBits
		w.u16() // mode
	}
}

// RSAPublicKey returns the crypto/rsa public key for an RSA Public.
func (p *Public) RSAPublicKey() (*rsa.PublicKey, error) {
	if p.Type != algRSA {
		return nil, fmt.Errorf("tpmwire: not an RSA public key")
	}
	e := int(p.RSAExponent)
	if e == 0 {
		e = 65537
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(p.RSAModulus), E: e}, nil
}

// CryptoPublicKey returns the crypto.PublicKey (rsa.PublicKey or
// ecdsa.PublicKey) this structure represents, for signature verification.
func (p *Public) CryptoPublicKey() (any, error) {
	switch p.Type {
	case algRSA:
		return p.RSAPublicKey()
	case algECC:
		curve, err := eccCurve(p.ECCCurve)
		if err != nil {
			return nil, err
		}
		return &ecdsaPublicKey{
			Curve: curve,
			X:     new(big.Int).SetBytes(p.ECCX),
			Y:     new(big.Int).SetBytes(p.ECCY),
		}, nil
	default:
		return nil, fmt.Errorf("tpmwire: unsupported public key type 0x%04x", p.Type)
	}
}

// MarshalPKIX renders the public key in x509 PKIX form, used when this
// verifier must hand the key to code expecting crypto/x509 types.
func (p *Public) MarshalPKIX() ([]byte, error) {
	key, err := p.CryptoPublicKey()
	if err != nil {
		return nil, err
	}
	switch k := key.(type) {
	case *rsa.PublicKey:
		return x509.MarshalPKIXPublicKey(k)
	case *ecdsaPublicKey:
		return x509.MarshalPKIXPublicKey(k.std())
	default:
		return nil, fmt.Errorf("tpmwire: cannot marshal key type %T", key)
	}
}
