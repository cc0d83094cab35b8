package tpmwire_test

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"testing"

	"github.com/gaurav137/tpm-verifier/pkg/tpmwire"
)

func encodeECCPublic(attrs uint32, nameAlg, schemeHash tpmwire.Algorithm, key *ecdsa.PublicKey) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint16(0x0023)) // TPM_ALG_ECC
	binary.Write(&buf, binary.BigEndian, uint16(nameAlg))
	binary.Write(&buf, binary.BigEndian, attrs)
	binary.Write(&buf, binary.BigEndian, uint16(0)) // empty authPolicy

	binary.Write(&buf, binary.BigEndian, uint16(0x0000)) // symmetric NULL
	binary.Write(&buf, binary.BigEndian, uint16(0x0018))  // TPM_ALG_ECDSA
	binary.Write(&buf, binary.BigEndian, uint16(schemeHash))
	binary.Write(&buf, binary.BigEndian, uint16(0x0003)) // TPM_ECC_NIST_P256
	binary.Write(&buf, binary.BigEndian, uint16(0x0000)) // kdf NULL

	x := key.X.Bytes()
	y := key.Y.Bytes()
	binary.Write(&buf, binary.BigEndian, uint16(len(x)))
	buf.Write(x)
	binary.Write(&buf, binary.BigEndian, uint16(len(y)))
	buf.Write(y)

	return buf.Bytes()
}

func TestSignatureVerifyECDSA(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("ecdsa.GenerateKey: %v", err)
	}
	akRaw := encodeECCPublic(tpmwire.RequiredAKAttributes, tpmwire.AlgSHA256, tpmwire.AlgSHA256, &priv.PublicKey)
	ak, err := tpmwire.DecodePublic(akRaw)
	if err != nil {
		t.Fatalf("DecodePublic: %v", err)
	}

	message := []byte("message signed as if it were a marshalled quote")
	digest := sha256.Sum256(message)
	r, s, err := ecdsa.Sign(rand.Reader, priv, digest[:])
	if err != nil {
		t.Fatalf("ecdsa.Sign: %v", err)
	}

	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint16(0x0018)) // TPM_ALG_ECDSA
	binary.Write(&buf, binary.BigEndian, uint16(tpmwire.AlgSHA256))
	rb, sb := r.Bytes(), s.Bytes()
	binary.Write(&buf, binary.BigEndian, uint16(len(rb)))
	buf.Write(rb)
	binary.Write(&buf, binary.BigEndian, uint16(len(sb)))
	buf.Write(sb)

	sig, err := tpmwire.DecodeSignature(buf.Bytes())
	if err != nil {
		t.Fatalf("DecodeSignature: %v", err)
	}
	if err := sig.Verify(ak, digest[:]); err != nil {
		t.Errorf("expected valid ECDSA signature to verify: %v", err)
	}

	tamperedDigest := append([]byte(nil), digest[:]...)
	tamperedDigest[0] ^= 0xFF
	if err := sig.Verify(ak, tamperedDigest); err == nil {
		t.Errorf("expected signature verification to fail over a different digest")
	}
}

func TestDecodeSignatureRejectsUnknownAlgorithm(t *testing.T) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint16(0xBEEF))
	if _, err := tpmwire.DecodeSignature(buf.Bytes()); err == nil {
		t.Errorf("expected error for unknown signature algorithm")
	}
}
