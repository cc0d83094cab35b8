package credential

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"fmt"

	"github.com/gaurav137/tpm-verifier/pkg/tpmwire"
)

// sessionSecretLen is the width of the ephemeral secret ActivateCredential
// recovers on the client: a 32-byte AES-256 key, a 16-byte IV and a
// 16-byte HMAC key, concatenated.
const sessionSecretLen = 32 + 16 + 16

// SessionSecret is the ephemeral key material a single request's
// credential-activation blob binds to the EK/AK identity. It is never
// serialised on its own; only inside the blob's encrypted identity field.
type SessionSecret struct {
	AESKey  [32]byte
	IV      [16]byte
	HMACKey [16]byte
}

func (s *SessionSecret) pack() []byte {
	out := make([]byte, 0, sessionSecretLen)
	out = append(out, s.AESKey[:]...)
	out = append(out, s.IV[:]...)
	out = append(out, s.HMACKey[:]...)
	return out
}

func unpackSessionSecret(b []byte) (SessionSecret, error) {
	if len(b) != sessionSecretLen {
		return SessionSecret{}, fmt.Errorf("credential: session secret must be %d bytes, got %d", sessionSecretLen, len(b))
	}
	var s SessionSecret
	copy(s.AESKey[:], b[0:32])
	copy(s.IV[:], b[32:48])
	copy(s.HMACKey[:], b[48:64])
	return s, nil
}

// Zero overwrites the secret's memory. Best-effort: it defends against
// this value lingering on the heap after the caller is done with it, not
// against an adversary with arbitrary process memory access.
func (s *SessionSecret) Zero() {
	for i := range s.AESKey {
		s.AESKey[i] = 0
	}
	for i := range s.IV {
		s.IV[i] = 0
	}
	for i := range s.HMACKey {
		s.HMACKey[i] = 0
	}
}

// SealedResponse is the wire layout returned to the client:
// credentialBlob || HMAC-SHA256 tag (32B) || AES-256-CBC ciphertext.
type SealedResponse struct {
	CredentialBlob []byte
	Tag            [32]byte
	Ciphertext     []byte
}

// Marshal serialises the three fields in one pass, the typed replacement
// for the reference implementation's reopen-and-append blob munging.
func (r *SealedResponse) Marshal() []byte {
	out := make([]byte, 0, len(r.CredentialBlob)+32+len(r.Ciphertext))
	out = append(out, r.CredentialBlob...)
	out = append(out, r.Tag[:]...)
	out = append(out, r.Ciphertext...)
	return out
}

// Seal runs the full §4.5 credential-sealer algorithm: it draws a fresh
// SessionSecret, builds a MakeCredential-equivalent blob naming akName and
// wrapped under ekPublic, and envelopes payload under the session
// secret's AES key, tagging the ciphertext with its HMAC key.
func Seal(ekPublic *tpmwire.Public, akName []byte, payload []byte) (*SealedResponse, error) {
	rsaEK, err := ekPublic.RSAPublicKey()
	if err != nil {
		return nil, fmt.Errorf("credential: %w", errBadEK(err))
	}

	var secret SessionSecret
	if _, err := rand.Read(secret.AESKey[:]); err != nil {
		return nil, fmt.Errorf("credential: drawing AES key: %w", err)
	}
	if _, err := rand.Read(secret.IV[:]); err != nil {
		return nil, fmt.Errorf("credential: drawing IV: %w", err)
	}
	if _, err := rand.Read(secret.HMACKey[:]); err != nil {
		return nil, fmt.Errorf("credential: drawing HMAC key: %w", err)
	}
	defer secret.Zero()

	blob, err := makeCredentialBlob(rsaEK, akName, secret.pack(), ekPublic.NameAlg)
	if err != nil {
		return nil, fmt.Errorf("credential: building credential blob: %w", err)
	}

	ciphertext, err := encryptPayload(secret.AESKey[:], secret.IV[:], payload)
	if err != nil {
		return nil, fmt.Errorf("credential: enveloping payload: %w", err)
	}

	tag := hmac.New(sha256.New, secret.HMACKey[:])
	tag.Write(ciphertext)

	resp := &SealedResponse{CredentialBlob: blob, Ciphertext: ciphertext}
	copy(resp.Tag[:], tag.Sum(nil))
	return resp, nil
}

// errBadEK tags a wrapped error so the orchestrator can distinguish an
// EK/RSA-OAEP failure (BAD_EK) from any other sealing failure
// (SEALING_FAILED); see pkg/attestation/errors.go.
type badEKError struct{ err error }

func (e *badEKError) Error() string { return e.err.Error() }
func (e *badEKError) Unwrap() error { return e.err }
func errBadEK(err error) error      { return &badEKError{err} }

// IsBadEK reports whether err originated from a malformed or
// RSA-OAEP-rejecting EK.
func IsBadEK(err error) bool {
	var e *badEKError
	return asBadEK(err, &e)
}

func asBadEK(err error, target **badEKError) bool {
	for err != nil {
		if e, ok := err.(*badEKError); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// makeCredentialBlob implements the TPM2 MakeCredential algorithm
// (TPM 2.0 spec rev 2 part 1 §24), the same sequence
// google/go-tpm's credactivation.Generate performs against a live TPM's
// ActivateCredential: an RSA-OAEP wrapped seed, a KDFa-derived AES-CFB
// symmetric key binding the ciphertext to the AK's Name, and a KDFa-derived
// HMAC key tagging encIdentity together with the Name.
func makeCredentialBlob(ekPub *rsa.PublicKey, akName []byte, secret []byte, nameAlg tpmwire.Algorithm) ([]byte, error) {
	hashNew, err := hasherFor(nameAlg)
	if err != nil {
		return nil, err
	}

	seed := make([]byte, 16)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("drawing seed: %w", err)
	}

	label := append([]byte(labelIdentity), 0)
	encSecret, err := rsa.EncryptOAEP(hashNew(), rand.Reader, ekPub, seed, label)
	if err != nil {
		return nil, errBadEK(fmt.Errorf("RSA-OAEP wrapping seed: %w", err))
	}

	symKey, err := kdfa(nameAlg, seed, labelStorage, akName, nil, len(seed)*8)
	if err != nil {
		return nil, fmt.Errorf("deriving symmetric key: %w", err)
	}

	cv := packTPM2B(secret)
	encIdentity := make([]byte, len(cv))
	block, err := aes.NewCipher(symKey)
	if err != nil {
		return nil, fmt.Errorf("symmetric cipher setup: %w", err)
	}
	cipher.NewCFBEncrypter(block, make([]byte, block.BlockSize())).XORKeyStream(encIdentity, cv)

	macKeyBits := nameAlg.Size() * 8
	macKey, err := kdfa(nameAlg, seed, labelIntegrity, nil, nil, macKeyBits)
	if err != nil {
		return nil, fmt.Errorf("deriving integrity HMAC key: %w", err)
	}

	mac := hmac.New(hashNew, macKey)
	mac.Write(encIdentity)
	mac.Write(akName)
	integrityHMAC := mac.Sum(nil)

	idObject := append(packTPM2B(integrityHMAC), encIdentity...)
	blob := append(packTPM2B(idObject), packTPM2B(encSecret)...)
	return blob, nil
}

// packTPM2B prepends a 2-byte big-endian length prefix, the TPM2B_*
// wire convention.
func packTPM2B(b []byte) []byte {
	out := make([]byte, 2+len(b))
	binary.BigEndian.PutUint16(out, uint16(len(b)))
	copy(out[2:], b)
	return out
}

// encryptPayload implements AES-256-CBC over PKCS#7-padded plaintext.
func encryptPayload(key, iv, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	padded := pkcs7Pad(plaintext, block.BlockSize())
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	out := make([]byte, len(data)+padLen)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(padLen)
	}
	return out
}

// DecryptPayload reverses encryptPayload: AES-256-CBC decrypt then strip
// PKCS#7 padding. Exported for the test suite and for client-side
// reference code exercising round-trip law R1.
func DecryptPayload(key, iv, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("credential: ciphertext length %d is not a nonzero multiple of %d", len(ciphertext), aes.BlockSize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)
	return pkcs7Unpad(out)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("credential: empty padded block")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) {
		return nil, fmt.Errorf("credential: invalid PKCS#7 padding length %d", padLen)
	}
	pad := data[len(data)-padLen:]
	check := make([]byte, padLen)
	for i := range check {
		check[i] = byte(padLen)
	}
	if subtle.ConstantTimeCompare(pad, check) != 1 {
		return nil, fmt.Errorf("credential: invalid PKCS#7 padding bytes")
	}
	return data[:len(data)-padLen], nil
}

// VerifyTag recomputes HMAC-SHA256 over ciphertext under hmacKey and
// compares to tag in constant time.
func VerifyTag(hmacKey, ciphertext, tag []byte) bool {
	mac := hmac.New(sha256.New, hmacKey)
	mac.Write(ciphertext)
	return hmac.Equal(mac.Sum(nil), tag)
}
