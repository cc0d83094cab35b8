package tpmwire

import "fmt"

// CheckAKAttributes enforces that a candidate Attestation Key carries
// exactly RequiredAKAttributes: it must be a non-migratable, TPM-resident,
// restricted signing key that never leaves clear of a session, with no
// attribute outside that set (notably not adminWithPolicy, not decrypt).
func CheckAKAttributes(pub *Public) error {
	if pub.ObjectAttributes != RequiredAKAttributes {
		return fmt.Errorf("tpmwire: AK object attributes 0x%08x do not match required 0x%08x",
			pub.ObjectAttributes, RequiredAKAttributes)
	}
	if pub.Scheme != SchemeRSASSA && pub.Scheme != SchemeECDSA {
		return fmt.Errorf("tpmwire: AK signing scheme is not RSASSA or ECDSA")
	}
	if !pub.SchemeHash.Valid() {
		return fmt.Errorf("tpmwire: AK signing scheme hash algorithm 0x%04x is unsupported", uint16(pub.SchemeHash))
	}
	return nil
}
