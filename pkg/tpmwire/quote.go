package tpmwire

import (
	"crypto/subtle"
	"fmt"
	"sort"
)

// QuoteMagic is the fixed TPM_GENERATED_VALUE prefix of every TPMS_ATTEST.
const QuoteMagic = 0xFF544347

// STAttestQuote is the TPMI_ST_ATTEST tag for a quote-flavored TPMS_ATTEST.
const STAttestQuote = 0x8018

// Quote is a decoded TPMS_ATTEST restricted to the quote flavor: the only
// one this verifier accepts.
type Quote struct {
	Magic     uint32
	Type      uint16
	ExtraData []byte
	Selection PcrSelection
	PcrDigest Digest

	Raw []byte // exact bytes this was parsed from, the data the signature covers
}

// DecodeQuote parses a marshalled TPMS_ATTEST.
func DecodeQuote(raw []byte) (*Quote, error) {
	w := newWireReader(raw)
	q := &Quote{Raw: append([]byte(nil), raw...)}

	q.Magic = w.u32()
	q.Type = w.u16()

	// TPM2B_NAME qualifiedSigner — not interpreted by this verifier.
	_ = w.sized16()
	q.ExtraData = w.sized16()

	// TPMS_CLOCK_INFO: clock(u64), resetCount(u32), restartCount(u32), safe(u8)
	w.u64()
	w.u32()
	w.u32()
	w.u8()

	// firmwareVersion
	w.u64()

	sel, err := decodePcrSelection(w)
	if err != nil {
		return nil, err
	}
	q.Selection = sel

	digestBytes := w.sized16()
	if err := w.finish(); err != nil {
		return nil, err
	}

	if q.Magic != QuoteMagic {
		return nil, fmt.Errorf("tpmwire: quote magic 0x%08x != 0x%08x: %w", q.Magic, uint32(QuoteMagic), errMalformed)
	}
	if q.Type != STAttestQuote {
		return nil, fmt.Errorf("tpmwire: attestation type 0x%04x is not TPM_ST_ATTEST_QUOTE: %w", q.Type, errMalformed)
	}

	// The quote digest's algorithm is not self-describing on the wire; the
	// caller supplies it to VerifyQuote.
	q.PcrDigest = Digest{Value: digestBytes}

	return q, nil
}

// withDigestAlg returns q.PcrDigest tagged with alg, failing if its length
// does not match alg's digest size. A quote may select PCRs from several
// banks; the digest itself is a single hash, computed with alg.
func (q *Quote) withDigestAlg(alg Algorithm) (Digest, error) {
	return NewDigest(alg, q.PcrDigest.Value)
}

// VerifyQuote runs the full §4.3 quote-verification algorithm: nonce
// equality, PCR-selection equality, PCR-digest recomputation, and
// signature verification. digestAlg names the hash algorithm the quote's
// pcrDigest was computed with; the orchestrator passes the signature's
// hash algorithm.
func VerifyQuote(quote *Quote, sig *Signature, ak *Public, nonce []byte, supplied PcrBank, digestAlg Algorithm) error {
	if subtle.ConstantTimeCompare(quote.ExtraData, nonce) != 1 {
		return fmt.Errorf("tpmwire: quote extraData does not match nonce")
	}

	impliedSel := supplied.Selection()
	if !impliedSel.Equal(quote.Selection) {
		return fmt.Errorf("tpmwire: quote PCR selection does not match supplied PCR values")
	}

	recomputed, err := recomputePcrDigest(digestAlg, quote.Selection, supplied)
	if err != nil {
		return err
	}
	quoted, err := quote.withDigestAlg(digestAlg)
	if err != nil {
		return err
	}
	if !recomputed.Equal(quoted) {
		return fmt.Errorf("tpmwire: recomputed PCR digest does not match quote")
	}

	if err := sig.Verify(ak, quoteSignedDigest(quote, sig.Hash)); err != nil {
		return err
	}
	return nil
}

// quoteSignedDigest hashes the raw quote bytes under alg; a TPMT_SIGNATURE
// is always computed over H_alg(marshalled TPMS_ATTEST).
func quoteSignedDigest(q *Quote, alg Algorithm) []byte {
	d, err := sumOf(alg, q.Raw)
	if err != nil {
		return nil
	}
	return d.Value
}

// recomputePcrDigest computes H_alg(concat of selected PCR values in
// canonical order: ascending by algorithm id, then by PCR index within
// algorithm), per §4.3 step 4.
func recomputePcrDigest(alg Algorithm, sel PcrSelection, bank PcrBank) (Digest, error) {
	algs := make([]Algorithm, 0, len(sel))
	for a := range sel {
		algs = append(algs, a)
	}
	sort.Slice(algs, func(i, j int) bool { return algs[i] < algs[j] })

	buf := make([]byte, 0, 32*24)
	for _, a := range algs {
		indices := make([]int, 0, len(sel[a]))
		for i := range sel[a] {
			indices = append(indices, i)
		}
		sort.Ints(indices)
		for _, idx := range indices {
			d, ok := bank[a][idx]
			if !ok {
				return Digest{}, fmt.Errorf("tpmwire: no supplied PCR value for alg=%s index=%d", a, idx)
			}
			buf = append(buf, d.Value...)
		}
	}
	return sumOf(alg, buf)
}
