package tpmwire

import (
	"fmt"
	"sort"
)

// maxPCR is the highest valid PCR index (TPM 2.0 Part 2 defines a 24-PCR
// platform-class minimum, indices 0..23).
const maxPCR = 23

// PcrSelection maps an algorithm to the set of PCR indices selected
// within that bank.
type PcrSelection map[Algorithm]map[int]bool

// Equal reports whether s and other select exactly the same (alg, index)
// pairs.
func (s PcrSelection) Equal(other PcrSelection) bool {
	if len(s) != len(other) {
		return false
	}
	for alg, idxs := range s {
		oidxs, ok := other[alg]
		if !ok || len(idxs) != len(oidxs) {
			return false
		}
		for i := range idxs {
			if !oidxs[i] {
				return false
			}
		}
	}
	return true
}

// PcrBank maps an algorithm to a mapping from PCR index to its Digest.
type PcrBank map[Algorithm]map[int]Digest

// Selection derives the PcrSelection implied by the indices present in b.
func (b PcrBank) Selection() PcrSelection {
	sel := make(PcrSelection, len(b))
	for alg, idxs := range b {
		s := make(map[int]bool, len(idxs))
		for i := range idxs {
			s[i] = true
		}
		sel[alg] = s
	}
	return sel
}

// decodePcrSelection parses a TPML_PCR_SELECTION: a count followed by that
// many TPMS_PCR_SELECTION entries (alg, sizeofSelect, selection bitmap).
func decodePcrSelection(w *wireReader) (PcrSelection, error) {
	count := w.u32()
	sel := make(PcrSelection, count)
	for n := uint32(0); n < count; n++ {
		alg := Algorithm(w.u16())
		sizeofSelect := int(w.u8())
		bitmap := w.bytesN(sizeofSelect)
		if w.err != nil {
			return nil, w.err
		}
		if !alg.Valid() {
			return nil, fmt.Errorf("tpmwire: PCR selection names unknown algorithm 0x%04x: %w", uint16(alg), errMalformed)
		}
		idxs := make(map[int]bool)
		for byteIdx, b := range bitmap {
			for bit := 0; bit < 8; bit++ {
				if b&(1<<uint(bit)) == 0 {
					continue
				}
				pcr := byteIdx*8 + bit
				if pcr > maxPCR {
					return nil, fmt.Errorf("tpmwire: PCR index %d out of range: %w", pcr, errMalformed)
				}
				idxs[pcr] = true
			}
		}
		if existing, ok := sel[alg]; ok {
			for i := range idxs {
				existing[i] = true
			}
		} else {
			sel[alg] = idxs
		}
	}
	return sel, nil
}

// ParsePcrFile decodes a tpm2-tools `.pcr` file: a TPML_PCR_SELECTION
// header identical in wire shape to the one embedded in a quote, followed
// by the concatenated PCR digests in the same canonical order
// (ascending algorithm id, then ascending index) that VerifyQuote uses to
// recompute pcrDigest.
func ParsePcrFile(raw []byte) (PcrBank, error) {
	w := newWireReader(raw)
	sel, err := decodePcrSelection(w)
	if err != nil {
		return nil, err
	}

	algs := sortedAlgs(sel)
	bank := make(PcrBank, len(algs))
	for _, alg := range algs {
		indices := sortedIndices(sel[alg])
		perAlg := make(map[int]Digest, len(indices))
		for _, idx := range indices {
			raw := w.bytesN(alg.Size())
			if w.err != nil {
				return nil, w.err
			}
			d, err := NewDigest(alg, raw)
			if err != nil {
				return nil, err
			}
			perAlg[idx] = d
		}
		bank[alg] = perAlg
	}
	if err := w.finish(); err != nil {
		return nil, err
	}
	return bank, nil
}

func sortedAlgs(sel PcrSelection) []Algorithm {
	algs := make([]Algorithm, 0, len(sel))
	for a := range sel {
		algs = append(algs, a)
	}
	sort.Slice(algs, func(i, j int) bool { return algs[i] < algs[j] })
	return algs
}

func sortedIndices(idxs map[int]bool) []int {
	out := make([]int, 0, len(idxs))
	for i := range idxs {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}
