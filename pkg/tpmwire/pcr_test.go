package tpmwire_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/gaurav137/tpm-verifier/pkg/tpmwire"
)

// buildPcrFile assembles a tpm2-tools .pcr-format buffer: a
// TPML_PCR_SELECTION header (count, then per-bank alg/sizeofSelect/bitmap)
// followed by the concatenated digests in (alg, index) ascending order.
func buildPcrFile(t *testing.T, alg tpmwire.Algorithm, indices []int, fill byte) []byte {
	t.Helper()

	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint32(1)) // count
	binary.Write(&buf, binary.BigEndian, uint16(alg))
	buf.WriteByte(3) // sizeofSelect: 3 bytes covers PCR 0-23

	bitmap := make([]byte, 3)
	for _, i := range indices {
		bitmap[i/8] |= 1 << uint(i%8)
	}
	buf.Write(bitmap)

	for range indices {
		buf.Write(bytes.Repeat([]byte{fill}, alg.Size()))
	}
	return buf.Bytes()
}

func TestParsePcrFileRoundTrip(t *testing.T) {
	raw := buildPcrFile(t, tpmwire.AlgSHA256, []int{0, 1, 7, 16}, 0x42)

	bank, err := tpmwire.ParsePcrFile(raw)
	if err != nil {
		t.Fatalf("ParsePcrFile: %v", err)
	}

	perAlg, ok := bank[tpmwire.AlgSHA256]
	if !ok {
		t.Fatalf("expected sha256 bank in parsed PcrBank")
	}
	if len(perAlg) != 4 {
		t.Fatalf("expected 4 PCR entries, got %d", len(perAlg))
	}
	for _, idx := range []int{0, 1, 7, 16} {
		d, ok := perAlg[idx]
		if !ok {
			t.Errorf("missing PCR index %d", idx)
			continue
		}
		if len(d.Value) != tpmwire.AlgSHA256.Size() {
			t.Errorf("PCR %d digest has wrong size %d", idx, len(d.Value))
		}
	}
}

func TestParsePcrFileRejectsTrailingBytes(t *testing.T) {
	raw := buildPcrFile(t, tpmwire.AlgSHA256, []int{0}, 0x01)
	raw = append(raw, 0xFF)

	if _, err := tpmwire.ParsePcrFile(raw); err == nil {
		t.Errorf("expected error for trailing bytes")
	} else if !tpmwire.IsMalformed(err) {
		t.Errorf("expected IsMalformed(err) to be true, got %v", err)
	}
}

func TestParsePcrFileRejectsOutOfRangeIndex(t *testing.T) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint32(1))
	binary.Write(&buf, binary.BigEndian, uint16(tpmwire.AlgSHA256))
	buf.WriteByte(4) // oversized select, allows bit 24+
	bitmap := make([]byte, 4)
	bitmap[3] = 0x01 // PCR index 24, out of [0,23]
	buf.Write(bitmap)

	if _, err := tpmwire.ParsePcrFile(buf.Bytes()); err == nil {
		t.Errorf("expected error for out-of-range PCR index")
	}
}

func TestPcrSelectionEqual(t *testing.T) {
	a := tpmwire.PcrSelection{tpmwire.AlgSHA256: {0: true, 1: true}}
	b := tpmwire.PcrSelection{tpmwire.AlgSHA256: {1: true, 0: true}}
	c := tpmwire.PcrSelection{tpmwire.AlgSHA256: {0: true}}

	if !a.Equal(b) {
		t.Errorf("expected selections with the same members to be equal regardless of insertion order")
	}
	if a.Equal(c) {
		t.Errorf("expected selections with different members to be unequal")
	}
}
