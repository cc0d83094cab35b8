package tpmwire_test

import (
	"bytes"
	"testing"

	"github.com/gaurav137/tpm-verifier/pkg/tpmwire"
)

func TestDigestEqual(t *testing.T) {
	a, err := tpmwire.NewDigest(tpmwire.AlgSHA256, bytes.Repeat([]byte{0x01}, 32))
	if err != nil {
		t.Fatalf("NewDigest: %v", err)
	}
	b, err := tpmwire.NewDigest(tpmwire.AlgSHA256, bytes.Repeat([]byte{0x01}, 32))
	if err != nil {
		t.Fatalf("NewDigest: %v", err)
	}
	c, err := tpmwire.NewDigest(tpmwire.AlgSHA256, bytes.Repeat([]byte{0x02}, 32))
	if err != nil {
		t.Fatalf("NewDigest: %v", err)
	}

	if !a.Equal(b) {
		t.Errorf("expected equal digests to compare equal")
	}
	if a.Equal(c) {
		t.Errorf("expected differing digests to compare unequal")
	}

	d, _ := tpmwire.NewDigest(tpmwire.AlgSHA1, bytes.Repeat([]byte{0x01}, 20))
	if a.Equal(d) {
		t.Errorf("digests of different algorithms must never compare equal")
	}
}

func TestNewDigestRejectsWrongLength(t *testing.T) {
	if _, err := tpmwire.NewDigest(tpmwire.AlgSHA256, make([]byte, 31)); err == nil {
		t.Errorf("expected error for undersized sha256 digest")
	}
}

func TestExtend(t *testing.T) {
	zero := tpmwire.Zero(tpmwire.AlgSHA256)
	event, err := tpmwire.NewDigest(tpmwire.AlgSHA256, bytes.Repeat([]byte{0xAB}, 32))
	if err != nil {
		t.Fatalf("NewDigest: %v", err)
	}

	got, err := tpmwire.Extend(zero, event)
	if err != nil {
		t.Fatalf("Extend: %v", err)
	}

	again, err := tpmwire.Extend(zero, event)
	if err != nil {
		t.Fatalf("Extend: %v", err)
	}
	if !got.Equal(again) {
		t.Errorf("Extend must be deterministic")
	}

	if got.Equal(zero) {
		t.Errorf("extending with a nonzero digest must change the accumulator")
	}
}

func TestExtendRejectsAlgorithmMismatch(t *testing.T) {
	a := tpmwire.Zero(tpmwire.AlgSHA256)
	b := tpmwire.Zero(tpmwire.AlgSHA1)
	if _, err := tpmwire.Extend(a, b); err == nil {
		t.Errorf("expected error extending across mismatched algorithms")
	}
}

func TestAlgorithmValid(t *testing.T) {
	cases := []struct {
		alg  tpmwire.Algorithm
		want bool
	}{
		{tpmwire.AlgSHA1, true},
		{tpmwire.AlgSHA256, true},
		{tpmwire.AlgSHA384, true},
		{tpmwire.AlgSHA512, true},
		{tpmwire.Algorithm(0xBEEF), false},
	}
	for _, tc := range cases {
		if got := tc.alg.Valid(); got != tc.want {
			t.Errorf("Algorithm(0x%04x).Valid() = %v, want %v", uint16(tc.alg), got, tc.want)
		}
	}
}
