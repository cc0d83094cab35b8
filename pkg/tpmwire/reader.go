package tpmwire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// wireReader reads big-endian, length-delimited TPM wire structures and
// tracks the error from the first failed read so callers can chain calls
// without checking err after every field.
type wireReader struct {
	r   *bytes.Reader
	err error
}

func newWireReader(b []byte) *wireReader {
	return &wireReader{r: bytes.NewReader(b)}
}

func (w *wireReader) fail(err error) {
	if w.err == nil {
		w.err = err
	}
}

func (w *wireReader) u8() byte {
	if w.err != nil {
		return 0
	}
	b, err := w.r.ReadByte()
	if err != nil {
		w.fail(fmt.Errorf("tpmwire: %w", errMalformed))
	}
	return b
}

func (w *wireReader) u16() uint16 {
	var v uint16
	w.read(&v)
	return v
}

func (w *wireReader) u32() uint32 {
	var v uint32
	w.read(&v)
	return v
}

func (w *wireReader) u64() uint64 {
	var v uint64
	w.read(&v)
	return v
}

func (w *wireReader) read(v any) {
	if w.err != nil {
		return
	}
	if err := binary.Read(w.r, binary.BigEndian, v); err != nil {
		w.fail(fmt.Errorf("tpmwire: truncated structure: %w", errMalformed))
	}
}

// bytesN reads exactly n raw bytes.
func (w *wireReader) bytesN(n int) []byte {
	if w.err != nil {
		return nil
	}
	if n < 0 {
		w.fail(fmt.Errorf("tpmwire: negative length: %w", errMalformed))
		return nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(w.r, buf); err != nil {
		w.fail(fmt.Errorf("tpmwire: truncated structure: %w", errMalformed))
		return nil
	}
	return buf
}

// sized16 reads a 2-byte length prefix followed by that many bytes
// (TPM2B_* convention).
func (w *wireReader) sized16() []byte {
	n := w.u16()
	return w.bytesN(int(n))
}

// remaining returns the number of unread bytes.
func (w *wireReader) remaining() int {
	return w.r.Len()
}

// finish returns errMalformed if bytes remain unconsumed or a prior read
// failed.
func (w *wireReader) finish() error {
	if w.err != nil {
		return w.err
	}
	if w.remaining() != 0 {
		return fmt.Errorf("tpmwire: %d trailing bytes: %w", w.remaining(), errMalformed)
	}
	return nil
}
