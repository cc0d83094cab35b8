package tpmwire

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// DefaultIMAPCR is the PCR index IMA template hashes extend into under
// the conventional Linux configuration.
const DefaultIMAPCR = 10

// IMAEntry is one line of an IMA ASCII runtime measurement log:
// `pcr template-hash template-name filedata-hash filename-hint`.
type IMAEntry struct {
	PCR          int
	TemplateHash Digest
	TemplateName string
	FilenameHint string
}

// ParseIMALog decodes the text-format IMA log (one measurement per line,
// whitespace separated fields, as read from
// /sys/kernel/security/ima/ascii_runtime_measurements).
func ParseIMALog(raw []byte) ([]IMAEntry, error) {
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var entries []IMAEntry
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 {
			return nil, fmt.Errorf("tpmwire: IMA log line %d has %d fields, want >= 4: %w", lineNo, len(fields), errMalformed)
		}

		pcr, err := strconv.Atoi(fields[0])
		if err != nil || pcr > maxPCR {
			return nil, fmt.Errorf("tpmwire: IMA log line %d has invalid PCR index %q: %w", lineNo, fields[0], errMalformed)
		}

		hashField := fields[1]
		if idx := strings.IndexByte(hashField, ':'); idx >= 0 {
			hashField = hashField[idx+1:]
		}
		raw, err := hex.DecodeString(hashField)
		if err != nil {
			return nil, fmt.Errorf("tpmwire: IMA log line %d has non-hex template hash: %w", lineNo, errMalformed)
		}
		alg, err := algByDigestSize(len(raw))
		if err != nil {
			return nil, fmt.Errorf("tpmwire: IMA log line %d: %w", lineNo, errMalformed)
		}
		digest, err := NewDigest(alg, raw)
		if err != nil {
			return nil, err
		}

		entry := IMAEntry{
			PCR:          pcr,
			TemplateHash: digest,
			TemplateName: fields[2],
		}
		if len(fields) >= 5 {
			entry.FilenameHint = fields[4]
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("tpmwire: reading IMA log: %w", err)
	}
	return entries, nil
}

// algByDigestSize guesses the hash algorithm of an IMA template-hash
// field from its decoded byte length. IMA does not tag the algorithm
// inline in the legacy "ima" template; "ima-ng" and newer templates
// prefix the hex field with "<algo>:", stripped by the caller before
// this is reached, so the length is the only signal left either way.
func algByDigestSize(n int) (Algorithm, error) {
	switch n {
	case AlgSHA1.Size():
		return AlgSHA1, nil
	case AlgSHA256.Size():
		return AlgSHA256, nil
	case AlgSHA384.Size():
		return AlgSHA384, nil
	case AlgSHA512.Size():
		return AlgSHA512, nil
	default:
		return 0, fmt.Errorf("tpmwire: template hash length %d does not match any supported algorithm", n)
	}
}

// ReplayIMA folds extend over entries targeting pcr, in log order, and
// reports whether the result matches want. An IMA log with no entries for
// pcr is not an error — it simply cannot corroborate that PCR.
func ReplayIMA(entries []IMAEntry, pcr int, want Digest) (ok bool, err error) {
	found := false
	acc := Zero(want.Alg)
	for _, e := range entries {
		if e.PCR != pcr {
			continue
		}
		if e.TemplateHash.Alg != want.Alg {
			continue
		}
		found = true
		acc, err = Extend(acc, e.TemplateHash)
		if err != nil {
			return false, err
		}
	}
	if !found {
		return true, nil
	}
	return acc.Equal(want), nil
}
