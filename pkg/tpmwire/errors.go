package tpmwire

import "errors"

// errMalformed is wrapped by every structural parse failure in this
// package. Callers that need to map it to the orchestrator's MALFORMED
// error kind can do so with errors.Is.
var errMalformed = errors.New("malformed TPM structure")

// IsMalformed reports whether err originated from a structural parse
// failure in this package.
func IsMalformed(err error) bool {
	return errors.Is(err, errMalformed)
}
