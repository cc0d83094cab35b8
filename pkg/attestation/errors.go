package attestation

import (
	"fmt"
	"net/http"
)

// Kind identifies which step of the verification pipeline failed, per the
// error taxonomy this server reports to clients.
type Kind string

const (
	KindMissingField      Kind = "MISSING_FIELD"
	KindMalformed         Kind = "MALFORMED"
	KindBadAK             Kind = "BAD_AK"
	KindBadQuote          Kind = "BAD_QUOTE"
	KindInvalidEventLogAlg Kind = "INVALID_EVENTLOG_ALG"
	KindBadEventLog       Kind = "BAD_EVENTLOG"
	KindBadEK             Kind = "BAD_EK"
	KindVerifyFailed      Kind = "VERIFY_FAILED"
	KindSealingFailed     Kind = "SEALING_FAILED"
)

// Status returns the HTTP status code this kind maps to. Every kind but
// SEALING_FAILED is a client-facing 403; the protocol draws no further
// distinction client-side so that 403 responses stay indistinguishable in
// timing to within normal network jitter.
func (k Kind) Status() int {
	if k == KindSealingFailed {
		return http.StatusInternalServerError
	}
	return http.StatusForbidden
}

// Error is the result value every pipeline step returns on failure,
// explicit rather than raised as an exception from deep inside a helper —
// the orchestrator is the only place that owns the kind-to-status mapping.
type Error struct {
	Kind   Kind
	Detail string // operator-facing reason, not interpreted by clients
	Err    error  // wrapped cause, if any
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Reason renders the reason-phrase text returned in a 403/500 body.
func (e *Error) Reason() string {
	if e.Kind == KindInvalidEventLogAlg && e.Detail != "" {
		return fmt.Sprintf("%s:%s", e.Kind, e.Detail)
	}
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	}
	return string(e.Kind)
}

func newError(kind Kind, detail string, err error) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

func missingField(field string) *Error {
	return newError(KindMissingField, field, nil)
}

func malformed(detail string, err error) *Error {
	return newError(KindMalformed, detail, err)
}

func badAK(detail string, err error) *Error {
	return newError(KindBadAK, detail, err)
}

func badQuote(detail string, err error) *Error {
	return newError(KindBadQuote, detail, err)
}

func invalidEventLogAlg(alg string) *Error {
	return newError(KindInvalidEventLogAlg, alg, nil)
}

func badEventLog(detail string, err error) *Error {
	return newError(KindBadEventLog, detail, err)
}

func badEK(detail string, err error) *Error {
	return newError(KindBadEK, detail, err)
}

func verifyFailed(detail string, err error) *Error {
	return newError(KindVerifyFailed, detail, err)
}

func sealingFailed(detail string, err error) *Error {
	return newError(KindSealingFailed, detail, err)
}
