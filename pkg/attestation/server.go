package attestation

import (
	"crypto/sha256"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"

	"github.com/gorilla/mux"

	"github.com/gaurav137/tpm-verifier/pkg/credential"
	"github.com/gaurav137/tpm-verifier/pkg/policy"
	"github.com/gaurav137/tpm-verifier/pkg/tpmwire"
)

// requiredParts names the multipart fields every request must carry.
var requiredParts = []string{"quote", "sig", "pcr", "nonce", "ak.pub", "ek.pub"}

const maxUploadBytes = 16 << 20 // generous ceiling for quote/pcr/eventlog/imalog parts combined

// Server is the request orchestrator: it owns no mutable state across
// requests, so concurrent requests need no locking between them.
type Server struct {
	cfg    *Config
	policy *policy.Verifier
	logger *log.Logger
}

// NewServer wires a Config and an external policy verifier into a Server.
func NewServer(cfg *Config, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(os.Stdout, "[attestation] ", log.LstdFlags|log.Lmicroseconds)
	}
	return &Server{
		cfg:    cfg,
		policy: policy.New(cfg.BinDir, logger),
		logger: logger,
	}
}

// Router builds the gorilla/mux router this server serves on.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", s.handleAttest).Methods(http.MethodPost)
	r.HandleFunc("/", s.handleMethodNotAllowed)
	return r
}

func (s *Server) handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
}

// request bundles the raw bytes received for each multipart field, before
// any TPM-wire parsing happens.
type request struct {
	quote, sig, pcr, nonce, akPub, ekPub []byte
	eventLog, imaLog                     []byte
	hasEventLog, hasIMALog               bool
}

// handleAttest runs the full §4.6 state machine: Receive → ValidateInputs
// → ParseAK → ValidateAK → ValidateQuote → ValidateEventLog →
// InvokePolicy → Seal → Respond. Each state's failure is an explicit
// *Error value; this function is the only place that maps one to an HTTP
// status and writes the response.
func (s *Server) handleAttest(w http.ResponseWriter, httpReq *http.Request) {
	ws, err := newWorkspace()
	if err != nil {
		s.writeError(w, sealingFailed("allocating request workspace", err))
		return
	}
	defer func() {
		if err := ws.Close(); err != nil {
			s.logger.Printf("cleaning up workspace: %v", err)
		}
	}()

	req, recvErr := s.receive(w, httpReq, ws)
	if recvErr != nil {
		s.writeError(w, recvErr)
		return
	}

	ak, akErr := parseAndValidateAK(req.akPub)
	if akErr != nil {
		s.writeError(w, akErr)
		return
	}

	ekPub, ekErr := tpmwire.DecodePublic(req.ekPub)
	if ekErr != nil {
		s.writeError(w, badEK("decoding EK public", ekErr))
		return
	}
	if _, err := ekPub.RSAPublicKey(); err != nil {
		s.writeError(w, badEK("EK is not a valid RSA-2048 public key", err))
		return
	}

	bank, quoteErr := s.validateQuote(req, ak)
	if quoteErr != nil {
		s.writeError(w, quoteErr)
		return
	}

	if err := s.validateEventLog(req, bank); err != nil {
		s.writeError(w, err)
		return
	}

	ekHashSum := sha256.Sum256(ekPub.Raw)
	payload, err := s.policy.Decide(httpReq.Context(), ekHashSum[:], ws.Path())
	if err != nil {
		s.writeError(w, verifyFailed(err.Error(), err))
		return
	}

	sealed, err := credential.Seal(ekPub, ak.Name, payload)
	if err != nil {
		if credential.IsBadEK(err) {
			s.writeError(w, badEK("sealing against EK failed", err))
		} else {
			s.writeError(w, sealingFailed("sealing response", err))
		}
		return
	}

	s.respond(w, sealed)
}

// receive parses the multipart form, persists every field to the request
// workspace (the policy verifier contract requires that), and returns the
// raw bytes for in-process parsing.
func (s *Server) receive(w http.ResponseWriter, httpReq *http.Request, ws *workspace) (*request, *Error) {
	httpReq.Body = http.MaxBytesReader(w, httpReq.Body, maxUploadBytes)
	if err := httpReq.ParseMultipartForm(maxUploadBytes); err != nil {
		return nil, malformed("parsing multipart form", err)
	}

	req := &request{}
	fields := map[string]*[]byte{
		"quote":  &req.quote,
		"sig":    &req.sig,
		"pcr":    &req.pcr,
		"nonce":  &req.nonce,
		"ak.pub": &req.akPub,
		"ek.pub": &req.ekPub,
	}
	for _, name := range requiredParts {
		data, err := readFormFile(httpReq, name)
		if err != nil {
			return nil, missingField(name)
		}
		*fields[name] = data
		if werr := ws.WriteField(name, data); werr != nil {
			return nil, sealingFailed("persisting workspace field", werr)
		}
	}

	if len(req.nonce) < s.cfg.MinNonceLen {
		return nil, malformed(fmt.Sprintf("nonce shorter than %d bytes", s.cfg.MinNonceLen), nil)
	}

	if data, err := readFormFile(httpReq, "eventlog"); err == nil {
		req.eventLog = data
		req.hasEventLog = true
		_ = ws.WriteField("eventlog", data)
	} else if s.cfg.RequireEventLog {
		return nil, missingField("eventlog")
	}

	if data, err := readFormFile(httpReq, "imalog"); err == nil {
		req.imaLog = data
		req.hasIMALog = true
		_ = ws.WriteField("imalog", data)
	}

	return req, nil
}

func readFormFile(httpReq *http.Request, field string) ([]byte, error) {
	file, _, err := httpReq.FormFile(field)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return io.ReadAll(file)
}

// parseAndValidateAK runs ParseAK and ValidateAK back to back since
// nothing separates them in the orchestrator's data flow.
func parseAndValidateAK(raw []byte) (*tpmwire.Public, *Error) {
	ak, err := tpmwire.DecodePublic(raw)
	if err != nil {
		return nil, malformed("decoding AK public", err)
	}
	if err := tpmwire.CheckAKAttributes(ak); err != nil {
		return nil, badAK(err.Error(), err)
	}
	return ak, nil
}

// validateQuote runs §4.3 in full: decode quote/signature/pcr file, then
// VerifyQuote performs nonce equality, selection equality, digest
// recomputation and signature verification in sequence.
func (s *Server) validateQuote(req *request, ak *tpmwire.Public) (tpmwire.PcrBank, *Error) {
	quote, err := tpmwire.DecodeQuote(req.quote)
	if err != nil {
		return nil, malformed("decoding quote", err)
	}
	sig, err := tpmwire.DecodeSignature(req.sig)
	if err != nil {
		return nil, malformed("decoding signature", err)
	}
	bank, err := tpmwire.ParsePcrFile(req.pcr)
	if err != nil {
		return nil, malformed("decoding pcr file", err)
	}

	expected, cfgErr := s.cfg.ExpectedSelection()
	if cfgErr != nil {
		return nil, sealingFailed("resolving expected PCR selection", cfgErr)
	}
	if !bank.Selection().Equal(expected) {
		return nil, badQuote("supplied PCR selection does not match configured policy", nil)
	}

	if err := tpmwire.VerifyQuote(quote, sig, ak, req.nonce, bank, sig.Hash); err != nil {
		return nil, badQuote(err.Error(), err)
	}
	return bank, nil
}

// validateEventLog runs §4.4: TCG event-log replay against every quoted
// (alg, pcr), plus IMA replay of the configured IMA PCR when an IMA log was
// supplied. Without an eventlog part it returns at once: an imalog part
// sent without an eventlog part is not replayed.
func (s *Server) validateEventLog(req *request, bank tpmwire.PcrBank) *Error {
	if !req.hasEventLog {
		return nil
	}

	log, err := tpmwire.DecodeEventLog(req.eventLog)
	if err != nil {
		return malformed("decoding event log", err)
	}
	if err := log.VerifyAgainstQuote(bank); err != nil {
		if alg := invalidEventLogAlgName(err); alg != "" {
			return invalidEventLogAlg(alg)
		}
		return badEventLog(err.Error(), err)
	}

	if req.hasIMALog {
		entries, err := tpmwire.ParseIMALog(req.imaLog)
		if err != nil {
			return malformed("decoding IMA log", err)
		}
		for alg, idxs := range bank {
			want, ok := idxs[s.cfg.IMAPCR]
			if !ok {
				continue
			}
			matched, err := tpmwire.ReplayIMA(entries, s.cfg.IMAPCR, want)
			if err != nil {
				return badEventLog(err.Error(), err)
			}
			if !matched {
				return badEventLog(fmt.Sprintf("IMA replay mismatch for pcr=%d alg=%s", s.cfg.IMAPCR, alg), nil)
			}
		}
	}
	return nil
}

// invalidEventLogAlgName extracts the algorithm name from a
// "invalid_eventlog_alg:<alg>" sentinel error, or "" if err isn't one.
func invalidEventLogAlgName(err error) string {
	const prefix = "invalid_eventlog_alg:"
	msg := err.Error()
	if len(msg) > len(prefix) && msg[:len(prefix)] == prefix {
		return msg[len(prefix):]
	}
	return ""
}

func (s *Server) respond(w http.ResponseWriter, sealed *credential.SealedResponse) {
	body := sealed.Marshal()
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		s.logger.Printf("writing response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err *Error) {
	s.logger.Printf("request failed: %s", err.Error())
	http.Error(w, err.Reason(), err.Kind.Status())
}
