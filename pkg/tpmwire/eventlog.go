package tpmwire

import "fmt"

// EventLogSpecIDSignature is the literal bytes a TCG_PCR_EVENT2 log's
// first (SpecID) event carries in its event data header.
const EventLogSpecIDSignature = "Spec ID Event03"

// eventTypeNoAction and eventTypeStartupLocality identify
// EV_NO_ACTION / the StartupLocality event within it (TCG PC Client
// Platform Firmware Profile).
const (
	eventTypeNoAction         = 0x00000003
	startupLocalitySignature = "StartupLocality"
)

// Event is one decoded TCG_PCR_EVENT2 record: a PCR index, the digests
// recorded against it (one per algorithm present in the log), and the
// raw event data (only interpreted for the StartupLocality special case).
type Event struct {
	PCRIndex int
	Digests  map[Algorithm]Digest
	EventType uint32
	Data      []byte
}

// EventLog is an ordered sequence of Events as read from a TCG binary
// measurement log (the first, SpecID event uses the legacy SHA1-only
// TCG_PCR_EVENT format and is skipped from replay).
type EventLog struct {
	Events []Event

	// Localities records the StartupLocality byte seeded for PCRs
	// 17-22, keyed by PCR index, when such an event is present.
	Localities map[int]byte
}

// DecodeEventLog parses a TCG binary measurement log in TCG_PCR_EVENT2
// (crypto-agile) format. The conventional first entry is a legacy
// TCG_PCR_EVENT carrying the SpecID; it is parsed separately and excluded
// from the returned Events since it predates the multi-algorithm format.
func DecodeEventLog(raw []byte) (*EventLog, error) {
	w := newWireReader(raw)
	log := &EventLog{Localities: make(map[int]byte)}

	// Legacy TCG_PCR_EVENT header: pcrIndex(u32), eventType(u32), digest(20B sha1), eventSize(u32), event data.
	w.u32() // pcrIndex
	w.u32() // eventType
	w.bytesN(20)
	specSize := w.u32()
	w.bytesN(int(specSize))
	if w.err != nil {
		return nil, fmt.Errorf("tpmwire: truncated event log header: %w", errMalformed)
	}

	for w.remaining() > 0 {
		ev, err := decodeEvent2(w)
		if err != nil {
			return nil, err
		}
		if ev.EventType == eventTypeNoAction && startsWith(ev.Data, startupLocalitySignature) {
			if len(ev.Data) > len(startupLocalitySignature) {
				log.Localities[ev.PCRIndex] = ev.Data[len(ev.Data)-1]
			}
			continue
		}
		log.Events = append(log.Events, ev)
	}
	return log, nil
}

func startsWith(data []byte, prefix string) bool {
	if len(data) < len(prefix) {
		return false
	}
	return string(data[:len(prefix)]) == prefix
}

// decodeEvent2 parses one TCG_PCR_EVENT2: pcrIndex(u32), eventType(u32),
// digest count(u32), that many (algId(u16), digest) pairs, eventSize(u32),
// event data.
func decodeEvent2(w *wireReader) (Event, error) {
	ev := Event{Digests: make(map[Algorithm]Digest)}
	ev.PCRIndex = int(w.u32())
	ev.EventType = w.u32()

	digestCount := w.u32()
	for i := uint32(0); i < digestCount; i++ {
		alg := Algorithm(w.u16())
		if !alg.Valid() {
			return Event{}, fmt.Errorf("tpmwire: event log names unknown algorithm 0x%04x: %w", uint16(alg), errMalformed)
		}
		raw := w.bytesN(alg.Size())
		if w.err != nil {
			return Event{}, w.err
		}
		d, err := NewDigest(alg, raw)
		if err != nil {
			return Event{}, err
		}
		ev.Digests[alg] = d
	}

	size := w.u32()
	ev.Data = w.bytesN(int(size))
	if w.err != nil {
		return Event{}, fmt.Errorf("tpmwire: truncated event record: %w", errMalformed)
	}
	if ev.PCRIndex > maxPCR {
		return Event{}, fmt.Errorf("tpmwire: event log PCR index %d out of range: %w", ev.PCRIndex, errMalformed)
	}
	return ev, nil
}

// Algorithms returns the set of hash algorithms recorded in the log, as
// observed across its events.
func (l *EventLog) Algorithms() map[Algorithm]bool {
	out := make(map[Algorithm]bool)
	for _, ev := range l.Events {
		for alg := range ev.Digests {
			out[alg] = true
		}
	}
	return out
}

// Replay folds extend over every event touching (alg, pcr) in log order,
// seeding the accumulator from a StartupLocality event if one targeted
// that PCR, and returns the resulting value. ok is false if the log
// carries no events at all for (alg, pcr) — the caller accepts that as a
// PCR closed before being extended, per §4.4.
func (l *EventLog) Replay(alg Algorithm, pcr int) (digest Digest, ok bool, err error) {
	acc := Zero(alg)
	if locality, has := l.Localities[pcr]; has {
		acc.Value[len(acc.Value)-1] = locality
	}

	found := false
	for _, ev := range l.Events {
		if ev.PCRIndex != pcr {
			continue
		}
		d, has := ev.Digests[alg]
		if !has {
			continue
		}
		found = true
		acc, err = Extend(acc, d)
		if err != nil {
			return Digest{}, false, err
		}
	}
	if !found {
		return Digest{}, false, nil
	}
	return acc, true, nil
}

// VerifyAgainstQuote implements §4.4: for every (alg, pcr) quoted, the
// event log (if it has any entries for that pair) must replay to the
// quoted value, and every algorithm present in the quote's PCR bank must
// also appear in the log.
func (l *EventLog) VerifyAgainstQuote(quoted PcrBank) error {
	present := l.Algorithms()
	for alg, idxs := range quoted {
		if !present[alg] {
			return fmt.Errorf("invalid_eventlog_alg:%s", alg)
		}
		for pcr, want := range idxs {
			got, ok, err := l.Replay(alg, pcr)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if !got.Equal(want) {
				return fmt.Errorf("tpmwire: event log replay for alg=%s pcr=%d does not match quoted value", alg, pcr)
			}
		}
	}
	return nil
}
