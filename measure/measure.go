// Package measure records blob contents for attestation. The loader
// submits every materialized blob here after its identity rewrite, so the
// log reflects final content. Recording is best-effort unless the loader
// is configured otherwise.
package measure

import (
	"crypto/sha256"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// cborEncMode uses canonical mode so encoded logs are deterministic.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("measure: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// EventKind tags what a recorded blob was.
type EventKind uint32

const (
	// EventTableData marks platform description table content downloaded
	// from the host.
	EventTableData EventKind = 1
)

func (k EventKind) String() string {
	switch k {
	case EventTableData:
		return "table-data"
	default:
		return fmt.Sprintf("event(%d)", uint32(k))
	}
}

// Sink receives measurement events.
type Sink interface {
	Record(kind EventKind, data []byte) error
}

// Discard is a Sink that drops every event.
type Discard struct{}

func (Discard) Record(EventKind, []byte) error { return nil }

// Event is one measurement log entry.
type Event struct {
	Kind   EventKind `cbor:"1,keyasint"`
	Length int       `cbor:"2,keyasint"`
	Digest [32]byte  `cbor:"3,keyasint"`
}

// EventLog is an in-memory Sink that keeps a digest per recorded blob and
// can serialize the whole log to CBOR.
type EventLog struct {
	events []Event
}

func NewEventLog() *EventLog {
	return &EventLog{}
}

func (l *EventLog) Record(kind EventKind, data []byte) error {
	l.events = append(l.events, Event{
		Kind:   kind,
		Length: len(data),
		Digest: sha256.Sum256(data),
	})
	return nil
}

// Events returns the recorded entries in record order.
func (l *EventLog) Events() []Event { return l.events }

// Marshal serializes the log to canonical CBOR.
func (l *EventLog) Marshal() ([]byte, error) {
	return cborEncMode.Marshal(l.events)
}

// UnmarshalEvents deserializes a log produced by Marshal.
func UnmarshalEvents(data []byte) ([]Event, error) {
	var events []Event
	if err := cbor.Unmarshal(data, &events); err != nil {
		return nil, fmt.Errorf("measure: unmarshal event log: %w", err)
	}
	return events, nil
}
