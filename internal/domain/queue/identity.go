package queue

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DedupKey groups legs belonging to one patient on one service day. It is a
// distinct type from DurableID so it can never be passed as a mutation
// target; its fields are only set by NewDedupKey.
type DedupKey struct {
	patientID PatientID
	day       ServiceDay
}

// NewDedupKey derives the grouping key for a patient and service day.
func NewDedupKey(patientID PatientID, day ServiceDay) DedupKey {
	return DedupKey{patientID: patientID, day: day}
}

func (k DedupKey) PatientID() PatientID { return k.patientID }
func (k DedupKey) Day() ServiceDay      { return k.day }

var keyEscaper = strings.NewReplacer(`\`, `\\`, `|`, `\|`)

// String renders the key as "<patient>|<day>". The patient part is escaped
// so distinct pairs never render to the same string.
func (k DedupKey) String() string {
	return keyEscaper.Replace(string(k.patientID)) + "|" + string(k.day)
}

func (k DedupKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// Identity is the resolved grouping and identity of a raw entry.
type Identity struct {
	DedupKey  DedupKey
	Specialty string
	DurableID DurableID
}

// NormalizeSpecialty folds a specialty tag to its canonical form.
func NormalizeSpecialty(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Resolve computes the identity of e. It has no side effects.
func Resolve(e RawQueueEntry) (Identity, error) {
	if strings.TrimSpace(string(e.DurableID)) == "" {
		return Identity{}, fmt.Errorf("%w: durable_id is required", ErrMalformedEntry)
	}
	pid := PatientID(strings.TrimSpace(string(e.PatientID)))
	if pid == "" {
		return Identity{}, fmt.Errorf("%w: patient_id is required", ErrMalformedEntry)
	}
	if e.ServiceDay == "" {
		return Identity{}, fmt.Errorf("%w: service_day is required", ErrMalformedEntry)
	}
	day, err := ParseServiceDay(string(e.ServiceDay))
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrMalformedEntry, err)
	}
	specialty := NormalizeSpecialty(e.Specialty)
	if specialty == "" {
		return Identity{}, fmt.Errorf("%w: specialty is required", ErrMalformedEntry)
	}
	if e.Status != "" && !e.Status.Valid() {
		return Identity{}, fmt.Errorf("%w: invalid status %q", ErrMalformedEntry, e.Status)
	}
	if e.Position < 1 {
		return Identity{}, fmt.Errorf("%w: position must be 1 or greater, got %d", ErrMalformedEntry, e.Position)
	}
	if e.Version < 0 {
		return Identity{}, fmt.Errorf("%w: negative version", ErrMalformedEntry)
	}
	return Identity{
		DedupKey:  NewDedupKey(pid, day),
		Specialty: specialty,
		DurableID: e.DurableID,
	}, nil
}

// normalize returns e with the resolved identity applied and defaults
// filled in.
func normalize(e RawQueueEntry, id Identity) RawQueueEntry {
	e.Specialty = id.Specialty
	e.PatientID = id.DedupKey.patientID
	e.ServiceDay = id.DedupKey.day
	if e.Status == "" {
		e.Status = StatusWaiting
	}
	// Postgres keeps microseconds; replayed and live copies must compare equal.
	e.QueueTime = e.QueueTime.Truncate(time.Microsecond)
	return e
}
