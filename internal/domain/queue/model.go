package queue

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DurableID is the identifier issued by the system of record for a single
// specialty-queue registration. It is the only value a mutation may target.
type DurableID string

func (id DurableID) String() string { return string(id) }

// UnmarshalJSON accepts both JSON strings and JSON numbers, since upstream
// queue sources disagree on how they serialise identifiers.
func (id *DurableID) UnmarshalJSON(b []byte) error {
	s, err := decodeOpaque(b)
	if err != nil {
		return fmt.Errorf("durable_id: %w", err)
	}
	*id = DurableID(s)
	return nil
}

// PatientID identifies a patient in the system of record.
type PatientID string

func (id PatientID) String() string { return string(id) }

func (id *PatientID) UnmarshalJSON(b []byte) error {
	s, err := decodeOpaque(b)
	if err != nil {
		return fmt.Errorf("patient_id: %w", err)
	}
	*id = PatientID(s)
	return nil
}

func decodeOpaque(b []byte) (string, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return "", nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return "", err
		}
		return strings.TrimSpace(s), nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return "", fmt.Errorf("expected string or number, got %s", string(b))
	}
	return n.String(), nil
}

const serviceDayLayout = "2006-01-02"

// ServiceDay is a clinic calendar date in YYYY-MM-DD form. The canonical form
// sorts lexically in calendar order.
type ServiceDay string

// ParseServiceDay validates s and returns it in canonical form.
func ParseServiceDay(s string) (ServiceDay, error) {
	s = strings.TrimSpace(s)
	if len(s) > len(serviceDayLayout) {
		// Tolerate full timestamps from sources that send midnight datetimes.
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return ServiceDay(t.Format(serviceDayLayout)), nil
		}
	}
	t, err := time.Parse(serviceDayLayout, s)
	if err != nil {
		return "", fmt.Errorf("invalid service day %q: %w", s, err)
	}
	return ServiceDay(t.Format(serviceDayLayout)), nil
}

// DayOf returns the service day that t falls on in loc.
func DayOf(t time.Time, loc *time.Location) ServiceDay {
	if loc == nil {
		loc = time.UTC
	}
	return ServiceDay(t.In(loc).Format(serviceDayLayout))
}

func (d ServiceDay) String() string { return string(d) }

// Before reports whether d is an earlier calendar day than o.
func (d ServiceDay) Before(o ServiceDay) bool { return d < o }

// AddDays returns the service day n days after d.
func (d ServiceDay) AddDays(n int) ServiceDay {
	t, err := time.Parse(serviceDayLayout, string(d))
	if err != nil {
		return d
	}
	return ServiceDay(t.AddDate(0, 0, n).Format(serviceDayLayout))
}

// Status is the lifecycle state of a single queue leg.
type Status string

const (
	StatusWaiting    Status = "waiting"
	StatusCalled     Status = "called"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

var validStatuses = map[Status]bool{
	StatusWaiting: true, StatusCalled: true, StatusInProgress: true,
	StatusCompleted: true, StatusCancelled: true,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool { return validStatuses[s] }

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// RawQueueEntry is one specialty queue's registration of a patient, as
// received from the queue source.
type RawQueueEntry struct {
	DurableID   DurableID  `json:"durable_id"`
	Specialty   string     `json:"specialty"`
	PatientID   PatientID  `json:"patient_id"`
	PatientName string     `json:"patient_name,omitempty"`
	Phone       string     `json:"phone,omitempty"`
	Position    int        `json:"position"`
	Status      Status     `json:"status"`
	ServiceDay  ServiceDay `json:"service_day"`
	QueueTime   time.Time  `json:"queue_time"`
	Version     int64      `json:"version"`
}

// QueuePosition is one specialty leg inside a canonical view.
type QueuePosition struct {
	DurableID DurableID `json:"durable_id"`
	Specialty string    `json:"specialty"`
	Position  int       `json:"position"`
	Status    Status    `json:"status"`
	QueueTime time.Time `json:"queue_time"`
	Version   int64     `json:"version"`
}

func positionFrom(e RawQueueEntry) QueuePosition {
	return QueuePosition{
		DurableID: e.DurableID,
		Specialty: e.Specialty,
		Position:  e.Position,
		Status:    e.Status,
		QueueTime: e.QueueTime,
		Version:   e.Version,
	}
}

func (p QueuePosition) equal(o QueuePosition) bool {
	return p.DurableID == o.DurableID &&
		p.Specialty == o.Specialty &&
		p.Position == o.Position &&
		p.Status == o.Status &&
		p.QueueTime.Equal(o.QueueTime) &&
		p.Version == o.Version
}

// CanonicalAppointmentView is the one-row-per-patient-per-day aggregate
// exposed to callers.
type CanonicalAppointmentView struct {
	DedupKey       DedupKey        `json:"dedup_key"`
	PrimaryEntryID DurableID       `json:"primary_entry_id"`
	PatientID      PatientID       `json:"patient_id"`
	PatientFio     string          `json:"patient_fio"`
	PatientPhone   string          `json:"patient_phone"`
	ServiceDay     ServiceDay      `json:"service_day"`
	QueuePositions []QueuePosition `json:"queue_positions"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func (v CanonicalAppointmentView) clone() CanonicalAppointmentView {
	out := v
	out.QueuePositions = append([]QueuePosition(nil), v.QueuePositions...)
	return out
}

// Position returns the leg carrying id.
func (v CanonicalAppointmentView) Position(id DurableID) (QueuePosition, bool) {
	for _, p := range v.QueuePositions {
		if p.DurableID == id {
			return p, true
		}
	}
	return QueuePosition{}, false
}

func (v CanonicalAppointmentView) legIndex(specialty string) int {
	for i, p := range v.QueuePositions {
		if p.Specialty == specialty {
			return i
		}
	}
	return -1
}

// EarliestQueueTime is the minimum queue time across the view's legs.
func (v CanonicalAppointmentView) EarliestQueueTime() time.Time {
	var earliest time.Time
	for i, p := range v.QueuePositions {
		if i == 0 || p.QueueTime.Before(earliest) {
			earliest = p.QueueTime
		}
	}
	return earliest
}

// AllTerminal reports whether every leg has reached a terminal status.
func (v CanonicalAppointmentView) AllTerminal() bool {
	if len(v.QueuePositions) == 0 {
		return false
	}
	for _, p := range v.QueuePositions {
		if !p.Status.Terminal() {
			return false
		}
	}
	return true
}

// entryFor rebuilds the raw entry a leg was last ingested from.
func (v CanonicalAppointmentView) entryFor(p QueuePosition) RawQueueEntry {
	return RawQueueEntry{
		DurableID:   p.DurableID,
		Specialty:   p.Specialty,
		PatientID:   v.PatientID,
		PatientName: v.PatientFio,
		Phone:       v.PatientPhone,
		Position:    p.Position,
		Status:      p.Status,
		ServiceDay:  v.ServiceDay,
		QueueTime:   p.QueueTime,
		Version:     p.Version,
	}
}
