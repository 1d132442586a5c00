package queue

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestResolve_Valid(t *testing.T) {
	e := entry("290", " 123 ", "  Cardiology ", 0)

	id, err := Resolve(e)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.DedupKey != NewDedupKey("123", testDay) {
		t.Errorf("unexpected dedup key %s", id.DedupKey)
	}
	if id.Specialty != "cardiology" {
		t.Errorf("expected normalized specialty, got %q", id.Specialty)
	}
	if id.DurableID != "290" {
		t.Errorf("expected durable id 290, got %q", id.DurableID)
	}
}

func TestResolve_IsPure(t *testing.T) {
	e := entry("290", "123", "Cardiology", 0)
	first, err := Resolve(e)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, _ := Resolve(e)
	if first != second {
		t.Errorf("repeated resolve differs: %+v vs %+v", first, second)
	}
	if e.Specialty != "Cardiology" {
		t.Error("resolve must not modify its input")
	}
}

func TestResolve_Malformed(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(e *RawQueueEntry)
	}{
		{"missing durable id", func(e *RawQueueEntry) { e.DurableID = " " }},
		{"missing patient id", func(e *RawQueueEntry) { e.PatientID = "" }},
		{"missing service day", func(e *RawQueueEntry) { e.ServiceDay = "" }},
		{"unparsable service day", func(e *RawQueueEntry) { e.ServiceDay = "02.03.2026" }},
		{"missing specialty", func(e *RawQueueEntry) { e.Specialty = "" }},
		{"unknown status", func(e *RawQueueEntry) { e.Status = "lost" }},
		{"negative version", func(e *RawQueueEntry) { e.Version = -1 }},
		{"missing position", func(e *RawQueueEntry) { e.Position = 0 }},
		{"negative position", func(e *RawQueueEntry) { e.Position = -3 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := entry("290", "123", "cardiology", 0)
			tt.mutate(&e)
			_, err := Resolve(e)
			if !errors.Is(err, ErrMalformedEntry) {
				t.Fatalf("expected ErrMalformedEntry, got %v", err)
			}
		})
	}
}

func TestDedupKey_DistinctPairsNeverCollide(t *testing.T) {
	a := NewDedupKey("a|b", "2026-03-02")
	b := NewDedupKey("a", "b|2026-03-02")
	if a == b {
		t.Fatal("keys built from different pairs compare equal")
	}
	if a.String() == b.String() {
		t.Errorf("keys render identically: %s", a)
	}
	if a.PatientID() != "a|b" || a.Day() != "2026-03-02" {
		t.Errorf("unexpected key parts %q %q", a.PatientID(), a.Day())
	}
}

func TestDedupKey_MarshalJSON(t *testing.T) {
	b, err := json.Marshal(NewDedupKey("123", testDay))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `"123|2026-03-02"` {
		t.Errorf("unexpected json %s", b)
	}
}

func TestRawQueueEntry_UnmarshalNumericIDs(t *testing.T) {
	var e RawQueueEntry
	body := `{"durable_id":290,"patient_id":123,"specialty":"cardiology","service_day":"2026-03-02"}`
	if err := json.Unmarshal([]byte(body), &e); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if e.DurableID != "290" || e.PatientID != "123" {
		t.Errorf("expected numeric ids as strings, got %q %q", e.DurableID, e.PatientID)
	}

	if err := json.Unmarshal([]byte(`{"durable_id":{"x":1}}`), &e); err == nil {
		t.Error("expected error for object durable id")
	}
}

func TestParseServiceDay(t *testing.T) {
	tests := []struct {
		in      string
		want    ServiceDay
		wantErr bool
	}{
		{"2026-03-02", "2026-03-02", false},
		{" 2026-03-02 ", "2026-03-02", false},
		{"2026-03-02T00:00:00Z", "2026-03-02", false},
		{"2026-02-30", "", true},
		{"yesterday", "", true},
	}
	for _, tt := range tests {
		got, err := ParseServiceDay(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseServiceDay(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseServiceDay(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDayOf_UsesLocation(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*60*60)
	late := time.Date(2026, 3, 1, 22, 30, 0, 0, time.UTC)
	if got := DayOf(late, loc); got != "2026-03-02" {
		t.Errorf("expected next day in UTC+3, got %s", got)
	}
	if got := DayOf(late, nil); got != "2026-03-01" {
		t.Errorf("expected UTC day for nil location, got %s", got)
	}
	if got := ServiceDay("2026-02-28").AddDays(1); got != "2026-03-01" {
		t.Errorf("AddDays crossed month wrong: %s", got)
	}
}
