package queue

import (
	"context"
	"sync"
	"time"
)

const testDay ServiceDay = "2026-03-02"

var baseTime = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func entry(id, patient, specialty string, minute int) RawQueueEntry {
	return RawQueueEntry{
		DurableID:  DurableID(id),
		PatientID:  PatientID(patient),
		Specialty:  specialty,
		ServiceDay: testDay,
		Status:     StatusWaiting,
		QueueTime:  baseTime.Add(time.Duration(minute) * time.Minute),
		Position:   minute + 1,
		Version:    1,
	}
}

// fourSpecialties is patient 123 registered in four specialty queues.
func fourSpecialties() []RawQueueEntry {
	e := []RawQueueEntry{
		entry("290", "123", "cardiology", 0),
		entry("291", "123", "dermatology", 5),
		entry("292", "123", "stomatology", 10),
		entry("293", "123", "laboratory", 15),
	}
	e[0].PatientName = "Ivanova Anna"
	e[0].Phone = "+7 900 000 00 01"
	return e
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recordingNotifier collects audit events.
type recordingNotifier struct {
	mu     sync.Mutex
	events []AuditEvent
}

func (n *recordingNotifier) Notify(_ context.Context, ev AuditEvent) {
	n.mu.Lock()
	n.events = append(n.events, ev)
	n.mu.Unlock()
}

func (n *recordingNotifier) all() []AuditEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]AuditEvent(nil), n.events...)
}

func (n *recordingNotifier) names() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.events))
	for i, ev := range n.events {
		out[i] = ev.Event
	}
	return out
}
