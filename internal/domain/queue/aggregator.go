package queue

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// IngestResult is the structured outcome of folding one batch.
type IngestResult struct {
	Created   []CanonicalAppointmentView `json:"created_views"`
	Updated   []CanonicalAppointmentView `json:"updated_views"`
	Rejected  []EntryError               `json:"rejected,omitempty"`
	Stale     []DurableID                `json:"stale,omitempty"`
	Conflicts []MergeConflict            `json:"conflicts,omitempty"`
	Accepted  int                        `json:"accepted"`
}

// Changed reports whether the batch altered any view.
func (r IngestResult) Changed() bool {
	return len(r.Created) > 0 || len(r.Updated) > 0
}

// retiredLeg is what survives of a leg after its view is retired: enough
// to refuse a replayed or re-pulled copy of it until the day rolls over.
type retiredLeg struct {
	day     ServiceDay
	version int64
	status  Status
}

// location is the durable-id index entry: which leg of which view an id
// belongs to.
type location struct {
	key       DedupKey
	specialty string
}

type viewSlot struct {
	view CanonicalAppointmentView
	live bool
}

type resolvedEntry struct {
	index int
	entry RawQueueEntry
	id    Identity
}

// Aggregator owns the canonical view set. Views live in an arena of slots;
// byKey and index point into it. All three, and the retired-leg table, are
// changed only by Ingest and Retire.
type Aggregator struct {
	mu      sync.RWMutex
	arena   []viewSlot
	free    []int
	byKey   map[DedupKey]int
	index   map[DurableID]location
	retired map[DurableID]retiredLeg

	now    func() time.Time
	logger zerolog.Logger
}

// AggregatorOption configures an Aggregator.
type AggregatorOption func(*Aggregator)

// WithClock overrides the clock used to stamp view changes.
func WithClock(now func() time.Time) AggregatorOption {
	return func(a *Aggregator) { a.now = now }
}

// WithAggregatorLogger sets the logger for rejected entries and conflicts.
func WithAggregatorLogger(l zerolog.Logger) AggregatorOption {
	return func(a *Aggregator) { a.logger = l }
}

func NewAggregator(opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{
		byKey:   make(map[DedupKey]int),
		index:   make(map[DurableID]location),
		retired: make(map[DurableID]retiredLeg),
		now:     time.Now,
		logger:  zerolog.Nop(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Ingest folds batch into the view set. Malformed entries are reported in
// the result and skipped; they never abort the rest of the batch.
func (a *Aggregator) Ingest(batch []RawQueueEntry) IngestResult {
	return a.ingestAt(batch, a.now())
}

// ingestAt is Ingest with the change time supplied by the caller, so a
// replay stamps views with the time their batch was first accepted.
func (a *Aggregator) ingestAt(batch []RawQueueEntry, now time.Time) IngestResult {
	var res IngestResult

	groups := make(map[DedupKey][]resolvedEntry)
	var order []DedupKey
	for i, e := range batch {
		id, err := Resolve(e)
		if err != nil {
			res.Rejected = append(res.Rejected, EntryError{Index: i, DurableID: e.DurableID, Reason: err.Error(), Err: err})
			a.logger.Warn().Int("index", i).Str("durable_id", string(e.DurableID)).Err(err).Msg("rejected queue entry")
			continue
		}
		if _, seen := groups[id.DedupKey]; !seen {
			order = append(order, id.DedupKey)
		}
		groups[id.DedupKey] = append(groups[id.DedupKey], resolvedEntry{index: i, entry: normalize(e, id), id: id})
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, key := range order {
		a.mergeGroup(key, groups[key], now, &res)
	}
	return res
}

func (a *Aggregator) mergeGroup(key DedupKey, group []resolvedEntry, now time.Time, res *IngestResult) {
	sortEntries(group)

	slot, exists := a.byKey[key]
	var view CanonicalAppointmentView
	if exists {
		view = a.arena[slot].view.clone()
	} else {
		view = CanonicalAppointmentView{
			DedupKey:   key,
			PatientID:  key.patientID,
			ServiceDay: key.day,
		}
	}

	var bindable []resolvedEntry
	claimed := make(map[DurableID]string, len(group))
	for _, r := range group {
		if t, ok := a.retired[r.id.DurableID]; ok && r.entry.Version <= t.version {
			res.Stale = append(res.Stale, r.id.DurableID)
			a.logger.Debug().
				Str("durable_id", string(r.id.DurableID)).
				Int64("version", r.entry.Version).
				Int64("retired_version", t.version).
				Str("retired_status", string(t.status)).
				Msg("skipped entry for retired leg")
			continue
		}
		boundTo := ""
		if loc, bound := a.index[r.id.DurableID]; bound && (loc.key != key || loc.specialty != r.id.Specialty) {
			boundTo = loc.key.String() + "/" + loc.specialty
		} else if boundSpecialty, ok := claimed[r.id.DurableID]; ok && boundSpecialty != r.id.Specialty {
			boundTo = key.String() + "/" + boundSpecialty
		}
		if boundTo != "" {
			res.Rejected = append(res.Rejected, EntryError{
				Index:     r.index,
				DurableID: r.id.DurableID,
				Reason:    "durable id is already bound to another queue leg",
				Err:       ErrMalformedEntry,
			})
			a.logger.Warn().
				Str("durable_id", string(r.id.DurableID)).
				Str("dedup_key", key.String()).
				Str("bound_to", boundTo).
				Msg("rejected rebinding of durable id")
			continue
		}
		claimed[r.id.DurableID] = r.id.Specialty
		bindable = append(bindable, r)
	}
	group = collapseBySpecialty(bindable, res)

	changed := false
	var (
		touched     []DurableID
		name, phone string
	)
	for _, r := range group {
		incoming := positionFrom(r.entry)
		if i := view.legIndex(r.id.Specialty); i >= 0 {
			leg := &view.QueuePositions[i]
			if leg.DurableID == incoming.DurableID && incoming.Version < leg.Version {
				res.Stale = append(res.Stale, incoming.DurableID)
				continue
			}
			res.Accepted++
			if !leg.equal(incoming) {
				if leg.DurableID != incoming.DurableID {
					delete(a.index, leg.DurableID)
				}
				*leg = incoming
				a.bind(incoming.DurableID, location{key: key, specialty: r.id.Specialty})
				touched = append(touched, incoming.DurableID)
				changed = true
			}
		} else {
			res.Accepted++
			view.QueuePositions = append(view.QueuePositions, incoming)
			a.bind(incoming.DurableID, location{key: key, specialty: r.id.Specialty})
			touched = append(touched, incoming.DurableID)
			changed = true
		}

		if r.entry.PatientName != "" {
			name = r.entry.PatientName
		}
		if r.entry.Phone != "" {
			phone = r.entry.Phone
		}
	}

	if name != "" && name != view.PatientFio {
		view.PatientFio = name
		changed = true
	}
	if phone != "" && phone != view.PatientPhone {
		view.PatientPhone = phone
		changed = true
	}

	if len(view.QueuePositions) == 0 {
		return
	}

	primary := selectPrimary(view.PrimaryEntryID, view.QueuePositions)
	if primary != view.PrimaryEntryID {
		view.PrimaryEntryID = primary
		changed = true
	}
	if !changed {
		return
	}

	if exists {
		if lead, ok := view.Position(primary); ok {
			for _, id := range touched {
				p, _ := view.Position(id)
				if id != primary && p.QueueTime.Before(lead.QueueTime) {
					c := MergeConflict{DedupKey: key, RetainedPrimary: primary, Challenger: id}
					res.Conflicts = append(res.Conflicts, c)
					a.logger.Info().
						Str("dedup_key", key.String()).
						Str("primary", string(primary)).
						Str("challenger", string(id)).
						Msg("merge kept existing primary over earlier leg")
				}
			}
		}
	}

	view.QueuePositions = Order(view)
	view.UpdatedAt = now

	if exists {
		a.arena[slot].view = view
		res.Updated = append(res.Updated, view.clone())
		return
	}
	a.byKey[key] = a.alloc(view)
	res.Created = append(res.Created, view.clone())
}

// collapseBySpecialty keeps one entry per specialty from a sorted group:
// the highest version of a repeated durable id, otherwise the latest
// registration. Entries it drops count as accepted, or as stale when they
// lost to a newer version of themselves.
func collapseBySpecialty(group []resolvedEntry, res *IngestResult) []resolvedEntry {
	winner := make(map[string]int, len(group))
	var order []string
	for i, r := range group {
		w, seen := winner[r.id.Specialty]
		if !seen {
			winner[r.id.Specialty] = i
			order = append(order, r.id.Specialty)
			continue
		}
		prev := group[w]
		if prev.id.DurableID == r.id.DurableID && r.entry.Version < prev.entry.Version {
			res.Stale = append(res.Stale, r.id.DurableID)
			continue
		}
		if prev.id.DurableID == r.id.DurableID && prev.entry.Version < r.entry.Version {
			res.Stale = append(res.Stale, prev.id.DurableID)
		} else {
			res.Accepted++
		}
		winner[r.id.Specialty] = i
	}
	if len(order) == len(group) {
		return group
	}
	out := make([]resolvedEntry, 0, len(order))
	for _, sp := range order {
		out = append(out, group[winner[sp]])
	}
	sortEntries(out)
	return out
}

// bind points id at loc. A newer version of a retired leg brings it back,
// so its retired record goes.
func (a *Aggregator) bind(id DurableID, loc location) {
	a.index[id] = loc
	delete(a.retired, id)
}

func (a *Aggregator) alloc(view CanonicalAppointmentView) int {
	if n := len(a.free); n > 0 {
		slot := a.free[n-1]
		a.free = a.free[:n-1]
		a.arena[slot] = viewSlot{view: view, live: true}
		return slot
	}
	a.arena = append(a.arena, viewSlot{view: view, live: true})
	return len(a.arena) - 1
}

// release frees slot. Legs of a view that has not rolled over are kept in
// the retired table.
func (a *Aggregator) release(slot int, today ServiceDay) {
	view := a.arena[slot].view
	remember := today == "" || !view.ServiceDay.Before(today)
	for _, p := range view.QueuePositions {
		if loc, ok := a.index[p.DurableID]; ok && loc.key == view.DedupKey {
			delete(a.index, p.DurableID)
		}
		if remember {
			a.retired[p.DurableID] = retiredLeg{day: view.ServiceDay, version: p.Version, status: p.Status}
		}
	}
	delete(a.byKey, view.DedupKey)
	a.arena[slot] = viewSlot{}
	a.free = append(a.free, slot)
}

// RetirePolicy decides which views leave the set.
type RetirePolicy struct {
	// Today is the current clinic day; views for earlier days are retired.
	Today ServiceDay
	// Retention is how long a fully terminal view stays visible after its
	// last change. Zero retires terminal views immediately.
	Retention time.Duration
	Now       time.Time
}

func (p RetirePolicy) retires(v CanonicalAppointmentView) bool {
	if p.Today != "" && v.ServiceDay.Before(p.Today) {
		return true
	}
	return v.AllTerminal() && p.Now.Sub(v.UpdatedAt) >= p.Retention
}

// Retire removes every view the policy selects, together with its index
// entries, and returns the removed views. Retired legs are remembered until
// their service day rolls over; re-ingesting one at or below its last
// version is reported as stale.
func (a *Aggregator) Retire(p RetirePolicy) []CanonicalAppointmentView {
	a.mu.Lock()
	defer a.mu.Unlock()

	if p.Today != "" {
		for id, t := range a.retired {
			if t.day.Before(p.Today) {
				delete(a.retired, id)
			}
		}
	}

	var retired []CanonicalAppointmentView
	for slot := range a.arena {
		if !a.arena[slot].live {
			continue
		}
		if p.retires(a.arena[slot].view) {
			retired = append(retired, a.arena[slot].view.clone())
			a.release(slot, p.Today)
		}
	}
	return retired
}

// ViewFilter narrows a listing. Zero fields match everything.
type ViewFilter struct {
	Day       ServiceDay
	PatientID PatientID
	Specialty string
}

func (f ViewFilter) match(v CanonicalAppointmentView) bool {
	if f.Day != "" && v.ServiceDay != f.Day {
		return false
	}
	if f.PatientID != "" && v.PatientID != f.PatientID {
		return false
	}
	if f.Specialty != "" && v.legIndex(NormalizeSpecialty(f.Specialty)) < 0 {
		return false
	}
	return true
}

// Views returns copies of all views matching f, unordered.
func (a *Aggregator) Views(f ViewFilter) []CanonicalAppointmentView {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var out []CanonicalAppointmentView
	for _, s := range a.arena {
		if s.live && f.match(s.view) {
			out = append(out, s.view.clone())
		}
	}
	return out
}

// viewByKey returns the view for key.
func (a *Aggregator) viewByKey(key DedupKey) (CanonicalAppointmentView, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	slot, ok := a.byKey[key]
	if !ok {
		return CanonicalAppointmentView{}, false
	}
	return a.arena[slot].view.clone(), true
}

// Locate resolves a durable id to its view and leg through the index.
func (a *Aggregator) Locate(id DurableID) (CanonicalAppointmentView, QueuePosition, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	loc, ok := a.index[id]
	if !ok {
		return CanonicalAppointmentView{}, QueuePosition{}, false
	}
	slot, ok := a.byKey[loc.key]
	if !ok {
		return CanonicalAppointmentView{}, QueuePosition{}, false
	}
	view := a.arena[slot].view
	p, ok := view.Position(id)
	if !ok {
		return CanonicalAppointmentView{}, QueuePosition{}, false
	}
	return view.clone(), p, true
}

// Len returns the number of live views.
func (a *Aggregator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.byKey)
}
