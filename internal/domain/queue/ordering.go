package queue

import "sort"

// lessPosition orders legs by registration time, then specialty. The
// durable id comparison only matters for legs that are otherwise identical,
// which the aggregator never stores, but keeps the order total.
func lessPosition(a, b QueuePosition) bool {
	if !a.QueueTime.Equal(b.QueueTime) {
		return a.QueueTime.Before(b.QueueTime)
	}
	if a.Specialty != b.Specialty {
		return a.Specialty < b.Specialty
	}
	return a.DurableID < b.DurableID
}

// Order returns the view's legs in presentation order. The view is not
// modified.
func Order(view CanonicalAppointmentView) []QueuePosition {
	out := append([]QueuePosition(nil), view.QueuePositions...)
	sort.SliceStable(out, func(i, j int) bool { return lessPosition(out[i], out[j]) })
	return out
}

// OrderViews returns views ordered earliest-registered patient first, ties
// broken by patient id. Each returned view has its legs in Order.
func OrderViews(views []CanonicalAppointmentView) []CanonicalAppointmentView {
	out := make([]CanonicalAppointmentView, len(views))
	for i, v := range views {
		out[i] = v.clone()
		out[i].QueuePositions = Order(v)
	}
	sort.SliceStable(out, func(i, j int) bool {
		ti, tj := out[i].EarliestQueueTime(), out[j].EarliestQueueTime()
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		if out[i].PatientID != out[j].PatientID {
			return out[i].PatientID < out[j].PatientID
		}
		return out[i].ServiceDay < out[j].ServiceDay
	})
	return out
}

// selectPrimary keeps current while it is still among positions; otherwise
// it picks the earliest remaining leg. Returns "" for an empty view.
func selectPrimary(current DurableID, positions []QueuePosition) DurableID {
	if current != "" {
		for _, p := range positions {
			if p.DurableID == current {
				return current
			}
		}
	}
	var best *QueuePosition
	for i := range positions {
		if best == nil || lessPosition(positions[i], *best) {
			best = &positions[i]
		}
	}
	if best == nil {
		return ""
	}
	return best.DurableID
}

func sortEntries(entries []resolvedEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i].entry, entries[j].entry
		if !a.QueueTime.Equal(b.QueueTime) {
			return a.QueueTime.Before(b.QueueTime)
		}
		if a.Specialty != b.Specialty {
			return a.Specialty < b.Specialty
		}
		return a.DurableID < b.DurableID
	})
}
