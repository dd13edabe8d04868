package workflow

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// OrderScans returns the scans in scheduling priority order without
// touching the input: immediate before urgent before routine, strict FIFO
// on OrderedAt within a tier.
func OrderScans(scans []QueueScan) []QueueScan {
	ordered := make([]QueueScan, len(scans))
	copy(ordered, scans)
	sort.SliceStable(ordered, func(i, j int) bool {
		ri, rj := urgencyRank(ordered[i].Urgency), urgencyRank(ordered[j].Urgency)
		if ri != rj {
			return ri < rj
		}
		if !ordered[i].OrderedAt.Equal(ordered[j].OrderedAt) {
			return ordered[i].OrderedAt.Before(ordered[j].OrderedAt)
		}
		return ordered[i].ScanID.String() < ordered[j].ScanID.String()
	})
	return ordered
}

// RankQueue proposes an assignment for every queued scan that fits and
// lists the rest as unscheduled. It is a pure function of the snapshot:
// ranking the same snapshot twice yields the same plan.
func RankQueue(snap Snapshot, rules Rules) Plan {
	rules = rules.withDefaults()

	states := make([]*plannerState, 0, len(snap.Scanners))
	for i := range snap.Scanners {
		st := &plannerState{ScannerState: snap.Scanners[i]}
		st.winStart, st.winEnd, st.windowOK = dayWindow(snap.Now, st.OperationalStart, st.OperationalEnd)
		if prev := snap.Scanners[i].LastScheduledSlot; prev != nil {
			slot := *prev
			st.lastSlot = &slot
		}
		states = append(states, st)
	}

	plan := Plan{Assignments: []Assignment{}, Unscheduled: []uuid.UUID{}}
	for _, sc := range OrderScans(snap.Scans) {
		best := pickScanner(states, sc, snap.Now, rules)
		if best == nil {
			plan.Unscheduled = append(plan.Unscheduled, sc.ScanID)
			continue
		}
		plan.Assignments = append(plan.Assignments, Assignment{
			ScanID:    sc.ScanID,
			ScannerID: best.state.ScannerID,
			SlotTime:  best.slot,
		})
		best.state.book(best.slot)
	}
	return plan
}

// plannerState tracks one scanner's remaining room while a plan is built.
type plannerState struct {
	ScannerState
	winStart time.Time
	winEnd   time.Time
	windowOK bool
	lastSlot *time.Time
}

type candidate struct {
	state *plannerState
	slot  time.Time
}

func pickScanner(states []*plannerState, sc QueueScan, now time.Time, rules Rules) *candidate {
	var best *candidate
	for _, st := range states {
		slot, ok := st.propose(sc, now, rules)
		if !ok {
			continue
		}
		if best == nil || better(st, slot, best) {
			best = &candidate{state: st, slot: slot}
		}
	}
	return best
}

// better prefers the less utilized scanner, then the earlier slot, then
// the lower code, so the choice is deterministic.
func better(st *plannerState, slot time.Time, cur *candidate) bool {
	u, cu := st.utilization(), cur.state.utilization()
	if u != cu {
		return u < cu
	}
	if !slot.Equal(cur.slot) {
		return slot.Before(cur.slot)
	}
	return st.Code < cur.state.Code
}

func (st *plannerState) utilization() float64 {
	if st.DailyCapacity <= 0 {
		return 1
	}
	return float64(st.ScheduledToday) / float64(st.DailyCapacity)
}

// propose computes the slot this scanner would give the scan, or reports
// that the scanner cannot take it this pass. Immediate scans jump the
// queue and take the table now; urgent proposals are squeezed forward to
// the ceiling when the queue would push them past it.
func (st *plannerState) propose(sc QueueScan, now time.Time, rules Rules) (time.Time, bool) {
	if st.Status != scannerAvailable || !st.windowOK {
		return time.Time{}, false
	}
	if st.DailyCapacity <= 0 || st.ScheduledToday >= st.DailyCapacity {
		return time.Time{}, false
	}

	var slot time.Time
	if st.lastSlot != nil {
		slot = st.lastSlot.Add(time.Duration(st.AvgScanDurationMin) * time.Minute)
	} else {
		slot = now.Add(rules.FirstSlotLead)
	}
	switch sc.Urgency {
	case UrgencyImmediate:
		slot = now
	case UrgencyUrgent:
		if ceiling := now.Add(rules.UrgentSlotCeiling); slot.After(ceiling) {
			slot = ceiling
		}
	}
	if slot.Before(st.winStart) {
		slot = st.winStart
	}
	if slot.After(st.winEnd) {
		return time.Time{}, false
	}

	switch sc.Urgency {
	case UrgencyImmediate:
		// Fitting inside the current operating window is the whole SLA.
	case UrgencyUrgent:
		if slot.After(sc.ValidatedAt.Add(rules.UrgentSLA)) {
			return time.Time{}, false
		}
	default:
		if slot.After(sc.ValidatedAt.Add(rules.RoutineSLA)) {
			return time.Time{}, false
		}
	}
	return slot, true
}

// book records an accepted assignment so the next proposal sees the
// updated queue depth and capacity.
func (st *plannerState) book(slot time.Time) {
	st.ScheduledToday++
	if st.lastSlot == nil || slot.After(*st.lastSlot) {
		s := slot
		st.lastSlot = &s
	}
}

// dayWindow anchors an HH:MM operating window on the given day. An empty
// or inverted window means the scanner runs around the clock; a malformed
// one makes it ineligible until the record is corrected.
func dayWindow(now time.Time, startHHMM, endHHMM string) (time.Time, time.Time, bool) {
	y, m, d := now.Date()
	loc := now.Location()
	if startHHMM == "" || endHHMM == "" {
		start := time.Date(y, m, d, 0, 0, 0, 0, loc)
		return start, start.Add(24 * time.Hour), true
	}
	st, err := time.Parse("15:04", startHHMM)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	en, err := time.Parse("15:04", endHHMM)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	start := time.Date(y, m, d, st.Hour(), st.Minute(), 0, 0, loc)
	end := time.Date(y, m, d, en.Hour(), en.Minute(), 0, 0, loc)
	if !end.After(start) {
		start = time.Date(y, m, d, 0, 0, 0, 0, loc)
		end = start.Add(24 * time.Hour)
	}
	return start, end, true
}
