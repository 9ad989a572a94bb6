package feed

import (
	"sort"

	"github.com/tminus/maintenance/internal/actor"
)

// Diff is the change set between the stored snapshot of a feed and a fresh parse.
type Diff struct {
	Deltas   []actor.ProviderDelta
	Snapshot map[string]string // event key -> event hash, to store once the deltas are accepted
	Created  int
	Updated  int
	Deleted  int
}

// Empty reports whether nothing changed at event level.
func (d Diff) Empty() bool {
	return len(d.Deltas) == 0
}

// ComputeDiff compares the previous snapshot with the parsed events. Cancelled
// events count as deletions and are left out of the new snapshot.
func ComputeDiff(previous map[string]string, events []Event) Diff {
	diff := Diff{Snapshot: make(map[string]string, len(events))}

	current := make(map[string]Event, len(events))
	order := make([]string, 0, len(events))
	for _, ev := range events {
		key := ev.Key()
		if _, seen := current[key]; !seen {
			order = append(order, key)
		}
		current[key] = ev
	}

	for _, key := range order {
		ev := current[key]
		if ev.Cancelled() {
			continue
		}
		hash := eventHash(ev)
		diff.Snapshot[key] = hash

		prevHash, existed := previous[key]
		switch {
		case !existed:
			diff.Deltas = append(diff.Deltas, newDelta(actor.DeltaCreated, key, &ev))
			diff.Created++
		case prevHash != hash:
			diff.Deltas = append(diff.Deltas, newDelta(actor.DeltaUpdated, key, &ev))
			diff.Updated++
		}
	}

	var removed []string
	for key := range previous {
		if _, ok := diff.Snapshot[key]; !ok {
			removed = append(removed, key)
		}
	}
	sort.Strings(removed)
	for _, key := range removed {
		diff.Deltas = append(diff.Deltas, newDelta(actor.DeltaDeleted, key, nil))
		diff.Deleted++
	}

	return diff
}

func newDelta(kind, key string, ev *Event) actor.ProviderDelta {
	delta := actor.ProviderDelta{Type: kind, OriginEventID: key}
	if ev != nil {
		delta.Event = &actor.ProviderEvent{
			UID:          ev.UID,
			RecurrenceID: ev.RecurrenceID,
			Summary:      ev.Summary,
			Description:  ev.Description,
			Location:     ev.Location,
			Start:        ev.Start,
			End:          ev.End,
			AllDay:       ev.AllDay,
			Status:       ev.Status,
			RRule:        ev.RRule,
		}
	}
	return delta
}
