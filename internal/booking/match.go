package booking

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/example/wodsched/internal/nubapp"
	"github.com/example/wodsched/internal/schedule"
)

// MatchSlot picks the single calendar slot that starts exactly at the wanted
// time on date and, when an activity is configured, carries that activity name
// (case-insensitive). It never books. A non-empty reason means no attempt
// should be made: either nothing matched or the match was ambiguous.
func MatchSlot(want Want, date time.Time, candidates []nubapp.Slot) (nubapp.Slot, string) {
	start := want.Time.On(date)

	var matched []nubapp.Slot
	for _, s := range candidates {
		if !s.Start.Equal(start) {
			continue
		}
		if want.Activity != "" && !strings.EqualFold(s.Activity, want.Activity) {
			continue
		}
		matched = append(matched, s)
	}

	switch len(matched) {
	case 1:
		return matched[0], ""
	case 0:
		return nubapp.Slot{}, fmt.Sprintf("no slot matches %s on %s (%d candidates)",
			want, schedule.DateKey(date), len(candidates))
	default:
		ids := make([]string, len(matched))
		for i, s := range matched {
			ids[i] = s.ID
		}
		sort.Strings(ids)
		return nubapp.Slot{}, fmt.Sprintf("%d slots match %s on %s: ids %s",
			len(matched), want, schedule.DateKey(date), strings.Join(ids, ", "))
	}
}
