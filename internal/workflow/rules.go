package workflow

import (
	"slices"

	"github.com/lalithlochan/followup/internal/db"
)

// mooted lists, per lifecycle action, the task sources it makes obsolete for
// the same booking. A nil entry with ok=true means every source.
var mooted = map[db.TriggerAction][]string{
	db.ActionRescheduled: nil,
	db.ActionPaid: {
		db.ActionNoShow.Source(),
		db.ActionCancelled.Source(),
	},
	db.ActionCancelled: {
		db.SourceReminder,
		db.ActionNoShow.Source(),
		db.ActionCompleted.Source(),
	},
	db.ActionCompleted: {
		db.ActionNoShow.Source(),
	},
}

// MootedSources returns the sources to cancel when action happens. all is
// true when every pending task of the booking must go.
func MootedSources(action db.TriggerAction) (sources []string, all bool, ok bool) {
	s, ok := mooted[action]
	if !ok {
		return nil, false, false
	}
	return s, s == nil, true
}

// SuppressFor returns the booking statuses under which a task from source
// must be skipped at dispatch. It is the inverse of the mooting rules so the
// dispatch-time check agrees with trigger-time cancellation.
func SuppressFor(source string) []string {
	var out []string
	for _, action := range []db.TriggerAction{db.ActionPaid, db.ActionCancelled, db.ActionCompleted} {
		if slices.Contains(mooted[action], source) {
			out = append(out, string(action))
		}
	}
	return out
}
