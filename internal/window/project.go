package window

import (
	"hash/fnv"
	"time"

	"github.com/lalithlochan/followup/internal/db"
)

// Slot picks a minute inside r for id on date, as minutes after local
// midnight of date. The choice is a pure function of (id, calendar date):
// it is stable across calls and processes and needs no persistence. FNV-1a
// is used for spread, not secrecy.
func Slot(id string, date time.Time, r Range) int {
	h := fnv.New32a()
	h.Write([]byte(id))
	h.Write([]byte{'|'})
	h.Write([]byte(date.Format("2006-01-02")))

	return r.Start + int(h.Sum32()%uint32(r.Width()))
}

// TimingKind selects how a step's local time of day is chosen.
type TimingKind int

const (
	// TimingKeep keeps the trigger's local clock time.
	TimingKeep TimingKind = iota
	// TimingFixed always fires at the same local time.
	TimingFixed
	// TimingRange fires at a hashed slot inside a local range.
	TimingRange
)

// Timing is the time-of-day rule for one channel.
type Timing struct {
	Kind  TimingKind
	At    int // minutes after midnight, TimingFixed
	Range Range
}

// DefaultTimings: email lands at 23:00 local, WhatsApp somewhere in 20:00-22:00.
var DefaultTimings = map[db.Channel]Timing{
	db.ChannelEmail:    {Kind: TimingFixed, At: 23 * 60},
	db.ChannelWhatsApp: {Kind: TimingRange, Range: Range{Start: 20 * 60, End: 22 * 60}},
}

// Projector maps (trigger, days after) onto concrete local fire times.
type Projector struct {
	loc     *time.Location
	timings map[db.Channel]Timing
}

// NewProjector creates a projector in loc. Channels missing from timings
// keep the trigger's clock time.
func NewProjector(loc *time.Location, timings map[db.Channel]Timing) *Projector {
	if loc == nil {
		loc = time.UTC
	}
	if timings == nil {
		timings = DefaultTimings
	}
	return &Projector{loc: loc, timings: timings}
}

// Project returns the fire time for a step on channel that runs daysAfter
// local calendar days after trigger. id seeds range slotting.
func (p *Projector) Project(channel db.Channel, trigger time.Time, daysAfter int, id string) time.Time {
	local := trigger.In(p.loc)
	y, m, d := local.Date()
	day := time.Date(y, m, d+daysAfter, 0, 0, 0, 0, p.loc)

	timing := p.timings[channel]
	switch timing.Kind {
	case TimingFixed:
		return time.Date(day.Year(), day.Month(), day.Day(), 0, timing.At, 0, 0, p.loc)
	case TimingRange:
		return time.Date(day.Year(), day.Month(), day.Day(), 0, Slot(id, day, timing.Range), 0, 0, p.loc)
	default:
		return time.Date(day.Year(), day.Month(), day.Day(), local.Hour(), local.Minute(), local.Second(), 0, p.loc)
	}
}
