// Package window implements local-clock windows: the dispatch gate for task
// classes and the projection of workflow steps onto local times of day.
package window

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lalithlochan/followup/internal/db"
)

const minutesPerDay = 24 * 60

// Range is a local time-of-day interval [Start, End) in minutes after
// midnight. End < Start wraps across midnight; Start == End covers the whole day.
type Range struct {
	Start int
	End   int
}

// ParseRange parses "HH:MM-HH:MM".
func ParseRange(s string) (Range, error) {
	from, to, ok := strings.Cut(strings.TrimSpace(s), "-")
	if !ok {
		return Range{}, fmt.Errorf("window %q: want HH:MM-HH:MM", s)
	}
	start, err := ParseClock(from)
	if err != nil {
		return Range{}, fmt.Errorf("window %q: %w", s, err)
	}
	end, err := ParseClock(to)
	if err != nil {
		return Range{}, fmt.Errorf("window %q: %w", s, err)
	}
	return Range{Start: start, End: end}, nil
}

// ParseClock parses "HH:MM" into minutes after midnight.
func ParseClock(s string) (int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("clock %q: want HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("clock %q: bad hour", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("clock %q: bad minute", s)
	}
	return h*60 + m, nil
}

// Width is the length of the range in minutes.
func (r Range) Width() int {
	w := r.End - r.Start
	if w <= 0 {
		w += minutesPerDay
	}
	return w
}

// Contains reports whether minute-of-day m falls inside the range.
func (r Range) Contains(m int) bool {
	switch {
	case r.Start == r.End:
		return true
	case r.Start < r.End:
		return m >= r.Start && m < r.End
	default:
		return m >= r.Start || m < r.End
	}
}

func (r Range) String() string {
	return fmt.Sprintf("%02d:%02d-%02d:%02d", r.Start/60, r.Start%60, r.End/60, r.End%60)
}

// MinuteOfDay returns t's local clock time in minutes after midnight.
func MinuteOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

// Gate restricts dispatch of task classes to local-clock windows. A class
// without a window is always open.
type Gate struct {
	loc     *time.Location
	windows map[db.Class]Range
}

// NewGate builds a gate evaluated in loc.
func NewGate(loc *time.Location, windows map[db.Class]Range) *Gate {
	if loc == nil {
		loc = time.UTC
	}
	if windows == nil {
		windows = map[db.Class]Range{}
	}
	return &Gate{loc: loc, windows: windows}
}

// Open reports whether class may dispatch at now.
func (g *Gate) Open(class db.Class, now time.Time) bool {
	r, ok := g.windows[class]
	if !ok {
		return true
	}
	return r.Contains(MinuteOfDay(now.In(g.loc)))
}

// OpenClasses lists the classes whose window contains now.
func (g *Gate) OpenClasses(now time.Time) []db.Class {
	open := make([]db.Class, 0, len(db.Classes))
	for _, c := range db.Classes {
		if g.Open(c, now) {
			open = append(open, c)
		}
	}
	return open
}

// Location returns the gate's time zone.
func (g *Gate) Location() *time.Location {
	return g.loc
}
