package scheduling

import (
	"time"

	"github.com/google/uuid"
)

// DefaultHorizonDays is how far ahead slots are generated when the caller
// does not say.
const DefaultHorizonDays = 30

// SlotLength is the fixed length of a bookable slot.
const SlotLength = 30 * time.Minute

// Shift is a working window on one day, in minutes after midnight. End is
// exclusive.
type Shift struct {
	Start int
	End   int
}

// WorkingHours is the template a generator expands into slots.
type WorkingHours struct {
	Weekday []Shift
	Weekend []Shift
}

// ClinicHours is the facility template: weekdays 10:00-13:00 and
// 14:00-18:00, weekends 10:00-13:00.
var ClinicHours = WorkingHours{
	Weekday: []Shift{{Start: 10 * 60, End: 13 * 60}, {Start: 14 * 60, End: 18 * 60}},
	Weekend: []Shift{{Start: 10 * 60, End: 13 * 60}},
}

func (w WorkingHours) shifts(day time.Weekday) []Shift {
	if day == time.Saturday || day == time.Sunday {
		return w.Weekend
	}
	return w.Weekday
}

// SlotGenerator expands working hours into concrete slot times. It is pure;
// persisting the result is the caller's job.
type SlotGenerator struct {
	hours WorkingHours
	clock Clock
	loc   *time.Location
}

func NewSlotGenerator(hours WorkingHours, clock Clock, loc *time.Location) *SlotGenerator {
	if loc == nil {
		loc = time.Local
	}
	return &SlotGenerator{hours: hours, clock: clock, loc: loc}
}

// Generate returns the slots for doctorID from today through horizonDays-1
// days ahead, in ascending order. Times at or before now are skipped since
// they could never be booked.
func (g *SlotGenerator) Generate(doctorID uuid.UUID, horizonDays int) []Slot {
	if horizonDays <= 0 {
		horizonDays = DefaultHorizonDays
	}
	now := g.clock.Now().In(g.loc)
	step := int(SlotLength / time.Minute)

	var slots []Slot
	for d := 0; d < horizonDays; d++ {
		day := time.Date(now.Year(), now.Month(), now.Day()+d, 0, 0, 0, 0, g.loc)
		for _, sh := range g.hours.shifts(day.Weekday()) {
			for m := sh.Start; m+step <= sh.End; m += step {
				at := time.Date(day.Year(), day.Month(), day.Day(), m/60, m%60, 0, 0, g.loc)
				if !at.After(now) {
					continue
				}
				slots = append(slots, Slot{DoctorID: doctorID, SlotTime: at})
			}
		}
	}
	return slots
}

// DayBounds returns [start, end) of the civil day containing t in loc.
func DayBounds(t time.Time, loc *time.Location) (time.Time, time.Time) {
	t = t.In(loc)
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	return start, time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, loc)
}
