package scheduling

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestGenerate_HorizonCount(t *testing.T) {
	g := NewSlotGenerator(ClinicHours, FixedClock{T: testNow}, time.UTC)
	slots := g.Generate(uuid.New(), 30)

	// 2025-08-20 (Wed) through 2025-09-18 (Thu): 22 weekdays, 8 weekend days.
	if want := 22*14 + 8*6; len(slots) != want {
		t.Fatalf("expected %d slots, got %d", want, len(slots))
	}
}

func TestGenerate_SkipsElapsedTimesToday(t *testing.T) {
	now := time.Date(2025, 8, 20, 12, 15, 0, 0, time.UTC)
	g := NewSlotGenerator(ClinicHours, FixedClock{T: now}, time.UTC)
	slots := g.Generate(uuid.New(), 1)

	if len(slots) != 9 {
		t.Fatalf("expected 9 remaining slots today, got %d", len(slots))
	}
	if first := slots[0].SlotTime; !first.Equal(time.Date(2025, 8, 20, 12, 30, 0, 0, time.UTC)) {
		t.Errorf("expected first slot at 12:30, got %s", first)
	}
}

func TestGenerate_Template(t *testing.T) {
	g := NewSlotGenerator(ClinicHours, FixedClock{T: testNow}, time.UTC)
	doctorID := uuid.New()
	slots := g.Generate(doctorID, 7)

	perDay := make(map[string][]time.Time)
	for i, sl := range slots {
		if sl.DoctorID != doctorID {
			t.Fatalf("slot %d has doctor %s", i, sl.DoctorID)
		}
		if sl.Occupied {
			t.Fatalf("slot %d generated occupied", i)
		}
		if i > 0 && !slots[i-1].SlotTime.Before(sl.SlotTime) {
			t.Fatalf("slots not strictly ascending at %d", i)
		}
		if m := sl.SlotTime.Minute(); m != 0 && m != 30 {
			t.Fatalf("slot %s is off the half hour", sl.SlotTime)
		}
		if h := sl.SlotTime.Hour(); h == 13 || h < 10 || h >= 18 {
			t.Fatalf("slot %s outside working hours", sl.SlotTime)
		}
		day := sl.SlotTime.Format(time.DateOnly)
		perDay[day] = append(perDay[day], sl.SlotTime)
	}

	sat := perDay["2025-08-23"]
	if len(sat) != 6 || sat[len(sat)-1].Hour() != 12 || sat[len(sat)-1].Minute() != 30 {
		t.Errorf("expected Saturday 10:00-12:30, got %v", sat)
	}
	thu := perDay["2025-08-21"]
	if len(thu) != 14 || thu[len(thu)-1].Hour() != 17 || thu[len(thu)-1].Minute() != 30 {
		t.Errorf("expected Thursday to end at 17:30 with 14 slots, got %d", len(thu))
	}
}

func TestGenerate_FacilityLocation(t *testing.T) {
	loc := time.FixedZone("IST", 5*3600+1800)
	// 2025-08-20 02:00 UTC is 07:30 in the facility.
	now := time.Date(2025, 8, 20, 2, 0, 0, 0, time.UTC)
	g := NewSlotGenerator(ClinicHours, FixedClock{T: now}, loc)
	slots := g.Generate(uuid.New(), 1)

	if len(slots) != 14 {
		t.Fatalf("expected full facility day, got %d", len(slots))
	}
	first := slots[0].SlotTime.In(loc)
	if first.Hour() != 10 || first.Minute() != 0 || first.Day() != 20 {
		t.Errorf("expected 10:00 local on the 20th, got %s", first)
	}
}

func TestGenerate_DefaultHorizon(t *testing.T) {
	g := NewSlotGenerator(ClinicHours, FixedClock{T: testNow}, time.UTC)
	if a, b := len(g.Generate(uuid.New(), 0)), len(g.Generate(uuid.New(), DefaultHorizonDays)); a != b {
		t.Errorf("expected default horizon of %d days, got %d vs %d slots", DefaultHorizonDays, a, b)
	}
}

func TestGenerate_Deterministic(t *testing.T) {
	g := NewSlotGenerator(ClinicHours, FixedClock{T: testNow}, time.UTC)
	doctorID := uuid.New()
	a, b := g.Generate(doctorID, 30), g.Generate(doctorID, 30)
	for i := range a {
		if !a[i].SlotTime.Equal(b[i].SlotTime) {
			t.Fatalf("run differs at %d", i)
		}
	}
}

func TestDayBounds(t *testing.T) {
	loc := time.FixedZone("X", -4*3600)
	start, end := DayBounds(time.Date(2025, 8, 21, 2, 0, 0, 0, time.UTC), loc)
	if start.Format(time.DateTime) != "2025-08-20 00:00:00" {
		t.Errorf("unexpected start %s", start)
	}
	if end.Sub(start) != 24*time.Hour {
		t.Errorf("expected one day, got %s", end.Sub(start))
	}
}
