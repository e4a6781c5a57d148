package serializer

import (
	"fmt"
	"time"
)

// Date is a calendar date without a time or zone component.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// DateOf truncates a time to its calendar date in the time's location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// Validate checks field ranges. The serializer rejects invalid dates on
// both encode and decode.
func (d Date) Validate() error {
	if d.Year < 1 || d.Year > 9999 {
		return fmt.Errorf("date year %d out of range [1, 9999]", d.Year)
	}
	if d.Month < time.January || d.Month > time.December {
		return fmt.Errorf("date month %d out of range [1, 12]", int(d.Month))
	}
	if d.Day < 1 || d.Day > 31 {
		return fmt.Errorf("date day %d out of range [1, 31]", d.Day)
	}
	return nil
}

// TimeOfDay is a clock time without a date or zone component, with
// microsecond precision.
type TimeOfDay struct {
	Hour        int
	Minute      int
	Second      int
	Microsecond int
}

// TimeOfDayOf extracts the clock portion of a time in its location.
func TimeOfDayOf(t time.Time) TimeOfDay {
	return TimeOfDay{
		Hour:        t.Hour(),
		Minute:      t.Minute(),
		Second:      t.Second(),
		Microsecond: t.Nanosecond() / 1000,
	}
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d:%02d.%06d", t.Hour, t.Minute, t.Second, t.Microsecond)
}

// Validate checks field ranges.
func (t TimeOfDay) Validate() error {
	if t.Hour < 0 || t.Hour > 23 {
		return fmt.Errorf("time hour %d out of range [0, 23]", t.Hour)
	}
	if t.Minute < 0 || t.Minute > 59 {
		return fmt.Errorf("time minute %d out of range [0, 59]", t.Minute)
	}
	if t.Second < 0 || t.Second > 59 {
		return fmt.Errorf("time second %d out of range [0, 59]", t.Second)
	}
	if t.Microsecond < 0 || t.Microsecond > 999999 {
		return fmt.Errorf("time microsecond %d out of range [0, 999999]", t.Microsecond)
	}
	return nil
}
