package attendance

import (
	"fmt"
	"strings"
	"time"
)

// DateLayout is the civil date format used for keys and the wire.
const DateLayout = "2006-01-02"

// Clock abstracts wall time so rules and sweeps can be tested.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in the institution's time zone.
type SystemClock struct {
	Loc *time.Location
}

func (c SystemClock) Now() time.Time {
	if c.Loc == nil {
		return time.Now()
	}
	return time.Now().In(c.Loc)
}

// FixedClock always returns the same instant.
type FixedClock struct {
	T time.Time
}

func (c FixedClock) Now() time.Time { return c.T }

// Date is a civil date (YYYY-MM-DD) in the institution's time zone.
type Date string

// DateOf returns the civil date of t in t's location.
func DateOf(t time.Time) Date { return Date(t.Format(DateLayout)) }

// ParseDate validates s; "" and "today" resolve against now.
func ParseDate(s string, now time.Time) (Date, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "today") {
		return DateOf(now), nil
	}
	if _, err := time.Parse(DateLayout, s); err != nil {
		return "", Errorf(CodeInvalidArgument, "date must be YYYY-MM-DD or 'today'")
	}
	return Date(s), nil
}

func (d Date) String() string { return string(d) }

// Time returns local midnight of d in loc.
func (d Date) Time(loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	return time.ParseInLocation(DateLayout, string(d), loc)
}

// At combines d with a time of day in loc.
func (d Date) At(tod TimeOfDay, loc *time.Location) (time.Time, error) {
	midnight, err := d.Time(loc)
	if err != nil {
		return time.Time{}, err
	}
	return midnight.Add(time.Duration(tod)), nil
}

// TimeOfDay is an offset from local midnight.
type TimeOfDay time.Duration

// ParseTimeOfDay accepts HH:MM or HH:MM:SS.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{"15:04:05", "15:04"} {
		if t, err := time.Parse(layout, s); err == nil {
			return TimeOfDay(time.Duration(t.Hour())*time.Hour +
				time.Duration(t.Minute())*time.Minute +
				time.Duration(t.Second())*time.Second), nil
		}
	}
	return 0, Errorf(CodeInvalidArgument, "time of day must be HH:MM or HH:MM:SS, got %q", s)
}

// MustTimeOfDay is ParseTimeOfDay for constants.
func MustTimeOfDay(s string) TimeOfDay {
	tod, err := ParseTimeOfDay(s)
	if err != nil {
		panic(err)
	}
	return tod
}

// TimeOfDayOf extracts the local time of day of t.
func TimeOfDayOf(t time.Time) TimeOfDay {
	h, m, s := t.Clock()
	return TimeOfDay(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s)*time.Second)
}

func (t TimeOfDay) String() string {
	d := time.Duration(t)
	h := int(d / time.Hour)
	m := int((d % time.Hour) / time.Minute)
	return fmt.Sprintf("%02d:%02d", h, m)
}

// Ptr returns a pointer to t.
func (t TimeOfDay) Ptr() *TimeOfDay { return &t }

// MarshalText implements encoding.TextMarshaler (used by the YAML rules file).
func (t TimeOfDay) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *TimeOfDay) UnmarshalText(b []byte) error {
	v, err := ParseTimeOfDay(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}
