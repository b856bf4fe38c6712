package attendance

import "time"

// Rules holds every threshold the engine applies. Zero values are replaced
// by DefaultRules in Normalize.
type Rules struct {
	// Fingerprint scans before MorningCutoff are morning marks, later ones
	// are terminal (logout) scans.
	MorningCutoff TimeOfDay `yaml:"morning_cutoff"`

	StaffArrivalLateAfter   TimeOfDay `yaml:"staff_arrival_late_after"`
	StudentArrivalLateAfter TimeOfDay `yaml:"student_arrival_late_after"`

	// A matched class entry later than start+ClassLateAfter is LATE.
	ClassLateAfter time.Duration `yaml:"class_late_after"`
	// Codes are only issued up to start+CodeWindow and expire then.
	CodeWindow time.Duration `yaml:"code_window"`
	CodeLength int           `yaml:"code_length"`

	// Default grace before the sweep may judge a session.
	LateThreshold time.Duration `yaml:"late_threshold"`

	StaffAbsentBelow    time.Duration `yaml:"staff_absent_below"`
	StaffPresentAbove   time.Duration `yaml:"staff_present_above"`
	StudentPresentCount int           `yaml:"student_present_count"`
	StudentLateCount    int           `yaml:"student_late_count"`
}

// DefaultRules returns the institutional defaults.
func DefaultRules() Rules {
	return Rules{
		MorningCutoff:           MustTimeOfDay("12:00"),
		StaffArrivalLateAfter:   MustTimeOfDay("09:15"),
		StudentArrivalLateAfter: MustTimeOfDay("09:00"),
		ClassLateAfter:          10 * time.Minute,
		CodeWindow:              30 * time.Minute,
		CodeLength:              6,
		LateThreshold:           15 * time.Minute,
		StaffAbsentBelow:        4 * time.Hour,
		StaffPresentAbove:       4*time.Hour + 30*time.Minute,
		StudentPresentCount:     7,
		StudentLateCount:        4,
	}
}

// Normalize fills zero fields from DefaultRules.
func (r Rules) Normalize() Rules {
	d := DefaultRules()
	if r.MorningCutoff == 0 {
		r.MorningCutoff = d.MorningCutoff
	}
	if r.StaffArrivalLateAfter == 0 {
		r.StaffArrivalLateAfter = d.StaffArrivalLateAfter
	}
	if r.StudentArrivalLateAfter == 0 {
		r.StudentArrivalLateAfter = d.StudentArrivalLateAfter
	}
	if r.ClassLateAfter <= 0 {
		r.ClassLateAfter = d.ClassLateAfter
	}
	if r.CodeWindow <= 0 {
		r.CodeWindow = d.CodeWindow
	}
	if r.CodeLength <= 0 {
		r.CodeLength = d.CodeLength
	}
	if r.LateThreshold <= 0 {
		r.LateThreshold = d.LateThreshold
	}
	if r.StaffAbsentBelow <= 0 {
		r.StaffAbsentBelow = d.StaffAbsentBelow
	}
	if r.StaffPresentAbove <= 0 {
		r.StaffPresentAbove = d.StaffPresentAbove
	}
	if r.StudentPresentCount <= 0 {
		r.StudentPresentCount = d.StudentPresentCount
	}
	if r.StudentLateCount <= 0 {
		r.StudentLateCount = d.StudentLateCount
	}
	return r
}

// ArrivalStatus classifies a morning arrival for role.
func (r Rules) ArrivalStatus(role Role, arrival time.Time) MarkStatus {
	limit := r.StudentArrivalLateAfter
	if role == RoleStaff {
		limit = r.StaffArrivalLateAfter
	}
	if TimeOfDayOf(arrival) > limit {
		return StatusLate
	}
	return StatusOnTime
}
