package attendance

import (
	"fmt"
	"time"
)

// Role separates the two populations the engine tracks.
type Role string

const (
	RoleStaff   Role = "STAFF"
	RoleStudent Role = "STUDENT"
)

// CredentialKind is the hardware evidence type a scan carries.
type CredentialKind string

const (
	CredentialFingerprint CredentialKind = "FINGERPRINT"
	CredentialCard        CredentialKind = "CARD"
)

// MarkStatus classifies a morning mark or a class entry.
type MarkStatus string

const (
	StatusOnTime    MarkStatus = "ON_TIME"
	StatusLate      MarkStatus = "LATE"
	StatusUnmatched MarkStatus = "UNMATCHED"
)

// VerifiedVia records how a period entry was evidenced.
type VerifiedVia string

const (
	ViaCard VerifiedVia = "CARD"
	ViaCode VerifiedVia = "CODE"
)

// VerdictStatus is the final daily attendance status.
type VerdictStatus string

const (
	VerdictPresent VerdictStatus = "PRESENT"
	VerdictLate    VerdictStatus = "LATE"
	VerdictAbsent  VerdictStatus = "ABSENT"
	VerdictHalfDay VerdictStatus = "HALF_DAY"
)

// ParseVerdictStatus validates an externally supplied status.
func ParseVerdictStatus(s string) (VerdictStatus, error) {
	switch v := VerdictStatus(s); v {
	case VerdictPresent, VerdictLate, VerdictAbsent, VerdictHalfDay:
		return v, nil
	}
	return "", Errorf(CodeInvalidArgument, "unknown verdict status %q", s)
}

// Subject is a registered student or staff member.
type Subject struct {
	ID        string
	Role      Role
	Name      string
	Email     string
	SectionID string
	Active    bool
}

// Credential maps a fingerprint template or card UID onto a subject.
type Credential struct {
	Kind      CredentialKind
	Value     string
	SubjectID string
	Active    bool
}

// Session is one timetable slot taught by a staff member.
type Session struct {
	ID                   string
	StaffID              string
	SectionID            string
	Room                 string
	Weekday              time.Weekday
	Start                *TimeOfDay
	End                  *TimeOfDay
	LateThresholdMinutes int
}

// Timed reports whether the session has both start and end recorded.
func (s Session) Timed() bool { return s.Start != nil && s.End != nil }

// TimeSlot is the key used by class entries, period entries and alerts.
func (s Session) TimeSlot() string {
	if !s.Timed() {
		return ""
	}
	return fmt.Sprintf("%s-%s", s.Start, s.End)
}

// Covers reports whether t (a local time of day) falls inside the session.
func (s Session) Covers(t TimeOfDay) bool {
	return s.Timed() && t >= *s.Start && t < *s.End
}

// LateThreshold returns the session threshold, falling back to def.
func (s Session) LateThreshold(def time.Duration) time.Duration {
	if s.LateThresholdMinutes > 0 {
		return time.Duration(s.LateThresholdMinutes) * time.Minute
	}
	return def
}

// MorningMark is the first fingerprint scan of a subject's day.
type MorningMark struct {
	ID          string
	SubjectID   string
	Date        Date
	ArrivalTime time.Time
	Status      MarkStatus
	LogoutTime  *time.Time
	DeviceID    string
}

// PeriodEntry is a student's evidence for one time slot.
type PeriodEntry struct {
	ID          string
	SubjectID   string
	Date        Date
	TimeSlot    string
	ScanTime    time.Time
	Room        string
	VerifiedVia VerifiedVia
	Code        *string
}

// ClassEntry is a staff member's evidence for one scheduled session.
type ClassEntry struct {
	ID            string
	StaffID       string
	Date          Date
	SessionID     *string
	TimeSlot      string
	EntryTime     time.Time
	ExpectedStart *time.Time
	Status        MarkStatus
	Room          string
}

// VerificationCode lets students self-report attendance for a session.
type VerificationCode struct {
	ID          string
	Code        string
	StaffID     string
	SectionID   string
	SessionID   string
	TimeSlot    string
	GeneratedAt time.Time
	ValidUntil  time.Time
	UsedCount   int
}

// ValidAt reports whether the code can still be redeemed at now.
func (c VerificationCode) ValidAt(now time.Time) bool { return now.Before(c.ValidUntil) }

// DailyVerdict is the durable attendance outcome for one subject and date.
type DailyVerdict struct {
	ID             string
	SubjectID      string
	Role           Role
	Date           Date
	Status         VerdictStatus
	ComputedAt     time.Time
	BasisNotes     string
	EvidenceCount  int
	OverriddenBy   *string
	OverrideReason *string
	OriginalStatus *VerdictStatus
	OverriddenAt   *time.Time
}

// Override is an administrative correction of a verdict.
type Override struct {
	NewStatus VerdictStatus
	Actor     string
	Reason    string
	At        time.Time
}

// LateAlert is the audit record of a late or absent staff member.
type LateAlert struct {
	ID              string
	StaffID         string
	SessionID       string
	Date            Date
	TimeSlot        string
	ScheduledTime   time.Time
	ActualEntryTime *time.Time
	MinutesLate     int
	Reason          string
	Acknowledged    bool
	AcknowledgedBy  *string
	CreatedAt       time.Time
}
