package api

import (
	"time"

	"campusattend/internal/attendance"
)

type verdictJSON struct {
	ID             string     `json:"id"`
	SubjectID      string     `json:"subject_id"`
	Role           string     `json:"role"`
	Date           string     `json:"date"`
	Status         string     `json:"status"`
	ComputedAt     time.Time  `json:"computed_at"`
	BasisNotes     string     `json:"basis_notes"`
	EvidenceCount  int        `json:"evidence_count"`
	OverriddenBy   *string    `json:"overridden_by,omitempty"`
	OverrideReason *string    `json:"override_reason,omitempty"`
	OriginalStatus *string    `json:"original_status,omitempty"`
	OverriddenAt   *time.Time `json:"overridden_at,omitempty"`
}

func toVerdict(v attendance.DailyVerdict) verdictJSON {
	out := verdictJSON{
		ID:             v.ID,
		SubjectID:      v.SubjectID,
		Role:           string(v.Role),
		Date:           string(v.Date),
		Status:         string(v.Status),
		ComputedAt:     v.ComputedAt,
		BasisNotes:     v.BasisNotes,
		EvidenceCount:  v.EvidenceCount,
		OverriddenBy:   v.OverriddenBy,
		OverrideReason: v.OverrideReason,
		OverriddenAt:   v.OverriddenAt,
	}
	if v.OriginalStatus != nil {
		s := string(*v.OriginalStatus)
		out.OriginalStatus = &s
	}
	return out
}

type alertJSON struct {
	ID              string     `json:"id"`
	StaffID         string     `json:"staff_id"`
	SessionID       string     `json:"session_id"`
	Date            string     `json:"date"`
	TimeSlot        string     `json:"time_slot"`
	ScheduledTime   time.Time  `json:"scheduled_time"`
	ActualEntryTime *time.Time `json:"actual_entry_time,omitempty"`
	MinutesLate     int        `json:"minutes_late"`
	Reason          string     `json:"reason"`
	Acknowledged    bool       `json:"acknowledged"`
	AcknowledgedBy  *string    `json:"acknowledged_by,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

func toAlert(a attendance.LateAlert) alertJSON {
	return alertJSON{
		ID:              a.ID,
		StaffID:         a.StaffID,
		SessionID:       a.SessionID,
		Date:            string(a.Date),
		TimeSlot:        a.TimeSlot,
		ScheduledTime:   a.ScheduledTime,
		ActualEntryTime: a.ActualEntryTime,
		MinutesLate:     a.MinutesLate,
		Reason:          a.Reason,
		Acknowledged:    a.Acknowledged,
		AcknowledgedBy:  a.AcknowledgedBy,
		CreatedAt:       a.CreatedAt,
	}
}
