// Package staging records transient per-day scan evidence.
package staging

import (
	"context"
	"fmt"
	"strings"
	"time"

	"campusattend/internal/attendance"
)

// ClassResult is the outcome of a staff card scan.
type ClassResult struct {
	Entry   attendance.ClassEntry
	Session *attendance.Session // nil when no timetable slot matched
}

// Matched reports whether the scan resolved to a scheduled session.
func (r ClassResult) Matched() bool { return r.Session != nil }

// Recorder writes the three staging logs. Uniqueness is enforced by the
// store, so concurrent scanners never overwrite each other.
type Recorder struct {
	store attendance.Store
	rules attendance.Rules
	ids   attendance.IDGen
}

// NewRecorder creates a Recorder.
func NewRecorder(st attendance.Store, rules attendance.Rules, ids attendance.IDGen) *Recorder {
	if ids == nil {
		ids = attendance.RandomIDs{}
	}
	return &Recorder{store: st, rules: rules.Normalize(), ids: ids}
}

// RecordMorningScan creates the subject's morning mark for the day of at.
func (r *Recorder) RecordMorningScan(ctx context.Context, subject attendance.Subject, deviceID string, at time.Time) (attendance.MorningMark, error) {
	mark := attendance.MorningMark{
		ID:          r.ids.NewID(),
		SubjectID:   subject.ID,
		Date:        attendance.DateOf(at),
		ArrivalTime: at,
		Status:      r.rules.ArrivalStatus(subject.Role, at),
		DeviceID:    deviceID,
	}
	if err := r.store.InsertMorningMark(ctx, mark); err != nil {
		return attendance.MorningMark{}, err
	}
	return mark, nil
}

// RecordLogoutScan stamps the logout time on the existing morning mark.
// It reports false, without error, when the subject has no mark that day.
func (r *Recorder) RecordLogoutScan(ctx context.Context, subjectID string, at time.Time) (bool, error) {
	return r.store.SetLogout(ctx, subjectID, attendance.DateOf(at), at)
}

// RecordPeriodEntry stages a student's card scan against the session running
// in room at that time. No write happens when no session matches.
func (r *Recorder) RecordPeriodEntry(ctx context.Context, student attendance.Subject, room string, at time.Time) (attendance.PeriodEntry, error) {
	sess, err := r.MatchSession(ctx, room, at, func(s attendance.Session) bool {
		return s.SectionID == student.SectionID
	})
	if err != nil {
		return attendance.PeriodEntry{}, err
	}
	if sess == nil {
		return attendance.PeriodEntry{}, attendance.Errorf(attendance.CodeNoMatchingSession,
			"no session in %s at %s", room, attendance.TimeOfDayOf(at))
	}
	entry := attendance.PeriodEntry{
		ID:          r.ids.NewID(),
		SubjectID:   student.ID,
		Date:        attendance.DateOf(at),
		TimeSlot:    sess.TimeSlot(),
		ScanTime:    at,
		Room:        sess.Room,
		VerifiedVia: attendance.ViaCard,
	}
	err = r.stage(ctx, student.ID, entry.Date, func(ctx context.Context, tx attendance.Store) error {
		return tx.InsertPeriodEntry(ctx, entry)
	})
	if err != nil {
		return attendance.PeriodEntry{}, err
	}
	return entry, nil
}

// RecordClassEntry stages a staff card scan. Scans that match no session are
// still kept as UNMATCHED for audit.
func (r *Recorder) RecordClassEntry(ctx context.Context, staff attendance.Subject, room string, at time.Time) (ClassResult, error) {
	sess, err := r.MatchSession(ctx, room, at, func(s attendance.Session) bool {
		return s.StaffID == staff.ID
	})
	if err != nil {
		return ClassResult{}, err
	}

	entry := attendance.ClassEntry{
		ID:        r.ids.NewID(),
		StaffID:   staff.ID,
		Date:      attendance.DateOf(at),
		EntryTime: at,
		Room:      room,
	}
	if sess == nil {
		entry.TimeSlot = "unmatched@" + at.Format("15:04:05")
		entry.Status = attendance.StatusUnmatched
	} else {
		start, err := entry.Date.At(*sess.Start, at.Location())
		if err != nil {
			return ClassResult{}, attendance.Storage("session start", err)
		}
		id := sess.ID
		entry.SessionID = &id
		entry.TimeSlot = sess.TimeSlot()
		entry.ExpectedStart = &start
		entry.Room = sess.Room
		entry.Status = r.ClassStatus(start, at)
	}

	err = r.stage(ctx, staff.ID, entry.Date, func(ctx context.Context, tx attendance.Store) error {
		return tx.InsertClassEntry(ctx, entry)
	})
	if err != nil {
		return ClassResult{}, err
	}
	return ClassResult{Entry: entry, Session: sess}, nil
}

// stage runs insert under the subject's evidence lock, the one reconciliation
// holds while it consumes the day.
func (r *Recorder) stage(ctx context.Context, subjectID string, date attendance.Date, insert func(ctx context.Context, tx attendance.Store) error) error {
	return r.store.RunInTx(ctx, func(ctx context.Context, tx attendance.Store) error {
		if err := tx.Lock(ctx, attendance.EvidenceLockKey(subjectID, date)); err != nil {
			return err
		}
		return insert(ctx, tx)
	})
}

// ClassStatus is ON_TIME up to start+ClassLateAfter inclusive.
func (r *Recorder) ClassStatus(start, entry time.Time) attendance.MarkStatus {
	if entry.After(start.Add(r.rules.ClassLateAfter)) {
		return attendance.StatusLate
	}
	return attendance.StatusOnTime
}

// MatchSession finds the timed session held in room on the weekday of at
// whose [start, end) covers at. When several match, one satisfying prefer
// wins.
func (r *Recorder) MatchSession(ctx context.Context, room string, at time.Time, prefer func(attendance.Session) bool) (*attendance.Session, error) {
	sessions, err := r.store.SessionsOn(ctx, at.Weekday())
	if err != nil {
		return nil, fmt.Errorf("sessions on %s: %w", at.Weekday(), err)
	}
	tod := attendance.TimeOfDayOf(at)
	var fallback *attendance.Session
	for i := range sessions {
		s := sessions[i]
		if !strings.EqualFold(s.Room, room) || !s.Covers(tod) {
			continue
		}
		if prefer == nil || prefer(s) {
			return &s, nil
		}
		if fallback == nil {
			fallback = &s
		}
	}
	return fallback, nil
}
