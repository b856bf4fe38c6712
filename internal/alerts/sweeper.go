// Package alerts runs the late-alert sweep over today's timetable.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"campusattend/internal/attendance"
	"campusattend/internal/metrics"
	"campusattend/internal/notify"
)

// Per-session outcomes, also used as metric labels.
const (
	OutcomeUntimed       = "untimed"
	OutcomeOutsideWindow = "outside_window"
	OutcomeAccounted     = "accounted"
	OutcomeAlerted       = "alerted"
	OutcomeDuplicate     = "already_alerted"
	OutcomeFailed        = "failed"
)

// Result summarizes one sweep.
type Result struct {
	Date     attendance.Date
	Sessions int
	Outcomes map[string]int
}

// Config wires a Sweeper. Zero fields get defaults.
type Config struct {
	Rules         attendance.Rules
	Clock         attendance.Clock
	IDs           attendance.IDGen
	Logger        *slog.Logger
	AdminEmail    string
	Concurrency   int
	NotifyTimeout time.Duration
}

// Sweeper decides, from morning marks and class entries, whether staff are
// late or absent for sessions whose grace window is open. Each
// (staff, date, timeSlot) is alerted at most once; the store's unique key
// is the guard.
type Sweeper struct {
	store         attendance.Store
	notifier      notify.Gateway
	rules         attendance.Rules
	clock         attendance.Clock
	ids           attendance.IDGen
	log           *slog.Logger
	adminEmail    string
	concurrency   int
	notifyTimeout time.Duration
}

// NewSweeper creates a Sweeper.
func NewSweeper(st attendance.Store, notifier notify.Gateway, cfg Config) *Sweeper {
	s := &Sweeper{
		store:         st,
		notifier:      notifier,
		rules:         cfg.Rules.Normalize(),
		clock:         cfg.Clock,
		ids:           cfg.IDs,
		log:           cfg.Logger,
		adminEmail:    cfg.AdminEmail,
		concurrency:   cfg.Concurrency,
		notifyTimeout: cfg.NotifyTimeout,
	}
	if s.clock == nil {
		s.clock = attendance.SystemClock{}
	}
	if s.ids == nil {
		s.ids = attendance.RandomIDs{}
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.concurrency <= 0 {
		s.concurrency = 8
	}
	if s.notifyTimeout <= 0 {
		s.notifyTimeout = 10 * time.Second
	}
	return s
}

// RunOnce sweeps today's sessions at the injected clock's now. Per-session
// failures are logged and counted; only failing to list the timetable fails
// the run.
func (s *Sweeper) RunOnce(ctx context.Context) (Result, error) {
	started := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(started).Seconds()) }()

	now := s.clock.Now()
	date := attendance.DateOf(now)
	sessions, err := s.store.SessionsOn(ctx, now.Weekday())
	if err != nil {
		return Result{Date: date}, fmt.Errorf("list sessions for %s: %w", date, err)
	}

	res := Result{Date: date, Sessions: len(sessions), Outcomes: map[string]int{}}
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for _, sess := range sessions {
		sess := sess
		g.Go(func() error {
			outcome, err := s.checkSession(ctx, sess, date, now)
			if err != nil {
				outcome = OutcomeFailed
				s.log.Error("sweep session failed", "session_id", sess.ID, "staff_id", sess.StaffID,
					"date", date, "error", err)
			}
			metrics.SweepSessions.WithLabelValues(outcome).Inc()
			mu.Lock()
			res.Outcomes[outcome]++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	s.log.Info("late-alert sweep finished", "date", date, "sessions", len(sessions),
		"alerted", res.Outcomes[OutcomeAlerted], "failed", res.Outcomes[OutcomeFailed])
	return res, nil
}

func (s *Sweeper) checkSession(ctx context.Context, sess attendance.Session, date attendance.Date, now time.Time) (string, error) {
	if !sess.Timed() {
		return OutcomeUntimed, nil
	}
	start, err := date.At(*sess.Start, now.Location())
	if err != nil {
		return "", err
	}
	end, err := date.At(*sess.End, now.Location())
	if err != nil {
		return "", err
	}
	gate := start.Add(sess.LateThreshold(s.rules.LateThreshold))
	if !now.After(gate) || !now.Before(end) {
		return OutcomeOutsideWindow, nil
	}

	mark, err := s.store.GetMorningMark(ctx, sess.StaffID, date)
	if err != nil {
		return "", err
	}
	entered, err := s.store.HasClassEntry(ctx, sess.StaffID, date, sess.TimeSlot())
	if err != nil {
		return "", err
	}
	if mark != nil && entered {
		return OutcomeAccounted, nil
	}

	var reasons []string
	if mark == nil {
		reasons = append(reasons, "no morning fingerprint mark")
	}
	if !entered {
		reasons = append(reasons, fmt.Sprintf("no class entry for %s in %s", sess.TimeSlot(), sess.Room))
	}
	return s.raise(ctx, sess, date, start, nil, now, reasons, "sweep")
}

// raise persists the alert and notifies staff and admin. A conflict on the
// alert key means someone else already alerted.
func (s *Sweeper) raise(ctx context.Context, sess attendance.Session, date attendance.Date, start time.Time, actual *time.Time, now time.Time, reasons []string, source string) (string, error) {
	late := now
	if actual != nil {
		late = *actual
	}
	created := s.clock.Now()
	alert := attendance.LateAlert{
		ID:              s.ids.NewULID(created),
		StaffID:         sess.StaffID,
		SessionID:       sess.ID,
		Date:            date,
		TimeSlot:        sess.TimeSlot(),
		ScheduledTime:   start,
		ActualEntryTime: actual,
		MinutesLate:     int(late.Sub(start) / time.Minute),
		Reason:          strings.Join(reasons, "; "),
		CreatedAt:       created,
	}
	ok, err := s.store.InsertLateAlert(ctx, alert)
	if err != nil {
		return "", err
	}
	if !ok {
		return OutcomeDuplicate, nil
	}
	metrics.AlertsRaised.WithLabelValues(source).Inc()
	s.log.Warn("late alert raised", "staff_id", sess.StaffID, "session_id", sess.ID, "date", date,
		"time_slot", alert.TimeSlot, "minutes_late", alert.MinutesLate, "reason", alert.Reason, "source", source)

	if err := s.notifyAlert(ctx, sess, alert); err != nil {
		s.log.Error("alert notification failed", "alert_id", alert.ID, "staff_id", sess.StaffID, "error", err)
	}
	return OutcomeAlerted, nil
}

func (s *Sweeper) notifyAlert(ctx context.Context, sess attendance.Session, alert attendance.LateAlert) error {
	if s.notifier == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.notifyTimeout)
	defer cancel()

	var recipients []string
	staff, err := s.store.GetSubject(ctx, sess.StaffID)
	if err != nil {
		s.log.Warn("alert staff lookup failed", "staff_id", sess.StaffID, "error", err)
	} else if staff.Email != "" {
		recipients = append(recipients, staff.Email)
	}
	if s.adminEmail != "" {
		recipients = append(recipients, s.adminEmail)
	}
	name := sess.StaffID
	if staff.Name != "" {
		name = staff.Name
	}

	var errs []error
	for i, to := range recipients {
		msg := notify.Message{
			ID:      fmt.Sprintf("%s-%d", alert.ID, i),
			Kind:    notify.KindAlert,
			To:      to,
			Subject: fmt.Sprintf("Attendance alert: %s, %s %s", name, alert.Date, alert.TimeSlot),
			Body: fmt.Sprintf("%s is %d minutes late for section %s in room %s (%s, scheduled %s).\nReason: %s",
				name, alert.MinutesLate, sess.SectionID, sess.Room, alert.TimeSlot,
				alert.ScheduledTime.Format("15:04"), alert.Reason),
		}
		err := s.notifier.Send(ctx, msg)
		metrics.Notifications.WithLabelValues(string(msg.Kind), metrics.Result(err)).Inc()
		if err != nil {
			errs = append(errs, fmt.Errorf("notify %s: %w", to, err))
		}
	}
	return errors.Join(errs...)
}

// ReviewStaffDay is the out-of-band check run after a staff member's verdict
// comes out ABSENT or LATE. For every session of theirs whose grace window
// opened before at, it raises (at most once) an alert when the morning mark
// or the class entry is missing, or the entry came after the grace window.
// entries are the class entries read before reconciliation deleted them.
func (s *Sweeper) ReviewStaffDay(ctx context.Context, staff attendance.Subject, date attendance.Date, entries []attendance.ClassEntry, at time.Time) error {
	day, err := date.Time(at.Location())
	if err != nil {
		return attendance.Errorf(attendance.CodeInvalidArgument, "bad date %s", date)
	}
	sessions, err := s.store.SessionsOn(ctx, day.Weekday())
	if err != nil {
		return err
	}
	mark, err := s.store.GetMorningMark(ctx, staff.ID, date)
	if err != nil {
		return err
	}
	bySlot := make(map[string]attendance.ClassEntry, len(entries))
	for _, e := range entries {
		bySlot[e.TimeSlot] = e
	}

	var errs []error
	for _, sess := range sessions {
		if sess.StaffID != staff.ID || !sess.Timed() {
			continue
		}
		start, err := date.At(*sess.Start, at.Location())
		if err != nil {
			return err
		}
		end, err := date.At(*sess.End, at.Location())
		if err != nil {
			return err
		}
		gate := start.Add(sess.LateThreshold(s.rules.LateThreshold))
		if !at.After(gate) {
			continue
		}

		var reasons []string
		var actual *time.Time
		if mark == nil {
			reasons = append(reasons, "no morning fingerprint mark")
		}
		entry, entered := bySlot[sess.TimeSlot()]
		switch {
		case !entered:
			reasons = append(reasons, fmt.Sprintf("no class entry for %s in %s", sess.TimeSlot(), sess.Room))
		case entry.EntryTime.After(gate):
			t := entry.EntryTime
			actual = &t
			reasons = append(reasons, fmt.Sprintf("class entry at %s", t.Format("15:04")))
		}
		if len(reasons) == 0 {
			continue
		}

		judged := at
		if end.Before(judged) {
			judged = end
		}
		if _, err := s.raise(ctx, sess, date, start, actual, judged, reasons, "review"); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", sess.ID, err))
		}
	}
	return errors.Join(errs...)
}
