// Package reconcile folds a subject's staging evidence into the durable
// daily verdict.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"campusattend/internal/attendance"
	"campusattend/internal/metrics"
)

// StaffDayReviewer runs the out-of-band late-alert check for a staff member
// whose verdict came out ABSENT or LATE. entries are the class entries that
// reconciliation consumed.
type StaffDayReviewer interface {
	ReviewStaffDay(ctx context.Context, staff attendance.Subject, date attendance.Date, entries []attendance.ClassEntry, at time.Time) error
}

// Engine computes verdicts.
type Engine struct {
	store    attendance.Store
	rules    attendance.Rules
	ids      attendance.IDGen
	clock    attendance.Clock
	reviewer StaffDayReviewer
	log      *slog.Logger
}

// Config wires an Engine. Zero fields get defaults.
type Config struct {
	Rules    attendance.Rules
	IDs      attendance.IDGen
	Clock    attendance.Clock
	Reviewer StaffDayReviewer
	Logger   *slog.Logger
}

// NewEngine creates an Engine on st.
func NewEngine(st attendance.Store, cfg Config) *Engine {
	e := &Engine{
		store:    st,
		rules:    cfg.Rules.Normalize(),
		ids:      cfg.IDs,
		clock:    cfg.Clock,
		reviewer: cfg.Reviewer,
		log:      cfg.Logger,
	}
	if e.ids == nil {
		e.ids = attendance.RandomIDs{}
	}
	if e.clock == nil {
		e.clock = attendance.SystemClock{}
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	return e
}

// SetReviewer installs the out-of-band staff review hook.
func (e *Engine) SetReviewer(r StaffDayReviewer) { e.reviewer = r }

// Reconcile computes and stores the verdict for subject on date, consuming
// its staging entries. at stands in for "now" when a staff member has no
// logout recorded. Re-running without new evidence yields the same verdict.
func (e *Engine) Reconcile(ctx context.Context, subjectID string, date attendance.Date, at time.Time) (attendance.DailyVerdict, error) {
	subject, err := e.store.GetSubject(ctx, subjectID)
	if err != nil {
		return attendance.DailyVerdict{}, err
	}

	var (
		verdict  attendance.DailyVerdict
		consumed []attendance.ClassEntry
	)
	err = e.store.RunInTx(ctx, func(ctx context.Context, tx attendance.Store) error {
		if err := tx.Lock(ctx, attendance.EvidenceLockKey(subject.ID, date)); err != nil {
			return err
		}
		mark, err := tx.GetMorningMark(ctx, subject.ID, date)
		if err != nil {
			return err
		}
		prior, err := tx.GetVerdict(ctx, subject.ID, date)
		if err != nil {
			return err
		}

		next := attendance.DailyVerdict{
			ID:         e.ids.NewID(),
			SubjectID:  subject.ID,
			Role:       subject.Role,
			Date:       date,
			ComputedAt: e.clock.Now(),
		}

		switch subject.Role {
		case attendance.RoleStaff:
			consumed, err = tx.ListClassEntries(ctx, subject.ID, date)
			if err != nil {
				return err
			}
			if err := tx.ConsumeClassEntries(ctx, subject.ID, date, consumed); err != nil {
				return err
			}
			if next.EvidenceCount, err = tx.ConsumedSlots(ctx, subject.ID, date); err != nil {
				return err
			}
			next.Status, next.BasisNotes = e.StaffStatus(mark, at)
		default:
			entries, err := tx.ListPeriodEntries(ctx, subject.ID, date)
			if err != nil {
				return err
			}
			if err := tx.ConsumePeriodEntries(ctx, subject.ID, date, entries); err != nil {
				return err
			}
			// Every slot counts once for the day, across runs.
			if next.EvidenceCount, err = tx.ConsumedSlots(ctx, subject.ID, date); err != nil {
				return err
			}
			next.Status, next.BasisNotes = e.StudentStatus(mark, next.EvidenceCount)
		}

		if prior != nil && prior.OverriddenBy != nil {
			next.BasisNotes = fmt.Sprintf("override by %s kept; computed %s: %s", *prior.OverriddenBy, next.Status, next.BasisNotes)
			next.Status = prior.Status
		}
		verdict, err = tx.UpsertVerdict(ctx, next)
		return err
	})
	if err != nil {
		return attendance.DailyVerdict{}, err
	}

	metrics.Verdicts.WithLabelValues(string(verdict.Role), string(verdict.Status)).Inc()
	e.log.Info("verdict computed", "subject_id", subject.ID, "role", subject.Role, "date", date,
		"status", verdict.Status, "evidence", verdict.EvidenceCount)

	if subject.Role == attendance.RoleStaff && e.reviewer != nil &&
		(verdict.Status == attendance.VerdictAbsent || verdict.Status == attendance.VerdictLate) {
		if err := e.reviewer.ReviewStaffDay(ctx, subject, date, consumed, at); err != nil {
			e.log.Error("staff day review failed", "staff_id", subject.ID, "date", date, "error", err)
		}
	}
	return verdict, nil
}

// StaffStatus applies the duration rule: below StaffAbsentBelow is ABSENT,
// up to StaffPresentAbove inclusive is LATE (half attendance), beyond is
// PRESENT. The logout time wins over at when recorded.
func (e *Engine) StaffStatus(mark *attendance.MorningMark, at time.Time) (attendance.VerdictStatus, string) {
	if mark == nil {
		return attendance.VerdictAbsent, "no morning mark"
	}
	end := at
	if mark.LogoutTime != nil {
		end = *mark.LogoutTime
	}
	worked := end.Sub(mark.ArrivalTime)
	if worked < 0 {
		worked = 0
	}
	switch {
	case worked < e.rules.StaffAbsentBelow:
		return attendance.VerdictAbsent, fmt.Sprintf("on site %s, below %s", fmtDuration(worked), fmtDuration(e.rules.StaffAbsentBelow))
	case worked <= e.rules.StaffPresentAbove:
		return attendance.VerdictLate, fmt.Sprintf("on site %s, half attendance", fmtDuration(worked))
	default:
		return attendance.VerdictPresent, fmt.Sprintf("on site %s", fmtDuration(worked))
	}
}

// StudentStatus applies the period count rule.
func (e *Engine) StudentStatus(mark *attendance.MorningMark, periods int) (attendance.VerdictStatus, string) {
	if mark == nil {
		return attendance.VerdictAbsent, fmt.Sprintf("no morning mark, %d periods", periods)
	}
	switch {
	case periods >= e.rules.StudentPresentCount:
		return attendance.VerdictPresent, fmt.Sprintf("%d periods", periods)
	case periods >= e.rules.StudentLateCount:
		return attendance.VerdictLate, fmt.Sprintf("%d periods, below %d", periods, e.rules.StudentPresentCount)
	default:
		return attendance.VerdictAbsent, fmt.Sprintf("%d periods, below %d", periods, e.rules.StudentLateCount)
	}
}

func fmtDuration(d time.Duration) string {
	d = d.Truncate(time.Minute)
	return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
}

// Override replaces a verdict's status, keeping the first original status.
// Staging is not re-run.
func (e *Engine) Override(ctx context.Context, verdictID, newStatus, actor, reason string) (attendance.DailyVerdict, error) {
	status, err := attendance.ParseVerdictStatus(newStatus)
	if err != nil {
		return attendance.DailyVerdict{}, err
	}
	if verdictID == "" || actor == "" {
		return attendance.DailyVerdict{}, attendance.Errorf(attendance.CodeInvalidArgument, "verdict id and actor required")
	}
	v, err := e.store.OverrideVerdict(ctx, verdictID, attendance.Override{
		NewStatus: status,
		Actor:     actor,
		Reason:    reason,
		At:        e.clock.Now(),
	})
	if err != nil {
		return attendance.DailyVerdict{}, err
	}
	e.log.Info("verdict overridden", "verdict_id", v.ID, "subject_id", v.SubjectID, "date", v.Date,
		"status", v.Status, "original_status", deref(v.OriginalStatus), "actor", actor, "reason", reason)
	return v, nil
}

func deref(s *attendance.VerdictStatus) string {
	if s == nil {
		return ""
	}
	return string(*s)
}

// Failure is one subject a batch could not reconcile.
type Failure struct {
	SubjectID string
	Err       error
}

// BatchResult summarizes a batch run.
type BatchResult struct {
	Verdicts []attendance.DailyVerdict
	Failures []Failure
}

// ReconcileBatch reconciles every subject, logging and collecting failures
// without stopping.
func (e *Engine) ReconcileBatch(ctx context.Context, date attendance.Date, subjectIDs []string, at time.Time) BatchResult {
	var res BatchResult
	for _, id := range subjectIDs {
		if ctx.Err() != nil {
			res.Failures = append(res.Failures, Failure{SubjectID: id, Err: ctx.Err()})
			continue
		}
		v, err := e.Reconcile(ctx, id, date, at)
		if err != nil {
			metrics.ReconcileFailures.Inc()
			e.log.Error("reconcile failed", "subject_id", id, "date", date, "code", attendance.CodeOf(err), "error", err)
			res.Failures = append(res.Failures, Failure{SubjectID: id, Err: err})
			continue
		}
		res.Verdicts = append(res.Verdicts, v)
	}
	return res
}

// Cutoff is the "now" used when reconciling date without a terminal scan:
// the current time, capped at the last second of date.
func (e *Engine) Cutoff(date attendance.Date) time.Time {
	now := e.clock.Now()
	midnight, err := date.Time(now.Location())
	if err != nil {
		return now
	}
	if end := midnight.AddDate(0, 0, 1).Add(-time.Second); end.Before(now) {
		return end
	}
	return now
}

// CloseDay reconciles every subject still holding evidence for date. For
// past dates the cut-off is the last second of that day.
func (e *Engine) CloseDay(ctx context.Context, date attendance.Date) (BatchResult, error) {
	ids, err := e.store.SubjectsPendingReconciliation(ctx, date)
	if err != nil {
		return BatchResult{}, err
	}
	res := e.ReconcileBatch(ctx, date, ids, e.Cutoff(date))
	e.log.Info("day closed", "date", date, "reconciled", len(res.Verdicts), "failed", len(res.Failures))
	return res, nil
}
