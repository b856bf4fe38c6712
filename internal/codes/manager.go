// Package codes issues and redeems short-lived verification codes that let
// students self-report attendance for a session.
package codes

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"campusattend/internal/attendance"
	"campusattend/internal/metrics"
	"campusattend/internal/notify"
)

const maxMintAttempts = 8

// Manager owns verification code issuance and redemption.
type Manager struct {
	store         attendance.Store
	notifier      notify.Gateway
	gen           Generator
	rules         attendance.Rules
	ids           attendance.IDGen
	clock         attendance.Clock
	log           *slog.Logger
	notifyTimeout time.Duration
}

// Option customizes a Manager.
type Option func(*Manager)

func WithGenerator(g Generator) Option { return func(m *Manager) { m.gen = g } }
func WithClock(c attendance.Clock) Option { return func(m *Manager) { m.clock = c } }
func WithIDs(ids attendance.IDGen) Option { return func(m *Manager) { m.ids = ids } }
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.log = l } }
func WithNotifyTimeout(d time.Duration) Option { return func(m *Manager) { m.notifyTimeout = d } }

// NewManager creates a Manager.
func NewManager(st attendance.Store, notifier notify.Gateway, rules attendance.Rules, opts ...Option) *Manager {
	m := &Manager{
		store:         st,
		notifier:      notifier,
		gen:           RandomGenerator{},
		rules:         rules.Normalize(),
		ids:           attendance.RandomIDs{},
		clock:         attendance.SystemClock{},
		log:           slog.Default(),
		notifyTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Issue returns the verification code for a matched staff scan. Scans later
// than start+CodeWindow get no code (nil, nil). A valid code for the same
// staff and section is returned unchanged; otherwise a new one is minted and
// e-mailed to the staff member.
func (m *Manager) Issue(ctx context.Context, staff attendance.Subject, sess attendance.Session, scanTime time.Time) (*attendance.VerificationCode, error) {
	if !sess.Timed() {
		return nil, attendance.Errorf(attendance.CodeNoMatchingSession, "session %s has no start/end", sess.ID)
	}
	date := attendance.DateOf(scanTime)
	start, err := date.At(*sess.Start, scanTime.Location())
	if err != nil {
		return nil, attendance.Errorf(attendance.CodeInvalidArgument, "bad scan date %s", date)
	}
	validUntil := start.Add(m.rules.CodeWindow)
	if scanTime.After(validUntil) {
		metrics.CodesIssued.WithLabelValues("too_late").Inc()
		return nil, nil
	}

	var code attendance.VerificationCode
	created := false
	err = m.store.RunInTx(ctx, func(ctx context.Context, tx attendance.Store) error {
		if err := tx.Lock(ctx, "code:"+staff.ID+":"+sess.SectionID); err != nil {
			return err
		}
		existing, err := tx.ActiveCodeFor(ctx, staff.ID, sess.SectionID, scanTime)
		if err != nil {
			return err
		}
		if existing != nil {
			code = *existing
			return nil
		}

		for attempt := 0; attempt < maxMintAttempts; attempt++ {
			value, err := m.gen.Generate(m.rules.CodeLength)
			if err != nil {
				return attendance.Storage("generate code", err)
			}
			candidate := attendance.VerificationCode{
				ID:          m.ids.NewID(),
				Code:        value,
				StaffID:     staff.ID,
				SectionID:   sess.SectionID,
				SessionID:   sess.ID,
				TimeSlot:    sess.TimeSlot(),
				GeneratedAt: scanTime,
				ValidUntil:  validUntil,
			}
			ok, err := tx.InsertCode(ctx, candidate)
			if err != nil {
				return err
			}
			if ok {
				code, created = candidate, true
				return nil
			}
		}
		return attendance.Errorf(attendance.CodeStorageFailure, "no unique code after %d attempts", maxMintAttempts)
	})
	if err != nil {
		return nil, err
	}

	if !created {
		metrics.CodesIssued.WithLabelValues("reused").Inc()
		return &code, nil
	}
	metrics.CodesIssued.WithLabelValues("minted").Inc()
	m.log.Info("verification code minted", "staff_id", staff.ID, "section_id", sess.SectionID,
		"session_id", sess.ID, "valid_until", code.ValidUntil)
	m.sendCode(ctx, staff, sess, code)
	return &code, nil
}

func (m *Manager) sendCode(ctx context.Context, staff attendance.Subject, sess attendance.Session, code attendance.VerificationCode) {
	if m.notifier == nil {
		return
	}
	if staff.Email == "" {
		m.log.Warn("staff has no e-mail, code not sent", "staff_id", staff.ID)
		return
	}
	msg := notify.Message{
		ID:      m.ids.NewULID(code.GeneratedAt),
		Kind:    notify.KindCode,
		To:      staff.Email,
		Subject: fmt.Sprintf("Attendance code for %s (%s)", sess.SectionID, sess.TimeSlot()),
		Body: fmt.Sprintf("Attendance code for section %s, room %s, %s: %s\nValid until %s.",
			sess.SectionID, sess.Room, sess.TimeSlot(), code.Code, code.ValidUntil.Format("15:04")),
	}
	ctx, cancel := context.WithTimeout(ctx, m.notifyTimeout)
	defer cancel()
	if err := m.notifier.Send(ctx, msg); err != nil {
		m.log.Error("send attendance code failed", "staff_id", staff.ID, "error", err)
	}
}

// RedeemRequest is a student's self-report.
type RedeemRequest struct {
	StudentID string
	Code      string
	SectionID string
	// Date defaults to the code's date; TimeSlot to the code's session slot.
	Date     attendance.Date
	TimeSlot string
}

// Redeem validates a code and stages a CODE period entry for the student.
func (m *Manager) Redeem(ctx context.Context, req RedeemRequest) (entry attendance.PeriodEntry, err error) {
	defer func() {
		result := "ok"
		if err != nil {
			result = string(attendance.CodeOf(err))
		}
		metrics.CodeRedemptions.WithLabelValues(result).Inc()
	}()

	value := strings.ToUpper(strings.TrimSpace(req.Code))
	if value == "" || req.StudentID == "" {
		return attendance.PeriodEntry{}, attendance.Errorf(attendance.CodeInvalidArgument, "student and code required")
	}
	student, err := m.store.GetSubject(ctx, req.StudentID)
	if err != nil {
		return attendance.PeriodEntry{}, err
	}
	if student.Role != attendance.RoleStudent {
		return attendance.PeriodEntry{}, attendance.Errorf(attendance.CodeInvalidArgument, "only students redeem codes")
	}
	now := m.clock.Now()

	err = m.store.RunInTx(ctx, func(ctx context.Context, tx attendance.Store) error {
		code, err := tx.GetCode(ctx, value)
		if err != nil {
			return err
		}
		if code == nil || (req.SectionID != "" && code.SectionID != req.SectionID) {
			return attendance.Errorf(attendance.CodeCodeNotFound, "code not found")
		}
		if student.SectionID != code.SectionID {
			return attendance.Errorf(attendance.CodeCodeNotFound, "code not found for student's section")
		}
		if !code.ValidAt(now) {
			return attendance.Errorf(attendance.CodeCodeExpired, "code expired")
		}
		date := attendance.DateOf(code.GeneratedAt.In(now.Location()))
		if req.Date != "" && req.Date != date {
			return attendance.Errorf(attendance.CodeInvalidArgument, "code is for %s", date)
		}
		if err := tx.Lock(ctx, attendance.EvidenceLockKey(student.ID, date)); err != nil {
			return err
		}
		used, err := tx.HasPeriodEntryWithCode(ctx, student.ID, date, code.Code)
		if err != nil {
			return err
		}
		if used {
			return attendance.Errorf(attendance.CodeCodeAlreadyRedeemed, "already marked with this code")
		}

		slot := req.TimeSlot
		if slot == "" {
			slot = code.TimeSlot
		}
		redeemed := code.Code
		entry = attendance.PeriodEntry{
			ID:          m.ids.NewID(),
			SubjectID:   student.ID,
			Date:        date,
			TimeSlot:    slot,
			ScanTime:    now,
			VerifiedVia: attendance.ViaCode,
			Code:        &redeemed,
		}
		if err := tx.InsertPeriodEntry(ctx, entry); err != nil {
			return err
		}
		return tx.IncrementCodeUse(ctx, code.Code)
	})
	if err != nil {
		return attendance.PeriodEntry{}, err
	}
	m.log.Info("code redeemed", "subject_id", student.ID, "section_id", req.SectionID, "time_slot", entry.TimeSlot)
	return entry, nil
}

// ActiveCode describes the code currently open for a section.
type ActiveCode struct {
	Active     bool
	Code       string
	ValidUntil time.Time
	Remaining  time.Duration
}

// Active reports the section's currently valid code, if any.
func (m *Manager) Active(ctx context.Context, sectionID string) (ActiveCode, error) {
	if sectionID == "" {
		return ActiveCode{}, attendance.Errorf(attendance.CodeInvalidArgument, "section required")
	}
	now := m.clock.Now()
	code, err := m.store.ActiveCodeForSection(ctx, sectionID, now)
	if err != nil || code == nil {
		return ActiveCode{}, err
	}
	return ActiveCode{
		Active:     true,
		Code:       code.Code,
		ValidUntil: code.ValidUntil,
		Remaining:  code.ValidUntil.Sub(now),
	}, nil
}
