// Package scan is the device-facing entry point: it normalizes a raw scan,
// routes it to staging, code issuance or reconciliation, and answers with a
// short status token the scanner can display.
package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"campusattend/internal/attendance"
	"campusattend/internal/codes"
	"campusattend/internal/intake"
	"campusattend/internal/metrics"
	"campusattend/internal/reconcile"
	"campusattend/internal/staging"
)

// Result tokens.
const (
	TokenLogSuccess         = "LOG_SUCCESS"
	TokenLogSuccessWithCode = "LOG_SUCCESS_WITH_CODE"
	TokenDuplicateSkipped   = "DUPLICATE_SKIPPED"
	TokenCalculationSuccess = "CALCULATION_SUCCESS"
)

// ErrorToken is the token sent for a failed scan, e.g. ERROR_UNKNOWN_CREDENTIAL.
func ErrorToken(code attendance.Code) string { return "ERROR_" + string(code) }

// Response is what the scanner shows.
type Response struct {
	Token       string `json:"token"`
	Message     string `json:"message"`
	Code        string `json:"code,omitempty"`
	FinalStatus string `json:"final_status,omitempty"`
}

// Service wires the scan pipeline.
type Service struct {
	normalizer *intake.Normalizer
	recorder   *staging.Recorder
	codes      *codes.Manager
	engine     *reconcile.Engine
	log        *slog.Logger
}

// NewService creates a Service.
func NewService(n *intake.Normalizer, r *staging.Recorder, c *codes.Manager, e *reconcile.Engine, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{normalizer: n, recorder: r, codes: c, engine: e, log: logger}
}

// Handle processes one raw scan. Every outcome, including failures, is
// expressed in the Response; the error is returned alongside for callers
// that need to pick a transport status.
func (s *Service) Handle(ctx context.Context, raw intake.RawScan) (Response, error) {
	ev, err := s.normalizer.Normalize(ctx, raw)
	if err != nil {
		s.log.Info("scan rejected", "device_id", raw.DeviceID, "kind", raw.IdentifierKind, "error", err)
		metrics.ScansTotal.WithLabelValues("", ErrorToken(attendance.CodeOf(err))).Inc()
		return failure(err), err
	}

	var resp Response
	switch ev.Phase {
	case intake.PhaseMorning:
		resp, err = s.morning(ctx, ev)
	case intake.PhaseEvening:
		resp, err = s.evening(ctx, ev)
	case intake.PhasePeriod:
		resp, err = s.period(ctx, ev)
	case intake.PhaseSession:
		resp, err = s.session(ctx, ev)
	default:
		err = attendance.Errorf(attendance.CodeInvalidArgument, "unknown phase %q", ev.Phase)
	}
	if err != nil {
		resp = failure(err)
		level := slog.LevelInfo
		if attendance.CodeOf(err) == attendance.CodeStorageFailure {
			level = slog.LevelError
		}
		s.log.Log(ctx, level, "scan failed", "subject_id", ev.Subject.ID, "device_id", ev.DeviceID,
			"phase", ev.Phase, "code", attendance.CodeOf(err), "error", err)
	} else {
		s.log.Info("scan processed", "subject_id", ev.Subject.ID, "device_id", ev.DeviceID,
			"phase", ev.Phase, "token", resp.Token)
	}
	metrics.ScansTotal.WithLabelValues(string(ev.Phase), resp.Token).Inc()
	return resp, err
}

func failure(err error) Response {
	msg := attendance.MessageOf(err)
	if attendance.CodeOf(err) == attendance.CodeStorageFailure {
		msg = "storage failure, retry"
	}
	return Response{Token: ErrorToken(attendance.CodeOf(err)), Message: msg}
}

func (s *Service) morning(ctx context.Context, ev intake.ScanEvent) (Response, error) {
	mark, err := s.recorder.RecordMorningScan(ctx, ev.Subject, ev.DeviceID, ev.At)
	if errors.Is(err, attendance.ErrDuplicateEvidence) {
		return Response{Token: TokenDuplicateSkipped, Message: "already marked this morning"}, nil
	}
	if err != nil {
		return Response{}, err
	}
	return Response{
		Token:   TokenLogSuccess,
		Message: fmt.Sprintf("welcome %s, arrival %s (%s)", name(ev.Subject), mark.ArrivalTime.Format("15:04"), mark.Status),
	}, nil
}

// evening records the logout and reconciles the day with the scan time as
// the cut-off.
func (s *Service) evening(ctx context.Context, ev intake.ScanEvent) (Response, error) {
	stamped, err := s.recorder.RecordLogoutScan(ctx, ev.Subject.ID, ev.At)
	if err != nil {
		return Response{}, err
	}
	verdict, err := s.engine.Reconcile(ctx, ev.Subject.ID, ev.Date, ev.At)
	if err != nil {
		return Response{}, err
	}
	msg := fmt.Sprintf("goodbye %s, today: %s", name(ev.Subject), verdict.Status)
	if !stamped {
		msg = fmt.Sprintf("no morning mark for %s, today: %s", name(ev.Subject), verdict.Status)
	}
	return Response{Token: TokenCalculationSuccess, Message: msg, FinalStatus: string(verdict.Status)}, nil
}

func (s *Service) period(ctx context.Context, ev intake.ScanEvent) (Response, error) {
	entry, err := s.recorder.RecordPeriodEntry(ctx, ev.Subject, ev.Room, ev.At)
	if errors.Is(err, attendance.ErrDuplicateEvidence) {
		return Response{Token: TokenDuplicateSkipped, Message: "already marked for this period"}, nil
	}
	if err != nil {
		return Response{}, err
	}
	return Response{Token: TokenLogSuccess, Message: fmt.Sprintf("marked %s for %s", name(ev.Subject), entry.TimeSlot)}, nil
}

// session records a staff class entry and, for a matched session inside the
// code window, hands back the section's verification code. A repeat scan of
// the same slot still returns the current code.
func (s *Service) session(ctx context.Context, ev intake.ScanEvent) (Response, error) {
	res, err := s.recorder.RecordClassEntry(ctx, ev.Subject, ev.Room, ev.At)
	duplicate := errors.Is(err, attendance.ErrDuplicateEvidence)
	if err != nil && !duplicate {
		return Response{}, err
	}

	sess := res.Session
	if duplicate {
		sess, err = s.recorder.MatchSession(ctx, ev.Room, ev.At, func(x attendance.Session) bool {
			return x.StaffID == ev.Subject.ID
		})
		if err != nil {
			return Response{}, err
		}
	}
	if sess == nil {
		if duplicate {
			return Response{Token: TokenDuplicateSkipped, Message: "entry already recorded"}, nil
		}
		return Response{}, attendance.Errorf(attendance.CodeNoMatchingSession,
			"entry recorded, no session in %s at %s", ev.Room, ev.At.Format("15:04"))
	}

	code, err := s.codes.Issue(ctx, ev.Subject, *sess, ev.At)
	if err != nil {
		return Response{}, err
	}
	if code != nil {
		return Response{
			Token:   TokenLogSuccessWithCode,
			Message: fmt.Sprintf("%s %s, code valid until %s", sess.SectionID, sess.TimeSlot(), code.ValidUntil.Format("15:04")),
			Code:    code.Code,
		}, nil
	}
	if duplicate {
		return Response{Token: TokenDuplicateSkipped, Message: "entry already recorded"}, nil
	}
	return Response{
		Token:   TokenLogSuccess,
		Message: fmt.Sprintf("entry %s for %s (%s)", res.Entry.EntryTime.Format("15:04"), sess.TimeSlot(), res.Entry.Status),
	}, nil
}

func name(s attendance.Subject) string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}
