package scan

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campusattend/internal/attendance"
	"campusattend/internal/codes"
	"campusattend/internal/intake"
	"campusattend/internal/reconcile"
	"campusattend/internal/staging"
	"campusattend/internal/store"
)

type pipeline struct {
	svc *Service
	mem *store.Memory
}

func newPipeline(t *testing.T) pipeline {
	t.Helper()
	mem := store.NewMemory()
	mem.AddSubject(attendance.Subject{ID: "staff-1", Role: attendance.RoleStaff, Name: "Dr. Rao", Active: true})
	mem.AddSubject(attendance.Subject{ID: "stu-1", Role: attendance.RoleStudent, SectionID: "sec-a", Active: true})
	mem.AddCredential(attendance.Credential{Kind: attendance.CredentialFingerprint, Value: "fp-staff", SubjectID: "staff-1", Active: true})
	mem.AddCredential(attendance.Credential{Kind: attendance.CredentialCard, Value: "card-staff", SubjectID: "staff-1", Active: true})
	mem.AddCredential(attendance.Credential{Kind: attendance.CredentialFingerprint, Value: "fp-stu", SubjectID: "stu-1", Active: true})
	mem.AddCredential(attendance.Credential{Kind: attendance.CredentialCard, Value: "card-stu", SubjectID: "stu-1", Active: true})
	mem.AddSession(attendance.Session{
		ID: "mon-1", StaffID: "staff-1", SectionID: "sec-a", Room: "R101", Weekday: time.Monday,
		Start: attendance.MustTimeOfDay("09:00").Ptr(), End: attendance.MustTimeOfDay("10:00").Ptr(),
	})

	rules := attendance.DefaultRules()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := attendance.FixedClock{T: time.Date(2025, 3, 10, 9, 5, 0, 0, time.UTC)}
	svc := NewService(
		intake.NewNormalizer(mem, rules, time.UTC),
		staging.NewRecorder(mem, rules, nil),
		codes.NewManager(mem, nil, rules, codes.WithClock(clock), codes.WithLogger(logger)),
		reconcile.NewEngine(mem, reconcile.Config{Rules: rules, Clock: clock, Logger: logger}),
		logger,
	)
	return pipeline{svc: svc, mem: mem}
}

func scan(kind, value, room, tod string) intake.RawScan {
	return intake.RawScan{
		IdentifierKind:  kind,
		IdentifierValue: value,
		DeviceID:        "esp32-01",
		RoomOrSlot:      room,
		Date:            "2025-03-10",
		Time:            tod,
	}
}

func TestStaffDay(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	resp, err := p.svc.Handle(ctx, scan("FINGERPRINT", "fp-staff", "", "08:30"))
	require.NoError(t, err)
	assert.Equal(t, TokenLogSuccess, resp.Token)
	assert.Contains(t, resp.Message, "Dr. Rao")

	resp, err = p.svc.Handle(ctx, scan("FINGERPRINT", "fp-staff", "", "08:45"))
	require.NoError(t, err)
	assert.Equal(t, TokenDuplicateSkipped, resp.Token)

	resp, err = p.svc.Handle(ctx, scan("CARD", "card-staff", "r101", "09:05"))
	require.NoError(t, err)
	assert.Equal(t, TokenLogSuccessWithCode, resp.Token)
	require.Len(t, resp.Code, 6)
	first := resp.Code

	// A second tap in the same slot shows the same code again.
	resp, err = p.svc.Handle(ctx, scan("CARD", "card-staff", "R101", "09:12"))
	require.NoError(t, err)
	assert.Equal(t, TokenLogSuccessWithCode, resp.Token)
	assert.Equal(t, first, resp.Code)

	resp, err = p.svc.Handle(ctx, scan("FINGERPRINT", "fp-staff", "", "17:00"))
	require.NoError(t, err)
	assert.Equal(t, TokenCalculationSuccess, resp.Token)
	assert.Equal(t, string(attendance.VerdictPresent), resp.FinalStatus)

	entries, err := p.mem.ListClassEntries(ctx, "staff-1", "2025-03-10")
	require.NoError(t, err)
	assert.Empty(t, entries, "reconciliation consumes class entries")
}

func TestStaffCardTooLateForCode(t *testing.T) {
	p := newPipeline(t)
	resp, err := p.svc.Handle(context.Background(), scan("CARD", "card-staff", "R101", "09:40"))
	require.NoError(t, err)
	assert.Equal(t, TokenLogSuccess, resp.Token)
	assert.Empty(t, resp.Code)
	assert.Contains(t, resp.Message, "LATE")
}

func TestStaffCardUnmatched(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	resp, err := p.svc.Handle(ctx, scan("CARD", "card-staff", "R999", "09:05"))
	assert.ErrorIs(t, err, attendance.ErrNoMatchingSession)
	assert.Equal(t, "ERROR_NO_MATCHING_SESSION", resp.Token)
	assert.Empty(t, resp.Code)

	entries, err := p.mem.ListClassEntries(ctx, "staff-1", "2025-03-10")
	require.NoError(t, err)
	require.Len(t, entries, 1, "unmatched entries are kept")
	assert.Equal(t, attendance.StatusUnmatched, entries[0].Status)
}

func TestStudentDay(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	resp, err := p.svc.Handle(ctx, scan("FINGERPRINT", "fp-stu", "", "08:50"))
	require.NoError(t, err)
	assert.Equal(t, TokenLogSuccess, resp.Token)

	resp, err = p.svc.Handle(ctx, scan("CARD", "card-stu", "R101", "09:02"))
	require.NoError(t, err)
	assert.Equal(t, TokenLogSuccess, resp.Token)

	resp, err = p.svc.Handle(ctx, scan("CARD", "card-stu", "R101", "09:30"))
	require.NoError(t, err)
	assert.Equal(t, TokenDuplicateSkipped, resp.Token)

	resp, err = p.svc.Handle(ctx, scan("CARD", "card-stu", "R101", "11:00"))
	assert.ErrorIs(t, err, attendance.ErrNoMatchingSession)
	assert.Equal(t, "ERROR_NO_MATCHING_SESSION", resp.Token)

	resp, err = p.svc.Handle(ctx, scan("FINGERPRINT", "fp-stu", "", "16:00"))
	require.NoError(t, err)
	assert.Equal(t, TokenCalculationSuccess, resp.Token)
	assert.Equal(t, string(attendance.VerdictAbsent), resp.FinalStatus, "one period is below the late count")
}

func TestRejectedScans(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	resp, err := p.svc.Handle(ctx, scan("CARD", "no-such-card", "R101", "09:00"))
	assert.ErrorIs(t, err, attendance.ErrUnknownCredential)
	assert.Equal(t, "ERROR_UNKNOWN_CREDENTIAL", resp.Token)
	assert.NotEmpty(t, resp.Message)

	resp, err = p.svc.Handle(ctx, scan("IRIS", "x", "", "09:00"))
	assert.ErrorIs(t, err, attendance.ErrInvalidArgument)
	assert.Equal(t, "ERROR_INVALID_ARGUMENT", resp.Token)
}

func TestStudentRescanAfterReconcileIsDuplicate(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	p.mem.AddSession(attendance.Session{
		ID: "mon-2", StaffID: "staff-1", SectionID: "sec-a", Room: "R101", Weekday: time.Monday,
		Start: attendance.MustTimeOfDay("11:30").Ptr(), End: attendance.MustTimeOfDay("12:30").Ptr(),
	})

	_, err := p.svc.Handle(ctx, scan("FINGERPRINT", "fp-stu", "", "08:50"))
	require.NoError(t, err)
	resp, err := p.svc.Handle(ctx, scan("CARD", "card-stu", "R101", "11:35"))
	require.NoError(t, err)
	assert.Equal(t, TokenLogSuccess, resp.Token)

	resp, err = p.svc.Handle(ctx, scan("FINGERPRINT", "fp-stu", "", "12:05"))
	require.NoError(t, err)
	assert.Equal(t, TokenCalculationSuccess, resp.Token)

	resp, err = p.svc.Handle(ctx, scan("CARD", "card-stu", "R101", "12:10"))
	require.NoError(t, err)
	assert.Equal(t, TokenDuplicateSkipped, resp.Token)

	resp, err = p.svc.Handle(ctx, scan("FINGERPRINT", "fp-stu", "", "16:00"))
	require.NoError(t, err)
	assert.Equal(t, TokenCalculationSuccess, resp.Token)

	v, err := p.mem.GetVerdict(ctx, "stu-1", "2025-03-10")
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, 1, v.EvidenceCount)
}
