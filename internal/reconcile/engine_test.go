package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campusattend/internal/attendance"
	"campusattend/internal/store"
)

const day attendance.Date = "2025-03-10"

func at(hhmm string) time.Time {
	return time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC).Add(time.Duration(attendance.MustTimeOfDay(hhmm)))
}

type review struct {
	staffID string
	entries int
}

type recordingReviewer struct {
	mu    sync.Mutex
	calls []review
}

func (r *recordingReviewer) ReviewStaffDay(ctx context.Context, staff attendance.Subject, date attendance.Date, entries []attendance.ClassEntry, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, review{staffID: staff.ID, entries: len(entries)})
	return nil
}

func newEngine(t *testing.T) (*Engine, *store.Memory, *recordingReviewer) {
	t.Helper()
	mem := store.NewMemory()
	mem.AddSubject(attendance.Subject{ID: "staff-1", Role: attendance.RoleStaff, Active: true})
	mem.AddSubject(attendance.Subject{ID: "stu-1", Role: attendance.RoleStudent, SectionID: "sec-a", Active: true})
	rev := &recordingReviewer{}
	e := NewEngine(mem, Config{
		Rules:    attendance.DefaultRules(),
		Clock:    attendance.FixedClock{T: at("18:00")},
		Reviewer: rev,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return e, mem, rev
}

func morning(t *testing.T, mem *store.Memory, subjectID, arrival string) {
	t.Helper()
	require.NoError(t, mem.InsertMorningMark(context.Background(), attendance.MorningMark{
		ID: "mm-" + subjectID, SubjectID: subjectID, Date: day, ArrivalTime: at(arrival), Status: attendance.StatusOnTime,
	}))
}

func periods(t *testing.T, mem *store.Memory, subjectID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, mem.InsertPeriodEntry(context.Background(), attendance.PeriodEntry{
			ID: fmt.Sprintf("pe-%s-%d", subjectID, i), SubjectID: subjectID, Date: day,
			TimeSlot: fmt.Sprintf("%02d:00-%02d:50", 8+i, 8+i), ScanTime: at(fmt.Sprintf("%02d:05", 8+i)),
			VerifiedVia: attendance.ViaCard,
		}))
	}
}

func TestStudentBoundaries(t *testing.T) {
	cases := []struct {
		count int
		want  attendance.VerdictStatus
	}{
		{7, attendance.VerdictPresent},
		{8, attendance.VerdictPresent},
		{6, attendance.VerdictLate},
		{4, attendance.VerdictLate},
		{3, attendance.VerdictAbsent},
		{0, attendance.VerdictAbsent},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%d periods", tc.count), func(t *testing.T) {
			e, mem, _ := newEngine(t)
			ctx := context.Background()
			morning(t, mem, "stu-1", "08:50")
			periods(t, mem, "stu-1", tc.count)

			v, err := e.Reconcile(ctx, "stu-1", day, at("16:00"))
			require.NoError(t, err)
			assert.Equal(t, tc.want, v.Status)
			assert.Equal(t, tc.count, v.EvidenceCount)

			left, err := mem.ListPeriodEntries(ctx, "stu-1", day)
			require.NoError(t, err)
			assert.Empty(t, left, "staging consumed")
		})
	}
}

func TestStudentWithoutMorningMarkIsAbsent(t *testing.T) {
	e, mem, _ := newEngine(t)
	periods(t, mem, "stu-1", 8)

	v, err := e.Reconcile(context.Background(), "stu-1", day, at("16:00"))
	require.NoError(t, err)
	assert.Equal(t, attendance.VerdictAbsent, v.Status)
	assert.Contains(t, v.BasisNotes, "no morning mark")
}

func TestStaffBoundaries(t *testing.T) {
	cases := []struct {
		worked time.Duration
		want   attendance.VerdictStatus
	}{
		{3*time.Hour + 59*time.Minute, attendance.VerdictAbsent},
		{4 * time.Hour, attendance.VerdictLate},
		{4*time.Hour + 30*time.Minute, attendance.VerdictLate},
		{4*time.Hour + 31*time.Minute, attendance.VerdictPresent},
	}
	for _, tc := range cases {
		t.Run(tc.worked.String(), func(t *testing.T) {
			e, mem, rev := newEngine(t)
			ctx := context.Background()
			morning(t, mem, "staff-1", "08:00")
			logout := at("08:00").Add(tc.worked)
			_, err := mem.SetLogout(ctx, "staff-1", day, logout)
			require.NoError(t, err)

			v, err := e.Reconcile(ctx, "staff-1", day, logout)
			require.NoError(t, err)
			assert.Equal(t, tc.want, v.Status)

			if tc.want == attendance.VerdictPresent {
				assert.Empty(t, rev.calls)
			} else {
				require.Len(t, rev.calls, 1, "ABSENT and LATE trigger the out-of-band review")
			}
		})
	}
}

func TestStaffDurationUsesAtWithoutLogout(t *testing.T) {
	e, mem, _ := newEngine(t)
	morning(t, mem, "staff-1", "08:00")

	v, err := e.Reconcile(context.Background(), "staff-1", day, at("13:00"))
	require.NoError(t, err)
	assert.Equal(t, attendance.VerdictPresent, v.Status)
}

func TestStaffWithoutMorningMark(t *testing.T) {
	e, mem, rev := newEngine(t)
	ctx := context.Background()
	sid := "mon-1"
	require.NoError(t, mem.InsertClassEntry(ctx, attendance.ClassEntry{
		ID: "ce-1", StaffID: "staff-1", Date: day, SessionID: &sid, TimeSlot: "09:00-10:00",
		EntryTime: at("09:05"), Status: attendance.StatusOnTime,
	}))

	v, err := e.Reconcile(ctx, "staff-1", day, at("17:00"))
	require.NoError(t, err)
	assert.Equal(t, attendance.VerdictAbsent, v.Status)

	left, err := mem.ListClassEntries(ctx, "staff-1", day)
	require.NoError(t, err)
	assert.Empty(t, left)
	require.Len(t, rev.calls, 1)
	assert.Equal(t, 1, rev.calls[0].entries, "review sees entries read before deletion")
}

func TestReconcileIsIdempotent(t *testing.T) {
	e, mem, _ := newEngine(t)
	ctx := context.Background()
	morning(t, mem, "stu-1", "08:50")
	periods(t, mem, "stu-1", 5)

	first, err := e.Reconcile(ctx, "stu-1", day, at("16:00"))
	require.NoError(t, err)
	second, err := e.Reconcile(ctx, "stu-1", day, at("16:05"))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, 5, second.EvidenceCount)

	// New evidence after the first run is folded in, not lost.
	require.NoError(t, mem.InsertPeriodEntry(ctx, attendance.PeriodEntry{
		ID: "late-1", SubjectID: "stu-1", Date: day, TimeSlot: "15:00-15:50", ScanTime: at("15:05"), VerifiedVia: attendance.ViaCard,
	}))
	require.NoError(t, mem.InsertPeriodEntry(ctx, attendance.PeriodEntry{
		ID: "late-2", SubjectID: "stu-1", Date: day, TimeSlot: "16:00-16:50", ScanTime: at("16:05"), VerifiedVia: attendance.ViaCard,
	}))
	third, err := e.Reconcile(ctx, "stu-1", day, at("17:00"))
	require.NoError(t, err)
	assert.Equal(t, attendance.VerdictPresent, third.Status)
	assert.Equal(t, 7, third.EvidenceCount)
}

func TestConsumedSlotsCountOnce(t *testing.T) {
	e, mem, _ := newEngine(t)
	ctx := context.Background()
	morning(t, mem, "stu-1", "08:50")
	periods(t, mem, "stu-1", 2)

	first, err := e.Reconcile(ctx, "stu-1", day, at("12:00"))
	require.NoError(t, err)
	assert.Equal(t, 2, first.EvidenceCount)

	err = mem.InsertPeriodEntry(ctx, attendance.PeriodEntry{
		ID: "again", SubjectID: "stu-1", Date: day, TimeSlot: "08:00-08:50", ScanTime: at("08:40"), VerifiedVia: attendance.ViaCard,
	})
	assert.ErrorIs(t, err, attendance.ErrDuplicateEvidence)

	second, err := e.Reconcile(ctx, "stu-1", day, at("16:00"))
	require.NoError(t, err)
	assert.Equal(t, 2, second.EvidenceCount)
}

func TestStaffConsumedSlotBlocksRescan(t *testing.T) {
	e, mem, _ := newEngine(t)
	ctx := context.Background()
	morning(t, mem, "staff-1", "08:00")
	entry := attendance.ClassEntry{
		ID: "ce-1", StaffID: "staff-1", Date: day, TimeSlot: "09:00-10:00", EntryTime: at("09:05"), Status: attendance.StatusOnTime,
	}
	require.NoError(t, mem.InsertClassEntry(ctx, entry))

	_, err := e.Reconcile(ctx, "staff-1", day, at("13:00"))
	require.NoError(t, err)

	has, err := mem.HasClassEntry(ctx, "staff-1", day, "09:00-10:00")
	require.NoError(t, err)
	assert.True(t, has, "consumed slots still count as taught")

	entry.ID = "ce-2"
	assert.ErrorIs(t, mem.InsertClassEntry(ctx, entry), attendance.ErrDuplicateEvidence)
}

func TestReconcileUnknownSubject(t *testing.T) {
	e, _, _ := newEngine(t)
	_, err := e.Reconcile(context.Background(), "ghost", day, at("17:00"))
	assert.ErrorIs(t, err, attendance.ErrSubjectNotFound)
}

func TestOverrideKeepsFirstOriginal(t *testing.T) {
	e, mem, _ := newEngine(t)
	ctx := context.Background()
	morning(t, mem, "stu-1", "08:50")
	periods(t, mem, "stu-1", 2)

	v, err := e.Reconcile(ctx, "stu-1", day, at("16:00"))
	require.NoError(t, err)
	require.Equal(t, attendance.VerdictAbsent, v.Status)

	o1, err := e.Override(ctx, v.ID, "LATE", "admin-1", "medical note")
	require.NoError(t, err)
	assert.Equal(t, attendance.VerdictLate, o1.Status)
	require.NotNil(t, o1.OriginalStatus)
	assert.Equal(t, attendance.VerdictAbsent, *o1.OriginalStatus)

	o2, err := e.Override(ctx, v.ID, "PRESENT", "admin-2", "appeal")
	require.NoError(t, err)
	assert.Equal(t, attendance.VerdictPresent, o2.Status)
	assert.Equal(t, attendance.VerdictAbsent, *o2.OriginalStatus)
	assert.Equal(t, "admin-2", *o2.OverriddenBy)
	assert.Equal(t, "appeal", *o2.OverrideReason)

	again, err := e.Reconcile(ctx, "stu-1", day, at("17:00"))
	require.NoError(t, err)
	assert.Equal(t, attendance.VerdictPresent, again.Status, "recomputation keeps the override")
}

func TestOverrideValidation(t *testing.T) {
	e, _, _ := newEngine(t)
	ctx := context.Background()

	_, err := e.Override(ctx, "v-1", "MAYBE", "admin", "")
	assert.ErrorIs(t, err, attendance.ErrInvalidArgument)
	_, err = e.Override(ctx, "missing", "PRESENT", "admin", "")
	assert.ErrorIs(t, err, attendance.ErrVerdictNotFound)
	_, err = e.Override(ctx, "v-1", "PRESENT", "", "")
	assert.ErrorIs(t, err, attendance.ErrInvalidArgument)
}

type failingStore struct {
	*store.Memory
	failFor string
}

func (f failingStore) GetSubject(ctx context.Context, id string) (attendance.Subject, error) {
	if id == f.failFor {
		return attendance.Subject{}, attendance.Storage("get subject", errors.New("connection reset"))
	}
	return f.Memory.GetSubject(ctx, id)
}

func TestBatchContinuesPastFailures(t *testing.T) {
	mem := store.NewMemory()
	for _, id := range []string{"stu-1", "stu-2", "stu-3"} {
		mem.AddSubject(attendance.Subject{ID: id, Role: attendance.RoleStudent, Active: true})
		morning(t, mem, id, "08:50")
	}
	e := NewEngine(failingStore{Memory: mem, failFor: "stu-2"}, Config{
		Clock:  attendance.FixedClock{T: at("18:00")},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	res, err := e.CloseDay(context.Background(), day)
	require.NoError(t, err)
	assert.Len(t, res.Verdicts, 2)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "stu-2", res.Failures[0].SubjectID)
	assert.ErrorIs(t, res.Failures[0].Err, attendance.ErrStorageFailure)

	again, err := e.CloseDay(context.Background(), day)
	require.NoError(t, err)
	assert.Empty(t, again.Verdicts, "reconciled subjects are no longer pending")
	assert.Len(t, again.Failures, 1)
}

func TestCloseDayCapsPastDates(t *testing.T) {
	mem := store.NewMemory()
	mem.AddSubject(attendance.Subject{ID: "staff-1", Role: attendance.RoleStaff, Active: true})
	morning(t, mem, "staff-1", "19:45")
	e := NewEngine(mem, Config{
		Clock:  attendance.FixedClock{T: at("19:45").AddDate(0, 0, 2)},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	res, err := e.CloseDay(context.Background(), day)
	require.NoError(t, err)
	require.Len(t, res.Verdicts, 1)
	assert.Equal(t, attendance.VerdictLate, res.Verdicts[0].Status, "19:45 to 23:59:59 is between 4h and 4h30")
}
