package alerts

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campusattend/internal/attendance"
	"campusattend/internal/notify"
	"campusattend/internal/store"
)

const day attendance.Date = "2025-03-10" // Monday

func at(hhmm string) time.Time {
	return time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC).Add(time.Duration(attendance.MustTimeOfDay(hhmm)))
}

type recorder struct {
	mu      sync.Mutex
	msgs    []notify.Message
	failFor map[string]bool
}

func (r *recorder) Send(ctx context.Context, msg notify.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	if r.failFor[msg.To] {
		return errors.New("mailbox unavailable")
	}
	return nil
}

func (r *recorder) to() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, m := range r.msgs {
		out = append(out, m.To)
	}
	return out
}

func session(id, staffID, start, end string) attendance.Session {
	return attendance.Session{
		ID: id, StaffID: staffID, SectionID: "sec-" + id, Room: "R-" + id, Weekday: time.Monday,
		Start: attendance.MustTimeOfDay(start).Ptr(), End: attendance.MustTimeOfDay(end).Ptr(),
	}
}

func newSweeper(t *testing.T, now time.Time, sessions ...attendance.Session) (*Sweeper, *store.Memory, *recorder) {
	t.Helper()
	mem := store.NewMemory()
	for _, id := range []string{"staff-1", "staff-2", "staff-3"} {
		mem.AddSubject(attendance.Subject{ID: id, Role: attendance.RoleStaff, Name: id, Email: id + "@example.edu", Active: true})
	}
	for _, s := range sessions {
		mem.AddSession(s)
	}
	rec := &recorder{failFor: map[string]bool{}}
	sw := NewSweeper(mem, rec, Config{
		Rules:      attendance.DefaultRules(),
		Clock:      attendance.FixedClock{T: now},
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		AdminEmail: "admin@example.edu",
	})
	return sw, mem, rec
}

func TestSweepRaisesOneAlertForMissingStaff(t *testing.T) {
	sw, mem, rec := newSweeper(t, at("09:20"), session("s1", "staff-1", "09:00", "10:00"))
	ctx := context.Background()

	res, err := sw.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Outcomes[OutcomeAlerted])

	alerts, err := mem.ListLateAlerts(ctx, day)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	a := alerts[0]
	assert.Equal(t, "staff-1", a.StaffID)
	assert.Equal(t, "09:00-10:00", a.TimeSlot)
	assert.Equal(t, 20, a.MinutesLate)
	assert.Equal(t, at("09:00"), a.ScheduledTime)
	assert.Contains(t, a.Reason, "no morning fingerprint mark")
	assert.Contains(t, a.Reason, "no class entry")
	assert.False(t, a.Acknowledged)

	assert.ElementsMatch(t, []string{"staff-1@example.edu", "admin@example.edu"}, rec.to())
}

func TestSweepIsIdempotent(t *testing.T) {
	sw, mem, rec := newSweeper(t, at("09:20"), session("s1", "staff-1", "09:00", "10:00"))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := sw.RunOnce(ctx)
		require.NoError(t, err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := sw.RunOnce(ctx)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	alerts, err := mem.ListLateAlerts(ctx, day)
	require.NoError(t, err)
	assert.Len(t, alerts, 1)
	assert.Len(t, rec.to(), 2, "staff and admin notified once")
}

func TestSweepWindow(t *testing.T) {
	s := session("s1", "staff-1", "09:00", "10:00")
	cases := []struct {
		now  string
		want string
	}{
		{"09:10", OutcomeOutsideWindow},
		{"09:15", OutcomeOutsideWindow}, // gate itself is excluded
		{"09:16", OutcomeAlerted},
		{"10:00", OutcomeOutsideWindow}, // session over
	}
	for _, tc := range cases {
		t.Run(tc.now, func(t *testing.T) {
			sw, _, _ := newSweeper(t, at(tc.now), s)
			res, err := sw.RunOnce(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 1, res.Outcomes[tc.want])
		})
	}
}

func TestSweepHonoursSessionThreshold(t *testing.T) {
	s := session("s1", "staff-1", "09:00", "10:00")
	s.LateThresholdMinutes = 30
	sw, _, _ := newSweeper(t, at("09:20"), s)

	res, err := sw.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Outcomes[OutcomeOutsideWindow])
}

func TestSweepSkipsUntimedAndAccounted(t *testing.T) {
	untimed := attendance.Session{ID: "u", StaffID: "staff-2", SectionID: "x", Room: "R", Weekday: time.Monday}
	present := session("s1", "staff-1", "09:00", "10:00")
	sw, mem, rec := newSweeper(t, at("09:30"), present, untimed)
	ctx := context.Background()

	require.NoError(t, mem.InsertMorningMark(ctx, attendance.MorningMark{ID: "m", SubjectID: "staff-1", Date: day, ArrivalTime: at("08:40")}))
	sid := present.ID
	require.NoError(t, mem.InsertClassEntry(ctx, attendance.ClassEntry{
		ID: "c", StaffID: "staff-1", Date: day, SessionID: &sid, TimeSlot: "09:00-10:00", EntryTime: at("09:02"), Status: attendance.StatusOnTime,
	}))

	res, err := sw.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Outcomes[OutcomeAccounted])
	assert.Equal(t, 1, res.Outcomes[OutcomeUntimed])
	assert.Empty(t, rec.to())
}

func TestSweepSingleConditionFailures(t *testing.T) {
	s := session("s1", "staff-1", "09:00", "10:00")
	sw, mem, _ := newSweeper(t, at("09:30"), s)
	ctx := context.Background()
	require.NoError(t, mem.InsertMorningMark(ctx, attendance.MorningMark{ID: "m", SubjectID: "staff-1", Date: day, ArrivalTime: at("08:40")}))

	_, err := sw.RunOnce(ctx)
	require.NoError(t, err)
	alerts, err := mem.ListLateAlerts(ctx, day)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.NotContains(t, alerts[0].Reason, "morning")
	assert.Contains(t, alerts[0].Reason, "no class entry for 09:00-10:00")
}

type flakyStore struct {
	*store.Memory
	failStaff string
}

func (f flakyStore) GetMorningMark(ctx context.Context, subjectID string, date attendance.Date) (*attendance.MorningMark, error) {
	if subjectID == f.failStaff {
		return nil, attendance.Storage("get morning mark", errors.New("timeout"))
	}
	return f.Memory.GetMorningMark(ctx, subjectID, date)
}

func TestSweepIsolatesFailures(t *testing.T) {
	_, mem, rec := newSweeper(t, at("09:30"),
		session("s1", "staff-1", "09:00", "10:00"),
		session("s2", "staff-2", "09:00", "10:00"),
		session("s3", "staff-3", "09:00", "10:00"),
	)
	rec.failFor["staff-3@example.edu"] = true
	sw := NewSweeper(flakyStore{Memory: mem, failStaff: "staff-1"}, rec, Config{
		Clock:      attendance.FixedClock{T: at("09:30")},
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		AdminEmail: "admin@example.edu",
	})

	res, err := sw.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Outcomes[OutcomeFailed])
	assert.Equal(t, 2, res.Outcomes[OutcomeAlerted], "notification failure still records the alert")

	alerts, err := mem.ListLateAlerts(context.Background(), day)
	require.NoError(t, err)
	assert.Len(t, alerts, 2)
}

type brokenTimetable struct{ *store.Memory }

func (brokenTimetable) SessionsOn(ctx context.Context, weekday time.Weekday) ([]attendance.Session, error) {
	return nil, attendance.Storage("sessions", errors.New("db down"))
}

func TestSweepFailsWhenTimetableUnavailable(t *testing.T) {
	sw := NewSweeper(brokenTimetable{store.NewMemory()}, nil, Config{
		Clock:  attendance.FixedClock{T: at("09:30")},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	_, err := sw.RunOnce(context.Background())
	assert.ErrorIs(t, err, attendance.ErrStorageFailure)
}

func TestReviewStaffDay(t *testing.T) {
	s1 := session("s1", "staff-1", "09:00", "10:00")
	s2 := session("s2", "staff-1", "11:00", "12:00")
	s3 := session("s3", "staff-1", "16:00", "17:00")
	other := session("s4", "staff-2", "09:00", "10:00")
	sw, mem, rec := newSweeper(t, at("15:00"), s1, s2, s3, other)
	ctx := context.Background()
	require.NoError(t, mem.InsertMorningMark(ctx, attendance.MorningMark{ID: "m", SubjectID: "staff-1", Date: day, ArrivalTime: at("08:40")}))

	staff := attendance.Subject{ID: "staff-1", Role: attendance.RoleStaff, Email: "staff-1@example.edu"}
	entries := []attendance.ClassEntry{
		{StaffID: "staff-1", Date: day, TimeSlot: "09:00-10:00", EntryTime: at("09:05")},
		{StaffID: "staff-1", Date: day, TimeSlot: "11:00-12:00", EntryTime: at("11:25")},
	}
	require.NoError(t, sw.ReviewStaffDay(ctx, staff, day, entries, at("15:00")))

	alerts, err := mem.ListLateAlerts(ctx, day)
	require.NoError(t, err)
	require.Len(t, alerts, 1, "only the late entry; s3 has not started")
	a := alerts[0]
	assert.Equal(t, "11:00-12:00", a.TimeSlot)
	require.NotNil(t, a.ActualEntryTime)
	assert.Equal(t, 25, a.MinutesLate)
	assert.Len(t, rec.to(), 2)

	// A second review, or a sweep for the same slot, never duplicates.
	require.NoError(t, sw.ReviewStaffDay(ctx, staff, day, entries, at("15:00")))
	alerts, err = mem.ListLateAlerts(ctx, day)
	require.NoError(t, err)
	assert.Len(t, alerts, 1)
}

func TestReviewAfterSweepDoesNotDuplicate(t *testing.T) {
	s1 := session("s1", "staff-1", "09:00", "10:00")
	sw, mem, _ := newSweeper(t, at("09:30"), s1)
	ctx := context.Background()

	_, err := sw.RunOnce(ctx)
	require.NoError(t, err)
	staff := attendance.Subject{ID: "staff-1", Role: attendance.RoleStaff}
	require.NoError(t, sw.ReviewStaffDay(ctx, staff, day, nil, at("17:00")))

	alerts, err := mem.ListLateAlerts(ctx, day)
	require.NoError(t, err)
	assert.Len(t, alerts, 1)
}
