package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"campusattend/internal/attendance"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// Postgres implements attendance.Store with raw SQL over database/sql.
type Postgres struct {
	db   *sql.DB
	q    DBTX
	inTx bool
}

var _ attendance.Store = (*Postgres)(nil)

// NewPostgres creates a store on db.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db, q: db}
}

// RunInTx runs fn in a transaction; nested calls reuse the outer one.
func (p *Postgres) RunInTx(ctx context.Context, fn func(ctx context.Context, tx attendance.Store) error) error {
	if p.inTx {
		return fn(ctx, p)
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return attendance.Storage("begin tx", err)
	}
	if err := fn(ctx, &Postgres{db: p.db, q: tx, inTx: true}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return attendance.Storage("commit tx", err)
	}
	return nil
}

// Lock takes a transaction-scoped advisory lock on key.
func (p *Postgres) Lock(ctx context.Context, key string) error {
	if !p.inTx {
		return nil
	}
	_, err := p.q.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key)
	return attendance.Storage("advisory lock", err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func inserted(res sql.Result, err error) (bool, error) {
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func nullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullTimeOfDay(s sql.NullString) (*attendance.TimeOfDay, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	tod, err := attendance.ParseTimeOfDay(s.String)
	if err != nil {
		return nil, err
	}
	return &tod, nil
}

// ---------- Directory ----------

const subjectColumns = `s.id, s.role, s.name, s.email, COALESCE(s.section_id, ''), s.active`

func scanSubject(row rowScanner) (attendance.Subject, error) {
	var s attendance.Subject
	var role string
	if err := row.Scan(&s.ID, &role, &s.Name, &s.Email, &s.SectionID, &s.Active); err != nil {
		return attendance.Subject{}, err
	}
	s.Role = attendance.Role(role)
	return s, nil
}

func (p *Postgres) ResolveCredential(ctx context.Context, kind attendance.CredentialKind, value string) (attendance.Subject, error) {
	row := p.q.QueryRowContext(ctx, `
		SELECT `+subjectColumns+`
		FROM credentials c
		JOIN subjects s ON s.id = c.subject_id
		WHERE c.kind = $1 AND c.value = $2 AND c.active AND s.active
	`, string(kind), value)
	s, err := scanSubject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return attendance.Subject{}, attendance.Errorf(attendance.CodeUnknownCredential, "no active subject for %s credential", strings.ToLower(string(kind)))
	}
	if err != nil {
		return attendance.Subject{}, attendance.Storage("resolve credential", err)
	}
	return s, nil
}

func (p *Postgres) GetSubject(ctx context.Context, id string) (attendance.Subject, error) {
	row := p.q.QueryRowContext(ctx, `SELECT `+subjectColumns+` FROM subjects s WHERE s.id = $1`, id)
	s, err := scanSubject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return attendance.Subject{}, attendance.Errorf(attendance.CodeSubjectNotFound, "subject %s not found", id)
	}
	if err != nil {
		return attendance.Subject{}, attendance.Storage("get subject", err)
	}
	return s, nil
}

// ---------- Timetable ----------

const sessionColumns = `id, staff_id, section_id, room, weekday,
	to_char(start_time, 'HH24:MI:SS'), to_char(end_time, 'HH24:MI:SS'), late_threshold_minutes`

func scanSession(row rowScanner) (attendance.Session, error) {
	var s attendance.Session
	var weekday int
	var start, end sql.NullString
	if err := row.Scan(&s.ID, &s.StaffID, &s.SectionID, &s.Room, &weekday, &start, &end, &s.LateThresholdMinutes); err != nil {
		return attendance.Session{}, err
	}
	s.Weekday = time.Weekday(weekday)
	var err error
	if s.Start, err = nullTimeOfDay(start); err != nil {
		return attendance.Session{}, err
	}
	if s.End, err = nullTimeOfDay(end); err != nil {
		return attendance.Session{}, err
	}
	return s, nil
}

func (p *Postgres) SessionsOn(ctx context.Context, weekday time.Weekday) ([]attendance.Session, error) {
	rows, err := p.q.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM scheduled_sessions
		WHERE weekday = $1
		ORDER BY start_time NULLS LAST, id
	`, int(weekday))
	if err != nil {
		return nil, attendance.Storage("list sessions", err)
	}
	defer rows.Close()
	var out []attendance.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, attendance.Storage("scan session", err)
		}
		out = append(out, s)
	}
	return out, attendance.Storage("list sessions", rows.Err())
}

func (p *Postgres) GetSession(ctx context.Context, id string) (attendance.Session, error) {
	row := p.q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM scheduled_sessions WHERE id = $1`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return attendance.Session{}, attendance.Errorf(attendance.CodeNoMatchingSession, "session %s not found", id)
	}
	if err != nil {
		return attendance.Session{}, attendance.Storage("get session", err)
	}
	return s, nil
}

// ---------- Morning marks ----------

func (p *Postgres) InsertMorningMark(ctx context.Context, m attendance.MorningMark) error {
	ok, err := inserted(p.q.ExecContext(ctx, `
		INSERT INTO morning_marks (id, subject_id, work_date, arrival_time, status, logout_time, device_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (subject_id, work_date) DO NOTHING
	`, m.ID, m.SubjectID, string(m.Date), m.ArrivalTime, string(m.Status), m.LogoutTime, m.DeviceID))
	if err != nil {
		return attendance.Storage("insert morning mark", err)
	}
	if !ok {
		return attendance.Errorf(attendance.CodeDuplicateEvidence, "morning mark already recorded for %s", m.Date)
	}
	return nil
}

func (p *Postgres) GetMorningMark(ctx context.Context, subjectID string, date attendance.Date) (*attendance.MorningMark, error) {
	row := p.q.QueryRowContext(ctx, `
		SELECT id, subject_id, work_date::text, arrival_time, status, logout_time, device_id
		FROM morning_marks
		WHERE subject_id = $1 AND work_date = $2
	`, subjectID, string(date))
	var m attendance.MorningMark
	var day, status string
	var logout sql.NullTime
	if err := row.Scan(&m.ID, &m.SubjectID, &day, &m.ArrivalTime, &status, &logout, &m.DeviceID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, attendance.Storage("get morning mark", err)
	}
	m.Date = attendance.Date(day)
	m.Status = attendance.MarkStatus(status)
	m.LogoutTime = nullTime(logout)
	return &m, nil
}

func (p *Postgres) SetLogout(ctx context.Context, subjectID string, date attendance.Date, at time.Time) (bool, error) {
	res, err := p.q.ExecContext(ctx, `
		UPDATE morning_marks SET logout_time = $3
		WHERE subject_id = $1 AND work_date = $2
	`, subjectID, string(date), at)
	if err != nil {
		return false, attendance.Storage("set logout", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, attendance.Storage("set logout", err)
	}
	return n > 0, nil
}

func (p *Postgres) PurgeMorningMarks(ctx context.Context, before attendance.Date) (int, error) {
	res, err := p.q.ExecContext(ctx, `DELETE FROM morning_marks WHERE work_date < $1`, string(before))
	return affected("purge morning marks", res, err)
}

func affected(op string, res sql.Result, err error) (int, error) {
	if err != nil {
		return 0, attendance.Storage(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, attendance.Storage(op, err)
	}
	return int(n), nil
}

// ---------- Period entries ----------

func (p *Postgres) InsertPeriodEntry(ctx context.Context, e attendance.PeriodEntry) error {
	ok, err := inserted(p.q.ExecContext(ctx, `
		INSERT INTO period_entries (id, subject_id, work_date, time_slot, scan_time, room, verified_via, code)
		SELECT $1::text, $2::text, $3::date, $4::text, $5::timestamptz, $6::text, $7::text, $8::text
		WHERE NOT EXISTS (
			SELECT 1 FROM consumed_evidence
			WHERE subject_id = $2::text AND work_date = $3::date AND time_slot = $4::text
		)
		ON CONFLICT (subject_id, work_date, time_slot) DO NOTHING
	`, e.ID, e.SubjectID, string(e.Date), e.TimeSlot, e.ScanTime, e.Room, string(e.VerifiedVia), e.Code))
	if err != nil {
		return attendance.Storage("insert period entry", err)
	}
	if !ok {
		return attendance.Errorf(attendance.CodeDuplicateEvidence, "already marked for slot %s", e.TimeSlot)
	}
	return nil
}

func (p *Postgres) ListPeriodEntries(ctx context.Context, subjectID string, date attendance.Date) ([]attendance.PeriodEntry, error) {
	rows, err := p.q.QueryContext(ctx, `
		SELECT id, subject_id, work_date::text, time_slot, scan_time, room, verified_via, code
		FROM period_entries
		WHERE subject_id = $1 AND work_date = $2
		ORDER BY scan_time
	`, subjectID, string(date))
	if err != nil {
		return nil, attendance.Storage("list period entries", err)
	}
	defer rows.Close()
	var out []attendance.PeriodEntry
	for rows.Next() {
		var e attendance.PeriodEntry
		var day, via string
		var code sql.NullString
		if err := rows.Scan(&e.ID, &e.SubjectID, &day, &e.TimeSlot, &e.ScanTime, &e.Room, &via, &code); err != nil {
			return nil, attendance.Storage("scan period entry", err)
		}
		e.Date = attendance.Date(day)
		e.VerifiedVia = attendance.VerifiedVia(via)
		e.Code = nullString(code)
		out = append(out, e)
	}
	return out, attendance.Storage("list period entries", rows.Err())
}

func (p *Postgres) HasPeriodEntryWithCode(ctx context.Context, subjectID string, date attendance.Date, code string) (bool, error) {
	var exists bool
	err := p.q.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM period_entries
			WHERE subject_id = $1 AND work_date = $2 AND code = $3
		) OR EXISTS (
			SELECT 1 FROM consumed_evidence
			WHERE subject_id = $1 AND work_date = $2 AND code = $3
		)
	`, subjectID, string(date), code).Scan(&exists)
	return exists, attendance.Storage("check period entry code", err)
}

func (p *Postgres) consume(ctx context.Context, subjectID string, date attendance.Date, slot string, code *string) error {
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO consumed_evidence (subject_id, work_date, time_slot, code)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (subject_id, work_date, time_slot) DO NOTHING
	`, subjectID, string(date), slot, code)
	return attendance.Storage("record consumed slot", err)
}

// ConsumePeriodEntries deletes by id so rows staged after the caller's read
// are left for the next run.
func (p *Postgres) ConsumePeriodEntries(ctx context.Context, subjectID string, date attendance.Date, entries []attendance.PeriodEntry) error {
	for _, e := range entries {
		if err := p.consume(ctx, subjectID, date, e.TimeSlot, e.Code); err != nil {
			return err
		}
		if _, err := p.q.ExecContext(ctx, `DELETE FROM period_entries WHERE id = $1`, e.ID); err != nil {
			return attendance.Storage("delete period entry", err)
		}
	}
	return nil
}

func (p *Postgres) ConsumedSlots(ctx context.Context, subjectID string, date attendance.Date) (int, error) {
	var n int
	err := p.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM consumed_evidence WHERE subject_id = $1 AND work_date = $2
	`, subjectID, string(date)).Scan(&n)
	return n, attendance.Storage("count consumed slots", err)
}

// ---------- Class entries ----------

func (p *Postgres) InsertClassEntry(ctx context.Context, e attendance.ClassEntry) error {
	ok, err := inserted(p.q.ExecContext(ctx, `
		INSERT INTO class_entries (id, staff_id, work_date, session_id, time_slot, entry_time, expected_start, status, room)
		SELECT $1::text, $2::text, $3::date, $4::text, $5::text, $6::timestamptz, $7::timestamptz, $8::text, $9::text
		WHERE NOT EXISTS (
			SELECT 1 FROM consumed_evidence
			WHERE subject_id = $2::text AND work_date = $3::date AND time_slot = $5::text
		)
		ON CONFLICT (staff_id, work_date, time_slot) DO NOTHING
	`, e.ID, e.StaffID, string(e.Date), e.SessionID, e.TimeSlot, e.EntryTime, e.ExpectedStart, string(e.Status), e.Room))
	if err != nil {
		return attendance.Storage("insert class entry", err)
	}
	if !ok {
		return attendance.Errorf(attendance.CodeDuplicateEvidence, "class entry already recorded for slot %s", e.TimeSlot)
	}
	return nil
}

func (p *Postgres) HasClassEntry(ctx context.Context, staffID string, date attendance.Date, timeSlot string) (bool, error) {
	var exists bool
	err := p.q.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM class_entries
			WHERE staff_id = $1 AND work_date = $2 AND time_slot = $3
		) OR EXISTS (
			SELECT 1 FROM consumed_evidence
			WHERE subject_id = $1 AND work_date = $2 AND time_slot = $3
		)
	`, staffID, string(date), timeSlot).Scan(&exists)
	return exists, attendance.Storage("check class entry", err)
}

func (p *Postgres) ListClassEntries(ctx context.Context, staffID string, date attendance.Date) ([]attendance.ClassEntry, error) {
	rows, err := p.q.QueryContext(ctx, `
		SELECT id, staff_id, work_date::text, session_id, time_slot, entry_time, expected_start, status, room
		FROM class_entries
		WHERE staff_id = $1 AND work_date = $2
		ORDER BY entry_time
	`, staffID, string(date))
	if err != nil {
		return nil, attendance.Storage("list class entries", err)
	}
	defer rows.Close()
	var out []attendance.ClassEntry
	for rows.Next() {
		var e attendance.ClassEntry
		var day, status string
		var session sql.NullString
		var expected sql.NullTime
		if err := rows.Scan(&e.ID, &e.StaffID, &day, &session, &e.TimeSlot, &e.EntryTime, &expected, &status, &e.Room); err != nil {
			return nil, attendance.Storage("scan class entry", err)
		}
		e.Date = attendance.Date(day)
		e.SessionID = nullString(session)
		e.ExpectedStart = nullTime(expected)
		e.Status = attendance.MarkStatus(status)
		out = append(out, e)
	}
	return out, attendance.Storage("list class entries", rows.Err())
}

func (p *Postgres) ConsumeClassEntries(ctx context.Context, staffID string, date attendance.Date, entries []attendance.ClassEntry) error {
	for _, e := range entries {
		if err := p.consume(ctx, staffID, date, e.TimeSlot, nil); err != nil {
			return err
		}
		if _, err := p.q.ExecContext(ctx, `DELETE FROM class_entries WHERE id = $1`, e.ID); err != nil {
			return attendance.Storage("delete class entry", err)
		}
	}
	return nil
}

func (p *Postgres) SubjectsPendingReconciliation(ctx context.Context, date attendance.Date) ([]string, error) {
	rows, err := p.q.QueryContext(ctx, `
		SELECT subject_id FROM period_entries WHERE work_date = $1
		UNION
		SELECT staff_id FROM class_entries WHERE work_date = $1
		UNION
		SELECT m.subject_id FROM morning_marks m
		WHERE m.work_date = $1 AND NOT EXISTS (
			SELECT 1 FROM daily_verdicts v
			WHERE v.subject_id = m.subject_id AND v.work_date = m.work_date
		)
		ORDER BY 1
	`, string(date))
	if err != nil {
		return nil, attendance.Storage("list pending subjects", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, attendance.Storage("scan pending subject", err)
		}
		out = append(out, id)
	}
	return out, attendance.Storage("list pending subjects", rows.Err())
}

// ---------- Verification codes ----------

const codeColumns = `id, code, staff_id, section_id, session_id, time_slot, generated_at, valid_until, used_count`

func scanCode(row rowScanner) (*attendance.VerificationCode, error) {
	var c attendance.VerificationCode
	err := row.Scan(&c.ID, &c.Code, &c.StaffID, &c.SectionID, &c.SessionID, &c.TimeSlot, &c.GeneratedAt, &c.ValidUntil, &c.UsedCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, attendance.Storage("scan code", err)
	}
	return &c, nil
}

func (p *Postgres) ActiveCodeFor(ctx context.Context, staffID, sectionID string, now time.Time) (*attendance.VerificationCode, error) {
	return scanCode(p.q.QueryRowContext(ctx, `
		SELECT `+codeColumns+`
		FROM verification_codes
		WHERE staff_id = $1 AND section_id = $2 AND valid_until > $3
		ORDER BY generated_at DESC
		LIMIT 1
	`, staffID, sectionID, now))
}

func (p *Postgres) ActiveCodeForSection(ctx context.Context, sectionID string, now time.Time) (*attendance.VerificationCode, error) {
	return scanCode(p.q.QueryRowContext(ctx, `
		SELECT `+codeColumns+`
		FROM verification_codes
		WHERE section_id = $1 AND valid_until > $2
		ORDER BY generated_at DESC
		LIMIT 1
	`, sectionID, now))
}

func (p *Postgres) InsertCode(ctx context.Context, c attendance.VerificationCode) (bool, error) {
	ok, err := inserted(p.q.ExecContext(ctx, `
		INSERT INTO verification_codes (id, code, staff_id, section_id, session_id, time_slot, generated_at, valid_until, used_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (code) DO NOTHING
	`, c.ID, c.Code, c.StaffID, c.SectionID, c.SessionID, c.TimeSlot, c.GeneratedAt, c.ValidUntil, c.UsedCount))
	return ok, attendance.Storage("insert code", err)
}

func (p *Postgres) GetCode(ctx context.Context, code string) (*attendance.VerificationCode, error) {
	return scanCode(p.q.QueryRowContext(ctx, `SELECT `+codeColumns+` FROM verification_codes WHERE code = $1`, code))
}

func (p *Postgres) IncrementCodeUse(ctx context.Context, code string) error {
	res, err := p.q.ExecContext(ctx, `
		UPDATE verification_codes SET used_count = used_count + 1 WHERE code = $1
	`, code)
	n, err := affected("increment code use", res, err)
	if err != nil {
		return err
	}
	if n == 0 {
		return attendance.Errorf(attendance.CodeCodeNotFound, "code not found")
	}
	return nil
}

// ---------- Verdicts ----------

const verdictColumns = `id, subject_id, role, work_date::text, status, computed_at, basis_notes, evidence_count,
	overridden_by, override_reason, original_status, overridden_at`

func scanVerdict(row rowScanner) (*attendance.DailyVerdict, error) {
	var v attendance.DailyVerdict
	var role, day, status string
	var by, reason, original sql.NullString
	var at sql.NullTime
	err := row.Scan(&v.ID, &v.SubjectID, &role, &day, &status, &v.ComputedAt, &v.BasisNotes, &v.EvidenceCount,
		&by, &reason, &original, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, attendance.Storage("scan verdict", err)
	}
	v.Role = attendance.Role(role)
	v.Date = attendance.Date(day)
	v.Status = attendance.VerdictStatus(status)
	v.OverriddenBy = nullString(by)
	v.OverrideReason = nullString(reason)
	if original.Valid {
		s := attendance.VerdictStatus(original.String)
		v.OriginalStatus = &s
	}
	v.OverriddenAt = nullTime(at)
	return &v, nil
}

func (p *Postgres) GetVerdict(ctx context.Context, subjectID string, date attendance.Date) (*attendance.DailyVerdict, error) {
	return scanVerdict(p.q.QueryRowContext(ctx, `
		SELECT `+verdictColumns+` FROM daily_verdicts WHERE subject_id = $1 AND work_date = $2
	`, subjectID, string(date)))
}

func (p *Postgres) GetVerdictByID(ctx context.Context, id string) (*attendance.DailyVerdict, error) {
	return scanVerdict(p.q.QueryRowContext(ctx, `SELECT `+verdictColumns+` FROM daily_verdicts WHERE id = $1`, id))
}

func (p *Postgres) UpsertVerdict(ctx context.Context, v attendance.DailyVerdict) (attendance.DailyVerdict, error) {
	out, err := scanVerdict(p.q.QueryRowContext(ctx, `
		INSERT INTO daily_verdicts (id, subject_id, role, work_date, status, computed_at, basis_notes, evidence_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (subject_id, work_date) DO UPDATE SET
			status = EXCLUDED.status,
			computed_at = EXCLUDED.computed_at,
			basis_notes = EXCLUDED.basis_notes,
			evidence_count = EXCLUDED.evidence_count
		RETURNING `+verdictColumns,
		v.ID, v.SubjectID, string(v.Role), string(v.Date), string(v.Status), v.ComputedAt, v.BasisNotes, v.EvidenceCount))
	if err != nil {
		return attendance.DailyVerdict{}, err
	}
	if out == nil {
		return attendance.DailyVerdict{}, attendance.Errorf(attendance.CodeStorageFailure, "upsert returned no row")
	}
	return *out, nil
}

func (p *Postgres) OverrideVerdict(ctx context.Context, id string, o attendance.Override) (attendance.DailyVerdict, error) {
	out, err := scanVerdict(p.q.QueryRowContext(ctx, `
		UPDATE daily_verdicts SET
			original_status = COALESCE(original_status, status),
			status = $2,
			overridden_by = $3,
			override_reason = $4,
			overridden_at = $5
		WHERE id = $1
		RETURNING `+verdictColumns,
		id, string(o.NewStatus), o.Actor, o.Reason, o.At))
	if err != nil {
		return attendance.DailyVerdict{}, err
	}
	if out == nil {
		return attendance.DailyVerdict{}, attendance.Errorf(attendance.CodeVerdictNotFound, "verdict %s not found", id)
	}
	return *out, nil
}

// ---------- Late alerts ----------

const alertColumns = `id, staff_id, session_id, work_date::text, time_slot, scheduled_time, actual_entry_time,
	minutes_late, reason, acknowledged, acknowledged_by, created_at`

func scanAlert(row rowScanner) (attendance.LateAlert, error) {
	var a attendance.LateAlert
	var day string
	var actual sql.NullTime
	var by sql.NullString
	if err := row.Scan(&a.ID, &a.StaffID, &a.SessionID, &day, &a.TimeSlot, &a.ScheduledTime, &actual,
		&a.MinutesLate, &a.Reason, &a.Acknowledged, &by, &a.CreatedAt); err != nil {
		return attendance.LateAlert{}, err
	}
	a.Date = attendance.Date(day)
	a.ActualEntryTime = nullTime(actual)
	a.AcknowledgedBy = nullString(by)
	return a, nil
}

func (p *Postgres) InsertLateAlert(ctx context.Context, a attendance.LateAlert) (bool, error) {
	ok, err := inserted(p.q.ExecContext(ctx, `
		INSERT INTO late_alerts (id, staff_id, session_id, work_date, time_slot, scheduled_time, actual_entry_time,
			minutes_late, reason, acknowledged, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, FALSE, $10)
		ON CONFLICT (staff_id, work_date, time_slot) DO NOTHING
	`, a.ID, a.StaffID, a.SessionID, string(a.Date), a.TimeSlot, a.ScheduledTime, a.ActualEntryTime,
		a.MinutesLate, a.Reason, a.CreatedAt))
	return ok, attendance.Storage("insert late alert", err)
}

func (p *Postgres) ListLateAlerts(ctx context.Context, date attendance.Date) ([]attendance.LateAlert, error) {
	rows, err := p.q.QueryContext(ctx, `
		SELECT `+alertColumns+` FROM late_alerts WHERE work_date = $1 ORDER BY created_at, id
	`, string(date))
	if err != nil {
		return nil, attendance.Storage("list late alerts", err)
	}
	defer rows.Close()
	var out []attendance.LateAlert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, attendance.Storage("scan late alert", err)
		}
		out = append(out, a)
	}
	return out, attendance.Storage("list late alerts", rows.Err())
}

func (p *Postgres) AcknowledgeLateAlert(ctx context.Context, id, actor string) (attendance.LateAlert, error) {
	a, err := scanAlert(p.q.QueryRowContext(ctx, `
		UPDATE late_alerts SET acknowledged = TRUE, acknowledged_by = $2
		WHERE id = $1
		RETURNING `+alertColumns, id, actor))
	if errors.Is(err, sql.ErrNoRows) {
		return attendance.LateAlert{}, attendance.Errorf(attendance.CodeAlertNotFound, "alert %s not found", id)
	}
	if err != nil {
		return attendance.LateAlert{}, attendance.Storage("acknowledge late alert", err)
	}
	return a, nil
}

// ---------- Devices ----------

// UpsertDevice ensures a device record exists.
func (p *Postgres) UpsertDevice(ctx context.Context, deviceID string) error {
	if deviceID == "" {
		return attendance.Errorf(attendance.CodeInvalidArgument, "device id required")
	}
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO devices (device_id)
		VALUES ($1)
		ON CONFLICT (device_id) DO NOTHING
	`, deviceID)
	return attendance.Storage("upsert device", err)
}

// SaveRefreshToken stores a refresh token for rotation checks.
func (p *Postgres) SaveRefreshToken(ctx context.Context, deviceID, token string, expiresAt time.Time) error {
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO refresh_tokens (device_id, token, expires_at)
		VALUES ($1, $2, $3)
	`, deviceID, token, expiresAt)
	return attendance.Storage("save refresh token", err)
}
