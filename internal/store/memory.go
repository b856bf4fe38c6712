package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"campusattend/internal/attendance"
)

type dayKey struct {
	subject string
	date    attendance.Date
}

type slotKey struct {
	subject string
	date    attendance.Date
	slot    string
}

type credKey struct {
	kind  attendance.CredentialKind
	value string
}

type refreshToken struct {
	deviceID  string
	token     string
	expiresAt time.Time
}

type memData struct {
	subjects    map[string]attendance.Subject
	credentials map[credKey]attendance.Credential
	sessions    map[string]attendance.Session
	marks       map[dayKey]attendance.MorningMark
	periods     map[slotKey]attendance.PeriodEntry
	classes     map[slotKey]attendance.ClassEntry
	codes       map[string]attendance.VerificationCode
	verdicts    map[dayKey]attendance.DailyVerdict
	alerts      map[slotKey]attendance.LateAlert
	devices     map[string]struct{}
	tokens      []refreshToken
	// consumed maps slots folded into a verdict to the code they carried.
	consumed    map[slotKey]string
}

func newMemData() *memData {
	return &memData{
		subjects:    map[string]attendance.Subject{},
		credentials: map[credKey]attendance.Credential{},
		sessions:    map[string]attendance.Session{},
		marks:       map[dayKey]attendance.MorningMark{},
		periods:     map[slotKey]attendance.PeriodEntry{},
		classes:     map[slotKey]attendance.ClassEntry{},
		codes:       map[string]attendance.VerificationCode{},
		verdicts:    map[dayKey]attendance.DailyVerdict{},
		alerts:      map[slotKey]attendance.LateAlert{},
		devices:     map[string]struct{}{},
		consumed:    map[slotKey]string{},
	}
}

func cloneMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// clone is shallow per record; records are replaced, never mutated in place.
func (d *memData) clone() *memData {
	return &memData{
		subjects:    cloneMap(d.subjects),
		credentials: cloneMap(d.credentials),
		sessions:    cloneMap(d.sessions),
		marks:       cloneMap(d.marks),
		periods:     cloneMap(d.periods),
		classes:     cloneMap(d.classes),
		codes:       cloneMap(d.codes),
		verdicts:    cloneMap(d.verdicts),
		alerts:      cloneMap(d.alerts),
		devices:     cloneMap(d.devices),
		tokens:      append([]refreshToken(nil), d.tokens...),
		consumed:    cloneMap(d.consumed),
	}
}

type memState struct {
	txMu sync.Mutex
	mu   sync.Mutex
	d    *memData
}

// Memory is an in-process attendance.Store for dev mode and tests.
// Transactions are fully serialized and roll back by snapshot.
type Memory struct {
	st   *memState
	inTx bool
}

var _ attendance.Store = (*Memory)(nil)

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{st: &memState{d: newMemData()}}
}

func (m *Memory) with(fn func(d *memData) error) error {
	if !m.inTx {
		m.st.txMu.Lock()
		defer m.st.txMu.Unlock()
	}
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	return fn(m.st.d)
}

func (m *Memory) RunInTx(ctx context.Context, fn func(ctx context.Context, tx attendance.Store) error) error {
	if m.inTx {
		return fn(ctx, m)
	}
	m.st.txMu.Lock()
	defer m.st.txMu.Unlock()

	m.st.mu.Lock()
	snapshot := m.st.d.clone()
	m.st.mu.Unlock()

	err := fn(ctx, &Memory{st: m.st, inTx: true})
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		m.st.mu.Lock()
		m.st.d = snapshot
		m.st.mu.Unlock()
		return err
	}
	return nil
}

// Lock is a no-op: transactions are already serialized.
func (m *Memory) Lock(ctx context.Context, key string) error { return nil }

// ---------- Seeding (roster data owned by the CRUD layer) ----------

// AddSubject registers a subject.
func (m *Memory) AddSubject(s attendance.Subject) {
	_ = m.with(func(d *memData) error {
		d.subjects[s.ID] = s
		return nil
	})
}

// AddCredential maps a credential onto a subject.
func (m *Memory) AddCredential(c attendance.Credential) {
	_ = m.with(func(d *memData) error {
		d.credentials[credKey{c.Kind, c.Value}] = c
		return nil
	})
}

// AddSession registers a timetable session.
func (m *Memory) AddSession(s attendance.Session) {
	_ = m.with(func(d *memData) error {
		d.sessions[s.ID] = s
		return nil
	})
}

// ---------- Directory ----------

func (m *Memory) ResolveCredential(ctx context.Context, kind attendance.CredentialKind, value string) (attendance.Subject, error) {
	var out attendance.Subject
	err := m.with(func(d *memData) error {
		c, ok := d.credentials[credKey{kind, value}]
		if !ok || !c.Active {
			return attendance.Errorf(attendance.CodeUnknownCredential, "no active subject for credential")
		}
		s, ok := d.subjects[c.SubjectID]
		if !ok || !s.Active {
			return attendance.Errorf(attendance.CodeUnknownCredential, "no active subject for credential")
		}
		out = s
		return nil
	})
	return out, err
}

func (m *Memory) GetSubject(ctx context.Context, id string) (attendance.Subject, error) {
	var out attendance.Subject
	err := m.with(func(d *memData) error {
		s, ok := d.subjects[id]
		if !ok {
			return attendance.Errorf(attendance.CodeSubjectNotFound, "subject %s not found", id)
		}
		out = s
		return nil
	})
	return out, err
}

// ---------- Timetable ----------

func (m *Memory) SessionsOn(ctx context.Context, weekday time.Weekday) ([]attendance.Session, error) {
	var out []attendance.Session
	err := m.with(func(d *memData) error {
		for _, s := range d.sessions {
			if s.Weekday == weekday {
				out = append(out, s)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if (a.Start == nil) != (b.Start == nil) {
			return b.Start == nil
		}
		if a.Start != nil && *a.Start != *b.Start {
			return *a.Start < *b.Start
		}
		return a.ID < b.ID
	})
	return out, err
}

func (m *Memory) GetSession(ctx context.Context, id string) (attendance.Session, error) {
	var out attendance.Session
	err := m.with(func(d *memData) error {
		s, ok := d.sessions[id]
		if !ok {
			return attendance.Errorf(attendance.CodeNoMatchingSession, "session %s not found", id)
		}
		out = s
		return nil
	})
	return out, err
}

// ---------- Morning marks ----------

func (m *Memory) InsertMorningMark(ctx context.Context, mark attendance.MorningMark) error {
	return m.with(func(d *memData) error {
		k := dayKey{mark.SubjectID, mark.Date}
		if _, ok := d.marks[k]; ok {
			return attendance.Errorf(attendance.CodeDuplicateEvidence, "morning mark already recorded for %s", mark.Date)
		}
		d.marks[k] = mark
		return nil
	})
}

func (m *Memory) GetMorningMark(ctx context.Context, subjectID string, date attendance.Date) (*attendance.MorningMark, error) {
	var out *attendance.MorningMark
	err := m.with(func(d *memData) error {
		if mark, ok := d.marks[dayKey{subjectID, date}]; ok {
			out = &mark
		}
		return nil
	})
	return out, err
}

func (m *Memory) SetLogout(ctx context.Context, subjectID string, date attendance.Date, at time.Time) (bool, error) {
	var ok bool
	err := m.with(func(d *memData) error {
		k := dayKey{subjectID, date}
		mark, found := d.marks[k]
		if !found {
			return nil
		}
		mark.LogoutTime = &at
		d.marks[k] = mark
		ok = true
		return nil
	})
	return ok, err
}

func (m *Memory) PurgeMorningMarks(ctx context.Context, before attendance.Date) (int, error) {
	n := 0
	err := m.with(func(d *memData) error {
		for k := range d.marks {
			if k.date < before {
				delete(d.marks, k)
				n++
			}
		}
		return nil
	})
	return n, err
}

// ---------- Period entries ----------

func (m *Memory) InsertPeriodEntry(ctx context.Context, e attendance.PeriodEntry) error {
	return m.with(func(d *memData) error {
		k := slotKey{e.SubjectID, e.Date, e.TimeSlot}
		_, staged := d.periods[k]
		_, counted := d.consumed[k]
		if staged || counted {
			return attendance.Errorf(attendance.CodeDuplicateEvidence, "already marked for slot %s", e.TimeSlot)
		}
		d.periods[k] = e
		return nil
	})
}

func (m *Memory) ListPeriodEntries(ctx context.Context, subjectID string, date attendance.Date) ([]attendance.PeriodEntry, error) {
	var out []attendance.PeriodEntry
	err := m.with(func(d *memData) error {
		for k, e := range d.periods {
			if k.subject == subjectID && k.date == date {
				out = append(out, e)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ScanTime.Before(out[j].ScanTime) })
	return out, err
}

func (m *Memory) HasPeriodEntryWithCode(ctx context.Context, subjectID string, date attendance.Date, code string) (bool, error) {
	found := false
	err := m.with(func(d *memData) error {
		for k, e := range d.periods {
			if k.subject == subjectID && k.date == date && e.Code != nil && *e.Code == code {
				found = true
				break
			}
		}
		for k, c := range d.consumed {
			if k.subject == subjectID && k.date == date && c != "" && c == code {
				found = true
				break
			}
		}
		return nil
	})
	return found, err
}

func (m *Memory) ConsumePeriodEntries(ctx context.Context, subjectID string, date attendance.Date, entries []attendance.PeriodEntry) error {
	return m.with(func(d *memData) error {
		for _, e := range entries {
			k := slotKey{subjectID, date, e.TimeSlot}
			code := ""
			if e.Code != nil {
				code = *e.Code
			}
			if _, ok := d.consumed[k]; !ok {
				d.consumed[k] = code
			}
			if cur, ok := d.periods[k]; ok && cur.ID == e.ID {
				delete(d.periods, k)
			}
		}
		return nil
	})
}

func (m *Memory) ConsumedSlots(ctx context.Context, subjectID string, date attendance.Date) (int, error) {
	n := 0
	err := m.with(func(d *memData) error {
		for k := range d.consumed {
			if k.subject == subjectID && k.date == date {
				n++
			}
		}
		return nil
	})
	return n, err
}

// ---------- Class entries ----------

func (m *Memory) InsertClassEntry(ctx context.Context, e attendance.ClassEntry) error {
	return m.with(func(d *memData) error {
		k := slotKey{e.StaffID, e.Date, e.TimeSlot}
		_, staged := d.classes[k]
		_, counted := d.consumed[k]
		if staged || counted {
			return attendance.Errorf(attendance.CodeDuplicateEvidence, "class entry already recorded for slot %s", e.TimeSlot)
		}
		d.classes[k] = e
		return nil
	})
}

func (m *Memory) HasClassEntry(ctx context.Context, staffID string, date attendance.Date, timeSlot string) (bool, error) {
	var ok bool
	err := m.with(func(d *memData) error {
		k := slotKey{staffID, date, timeSlot}
		_, staged := d.classes[k]
		_, counted := d.consumed[k]
		ok = staged || counted
		return nil
	})
	return ok, err
}

func (m *Memory) ListClassEntries(ctx context.Context, staffID string, date attendance.Date) ([]attendance.ClassEntry, error) {
	var out []attendance.ClassEntry
	err := m.with(func(d *memData) error {
		for k, e := range d.classes {
			if k.subject == staffID && k.date == date {
				out = append(out, e)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].EntryTime.Before(out[j].EntryTime) })
	return out, err
}

func (m *Memory) ConsumeClassEntries(ctx context.Context, staffID string, date attendance.Date, entries []attendance.ClassEntry) error {
	return m.with(func(d *memData) error {
		for _, e := range entries {
			k := slotKey{staffID, date, e.TimeSlot}
			if _, ok := d.consumed[k]; !ok {
				d.consumed[k] = ""
			}
			if cur, ok := d.classes[k]; ok && cur.ID == e.ID {
				delete(d.classes, k)
			}
		}
		return nil
	})
}

func (m *Memory) SubjectsPendingReconciliation(ctx context.Context, date attendance.Date) ([]string, error) {
	set := map[string]struct{}{}
	err := m.with(func(d *memData) error {
		for k := range d.periods {
			if k.date == date {
				set[k.subject] = struct{}{}
			}
		}
		for k := range d.classes {
			if k.date == date {
				set[k.subject] = struct{}{}
			}
		}
		for k := range d.marks {
			if k.date != date {
				continue
			}
			if _, ok := d.verdicts[k]; !ok {
				set[k.subject] = struct{}{}
			}
		}
		return nil
	})
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, err
}

// ---------- Verification codes ----------

func latestCode(d *memData, now time.Time, match func(attendance.VerificationCode) bool) *attendance.VerificationCode {
	var best *attendance.VerificationCode
	for _, c := range d.codes {
		if !match(c) || !c.ValidAt(now) {
			continue
		}
		if best == nil || c.GeneratedAt.After(best.GeneratedAt) {
			c := c
			best = &c
		}
	}
	return best
}

func (m *Memory) ActiveCodeFor(ctx context.Context, staffID, sectionID string, now time.Time) (*attendance.VerificationCode, error) {
	var out *attendance.VerificationCode
	err := m.with(func(d *memData) error {
		out = latestCode(d, now, func(c attendance.VerificationCode) bool {
			return c.StaffID == staffID && c.SectionID == sectionID
		})
		return nil
	})
	return out, err
}

func (m *Memory) ActiveCodeForSection(ctx context.Context, sectionID string, now time.Time) (*attendance.VerificationCode, error) {
	var out *attendance.VerificationCode
	err := m.with(func(d *memData) error {
		out = latestCode(d, now, func(c attendance.VerificationCode) bool { return c.SectionID == sectionID })
		return nil
	})
	return out, err
}

func (m *Memory) InsertCode(ctx context.Context, c attendance.VerificationCode) (bool, error) {
	var ok bool
	err := m.with(func(d *memData) error {
		if _, exists := d.codes[c.Code]; exists {
			return nil
		}
		d.codes[c.Code] = c
		ok = true
		return nil
	})
	return ok, err
}

func (m *Memory) GetCode(ctx context.Context, code string) (*attendance.VerificationCode, error) {
	var out *attendance.VerificationCode
	err := m.with(func(d *memData) error {
		if c, ok := d.codes[code]; ok {
			out = &c
		}
		return nil
	})
	return out, err
}

func (m *Memory) IncrementCodeUse(ctx context.Context, code string) error {
	return m.with(func(d *memData) error {
		c, ok := d.codes[code]
		if !ok {
			return attendance.Errorf(attendance.CodeCodeNotFound, "code not found")
		}
		c.UsedCount++
		d.codes[code] = c
		return nil
	})
}

// ---------- Verdicts ----------

func (m *Memory) GetVerdict(ctx context.Context, subjectID string, date attendance.Date) (*attendance.DailyVerdict, error) {
	var out *attendance.DailyVerdict
	err := m.with(func(d *memData) error {
		if v, ok := d.verdicts[dayKey{subjectID, date}]; ok {
			out = &v
		}
		return nil
	})
	return out, err
}

func (m *Memory) GetVerdictByID(ctx context.Context, id string) (*attendance.DailyVerdict, error) {
	var out *attendance.DailyVerdict
	err := m.with(func(d *memData) error {
		for _, v := range d.verdicts {
			if v.ID == id {
				v := v
				out = &v
				break
			}
		}
		return nil
	})
	return out, err
}

func (m *Memory) UpsertVerdict(ctx context.Context, v attendance.DailyVerdict) (attendance.DailyVerdict, error) {
	var out attendance.DailyVerdict
	err := m.with(func(d *memData) error {
		k := dayKey{v.SubjectID, v.Date}
		if prev, ok := d.verdicts[k]; ok {
			prev.Status = v.Status
			prev.ComputedAt = v.ComputedAt
			prev.BasisNotes = v.BasisNotes
			prev.EvidenceCount = v.EvidenceCount
			v = prev
		}
		d.verdicts[k] = v
		out = v
		return nil
	})
	return out, err
}

func (m *Memory) OverrideVerdict(ctx context.Context, id string, o attendance.Override) (attendance.DailyVerdict, error) {
	var out attendance.DailyVerdict
	err := m.with(func(d *memData) error {
		for k, v := range d.verdicts {
			if v.ID != id {
				continue
			}
			if v.OriginalStatus == nil {
				orig := v.Status
				v.OriginalStatus = &orig
			}
			actor, reason, at := o.Actor, o.Reason, o.At
			v.Status = o.NewStatus
			v.OverriddenBy = &actor
			v.OverrideReason = &reason
			v.OverriddenAt = &at
			d.verdicts[k] = v
			out = v
			return nil
		}
		return attendance.Errorf(attendance.CodeVerdictNotFound, "verdict %s not found", id)
	})
	return out, err
}

// ---------- Late alerts ----------

func (m *Memory) InsertLateAlert(ctx context.Context, a attendance.LateAlert) (bool, error) {
	var ok bool
	err := m.with(func(d *memData) error {
		k := slotKey{a.StaffID, a.Date, a.TimeSlot}
		if _, exists := d.alerts[k]; exists {
			return nil
		}
		d.alerts[k] = a
		ok = true
		return nil
	})
	return ok, err
}

func (m *Memory) ListLateAlerts(ctx context.Context, date attendance.Date) ([]attendance.LateAlert, error) {
	var out []attendance.LateAlert
	err := m.with(func(d *memData) error {
		for k, a := range d.alerts {
			if k.date == date {
				out = append(out, a)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, err
}

func (m *Memory) AcknowledgeLateAlert(ctx context.Context, id, actor string) (attendance.LateAlert, error) {
	var out attendance.LateAlert
	err := m.with(func(d *memData) error {
		for k, a := range d.alerts {
			if a.ID != id {
				continue
			}
			a.Acknowledged = true
			a.AcknowledgedBy = &actor
			d.alerts[k] = a
			out = a
			return nil
		}
		return attendance.Errorf(attendance.CodeAlertNotFound, "alert %s not found", id)
	})
	return out, err
}

// ---------- Devices ----------

func (m *Memory) UpsertDevice(ctx context.Context, deviceID string) error {
	if deviceID == "" {
		return attendance.Errorf(attendance.CodeInvalidArgument, "device id required")
	}
	return m.with(func(d *memData) error {
		d.devices[deviceID] = struct{}{}
		return nil
	})
}

func (m *Memory) SaveRefreshToken(ctx context.Context, deviceID, token string, expiresAt time.Time) error {
	return m.with(func(d *memData) error {
		d.tokens = append(d.tokens, refreshToken{deviceID: deviceID, token: token, expiresAt: expiresAt})
		return nil
	})
}
