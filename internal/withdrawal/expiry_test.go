package withdrawal

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"ritta/withdrawals/internal/db"
	"ritta/withdrawals/internal/model"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type fakeRow struct{ scan func(dest ...any) error }

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

type execCall struct {
	sql  string
	args []any
}

// scriptDB satisfies db.DBTX with scripted rows so the engine's
// transactional paths run against controlled data; the pool-less store
// executes each unit directly.
type scriptDB struct {
	t      *testing.T
	rowFor func(sql string, args []any) func(dest ...any) error
	execs  []execCall
}

func (f *scriptDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, execCall{sql: sql, args: args})
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (f *scriptDB) Query(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
	f.t.Fatalf("unexpected query: %s", sql)
	return nil, nil
}

func (f *scriptDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	scan := f.rowFor(sql, args)
	if scan == nil {
		f.t.Fatalf("unexpected query row: %s", sql)
	}
	return fakeRow{scan: scan}
}

func scriptedEngine(t *testing.T, now time.Time, rowFor func(sql string, args []any) func(dest ...any) error) (*Engine, *scriptDB) {
	fake := &scriptDB{t: t, rowFor: rowFor}
	store := &db.Store{Queries: db.New(fake)}
	return NewEngine(store, fixedClock{now: now}, nil, 15*time.Minute), fake
}

func scanQrRow(qr model.QrAuthorization) func(dest ...any) error {
	return func(dest ...any) error {
		*dest[0].(*uuid.UUID) = qr.ID
		*dest[1].(*string) = qr.Code
		*dest[2].(*uuid.UUID) = qr.StudentID
		*dest[3].(*uuid.UUID) = qr.IssuedByUserID
		*dest[4].(*uuid.UUID) = qr.ReasonID
		*dest[5].(**string) = qr.CustomReason
		*dest[6].(*time.Time) = qr.ExpiresAt
		*dest[7].(*bool) = qr.Consumed
		*dest[8].(**uuid.UUID) = qr.AssignedDelegateID
		*dest[9].(*time.Time) = qr.CreatedAt
		*dest[10].(*time.Time) = qr.UpdatedAt
		return nil
	}
}

func scanQrInfoRow(info db.QrInfoRow) func(dest ...any) error {
	return func(dest ...any) error {
		if err := scanQrRow(info.Qr)(dest[:11]...); err != nil {
			return err
		}
		*dest[11].(*uuid.UUID) = info.Student.ID
		*dest[12].(*string) = info.Student.Rut
		*dest[13].(*string) = info.Student.FirstName
		*dest[14].(*string) = info.Student.LastName
		*dest[15].(*string) = info.Student.CourseName
		*dest[16].(*uuid.UUID) = info.Student.GuardianUserID
		*dest[17].(*uuid.UUID) = info.Guardian.ID
		*dest[18].(*string) = info.Guardian.Rut
		*dest[19].(*string) = info.Guardian.FirstName
		*dest[20].(*string) = info.Guardian.LastName
		*dest[21].(*string) = info.Guardian.Phone
		*dest[22].(*string) = info.Guardian.UserType
		*dest[23].(*string) = info.ReasonName
		return nil
	}
}

func scanStudentRow(student model.Student) func(dest ...any) error {
	return func(dest ...any) error {
		*dest[0].(*uuid.UUID) = student.ID
		*dest[1].(*string) = student.Rut
		*dest[2].(*string) = student.FirstName
		*dest[3].(*string) = student.LastName
		*dest[4].(*string) = student.CourseName
		*dest[5].(*uuid.UUID) = student.GuardianUserID
		return nil
	}
}

func scanReasonRow(reason model.WithdrawalReason) func(dest ...any) error {
	return func(dest ...any) error {
		*dest[0].(*uuid.UUID) = reason.ID
		*dest[1].(*string) = reason.Name
		return nil
	}
}

func noRows(...any) error { return pgx.ErrNoRows }

func TestInspectComputesExpiryAgainstClock(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	info := db.QrInfoRow{
		Qr: model.QrAuthorization{
			ID:             uuid.New(),
			Code:           "482913",
			StudentID:      uuid.New(),
			IssuedByUserID: uuid.New(),
			ReasonID:       uuid.New(),
			ExpiresAt:      now.Add(-time.Minute),
			CreatedAt:      now.Add(-16 * time.Minute),
			UpdatedAt:      now.Add(-16 * time.Minute),
		},
		Student:    model.Student{ID: uuid.New(), FirstName: "Tomás", LastName: "Mena"},
		Guardian:   model.User{ID: uuid.New(), FirstName: "Paula", LastName: "Mena"},
		ReasonName: "Medical appointment",
	}
	engine, _ := scriptedEngine(t, now, func(sql string, _ []any) func(dest ...any) error {
		if strings.Contains(sql, "JOIN withdrawal_reasons") {
			return scanQrInfoRow(info)
		}
		return nil
	})

	got, err := engine.Inspect(context.Background(), "482913")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.IsExpired {
		t.Fatalf("expected IsExpired=true for a lapsed credential")
	}

	// The same credential read a minute before the deadline is live.
	info.Qr.ExpiresAt = now.Add(time.Minute)
	got, err = engine.Inspect(context.Background(), "482913")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.IsExpired {
		t.Fatalf("expected IsExpired=false before the deadline")
	}
}

func TestConsumeCredentialExpired(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	qr := model.QrAuthorization{
		ID:             uuid.New(),
		Code:           "482913",
		StudentID:      uuid.New(),
		IssuedByUserID: uuid.New(),
		ReasonID:       uuid.New(),
		ExpiresAt:      now.Add(-time.Second),
	}
	engine, fake := scriptedEngine(t, now, func(sql string, _ []any) func(dest ...any) error {
		if strings.Contains(sql, "code = $1 AND NOT consumed") {
			return scanQrRow(qr)
		}
		return nil
	})

	_, err := engine.ConsumeCredential(context.Background(), uuid.New(), "482913", model.ApprovalActionApprove, nil)
	if KindOf(err) != KindExpired {
		t.Fatalf("expected expired, got %v", err)
	}
	if len(fake.execs) != 0 {
		t.Fatalf("expired consume must not write, got %d statements", len(fake.execs))
	}

	// Expiry boundary: a credential expiring exactly now is refused too.
	qr.ExpiresAt = now
	_, err = engine.ConsumeCredential(context.Background(), uuid.New(), "482913", model.ApprovalActionApprove, nil)
	if KindOf(err) != KindExpired {
		t.Fatalf("expected expired at boundary, got %v", err)
	}
}

func TestConsumeCredentialApprove(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	issuer := uuid.New()
	qr := model.QrAuthorization{
		ID:             uuid.New(),
		Code:           "482913",
		StudentID:      uuid.New(),
		IssuedByUserID: issuer,
		ReasonID:       uuid.New(),
		ExpiresAt:      now.Add(time.Minute),
	}
	inspectorID := uuid.New()
	engine, fake := scriptedEngine(t, now, func(sql string, _ []any) func(dest ...any) error {
		if strings.Contains(sql, "code = $1 AND NOT consumed") {
			return scanQrRow(qr)
		}
		return nil
	})

	record, err := engine.ConsumeCredential(context.Background(), inspectorID, "482913", model.ApprovalActionApprove, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record.Status != model.WithdrawalStatusApproved || record.Method != model.WithdrawalMethodQR || !record.ContactVerified {
		t.Fatalf("unexpected record: %+v", record)
	}
	if record.QrAuthorizationID == nil || *record.QrAuthorizationID != qr.ID {
		t.Fatalf("record must link the consumed credential")
	}
	if record.RetrieverUserID == nil || *record.RetrieverUserID != issuer {
		t.Fatalf("retriever must be the issuing guardian")
	}
	if len(fake.execs) != 2 ||
		!strings.Contains(fake.execs[0].sql, "UPDATE qr_authorizations") ||
		!strings.Contains(fake.execs[1].sql, "INSERT INTO withdrawals") {
		t.Fatalf("expected consume then insert, got %+v", fake.execs)
	}
}

func TestIssueClearsLapsedCredential(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	guardianID := uuid.New()
	student := model.Student{ID: uuid.New(), FirstName: "Tomás", LastName: "Mena", GuardianUserID: guardianID}
	reason := model.WithdrawalReason{ID: uuid.New(), Name: "Medical appointment"}

	engine, fake := scriptedEngine(t, now, func(sql string, _ []any) func(dest ...any) error {
		switch {
		case strings.Contains(sql, "FROM students"):
			return scanStudentRow(student)
		case strings.Contains(sql, "FROM withdrawal_reasons"):
			return scanReasonRow(reason)
		case strings.Contains(sql, "FROM qr_authorizations"):
			return noRows
		}
		return nil
	})

	result, err := engine.Issue(context.Background(), guardianID, student.ID, reason.ID, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ValidCodeFormat(result.Code) {
		t.Fatalf("expected 6-digit code, got %q", result.Code)
	}
	if !result.ExpiresAt.Equal(now.Add(15 * time.Minute)) {
		t.Fatalf("expected expiry at issuance+TTL, got %s", result.ExpiresAt)
	}

	// The student's lapsed credential is purged inside the transaction,
	// before the insert, so a dead row cannot block reissuance.
	deleteIdx, insertIdx := -1, -1
	for i, call := range fake.execs {
		if strings.Contains(call.sql, "DELETE FROM qr_authorizations") {
			deleteIdx = i
			if call.args[0] != student.ID {
				t.Fatalf("purge must be scoped to the student, got %v", call.args[0])
			}
		}
		if strings.Contains(call.sql, "INSERT INTO qr_authorizations") {
			insertIdx = i
		}
	}
	if deleteIdx == -1 {
		t.Fatalf("issuance must purge the student's expired credentials")
	}
	if insertIdx == -1 || deleteIdx > insertIdx {
		t.Fatalf("purge must precede the insert, got %+v", fake.execs)
	}
}

func TestEngineNow(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	engine, _ := scriptedEngine(t, now, func(string, []any) func(dest ...any) error { return nil })
	if !engine.Now().Equal(now) {
		t.Fatalf("expected the injected clock, got %s", engine.Now())
	}
}
