package withdrawal

import (
	"context"
	"time"

	"github.com/google/uuid"

	"ritta/withdrawals/internal/db"
	"ritta/withdrawals/internal/events"
	"ritta/withdrawals/internal/model"
)

// codeAttempts bounds retries when a generated code collides with another
// active credential.
const codeAttempts = 5

type Engine struct {
	store     *db.Store
	clock     Clock
	publisher events.Publisher
	qrTTL     time.Duration
}

func NewEngine(store *db.Store, clock Clock, publisher events.Publisher, qrTTL time.Duration) *Engine {
	if clock == nil {
		clock = SystemClock()
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Engine{store: store, clock: clock, publisher: publisher, qrTTL: qrTTL}
}

// Now exposes the engine clock so the view layer stays on the same
// timeline as expiry decisions.
func (e *Engine) Now() time.Time {
	return e.clock.Now()
}

type IssueResult struct {
	Code      string
	ExpiresAt time.Time
	Qr        model.QrAuthorization
	Student   model.Student
	Reason    model.WithdrawalReason
}

// Issue mints a single-use pickup credential for one of the guardian's
// students. The advisory active-credential check runs in the transaction;
// the partial unique index on (student_id) WHERE NOT consumed is what makes
// the invariant hold under concurrent issuance.
func (e *Engine) Issue(ctx context.Context, guardianUserID, studentID, reasonID uuid.UUID, customReason *string) (IssueResult, error) {
	var result IssueResult
	now := e.clock.Now()

	for attempt := 0; attempt < codeAttempts; attempt++ {
		code, err := GenerateCode()
		if err != nil {
			return IssueResult{}, err
		}

		err = e.store.WithTx(ctx, func(q *db.Queries) error {
			student, err := q.GetStudent(ctx, studentID)
			if db.IsNoRows(err) {
				return errf(KindNotFound, "student not found")
			}
			if err != nil {
				return err
			}
			if student.GuardianUserID != guardianUserID {
				return errf(KindUnauthorized, "student does not belong to this guardian")
			}

			reason, err := q.GetReason(ctx, reasonID)
			if db.IsNoRows(err) {
				return errf(KindNotFound, "withdrawal reason not found")
			}
			if err != nil {
				return err
			}

			// A lapsed unconsumed row no longer authorizes anything but
			// still occupies the active-student index; clear it so the
			// fresh insert cannot trip the constraint.
			if _, err := q.DeleteExpiredUnconsumedByStudent(ctx, studentID, now); err != nil {
				return err
			}

			if _, err := q.GetActiveQrByStudent(ctx, studentID, now); err == nil {
				return errf(KindConflict, "an active credential already exists for this student")
			} else if !db.IsNoRows(err) {
				return err
			}

			qr := model.QrAuthorization{
				ID:             uuid.New(),
				Code:           code,
				StudentID:      studentID,
				IssuedByUserID: guardianUserID,
				ReasonID:       reasonID,
				CustomReason:   customReason,
				ExpiresAt:      now.Add(e.qrTTL),
				Consumed:       false,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			if err := q.CreateQrAuthorization(ctx, qr); err != nil {
				return err
			}

			result = IssueResult{Code: code, ExpiresAt: qr.ExpiresAt, Qr: qr, Student: student, Reason: reason}
			return nil
		})
		if err == nil {
			return result, nil
		}
		switch db.UniqueConstraint(err) {
		case "qr_authorizations_active_code":
			continue
		case "qr_authorizations_active_student":
			return IssueResult{}, errf(KindConflict, "an active credential already exists for this student")
		}
		return IssueResult{}, err
	}
	return IssueResult{}, errf(KindConflict, "could not allocate a unique credential code")
}

// CredentialInfo is what an inspector sees when scanning a code.
type CredentialInfo struct {
	Qr         model.QrAuthorization
	Student    model.Student
	Guardian   model.User
	ReasonName string
	IsExpired  bool
}

// Inspect validates the code format, looks the credential up and computes
// expiry against the clock. Expired credentials are still returned so the
// inspector sees why the pickup is refused.
func (e *Engine) Inspect(ctx context.Context, code string) (CredentialInfo, error) {
	if !ValidCodeFormat(code) {
		return CredentialInfo{}, errf(KindFormatInvalid, "credential code must be exactly 6 digits")
	}
	info, err := e.store.Queries.GetQrInfoByCode(ctx, code)
	if db.IsNoRows(err) {
		return CredentialInfo{}, errf(KindNotFound, "credential not found or already consumed")
	}
	if err != nil {
		return CredentialInfo{}, err
	}
	return CredentialInfo{
		Qr:         info.Qr,
		Student:    info.Student,
		Guardian:   info.Guardian,
		ReasonName: info.ReasonName,
		IsExpired:  !info.Qr.ExpiresAt.After(e.clock.Now()),
	}, nil
}

// Cancel revokes the guardian's own active credential. Consumption is not
// cancellable.
func (e *Engine) Cancel(ctx context.Context, guardianUserID uuid.UUID, code string) error {
	if !ValidCodeFormat(code) {
		return errf(KindFormatInvalid, "credential code must be exactly 6 digits")
	}
	deleted, err := e.store.Queries.DeleteActiveQrByGuardian(ctx, code, guardianUserID)
	if err != nil {
		return err
	}
	if deleted == 0 {
		return errf(KindNotFound, "no active credential with this code for this guardian")
	}
	return nil
}

// ExpireSweep deletes lapsed unconsumed credentials. Idempotent; the
// consume path only ever touches unconsumed-and-unexpired rows, so the two
// cannot interfere.
func (e *Engine) ExpireSweep(ctx context.Context) (int64, error) {
	return e.store.Queries.DeleteExpiredUnconsumed(ctx, e.clock.Now())
}

// ActiveCredential is a guardian-facing view of a live credential.
type ActiveCredential struct {
	Row              db.ActiveQrRow
	MinutesRemaining int64
}

func (e *Engine) ActiveForGuardian(ctx context.Context, guardianUserID uuid.UUID) ([]ActiveCredential, error) {
	now := e.clock.Now()
	rows, err := e.store.Queries.ListActiveQrsByGuardian(ctx, guardianUserID, now)
	if err != nil {
		return nil, err
	}
	result := make([]ActiveCredential, 0, len(rows))
	for _, row := range rows {
		result = append(result, ActiveCredential{
			Row:              row,
			MinutesRemaining: MinutesRemaining(row.Qr.ExpiresAt, now),
		})
	}
	return result, nil
}

// MinutesRemaining floors the distance to expiry, never below zero.
func MinutesRemaining(expiresAt, now time.Time) int64 {
	remaining := expiresAt.Sub(now)
	if remaining <= 0 {
		return 0
	}
	return int64(remaining / time.Minute)
}
