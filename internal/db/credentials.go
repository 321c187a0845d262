package db

import (
	"context"
	"time"

	"github.com/google/uuid"

	"ritta/withdrawals/internal/model"
)

const qrColumns = `id, code, student_id, issued_by_user_id, reason_id, custom_reason, expires_at, consumed, assigned_delegate_id, created_at, updated_at`

func scanQr(row interface{ Scan(dest ...any) error }) (model.QrAuthorization, error) {
	var qr model.QrAuthorization
	err := row.Scan(&qr.ID, &qr.Code, &qr.StudentID, &qr.IssuedByUserID, &qr.ReasonID, &qr.CustomReason,
		&qr.ExpiresAt, &qr.Consumed, &qr.AssignedDelegateID, &qr.CreatedAt, &qr.UpdatedAt)
	return qr, err
}

func (q *Queries) CreateQrAuthorization(ctx context.Context, qr model.QrAuthorization) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO qr_authorizations (`+qrColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, qr.ID, qr.Code, qr.StudentID, qr.IssuedByUserID, qr.ReasonID, qr.CustomReason,
		qr.ExpiresAt, qr.Consumed, qr.AssignedDelegateID, qr.CreatedAt, qr.UpdatedAt)
	return err
}

func (q *Queries) GetActiveQrByStudent(ctx context.Context, studentID uuid.UUID, now time.Time) (model.QrAuthorization, error) {
	row := q.db.QueryRow(ctx, `
		SELECT `+qrColumns+`
		FROM qr_authorizations
		WHERE student_id = $1 AND NOT consumed AND expires_at > $2
	`, studentID, now)
	return scanQr(row)
}

func (q *Queries) GetUnconsumedQrByCode(ctx context.Context, code string) (model.QrAuthorization, error) {
	row := q.db.QueryRow(ctx, `
		SELECT `+qrColumns+`
		FROM qr_authorizations
		WHERE code = $1 AND NOT consumed
	`, code)
	return scanQr(row)
}

// ConsumeQr flips the credential to consumed exactly once; the returned
// count is zero when another caller got there first.
func (q *Queries) ConsumeQr(ctx context.Context, qrID uuid.UUID, assignedDelegateID *uuid.UUID, now time.Time) (int64, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE qr_authorizations
		SET consumed = TRUE,
		    assigned_delegate_id = COALESCE($2, assigned_delegate_id),
		    updated_at = $3
		WHERE id = $1 AND NOT consumed
	`, qrID, assignedDelegateID, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// DeleteExpiredUnconsumed removes lapsed credentials. Consumed rows are
// audit history and never touched.
func (q *Queries) DeleteExpiredUnconsumed(ctx context.Context, now time.Time) (int64, error) {
	tag, err := q.db.Exec(ctx, `
		DELETE FROM qr_authorizations
		WHERE NOT consumed AND expires_at <= $1
	`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// DeleteExpiredUnconsumedByStudent clears a student's lapsed credential.
// The active-student index covers every unconsumed row regardless of
// expiry, so issuance must purge the dead row itself rather than wait for
// the sweep.
func (q *Queries) DeleteExpiredUnconsumedByStudent(ctx context.Context, studentID uuid.UUID, now time.Time) (int64, error) {
	tag, err := q.db.Exec(ctx, `
		DELETE FROM qr_authorizations
		WHERE student_id = $1 AND NOT consumed AND expires_at <= $2
	`, studentID, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// DeleteActiveQrByGuardian cancels a guardian's own unconsumed credential.
func (q *Queries) DeleteActiveQrByGuardian(ctx context.Context, code string, guardianUserID uuid.UUID) (int64, error) {
	tag, err := q.db.Exec(ctx, `
		DELETE FROM qr_authorizations
		WHERE code = $1 AND issued_by_user_id = $2 AND NOT consumed
	`, code, guardianUserID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// QrInfoRow carries the credential with the linked student, guardian and
// reason context an inspector sees before deciding.
type QrInfoRow struct {
	Qr              model.QrAuthorization
	Student         model.Student
	Guardian        model.User
	ReasonName      string
	AssignedByName  string
	AssignedByPhone string
}

func (q *Queries) GetQrInfoByCode(ctx context.Context, code string) (QrInfoRow, error) {
	var info QrInfoRow
	row := q.db.QueryRow(ctx, `
		SELECT q.id, q.code, q.student_id, q.issued_by_user_id, q.reason_id, q.custom_reason,
		       q.expires_at, q.consumed, q.assigned_delegate_id, q.created_at, q.updated_at,
		       s.id, s.rut, s.first_name, s.last_name, s.course_name, s.guardian_user_id,
		       u.id, u.rut, u.first_name, u.last_name, u.phone, u.user_type,
		       r.name
		FROM qr_authorizations q
		JOIN students s ON s.id = q.student_id
		JOIN users u ON u.id = q.issued_by_user_id
		JOIN withdrawal_reasons r ON r.id = q.reason_id
		WHERE q.code = $1 AND NOT q.consumed
	`, code)
	err := row.Scan(
		&info.Qr.ID, &info.Qr.Code, &info.Qr.StudentID, &info.Qr.IssuedByUserID, &info.Qr.ReasonID, &info.Qr.CustomReason,
		&info.Qr.ExpiresAt, &info.Qr.Consumed, &info.Qr.AssignedDelegateID, &info.Qr.CreatedAt, &info.Qr.UpdatedAt,
		&info.Student.ID, &info.Student.Rut, &info.Student.FirstName, &info.Student.LastName, &info.Student.CourseName, &info.Student.GuardianUserID,
		&info.Guardian.ID, &info.Guardian.Rut, &info.Guardian.FirstName, &info.Guardian.LastName, &info.Guardian.Phone, &info.Guardian.UserType,
		&info.ReasonName,
	)
	return info, err
}

// ActiveQrRow is one of a guardian's live credentials for display.
type ActiveQrRow struct {
	Qr               model.QrAuthorization
	StudentFirstName string
	StudentLastName  string
	ReasonName       string
}

func (q *Queries) ListActiveQrsByGuardian(ctx context.Context, guardianUserID uuid.UUID, now time.Time) ([]ActiveQrRow, error) {
	rows, err := q.db.Query(ctx, `
		SELECT q.id, q.code, q.student_id, q.issued_by_user_id, q.reason_id, q.custom_reason,
		       q.expires_at, q.consumed, q.assigned_delegate_id, q.created_at, q.updated_at,
		       s.first_name, s.last_name, r.name
		FROM qr_authorizations q
		JOIN students s ON s.id = q.student_id
		JOIN withdrawal_reasons r ON r.id = q.reason_id
		WHERE q.issued_by_user_id = $1 AND NOT q.consumed AND q.expires_at > $2
		ORDER BY q.expires_at
	`, guardianUserID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []ActiveQrRow
	for rows.Next() {
		var r ActiveQrRow
		if err := rows.Scan(
			&r.Qr.ID, &r.Qr.Code, &r.Qr.StudentID, &r.Qr.IssuedByUserID, &r.Qr.ReasonID, &r.Qr.CustomReason,
			&r.Qr.ExpiresAt, &r.Qr.Consumed, &r.Qr.AssignedDelegateID, &r.Qr.CreatedAt, &r.Qr.UpdatedAt,
			&r.StudentFirstName, &r.StudentLastName, &r.ReasonName,
		); err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// QrHistoryRow backs the guardian-facing credential history projection.
type QrHistoryRow struct {
	Qr               model.QrAuthorization
	StudentFirstName string
	StudentLastName  string
	CourseName       string
	ReasonName       string
}

func (q *Queries) ListQrHistoryByGuardian(ctx context.Context, guardianUserID uuid.UUID, studentID *uuid.UUID, limit, offset int32) ([]QrHistoryRow, error) {
	rows, err := q.db.Query(ctx, `
		SELECT q.id, q.code, q.student_id, q.issued_by_user_id, q.reason_id, q.custom_reason,
		       q.expires_at, q.consumed, q.assigned_delegate_id, q.created_at, q.updated_at,
		       s.first_name, s.last_name, s.course_name, r.name
		FROM qr_authorizations q
		JOIN students s ON s.id = q.student_id
		JOIN withdrawal_reasons r ON r.id = q.reason_id
		WHERE q.issued_by_user_id = $1 AND ($2::uuid IS NULL OR q.student_id = $2)
		ORDER BY q.created_at DESC
		LIMIT $3 OFFSET $4
	`, guardianUserID, studentID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []QrHistoryRow
	for rows.Next() {
		var r QrHistoryRow
		if err := rows.Scan(
			&r.Qr.ID, &r.Qr.Code, &r.Qr.StudentID, &r.Qr.IssuedByUserID, &r.Qr.ReasonID, &r.Qr.CustomReason,
			&r.Qr.ExpiresAt, &r.Qr.Consumed, &r.Qr.AssignedDelegateID, &r.Qr.CreatedAt, &r.Qr.UpdatedAt,
			&r.StudentFirstName, &r.StudentLastName, &r.CourseName, &r.ReasonName,
		); err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (q *Queries) CountQrHistoryByGuardian(ctx context.Context, guardianUserID uuid.UUID, studentID *uuid.UUID) (int64, error) {
	var count int64
	row := q.db.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM qr_authorizations
		WHERE issued_by_user_id = $1 AND ($2::uuid IS NULL OR student_id = $2)
	`, guardianUserID, studentID)
	err := row.Scan(&count)
	return count, err
}

// GuardianQrStats aggregates a guardian's credential usage.
type GuardianQrStats struct {
	MonthGenerated   int64
	MonthCompleted   int64
	MonthExpired     int64
	AllTimeGenerated int64
	AllTimeCompleted int64
}

func (q *Queries) GetGuardianQrStats(ctx context.Context, guardianUserID uuid.UUID, monthStart, now time.Time) (GuardianQrStats, error) {
	var stats GuardianQrStats
	row := q.db.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE created_at >= $2),
			COUNT(*) FILTER (WHERE created_at >= $2 AND consumed),
			COUNT(*) FILTER (WHERE created_at >= $2 AND NOT consumed AND expires_at <= $3),
			COUNT(*),
			COUNT(*) FILTER (WHERE consumed)
		FROM qr_authorizations
		WHERE issued_by_user_id = $1
	`, guardianUserID, monthStart, now)
	err := row.Scan(&stats.MonthGenerated, &stats.MonthCompleted, &stats.MonthExpired, &stats.AllTimeGenerated, &stats.AllTimeCompleted)
	return stats, err
}

// StudentQrStatsRow is the per-student slice of a guardian's stats.
type StudentQrStatsRow struct {
	StudentID      uuid.UUID
	StudentName    string
	Total          int64
	LastWithdrawal *time.Time
}

func (q *Queries) ListGuardianStudentQrStats(ctx context.Context, guardianUserID uuid.UUID) ([]StudentQrStatsRow, error) {
	rows, err := q.db.Query(ctx, `
		SELECT s.id, s.first_name || ' ' || s.last_name, COUNT(q.id),
		       MAX(q.updated_at) FILTER (WHERE q.consumed)
		FROM qr_authorizations q
		JOIN students s ON s.id = q.student_id
		WHERE q.issued_by_user_id = $1
		GROUP BY s.id, s.first_name, s.last_name
		ORDER BY COUNT(q.id) DESC
	`, guardianUserID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []StudentQrStatsRow
	for rows.Next() {
		var r StudentQrStatsRow
		if err := rows.Scan(&r.StudentID, &r.StudentName, &r.Total, &r.LastWithdrawal); err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}
