package db

import (
	"context"
	"time"

	"github.com/google/uuid"

	"ritta/withdrawals/internal/model"
)

const withdrawalColumns = `id, qr_authorization_id, student_id, approver_user_id, reason_id, custom_reason,
	method, status, contact_verified, retriever_kind, retriever_user_id, retriever_delegate_id,
	retriever_contact_id, retriever_name, retriever_rut, retriever_relationship,
	guardian_authorizer_user_id, notes, decided_at, created_at, updated_at`

func scanWithdrawal(row interface{ Scan(dest ...any) error }) (model.Withdrawal, error) {
	var w model.Withdrawal
	err := row.Scan(&w.ID, &w.QrAuthorizationID, &w.StudentID, &w.ApproverUserID, &w.ReasonID, &w.CustomReason,
		&w.Method, &w.Status, &w.ContactVerified, &w.RetrieverKind, &w.RetrieverUserID, &w.RetrieverDelegateID,
		&w.RetrieverContactID, &w.RetrieverName, &w.RetrieverRut, &w.RetrieverRelationship,
		&w.GuardianAuthorizerUserID, &w.Notes, &w.DecidedAt, &w.CreatedAt, &w.UpdatedAt)
	return w, err
}

func (q *Queries) CreateWithdrawal(ctx context.Context, w model.Withdrawal) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO withdrawals (`+withdrawalColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
	`, w.ID, w.QrAuthorizationID, w.StudentID, w.ApproverUserID, w.ReasonID, w.CustomReason,
		w.Method, w.Status, w.ContactVerified, w.RetrieverKind, w.RetrieverUserID, w.RetrieverDelegateID,
		w.RetrieverContactID, w.RetrieverName, w.RetrieverRut, w.RetrieverRelationship,
		w.GuardianAuthorizerUserID, w.Notes, w.DecidedAt, w.CreatedAt, w.UpdatedAt)
	return err
}

// GetWithdrawalForUpdate locks the row so guardian resolution and inspector
// finalization on the same record cannot race.
func (q *Queries) GetWithdrawalForUpdate(ctx context.Context, withdrawalID uuid.UUID) (model.Withdrawal, error) {
	row := q.db.QueryRow(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = $1 FOR UPDATE`, withdrawalID)
	return scanWithdrawal(row)
}

type UpdateWithdrawalDecisionParams struct {
	ID                       uuid.UUID
	Status                   model.WithdrawalStatus
	ContactVerified          bool
	RetrieverContactID       *uuid.UUID
	GuardianAuthorizerUserID *uuid.UUID
	Notes                    *string
	DecidedAt                time.Time
	UpdatedAt                time.Time
}

func (q *Queries) UpdateWithdrawalDecision(ctx context.Context, params UpdateWithdrawalDecisionParams) error {
	_, err := q.db.Exec(ctx, `
		UPDATE withdrawals
		SET status = $2,
		    contact_verified = $3,
		    retriever_contact_id = $4,
		    guardian_authorizer_user_id = COALESCE($5, guardian_authorizer_user_id),
		    notes = $6,
		    decided_at = $7,
		    updated_at = $8
		WHERE id = $1
	`, params.ID, params.Status, params.ContactVerified, params.RetrieverContactID,
		params.GuardianAuthorizerUserID, params.Notes, params.DecidedAt, params.UpdatedAt)
	return err
}

// PendingApprovalRow is a manual withdrawal awaiting a decision, joined with
// the display context both parties see.
type PendingApprovalRow struct {
	Withdrawal       model.Withdrawal
	StudentFirstName string
	StudentLastName  string
	StudentRut       string
	CourseName       string
	ReasonName       string
	ContactName      *string
	ContactPhone     *string
	ContactRelation  *string
	InspectorName    string
	GuardianName     *string
}

const pendingApprovalSelect = `
	SELECT w.id, w.qr_authorization_id, w.student_id, w.approver_user_id, w.reason_id, w.custom_reason,
	       w.method, w.status, w.contact_verified, w.retriever_kind, w.retriever_user_id, w.retriever_delegate_id,
	       w.retriever_contact_id, w.retriever_name, w.retriever_rut, w.retriever_relationship,
	       w.guardian_authorizer_user_id, w.notes, w.decided_at, w.created_at, w.updated_at,
	       s.first_name, s.last_name, s.rut, s.course_name,
	       r.name,
	       c.name, c.phone, c.relationship,
	       i.first_name || ' ' || i.last_name,
	       g.first_name || ' ' || g.last_name
	FROM withdrawals w
	JOIN students s ON s.id = w.student_id
	JOIN withdrawal_reasons r ON r.id = w.reason_id
	JOIN users i ON i.id = w.approver_user_id
	LEFT JOIN emergency_contacts c ON c.id = w.retriever_contact_id
	LEFT JOIN users g ON g.id = w.guardian_authorizer_user_id`

func scanPendingApproval(rows interface{ Scan(dest ...any) error }) (PendingApprovalRow, error) {
	var r PendingApprovalRow
	err := rows.Scan(
		&r.Withdrawal.ID, &r.Withdrawal.QrAuthorizationID, &r.Withdrawal.StudentID, &r.Withdrawal.ApproverUserID,
		&r.Withdrawal.ReasonID, &r.Withdrawal.CustomReason, &r.Withdrawal.Method, &r.Withdrawal.Status,
		&r.Withdrawal.ContactVerified, &r.Withdrawal.RetrieverKind, &r.Withdrawal.RetrieverUserID,
		&r.Withdrawal.RetrieverDelegateID, &r.Withdrawal.RetrieverContactID, &r.Withdrawal.RetrieverName,
		&r.Withdrawal.RetrieverRut, &r.Withdrawal.RetrieverRelationship, &r.Withdrawal.GuardianAuthorizerUserID,
		&r.Withdrawal.Notes, &r.Withdrawal.DecidedAt, &r.Withdrawal.CreatedAt, &r.Withdrawal.UpdatedAt,
		&r.StudentFirstName, &r.StudentLastName, &r.StudentRut, &r.CourseName,
		&r.ReasonName,
		&r.ContactName, &r.ContactPhone, &r.ContactRelation,
		&r.InspectorName,
		&r.GuardianName,
	)
	return r, err
}

// ListPendingGuardianApprovals finds manual ad-hoc withdrawals still waiting
// on the guardian of the student.
func (q *Queries) ListPendingGuardianApprovals(ctx context.Context, guardianUserID uuid.UUID) ([]PendingApprovalRow, error) {
	rows, err := q.db.Query(ctx, pendingApprovalSelect+`
		WHERE w.method = 'MANUAL'
		  AND w.status = 'PENDING'
		  AND NOT w.contact_verified
		  AND w.retriever_kind = 'ADHOC_DELEGATE'
		  AND s.guardian_user_id = $1
		ORDER BY w.created_at DESC
	`, guardianUserID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPendingApprovals(rows)
}

// ListPendingInspectorConfirmations finds guardian-confirmed ad-hoc
// withdrawals awaiting the originating inspector's final decision.
func (q *Queries) ListPendingInspectorConfirmations(ctx context.Context, inspectorUserID uuid.UUID) ([]PendingApprovalRow, error) {
	rows, err := q.db.Query(ctx, pendingApprovalSelect+`
		WHERE w.method = 'MANUAL'
		  AND w.status = 'PENDING'
		  AND w.contact_verified
		  AND w.retriever_kind = 'ADHOC_DELEGATE'
		  AND w.approver_user_id = $1
		ORDER BY w.updated_at DESC
	`, inspectorUserID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPendingApprovals(rows)
}

func collectPendingApprovals(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}) ([]PendingApprovalRow, error) {
	var result []PendingApprovalRow
	for rows.Next() {
		r, err := scanPendingApproval(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// HistoryFilter narrows withdrawal history projections.
type HistoryFilter struct {
	GuardianUserID *uuid.UUID
	StudentID      *uuid.UUID
	ApproverUserID *uuid.UUID
	Status         *model.WithdrawalStatus
	Method         *model.WithdrawalMethod
	From           *time.Time
	To             *time.Time
	Limit          int32
	Offset         int32
}

// HistoryRow is one committed withdrawal with display context.
type HistoryRow struct {
	Withdrawal       model.Withdrawal
	StudentFirstName string
	StudentLastName  string
	StudentRut       string
	CourseName       string
	ReasonName       string
	ApproverName     string
	RetrieverName    *string
	RetrieverRut     *string
}

func (q *Queries) ListWithdrawalHistory(ctx context.Context, filter HistoryFilter) ([]HistoryRow, error) {
	rows, err := q.db.Query(ctx, `
		SELECT w.id, w.qr_authorization_id, w.student_id, w.approver_user_id, w.reason_id, w.custom_reason,
		       w.method, w.status, w.contact_verified, w.retriever_kind, w.retriever_user_id, w.retriever_delegate_id,
		       w.retriever_contact_id, w.retriever_name, w.retriever_rut, w.retriever_relationship,
		       w.guardian_authorizer_user_id, w.notes, w.decided_at, w.created_at, w.updated_at,
		       s.first_name, s.last_name, s.rut, s.course_name,
		       r.name,
		       a.first_name || ' ' || a.last_name,
		       COALESCE(ru.first_name || ' ' || ru.last_name, d.name, w.retriever_name),
		       COALESCE(ru.rut, d.rut, w.retriever_rut)
		FROM withdrawals w
		JOIN students s ON s.id = w.student_id
		JOIN withdrawal_reasons r ON r.id = w.reason_id
		JOIN users a ON a.id = w.approver_user_id
		LEFT JOIN users ru ON ru.id = w.retriever_user_id
		LEFT JOIN delegates d ON d.id = w.retriever_delegate_id
		WHERE ($1::uuid IS NULL OR s.guardian_user_id = $1)
		  AND ($2::uuid IS NULL OR w.student_id = $2)
		  AND ($3::uuid IS NULL OR w.approver_user_id = $3)
		  AND ($4::text IS NULL OR w.status = $4)
		  AND ($5::text IS NULL OR w.method = $5)
		  AND ($6::timestamptz IS NULL OR w.decided_at >= $6)
		  AND ($7::timestamptz IS NULL OR w.decided_at <= $7)
		ORDER BY w.decided_at DESC
		LIMIT $8 OFFSET $9
	`, filter.GuardianUserID, filter.StudentID, filter.ApproverUserID, filter.Status, filter.Method,
		filter.From, filter.To, filter.Limit, filter.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []HistoryRow
	for rows.Next() {
		var r HistoryRow
		if err := rows.Scan(
			&r.Withdrawal.ID, &r.Withdrawal.QrAuthorizationID, &r.Withdrawal.StudentID, &r.Withdrawal.ApproverUserID,
			&r.Withdrawal.ReasonID, &r.Withdrawal.CustomReason, &r.Withdrawal.Method, &r.Withdrawal.Status,
			&r.Withdrawal.ContactVerified, &r.Withdrawal.RetrieverKind, &r.Withdrawal.RetrieverUserID,
			&r.Withdrawal.RetrieverDelegateID, &r.Withdrawal.RetrieverContactID, &r.Withdrawal.RetrieverName,
			&r.Withdrawal.RetrieverRut, &r.Withdrawal.RetrieverRelationship, &r.Withdrawal.GuardianAuthorizerUserID,
			&r.Withdrawal.Notes, &r.Withdrawal.DecidedAt, &r.Withdrawal.CreatedAt, &r.Withdrawal.UpdatedAt,
			&r.StudentFirstName, &r.StudentLastName, &r.StudentRut, &r.CourseName,
			&r.ReasonName,
			&r.ApproverName,
			&r.RetrieverName,
			&r.RetrieverRut,
		); err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (q *Queries) CountWithdrawalHistory(ctx context.Context, filter HistoryFilter) (int64, error) {
	var count int64
	row := q.db.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM withdrawals w
		JOIN students s ON s.id = w.student_id
		WHERE ($1::uuid IS NULL OR s.guardian_user_id = $1)
		  AND ($2::uuid IS NULL OR w.student_id = $2)
		  AND ($3::uuid IS NULL OR w.approver_user_id = $3)
		  AND ($4::text IS NULL OR w.status = $4)
		  AND ($5::text IS NULL OR w.method = $5)
		  AND ($6::timestamptz IS NULL OR w.decided_at >= $6)
		  AND ($7::timestamptz IS NULL OR w.decided_at <= $7)
	`, filter.GuardianUserID, filter.StudentID, filter.ApproverUserID, filter.Status, filter.Method,
		filter.From, filter.To)
	err := row.Scan(&count)
	return count, err
}
