package db

import (
	"context"
	"time"

	"github.com/google/uuid"

	"ritta/withdrawals/internal/model"
)

func (q *Queries) ListDelegatesByGuardian(ctx context.Context, guardianUserID uuid.UUID) ([]model.Delegate, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, guardian_user_id, name, rut, phone, relationship
		FROM delegates
		WHERE guardian_user_id = $1
		ORDER BY name
	`, guardianUserID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var delegates []model.Delegate
	for rows.Next() {
		var delegate model.Delegate
		if err := rows.Scan(&delegate.ID, &delegate.GuardianUserID, &delegate.Name, &delegate.Rut, &delegate.Phone, &delegate.Relationship); err != nil {
			return nil, err
		}
		delegates = append(delegates, delegate)
	}
	return delegates, rows.Err()
}

func (q *Queries) CreateEmergencyContact(ctx context.Context, contact model.EmergencyContact) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO emergency_contacts (id, guardian_user_id, name, rut, phone, relationship, verified, single_use, consumed_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, contact.ID, contact.GuardianUserID, contact.Name, contact.Rut, contact.Phone, contact.Relationship,
		contact.Verified, contact.SingleUse, contact.ConsumedAt, contact.CreatedAt)
	return err
}

// VerifyEmergencyContact marks the contact as guardian-approved and burns
// its single use.
func (q *Queries) VerifyEmergencyContact(ctx context.Context, contactID uuid.UUID, consumedAt time.Time) error {
	_, err := q.db.Exec(ctx, `
		UPDATE emergency_contacts
		SET verified = TRUE, consumed_at = COALESCE(consumed_at, $2)
		WHERE id = $1
	`, contactID, consumedAt)
	return err
}

func (q *Queries) DeleteEmergencyContact(ctx context.Context, contactID uuid.UUID) error {
	_, err := q.db.Exec(ctx, `DELETE FROM emergency_contacts WHERE id = $1`, contactID)
	return err
}
