package withdrawal

import (
	"context"
	"log"
	"strings"

	"github.com/google/uuid"

	"ritta/withdrawals/internal/db"
	"ritta/withdrawals/internal/events"
	"ritta/withdrawals/internal/model"
)

// ParseApprovalAction normalizes a caller-supplied action string.
func ParseApprovalAction(raw string) (model.ApprovalAction, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case string(model.ApprovalActionApprove):
		return model.ApprovalActionApprove, nil
	case string(model.ApprovalActionDeny):
		return model.ApprovalActionDeny, nil
	default:
		return "", errf(KindPolicyViolation, "action must be APPROVE or DENY")
	}
}

// GuardianDecision maps the guardian's action on an ad-hoc delegate to the
// resulting record state. Approval only verifies the contact; the status
// stays PENDING until the inspector finalizes.
func GuardianDecision(action model.ApprovalAction) (model.WithdrawalStatus, bool) {
	if action == model.ApprovalActionApprove {
		return model.WithdrawalStatusPending, true
	}
	return model.WithdrawalStatusDenied, false
}

// InspectorDecision maps an inspector action to a terminal status. It
// applies both to the QR path and to the final confirmation stage.
func InspectorDecision(action model.ApprovalAction) model.WithdrawalStatus {
	if action == model.ApprovalActionApprove {
		return model.WithdrawalStatusApproved
	}
	return model.WithdrawalStatusDenied
}

// ConsumeCredential processes the QR path: the inspector scans a code,
// decides, and the credential flip plus record creation commit as one unit.
// contactVerified is always true here; the guardian's identity was
// established at issuance.
func (e *Engine) ConsumeCredential(ctx context.Context, inspectorUserID uuid.UUID, code string, action model.ApprovalAction, notes *string) (model.Withdrawal, error) {
	if !ValidCodeFormat(code) {
		return model.Withdrawal{}, errf(KindFormatInvalid, "credential code must be exactly 6 digits")
	}
	now := e.clock.Now()

	var record model.Withdrawal
	err := e.store.WithTx(ctx, func(q *db.Queries) error {
		qr, err := q.GetUnconsumedQrByCode(ctx, code)
		if db.IsNoRows(err) {
			return errf(KindNotFound, "credential not found or already consumed")
		}
		if err != nil {
			return err
		}
		if !qr.ExpiresAt.After(now) {
			return errf(KindExpired, "credential has expired")
		}

		consumed, err := q.ConsumeQr(ctx, qr.ID, nil, now)
		if err != nil {
			return err
		}
		if consumed == 0 {
			return errf(KindStateConflict, "credential was consumed by a concurrent request")
		}

		issuedBy := qr.IssuedByUserID
		record = model.Withdrawal{
			ID:                uuid.New(),
			QrAuthorizationID: &qr.ID,
			StudentID:         qr.StudentID,
			ApproverUserID:    inspectorUserID,
			ReasonID:          qr.ReasonID,
			CustomReason:      qr.CustomReason,
			Method:            model.WithdrawalMethodQR,
			Status:            InspectorDecision(action),
			ContactVerified:   true,
			RetrieverKind:     model.RetrieverKindUser,
			RetrieverUserID:   &issuedBy,
			Notes:             notes,
			DecidedAt:         now,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		return q.CreateWithdrawal(ctx, record)
	})
	if err != nil {
		return model.Withdrawal{}, err
	}
	return record, nil
}

// ManualAuthorization is an inspector's request to authorize a pickup with
// no credential presented.
type ManualAuthorization struct {
	StudentID    uuid.UUID
	ReasonID     uuid.UUID
	CustomReason *string
	Notes        *string
	Resolution   ResolutionRequest
}

// ManualResult either carries a committed record or tells the inspector
// what to do next (pick a delegate, or enter an ad-hoc one).
type ManualResult struct {
	Resolution Resolution
	Withdrawal *model.Withdrawal
}

// AuthorizeManually runs the delegate resolution policy and, when it
// resolves, commits the withdrawal record, the emergency contact for an
// ad-hoc delegate, and the consumption of any still-active credential for
// the student in a single transaction.
func (e *Engine) AuthorizeManually(ctx context.Context, inspectorUserID uuid.UUID, input ManualAuthorization) (ManualResult, error) {
	now := e.clock.Now()

	var result ManualResult
	err := e.store.WithTx(ctx, func(q *db.Queries) error {
		student, err := q.GetStudent(ctx, input.StudentID)
		if db.IsNoRows(err) {
			return errf(KindNotFound, "student not found")
		}
		if err != nil {
			return err
		}
		if _, err := q.GetReason(ctx, input.ReasonID); db.IsNoRows(err) {
			return errf(KindNotFound, "withdrawal reason not found")
		} else if err != nil {
			return err
		}

		delegates, err := q.ListDelegatesByGuardian(ctx, student.GuardianUserID)
		if err != nil {
			return err
		}

		resolution, err := ResolveDelegate(input.Resolution, delegates)
		if err != nil {
			return err
		}
		result.Resolution = resolution
		if resolution.Mode != ResolutionResolved {
			return nil
		}

		record := model.Withdrawal{
			ID:             uuid.New(),
			StudentID:      student.ID,
			ApproverUserID: inspectorUserID,
			ReasonID:       input.ReasonID,
			CustomReason:   input.CustomReason,
			Method:         model.WithdrawalMethodManual,
			DecidedAt:      now,
			CreatedAt:      now,
			UpdatedAt:      now,
		}

		if resolution.Delegate != nil {
			// Guardian pre-registered this person; no secondary approval.
			record.Status = model.WithdrawalStatusApproved
			record.ContactVerified = true
			record.RetrieverKind = model.RetrieverKindRegisteredDelegate
			record.RetrieverDelegateID = &resolution.Delegate.ID
		} else {
			contact := model.EmergencyContact{
				ID:             uuid.New(),
				GuardianUserID: student.GuardianUserID,
				Name:           resolution.AdHoc.Name,
				Rut:            resolution.AdHoc.Rut,
				Phone:          resolution.AdHoc.Phone,
				Relationship:   resolution.AdHoc.Relationship,
				Verified:       false,
				SingleUse:      true,
				CreatedAt:      now,
			}
			if err := q.CreateEmergencyContact(ctx, contact); err != nil {
				return err
			}
			record.Status = model.WithdrawalStatusPending
			record.ContactVerified = false
			record.RetrieverKind = model.RetrieverKindAdHocDelegate
			record.RetrieverContactID = &contact.ID
			record.RetrieverName = &resolution.AdHoc.Name
			record.RetrieverRut = &resolution.AdHoc.Rut
			record.RetrieverRelationship = &resolution.AdHoc.Relationship
		}

		// An active credential for the student is folded into the manual
		// pickup rather than left dangling.
		if qr, err := q.GetActiveQrByStudent(ctx, student.ID, now); err == nil {
			if _, err := q.ConsumeQr(ctx, qr.ID, record.RetrieverDelegateID, now); err != nil {
				return err
			}
			record.QrAuthorizationID = &qr.ID
		} else if !db.IsNoRows(err) {
			return err
		}

		record.Notes = composeManualNotes(input.Notes, input.Resolution, resolution, delegates)

		if err := q.CreateWithdrawal(ctx, record); err != nil {
			return err
		}
		result.Withdrawal = &record
		return nil
	})
	if err != nil {
		return ManualResult{}, err
	}
	return result, nil
}

// composeManualNotes builds the audit trail of a manual authorization.
func composeManualNotes(base *string, req ResolutionRequest, resolution Resolution, registered []model.Delegate) *string {
	var parts []string
	if base != nil && strings.TrimSpace(*base) != "" {
		parts = append(parts, strings.TrimSpace(*base))
	}
	if len(resolution.DiscardedDelegateIDs) > 0 {
		names := make([]string, 0, len(resolution.DiscardedDelegateIDs))
		for _, id := range resolution.DiscardedDelegateIDs {
			if delegate := findDelegate(registered, id); delegate != nil {
				names = append(names, delegate.Name)
			}
		}
		parts = append(parts, "Discarded delegates: "+strings.Join(names, ", "))
	}
	if resolution.AdHoc != nil {
		if reason := strings.TrimSpace(req.UnregisteredReason); reason != "" {
			parts = append(parts, "Unregistered delegate reason: "+reason)
		}
		if req.OverrideRequested {
			parts = append(parts, "Override justification: "+strings.TrimSpace(req.OverrideJustification))
		}
		parts = append(parts, "Extraordinary delegate: "+resolution.AdHoc.Name+" ("+resolution.AdHoc.Relationship+")")
		parts = append(parts, "Delegate phone: "+resolution.AdHoc.Phone)
		parts = append(parts, "Delegate RUT: "+resolution.AdHoc.Rut)
	}
	if len(parts) == 0 {
		return nil
	}
	joined := strings.Join(parts, "\n")
	return &joined
}

func appendNote(existing *string, note string) *string {
	if existing == nil || strings.TrimSpace(*existing) == "" {
		return &note
	}
	joined := *existing + "\n" + note
	return &joined
}

func (e *Engine) PendingGuardianApprovals(ctx context.Context, guardianUserID uuid.UUID) ([]db.PendingApprovalRow, error) {
	return e.store.Queries.ListPendingGuardianApprovals(ctx, guardianUserID)
}

func (e *Engine) PendingInspectorConfirmations(ctx context.Context, inspectorUserID uuid.UUID) ([]db.PendingApprovalRow, error) {
	return e.store.Queries.ListPendingInspectorConfirmations(ctx, inspectorUserID)
}

// ResolveGuardianApproval records the guardian's verdict on the ad-hoc
// delegate. Approval verifies the contact and burns its single use; denial
// terminates the record and discards the contact. The row lock serializes
// this against a concurrent inspector finalization.
func (e *Engine) ResolveGuardianApproval(ctx context.Context, guardianUserID, withdrawalID uuid.UUID, action model.ApprovalAction, comment string) (model.Withdrawal, error) {
	now := e.clock.Now()

	var record model.Withdrawal
	var event events.ManualApprovalResolved
	err := e.store.WithTx(ctx, func(q *db.Queries) error {
		w, err := q.GetWithdrawalForUpdate(ctx, withdrawalID)
		if db.IsNoRows(err) {
			return errf(KindNotFound, "pending request not found")
		}
		if err != nil {
			return err
		}
		if w.Method != model.WithdrawalMethodManual || w.Status != model.WithdrawalStatusPending ||
			w.ContactVerified || w.RetrieverKind != model.RetrieverKindAdHocDelegate {
			return errf(KindStateConflict, "request is not awaiting guardian approval")
		}
		student, err := q.GetStudent(ctx, w.StudentID)
		if err != nil {
			return err
		}
		if student.GuardianUserID != guardianUserID {
			return errf(KindUnauthorized, "request does not belong to this guardian")
		}

		status, verified := GuardianDecision(action)
		contactID := w.RetrieverContactID
		discardedContactID := (*uuid.UUID)(nil)
		if action == model.ApprovalActionApprove {
			w.Notes = appendNote(w.Notes, "Guardian approved the extraordinary delegate.")
			if contactID != nil {
				if err := q.VerifyEmergencyContact(ctx, *contactID, now); err != nil {
					return err
				}
			}
		} else {
			w.Notes = appendNote(w.Notes, "Guardian rejected the extraordinary delegate.")
			discardedContactID = contactID
			contactID = nil
		}
		if comment = strings.TrimSpace(comment); comment != "" {
			w.Notes = appendNote(w.Notes, "Guardian comment: "+comment)
		}

		if err := q.UpdateWithdrawalDecision(ctx, db.UpdateWithdrawalDecisionParams{
			ID:                       w.ID,
			Status:                   status,
			ContactVerified:          verified,
			RetrieverContactID:       contactID,
			GuardianAuthorizerUserID: &guardianUserID,
			Notes:                    w.Notes,
			DecidedAt:                now,
			UpdatedAt:                now,
		}); err != nil {
			return err
		}
		if discardedContactID != nil {
			if err := q.DeleteEmergencyContact(ctx, *discardedContactID); err != nil {
				return err
			}
		}

		w.Status = status
		w.ContactVerified = verified
		w.RetrieverContactID = contactID
		w.GuardianAuthorizerUserID = &guardianUserID
		w.DecidedAt = now
		w.UpdatedAt = now
		record = w

		event = events.ManualApprovalResolved{
			WithdrawalID:    w.ID,
			InspectorUserID: w.ApproverUserID,
			GuardianUserID:  guardianUserID,
			Status:          status,
			Action:          action,
			ContactVerified: verified,
			Comment:         comment,
			ResolvedAt:      now,
		}
		return nil
	})
	if err != nil {
		return model.Withdrawal{}, err
	}
	if err := e.publisher.PublishManualApprovalResolved(ctx, event); err != nil {
		log.Printf("manual approval event publish failed: %v", err)
	}
	return record, nil
}

// FinalizeInspectorConfirmation is the second stage after the guardian
// verified the ad-hoc delegate: the originating inspector finalizes the
// pickup to a terminal status.
func (e *Engine) FinalizeInspectorConfirmation(ctx context.Context, inspectorUserID, withdrawalID uuid.UUID, action model.ApprovalAction, comment string) (model.Withdrawal, error) {
	now := e.clock.Now()

	var record model.Withdrawal
	var event events.ManualApprovalResolved
	err := e.store.WithTx(ctx, func(q *db.Queries) error {
		w, err := q.GetWithdrawalForUpdate(ctx, withdrawalID)
		if db.IsNoRows(err) {
			return errf(KindNotFound, "confirmed request not found")
		}
		if err != nil {
			return err
		}
		if w.Method != model.WithdrawalMethodManual || w.Status != model.WithdrawalStatusPending ||
			!w.ContactVerified || w.RetrieverKind != model.RetrieverKindAdHocDelegate {
			return errf(KindStateConflict, "request is not awaiting inspector confirmation")
		}
		if w.ApproverUserID != inspectorUserID {
			return errf(KindUnauthorized, "request belongs to another inspector")
		}

		status := InspectorDecision(action)
		if action == model.ApprovalActionApprove {
			w.Notes = appendNote(w.Notes, "Inspector authorized the pickup after guardian confirmation.")
		} else {
			w.Notes = appendNote(w.Notes, "Inspector refused the pickup after guardian confirmation.")
		}
		if comment = strings.TrimSpace(comment); comment != "" {
			w.Notes = appendNote(w.Notes, "Inspector comment: "+comment)
		}

		if err := q.UpdateWithdrawalDecision(ctx, db.UpdateWithdrawalDecisionParams{
			ID:                 w.ID,
			Status:             status,
			ContactVerified:    w.ContactVerified,
			RetrieverContactID: w.RetrieverContactID,
			Notes:              w.Notes,
			DecidedAt:          now,
			UpdatedAt:          now,
		}); err != nil {
			return err
		}

		student, err := q.GetStudent(ctx, w.StudentID)
		if err != nil {
			return err
		}

		w.Status = status
		w.DecidedAt = now
		w.UpdatedAt = now
		record = w

		event = events.ManualApprovalResolved{
			WithdrawalID:    w.ID,
			InspectorUserID: inspectorUserID,
			GuardianUserID:  student.GuardianUserID,
			Status:          status,
			Action:          action,
			ContactVerified: w.ContactVerified,
			Comment:         comment,
			ResolvedAt:      now,
		}
		return nil
	})
	if err != nil {
		return model.Withdrawal{}, err
	}
	if err := e.publisher.PublishManualApprovalResolved(ctx, event); err != nil {
		log.Printf("manual approval event publish failed: %v", err)
	}
	return record, nil
}
