package model

import (
	"time"

	"github.com/google/uuid"
)

type WithdrawalStatus string

const (
	WithdrawalStatusPending  WithdrawalStatus = "PENDING"
	WithdrawalStatusApproved WithdrawalStatus = "APPROVED"
	WithdrawalStatusDenied   WithdrawalStatus = "DENIED"
)

type WithdrawalMethod string

const (
	WithdrawalMethodQR     WithdrawalMethod = "QR"
	WithdrawalMethodManual WithdrawalMethod = "MANUAL"
)

// RetrieverKind says who physically picks the student up.
type RetrieverKind string

const (
	RetrieverKindUser               RetrieverKind = "USER"
	RetrieverKindRegisteredDelegate RetrieverKind = "REGISTERED_DELEGATE"
	RetrieverKindAdHocDelegate      RetrieverKind = "ADHOC_DELEGATE"
)

type ApprovalAction string

const (
	ApprovalActionApprove ApprovalAction = "APPROVE"
	ApprovalActionDeny    ApprovalAction = "DENY"
)

type User struct {
	ID        uuid.UUID
	Rut       string
	FirstName string
	LastName  string
	Phone     string
	UserType  string
}

type Student struct {
	ID             uuid.UUID
	Rut            string
	FirstName      string
	LastName       string
	CourseName     string
	GuardianUserID uuid.UUID
}

type WithdrawalReason struct {
	ID   uuid.UUID
	Name string
}

// Delegate is a person the guardian pre-authorized to retrieve a student.
// The withdrawal engine only ever reads these rows.
type Delegate struct {
	ID             uuid.UUID
	GuardianUserID uuid.UUID
	Name           string
	Rut            string
	Phone          string
	Relationship   string
}

// QrAuthorization is a single-use, time-boxed pickup credential. The code is
// exactly six ASCII digits and unique among unconsumed rows.
type QrAuthorization struct {
	ID                 uuid.UUID
	Code               string
	StudentID          uuid.UUID
	IssuedByUserID     uuid.UUID
	ReasonID           uuid.UUID
	CustomReason       *string
	ExpiresAt          time.Time
	Consumed           bool
	AssignedDelegateID *uuid.UUID
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// EmergencyContact is the temporary identity assertion behind an ad-hoc
// delegate. It is created inside the manual-override flow, verified (and
// consumed) by guardian approval, and deleted on guardian denial.
type EmergencyContact struct {
	ID             uuid.UUID
	GuardianUserID uuid.UUID
	Name           string
	Rut            string
	Phone          string
	Relationship   string
	Verified       bool
	SingleUse      bool
	ConsumedAt     *time.Time
	CreatedAt      time.Time
}

type Withdrawal struct {
	ID                       uuid.UUID
	QrAuthorizationID        *uuid.UUID
	StudentID                uuid.UUID
	ApproverUserID           uuid.UUID
	ReasonID                 uuid.UUID
	CustomReason             *string
	Method                   WithdrawalMethod
	Status                   WithdrawalStatus
	ContactVerified          bool
	RetrieverKind            RetrieverKind
	RetrieverUserID          *uuid.UUID
	RetrieverDelegateID      *uuid.UUID
	RetrieverContactID       *uuid.UUID
	RetrieverName            *string
	RetrieverRut             *string
	RetrieverRelationship    *string
	GuardianAuthorizerUserID *uuid.UUID
	Notes                    *string
	DecidedAt                time.Time
	CreatedAt                time.Time
	UpdatedAt                time.Time
}
