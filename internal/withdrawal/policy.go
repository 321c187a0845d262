package withdrawal

import (
	"strings"

	"github.com/google/uuid"

	"ritta/withdrawals/internal/model"
)

// AdHocDelegate is a retriever named at pickup time, not pre-registered by
// the guardian.
type AdHocDelegate struct {
	Name         string
	Rut          string
	Phone        string
	Relationship string
}

// ResolutionRequest is the inspector's manual-authorization input, evaluated
// against the guardian's registered delegates.
type ResolutionRequest struct {
	RegisteredDelegateID  *uuid.UUID
	AdHoc                 *AdHocDelegate
	DiscardedDelegateIDs  []uuid.UUID
	OverrideRequested     bool
	OverrideJustification string
	UnregisteredReason    string
}

type ResolutionMode string

const (
	// ResolutionRequiresSelection: registered delegates remain; the
	// inspector must pick one or discard them all.
	ResolutionRequiresSelection ResolutionMode = "REQUIRES_SELECTION"
	// ResolutionAllowsAdHoc: no usable registered delegate; an ad-hoc
	// delegate may be entered.
	ResolutionAllowsAdHoc ResolutionMode = "ALLOWS_ADHOC"
	ResolutionResolved    ResolutionMode = "RESOLVED"
)

type Resolution struct {
	Mode                    ResolutionMode
	AvailableDelegates      []model.Delegate
	DiscardedDelegateIDs    []uuid.UUID
	Delegate                *model.Delegate
	AdHoc                   *AdHocDelegate
	PendingGuardianApproval bool
}

// ResolveDelegate applies the manual-authorization rules in order. It never
// touches storage; the caller creates the emergency-contact row for an
// ad-hoc resolution inside its own transaction.
func ResolveDelegate(req ResolutionRequest, registered []model.Delegate) (Resolution, error) {
	if req.RegisteredDelegateID != nil && req.AdHoc != nil {
		return Resolution{}, errf(KindPolicyViolation, "registered delegate and ad-hoc delegate are mutually exclusive")
	}
	if req.OverrideRequested && req.AdHoc == nil {
		return Resolution{}, errf(KindPolicyViolation, "override requested without ad-hoc delegate data")
	}

	discarded := dedupeIDs(req.DiscardedDelegateIDs)
	for _, id := range discarded {
		if !delegateExists(registered, id) {
			return Resolution{}, errf(KindUnauthorized, "discarded delegate does not belong to the guardian")
		}
	}
	discardedSet := make(map[uuid.UUID]struct{}, len(discarded))
	for _, id := range discarded {
		discardedSet[id] = struct{}{}
	}

	available := make([]model.Delegate, 0, len(registered))
	for _, delegate := range registered {
		if _, ok := discardedSet[delegate.ID]; !ok {
			available = append(available, delegate)
		}
	}

	if req.RegisteredDelegateID == nil && req.AdHoc == nil {
		if len(available) > 0 {
			return Resolution{
				Mode:                 ResolutionRequiresSelection,
				AvailableDelegates:   available,
				DiscardedDelegateIDs: discarded,
			}, nil
		}
		return Resolution{
			Mode:                 ResolutionAllowsAdHoc,
			DiscardedDelegateIDs: discarded,
		}, nil
	}

	if req.RegisteredDelegateID != nil {
		id := *req.RegisteredDelegateID
		if _, ok := discardedSet[id]; ok {
			return Resolution{}, errf(KindStateConflict, "selected delegate was discarded")
		}
		delegate := findDelegate(registered, id)
		if delegate == nil {
			return Resolution{}, errf(KindUnauthorized, "selected delegate does not belong to the guardian")
		}
		return Resolution{
			Mode:                 ResolutionResolved,
			Delegate:             delegate,
			DiscardedDelegateIDs: discarded,
		}, nil
	}

	// Ad-hoc path from here on. With usable registered delegates the
	// inspector must override with a written justification; once none are
	// usable (discarded or never registered) only the unregistered-delegate
	// reason is required.
	if len(available) > 0 {
		if !req.OverrideRequested {
			return Resolution{}, errf(KindPolicyViolation, "registered delegates are available; select one or request an override")
		}
		if strings.TrimSpace(req.OverrideJustification) == "" {
			return Resolution{}, errf(KindPolicyViolation, "override justification required while registered delegates are available")
		}
	} else if strings.TrimSpace(req.UnregisteredReason) == "" {
		return Resolution{}, errf(KindPolicyViolation, "a reason for using an unregistered delegate is required")
	}

	return Resolution{
		Mode:                    ResolutionResolved,
		AdHoc:                   req.AdHoc,
		DiscardedDelegateIDs:    discarded,
		PendingGuardianApproval: true,
	}, nil
}

func dedupeIDs(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func delegateExists(delegates []model.Delegate, id uuid.UUID) bool {
	return findDelegate(delegates, id) != nil
}

func findDelegate(delegates []model.Delegate, id uuid.UUID) *model.Delegate {
	for i := range delegates {
		if delegates[i].ID == id {
			return &delegates[i]
		}
	}
	return nil
}
