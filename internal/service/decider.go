package service

import (
	"fmt"
	"sort"

	"identityrecon/internal/models"
)

// ActionKind enumerates what a reconciliation will do to the store.
type ActionKind int

const (
	ActionCreatePrimary ActionKind = iota + 1
	ActionNoOp
	ActionAttachSecondary
	ActionMerge
)

func (k ActionKind) String() string {
	switch k {
	case ActionCreatePrimary:
		return "create_primary"
	case ActionNoOp:
		return "noop"
	case ActionAttachSecondary:
		return "attach_secondary"
	case ActionMerge:
		return "merge"
	default:
		return fmt.Sprintf("ActionKind(%d)", int(k))
	}
}

// Action is the decision for one submission.
//
// For ActionMerge, Absorbed lists the younger primaries oldest first. Each is
// demoted under Primary and its secondaries relinked, then a secondary
// carrying the submitted pair is attached to Primary.
type Action struct {
	Kind     ActionKind
	Email    *string
	Phone    *string
	Primary  *models.Contact
	Absorbed []*models.Contact
}

// MergeDecider chooses the action for a submission given the groups that
// share one of its values. It never touches the store.
type MergeDecider struct{}

// Decide applies the case analysis on the number of matched groups.
func (MergeDecider) Decide(email, phone *string, groups []IdentityGroup) (Action, error) {
	if email == nil && phone == nil {
		return Action{}, &Error{Kind: ErrValidation, Op: "decide", Err: fmt.Errorf("email or phoneNumber is required")}
	}

	switch len(groups) {
	case 0:
		return Action{Kind: ActionCreatePrimary, Email: email, Phone: phone}, nil

	case 1:
		group := groups[0]
		if containsSubmission(group, email, phone) {
			return Action{Kind: ActionNoOp, Primary: group.Primary}, nil
		}
		// Includes the case where both values are known but never seen
		// together: the new combination is still recorded.
		return Action{Kind: ActionAttachSecondary, Email: email, Phone: phone, Primary: group.Primary}, nil

	default:
		primaries := make([]*models.Contact, 0, len(groups))
		for _, g := range groups {
			primaries = append(primaries, g.Primary)
		}
		sort.Slice(primaries, func(i, j int) bool { return primaries[i].OlderThan(primaries[j]) })
		return Action{
			Kind:     ActionMerge,
			Email:    email,
			Phone:    phone,
			Primary:  primaries[0],
			Absorbed: primaries[1:],
		}, nil
	}
}

// containsSubmission reports whether one member already carries everything
// submitted. With both values submitted the member must hold exactly that
// pair; with one value, any member holding it suffices.
func containsSubmission(group IdentityGroup, email, phone *string) bool {
	for _, m := range group.Members() {
		if email != nil && !equalOpt(m.Email, email) {
			continue
		}
		if phone != nil && !equalOpt(m.PhoneNumber, phone) {
			continue
		}
		return true
	}
	return false
}

func equalOpt(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
