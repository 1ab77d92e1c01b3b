package service

import (
	"context"
	"errors"
	"log/slog"
	"sort"

	"identityrecon/internal/database"
	"identityrecon/internal/models"
	"identityrecon/internal/sentinel"
)

// IdentityGroup is one primary contact and every contact linked to it.
type IdentityGroup struct {
	Primary     *models.Contact
	Secondaries []*models.Contact
}

// Members returns the primary followed by its secondaries.
func (g IdentityGroup) Members() []*models.Contact {
	out := make([]*models.Contact, 0, len(g.Secondaries)+1)
	out = append(out, g.Primary)
	return append(out, g.Secondaries...)
}

// GroupResolver partitions candidate contacts into identity groups.
type GroupResolver struct {
	logger *slog.Logger
}

// NewGroupResolver creates a GroupResolver.
func NewGroupResolver(logger *slog.Logger) *GroupResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &GroupResolver{logger: logger}
}

// Resolve groups candidates by their primary and returns the groups oldest
// first, each with its full membership.
//
// Two store round-trips beyond the candidate query can happen. A secondary
// whose primary matched neither submitted field has its primary fetched by
// id. Then every group is reloaded whole, because candidates only include the
// members that share a submitted value.
func (r *GroupResolver) Resolve(ctx context.Context, store database.ContactStore, candidates []*models.Contact) ([]IdentityGroup, error) {
	const op = "resolve groups"

	primaries := make(map[int64]*models.Contact)
	for _, c := range candidates {
		if !c.IsPrimary() {
			continue
		}
		if c.LinkedID != nil {
			return nil, invariantf(op, "primary %d links to %d", c.ID, *c.LinkedID)
		}
		primaries[c.ID] = c
	}

	for _, c := range candidates {
		if c.IsPrimary() {
			continue
		}
		if c.LinkedID == nil {
			return nil, invariantf(op, "secondary %d has no linked primary", c.ID)
		}
		pid := *c.LinkedID
		if _, ok := primaries[pid]; ok {
			continue
		}

		r.logger.DebugContext(ctx, "fetching primary outside candidate set",
			slog.Int64("secondary_id", c.ID),
			slog.Int64("primary_id", pid),
		)
		primary, err := store.GetByID(ctx, pid)
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, invariantf(op, "secondary %d links to missing contact %d", c.ID, pid)
		}
		if err != nil {
			return nil, storeError(op, err)
		}
		if !primary.IsPrimary() {
			return nil, invariantf(op, "chain detected: %d -> %d -> %d", c.ID, pid, primary.PrimaryID())
		}
		primaries[pid] = primary
	}

	groups := make([]IdentityGroup, 0, len(primaries))
	for pid, primary := range primaries {
		members, err := store.GetGroupByPrimaryID(ctx, pid)
		if err != nil {
			return nil, storeError(op, err)
		}
		group, err := assembleGroup(op, primary, members)
		if err != nil {
			return nil, err
		}
		groups = append(groups, group)
	}

	sort.Slice(groups, func(i, j int) bool {
		return groups[i].Primary.OlderThan(groups[j].Primary)
	})
	return groups, nil
}

// assembleGroup splits the rows of one group and checks that every
// non-primary row is a secondary pointing straight at the primary.
func assembleGroup(op string, primary *models.Contact, members []*models.Contact) (IdentityGroup, error) {
	group := IdentityGroup{Primary: primary}
	found := false
	for _, m := range members {
		if m.ID == primary.ID {
			if !m.IsPrimary() {
				return IdentityGroup{}, invariantf(op, "contact %d is no longer primary", m.ID)
			}
			group.Primary = m
			found = true
			continue
		}
		if m.IsPrimary() || m.LinkedID == nil || *m.LinkedID != primary.ID {
			return IdentityGroup{}, invariantf(op, "contact %d in group %d is not a direct secondary", m.ID, primary.ID)
		}
		group.Secondaries = append(group.Secondaries, m)
	}
	if !found {
		return IdentityGroup{}, invariantf(op, "group %d has no primary", primary.ID)
	}
	sort.Slice(group.Secondaries, func(i, j int) bool {
		return group.Secondaries[i].OlderThan(group.Secondaries[j])
	})
	return group, nil
}
