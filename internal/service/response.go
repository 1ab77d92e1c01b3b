package service

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"identityrecon/internal/database"
	"identityrecon/internal/models"
	"identityrecon/internal/sentinel"
)

// ResponseBuilder flattens a stored identity group into the reported shape.
type ResponseBuilder struct{}

// Build reports the group containing contactID. A secondary id resolves to
// its primary, which covers a concurrent merge demoting the primary between
// commit and read.
func (ResponseBuilder) Build(ctx context.Context, store database.ContactStore, contactID int64) (*models.IdentifyResponse, error) {
	const op = "build response"

	primary, err := store.GetByID(ctx, contactID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, &Error{Kind: ErrNotFound, Op: op, Err: fmt.Errorf("contact %d", contactID)}
	}
	if err != nil {
		return nil, storeError(op, err)
	}
	if !primary.IsPrimary() {
		pid := primary.PrimaryID()
		primary, err = store.GetByID(ctx, pid)
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, invariantf(op, "contact %d links to missing contact %d", contactID, pid)
		}
		if err != nil {
			return nil, storeError(op, err)
		}
		if !primary.IsPrimary() {
			return nil, invariantf(op, "chain detected: %d -> %d -> %d", contactID, pid, primary.PrimaryID())
		}
	}

	members, err := store.GetGroupByPrimaryID(ctx, primary.ID)
	if err != nil {
		return nil, storeError(op, err)
	}
	group, err := assembleGroup(op, primary, members)
	if err != nil {
		return nil, err
	}
	return flatten(group), nil
}

func flatten(group IdentityGroup) *models.IdentifyResponse {
	secondaries := append([]*models.Contact(nil), group.Secondaries...)
	sort.Slice(secondaries, func(i, j int) bool { return secondaries[i].OlderThan(secondaries[j]) })

	out := models.ContactResponse{
		PrimaryContactID:    group.Primary.ID,
		Emails:              []string{},
		PhoneNumbers:        []string{},
		SecondaryContactIDs: make([]int64, 0, len(secondaries)),
	}
	seenEmail := make(map[string]struct{})
	seenPhone := make(map[string]struct{})
	add := func(c *models.Contact) {
		if c.Email != nil {
			if _, ok := seenEmail[*c.Email]; !ok {
				seenEmail[*c.Email] = struct{}{}
				out.Emails = append(out.Emails, *c.Email)
			}
		}
		if c.PhoneNumber != nil {
			if _, ok := seenPhone[*c.PhoneNumber]; !ok {
				seenPhone[*c.PhoneNumber] = struct{}{}
				out.PhoneNumbers = append(out.PhoneNumbers, *c.PhoneNumber)
			}
		}
	}

	add(group.Primary)
	for _, s := range secondaries {
		add(s)
		out.SecondaryContactIDs = append(out.SecondaryContactIDs, s.ID)
	}
	return &models.IdentifyResponse{Contact: out}
}
