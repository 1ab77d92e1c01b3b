package database

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"identityrecon/internal/models"
	"identityrecon/internal/sentinel"
)

// InMemory is a Store kept in process memory. Transactions hold a single
// store-wide lock and restore a snapshot on failure.
type InMemory struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]*models.Contact
	now    func() time.Time
	faults map[string]error
}

// NewInMemory creates an empty in-memory store.
func NewInMemory() *InMemory {
	return &InMemory{
		nextID: 1,
		rows:   make(map[int64]*models.Contact),
		now:    utcNow,
		faults: make(map[string]error),
	}
}

// WithClock replaces the timestamp source.
func (s *InMemory) WithClock(now func() time.Time) *InMemory {
	s.now = now
	return s
}

// FailOn makes the named operation (e.g. "Insert") return err until cleared
// with a nil err. Used to exercise rollback paths.
func (s *InMemory) FailOn(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.faults, op)
		return
	}
	s.faults[op] = err
}

// SoftDelete marks a contact deleted. Reconciliation never does this; it
// exists for administrative cleanup and tests.
func (s *InMemory) SoftDelete(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.rows[id]
	if !ok || c.DeletedAt != nil {
		return fmt.Errorf("soft delete contact %d: %w", id, sentinel.ErrNotFound)
	}
	t := s.now()
	c.DeletedAt = &t
	return nil
}

// All returns every contact, including soft-deleted ones, ordered by id.
func (s *InMemory) All() []*models.Contact {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Contact, 0, len(s.rows))
	for _, c := range s.rows {
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *InMemory) Ping(context.Context) error { return nil }

func (s *InMemory) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := make(map[int64]*models.Contact, len(s.rows))
	for id, c := range s.rows {
		snapshot[id] = c.Clone()
	}
	nextID := s.nextID

	if err := fn(memoryTx{s}); err != nil {
		s.rows = snapshot
		s.nextID = nextID
		return err
	}
	return nil
}

func (s *InMemory) GetByID(ctx context.Context, id int64) (*models.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getByID(id)
}

func (s *InMemory) FindByEmailOrPhone(ctx context.Context, email, phone *string) ([]*models.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findByEmailOrPhone(email, phone)
}

func (s *InMemory) GetGroupByPrimaryID(ctx context.Context, primaryID int64) ([]*models.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getGroup(primaryID)
}

func (s *InMemory) FindExact(ctx context.Context, email, phone *string) (*models.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findExact(email, phone)
}

func (s *InMemory) Insert(ctx context.Context, nc models.NewContact) (*models.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insert(nc)
}

func (s *InMemory) DemoteToSecondary(ctx context.Context, contactID, newPrimaryID int64) (*models.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.demote(contactID, newPrimaryID)
}

func (s *InMemory) RelinkChildren(ctx context.Context, oldPrimaryID, newPrimaryID int64) ([]*models.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.relink(oldPrimaryID, newPrimaryID)
}

// memoryTx runs with InMemory.mu already held.
type memoryTx struct {
	s *InMemory
}

func (t memoryTx) LockKeys(context.Context, []string) error { return t.s.fault("LockKeys") }

// LockContacts only re-reads the rows: the store lock is already held.
func (t memoryTx) LockContacts(_ context.Context, ids []int64) ([]*models.Contact, error) {
	if err := t.s.fault("LockContacts"); err != nil {
		return nil, err
	}
	out := make([]*models.Contact, 0, len(ids))
	for _, id := range ids {
		if c, ok := t.s.rows[id]; ok && c.DeletedAt == nil {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t memoryTx) GetByID(_ context.Context, id int64) (*models.Contact, error) {
	return t.s.getByID(id)
}

func (t memoryTx) FindByEmailOrPhone(_ context.Context, email, phone *string) ([]*models.Contact, error) {
	return t.s.findByEmailOrPhone(email, phone)
}

func (t memoryTx) GetGroupByPrimaryID(_ context.Context, primaryID int64) ([]*models.Contact, error) {
	return t.s.getGroup(primaryID)
}

func (t memoryTx) FindExact(_ context.Context, email, phone *string) (*models.Contact, error) {
	return t.s.findExact(email, phone)
}

func (t memoryTx) Insert(_ context.Context, nc models.NewContact) (*models.Contact, error) {
	return t.s.insert(nc)
}

func (t memoryTx) DemoteToSecondary(_ context.Context, contactID, newPrimaryID int64) (*models.Contact, error) {
	return t.s.demote(contactID, newPrimaryID)
}

func (t memoryTx) RelinkChildren(_ context.Context, oldPrimaryID, newPrimaryID int64) ([]*models.Contact, error) {
	return t.s.relink(oldPrimaryID, newPrimaryID)
}

func (s *InMemory) fault(op string) error {
	if err, ok := s.faults[op]; ok {
		return err
	}
	return nil
}

func (s *InMemory) getByID(id int64) (*models.Contact, error) {
	if err := s.fault("GetByID"); err != nil {
		return nil, err
	}
	c, ok := s.rows[id]
	if !ok || c.DeletedAt != nil {
		return nil, fmt.Errorf("get contact %d: %w", id, sentinel.ErrNotFound)
	}
	return c.Clone(), nil
}

func (s *InMemory) findByEmailOrPhone(email, phone *string) ([]*models.Contact, error) {
	if err := s.fault("FindByEmailOrPhone"); err != nil {
		return nil, err
	}
	return s.selectLive(func(c *models.Contact) bool {
		return (email != nil && eq(c.Email, email)) || (phone != nil && eq(c.PhoneNumber, phone))
	}), nil
}

func (s *InMemory) getGroup(primaryID int64) ([]*models.Contact, error) {
	if err := s.fault("GetGroupByPrimaryID"); err != nil {
		return nil, err
	}
	return s.selectLive(func(c *models.Contact) bool {
		return c.ID == primaryID || (c.LinkedID != nil && *c.LinkedID == primaryID)
	}), nil
}

func (s *InMemory) findExact(email, phone *string) (*models.Contact, error) {
	if err := s.fault("FindExact"); err != nil {
		return nil, err
	}
	matches := s.selectLive(func(c *models.Contact) bool {
		return eq(c.Email, email) && eq(c.PhoneNumber, phone)
	})
	if len(matches) == 0 {
		return nil, fmt.Errorf("find exact contact: %w", sentinel.ErrNotFound)
	}
	return matches[0], nil
}

func (s *InMemory) insert(nc models.NewContact) (*models.Contact, error) {
	if err := s.fault("Insert"); err != nil {
		return nil, err
	}
	now := s.now()
	c := &models.Contact{
		ID:             s.nextID,
		Email:          nc.Email,
		PhoneNumber:    nc.PhoneNumber,
		LinkedID:       nc.LinkedID,
		LinkPrecedence: nc.LinkPrecedence,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	c = c.Clone()
	s.rows[c.ID] = c
	s.nextID++
	return c.Clone(), nil
}

func (s *InMemory) demote(contactID, newPrimaryID int64) (*models.Contact, error) {
	if err := s.fault("DemoteToSecondary"); err != nil {
		return nil, err
	}
	c, ok := s.rows[contactID]
	if !ok || c.DeletedAt != nil {
		return nil, fmt.Errorf("demote contact %d: %w", contactID, sentinel.ErrNotFound)
	}
	id := newPrimaryID
	c.LinkedID = &id
	c.LinkPrecedence = models.PrecedenceSecondary
	c.UpdatedAt = s.now()
	return c.Clone(), nil
}

func (s *InMemory) relink(oldPrimaryID, newPrimaryID int64) ([]*models.Contact, error) {
	if err := s.fault("RelinkChildren"); err != nil {
		return nil, err
	}
	now := s.now()
	var moved []*models.Contact
	for _, c := range s.rows {
		if c.LinkedID != nil && *c.LinkedID == oldPrimaryID {
			id := newPrimaryID
			c.LinkedID = &id
			c.UpdatedAt = now
			moved = append(moved, c.Clone())
		}
	}
	sortContacts(moved)
	return moved, nil
}

func (s *InMemory) selectLive(match func(*models.Contact) bool) []*models.Contact {
	var out []*models.Contact
	for _, c := range s.rows {
		if c.DeletedAt == nil && match(c) {
			out = append(out, c.Clone())
		}
	}
	sortContacts(out)
	return out
}

func sortContacts(cs []*models.Contact) {
	sort.Slice(cs, func(i, j int) bool { return cs[i].OlderThan(cs[j]) })
}

// eq compares optional strings; two nils are equal.
func eq(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
