package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"identityrecon/internal/models"
	"identityrecon/internal/sentinel"
)

// ContactStore is the set of contact operations reconciliation is built on.
// Every read excludes soft-deleted rows; list results are ordered by
// created_at ascending, then id.
type ContactStore interface {
	// GetByID returns sentinel.ErrNotFound when the contact is absent.
	GetByID(ctx context.Context, id int64) (*models.Contact, error)
	// FindByEmailOrPhone matches either field; nil fields are ignored.
	FindByEmailOrPhone(ctx context.Context, email, phone *string) ([]*models.Contact, error)
	// GetGroupByPrimaryID returns the primary and every contact linked to it.
	GetGroupByPrimaryID(ctx context.Context, primaryID int64) ([]*models.Contact, error)
	// FindExact matches the given fields exactly and requires omitted fields
	// to be NULL. The oldest match wins; sentinel.ErrNotFound when none.
	FindExact(ctx context.Context, email, phone *string) (*models.Contact, error)

	Insert(ctx context.Context, c models.NewContact) (*models.Contact, error)
	DemoteToSecondary(ctx context.Context, contactID, newPrimaryID int64) (*models.Contact, error)
	RelinkChildren(ctx context.Context, oldPrimaryID, newPrimaryID int64) ([]*models.Contact, error)
}

// Tx is a ContactStore bound to one transaction.
type Tx interface {
	ContactStore
	// LockKeys takes transaction-scoped locks on identifier keys. Keys must be
	// passed in a fixed global order.
	LockKeys(ctx context.Context, keys []string) error
	// LockContacts row-locks the given live contacts until the transaction
	// ends and returns their current state ordered by id. Absent ids are
	// skipped.
	LockContacts(ctx context.Context, ids []int64) ([]*models.Contact, error)
}

// Store is a ContactStore that can also run a unit of work atomically.
type Store interface {
	ContactStore
	// RunInTx commits when fn returns nil and rolls back otherwise.
	RunInTx(ctx context.Context, fn func(tx Tx) error) error
	Ping(ctx context.Context) error
}

// classify tags driver errors with storage sentinels. Conflicts are
// serialization failures, deadlocks and busy databases: the caller may retry
// the whole unit of work.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return sentinel.ErrNotFound
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01", "55P03":
			return fmt.Errorf("%w: %w", sentinel.ErrConflict, err)
		}
		if pqErr.Code.Class() == "08" {
			return fmt.Errorf("%w: %w", sentinel.ErrUnavailable, err)
		}
		return err
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		if liteErr.Code == sqlite3.ErrBusy || liteErr.Code == sqlite3.ErrLocked {
			return fmt.Errorf("%w: %w", sentinel.ErrConflict, err)
		}
		return err
	}

	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%w: %w", sentinel.ErrUnavailable, err)
	}
	return err
}
