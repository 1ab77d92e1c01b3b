package database

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"identityrecon/internal/models"
	"identityrecon/internal/sentinel"
)

const contactColumns = `id, phone_number, email, linked_id, link_precedence, created_at, updated_at, deleted_at`

// dbtx is satisfied by both *sql.DB and *sql.Tx so the same queries run
// inside and outside a transaction.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLStore persists contacts in SQLite or PostgreSQL.
type SQLStore struct {
	db *DB
	contactQueries
}

// NewContactStore constructs a SQL-backed contact store.
func NewContactStore(db *DB) *SQLStore {
	return &SQLStore{
		db:             db,
		contactQueries: contactQueries{q: db.Conn, driver: db.Driver, now: utcNow},
	}
}

// WithClock replaces the timestamp source; used by tests that need
// deterministic createdAt ordering.
func (s *SQLStore) WithClock(now func() time.Time) *SQLStore {
	s.now = now
	return s
}

// Ping reports whether the database is reachable.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// RunInTx runs fn inside a database transaction.
func (s *SQLStore) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	// SQLite transactions are serializable already; _txlock=immediate makes
	// them take the write lock at BEGIN.
	var opts *sql.TxOptions
	if s.driver == DriverPostgres {
		opts = &sql.TxOptions{Isolation: sql.LevelReadCommitted}
	}
	tx, err := s.db.Conn.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", classify(err))
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(&sqlTx{contactQueries{q: tx, driver: s.driver, now: s.now}}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", classify(err))
	}
	return nil
}

type sqlTx struct {
	contactQueries
}

// LockKeys takes PostgreSQL transaction-level advisory locks. SQLite already
// holds the database write lock for the whole transaction.
func (t *sqlTx) LockKeys(ctx context.Context, keys []string) error {
	if t.driver != DriverPostgres {
		return nil
	}
	for _, key := range keys {
		if _, err := t.q.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key); err != nil {
			return fmt.Errorf("advisory lock %s: %w", key, classify(err))
		}
	}
	return nil
}

// LockContacts reads the rows back with FOR UPDATE on PostgreSQL, so a
// concurrent writer to any of them is waited out and its result is what gets
// returned.
func (t *sqlTx) LockContacts(ctx context.Context, ids []int64) ([]*models.Contact, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := `SELECT ` + contactColumns + ` FROM contacts
		WHERE id IN (?` + strings.Repeat(", ?", len(ids)-1) + `) AND deleted_at IS NULL
		ORDER BY id`
	if t.driver == DriverPostgres {
		query += ` FOR UPDATE`
	}
	contacts, err := t.queryContacts(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("lock contacts %v: %w", ids, err)
	}
	return contacts, nil
}

type contactQueries struct {
	q      dbtx
	driver string
	now    func() time.Time
}

func utcNow() time.Time {
	return time.Now().UTC()
}

// rebind rewrites ? placeholders into $n for PostgreSQL.
func (c contactQueries) rebind(query string) string {
	if c.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (c contactQueries) GetByID(ctx context.Context, id int64) (*models.Contact, error) {
	row := c.q.QueryRowContext(ctx, c.rebind(
		`SELECT `+contactColumns+` FROM contacts WHERE id = ? AND deleted_at IS NULL`), id)
	contact, err := scanContact(row)
	if err != nil {
		return nil, fmt.Errorf("get contact %d: %w", id, classify(err))
	}
	return contact, nil
}

func (c contactQueries) FindByEmailOrPhone(ctx context.Context, email, phone *string) ([]*models.Contact, error) {
	var (
		conds []string
		args  []any
	)
	if email != nil {
		conds = append(conds, "email = ?")
		args = append(args, *email)
	}
	if phone != nil {
		conds = append(conds, "phone_number = ?")
		args = append(args, *phone)
	}
	if len(conds) == 0 {
		return nil, nil
	}

	query := `SELECT ` + contactColumns + ` FROM contacts
		WHERE (` + strings.Join(conds, " OR ") + `) AND deleted_at IS NULL
		ORDER BY created_at, id`
	contacts, err := c.queryContacts(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find contacts by email or phone: %w", err)
	}
	return contacts, nil
}

func (c contactQueries) GetGroupByPrimaryID(ctx context.Context, primaryID int64) ([]*models.Contact, error) {
	query := `SELECT ` + contactColumns + ` FROM contacts
		WHERE (id = ? OR linked_id = ?) AND deleted_at IS NULL
		ORDER BY created_at, id`
	contacts, err := c.queryContacts(ctx, query, primaryID, primaryID)
	if err != nil {
		return nil, fmt.Errorf("get group %d: %w", primaryID, err)
	}
	return contacts, nil
}

func (c contactQueries) FindExact(ctx context.Context, email, phone *string) (*models.Contact, error) {
	var (
		conds []string
		args  []any
	)
	if email != nil {
		conds = append(conds, "email = ?")
		args = append(args, *email)
	} else {
		conds = append(conds, "email IS NULL")
	}
	if phone != nil {
		conds = append(conds, "phone_number = ?")
		args = append(args, *phone)
	} else {
		conds = append(conds, "phone_number IS NULL")
	}

	query := `SELECT ` + contactColumns + ` FROM contacts
		WHERE ` + strings.Join(conds, " AND ") + ` AND deleted_at IS NULL
		ORDER BY created_at, id LIMIT 1`
	contact, err := scanContact(c.q.QueryRowContext(ctx, c.rebind(query), args...))
	if err != nil {
		return nil, fmt.Errorf("find exact contact: %w", classify(err))
	}
	return contact, nil
}

func (c contactQueries) Insert(ctx context.Context, nc models.NewContact) (*models.Contact, error) {
	now := c.now()
	query := `INSERT INTO contacts (phone_number, email, linked_id, link_precedence, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING ` + contactColumns
	row := c.q.QueryRowContext(ctx, c.rebind(query),
		nullString(nc.PhoneNumber), nullString(nc.Email), nullInt64(nc.LinkedID),
		string(nc.LinkPrecedence), now, now)
	contact, err := scanContact(row)
	if err != nil {
		return nil, fmt.Errorf("insert contact: %w", classify(err))
	}
	return contact, nil
}

func (c contactQueries) DemoteToSecondary(ctx context.Context, contactID, newPrimaryID int64) (*models.Contact, error) {
	query := `UPDATE contacts SET linked_id = ?, link_precedence = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL
		RETURNING ` + contactColumns
	row := c.q.QueryRowContext(ctx, c.rebind(query),
		newPrimaryID, string(models.PrecedenceSecondary), c.now(), contactID)
	contact, err := scanContact(row)
	if err != nil {
		return nil, fmt.Errorf("demote contact %d: %w", contactID, classify(err))
	}
	return contact, nil
}

// RelinkChildren also moves soft-deleted children so a later restore cannot
// resurrect a chain.
func (c contactQueries) RelinkChildren(ctx context.Context, oldPrimaryID, newPrimaryID int64) ([]*models.Contact, error) {
	query := `UPDATE contacts SET linked_id = ?, updated_at = ?
		WHERE linked_id = ?
		RETURNING ` + contactColumns
	contacts, err := c.queryContacts(ctx, query, newPrimaryID, c.now(), oldPrimaryID)
	if err != nil {
		return nil, fmt.Errorf("relink children of %d: %w", oldPrimaryID, err)
	}
	return contacts, nil
}

func (c contactQueries) queryContacts(ctx context.Context, query string, args ...any) ([]*models.Contact, error) {
	rows, err := c.q.QueryContext(ctx, c.rebind(query), args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var contacts []*models.Contact
	for rows.Next() {
		contact, err := scanContact(rows)
		if err != nil {
			return nil, classify(err)
		}
		contacts = append(contacts, contact)
	}
	return contacts, classify(rows.Err())
}

type scanner interface {
	Scan(dest ...any) error
}

func scanContact(s scanner) (*models.Contact, error) {
	c := &models.Contact{}
	var phone, email, precedence sql.NullString
	var linkedID sql.NullInt64
	var createdAt, updatedAt, deletedAt timestamp

	err := s.Scan(&c.ID, &phone, &email, &linkedID, &precedence, &createdAt, &updatedAt, &deletedAt)
	if err != nil {
		return nil, err
	}

	if phone.Valid {
		c.PhoneNumber = &phone.String
	}
	if email.Valid {
		c.Email = &email.String
	}
	if linkedID.Valid {
		c.LinkedID = &linkedID.Int64
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		c.DeletedAt = &t
	}
	c.LinkPrecedence = models.LinkPrecedence(precedence.String)
	c.CreatedAt = createdAt.Time
	c.UpdatedAt = updatedAt.Time
	return c, nil
}

// timestamp scans both native time values and the text form SQLite hands
// back for columns it cannot type, such as RETURNING expressions.
type timestamp struct {
	Time  time.Time
	Valid bool
}

func (t *timestamp) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		t.Time, t.Valid = time.Time{}, false
		return nil
	case time.Time:
		t.Time, t.Valid = v.UTC(), true
		return nil
	case []byte:
		return t.parse(string(v))
	case string:
		return t.parse(v)
	default:
		return fmt.Errorf("unsupported timestamp type %T", src)
	}
}

func (t *timestamp) parse(s string) error {
	s = strings.TrimSuffix(s, "Z")
	for _, layout := range sqlite3.SQLiteTimestampFormats {
		if parsed, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			t.Time, t.Valid = parsed.UTC(), true
			return nil
		}
	}
	return fmt.Errorf("unparseable timestamp %q", s)
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

// SoftDelete marks a contact deleted. Reconciliation never calls it.
func (s *SQLStore) SoftDelete(ctx context.Context, id int64) error {
	res, err := s.q.ExecContext(ctx, s.rebind(
		`UPDATE contacts SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`),
		s.now(), s.now(), id)
	if err != nil {
		return fmt.Errorf("soft delete contact %d: %w", id, classify(err))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("soft delete contact %d: %w", id, sentinel.ErrNotFound)
	}
	return nil
}
