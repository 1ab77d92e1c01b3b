// Package events publishes identity graph changes after they commit.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type names an identity graph change.
type Type string

const (
	TypeContactCreated Type = "contact.created"
	TypeContactLinked  Type = "contact.linked"
	TypeIdentityMerged Type = "identity.merged"
)

// Event describes one committed change. PrimaryContactID is always the
// surviving primary of the affected group.
type Event struct {
	ID                 string    `json:"id"`
	Type               Type      `json:"type"`
	PrimaryContactID   int64     `json:"primaryContactId"`
	ContactID          int64     `json:"contactId,omitempty"`
	AbsorbedPrimaryID  int64     `json:"absorbedPrimaryId,omitempty"`
	RelinkedContactIDs []int64   `json:"relinkedContactIds,omitempty"`
	Email              *string   `json:"email,omitempty"`
	PhoneNumber        *string   `json:"phoneNumber,omitempty"`
	OccurredAt         time.Time `json:"occurredAt"`
}

// New stamps an event with an id and the current time.
func New(t Type, primaryID int64) Event {
	return Event{
		ID:               uuid.NewString(),
		Type:             t,
		PrimaryContactID: primaryID,
		OccurredAt:       time.Now().UTC(),
	}
}

// Publisher delivers events. Delivery is best effort: reconciliation has
// already committed when Publish runs.
type Publisher interface {
	Publish(ctx context.Context, events ...Event) error
}

// LogPublisher writes events to the structured log. It is the default when
// no broker is configured.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher creates a LogPublisher.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, events ...Event) error {
	for _, e := range events {
		p.logger.LogAttrs(ctx, slog.LevelInfo, "identity event",
			slog.String("event_id", e.ID),
			slog.String("type", string(e.Type)),
			slog.Int64("primary_contact_id", e.PrimaryContactID),
			slog.Int64("contact_id", e.ContactID),
			slog.Int64("absorbed_primary_id", e.AbsorbedPrimaryID),
		)
	}
	return nil
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, events ...Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
	return nil
}

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
