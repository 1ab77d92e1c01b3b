package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// LinkPrecedence marks a contact as the anchor of its identity group or as a
// member linked to one.
type LinkPrecedence string

const (
	PrecedencePrimary   LinkPrecedence = "primary"
	PrecedenceSecondary LinkPrecedence = "secondary"
)

// Contact represents a customer contact in the database
type Contact struct {
	ID             int64          `json:"id"`
	PhoneNumber    *string        `json:"phoneNumber,omitempty"`
	Email          *string        `json:"email,omitempty"`
	LinkedID       *int64         `json:"linkedId,omitempty"`
	LinkPrecedence LinkPrecedence `json:"linkPrecedence"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
	DeletedAt      *time.Time     `json:"deletedAt,omitempty"`
}

// IsPrimary reports whether the contact anchors its group.
func (c *Contact) IsPrimary() bool {
	return c.LinkPrecedence == PrecedencePrimary
}

// PrimaryID returns the id of the primary this contact belongs to.
func (c *Contact) PrimaryID() int64 {
	if c.LinkedID != nil {
		return *c.LinkedID
	}
	return c.ID
}

// OlderThan orders contacts by creation time, breaking ties by id.
func (c *Contact) OlderThan(other *Contact) bool {
	if !c.CreatedAt.Equal(other.CreatedAt) {
		return c.CreatedAt.Before(other.CreatedAt)
	}
	return c.ID < other.ID
}

// Clone returns a deep copy so callers can mutate without touching shared state.
func (c *Contact) Clone() *Contact {
	cp := *c
	if c.PhoneNumber != nil {
		v := *c.PhoneNumber
		cp.PhoneNumber = &v
	}
	if c.Email != nil {
		v := *c.Email
		cp.Email = &v
	}
	if c.LinkedID != nil {
		v := *c.LinkedID
		cp.LinkedID = &v
	}
	if c.DeletedAt != nil {
		v := *c.DeletedAt
		cp.DeletedAt = &v
	}
	return &cp
}

// NewContact carries the fields a caller may choose when inserting a contact.
// Timestamps and the id are assigned by the store.
type NewContact struct {
	Email          *string
	PhoneNumber    *string
	LinkedID       *int64
	LinkPrecedence LinkPrecedence
}

// PhoneNumber accepts either a JSON string or a JSON number, since clients
// commonly send phone numbers unquoted.
type PhoneNumber string

// UnmarshalJSON implements json.Unmarshaler.
func (p *PhoneNumber) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*p = PhoneNumber(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("phoneNumber must be a string or number: %w", err)
	}
	*p = PhoneNumber(n.String())
	return nil
}

// IdentifyRequest represents the incoming request body
type IdentifyRequest struct {
	Email       *string      `json:"email"`
	PhoneNumber *PhoneNumber `json:"phoneNumber"`
}

// Normalize trims both fields and returns them as optional strings, treating
// blank values as absent.
func (r IdentifyRequest) Normalize() (email, phone *string) {
	if r.Email != nil {
		if v := strings.TrimSpace(*r.Email); v != "" {
			email = &v
		}
	}
	if r.PhoneNumber != nil {
		if v := strings.TrimSpace(string(*r.PhoneNumber)); v != "" {
			phone = &v
		}
	}
	return email, phone
}

// ContactResponse represents the contact data in the response
type ContactResponse struct {
	PrimaryContactID    int64    `json:"primaryContactId"`
	Emails              []string `json:"emails"`
	PhoneNumbers        []string `json:"phoneNumbers"`
	SecondaryContactIDs []int64  `json:"secondaryContactIds"`
}

// IdentifyResponse represents the response body
type IdentifyResponse struct {
	Contact ContactResponse `json:"contact"`
}

// ErrorResponse is the body returned for every non-2xx reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
