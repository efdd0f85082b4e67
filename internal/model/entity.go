// Package model defines the domain records shared by the codecs, the sync
// coordinator and the quota ledger.
//
// Every record is a value type. Changing a record means building a new value
// (directly or with one of the With* helpers) and writing it back through a
// [sync.Coordinator]; nothing in this module mutates a record that another
// goroutine may hold.
package model

import (
	"time"

	"github.com/google/uuid"
)

// NewID returns a fresh globally unique identifier for a record created on
// this device before the remote store has seen it.
func NewID() string {
	return uuid.NewString()
}

// PenpalStatus is the lifecycle state of a penpal match.
type PenpalStatus string

const (
	PenpalPending  PenpalStatus = "pending"
	PenpalAccepted PenpalStatus = "accepted"
	PenpalDeclined PenpalStatus = "declined"
	PenpalPassed   PenpalStatus = "passed"
)

// Penpal is a match between the owning user and another user.
type Penpal struct {
	ID          string
	UserID      string
	PenpalID    string
	Status      PenpalStatus
	Languages   []string
	MatchScore  float64
	LastUpdated time.Time
	Synced      bool
}

// WithStatus returns a copy of p in the given status, stamped at.
func (p Penpal) WithStatus(status PenpalStatus, at time.Time) Penpal {
	p.Status = status
	p.LastUpdated = at
	p.Synced = false
	return p
}

// Conversation is a chat thread. UserID is the participant whose cache the
// row belongs to.
type Conversation struct {
	ID           string
	UserID       string
	Participants []string
	LastMessage  string
	LastUpdated  time.Time
	UnreadCounts map[string]int
	Synced       bool
}

// WithLastMessage returns a copy of c whose preview text is text, stamped at.
func (c Conversation) WithLastMessage(text string, at time.Time) Conversation {
	c.LastMessage = text
	c.LastUpdated = at
	c.Synced = false
	return c
}

// Message is a single chat message inside a conversation.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Text           string
	SentAt         time.Time
	IsRead         bool
	LastUpdated    time.Time // zero until the message is edited or read
	Synced         bool
}

// MarkRead returns a read copy of m, stamped at.
func (m Message) MarkRead(at time.Time) Message {
	m.IsRead = true
	m.LastUpdated = at
	m.Synced = false
	return m
}

// Version is the last change time of m.
func (m Message) Version() time.Time {
	if m.LastUpdated.IsZero() {
		return m.SentAt
	}
	return m.LastUpdated
}

// Meeting is a scheduled call between penpals.
type Meeting struct {
	ID           string
	UserID       string
	Title        string
	Participants []string
	StartsAt     time.Time
	Duration     time.Duration
	Link         string
	LastUpdated  time.Time
	Synced       bool
}

// VocabSheet groups vocabulary cards.
type VocabSheet struct {
	ID          string
	UserID      string
	Name        string
	Language    string
	CardCount   int
	LastUpdated time.Time
	Synced      bool
}

// VocabCard is a single flash card.
type VocabCard struct {
	ID          string
	SheetID     string
	UserID      string
	Front       string
	Back        string
	Tags        []string
	LastUpdated time.Time
	Synced      bool
}

// Profile is a user's public profile. ID equals the user id.
type Profile struct {
	ID                string
	Name              string
	Bio               string
	NativeLanguage    string
	LearningLanguages []string
	Interests         []string
	LastUpdated       time.Time
	Synced            bool
}

// Notification is an in-app notification addressed to a user.
type Notification struct {
	ID          string
	UserID      string
	Kind        string
	Body        string
	Data        map[string]string
	CreatedAt   time.Time
	IsRead      bool
	LastUpdated time.Time // zero until the notification is read
	Synced      bool
}

// MarkRead returns a read copy of n, stamped at.
func (n Notification) MarkRead(at time.Time) Notification {
	n.IsRead = true
	n.LastUpdated = at
	n.Synced = false
	return n
}

// Version is the last change time of n.
func (n Notification) Version() time.Time {
	if n.LastUpdated.IsZero() {
		return n.CreatedAt
	}
	return n.LastUpdated
}
