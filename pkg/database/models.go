package database

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// EventRecord is a PD event as stored in the journal
type EventRecord struct {
	ID         string    `gorm:"primarykey;size:36" json:"id"`
	PDIndex    int       `gorm:"index;not null" json:"pd_index"`
	Address    int       `gorm:"index;not null" json:"address"`
	Kind       string    `gorm:"index;size:32;not null" json:"kind"`
	Tag        string    `gorm:"size:16" json:"tag"`
	Reply      string    `gorm:"size:16" json:"reply,omitempty"`
	Command    string    `gorm:"size:16" json:"command,omitempty"`
	Nak        string    `gorm:"size:48" json:"nak,omitempty"`
	Detail     string    `gorm:"type:text" json:"detail,omitempty"` // JSON encoded reply body
	Error      string    `gorm:"size:255" json:"error,omitempty"`
	OccurredAt time.Time `gorm:"index;not null" json:"occurred_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// TableName specifies the table name for EventRecord
func (EventRecord) TableName() string {
	return "pd_events"
}

// BeforeCreate assigns an ID and fills missing timestamps
func (e *EventRecord) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = e.CreatedAt
	}
	return nil
}

// StateTransition records a PD session moving between states
type StateTransition struct {
	ID         string    `gorm:"primarykey;size:36" json:"id"`
	PDIndex    int       `gorm:"index;not null" json:"pd_index"`
	Address    int       `gorm:"index;not null" json:"address"`
	FromState  string    `gorm:"size:32;not null" json:"from"`
	ToState    string    `gorm:"index;size:32;not null" json:"to"`
	Reason     string    `gorm:"size:255" json:"reason,omitempty"`
	OccurredAt time.Time `gorm:"index;not null" json:"occurred_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// TableName specifies the table name for StateTransition
func (StateTransition) TableName() string {
	return "pd_state_transitions"
}

func (s *StateTransition) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	if s.OccurredAt.IsZero() {
		s.OccurredAt = s.CreatedAt
	}
	return nil
}
