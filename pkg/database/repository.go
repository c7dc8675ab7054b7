package database

import (
	"time"

	"gorm.io/gorm"
)

// EventRepository handles journal event queries
type EventRepository struct {
	db *gorm.DB
}

// NewEventRepository creates a new event repository
func NewEventRepository(db *gorm.DB) *EventRepository {
	return &EventRepository{db: db}
}

// Create adds a new event record
func (r *EventRepository) Create(ev *EventRecord) error {
	return r.db.Create(ev).Error
}

// CreateBatch inserts several records in one transaction
func (r *EventRepository) CreateBatch(evs []EventRecord) error {
	if len(evs) == 0 {
		return nil
	}
	return r.db.Create(&evs).Error
}

// GetRecent retrieves the most recent N events
func (r *EventRepository) GetRecent(limit int) ([]EventRecord, error) {
	var events []EventRecord
	err := r.db.Order("occurred_at DESC").Limit(limit).Find(&events).Error
	return events, err
}

// EventFilter narrows a paginated query. Zero values match everything.
type EventFilter struct {
	Address *int
	Kind    string
}

func (f EventFilter) apply(q *gorm.DB) *gorm.DB {
	if f.Address != nil {
		q = q.Where("address = ?", *f.Address)
	}
	if f.Kind != "" {
		q = q.Where("kind = ?", f.Kind)
	}
	return q
}

// GetRecentPaginated retrieves events with pagination
func (r *EventRepository) GetRecentPaginated(filter EventFilter, page, perPage int) ([]EventRecord, int64, error) {
	var events []EventRecord
	var total int64

	if page < 1 {
		page = 1
	}
	if err := filter.apply(r.db.Model(&EventRecord{})).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset := (page - 1) * perPage
	err := filter.apply(r.db.Model(&EventRecord{})).
		Order("occurred_at DESC").
		Offset(offset).
		Limit(perPage).
		Find(&events).Error

	return events, total, err
}

// GetByAddress retrieves events reported by one PD
func (r *EventRepository) GetByAddress(address, limit int) ([]EventRecord, error) {
	var events []EventRecord
	err := r.db.Where("address = ?", address).
		Order("occurred_at DESC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

// GetByTimeRange retrieves events within a time range
func (r *EventRepository) GetByTimeRange(start, end time.Time, limit int) ([]EventRecord, error) {
	var events []EventRecord
	err := r.db.Where("occurred_at BETWEEN ? AND ?", start, end).
		Order("occurred_at DESC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

// DeleteOlderThan deletes events older than the specified time
func (r *EventRepository) DeleteOlderThan(before time.Time) (int64, error) {
	result := r.db.Where("occurred_at < ?", before).Delete(&EventRecord{})
	return result.RowsAffected, result.Error
}

// TransitionRepository handles state transition records
type TransitionRepository struct {
	db *gorm.DB
}

func NewTransitionRepository(db *gorm.DB) *TransitionRepository {
	return &TransitionRepository{db: db}
}

func (r *TransitionRepository) Create(tr *StateTransition) error {
	return r.db.Create(tr).Error
}

func (r *TransitionRepository) CreateBatch(trs []StateTransition) error {
	if len(trs) == 0 {
		return nil
	}
	return r.db.Create(&trs).Error
}

// GetRecent retrieves the latest transitions across all PDs
func (r *TransitionRepository) GetRecent(limit int) ([]StateTransition, error) {
	var trs []StateTransition
	err := r.db.Order("occurred_at DESC").Limit(limit).Find(&trs).Error
	return trs, err
}

// GetByAddress retrieves the transition history of one PD
func (r *TransitionRepository) GetByAddress(address, limit int) ([]StateTransition, error) {
	var trs []StateTransition
	err := r.db.Where("address = ?", address).
		Order("occurred_at DESC").
		Limit(limit).
		Find(&trs).Error
	return trs, err
}

// DeleteOlderThan deletes transitions older than the specified time
func (r *TransitionRepository) DeleteOlderThan(before time.Time) (int64, error) {
	result := r.db.Where("occurred_at < ?", before).Delete(&StateTransition{})
	return result.RowsAffected, result.Error
}
