// Package model defines the core domain types for the points allocation service.
package model

import "time"

// Event represents one first-come points campaign.
type Event struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	CurrentParticipants int       `json:"current_participants"`
	MaxParticipants     int       `json:"max_participants"`
	IsActive            bool      `json:"is_active"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Remaining returns the number of unallocated slots.
func (e *Event) Remaining() int {
	return e.MaxParticipants - e.CurrentParticipants
}

// IsFull returns true when every slot has been committed.
func (e *Event) IsFull() bool {
	return e.CurrentParticipants >= e.MaxParticipants
}

// PointApplication represents one committed allocation. Rows are immutable
// once written and disappear only on a full event reset.
type PointApplication struct {
	ID               string    `json:"id"`
	EventID          string    `json:"event_id"`
	UserID           string    `json:"user_id"`
	ApplicationOrder int       `json:"application_order"`
	Points           int       `json:"points"`
	CreatedAt        time.Time `json:"created_at"`
}

// PointsForOrder maps an application order to its reward tier. The ledger
// evaluates it at persist time; display paths must go through it as well so
// the two can never disagree.
func PointsForOrder(order int) int {
	switch {
	case order <= 0:
		return 0
	case order <= 100:
		return 100_000
	case order <= 2000:
		return 50_000
	case order <= 5000:
		return 20_000
	case order <= 10000:
		return 10_000
	default:
		return 0
	}
}

// ApplyRequest is the payload for a points application.
type ApplyRequest struct {
	UserID string `json:"user_id"`
}

// ApplyResult summarises one successful allocation.
type ApplyResult struct {
	UserID      string    `json:"user_id"`
	OrderNumber int       `json:"order_number"`
	Points      int       `json:"points"`
	Timestamp   time.Time `json:"timestamp"`
}

// StatusResult reports whether (and where) a user holds a slot.
type StatusResult struct {
	UserID      string `json:"user_id"`
	Applied     bool   `json:"applied"`
	OrderNumber int    `json:"order_number,omitempty"`
	Points      int    `json:"points,omitempty"`
}

// StatsResult is the aggregate view of the active event.
type StatsResult struct {
	EventID             string `json:"event_id"`
	Name                string `json:"name"`
	CurrentParticipants int    `json:"current_participants"`
	MaxParticipants     int    `json:"max_participants"`
	Remaining           int    `json:"remaining"`
	Counter             int    `json:"counter"`
	IsActive            bool   `json:"is_active"`
}

// ErrorResponse is a standard JSON error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
}
