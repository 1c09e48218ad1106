// Package repository implements all database queries for the points
// allocation service. It uses pgx directly (no ORM) for transparency and
// performance.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"points-event/internal/model"
)

// ErrNotFound is returned when a requested resource does not exist.
var ErrNotFound = errors.New("not found")

// ErrEventUnavailable is returned when the event is missing or inactive.
var ErrEventUnavailable = errors.New("event is unavailable")

// ErrCapacityExceeded is returned when an assigned order is beyond the
// event's participant limit.
var ErrCapacityExceeded = errors.New("event participant limit reached")

// ErrDuplicateApplication is returned when the same user applies twice.
var ErrDuplicateApplication = errors.New("user already applied for this event")

// uniqueViolation is the Postgres SQLSTATE for unique constraint violations.
const uniqueViolation = "23505"

// EventRepository handles persistence for events.
type EventRepository struct {
	db *pgxpool.Pool
}

// NewEventRepository constructs an EventRepository.
func NewEventRepository(db *pgxpool.Pool) *EventRepository {
	return &EventRepository{db: db}
}

// Create inserts a new active event and returns it with a generated UUID.
func (r *EventRepository) Create(ctx context.Context, name string, maxParticipants int) (*model.Event, error) {
	now := time.Now().UTC()
	event := &model.Event{
		ID:                  uuid.New().String(),
		Name:                name,
		CurrentParticipants: 0,
		MaxParticipants:     maxParticipants,
		IsActive:            true,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	_, err := r.db.Exec(ctx,
		`INSERT INTO events (id, name, current_participants, max_participants, is_active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		event.ID, event.Name, event.CurrentParticipants, event.MaxParticipants,
		event.IsActive, event.CreatedAt, event.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}
	return event, nil
}

// FindActive returns the currently active event or ErrNotFound.
func (r *EventRepository) FindActive(ctx context.Context) (*model.Event, error) {
	var e model.Event
	err := r.db.QueryRow(ctx,
		`SELECT id, name, current_participants, max_participants, is_active, created_at, updated_at
		 FROM events
		 WHERE is_active = TRUE
		 ORDER BY created_at ASC
		 LIMIT 1`,
	).Scan(&e.ID, &e.Name, &e.CurrentParticipants, &e.MaxParticipants, &e.IsActive, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find active event: %w", err)
	}
	return &e, nil
}

// GetByID returns a single event or ErrNotFound.
func (r *EventRepository) GetByID(ctx context.Context, id string) (*model.Event, error) {
	var e model.Event
	err := r.db.QueryRow(ctx,
		`SELECT id, name, current_participants, max_participants, is_active, created_at, updated_at
		 FROM events WHERE id = $1`,
		id,
	).Scan(&e.ID, &e.Name, &e.CurrentParticipants, &e.MaxParticipants, &e.IsActive, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get event: %w", err)
	}
	return &e, nil
}

// Reset deletes every application for the event and zeroes its participant
// count in a single transaction. The event row itself survives.
func (r *EventRepository) Reset(ctx context.Context, eventID string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx,
		`DELETE FROM point_applications WHERE event_id = $1`, eventID,
	); err != nil {
		return fmt.Errorf("delete applications: %w", err)
	}

	tag, execErr := tx.Exec(ctx,
		`UPDATE events SET current_participants = 0, updated_at = $2 WHERE id = $1`,
		eventID, time.Now().UTC(),
	)
	if execErr != nil {
		err = fmt.Errorf("reset participant count: %w", execErr)
		return err
	}
	if tag.RowsAffected() == 0 {
		err = ErrNotFound
		return err
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// ApplicationRepository handles persistence for point applications.
type ApplicationRepository struct {
	db *pgxpool.Pool
}

// NewApplicationRepository constructs an ApplicationRepository.
func NewApplicationRepository(db *pgxpool.Pool) *ApplicationRepository {
	return &ApplicationRepository{db: db}
}

// Persist durably records one allocation inside a serialised transaction.
//
// The fast-store duplicate pre-check and the counter increment are not atomic
// with each other, so two requests for the same user can both reach this
// point. The SELECT … FOR UPDATE on the event row serialises all persistence
// attempts for the event, which makes the duplicate recheck below race-free:
// whichever transaction commits first is visible to the one waiting on the
// lock.
func (r *ApplicationRepository) Persist(ctx context.Context, eventID, userID string, order int) (*model.PointApplication, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	// Step 1: exclusive row-level lock on the event. This is the true
	// serialization point for durable writes.
	var isActive bool
	err = tx.QueryRow(ctx,
		`SELECT is_active FROM events WHERE id = $1 FOR UPDATE`,
		eventID,
	).Scan(&isActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEventUnavailable
		}
		return nil, fmt.Errorf("lock event row: %w", err)
	}
	if !isActive {
		err = ErrEventUnavailable
		return nil, err
	}

	// Step 2: duplicate recheck while holding the lock.
	var dupCount int
	err = tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM point_applications WHERE event_id = $1 AND user_id = $2`,
		eventID, userID,
	).Scan(&dupCount)
	if err != nil {
		return nil, fmt.Errorf("check duplicate: %w", err)
	}
	if dupCount > 0 {
		err = ErrDuplicateApplication
		return nil, err
	}

	// Step 3: points are computed here, at persist time, from the assigned
	// order. Display paths share the same tier function.
	app := &model.PointApplication{
		ID:               uuid.New().String(),
		EventID:          eventID,
		UserID:           userID,
		ApplicationOrder: order,
		Points:           model.PointsForOrder(order),
		CreatedAt:        time.Now().UTC(),
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO point_applications (id, event_id, user_id, application_order, points, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		app.ID, app.EventID, app.UserID, app.ApplicationOrder, app.Points, app.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			err = ErrDuplicateApplication
			return nil, err
		}
		return nil, fmt.Errorf("insert application: %w", err)
	}

	// Step 4: keep the event's committed count in sync with the assigned
	// order.
	_, err = tx.Exec(ctx,
		`UPDATE events SET current_participants = $2, updated_at = $3 WHERE id = $1`,
		eventID, order, time.Now().UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("update participant count: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return app, nil
}

// FindByUser returns the committed application for a user or ErrNotFound.
func (r *ApplicationRepository) FindByUser(ctx context.Context, eventID, userID string) (*model.PointApplication, error) {
	var app model.PointApplication
	err := r.db.QueryRow(ctx,
		`SELECT id, event_id, user_id, application_order, points, created_at
		 FROM point_applications
		 WHERE event_id = $1 AND user_id = $2`,
		eventID, userID,
	).Scan(&app.ID, &app.EventID, &app.UserID, &app.ApplicationOrder, &app.Points, &app.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find application: %w", err)
	}
	return &app, nil
}

// ListByEvent returns all applications for an event in allocation order.
func (r *ApplicationRepository) ListByEvent(ctx context.Context, eventID string) ([]model.PointApplication, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, event_id, user_id, application_order, points, created_at
		 FROM point_applications
		 WHERE event_id = $1
		 ORDER BY application_order ASC`,
		eventID,
	)
	if err != nil {
		return nil, fmt.Errorf("list applications: %w", err)
	}
	defer rows.Close()

	var apps []model.PointApplication
	for rows.Next() {
		var app model.PointApplication
		if err := rows.Scan(&app.ID, &app.EventID, &app.UserID, &app.ApplicationOrder, &app.Points, &app.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan application: %w", err)
		}
		apps = append(apps, app)
	}
	return apps, rows.Err()
}
