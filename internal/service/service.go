// Package service implements the allocation coordinator: the one component
// responsible for consistency across the fast counter store and the durable
// ledger.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"points-event/internal/cache"
	"points-event/internal/escalation"
	"points-event/internal/metrics"
	"points-event/internal/model"
	"points-event/internal/repository"
)

// EventLedger is the slice of event persistence the coordinator depends on.
// *repository.EventRepository satisfies it; tests substitute an in-memory
// fake.
type EventLedger interface {
	FindActive(ctx context.Context) (*model.Event, error)
	Create(ctx context.Context, name string, maxParticipants int) (*model.Event, error)
	GetByID(ctx context.Context, id string) (*model.Event, error)
	Reset(ctx context.Context, eventID string) error
}

// ApplicationLedger is the transactional persistence contract for committed
// allocations. Persist must serialise writers per event and recheck
// duplicates under that serialisation.
type ApplicationLedger interface {
	Persist(ctx context.Context, eventID, userID string, order int) (*model.PointApplication, error)
	FindByUser(ctx context.Context, eventID, userID string) (*model.PointApplication, error)
	ListByEvent(ctx context.Context, eventID string) ([]model.PointApplication, error)
}

// AllocationService orchestrates the allocation protocol across the counter
// store and the ledger. All collaborators are injected so tests can run
// against in-memory fakes.
type AllocationService struct {
	events       EventLedger
	applications ApplicationLedger
	store        cache.Store
	sink         escalation.Sink

	// eventID pins the active campaign. It is written once by Initialize
	// before the server starts accepting requests and read-only afterwards.
	eventID string
}

// NewAllocationService constructs an AllocationService with its dependencies.
func NewAllocationService(
	events EventLedger,
	applications ApplicationLedger,
	store cache.Store,
	sink escalation.Sink,
) *AllocationService {
	return &AllocationService{
		events:       events,
		applications: applications,
		store:        store,
		sink:         sink,
	}
}

// Initialize finds the active event, creating one when none exists, and pins
// its ID for the lifetime of the process. Call it once at startup.
func (s *AllocationService) Initialize(ctx context.Context, name string, maxParticipants int) (*model.Event, error) {
	event, err := s.events.FindActive(ctx)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("find active event: %w", err)
		}
		event, err = s.events.Create(ctx, name, maxParticipants)
		if err != nil {
			return nil, fmt.Errorf("create event: %w", err)
		}
	}
	s.eventID = event.ID
	return event, nil
}

// Apply allocates one slot for userID on the active event.
//
// The protocol runs in a fixed order and never retries internally; every
// failure is terminal for the call:
//
//  1. advisory dedup pre-check against the counter store
//  2. event validation against the ledger
//  3. atomic order assignment, with a compensating write on overflow
//  4. durable persist (the ledger's row lock and recheck are the real
//     correctness guarantee); infrastructure failures are delegated to the
//     escalation sink and then propagated
//  5. post-write projection of the dedup flag and order
func (s *AllocationService) Apply(ctx context.Context, userID string) (*model.ApplyResult, error) {
	eventID := s.eventID
	if eventID == "" {
		return nil, repository.ErrEventUnavailable
	}

	// Step 1: fast-path rejection only. A false negative here is fine; the
	// persist transaction rechecks under the event-row lock.
	applied, err := s.store.IsApplied(ctx, eventID, userID)
	if err != nil {
		return nil, fmt.Errorf("dedup pre-check: %w", err)
	}
	if applied {
		return nil, repository.ErrDuplicateApplication
	}

	// Step 2: the event must exist and accept applications.
	event, err := s.events.GetByID(ctx, eventID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, repository.ErrEventUnavailable
		}
		return nil, fmt.Errorf("load event: %w", err)
	}
	if !event.IsActive {
		return nil, repository.ErrEventUnavailable
	}

	// Step 3: the increment is the single atomic assignment point. Once it
	// succeeds the order number is consumed; only the overflow path below
	// hands it back.
	order, err := s.store.Increment(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("assign order: %w", err)
	}
	if order > event.MaxParticipants {
		// Compensating write. It is not atomic with respect to concurrent
		// increments, so heavy contention right at the capacity boundary can
		// transiently under- or over-count; a decrement-only store could be
		// substituted through the Store interface.
		if setErr := s.store.Set(ctx, eventID, order-1); setErr != nil {
			log.Printf("allocation: counter rollback for event %s: %v", eventID, setErr)
		}
		return nil, repository.ErrCapacityExceeded
	}

	// Step 4: durable persist. Business-rule rejections surface unchanged;
	// infrastructure faults are handed to the escalation sink for
	// out-of-band replay, then propagated. No local retry.
	app, err := s.applications.Persist(ctx, eventID, userID, order)
	if err != nil {
		if errors.Is(err, repository.ErrDuplicateApplication) ||
			errors.Is(err, repository.ErrEventUnavailable) {
			return nil, err
		}
		metrics.EscalationsTotal.Inc()
		s.sink.Delegate(ctx, escalation.Failure{
			EventID: eventID,
			UserID:  userID,
			Order:   order,
			Error:   err.Error(),
			At:      time.Now().UTC(),
		})
		return nil, fmt.Errorf("persist application: %w", err)
	}

	// Step 5: cache the committed state for future fast reads. The ledger
	// already holds the truth; losing this write only costs the fast path on
	// the user's next duplicate attempt.
	if err := s.store.MarkApplied(ctx, eventID, userID, order); err != nil {
		log.Printf("allocation: mark applied for user %s: %v", userID, err)
	}

	return &model.ApplyResult{
		UserID:      app.UserID,
		OrderNumber: app.ApplicationOrder,
		Points:      app.Points,
		Timestamp:   app.CreatedAt,
	}, nil
}

// Status reports whether userID holds a slot. The ledger is authoritative;
// the counter store is consulted only when the ledger has no record, as an
// advisory fallback.
func (s *AllocationService) Status(ctx context.Context, userID string) (*model.StatusResult, error) {
	if s.eventID == "" {
		return nil, repository.ErrEventUnavailable
	}

	app, err := s.applications.FindByUser(ctx, s.eventID, userID)
	if err == nil {
		return &model.StatusResult{
			UserID:      app.UserID,
			Applied:     true,
			OrderNumber: app.ApplicationOrder,
			Points:      app.Points,
		}, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("lookup application: %w", err)
	}

	order, ok, err := s.store.GetOrder(ctx, s.eventID, userID)
	if err != nil {
		return nil, fmt.Errorf("lookup cached order: %w", err)
	}
	if !ok {
		return &model.StatusResult{UserID: userID, Applied: false}, nil
	}
	return &model.StatusResult{
		UserID:      userID,
		Applied:     true,
		OrderNumber: order,
		Points:      model.PointsForOrder(order),
	}, nil
}

// Stats returns the aggregate view of the active event, including the raw
// counter value for comparison against the committed count.
func (s *AllocationService) Stats(ctx context.Context) (*model.StatsResult, error) {
	if s.eventID == "" {
		return nil, repository.ErrEventUnavailable
	}

	event, err := s.events.GetByID(ctx, s.eventID)
	if err != nil {
		return nil, fmt.Errorf("load event: %w", err)
	}
	counter, err := s.store.Get(ctx, s.eventID)
	if err != nil {
		return nil, fmt.Errorf("read counter: %w", err)
	}

	return &model.StatsResult{
		EventID:             event.ID,
		Name:                event.Name,
		CurrentParticipants: event.CurrentParticipants,
		MaxParticipants:     event.MaxParticipants,
		Remaining:           event.Remaining(),
		Counter:             counter,
		IsActive:            event.IsActive,
	}, nil
}

// Participants lists every committed application in allocation order.
func (s *AllocationService) Participants(ctx context.Context) ([]model.PointApplication, error) {
	if s.eventID == "" {
		return nil, repository.ErrEventUnavailable
	}
	return s.applications.ListByEvent(ctx, s.eventID)
}

// Reset wipes the active event back to its initial state: all applications
// deleted, the committed count zeroed, then the counter and dedup flags
// cleared. The ledger is reset first so the cache never outlives it.
func (s *AllocationService) Reset(ctx context.Context) error {
	if s.eventID == "" {
		return repository.ErrEventUnavailable
	}
	if err := s.events.Reset(ctx, s.eventID); err != nil {
		return fmt.Errorf("reset ledger: %w", err)
	}
	if err := s.store.Reset(ctx, s.eventID); err != nil {
		return fmt.Errorf("reset counter store: %w", err)
	}
	return nil
}
