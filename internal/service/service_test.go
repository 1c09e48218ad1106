package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	"points-event/internal/cache"
	"points-event/internal/escalation"
	"points-event/internal/model"
	"points-event/internal/repository"
)

// fakeLedger is an in-memory stand-in for both repositories. Persist mirrors
// the real transaction: one writer at a time per ledger, active check and
// duplicate recheck under the lock.
type fakeLedger struct {
	mu     sync.Mutex
	events map[string]*model.Event
	apps   map[string]map[string]model.PointApplication

	// persistErr simulates an infrastructure fault inside Persist.
	persistErr error

	nextID int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		events: make(map[string]*model.Event),
		apps:   make(map[string]map[string]model.PointApplication),
	}
}

func (l *fakeLedger) FindActive(context.Context) (*model.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.events {
		if e.IsActive {
			active := *e
			return &active, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (l *fakeLedger) Create(_ context.Context, name string, maxParticipants int) (*model.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	e := &model.Event{
		ID:              fmt.Sprintf("ev-%d", l.nextID),
		Name:            name,
		MaxParticipants: maxParticipants,
		IsActive:        true,
	}
	l.events[e.ID] = e
	created := *e
	return &created, nil
}

func (l *fakeLedger) GetByID(_ context.Context, id string) (*model.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.events[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	found := *e
	return &found, nil
}

func (l *fakeLedger) Reset(_ context.Context, eventID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.events[eventID]
	if !ok {
		return repository.ErrNotFound
	}
	delete(l.apps, eventID)
	e.CurrentParticipants = 0
	return nil
}

func (l *fakeLedger) Persist(_ context.Context, eventID, userID string, order int) (*model.PointApplication, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.persistErr != nil {
		return nil, l.persistErr
	}

	e, ok := l.events[eventID]
	if !ok || !e.IsActive {
		return nil, repository.ErrEventUnavailable
	}
	if _, dup := l.apps[eventID][userID]; dup {
		return nil, repository.ErrDuplicateApplication
	}

	app := model.PointApplication{
		ID:               fmt.Sprintf("app-%s-%d", eventID, order),
		EventID:          eventID,
		UserID:           userID,
		ApplicationOrder: order,
		Points:           model.PointsForOrder(order),
	}
	if l.apps[eventID] == nil {
		l.apps[eventID] = make(map[string]model.PointApplication)
	}
	l.apps[eventID][userID] = app
	e.CurrentParticipants = order
	return &app, nil
}

func (l *fakeLedger) FindByUser(_ context.Context, eventID, userID string) (*model.PointApplication, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	app, ok := l.apps[eventID][userID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &app, nil
}

func (l *fakeLedger) ListByEvent(_ context.Context, eventID string) ([]model.PointApplication, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var apps []model.PointApplication
	for _, app := range l.apps[eventID] {
		apps = append(apps, app)
	}
	sort.Slice(apps, func(i, j int) bool {
		return apps[i].ApplicationOrder < apps[j].ApplicationOrder
	})
	return apps, nil
}

// recordingSink captures delegated failures.
type recordingSink struct {
	mu       sync.Mutex
	failures []escalation.Failure
}

func (s *recordingSink) Delegate(_ context.Context, f escalation.Failure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, f)
}

func (s *recordingSink) recorded() []escalation.Failure {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]escalation.Failure(nil), s.failures...)
}

func newTestService(t *testing.T, maxParticipants int) (*AllocationService, *fakeLedger, *cache.MemoryStore, *recordingSink) {
	t.Helper()
	ledger := newFakeLedger()
	store := cache.NewMemoryStore()
	sink := &recordingSink{}
	svc := NewAllocationService(ledger, ledger, store, sink)
	if _, err := svc.Initialize(context.Background(), "test event", maxParticipants); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return svc, ledger, store, sink
}

func TestApply_FirstUserGetsOrderOne(t *testing.T) {
	ctx := context.Background()
	svc, ledger, store, _ := newTestService(t, 10000)

	result, err := svc.Apply(ctx, "u1")
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if result.OrderNumber != 1 {
		t.Errorf("OrderNumber = %d, want 1", result.OrderNumber)
	}
	if result.Points != 100_000 {
		t.Errorf("Points = %d, want 100000", result.Points)
	}
	if result.UserID != "u1" {
		t.Errorf("UserID = %q, want u1", result.UserID)
	}

	// The ledger is updated and the fast store carries the projection.
	event, _ := ledger.GetByID(ctx, svc.eventID)
	if event.CurrentParticipants != 1 {
		t.Errorf("CurrentParticipants = %d, want 1", event.CurrentParticipants)
	}
	applied, _ := store.IsApplied(ctx, svc.eventID, "u1")
	if !applied {
		t.Error("fast store not marked applied after commit")
	}
	order, ok, _ := store.GetOrder(ctx, svc.eventID, "u1")
	if !ok || order != 1 {
		t.Errorf("cached order = (%d, %v), want (1, true)", order, ok)
	}
}

func TestApply_TierBoundaryAtOrder101(t *testing.T) {
	ctx := context.Background()
	svc, _, _, _ := newTestService(t, 10000)

	var last *model.ApplyResult
	for i := 1; i <= 101; i++ {
		var err error
		last, err = svc.Apply(ctx, fmt.Sprintf("u%d", i))
		if err != nil {
			t.Fatalf("Apply(u%d): %v", i, err)
		}
	}
	if last.OrderNumber != 101 {
		t.Fatalf("OrderNumber = %d, want 101", last.OrderNumber)
	}
	if last.Points != 50_000 {
		t.Errorf("Points at order 101 = %d, want 50000", last.Points)
	}
}

func TestApply_DuplicateFastPath(t *testing.T) {
	ctx := context.Background()
	svc, _, store, _ := newTestService(t, 10000)

	if _, err := svc.Apply(ctx, "u1"); err != nil {
		t.Fatalf("first Apply: %v", err)
	}
	_, err := svc.Apply(ctx, "u1")
	if !errors.Is(err, repository.ErrDuplicateApplication) {
		t.Fatalf("second Apply err = %v, want ErrDuplicateApplication", err)
	}

	// Fast-path rejection consumes no order number.
	if n, _ := store.Get(ctx, svc.eventID); n != 1 {
		t.Errorf("counter = %d, want 1 (no increment on fast-path duplicate)", n)
	}
}

func TestApply_DuplicateCaughtByLedgerRecheck(t *testing.T) {
	ctx := context.Background()
	svc, ledger, store, _ := newTestService(t, 10000)

	// Simulate the race window: the ledger already has the row but the fast
	// store was never marked (e.g. the marking write was lost).
	if _, err := ledger.Persist(ctx, svc.eventID, "u1", 1); err != nil {
		t.Fatalf("seed ledger: %v", err)
	}
	_ = store.Set(ctx, svc.eventID, 1)

	_, err := svc.Apply(ctx, "u1")
	if !errors.Is(err, repository.ErrDuplicateApplication) {
		t.Fatalf("Apply err = %v, want ErrDuplicateApplication", err)
	}

	// The increment already happened; the consumed order becomes a gap.
	// That trade-off is accepted: only overflow rolls the counter back.
	if n, _ := store.Get(ctx, svc.eventID); n != 2 {
		t.Errorf("counter = %d, want 2", n)
	}
}

func TestApply_EventInactive(t *testing.T) {
	ctx := context.Background()
	svc, ledger, _, _ := newTestService(t, 10000)

	ledger.mu.Lock()
	ledger.events[svc.eventID].IsActive = false
	ledger.mu.Unlock()

	_, err := svc.Apply(ctx, "u1")
	if !errors.Is(err, repository.ErrEventUnavailable) {
		t.Fatalf("Apply err = %v, want ErrEventUnavailable", err)
	}
}

func TestApply_EventMissing(t *testing.T) {
	ctx := context.Background()
	svc, ledger, _, _ := newTestService(t, 10000)

	ledger.mu.Lock()
	delete(ledger.events, svc.eventID)
	ledger.mu.Unlock()

	_, err := svc.Apply(ctx, "u1")
	if !errors.Is(err, repository.ErrEventUnavailable) {
		t.Fatalf("Apply err = %v, want ErrEventUnavailable", err)
	}
}

func TestApply_CapacityExceededRollsCounterBack(t *testing.T) {
	ctx := context.Background()
	svc, _, store, _ := newTestService(t, 2)

	for i := 1; i <= 2; i++ {
		if _, err := svc.Apply(ctx, fmt.Sprintf("u%d", i)); err != nil {
			t.Fatalf("Apply(u%d): %v", i, err)
		}
	}

	_, err := svc.Apply(ctx, "u3")
	if !errors.Is(err, repository.ErrCapacityExceeded) {
		t.Fatalf("Apply(u3) err = %v, want ErrCapacityExceeded", err)
	}
	if n, _ := store.Get(ctx, svc.eventID); n != 2 {
		t.Errorf("counter after rollback = %d, want 2", n)
	}

	// Repeating the rejected call applies exactly one compensating decrement
	// each time and never moves the committed state.
	_, err = svc.Apply(ctx, "u4")
	if !errors.Is(err, repository.ErrCapacityExceeded) {
		t.Fatalf("Apply(u4) err = %v, want ErrCapacityExceeded", err)
	}
	if n, _ := store.Get(ctx, svc.eventID); n != 2 {
		t.Errorf("counter after second rollback = %d, want 2", n)
	}

	stats, err := svc.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.CurrentParticipants != 2 {
		t.Errorf("CurrentParticipants = %d, want 2", stats.CurrentParticipants)
	}
}

func TestApply_PersistenceFailureEscalatesOnceAndPropagates(t *testing.T) {
	ctx := context.Background()
	svc, ledger, store, sink := newTestService(t, 10000)
	ledger.persistErr = errors.New("connection reset by peer")

	_, err := svc.Apply(ctx, "u1")
	if err == nil {
		t.Fatal("Apply succeeded despite persist failure")
	}
	if errors.Is(err, repository.ErrDuplicateApplication) ||
		errors.Is(err, repository.ErrCapacityExceeded) ||
		errors.Is(err, repository.ErrEventUnavailable) {
		t.Fatalf("infrastructure failure surfaced as business error: %v", err)
	}

	failures := sink.recorded()
	if len(failures) != 1 {
		t.Fatalf("sink got %d failures, want 1", len(failures))
	}
	f := failures[0]
	if f.UserID != "u1" || f.Order != 1 {
		t.Errorf("delegated failure = %+v, want user u1 order 1", f)
	}

	// No projection is written for a failed persist.
	if applied, _ := store.IsApplied(ctx, svc.eventID, "u1"); applied {
		t.Error("fast store marked applied despite persist failure")
	}
}

func TestApply_BusinessFailuresAreNotEscalated(t *testing.T) {
	ctx := context.Background()
	svc, _, _, sink := newTestService(t, 1)

	if _, err := svc.Apply(ctx, "u1"); err != nil {
		t.Fatalf("Apply(u1): %v", err)
	}
	_, _ = svc.Apply(ctx, "u1") // duplicate
	_, _ = svc.Apply(ctx, "u2") // capacity exceeded

	if got := len(sink.recorded()); got != 0 {
		t.Fatalf("sink got %d failures for deterministic rejections, want 0", got)
	}
}

func TestApply_ConcurrentAllocatesExactlyCapacity(t *testing.T) {
	ctx := context.Background()
	const capacity = 25
	const requests = 60
	svc, ledger, _, _ := newTestService(t, capacity)

	type outcome struct {
		order int
		err   error
	}
	results := make(chan outcome, requests)

	var wg sync.WaitGroup
	wg.Add(requests)
	for i := 0; i < requests; i++ {
		go func(i int) {
			defer wg.Done()
			res, err := svc.Apply(ctx, fmt.Sprintf("user-%d", i))
			if err != nil {
				results <- outcome{err: err}
				return
			}
			results <- outcome{order: res.OrderNumber}
		}(i)
	}
	wg.Wait()
	close(results)

	var orders []int
	var capacityErrs, otherErrs int
	for r := range results {
		switch {
		case r.err == nil:
			orders = append(orders, r.order)
		case errors.Is(r.err, repository.ErrCapacityExceeded):
			capacityErrs++
		default:
			otherErrs++
		}
	}

	if len(orders) != capacity {
		t.Fatalf("%d successes, want exactly %d", len(orders), capacity)
	}
	if otherErrs != 0 {
		t.Fatalf("%d unexpected errors", otherErrs)
	}
	if capacityErrs != requests-capacity {
		t.Errorf("%d capacity rejections, want %d", capacityErrs, requests-capacity)
	}

	sort.Ints(orders)
	for i, order := range orders {
		if order != i+1 {
			t.Fatalf("orders[%d] = %d, want %d (duplicate or gap)", i, order, i+1)
		}
	}

	apps, _ := ledger.ListByEvent(ctx, svc.eventID)
	if len(apps) != capacity {
		t.Errorf("ledger holds %d applications, want %d", len(apps), capacity)
	}
}

func TestApply_SameUserConcurrentSucceedsAtMostOnce(t *testing.T) {
	ctx := context.Background()
	svc, ledger, _, _ := newTestService(t, 10000)

	const attempts = 20
	var wg sync.WaitGroup
	errs := make(chan error, attempts)

	wg.Add(attempts)
	for i := 0; i < attempts; i++ {
		go func() {
			defer wg.Done()
			_, err := svc.Apply(ctx, "hotuser")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var successes, duplicates int
	for err := range errs {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, repository.ErrDuplicateApplication):
			duplicates++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if successes != 1 {
		t.Fatalf("%d successes for one user, want exactly 1", successes)
	}
	if duplicates != attempts-1 {
		t.Errorf("%d duplicate rejections, want %d", duplicates, attempts-1)
	}

	apps, _ := ledger.ListByEvent(ctx, svc.eventID)
	if len(apps) != 1 {
		t.Fatalf("ledger holds %d applications for one user, want 1", len(apps))
	}
}

func TestStatus_LedgerFirstThenAdvisoryFallback(t *testing.T) {
	ctx := context.Background()
	svc, _, store, _ := newTestService(t, 10000)

	if _, err := svc.Apply(ctx, "u1"); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	status, err := svc.Status(ctx, "u1")
	if err != nil {
		t.Fatalf("Status(u1): %v", err)
	}
	if !status.Applied || status.OrderNumber != 1 || status.Points != 100_000 {
		t.Errorf("Status(u1) = %+v, want applied order 1 points 100000", status)
	}

	status, err = svc.Status(ctx, "stranger")
	if err != nil {
		t.Fatalf("Status(stranger): %v", err)
	}
	if status.Applied {
		t.Errorf("Status(stranger).Applied = true, want false")
	}

	// Cache-only record: the ledger knows nothing, the advisory projection
	// answers.
	_ = store.MarkApplied(ctx, svc.eventID, "cached-only", 42)
	status, err = svc.Status(ctx, "cached-only")
	if err != nil {
		t.Fatalf("Status(cached-only): %v", err)
	}
	if !status.Applied || status.OrderNumber != 42 || status.Points != 100_000 {
		t.Errorf("Status(cached-only) = %+v, want applied order 42 points 100000", status)
	}
}

func TestReset_RestoresInitialState(t *testing.T) {
	ctx := context.Background()
	svc, _, store, _ := newTestService(t, 10000)

	for i := 1; i <= 3; i++ {
		if _, err := svc.Apply(ctx, fmt.Sprintf("u%d", i)); err != nil {
			t.Fatalf("Apply(u%d): %v", i, err)
		}
	}

	if err := svc.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	stats, err := svc.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.CurrentParticipants != 0 || stats.Counter != 0 {
		t.Errorf("after reset participants=%d counter=%d, want 0/0", stats.CurrentParticipants, stats.Counter)
	}

	apps, err := svc.Participants(ctx)
	if err != nil {
		t.Fatalf("Participants: %v", err)
	}
	if len(apps) != 0 {
		t.Errorf("%d applications survived reset", len(apps))
	}
	if applied, _ := store.IsApplied(ctx, svc.eventID, "u1"); applied {
		t.Error("dedup flag survived reset")
	}

	// The event accepts applications again from order 1.
	result, err := svc.Apply(ctx, "u1")
	if err != nil {
		t.Fatalf("Apply after reset: %v", err)
	}
	if result.OrderNumber != 1 {
		t.Errorf("first order after reset = %d, want 1", result.OrderNumber)
	}
}

func TestInitialize_ReusesExistingActiveEvent(t *testing.T) {
	ctx := context.Background()
	ledger := newFakeLedger()
	existing, _ := ledger.Create(ctx, "existing", 500)

	svc := NewAllocationService(ledger, ledger, cache.NewMemoryStore(), &recordingSink{})
	event, err := svc.Initialize(ctx, "replacement", 10000)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if event.ID != existing.ID {
		t.Errorf("Initialize created a new event %s instead of reusing %s", event.ID, existing.ID)
	}
	if event.MaxParticipants != 500 {
		t.Errorf("MaxParticipants = %d, want existing 500", event.MaxParticipants)
	}
}

func TestApply_BeforeInitialize(t *testing.T) {
	ledger := newFakeLedger()
	svc := NewAllocationService(ledger, ledger, cache.NewMemoryStore(), &recordingSink{})

	_, err := svc.Apply(context.Background(), "u1")
	if !errors.Is(err, repository.ErrEventUnavailable) {
		t.Fatalf("Apply before Initialize err = %v, want ErrEventUnavailable", err)
	}
}
