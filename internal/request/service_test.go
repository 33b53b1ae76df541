package request

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/labstock/labstock/internal/catalog"
	"github.com/labstock/labstock/internal/ledger"
	"github.com/labstock/labstock/internal/location"
	"github.com/labstock/labstock/internal/shared"
	_ "github.com/labstock/labstock/internal/testing/guard"
)

// memLedger is an in-memory ledger.TxStore shared across transactions.
type memLedger struct {
	entries map[int64]*ledger.StockEntry
	byKey   map[[2]int64]int64
	serials map[int64][]*ledger.SerialRecord
	events  map[int64][]ledger.TransferEvent
	nextID  int64
}

func newMemLedger() *memLedger {
	return &memLedger{
		entries: make(map[int64]*ledger.StockEntry),
		byKey:   make(map[[2]int64]int64),
		serials: make(map[int64][]*ledger.SerialRecord),
		events:  make(map[int64][]ledger.TransferEvent),
	}
}

func (s *memLedger) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *memLedger) seedEntry(locationID, productID int64, tracksSerial bool, c ledger.Counters) *ledger.StockEntry {
	entry := &ledger.StockEntry{
		ID:           s.id(),
		LocationID:   locationID,
		ProductID:    productID,
		TracksSerial: tracksSerial,
		Counters:     c,
	}
	s.entries[entry.ID] = entry
	s.byKey[[2]int64{locationID, productID}] = entry.ID
	return entry
}

func (s *memLedger) seedSerial(entry *ledger.StockEntry, number string) *ledger.SerialRecord {
	record := &ledger.SerialRecord{
		ID:              s.id(),
		EntryID:         entry.ID,
		SerialNumber:    number,
		Status:          ledger.SerialAvailable,
		CurrentLocation: entry.LocationID,
	}
	s.serials[entry.ID] = append(s.serials[entry.ID], record)
	return record
}

func (s *memLedger) GetEntryForUpdate(ctx context.Context, locationID, productID int64) (ledger.StockEntry, error) {
	id, ok := s.byKey[[2]int64{locationID, productID}]
	if !ok {
		return ledger.StockEntry{}, ledger.ErrEntryNotFound
	}
	return *s.entries[id], nil
}

func (s *memLedger) CreateEntry(ctx context.Context, entry ledger.StockEntry) (int64, error) {
	created := s.seedEntry(entry.LocationID, entry.ProductID, entry.TracksSerial, entry.Counters)
	return created.ID, nil
}

func (s *memLedger) UpdateCounters(ctx context.Context, entryID int64, c ledger.Counters) error {
	entry, ok := s.entries[entryID]
	if !ok {
		return ledger.ErrEntryNotFound
	}
	entry.Counters = c
	return nil
}

func (s *memLedger) GetSerialsForUpdate(ctx context.Context, entryID int64, numbers []string) ([]ledger.SerialRecord, error) {
	var out []ledger.SerialRecord
	for _, number := range numbers {
		for _, record := range s.serials[entryID] {
			if record.SerialNumber == number {
				out = append(out, *record)
			}
		}
	}
	return out, nil
}

func (s *memLedger) SerialExists(ctx context.Context, entryID int64, number string) (bool, error) {
	for _, record := range s.serials[entryID] {
		if record.SerialNumber == number {
			return true, nil
		}
	}
	return false, nil
}

func (s *memLedger) InsertSerial(ctx context.Context, record ledger.SerialRecord) (int64, error) {
	record.ID = s.id()
	copied := record
	s.serials[record.EntryID] = append(s.serials[record.EntryID], &copied)
	return record.ID, nil
}

func (s *memLedger) UpdateSerial(ctx context.Context, record ledger.SerialRecord) error {
	for _, existing := range s.serials[record.EntryID] {
		if existing.ID == record.ID {
			*existing = record
			return nil
		}
	}
	return errors.New("serial not found")
}

func (s *memLedger) AppendTransferEvent(ctx context.Context, event ledger.TransferEvent) (int64, error) {
	event.ID = s.id()
	s.events[event.SerialID] = append(s.events[event.SerialID], event)
	return event.ID, nil
}

func (s *memLedger) UpdateLastTransferEvent(ctx context.Context, serialID int64, status ledger.SerialStatus, result ledger.TestResult) error {
	events := s.events[serialID]
	if len(events) == 0 {
		return errors.New("no events for serial")
	}
	events[len(events)-1].Status = status
	events[len(events)-1].TestResult = result
	return nil
}

func (s *memLedger) entry(locationID, productID int64) ledger.StockEntry {
	return *s.entries[s.byKey[[2]int64{locationID, productID}]]
}

func (s *memLedger) serial(entryID int64, number string) ledger.SerialRecord {
	for _, record := range s.serials[entryID] {
		if record.SerialNumber == number {
			return *record
		}
	}
	return ledger.SerialRecord{}
}

// memoryRepo implements RepositoryPort without transactional rollback, the
// way the other in-memory repository doubles in this codebase do. The mutex
// serializes transactions like row locks would in the database.
type memoryRepo struct {
	mu       sync.RWMutex
	requests map[int64]*TestingRequest
	lines    map[int64][]*Line
	serials  map[int64][]*LineSerial
	ledger   *memLedger
	nextID   int64

	conflictsLeft int
	insertCalls   int
}

func newMemoryRepo(store *memLedger) *memoryRepo {
	return &memoryRepo{
		requests: make(map[int64]*TestingRequest),
		lines:    make(map[int64][]*Line),
		serials:  make(map[int64][]*LineSerial),
		ledger:   store,
	}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(ctx, &memoryTx{repo: r})
}

func (r *memoryRepo) GetRequest(ctx context.Context, id int64) (TestingRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.getRequestLocked(id)
}

func (r *memoryRepo) getRequestLocked(id int64) (TestingRequest, error) {
	stored, ok := r.requests[id]
	if !ok {
		return TestingRequest{}, fmt.Errorf("request: %d: %w", id, shared.ErrNotFound)
	}
	req := *stored
	for _, line := range r.lines[id] {
		copied := *line
		copied.Serials = nil
		for _, serial := range r.serials[line.ID] {
			copied.Serials = append(copied.Serials, *serial)
		}
		req.Lines = append(req.Lines, copied)
	}
	return req, nil
}

func (r *memoryRepo) ListRequests(ctx context.Context, filter Filter) ([]TestingRequest, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var items []TestingRequest
	for id := range r.requests {
		req, err := r.getRequestLocked(id)
		if err != nil {
			return nil, 0, err
		}
		if filter.Status != "" && req.Status != filter.Status {
			continue
		}
		if filter.FromOutlet != 0 && req.FromOutlet != filter.FromOutlet {
			continue
		}
		if filter.ToCenter != 0 && req.ToCenter != filter.ToCenter {
			continue
		}
		items = append(items, req)
	}
	return items, len(items), nil
}

type memoryTx struct {
	repo *memoryRepo
}

func (tx *memoryTx) id() int64 {
	tx.repo.nextID++
	return tx.repo.nextID
}

func (tx *memoryTx) CountRequests(ctx context.Context) (int64, error) {
	return int64(len(tx.repo.requests)), nil
}

func (tx *memoryTx) InsertRequest(ctx context.Context, req TestingRequest) (int64, error) {
	tx.repo.insertCalls++
	if tx.repo.conflictsLeft > 0 {
		tx.repo.conflictsLeft--
		return 0, fmt.Errorf("request: number %s taken: %w", req.RequestNumber, shared.ErrConflict)
	}
	req.ID = tx.id()
	tx.repo.requests[req.ID] = &req
	return req.ID, nil
}

func (tx *memoryTx) InsertLine(ctx context.Context, line Line) (int64, error) {
	line.ID = tx.id()
	line.Serials = nil
	tx.repo.lines[line.RequestID] = append(tx.repo.lines[line.RequestID], &line)
	return line.ID, nil
}

func (tx *memoryTx) InsertLineSerial(ctx context.Context, serial LineSerial) (int64, error) {
	serial.ID = tx.id()
	tx.repo.serials[serial.LineID] = append(tx.repo.serials[serial.LineID], &serial)
	return serial.ID, nil
}

func (tx *memoryTx) transition(id int64, from, to Status, set func(*TestingRequest)) (bool, error) {
	req, ok := tx.repo.requests[id]
	if !ok {
		return false, shared.ErrNotFound
	}
	if req.Status != from {
		return false, nil
	}
	req.Status = to
	set(req)
	return true, nil
}

func (tx *memoryTx) MarkAccepted(ctx context.Context, id, actorID int64, at time.Time) (bool, error) {
	return tx.transition(id, StatusPendingTesting, StatusUnderTesting, func(req *TestingRequest) {
		req.AcceptedBy = actorID
		req.AcceptedAt = at
	})
}

func (tx *memoryTx) MarkCancelled(ctx context.Context, id, actorID int64, at time.Time) (bool, error) {
	return tx.transition(id, StatusPendingTesting, StatusCancelled, func(req *TestingRequest) {
		req.CancelledBy = actorID
		req.CancelledAt = at
	})
}

func (tx *memoryTx) MarkCompleted(ctx context.Context, id, actorID int64, at time.Time) (bool, error) {
	return tx.transition(id, StatusUnderTesting, StatusCompleted, func(req *TestingRequest) {
		req.CompletedBy = actorID
		req.CompletedAt = at
	})
}

func (tx *memoryTx) SetSerialStatuses(ctx context.Context, requestID int64, status ledger.SerialStatus) error {
	for _, line := range tx.repo.lines[requestID] {
		for _, serial := range tx.repo.serials[line.ID] {
			serial.Status = status
		}
	}
	return nil
}

func (tx *memoryTx) GetLineForUpdate(ctx context.Context, requestID, productID int64) (Line, error) {
	for _, line := range tx.repo.lines[requestID] {
		if line.ProductID == productID {
			return *line, nil
		}
	}
	return Line{}, ErrLineNotFound
}

func (tx *memoryTx) GetLineSerialForUpdate(ctx context.Context, requestID int64, serialNumber string) (LineSerial, error) {
	for _, line := range tx.repo.lines[requestID] {
		for _, serial := range tx.repo.serials[line.ID] {
			if serial.SerialNumber == serialNumber {
				return *serial, nil
			}
		}
	}
	return LineSerial{}, ErrLineNotFound
}

func (tx *memoryTx) UpdateLineSerial(ctx context.Context, serial LineSerial) error {
	for _, existing := range tx.repo.serials[serial.LineID] {
		if existing.ID == serial.ID {
			*existing = serial
			return nil
		}
	}
	return ErrLineNotFound
}

func (tx *memoryTx) UpdateLineOutcome(ctx context.Context, lineID int64, passed, failed, tested int64) error {
	for _, lines := range tx.repo.lines {
		for _, line := range lines {
			if line.ID == lineID {
				line.PassedQty = passed
				line.FailedQty = failed
				line.TestedQty = tested
				return nil
			}
		}
	}
	return ErrLineNotFound
}

func (tx *memoryTx) Ledger() ledger.TxStore {
	return tx.repo.ledger
}

type stubCatalog struct {
	products map[int64]catalog.Product
}

func (s stubCatalog) GetProduct(ctx context.Context, id int64) (catalog.Product, error) {
	product, ok := s.products[id]
	if !ok {
		return catalog.Product{}, fmt.Errorf("catalog: product %d: %w", id, shared.ErrNotFound)
	}
	return product, nil
}

type stubLocations struct {
	locations map[int64]location.Location
}

func (s stubLocations) GetLocation(ctx context.Context, id int64) (location.Location, error) {
	loc, ok := s.locations[id]
	if !ok {
		return location.Location{}, fmt.Errorf("location: %d: %w", id, shared.ErrNotFound)
	}
	return loc, nil
}

type stubOracle struct {
	deny map[shared.Capability]bool
}

func (s stubOracle) HasCapability(ctx context.Context, actor shared.Actor, cap shared.Capability) (bool, error) {
	return !s.deny[cap], nil
}

type stubAudit struct {
	mu      sync.Mutex
	entries []shared.AuditLog
}

func (s *stubAudit) Record(ctx context.Context, log shared.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, log)
	return nil
}

type stubTransitions struct {
	mu     sync.Mutex
	counts map[string]int
}

func (s *stubTransitions) RecordTransition(action string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counts == nil {
		s.counts = map[string]int{}
	}
	s.counts[action]++
}

type fixture struct {
	service *Service
	repo    *memoryRepo
	store   *memLedger
	audit   *stubAudit
	outlet  shared.Actor
	center  shared.Actor
}

func newFixture(t *testing.T, deny map[shared.Capability]bool) *fixture {
	t.Helper()
	store := newMemLedger()
	repo := newMemoryRepo(store)
	audit := &stubAudit{}

	ledgerService := ledger.NewService(nil, ledger.NewViewCache(nil, 0))
	ledgerService.WithNow(func() time.Time { return time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC) })

	service := NewService(repo, ledgerService,
		stubCatalog{products: map[int64]catalog.Product{
			100: {ID: 100, Code: "GW-100", Name: "Glasswasher", TracksSerial: true},
			200: {ID: 200, Code: "FT-200", Name: "Filter cartridge", TracksSerial: false},
		}},
		stubLocations{locations: map[int64]location.Location{
			1: {ID: 1, Code: "OUT-1", Type: location.TypeOutlet, IsActive: true},
			2: {ID: 2, Code: "LAB-2", Type: location.TypeCenter, CanTest: true, IsActive: true},
			3: {ID: 3, Code: "OUT-3", Type: location.TypeOutlet, IsActive: true},
		}},
		stubOracle{deny: deny}, audit, nil)
	service.WithNow(func() time.Time { return time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC) })

	return &fixture{
		service: service,
		repo:    repo,
		store:   store,
		audit:   audit,
		outlet:  shared.Actor{ID: 10, HomeLocation: 1},
		center:  shared.Actor{ID: 20, HomeLocation: 2},
	}
}

func (f *fixture) seedOutletStock(t *testing.T) {
	t.Helper()
	serialEntry := f.store.seedEntry(1, 100, true, ledger.Counters{Total: 3, Available: 3})
	f.store.seedSerial(serialEntry, "SN1")
	f.store.seedSerial(serialEntry, "SN2")
	f.store.seedSerial(serialEntry, "SN3")
	f.store.seedEntry(1, 200, false, ledger.Counters{Total: 10, Available: 10})
}

func defaultCreateInput() CreateInput {
	return CreateInput{
		FromOutlet: 1,
		ToCenter:   2,
		Remark:     "quarterly sample",
		Lines: []LineInput{
			{ProductID: 100, Quantity: 2, Serials: []string{"SN1", "SN2"}},
			{ProductID: 200, Quantity: 4},
		},
	}
}

func TestCreateReservesEveryLine(t *testing.T) {
	f := newFixture(t, nil)
	f.seedOutletStock(t)

	created, err := f.service.Create(context.Background(), f.outlet, defaultCreateInput())
	require.NoError(t, err)

	require.Equal(t, StatusPendingTesting, created.Status)
	require.Equal(t, "TM2503100001", created.RequestNumber)
	require.EqualValues(t, 10, created.RequestedBy)
	require.Len(t, created.Lines, 2)
	require.Equal(t, "Glasswasher", created.Lines[0].ProductName)
	require.Len(t, created.Lines[0].Serials, 2)
	require.Equal(t, ledger.SerialPendingTesting, created.Lines[0].Serials[0].Status)

	serialEntry := f.store.entry(1, 100)
	require.Equal(t, ledger.SerialPendingTesting, f.store.serial(serialEntry.ID, "SN1").Status)
	// Availability is untouched until the center accepts.
	require.EqualValues(t, 3, serialEntry.Available)
	require.EqualValues(t, 4, f.store.entry(1, 200).PendingTesting)

	require.Len(t, f.audit.entries, 1)
	require.Equal(t, "REQUEST_CREATE", f.audit.entries[0].Action)
}

func TestCreateRejectsDuplicateSerialInLine(t *testing.T) {
	f := newFixture(t, nil)
	f.seedOutletStock(t)

	input := defaultCreateInput()
	input.Lines[0].Serials = []string{"SN1", "SN1"}
	_, err := f.service.Create(context.Background(), f.outlet, input)
	require.ErrorIs(t, err, shared.ErrInvalidInput)
}

func TestCreateSerialCountMismatch(t *testing.T) {
	f := newFixture(t, nil)
	f.seedOutletStock(t)

	input := defaultCreateInput()
	input.Lines[0].Serials = []string{"SN1"}
	_, err := f.service.Create(context.Background(), f.outlet, input)
	require.ErrorIs(t, err, shared.ErrInvalidInput)
}

func TestCreateRejectsNonTestingDestination(t *testing.T) {
	f := newFixture(t, nil)
	f.seedOutletStock(t)

	input := defaultCreateInput()
	input.ToCenter = 3
	_, err := f.service.Create(context.Background(), f.outlet, input)
	require.ErrorIs(t, err, shared.ErrInvalidInput)
}

func TestCreateInsufficientStock(t *testing.T) {
	f := newFixture(t, nil)
	f.seedOutletStock(t)

	input := defaultCreateInput()
	input.Lines[1].Quantity = 50
	_, err := f.service.Create(context.Background(), f.outlet, input)
	require.ErrorIs(t, err, shared.ErrInsufficientStock)
}

func TestCreateRetriesOnNumberCollision(t *testing.T) {
	f := newFixture(t, nil)
	f.seedOutletStock(t)
	f.repo.conflictsLeft = 2

	created, err := f.service.Create(context.Background(), f.outlet, defaultCreateInput())
	require.NoError(t, err)
	require.Equal(t, 3, f.repo.insertCalls)
	require.Equal(t, StatusPendingTesting, created.Status)
}

func TestCreateGivesUpAfterRepeatedCollisions(t *testing.T) {
	f := newFixture(t, nil)
	f.seedOutletStock(t)
	f.repo.conflictsLeft = 10

	_, err := f.service.Create(context.Background(), f.outlet, defaultCreateInput())
	require.ErrorIs(t, err, shared.ErrConflict)
	require.Equal(t, 3, f.repo.insertCalls)
}

func TestCreateWithoutCapability(t *testing.T) {
	f := newFixture(t, map[shared.Capability]bool{shared.CapRequestCreate: true})
	f.seedOutletStock(t)

	_, err := f.service.Create(context.Background(), f.outlet, defaultCreateInput())
	require.ErrorIs(t, err, shared.ErrPermissionDenied)
}

func TestAcceptMovesStockIntoCenterLedger(t *testing.T) {
	f := newFixture(t, nil)
	f.seedOutletStock(t)
	ctx := context.Background()

	created, err := f.service.Create(ctx, f.outlet, defaultCreateInput())
	require.NoError(t, err)

	accepted, err := f.service.Accept(ctx, f.center, created.ID)
	require.NoError(t, err)
	require.Equal(t, StatusUnderTesting, accepted.Status)
	require.EqualValues(t, 20, accepted.AcceptedBy)
	require.Equal(t, ledger.SerialUnderTesting, accepted.Lines[0].Serials[0].Status)

	outletSerial := f.store.entry(1, 100)
	require.EqualValues(t, 1, outletSerial.Available)
	outletBulk := f.store.entry(1, 200)
	require.EqualValues(t, 6, outletBulk.Available)
	require.EqualValues(t, 0, outletBulk.PendingTesting)

	centerSerial := f.store.entry(2, 100)
	require.EqualValues(t, 2, centerSerial.Total)
	require.EqualValues(t, 2, centerSerial.UnderTesting)
	require.Equal(t, ledger.SerialUnderTesting, f.store.serial(centerSerial.ID, "SN1").Status)
	require.EqualValues(t, 1, f.store.serial(centerSerial.ID, "SN1").OriginalOutlet)

	centerBulk := f.store.entry(2, 200)
	require.EqualValues(t, 4, centerBulk.UnderTesting)
}

func TestAcceptByWrongCenter(t *testing.T) {
	f := newFixture(t, nil)
	f.seedOutletStock(t)
	ctx := context.Background()

	created, err := f.service.Create(ctx, f.outlet, defaultCreateInput())
	require.NoError(t, err)

	_, err = f.service.Accept(ctx, shared.Actor{ID: 30, HomeLocation: 3}, created.ID)
	require.ErrorIs(t, err, shared.ErrPermissionDenied)
}

func TestAcceptTwice(t *testing.T) {
	f := newFixture(t, nil)
	f.seedOutletStock(t)
	ctx := context.Background()

	created, err := f.service.Create(ctx, f.outlet, defaultCreateInput())
	require.NoError(t, err)

	_, err = f.service.Accept(ctx, f.center, created.ID)
	require.NoError(t, err)
	_, err = f.service.Accept(ctx, f.center, created.ID)
	require.ErrorIs(t, err, shared.ErrAlreadyProcessed)
}

func TestAcceptDuplicateSerialAtCenter(t *testing.T) {
	f := newFixture(t, nil)
	f.seedOutletStock(t)
	// A unit with the same serial number is already booked at the center.
	centerEntry := f.store.seedEntry(2, 100, true, ledger.Counters{Total: 1, Available: 1})
	f.store.seedSerial(centerEntry, "SN1")
	ctx := context.Background()

	created, err := f.service.Create(ctx, f.outlet, defaultCreateInput())
	require.NoError(t, err)

	_, err = f.service.Accept(ctx, f.center, created.ID)
	require.ErrorIs(t, err, shared.ErrDuplicateSerial)
}

func acceptedFixture(t *testing.T) (*fixture, TestingRequest) {
	t.Helper()
	f := newFixture(t, nil)
	f.seedOutletStock(t)
	ctx := context.Background()
	created, err := f.service.Create(ctx, f.outlet, defaultCreateInput())
	require.NoError(t, err)
	accepted, err := f.service.Accept(ctx, f.center, created.ID)
	require.NoError(t, err)
	return f, accepted
}

func allResults() RecordResultsInput {
	return RecordResultsInput{
		Serials: []SerialResultInput{
			{SerialNumber: "SN1", Result: ledger.ResultPassed},
			{SerialNumber: "SN2", Result: ledger.ResultFailed, Remark: "leaking seal"},
		},
		Quantities: []QuantityResultInput{
			{ProductID: 200, Qty: 3, Result: ledger.ResultPassed},
			{ProductID: 200, Qty: 1, Result: ledger.ResultTested},
		},
	}
}

func TestRecordResultsMirrorsOutcomes(t *testing.T) {
	f, accepted := acceptedFixture(t)
	ctx := context.Background()

	updated, err := f.service.RecordResults(ctx, f.center, accepted.ID, allResults())
	require.NoError(t, err)
	// Results alone do not complete the request; return does.
	require.Equal(t, StatusUnderTesting, updated.Status)

	serialLine := updated.Lines[0]
	require.Equal(t, ledger.ResultPassed, serialLine.Serials[0].TestResult)
	require.Equal(t, ledger.SerialPassed, serialLine.Serials[0].Status)
	require.Equal(t, "leaking seal", serialLine.Serials[1].TestRemark)
	require.True(t, serialLine.Resolved())

	bulkLine := updated.Lines[1]
	require.EqualValues(t, 3, bulkLine.PassedQty)
	require.EqualValues(t, 1, bulkLine.TestedQty)
	require.True(t, bulkLine.Resolved())

	centerSerial := f.store.entry(2, 100)
	require.EqualValues(t, 0, centerSerial.UnderTesting)
	require.EqualValues(t, 1, centerSerial.Passed)
	require.EqualValues(t, 1, centerSerial.Failed)
}

func TestRecordResultsTwiceForSerial(t *testing.T) {
	f, accepted := acceptedFixture(t)
	ctx := context.Background()

	input := RecordResultsInput{Serials: []SerialResultInput{{SerialNumber: "SN1", Result: ledger.ResultPassed}}}
	_, err := f.service.RecordResults(ctx, f.center, accepted.ID, input)
	require.NoError(t, err)
	_, err = f.service.RecordResults(ctx, f.center, accepted.ID, input)
	require.ErrorIs(t, err, shared.ErrAlreadyProcessed)
}

func TestRecordResultsUnknownSerial(t *testing.T) {
	f, accepted := acceptedFixture(t)

	input := RecordResultsInput{Serials: []SerialResultInput{{SerialNumber: "GHOST", Result: ledger.ResultPassed}}}
	_, err := f.service.RecordResults(context.Background(), f.center, accepted.ID, input)
	require.ErrorIs(t, err, shared.ErrInvalidInput)
}

func TestRecordResultsQuantityOverflow(t *testing.T) {
	f, accepted := acceptedFixture(t)

	input := RecordResultsInput{Quantities: []QuantityResultInput{{ProductID: 200, Qty: 5, Result: ledger.ResultPassed}}}
	_, err := f.service.RecordResults(context.Background(), f.center, accepted.ID, input)
	require.ErrorIs(t, err, shared.ErrInvalidInput)
}

func TestReturnCompletesRequest(t *testing.T) {
	f, accepted := acceptedFixture(t)
	ctx := context.Background()

	_, err := f.service.RecordResults(ctx, f.center, accepted.ID, allResults())
	require.NoError(t, err)

	returned, err := f.service.Return(ctx, f.center, accepted.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, returned.Status)
	require.EqualValues(t, 20, returned.CompletedBy)
	require.Equal(t, ledger.SerialReturned, returned.Lines[0].Serials[0].Status)

	outletSerial := f.store.entry(1, 100)
	require.EqualValues(t, 3, outletSerial.Available)
	require.Equal(t, ledger.SerialAvailable, f.store.serial(outletSerial.ID, "SN1").Status)

	outletBulk := f.store.entry(1, 200)
	require.EqualValues(t, 10, outletBulk.Available)

	centerSerial := f.store.entry(2, 100)
	require.EqualValues(t, 0, centerSerial.Total)
	centerBulk := f.store.entry(2, 200)
	require.EqualValues(t, 0, centerBulk.Total)
}

func TestReturnRequiresAllResolved(t *testing.T) {
	f, accepted := acceptedFixture(t)
	ctx := context.Background()

	partial := RecordResultsInput{Serials: []SerialResultInput{{SerialNumber: "SN1", Result: ledger.ResultPassed}}}
	_, err := f.service.RecordResults(ctx, f.center, accepted.ID, partial)
	require.NoError(t, err)

	_, err = f.service.Return(ctx, f.center, accepted.ID)
	require.ErrorIs(t, err, shared.ErrInvalidInput)
}

func TestReturnTwice(t *testing.T) {
	f, accepted := acceptedFixture(t)
	ctx := context.Background()

	_, err := f.service.RecordResults(ctx, f.center, accepted.ID, allResults())
	require.NoError(t, err)
	_, err = f.service.Return(ctx, f.center, accepted.ID)
	require.NoError(t, err)
	_, err = f.service.Return(ctx, f.center, accepted.ID)
	require.ErrorIs(t, err, shared.ErrAlreadyProcessed)
}

func TestCancelRestoresReservation(t *testing.T) {
	f := newFixture(t, nil)
	f.seedOutletStock(t)
	ctx := context.Background()

	created, err := f.service.Create(ctx, f.outlet, defaultCreateInput())
	require.NoError(t, err)

	cancelled, err := f.service.Cancel(ctx, f.outlet, created.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, cancelled.Status)
	require.Equal(t, ledger.SerialAvailable, cancelled.Lines[0].Serials[0].Status)

	serialEntry := f.store.entry(1, 100)
	require.Equal(t, ledger.SerialAvailable, f.store.serial(serialEntry.ID, "SN1").Status)
	require.EqualValues(t, 0, f.store.entry(1, 200).PendingTesting)
}

func TestCancelByForeignOutlet(t *testing.T) {
	f := newFixture(t, nil)
	f.seedOutletStock(t)
	ctx := context.Background()

	created, err := f.service.Create(ctx, f.outlet, defaultCreateInput())
	require.NoError(t, err)

	_, err = f.service.Cancel(ctx, shared.Actor{ID: 30, HomeLocation: 3}, created.ID)
	require.ErrorIs(t, err, shared.ErrPermissionDenied)
}

func TestCancelAfterAccept(t *testing.T) {
	f, accepted := acceptedFixture(t)

	_, err := f.service.Cancel(context.Background(), f.outlet, accepted.ID)
	require.ErrorIs(t, err, shared.ErrAlreadyProcessed)
}

func TestListAppliesFilterAndPagination(t *testing.T) {
	f := newFixture(t, nil)
	f.seedOutletStock(t)
	ctx := context.Background()

	created, err := f.service.Create(ctx, f.outlet, defaultCreateInput())
	require.NoError(t, err)

	items, pagination, err := f.service.List(ctx, f.outlet, Filter{Status: StatusPendingTesting})
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, created.RequestNumber, items[0].RequestNumber)
	require.Equal(t, 1, pagination.Page)
	require.Equal(t, 20, pagination.PerPage)
	require.Equal(t, 1, pagination.Total)

	items, _, err = f.service.List(ctx, f.outlet, Filter{Status: StatusCompleted})
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestLifecycleTransitionsAreCounted(t *testing.T) {
	f := newFixture(t, nil)
	f.seedOutletStock(t)
	recorder := &stubTransitions{}
	f.service.WithMetrics(recorder)
	ctx := context.Background()

	created, err := f.service.Create(ctx, f.outlet, defaultCreateInput())
	require.NoError(t, err)
	_, err = f.service.Accept(ctx, f.center, created.ID)
	require.NoError(t, err)
	_, err = f.service.RecordResults(ctx, f.center, created.ID, allResults())
	require.NoError(t, err)
	_, err = f.service.Return(ctx, f.center, created.ID)
	require.NoError(t, err)

	second, err := f.service.Create(ctx, f.outlet, CreateInput{
		FromOutlet: 1,
		ToCenter:   2,
		Lines:      []LineInput{{ProductID: 200, Quantity: 2}},
	})
	require.NoError(t, err)
	_, err = f.service.Cancel(ctx, f.outlet, second.ID)
	require.NoError(t, err)

	require.Equal(t, map[string]int{
		"create":         2,
		"accept":         1,
		"record_results": 1,
		"return":         1,
		"cancel":         1,
	}, recorder.counts)
}

func TestAcceptSerializesConcurrentAttempts(t *testing.T) {
	f := newFixture(t, nil)
	f.seedOutletStock(t)
	created, err := f.service.Create(context.Background(), f.outlet, defaultCreateInput())
	require.NoError(t, err)

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.service.Accept(context.Background(), f.center, created.ID)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var won, lost int
	for err := range errs {
		if err == nil {
			won++
			continue
		}
		require.ErrorIs(t, err, shared.ErrAlreadyProcessed)
		lost++
	}
	require.Equal(t, 1, won)
	require.Equal(t, 1, lost)

	refreshed, err := f.service.Get(context.Background(), f.center, created.ID)
	require.NoError(t, err)
	require.Equal(t, StatusUnderTesting, refreshed.Status)
}

func TestCreateSerializesConcurrentSerialClaims(t *testing.T) {
	f := newFixture(t, nil)
	f.seedOutletStock(t)
	input := CreateInput{
		FromOutlet: 1,
		ToCenter:   2,
		Lines:      []LineInput{{ProductID: 100, Quantity: 1, Serials: []string{"SN1"}}},
	}

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.service.Create(context.Background(), f.outlet, input)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var won, lost int
	for err := range errs {
		if err == nil {
			won++
			continue
		}
		require.ErrorIs(t, err, shared.ErrSerialUnavailable)
		lost++
	}
	require.Equal(t, 1, won)
	require.Equal(t, 1, lost)

	serialEntry := f.store.entry(1, 100)
	require.Equal(t, ledger.SerialPendingTesting, f.store.serial(serialEntry.ID, "SN1").Status)
}
