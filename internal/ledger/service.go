package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/labstock/labstock/internal/shared"
)

// TxStore exposes the transactional operations the ledger mutations run on.
// One TxStore is bound to one database transaction; the workflow engine hands
// the same instance to every line of a request so the whole lifecycle event
// commits or rolls back as a unit.
type TxStore interface {
	// GetEntryForUpdate locks and returns the entry, or ErrEntryNotFound.
	GetEntryForUpdate(ctx context.Context, locationID, productID int64) (StockEntry, error)
	CreateEntry(ctx context.Context, entry StockEntry) (int64, error)
	UpdateCounters(ctx context.Context, entryID int64, c Counters) error
	// GetSerialsForUpdate locks and returns the matching serial records in the
	// order requested. Serials absent from the entry are simply missing from
	// the result.
	GetSerialsForUpdate(ctx context.Context, entryID int64, numbers []string) ([]SerialRecord, error)
	SerialExists(ctx context.Context, entryID int64, number string) (bool, error)
	InsertSerial(ctx context.Context, record SerialRecord) (int64, error)
	UpdateSerial(ctx context.Context, record SerialRecord) error
	AppendTransferEvent(ctx context.Context, event TransferEvent) (int64, error)
	// UpdateLastTransferEvent rewrites status and result of the serial's most
	// recent history entry without appending a new one.
	UpdateLastTransferEvent(ctx context.Context, serialID int64, status SerialStatus, result TestResult) error
}

// ReadPort serves the ledger views outside any transaction.
type ReadPort interface {
	GetEntry(ctx context.Context, locationID, productID int64) (StockEntry, error)
	ListUnderTesting(ctx context.Context, locationID int64) ([]StockEntry, error)
	ListUnderTestingSerials(ctx context.Context, locationID, productID int64) ([]SerialRecord, error)
	ListTransferHistory(ctx context.Context, serialID int64) ([]TransferEvent, error)
}

// ErrEntryNotFound indicates a missing stock entry row.
var ErrEntryNotFound = errors.New("ledger: stock entry not found")

// Service implements the stock ledger state machine. Mutations take the
// caller's TxStore; views go through the read port with a cache in front.
type Service struct {
	reads ReadPort
	cache *ViewCache
	now   func() time.Time
}

// NewService builds the ledger service.
func NewService(reads ReadPort, cache *ViewCache) *Service {
	return &Service{reads: reads, cache: cache, now: time.Now}
}

// WithNow overrides the service clock for testing.
func (s *Service) WithNow(fn func() time.Time) {
	if fn != nil {
		s.now = fn
	}
}

// ReserveInput describes a soft hold of outlet stock for one request line.
type ReserveInput struct {
	LocationID  int64
	ProductID   int64
	Qty         int64
	Serials     []string
	Destination int64
	RequestID   int64
}

// Reserve marks outlet stock as pending testing. The hold is advisory:
// available is deliberately not decremented here, the real draw-down happens
// at Commit once the destination center accepts.
func (s *Service) Reserve(ctx context.Context, tx TxStore, in ReserveInput) error {
	entry, err := tx.GetEntryForUpdate(ctx, in.LocationID, in.ProductID)
	if err != nil {
		if errors.Is(err, ErrEntryNotFound) {
			return fmt.Errorf("ledger: no stock of product %d at location %d: %w", in.ProductID, in.LocationID, shared.ErrInsufficientStock)
		}
		return err
	}

	if entry.TracksSerial {
		records, err := s.lockSerials(ctx, tx, entry, in.Serials)
		if err != nil {
			return err
		}
		for _, record := range records {
			if record.Status != SerialAvailable || record.CurrentLocation != in.LocationID {
				return fmt.Errorf("ledger: serial %s is %s: %w", record.SerialNumber, record.Status, shared.ErrSerialUnavailable)
			}
		}
		for _, record := range records {
			record.Status = SerialPendingTesting
			record.RequestID = in.RequestID
			if err := tx.UpdateSerial(ctx, record); err != nil {
				return err
			}
			event := TransferEvent{
				SerialID:     record.ID,
				FromLocation: in.LocationID,
				ToLocation:   in.Destination,
				Type:         TransferOutletToTesting,
				Status:       SerialPendingTesting,
				OccurredAt:   s.now().UTC(),
			}
			if _, err := tx.AppendTransferEvent(ctx, event); err != nil {
				return err
			}
		}
		return nil
	}

	if entry.Available < in.Qty {
		return fmt.Errorf("ledger: available %d below requested %d for product %d: %w", entry.Available, in.Qty, in.ProductID, shared.ErrInsufficientStock)
	}
	entry.PendingTesting += in.Qty
	return tx.UpdateCounters(ctx, entry.ID, entry.Counters)
}

// CommitInput finalises a reservation when the destination accepts.
type CommitInput struct {
	LocationID  int64
	ProductID   int64
	Qty         int64
	Serials     []string
	Destination int64
	RequestID   int64
}

// Commit draws down outlet stock for an accepted request line. Serials move to
// under_testing and their current location flips to the destination center.
func (s *Service) Commit(ctx context.Context, tx TxStore, in CommitInput) error {
	entry, err := tx.GetEntryForUpdate(ctx, in.LocationID, in.ProductID)
	if err != nil {
		if errors.Is(err, ErrEntryNotFound) {
			return fmt.Errorf("ledger: no stock of product %d at location %d: %w", in.ProductID, in.LocationID, shared.ErrInsufficientStock)
		}
		return err
	}
	if entry.Available < in.Qty {
		return fmt.Errorf("ledger: available %d below committed %d for product %d: %w", entry.Available, in.Qty, in.ProductID, shared.ErrInsufficientStock)
	}

	if entry.TracksSerial {
		records, err := s.lockSerials(ctx, tx, entry, in.Serials)
		if err != nil {
			return err
		}
		for _, record := range records {
			if record.Status != SerialPendingTesting || record.RequestID != in.RequestID {
				return fmt.Errorf("ledger: serial %s is not reserved by this request: %w", record.SerialNumber, shared.ErrSerialUnavailable)
			}
		}
		for _, record := range records {
			record.Status = SerialUnderTesting
			record.CurrentLocation = in.Destination
			if err := tx.UpdateSerial(ctx, record); err != nil {
				return err
			}
			event := TransferEvent{
				SerialID:     record.ID,
				FromLocation: in.LocationID,
				ToLocation:   in.Destination,
				Type:         TransferOutletToTesting,
				Status:       SerialUnderTesting,
				OccurredAt:   s.now().UTC(),
			}
			if _, err := tx.AppendTransferEvent(ctx, event); err != nil {
				return err
			}
		}
		entry.Available -= in.Qty
		return tx.UpdateCounters(ctx, entry.ID, entry.Counters)
	}

	if entry.PendingTesting < in.Qty {
		return fmt.Errorf("ledger: pending %d below committed %d for product %d: %w", entry.PendingTesting, in.Qty, in.ProductID, shared.ErrInsufficientStock)
	}
	entry.Available -= in.Qty
	entry.PendingTesting -= in.Qty
	return tx.UpdateCounters(ctx, entry.ID, entry.Counters)
}

// ReceiveInput books accepted stock into the testing-center ledger.
type ReceiveInput struct {
	LocationID     int64
	ProductID      int64
	TracksSerial   bool
	Qty            int64
	Serials        []string
	OriginalOutlet int64
	RequestID      int64
}

// Receive upserts the destination entry: created when absent, merged
// otherwise. Fails with DuplicateSerial when a serial being added already
// exists in this ledger.
func (s *Service) Receive(ctx context.Context, tx TxStore, in ReceiveInput) error {
	entry, err := tx.GetEntryForUpdate(ctx, in.LocationID, in.ProductID)
	if errors.Is(err, ErrEntryNotFound) {
		entry = StockEntry{LocationID: in.LocationID, ProductID: in.ProductID, TracksSerial: in.TracksSerial}
		id, createErr := tx.CreateEntry(ctx, entry)
		if createErr != nil {
			return createErr
		}
		entry.ID = id
	} else if err != nil {
		return err
	}

	if entry.TracksSerial {
		for _, number := range in.Serials {
			exists, err := tx.SerialExists(ctx, entry.ID, number)
			if err != nil {
				return err
			}
			if exists {
				return fmt.Errorf("ledger: serial %s already present at location %d: %w", number, in.LocationID, shared.ErrDuplicateSerial)
			}
		}
		for _, number := range in.Serials {
			record := SerialRecord{
				EntryID:         entry.ID,
				SerialNumber:    number,
				Status:          SerialUnderTesting,
				CurrentLocation: in.LocationID,
				OriginalOutlet:  in.OriginalOutlet,
				RequestID:       in.RequestID,
			}
			id, err := tx.InsertSerial(ctx, record)
			if err != nil {
				return err
			}
			event := TransferEvent{
				SerialID:     id,
				FromLocation: in.OriginalOutlet,
				ToLocation:   in.LocationID,
				Type:         TransferOutletToTesting,
				Status:       SerialUnderTesting,
				OccurredAt:   s.now().UTC(),
			}
			if _, err := tx.AppendTransferEvent(ctx, event); err != nil {
				return err
			}
		}
	}

	entry.Total += in.Qty
	entry.Available += in.Qty
	entry.UnderTesting += in.Qty
	return tx.UpdateCounters(ctx, entry.ID, entry.Counters)
}

// RecordSerialResultInput captures a per-serial test outcome.
type RecordSerialResultInput struct {
	LocationID   int64
	ProductID    int64
	SerialNumber string
	Result       TestResult
	Remark       string
	TestedBy     int64
}

// RecordSerialResult moves one serial from under_testing to its outcome
// status. The outcome is folded into the last transfer-history entry instead
// of appending a new one.
func (s *Service) RecordSerialResult(ctx context.Context, tx TxStore, in RecordSerialResultInput) error {
	status, ok := SerialStatusForResult(in.Result)
	if !ok {
		return fmt.Errorf("ledger: unknown test result %q: %w", in.Result, shared.ErrInvalidInput)
	}
	entry, err := tx.GetEntryForUpdate(ctx, in.LocationID, in.ProductID)
	if err != nil {
		if errors.Is(err, ErrEntryNotFound) {
			return fmt.Errorf("ledger: no stock of product %d at location %d: %w", in.ProductID, in.LocationID, shared.ErrNotFound)
		}
		return err
	}
	records, err := tx.GetSerialsForUpdate(ctx, entry.ID, []string{in.SerialNumber})
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return fmt.Errorf("ledger: serial %s not found at location %d: %w", in.SerialNumber, in.LocationID, shared.ErrNotFound)
	}
	record := records[0]
	if record.Status != SerialUnderTesting {
		return fmt.Errorf("ledger: serial %s is %s, not under testing: %w", record.SerialNumber, record.Status, shared.ErrSerialUnavailable)
	}

	record.Status = status
	record.TestResult = in.Result
	record.TestRemark = in.Remark
	record.TestedAt = s.now().UTC()
	record.TestedBy = in.TestedBy
	if err := tx.UpdateSerial(ctx, record); err != nil {
		return err
	}
	if err := tx.UpdateLastTransferEvent(ctx, record.ID, status, in.Result); err != nil {
		return err
	}

	entry.UnderTesting--
	bumpOutcome(&entry.Counters, in.Result, 1)
	return tx.UpdateCounters(ctx, entry.ID, entry.Counters)
}

// RecordQuantityResultInput captures a bulk outcome for a non-serialized product.
type RecordQuantityResultInput struct {
	LocationID int64
	ProductID  int64
	Qty        int64
	Result     TestResult
}

// RecordQuantityResult resolves a quantity of a non-serialized product.
func (s *Service) RecordQuantityResult(ctx context.Context, tx TxStore, in RecordQuantityResultInput) error {
	if _, ok := SerialStatusForResult(in.Result); !ok {
		return fmt.Errorf("ledger: unknown test result %q: %w", in.Result, shared.ErrInvalidInput)
	}
	entry, err := tx.GetEntryForUpdate(ctx, in.LocationID, in.ProductID)
	if err != nil {
		if errors.Is(err, ErrEntryNotFound) {
			return fmt.Errorf("ledger: no stock of product %d at location %d: %w", in.ProductID, in.LocationID, shared.ErrNotFound)
		}
		return err
	}
	if entry.UnderTesting < in.Qty {
		return fmt.Errorf("ledger: under testing %d below resolved %d for product %d: %w", entry.UnderTesting, in.Qty, in.ProductID, shared.ErrInsufficientStock)
	}
	entry.UnderTesting -= in.Qty
	bumpOutcome(&entry.Counters, in.Result, in.Qty)
	return tx.UpdateCounters(ctx, entry.ID, entry.Counters)
}

// ReturnInput ships tested serials from the testing center back to an outlet.
type ReturnInput struct {
	LocationID  int64
	ProductID   int64
	Serials     []string
	Destination int64
}

// Return removes tested serials from the testing-center ledger. The matching
// outlet-side effect is ReturnReceive.
func (s *Service) Return(ctx context.Context, tx TxStore, in ReturnInput) error {
	entry, err := tx.GetEntryForUpdate(ctx, in.LocationID, in.ProductID)
	if err != nil {
		if errors.Is(err, ErrEntryNotFound) {
			return fmt.Errorf("ledger: no stock of product %d at location %d: %w", in.ProductID, in.LocationID, shared.ErrNotFound)
		}
		return err
	}
	records, err := s.lockSerials(ctx, tx, entry, in.Serials)
	if err != nil {
		return err
	}
	for _, record := range records {
		if record.TestResult == "" {
			return fmt.Errorf("ledger: serial %s has no test result yet: %w", record.SerialNumber, shared.ErrSerialUnavailable)
		}
	}
	for _, record := range records {
		bumpOutcome(&entry.Counters, record.TestResult, -1)
		record.Status = SerialReturned
		record.CurrentLocation = in.Destination
		if err := tx.UpdateSerial(ctx, record); err != nil {
			return err
		}
		event := TransferEvent{
			SerialID:     record.ID,
			FromLocation: in.LocationID,
			ToLocation:   in.Destination,
			Type:         TransferTestingToOutlet,
			Status:       SerialReturned,
			TestResult:   record.TestResult,
			OccurredAt:   s.now().UTC(),
		}
		if _, err := tx.AppendTransferEvent(ctx, event); err != nil {
			return err
		}
	}
	qty := int64(len(in.Serials))
	entry.Total -= qty
	entry.Available -= qty
	return tx.UpdateCounters(ctx, entry.ID, entry.Counters)
}

// ReturnReceiveInput re-books returned stock at the source outlet.
type ReturnReceiveInput struct {
	LocationID int64
	ProductID  int64
	Qty        int64
	Serials    []string
	FromCenter int64
}

// ReturnReceive re-increments outlet availability once stock comes back from
// testing. Outlet serial records become available again at their home
// location; the center's test verdict stays on the center-side history.
func (s *Service) ReturnReceive(ctx context.Context, tx TxStore, in ReturnReceiveInput) error {
	entry, err := tx.GetEntryForUpdate(ctx, in.LocationID, in.ProductID)
	if err != nil {
		if errors.Is(err, ErrEntryNotFound) {
			return fmt.Errorf("ledger: no stock of product %d at location %d: %w", in.ProductID, in.LocationID, shared.ErrNotFound)
		}
		return err
	}
	if entry.TracksSerial {
		records, err := s.lockSerials(ctx, tx, entry, in.Serials)
		if err != nil {
			return err
		}
		for _, record := range records {
			record.Status = SerialAvailable
			record.CurrentLocation = in.LocationID
			record.RequestID = 0
			if err := tx.UpdateSerial(ctx, record); err != nil {
				return err
			}
			event := TransferEvent{
				SerialID:     record.ID,
				FromLocation: in.FromCenter,
				ToLocation:   in.LocationID,
				Type:         TransferTestingToOutlet,
				Status:       SerialAvailable,
				OccurredAt:   s.now().UTC(),
			}
			if _, err := tx.AppendTransferEvent(ctx, event); err != nil {
				return err
			}
		}
	}
	entry.Available += in.Qty
	return tx.UpdateCounters(ctx, entry.ID, entry.Counters)
}

// CancelInput reverses a reservation that was never committed.
type CancelInput struct {
	LocationID int64
	ProductID  int64
	Qty        int64
	Serials    []string
	RequestID  int64
}

// CancelReservation releases the soft hold taken by Reserve. History stays
// append-only: the release is recorded as a testing_cancelled event.
func (s *Service) CancelReservation(ctx context.Context, tx TxStore, in CancelInput) error {
	entry, err := tx.GetEntryForUpdate(ctx, in.LocationID, in.ProductID)
	if err != nil {
		if errors.Is(err, ErrEntryNotFound) {
			return fmt.Errorf("ledger: no stock of product %d at location %d: %w", in.ProductID, in.LocationID, shared.ErrNotFound)
		}
		return err
	}

	if entry.TracksSerial {
		records, err := s.lockSerials(ctx, tx, entry, in.Serials)
		if err != nil {
			return err
		}
		for _, record := range records {
			if record.Status != SerialPendingTesting || record.RequestID != in.RequestID {
				return fmt.Errorf("ledger: serial %s is not reserved by this request: %w", record.SerialNumber, shared.ErrSerialUnavailable)
			}
		}
		for _, record := range records {
			record.Status = SerialAvailable
			record.RequestID = 0
			if err := tx.UpdateSerial(ctx, record); err != nil {
				return err
			}
			event := TransferEvent{
				SerialID:     record.ID,
				FromLocation: in.LocationID,
				ToLocation:   in.LocationID,
				Type:         TransferTestingCancelled,
				Status:       SerialAvailable,
				OccurredAt:   s.now().UTC(),
			}
			if _, err := tx.AppendTransferEvent(ctx, event); err != nil {
				return err
			}
		}
		return nil
	}

	if entry.PendingTesting < in.Qty {
		return fmt.Errorf("ledger: pending %d below cancelled %d for product %d: %w", entry.PendingTesting, in.Qty, in.ProductID, shared.ErrInsufficientStock)
	}
	entry.PendingTesting -= in.Qty
	return tx.UpdateCounters(ctx, entry.ID, entry.Counters)
}

// ValidateCommit checks the Commit preconditions without mutating state. The
// accept flow runs this for every line before applying any, so a failing line
// surfaces before the first write.
func (s *Service) ValidateCommit(ctx context.Context, tx TxStore, in CommitInput) error {
	entry, err := tx.GetEntryForUpdate(ctx, in.LocationID, in.ProductID)
	if err != nil {
		if errors.Is(err, ErrEntryNotFound) {
			return fmt.Errorf("ledger: no stock of product %d at location %d: %w", in.ProductID, in.LocationID, shared.ErrInsufficientStock)
		}
		return err
	}
	if entry.Available < in.Qty {
		return fmt.Errorf("ledger: available %d below committed %d for product %d: %w", entry.Available, in.Qty, in.ProductID, shared.ErrInsufficientStock)
	}
	if entry.TracksSerial {
		records, err := s.lockSerials(ctx, tx, entry, in.Serials)
		if err != nil {
			return err
		}
		for _, record := range records {
			if record.Status != SerialPendingTesting || record.RequestID != in.RequestID {
				return fmt.Errorf("ledger: serial %s is not reserved by this request: %w", record.SerialNumber, shared.ErrSerialUnavailable)
			}
		}
		return nil
	}
	if entry.PendingTesting < in.Qty {
		return fmt.Errorf("ledger: pending %d below committed %d for product %d: %w", entry.PendingTesting, in.Qty, in.ProductID, shared.ErrInsufficientStock)
	}
	return nil
}

// ValidateReceive checks the Receive preconditions without mutating state.
func (s *Service) ValidateReceive(ctx context.Context, tx TxStore, in ReceiveInput) error {
	entry, err := tx.GetEntryForUpdate(ctx, in.LocationID, in.ProductID)
	if errors.Is(err, ErrEntryNotFound) {
		// Entry will be created on apply; nothing can collide yet.
		return nil
	}
	if err != nil {
		return err
	}
	if !entry.TracksSerial {
		return nil
	}
	for _, number := range in.Serials {
		exists, err := tx.SerialExists(ctx, entry.ID, number)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("ledger: serial %s already present at location %d: %w", number, in.LocationID, shared.ErrDuplicateSerial)
		}
	}
	return nil
}

// ReturnQuantityInput ships a resolved non-serialized quantity back to the outlet.
type ReturnQuantityInput struct {
	LocationID int64
	ProductID  int64
	Passed     int64
	Failed     int64
	Tested     int64
}

// ReturnQuantity removes resolved non-serialized stock from the testing-center
// ledger, decrementing each outcome counter by the quantity it resolved to.
func (s *Service) ReturnQuantity(ctx context.Context, tx TxStore, in ReturnQuantityInput) error {
	entry, err := tx.GetEntryForUpdate(ctx, in.LocationID, in.ProductID)
	if err != nil {
		if errors.Is(err, ErrEntryNotFound) {
			return fmt.Errorf("ledger: no stock of product %d at location %d: %w", in.ProductID, in.LocationID, shared.ErrNotFound)
		}
		return err
	}
	qty := in.Passed + in.Failed + in.Tested
	if entry.Passed < in.Passed || entry.Failed < in.Failed || entry.Tested < in.Tested || entry.Available < qty {
		return fmt.Errorf("ledger: returned quantities exceed recorded outcomes for product %d: %w", in.ProductID, shared.ErrInsufficientStock)
	}
	entry.Passed -= in.Passed
	entry.Failed -= in.Failed
	entry.Tested -= in.Tested
	entry.Total -= qty
	entry.Available -= qty
	return tx.UpdateCounters(ctx, entry.ID, entry.Counters)
}

// GetEntry returns one ledger row.
func (s *Service) GetEntry(ctx context.Context, locationID, productID int64) (StockEntry, error) {
	entry, err := s.reads.GetEntry(ctx, locationID, productID)
	if err != nil {
		if errors.Is(err, ErrEntryNotFound) {
			return StockEntry{}, fmt.Errorf("ledger: no stock of product %d at location %d: %w", productID, locationID, shared.ErrNotFound)
		}
		return StockEntry{}, err
	}
	return entry, nil
}

// ListUnderTesting lists the entries currently holding stock under testing at
// a location. Responses are cached per location until the next transition.
func (s *Service) ListUnderTesting(ctx context.Context, locationID int64) ([]StockEntry, error) {
	var entries []StockEntry
	err := s.cache.FetchJSON(ctx, s.cache.EntriesKey(ctx, locationID), &entries, func(ctx context.Context) (any, error) {
		return s.reads.ListUnderTesting(ctx, locationID)
	})
	return entries, err
}

// ListUnderTestingSerials lists the serials under testing for one product at a location.
func (s *Service) ListUnderTestingSerials(ctx context.Context, locationID, productID int64) ([]SerialRecord, error) {
	var serials []SerialRecord
	err := s.cache.FetchJSON(ctx, s.cache.SerialsKey(ctx, locationID, productID), &serials, func(ctx context.Context) (any, error) {
		return s.reads.ListUnderTestingSerials(ctx, locationID, productID)
	})
	return serials, err
}

// ListTransferHistory returns a serial's transfer events in append order.
func (s *Service) ListTransferHistory(ctx context.Context, serialID int64) ([]TransferEvent, error) {
	return s.reads.ListTransferHistory(ctx, serialID)
}

// InvalidateViews drops cached under-testing views for a location after a
// lifecycle transition touched its ledger.
func (s *Service) InvalidateViews(ctx context.Context, locationID int64) {
	s.cache.Bump(ctx, locationID)
}

// lockSerials fetches the requested serials under lock and verifies all exist.
func (s *Service) lockSerials(ctx context.Context, tx TxStore, entry StockEntry, numbers []string) ([]SerialRecord, error) {
	records, err := tx.GetSerialsForUpdate(ctx, entry.ID, numbers)
	if err != nil {
		return nil, err
	}
	if len(records) != len(numbers) {
		found := make(map[string]struct{}, len(records))
		for _, record := range records {
			found[record.SerialNumber] = struct{}{}
		}
		for _, number := range numbers {
			if _, ok := found[number]; !ok {
				return nil, fmt.Errorf("ledger: serial %s not found at location %d: %w", number, entry.LocationID, shared.ErrSerialUnavailable)
			}
		}
	}
	return records, nil
}

func bumpOutcome(c *Counters, result TestResult, delta int64) {
	switch result {
	case ResultPassed:
		c.Passed += delta
	case ResultFailed:
		c.Failed += delta
	case ResultTested:
		c.Tested += delta
	}
}
