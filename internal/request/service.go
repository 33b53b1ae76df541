package request

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/labstock/labstock/internal/catalog"
	"github.com/labstock/labstock/internal/ledger"
	"github.com/labstock/labstock/internal/location"
	"github.com/labstock/labstock/internal/shared"
)

// TxRepository exposes the transactional operations used by the workflow
// engine. Ledger() returns the stock-ledger port bound to the same database
// transaction, so request and ledger writes commit or roll back together.
type TxRepository interface {
	CountRequests(ctx context.Context) (int64, error)
	// InsertRequest fails with a shared.ErrConflict wrap when the request
	// number collides with an existing one.
	InsertRequest(ctx context.Context, req TestingRequest) (int64, error)
	InsertLine(ctx context.Context, line Line) (int64, error)
	InsertLineSerial(ctx context.Context, serial LineSerial) (int64, error)
	// MarkAccepted flips pending_testing to under_testing as a compare-and-swap;
	// false means the request was no longer pending.
	MarkAccepted(ctx context.Context, id, actorID int64, at time.Time) (bool, error)
	// MarkCancelled flips pending_testing to cancelled as a compare-and-swap.
	MarkCancelled(ctx context.Context, id, actorID int64, at time.Time) (bool, error)
	// MarkCompleted flips under_testing to completed as a compare-and-swap.
	MarkCompleted(ctx context.Context, id, actorID int64, at time.Time) (bool, error)
	SetSerialStatuses(ctx context.Context, requestID int64, status ledger.SerialStatus) error
	GetLineForUpdate(ctx context.Context, requestID, productID int64) (Line, error)
	GetLineSerialForUpdate(ctx context.Context, requestID int64, serialNumber string) (LineSerial, error)
	UpdateLineSerial(ctx context.Context, serial LineSerial) error
	UpdateLineOutcome(ctx context.Context, lineID int64, passed, failed, tested int64) error
	Ledger() ledger.TxStore
}

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetRequest(ctx context.Context, id int64) (TestingRequest, error)
	ListRequests(ctx context.Context, filter Filter) ([]TestingRequest, int, error)
}

// CatalogPort resolves products for line validation.
type CatalogPort interface {
	GetProduct(ctx context.Context, id int64) (catalog.Product, error)
}

// LocationPort resolves outlets and centers.
type LocationPort interface {
	GetLocation(ctx context.Context, id int64) (location.Location, error)
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// TransitionRecorder counts completed lifecycle transitions, implemented by
// observability.Metrics.
type TransitionRecorder interface {
	RecordTransition(action string)
}

// Service is the workflow engine: it validates lifecycle preconditions
// against current ledger and request state, then mutates both ledgers and the
// request aggregate inside one transaction.
type Service struct {
	repo        RepositoryPort
	ledger      *ledger.Service
	catalog     CatalogPort
	locations   LocationPort
	oracle      shared.CapabilityOracle
	audit       AuditPort
	idempotency *shared.IdempotencyStore
	transitions TransitionRecorder
	now         func() time.Time
}

// NewService constructs the workflow engine.
func NewService(repo RepositoryPort, lgr *ledger.Service, cat CatalogPort, loc LocationPort, oracle shared.CapabilityOracle, audit AuditPort, idem *shared.IdempotencyStore) *Service {
	return &Service{
		repo:        repo,
		ledger:      lgr,
		catalog:     cat,
		locations:   loc,
		oracle:      oracle,
		audit:       audit,
		idempotency: idem,
		now:         time.Now,
	}
}

// WithNow overrides the service clock for testing.
func (s *Service) WithNow(fn func() time.Time) {
	if fn != nil {
		s.now = fn
	}
}

// WithMetrics wires transition counting into the lifecycle operations.
func (s *Service) WithMetrics(rec TransitionRecorder) {
	s.transitions = rec
}

// CreateInput describes a new testing request.
type CreateInput struct {
	FromOutlet int64
	ToCenter   int64
	Remark     string
	Lines      []LineInput
}

// LineInput is one requested product position.
type LineInput struct {
	ProductID int64
	Quantity  int64
	Serials   []string
	Remark    string
}

// Create validates every line, reserves outlet stock and persists the request
// as one unit. Either all lines reserve or the whole create fails.
func (s *Service) Create(ctx context.Context, actor shared.Actor, input CreateInput) (TestingRequest, error) {
	if err := s.authorize(ctx, actor, shared.CapRequestCreate); err != nil {
		return TestingRequest{}, err
	}
	if len(input.Lines) == 0 {
		return TestingRequest{}, fmt.Errorf("request: at least one line required: %w", shared.ErrInvalidInput)
	}
	if input.FromOutlet == input.ToCenter {
		return TestingRequest{}, fmt.Errorf("request: source and destination must differ: %w", shared.ErrInvalidInput)
	}

	from, err := s.locations.GetLocation(ctx, input.FromOutlet)
	if err != nil {
		return TestingRequest{}, err
	}
	if from.Type != location.TypeOutlet {
		return TestingRequest{}, fmt.Errorf("request: location %d is not an outlet: %w", input.FromOutlet, shared.ErrInvalidInput)
	}
	to, err := s.locations.GetLocation(ctx, input.ToCenter)
	if err != nil {
		return TestingRequest{}, err
	}
	if to.Type != location.TypeCenter || !to.CanTest {
		return TestingRequest{}, fmt.Errorf("request: location %d cannot receive testing stock: %w", input.ToCenter, shared.ErrInvalidInput)
	}

	lines := make([]Line, 0, len(input.Lines))
	for i, in := range input.Lines {
		if in.Quantity <= 0 {
			return TestingRequest{}, fmt.Errorf("request: line %d quantity must be positive: %w", i+1, shared.ErrInvalidInput)
		}
		product, err := s.catalog.GetProduct(ctx, in.ProductID)
		if err != nil {
			return TestingRequest{}, err
		}
		if product.TracksSerial {
			if int64(len(in.Serials)) != in.Quantity {
				return TestingRequest{}, fmt.Errorf("request: line %d needs %d serials, got %d: %w", i+1, in.Quantity, len(in.Serials), shared.ErrInvalidInput)
			}
			seen := make(map[string]struct{}, len(in.Serials))
			for _, number := range in.Serials {
				if number == "" {
					return TestingRequest{}, fmt.Errorf("request: line %d has an empty serial number: %w", i+1, shared.ErrInvalidInput)
				}
				if _, dup := seen[number]; dup {
					return TestingRequest{}, fmt.Errorf("request: line %d repeats serial %s: %w", i+1, number, shared.ErrInvalidInput)
				}
				seen[number] = struct{}{}
			}
		} else if len(in.Serials) != 0 {
			return TestingRequest{}, fmt.Errorf("request: line %d carries serials for a non-serialized product: %w", i+1, shared.ErrInvalidInput)
		}
		line := Line{
			ProductID:    product.ID,
			ProductName:  product.Name,
			TracksSerial: product.TracksSerial,
			Quantity:     in.Quantity,
			Remark:       in.Remark,
		}
		for _, number := range in.Serials {
			line.Serials = append(line.Serials, LineSerial{SerialNumber: number, Status: ledger.SerialPendingTesting})
		}
		lines = append(lines, line)
	}

	var requestID int64
	for attempt := 1; ; attempt++ {
		err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			count, err := tx.CountRequests(ctx)
			if err != nil {
				return err
			}
			now := s.now().UTC()
			req := TestingRequest{
				RequestNumber: FormatNumber(now, count+1),
				FromOutlet:    input.FromOutlet,
				ToCenter:      input.ToCenter,
				Status:        StatusPendingTesting,
				Remark:        input.Remark,
				RequestedBy:   actor.ID,
				RequestedAt:   now,
			}
			id, err := tx.InsertRequest(ctx, req)
			if err != nil {
				return err
			}
			requestID = id
			for _, line := range lines {
				line.RequestID = id
				lineID, err := tx.InsertLine(ctx, line)
				if err != nil {
					return err
				}
				serials := make([]string, 0, len(line.Serials))
				for _, serial := range line.Serials {
					serial.LineID = lineID
					if _, err := tx.InsertLineSerial(ctx, serial); err != nil {
						return err
					}
					serials = append(serials, serial.SerialNumber)
				}
				err = s.ledger.Reserve(ctx, tx.Ledger(), ledger.ReserveInput{
					LocationID:  input.FromOutlet,
					ProductID:   line.ProductID,
					Qty:         line.Quantity,
					Serials:     serials,
					Destination: input.ToCenter,
					RequestID:   id,
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
		if err == nil {
			break
		}
		if errors.Is(err, shared.ErrConflict) && attempt < maxNumberAttempts {
			continue
		}
		return TestingRequest{}, err
	}

	s.recordTransition("create")
	s.recordAudit(ctx, actor, "REQUEST_CREATE", requestID, map[string]any{"from": input.FromOutlet, "to": input.ToCenter, "lines": len(lines)})
	return s.repo.GetRequest(ctx, requestID)
}

// Accept transitions pending_testing to under_testing: outlet stock is drawn
// down and booked into the testing-center ledger line by line. Every line is
// validated before any is applied; concurrent accepts lose the status CAS and
// fail with AlreadyProcessed.
func (s *Service) Accept(ctx context.Context, actor shared.Actor, requestID int64) (TestingRequest, error) {
	if err := s.authorize(ctx, actor, shared.CapRequestAccept); err != nil {
		return TestingRequest{}, err
	}
	req, err := s.repo.GetRequest(ctx, requestID)
	if err != nil {
		return TestingRequest{}, err
	}
	if actor.HomeLocation != req.ToCenter {
		return TestingRequest{}, fmt.Errorf("request: %s is addressed to center %d: %w", req.RequestNumber, req.ToCenter, shared.ErrPermissionDenied)
	}
	if req.Status != StatusPendingTesting {
		return TestingRequest{}, fmt.Errorf("request: %s is %s: %w", req.RequestNumber, req.Status, shared.ErrAlreadyProcessed)
	}

	key := fmt.Sprintf("REQ-ACCEPT:%s", req.RequestNumber)
	inserted := false
	if s.idempotency != nil {
		if err := s.idempotency.CheckAndInsert(ctx, key, "testing.request"); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				return TestingRequest{}, fmt.Errorf("request: %s accept in flight: %w", req.RequestNumber, shared.ErrAlreadyProcessed)
			}
			return TestingRequest{}, err
		}
		inserted = true
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		ok, err := tx.MarkAccepted(ctx, requestID, actor.ID, s.now().UTC())
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("request: %s is no longer pending: %w", req.RequestNumber, shared.ErrAlreadyProcessed)
		}

		// Phase one: every line must pass before anything is applied.
		for _, line := range req.Lines {
			commit, receive := s.transferInputs(req, line)
			if err := s.ledger.ValidateCommit(ctx, tx.Ledger(), commit); err != nil {
				return err
			}
			if err := s.ledger.ValidateReceive(ctx, tx.Ledger(), receive); err != nil {
				return err
			}
		}
		// Phase two: apply all lines.
		for _, line := range req.Lines {
			commit, receive := s.transferInputs(req, line)
			if err := s.ledger.Commit(ctx, tx.Ledger(), commit); err != nil {
				return err
			}
			if err := s.ledger.Receive(ctx, tx.Ledger(), receive); err != nil {
				return err
			}
		}
		return tx.SetSerialStatuses(ctx, requestID, ledger.SerialUnderTesting)
	})
	if err != nil {
		if inserted {
			_ = s.idempotency.Delete(ctx, key)
		}
		return TestingRequest{}, err
	}

	s.ledger.InvalidateViews(ctx, req.ToCenter)
	s.recordTransition("accept")
	s.recordAudit(ctx, actor, "REQUEST_ACCEPT", requestID, map[string]any{"number": req.RequestNumber})
	return s.repo.GetRequest(ctx, requestID)
}

// SerialResultInput is one per-serial outcome.
type SerialResultInput struct {
	SerialNumber string
	Result       ledger.TestResult
	Remark       string
}

// QuantityResultInput resolves part of a non-serialized line.
type QuantityResultInput struct {
	ProductID int64
	Qty       int64
	Result    ledger.TestResult
}

// RecordResultsInput groups outcomes recorded in one call.
type RecordResultsInput struct {
	Serials    []SerialResultInput
	Quantities []QuantityResultInput
}

// RecordResults stores test outcomes on the center ledger and mirrors them
// into the request. The request stays under_testing; it completes when the
// stock is returned to the outlet.
func (s *Service) RecordResults(ctx context.Context, actor shared.Actor, requestID int64, input RecordResultsInput) (TestingRequest, error) {
	if err := s.authorize(ctx, actor, shared.CapResultRecord); err != nil {
		return TestingRequest{}, err
	}
	if len(input.Serials) == 0 && len(input.Quantities) == 0 {
		return TestingRequest{}, fmt.Errorf("request: no results supplied: %w", shared.ErrInvalidInput)
	}
	req, err := s.repo.GetRequest(ctx, requestID)
	if err != nil {
		return TestingRequest{}, err
	}
	if actor.HomeLocation != req.ToCenter {
		return TestingRequest{}, fmt.Errorf("request: %s is addressed to center %d: %w", req.RequestNumber, req.ToCenter, shared.ErrPermissionDenied)
	}
	if req.Status != StatusUnderTesting {
		return TestingRequest{}, fmt.Errorf("request: %s is %s: %w", req.RequestNumber, req.Status, shared.ErrAlreadyProcessed)
	}

	lineProducts := make(map[int64]int64, len(req.Lines))
	for _, line := range req.Lines {
		lineProducts[line.ID] = line.ProductID
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		now := s.now().UTC()
		for _, result := range input.Serials {
			serial, err := tx.GetLineSerialForUpdate(ctx, requestID, result.SerialNumber)
			if err != nil {
				if errors.Is(err, ErrLineNotFound) {
					return fmt.Errorf("request: %s does not carry serial %s: %w", req.RequestNumber, result.SerialNumber, shared.ErrInvalidInput)
				}
				return err
			}
			if serial.TestResult != "" {
				return fmt.Errorf("request: serial %s already has a result: %w", result.SerialNumber, shared.ErrAlreadyProcessed)
			}
			productID, ok := lineProducts[serial.LineID]
			if !ok {
				return fmt.Errorf("request: serial %s belongs to an unknown line: %w", result.SerialNumber, ErrLineNotFound)
			}
			err = s.ledger.RecordSerialResult(ctx, tx.Ledger(), ledger.RecordSerialResultInput{
				LocationID:   req.ToCenter,
				ProductID:    productID,
				SerialNumber: result.SerialNumber,
				Result:       result.Result,
				Remark:       result.Remark,
				TestedBy:     actor.ID,
			})
			if err != nil {
				return err
			}
			status, _ := ledger.SerialStatusForResult(result.Result)
			serial.Status = status
			serial.TestResult = result.Result
			serial.TestRemark = result.Remark
			serial.TestedAt = now
			serial.TestedBy = actor.ID
			if err := tx.UpdateLineSerial(ctx, serial); err != nil {
				return err
			}
		}
		for _, result := range input.Quantities {
			if result.Qty <= 0 {
				return fmt.Errorf("request: result quantity must be positive: %w", shared.ErrInvalidInput)
			}
			line, err := tx.GetLineForUpdate(ctx, requestID, result.ProductID)
			if err != nil {
				if errors.Is(err, ErrLineNotFound) {
					return fmt.Errorf("request: %s has no line for product %d: %w", req.RequestNumber, result.ProductID, shared.ErrInvalidInput)
				}
				return err
			}
			if line.TracksSerial {
				return fmt.Errorf("request: product %d is serialized, record per serial: %w", result.ProductID, shared.ErrInvalidInput)
			}
			if line.ResolvedQty()+result.Qty > line.Quantity {
				return fmt.Errorf("request: results exceed line quantity %d for product %d: %w", line.Quantity, result.ProductID, shared.ErrInvalidInput)
			}
			err = s.ledger.RecordQuantityResult(ctx, tx.Ledger(), ledger.RecordQuantityResultInput{
				LocationID: req.ToCenter,
				ProductID:  result.ProductID,
				Qty:        result.Qty,
				Result:     result.Result,
			})
			if err != nil {
				return err
			}
			switch result.Result {
			case ledger.ResultPassed:
				line.PassedQty += result.Qty
			case ledger.ResultFailed:
				line.FailedQty += result.Qty
			case ledger.ResultTested:
				line.TestedQty += result.Qty
			}
			if err := tx.UpdateLineOutcome(ctx, line.ID, line.PassedQty, line.FailedQty, line.TestedQty); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return TestingRequest{}, err
	}

	s.ledger.InvalidateViews(ctx, req.ToCenter)
	s.recordTransition("record_results")
	s.recordAudit(ctx, actor, "REQUEST_RECORD_RESULT", requestID, map[string]any{
		"number":     req.RequestNumber,
		"serials":    len(input.Serials),
		"quantities": len(input.Quantities),
	})
	return s.repo.GetRequest(ctx, requestID)
}

// Return ships every resolved unit back to the source outlet and completes
// the request. All lines must carry a full set of outcomes first.
func (s *Service) Return(ctx context.Context, actor shared.Actor, requestID int64) (TestingRequest, error) {
	if err := s.authorize(ctx, actor, shared.CapRequestReturn); err != nil {
		return TestingRequest{}, err
	}
	req, err := s.repo.GetRequest(ctx, requestID)
	if err != nil {
		return TestingRequest{}, err
	}
	if actor.HomeLocation != req.ToCenter {
		return TestingRequest{}, fmt.Errorf("request: %s is addressed to center %d: %w", req.RequestNumber, req.ToCenter, shared.ErrPermissionDenied)
	}
	if req.Status != StatusUnderTesting {
		return TestingRequest{}, fmt.Errorf("request: %s is %s: %w", req.RequestNumber, req.Status, shared.ErrAlreadyProcessed)
	}
	for _, line := range req.Lines {
		if !line.Resolved() {
			return TestingRequest{}, fmt.Errorf("request: product %d still has unresolved units: %w", line.ProductID, shared.ErrInvalidInput)
		}
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		ok, err := tx.MarkCompleted(ctx, requestID, actor.ID, s.now().UTC())
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("request: %s is no longer under testing: %w", req.RequestNumber, shared.ErrAlreadyProcessed)
		}
		for _, line := range req.Lines {
			if line.TracksSerial {
				serials := make([]string, 0, len(line.Serials))
				for _, serial := range line.Serials {
					serials = append(serials, serial.SerialNumber)
				}
				err := s.ledger.Return(ctx, tx.Ledger(), ledger.ReturnInput{
					LocationID:  req.ToCenter,
					ProductID:   line.ProductID,
					Serials:     serials,
					Destination: req.FromOutlet,
				})
				if err != nil {
					return err
				}
				err = s.ledger.ReturnReceive(ctx, tx.Ledger(), ledger.ReturnReceiveInput{
					LocationID: req.FromOutlet,
					ProductID:  line.ProductID,
					Qty:        line.Quantity,
					Serials:    serials,
					FromCenter: req.ToCenter,
				})
				if err != nil {
					return err
				}
				continue
			}
			err := s.ledger.ReturnQuantity(ctx, tx.Ledger(), ledger.ReturnQuantityInput{
				LocationID: req.ToCenter,
				ProductID:  line.ProductID,
				Passed:     line.PassedQty,
				Failed:     line.FailedQty,
				Tested:     line.TestedQty,
			})
			if err != nil {
				return err
			}
			err = s.ledger.ReturnReceive(ctx, tx.Ledger(), ledger.ReturnReceiveInput{
				LocationID: req.FromOutlet,
				ProductID:  line.ProductID,
				Qty:        line.Quantity,
				FromCenter: req.ToCenter,
			})
			if err != nil {
				return err
			}
		}
		return tx.SetSerialStatuses(ctx, requestID, ledger.SerialReturned)
	})
	if err != nil {
		return TestingRequest{}, err
	}

	s.ledger.InvalidateViews(ctx, req.ToCenter)
	s.ledger.InvalidateViews(ctx, req.FromOutlet)
	s.recordTransition("return")
	s.recordAudit(ctx, actor, "REQUEST_RETURN", requestID, map[string]any{"number": req.RequestNumber})
	return s.repo.GetRequest(ctx, requestID)
}

// Cancel reverses the outlet reservation of a request nothing has been
// committed for. Accepted requests terminate through the return flow instead.
func (s *Service) Cancel(ctx context.Context, actor shared.Actor, requestID int64) (TestingRequest, error) {
	if err := s.authorize(ctx, actor, shared.CapRequestCancel); err != nil {
		return TestingRequest{}, err
	}
	req, err := s.repo.GetRequest(ctx, requestID)
	if err != nil {
		return TestingRequest{}, err
	}
	if actor.HomeLocation != req.FromOutlet {
		return TestingRequest{}, fmt.Errorf("request: %s belongs to outlet %d: %w", req.RequestNumber, req.FromOutlet, shared.ErrPermissionDenied)
	}
	if req.Status != StatusPendingTesting {
		return TestingRequest{}, fmt.Errorf("request: %s is %s: %w", req.RequestNumber, req.Status, shared.ErrAlreadyProcessed)
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		ok, err := tx.MarkCancelled(ctx, requestID, actor.ID, s.now().UTC())
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("request: %s is no longer pending: %w", req.RequestNumber, shared.ErrAlreadyProcessed)
		}
		for _, line := range req.Lines {
			serials := make([]string, 0, len(line.Serials))
			for _, serial := range line.Serials {
				serials = append(serials, serial.SerialNumber)
			}
			err := s.ledger.CancelReservation(ctx, tx.Ledger(), ledger.CancelInput{
				LocationID: req.FromOutlet,
				ProductID:  line.ProductID,
				Qty:        line.Quantity,
				Serials:    serials,
				RequestID:  requestID,
			})
			if err != nil {
				return err
			}
		}
		return tx.SetSerialStatuses(ctx, requestID, ledger.SerialAvailable)
	})
	if err != nil {
		return TestingRequest{}, err
	}

	s.recordTransition("cancel")
	s.recordAudit(ctx, actor, "REQUEST_CANCEL", requestID, map[string]any{"number": req.RequestNumber})
	return s.repo.GetRequest(ctx, requestID)
}

// Get returns one populated request.
func (s *Service) Get(ctx context.Context, actor shared.Actor, requestID int64) (TestingRequest, error) {
	if err := s.authorize(ctx, actor, shared.CapRequestView); err != nil {
		return TestingRequest{}, err
	}
	return s.repo.GetRequest(ctx, requestID)
}

// List returns requests matching the filter plus pagination metadata.
func (s *Service) List(ctx context.Context, actor shared.Actor, filter Filter) ([]TestingRequest, shared.Pagination, error) {
	if err := s.authorize(ctx, actor, shared.CapRequestView); err != nil {
		return nil, shared.Pagination{}, err
	}
	if filter.PerPage <= 0 {
		filter.PerPage = 20
	}
	if filter.Page <= 0 {
		filter.Page = 1
	}
	items, total, err := s.repo.ListRequests(ctx, filter)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return items, shared.NewPagination(filter.Page, filter.PerPage, total), nil
}

func (s *Service) transferInputs(req TestingRequest, line Line) (ledger.CommitInput, ledger.ReceiveInput) {
	serials := make([]string, 0, len(line.Serials))
	for _, serial := range line.Serials {
		serials = append(serials, serial.SerialNumber)
	}
	commit := ledger.CommitInput{
		LocationID:  req.FromOutlet,
		ProductID:   line.ProductID,
		Qty:         line.Quantity,
		Serials:     serials,
		Destination: req.ToCenter,
		RequestID:   req.ID,
	}
	receive := ledger.ReceiveInput{
		LocationID:     req.ToCenter,
		ProductID:      line.ProductID,
		TracksSerial:   line.TracksSerial,
		Qty:            line.Quantity,
		Serials:        serials,
		OriginalOutlet: req.FromOutlet,
		RequestID:      req.ID,
	}
	return commit, receive
}

func (s *Service) authorize(ctx context.Context, actor shared.Actor, cap shared.Capability) error {
	ok, err := s.oracle.HasCapability(ctx, actor, cap)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("request: actor %d lacks %s: %w", actor.ID, cap, shared.ErrPermissionDenied)
	}
	return nil
}

func (s *Service) recordTransition(action string) {
	if s.transitions != nil {
		s.transitions.RecordTransition(action)
	}
}

func (s *Service) recordAudit(ctx context.Context, actor shared.Actor, action string, requestID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	refID := uuid.NewSHA1(uuid.Nil, []byte(fmt.Sprintf("REQ:%d", requestID)))
	if meta == nil {
		meta = map[string]any{}
	}
	meta["ref"] = refID.String()
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actor.ID,
		Action:   action,
		Entity:   "testing_request",
		EntityID: fmt.Sprintf("%d", requestID),
		Meta:     meta,
	})
}
