package ledger

import "time"

// SerialStatus enumerates the lifecycle states of an individually tracked unit.
type SerialStatus string

const (
	SerialAvailable      SerialStatus = "available"
	SerialPendingTesting SerialStatus = "pending_testing"
	SerialUnderTesting   SerialStatus = "under_testing"
	SerialTested         SerialStatus = "tested"
	SerialPassed         SerialStatus = "passed"
	SerialFailed         SerialStatus = "failed"
	SerialReturned       SerialStatus = "returned"
	SerialRejected       SerialStatus = "rejected"
)

// TestResult records the outcome of a completed test.
type TestResult string

const (
	// ResultPassed indicates the unit met the testing criteria.
	ResultPassed TestResult = "passed"
	// ResultFailed indicates the unit failed testing.
	ResultFailed TestResult = "failed"
	// ResultTested indicates testing finished without a pass/fail verdict.
	ResultTested TestResult = "tested"
)

// SerialStatusForResult maps a test result onto the serial status it implies.
func SerialStatusForResult(result TestResult) (SerialStatus, bool) {
	switch result {
	case ResultPassed:
		return SerialPassed, true
	case ResultFailed:
		return SerialFailed, true
	case ResultTested:
		return SerialTested, true
	default:
		return "", false
	}
}

// TransferType enumerates supported stock transfers between ledgers.
type TransferType string

const (
	// TransferOutletToTesting moves stock from an outlet toward a testing center.
	TransferOutletToTesting TransferType = "outlet_to_testing"
	// TransferTestingToOutlet returns stock from a testing center to its outlet.
	TransferTestingToOutlet TransferType = "testing_to_outlet"
	// TransferTestingCancelled reverses a reservation before any commit.
	TransferTestingCancelled TransferType = "testing_cancelled"
)

// Counters summarises per-entry quantities. All values are non-negative;
// available+pendingTesting never exceeds total plus quantities already shipped
// out for testing.
type Counters struct {
	Total          int64 `json:"total"`
	Available      int64 `json:"available"`
	PendingTesting int64 `json:"pending_testing"`
	UnderTesting   int64 `json:"under_testing"`
	Tested         int64 `json:"tested"`
	Passed         int64 `json:"passed"`
	Failed         int64 `json:"failed"`
}

// StockEntry is one ledger row per location and product. Serialized products
// additionally carry one SerialRecord per physical unit; for the rest the
// counters alone represent state.
type StockEntry struct {
	ID           int64 `json:"id"`
	LocationID   int64 `json:"location_id"`
	ProductID    int64 `json:"product_id"`
	TracksSerial bool  `json:"tracks_serial"`
	Counters
	UpdatedAt time.Time `json:"updated_at"`
}

// SerialRecord tracks one serialized unit inside a StockEntry. A serial number
// is unique within its owning ledger; the testing-center copy keeps a
// back-reference to the source outlet that never mutates.
type SerialRecord struct {
	ID              int64        `json:"id"`
	EntryID         int64        `json:"-"`
	SerialNumber    string       `json:"serial_number"`
	Status          SerialStatus `json:"status"`
	CurrentLocation int64        `json:"current_location"`
	OriginalOutlet  int64        `json:"original_outlet,omitempty"`
	RequestID       int64        `json:"request_id,omitempty"`
	TestResult      TestResult   `json:"test_result,omitempty"`
	TestRemark      string       `json:"test_remark,omitempty"`
	TestedAt        time.Time    `json:"tested_at,omitzero"`
	TestedBy        int64        `json:"tested_by,omitempty"`
}

// TransferEvent is one entry of a serial's append-only transfer history.
// Events are only ever appended; RecordResult updates the status and result of
// the most recent event in place without adding a new one.
type TransferEvent struct {
	ID           int64        `json:"id"`
	SerialID     int64        `json:"-"`
	FromLocation int64        `json:"from_location"`
	ToLocation   int64        `json:"to_location"`
	Type         TransferType `json:"transfer_type"`
	Status       SerialStatus `json:"status"`
	TestResult   TestResult   `json:"test_result,omitempty"`
	OccurredAt   time.Time    `json:"occurred_at"`
}
