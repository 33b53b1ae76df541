package request

import (
	"errors"
	"time"

	"github.com/labstock/labstock/internal/ledger"
)

// Status enumerates the testing-request lifecycle.
type Status string

const (
	StatusPendingTesting Status = "pending_testing"
	StatusUnderTesting   Status = "under_testing"
	StatusCompleted      Status = "completed"
	StatusCancelled      Status = "cancelled"
)

// Terminal reports whether no further transition leaves the status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// TestingRequest is one transfer-for-testing transaction between an outlet
// and a testing center. Once created, only status, actor/timestamp and test
// result fields mutate; line quantities and product identities are fixed.
type TestingRequest struct {
	ID            int64     `json:"id"`
	RequestNumber string    `json:"request_number"`
	FromOutlet    int64     `json:"from_outlet"`
	ToCenter      int64     `json:"to_center"`
	Status        Status    `json:"status"`
	Remark        string    `json:"remark,omitempty"`
	RequestedBy   int64     `json:"requested_by"`
	RequestedAt   time.Time `json:"requested_at"`
	AcceptedBy    int64     `json:"accepted_by,omitempty"`
	AcceptedAt    time.Time `json:"accepted_at,omitzero"`
	CompletedBy   int64     `json:"completed_by,omitempty"`
	CompletedAt   time.Time `json:"completed_at,omitzero"`
	CancelledBy   int64     `json:"cancelled_by,omitempty"`
	CancelledAt   time.Time `json:"cancelled_at,omitzero"`
	Lines         []Line    `json:"lines,omitempty"`
}

// Line is one product position of a request. For non-serialized products the
// outcome quantities accumulate as results are recorded; for serialized
// products the Serials mirror carries the per-unit state.
type Line struct {
	ID           int64        `json:"id"`
	RequestID    int64        `json:"-"`
	ProductID    int64        `json:"product_id"`
	ProductName  string       `json:"product_name,omitempty"`
	TracksSerial bool         `json:"tracks_serial"`
	Quantity     int64        `json:"quantity"`
	Remark       string       `json:"remark,omitempty"`
	PassedQty    int64        `json:"passed_qty"`
	FailedQty    int64        `json:"failed_qty"`
	TestedQty    int64        `json:"tested_qty"`
	Serials      []LineSerial `json:"serials,omitempty"`
}

// ResolvedQty is the quantity of the line carrying a recorded outcome.
func (l Line) ResolvedQty() int64 {
	if l.TracksSerial {
		var n int64
		for _, serial := range l.Serials {
			if serial.TestResult != "" {
				n++
			}
		}
		return n
	}
	return l.PassedQty + l.FailedQty + l.TestedQty
}

// Resolved reports whether every unit of the line has an outcome.
func (l Line) Resolved() bool {
	return l.ResolvedQty() == l.Quantity
}

// LineSerial is the request's own copy of a serial record. The workflow
// engine keeps it in lockstep with the ledger's record on every transition.
type LineSerial struct {
	ID           int64               `json:"id"`
	LineID       int64               `json:"-"`
	SerialNumber string              `json:"serial_number"`
	Status       ledger.SerialStatus `json:"status"`
	TestResult   ledger.TestResult   `json:"test_result,omitempty"`
	TestRemark   string              `json:"test_remark,omitempty"`
	TestedAt     time.Time           `json:"tested_at,omitzero"`
	TestedBy     int64               `json:"tested_by,omitempty"`
}

// Filter narrows request listings.
type Filter struct {
	Status     Status
	FromOutlet int64
	ToCenter   int64
	Page       int
	PerPage    int
}

// ErrLineNotFound indicates a result was recorded against a product or serial
// the request does not carry.
var ErrLineNotFound = errors.New("request: line not found")
