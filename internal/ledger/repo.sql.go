package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists ledger data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// NewTxStore binds ledger mutations to an existing transaction. The request
// repository uses this to run ledger and request writes atomically.
func NewTxStore(tx pgx.Tx) TxStore {
	return &txStore{tx: tx}
}

type txStore struct {
	tx pgx.Tx
}

func (s *txStore) GetEntryForUpdate(ctx context.Context, locationID, productID int64) (StockEntry, error) {
	var entry StockEntry
	err := s.tx.QueryRow(ctx, `SELECT id, location_id, product_id, tracks_serial, total, available, pending_testing, under_testing, tested, passed, failed, updated_at
FROM stock_entries WHERE location_id=$1 AND product_id=$2 FOR UPDATE`, locationID, productID).
		Scan(&entry.ID, &entry.LocationID, &entry.ProductID, &entry.TracksSerial, &entry.Total, &entry.Available, &entry.PendingTesting, &entry.UnderTesting, &entry.Tested, &entry.Passed, &entry.Failed, &entry.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return StockEntry{}, ErrEntryNotFound
		}
		return StockEntry{}, err
	}
	return entry, nil
}

func (s *txStore) CreateEntry(ctx context.Context, entry StockEntry) (int64, error) {
	var id int64
	err := s.tx.QueryRow(ctx, `INSERT INTO stock_entries (location_id, product_id, tracks_serial, total, available, pending_testing, under_testing, tested, passed, failed, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NOW()) RETURNING id`,
		entry.LocationID, entry.ProductID, entry.TracksSerial, entry.Total, entry.Available, entry.PendingTesting, entry.UnderTesting, entry.Tested, entry.Passed, entry.Failed).Scan(&id)
	return id, err
}

func (s *txStore) UpdateCounters(ctx context.Context, entryID int64, c Counters) error {
	_, err := s.tx.Exec(ctx, `UPDATE stock_entries SET total=$2, available=$3, pending_testing=$4, under_testing=$5, tested=$6, passed=$7, failed=$8, updated_at=NOW() WHERE id=$1`,
		entryID, c.Total, c.Available, c.PendingTesting, c.UnderTesting, c.Tested, c.Passed, c.Failed)
	return err
}

func (s *txStore) GetSerialsForUpdate(ctx context.Context, entryID int64, numbers []string) ([]SerialRecord, error) {
	if len(numbers) == 0 {
		return nil, nil
	}
	rows, err := s.tx.Query(ctx, `SELECT id, entry_id, serial_number, status, current_location, original_outlet, request_id, test_result, test_remark, tested_at, tested_by
FROM serial_records WHERE entry_id=$1 AND serial_number = ANY($2) ORDER BY array_position($2, serial_number) FOR UPDATE`, entryID, numbers)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSerials(rows)
}

func (s *txStore) SerialExists(ctx context.Context, entryID int64, number string) (bool, error) {
	var exists bool
	err := s.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM serial_records WHERE entry_id=$1 AND serial_number=$2)`, entryID, number).Scan(&exists)
	return exists, err
}

func (s *txStore) InsertSerial(ctx context.Context, record SerialRecord) (int64, error) {
	var id int64
	err := s.tx.QueryRow(ctx, `INSERT INTO serial_records (entry_id, serial_number, status, current_location, original_outlet, request_id, test_result, test_remark, tested_at, tested_by)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10) RETURNING id`,
		record.EntryID, record.SerialNumber, string(record.Status), record.CurrentLocation, nullInt(record.OriginalOutlet), nullInt(record.RequestID),
		nullString(string(record.TestResult)), nullString(record.TestRemark), nullTime(record.TestedAt), nullInt(record.TestedBy)).Scan(&id)
	return id, err
}

func (s *txStore) UpdateSerial(ctx context.Context, record SerialRecord) error {
	_, err := s.tx.Exec(ctx, `UPDATE serial_records SET status=$2, current_location=$3, request_id=$4, test_result=$5, test_remark=$6, tested_at=$7, tested_by=$8 WHERE id=$1`,
		record.ID, string(record.Status), record.CurrentLocation, nullInt(record.RequestID),
		nullString(string(record.TestResult)), nullString(record.TestRemark), nullTime(record.TestedAt), nullInt(record.TestedBy))
	return err
}

func (s *txStore) AppendTransferEvent(ctx context.Context, event TransferEvent) (int64, error) {
	var id int64
	err := s.tx.QueryRow(ctx, `INSERT INTO transfer_events (serial_id, from_location, to_location, transfer_type, status, test_result, occurred_at)
VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING id`,
		event.SerialID, event.FromLocation, event.ToLocation, string(event.Type), string(event.Status), nullString(string(event.TestResult)), event.OccurredAt).Scan(&id)
	return id, err
}

func (s *txStore) UpdateLastTransferEvent(ctx context.Context, serialID int64, status SerialStatus, result TestResult) error {
	_, err := s.tx.Exec(ctx, `UPDATE transfer_events SET status=$2, test_result=$3
WHERE id = (SELECT id FROM transfer_events WHERE serial_id=$1 ORDER BY id DESC LIMIT 1)`,
		serialID, string(status), nullString(string(result)))
	return err
}

func (r *Repository) GetEntry(ctx context.Context, locationID, productID int64) (StockEntry, error) {
	var entry StockEntry
	err := r.pool.QueryRow(ctx, `SELECT id, location_id, product_id, tracks_serial, total, available, pending_testing, under_testing, tested, passed, failed, updated_at
FROM stock_entries WHERE location_id=$1 AND product_id=$2`, locationID, productID).
		Scan(&entry.ID, &entry.LocationID, &entry.ProductID, &entry.TracksSerial, &entry.Total, &entry.Available, &entry.PendingTesting, &entry.UnderTesting, &entry.Tested, &entry.Passed, &entry.Failed, &entry.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return StockEntry{}, ErrEntryNotFound
		}
		return StockEntry{}, err
	}
	return entry, nil
}

func (r *Repository) ListUnderTesting(ctx context.Context, locationID int64) ([]StockEntry, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, location_id, product_id, tracks_serial, total, available, pending_testing, under_testing, tested, passed, failed, updated_at
FROM stock_entries WHERE location_id=$1 AND under_testing > 0 ORDER BY product_id`, locationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	entries := []StockEntry{}
	for rows.Next() {
		var entry StockEntry
		if err := rows.Scan(&entry.ID, &entry.LocationID, &entry.ProductID, &entry.TracksSerial, &entry.Total, &entry.Available, &entry.PendingTesting, &entry.UnderTesting, &entry.Tested, &entry.Passed, &entry.Failed, &entry.UpdatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (r *Repository) ListUnderTestingSerials(ctx context.Context, locationID, productID int64) ([]SerialRecord, error) {
	rows, err := r.pool.Query(ctx, `SELECT s.id, s.entry_id, s.serial_number, s.status, s.current_location, s.original_outlet, s.request_id, s.test_result, s.test_remark, s.tested_at, s.tested_by
FROM serial_records s
JOIN stock_entries e ON e.id = s.entry_id
WHERE e.location_id=$1 AND e.product_id=$2 AND s.status=$3
ORDER BY s.serial_number`, locationID, productID, string(SerialUnderTesting))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSerials(rows)
}

func (r *Repository) ListTransferHistory(ctx context.Context, serialID int64) ([]TransferEvent, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, serial_id, from_location, to_location, transfer_type, status, test_result, occurred_at
FROM transfer_events WHERE serial_id=$1 ORDER BY id`, serialID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	events := []TransferEvent{}
	for rows.Next() {
		var event TransferEvent
		var result *string
		if err := rows.Scan(&event.ID, &event.SerialID, &event.FromLocation, &event.ToLocation, &event.Type, &event.Status, &result, &event.OccurredAt); err != nil {
			return nil, err
		}
		if result != nil {
			event.TestResult = TestResult(*result)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// Drift reports one entry whose serial-status counts disagree with its counters.
type Drift struct {
	EntryID      int64
	LocationID   int64
	ProductID    int64
	UnderTesting int64
	SerialCount  int64
}

// CheckSerialConsistency compares the under_testing counter of every
// serialized entry with the number of serials actually in that status. Only
// serials physically at the entry's location count: outlet rows keep
// under_testing while their units sit at the center, and those count against
// the center's entry, not the outlet's.
func (r *Repository) CheckSerialConsistency(ctx context.Context) ([]Drift, error) {
	rows, err := r.pool.Query(ctx, `SELECT e.id, e.location_id, e.product_id, e.under_testing, COUNT(s.id) FILTER (WHERE s.status=$1 AND s.current_location = e.location_id)
FROM stock_entries e
LEFT JOIN serial_records s ON s.entry_id = e.id
WHERE e.tracks_serial
GROUP BY e.id, e.location_id, e.product_id, e.under_testing
HAVING e.under_testing <> COUNT(s.id) FILTER (WHERE s.status=$1 AND s.current_location = e.location_id)`, string(SerialUnderTesting))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	drifts := []Drift{}
	for rows.Next() {
		var d Drift
		if err := rows.Scan(&d.EntryID, &d.LocationID, &d.ProductID, &d.UnderTesting, &d.SerialCount); err != nil {
			return nil, err
		}
		drifts = append(drifts, d)
	}
	return drifts, rows.Err()
}

func scanSerials(rows pgx.Rows) ([]SerialRecord, error) {
	records := []SerialRecord{}
	for rows.Next() {
		var record SerialRecord
		var originalOutlet, requestID, testedBy *int64
		var result, remark *string
		var testedAt *time.Time
		if err := rows.Scan(&record.ID, &record.EntryID, &record.SerialNumber, &record.Status, &record.CurrentLocation, &originalOutlet, &requestID, &result, &remark, &testedAt, &testedBy); err != nil {
			return nil, err
		}
		if originalOutlet != nil {
			record.OriginalOutlet = *originalOutlet
		}
		if requestID != nil {
			record.RequestID = *requestID
		}
		if result != nil {
			record.TestResult = TestResult(*result)
		}
		if remark != nil {
			record.TestRemark = *remark
		}
		if testedAt != nil {
			record.TestedAt = *testedAt
		}
		if testedBy != nil {
			record.TestedBy = *testedBy
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}

func nullString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
