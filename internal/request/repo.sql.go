package request

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/labstock/labstock/internal/ledger"
	"github.com/labstock/labstock/internal/platform/db"
	"github.com/labstock/labstock/internal/shared"
)

// Repository is the pgx implementation of RepositoryPort.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository builds the repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithTx runs fn inside one RepeatableRead transaction. The TxRepository it
// receives shares the transaction with the ledger store from Ledger().
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

// GetRequest loads one request with its lines and serial mirrors. Header and
// lines are fetched concurrently off the pool.
func (r *Repository) GetRequest(ctx context.Context, id int64) (TestingRequest, error) {
	var (
		req   TestingRequest
		lines []Line
	)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		row := r.pool.QueryRow(ctx, `
			SELECT id, request_number, from_outlet, to_center, status, COALESCE(remark, ''),
			       requested_by, requested_at,
			       COALESCE(accepted_by, 0), accepted_at,
			       COALESCE(completed_by, 0), completed_at,
			       COALESCE(cancelled_by, 0), cancelled_at
			FROM testing_requests
			WHERE id = $1`, id)
		var err error
		req, err = scanRequest(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("request: %d: %w", id, shared.ErrNotFound)
			}
			return fmt.Errorf("request: get %d: %w", id, err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		lines, err = r.loadLines(ctx, id)
		return err
	})
	if err := g.Wait(); err != nil {
		return TestingRequest{}, err
	}
	req.Lines = lines
	return req, nil
}

// ListRequests returns the filtered page plus the total match count.
func (r *Repository) ListRequests(ctx context.Context, filter Filter) ([]TestingRequest, int, error) {
	where := "WHERE 1=1"
	args := []any{}
	idx := 1
	if filter.Status != "" {
		where += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, string(filter.Status))
		idx++
	}
	if filter.FromOutlet != 0 {
		where += fmt.Sprintf(" AND from_outlet = $%d", idx)
		args = append(args, filter.FromOutlet)
		idx++
	}
	if filter.ToCenter != 0 {
		where += fmt.Sprintf(" AND to_center = $%d", idx)
		args = append(args, filter.ToCenter)
		idx++
	}

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM testing_requests "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("request: count: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT id, request_number, from_outlet, to_center, status, COALESCE(remark, ''),
		       requested_by, requested_at,
		       COALESCE(accepted_by, 0), accepted_at,
		       COALESCE(completed_by, 0), completed_at,
		       COALESCE(cancelled_by, 0), cancelled_at
		FROM testing_requests
		%s
		ORDER BY requested_at DESC, id DESC
		LIMIT $%d OFFSET $%d`, where, idx, idx+1)
	args = append(args, filter.PerPage, (filter.Page-1)*filter.PerPage)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("request: list: %w", err)
	}
	defer rows.Close()

	var items []TestingRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("request: scan: %w", err)
		}
		items = append(items, req)
	}
	return items, total, rows.Err()
}

func (r *Repository) loadLines(ctx context.Context, requestID int64) ([]Line, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, request_id, product_id, product_name, tracks_serial, quantity,
		       COALESCE(remark, ''), passed_qty, failed_qty, tested_qty
		FROM request_lines
		WHERE request_id = $1
		ORDER BY id`, requestID)
	if err != nil {
		return nil, fmt.Errorf("request: load lines: %w", err)
	}
	defer rows.Close()

	var lines []Line
	byID := map[int64]int{}
	for rows.Next() {
		var line Line
		err := rows.Scan(&line.ID, &line.RequestID, &line.ProductID, &line.ProductName,
			&line.TracksSerial, &line.Quantity, &line.Remark,
			&line.PassedQty, &line.FailedQty, &line.TestedQty)
		if err != nil {
			return nil, fmt.Errorf("request: scan line: %w", err)
		}
		byID[line.ID] = len(lines)
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	serialRows, err := r.pool.Query(ctx, `
		SELECT rs.id, rs.line_id, rs.serial_number, rs.status,
		       COALESCE(rs.test_result, ''), COALESCE(rs.test_remark, ''),
		       rs.tested_at, COALESCE(rs.tested_by, 0)
		FROM request_serials rs
		JOIN request_lines rl ON rl.id = rs.line_id
		WHERE rl.request_id = $1
		ORDER BY rs.id`, requestID)
	if err != nil {
		return nil, fmt.Errorf("request: load serials: %w", err)
	}
	defer serialRows.Close()

	for serialRows.Next() {
		serial, err := scanLineSerial(serialRows)
		if err != nil {
			return nil, fmt.Errorf("request: scan serial: %w", err)
		}
		if i, ok := byID[serial.LineID]; ok {
			lines[i].Serials = append(lines[i].Serials, serial)
		}
	}
	return lines, serialRows.Err()
}

type txRepo struct {
	tx pgx.Tx
}

func (r *txRepo) CountRequests(ctx context.Context) (int64, error) {
	var count int64
	err := r.tx.QueryRow(ctx, `SELECT COUNT(*) FROM testing_requests`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("request: count: %w", err)
	}
	return count, nil
}

func (r *txRepo) InsertRequest(ctx context.Context, req TestingRequest) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `
		INSERT INTO testing_requests (request_number, from_outlet, to_center, status, remark, requested_by, requested_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		req.RequestNumber, req.FromOutlet, req.ToCenter, string(req.Status),
		nullString(req.Remark), req.RequestedBy, req.RequestedAt).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return 0, fmt.Errorf("request: number %s taken: %w", req.RequestNumber, shared.ErrConflict)
		}
		return 0, fmt.Errorf("request: insert: %w", err)
	}
	return id, nil
}

func (r *txRepo) InsertLine(ctx context.Context, line Line) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `
		INSERT INTO request_lines (request_id, product_id, product_name, tracks_serial, quantity, remark, passed_qty, failed_qty, tested_qty)
		VALUES ($1, $2, $3, $4, $5, $6, 0, 0, 0)
		RETURNING id`,
		line.RequestID, line.ProductID, line.ProductName, line.TracksSerial,
		line.Quantity, nullString(line.Remark)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("request: insert line: %w", err)
	}
	return id, nil
}

func (r *txRepo) InsertLineSerial(ctx context.Context, serial LineSerial) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `
		INSERT INTO request_serials (line_id, serial_number, status)
		VALUES ($1, $2, $3)
		RETURNING id`,
		serial.LineID, serial.SerialNumber, string(serial.Status)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("request: insert serial: %w", err)
	}
	return id, nil
}

func (r *txRepo) MarkAccepted(ctx context.Context, id, actorID int64, at time.Time) (bool, error) {
	return r.transition(ctx, `
		UPDATE testing_requests
		SET status = 'under_testing', accepted_by = $2, accepted_at = $3
		WHERE id = $1 AND status = 'pending_testing'`, id, actorID, at)
}

func (r *txRepo) MarkCancelled(ctx context.Context, id, actorID int64, at time.Time) (bool, error) {
	return r.transition(ctx, `
		UPDATE testing_requests
		SET status = 'cancelled', cancelled_by = $2, cancelled_at = $3
		WHERE id = $1 AND status = 'pending_testing'`, id, actorID, at)
}

func (r *txRepo) MarkCompleted(ctx context.Context, id, actorID int64, at time.Time) (bool, error) {
	return r.transition(ctx, `
		UPDATE testing_requests
		SET status = 'completed', completed_by = $2, completed_at = $3
		WHERE id = $1 AND status = 'under_testing'`, id, actorID, at)
}

func (r *txRepo) transition(ctx context.Context, query string, id, actorID int64, at time.Time) (bool, error) {
	tag, err := r.tx.Exec(ctx, query, id, actorID, at)
	if err != nil {
		return false, fmt.Errorf("request: transition %d: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *txRepo) SetSerialStatuses(ctx context.Context, requestID int64, status ledger.SerialStatus) error {
	_, err := r.tx.Exec(ctx, `
		UPDATE request_serials
		SET status = $2
		WHERE line_id IN (SELECT id FROM request_lines WHERE request_id = $1)`,
		requestID, string(status))
	if err != nil {
		return fmt.Errorf("request: set serial statuses: %w", err)
	}
	return nil
}

func (r *txRepo) GetLineForUpdate(ctx context.Context, requestID, productID int64) (Line, error) {
	var line Line
	err := r.tx.QueryRow(ctx, `
		SELECT id, request_id, product_id, product_name, tracks_serial, quantity,
		       COALESCE(remark, ''), passed_qty, failed_qty, tested_qty
		FROM request_lines
		WHERE request_id = $1 AND product_id = $2
		FOR UPDATE`, requestID, productID).Scan(
		&line.ID, &line.RequestID, &line.ProductID, &line.ProductName,
		&line.TracksSerial, &line.Quantity, &line.Remark,
		&line.PassedQty, &line.FailedQty, &line.TestedQty)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Line{}, ErrLineNotFound
		}
		return Line{}, fmt.Errorf("request: lock line: %w", err)
	}
	return line, nil
}

func (r *txRepo) GetLineSerialForUpdate(ctx context.Context, requestID int64, serialNumber string) (LineSerial, error) {
	row := r.tx.QueryRow(ctx, `
		SELECT rs.id, rs.line_id, rs.serial_number, rs.status,
		       COALESCE(rs.test_result, ''), COALESCE(rs.test_remark, ''),
		       rs.tested_at, COALESCE(rs.tested_by, 0)
		FROM request_serials rs
		JOIN request_lines rl ON rl.id = rs.line_id
		WHERE rl.request_id = $1 AND rs.serial_number = $2
		FOR UPDATE OF rs`, requestID, serialNumber)
	serial, err := scanLineSerial(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return LineSerial{}, ErrLineNotFound
		}
		return LineSerial{}, fmt.Errorf("request: lock serial: %w", err)
	}
	return serial, nil
}

func (r *txRepo) UpdateLineSerial(ctx context.Context, serial LineSerial) error {
	_, err := r.tx.Exec(ctx, `
		UPDATE request_serials
		SET status = $2, test_result = $3, test_remark = $4, tested_at = $5, tested_by = $6
		WHERE id = $1`,
		serial.ID, string(serial.Status), nullString(string(serial.TestResult)),
		nullString(serial.TestRemark), nullTime(serial.TestedAt), nullInt(serial.TestedBy))
	if err != nil {
		return fmt.Errorf("request: update serial %d: %w", serial.ID, err)
	}
	return nil
}

func (r *txRepo) UpdateLineOutcome(ctx context.Context, lineID int64, passed, failed, tested int64) error {
	_, err := r.tx.Exec(ctx, `
		UPDATE request_lines
		SET passed_qty = $2, failed_qty = $3, tested_qty = $4
		WHERE id = $1`, lineID, passed, failed, tested)
	if err != nil {
		return fmt.Errorf("request: update line %d: %w", lineID, err)
	}
	return nil
}

func (r *txRepo) Ledger() ledger.TxStore {
	return ledger.NewTxStore(r.tx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (TestingRequest, error) {
	var (
		req                                  TestingRequest
		acceptedAt, completedAt, cancelledAt *time.Time
	)
	err := row.Scan(&req.ID, &req.RequestNumber, &req.FromOutlet, &req.ToCenter,
		&req.Status, &req.Remark, &req.RequestedBy, &req.RequestedAt,
		&req.AcceptedBy, &acceptedAt, &req.CompletedBy, &completedAt,
		&req.CancelledBy, &cancelledAt)
	if err != nil {
		return TestingRequest{}, err
	}
	if acceptedAt != nil {
		req.AcceptedAt = *acceptedAt
	}
	if completedAt != nil {
		req.CompletedAt = *completedAt
	}
	if cancelledAt != nil {
		req.CancelledAt = *cancelledAt
	}
	return req, nil
}

func scanLineSerial(row rowScanner) (LineSerial, error) {
	var (
		serial   LineSerial
		testedAt *time.Time
	)
	err := row.Scan(&serial.ID, &serial.LineID, &serial.SerialNumber, &serial.Status,
		&serial.TestResult, &serial.TestRemark, &testedAt, &serial.TestedBy)
	if err != nil {
		return LineSerial{}, err
	}
	if testedAt != nil {
		serial.TestedAt = *testedAt
	}
	return serial, nil
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
