package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wonny/autotrader/internal/contracts"
)

// Repository is the PostgreSQL PositionStore and OrderStore
// ⭐ SSOT: 포지션/주문 저장은 여기서만
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new execution repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Positions returns the PositionStore view of the repository
func (r *Repository) Positions() PositionStore { return &positionRepo{pool: r.pool} }

// Orders returns the OrderStore view of the repository
func (r *Repository) Orders() OrderStore { return &orderRepo{pool: r.pool} }

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// ============================================================
// Positions
// ============================================================

type positionRepo struct {
	pool *pgxpool.Pool
}

const positionColumns = `id, account_id, symbol, horizon, direction, state, analysis_id, client_ref,
	entry_order_id, exit_order_id, entry_price, quantity, filled_quantity, stop_loss, target, committed,
	exit_reason, exit_attempts, next_exit_attempt_at, needs_intervention, drift_detected, last_error,
	opened_at, closed_at, created_at, updated_at`

func (r *positionRepo) Create(ctx context.Context, p *contracts.Position) error {
	query := `
		INSERT INTO positions (` + positionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
		        $17, $18, $19, $20, $21, $22, $23, $24, $25, $26)
	`
	_, err := r.pool.Exec(ctx, query,
		p.ID, p.AccountID, p.Symbol, string(p.Horizon), string(p.Direction), string(p.State), p.AnalysisID, p.ClientRef,
		p.EntryOrderID, p.ExitOrderID, p.EntryPrice, p.Quantity, p.FilledQuantity, p.StopLoss, p.Target, p.Committed,
		string(p.ExitReason), p.ExitAttempts, p.NextExitAttemptAt, p.NeedsIntervention, p.DriftDetected, p.LastError,
		p.OpenedAt, p.ClosedAt, p.CreatedAt, p.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return contracts.DuplicateEntry(p.AccountID, p.Symbol)
	}
	if err != nil {
		return fmt.Errorf("insert position %s: %w", p.ID, err)
	}
	return nil
}

func (r *positionRepo) Update(ctx context.Context, p *contracts.Position) error {
	query := `
		UPDATE positions SET
			state = $2, entry_order_id = $3, exit_order_id = $4, entry_price = $5, quantity = $6,
			filled_quantity = $7, committed = $8, exit_reason = $9, exit_attempts = $10,
			next_exit_attempt_at = $11, needs_intervention = $12, drift_detected = $13, last_error = $14,
			opened_at = $15, closed_at = $16, updated_at = $17
		WHERE id = $1
	`
	tag, err := r.pool.Exec(ctx, query,
		p.ID, string(p.State), p.EntryOrderID, p.ExitOrderID, p.EntryPrice, p.Quantity,
		p.FilledQuantity, p.Committed, string(p.ExitReason), p.ExitAttempts,
		p.NextExitAttemptAt, p.NeedsIntervention, p.DriftDetected, p.LastError,
		p.OpenedAt, p.ClosedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update position %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("position %s: %w", p.ID, contracts.ErrNotFound)
	}
	return nil
}

func (r *positionRepo) Get(ctx context.Context, id string) (*contracts.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE id = $1`
	p, err := scanPosition(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("position %s: %w", id, contracts.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", id, err)
	}
	return p, nil
}

func (r *positionRepo) FindActive(ctx context.Context, accountID, symbol string) (*contracts.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions
		WHERE account_id = $1 AND symbol = $2 AND state = ANY($3)`
	p, err := scanPosition(r.pool.QueryRow(ctx, query, accountID, symbol, stateStrings(contracts.ActiveStates)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("active position %s/%s: %w", accountID, symbol, contracts.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find active position %s/%s: %w", accountID, symbol, err)
	}
	return p, nil
}

func (r *positionRepo) FindByRef(ctx context.Context, clientRef string) (*contracts.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE client_ref = $1`
	p, err := scanPosition(r.pool.QueryRow(ctx, query, clientRef))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("position ref %s: %w", clientRef, contracts.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find position ref %s: %w", clientRef, err)
	}
	return p, nil
}

func (r *positionRepo) List(ctx context.Context, filter contracts.PositionFilter) ([]*contracts.Position, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.AccountID != "" {
		args = append(args, filter.AccountID)
		where = append(where, fmt.Sprintf("account_id = $%d", len(args)))
	}
	if filter.Symbol != "" {
		args = append(args, filter.Symbol)
		where = append(where, fmt.Sprintf("symbol = $%d", len(args)))
	}
	if len(filter.States) > 0 {
		args = append(args, stateStrings(filter.States))
		where = append(where, fmt.Sprintf("state = ANY($%d)", len(args)))
	}
	if filter.NeedsIntervention != nil {
		args = append(args, *filter.NeedsIntervention)
		where = append(where, fmt.Sprintf("needs_intervention = $%d", len(args)))
	}

	query := `SELECT ` + positionColumns + ` FROM positions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at, id`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var out []*contracts.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *positionRepo) CountActive(ctx context.Context, accountID string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM positions WHERE account_id = $1 AND state = ANY($2)`,
		accountID, stateStrings(contracts.ActiveStates),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active positions %s: %w", accountID, err)
	}
	return n, nil
}

func stateStrings(states []contracts.PositionState) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}

func scanPosition(row pgx.Row) (*contracts.Position, error) {
	var p contracts.Position
	var horizon, direction, state, reason string
	err := row.Scan(
		&p.ID, &p.AccountID, &p.Symbol, &horizon, &direction, &state, &p.AnalysisID, &p.ClientRef,
		&p.EntryOrderID, &p.ExitOrderID, &p.EntryPrice, &p.Quantity, &p.FilledQuantity, &p.StopLoss, &p.Target, &p.Committed,
		&reason, &p.ExitAttempts, &p.NextExitAttemptAt, &p.NeedsIntervention, &p.DriftDetected, &p.LastError,
		&p.OpenedAt, &p.ClosedAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Horizon = contracts.Horizon(horizon)
	p.Direction = contracts.Direction(direction)
	p.State = contracts.PositionState(state)
	p.ExitReason = contracts.ExitReason(reason)
	return &p, nil
}

// ============================================================
// Orders
// ============================================================

type orderRepo struct {
	pool *pgxpool.Pool
}

const orderColumns = `id, client_ref, account_id, position_id, symbol, side, purpose, quantity,
	filled_quantity, price, avg_fill_price, status, submitted_at, updated_at`

func (r *orderRepo) Save(ctx context.Context, o *contracts.Order) error {
	query := `
		INSERT INTO orders (` + orderColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err := r.pool.Exec(ctx, query,
		o.ID, o.ClientRef, o.AccountID, o.PositionID, o.Symbol, string(o.Side), string(o.Purpose), o.Quantity,
		o.FilledQuantity, o.Price, o.AvgFillPrice, string(o.Status), o.SubmittedAt, o.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("order %s (ref %s) already recorded", o.ID, o.ClientRef)
	}
	if err != nil {
		return fmt.Errorf("insert order %s: %w", o.ID, err)
	}
	return nil
}

func (r *orderRepo) Update(ctx context.Context, o *contracts.Order) error {
	query := `
		UPDATE orders SET filled_quantity = $2, avg_fill_price = $3, status = $4, updated_at = $5
		WHERE id = $1
	`
	tag, err := r.pool.Exec(ctx, query, o.ID, o.FilledQuantity, o.AvgFillPrice, string(o.Status), o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update order %s: %w", o.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %s: %w", o.ID, contracts.ErrNotFound)
	}
	return nil
}

func (r *orderRepo) Get(ctx context.Context, id string) (*contracts.Order, error) {
	o, err := scanOrder(r.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", id, contracts.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	return o, nil
}

func (r *orderRepo) GetByRef(ctx context.Context, clientRef string) (*contracts.Order, error) {
	o, err := scanOrder(r.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE client_ref = $1`, clientRef))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("order ref %s: %w", clientRef, contracts.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get order ref %s: %w", clientRef, err)
	}
	return o, nil
}

func (r *orderRepo) ListOpen(ctx context.Context, accountID string) ([]*contracts.Order, error) {
	query := `
		SELECT ` + orderColumns + ` FROM orders
		WHERE account_id = $1 AND status IN ('submitted', 'partially_filled')
		ORDER BY submitted_at, id
	`
	rows, err := r.pool.Query(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("query open orders: %w", err)
	}
	defer rows.Close()

	var out []*contracts.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func scanOrder(row pgx.Row) (*contracts.Order, error) {
	var o contracts.Order
	var side, purpose, status string
	err := row.Scan(
		&o.ID, &o.ClientRef, &o.AccountID, &o.PositionID, &o.Symbol, &side, &purpose, &o.Quantity,
		&o.FilledQuantity, &o.Price, &o.AvgFillPrice, &status, &o.SubmittedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.Side = contracts.OrderSide(side)
	o.Purpose = contracts.OrderPurpose(purpose)
	o.Status = contracts.OrderStatus(status)
	return &o, nil
}
