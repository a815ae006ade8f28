package account

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wonny/autotrader/internal/contracts"
)

// Repository is the PostgreSQL Store
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const accountColumns = `id, name, app_key, app_secret, account_no, product_code, hts_id,
	mode, active, capital, alloc_short, alloc_mid, alloc_long, created_at, updated_at`

func (r *Repository) Create(ctx context.Context, acc *contracts.Account) error {
	query := `
		INSERT INTO accounts (
			id, name, app_key, app_secret, account_no, product_code, hts_id,
			mode, active, capital, alloc_short, alloc_mid, alloc_long, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	_, err := r.pool.Exec(ctx, query,
		acc.ID, acc.Name, acc.Credentials.AppKey, acc.Credentials.AppSecret, acc.Credentials.AccountNo,
		acc.Credentials.ProductCode, acc.Credentials.HtsID, string(acc.Mode), acc.Active, acc.Capital,
		acc.Allocation.Short, acc.Allocation.Mid, acc.Allocation.Long, acc.CreatedAt, acc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert account %s: %w", acc.ID, err)
	}
	return nil
}

func (r *Repository) Update(ctx context.Context, acc *contracts.Account) error {
	query := `
		UPDATE accounts SET
			name = $2, app_key = $3, app_secret = $4, account_no = $5, product_code = $6, hts_id = $7,
			mode = $8, active = $9, capital = $10, alloc_short = $11, alloc_mid = $12, alloc_long = $13,
			updated_at = $14
		WHERE id = $1
	`
	tag, err := r.pool.Exec(ctx, query,
		acc.ID, acc.Name, acc.Credentials.AppKey, acc.Credentials.AppSecret, acc.Credentials.AccountNo,
		acc.Credentials.ProductCode, acc.Credentials.HtsID, string(acc.Mode), acc.Active, acc.Capital,
		acc.Allocation.Short, acc.Allocation.Mid, acc.Allocation.Long, acc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update account %s: %w", acc.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account %s: %w", acc.ID, contracts.ErrNotFound)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (*contracts.Account, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	acc, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", id, contracts.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", id, err)
	}
	return acc, nil
}

func (r *Repository) List(ctx context.Context) ([]*contracts.Account, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []*contracts.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, acc)
	}
	return out, rows.Err()
}

func (r *Repository) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM accounts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete account %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account %s: %w", id, contracts.ErrNotFound)
	}
	return nil
}

func scanAccount(row pgx.Row) (*contracts.Account, error) {
	var acc contracts.Account
	var mode string
	err := row.Scan(
		&acc.ID, &acc.Name, &acc.Credentials.AppKey, &acc.Credentials.AppSecret, &acc.Credentials.AccountNo,
		&acc.Credentials.ProductCode, &acc.Credentials.HtsID, &mode, &acc.Active, &acc.Capital,
		&acc.Allocation.Short, &acc.Allocation.Mid, &acc.Allocation.Long, &acc.CreatedAt, &acc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	acc.Mode = contracts.AccountMode(mode)
	return &acc, nil
}
