package analyzer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wonny/autotrader/internal/contracts"
)

// Repository is the PostgreSQL Store. Rows are append-only; reads pick the
// newest per symbol.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const resultColumns = `id, symbol, horizon, direction, entry_price, stop_loss, target, confidence, trend, analyzed_at`

func (r *Repository) Save(ctx context.Context, res *contracts.AnalysisResult) error {
	query := `
		INSERT INTO analysis_results (` + resultColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := r.pool.Exec(ctx, query,
		res.ID, res.Symbol, string(res.Horizon), string(res.Direction), res.EntryPrice,
		res.StopLoss, res.Target, res.Confidence, string(res.Trend), res.AnalyzedAt,
	)
	if err != nil {
		return fmt.Errorf("insert analysis %s: %w", res.Symbol, err)
	}
	return nil
}

func (r *Repository) Latest(ctx context.Context, symbol string) (*contracts.AnalysisResult, error) {
	query := `SELECT ` + resultColumns + ` FROM analysis_results WHERE symbol = $1 ORDER BY analyzed_at DESC LIMIT 1`
	res, err := scanResult(r.pool.QueryRow(ctx, query, symbol))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("analysis %s: %w", symbol, contracts.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get analysis %s: %w", symbol, err)
	}
	return res, nil
}

func (r *Repository) LatestSince(ctx context.Context, since time.Time) ([]*contracts.AnalysisResult, error) {
	query := `
		SELECT DISTINCT ON (symbol) ` + resultColumns + `
		FROM analysis_results
		WHERE analyzed_at >= $1
		ORDER BY symbol, analyzed_at DESC
	`
	rows, err := r.pool.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("query analysis results: %w", err)
	}
	defer rows.Close()

	var out []*contracts.AnalysisResult
	for rows.Next() {
		res, err := scanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("scan analysis result: %w", err)
		}
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	SortByConfidence(out)
	return out, nil
}

func scanResult(row pgx.Row) (*contracts.AnalysisResult, error) {
	var res contracts.AnalysisResult
	var horizon, direction, trend string
	err := row.Scan(
		&res.ID, &res.Symbol, &horizon, &direction, &res.EntryPrice,
		&res.StopLoss, &res.Target, &res.Confidence, &trend, &res.AnalyzedAt,
	)
	if err != nil {
		return nil, err
	}
	res.Horizon = contracts.Horizon(horizon)
	res.Direction = contracts.Direction(direction)
	res.Trend = contracts.Trend(trend)
	return &res, nil
}
