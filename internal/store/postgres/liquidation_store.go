package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/novafund/lifeperp/internal/domain"
)

// LiquidationStore implements domain.LiquidationStore using PostgreSQL.
type LiquidationStore struct {
	pool *pgxpool.Pool
}

var _ domain.LiquidationStore = (*LiquidationStore)(nil)

// NewLiquidationStore creates a new LiquidationStore backed by the given connection pool.
func NewLiquidationStore(pool *pgxpool.Pool) *LiquidationStore {
	return &LiquidationStore{pool: pool}
}

const liquidationSelectCols = `id, position_id, account, index_value,
	realized_pnl, penalty, payout, liquidated_at`

func scanLiquidationRows(rows pgx.Rows) ([]domain.LiquidationRecord, error) {
	var records []domain.LiquidationRecord
	for rows.Next() {
		var rec domain.LiquidationRecord
		if err := rows.Scan(
			&rec.ID, &rec.PositionID, &rec.Account, &rec.IndexValue,
			&rec.RealizedPnL, &rec.Penalty, &rec.Payout, &rec.At,
		); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Insert records a liquidation outcome.
func (s *LiquidationStore) Insert(ctx context.Context, rec domain.LiquidationRecord) error {
	const query = `
		INSERT INTO liquidations (
			id, position_id, account, index_value,
			realized_pnl, penalty, payout, liquidated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := s.pool.Exec(ctx, query,
		rec.ID, rec.PositionID, rec.Account, rec.IndexValue,
		rec.RealizedPnL, rec.Penalty, rec.Payout, rec.At,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert liquidation %s: %w", rec.ID, err)
	}
	return nil
}

// ListByAccount returns the account's liquidations, newest first.
func (s *LiquidationStore) ListByAccount(ctx context.Context, account string, opts domain.ListOpts) ([]domain.LiquidationRecord, error) {
	query := `SELECT ` + liquidationSelectCols + ` FROM liquidations WHERE account = $1
		ORDER BY liquidated_at DESC`
	args := []any{account}
	argIdx := 2

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list liquidations: %w", err)
	}
	defer rows.Close()

	records, err := scanLiquidationRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan liquidations: %w", err)
	}
	return records, nil
}

// ListRecent returns the most recent liquidations across all accounts.
func (s *LiquidationStore) ListRecent(ctx context.Context, limit int) ([]domain.LiquidationRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+liquidationSelectCols+` FROM liquidations
		 ORDER BY liquidated_at DESC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list recent liquidations: %w", err)
	}
	defer rows.Close()

	records, err := scanLiquidationRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan recent liquidations: %w", err)
	}
	return records, nil
}
