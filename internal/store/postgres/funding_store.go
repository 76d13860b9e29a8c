package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/novafund/lifeperp/internal/domain"
)

// FundingStore implements domain.FundingStore using PostgreSQL.
type FundingStore struct {
	pool *pgxpool.Pool
}

var _ domain.FundingStore = (*FundingStore)(nil)

// NewFundingStore creates a new FundingStore backed by the given connection pool.
func NewFundingStore(pool *pgxpool.Pool) *FundingStore {
	return &FundingStore{pool: pool}
}

// InsertEpoch records a settlement epoch and returns its assigned ID.
func (s *FundingStore) InsertEpoch(ctx context.Context, epoch domain.FundingEpoch) (int64, error) {
	const query = `
		INSERT INTO funding_epochs (
			rate, mark_price, index_value, positions_settled, net_flow, settled_at
		) VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`

	var id int64
	err := s.pool.QueryRow(ctx, query,
		epoch.Rate, epoch.MarkPrice, epoch.IndexValue,
		epoch.PositionsSettled, epoch.NetFlow, epoch.SettledAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("postgres: insert funding epoch: %w", err)
	}
	return id, nil
}

// InsertPayments records per-position payments in one batch.
func (s *FundingStore) InsertPayments(ctx context.Context, payments []domain.FundingPayment) error {
	if len(payments) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	const query = `
		INSERT INTO funding_payments (
			position_id, account, epoch_id, rate, amount, paid_at
		) VALUES ($1, $2, $3, $4, $5, $6)`
	for _, p := range payments {
		batch.Queue(query, p.PositionID, p.Account, p.EpochID, p.Rate, p.Amount, p.At)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	for range payments {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("postgres: insert funding payments: %w", err)
		}
	}
	return nil
}

const epochSelectCols = `id, rate, mark_price, index_value, positions_settled, net_flow, settled_at`

func scanEpochRow(row pgx.Row) (domain.FundingEpoch, error) {
	var e domain.FundingEpoch
	err := row.Scan(
		&e.ID, &e.Rate, &e.MarkPrice, &e.IndexValue,
		&e.PositionsSettled, &e.NetFlow, &e.SettledAt,
	)
	return e, err
}

// LastEpoch returns the most recent settlement epoch.
func (s *FundingStore) LastEpoch(ctx context.Context) (domain.FundingEpoch, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+epochSelectCols+` FROM funding_epochs ORDER BY id DESC LIMIT 1`)

	e, err := scanEpochRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.FundingEpoch{}, domain.ErrNotFound
		}
		return domain.FundingEpoch{}, fmt.Errorf("postgres: last funding epoch: %w", err)
	}
	return e, nil
}

// ListEpochs returns settlement epochs with pagination and optional time filtering.
func (s *FundingStore) ListEpochs(ctx context.Context, opts domain.ListOpts) ([]domain.FundingEpoch, error) {
	query := `SELECT ` + epochSelectCols + ` FROM funding_epochs WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND settled_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND settled_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY settled_at DESC"

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
		return nil, fmt.Errorf("postgres: list funding epochs: %w", err)
	}
	defer rows.Close()

	var epochs []domain.FundingEpoch
	for rows.Next() {
		e, err := scanEpochRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan funding epoch: %w", err)
		}
		epochs = append(epochs, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list funding epochs rows: %w", err)
	}
	return epochs, nil
}

// ListEpochsBefore returns all epochs settled strictly before the cutoff,
// oldest first. Used by the cold-storage archiver.
func (s *FundingStore) ListEpochsBefore(ctx context.Context, before time.Time) ([]domain.FundingEpoch, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+epochSelectCols+` FROM funding_epochs
		 WHERE settled_at < $1
		 ORDER BY settled_at`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list epochs before: %w", err)
	}
	defer rows.Close()

	var epochs []domain.FundingEpoch
	for rows.Next() {
		e, err := scanEpochRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan funding epoch: %w", err)
		}
		epochs = append(epochs, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list epochs before rows: %w", err)
	}
	return epochs, nil
}

// ListPaymentsByAccount returns an account's funding payments, newest first.
func (s *FundingStore) ListPaymentsByAccount(ctx context.Context, account string, opts domain.ListOpts) ([]domain.FundingPayment, error) {
	query := `SELECT position_id, account, epoch_id, rate, amount, paid_at
		FROM funding_payments WHERE account = $1`
	args := []any{account}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND paid_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND paid_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY paid_at DESC"

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
		return nil, fmt.Errorf("postgres: list funding payments: %w", err)
	}
	defer rows.Close()

	var payments []domain.FundingPayment
	for rows.Next() {
		var p domain.FundingPayment
		if err := rows.Scan(&p.PositionID, &p.Account, &p.EpochID, &p.Rate, &p.Amount, &p.At); err != nil {
			return nil, fmt.Errorf("postgres: scan funding payment: %w", err)
		}
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list funding payments rows: %w", err)
	}
	return payments, nil
}
