package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/novafund/lifeperp/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

var _ domain.PositionStore = (*PositionStore)(nil)

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, account, is_long, size, leverage,
	entry_index_value, margin, realized_pnl, status,
	opened_at, last_funding_at, closed_at, exit_index_value`

func scanPositionRow(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var status string

	err := row.Scan(
		&p.ID, &p.Account, &p.IsLong,
		&p.Size, &p.Leverage,
		&p.EntryIndexValue, &p.Margin, &p.RealizedPnL,
		&status,
		&p.OpenedAt, &p.LastFundingAt, &p.ClosedAt, &p.ExitIndexValue,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Status = domain.PositionStatus(status)
	return p, nil
}

func scanPositionRows(rows pgx.Rows) ([]domain.Position, error) {
	var positions []domain.Position
	for rows.Next() {
		p, err := scanPositionRow(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// Create inserts a new position. The partial unique index on open positions
// rejects a second open position for the same account.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (
			id, account, is_long, size, leverage,
			entry_index_value, margin, realized_pnl, status,
			opened_at, last_funding_at, closed_at, exit_index_value, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12, $13, NOW()
		)`

	_, err := s.pool.Exec(ctx, query,
		p.ID, p.Account, p.IsLong,
		p.Size, p.Leverage,
		p.EntryIndexValue, p.Margin, p.RealizedPnL,
		string(p.Status),
		p.OpenedAt, p.LastFundingAt, p.ClosedAt, p.ExitIndexValue,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("postgres: create position %s: %w", p.ID, domain.ErrPositionExists)
		}
		return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}
	return nil
}

// Update replaces all mutable fields of a position.
func (s *PositionStore) Update(ctx context.Context, p domain.Position) error {
	const query = `
		UPDATE positions SET
			margin           = $2,
			realized_pnl     = $3,
			status           = $4,
			last_funding_at  = $5,
			closed_at        = $6,
			exit_index_value = $7,
			updated_at       = NOW()
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query,
		p.ID, p.Margin, p.RealizedPnL,
		string(p.Status), p.LastFundingAt,
		p.ClosedAt, p.ExitIndexValue,
	)
	if err != nil {
		return fmt.Errorf("postgres: update position %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetByID retrieves a single position by its ID.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id)

	p, err := scanPositionRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// GetOpenByAccount returns the account's open position.
func (s *PositionStore) GetOpenByAccount(ctx context.Context, account string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE account = $1 AND status = 'open'`, account)

	p, err := scanPositionRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get open position for %s: %w", account, err)
	}
	return p, nil
}

// OpenIDs pages through open-position IDs in ID order. The cursor is the
// last ID of the previous page; an empty next cursor ends the scan.
func (s *PositionStore) OpenIDs(ctx context.Context, cursor string, limit int) ([]string, string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM positions
		 WHERE status = 'open' AND id > $1
		 ORDER BY id
		 LIMIT $2`, cursor, limit)
	if err != nil {
		return nil, "", fmt.Errorf("postgres: list open position ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, "", fmt.Errorf("postgres: scan open position id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("postgres: list open position ids: %w", err)
	}

	next := ""
	if limit > 0 && len(ids) == limit {
		next = ids[len(ids)-1]
	}
	return ids, next, nil
}

// ListClosedBefore returns all positions settled (closed or liquidated)
// strictly before the cutoff, oldest first. Used by the cold-storage
// archiver.
func (s *PositionStore) ListClosedBefore(ctx context.Context, before time.Time) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE status <> 'open' AND closed_at < $1
		 ORDER BY closed_at`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan closed positions: %w", err)
	}
	return positions, nil
}

// ListByAccount returns positions for the given account with pagination and
// optional time filtering.
func (s *PositionStore) ListByAccount(ctx context.Context, account string, opts domain.ListOpts) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE account = $1`
	args := []any{account}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND opened_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND opened_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY opened_at DESC"

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
		return nil, fmt.Errorf("postgres: list positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan positions: %w", err)
	}
	return positions, nil
}
