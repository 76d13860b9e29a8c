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

// ReporterStore implements domain.ReporterStore using PostgreSQL.
// Heartbeats are stored as nanosecond integers to round-trip
// time.Duration exactly.
type ReporterStore struct {
	pool *pgxpool.Pool
}

var _ domain.ReporterStore = (*ReporterStore)(nil)

// NewReporterStore creates a new ReporterStore backed by the given connection pool.
func NewReporterStore(pool *pgxpool.Pool) *ReporterStore {
	return &ReporterStore{pool: pool}
}

const reporterSelectCols = `id, address, active, heartbeat_ns,
	deviation_threshold, reputation, total_reports, successful_reports,
	last_report_at, created_at`

func scanReporterRow(row pgx.Row) (domain.Reporter, error) {
	var r domain.Reporter
	var heartbeatNS int64

	err := row.Scan(
		&r.ID, &r.Address, &r.Active, &heartbeatNS,
		&r.DeviationThreshold, &r.Reputation,
		&r.TotalReports, &r.SuccessfulReports,
		&r.LastReportAt, &r.CreatedAt,
	)
	if err != nil {
		return domain.Reporter{}, err
	}
	r.Heartbeat = time.Duration(heartbeatNS)
	return r, nil
}

// Upsert inserts a reporter or replaces its full state.
func (s *ReporterStore) Upsert(ctx context.Context, r domain.Reporter) error {
	const query = `
		INSERT INTO reporters (
			id, address, active, heartbeat_ns,
			deviation_threshold, reputation, total_reports, successful_reports,
			last_report_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8,
			$9, $10, NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			address             = EXCLUDED.address,
			active              = EXCLUDED.active,
			heartbeat_ns        = EXCLUDED.heartbeat_ns,
			deviation_threshold = EXCLUDED.deviation_threshold,
			reputation          = EXCLUDED.reputation,
			total_reports       = EXCLUDED.total_reports,
			successful_reports  = EXCLUDED.successful_reports,
			last_report_at      = EXCLUDED.last_report_at,
			updated_at          = NOW()`

	_, err := s.pool.Exec(ctx, query,
		r.ID, r.Address, r.Active, int64(r.Heartbeat),
		r.DeviationThreshold, r.Reputation,
		r.TotalReports, r.SuccessfulReports,
		r.LastReportAt, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert reporter %s: %w", r.ID, err)
	}
	return nil
}

// Get retrieves a reporter by ID.
func (s *ReporterStore) Get(ctx context.Context, id string) (domain.Reporter, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+reporterSelectCols+` FROM reporters WHERE id = $1`, id)

	r, err := scanReporterRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Reporter{}, fmt.Errorf("postgres: reporter %s: %w", id, domain.ErrReporterUnknown)
		}
		return domain.Reporter{}, fmt.Errorf("postgres: get reporter %s: %w", id, err)
	}
	return r, nil
}

// List returns all reporters ordered by ID.
func (s *ReporterStore) List(ctx context.Context) ([]domain.Reporter, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+reporterSelectCols+` FROM reporters ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list reporters: %w", err)
	}
	defer rows.Close()

	var reporters []domain.Reporter
	for rows.Next() {
		r, err := scanReporterRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan reporter: %w", err)
		}
		reporters = append(reporters, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list reporters rows: %w", err)
	}
	return reporters, nil
}
