package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/novafund/lifeperp/internal/domain"
)

// ---------------------------------------------------------------------------
// Narrow store interfaces required by the archiver.
//
// The archiver only requires the time-ranged query methods it actually
// calls, not the full domain store interfaces. The Postgres stores satisfy
// these implicitly.
// ---------------------------------------------------------------------------

// PositionArchiveStore provides read access to settled positions for
// archival purposes.
type PositionArchiveStore interface {
	// ListClosedBefore returns all positions closed or liquidated strictly
	// before the given cutoff time.
	ListClosedBefore(ctx context.Context, before time.Time) ([]domain.Position, error)
}

// FundingArchiveStore provides read access to funding epochs for archival
// purposes.
type FundingArchiveStore interface {
	// ListEpochsBefore returns all epochs settled strictly before the given
	// cutoff time.
	ListEpochsBefore(ctx context.Context, before time.Time) ([]domain.FundingEpoch, error)
}

// AuditArchiveStore provides read access to audit entries for archival
// purposes.
type AuditArchiveStore interface {
	// ListBefore returns all audit entries recorded strictly before the
	// given cutoff time.
	ListBefore(ctx context.Context, before time.Time) ([]domain.AuditEntry, error)
}

// ---------------------------------------------------------------------------
// ArchiveImpl
// ---------------------------------------------------------------------------

// ArchiveImpl implements domain.Archiver by querying the domain stores for
// settled history, serializing it to JSONL, and uploading the result to S3.
//
// Deletion of the archived records from the primary store is intentionally
// NOT performed here -- that is a separate, explicit step to be executed
// after the archive has been verified.
type ArchiveImpl struct {
	writer    domain.BlobWriter
	positions PositionArchiveStore
	funding   FundingArchiveStore
	auditSrc  AuditArchiveStore
	audit     domain.AuditStore
}

var _ domain.Archiver = (*ArchiveImpl)(nil)

// NewArchiver creates a new ArchiveImpl.
func NewArchiver(
	writer domain.BlobWriter,
	positions PositionArchiveStore,
	funding FundingArchiveStore,
	auditSrc AuditArchiveStore,
	audit domain.AuditStore,
) *ArchiveImpl {
	return &ArchiveImpl{
		writer:    writer,
		positions: positions,
		funding:   funding,
		auditSrc:  auditSrc,
		audit:     audit,
	}
}

// ArchiveClosedPositions queries all settled positions before the cutoff,
// serializes them to JSONL, and uploads the file to S3 at
// archive/positions/YYYY-MM.jsonl. The archival event is recorded in the
// audit log and the count of archived records is returned.
func (a *ArchiveImpl) ArchiveClosedPositions(ctx context.Context, before time.Time) (int64, error) {
	positions, err := a.positions.ListClosedBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions query: %w", err)
	}
	if len(positions) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(positions)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions marshal: %w", err)
	}

	path := archivePath("positions", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive positions upload: %w", err)
	}

	count := int64(len(positions))

	if err := a.audit.Log(ctx, "archive.positions", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive positions audit log: %w", err)
	}

	return count, nil
}

// ArchiveFundingEpochs queries all funding epochs before the cutoff,
// serializes them to JSONL, and uploads the file to S3 at
// archive/funding_epochs/YYYY-MM.jsonl. The archival event is recorded in
// the audit log and the count of archived records is returned.
func (a *ArchiveImpl) ArchiveFundingEpochs(ctx context.Context, before time.Time) (int64, error) {
	epochs, err := a.funding.ListEpochsBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive funding epochs query: %w", err)
	}
	if len(epochs) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(epochs)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive funding epochs marshal: %w", err)
	}

	path := archivePath("funding_epochs", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive funding epochs upload: %w", err)
	}

	count := int64(len(epochs))

	if err := a.audit.Log(ctx, "archive.funding_epochs", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive funding epochs audit log: %w", err)
	}

	return count, nil
}

// ArchiveAuditLog queries all audit entries before the cutoff, serializes
// them to JSONL, and uploads the file to S3 at archive/audit/YYYY-MM.jsonl.
// The archival event itself is recorded in the (live) audit log and the
// count of archived records is returned.
func (a *ArchiveImpl) ArchiveAuditLog(ctx context.Context, before time.Time) (int64, error) {
	entries, err := a.auditSrc.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit query: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(entries)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit marshal: %w", err)
	}

	path := archivePath("audit", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive audit upload: %w", err)
	}

	count := int64(len(entries))

	if err := a.audit.Log(ctx, "archive.audit", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive audit audit log: %w", err)
	}

	return count, nil
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// archivePath builds the S3 key for an archive file, partitioned by the
// year-month of the cutoff time.
//
//	archive/positions/2026-01.jsonl
//	archive/funding_epochs/2026-01.jsonl
//	archive/audit/2026-01.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON (JSONL).
// Each element is marshalled as a single compact JSON line followed by '\n'.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
