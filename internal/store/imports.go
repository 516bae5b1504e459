package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/routeops-platform/api/internal/importer"
)

func (s *Store) CreateImportBatch(ctx context.Context, b *importer.ImportBatch) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO import_batches (id, tenant_id, file_name, raw_row_count, status, uploader, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING started_at`,
		b.ID, b.TenantID, b.FileName, b.RawRowCount, b.Status, b.Uploader, b.CreatedBy).
		Scan(&b.StartedAt)
	if err != nil {
		return fmt.Errorf("create import batch: %w", err)
	}
	return nil
}

func (s *Store) GetImportBatch(ctx context.Context, tenantID, id uuid.UUID) (importer.ImportBatch, error) {
	var b importer.ImportBatch
	var errMsg *string
	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, file_name, raw_row_count, status, uploader,
		       branches_count, routes_count, customers_count, visits_count,
		       error, started_at, completed_at
		FROM import_batches
		WHERE id = $1 AND tenant_id = $2`, id, tenantID).
		Scan(&b.ID, &b.TenantID, &b.FileName, &b.RawRowCount, &b.Status, &b.Uploader,
			&b.Counts.Branches, &b.Counts.Routes, &b.Counts.Customers, &b.Counts.Visits,
			&errMsg, &b.StartedAt, &b.CompletedAt)
	if err != nil {
		return importer.ImportBatch{}, err
	}
	if errMsg != nil {
		b.Error = *errMsg
	}
	return b, nil
}

func (s *Store) HasActiveImport(ctx context.Context, tenantID uuid.UUID) (bool, error) {
	var active bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM import_batches
			WHERE tenant_id = $1 AND status IN ('pending', 'processing')
		)`, tenantID).Scan(&active)
	if err != nil {
		return false, fmt.Errorf("check active import: %w", err)
	}
	return active, nil
}

func (s *Store) MarkBatchProcessing(ctx context.Context, tenantID, batchID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE import_batches SET status = 'processing'
		WHERE id = $1 AND tenant_id = $2 AND status = 'pending'`, batchID, tenantID)
	if err != nil {
		return classifyWriteErr(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("import batch %s is not pending", batchID)
	}
	return nil
}

func (s *Store) CompleteBatch(ctx context.Context, tenantID, batchID uuid.UUID, status importer.BatchStatus, counts importer.PerEntityCounts, errMsg string) error {
	var errVal *string
	if errMsg != "" {
		errVal = &errMsg
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE import_batches
		SET status = $3,
		    branches_count = $4, routes_count = $5, customers_count = $6, visits_count = $7,
		    error = $8,
		    completed_at = now()
		WHERE id = $1 AND tenant_id = $2`,
		batchID, tenantID, status, counts.Branches, counts.Routes, counts.Customers, counts.Visits, errVal)
	if err != nil {
		return classifyWriteErr(err)
	}
	return nil
}

// InsertRawRows appends a chunk of the original upload to the per-tenant
// snapshot log via COPY. Each row is stored as a header-keyed JSON object so
// it stays recoverable even when the mapping was wrong.
func (s *Store) InsertRawRows(ctx context.Context, tenantID, batchID uuid.UUID, headers []string, rows [][]string, startRow int) error {
	source := make([][]any, 0, len(rows))
	for i, row := range rows {
		payload := make(map[string]string, len(headers))
		for col, header := range headers {
			if col < len(row) {
				payload[header] = row[col]
			}
		}
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode raw row %d: %w", startRow+i, err)
		}
		source = append(source, []any{tenantID, batchID, startRow + i, encoded})
	}

	_, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{"raw_import_rows"},
		[]string{"tenant_id", "import_batch_id", "row_number", "payload"},
		pgx.CopyFromRows(source))
	if err != nil {
		return classifyWriteErr(fmt.Errorf("copy raw rows: %w", err))
	}
	return nil
}

func (s *Store) CountRawRows(ctx context.Context, tenantID, batchID uuid.UUID) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM raw_import_rows WHERE tenant_id = $1 AND import_batch_id = $2`,
		tenantID, batchID).Scan(&count)
	return count, err
}

func (s *Store) AppendHistory(ctx context.Context, entry importer.HistoryEntry) error {
	stats, err := json.Marshal(entry.Stats)
	if err != nil {
		return fmt.Errorf("encode history stats: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO import_history (id, tenant_id, file_name, upload_date, record_count, uploader, type, stats)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.ID, entry.TenantID, entry.FileName, entry.UploadDate, entry.RecordCount, entry.Uploader, entry.Type, stats)
	if err != nil {
		return fmt.Errorf("append import history: %w", err)
	}
	return nil
}

func (s *Store) ListHistory(ctx context.Context, tenantID uuid.UUID, limit int) ([]importer.HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, file_name, upload_date, record_count, uploader, type, stats
		FROM import_history
		WHERE tenant_id = $1
		ORDER BY upload_date DESC
		LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list import history: %w", err)
	}
	defer rows.Close()

	var entries []importer.HistoryEntry
	for rows.Next() {
		var e importer.HistoryEntry
		var stats []byte
		if err := rows.Scan(&e.ID, &e.FileName, &e.UploadDate, &e.RecordCount, &e.Uploader, &e.Type, &stats); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		e.TenantID = tenantID
		if err := json.Unmarshal(stats, &e.Stats); err != nil {
			return nil, fmt.Errorf("decode history stats: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
