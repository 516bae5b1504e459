package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/routeops-platform/api/internal/importer"
)

// Entity writes are conditional upserts by natural key, so re-importing the
// same file converges instead of duplicating rows. Every write stamps
// import_batch_id; rollback is one delete-by-batch-id per table.

func (s *Store) UpsertBranches(ctx context.Context, tenantID, batchID uuid.UUID, branches []importer.Branch) error {
	batch := &pgx.Batch{}
	for _, b := range branches {
		batch.Queue(`
			INSERT INTO branches (tenant_id, code, name, region, is_active, lat, lng, import_batch_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (tenant_id, code) DO UPDATE SET
				name = EXCLUDED.name,
				region = COALESCE(EXCLUDED.region, branches.region),
				is_active = EXCLUDED.is_active,
				lat = COALESCE(EXCLUDED.lat, branches.lat),
				lng = COALESCE(EXCLUDED.lng, branches.lng),
				import_batch_id = EXCLUDED.import_batch_id,
				updated_at = now()`,
			tenantID, b.Code, b.Name, b.Region, b.IsActive, b.Lat, b.Lng, batchID)
	}
	return s.sendBatch(ctx, batch, "branches")
}

func (s *Store) UpsertRoutes(ctx context.Context, tenantID, batchID uuid.UUID, routes []importer.Route) error {
	batch := &pgx.Batch{}
	for _, r := range routes {
		batch.Queue(`
			INSERT INTO routes (tenant_id, branch_code, name, rep_code, import_batch_id)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (tenant_id, branch_code, name) DO UPDATE SET
				rep_code = COALESCE(EXCLUDED.rep_code, routes.rep_code),
				import_batch_id = EXCLUDED.import_batch_id,
				updated_at = now()`,
			tenantID, r.BranchCode, r.Name, r.RepCode, batchID)
	}
	return s.sendBatch(ctx, batch, "routes")
}

func (s *Store) UpsertCustomers(ctx context.Context, tenantID, batchID uuid.UUID, customers []importer.Customer) error {
	batch := &pgx.Batch{}
	for _, c := range customers {
		batch.Queue(`
			INSERT INTO customers (tenant_id, branch_code, customer_key, client_code, name_en, name_ar,
			                       lat, lng, address, phone, classification, vat, district, buyer_id,
			                       store_type, import_batch_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
			ON CONFLICT (tenant_id, branch_code, customer_key) DO UPDATE SET
				client_code = COALESCE(EXCLUDED.client_code, customers.client_code),
				name_en = EXCLUDED.name_en,
				name_ar = COALESCE(EXCLUDED.name_ar, customers.name_ar),
				lat = COALESCE(EXCLUDED.lat, customers.lat),
				lng = COALESCE(EXCLUDED.lng, customers.lng),
				address = COALESCE(EXCLUDED.address, customers.address),
				phone = COALESCE(EXCLUDED.phone, customers.phone),
				classification = COALESCE(EXCLUDED.classification, customers.classification),
				vat = COALESCE(EXCLUDED.vat, customers.vat),
				district = COALESCE(EXCLUDED.district, customers.district),
				buyer_id = COALESCE(EXCLUDED.buyer_id, customers.buyer_id),
				store_type = COALESCE(EXCLUDED.store_type, customers.store_type),
				import_batch_id = EXCLUDED.import_batch_id,
				updated_at = now()`,
			tenantID, c.BranchCode, c.Key, c.ClientCode, c.NameEn, c.NameAr,
			c.Lat, c.Lng, c.Address, c.Phone, c.Classification, c.VAT, c.District, c.BuyerID,
			c.StoreType, batchID)
	}
	return s.sendBatch(ctx, batch, "customers")
}

func (s *Store) UpsertVisits(ctx context.Context, tenantID, batchID uuid.UUID, visits []importer.Visit) error {
	batch := &pgx.Batch{}
	for _, v := range visits {
		batch.Queue(`
			INSERT INTO visits (tenant_id, route_name, customer_key, week_number, day_name, visit_order, rep_code, import_batch_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (tenant_id, route_name, customer_key, week_number, day_name) DO UPDATE SET
				visit_order = EXCLUDED.visit_order,
				rep_code = COALESCE(EXCLUDED.rep_code, visits.rep_code),
				import_batch_id = EXCLUDED.import_batch_id,
				updated_at = now()`,
			tenantID, v.RouteName, v.CustomerKey, v.WeekNumber, v.DayName, v.VisitOrder, v.RepCode, batchID)
	}
	return s.sendBatch(ctx, batch, "visits")
}

func (s *Store) sendBatch(ctx context.Context, batch *pgx.Batch, table string) error {
	if batch.Len() == 0 {
		return nil
	}
	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			return classifyWriteErr(fmt.Errorf("upsert %s row %d: %w", table, i, err))
		}
	}
	return nil
}

// DeleteEntitiesByBatch reverts every normalized row stamped with the batch
// id. The raw snapshot is deliberately not touched; it is the recovery copy.
func (s *Store) DeleteEntitiesByBatch(ctx context.Context, tenantID, batchID uuid.UUID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin rollback: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, table := range []string{"visits", "customers", "routes", "branches"} {
		if _, err := tx.Exec(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE tenant_id = $1 AND import_batch_id = $2`, table),
			tenantID, batchID); err != nil {
			return fmt.Errorf("rollback %s: %w", table, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit rollback: %w", err)
	}
	return nil
}

// CountEntitiesByBatch is used by tests and by support tooling to verify a
// rollback left nothing behind.
func (s *Store) CountEntitiesByBatch(ctx context.Context, tenantID, batchID uuid.UUID) (int, error) {
	var total int
	err := s.pool.QueryRow(ctx, `
		SELECT (SELECT count(*) FROM branches  WHERE tenant_id = $1 AND import_batch_id = $2)
		     + (SELECT count(*) FROM routes    WHERE tenant_id = $1 AND import_batch_id = $2)
		     + (SELECT count(*) FROM customers WHERE tenant_id = $1 AND import_batch_id = $2)
		     + (SELECT count(*) FROM visits    WHERE tenant_id = $1 AND import_batch_id = $2)`,
		tenantID, batchID).Scan(&total)
	return total, err
}
