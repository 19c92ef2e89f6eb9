package postgres

// schemaStatements create the traceability tables, the materialized quota view
// and the two RPC functions. Every statement is idempotent.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS farmers (
		farmer_id TEXT PRIMARY KEY,
		max_quota_kg NUMERIC NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS traceability (
		id BIGSERIAL PRIMARY KEY,
		export_lot TEXT NOT NULL,
		exporter TEXT NOT NULL,
		farmer_id TEXT NOT NULL,
		farm_id TEXT NOT NULL DEFAULT '',
		net_weight_kg NUMERIC NOT NULL CHECK (net_weight_kg >= 0),
		purchase_date DATE NOT NULL,
		certification TEXT,
		cooperative_name TEXT NOT NULL DEFAULT '',
		revision BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS traceability_lot_idx ON traceability (export_lot, exporter, farmer_id)`,
	`CREATE TABLE IF NOT EXISTS approvals (
		id TEXT PRIMARY KEY,
		created_at TIMESTAMPTZ NOT NULL,
		lot_number TEXT NOT NULL,
		exporter_name TEXT NOT NULL DEFAULT '',
		approved_by TEXT NOT NULL DEFAULT '',
		file_name TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS quota_meta (
		id BOOLEAN PRIMARY KEY DEFAULT TRUE CHECK (id),
		revision BIGINT NOT NULL DEFAULT 0,
		view_revision BIGINT NOT NULL DEFAULT 0
	)`,
	`INSERT INTO quota_meta (id) VALUES (TRUE) ON CONFLICT (id) DO NOTHING`,
	`CREATE MATERIALIZED VIEW IF NOT EXISTS quota_view AS
	SELECT
		f.farmer_id,
		f.max_quota_kg,
		COALESCE(t.total, 0) AS total_net_weight_kg,
		CASE WHEN f.max_quota_kg > 0
			THEN ROUND(COALESCE(t.total, 0) * 100 / f.max_quota_kg, 2)
			ELSE 0 END AS quota_used_pct,
		CASE
			WHEN f.max_quota_kg <= 0 THEN
				CASE WHEN COALESCE(t.total, 0) > 0 THEN 'EXCEEDED' ELSE 'OK' END
			WHEN COALESCE(t.total, 0) > f.max_quota_kg THEN 'EXCEEDED'
			WHEN COALESCE(t.total, 0) * 100 >= f.max_quota_kg * 90 THEN 'WARNING'
			ELSE 'OK'
		END AS quota_status
	FROM farmers f
	LEFT JOIN (
		SELECT farmer_id, SUM(net_weight_kg) AS total
		FROM traceability
		GROUP BY farmer_id
	) t ON t.farmer_id = f.farmer_id`,
	`CREATE UNIQUE INDEX IF NOT EXISTS quota_view_farmer_idx ON quota_view (farmer_id)`,
	`CREATE OR REPLACE FUNCTION delete_traceability_records(p_export_lot TEXT, p_exporter TEXT, p_farmer_ids TEXT[])
	RETURNS BIGINT LANGUAGE plpgsql AS $$
	DECLARE
		removed BIGINT;
	BEGIN
		DELETE FROM traceability
		WHERE export_lot = p_export_lot
		  AND exporter = p_exporter
		  AND farmer_id = ANY (p_farmer_ids);
		GET DIAGNOSTICS removed = ROW_COUNT;
		IF removed > 0 THEN
			UPDATE quota_meta SET revision = revision + 1;
		END IF;
		RETURN removed;
	END
	$$`,
	`CREATE OR REPLACE FUNCTION refresh_quota_view()
	RETURNS BIGINT LANGUAGE plpgsql AS $$
	DECLARE
		rev BIGINT;
	BEGIN
		SELECT revision INTO rev FROM quota_meta FOR UPDATE;
		REFRESH MATERIALIZED VIEW quota_view;
		UPDATE quota_meta SET view_revision = rev;
		RETURN rev;
	END
	$$`,
}
