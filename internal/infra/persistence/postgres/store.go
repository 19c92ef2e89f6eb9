// Package postgres implements the delivery, registry and approval store on
// PostgreSQL through a pgx connection pool. The quota view is materialized and
// carries the delivery revision it was last refreshed at.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"cocoaquota/pkg/domain"
)

var (
	_ domain.Store         = (*Store)(nil)
	_ domain.ViewRefresher = (*Store)(nil)
	_ domain.FarmerWriter  = (*Store)(nil)
)

var traceabilityColumns = []string{
	"export_lot", "exporter", "farmer_id", "farm_id", "net_weight_kg",
	"purchase_date", "certification", "cooperative_name", "revision",
}

// Config configures the connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	DialTimeout     time.Duration
	// Schema, when set, is created if missing and used as search_path.
	Schema string
	// RefreshOnWrite refreshes the quota view after every committed write.
	RefreshOnWrite bool
}

// DefaultConfig returns pool defaults for dsn.
func DefaultConfig(dsn string) Config {
	return Config{
		DSN:             dsn,
		MaxConns:        10,
		MinConns:        1,
		MaxConnLifetime: 30 * time.Minute,
		MaxConnIdleTime: 5 * time.Minute,
		DialTimeout:     5 * time.Second,
		RefreshOnWrite:  true,
	}
}

// Store is the PostgreSQL backend.
type Store struct {
	pool    *pgxpool.Pool
	refresh bool
	logger  *slog.Logger
}

// Open connects, applies the schema and returns the store.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres dsn required")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pc.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		pc.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		pc.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	pc.ConnConfig.RuntimeParams["application_name"] = "quotaverify"
	if cfg.Schema != "" {
		pc.ConnConfig.RuntimeParams["search_path"] = cfg.Schema
	}

	dialCtx := ctx
	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}
	logger.Info("connecting to database", "host", pc.ConnConfig.Host, "database", pc.ConnConfig.Database)
	pool, err := pgxpool.NewWithConfig(dialCtx, pc)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(dialCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &Store{pool: pool, refresh: cfg.RefreshOnWrite, logger: logger}
	if err := s.migrate(ctx, cfg.Schema); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context, schema string) error {
	if schema != "" {
		if _, err := s.pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+pgx.Identifier{schema}.Sanitize()); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// Pool exposes the pool for integration tests.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// UpsertFarmers registers or updates registry rows in one batch.
func (s *Store) UpsertFarmers(ctx context.Context, farmers ...domain.Farmer) error {
	batch := &pgx.Batch{}
	for _, f := range farmers {
		id := domain.NormalizeFarmerID(f.FarmerID)
		if id == "" {
			continue
		}
		quota, err := numeric(f.MaxQuotaKg)
		if err != nil {
			return err
		}
		batch.Queue(`INSERT INTO farmers (farmer_id, max_quota_kg) VALUES ($1, $2)
			ON CONFLICT (farmer_id) DO UPDATE SET max_quota_kg = EXCLUDED.max_quota_kg`, id, quota)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert farmers: %w", err)
	}
	return nil
}

// ListFarmerIDs implements domain.RegistryStore with keyset pagination.
func (s *Store) ListFarmerIDs(ctx context.Context, after string, limit int) ([]string, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.pool.Query(ctx, `SELECT farmer_id FROM farmers WHERE farmer_id > $1 ORDER BY farmer_id LIMIT $2`, after, lim)
	if err != nil {
		return nil, fmt.Errorf("list farmers: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list farmers: %w", err)
	}
	return ids, nil
}

// LoadQuotaView implements domain.QuotaViewStore. Rows and the view revision
// are read from one repeatable-read snapshot.
func (s *Store) LoadQuotaView(ctx context.Context) (domain.QuotaViewSnapshot, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return domain.QuotaViewSnapshot{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var snap domain.QuotaViewSnapshot
	if err := tx.QueryRow(ctx, `SELECT view_revision FROM quota_meta`).Scan(&snap.Revision); err != nil {
		return domain.QuotaViewSnapshot{}, fmt.Errorf("read view revision: %w", err)
	}
	rows, err := tx.Query(ctx, `SELECT * FROM quota_view ORDER BY farmer_id`)
	if err != nil {
		return domain.QuotaViewSnapshot{}, fmt.Errorf("select quota_view: %w", err)
	}
	defer rows.Close()
	for _, fd := range rows.FieldDescriptions() {
		snap.Columns = append(snap.Columns, fd.Name)
	}
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return domain.QuotaViewSnapshot{}, fmt.Errorf("decode quota_view: %w", err)
		}
		row := make(map[string]any, len(vals))
		for i, c := range snap.Columns {
			row[c] = vals[i]
		}
		snap.Rows = append(snap.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return domain.QuotaViewSnapshot{}, err
	}
	return snap, nil
}

// RefreshQuotaView calls the refresh_quota_view RPC.
func (s *Store) RefreshQuotaView(ctx context.Context) error {
	var rev int64
	if err := s.pool.QueryRow(ctx, `SELECT refresh_quota_view()`).Scan(&rev); err != nil {
		return fmt.Errorf("refresh quota_view: %w", err)
	}
	s.logger.Debug("quota view refreshed", "revision", rev)
	return nil
}

func (s *Store) afterWrite(ctx context.Context) {
	if !s.refresh {
		return
	}
	if err := s.RefreshQuotaView(ctx); err != nil {
		s.logger.Warn("quota view refresh after write failed", "error", err)
	}
}

// DeleteDeliveries implements domain.DeliveryStore through the
// delete_traceability_records RPC.
func (s *Store) DeleteDeliveries(ctx context.Context, lot domain.LotKey, farmerIDs []string) (int64, error) {
	ids := make([]string, len(farmerIDs))
	for i, id := range farmerIDs {
		ids[i] = domain.NormalizeFarmerID(id)
	}
	var removed int64
	if err := s.pool.QueryRow(ctx, `SELECT delete_traceability_records($1, $2, $3)`, lot.ExportLot, lot.Exporter, ids).Scan(&removed); err != nil {
		return 0, fmt.Errorf("delete_traceability_records: %w", err)
	}
	if removed > 0 {
		s.afterWrite(ctx)
	}
	return removed, nil
}

// InsertDeliveries implements domain.DeliveryStore with COPY inside one transaction.
func (s *Store) InsertDeliveries(ctx context.Context, records []domain.DeliveryRecord) (domain.CommitToken, error) {
	fail := func(err error) (domain.CommitToken, error) {
		return domain.CommitToken{}, &domain.InsertError{Rows: len(records), Cause: err}
	}
	rows := make([][]any, 0, len(records))
	for i, r := range records {
		row, err := copyRow(r)
		if err != nil {
			return fail(fmt.Errorf("record %d: %w", i+1, err))
		}
		rows = append(rows, row)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fail(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	var rev int64
	if err := tx.QueryRow(ctx, `UPDATE quota_meta SET revision = revision + 1 RETURNING revision`).Scan(&rev); err != nil {
		return fail(fmt.Errorf("bump revision: %w", err))
	}
	for _, row := range rows {
		row[len(row)-1] = rev
	}
	n, err := tx.CopyFrom(ctx, pgx.Identifier{"traceability"}, traceabilityColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fail(fmt.Errorf("copy traceability: %w", err))
	}
	if int(n) != len(records) {
		return fail(fmt.Errorf("copied %d of %d rows", n, len(records)))
	}
	if err := tx.Commit(ctx); err != nil {
		return fail(err)
	}
	s.afterWrite(ctx)
	return domain.CommitToken{ID: uuid.NewString(), Revision: rev, Rows: len(records)}, nil
}

// copyRow converts a record to COPY values; the trailing revision is filled in later.
func copyRow(r domain.DeliveryRecord) ([]any, error) {
	if r.ExportLot == "" || r.Exporter == "" || domain.NormalizeFarmerID(r.FarmerID) == "" {
		return nil, errors.New("missing required field")
	}
	date, err := time.Parse(domain.DateLayout, r.PurchaseDate)
	if err != nil {
		return nil, fmt.Errorf("purchase_date %q: %w", r.PurchaseDate, err)
	}
	weight, err := numeric(r.NetWeightKg)
	if err != nil {
		return nil, err
	}
	var cert any
	if r.Certification != nil {
		cert = *r.Certification
	}
	return []any{
		r.ExportLot, r.Exporter, domain.NormalizeFarmerID(r.FarmerID), r.FarmID, weight,
		pgtype.Date{Time: date, Valid: true}, cert, r.CooperativeName, int64(0),
	}, nil
}

func numeric(d decimal.Decimal) (pgtype.Numeric, error) {
	var n pgtype.Numeric
	if err := n.Scan(d.String()); err != nil {
		return pgtype.Numeric{}, fmt.Errorf("numeric %s: %w", d, err)
	}
	return n, nil
}

// InsertApproval implements domain.ApprovalStore.
func (s *Store) InsertApproval(ctx context.Context, rec domain.ApprovalRecord) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO approvals (id, created_at, lot_number, exporter_name, approved_by, file_name)
		VALUES ($1, $2, $3, $4, $5, $6)`, rec.ID, rec.CreatedAt, rec.LotNumber, rec.ExporterName, rec.ApprovedBy, rec.FileName)
	if err != nil {
		return fmt.Errorf("insert approval: %w", err)
	}
	return nil
}

// Approvals returns the approval audit rows ordered by creation time.
func (s *Store) Approvals(ctx context.Context) ([]domain.ApprovalRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, created_at, lot_number, exporter_name, approved_by, file_name FROM approvals ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.ApprovalRecord, error) {
		var a domain.ApprovalRecord
		err := row.Scan(&a.ID, &a.CreatedAt, &a.LotNumber, &a.ExporterName, &a.ApprovedBy, &a.FileName)
		a.CreatedAt = a.CreatedAt.UTC()
		return a, err
	})
}
