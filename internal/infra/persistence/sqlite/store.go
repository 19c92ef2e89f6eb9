// Package sqlite implements the delivery, registry and approval store on an
// embedded SQLite file. The quota view is a SQL view computed on read.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite" // pure go sqlite driver

	"cocoaquota/pkg/domain"
)

// DefaultPath is used when no database path is configured.
const DefaultPath = "quotaverify.db"

//go:embed schema.sql
var schema string

var (
	_ domain.Store         = (*Store)(nil)
	_ domain.ViewRefresher = (*Store)(nil)
	_ domain.FarmerWriter  = (*Store)(nil)
)

// Store is the SQLite backend.
type Store struct {
	db   *sql.DB
	path string
}

// NewStore opens (creating when needed) the database at path and applies the schema.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = DefaultPath
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serializes writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)
	for _, stmt := range splitStatements(schema) {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	return &Store{db: db, path: path}, nil
}

func splitStatements(script string) []string {
	var out []string
	for _, stmt := range strings.Split(script, ";\n") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, strings.TrimSuffix(stmt, ";"))
		}
	}
	return out
}

// DB exposes the underlying handle for integration tests.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// UpsertFarmers registers or updates registry rows.
func (s *Store) UpsertFarmers(ctx context.Context, farmers ...domain.Farmer) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, f := range farmers {
		id := domain.NormalizeFarmerID(f.FarmerID)
		if id == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO farmers (farmer_id, max_quota_kg) VALUES (?, ?)
			ON CONFLICT (farmer_id) DO UPDATE SET max_quota_kg = excluded.max_quota_kg`, id, f.MaxQuotaKg.String()); err != nil {
			return fmt.Errorf("upsert farmer %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// ListFarmerIDs implements domain.RegistryStore.
func (s *Store) ListFarmerIDs(ctx context.Context, after string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT farmer_id FROM farmers WHERE farmer_id > ? ORDER BY farmer_id LIMIT ?`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("list farmers: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan farmer: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// LoadQuotaView implements domain.QuotaViewStore. The revision and rows are
// read in one transaction.
func (s *Store) LoadQuotaView(ctx context.Context) (domain.QuotaViewSnapshot, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.QuotaViewSnapshot{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var snap domain.QuotaViewSnapshot
	if err := tx.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'revision'`).Scan(&snap.Revision); err != nil {
		return domain.QuotaViewSnapshot{}, fmt.Errorf("read revision: %w", err)
	}
	rows, err := tx.QueryContext(ctx, `SELECT * FROM quota_view ORDER BY farmer_id`)
	if err != nil {
		return domain.QuotaViewSnapshot{}, fmt.Errorf("select quota_view: %w", err)
	}
	defer func() { _ = rows.Close() }()
	if snap.Columns, err = rows.Columns(); err != nil {
		return domain.QuotaViewSnapshot{}, err
	}
	for rows.Next() {
		vals := make([]any, len(snap.Columns))
		ptrs := make([]any, len(vals))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return domain.QuotaViewSnapshot{}, fmt.Errorf("scan quota_view: %w", err)
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

// RefreshQuotaView is a no-op: the view is computed on every read.
func (s *Store) RefreshQuotaView(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// DeleteDeliveries implements domain.DeliveryStore.
func (s *Store) DeleteDeliveries(ctx context.Context, lot domain.LotKey, farmerIDs []string) (int64, error) {
	if len(farmerIDs) == 0 {
		return 0, nil
	}
	args := []any{lot.ExportLot, lot.Exporter}
	marks := make([]string, len(farmerIDs))
	for i, id := range farmerIDs {
		marks[i] = "?"
		args = append(args, domain.NormalizeFarmerID(id))
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()
	res, err := tx.ExecContext(ctx, `DELETE FROM traceability WHERE export_lot = ? AND exporter = ? AND farmer_id IN (`+strings.Join(marks, ",")+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("delete traceability: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		if _, err := bumpRevision(ctx, tx); err != nil {
			return 0, err
		}
	}
	return n, tx.Commit()
}

// InsertDeliveries implements domain.DeliveryStore in a single transaction.
func (s *Store) InsertDeliveries(ctx context.Context, records []domain.DeliveryRecord) (domain.CommitToken, error) {
	fail := func(err error) (domain.CommitToken, error) {
		return domain.CommitToken{}, &domain.InsertError{Rows: len(records), Cause: err}
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fail(err)
	}
	defer func() { _ = tx.Rollback() }()
	rev, err := bumpRevision(ctx, tx)
	if err != nil {
		return fail(err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO traceability
		(export_lot, exporter, farmer_id, farm_id, net_weight_kg, purchase_date, certification, cooperative_name, revision)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fail(err)
	}
	defer func() { _ = stmt.Close() }()
	for i, r := range records {
		if r.ExportLot == "" || r.Exporter == "" || r.FarmerID == "" || r.PurchaseDate == "" {
			return fail(fmt.Errorf("record %d: missing required field", i+1))
		}
		var cert any
		if r.Certification != nil {
			cert = *r.Certification
		}
		if _, err := stmt.ExecContext(ctx, r.ExportLot, r.Exporter, domain.NormalizeFarmerID(r.FarmerID), r.FarmID,
			r.NetWeightKg.String(), r.PurchaseDate, cert, r.CooperativeName, rev); err != nil {
			return fail(fmt.Errorf("record %d: %w", i+1, err))
		}
	}
	if err := tx.Commit(); err != nil {
		return fail(err)
	}
	return domain.CommitToken{ID: uuid.NewString(), Revision: rev, Rows: len(records)}, nil
}

func bumpRevision(ctx context.Context, tx *sql.Tx) (int64, error) {
	var rev int64
	if err := tx.QueryRowContext(ctx, `UPDATE meta SET value = value + 1 WHERE key = 'revision' RETURNING value`).Scan(&rev); err != nil {
		return 0, fmt.Errorf("bump revision: %w", err)
	}
	return rev, nil
}

// InsertApproval implements domain.ApprovalStore.
func (s *Store) InsertApproval(ctx context.Context, rec domain.ApprovalRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO approvals (id, created_at, lot_number, exporter_name, approved_by, file_name)
		VALUES (?, ?, ?, ?, ?, ?)`, rec.ID, rec.CreatedAt.UTC().Format(time.RFC3339Nano), rec.LotNumber, rec.ExporterName, rec.ApprovedBy, rec.FileName)
	if err != nil {
		return fmt.Errorf("insert approval: %w", err)
	}
	return nil
}

// Deliveries returns every stored record ordered by insertion.
func (s *Store) Deliveries(ctx context.Context) ([]domain.DeliveryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT export_lot, exporter, farmer_id, farm_id, net_weight_kg, purchase_date, certification, cooperative_name
		FROM traceability ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []domain.DeliveryRecord
	for rows.Next() {
		var r domain.DeliveryRecord
		var weight string
		var cert sql.NullString
		if err := rows.Scan(&r.ExportLot, &r.Exporter, &r.FarmerID, &r.FarmID, &weight, &r.PurchaseDate, &cert, &r.CooperativeName); err != nil {
			return nil, err
		}
		if r.NetWeightKg, err = decimal.NewFromString(weight); err != nil {
			return nil, fmt.Errorf("decode weight %q: %w", weight, err)
		}
		if cert.Valid {
			c := cert.String
			r.Certification = &c
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Approvals returns the approval audit rows ordered by creation time.
func (s *Store) Approvals(ctx context.Context) ([]domain.ApprovalRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, created_at, lot_number, exporter_name, approved_by, file_name FROM approvals ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []domain.ApprovalRecord
	for rows.Next() {
		var a domain.ApprovalRecord
		var created string
		if err := rows.Scan(&a.ID, &created, &a.LotNumber, &a.ExporterName, &a.ApprovedBy, &a.FileName); err != nil {
			return nil, err
		}
		if a.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, fmt.Errorf("decode created_at %q: %w", created, err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
