package postgres

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	"cocoaquota/internal/ledger"
	"cocoaquota/pkg/domain"
)

const dsnEnv = "QUOTAVERIFY_TEST_POSTGRES_DSN"

func record(lot, exporter, farmer, kg string) domain.DeliveryRecord {
	return domain.DeliveryRecord{ExportLot: lot, Exporter: exporter, FarmerID: farmer, NetWeightKg: decimal.RequireFromString(kg), PurchaseDate: "2024-03-01"}
}

func TestCopyRowConvertsTypes(t *testing.T) {
	cert := "RA"
	r := record("L1", "E", " F1 ", "1234.567")
	r.Certification = &cert
	row, err := copyRow(r)
	if err != nil {
		t.Fatalf("copyRow: %v", err)
	}
	if len(row) != len(traceabilityColumns) {
		t.Fatalf("row has %d values for %d columns", len(row), len(traceabilityColumns))
	}
	if row[2] != "f1" || row[6] != "RA" {
		t.Fatalf("unexpected row %v", row)
	}
	n, ok := row[4].(pgtype.Numeric)
	if !ok {
		t.Fatalf("weight is %T", row[4])
	}
	v, _ := n.Value()
	if v != "1234.567" {
		t.Fatalf("weight encoded as %v", v)
	}
	d, _ := row[5].(pgtype.Date)
	if !d.Valid || d.Time.Format(domain.DateLayout) != "2024-03-01" {
		t.Fatalf("unexpected date %+v", d)
	}
}

func TestCopyRowRejectsIncompleteRecords(t *testing.T) {
	bad := record("L1", "E", "f1", "1")
	bad.PurchaseDate = "01/03/2024"
	if _, err := copyRow(bad); err == nil {
		t.Fatalf("expected date error")
	}
	if _, err := copyRow(record("", "E", "f1", "1")); err == nil {
		t.Fatalf("expected missing field error")
	}
}

func TestSchemaDefinesRPCs(t *testing.T) {
	joined := strings.Join(schemaStatements, "\n")
	for _, want := range []string{"delete_traceability_records", "refresh_quota_view", "MATERIALIZED VIEW IF NOT EXISTS quota_view", "view_revision"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("schema missing %q", want)
		}
	}
}

func TestOpenRequiresDSN(t *testing.T) {
	if _, err := Open(context.Background(), Config{}, nil); err == nil {
		t.Fatalf("expected dsn error")
	}
}

func openIntegration(t *testing.T, refresh bool) *Store {
	t.Helper()
	dsn := os.Getenv(dsnEnv)
	if dsn == "" {
		t.Skipf("%s not set", dsnEnv)
	}
	cfg := DefaultConfig(dsn)
	cfg.Schema = "qv_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	cfg.RefreshOnWrite = refresh
	ctx := context.Background()
	s, err := Open(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() {
		_, _ = s.Pool().Exec(context.Background(), "DROP SCHEMA "+cfg.Schema+" CASCADE")
		_ = s.Close()
	})
	return s
}

func TestPostgresRoundTrip(t *testing.T) {
	s := openIntegration(t, true)
	ctx := context.Background()
	if err := s.UpsertFarmers(ctx, domain.Farmer{FarmerID: "F1", MaxQuotaKg: decimal.NewFromInt(1000)}, domain.Farmer{FarmerID: "f2", MaxQuotaKg: decimal.NewFromInt(100)}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	ids, err := s.ListFarmerIDs(ctx, "", 1)
	if err != nil || len(ids) != 1 || ids[0] != "f1" {
		t.Fatalf("unexpected page %v (%v)", ids, err)
	}
	token, err := s.InsertDeliveries(ctx, []domain.DeliveryRecord{record("L1", "E", "f1", "950"), record("L1", "E", "f2", "100.01")})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	snap, err := s.LoadQuotaView(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if snap.Revision != token.Revision {
		t.Fatalf("view revision %d, want %d", snap.Revision, token.Revision)
	}
	rows, err := ledger.Decode(snap, nil)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rows["f1"].Status != domain.QuotaWarning || rows["f2"].Status != domain.QuotaExceeded {
		t.Fatalf("unexpected statuses %+v", rows)
	}
	n, err := s.DeleteDeliveries(ctx, domain.LotKey{ExportLot: "L1", Exporter: "E"}, []string{"F2"})
	if err != nil || n != 1 {
		t.Fatalf("delete: %d %v", n, err)
	}
	if err := s.InsertApproval(ctx, domain.ApprovalRecord{ID: "a1", CreatedAt: time.Now().UTC(), LotNumber: "L1", FileName: "x.pdf"}); err != nil {
		t.Fatalf("approval: %v", err)
	}
	if approvals, _ := s.Approvals(ctx); len(approvals) != 1 {
		t.Fatalf("unexpected approvals %+v", approvals)
	}
}

func TestPostgresViewLagsUntilRefresh(t *testing.T) {
	s := openIntegration(t, false)
	ctx := context.Background()
	_ = s.UpsertFarmers(ctx, domain.Farmer{FarmerID: "f1", MaxQuotaKg: decimal.NewFromInt(10)})
	token, err := s.InsertDeliveries(ctx, []domain.DeliveryRecord{record("L1", "E", "f1", "5")})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	snap, _ := s.LoadQuotaView(ctx)
	if snap.Revision >= token.Revision {
		t.Fatalf("view should lag before refresh")
	}
	if err := s.RefreshQuotaView(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if snap, _ = s.LoadQuotaView(ctx); snap.Revision != token.Revision {
		t.Fatalf("view revision %d after refresh, want %d", snap.Revision, token.Revision)
	}
}

func TestPostgresInsertFailureCommitsNothing(t *testing.T) {
	s := openIntegration(t, true)
	ctx := context.Background()
	neg := record("L1", "E", "f1", "-1")
	_, err := s.InsertDeliveries(ctx, []domain.DeliveryRecord{record("L1", "E", "f1", "5"), neg})
	var ie *domain.InsertError
	if !errors.As(err, &ie) {
		t.Fatalf("expected InsertError, got %v", err)
	}
	var count int
	if err := s.Pool().QueryRow(ctx, "SELECT count(*) FROM traceability").Scan(&count); err != nil || count != 0 {
		t.Fatalf("expected no rows, got %d (%v)", count, err)
	}
}
