package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"cocoaquota/internal/certificate"
	"cocoaquota/internal/core"
	blobmemory "cocoaquota/internal/infra/blob/memory"
	"cocoaquota/internal/infra/persistence/memory"
	"cocoaquota/pkg/domain"
)

const header = "cooperative_name,export_lot,purchase_date,certification,farmer_id,farm_id,net_weight_kg,exporter\n"

func manifest(rows ...string) []byte {
	return []byte(header + strings.Join(rows, "\n") + "\n")
}

type fixture struct {
	store   *memory.Store
	archive *blobmemory.Store
}

func newVerifier(t *testing.T, policy core.ExporterPolicy) (*Verifier, fixture) {
	t.Helper()
	store := memory.NewStore()
	for _, id := range []string{"f1", "f2", "f3"} {
		store.UpsertFarmers(context.Background(), domain.Farmer{FarmerID: id, MaxQuotaKg: decimal.NewFromInt(50000)})
	}
	cfg := core.DefaultConfig()
	cfg.SettleDelay, cfg.SettlePollInterval, cfg.SettleMaxWait = 0, 0, 0
	cfg.ExporterPolicy = policy
	engine := core.NewService(store, core.WithConfig(cfg))
	archive := blobmemory.New()
	certs := certificate.NewGenerator(store, certificate.WithArchive(archive), certificate.WithClock(func() time.Time {
		return time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	}))
	return New(engine, WithCertificates(certs)), fixture{store: store, archive: archive}
}

func TestVerifyApprovedUploadIssuesCertificate(t *testing.T) {
	v, fx := newVerifier(t, core.PolicySingle)
	report, err := v.VerifyFile(context.Background(), "manifest.csv", manifest(
		"Coop A,L1,2024-03-01,RA,F1,farm1,12000,Cargill",
		"Coop B,L1,2024-03-02,n/a,f2,farm2,9000,Cargill",
	))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !report.Approved() || len(report.Runs) != 1 || report.Records != 2 {
		t.Fatalf("unexpected report %+v", report)
	}
	art := report.Runs[0].Certificate
	if art == nil || art.FileName != "Approval_L1_20240501_Cargill_21.00MT.pdf" {
		t.Fatalf("unexpected certificate %+v", art)
	}
	if len(fx.store.Approvals()) != 1 || len(fx.store.Deliveries()) != 2 {
		t.Fatalf("expected records and approval persisted")
	}
	if list, _ := fx.archive.List(context.Background(), ""); len(list) != 2 {
		t.Fatalf("expected certificate and upload archived, got %d", len(list))
	}
}

func TestVerifyRolledBackUploadIsValidationError(t *testing.T) {
	v, fx := newVerifier(t, core.PolicySingle)
	report, err := v.VerifyFile(context.Background(), "manifest.csv", manifest(
		"Coop A,L1,2024-03-01,,f1,,20000,Cargill",
	))
	var failed *domain.ValidationFailedError
	if !errors.As(err, &failed) || !IsValidation(err) {
		t.Fatalf("expected validation failure, got %v", err)
	}
	if report.Approved() || report.Runs[0].Outcome.State != core.StateRolledBack || report.Runs[0].Certificate != nil {
		t.Fatalf("unexpected report %+v", report)
	}
	if len(fx.store.Deliveries()) != 0 || len(fx.store.Approvals()) != 0 {
		t.Fatalf("rolled back upload left state behind")
	}
}

func TestPerExporterPolicyReconcilesIndependently(t *testing.T) {
	v, fx := newVerifier(t, core.PolicyPerExporter)
	report, err := v.VerifyFile(context.Background(), "manifest.csv", manifest(
		"Coop A,L1,2024-03-01,,f1,,21000,Cargill",
		"Coop B,L2,2024-03-01,,f2,,1000,Barry",
	))
	if err == nil || !IsValidation(err) {
		t.Fatalf("expected the Barry run to fail validation, got %v", err)
	}
	if len(report.Runs) != 2 {
		t.Fatalf("expected two runs, got %d", len(report.Runs))
	}
	states := map[string]core.State{}
	for _, run := range report.Runs {
		states[run.Outcome.Source] = run.Outcome.State
	}
	approved := 0
	for _, run := range report.Runs {
		if run.Outcome.Approved() {
			approved++
		}
	}
	if approved != 1 || report.Approved() {
		t.Fatalf("expected exactly one approved run, got %+v", states)
	}
	left := fx.store.Deliveries()
	if len(left) != 1 || left[0].Exporter != "Cargill" {
		t.Fatalf("expected only the Cargill record kept, got %+v", left)
	}
}

func TestVerifyRejectsBadInputBeforeWriting(t *testing.T) {
	v, fx := newVerifier(t, core.PolicySingle)
	cases := map[string][]byte{
		"schema.csv":  []byte("farmer_id,exporter\nf1,Cargill\n"),
		"missing.csv": manifest("Coop A,L1,2024-03-01,,,,21000,Cargill"),
		"weight.csv":  manifest("Coop A,L1,2024-03-01,,f1,,abc,Cargill"),
		"upload.pdf":  []byte("%PDF"),
	}
	for name, content := range cases {
		_, err := v.VerifyFile(context.Background(), name, content)
		if err == nil || !IsValidation(err) {
			t.Fatalf("%s: expected validation error, got %v", name, err)
		}
	}
	if len(fx.store.Deliveries()) != 0 {
		t.Fatalf("input errors must not write")
	}
}

type brokenApprovals struct{}

func (brokenApprovals) InsertApproval(context.Context, domain.ApprovalRecord) error {
	return errors.New("audit table offline")
}

func TestCertificateFailureIsOperational(t *testing.T) {
	store := memory.NewStore()
	store.UpsertFarmers(context.Background(), domain.Farmer{FarmerID: "f1", MaxQuotaKg: decimal.NewFromInt(50000)})
	cfg := core.DefaultConfig()
	cfg.SettleDelay, cfg.SettlePollInterval, cfg.SettleMaxWait = 0, 0, 0
	v := New(core.NewService(store, core.WithConfig(cfg)), WithCertificates(certificate.NewGenerator(brokenApprovals{})))

	report, err := v.VerifyFile(context.Background(), "m.csv", manifest("Coop A,L1,2024-03-01,,f1,,21000,Cargill"))
	var certErr *CertificateError
	if !errors.As(err, &certErr) || IsValidation(err) {
		t.Fatalf("expected operational certificate error, got %v", err)
	}
	if !report.Runs[0].Outcome.Approved() {
		t.Fatalf("run must stay approved")
	}
}

func TestIsValidationOnJoinedErrors(t *testing.T) {
	validation := &domain.UnknownFarmerError{FarmerIDs: []string{"x"}}
	if !IsValidation(errors.Join(validation, &domain.ValidationFailedError{})) {
		t.Fatalf("all-validation join should qualify")
	}
	if IsValidation(errors.Join(validation, errors.New("db down"))) {
		t.Fatalf("operational member must disqualify")
	}
	if IsValidation(nil) {
		t.Fatalf("nil is not a validation error")
	}
}
