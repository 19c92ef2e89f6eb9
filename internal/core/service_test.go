package core

import (
	"context"
	"errors"
	"strings"
	"testing"

	"cocoaquota/internal/infra/persistence/memory"
	"cocoaquota/pkg/domain"
)

func TestReconcileTwoLotsOneTooLowRollsBackEverything(t *testing.T) {
	store := newMemory(t, map[string]int64{"f1": 100000, "f2": 100000, "f3": 100000})
	svc := NewService(store, WithConfig(testConfig()))
	batch := batchOf(
		rec("A", "ACME", "f1", 12500),
		rec("A", "ACME", "f2", 12500),
		rec("B", "ACME", "f3", 10000),
	)

	out, err := svc.Reconcile(context.Background(), batch)
	var vf *domain.ValidationFailedError
	if !errors.As(err, &vf) {
		t.Fatalf("expected ValidationFailedError, got %v", err)
	}
	if out.State != StateRolledBack {
		t.Fatalf("expected ROLLED_BACK, got %s", out.State)
	}
	if len(out.Lots) != 2 || out.Lots[0].Status != domain.LotWithinRange || out.Lots[1].Status != domain.LotTooLow {
		t.Fatalf("unexpected lots %+v", out.Lots)
	}
	if !out.Lots[0].NetWeightKg.Equal(kg(25000)) {
		t.Fatalf("lot A weight %s", out.Lots[0].NetWeightKg)
	}
	if n := len(store.Deliveries()); n != 0 {
		t.Fatalf("expected both lots deleted, %d rows remain", n)
	}
	if len(vf.Removed) != 2 || vf.Removed[0].Deleted != 2 || vf.Removed[1].Deleted != 1 {
		t.Fatalf("unexpected removals %+v", vf.Removed)
	}
	if out.Certificate != nil {
		t.Fatalf("rolled back batch must not carry certificate aggregates")
	}
	want := []State{StateReceived, StateIdentityChecked, StateStaged, StateCommitted, StateQuotaEvaluated, StateRolledBack}
	if !sameStates(states(out), want) {
		t.Fatalf("unexpected history %v", states(out))
	}
}

func TestReconcileExactMinimumApproves(t *testing.T) {
	store := newMemory(t, map[string]int64{"f1": 50000})
	svc := NewService(store, WithConfig(testConfig()))

	out, err := svc.Reconcile(context.Background(), batchOf(rec("L1", "ACME", "f1", 21000)))
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !out.Approved() {
		t.Fatalf("expected APPROVED, got %s", out.State)
	}
	if out.Lots[0].Status != domain.LotWithinRange {
		t.Fatalf("21000 kg must be WITHIN_RANGE")
	}
	cert := out.Certificate
	if cert == nil || !cert.TotalKg.Equal(kg(21000)) || cert.FarmerCount != 1 {
		t.Fatalf("unexpected certificate aggregates %+v", cert)
	}
	if len(cert.Lots) != 1 || cert.Lots[0] != "L1" || cert.ExporterName() != "ACME" || len(cert.Cooperatives) != 1 {
		t.Fatalf("unexpected certificate aggregates %+v", cert)
	}
	if n := len(store.Deliveries()); n != 1 {
		t.Fatalf("expected 1 committed row, got %d", n)
	}
	if out.Commit == nil || out.Commit.Rows != 1 {
		t.Fatalf("expected commit token, got %+v", out.Commit)
	}
}

func TestReconcileJustBelowMinimumIsTooLow(t *testing.T) {
	store := newMemory(t, map[string]int64{"f1": 50000})
	svc := NewService(store, WithConfig(testConfig()))
	r := rec("L1", "ACME", "f1", 0)
	r.NetWeightKg = kg(21000).Sub(kg(1).Shift(-2))

	out, err := svc.Reconcile(context.Background(), batchOf(r))
	if err == nil || out.State != StateRolledBack {
		t.Fatalf("expected rollback for 20999.99 kg, got %s (%v)", out.State, err)
	}
}

func TestReconcileUnknownFarmerAbortsWithoutWrites(t *testing.T) {
	fs := &faultyStore{Store: newMemory(t, map[string]int64{"f1": 50000})}
	svc := NewService(fs, WithConfig(testConfig()))

	out, err := svc.Reconcile(context.Background(), batchOf(
		rec("L1", "ACME", "f1", 21000),
		rec("L1", "ACME", "f999", 100),
	))
	var uf *domain.UnknownFarmerError
	if !errors.As(err, &uf) {
		t.Fatalf("expected UnknownFarmerError, got %v", err)
	}
	if len(uf.FarmerIDs) != 1 || uf.FarmerIDs[0] != "f999" {
		t.Fatalf("unexpected unknown ids %v", uf.FarmerIDs)
	}
	if out.State != StateAborted {
		t.Fatalf("expected ABORTED, got %s", out.State)
	}
	if fs.inserts != 0 || fs.deletes != 0 {
		t.Fatalf("expected no store writes, got %d inserts %d deletes", fs.inserts, fs.deletes)
	}
	if len(out.Blocking()) != 1 {
		t.Fatalf("expected one blocking identity violation, got %+v", out.Violations)
	}
}

func TestReconcileExceededQuotaRollsBack(t *testing.T) {
	store := newMemory(t, map[string]int64{"f1": 20000, "f2": 100000})
	svc := NewService(store, WithConfig(testConfig()))

	out, err := svc.Reconcile(context.Background(), batchOf(
		rec("L1", "ACME", "f1", 20001),
		rec("L1", "ACME", "f2", 5000),
	))
	var vf *domain.ValidationFailedError
	if !errors.As(err, &vf) {
		t.Fatalf("expected ValidationFailedError, got %v", err)
	}
	if out.State != StateRolledBack {
		t.Fatalf("expected ROLLED_BACK, got %s", out.State)
	}
	blocking := out.Blocking()
	if len(blocking) != 1 || blocking[0].Rule != "quota_status" || blocking[0].Subject != "f1" {
		t.Fatalf("unexpected blocking violations %+v", blocking)
	}
	if n := len(store.Deliveries()); n != 0 {
		t.Fatalf("expected no rows for rolled back batch, got %d", n)
	}
}

func TestReconcileWarningFarmerStillApproves(t *testing.T) {
	store := newMemory(t, map[string]int64{"f1": 22000})
	svc := NewService(store, WithConfig(testConfig()))

	out, err := svc.Reconcile(context.Background(), batchOf(rec("L1", "ACME", "f1", 21000)))
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	warnings := out.Warnings()
	if len(warnings) != 1 || warnings[0].Subject != "f1" {
		t.Fatalf("expected quota warning, got %+v", warnings)
	}
	if len(out.QuotaRows) != 1 || out.QuotaRows[0].Status != domain.QuotaWarning {
		t.Fatalf("unexpected quota rows %+v", out.QuotaRows)
	}
}

func TestReconcileResubmissionKeepsSingleCopy(t *testing.T) {
	store := newMemory(t, map[string]int64{"f1": 100000, "f2": 100000})
	svc := NewService(store, WithConfig(testConfig()))
	batch := batchOf(rec("L1", "ACME", "f1", 11000), rec("L1", "ACME", "f2", 10000))

	for i := 0; i < 2; i++ {
		if _, err := svc.Reconcile(context.Background(), batch); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	if n := len(store.Deliveries()); n != 2 {
		t.Fatalf("expected exactly one copy (2 rows), got %d", n)
	}
}

func TestReconcilePartialResubmissionOnlyReplacesListedFarmers(t *testing.T) {
	store := newMemory(t, map[string]int64{"f1": 100000, "f2": 100000})
	svc := NewService(store, WithConfig(testConfig()))
	ctx := context.Background()
	if _, err := svc.Reconcile(ctx, batchOf(rec("L1", "ACME", "f1", 11000), rec("L1", "ACME", "f2", 10000))); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if _, err := svc.Reconcile(ctx, batchOf(rec("L1", "ACME", "f1", 21000))); err != nil {
		t.Fatalf("corrected run: %v", err)
	}
	rows := store.Deliveries()
	if len(rows) != 2 {
		t.Fatalf("expected f2 kept and f1 replaced, got %d rows", len(rows))
	}
	for _, r := range rows {
		if r.FarmerID == "f1" && !r.NetWeightKg.Equal(kg(21000)) {
			t.Fatalf("f1 not replaced: %s", r.NetWeightKg)
		}
	}
}

func TestReconcileRecordsFailedCleanupDeleteAsWarning(t *testing.T) {
	fs := &faultyStore{
		Store: newMemory(t, map[string]int64{"f1": 100000}),
		deleteErr: func(call int) error {
			if call == 1 {
				return errors.New("rpc timeout")
			}
			return nil
		},
	}
	logger := &captureLogger{}
	svc := NewService(fs, WithConfig(testConfig()), WithLogger(logger))

	out, err := svc.Reconcile(context.Background(), batchOf(rec("L1", "ACME", "f1", 21000)))
	if err != nil {
		t.Fatalf("cleanup failure must not be fatal: %v", err)
	}
	if len(out.Compensations) != 1 || !out.Compensations[0].Failed() || out.Compensations[0].Phase != PhaseCleanup {
		t.Fatalf("unexpected compensation log %+v", out.Compensations)
	}
	warnings := out.Warnings()
	if len(warnings) != 1 || warnings[0].Rule != "compensating_delete" {
		t.Fatalf("expected delete warning, got %+v", warnings)
	}
	if !logger.has("warn", "compensating delete failed") {
		t.Fatalf("expected warn log for failed delete")
	}
}

func TestReconcileFailedRollbackDeleteIsNotReportedAsRemoved(t *testing.T) {
	fs := &faultyStore{
		Store: newMemory(t, map[string]int64{"f1": 100000, "f2": 100000}),
		deleteErr: func(call int) error {
			// calls 1-2 are cleanup, 3-4 the rollback of L1 then L2
			if call == 4 {
				return errors.New("rpc timeout")
			}
			return nil
		},
	}
	svc := NewService(fs, WithConfig(testConfig()))

	out, err := svc.Reconcile(context.Background(), batchOf(
		rec("L1", "ACME", "f1", 1000),
		rec("L2", "ACME", "f2", 1000),
	))
	var vf *domain.ValidationFailedError
	if !errors.As(err, &vf) || out.State != StateRolledBack {
		t.Fatalf("expected rollback, got %s %v", out.State, err)
	}
	removed := out.Removed()
	if len(removed) != 1 || removed[0].Lot.ExportLot != "L1" || removed[0].Deleted != 1 {
		t.Fatalf("only L1 was deleted, got %+v", removed)
	}
	if len(vf.Removed) != 1 || vf.Removed[0].Lot.ExportLot != "L1" {
		t.Fatalf("error must enumerate the same removals, got %+v", vf.Removed)
	}
	warnings := out.Warnings()
	if len(warnings) != 1 || warnings[0].Rule != "compensating_delete" || warnings[0].Subject != "L2/ACME" ||
		!strings.Contains(warnings[0].Message, "rollback delete") {
		t.Fatalf("expected rollback delete warning for L2, got %+v", warnings)
	}
	left := fs.Store.Deliveries()
	if len(left) != 1 || left[0].ExportLot != "L2" {
		t.Fatalf("failed rollback should leave the L2 row, got %+v", left)
	}
}

func TestReconcileInsertFailureAbortsWithoutRollback(t *testing.T) {
	fs := &faultyStore{Store: newMemory(t, map[string]int64{"f1": 100000}), insertErr: errors.New("constraint violation")}
	svc := NewService(fs, WithConfig(testConfig()))

	out, err := svc.Reconcile(context.Background(), batchOf(rec("L1", "ACME", "f1", 21000)))
	var ie *domain.InsertError
	if !errors.As(err, &ie) || ie.Rows != 1 {
		t.Fatalf("expected InsertError, got %v", err)
	}
	if out.State != StateAborted || out.Commit != nil {
		t.Fatalf("expected ABORTED without commit, got %s", out.State)
	}
	for _, c := range out.Compensations {
		if c.Phase == PhaseRollback {
			t.Fatalf("no rollback expected after failed insert")
		}
	}
}

func TestReconcileStaleViewRollsBack(t *testing.T) {
	store := newMemory(t, map[string]int64{"f1": 100000}, memory.WithViewLag(1000))
	svc := NewService(store, WithConfig(testConfig()))

	out, err := svc.Reconcile(context.Background(), batchOf(rec("L1", "ACME", "f1", 21000)))
	var vf *domain.ValidationFailedError
	if !errors.As(err, &vf) {
		t.Fatalf("expected ValidationFailedError, got %v", err)
	}
	if out.State != StateRolledBack || out.Blocking()[0].Rule != "quota_view_settle" {
		t.Fatalf("unexpected outcome %s %+v", out.State, out.Violations)
	}
	if n := len(store.Deliveries()); n != 0 {
		t.Fatalf("expected rows compensated, got %d", n)
	}
}

func TestReconcileLaggingViewSettlesByPolling(t *testing.T) {
	store := newMemory(t, map[string]int64{"f1": 100000}, memory.WithViewLag(2))
	cfg := testConfig()
	cfg.SettleMaxWait = 5e9
	cfg.SettlePollInterval = 1
	svc := NewService(store, WithConfig(cfg))

	out, err := svc.Reconcile(context.Background(), batchOf(rec("L1", "ACME", "f1", 21000)))
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(out.QuotaRows) != 1 || !out.QuotaRows[0].TotalNetWeightKg.Equal(kg(21000)) {
		t.Fatalf("expected settled quota rows, got %+v", out.QuotaRows)
	}
}

func TestReconcileViewSchemaErrorRollsBackAndSurfaces(t *testing.T) {
	fs := &faultyStore{
		Store: newMemory(t, map[string]int64{"f1": 100000}),
		viewHook: func(s domain.QuotaViewSnapshot) domain.QuotaViewSnapshot {
			s.Columns = []string{"farmer", domain.ColQuotaStatus}
			return s
		},
	}
	svc := NewService(fs, WithConfig(testConfig()))

	out, err := svc.Reconcile(context.Background(), batchOf(rec("L1", "ACME", "f1", 21000)))
	var vs *domain.ViewSchemaError
	if !errors.As(err, &vs) {
		t.Fatalf("expected ViewSchemaError, got %v", err)
	}
	if out.State != StateRolledBack || len(fs.Deliveries()) != 0 {
		t.Fatalf("expected compensated rollback, got %s with %d rows", out.State, len(fs.Deliveries()))
	}
}

func TestReconcileMissingQuotaRowWarns(t *testing.T) {
	fs := &faultyStore{
		Store: newMemory(t, map[string]int64{"f1": 100000}),
		viewHook: func(s domain.QuotaViewSnapshot) domain.QuotaViewSnapshot {
			s.Rows = nil
			return s
		},
	}
	svc := NewService(fs, WithConfig(testConfig()))

	out, err := svc.Reconcile(context.Background(), batchOf(rec("L1", "ACME", "f1", 21000)))
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if w := out.Warnings(); len(w) != 1 || w[0].Rule != "quota_status" {
		t.Fatalf("expected missing-row warning, got %+v", w)
	}
}

func TestReconcileRegistryUnavailable(t *testing.T) {
	fs := &faultyStore{Store: newMemory(t, nil), listErr: errors.New("connection refused")}
	svc := NewService(fs, WithConfig(testConfig()))

	out, err := svc.Reconcile(context.Background(), batchOf(rec("L1", "ACME", "f1", 21000)))
	var ru *domain.RegistryUnavailableError
	if !errors.As(err, &ru) {
		t.Fatalf("expected RegistryUnavailableError, got %v", err)
	}
	if out.State != StateAborted || fs.inserts != 0 {
		t.Fatalf("expected abort before writes")
	}
}

func TestReconcileEmptyBatch(t *testing.T) {
	svc := NewService(newMemory(t, nil), WithConfig(testConfig()))
	_, err := svc.Reconcile(context.Background(), batchOf())
	if !errors.Is(err, domain.ErrEmptyBatch) {
		t.Fatalf("expected empty batch error, got %v", err)
	}
}

func TestReconcileCompletesAfterCommitDespiteCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fs := &faultyStore{Store: newMemory(t, map[string]int64{"f1": 100000})}
	fs.viewHook = func(s domain.QuotaViewSnapshot) domain.QuotaViewSnapshot {
		cancel()
		return s
	}
	svc := NewService(fs, WithConfig(testConfig()))

	out, err := svc.Reconcile(ctx, batchOf(rec("L1", "ACME", "f1", 21000)))
	if err != nil || !out.Approved() {
		t.Fatalf("expected run to finish after commit, got %s (%v)", out.State, err)
	}
}

func TestReconcileUsesClockForHistory(t *testing.T) {
	clk := &stubClock{}
	svc := NewService(newMemory(t, map[string]int64{"f1": 100000}), WithConfig(testConfig()), WithClock(clk))
	out, err := svc.Reconcile(context.Background(), batchOf(rec("L1", "ACME", "f1", 21000)))
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	for i := 1; i < len(out.History); i++ {
		if !out.History[i].At.After(out.History[i-1].At) {
			t.Fatalf("history timestamps not increasing: %+v", out.History)
		}
	}
	if out.RunID == "" || out.Source != "manifest.xlsx" {
		t.Fatalf("unexpected run identity %q %q", out.RunID, out.Source)
	}
}
