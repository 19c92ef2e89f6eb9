package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"cocoaquota/internal/ledger"
	"cocoaquota/internal/registry"
	"cocoaquota/pkg/domain"
)

// Store is the subset of persistence the reconciliation engine drives.
type Store interface {
	domain.RegistryStore
	domain.QuotaViewStore
	domain.DeliveryStore
}

// Option customises a Service.
type Option func(*Service)

// WithConfig replaces the default engine configuration.
func WithConfig(cfg Config) Option {
	return func(s *Service) { s.cfg = cfg }
}

// WithClock overrides the clock used for transition timestamps.
func WithClock(clock Clock) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics sets the stage metrics recorder.
func WithMetrics(rec MetricsRecorder) Option {
	return func(s *Service) {
		if rec != nil {
			s.metrics = rec
		}
	}
}

// WithTracer sets the span tracer.
func WithTracer(tracer Tracer) Option {
	return func(s *Service) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// WithRulesEngine replaces the post-commit rule set.
func WithRulesEngine(engine *domain.RulesEngine) Option {
	return func(s *Service) { s.engine = engine }
}

// Service runs the stage, verify, commit-or-compensate protocol over delivery batches.
type Service struct {
	store   Store
	cfg     Config
	clock   Clock
	logger  Logger
	metrics MetricsRecorder
	tracer  Tracer
	engine  *domain.RulesEngine
	locks   *lotLocks
	ledger  *ledger.Reader
}

// NewService constructs a service backed by store.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:   store,
		cfg:     DefaultConfig(),
		clock:   systemClock{},
		logger:  noopLogger{},
		metrics: noopMetrics{},
		tracer:  noopTracer{},
		locks:   newLotLocks(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.engine == nil {
		s.engine = NewDefaultRulesEngine(s.cfg)
	}
	s.ledger = ledger.NewReader(store, s.cfg.settle())
	return s
}

// Config returns the engine configuration.
func (s *Service) Config() Config { return s.cfg }

// Reconcile drives one batch through the state machine. The returned error is
// nil only for APPROVED. A rolled back batch yields *domain.ValidationFailedError;
// any other error carries the Outcome reached so far. Once rows are committed the
// run ignores cancellation of ctx and always finishes with APPROVED or ROLLED_BACK.
func (s *Service) Reconcile(ctx context.Context, batch domain.DeliveryBatch) (out Outcome, err error) {
	started := s.clock.Now()
	ctx, span := s.tracer.Start(ctx, "reconcile")
	defer func() {
		span.End(err)
		s.metrics.Observe(ctx, "reconcile", err == nil, s.clock.Now().Sub(started))
		s.metrics.Observe(ctx, "state_"+strings.ToLower(string(out.State)), true, 0)
	}()

	out = Outcome{RunID: uuid.NewString(), Source: batch.Source()}
	out.transition(StateReceived, started)
	log := []any{"run_id", out.RunID, "source", batch.Source()}
	s.logger.Info("reconcile received", append(log, "records", batch.Len())...)

	if batch.Len() == 0 {
		out.transition(StateAborted, s.clock.Now())
		return out, &domain.EmptyBatchError{Source: batch.Source()}
	}

	if err = s.checkIdentities(ctx, batch, &out); err != nil {
		out.transition(StateAborted, s.clock.Now())
		s.logger.Warn("reconcile aborted", append(log, "error", err)...)
		return out, err
	}
	out.transition(StateIdentityChecked, s.clock.Now())

	keys, lotFarmers := batch.LotFarmers()
	release := s.locks.acquire(keys)
	defer release()

	s.compensate(ctx, &out, PhaseCleanup, keys, lotFarmers)
	out.transition(StateStaged, s.clock.Now())

	token, err := s.insert(ctx, batch)
	if err != nil {
		out.transition(StateAborted, s.clock.Now())
		s.logger.Error("reconcile insert failed", append(log, "error", err)...)
		return out, err
	}
	out.Commit = &token
	out.transition(StateCommitted, s.clock.Now())
	s.logger.Info("reconcile committed", append(log, "revision", token.Revision, "rows", token.Rows)...)

	// Committed rows must be either confirmed or compensated.
	ctx = context.WithoutCancel(ctx)

	rows, err := s.awaitQuota(ctx, batch, token)
	if err != nil {
		var stale *domain.ViewStaleError
		if !errors.As(err, &stale) {
			s.logger.Error("quota view unreadable, rolling back", append(log, "error", err)...)
			s.rollback(ctx, &out, keys, lotFarmers)
			return out, err
		}
		out.Violations = append(out.Violations, domain.Violation{
			Rule:     "quota_view_settle",
			Severity: domain.SeverityBlock,
			Message:  err.Error(),
		})
		return s.fail(ctx, &out, keys, lotFarmers, log)
	}
	out.QuotaRows = sortedRows(rows)

	out.Lots = ClassifyLots(batch, s.cfg.LotMinimumKg)
	res, err := s.evaluate(ctx, ruleView{batch: batch, lots: out.Lots, rows: rows})
	if err != nil {
		s.logger.Error("rule evaluation failed, rolling back", append(log, "error", err)...)
		s.rollback(ctx, &out, keys, lotFarmers)
		return out, err
	}
	out.Violations = append(out.Violations, res.Violations...)
	out.transition(StateQuotaEvaluated, s.clock.Now())

	if res.HasBlocking() {
		return s.fail(ctx, &out, keys, lotFarmers, log)
	}
	out.Certificate = summarize(batch, out.Lots)
	out.transition(StateApproved, s.clock.Now())
	s.logger.Info("reconcile approved", append(log, "lots", len(out.Lots), "total_kg", out.Certificate.TotalKg.String(), "warnings", len(out.Warnings()))...)
	return out, nil
}

func (s *Service) checkIdentities(ctx context.Context, batch domain.DeliveryBatch, out *Outcome) (err error) {
	defer s.observe(ctx, "registry_load", s.clock.Now(), &err)
	reg, err := registry.NewLoader(s.store, s.cfg.RegistryPageSize).Load(ctx)
	if err != nil {
		return err
	}
	unknown := reg.Unknown(batch.FarmerIDs())
	if len(unknown) == 0 {
		return nil
	}
	for _, id := range unknown {
		out.Violations = append(out.Violations, domain.Violation{
			Rule:     "farmer_identity",
			Severity: domain.SeverityBlock,
			Message:  fmt.Sprintf("farmer %s is not registered", id),
			Subject:  id,
		})
	}
	return &domain.UnknownFarmerError{FarmerIDs: unknown}
}

func (s *Service) insert(ctx context.Context, batch domain.DeliveryBatch) (token domain.CommitToken, err error) {
	defer s.observe(ctx, "insert", s.clock.Now(), &err)
	token, err = s.store.InsertDeliveries(ctx, batch.Records())
	if err != nil {
		var ie *domain.InsertError
		if !errors.As(err, &ie) {
			err = &domain.InsertError{Rows: batch.Len(), Cause: err}
		}
		return domain.CommitToken{}, err
	}
	return token, nil
}

func (s *Service) awaitQuota(ctx context.Context, batch domain.DeliveryBatch, token domain.CommitToken) (rows map[string]domain.QuotaStatusRow, err error) {
	defer s.observe(ctx, "settle", s.clock.Now(), &err)
	return s.ledger.Await(ctx, batch.FarmerIDs(), token.Revision)
}

func (s *Service) evaluate(ctx context.Context, view domain.RuleView) (res domain.Result, err error) {
	defer s.observe(ctx, "evaluate", s.clock.Now(), &err)
	return s.engine.Evaluate(ctx, view)
}

// compensate issues one delete per lot key and records it in the outcome log.
// Failures are logged and kept, never returned.
func (s *Service) compensate(ctx context.Context, out *Outcome, phase CompensationPhase, keys []domain.LotKey, lotFarmers map[domain.LotKey][]string) {
	for _, key := range keys {
		ids := lotFarmers[key]
		started := s.clock.Now()
		n, err := s.store.DeleteDeliveries(ctx, key, ids)
		s.metrics.Observe(ctx, string(phase)+"_delete", err == nil, s.clock.Now().Sub(started))
		entry := Compensation{Phase: phase, Lot: key, FarmerIDs: append([]string(nil), ids...), Deleted: n}
		if err != nil {
			rpcErr := &domain.DeleteRPCError{Lot: key, FarmerIDs: ids, Cause: err}
			entry.Err = rpcErr.Error()
			entry.Deleted = 0
			s.logger.Warn("compensating delete failed", "run_id", out.RunID, "phase", phase, "lot", key.ExportLot, "exporter", key.Exporter, "error", rpcErr)
		} else {
			s.logger.Debug("compensating delete", "run_id", out.RunID, "phase", phase, "lot", key.ExportLot, "exporter", key.Exporter, "deleted", n)
		}
		out.Compensations = append(out.Compensations, entry)
	}
}

func (s *Service) rollback(ctx context.Context, out *Outcome, keys []domain.LotKey, lotFarmers map[domain.LotKey][]string) {
	s.compensate(ctx, out, PhaseRollback, keys, lotFarmers)
	out.transition(StateRolledBack, s.clock.Now())
}

func (s *Service) fail(ctx context.Context, out *Outcome, keys []domain.LotKey, lotFarmers map[domain.LotKey][]string, log []any) (Outcome, error) {
	s.rollback(ctx, out, keys, lotFarmers)
	verr := &domain.ValidationFailedError{Violations: out.Violations, Removed: out.Removed()}
	s.logger.Warn("reconcile rolled back", append(log, "blocking", len(out.Blocking()), "removed_lots", len(verr.Removed))...)
	return *out, verr
}

func (s *Service) observe(ctx context.Context, op string, started time.Time, err *error) {
	s.metrics.Observe(ctx, op, *err == nil, s.clock.Now().Sub(started))
}

func sortedRows(rows map[string]domain.QuotaStatusRow) []domain.QuotaStatusRow {
	out := make([]domain.QuotaStatusRow, 0, len(rows))
	for _, r := range rows {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FarmerID < out[j].FarmerID })
	return out
}

type ruleView struct {
	batch domain.DeliveryBatch
	lots  []domain.LotAggregate
	rows  map[string]domain.QuotaStatusRow
}

func (v ruleView) Batch() domain.DeliveryBatch { return v.batch }

func (v ruleView) Lots() []domain.LotAggregate { return v.lots }

func (v ruleView) QuotaRows() map[string]domain.QuotaStatusRow { return v.rows }
