// Package memory provides an in-memory implementation of the delivery, registry
// and quota view store used for tests and ephemeral environments.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"cocoaquota/pkg/domain"
)

// Compile-time contract assertions ensuring memory.Store adheres to the domain persistence interfaces.
var (
	_ domain.Store         = (*Store)(nil)
	_ domain.ViewRefresher = (*Store)(nil)
	_ domain.FarmerWriter  = (*Store)(nil)
)

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("memory store closed")

type delivery struct {
	record   domain.DeliveryRecord
	revision int64
}

// Snapshot captures a point-in-time clone of the store state.
type Snapshot struct {
	Farmers    []domain.Farmer         `json:"farmers"`
	Deliveries []domain.DeliveryRecord `json:"deliveries"`
	Approvals  []domain.ApprovalRecord `json:"approvals"`
	Revision   int64                   `json:"revision"`
	View       []domain.QuotaStatusRow `json:"view"`
}

// Option configures a Store.
type Option func(*Store)

// WithViewLag makes the quota view lag behind commits: the first n reads
// after each insert or delete return the previously published view.
func WithViewLag(n int) Option {
	return func(s *Store) { s.lag = n }
}

// WithWarnPct overrides the WARNING threshold of the quota view.
func WithWarnPct(pct decimal.Decimal) Option {
	return func(s *Store) { s.warnPct = pct }
}

// Store is a mutex guarded, map backed store.
type Store struct {
	mu         sync.Mutex
	farmers    map[string]domain.Farmer
	deliveries []delivery
	approvals  []domain.ApprovalRecord
	revision   int64
	published  domain.QuotaViewSnapshot
	lag        int
	pending    int
	warnPct    decimal.Decimal
	closed     bool
}

// NewStore constructs an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		farmers: make(map[string]domain.Farmer),
		warnPct: domain.QuotaWarnPct,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.published = s.computeLocked()
	return s
}

// UpsertFarmers implements domain.FarmerWriter. Ids are normalized.
func (s *Store) UpsertFarmers(ctx context.Context, farmers ...domain.Farmer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for _, f := range farmers {
		f.FarmerID = domain.NormalizeFarmerID(f.FarmerID)
		if f.FarmerID == "" {
			continue
		}
		s.farmers[f.FarmerID] = f
	}
	s.touchLocked()
	return nil
}

// ListFarmerIDs implements domain.RegistryStore.
func (s *Store) ListFarmerIDs(ctx context.Context, after string, limit int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	ids := make([]string, 0, len(s.farmers))
	for id := range s.farmers {
		if id > after {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// LoadQuotaView implements domain.QuotaViewStore.
func (s *Store) LoadQuotaView(ctx context.Context) (domain.QuotaViewSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return domain.QuotaViewSnapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.QuotaViewSnapshot{}, ErrClosed
	}
	if s.pending > 0 {
		s.pending--
	} else {
		s.published = s.computeLocked()
	}
	return cloneSnapshot(s.published), nil
}

// RefreshQuotaView republishes the view immediately.
func (s *Store) RefreshQuotaView(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.pending = 0
	s.published = s.computeLocked()
	return nil
}

// DeleteDeliveries implements domain.DeliveryStore.
func (s *Store) DeleteDeliveries(ctx context.Context, lot domain.LotKey, farmerIDs []string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	match := make(map[string]struct{}, len(farmerIDs))
	for _, id := range farmerIDs {
		match[domain.NormalizeFarmerID(id)] = struct{}{}
	}
	kept := s.deliveries[:0]
	var removed int64
	for _, d := range s.deliveries {
		_, hit := match[d.record.FarmerID]
		if hit && d.record.LotKey() == lot {
			removed++
			continue
		}
		kept = append(kept, d)
	}
	s.deliveries = kept
	if removed > 0 {
		s.revision++
		s.touchLocked()
	}
	return removed, nil
}

// InsertDeliveries implements domain.DeliveryStore. The insert is all-or-nothing.
func (s *Store) InsertDeliveries(ctx context.Context, records []domain.DeliveryRecord) (domain.CommitToken, error) {
	if err := ctx.Err(); err != nil {
		return domain.CommitToken{}, err
	}
	for i, r := range records {
		if err := validateRecord(r); err != nil {
			return domain.CommitToken{}, &domain.InsertError{Rows: len(records), Cause: fmt.Errorf("record %d: %w", i+1, err)}
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.CommitToken{}, ErrClosed
	}
	s.revision++
	for _, r := range records {
		r.FarmerID = domain.NormalizeFarmerID(r.FarmerID)
		s.deliveries = append(s.deliveries, delivery{record: cloneRecord(r), revision: s.revision})
	}
	s.touchLocked()
	return domain.CommitToken{ID: uuid.NewString(), Revision: s.revision, Rows: len(records)}, nil
}

// InsertApproval implements domain.ApprovalStore.
func (s *Store) InsertApproval(ctx context.Context, rec domain.ApprovalRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.ID == "" || rec.LotNumber == "" || rec.FileName == "" {
		return fmt.Errorf("approval requires id, lot number and file name")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for _, existing := range s.approvals {
		if existing.ID == rec.ID {
			return fmt.Errorf("approval %s already exists", rec.ID)
		}
	}
	s.approvals = append(s.approvals, rec)
	return nil
}

// Deliveries returns the stored records in insertion order.
func (s *Store) Deliveries() []domain.DeliveryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.DeliveryRecord, len(s.deliveries))
	for i, d := range s.deliveries {
		out[i] = cloneRecord(d.record)
	}
	return out
}

// Approvals returns the approval audit rows in insertion order.
func (s *Store) Approvals() []domain.ApprovalRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ApprovalRecord(nil), s.approvals...)
}

// ExportState returns a deep copy of the current state.
func (s *Store) ExportState() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{Revision: s.revision}
	for _, f := range s.farmers {
		snap.Farmers = append(snap.Farmers, f)
	}
	sort.Slice(snap.Farmers, func(i, j int) bool { return snap.Farmers[i].FarmerID < snap.Farmers[j].FarmerID })
	for _, d := range s.deliveries {
		snap.Deliveries = append(snap.Deliveries, cloneRecord(d.record))
	}
	snap.Approvals = append(snap.Approvals, s.approvals...)
	snap.View = s.rowsLocked()
	return snap
}

// Close marks the store closed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Store) touchLocked() {
	s.pending = s.lag
}

func (s *Store) rowsLocked() []domain.QuotaStatusRow {
	totals := make(map[string]decimal.Decimal, len(s.farmers))
	for _, d := range s.deliveries {
		totals[d.record.FarmerID] = totals[d.record.FarmerID].Add(d.record.NetWeightKg)
	}
	rows := make([]domain.QuotaStatusRow, 0, len(s.farmers))
	for id, f := range s.farmers {
		rows = append(rows, domain.ClassifyQuota(id, f.MaxQuotaKg, totals[id], s.warnPct))
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].FarmerID < rows[j].FarmerID })
	return rows
}

func (s *Store) computeLocked() domain.QuotaViewSnapshot {
	snap := domain.QuotaViewSnapshot{Columns: append([]string(nil), domain.QuotaViewColumns...), Revision: s.revision}
	for _, r := range s.rowsLocked() {
		snap.Rows = append(snap.Rows, r.ViewRow())
	}
	return snap
}

func cloneSnapshot(in domain.QuotaViewSnapshot) domain.QuotaViewSnapshot {
	out := domain.QuotaViewSnapshot{Columns: append([]string(nil), in.Columns...), Revision: in.Revision}
	for _, row := range in.Rows {
		cp := make(map[string]any, len(row))
		for k, v := range row {
			cp[k] = v
		}
		out.Rows = append(out.Rows, cp)
	}
	return out
}

func cloneRecord(r domain.DeliveryRecord) domain.DeliveryRecord {
	if r.Certification != nil {
		c := *r.Certification
		r.Certification = &c
	}
	return r
}

func validateRecord(r domain.DeliveryRecord) error {
	switch {
	case r.ExportLot == "":
		return errors.New("export_lot is required")
	case r.Exporter == "":
		return errors.New("exporter is required")
	case domain.NormalizeFarmerID(r.FarmerID) == "":
		return errors.New("farmer_id is required")
	case r.PurchaseDate == "":
		return errors.New("purchase_date is required")
	case r.NetWeightKg.IsNegative():
		return fmt.Errorf("net_weight_kg %s is negative", r.NetWeightKg)
	}
	return nil
}
