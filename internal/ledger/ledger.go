// Package ledger reads the per-farmer quota aggregate view.
package ledger

import (
	"context"
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"cocoaquota/pkg/domain"
)

// SettleConfig bounds the wait for the view to reflect a commit.
type SettleConfig struct {
	// Delay is waited once before the first read.
	Delay time.Duration
	// PollInterval is the first gap between reads; it grows by Backoff.
	PollInterval time.Duration
	Backoff      float64
	// MaxWait caps the total time spent waiting, Delay included.
	MaxWait time.Duration
}

// DefaultSettleConfig mirrors the engine defaults.
func DefaultSettleConfig() SettleConfig {
	return SettleConfig{Delay: time.Second, PollInterval: 250 * time.Millisecond, Backoff: 2, MaxWait: 15 * time.Second}
}

// Reader loads and decodes quota view rows.
type Reader struct {
	store  domain.QuotaViewStore
	settle SettleConfig
	sleep  func(ctx context.Context, d time.Duration) error
	now    func() time.Time
}

// NewReader constructs a Reader.
func NewReader(store domain.QuotaViewStore, settle SettleConfig) *Reader {
	return &Reader{store: store, settle: settle, sleep: sleepCtx, now: time.Now}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Load reads the full view and keeps only the requested farmers.
func (r *Reader) Load(ctx context.Context, farmerIDs []string) (map[string]domain.QuotaStatusRow, error) {
	rows, _, err := r.load(ctx, farmerIDs)
	return rows, err
}

func (r *Reader) load(ctx context.Context, farmerIDs []string) (map[string]domain.QuotaStatusRow, int64, error) {
	snap, err := r.store.LoadQuotaView(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("load quota view: %w", err)
	}
	rows, err := Decode(snap, farmerIDs)
	if err != nil {
		return nil, snap.Revision, err
	}
	return rows, snap.Revision, nil
}

// Await polls the view until it reflects at least the given revision.
func (r *Reader) Await(ctx context.Context, farmerIDs []string, revision int64) (map[string]domain.QuotaStatusRow, error) {
	deadline := r.now().Add(r.settle.MaxWait)
	if err := r.sleep(ctx, r.settle.Delay); err != nil {
		return nil, err
	}
	interval := r.settle.PollInterval
	for {
		rows, got, err := r.load(ctx, farmerIDs)
		if err != nil {
			return nil, err
		}
		if got >= revision {
			return rows, nil
		}
		remaining := deadline.Sub(r.now())
		if remaining <= 0 {
			return nil, &domain.ViewStaleError{Want: revision, Got: got}
		}
		wait := interval
		if wait <= 0 || wait > remaining {
			wait = remaining
		}
		if err := r.sleep(ctx, wait); err != nil {
			return nil, err
		}
		if r.settle.Backoff > 1 {
			interval = time.Duration(float64(interval) * r.settle.Backoff)
		}
	}
}

// Decode validates the snapshot shape and converts rows for the wanted farmers.
// A nil farmerIDs keeps every row.
func Decode(snap domain.QuotaViewSnapshot, farmerIDs []string) (map[string]domain.QuotaStatusRow, error) {
	cols := make(map[string]bool, len(snap.Columns))
	for _, c := range snap.Columns {
		cols[c] = true
	}
	if !cols[domain.ColFarmerID] {
		return nil, &domain.ViewSchemaError{Columns: snap.Columns, Reason: "missing farmer_id column"}
	}
	var wanted map[string]bool
	if farmerIDs != nil {
		wanted = make(map[string]bool, len(farmerIDs))
		for _, id := range farmerIDs {
			wanted[domain.NormalizeFarmerID(id)] = true
		}
	}
	out := make(map[string]domain.QuotaStatusRow)
	for _, raw := range snap.Rows {
		id := domain.NormalizeFarmerID(fmt.Sprint(raw[domain.ColFarmerID]))
		if wanted != nil && !wanted[id] {
			continue
		}
		row, err := decodeRow(id, raw, snap.Columns)
		if err != nil {
			return nil, err
		}
		out[id] = row
	}
	return out, nil
}

func decodeRow(id string, raw map[string]any, columns []string) (domain.QuotaStatusRow, error) {
	row := domain.QuotaStatusRow{FarmerID: id}
	var err error
	if row.MaxQuotaKg, err = toDecimal(raw[domain.ColMaxQuotaKg]); err != nil {
		return row, &domain.ViewSchemaError{Columns: columns, Reason: fmt.Sprintf("farmer %s max_quota_kg: %v", id, err)}
	}
	if row.TotalNetWeightKg, err = toDecimal(raw[domain.ColTotalNetWeightKg]); err != nil {
		return row, &domain.ViewSchemaError{Columns: columns, Reason: fmt.Sprintf("farmer %s total_net_weight_kg: %v", id, err)}
	}
	if row.QuotaUsedPct, err = toDecimal(raw[domain.ColQuotaUsedPct]); err != nil {
		return row, &domain.ViewSchemaError{Columns: columns, Reason: fmt.Sprintf("farmer %s quota_used_pct: %v", id, err)}
	}
	status, ok := domain.ParseQuotaStatus(fmt.Sprint(raw[domain.ColQuotaStatus]))
	if !ok {
		return row, &domain.ViewSchemaError{Columns: columns, Reason: fmt.Sprintf("farmer %s has unrecognized quota_status %v", id, raw[domain.ColQuotaStatus])}
	}
	row.Status = status
	return row, nil
}

func toDecimal(v any) (decimal.Decimal, error) {
	switch t := v.(type) {
	case nil:
		return decimal.Zero, nil
	case decimal.Decimal:
		return t, nil
	case int:
		return decimal.NewFromInt(int64(t)), nil
	case int32:
		return decimal.NewFromInt32(t), nil
	case int64:
		return decimal.NewFromInt(t), nil
	case float32:
		return decimal.NewFromFloat32(t), nil
	case float64:
		return decimal.NewFromFloat(t), nil
	case string:
		return decimal.NewFromString(t)
	case []byte:
		return decimal.NewFromString(string(t))
	case driver.Valuer:
		dv, err := t.Value()
		if err != nil {
			return decimal.Decimal{}, err
		}
		if _, again := dv.(driver.Valuer); again {
			return decimal.Decimal{}, fmt.Errorf("unsupported numeric %T", v)
		}
		return toDecimal(dv)
	default:
		return decimal.Decimal{}, fmt.Errorf("unsupported numeric %T", v)
	}
}
