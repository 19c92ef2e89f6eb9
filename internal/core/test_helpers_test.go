package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"cocoaquota/internal/infra/persistence/memory"
	"cocoaquota/pkg/domain"
)

func kg(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func rec(lot, exporter, farmer string, weight int64) domain.DeliveryRecord {
	return domain.DeliveryRecord{
		ExportLot:       lot,
		Exporter:        exporter,
		FarmerID:        farmer,
		NetWeightKg:     kg(weight),
		PurchaseDate:    "2024-03-01",
		CooperativeName: "Coop " + lot,
	}
}

func batchOf(records ...domain.DeliveryRecord) domain.DeliveryBatch {
	return domain.NewDeliveryBatch("manifest.xlsx", records)
}

// testConfig reads the quota view without waiting.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SettleDelay = 0
	cfg.SettlePollInterval = 0
	cfg.SettleMaxWait = 0
	return cfg
}

func newMemory(t *testing.T, quotas map[string]int64, opts ...memory.Option) *memory.Store {
	t.Helper()
	store := memory.NewStore(opts...)
	for id, q := range quotas {
		store.UpsertFarmers(context.Background(), domain.Farmer{FarmerID: id, MaxQuotaKg: kg(q)})
	}
	return store
}

// faultyStore wraps the memory store with injectable failures and call counters.
type faultyStore struct {
	*memory.Store
	mu        sync.Mutex
	listErr   error
	insertErr error
	deleteErr func(phaseCall int) error
	viewHook  func(domain.QuotaViewSnapshot) domain.QuotaViewSnapshot
	deletes   int
	inserts   int
}

func (f *faultyStore) ListFarmerIDs(ctx context.Context, after string, limit int) ([]string, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.Store.ListFarmerIDs(ctx, after, limit)
}

func (f *faultyStore) InsertDeliveries(ctx context.Context, records []domain.DeliveryRecord) (domain.CommitToken, error) {
	f.mu.Lock()
	f.inserts++
	f.mu.Unlock()
	if f.insertErr != nil {
		return domain.CommitToken{}, f.insertErr
	}
	return f.Store.InsertDeliveries(ctx, records)
}

func (f *faultyStore) DeleteDeliveries(ctx context.Context, lot domain.LotKey, ids []string) (int64, error) {
	f.mu.Lock()
	f.deletes++
	call := f.deletes
	f.mu.Unlock()
	if f.deleteErr != nil {
		if err := f.deleteErr(call); err != nil {
			return 0, err
		}
	}
	return f.Store.DeleteDeliveries(ctx, lot, ids)
}

func (f *faultyStore) LoadQuotaView(ctx context.Context) (domain.QuotaViewSnapshot, error) {
	snap, err := f.Store.LoadQuotaView(ctx)
	if err != nil || f.viewHook == nil {
		return snap, err
	}
	return f.viewHook(snap), nil
}

type stubClock struct{ now time.Time }

func (c *stubClock) Now() time.Time {
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

type logEntry struct {
	level string
	msg   string
}

type captureLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (c *captureLogger) add(level, msg string) {
	c.mu.Lock()
	c.entries = append(c.entries, logEntry{level: level, msg: msg})
	c.mu.Unlock()
}

func (c *captureLogger) Debug(msg string, _ ...any) { c.add("debug", msg) }
func (c *captureLogger) Info(msg string, _ ...any)  { c.add("info", msg) }
func (c *captureLogger) Warn(msg string, _ ...any)  { c.add("warn", msg) }
func (c *captureLogger) Error(msg string, _ ...any) { c.add("error", msg) }

func (c *captureLogger) has(level, msg string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e.level == level && e.msg == msg {
			return true
		}
	}
	return false
}

func states(out Outcome) []State {
	res := make([]State, len(out.History))
	for i, tr := range out.History {
		res[i] = tr.State
	}
	return res
}

func sameStates(got, want []State) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}
