package domain

import "context"

// RegistryStore serves the farmer table with keyset pagination ordered by farmer_id.
// An empty after starts from the beginning.
type RegistryStore interface {
	ListFarmerIDs(ctx context.Context, after string, limit int) ([]string, error)
}

// QuotaViewStore reads the precomputed quota aggregate view in full.
type QuotaViewStore interface {
	LoadQuotaView(ctx context.Context) (QuotaViewSnapshot, error)
}

// DeliveryStore owns the traceability table.
type DeliveryStore interface {
	// DeleteDeliveries removes rows of one (lot, exporter) pair restricted to farmerIDs.
	DeleteDeliveries(ctx context.Context, lot LotKey, farmerIDs []string) (int64, error)
	// InsertDeliveries writes all records atomically.
	InsertDeliveries(ctx context.Context, records []DeliveryRecord) (CommitToken, error)
}

// ApprovalStore appends approval audit rows.
type ApprovalStore interface {
	InsertApproval(ctx context.Context, rec ApprovalRecord) error
}

// FarmerWriter loads registry rows; used by imports and tests.
type FarmerWriter interface {
	UpsertFarmers(ctx context.Context, farmers ...Farmer) error
}

// ViewRefresher is implemented by backends whose quota view must be refreshed explicitly.
type ViewRefresher interface {
	RefreshQuotaView(ctx context.Context) error
}

// Store is the full persistence surface used by the pipeline.
type Store interface {
	RegistryStore
	QuotaViewStore
	DeliveryStore
	ApprovalStore
	Close() error
}
