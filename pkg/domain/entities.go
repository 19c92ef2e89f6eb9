// Package domain defines the delivery, quota and approval model shared by the
// reconciliation engine, its accessors and every persistence backend.
package domain

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout is the canonical purchase date representation.
const DateLayout = "2006-01-02"

// NormalizeFarmerID lower-cases and trims a farmer identifier.
func NormalizeFarmerID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// FarmerIdentity is a known farmer as loaded from the registry.
type FarmerIdentity struct {
	FarmerID string `json:"farmer_id"`
}

// Farmer is the registry row persisted by store backends. MaxQuotaKg feeds the
// quota view; the engine only ever sees FarmerIdentity.
type Farmer struct {
	FarmerID   string          `json:"farmer_id"`
	MaxQuotaKg decimal.Decimal `json:"max_quota_kg"`
}

// DeliveryRecord is one normalized row of an uploaded delivery manifest.
type DeliveryRecord struct {
	ExportLot       string          `json:"export_lot"`
	Exporter        string          `json:"exporter"`
	FarmerID        string          `json:"farmer_id"`
	FarmID          string          `json:"farm_id,omitempty"`
	NetWeightKg     decimal.Decimal `json:"net_weight_kg"`
	PurchaseDate    string          `json:"purchase_date"`
	Certification   *string         `json:"certification,omitempty"`
	CooperativeName string          `json:"cooperative_name,omitempty"`
}

// DedupKey returns the within-batch uniqueness key of the record.
func (r DeliveryRecord) DedupKey() string {
	return strings.Join([]string{r.ExportLot, r.Exporter, r.FarmerID, r.NetWeightKg.String()}, "\x1f")
}

// LotKey returns the (lot, exporter) pair the record belongs to.
func (r DeliveryRecord) LotKey() LotKey {
	return LotKey{ExportLot: r.ExportLot, Exporter: r.Exporter}
}

// LotKey identifies a shipment grouping within one exporter.
type LotKey struct {
	ExportLot string `json:"export_lot"`
	Exporter  string `json:"exporter"`
}

func (k LotKey) String() string { return k.ExportLot + "/" + k.Exporter }

// DeliveryBatch is the ordered, immutable set of records from one upload.
type DeliveryBatch struct {
	source  string
	records []DeliveryRecord
}

// NewDeliveryBatch copies records into a batch. Source is informational (file name).
func NewDeliveryBatch(source string, records []DeliveryRecord) DeliveryBatch {
	cp := make([]DeliveryRecord, len(records))
	for i, r := range records {
		cp[i] = cloneRecord(r)
	}
	return DeliveryBatch{source: source, records: cp}
}

func cloneRecord(r DeliveryRecord) DeliveryRecord {
	cp := r
	if r.Certification != nil {
		c := *r.Certification
		cp.Certification = &c
	}
	return cp
}

// Source returns the upload name the batch was read from.
func (b DeliveryBatch) Source() string { return b.source }

// Len returns the number of records.
func (b DeliveryBatch) Len() int { return len(b.records) }

// Records returns a copy of the batch records in upload order.
func (b DeliveryBatch) Records() []DeliveryRecord {
	out := make([]DeliveryRecord, len(b.records))
	for i, r := range b.records {
		out[i] = cloneRecord(r)
	}
	return out
}

// FarmerIDs returns the distinct farmer ids referenced by the batch, sorted.
func (b DeliveryBatch) FarmerIDs() []string {
	seen := make(map[string]struct{}, len(b.records))
	out := make([]string, 0, len(b.records))
	for _, r := range b.records {
		if _, ok := seen[r.FarmerID]; ok {
			continue
		}
		seen[r.FarmerID] = struct{}{}
		out = append(out, r.FarmerID)
	}
	sort.Strings(out)
	return out
}

// Exporters returns the distinct exporters in first-appearance order.
func (b DeliveryBatch) Exporters() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, r := range b.records {
		if _, ok := seen[r.Exporter]; ok {
			continue
		}
		seen[r.Exporter] = struct{}{}
		out = append(out, r.Exporter)
	}
	return out
}

// LotFarmers groups the farmer ids present in each (lot, exporter) pair. Keys
// are returned in first-appearance order, farmer ids sorted within a key.
func (b DeliveryBatch) LotFarmers() ([]LotKey, map[LotKey][]string) {
	var order []LotKey
	sets := make(map[LotKey]map[string]struct{})
	for _, r := range b.records {
		key := r.LotKey()
		set, ok := sets[key]
		if !ok {
			set = make(map[string]struct{})
			sets[key] = set
			order = append(order, key)
		}
		set[r.FarmerID] = struct{}{}
	}
	out := make(map[LotKey][]string, len(sets))
	for key, set := range sets {
		ids := make([]string, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		out[key] = ids
	}
	return order, out
}

// SplitByExporter partitions the batch into one batch per exporter, in
// first-appearance order.
func (b DeliveryBatch) SplitByExporter() []DeliveryBatch {
	exporters := b.Exporters()
	groups := make(map[string][]DeliveryRecord, len(exporters))
	for _, r := range b.records {
		groups[r.Exporter] = append(groups[r.Exporter], r)
	}
	out := make([]DeliveryBatch, 0, len(exporters))
	for _, exp := range exporters {
		out = append(out, NewDeliveryBatch(b.source, groups[exp]))
	}
	return out
}

// QuotaStatus is the derived quota classification of a farmer.
type QuotaStatus string

const (
	QuotaOK       QuotaStatus = "OK"
	QuotaWarning  QuotaStatus = "WARNING"
	QuotaExceeded QuotaStatus = "EXCEEDED"
)

// ParseQuotaStatus maps view text onto a QuotaStatus.
func ParseQuotaStatus(s string) (QuotaStatus, bool) {
	switch QuotaStatus(strings.ToUpper(strings.TrimSpace(s))) {
	case QuotaOK:
		return QuotaOK, true
	case QuotaWarning:
		return QuotaWarning, true
	case QuotaExceeded:
		return QuotaExceeded, true
	}
	return "", false
}

// QuotaStatusRow is one row of the materialized quota view.
type QuotaStatusRow struct {
	FarmerID         string          `json:"farmer_id"`
	MaxQuotaKg       decimal.Decimal `json:"max_quota_kg"`
	TotalNetWeightKg decimal.Decimal `json:"total_net_weight_kg"`
	QuotaUsedPct     decimal.Decimal `json:"quota_used_pct"`
	Status           QuotaStatus     `json:"quota_status"`
}

// Quota view column names.
const (
	ColFarmerID         = "farmer_id"
	ColMaxQuotaKg       = "max_quota_kg"
	ColTotalNetWeightKg = "total_net_weight_kg"
	ColQuotaUsedPct     = "quota_used_pct"
	ColQuotaStatus      = "quota_status"
)

// QuotaViewColumns lists the columns every quota view backend exposes.
var QuotaViewColumns = []string{ColFarmerID, ColMaxQuotaKg, ColTotalNetWeightKg, ColQuotaUsedPct, ColQuotaStatus}

// QuotaViewSnapshot is the untyped result of reading the quota view. Revision
// is the highest delivery write revision the view reflects.
type QuotaViewSnapshot struct {
	Columns  []string
	Rows     []map[string]any
	Revision int64
}

// LotStatus classifies a lot's summed weight against the minimum.
type LotStatus string

const (
	LotTooLow      LotStatus = "TOO_LOW"
	LotWithinRange LotStatus = "WITHIN_RANGE"
)

// LotAggregate is the summed weight of one export lot within a batch.
type LotAggregate struct {
	ExportLot   string          `json:"export_lot"`
	NetWeightKg decimal.Decimal `json:"net_weight_kg"`
	Status      LotStatus       `json:"lot_status"`
}

// MetricTons converts the lot weight to metric tons.
func (l LotAggregate) MetricTons() decimal.Decimal {
	return l.NetWeightKg.Div(decimal.NewFromInt(1000))
}

// ApprovalRecord is the append-only audit row written after certificate generation.
type ApprovalRecord struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	LotNumber    string    `json:"lot_number"`
	ExporterName string    `json:"exporter_name"`
	ApprovedBy   string    `json:"approved_by"`
	FileName     string    `json:"file_name"`
}

// CommitToken identifies a successful bulk insert. Revision is monotonic per store.
type CommitToken struct {
	ID       string `json:"id"`
	Revision int64  `json:"revision"`
	Rows     int    `json:"rows"`
}

// LotWeight is one line of the per-lot certificate summary.
type LotWeight struct {
	ExportLot   string          `json:"export_lot"`
	NetWeightKg decimal.Decimal `json:"net_weight_kg"`
}

// CertificateSummary carries the aggregates of an approved batch.
type CertificateSummary struct {
	Lots         []string        `json:"lots"`
	Exporters    []string        `json:"exporters"`
	FarmerCount  int             `json:"farmer_count"`
	TotalKg      decimal.Decimal `json:"total_kg"`
	LotKg        []LotWeight     `json:"lot_kg"`
	Cooperatives []string        `json:"cooperatives"`
}

// ExporterName joins the exporter names for display.
func (c CertificateSummary) ExporterName() string {
	return strings.Join(c.Exporters, ", ")
}

// QuotaWarnPct is the usage percentage at which a farmer enters WARNING.
var QuotaWarnPct = decimal.NewFromInt(90)

var hundred = decimal.NewFromInt(100)

// ClassifyQuota derives the quota view columns for one farmer. Usage above
// 100% is EXCEEDED, at or above warnPct is WARNING. A zero quota with any
// delivered weight is EXCEEDED.
func ClassifyQuota(farmerID string, maxKg, totalKg, warnPct decimal.Decimal) QuotaStatusRow {
	row := QuotaStatusRow{FarmerID: farmerID, MaxQuotaKg: maxKg, TotalNetWeightKg: totalKg, Status: QuotaOK}
	if !maxKg.IsPositive() {
		if totalKg.IsPositive() {
			row.Status = QuotaExceeded
		}
		return row
	}
	pct := totalKg.Mul(hundred).Div(maxKg)
	row.QuotaUsedPct = pct.Round(2)
	switch {
	case pct.GreaterThan(hundred):
		row.Status = QuotaExceeded
	case pct.GreaterThanOrEqual(warnPct):
		row.Status = QuotaWarning
	}
	return row
}

// ViewRow renders the row in the untyped quota view shape.
func (r QuotaStatusRow) ViewRow() map[string]any {
	return map[string]any{
		ColFarmerID:         r.FarmerID,
		ColMaxQuotaKg:       r.MaxQuotaKg,
		ColTotalNetWeightKg: r.TotalNetWeightKg,
		ColQuotaUsedPct:     r.QuotaUsedPct,
		ColQuotaStatus:      string(r.Status),
	}
}
