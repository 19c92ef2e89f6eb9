package core

import (
	"sort"

	"github.com/shopspring/decimal"

	"cocoaquota/pkg/domain"
)

// NewDefaultRulesEngine builds the post-commit policy set: quota status and lot range.
func NewDefaultRulesEngine(cfg Config) *domain.RulesEngine {
	engine := domain.NewRulesEngine()
	engine.Register(NewQuotaStatusRule())
	engine.Register(NewLotRangeRule(cfg.LotMinimumKg))
	return engine
}

// ClassifyLots sums net weight per export lot across the whole batch, in
// first-appearance order. A lot below minimum is TOO_LOW; exactly minimum is WITHIN_RANGE.
func ClassifyLots(batch domain.DeliveryBatch, minimum decimal.Decimal) []domain.LotAggregate {
	var order []string
	sums := make(map[string]decimal.Decimal)
	for _, r := range batch.Records() {
		sum, ok := sums[r.ExportLot]
		if !ok {
			order = append(order, r.ExportLot)
		}
		sums[r.ExportLot] = sum.Add(r.NetWeightKg)
	}
	out := make([]domain.LotAggregate, 0, len(order))
	for _, lot := range order {
		agg := domain.LotAggregate{ExportLot: lot, NetWeightKg: sums[lot], Status: domain.LotWithinRange}
		if agg.NetWeightKg.LessThan(minimum) {
			agg.Status = domain.LotTooLow
		}
		out = append(out, agg)
	}
	return out
}

// summarize builds the certificate aggregates of an approved batch.
func summarize(batch domain.DeliveryBatch, lots []domain.LotAggregate) *domain.CertificateSummary {
	sum := &domain.CertificateSummary{
		Exporters:   batch.Exporters(),
		FarmerCount: len(batch.FarmerIDs()),
		TotalKg:     decimal.Zero,
	}
	for _, l := range lots {
		sum.Lots = append(sum.Lots, l.ExportLot)
		sum.LotKg = append(sum.LotKg, domain.LotWeight{ExportLot: l.ExportLot, NetWeightKg: l.NetWeightKg})
		sum.TotalKg = sum.TotalKg.Add(l.NetWeightKg)
	}
	coops := make(map[string]struct{})
	for _, r := range batch.Records() {
		if r.CooperativeName == "" {
			continue
		}
		if _, ok := coops[r.CooperativeName]; ok {
			continue
		}
		coops[r.CooperativeName] = struct{}{}
		sum.Cooperatives = append(sum.Cooperatives, r.CooperativeName)
	}
	sort.Strings(sum.Exporters)
	sort.Strings(sum.Cooperatives)
	return sum
}
