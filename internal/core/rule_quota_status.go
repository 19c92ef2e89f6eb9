package core

import (
	"context"
	"fmt"

	"cocoaquota/pkg/domain"
)

// NewQuotaStatusRule flags farmers whose cumulative deliveries reach or pass their quota.
func NewQuotaStatusRule() domain.Rule {
	return quotaStatusRule{}
}

type quotaStatusRule struct{}

func (quotaStatusRule) Name() string { return "quota_status" }

func (r quotaStatusRule) Evaluate(_ context.Context, view domain.RuleView) (domain.Result, error) {
	rows := view.QuotaRows()
	res := domain.Result{}
	for _, id := range view.Batch().FarmerIDs() {
		row, ok := rows[id]
		if !ok {
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     r.Name(),
				Severity: domain.SeverityWarn,
				Message:  fmt.Sprintf("farmer %s missing from quota view", id),
				Subject:  id,
			})
			continue
		}
		switch row.Status {
		case domain.QuotaExceeded:
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     r.Name(),
				Severity: domain.SeverityBlock,
				Message:  fmt.Sprintf("farmer %s exceeded quota: %s of %s kg (%s%%)", id, row.TotalNetWeightKg, row.MaxQuotaKg, row.QuotaUsedPct.StringFixed(2)),
				Subject:  id,
			})
		case domain.QuotaWarning:
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     r.Name(),
				Severity: domain.SeverityWarn,
				Message:  fmt.Sprintf("farmer %s near quota: %s of %s kg (%s%%)", id, row.TotalNetWeightKg, row.MaxQuotaKg, row.QuotaUsedPct.StringFixed(2)),
				Subject:  id,
			})
		}
	}
	return res, nil
}
