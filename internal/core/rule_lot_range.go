package core

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"cocoaquota/pkg/domain"
)

// NewLotRangeRule blocks batches containing lots lighter than minimum kilograms.
func NewLotRangeRule(minimum decimal.Decimal) domain.Rule {
	return lotRangeRule{minimum: minimum}
}

type lotRangeRule struct {
	minimum decimal.Decimal
}

func (lotRangeRule) Name() string { return "lot_range" }

func (r lotRangeRule) Evaluate(_ context.Context, view domain.RuleView) (domain.Result, error) {
	res := domain.Result{}
	for _, lot := range view.Lots() {
		if lot.Status != domain.LotTooLow {
			continue
		}
		res.Violations = append(res.Violations, domain.Violation{
			Rule:     r.Name(),
			Severity: domain.SeverityBlock,
			Message: fmt.Sprintf("lot %s weighs %s MT, below the %s MT minimum",
				lot.ExportLot, lot.MetricTons().StringFixed(3), r.minimum.Div(decimal.NewFromInt(1000)).StringFixed(3)),
			Subject: lot.ExportLot,
		})
	}
	return res, nil
}
