package main

import (
	"fmt"
	"io"
	"strings"

	"cocoaquota/internal/core"
	"cocoaquota/internal/pipeline"
)

func printReport(w io.Writer, report pipeline.Report, err error) {
	p := func(format string, args ...any) { _, _ = fmt.Fprintf(w, format, args...) }
	p("%s: %d records, policy %s\n", report.Source, report.Records, report.Policy)
	if len(report.Runs) == 0 && err != nil {
		p("rejected before reconciliation: %v\n", err)
		return
	}
	for _, run := range report.Runs {
		out := run.Outcome
		p("\nrun %s  %s\n", out.RunID, out.State)
		for _, lot := range out.Lots {
			p("  lot %-24s %10s MT  %s\n", lot.ExportLot, lot.MetricTons().StringFixed(2), lot.Status)
		}
		for _, v := range out.Violations {
			p("  %-5s %s: %s\n", strings.ToUpper(string(v.Severity)), v.Rule, v.Message)
		}
		for _, c := range out.Compensations {
			if c.Failed() {
				p("  WARN  %s delete of lot %s failed: %s\n", c.Phase, c.Lot, c.Err)
			}
		}
		if out.State == core.StateRolledBack {
			for _, r := range out.Removed() {
				p("  removed lot %s: %d records of farmers %s\n", r.Lot, r.Deleted, strings.Join(r.FarmerIDs, ", "))
			}
		}
		if run.Certificate != nil {
			p("  certificate %s\n", run.Certificate.FileName)
			for _, warn := range run.Certificate.Warnings {
				p("  WARN  %s\n", warn)
			}
		}
		if run.Error != "" && out.State != core.StateRolledBack {
			p("  error: %s\n", run.Error)
		}
	}
}
