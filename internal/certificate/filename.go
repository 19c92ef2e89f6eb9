package certificate

import (
	"regexp"
	"strings"
	"time"

	"cocoaquota/pkg/domain"
)

const maxExporterChars = 20

var unsafeRef = regexp.MustCompile(`[^\w\-]`)

// FileName builds Approval_{ref}_{YYYYMMDD}_{exporter}_{mt}MT.pdf. The ref is the
// single lot of the summary or MULTI.
func FileName(summary domain.CertificateSummary, date time.Time) string {
	ref := "MULTI"
	if len(summary.Lots) == 1 {
		ref = summary.Lots[0]
	}
	ref = unsafeRef.ReplaceAllString(ref, "_")

	exporter := strings.NewReplacer(" ", "_", "/", "_").Replace(summary.ExporterName())
	if r := []rune(exporter); len(r) > maxExporterChars {
		exporter = string(r[:maxExporterChars])
	}
	return "Approval_" + ref + "_" + date.Format("20060102") + "_" + exporter + "_" + metricTons(summary.TotalKg) + "MT.pdf"
}
