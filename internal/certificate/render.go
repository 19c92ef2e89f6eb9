package certificate

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"
	"github.com/shopspring/decimal"

	"cocoaquota/pkg/domain"
)

var thousand = decimal.NewFromInt(1000)

func metricTons(kg decimal.Decimal) string {
	return kg.Div(thousand).StringFixed(2)
}

// Render draws the one-page approval certificate.
func Render(summary domain.CertificateSummary, approvedBy string, generated time.Time) ([]byte, error) {
	return render(summary, approvedBy, generated, true)
}

func render(summary domain.CertificateSummary, approvedBy string, generated time.Time, compress bool) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetCompression(compress)
	pdf.SetCreationDate(generated)
	pdf.SetTitle("Delivery Approval Certificate", false)
	pdf.SetAuthor(approvedBy, false)
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	pdf.AddPage()
	pdf.SetFont("Helvetica", "B", 16)
	pdf.CellFormat(0, 12, "Delivery Approval Certificate", "", 1, "C", false, 0, "")
	pdf.Ln(4)

	pdf.SetFont("Helvetica", "", 11)
	line := func(label, value string) {
		pdf.MultiCell(0, 7, tr(label+": "+value), "", "L", false)
	}
	line("Generated on", generated.UTC().Format("2006-01-02 15:04:05")+" UTC")
	line("Exporter", summary.ExporterName())
	line("Cooperatives", strings.Join(summary.Cooperatives, ", "))
	line("Lots", strings.Join(summary.Lots, ", "))
	line("Total Farmers", fmt.Sprint(summary.FarmerCount))
	line("Total Net Weight", metricTons(summary.TotalKg)+" MT")

	pdf.Ln(4)
	pdf.SetFont("Helvetica", "B", 12)
	pdf.CellFormat(0, 8, "Lot Summary", "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 11)
	for _, lot := range summary.LotKg {
		pdf.CellFormat(90, 7, tr(lot.ExportLot), "1", 0, "L", false, 0, "")
		pdf.CellFormat(50, 7, metricTons(lot.NetWeightKg)+" MT", "1", 1, "R", false, 0, "")
	}

	pdf.Ln(10)
	pdf.SetFont("Helvetica", "I", 11)
	pdf.CellFormat(0, 7, tr("Approved by "+approvedBy), "", 1, "L", false, 0, "")

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render certificate: %w", err)
	}
	return buf.Bytes(), nil
}
