// Package normalize maps an uploaded delivery table onto the canonical
// DeliveryRecord schema.
package normalize

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"cocoaquota/internal/ingest"
	"cocoaquota/pkg/domain"
)

// column identifies one required input column.
type column struct {
	name    string
	aliases []string
}

// Required columns in reporting order. The first alias is the spelling used by
// the delivery manifest template.
var requiredColumns = []column{
	{name: "cooperative name", aliases: []string{"cooperative name", "cooperative_name"}},
	{name: "export lot id", aliases: []string{"export lot n°/connaissement", "export lot", "export_lot"}},
	{name: "purchase date", aliases: []string{"date of purchase from cooperative", "purchase date", "purchase_date"}},
	{name: "certification", aliases: []string{"certification"}},
	{name: "farmer_id", aliases: []string{"farmer_id", "farmer id"}},
	{name: "farm_id", aliases: []string{"farm_id", "farm id"}},
	{name: "net weight", aliases: []string{"net weight (kg)", "net weight", "net_weight_kg"}},
	{name: "exporter", aliases: []string{"exporter"}},
}

const (
	colCooperative = iota
	colExportLot
	colPurchaseDate
	colCertification
	colFarmerID
	colFarmID
	colNetWeight
	colExporter
)

// Serial dates count days from this epoch. Spreadsheets accept serials up to
// 9999-12-31; larger numbers are read as compact dates instead.
var serialEpoch = time.Date(1899, time.December, 30, 0, 0, 0, 0, time.UTC)

const maxSerial = 2958465

var (
	thousandsGrouped = regexp.MustCompile(`^\d{1,3}(,\d{3})+(\.\d+)?$`)
	decimalComma     = regexp.MustCompile(`^\d+,\d+$`)
)

var dateLayouts = []string{
	domain.DateLayout,
	"2006-01-02 15:04:05",
	time.RFC3339,
	"02/01/2006",
	"2/1/2006",
	"02.01.2006",
	"20060102",
}

var certificationSentinels = map[string]struct{}{"": {}, "n/a": {}, "na": {}, "nan": {}, "none": {}}

// Normalizer converts raw tables into delivery batches.
type Normalizer struct {
	now func() time.Time
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithClock overrides the processing date used for blank purchase dates.
func WithClock(now func() time.Time) Option {
	return func(n *Normalizer) {
		if now != nil {
			n.now = now
		}
	}
}

// New constructs a Normalizer.
func New(opts ...Option) *Normalizer {
	n := &Normalizer{now: time.Now}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Normalize validates the header, cleans every row and deduplicates the result.
func (n *Normalizer) Normalize(source string, table ingest.RawTable) (domain.DeliveryBatch, error) {
	idx, err := resolveColumns(table.Header)
	if err != nil {
		return domain.DeliveryBatch{}, err
	}
	today := n.now().Format(domain.DateLayout)

	records := make([]domain.DeliveryRecord, 0, len(table.Rows))
	var missing []int
	for i, row := range table.Rows {
		rowNum := i + 1
		cell := func(col int) string {
			pos := idx[col]
			if pos >= len(row) {
				return ""
			}
			return strings.TrimSpace(row[pos])
		}
		rec := domain.DeliveryRecord{
			ExportLot:       cell(colExportLot),
			Exporter:        cell(colExporter),
			FarmerID:        domain.NormalizeFarmerID(cell(colFarmerID)),
			FarmID:          cell(colFarmID),
			CooperativeName: cell(colCooperative),
			Certification:   normalizeCertification(cell(colCertification)),
		}
		weight := cell(colNetWeight)
		if rec.ExportLot == "" || rec.Exporter == "" || rec.FarmerID == "" || weight == "" {
			missing = append(missing, rowNum)
			continue
		}
		kg, err := parseWeight(weight)
		if err != nil {
			return domain.DeliveryBatch{}, &domain.InvalidValueError{Row: rowNum, Column: requiredColumns[colNetWeight].name, Value: weight, Reason: err.Error()}
		}
		rec.NetWeightKg = kg
		date, err := normalizeDate(cell(colPurchaseDate), today)
		if err != nil {
			return domain.DeliveryBatch{}, &domain.InvalidValueError{Row: rowNum, Column: requiredColumns[colPurchaseDate].name, Value: cell(colPurchaseDate), Reason: err.Error()}
		}
		rec.PurchaseDate = date
		records = append(records, rec)
	}
	if len(missing) > 0 {
		return domain.DeliveryBatch{}, &domain.MissingValueError{Rows: missing}
	}

	records = dedupeKeepLast(records)
	if len(records) == 0 {
		return domain.DeliveryBatch{}, &domain.EmptyBatchError{Source: source}
	}
	return domain.NewDeliveryBatch(source, records), nil
}

// resolveColumns maps each required column to its header position, reporting
// every missing column at once.
func resolveColumns(header []string) ([]int, error) {
	positions := make(map[string]int, len(header))
	for i, h := range header {
		key := strings.ToLower(strings.Join(strings.Fields(h), " "))
		if _, dup := positions[key]; !dup {
			positions[key] = i
		}
	}
	idx := make([]int, len(requiredColumns))
	var missing []string
	for c, col := range requiredColumns {
		found := -1
		for _, alias := range col.aliases {
			if pos, ok := positions[alias]; ok {
				found = pos
				break
			}
		}
		if found < 0 {
			missing = append(missing, col.name)
		}
		idx[c] = found
	}
	if len(missing) > 0 {
		return nil, &domain.SchemaError{MissingColumns: missing}
	}
	return idx, nil
}

func normalizeCertification(v string) *string {
	if _, ok := certificationSentinels[strings.ToLower(v)]; ok {
		return nil
	}
	return &v
}

type valueError string

func (e valueError) Error() string { return string(e) }

// parseWeight accepts "1,250.5" style thousands grouping and a lone decimal
// comma ("2100,5"). Spaces group thousands. Other comma forms are rejected.
func parseWeight(v string) (decimal.Decimal, error) {
	clean := strings.NewReplacer(" ", "", "\u00a0", "").Replace(v)
	switch {
	case !strings.Contains(clean, ","):
	case thousandsGrouped.MatchString(clean):
		clean = strings.ReplaceAll(clean, ",", "")
	case decimalComma.MatchString(clean):
		clean = strings.Replace(clean, ",", ".", 1)
	default:
		return decimal.Decimal{}, valueError("ambiguous decimal separator")
	}
	kg, err := decimal.NewFromString(clean)
	if err != nil {
		return decimal.Decimal{}, valueError("not a number")
	}
	if kg.IsNegative() {
		return decimal.Decimal{}, valueError("negative weight")
	}
	return kg, nil
}

// normalizeDate turns a serial day count or a date string into YYYY-MM-DD.
func normalizeDate(v, today string) (string, error) {
	if v == "" {
		return today, nil
	}
	if serial, err := strconv.ParseFloat(v, 64); err == nil && serial >= 1 && serial < maxSerial+1 {
		days := math.Floor(serial)
		return serialEpoch.AddDate(0, 0, int(days)).Format(domain.DateLayout), nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.Format(domain.DateLayout), nil
		}
	}
	return "", valueError("unrecognized date format")
}

// dedupeKeepLast keeps the last record of every dedup key, preserving the
// relative order of the survivors.
func dedupeKeepLast(records []domain.DeliveryRecord) []domain.DeliveryRecord {
	last := make(map[string]int, len(records))
	for i, r := range records {
		last[r.DedupKey()] = i
	}
	out := make([]domain.DeliveryRecord, 0, len(last))
	for i, r := range records {
		if last[r.DedupKey()] == i {
			out = append(out, r)
		}
	}
	return out
}
