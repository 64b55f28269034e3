// Package export builds the payroll report: per-employee totals for a business
// date range, keeping qualified tips apart from service charges and
// auto-gratuity.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/xuri/excelize/v2"

	"github.com/GetwithitMan/gwi-pos-sub000/internal/collaborator"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/model"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/repository"
)

const (
	summarySheet = "Payroll"
	sourceSheet  = "By source"
)

// Line is one employee's totals. Amounts are minor units.
type Line struct {
	EmployeeID     string                     `json:"employee_id"`
	Tips           int64                      `json:"tips"`
	ServiceCharges int64                      `json:"service_charges"`
	AutoGratuity   int64                      `json:"auto_gratuity"`
	PaidOut        int64                      `json:"paid_out"`
	Net            int64                      `json:"net"`
	BySource       map[model.SourceType]int64 `json:"by_source"`
}

type Report struct {
	LocationID string `json:"location_id"`
	From       string `json:"from"`
	To         string `json:"to"`
	Lines      []Line `json:"lines"`
	Totals     Line   `json:"totals"`
}

type Exporter struct {
	entries *repository.EntryRepository
	log     *logrus.Logger
}

func NewExporter(entries *repository.EntryRepository, log *logrus.Logger) *Exporter {
	return &Exporter{
		entries: entries,
		log:     log,
	}
}

// Build aggregates employee entries for an inclusive business-date range.
// Payouts are reported separately and never count as earnings. Entries not
// tied to a payment (pool settlements, transfers, adjustments) count as tips.
func (e *Exporter) Build(ctx context.Context, locationID, from, to string) (*Report, error) {
	if locationID == "" {
		return nil, fmt.Errorf("%w: location required", model.ErrInvalidInput)
	}
	start, err := collaborator.ParseDate(from)
	if err != nil {
		return nil, fmt.Errorf("%w: from date %q", model.ErrInvalidInput, from)
	}
	end, err := collaborator.ParseDate(to)
	if err != nil {
		return nil, fmt.Errorf("%w: to date %q", model.ErrInvalidInput, to)
	}
	if end.Before(start) {
		return nil, fmt.Errorf("%w: range ends before it starts", model.ErrInvalidInput)
	}

	rows, err := e.entries.PayrollAggregate(ctx, locationID, from, to)
	if err != nil {
		return nil, fmt.Errorf("payroll aggregate: %w", err)
	}

	lines := make(map[string]*Line)
	report := &Report{LocationID: locationID, From: from, To: to}
	report.Totals.BySource = make(map[model.SourceType]int64)
	for _, row := range rows {
		line, ok := lines[row.EmployeeID]
		if !ok {
			line = &Line{EmployeeID: row.EmployeeID, BySource: make(map[model.SourceType]int64)}
			lines[row.EmployeeID] = line
		}
		for _, l := range []*Line{line, &report.Totals} {
			l.add(row)
		}
	}

	for _, l := range lines {
		report.Lines = append(report.Lines, *l)
	}
	sort.Slice(report.Lines, func(i, j int) bool { return report.Lines[i].EmployeeID < report.Lines[j].EmployeeID })

	e.log.WithFields(logrus.Fields{
		"location_id": locationID,
		"from":        from,
		"to":          to,
		"employees":   len(report.Lines),
	}).Info("payroll report built")
	return report, nil
}

func (l *Line) add(row repository.PayrollRow) {
	l.BySource[row.SourceType] += row.Amount
	l.Net += row.Amount
	if row.SourceType == model.SourcePayout {
		l.PaidOut -= row.Amount
		return
	}
	switch model.TransactionKind(row.TransactionKind) {
	case model.TransactionServiceCharge:
		l.ServiceCharges += row.Amount
	case model.TransactionAutoGratuity:
		l.AutoGratuity += row.Amount
	default:
		l.Tips += row.Amount
	}
}

func WriteJSON(w io.Writer, r *Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// WriteXLSX renders the report as a workbook with a summary sheet and a
// per-source breakdown. Amounts are shown in major currency units.
func WriteXLSX(w io.Writer, r *Report) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return err
	}
	headers := []any{"Employee", "Tips", "Service charges", "Auto gratuity", "Paid out", "Net"}
	if err := f.SetSheetRow(summarySheet, "A1", &headers); err != nil {
		return err
	}
	lines := append(append([]Line(nil), r.Lines...), r.Totals)
	rowIndex := 2
	for _, l := range lines {
		name := l.EmployeeID
		if name == "" {
			name = "TOTAL"
		}
		row := []any{name, major(l.Tips), major(l.ServiceCharges), major(l.AutoGratuity), major(l.PaidOut), major(l.Net)}
		if err := f.SetSheetRow(summarySheet, fmt.Sprintf("A%d", rowIndex), &row); err != nil {
			return err
		}
		rowIndex++
	}

	if _, err := f.NewSheet(sourceSheet); err != nil {
		return err
	}
	sources := []any{"Employee", "Source", "Amount"}
	if err := f.SetSheetRow(sourceSheet, "A1", &sources); err != nil {
		return err
	}
	rowIndex = 2
	for _, l := range r.Lines {
		keys := make([]string, 0, len(l.BySource))
		for k := range l.BySource {
			keys = append(keys, string(k))
		}
		sort.Strings(keys)
		for _, k := range keys {
			row := []any{l.EmployeeID, k, major(l.BySource[model.SourceType(k)])}
			if err := f.SetSheetRow(sourceSheet, fmt.Sprintf("A%d", rowIndex), &row); err != nil {
				return err
			}
			rowIndex++
		}
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err == nil {
		_ = f.SetCellStyle(summarySheet, "A1", "F1", bold)
		_ = f.SetCellStyle(sourceSheet, "A1", "C1", bold)
	}
	return f.Write(w)
}

func major(minor int64) float64 {
	return decimal.New(minor, -2).InexactFloat64()
}
