package reporting

import (
	"bytes"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"github.com/caremar/caremar/internal/domain/mar"
)

const (
	marSheet    = "MAR"
	vitalsSheet = "Vital Signs"
	prnSheet    = "PRN Log"

	// The medication grid starts below the patient header block.
	gridHeaderRow = 7
)

// vitalRows is the fixed row order of the vitals section.
var vitalRows = []struct {
	Type  mar.VitalType
	Label string
}{
	{mar.VitalTemperature, "Temperature"},
	{mar.VitalPulse, "Pulse"},
	{mar.VitalRespiration, "Respiration"},
	{mar.VitalWeight, "Weight"},
	{mar.VitalBPSystolic, "B/P Systolic"},
	{mar.VitalBPDiastolic, "B/P Diastolic"},
	{mar.VitalBowelMovement, "Bowel Movement"},
}

// daysIn returns the day count of a "YYYY-MM" month label, 31 when the
// label does not parse.
func daysIn(monthYear string) int {
	t, err := time.Parse("2006-01", monthYear)
	if err != nil {
		return 31
	}
	return time.Date(t.Year(), t.Month()+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func slugify(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteRune('-')
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		return "form"
	}
	return out
}

func fmtDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format("2006-01-02")
}

// chartMark renders one grid cell. Given doses show the nurse's initials;
// omissions show them parenthesized, the paper convention for a circled
// entry, with the reason alongside.
func chartMark(cell *mar.MarAdministration) string {
	if cell == nil {
		return ""
	}
	if cell.Given {
		return cell.Initials
	}
	mark := "(" + cell.Initials + ")"
	if cell.ReasonForOmission != "" {
		mark += " " + cell.ReasonForOmission
	}
	return mark
}

// BuildFormWorkbook renders a form aggregate as an .xlsx workbook: the
// medication grid, the vitals grid, and the PRN log on separate sheets.
func BuildFormWorkbook(agg *mar.FormAggregate) ([]byte, error) {
	f := excelize.NewFile()
	// WriteTo needs the file open; Close only on the error paths.

	index, err := f.NewSheet(marSheet)
	if err != nil {
		f.Close()
		return nil, err
	}
	f.DeleteSheet("Sheet1")
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
		Border: []excelize.Border{
			{Type: "left", Color: "000000", Style: 1},
			{Type: "top", Color: "000000", Style: 1},
			{Type: "bottom", Color: "000000", Style: 1},
			{Type: "right", Color: "000000", Style: 1},
		},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	if err != nil {
		f.Close()
		return nil, err
	}

	days := daysIn(agg.Form.MonthYear)
	if err := writeMedicationSheet(f, agg, days, headerStyle); err != nil {
		f.Close()
		return nil, err
	}
	if err := writeVitalsSheet(f, agg, days, headerStyle); err != nil {
		f.Close()
		return nil, err
	}
	if err := writePrnSheet(f, agg, headerStyle); err != nil {
		f.Close()
		return nil, err
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func setCell(f *excelize.File, sheet string, col, row int, value interface{}) error {
	cell, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		return err
	}
	return f.SetCellValue(sheet, cell, value)
}

func setRow(f *excelize.File, sheet string, row int, values ...interface{}) error {
	for i, v := range values {
		if v == nil || v == "" {
			continue
		}
		if err := setCell(f, sheet, i+1, row, v); err != nil {
			return err
		}
	}
	return nil
}

func styleRow(f *excelize.File, sheet string, row, cols, style int) error {
	start, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	end, err := excelize.CoordinatesToCellName(cols, row)
	if err != nil {
		return err
	}
	return f.SetCellStyle(sheet, start, end, style)
}

func writeMedicationSheet(f *excelize.File, agg *mar.FormAggregate, days, headerStyle int) error {
	form := agg.Form

	physician := form.PhysicianName
	if form.PhysicianPhone != "" {
		physician += " " + form.PhysicianPhone
	}
	headerBlock := [][]interface{}{
		{"Patient", form.PatientName, "Month", form.MonthYear},
		{"Date of Birth", fmtDate(form.DateOfBirth), "Sex", form.Sex},
		{"Diagnosis", form.Diagnosis, "Diet", form.Diet},
		{"Allergies", form.Allergies, "Physician", physician},
		{"Facility", form.FacilityName, "Status", string(form.Status)},
	}
	for i, row := range headerBlock {
		if err := setRow(f, marSheet, i+1, row...); err != nil {
			return err
		}
	}

	grid := []interface{}{"Medication", "Dosage", "Route", "Frequency", "Hour"}
	identityCols := len(grid)
	for d := 1; d <= days; d++ {
		grid = append(grid, d)
	}
	if err := setRow(f, marSheet, gridHeaderRow, grid...); err != nil {
		return err
	}
	if err := styleRow(f, marSheet, gridHeaderRow, len(grid), headerStyle); err != nil {
		return err
	}

	// Day cells keyed by physical row then day.
	cells := make(map[uuid.UUID]map[int]*mar.MarAdministration)
	for _, a := range agg.Administrations {
		byDay, ok := cells[a.MedicationID]
		if !ok {
			byDay = make(map[int]*mar.MarAdministration)
			cells[a.MedicationID] = byDay
		}
		byDay[a.DayOfMonth] = a
	}

	row := gridHeaderRow
	for _, med := range agg.Grouped {
		for i, hour := range med.Hours {
			row++
			// Identity only on the first hour slot, the way the sheet reads.
			if i == 0 {
				if err := setRow(f, marSheet, row, med.MedicationName, med.Dosage, med.Route, med.FrequencyDisplay); err != nil {
					return err
				}
			}
			if err := setCell(f, marSheet, identityCols, row, hour); err != nil {
				return err
			}
			if i >= len(med.RowIDs) {
				continue
			}
			for day, cell := range cells[med.RowIDs[i]] {
				if day < 1 || day > days {
					continue
				}
				if mark := chartMark(cell); mark != "" {
					if err := setCell(f, marSheet, identityCols+day, row, mark); err != nil {
						return err
					}
				}
			}
		}
	}

	widths := []float64{28, 14, 10, 12, 10}
	for i, w := range widths {
		col, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			return err
		}
		if err := f.SetColWidth(marSheet, col, col, w); err != nil {
			return err
		}
	}
	first, err := excelize.ColumnNumberToName(identityCols + 1)
	if err != nil {
		return err
	}
	last, err := excelize.ColumnNumberToName(identityCols + days)
	if err != nil {
		return err
	}
	if err := f.SetColWidth(marSheet, first, last, 5); err != nil {
		return err
	}

	topLeft, err := excelize.CoordinatesToCellName(1, gridHeaderRow+1)
	if err != nil {
		return err
	}
	return f.SetPanes(marSheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      gridHeaderRow,
		TopLeftCell: topLeft,
		ActivePane:  "bottomLeft",
	})
}

func writeVitalsSheet(f *excelize.File, agg *mar.FormAggregate, days, headerStyle int) error {
	if _, err := f.NewSheet(vitalsSheet); err != nil {
		return err
	}

	header := []interface{}{"Vital"}
	for d := 1; d <= days; d++ {
		header = append(header, d)
	}
	if err := setRow(f, vitalsSheet, 1, header...); err != nil {
		return err
	}
	if err := styleRow(f, vitalsSheet, 1, len(header), headerStyle); err != nil {
		return err
	}

	values := make(map[mar.VitalType]map[int]string)
	for _, v := range agg.VitalSigns {
		byDay, ok := values[v.VitalType]
		if !ok {
			byDay = make(map[int]string)
			values[v.VitalType] = byDay
		}
		byDay[v.DayOfMonth] = v.Value
	}

	for i, vr := range vitalRows {
		row := i + 2
		if err := setCell(f, vitalsSheet, 1, row, vr.Label); err != nil {
			return err
		}
		for day, value := range values[vr.Type] {
			if day < 1 || day > days || value == "" {
				continue
			}
			if err := setCell(f, vitalsSheet, 1+day, row, value); err != nil {
				return err
			}
		}
	}

	if agg.Form.VitalInstructions != "" {
		if err := setCell(f, vitalsSheet, 1, len(vitalRows)+3, "Instructions: "+agg.Form.VitalInstructions); err != nil {
			return err
		}
	}
	return f.SetColWidth(vitalsSheet, "A", "A", 18)
}

func writePrnSheet(f *excelize.File, agg *mar.FormAggregate, headerStyle int) error {
	if _, err := f.NewSheet(prnSheet); err != nil {
		return err
	}

	header := []interface{}{"#", "Date", "Hour", "Medication", "Reason", "Result", "Initials"}
	if err := setRow(f, prnSheet, 1, header...); err != nil {
		return err
	}
	if err := styleRow(f, prnSheet, 1, len(header), headerStyle); err != nil {
		return err
	}

	for i, rec := range agg.PrnRecords {
		row := i + 2
		values := []interface{}{
			rec.EntryNumber,
			rec.Date.Format("2006-01-02"),
			rec.Hour,
			rec.Medication,
			rec.Reason,
			rec.Result,
			rec.Initials,
		}
		if err := setRow(f, prnSheet, row, values...); err != nil {
			return err
		}
	}

	widths := map[string]float64{"B": 12, "D": 28, "E": 24, "F": 24}
	for col, w := range widths {
		if err := f.SetColWidth(prnSheet, col, col, w); err != nil {
			return err
		}
	}
	return nil
}
