package reports

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"
)

type PDFReport struct {
	pdf   *gofpdf.Fpdf
	title string
}

func NewPDFReport(title string) *PDFReport {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(15, 15, 15)
	pdf.SetAutoPageBreak(true, 20)

	r := &PDFReport{
		pdf:   pdf,
		title: title,
	}

	r.addHeader()
	return r
}

func (r *PDFReport) addHeader() {
	r.pdf.AddPage()

	r.pdf.SetFont("Arial", "B", 20)
	r.pdf.SetTextColor(33, 37, 41)
	r.pdf.CellFormat(0, 15, r.title, "", 1, "C", false, 0, "")

	r.pdf.SetFont("Arial", "", 10)
	r.pdf.SetTextColor(108, 117, 125)
	r.pdf.CellFormat(0, 8, fmt.Sprintf("Generated: %s", time.Now().Format("January 2, 2006 3:04 PM")), "", 1, "C", false, 0, "")

	r.pdf.Ln(10)
}

func (r *PDFReport) AddSection(title string) {
	r.pdf.SetFont("Arial", "B", 14)
	r.pdf.SetTextColor(33, 37, 41)
	r.pdf.SetFillColor(240, 240, 240)
	r.pdf.CellFormat(0, 10, title, "", 1, "L", true, 0, "")
	r.pdf.Ln(5)
}

func (r *PDFReport) AddParagraph(text string) {
	r.pdf.SetFont("Arial", "", 10)
	r.pdf.SetTextColor(33, 37, 41)
	r.pdf.MultiCell(0, 6, text, "", "L", false)
	r.pdf.Ln(5)
}

func (r *PDFReport) AddTable(headers []string, rows [][]string) {
	pageWidth := 180.0 // A4 width minus margins
	colWidth := pageWidth / float64(len(headers))

	r.pdf.SetFont("Arial", "B", 9)
	r.pdf.SetFillColor(52, 58, 64)
	r.pdf.SetTextColor(255, 255, 255)
	for _, h := range headers {
		r.pdf.CellFormat(colWidth, 8, h, "1", 0, "C", true, 0, "")
	}
	r.pdf.Ln(-1)

	r.pdf.SetFont("Arial", "", 9)
	r.pdf.SetTextColor(33, 37, 41)
	fill := false
	for _, row := range rows {
		if fill {
			r.pdf.SetFillColor(248, 249, 250)
		} else {
			r.pdf.SetFillColor(255, 255, 255)
		}
		for _, cell := range row {
			if len(cell) > 25 {
				cell = cell[:22] + "..."
			}
			r.pdf.CellFormat(colWidth, 7, cell, "1", 0, "L", true, 0, "")
		}
		r.pdf.Ln(-1)
		fill = !fill
	}

	r.pdf.Ln(5)
}

func (r *PDFReport) AddKeyValues(pairs [][2]string) {
	r.pdf.SetFont("Arial", "", 10)

	for _, kv := range pairs {
		r.pdf.SetTextColor(108, 117, 125)
		r.pdf.CellFormat(60, 7, kv[0]+":", "", 0, "L", false, 0, "")

		r.pdf.SetFont("Arial", "B", 10)
		r.pdf.SetTextColor(33, 37, 41)
		r.pdf.CellFormat(0, 7, kv[1], "", 1, "L", false, 0, "")
		r.pdf.SetFont("Arial", "", 10)
	}

	r.pdf.Ln(5)
}

// AddScoreBars renders one horizontal bar per label with values in [0,1].
func (r *PDFReport) AddScoreBars(title string, labels []string, values map[string]float64) {
	if title != "" {
		r.pdf.SetFont("Arial", "B", 11)
		r.pdf.SetTextColor(33, 37, 41)
		r.pdf.CellFormat(0, 8, title, "", 1, "L", false, 0, "")
	}

	barMaxWidth := 100.0

	for _, label := range labels {
		value := values[label]
		if value < 0 {
			value = 0
		}
		if value > 1 {
			value = 1
		}

		r.pdf.SetFont("Arial", "", 9)
		r.pdf.SetTextColor(108, 117, 125)
		r.pdf.CellFormat(40, 6, label, "", 0, "L", false, 0, "")

		red, green, blue := bandColor(scoreBand(value))
		r.pdf.SetFillColor(red, green, blue)
		r.pdf.CellFormat(value*barMaxWidth, 6, "", "", 0, "L", true, 0, "")

		r.pdf.SetTextColor(33, 37, 41)
		r.pdf.CellFormat(30, 6, fmt.Sprintf(" %.2f", value), "", 1, "L", false, 0, "")
	}

	r.pdf.Ln(5)
}

// AddTrendChart draws the score evolution as a bar per snapshot date.
func (r *PDFReport) AddTrendChart(dates []string, scores []float64) {
	barMaxWidth := 100.0

	for i, date := range dates {
		score := scores[i]
		if score < 0 {
			score = 0
		}
		if score > 1 {
			score = 1
		}

		r.pdf.SetFont("Arial", "", 9)
		r.pdf.SetTextColor(108, 117, 125)
		r.pdf.CellFormat(40, 6, date, "", 0, "L", false, 0, "")

		r.pdf.SetFillColor(66, 133, 244)
		r.pdf.CellFormat(score*barMaxWidth, 6, "", "", 0, "L", true, 0, "")

		r.pdf.SetTextColor(33, 37, 41)
		r.pdf.CellFormat(30, 6, fmt.Sprintf(" %.2f", score), "", 1, "L", false, 0, "")
	}

	r.pdf.Ln(5)
}

func (r *PDFReport) AddScoreBanner(score, revenueAtRisk float64, riskCount int, trust string) {
	metrics := []struct {
		label string
		value string
		color []int
	}{
		{"Global Score", fmt.Sprintf("%.2f", score), bandColorSlice(scoreBand(score))},
		{"Revenue at Risk", fmt.Sprintf("%.0f", revenueAtRisk), []int{66, 133, 244}},
		{"Risks", fmt.Sprintf("%d", riskCount), []int{108, 117, 125}},
		{"Trust", trust, []int{52, 58, 64}},
	}

	boxWidth := 42.0
	for i, m := range metrics {
		x := 15 + float64(i)*boxWidth + float64(i)*5
		r.pdf.SetFillColor(m.color[0], m.color[1], m.color[2])
		r.pdf.Rect(x, r.pdf.GetY(), boxWidth, 25, "F")

		r.pdf.SetXY(x, r.pdf.GetY()+3)
		r.pdf.SetFont("Arial", "B", 16)
		r.pdf.SetTextColor(255, 255, 255)
		r.pdf.CellFormat(boxWidth, 10, m.value, "", 0, "C", false, 0, "")

		r.pdf.SetXY(x, r.pdf.GetY()+12)
		r.pdf.SetFont("Arial", "", 9)
		r.pdf.CellFormat(boxWidth, 8, m.label, "", 0, "C", false, 0, "")
	}

	r.pdf.Ln(35)
}

func (r *PDFReport) AddPageBreak() {
	r.pdf.AddPage()
}

func (r *PDFReport) AddFooter() {
	r.pdf.SetFooterFunc(func() {
		r.pdf.SetY(-15)
		r.pdf.SetFont("Arial", "I", 8)
		r.pdf.SetTextColor(128, 128, 128)
		r.pdf.CellFormat(0, 10, fmt.Sprintf("Page %d", r.pdf.PageNo()), "", 0, "C", false, 0, "")
	})
}

func (r *PDFReport) Output() ([]byte, error) {
	r.AddFooter()

	var buf bytes.Buffer
	err := r.pdf.Output(&buf)
	if err != nil {
		return nil, fmt.Errorf("failed to generate PDF: %w", err)
	}

	return buf.Bytes(), nil
}

func (r *PDFReport) OutputToFile(filename string) error {
	r.AddFooter()
	return r.pdf.OutputFileAndClose(filename)
}

func scoreBand(score float64) string {
	switch {
	case score >= 0.85:
		return "critical"
	case score >= 0.7:
		return "high"
	case score >= 0.5:
		return "medium"
	default:
		return "low"
	}
}

func bandColor(band string) (int, int, int) {
	switch band {
	case "critical":
		return 220, 53, 69
	case "high":
		return 253, 126, 20
	case "medium":
		return 255, 193, 7
	case "low":
		return 40, 167, 69
	default:
		return 108, 117, 125
	}
}

func bandColorSlice(band string) []int {
	red, green, blue := bandColor(band)
	return []int{red, green, blue}
}
