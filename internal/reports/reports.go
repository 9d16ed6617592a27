package reports

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dealscope/riskengine/internal/models"
)

type ReportFormat string

const (
	FormatCSV  ReportFormat = "csv"
	FormatPDF  ReportFormat = "pdf"
	FormatJSON ReportFormat = "json"
)

type Report struct {
	Format      ReportFormat
	Title       string
	GeneratedAt time.Time
	Data        []byte
	Filename    string
	MimeType    string
}

// EvaluationInput carries everything an evaluation report renders. Trend is
// optional; a report without history simply omits the evolution section.
type EvaluationInput struct {
	Opportunity *models.Entity
	Evaluation  *models.RiskEvaluation
	Trend       []models.TrendPoint
}

type Generator struct{}

func NewGenerator() *Generator {
	return &Generator{}
}

func (g *Generator) Evaluation(in *EvaluationInput, format ReportFormat) (*Report, error) {
	if in == nil || in.Evaluation == nil {
		return nil, fmt.Errorf("evaluation report requires an evaluation")
	}

	title := "Risk Evaluation"
	if in.Opportunity != nil && in.Opportunity.Name != "" {
		title = fmt.Sprintf("Risk Evaluation - %s", in.Opportunity.Name)
	}

	var data []byte
	var err error
	var filename, mimeType string

	stamp := time.Now().Format("20060102_150405")
	switch format {
	case FormatCSV:
		data, err = g.evaluationToCSV(in.Evaluation)
		filename = fmt.Sprintf("risk_evaluation_%s.csv", stamp)
		mimeType = "text/csv"
	case FormatJSON:
		data, err = json.MarshalIndent(in.Evaluation, "", "  ")
		filename = fmt.Sprintf("risk_evaluation_%s.json", stamp)
		mimeType = "application/json"
	case FormatPDF:
		data, err = g.evaluationToPDF(in, title)
		filename = fmt.Sprintf("risk_evaluation_%s.pdf", stamp)
		mimeType = "application/pdf"
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}

	if err != nil {
		return nil, err
	}

	return &Report{
		Format:      format,
		Title:       title,
		GeneratedAt: time.Now(),
		Data:        data,
		Filename:    filename,
		MimeType:    mimeType,
	}, nil
}

func (g *Generator) evaluationToCSV(eval *models.RiskEvaluation) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := []string{
		"Risk ID", "Risk Name", "Category", "Method", "Weight",
		"Confidence", "Contribution", "Explanation", "Sources",
	}
	if err := w.Write(header); err != nil {
		return nil, err
	}

	for _, r := range eval.Risks {
		row := []string{
			r.RiskID,
			r.RiskName,
			string(r.Category),
			string(r.Method),
			fmt.Sprintf("%.2f", r.Weight),
			fmt.Sprintf("%.2f", r.Confidence),
			fmt.Sprintf("%.4f", r.Contribution),
			r.Explanation.Text(),
			fmt.Sprintf("%d", len(r.SourceEntityIDs)),
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}

	w.Flush()
	return buf.Bytes(), w.Error()
}

func (g *Generator) evaluationToPDF(in *EvaluationInput, title string) ([]byte, error) {
	eval := in.Evaluation
	pdf := NewPDFReport(title)

	pdf.AddScoreBanner(eval.GlobalScore, eval.RevenueAtRisk, len(eval.Risks), string(eval.TrustLevel))

	pdf.AddSection("Evaluation")
	pairs := [][2]string{
		{"Opportunity", eval.OpportunityID.String()},
		{"Evaluated At", eval.EvaluatedAt.Format(time.RFC3339)},
		{"Data Completeness", fmt.Sprintf("%.0f%%", eval.Assumptions.Completeness*100)},
		{"Staleness", fmt.Sprintf("%d days", eval.Assumptions.StalenessDays)},
	}
	if in.Opportunity != nil {
		if stage := in.Opportunity.Stage; stage != "" {
			pairs = append(pairs, [2]string{"Stage", stage})
		}
		if value, ok := in.Opportunity.FloatAttr("value"); ok {
			pairs = append(pairs, [2]string{"Deal Value", fmt.Sprintf("%.0f", value)})
		}
	}
	pdf.AddKeyValues(pairs)

	pdf.AddSection("Scores by Category")
	labels := make([]string, 0, len(models.AllCategories()))
	values := make(map[string]float64, len(models.AllCategories()))
	for _, cat := range models.AllCategories() {
		labels = append(labels, string(cat))
		values[string(cat)] = eval.CategoryScores[cat]
	}
	pdf.AddScoreBars("", labels, values)

	if len(eval.Risks) > 0 {
		pdf.AddSection("Detected Risks")
		headers := []string{"Risk", "Category", "Method", "Confidence", "Contribution"}
		rows := make([][]string, len(eval.Risks))
		for i, r := range eval.Risks {
			rows[i] = []string{
				truncate(r.RiskName, 24),
				string(r.Category),
				string(r.Method),
				fmt.Sprintf("%.2f", r.Confidence),
				fmt.Sprintf("%.4f", r.Contribution),
			}
		}
		pdf.AddTable(headers, rows)
	}

	if len(eval.Conflicts) > 0 {
		pdf.AddSection("Resolved Conflicts")
		headers := []string{"Risk", "Methods", "Resolution"}
		rows := make([][]string, len(eval.Conflicts))
		for i, c := range eval.Conflicts {
			rows[i] = []string{
				truncate(c.RiskID, 24),
				fmt.Sprintf("%s vs %s", c.Method1, c.Method2),
				truncate(c.Resolution, 24),
			}
		}
		pdf.AddTable(headers, rows)
	}

	if len(in.Trend) > 0 {
		pdf.AddSection("Score Evolution")
		dates := make([]string, len(in.Trend))
		scores := make([]float64, len(in.Trend))
		for i, p := range in.Trend {
			dates[i] = p.Date.Format("2006-01-02")
			scores[i] = p.GlobalScore
		}
		pdf.AddTrendChart(dates, scores)
	}

	pdf.AddSection("Assumptions")
	avail := eval.Assumptions.Defaulted().ServiceAvailability
	pdf.AddKeyValues([][2]string{
		{"AI Detection", availText(avail[models.ServiceAI])},
		{"Vector Search", availText(avail[models.ServiceVectorSearch])},
		{"Historical Analysis", availText(avail[models.ServiceHistorical])},
		{"Data Quality Score", fmt.Sprintf("%.2f", eval.Assumptions.DataQualityScore)},
	})
	if len(eval.Assumptions.MissingFields) > 0 {
		pdf.AddParagraph("Missing fields: " + joinComma(eval.Assumptions.MissingFields))
	}
	if len(eval.Assumptions.MissingRelated) > 0 {
		pdf.AddParagraph("Missing related entities: " + joinComma(eval.Assumptions.MissingRelated))
	}

	return pdf.Output()
}

func availText(up bool) string {
	if up {
		return "available"
	}
	return "unavailable"
}

func joinComma(items []string) string {
	var buf bytes.Buffer
	for i, s := range items {
		if i > 0 {
			buf.WriteString(", ")
		}
		buf.WriteString(s)
	}
	return buf.String()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
