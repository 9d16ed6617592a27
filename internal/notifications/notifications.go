// Package notifications delivers risk alerts over Slack and email.
package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/smtp"
	"sort"
	"strings"
	"time"

	"github.com/dealscope/riskengine/internal/models"
)

// NotificationType defines the type of notification
type NotificationType string

const (
	NotifyHighRisk         NotificationType = "high_risk_evaluation"
	NotifyEvaluationFailed NotificationType = "evaluation_failed"
	NotifyDailyDigest      NotificationType = "daily_digest"
)

// Severity grades an alert for routing and formatting
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// SeverityForScore maps a global risk score onto an alert severity
func SeverityForScore(score float64) Severity {
	switch {
	case score >= 0.85:
		return SeverityCritical
	case score >= 0.7:
		return SeverityHigh
	case score >= 0.5:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Notification represents a notification to be sent
type Notification struct {
	Type      NotificationType
	Title     string
	Message   string
	Severity  Severity
	Data      map[string]interface{}
	Timestamp time.Time
}

// Config holds notification configuration
type Config struct {
	Slack SlackConfig
	Email EmailConfig
}

// SlackConfig holds Slack configuration
type SlackConfig struct {
	WebhookURL  string
	Channel     string
	Username    string
	IconEmoji   string
	Enabled     bool
	MinSeverity Severity
}

// EmailConfig holds email configuration
type EmailConfig struct {
	SMTPHost    string
	SMTPPort    int
	Username    string
	Password    string
	From        string
	To          []string
	Enabled     bool
	MinSeverity Severity
}

// Service handles notifications
type Service struct {
	config Config
	logger *slog.Logger
	client *http.Client
}

// NewService creates a new notification service
func NewService(config Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		config: config,
		logger: logger,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Send sends a notification to all enabled channels
func (s *Service) Send(ctx context.Context, notif *Notification) error {
	var errs []error

	if s.config.Slack.Enabled && s.shouldNotify(notif.Severity, s.config.Slack.MinSeverity) {
		if err := s.sendSlack(ctx, notif); err != nil {
			errs = append(errs, fmt.Errorf("slack: %w", err))
		}
	}

	if s.config.Email.Enabled && s.shouldNotify(notif.Severity, s.config.Email.MinSeverity) {
		if err := s.sendEmail(ctx, notif); err != nil {
			errs = append(errs, fmt.Errorf("email: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("notification errors: %v", errs)
	}
	return nil
}

// shouldNotify checks if notification should be sent based on severity
func (s *Service) shouldNotify(actual, minimum Severity) bool {
	severityOrder := map[Severity]int{
		SeverityLow:      1,
		SeverityMedium:   2,
		SeverityHigh:     3,
		SeverityCritical: 4,
	}
	return severityOrder[actual] >= severityOrder[minimum]
}

// NotifyHighRisk alerts on an evaluation crossing the alert threshold
func (s *Service) NotifyHighRisk(ctx context.Context, opp *models.Entity, eval *models.RiskEvaluation) error {
	data := map[string]interface{}{
		"opportunity_id":  opp.ID.String(),
		"opportunity":     opp.Name,
		"global_score":    fmt.Sprintf("%.2f", eval.GlobalScore),
		"revenue_at_risk": fmt.Sprintf("%.0f", eval.RevenueAtRisk),
		"risk_count":      len(eval.Risks),
		"trust_level":     string(eval.TrustLevel),
	}
	if top := topCategory(eval.CategoryScores); top != "" {
		data["top_category"] = top
	}

	notif := &Notification{
		Type:  NotifyHighRisk,
		Title: fmt.Sprintf("High Risk: %s", opp.Name),
		Message: fmt.Sprintf("Evaluation scored %.2f with %.0f revenue at risk across %d detected risks",
			eval.GlobalScore, eval.RevenueAtRisk, len(eval.Risks)),
		Severity:  SeverityForScore(eval.GlobalScore),
		Data:      data,
		Timestamp: time.Now(),
	}
	return s.Send(ctx, notif)
}

// NotifyEvaluationFailed alerts on an evaluation that could not complete
func (s *Service) NotifyEvaluationFailed(ctx context.Context, tenantID string, opportunityID string, err error) error {
	notif := &Notification{
		Type:     NotifyEvaluationFailed,
		Title:    "Risk Evaluation Failed",
		Message:  fmt.Sprintf("Evaluation failed for opportunity %s: %s", opportunityID, err.Error()),
		Severity: SeverityHigh,
		Data: map[string]interface{}{
			"tenant_id":      tenantID,
			"opportunity_id": opportunityID,
			"error":          err.Error(),
		},
		Timestamp: time.Now(),
	}
	return s.Send(ctx, notif)
}

// DigestStats summarizes a tenant's evaluation activity for one period
type DigestStats struct {
	Period             string
	TenantID           string
	Evaluations        int
	HighRiskDeals      int
	TotalRevenueAtRisk float64
	AvgGlobalScore     float64
	TopCategories      map[string]int
}

// NotifyDailyDigest sends a portfolio-level summary
func (s *Service) NotifyDailyDigest(ctx context.Context, stats DigestStats) error {
	severity := SeverityLow
	if stats.HighRiskDeals > 0 {
		severity = SeverityMedium
	}
	if stats.HighRiskDeals > 5 {
		severity = SeverityHigh
	}

	notif := &Notification{
		Type:  NotifyDailyDigest,
		Title: "Daily Risk Digest",
		Message: fmt.Sprintf("%d evaluations, %d high-risk deals, %.0f total revenue at risk",
			stats.Evaluations, stats.HighRiskDeals, stats.TotalRevenueAtRisk),
		Severity: severity,
		Data: map[string]interface{}{
			"period":                stats.Period,
			"tenant_id":             stats.TenantID,
			"evaluations":           stats.Evaluations,
			"high_risk_deals":       stats.HighRiskDeals,
			"total_revenue_at_risk": fmt.Sprintf("%.0f", stats.TotalRevenueAtRisk),
			"avg_global_score":      fmt.Sprintf("%.2f", stats.AvgGlobalScore),
		},
		Timestamp: time.Now(),
	}
	return s.Send(ctx, notif)
}

// SlackMessage represents a Slack message payload
type SlackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Text        string            `json:"text,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment represents a Slack attachment
type SlackAttachment struct {
	Color     string       `json:"color,omitempty"`
	Title     string       `json:"title,omitempty"`
	TitleLink string       `json:"title_link,omitempty"`
	Text      string       `json:"text,omitempty"`
	Fallback  string       `json:"fallback,omitempty"`
	Fields    []SlackField `json:"fields,omitempty"`
	Footer    string       `json:"footer,omitempty"`
	Timestamp int64        `json:"ts,omitempty"`
}

// SlackField represents a field in a Slack attachment
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// sendSlack sends a notification to Slack
func (s *Service) sendSlack(ctx context.Context, notif *Notification) error {
	var fields []SlackField
	keys := make([]string, 0, len(notif.Data))
	for k := range notif.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields = append(fields, SlackField{
			Title: k,
			Value: fmt.Sprintf("%v", notif.Data[k]),
			Short: true,
		})
	}

	msg := SlackMessage{
		Channel:   s.config.Slack.Channel,
		Username:  s.config.Slack.Username,
		IconEmoji: s.config.Slack.IconEmoji,
		Attachments: []SlackAttachment{
			{
				Color:     s.severityToColor(notif.Severity),
				Title:     notif.Title,
				Text:      notif.Message,
				Fallback:  fmt.Sprintf("%s: %s", notif.Title, notif.Message),
				Fields:    fields,
				Footer:    "Risk Engine",
				Timestamp: notif.Timestamp.Unix(),
			},
		},
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.config.Slack.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned status %d", resp.StatusCode)
	}

	s.logger.Info("slack notification sent",
		"type", notif.Type,
		"title", notif.Title)
	return nil
}

// severityToColor converts severity to Slack color
func (s *Service) severityToColor(severity Severity) string {
	switch severity {
	case SeverityCritical:
		return "#FF0000"
	case SeverityHigh:
		return "#FFA500"
	case SeverityMedium:
		return "#FFFF00"
	default:
		return "#36A64F"
	}
}

// sendEmail sends a notification via email
func (s *Service) sendEmail(ctx context.Context, notif *Notification) error {
	subject := fmt.Sprintf("[Risk Alert] %s", notif.Title)
	body, err := s.formatEmailBody(notif)
	if err != nil {
		return err
	}

	msg := s.buildEmailMessage(subject, body)

	auth := smtp.PlainAuth("", s.config.Email.Username, s.config.Email.Password, s.config.Email.SMTPHost)
	addr := fmt.Sprintf("%s:%d", s.config.Email.SMTPHost, s.config.Email.SMTPPort)

	if err := smtp.SendMail(addr, auth, s.config.Email.From, s.config.Email.To, []byte(msg)); err != nil {
		return err
	}

	s.logger.Info("email notification sent",
		"type", notif.Type,
		"title", notif.Title,
		"recipients", len(s.config.Email.To))
	return nil
}

// buildEmailMessage builds an email message
func (s *Service) buildEmailMessage(subject, body string) string {
	var msg strings.Builder
	msg.WriteString(fmt.Sprintf("From: %s\r\n", s.config.Email.From))
	msg.WriteString(fmt.Sprintf("To: %s\r\n", strings.Join(s.config.Email.To, ",")))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)
	return msg.String()
}

// formatEmailBody formats the email body
func (s *Service) formatEmailBody(notif *Notification) (string, error) {
	tmpl := `
<!DOCTYPE html>
<html>
<head>
    <style>
        body { font-family: Arial, sans-serif; margin: 0; padding: 20px; background-color: #f5f5f5; }
        .container { max-width: 600px; margin: 0 auto; background: white; border-radius: 8px; box-shadow: 0 2px 4px rgba(0,0,0,0.1); }
        .header { padding: 20px; background: {{.HeaderColor}}; color: white; border-radius: 8px 8px 0 0; }
        .content { padding: 20px; }
        .severity { display: inline-block; padding: 4px 8px; border-radius: 4px; font-weight: bold; background: {{.SeverityColor}}; color: white; }
        .data-table { width: 100%; border-collapse: collapse; margin-top: 15px; }
        .data-table td { padding: 8px; border-bottom: 1px solid #eee; }
        .data-table td:first-child { font-weight: bold; width: 30%; }
        .footer { padding: 15px 20px; background: #f9f9f9; border-radius: 0 0 8px 8px; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="container">
        <div class="header">
            <h2 style="margin:0;">{{.Title}}</h2>
        </div>
        <div class="content">
            <p>{{.Message}}</p>
            <p>Severity: <span class="severity">{{.Severity}}</span></p>
            {{if .HasData}}
            <table class="data-table">
                {{range $key, $value := .Data}}
                <tr>
                    <td>{{$key}}</td>
                    <td>{{$value}}</td>
                </tr>
                {{end}}
            </table>
            {{end}}
        </div>
        <div class="footer">
            <p>This is an automated alert from the risk evaluation engine.</p>
            <p>Generated at: {{.Timestamp}}</p>
        </div>
    </div>
</body>
</html>
`
	t, err := template.New("email").Parse(tmpl)
	if err != nil {
		return "", err
	}

	headerColor := "#2196F3"
	switch notif.Severity {
	case SeverityCritical:
		headerColor = "#F44336"
	case SeverityHigh:
		headerColor = "#FF9800"
	case SeverityMedium:
		headerColor = "#FFC107"
	}

	data := map[string]interface{}{
		"Title":         notif.Title,
		"Message":       notif.Message,
		"Severity":      string(notif.Severity),
		"HeaderColor":   headerColor,
		"SeverityColor": s.severityToColor(notif.Severity),
		"Data":          notif.Data,
		"HasData":       len(notif.Data) > 0,
		"Timestamp":     notif.Timestamp.Format(time.RFC1123),
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func topCategory(scores map[models.RiskCategory]float64) string {
	var best models.RiskCategory
	bestScore := 0.0
	for cat, score := range scores {
		if score > bestScore {
			best, bestScore = cat, score
		}
	}
	return string(best)
}
