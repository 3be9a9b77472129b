package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/TFMV/resync/pkg/core"
)

// -----------------------------
// Report Generator Interfaces
// -----------------------------

// ReportGenerator defines the methods for generating task reports.
type ReportGenerator interface {
	GenerateTaskReport(out core.TaskOutcome) ([]byte, error)
	GenerateAlertNotification(out core.TaskOutcome) ([]byte, error)
	SaveReportToFile(out core.TaskOutcome, filePath string) error
}

// -----------------------------
// JSON Report Generator
// -----------------------------

// JSONReportGenerator generates JSON reports.
type JSONReportGenerator struct{}

// GenerateTaskReport serializes the outcome to JSON.
func (j *JSONReportGenerator) GenerateTaskReport(out core.TaskOutcome) ([]byte, error) {
	return json.MarshalIndent(out, "", "  ")
}

// GenerateAlertNotification generates an alert message in JSON format.
func (j *JSONReportGenerator) GenerateAlertNotification(out core.TaskOutcome) ([]byte, error) {
	alert := map[string]interface{}{
		"alert":      alertTitle(out),
		"task_id":    out.TaskID,
		"source":     out.SourceTable,
		"target":     out.TargetTable,
		"diff_count": out.DiffCount,
		"message":    out.Message,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	}
	return json.MarshalIndent(alert, "", "  ")
}

// SaveReportToFile saves the JSON report to a file.
func (j *JSONReportGenerator) SaveReportToFile(out core.TaskOutcome, filePath string) error {
	data, err := j.GenerateTaskReport(out)
	if err != nil {
		return err
	}
	return os.WriteFile(filePath, data, 0644)
}

// -----------------------------
// HTML Report Generator
// -----------------------------

// HTMLReportGenerator generates HTML reports.
type HTMLReportGenerator struct{}

// HTML template for the report.
const htmlTemplate = `
<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Resync Task Report</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        table { width: 100%; border-collapse: collapse; margin-top: 20px; }
        th, td { border: 1px solid #ddd; padding: 8px; text-align: left; }
        th { background-color: #f4f4f4; }
        .status-success, .status-skip { color: green; }
        .status-partial_fail { color: orange; }
        .status-fail { color: red; }
    </style>
</head>
<body>
    <h1>Task {{.TaskID}}</h1>
    <p><strong>Source Table:</strong> {{.SourceTable}}</p>
    <p><strong>Target Table:</strong> {{.TargetTable}}</p>
    <p><strong>Status:</strong> <span class="status-{{.Status}}">{{.Status}}</span></p>
    {{if .CheckRange}}<p><strong>Check Range:</strong> {{.CheckRange}}</p>{{end}}
    {{if .Message}}<p><strong>Message:</strong> {{.Message}}</p>{{end}}

    <h2>Reconciliation</h2>
    <table>
        <tr>
            <th>Source Count</th>
            <th>Target Count</th>
            <th>Mismatched</th>
            <th>Source Only</th>
            <th>Target Only</th>
            <th>Matching Rate</th>
        </tr>
        <tr>
            <td>{{.SourceCount}}</td>
            <td>{{.TargetCount}}</td>
            <td>{{.Mismatched}}</td>
            <td>{{.SourceOnly}}</td>
            <td>{{.TargetOnly}}</td>
            <td>{{percent .MatchingRate}}</td>
        </tr>
    </table>
    <h3>Compared Columns:</h3>
    <ul>
        {{range .CheckColumns}}<li>{{.}}</li>{{else}}<li>None</li>{{end}}
    </ul>

    <h2>Repair</h2>
    <table>
        <tr>
            <th>Status</th>
            <th>Repaired Keys</th>
            <th>Units</th>
            <th>Failed Units</th>
        </tr>
        <tr>
            <td>{{.RepairStatus}}</td>
            <td>{{.RepairCount}}</td>
            <td>{{.RepairUnits}}</td>
            <td>{{.FailedUnits}}</td>
        </tr>
    </table>
    {{if .RepairMessage}}<p>{{.RepairMessage}}</p>{{end}}
    <h3>Job Files:</h3>
    <ul>
        {{range .JobFiles}}<li>{{.}}</li>{{else}}<li>None</li>{{end}}
    </ul>

    <footer>
        <p>Started {{.StartTime.Format "2006-01-02 15:04:05"}}, finished {{.EndTime.Format "2006-01-02 15:04:05"}} ({{.CostMinutes}} min)</p>
    </footer>
</body>
</html>
`

var reportTemplate = template.Must(template.New("report").Funcs(template.FuncMap{
	"percent": func(rate float64) string { return fmt.Sprintf("%.2f%%", rate*100) },
}).Parse(htmlTemplate))

// GenerateTaskReport generates an HTML report of the outcome.
func (h *HTMLReportGenerator) GenerateTaskReport(out core.TaskOutcome) ([]byte, error) {
	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, out); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// GenerateAlertNotification generates an HTML alert.
func (h *HTMLReportGenerator) GenerateAlertNotification(out core.TaskOutcome) ([]byte, error) {
	alertHTML := fmt.Sprintf(
		`<html><body><h3>%s</h3><p>Task %s (%s to %s) found %d discrepancies.</p></body></html>`,
		template.HTMLEscapeString(alertTitle(out)),
		template.HTMLEscapeString(out.TaskID),
		template.HTMLEscapeString(out.SourceTable),
		template.HTMLEscapeString(out.TargetTable),
		out.DiffCount,
	)
	return []byte(alertHTML), nil
}

// SaveReportToFile saves the HTML report to a file.
func (h *HTMLReportGenerator) SaveReportToFile(out core.TaskOutcome, filePath string) error {
	data, err := h.GenerateTaskReport(out)
	if err != nil {
		return err
	}
	return os.WriteFile(filePath, data, 0644)
}

func alertTitle(out core.TaskOutcome) string {
	switch out.Status {
	case core.StatusFail:
		return "Reconciliation Failed"
	case core.StatusPartialFail:
		return "Repair Partially Failed"
	}
	return "Discrepancies Detected"
}

// Paths returns the JSON and HTML report paths of an outcome under dir.
func Paths(dir string, out core.TaskOutcome) (jsonPath, htmlPath string) {
	base := sanitize(out.TaskID)
	if out.RunID != "" {
		base += "_" + sanitize(out.RunID)
	}
	return filepath.Join(dir, base+".json"), filepath.Join(dir, base+".html")
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', ' ':
			return '_'
		}
		return r
	}, s)
}

// SaveReports saves both JSON and HTML reports.
func SaveReports(out core.TaskOutcome, jsonPath, htmlPath string) error {
	jsonGen := JSONReportGenerator{}
	htmlGen := HTMLReportGenerator{}

	if err := jsonGen.SaveReportToFile(out, jsonPath); err != nil {
		return err
	}
	return htmlGen.SaveReportToFile(out, htmlPath)
}

// ReportFromFilePath loads an outcome from a JSON report.
func ReportFromFilePath(filePath string) (core.TaskOutcome, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return core.TaskOutcome{}, err
	}
	var out core.TaskOutcome
	if err := json.Unmarshal(data, &out); err != nil {
		return core.TaskOutcome{}, err
	}
	return out, nil
}

// Writer saves a JSON and an HTML report per outcome into Dir.
type Writer struct {
	Dir string
}

// Name identifies the store in logs.
func (w *Writer) Name() string { return "report" }

// SaveOutcome writes both reports of the outcome.
func (w *Writer) SaveOutcome(ctx context.Context, out core.TaskOutcome) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(w.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}
	jsonPath, htmlPath := Paths(w.Dir, out)
	return SaveReports(out, jsonPath, htmlPath)
}
