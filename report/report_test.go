package report

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/TFMV/resync/pkg/core"
)

func TestJSONReportGenerator_GenerateTaskReport(t *testing.T) {
	out := createTestOutcome()
	generator := &JSONReportGenerator{}

	data, err := generator.GenerateTaskReport(out)
	if err != nil {
		t.Fatalf("Failed to generate report: %v", err)
	}

	var decoded core.TaskOutcome
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Generated invalid JSON: %v", err)
	}
	if decoded.SourceTable != "shop.orders" {
		t.Errorf("Expected source table 'shop.orders', got %s", decoded.SourceTable)
	}
	if decoded.Status != core.StatusPartialFail {
		t.Errorf("Expected status partial_fail, got %s", decoded.Status)
	}
}

func TestJSONReportGenerator_GenerateAlertNotification(t *testing.T) {
	generator := &JSONReportGenerator{}
	data, err := generator.GenerateAlertNotification(createTestOutcome())
	if err != nil {
		t.Fatalf("Failed to generate alert: %v", err)
	}

	var alert map[string]interface{}
	if err := json.Unmarshal(data, &alert); err != nil {
		t.Fatalf("Generated invalid JSON: %v", err)
	}
	if alert["alert"] != "Repair Partially Failed" {
		t.Errorf("Unexpected alert title: %v", alert["alert"])
	}
}

func TestHTMLReportGenerator_GenerateTaskReport(t *testing.T) {
	out := createTestOutcome()
	out.Message = "<script>alert(1)</script>"
	generator := &HTMLReportGenerator{}

	data, err := generator.GenerateTaskReport(out)
	if err != nil {
		t.Fatalf("Failed to generate HTML report: %v", err)
	}

	html := string(data)
	expectedElements := []string{
		"<!DOCTYPE html>",
		"<title>Resync Task Report</title>",
		"shop.orders",
		"status-partial_fail",
		"99.50%",
		"jobs/orders_copy_1.json",
		"&lt;script&gt;",
	}
	for _, expected := range expectedElements {
		if !strings.Contains(html, expected) {
			t.Errorf("HTML report missing expected content: %s", expected)
		}
	}
	if strings.Contains(html, "<script>alert(1)") {
		t.Error("HTML report does not escape the message")
	}
}

func TestSaveReports(t *testing.T) {
	out := createTestOutcome()
	tmpDir := t.TempDir()
	jsonPath := filepath.Join(tmpDir, "report.json")
	htmlPath := filepath.Join(tmpDir, "report.html")

	if err := SaveReports(out, jsonPath, htmlPath); err != nil {
		t.Fatalf("Failed to save reports: %v", err)
	}
	if _, err := os.Stat(jsonPath); os.IsNotExist(err) {
		t.Error("JSON report file was not created")
	}
	if _, err := os.Stat(htmlPath); os.IsNotExist(err) {
		t.Error("HTML report file was not created")
	}
}

func TestReportFromFilePath(t *testing.T) {
	out := createTestOutcome()
	filePath := filepath.Join(t.TempDir(), "test_report.json")

	generator := &JSONReportGenerator{}
	if err := generator.SaveReportToFile(out, filePath); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	loaded, err := ReportFromFilePath(filePath)
	if err != nil {
		t.Fatalf("Failed to load report: %v", err)
	}
	if loaded.TaskID != out.TaskID || loaded.RepairCount != out.RepairCount {
		t.Errorf("Loaded report data mismatch: %+v", loaded)
	}
}

func TestWriterSaveOutcome(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "reports")
	w := &Writer{Dir: dir}
	out := createTestOutcome()

	if err := w.SaveOutcome(context.Background(), out); err != nil {
		t.Fatalf("Failed to save outcome: %v", err)
	}

	jsonPath, htmlPath := Paths(dir, out)
	if filepath.Base(jsonPath) != "42_run_1.json" {
		t.Errorf("Unexpected report name %s", filepath.Base(jsonPath))
	}
	for _, p := range []string{jsonPath, htmlPath} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("Report %s was not created: %v", p, err)
		}
	}
}

// Helper function to create test outcome data
func createTestOutcome() core.TaskOutcome {
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	return core.TaskOutcome{
		TaskID:       "42",
		RunID:        "run/1",
		Status:       core.StatusPartialFail,
		SourceTable:  "shop.orders",
		TargetTable:  "dw.orders_copy",
		SourceCount:  200,
		TargetCount:  199,
		DiffCount:    1,
		SourceOnly:   1,
		MatchingRate: 0.995,
		StartTime:    now,
		EndTime:      now.Add(time.Minute),
		CostMinutes:  1,
		RepairStatus: "partial_fail",
		RepairCount:  1,
		RepairUnits:  2,
		FailedUnits:  1,
		CheckColumns: []string{"id", "name"},
		JobFiles:     []string{"jobs/orders_copy_1.json"},
	}
}
