package report

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"kanken/internal/detector"
)

// testDetections はレポートテスト用の検出履歴を作る
func testDetections() []detector.Detection {
	ts := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	return []detector.Detection{
		{ClassName: "crack", Confidence: 0.8, BBox: detector.BoundingBox{X1: 10, Y1: 10, X2: 100, Y2: 100}, Timestamp: ts, FrameSeq: 1},
		{ClassName: "rust", Confidence: 0.6, BBox: detector.BoundingBox{X1: 200, Y1: 50, X2: 300, Y2: 150}, Timestamp: ts, FrameSeq: 2},
		{ClassName: "crack", Confidence: 0.7, BBox: detector.BoundingBox{X1: 15, Y1: 15, X2: 110, Y2: 110}, Timestamp: ts, FrameSeq: 3},
		{ClassName: "rust", Confidence: 0.9, BBox: detector.BoundingBox{X1: 210, Y1: 55, X2: 310, Y2: 155}, Timestamp: ts, FrameSeq: 4},
	}
}

// TestGenerator_Generate はレポート生成と保存をテストする
func TestGenerator_Generate(t *testing.T) {
	dir := t.TempDir()

	g, err := NewGenerator(dir)
	if err != nil {
		t.Fatalf("Failed to create generator: %v", err)
	}

	report, err := g.Generate(testDetections(), "浄水場A系統", "山田", "定期点検")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if report.Metadata.TotalDetections != 4 {
		t.Errorf("Expected 4 total detections, got %d", report.Metadata.TotalDetections)
	}
	if report.Metadata.Location != "浄水場A系統" {
		t.Errorf("Unexpected location: %s", report.Metadata.Location)
	}
	if report.Summary.AverageConfidence != 0.75 {
		t.Errorf("Expected average confidence 0.75, got %f", report.Summary.AverageConfidence)
	}
	if report.Summary.ByClass["crack"] != 2 || report.Summary.ByClass["rust"] != 2 {
		t.Errorf("Unexpected by_class: %v", report.Summary.ByClass)
	}

	// 保存されたファイルが同じ内容にデコードできること
	path, err := g.Path(report.Metadata.ReportID)
	if err != nil {
		t.Fatalf("Path failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read report file: %v", err)
	}

	var decoded Report
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Failed to decode report file: %v", err)
	}
	if decoded.Metadata.ReportID != report.Metadata.ReportID {
		t.Errorf("Report ID mismatch: %s != %s", decoded.Metadata.ReportID, report.Metadata.ReportID)
	}
	if len(decoded.Detections) != 4 {
		t.Errorf("Expected 4 detections in file, got %d", len(decoded.Detections))
	}
}

// TestGenerator_GenerateEmpty は空履歴からのレポート生成をテストする
func TestGenerator_GenerateEmpty(t *testing.T) {
	g, err := NewGenerator(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create generator: %v", err)
	}

	report, err := g.Generate(nil, "", "", "")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if report.Metadata.TotalDetections != 0 {
		t.Errorf("Expected 0 total detections, got %d", report.Metadata.TotalDetections)
	}
	if report.Summary.AverageConfidence != 0.0 {
		t.Errorf("Expected average confidence 0.0, got %f", report.Summary.AverageConfidence)
	}
}

// TestGenerator_List はレポート一覧をテストする
func TestGenerator_List(t *testing.T) {
	dir := t.TempDir()

	g, err := NewGenerator(dir)
	if err != nil {
		t.Fatalf("Failed to create generator: %v", err)
	}

	// レポート形式ではないファイルは一覧に含まれない
	if err := os.WriteFile(dir+"/notes.txt", []byte("memo"), 0o644); err != nil {
		t.Fatalf("Failed to write extra file: %v", err)
	}

	if _, err := g.Generate(testDetections(), "", "", ""); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	reports, err := g.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}

	if len(reports) != 1 {
		t.Fatalf("Expected 1 report, got %d", len(reports))
	}
	if reports[0].Size == 0 {
		t.Error("Expected non-zero report size")
	}
}

// TestGenerator_Path はレポートIDの検証をテストする
func TestGenerator_Path(t *testing.T) {
	g, err := NewGenerator(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create generator: %v", err)
	}

	testCases := []struct {
		name string
		id   string
	}{
		{name: "パストラバーサル", id: "../../etc/passwd"},
		{name: "形式不正", id: "not_a_report"},
		{name: "存在しないID", id: "20260828_120000"},
		{name: "空のID", id: ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := g.Path(tc.id); err == nil {
				t.Errorf("Expected error for id %q", tc.id)
			}
		})
	}
}
