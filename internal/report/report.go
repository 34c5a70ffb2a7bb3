// Package report は検査レポートの生成と管理を担う
//
// # 責務
//
// - 検出履歴からの検査レポート（JSON）の生成
// - 生成済みレポートの一覧とダウンロード提供
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"kanken/internal/detector"
	"kanken/internal/store"
)

// filenamePrefix はレポートファイル名の接頭辞
const filenamePrefix = "inspection_report_"

// idFormat はレポートID（生成時刻）のフォーマット
const idFormat = "20060102_150405"

// idPattern はレポートIDの妥当性検証に使う
var idPattern = regexp.MustCompile(`^\d{8}_\d{6}$`)

// Metadata はレポートに付与する検査情報
type Metadata struct {
	ReportID        string    `json:"report_id"`
	Timestamp       time.Time `json:"timestamp"`
	Location        string    `json:"location,omitempty"`
	Inspector       string    `json:"inspector,omitempty"`
	Notes           string    `json:"notes,omitempty"`
	TotalDetections int       `json:"total_detections"`
}

// Report は1件の検査レポート
type Report struct {
	Metadata   Metadata             `json:"metadata"`
	Detections []detector.Detection `json:"detections"`
	Summary    store.Summary        `json:"summary"`
}

// Info は生成済みレポートの一覧項目
type Info struct {
	ID       string    `json:"report_id"`
	Filename string    `json:"filename"`
	Created  time.Time `json:"created"`
	Size     int64     `json:"size"`
}

// Generator はレポートの生成と保管を担う
type Generator struct {
	dir string
}

// NewGenerator は出力ディレクトリを準備してGeneratorを作成する
func NewGenerator(dir string) (*Generator, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("レポートディレクトリの作成に失敗: %w", err)
	}
	return &Generator{dir: dir}, nil
}

// Generate は検出履歴からレポートを生成してJSONファイルへ保存する
func (g *Generator) Generate(detections []detector.Detection, location, inspector, notes string) (*Report, error) {
	now := time.Now()
	id := now.Format(idFormat)

	report := &Report{
		Metadata: Metadata{
			ReportID:        id,
			Timestamp:       now,
			Location:        location,
			Inspector:       inspector,
			Notes:           notes,
			TotalDetections: len(detections),
		},
		Detections: detections,
		Summary:    store.Summarize(detections),
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("レポートのエンコードに失敗: %w", err)
	}

	path := filepath.Join(g.dir, filenamePrefix+id+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("レポートの書き込みに失敗: %w", err)
	}

	return report, nil
}

// List は生成済みレポートの一覧を新しい順で返す
func (g *Generator) List() ([]Info, error) {
	entries, err := os.ReadDir(g.dir)
	if err != nil {
		return nil, fmt.Errorf("レポートディレクトリの読み取りに失敗: %w", err)
	}

	reports := make([]Info, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		id, ok := parseFilename(name)
		if !ok {
			continue
		}

		fileInfo, err := entry.Info()
		if err != nil {
			continue
		}

		reports = append(reports, Info{
			ID:       id,
			Filename: name,
			Created:  fileInfo.ModTime(),
			Size:     fileInfo.Size(),
		})
	}

	sort.Slice(reports, func(i, j int) bool {
		return reports[i].Created.After(reports[j].Created)
	})

	return reports, nil
}

// Path はレポートIDからファイルパスを解決する
// 不正なIDや存在しないレポートはエラーを返す
func (g *Generator) Path(id string) (string, error) {
	// パストラバーサルを防ぐためID形式を厳密に検証する
	if !idPattern.MatchString(id) {
		return "", fmt.Errorf("無効なレポートID: %s", id)
	}

	path := filepath.Join(g.dir, filenamePrefix+id+".json")
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("レポートが見つかりません: %s", id)
	}

	return path, nil
}

// parseFilename はレポートファイル名からIDを取り出す
func parseFilename(name string) (string, bool) {
	const suffix = ".json"
	if len(name) <= len(filenamePrefix)+len(suffix) {
		return "", false
	}
	if name[:len(filenamePrefix)] != filenamePrefix || name[len(name)-len(suffix):] != suffix {
		return "", false
	}

	id := name[len(filenamePrefix) : len(name)-len(suffix)]
	if !idPattern.MatchString(id) {
		return "", false
	}

	return id, true
}
