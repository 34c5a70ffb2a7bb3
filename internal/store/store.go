// Package store は検査セッション中の検出履歴を保持する
//
// # 責務
//
// - 検出結果の追記と時系列順の保持
// - 履歴のスナップショット提供
// - クラス別件数と信頼度統計の集計
//
// # 仕様
//
// 履歴はパイプラインの停止と再開をまたいで保持され、
// 明示的なクリア操作でのみ消去される。
package store

import (
	"sync"

	"kanken/internal/detector"
)

// Summary は検出履歴の集計結果
type Summary struct {
	TotalDetections   int            `json:"total_detections"`
	ByClass           map[string]int `json:"by_class"`
	AverageConfidence float64        `json:"average_confidence"`
	HighestConfidence float64        `json:"highest_confidence"`
	LowestConfidence  float64        `json:"lowest_confidence"`
}

// Store はスレッドセーフな検出履歴ストア
type Store struct {
	mu         sync.RWMutex
	detections []detector.Detection
}

// New は空のStoreを作成する
func New() *Store {
	return &Store{}
}

// Append は検出結果を履歴の末尾へ追記する
func (s *Store) Append(detections ...detector.Detection) {
	if len(detections) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.detections = append(s.detections, detections...)
}

// Snapshot は現在の履歴のコピーを追記順で返す
// 返却後の追記はコピーへ影響しない
func (s *Store) Snapshot() []detector.Detection {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := make([]detector.Detection, len(s.detections))
	copy(snapshot, s.detections)
	return snapshot
}

// Count は現在の履歴件数を返す
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.detections)
}

// Clear は履歴を全て消去する
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detections = nil
}

// Summarize は現在の履歴の集計結果を返す
func (s *Store) Summarize() Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Summarize(s.detections)
}

// Summarize は検出一覧からクラス別件数と信頼度統計を集計する
// 空の一覧に対しては件数0、統計値0.0を返す
func Summarize(detections []detector.Detection) Summary {
	summary := Summary{
		TotalDetections: len(detections),
		ByClass:         make(map[string]int),
	}

	if len(detections) == 0 {
		return summary
	}

	var sum float64
	highest := detections[0].Confidence
	lowest := detections[0].Confidence

	for _, det := range detections {
		summary.ByClass[det.ClassName]++
		sum += det.Confidence

		if det.Confidence > highest {
			highest = det.Confidence
		}
		if det.Confidence < lowest {
			lowest = det.Confidence
		}
	}

	summary.AverageConfidence = sum / float64(len(detections))
	summary.HighestConfidence = highest
	summary.LowestConfidence = lowest

	return summary
}
