package detector

import (
	"math"
	"sort"

	"kanken/internal/camera"
)

// PostProcessor は生検出結果の後処理を担う
// 同一入力に対して決定的な結果を返す
type PostProcessor struct {
	ConfidenceThreshold float64 // この値未満の検出を除外する
	OverlapThreshold    float64 // 同一クラス内でこのIoUを超える重複を抑制する
}

// NewPostProcessor は新しいPostProcessorを作成する
func NewPostProcessor(confidenceThreshold, overlapThreshold float64) *PostProcessor {
	return &PostProcessor{
		ConfidenceThreshold: confidenceThreshold,
		OverlapThreshold:    overlapThreshold,
	}
}

// Process は生検出結果を後処理して確定済みの検出一覧を返す
//
// 手順:
//  1. 信頼度しきい値未満の検出を除外する
//  2. クラスごとにグループ化する
//  3. グループ内で貪欲な重複抑制を行う（信頼度降順、同値は先着順）
//  4. 生き残った枠をフレーム境界へクランプする
//  5. フレームのキャプチャ時刻と連番を刻印する
func (p *PostProcessor) Process(raws []RawDetection, frame *camera.Frame, position *float64) []Detection {
	// (1) 信頼度フィルタ
	candidates := make([]RawDetection, 0, len(raws))
	for _, raw := range raws {
		if raw.Confidence >= p.ConfidenceThreshold {
			candidates = append(candidates, raw)
		}
	}

	// (2) クラスごとにグループ化（クラスの出現順を保持する）
	groups := make(map[string][]RawDetection)
	var classOrder []string
	for _, c := range candidates {
		if _, exists := groups[c.ClassName]; !exists {
			classOrder = append(classOrder, c.ClassName)
		}
		groups[c.ClassName] = append(groups[c.ClassName], c)
	}

	detections := make([]Detection, 0, len(candidates))

	for _, className := range classOrder {
		// (3) 貪欲な重複抑制
		survivors := suppress(groups[className], p.OverlapThreshold)

		for _, s := range survivors {
			// (4) フレーム境界へクランプ
			bbox, ok := clampBox(s, frame.Width, frame.Height)
			if !ok {
				continue
			}

			// (5) キャプチャ時刻と連番を刻印
			detections = append(detections, Detection{
				ClassName:     s.ClassName,
				Confidence:    s.Confidence,
				BBox:          bbox,
				Timestamp:     frame.Timestamp,
				FrameSeq:      frame.Seq,
				FramePosition: position,
			})
		}
	}

	return detections
}

// suppress は同一クラスの検出に貪欲な重複抑制を適用する
// 信頼度降順に取り出し、IoUがしきい値を超える残りの検出を破棄する
// 信頼度が同値の場合は先着順を維持する（安定ソート）
func suppress(group []RawDetection, overlapThreshold float64) []RawDetection {
	remaining := make([]RawDetection, len(group))
	copy(remaining, group)

	sort.SliceStable(remaining, func(i, j int) bool {
		return remaining[i].Confidence > remaining[j].Confidence
	})

	survivors := make([]RawDetection, 0, len(remaining))

	for len(remaining) > 0 {
		// 最も信頼度の高い検出を採用する
		best := remaining[0]
		survivors = append(survivors, best)

		// IoUがしきい値を超える検出を破棄する
		next := remaining[:0]
		for _, other := range remaining[1:] {
			if overlapRatio(best, other) <= overlapThreshold {
				next = append(next, other)
			}
		}
		remaining = next
	}

	return survivors
}

// overlapRatio は2つの検出枠のIoU（交差面積/結合面積）を計算する
func overlapRatio(a, b RawDetection) float64 {
	interX1 := math.Max(a.X1, b.X1)
	interY1 := math.Max(a.Y1, b.Y1)
	interX2 := math.Min(a.X2, b.X2)
	interY2 := math.Min(a.Y2, b.Y2)

	interW := interX2 - interX1
	interH := interY2 - interY1
	if interW <= 0 || interH <= 0 {
		return 0
	}

	interArea := interW * interH
	areaA := (a.X2 - a.X1) * (a.Y2 - a.Y1)
	areaB := (b.X2 - b.X1) * (b.Y2 - b.Y1)

	union := areaA + areaB - interArea
	if union <= 0 {
		return 0
	}

	return interArea / union
}

// clampBox は検出枠をフレーム境界へクランプする
// クランプ後に面積が残らない枠は無効として破棄する
func clampBox(raw RawDetection, width, height int) (BoundingBox, bool) {
	x1 := int(math.Round(math.Max(0, raw.X1)))
	y1 := int(math.Round(math.Max(0, raw.Y1)))
	x2 := int(math.Round(math.Min(float64(width), raw.X2)))
	y2 := int(math.Round(math.Min(float64(height), raw.Y2)))

	if x1 >= x2 || y1 >= y2 {
		return BoundingBox{}, false
	}

	return BoundingBox{X1: x1, Y1: y1, X2: x2, Y2: y2}, true
}
