package detector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"kanken/internal/camera"
)

// BackendKind は推論バックエンドの種別を表す
type BackendKind string

const (
	// BackendCPU はCPU上のfp32推論を表す（特別なハードウェア不要）
	BackendCPU BackendKind = "cpu"
	// BackendCUDA はCUDAアクセラレータ上のfp16推論を表す
	BackendCUDA BackendKind = "cuda"
)

// BackendDescriptor はアクティブな推論バックエンドを識別する
type BackendDescriptor struct {
	Kind      BackendKind `json:"kind"`       // バックエンド種別
	ModelPath string      `json:"model_path"` // モデルファイルのパス
	Precision string      `json:"precision"`  // 数値精度 ("fp32" | "fp16")
}

// RawDetection はモデルが出力した未処理の検出結果
// 座標は元フレームのピクセル空間（クランプ前）
type RawDetection struct {
	ClassIndex int     // クラス番号（モデル出力順）
	ClassName  string  // クラス名
	Confidence float64 // 信頼度 [0,1]
	X1, Y1     float64 // 左上座標
	X2, Y2     float64 // 右下座標
}

// BoundingBox は検出枠の座標（元フレームのピクセル空間、クランプ済み）
// 常に X1 < X2, Y1 < Y2 が成り立つ
type BoundingBox struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

// Detection は後処理済みの検出結果
// 生成後は不変として扱う
type Detection struct {
	ClassName     string      `json:"class_name"`     // 欠陥クラス名
	Confidence    float64     `json:"confidence"`     // 信頼度 [0,1]
	BBox          BoundingBox `json:"bbox"`           // 検出枠
	Timestamp     time.Time   `json:"timestamp"`      // フレームのキャプチャ時刻
	FrameSeq      uint64      `json:"frame_seq"`      // フレーム連番
	FramePosition *float64    `json:"frame_position"` // 動画内の再生位置（秒、ファイル再生のみ）
}

// ErrAcceleratorUnavailable はハードウェアアクセラレータの初期化失敗を表す
// 呼び出し側はこのエラーを検知してfp32バックエンドへのフォールバックを判断できる
var ErrAcceleratorUnavailable = errors.New("ハードウェアアクセラレータを初期化できません")

// ModelError はモデルのロード・解放で発生したエラーを表す
type ModelError struct {
	Desc BackendDescriptor
	Err  error
}

// Error はエラーメッセージを返す
func (e *ModelError) Error() string {
	return fmt.Sprintf("モデル %s (%s) のロードに失敗: %v", e.Desc.ModelPath, e.Desc.Kind, e.Err)
}

// Unwrap はラップされたエラーを返す
func (e *ModelError) Unwrap() error {
	return e.Err
}

// InferenceError は単一フレームの推論失敗を表す
// パイプラインはこのエラーを記録してフレームをスキップする
type InferenceError struct {
	Err error
}

// Error はエラーメッセージを返す
func (e *InferenceError) Error() string {
	return fmt.Sprintf("推論に失敗: %v", e.Err)
}

// Unwrap はラップされたエラーを返す
func (e *InferenceError) Unwrap() error {
	return e.Err
}

// Backend は全ての推論バックエンドを統一するインターフェース
type Backend interface {
	// Load はモデルをロードする
	// アクセラレータが初期化できない場合は ErrAcceleratorUnavailable を返す
	Load(ctx context.Context) error

	// Infer は1フレームに対して推論を実行し、未処理の検出結果を返す
	// 同期実行であり、呼び出し側が直列化する
	Infer(frame *camera.Frame) ([]RawDetection, error)

	// Close はモデルを解放する
	Close() error

	// Descriptor はバックエンドの識別情報を返す
	Descriptor() BackendDescriptor
}
