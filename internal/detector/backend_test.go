package detector

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"kanken/internal/camera"
)

var testClasses = []string{"foreign_object", "crack", "rust", "corrosion", "sediment", "leak"}

// TestNew はバックエンド生成の検証をテストする
func TestNew(t *testing.T) {
	testCases := []struct {
		name      string
		desc      BackendDescriptor
		opts      Options
		expectErr bool
		precision string
	}{
		{
			name:      "CPUバックエンド",
			desc:      BackendDescriptor{Kind: BackendCPU, ModelPath: "models/test.onnx"},
			opts:      Options{Classes: testClasses},
			expectErr: false,
			precision: "fp32",
		},
		{
			name:      "CUDAバックエンド",
			desc:      BackendDescriptor{Kind: BackendCUDA, ModelPath: "models/test_fp16.onnx"},
			opts:      Options{Classes: testClasses},
			expectErr: false,
			precision: "fp16",
		},
		{
			name:      "未知のバックエンド種別",
			desc:      BackendDescriptor{Kind: "tpu", ModelPath: "models/test.onnx"},
			opts:      Options{Classes: testClasses},
			expectErr: true,
		},
		{
			name:      "クラス未設定",
			desc:      BackendDescriptor{Kind: BackendCPU, ModelPath: "models/test.onnx"},
			opts:      Options{},
			expectErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			backend, err := New(tc.desc, tc.opts)

			if tc.expectErr {
				if err == nil {
					t.Error("Expected error but got none")
				}
				return
			}

			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}

			if got := backend.Descriptor().Precision; got != tc.precision {
				t.Errorf("Expected precision %s, got %s", tc.precision, got)
			}
		})
	}
}

// TestModelError_AcceleratorUnavailable はアクセラレータ初期化失敗の分類をテストする
func TestModelError_AcceleratorUnavailable(t *testing.T) {
	loadErr := &ModelError{
		Desc: BackendDescriptor{Kind: BackendCUDA, ModelPath: "models/test_fp16.onnx", Precision: "fp16"},
		Err:  fmt.Errorf("%w: CUDA実行プロバイダの追加に失敗", ErrAcceleratorUnavailable),
	}

	// 呼び出し側でさらにラップされても両方の分類が届くこと
	wrapped := fmt.Errorf("モデルのロードに失敗: %w", loadErr)

	var merr *ModelError
	if !errors.As(wrapped, &merr) {
		t.Error("Expected error to be classified as ModelError")
	}
	if !errors.Is(wrapped, ErrAcceleratorUnavailable) {
		t.Error("Expected error chain to carry ErrAcceleratorUnavailable")
	}
}

// TestDecodeOutput はYOLO出力のデコードをテストする
func TestDecodeOutput(t *testing.T) {
	backend := &onnxBackend{
		desc:    BackendDescriptor{Kind: BackendCPU},
		classes: testClasses,
	}

	// アンカー0にcrack（クラス1）の検出を1件だけ書き込む
	predictions := make([]float32, (4+len(testClasses))*anchorCount)
	predictions[0] = 320 // cx
	predictions[anchorCount] = 320
	predictions[2*anchorCount] = 100 // w
	predictions[3*anchorCount] = 100
	predictions[(4+1)*anchorCount] = 0.85 // crackスコア

	detections := backend.decodeOutput(predictions, 1280, 960)

	if len(detections) != 1 {
		t.Fatalf("Expected 1 detection, got %d", len(detections))
	}

	det := detections[0]
	if det.ClassName != "crack" {
		t.Errorf("Expected class crack, got %s", det.ClassName)
	}

	// 元フレーム座標（1280x960）へスケールされていること
	if det.X1 != 540 || det.Y1 != 405 || det.X2 != 740 || det.Y2 != 555 {
		t.Errorf("Unexpected box: (%f, %f, %f, %f)", det.X1, det.Y1, det.X2, det.Y2)
	}
}

// TestAnnotate は注釈付きフレームの生成をテストする
func TestAnnotate(t *testing.T) {
	frame := camera.NewMockFrame(320, 240)

	detections := []Detection{
		{
			ClassName:  "crack",
			Confidence: 0.9,
			BBox:       BoundingBox{X1: 50, Y1: 50, X2: 150, Y2: 150},
		},
	}

	annotated := Annotate(frame, detections)

	if len(annotated) == 0 {
		t.Fatal("Annotated frame is empty")
	}

	// JPEGマーカーで始まること
	if annotated[0] != 0xFF || annotated[1] != 0xD8 {
		t.Error("Annotated frame is not a valid JPEG")
	}
}

// TestAnnotate_NoDetections は検出なしの場合に元データを返すことをテストする
func TestAnnotate_NoDetections(t *testing.T) {
	frame := camera.NewMockFrame(320, 240)

	annotated := Annotate(frame, nil)

	if &annotated[0] != &frame.Data[0] {
		t.Error("Expected original frame data to be returned unchanged")
	}
}

// TestMockBackend はモックバックエンドの動作をテストする
func TestMockBackend(t *testing.T) {
	mock := NewMockBackend(BackendDescriptor{Kind: BackendCPU, Precision: "fp32"})
	mock.SetResults(
		[]RawDetection{raw("crack", 0.9, 10, 10, 100, 100)},
		[]RawDetection{},
	)

	if err := mock.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !mock.Loaded() {
		t.Error("Expected backend to be loaded")
	}

	frame := camera.NewMockFrame(320, 240)

	first, err := mock.Infer(frame)
	if err != nil {
		t.Fatalf("Infer failed: %v", err)
	}
	if len(first) != 1 {
		t.Errorf("Expected 1 detection on first call, got %d", len(first))
	}

	second, err := mock.Infer(frame)
	if err != nil {
		t.Fatalf("Infer failed: %v", err)
	}
	if len(second) != 0 {
		t.Errorf("Expected 0 detections on second call, got %d", len(second))
	}

	if err := mock.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !mock.Closed() {
		t.Error("Expected backend to be closed")
	}
}
