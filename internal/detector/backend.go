package detector

import (
	"context"
	"fmt"
	"image"
	"os"
	"runtime"
	"sync"

	"github.com/disintegration/imaging"
	ort "github.com/yalue/onnxruntime_go"

	"kanken/internal/camera"
)

const (
	// InputWidth はモデル入力の幅
	InputWidth = 640
	// InputHeight はモデル入力の高さ
	InputHeight = 640
	// anchorCount は640x640入力でのYOLO出力アンカー数
	anchorCount = 8400

	// candidateFloor はデコード時の足切りしきい値
	// 本来の信頼度フィルタは後処理側で行う
	candidateFloor = 0.05
)

// Options はバックエンド生成時の共通設定
type Options struct {
	Classes     []string // 検出クラス（モデルの出力順）
	LibraryPath string   // ONNX Runtime 共有ライブラリのパス
}

// ortRuntime はONNX Runtime環境の初期化状態を管理する
// 環境の初期化はプロセス内で一度だけ行う
var ortRuntime struct {
	mu   sync.Mutex
	done bool
}

// initRuntime はONNX Runtime環境を初期化する
func initRuntime(libraryPath string) error {
	ortRuntime.mu.Lock()
	defer ortRuntime.mu.Unlock()

	if ortRuntime.done {
		return nil
	}

	if libraryPath != "" {
		ort.SetSharedLibraryPath(libraryPath)
	}

	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("ONNX Runtime環境の初期化に失敗: %w", err)
	}

	ortRuntime.done = true
	return nil
}

// New は記述子から推論バックエンドを作成する
// モデルのロードはLoad呼び出しまで行わない
func New(desc BackendDescriptor, opts Options) (Backend, error) {
	switch desc.Kind {
	case BackendCPU:
		desc.Precision = "fp32"
	case BackendCUDA:
		desc.Precision = "fp16"
	default:
		return nil, fmt.Errorf("サポートされていないバックエンド種別: %s", desc.Kind)
	}

	if len(opts.Classes) == 0 {
		return nil, fmt.Errorf("検出クラスが設定されていません")
	}

	return &onnxBackend{
		desc:        desc,
		classes:     opts.Classes,
		libraryPath: opts.LibraryPath,
	}, nil
}

// onnxBackend はONNX Runtimeを使ったBackend実装
// CPU（fp32）とCUDA（fp16）の両方をこの1実装で扱う
type onnxBackend struct {
	desc        BackendDescriptor
	classes     []string
	libraryPath string

	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

// Load はモデルをロードしてセッションを作成する
func (b *onnxBackend) Load(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.session != nil {
		return &ModelError{Desc: b.desc, Err: fmt.Errorf("モデルは既にロードされています")}
	}

	if err := initRuntime(b.libraryPath); err != nil {
		return &ModelError{Desc: b.desc, Err: err}
	}

	// モデルファイルの存在確認
	if _, err := os.Stat(b.desc.ModelPath); err != nil {
		return &ModelError{Desc: b.desc, Err: fmt.Errorf("モデルファイルが見つかりません: %w", err)}
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return &ModelError{Desc: b.desc, Err: fmt.Errorf("セッションオプションの作成に失敗: %w", err)}
	}
	defer options.Destroy()

	if err := options.SetIntraOpNumThreads(runtime.NumCPU()); err != nil {
		return &ModelError{Desc: b.desc, Err: err}
	}
	if err := options.SetInterOpNumThreads(runtime.NumCPU()); err != nil {
		return &ModelError{Desc: b.desc, Err: err}
	}

	// CUDAバックエンドは実行プロバイダを追加する
	// 初期化できない場合は ErrAcceleratorUnavailable を返し、
	// 呼び出し側がfp32へのフォールバックを判断する
	if b.desc.Kind == BackendCUDA {
		cudaOpts, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return &ModelError{Desc: b.desc, Err: fmt.Errorf("%w: %v", ErrAcceleratorUnavailable, err)}
		}
		defer cudaOpts.Destroy()

		if err := cudaOpts.Update(map[string]string{"device_id": "0"}); err != nil {
			return &ModelError{Desc: b.desc, Err: fmt.Errorf("%w: %v", ErrAcceleratorUnavailable, err)}
		}

		if err := options.AppendExecutionProviderCUDA(cudaOpts); err != nil {
			return &ModelError{Desc: b.desc, Err: fmt.Errorf("%w: %v", ErrAcceleratorUnavailable, err)}
		}
	}

	inputShape := ort.NewShape(1, 3, InputHeight, InputWidth)
	outputShape := ort.NewShape(1, int64(4+len(b.classes)), anchorCount)

	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return &ModelError{Desc: b.desc, Err: fmt.Errorf("入力テンソルの作成に失敗: %w", err)}
	}

	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return &ModelError{Desc: b.desc, Err: fmt.Errorf("出力テンソルの作成に失敗: %w", err)}
	}

	session, err := ort.NewAdvancedSession(
		b.desc.ModelPath,
		[]string{"images"},
		[]string{"output0"},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		options,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return &ModelError{Desc: b.desc, Err: fmt.Errorf("セッションの作成に失敗: %w", err)}
	}

	b.session = session
	b.input = inputTensor
	b.output = outputTensor

	return nil
}

// Infer は1フレームに対して推論を実行する
func (b *onnxBackend) Infer(frame *camera.Frame) ([]RawDetection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.session == nil {
		return nil, &InferenceError{Err: fmt.Errorf("モデルがロードされていません")}
	}

	if frame.Image == nil {
		return nil, &InferenceError{Err: fmt.Errorf("フレームに画像がありません")}
	}

	// モデル入力サイズへリサイズしてCHW形式で書き込む
	resized := imaging.Resize(frame.Image, InputWidth, InputHeight, imaging.Linear)
	fillInput(resized, b.input.GetData())

	if err := b.session.Run(); err != nil {
		return nil, &InferenceError{Err: err}
	}

	return b.decodeOutput(b.output.GetData(), frame.Width, frame.Height), nil
}

// fillInput は画像をCHW形式の正規化済みバッファへ書き込む
func fillInput(pic *image.NRGBA, buffer []float32) {
	channelSize := InputWidth * InputHeight
	for y := 0; y < InputHeight; y++ {
		offset := y * InputWidth
		for x := 0; x < InputWidth; x++ {
			i := offset + x
			r, g, b, _ := pic.At(x, y).RGBA()
			buffer[i] = float32(r>>8) / 255.0
			buffer[channelSize+i] = float32(g>>8) / 255.0
			buffer[channelSize*2+i] = float32(b>>8) / 255.0
		}
	}
}

// decodeOutput はYOLO出力テンソルを未処理の検出結果へ変換する
// 出力レイアウト: [cx, cy, w, h, クラス0スコア, クラス1スコア, ...] × アンカー数
func (b *onnxBackend) decodeOutput(predictions []float32, originalWidth, originalHeight int) []RawDetection {
	scaleX := float64(originalWidth) / InputWidth
	scaleY := float64(originalHeight) / InputHeight

	detections := make([]RawDetection, 0, 64)

	for i := 0; i < anchorCount; i++ {
		// 最大スコアのクラスを選ぶ
		bestClass := -1
		bestScore := float32(0)
		for c := 0; c < len(b.classes); c++ {
			score := predictions[(4+c)*anchorCount+i]
			if score > bestScore {
				bestScore = score
				bestClass = c
			}
		}

		if bestClass < 0 || float64(bestScore) < candidateFloor {
			continue
		}

		// 中心座標+幅高さから四隅座標へ変換し、元フレームへスケールする
		centerX := float64(predictions[i])
		centerY := float64(predictions[anchorCount+i])
		width := float64(predictions[2*anchorCount+i])
		height := float64(predictions[3*anchorCount+i])

		detections = append(detections, RawDetection{
			ClassIndex: bestClass,
			ClassName:  b.classes[bestClass],
			Confidence: float64(bestScore),
			X1:         (centerX - width/2) * scaleX,
			Y1:         (centerY - height/2) * scaleY,
			X2:         (centerX + width/2) * scaleX,
			Y2:         (centerY + height/2) * scaleY,
		})
	}

	return detections
}

// Close はセッションとテンソルを解放する
func (b *onnxBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.session != nil {
		b.session.Destroy()
		b.session = nil
	}
	if b.input != nil {
		b.input.Destroy()
		b.input = nil
	}
	if b.output != nil {
		b.output.Destroy()
		b.output = nil
	}

	return nil
}

// Descriptor はバックエンドの識別情報を返す
func (b *onnxBackend) Descriptor() BackendDescriptor {
	return b.desc
}
