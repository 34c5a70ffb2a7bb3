package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"kanken/internal/broadcast"
	"kanken/internal/camera"
	"kanken/internal/config"
	"kanken/internal/detector"
	"kanken/internal/store"
)

var testClasses = []string{"foreign_object", "crack", "rust", "corrosion", "sediment", "leak"}

// testConfig はコントローラーテスト用の設定を作る
func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Host: "127.0.0.1", Port: 8080},
		Camera: config.CameraConfig{
			Source:       "0",
			Width:        320,
			Height:       240,
			FPS:          30,
			RetryBudget:  2,
			RetryBackoff: time.Millisecond,
		},
		Detector: config.DetectorConfig{
			ModelPath:           "models/test_fp32.onnx",
			AccelModelPath:      "models/test_fp16.onnx",
			Backend:             "cpu",
			ConfidenceThreshold: 0.5,
			OverlapThreshold:    0.45,
			Classes:             testClasses,
		},
		Stream: config.StreamConfig{QueueDepth: 8, MaxFPS: 1000},
		Report: config.ReportConfig{Dir: "reports"},
	}
}

// newTestController はモックのソースとバックエンドを注入したコントローラーを作る
func newTestController(t *testing.T, source camera.Source, backend detector.Backend) (*Controller, *store.Store, *broadcast.Broadcaster) {
	t.Helper()

	cfg := testConfig()
	st := store.New()
	bc := broadcast.New(cfg.Stream.QueueDepth)

	c, err := New(cfg, st, bc)
	if err != nil {
		t.Fatalf("Failed to create controller: %v", err)
	}

	c.openSource = func(_ context.Context, _ camera.Descriptor, _ camera.Settings) (camera.Source, error) {
		return source, nil
	}
	c.newBackend = func(_ detector.BackendDescriptor, _ detector.Options) (detector.Backend, error) {
		return backend, nil
	}

	return c, st, bc
}

// loopingSource はフレームを無限に返すモックソースを作る
func loopingSource() *camera.MockSource {
	source := camera.NewMockSource(camera.Descriptor{Kind: camera.KindDevice, Device: 0})
	source.EnqueueFrame(camera.NewMockFrame(320, 240))
	source.SetLoop(true)
	return source
}

// waitForState は指定の状態になるまで待つ
func waitForState(t *testing.T, c *Controller, want State) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if c.Status().State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for state %s, current state is %s", want, c.Status().State)
}

// TestController_StartTwice は稼働中の再起動が拒否されることをテストする
func TestController_StartTwice(t *testing.T) {
	backend := detector.NewMockBackend(detector.BackendDescriptor{Kind: detector.BackendCPU})
	c, _, _ := newTestController(t, loopingSource(), backend)
	ctx := context.Background()

	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitForState(t, c, StateRunning)

	// 2回目のStartは拒否され、状態は変化しない
	if err := c.Start(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("Expected ErrAlreadyRunning, got %v", err)
	}
	if got := c.Status().State; got != StateRunning {
		t.Errorf("Expected state running after rejected start, got %s", got)
	}

	if err := c.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	waitForState(t, c, StateStopped)
}

// TestController_StopNotRunning は停止中のStopが拒否されることをテストする
func TestController_StopNotRunning(t *testing.T) {
	backend := detector.NewMockBackend(detector.BackendDescriptor{Kind: detector.BackendCPU})
	c, _, _ := newTestController(t, loopingSource(), backend)

	if err := c.Stop(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Expected ErrNotRunning, got %v", err)
	}
}

// TestController_EndOfStream はファイル終端での自動停止をテストする
func TestController_EndOfStream(t *testing.T) {
	source := camera.NewMockSource(camera.Descriptor{Kind: camera.KindFile, URI: "http://example.com/video.mp4"})
	for i := 0; i < 3; i++ {
		source.EnqueueFrame(camera.NewMockFrame(320, 240))
	}

	backend := detector.NewMockBackend(detector.BackendDescriptor{Kind: detector.BackendCPU})
	backend.SetResults([]detector.RawDetection{
		{ClassName: "crack", Confidence: 0.9, X1: 10, Y1: 10, X2: 100, Y2: 100},
	})

	c, st, _ := newTestController(t, source, backend)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// 3フレーム処理後に終端へ到達して自動停止する
	waitForState(t, c, StateStopped)

	if got := st.Count(); got != 3 {
		t.Errorf("Expected 3 stored detections, got %d", got)
	}

	// 終端は異常ではないためエラーとして記録されない
	if lastErr := c.Status().LastError; lastErr != "" {
		t.Errorf("Expected no last error after end of stream, got %q", lastErr)
	}
}

// TestController_InferenceErrorSkipsFrame は推論失敗時のフレームスキップをテストする
func TestController_InferenceErrorSkipsFrame(t *testing.T) {
	backend := detector.NewMockBackend(detector.BackendDescriptor{Kind: detector.BackendCPU})
	backend.SetInferError(&detector.InferenceError{Err: errors.New("session failure")})

	c, st, _ := newTestController(t, loopingSource(), backend)
	ctx := context.Background()

	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitForState(t, c, StateRunning)

	// 推論が失敗し続けてもパイプラインは停止しない
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		if backend.Calls() >= 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if backend.Calls() < 3 {
		t.Fatalf("Expected at least 3 inference attempts, got %d", backend.Calls())
	}
	if got := c.Status().State; got != StateRunning {
		t.Errorf("Expected state running despite inference failures, got %s", got)
	}
	if got := st.Count(); got != 0 {
		t.Errorf("Expected no stored detections, got %d", got)
	}

	if err := c.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}

// TestController_RetryBudgetExhausted は再試行予算の枯渇による停止をテストする
func TestController_RetryBudgetExhausted(t *testing.T) {
	source := camera.NewMockSource(camera.Descriptor{Kind: camera.KindDevice, Device: 0})
	transient := &camera.SourceError{Kind: camera.KindReadTransient, Source: "0", Err: errors.New("corrupt frame")}
	source.EnqueueError(transient)
	source.SetLoop(true) // 一時エラーが出続ける

	backend := detector.NewMockBackend(detector.BackendDescriptor{Kind: detector.BackendCPU})
	c, _, _ := newTestController(t, source, backend)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// 予算を使い切って停止する
	waitForState(t, c, StateStopped)

	if lastErr := c.Status().LastError; lastErr == "" {
		t.Error("Expected last error to be recorded after budget exhaustion")
	}
}

// TestController_SwitchBackendFailureKeepsRunning は
// バックエンド切り替え失敗時に旧バックエンドで継続することをテストする
func TestController_SwitchBackendFailureKeepsRunning(t *testing.T) {
	cpuBackend := detector.NewMockBackend(detector.BackendDescriptor{Kind: detector.BackendCPU, Precision: "fp32"})
	cudaBackend := detector.NewMockBackend(detector.BackendDescriptor{Kind: detector.BackendCUDA, Precision: "fp16"})
	cudaBackend.SetLoadError(fmt.Errorf("%w: CUDAデバイスが見つかりません", detector.ErrAcceleratorUnavailable))

	c, _, _ := newTestController(t, loopingSource(), cpuBackend)
	c.newBackend = func(desc detector.BackendDescriptor, _ detector.Options) (detector.Backend, error) {
		if desc.Kind == detector.BackendCUDA {
			return cudaBackend, nil
		}
		return cpuBackend, nil
	}

	ctx := context.Background()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitForState(t, c, StateRunning)

	err := c.SwitchBackend(ctx, "cuda")
	if err == nil {
		t.Fatal("Expected switch to fail")
	}
	if !errors.Is(err, detector.ErrAcceleratorUnavailable) {
		t.Errorf("Expected ErrAcceleratorUnavailable, got %v", err)
	}

	// 旧バックエンドのまま稼働を継続していること
	status := c.Status()
	if status.State != StateRunning {
		t.Errorf("Expected state running after failed switch, got %s", status.State)
	}
	if status.Backend.Kind != detector.BackendCPU {
		t.Errorf("Expected cpu backend to remain, got %s", status.Backend.Kind)
	}
	if cpuBackend.Closed() {
		t.Error("Old backend must not be closed after failed switch")
	}

	if err := c.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}

// TestController_SwitchBackendSuccess はバックエンド切り替えの成功をテストする
func TestController_SwitchBackendSuccess(t *testing.T) {
	cpuBackend := detector.NewMockBackend(detector.BackendDescriptor{Kind: detector.BackendCPU, Precision: "fp32"})
	cudaBackend := detector.NewMockBackend(detector.BackendDescriptor{Kind: detector.BackendCUDA, Precision: "fp16"})

	c, _, _ := newTestController(t, loopingSource(), cpuBackend)
	c.newBackend = func(desc detector.BackendDescriptor, _ detector.Options) (detector.Backend, error) {
		if desc.Kind == detector.BackendCUDA {
			return cudaBackend, nil
		}
		return cpuBackend, nil
	}

	ctx := context.Background()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitForState(t, c, StateRunning)

	if err := c.SwitchBackend(ctx, "cuda"); err != nil {
		t.Fatalf("Switch failed: %v", err)
	}

	status := c.Status()
	if status.Backend.Kind != detector.BackendCUDA {
		t.Errorf("Expected cuda backend, got %s", status.Backend.Kind)
	}
	if !cpuBackend.Closed() {
		t.Error("Old backend must be released after successful switch")
	}

	if err := c.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}

// TestController_SwitchSourceFailureStops はソース切り替え失敗時の停止をテストする
func TestController_SwitchSourceFailureStops(t *testing.T) {
	backend := detector.NewMockBackend(detector.BackendDescriptor{Kind: detector.BackendCPU})
	c, _, _ := newTestController(t, loopingSource(), backend)

	opened := false
	c.openSource = func(_ context.Context, desc camera.Descriptor, _ camera.Settings) (camera.Source, error) {
		if !opened {
			opened = true
			return loopingSource(), nil
		}
		return nil, &camera.SourceError{Kind: camera.KindOpenFailed, Source: desc.String()}
	}

	ctx := context.Background()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitForState(t, c, StateRunning)

	err := c.SwitchSource(ctx, "rtsp://camera.local/stream")
	if err == nil {
		t.Fatal("Expected switch to fail")
	}

	var switchErr *SwitchError
	if !errors.As(err, &switchErr) {
		t.Errorf("Expected SwitchError, got %T", err)
	}

	// 新しいソースを開けなかった場合は停止する
	waitForState(t, c, StateStopped)

	if lastErr := c.Status().LastError; lastErr == "" {
		t.Error("Expected last error to be recorded after failed source switch")
	}
}

// TestController_SwitchSourceSuccess はソース切り替えの成功をテストする
func TestController_SwitchSourceSuccess(t *testing.T) {
	backend := detector.NewMockBackend(detector.BackendDescriptor{Kind: detector.BackendCPU})
	first := loopingSource()
	c, _, _ := newTestController(t, first, backend)

	second := camera.NewMockSource(camera.Descriptor{Kind: camera.KindRTSP, URI: "rtsp://camera.local/stream"})
	second.EnqueueFrame(camera.NewMockFrame(320, 240))
	second.SetLoop(true)

	calls := 0
	c.openSource = func(_ context.Context, _ camera.Descriptor, _ camera.Settings) (camera.Source, error) {
		calls++
		if calls == 1 {
			return first, nil
		}
		return second, nil
	}

	ctx := context.Background()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitForState(t, c, StateRunning)

	if err := c.SwitchSource(ctx, "rtsp://camera.local/stream"); err != nil {
		t.Fatalf("Switch failed: %v", err)
	}

	status := c.Status()
	if status.State != StateRunning {
		t.Errorf("Expected state running after switch, got %s", status.State)
	}
	if status.Source.Kind != camera.KindRTSP {
		t.Errorf("Expected rtsp source, got %s", status.Source.Kind)
	}

	if err := c.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}

// TestController_StoreAndStreamConsistency は履歴と配信の整合性をテストする
func TestController_StoreAndStreamConsistency(t *testing.T) {
	source := camera.NewMockSource(camera.Descriptor{Kind: camera.KindFile, URI: "http://example.com/video.mp4"})
	for i := 0; i < 5; i++ {
		source.EnqueueFrame(camera.NewMockFrame(320, 240))
	}

	backend := detector.NewMockBackend(detector.BackendDescriptor{Kind: detector.BackendCPU})
	backend.SetResults([]detector.RawDetection{
		{ClassName: "rust", Confidence: 0.8, X1: 20, Y1: 20, X2: 120, Y2: 120},
	})

	c, st, bc := newTestController(t, source, backend)
	sub := bc.Subscribe()

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitForState(t, c, StateStopped)

	// 配信されたフレーム連番を収集する（停止時にチャネルは閉じられる）
	published := make(map[uint64]bool)
	for m := range sub.Receive() {
		published[m.Seq] = true
	}

	// 履歴の全検出は配信済みフレームに対応していること
	// （キュー長8 > フレーム数5のため取りこぼしはない）
	for _, det := range st.Snapshot() {
		if !published[det.FrameSeq] {
			t.Errorf("Stored detection for frame %d was never published", det.FrameSeq)
		}
	}

	if st.Count() != 5 {
		t.Errorf("Expected 5 stored detections, got %d", st.Count())
	}
}

// TestController_StopClosesSubscribers は停止時に購読チャネルが閉じることをテストする
func TestController_StopClosesSubscribers(t *testing.T) {
	backend := detector.NewMockBackend(detector.BackendDescriptor{Kind: detector.BackendCPU})
	c, _, bc := newTestController(t, loopingSource(), backend)
	sub := bc.Subscribe()

	ctx := context.Background()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitForState(t, c, StateRunning)

	if err := c.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	waitForState(t, c, StateStopped)

	// バッファ済みメッセージを読み切った後、チャネルの閉鎖を観測できること
	deadline := time.After(time.Second)
	for {
		select {
		case _, open := <-sub.Receive():
			if !open {
				return
			}
		case <-deadline:
			t.Fatal("Expected subscriber channel to be closed after pipeline stop")
		}
	}
}

// TestController_ClearHistory は履歴クリアと新セッション開始をテストする
func TestController_ClearHistory(t *testing.T) {
	backend := detector.NewMockBackend(detector.BackendDescriptor{Kind: detector.BackendCPU})
	c, st, _ := newTestController(t, loopingSource(), backend)

	st.Append(detector.Detection{ClassName: "crack", Confidence: 0.9, FrameSeq: 1})
	before := c.Status().SessionID

	c.ClearHistory()

	if st.Count() != 0 {
		t.Errorf("Expected empty store after clear, got %d", st.Count())
	}
	if after := c.Status().SessionID; after == before {
		t.Error("Expected a new session after clear")
	}
}
