package camera

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"time"
)

// mockItem はMockSourceのキュー要素（フレームまたはエラー）
type mockItem struct {
	frame *Frame
	err   error
}

// MockSource はテスト用のモックSource実装
// フレームとエラーをスクリプト通りの順序で返す
type MockSource struct {
	desc Descriptor

	mu     sync.Mutex
	queue  []mockItem
	pos    int
	loop   bool
	closed bool
	reads  int
}

// NewMockSource は新しいMockSourceを作成する
func NewMockSource(desc Descriptor) *MockSource {
	return &MockSource{desc: desc}
}

// EnqueueFrame はテスト用にフレームを追加する
func (m *MockSource) EnqueueFrame(frame *Frame) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, mockItem{frame: frame})
}

// EnqueueError はテスト用にエラーを追加する
func (m *MockSource) EnqueueError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, mockItem{err: err})
}

// SetLoop はキューを使い切った後に先頭へ戻るかどうかを設定する
func (m *MockSource) SetLoop(loop bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loop = loop
}

// NextFrame はキューの次の要素を返す
// キューを使い切った場合はストリーム終端として扱う
func (m *MockSource) NextFrame(ctx context.Context) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.reads++

	if m.closed {
		return nil, &SourceError{Kind: KindDisconnected, Source: m.desc.String()}
	}

	if m.pos >= len(m.queue) {
		if m.loop && len(m.queue) > 0 {
			m.pos = 0
		} else {
			return nil, &SourceError{Kind: KindEndOfStream, Source: m.desc.String()}
		}
	}

	item := m.queue[m.pos]
	m.pos++

	if item.err != nil {
		return nil, item.err
	}

	// 反復ごとに新しいFrameを渡す（呼び出し側がSeqを刻印するため）
	frame := *item.frame
	frame.Timestamp = time.Now()
	return &frame, nil
}

// Close はモックソースを閉じる
func (m *MockSource) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Descriptor は記述子を返す
func (m *MockSource) Descriptor() Descriptor {
	return m.desc
}

// Reads はNextFrameの呼び出し回数を返す
func (m *MockSource) Reads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads
}

// NewMockFrame はテスト用の単色フレームを生成する
func NewMockFrame(width, height int) *Frame {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	gray := color.RGBA{R: 128, G: 128, B: 128, A: 255}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, gray)
		}
	}

	var buf bytes.Buffer
	_ = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80})

	return &Frame{
		Timestamp: time.Now(),
		Width:     width,
		Height:    height,
		Data:      buf.Bytes(),
		Image:     img,
	}
}
