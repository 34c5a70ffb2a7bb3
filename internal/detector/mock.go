package detector

import (
	"context"
	"sync"

	"kanken/internal/camera"
)

// MockBackend はテスト用のモックBackend実装
type MockBackend struct {
	desc BackendDescriptor

	mu       sync.Mutex
	loadErr  error
	inferErr error
	results  [][]RawDetection
	calls    int
	loaded   bool
	closed   bool
}

// NewMockBackend は新しいMockBackendを作成する
func NewMockBackend(desc BackendDescriptor) *MockBackend {
	return &MockBackend{desc: desc}
}

// SetLoadError はテスト用にLoad失敗を設定する
func (m *MockBackend) SetLoadError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadErr = err
}

// SetInferError はテスト用にInfer失敗を設定する
func (m *MockBackend) SetInferError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inferErr = err
}

// SetResults はInferが順番に返す検出結果を設定する
// 結果を使い切ると最後の要素を繰り返す
func (m *MockBackend) SetResults(results ...[]RawDetection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = results
}

// Load はモックモデルをロードする
func (m *MockBackend) Load(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.loadErr != nil {
		return m.loadErr
	}

	m.loaded = true
	return nil
}

// Infer は設定済みの検出結果を返す
func (m *MockBackend) Infer(_ *camera.Frame) ([]RawDetection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++

	if m.inferErr != nil {
		return nil, m.inferErr
	}

	if len(m.results) == 0 {
		return nil, nil
	}

	idx := m.calls - 1
	if idx >= len(m.results) {
		idx = len(m.results) - 1
	}
	return m.results[idx], nil
}

// Close はモックモデルを解放する
func (m *MockBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loaded = false
	m.closed = true
	return nil
}

// Descriptor はバックエンドの識別情報を返す
func (m *MockBackend) Descriptor() BackendDescriptor {
	return m.desc
}

// Loaded はモデルがロード済みかどうかを返す
func (m *MockBackend) Loaded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loaded
}

// Closed はCloseが呼ばれたかどうかを返す
func (m *MockBackend) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Calls はInferの呼び出し回数を返す
func (m *MockBackend) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
