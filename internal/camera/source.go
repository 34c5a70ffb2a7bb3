package camera

import (
	"bytes"
	"context"
	"image/jpeg"
	"sync"
	"time"
)

// ffmpegSource はFFmpegCapturerを使ったSource実装
type ffmpegSource struct {
	desc     Descriptor
	settings Settings

	frameChan chan []byte
	errChan   chan error

	cancel    context.CancelFunc
	closeOnce sync.Once
}

// Open は記述子から映像ソースを開く
// オープンに失敗した場合は SourceError (KindOpenFailed) を返す
func Open(ctx context.Context, desc Descriptor, settings Settings) (Source, error) {
	// USBカメラはデバイスの存在を事前に確認する
	if desc.Kind == KindDevice {
		discovery := NewLinuxDiscovery()
		if !discovery.IsDeviceAvailable(ctx, desc.Device) {
			return nil, &SourceError{
				Kind:   KindOpenFailed,
				Source: desc.String(),
			}
		}
	}

	capCtx, cancel := context.WithCancel(context.Background())

	source := &ffmpegSource{
		desc:      desc,
		settings:  settings,
		frameChan: make(chan []byte, 10),
		errChan:   make(chan error, 5),
		cancel:    cancel,
	}

	capturer := NewFFmpegCapturer(desc, settings)
	if err := capturer.StartStream(capCtx, source.frameChan, source.errChan); err != nil {
		cancel()
		return nil, &SourceError{
			Kind:   KindOpenFailed,
			Source: desc.String(),
			Err:    err,
		}
	}

	return source, nil
}

// NextFrame は次のフレームが得られるまでブロックする
func (s *ffmpegSource) NextFrame(ctx context.Context) (*Frame, error) {
	// バッファ済みフレームを優先して取り出す
	select {
	case data := <-s.frameChan:
		return s.decodeFrame(data)
	default:
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()

	case data := <-s.frameChan:
		return s.decodeFrame(data)

	case err := <-s.errChan:
		return nil, s.classifyError(err)
	}
}

// decodeFrame はJPEGデータをデコードしてFrameを構築する
func (s *ffmpegSource) decodeFrame(data []byte) (*Frame, error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		// 壊れたフレームは一時エラーとして扱い、再試行させる
		return nil, &SourceError{
			Kind:   KindReadTransient,
			Source: s.desc.String(),
			Err:    err,
		}
	}

	bounds := img.Bounds()
	return &Frame{
		Timestamp: time.Now(),
		Width:     bounds.Dx(),
		Height:    bounds.Dy(),
		Data:      data,
		Image:     img,
	}, nil
}

// classifyError はキャプチャからのエラーをSourceErrorに分類する
func (s *ffmpegSource) classifyError(err error) error {
	if isStreamEnd(err) {
		// ファイル再生の終端と、カメラ・ネットワークの切断を区別する
		if s.desc.Kind == KindFile {
			return &SourceError{
				Kind:   KindEndOfStream,
				Source: s.desc.String(),
			}
		}
		return &SourceError{
			Kind:   KindDisconnected,
			Source: s.desc.String(),
			Err:    err,
		}
	}

	return &SourceError{
		Kind:   KindReadTransient,
		Source: s.desc.String(),
		Err:    err,
	}
}

// Close はソースを閉じてffmpegプロセスを終了する
func (s *ffmpegSource) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
	})
	return nil
}

// Descriptor は開いているソースの記述子を返す
func (s *ffmpegSource) Descriptor() Descriptor {
	return s.desc
}
