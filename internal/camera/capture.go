package camera

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
)

// FFmpegCapturer はffmpegのサブプロセス経由でフレームを取得する
// V4L2デバイス・RTSPストリーム・HTTP動画URLを同じ仕組みで扱う
type FFmpegCapturer struct {
	desc     Descriptor
	settings Settings
}

// NewFFmpegCapturer は新しいFFmpegCapturerを作成する
func NewFFmpegCapturer(desc Descriptor, settings Settings) *FFmpegCapturer {
	return &FFmpegCapturer{
		desc:     desc,
		settings: settings,
	}
}

// buildArgs はソース種別に応じたffmpeg引数を構築する
func (c *FFmpegCapturer) buildArgs() []string {
	var args []string

	switch c.desc.Kind {
	case KindDevice:
		// USBカメラは解像度とフレームレートを指定できる
		args = append(args,
			"-f", "v4l2",
			"-video_size", fmt.Sprintf("%dx%d", c.settings.Width, c.settings.Height),
			"-r", strconv.Itoa(c.settings.FPS),
			"-i", c.desc.DevicePath(),
		)
	case KindRTSP:
		args = append(args,
			"-rtsp_transport", "tcp",
			"-i", c.desc.URI,
		)
	case KindFile:
		// -re でファイルを実時間レートで読み込む
		args = append(args,
			"-re",
			"-i", c.desc.URI,
		)
	}

	// 出力は連続JPEGストリーム
	args = append(args,
		"-f", "image2pipe",
		"-c:v", "mjpeg",
		"-q:v", "3",
		"-",
	)

	return args
}

// StartStream は連続キャプチャを開始する
// JPEGフレームはframeChanへ、エラーはerrorChanへ送られる
// ストリーム終端ではio.EOFがerrorChanへ送られる
func (c *FFmpegCapturer) StartStream(ctx context.Context, frameChan chan<- []byte, errorChan chan<- error) error {
	cmd := exec.CommandContext(ctx, "ffmpeg", c.buildArgs()...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdoutパイプの作成に失敗: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderrパイプの作成に失敗: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("ffmpegの起動に失敗: %w", err)
	}

	// stderrは読み捨てる（パイプが詰まるとffmpegが停止するため）
	go func() {
		buf := make([]byte, 1024)
		for {
			if _, err := stderr.Read(buf); err != nil {
				return
			}
		}
	}()

	// JPEGフレームを読み取り分割する
	go func() {
		defer func() {
			_ = cmd.Wait() // コンテキストキャンセル時のエラーは無視
		}()

		buffer := make([]byte, 1024*1024) // 1MBバッファ
		frameBuffer := bytes.Buffer{}

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			n, err := stdout.Read(buffer)
			if err != nil {
				// 終端はそのままio.EOFとして通知し、呼び出し側で分類する
				select {
				case errorChan <- err:
				case <-ctx.Done():
				}
				return
			}

			frameBuffer.Write(buffer[:n])

			// JPEGマーカーを探してフレームを分割
			data := frameBuffer.Bytes()
			for {
				frame, rest, ok := extractFrame(data)
				if !ok {
					frameBuffer.Reset()
					frameBuffer.Write(rest)
					break
				}

				select {
				case frameChan <- frame:
				case <-ctx.Done():
					return
				}

				data = rest
			}
		}
	}()

	return nil
}

var (
	jpegStart = []byte{0xFF, 0xD8}
	jpegEnd   = []byte{0xFF, 0xD9}
)

// extractFrame はデータ先頭から完全なJPEGフレームを1枚取り出す
// 開始マーカー（FF D8）より前のバイトは読み捨て、フレームは
// マーカー位置から終了マーカー（FF D9）までを切り出す
func extractFrame(data []byte) (frame, rest []byte, ok bool) {
	startIdx := bytes.Index(data, jpegStart)
	if startIdx == -1 {
		return nil, data, false
	}

	endIdx := bytes.Index(data[startIdx+2:], jpegEnd)
	if endIdx == -1 {
		// 完全なフレームがまだない
		return nil, data[startIdx:], false
	}

	end := startIdx + 2 + endIdx + 2 // マーカーのサイズを含める
	frame = make([]byte, end-startIdx)
	copy(frame, data[startIdx:end])

	return frame, data[end:], true
}

// isStreamEnd はキャプチャからのエラーがストリーム終端かどうかを判定する
func isStreamEnd(err error) bool {
	return err == io.EOF || err == io.ErrClosedPipe
}
