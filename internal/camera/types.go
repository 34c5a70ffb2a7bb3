package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strconv"
	"strings"
	"time"
)

// Kind は映像ソースの種別を表す
type Kind string

const (
	// KindDevice はUSBカメラ（V4L2デバイス）ソースを表す
	KindDevice Kind = "usb"
	// KindRTSP はRTSPネットワークストリームソースを表す
	KindRTSP Kind = "rtsp"
	// KindFile はHTTP動画URL・ローカルファイルソースを表す
	KindFile Kind = "file"
)

// Descriptor は映像ソースの記述子
// USBカメラ番号、RTSP URL、HTTP動画URLのいずれか一つを指す
type Descriptor struct {
	Kind   Kind   `json:"type"`             // ソース種別
	Device int    `json:"device,omitempty"` // USBカメラ番号 (KindDevice)
	URI    string `json:"uri,omitempty"`    // ストリームURL (KindRTSP / KindFile)
}

// ParseDescriptor は文字列から記述子を生成する
// 数値文字列はUSBカメラ番号、rtsp(s)://はRTSP、http(s)://はHTTP動画として扱う
func ParseDescriptor(s string) (Descriptor, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Descriptor{}, fmt.Errorf("空のソース指定です")
	}

	// 数値ならUSBカメラ番号として扱う
	if idx, err := strconv.Atoi(s); err == nil {
		if idx < 0 {
			return Descriptor{}, fmt.Errorf("無効なカメラ番号: %d", idx)
		}
		return Descriptor{Kind: KindDevice, Device: idx}, nil
	}

	switch {
	case strings.HasPrefix(s, "http://"), strings.HasPrefix(s, "https://"):
		return Descriptor{Kind: KindFile, URI: s}, nil
	default:
		// rtsp:// を含むその他のURLはRTSPストリームとして扱う
		return Descriptor{Kind: KindRTSP, URI: s}, nil
	}
}

// String は記述子の文字列表現を返す
func (d Descriptor) String() string {
	if d.Kind == KindDevice {
		return strconv.Itoa(d.Device)
	}
	return d.URI
}

// DevicePath はUSBカメラのデバイスパスを返す
func (d Descriptor) DevicePath() string {
	return fmt.Sprintf("/dev/video%d", d.Device)
}

// Settings は映像ソースの設定を表す
type Settings struct {
	Width  int // 画像幅
	Height int // 画像高さ
	FPS    int // フレームレート
}

// Frame は1枚のデコード済み画像とキャプチャメタデータを表す
// 生成したパイプライン反復が所有し、後段へ渡した後は不変として扱う
type Frame struct {
	Seq       uint64      // セッション内で単調増加する連番
	Timestamp time.Time   // キャプチャ時刻
	Width     int         // 画像幅
	Height    int         // 画像高さ
	Data      []byte      // JPEGエンコード済みデータ
	Image     image.Image // デコード済み画像
}

// ErrorKind はソースエラーの分類
type ErrorKind string

const (
	// KindOpenFailed はソースのオープン失敗を表す
	KindOpenFailed ErrorKind = "open_failed"
	// KindReadTransient は一時的な読み取りエラーを表す（再試行可能）
	KindReadTransient ErrorKind = "read_transient"
	// KindEndOfStream はファイル再生の正常終端を表す
	KindEndOfStream ErrorKind = "end_of_stream"
	// KindDisconnected はカメラ・ネットワークストリームの切断を表す
	KindDisconnected ErrorKind = "disconnected"
)

// SourceError は映像ソースで発生したエラーを分類付きで表す
type SourceError struct {
	Kind   ErrorKind
	Source string // ソースの文字列表現
	Err    error
}

// Error はエラーメッセージを返す
func (e *SourceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("映像ソース %s でエラー (%s): %v", e.Source, e.Kind, e.Err)
	}
	return fmt.Sprintf("映像ソース %s でエラー (%s)", e.Source, e.Kind)
}

// Unwrap はラップされたエラーを返す
func (e *SourceError) Unwrap() error {
	return e.Err
}

// IsEndOfStream はエラーがストリーム終端かどうかを判定する
func IsEndOfStream(err error) bool {
	var serr *SourceError
	return errors.As(err, &serr) && serr.Kind == KindEndOfStream
}

// IsTransient はエラーが一時的な読み取りエラーかどうかを判定する
func IsTransient(err error) bool {
	var serr *SourceError
	return errors.As(err, &serr) && serr.Kind == KindReadTransient
}

// Source は全ての映像ソースを統一するインターフェース
type Source interface {
	// NextFrame は次のフレームが得られるまでブロックする
	// ストリーム終端・切断・一時エラーは SourceError として区別される
	NextFrame(ctx context.Context) (*Frame, error)

	// Close はソースを閉じてリソースを解放する
	Close() error

	// Descriptor は開いているソースの記述子を返す
	Descriptor() Descriptor
}
