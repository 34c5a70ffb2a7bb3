// Package camera 検査パイプラインへの映像フレーム供給を担う
//
// # 責務
// - 映像ソース記述子（USBカメラ番号 / RTSP URL / HTTP動画URL）の解釈
// - ffmpeg経由でのフレームキャプチャとJPEGストリーム分割
// - フレーム読み取りエラーの分類（一時エラー / ストリーム終端 / 切断）
// - V4L2デバイスの自動検出・実名取得
//
// # 仕様
// - Source: 全ての映像ソースを統一するインターフェース
// - Open: 記述子から適切なソースを生成して開く
// - NextFrame: 次のフレームが得られるまでブロックする
// - ファイル再生の終端は SourceError (KindEndOfStream) として
//   一時的な読み取りエラーと区別して通知する
//
// # 前提要件
//   - ffmpeg: 画像キャプチャとストリーミングに使用
//     Ubuntu/Debian: sudo apt install ffmpeg
//   - v4l-utils: カメラ名の取得とデバイス制御に使用
//     Ubuntu/Debian: sudo apt install v4l-utils
//   - videoグループへの参加: デバイスアクセス権限
//     sudo usermod -a -G video $USER
package camera
