// Package pipeline は検査パイプラインの制御を担う
//
// # 責務
//
// - キャプチャ、推論、後処理、配信を結ぶ実行ループの管理
// - 状態機械（停止、起動中、稼働中、切替中、停止中）の遷移
// - 稼働中の映像ソースと推論バックエンドの切り替え
// - 一時的な読み取り失敗の再試行と失敗予算の管理
//
// # 仕様
//
// 実行ループは単一のゴルーチンで動作し、フレームは到着順に
// 1回だけ処理される。ソースとバックエンドの切り替え要求は
// 制御チャネル経由でループへ届き、フレーム処理の合間に
// 直列に実行される。検出履歴は停止と再開をまたいで保持され、
// 明示的なクリア操作でのみ消去される。
package pipeline
