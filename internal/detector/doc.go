// Package detector 管内欠陥の検出と後処理を担う
//
// # 責務
// - ONNX Runtime経由でのYOLOモデル推論
// - 推論バックエンドの切り替え（CPU fp32 / CUDAアクセラレータ fp16）
// - 生検出結果の後処理（信頼度フィルタ・クラス別重複抑制・クランプ）
// - 検出枠のフレームへの描画
//
// # 仕様
// - Backend: 全ての推論バックエンドを統一するインターフェース
// - 1バックエンドにつき同時にアクティブなモデルは1つ
// - Inferは同期実行であり、呼び出し側（パイプライン）が直列化する
// - アクセラレータが初期化できない場合、Loadは
//   ErrAcceleratorUnavailable を返し、呼び出し側がフォールバックを判断する
// - 後処理は同一入力に対して決定的な結果を返す
//
// # 前提要件
//   - ONNX Runtime 共有ライブラリ（ORT_LIBRARY_PATHで指定）
//   - CUDAバックエンドはCUDA実行プロバイダが利用可能な環境が必要
package detector
