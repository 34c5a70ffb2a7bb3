// Package server はHTTP APIとライブ配信のWebSocketを提供する
//
// # 責務
//
// - パイプラインの起動・停止・切り替えを行うREST API
// - 検出履歴と検査レポートのAPI
// - 注釈付きフレームのWebSocket配信 (/ws/video)
// - グレースフルシャットダウン
//
// # 仕様
//
// ルーティングはgin、WebSocketはgorilla/websocketを使う。
// 配信はBroadcaster経由で行い、遅いクライアントが
// パイプライン本体を停滞させることはない。
package server
