package server

import (
	"encoding/base64"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"kanken/internal/detector"
)

// writeTimeout はWebSocket書き込みのタイムアウト
const writeTimeout = 10 * time.Second

// upgrader はWebSocketへのアップグレード設定
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// ローカルネットワーク内の検査端末からの接続を想定する
		return true
	},
}

// streamMessage はWebSocketで配信する1フレーム分のメッセージ
type streamMessage struct {
	Frame      string               `json:"frame"` // base64エンコード済みJPEG
	Detections []detector.Detection `json:"detections"`
	Timestamp  time.Time            `json:"timestamp"`
	Seq        uint64               `json:"seq"`
}

// handleVideoSocket はライブ配信のWebSocketエンドポイント
func (s *Server) handleVideoSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("WebSocketへのアップグレードに失敗: %v", err)
		return
	}
	defer conn.Close()

	sub := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(sub.ID)

	log.Printf("配信クライアントが接続しました: %s", sub.ID)

	// クライアントからの切断を検知する読み取りゴルーチン
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-clientGone:
			log.Printf("配信クライアントが切断しました: %s", sub.ID)
			return

		case msg, ok := <-sub.Receive():
			if !ok {
				return
			}

			payload := streamMessage{
				Frame:      base64.StdEncoding.EncodeToString(msg.Frame),
				Detections: msg.Detections,
				Timestamp:  msg.Timestamp,
				Seq:        msg.Seq,
			}
			// 検出なしのフレームでも空配列として配信する
			if payload.Detections == nil {
				payload.Detections = []detector.Detection{}
			}

			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(payload); err != nil {
				log.Printf("配信クライアントへの書き込みに失敗: %v", err)
				return
			}
		}
	}
}
