// Package broadcast は注釈付きフレームの購読者への配信を担う
//
// # 責務
//
// - 購読者の登録と解除
// - 注釈付きフレームと検出結果の配信
//
// # 仕様
//
// 配信はノンブロッキングで行う。購読者のキューが満杯の場合は
// 最古のメッセージを破棄して最新を入れる。遅い購読者が
// 他の購読者やパイプライン本体を停滞させることはない。
package broadcast

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"kanken/internal/detector"
)

// Message は購読者へ配信される1フレーム分のペイロード
type Message struct {
	Frame      []byte               // 注釈付きJPEG
	Detections []detector.Detection // このフレームで確定した検出結果
	Timestamp  time.Time            // キャプチャ時刻
	Seq        uint64               // フレーム連番
}

// Subscriber はフレーム配信の購読者
type Subscriber struct {
	ID uuid.UUID
	ch chan Message
}

// Receive はこの購読者の受信チャネルを返す
func (s *Subscriber) Receive() <-chan Message {
	return s.ch
}

// Broadcaster は複数の購読者へフレームを配信する
type Broadcaster struct {
	queueDepth int

	mu          sync.RWMutex
	subscribers map[uuid.UUID]*Subscriber
}

// New は新しいBroadcasterを作成する
// queueDepthは購読者ごとの受信キューの深さ
func New(queueDepth int) *Broadcaster {
	if queueDepth < 1 {
		queueDepth = 1
	}

	return &Broadcaster{
		queueDepth:  queueDepth,
		subscribers: make(map[uuid.UUID]*Subscriber),
	}
}

// Subscribe は新しい購読者を登録する
func (b *Broadcaster) Subscribe() *Subscriber {
	sub := &Subscriber{
		ID: uuid.New(),
		ch: make(chan Message, b.queueDepth),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[sub.ID] = sub

	return sub
}

// Unsubscribe は購読者を解除して受信チャネルを閉じる
func (b *Broadcaster) Unsubscribe(id uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, exists := b.subscribers[id]
	if !exists {
		return
	}

	delete(b.subscribers, id)
	close(sub.ch)
}

// Publish は全購読者へメッセージを配信する
// 満杯のキューは最古のメッセージを破棄して最新を入れる
func (b *Broadcaster) Publish(msg Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		select {
		case sub.ch <- msg:
		default:
			// キューが満杯: 最古を破棄して最新を入れる
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- msg:
			default:
			}
		}
	}
}

// CloseAll は全購読者を解除して受信チャネルを閉じる
// パイプライン停止時に呼ばれ、購読者はチャネルの閉鎖で停止を観測する
func (b *Broadcaster) CloseAll() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subscribers {
		delete(b.subscribers, id)
		close(sub.ch)
	}
}

// Count は現在の購読者数を返す
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
