package pipeline

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Session は1つの検査セッションを表す
// フレーム連番はセッション内で単調増加する
type Session struct {
	ID        uuid.UUID
	StartedAt time.Time

	seq atomic.Uint64
}

// NewSession は新しいセッションを作成する
func NewSession() *Session {
	return &Session{
		ID:        uuid.New(),
		StartedAt: time.Now(),
	}
}

// NextSeq は次のフレーム連番を払い出す（1始まり）
func (s *Session) NextSeq() uint64 {
	return s.seq.Add(1)
}

// FrameCount はこれまでに払い出した連番の数を返す
func (s *Session) FrameCount() uint64 {
	return s.seq.Load()
}
