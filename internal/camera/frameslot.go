package camera

import (
	"sync"
	"time"
)

// FrameSlot は最新のエンコード済みフレームを1件だけ保持するセル
//
// Publishは常に上書き（last-write-wins）で、読み手を待たない。
// Readは書き手を待たず、未発行なら ok=false を返す。
// 格納されたフレームは発行後に変更されないため、Readは参照をそのまま返す。
type FrameSlot struct {
	mu          sync.Mutex
	data        []byte
	seq         uint64
	publishedAt time.Time
}

// NewFrameSlot は新しいFrameSlotを作成する
func NewFrameSlot() *FrameSlot {
	return &FrameSlot{}
}

// Publish は最新フレームを無条件に上書きする
func (s *FrameSlot) Publish(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data = frame
	s.seq++
	s.publishedAt = time.Now()
}

// Read は最新フレームとそのシーケンス番号を返す
// まだ発行されていない場合やClear後は ok=false を返す
func (s *FrameSlot) Read() (frame []byte, seq uint64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data == nil {
		return nil, s.seq, false
	}
	return s.data, s.seq, true
}

// Age は最終発行からの経過時間を返す
// まだ発行されていない場合は ok=false を返す
func (s *FrameSlot) Age() (age time.Duration, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.publishedAt.IsZero() {
		return 0, false
	}
	return time.Since(s.publishedAt), true
}

// Clear は保持中のフレームを破棄する（セッション停止時に呼ばれる）
func (s *FrameSlot) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data = nil
	s.publishedAt = time.Time{}
}
