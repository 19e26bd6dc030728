package camera

import (
	"testing"
)

func TestFrameSlot_ReadBeforePublish(t *testing.T) {
	slot := NewFrameSlot()

	// 未発行の読み取りは ok=false
	frame, _, ok := slot.Read()
	if ok {
		t.Error("Expected ok=false before first publish")
	}
	if frame != nil {
		t.Error("Expected nil frame before first publish")
	}

	if _, ok := slot.Age(); ok {
		t.Error("Expected Age ok=false before first publish")
	}
}

func TestFrameSlot_LastWriteWins(t *testing.T) {
	slot := NewFrameSlot()

	slot.Publish([]byte("frame1"))
	slot.Publish([]byte("frame2"))
	slot.Publish([]byte("frame3"))

	// 読み手は常に最新のフレームだけを見る
	frame, seq, ok := slot.Read()
	if !ok {
		t.Fatal("Expected ok=true after publish")
	}
	if string(frame) != "frame3" {
		t.Errorf("Expected frame3, got %s", frame)
	}
	if seq != 3 {
		t.Errorf("Expected seq 3, got %d", seq)
	}
}

func TestFrameSlot_SeqAdvances(t *testing.T) {
	slot := NewFrameSlot()

	slot.Publish([]byte("a"))
	_, seq1, _ := slot.Read()

	// 同じ内容でもシーケンス番号は進む
	slot.Publish([]byte("a"))
	_, seq2, _ := slot.Read()

	if seq2 != seq1+1 {
		t.Errorf("Expected seq to advance from %d, got %d", seq1, seq2)
	}
}

func TestFrameSlot_Clear(t *testing.T) {
	slot := NewFrameSlot()

	slot.Publish([]byte("frame"))
	slot.Clear()

	// Clear後は未発行と同じ扱い
	if _, _, ok := slot.Read(); ok {
		t.Error("Expected ok=false after Clear")
	}
	if _, ok := slot.Age(); ok {
		t.Error("Expected Age ok=false after Clear")
	}
}
