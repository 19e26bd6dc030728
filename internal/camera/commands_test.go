package camera

import (
	"errors"
	"testing"
)

func TestCommandQueue_FIFO(t *testing.T) {
	queue := NewCommandQueue()

	// 露光→ゲインの順で投入
	if err := queue.Enqueue(Command{Kind: CommandSetExposure, Value: 5000}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := queue.Enqueue(Command{Kind: CommandSetGain, Value: 6}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// 投入順に取り出されることを確認
	var applied []Command
	queue.Drain(func(cmd Command) {
		applied = append(applied, cmd)
	})

	if len(applied) != 2 {
		t.Fatalf("Expected 2 commands, got %d", len(applied))
	}
	if applied[0].Kind != CommandSetExposure {
		t.Errorf("Expected exposure first, got kind %d", applied[0].Kind)
	}
	if applied[1].Kind != CommandSetGain {
		t.Errorf("Expected gain second, got kind %d", applied[1].Kind)
	}
}

func TestCommandQueue_DrainEmpty(t *testing.T) {
	queue := NewCommandQueue()

	// 空キューのDrainはブロックせず何もしない
	called := false
	queue.Drain(func(Command) { called = true })

	if called {
		t.Error("Expected no commands applied on empty queue")
	}
}

func TestCommandQueue_Full(t *testing.T) {
	queue := NewCommandQueue()

	// 満杯まで投入
	for i := 0; i < commandQueueSize; i++ {
		if err := queue.Enqueue(Command{Kind: CommandSetGain, Value: float64(i)}); err != nil {
			t.Fatalf("Enqueue %d failed: %v", i, err)
		}
	}

	// 満杯時はブロックせずエラーを返す
	err := queue.Enqueue(Command{Kind: CommandSetGain, Value: 99})
	if !errors.Is(err, ErrQueueFull) {
		t.Errorf("Expected ErrQueueFull, got %v", err)
	}

	if queue.Len() != commandQueueSize {
		t.Errorf("Expected queue length %d, got %d", commandQueueSize, queue.Len())
	}
}

func TestInferExposureUS(t *testing.T) {
	tests := []struct {
		name  string
		value float64
		want  float64
	}{
		{"100未満はミリ秒として変換", 50, 50000},
		{"100以上はマイクロ秒のまま", 20000, 20000},
		{"境界値はマイクロ秒扱い", 100, 100},
		{"境界直下は変換される", 99, 99000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := inferExposureUS(tt.value); got != tt.want {
				t.Errorf("inferExposureUS(%v) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}
}
