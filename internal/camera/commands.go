package camera

import (
	"errors"
)

// CommandKind はパラメータ変更コマンドの種類を表す
type CommandKind int

const (
	// CommandSetExposure は露光時間の変更
	CommandSetExposure CommandKind = iota
	// CommandSetGain はゲインの変更
	CommandSetGain
	// CommandSetFormat は解像度・fpsの変更
	CommandSetFormat
	// CommandSetFlip は反転モードの変更
	CommandSetFlip
)

// Command はパラメータ変更リクエストを表す
type Command struct {
	Kind  CommandKind
	Value float64 // 露光時間（設定値そのまま）またはゲイン

	// CommandSetFormat用（0は変更なし）
	Width  int
	Height int
	FPS    int

	// CommandSetFlip用
	Flip FlipMode
}

// ErrQueueFull はコマンドキューが満杯であることを表す
var ErrQueueFull = errors.New("コマンドキューが満杯です")

// commandQueueSize は溜め込めるコマンド数
// ループは毎イテレーションで全件処理するため、通常は数件しか滞留しない
const commandQueueSize = 64

// CommandQueue はパラメータ変更リクエストのFIFOキュー
//
// どのゴルーチンからでも投入できるが、取り出して適用するのは
// 取得ループのゴルーチンのみ。これによりハードウェアへの書き込みが
// 単一ゴルーチンに直列化される。
type CommandQueue struct {
	ch chan Command
}

// NewCommandQueue は新しいCommandQueueを作成する
func NewCommandQueue() *CommandQueue {
	return &CommandQueue{
		ch: make(chan Command, commandQueueSize),
	}
}

// Enqueue はコマンドを投入する（ブロックしない）
// キューが満杯の場合はErrQueueFullを返す
func (q *CommandQueue) Enqueue(cmd Command) error {
	select {
	case q.ch <- cmd:
		return nil
	default:
		return ErrQueueFull
	}
}

// Drain は滞留しているコマンドを投入順にすべて適用する（ブロックしない）
// 取得ループのゴルーチンからのみ呼び出すこと
func (q *CommandQueue) Drain(apply func(Command)) {
	for {
		select {
		case cmd := <-q.ch:
			apply(cmd)
		default:
			return
		}
	}
}

// Len は滞留しているコマンド数を返す
func (q *CommandQueue) Len() int {
	return len(q.ch)
}

// exposureInferenceThreshold は露光時間の単位推定の境界値
//
// 100未満はミリ秒とみなしてマイクロ秒に変換し、100以上はマイクロ秒として
// そのまま扱う。マイクロ秒の露光値がこの範囲に入ると誤変換される既知の
// 曖昧さがあるが、既存の設定ファイルとの互換のため境界値は維持している。
const exposureInferenceThreshold = 100

// inferExposureUS は設定値をマイクロ秒に正規化する
func inferExposureUS(value float64) float64 {
	if value < exposureInferenceThreshold {
		return value * 1000
	}
	return value
}
