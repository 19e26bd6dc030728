package camera

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// BackendKind はキャプチャバックエンドの種類を表す
type BackendKind string

const (
	// BackendUVC は汎用UVCカメラ（V4L2経由）を表す
	BackendUVC BackendKind = "uvc"
	// BackendIndustrial は産業用カメラ（GenICam SDK経由）を表す
	BackendIndustrial BackendKind = "industrial"
)

// FlipMode はフレームの反転モードを表す
type FlipMode string

const (
	// FlipNone は反転なし
	FlipNone FlipMode = "none"
	// FlipHorizontal は水平反転
	FlipHorizontal FlipMode = "h"
	// FlipVertical は垂直反転
	FlipVertical FlipMode = "v"
	// FlipBoth は両軸反転
	FlipBoth FlipMode = "hv"
)

// ParseFlipMode は文字列から反転モードを解釈する
// 未知の値は反転なしとして扱う
func ParseFlipMode(s string) FlipMode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "h":
		return FlipHorizontal
	case "v":
		return FlipVertical
	case "hv", "vh", "both":
		return FlipBoth
	default:
		return FlipNone
	}
}

// ROI はエンコード前に切り出す矩形領域を表す
type ROI struct {
	X      int
	Y      int
	Width  int
	Height int
}

// ParseROI は "x,y,w,h" 形式の文字列からROIを解釈する
func ParseROI(s string) (*ROI, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return nil, fmt.Errorf("ROIの形式が不正です（x,y,w,h が必要）: %s", s)
	}

	values := make([]int, 4)
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("ROIの値が不正です: %w", err)
		}
		values[i] = v
	}

	return &ROI{X: values[0], Y: values[1], Width: values[2], Height: values[3]}, nil
}

// デフォルト値
const (
	// DefaultFPS はfps未指定時のフォールバック値
	DefaultFPS = 15
	// DefaultJPEGQuality はJPEG品質のデフォルト値
	DefaultJPEGQuality = 80
	// DefaultAcquireTimeout は1フレーム取得の待機上限
	DefaultAcquireTimeout = 100 * time.Millisecond

	// 品質のクランプ範囲
	minJPEGQuality = 10
	maxJPEGQuality = 100
)

// Config はキャプチャセッションの設定を表す
// セッション開始後は再設定コマンド以外で変更されない
type Config struct {
	Backend     BackendKind // バックエンドの種類
	DeviceIndex int         // デバイス番号（/dev/videoN の N）
	DevicePath  string      // デバイスパス（指定時は番号より優先）
	Serial      string      // 産業用カメラのシリアル番号

	Width  int // 目標画像幅
	Height int // 目標画像高さ
	FPS    int // 目標フレームレート（0でフォールバック値）

	JPEGQuality int      // JPEG品質 [10,100]（範囲外はクランプ）
	Downscale   int      // 整数縮小係数（1で無効）
	FrameSkip   int      // パイプラインを間引くフレーム数（0で無効）
	ROI         *ROI     // 切り出し領域（nilで無効）
	FlipMode    FlipMode // 反転モード

	SafeMode   bool          // ハードウェアへのプロパティ設定を省略する
	NoBuffer   bool          // バックグラウンドループを使わず同期取得する
	FlushReads int           // no-bufferモードで追加破棄する読み取り回数
	Timeout    time.Duration // 1フレーム取得のタイムアウト

	ExposureUS float64 // 初期露光時間（マイクロ秒、0で未指定）
	GainDB     float64 // 初期ゲイン（dB、0で未指定）
}

// Normalize は設定値を有効範囲に正規化する
func (c *Config) Normalize() {
	if c.Backend == "" {
		c.Backend = BackendUVC
	}
	if c.JPEGQuality == 0 {
		c.JPEGQuality = DefaultJPEGQuality
	}
	c.JPEGQuality = clampQuality(c.JPEGQuality)
	if c.Downscale < 1 {
		c.Downscale = 1
	}
	if c.FrameSkip < 0 {
		c.FrameSkip = 0
	}
	if c.FlushReads < 0 {
		c.FlushReads = 0
	}
	if c.FlipMode == "" {
		c.FlipMode = FlipNone
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultAcquireTimeout
	}
}

// EffectiveFPS はループ周期の計算に使うfpsを返す
func (c *Config) EffectiveFPS() int {
	if c.FPS > 0 {
		return c.FPS
	}
	return DefaultFPS
}

// TargetDelay は1イテレーションの目標周期を返す
func (c *Config) TargetDelay() time.Duration {
	return time.Second / time.Duration(c.EffectiveFPS())
}

// DeviceSelector はステータス表示用のデバイス識別子を返す
func (c *Config) DeviceSelector() string {
	if c.Serial != "" {
		return c.Serial
	}
	if c.DevicePath != "" {
		return c.DevicePath
	}
	return strconv.Itoa(c.DeviceIndex)
}

// clampQuality はJPEG品質を [10,100] にクランプする
func clampQuality(q int) int {
	if q < minJPEGQuality {
		return minJPEGQuality
	}
	if q > maxJPEGQuality {
		return maxJPEGQuality
	}
	return q
}

// Status はセッションの現在状態のスナップショットを表す
type Status struct {
	ID           string  `json:"id"`
	Backend      string  `json:"backend"`
	Device       string  `json:"device"`
	Resolution   string  `json:"resolution"`
	FPS          int     `json:"fps"`
	Running      bool    `json:"running"`
	HasFrame     bool    `json:"has_frame"`
	LastFrameAge float64 `json:"last_frame_age_ms"`
	FailCount    uint64  `json:"fail_count"`
	Exposure     float64 `json:"exposure"`
	Gain         float64 `json:"gain"`
	SafeMode     bool    `json:"safe_mode"`
}

// Metrics はメトリクスのスナップショットを表す
type Metrics struct {
	FramesTotal     uint64  `json:"frames_total"`
	ServedTotal     uint64  `json:"served_frames_total"`
	AcquireMS       float64 `json:"acquire_ms"`
	ProcessMS       float64 `json:"process_ms"`
	EncodeMS        float64 `json:"encode_ms"`
	FrameIntervalMS float64 `json:"frame_interval_ms"`
	FPS             float64 `json:"fps"`
	FPSInstant      float64 `json:"fps_inst"`
	ServedFPS       float64 `json:"served_fps"`
	EmptyStreak     uint64  `json:"empty_streak"`
}
