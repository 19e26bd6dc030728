package camera

import (
	"fmt"
	"log"
	"strings"
	"time"

	"gocv.io/x/gocv"
)

// IndustrialBackend は産業用カメラ（GenICam/GigE Vision）のBackend実装
//
// OpenCVのGStreamerバックエンド経由でaravissrc（GenICamソース）を使う。
// デバイスの列挙はaravissrcがパイプライン構築時に毎回行うため、
// 永続的なデバイスリストのキャッシュは存在しない。
// ストリーミング開始時の試し読み回数と間隔
const (
	streamStartAttempts = 30
	streamStartInterval = 100 * time.Millisecond
)

type IndustrialBackend struct {
	cap       *gocv.VideoCapture
	buf       gocv.Mat
	selector  string
	timeout   time.Duration
	streaming bool
}

// NewIndustrialBackend は新しいIndustrialBackendを作成する
func NewIndustrialBackend() *IndustrialBackend {
	return &IndustrialBackend{
		buf: gocv.NewMat(),
	}
}

// Open はデバイスを列挙してオープンする
// シリアル番号指定時はそのカメラを、未指定時は最初に列挙されたカメラを開く
func (b *IndustrialBackend) Open(cfg Config) error {
	pipeline := buildAravisPipeline(cfg)
	b.selector = cfg.DeviceSelector()
	b.timeout = cfg.Timeout
	if b.timeout <= 0 {
		b.timeout = DefaultAcquireTimeout
	}

	cap, err := gocv.OpenVideoCaptureWithAPI(pipeline, gocv.VideoCaptureGstreamer)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrOpenFailed, b.selector, err)
	}
	if !cap.IsOpened() {
		_ = cap.Close()
		// パイプラインが組めてもカメラが列挙されなければここに到達する
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, b.selector)
	}

	b.cap = cap
	return nil
}

// Configure は自動露光・自動ゲインを無効化し、初期プロパティを適用する
// 個々の設定はベストエフォート（失敗はログに残して続行）
func (b *IndustrialBackend) Configure(cfg Config) error {
	if b.cap == nil {
		return fmt.Errorf("%w: デバイスが開かれていません", ErrConfigureFailed)
	}
	if cfg.SafeMode {
		log.Printf("セーフモード: %s へのプロパティ設定を省略します", b.selector)
		return nil
	}

	// 解像度・fpsはパイプラインのcapsで指定済みのため、ここでは
	// 露光・ゲインの手動制御への切り替えのみ試みる
	b.cap.Set(gocv.VideoCaptureAutoExposure, 0)
	if actual := b.cap.Get(gocv.VideoCaptureAutoExposure); actual != 0 {
		log.Printf("自動露光の無効化が反映されませんでした: %s", b.selector)
	}

	return nil
}

// StartStream はストリーミングを開始する
// パイプラインの起動には時間がかかるため、期限付きで試し読みする
// 期限は設定された取得タイムアウトに比例する（デフォルトで3秒）
func (b *IndustrialBackend) StartStream() error {
	if b.cap == nil {
		return fmt.Errorf("%w: デバイスが開かれていません", ErrStreamStartFailed)
	}

	deadline := time.Now().Add(streamStartAttempts * b.timeout)
	for time.Now().Before(deadline) {
		if ok := b.cap.Read(&b.buf); ok && !b.buf.Empty() {
			b.streaming = true
			return nil
		}
		time.Sleep(streamStartInterval)
	}

	return fmt.Errorf("%w: %s からフレームが届きません", ErrStreamStartFailed, b.selector)
}

// Acquire は1フレームを取得する
func (b *IndustrialBackend) Acquire(_ time.Duration) (gocv.Mat, bool, error) {
	if b.cap == nil {
		return gocv.Mat{}, false, fmt.Errorf("%w: デバイスが開かれていません", ErrAcquireFailed)
	}

	if ok := b.cap.Read(&b.buf); !ok {
		return gocv.Mat{}, false, nil
	}
	if b.buf.Empty() {
		return gocv.Mat{}, false, nil
	}

	return b.buf.Clone(), true, nil
}

// SetProperty はストリーミング開始後のプロパティ変更を適用する
// 解像度・fpsの変更はパイプラインの再構築が必要なため対応しない
func (b *IndustrialBackend) SetProperty(name string, value float64) error {
	if b.cap == nil {
		return fmt.Errorf("デバイスが開かれていません")
	}

	switch name {
	case PropExposure:
		b.cap.Set(gocv.VideoCaptureExposure, value)
	case PropGain:
		b.cap.Set(gocv.VideoCaptureGain, value)
	default:
		return fmt.Errorf("%w: %s", ErrPropertyNotSupported, name)
	}

	return nil
}

// StopStream はストリーミングを停止する（ベストエフォート）
func (b *IndustrialBackend) StopStream() {
	b.streaming = false
}

// Close はデバイスを解放する（ベストエフォート）
func (b *IndustrialBackend) Close() {
	if b.cap != nil {
		if err := b.cap.Close(); err != nil {
			log.Printf("デバイス %s のクローズに失敗: %v", b.selector, err)
		}
		b.cap = nil
	}

	// 読み取りバッファも解放する（復旧時の再オープンに備えて確保し直す）
	_ = b.buf.Close()
	b.buf = gocv.NewMat()

	b.streaming = false
}

// buildAravisPipeline は設定からGStreamerパイプライン文字列を組み立てる
func buildAravisPipeline(cfg Config) string {
	var sb strings.Builder

	sb.WriteString("aravissrc")
	if cfg.Serial != "" {
		fmt.Fprintf(&sb, " camera-name=%q", cfg.Serial)
	}

	sb.WriteString(" ! videoconvert")

	caps := "video/x-raw,format=BGR"
	if cfg.Width > 0 && cfg.Height > 0 {
		caps += fmt.Sprintf(",width=%d,height=%d", cfg.Width, cfg.Height)
	}
	if cfg.FPS > 0 {
		caps += fmt.Sprintf(",framerate=%d/1", cfg.FPS)
	}
	fmt.Fprintf(&sb, " ! %s", caps)

	sb.WriteString(" ! appsink drop=true max-buffers=1")
	return sb.String()
}
