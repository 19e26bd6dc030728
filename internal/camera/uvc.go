package camera

import (
	"context"
	"fmt"
	"log"
	"time"

	"gocv.io/x/gocv"
)

// UVCBackend は汎用UVCカメラのBackend実装
// OpenCV(V4L2)経由でデバイスにアクセスする
type UVCBackend struct {
	discovery Discovery
	cap       *gocv.VideoCapture
	buf       gocv.Mat
	device    string
	streaming bool
}

// NewUVCBackend は新しいUVCBackendを作成する
func NewUVCBackend() *UVCBackend {
	return &UVCBackend{
		discovery: NewLinuxDiscovery(),
		buf:       gocv.NewMat(),
	}
}

// Open はデバイスを解決してオープンする
// デバイスの解決は呼び出しのたびに行う（キャッシュしない）
func (b *UVCBackend) Open(cfg Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	device := cfg.DevicePath
	if device == "" {
		resolved, err := b.discovery.ResolveIndex(ctx, cfg.DeviceIndex)
		if err != nil {
			return err
		}
		device = resolved
	} else if !b.discovery.IsDeviceAvailable(ctx, device) {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, device)
	}

	cap, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrOpenFailed, device, err)
	}
	if !cap.IsOpened() {
		_ = cap.Close()
		return fmt.Errorf("%w: %s", ErrOpenFailed, device)
	}

	b.cap = cap
	b.device = device
	return nil
}

// Configure は解像度・fpsを設定し、自動露光・自動ゲインを無効化する
// 個々の設定はベストエフォート（失敗はログに残して続行）
// SafeMode時は一部のデバイスでドライバがクラッシュするため設定を省略する
func (b *UVCBackend) Configure(cfg Config) error {
	if b.cap == nil {
		return fmt.Errorf("%w: デバイスが開かれていません", ErrConfigureFailed)
	}
	if cfg.SafeMode {
		log.Printf("セーフモード: %s へのプロパティ設定を省略します", b.device)
		return nil
	}

	if cfg.Width > 0 {
		b.setProp(gocv.VideoCaptureFrameWidth, float64(cfg.Width))
	}
	if cfg.Height > 0 {
		b.setProp(gocv.VideoCaptureFrameHeight, float64(cfg.Height))
	}
	if cfg.FPS > 0 {
		b.setProp(gocv.VideoCaptureFPS, float64(cfg.FPS))
	}

	// 手動制御のため自動露光を無効化する（V4L2では1が手動モード）
	b.setProp(gocv.VideoCaptureAutoExposure, 1)

	// no-bufferモードではドライバ側のバッファリングを最小化する
	if cfg.NoBuffer {
		b.setProp(gocv.VideoCaptureBufferSize, 1)
	}

	return nil
}

// StartStream はストリーミングを開始する
// V4L2はオープン時点でストリーミング可能なため、試し読みで確認する
func (b *UVCBackend) StartStream() error {
	if b.cap == nil {
		return fmt.Errorf("%w: デバイスが開かれていません", ErrStreamStartFailed)
	}

	if ok := b.cap.Read(&b.buf); !ok {
		return fmt.Errorf("%w: %s から読み取れません", ErrStreamStartFailed, b.device)
	}

	b.streaming = true
	return nil
}

// Acquire は1フレームを取得する
// タイムアウトはV4L2ドライバ側で制御されるため、読み取り失敗を空フレームとして扱う
func (b *UVCBackend) Acquire(_ time.Duration) (gocv.Mat, bool, error) {
	if b.cap == nil {
		return gocv.Mat{}, false, fmt.Errorf("%w: デバイスが開かれていません", ErrAcquireFailed)
	}

	if ok := b.cap.Read(&b.buf); !ok {
		return gocv.Mat{}, false, nil
	}
	if b.buf.Empty() {
		return gocv.Mat{}, false, nil
	}

	// 所有権を呼び出し側に渡すためコピーを返す
	return b.buf.Clone(), true, nil
}

// SetProperty はストリーミング開始後のプロパティ変更を適用する
func (b *UVCBackend) SetProperty(name string, value float64) error {
	if b.cap == nil {
		return fmt.Errorf("デバイスが開かれていません")
	}

	switch name {
	case PropExposure:
		// 手動露光モードに切り替えてから設定する
		b.cap.Set(gocv.VideoCaptureAutoExposure, 1)
		b.cap.Set(gocv.VideoCaptureExposure, value)
	case PropGain:
		b.cap.Set(gocv.VideoCaptureGain, value)
	case PropWidth:
		b.cap.Set(gocv.VideoCaptureFrameWidth, value)
	case PropHeight:
		b.cap.Set(gocv.VideoCaptureFrameHeight, value)
	case PropFPS:
		b.cap.Set(gocv.VideoCaptureFPS, value)
	default:
		return fmt.Errorf("%w: %s", ErrPropertyNotSupported, name)
	}

	return nil
}

// StopStream はストリーミングを停止する
// V4L2では独立したストリーム停止がないため、状態の記録のみ行う
func (b *UVCBackend) StopStream() {
	b.streaming = false
}

// Close はデバイスを解放する（ベストエフォート）
func (b *UVCBackend) Close() {
	if b.cap != nil {
		if err := b.cap.Close(); err != nil {
			log.Printf("デバイス %s のクローズに失敗: %v", b.device, err)
		}
		b.cap = nil
	}

	// 読み取りバッファも解放する（復旧時の再オープンに備えて確保し直す）
	_ = b.buf.Close()
	b.buf = gocv.NewMat()

	b.streaming = false
}

// setProp はプロパティをベストエフォートで設定する
func (b *UVCBackend) setProp(prop gocv.VideoCaptureProperties, value float64) {
	b.cap.Set(prop, value)
	if actual := b.cap.Get(prop); actual != value {
		log.Printf("プロパティ %d の設定が反映されませんでした: want %.1f, got %.1f", int(prop), value, actual)
	}
}
