package camera

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// 取得エラー後に次の試行まで待つ時間
const acquireFailureBackoff = 50 * time.Millisecond

// CaptureSession は1台のカメラに対するキャプチャセッションを表す
//
// start()で取得ループのゴルーチンが1本だけ起動し、以降バックエンドへの
// アクセスはすべてそのゴルーチンから行われる。他のゴルーチンは
// FrameSlotの読み取りとCommandQueueへの投入のみ行う。
// no-bufferモードではループを起動せず、ReadAndEncodeが呼び出し側の
// ゴルーチンで同期的に取得する（両モードは排他）。
type CaptureSession struct {
	id       string
	backend  Backend
	pipeline *Pipeline
	commands *CommandQueue
	slot     *FrameSlot
	metrics  *MetricsCollector
	health   *HealthMonitor

	mu       sync.RWMutex
	cfg      Config
	running  bool
	exposure float64 // 適用済み露光時間（マイクロ秒）
	gain     float64 // 適用済みゲイン（dB）

	stopCh chan struct{}
	wg     sync.WaitGroup

	// no-bufferモードでの呼び出しを直列化する
	noBufMu sync.Mutex

	// テスト用にループ周期を上書きできる（0で設定値を使用）
	loopDelay time.Duration
	backoff   time.Duration
}

// NewSession は新しいCaptureSessionを作成する
func NewSession(cfg Config) (*CaptureSession, error) {
	cfg.Normalize()

	backend, err := NewBackend(cfg.Backend)
	if err != nil {
		return nil, err
	}

	return NewSessionWithBackend(cfg, backend), nil
}

// NewSessionWithBackend は指定されたバックエンドでCaptureSessionを作成する
func NewSessionWithBackend(cfg Config, backend Backend) *CaptureSession {
	cfg.Normalize()

	return &CaptureSession{
		id:       uuid.New().String(),
		backend:  backend,
		pipeline: NewPipeline(cfg),
		commands: NewCommandQueue(),
		slot:     NewFrameSlot(),
		metrics:  NewMetricsCollector(),
		health:   NewHealthMonitor(cfg.EffectiveFPS()),
		cfg:      cfg,
		backoff:  acquireFailureBackoff,
	}
}

// ID はセッションの識別子を返す
func (s *CaptureSession) ID() string {
	return s.id
}

// Start はバックエンドをオープンして取得ループを開始する
// オープン・設定・ストリーミング開始の失敗は同期的に返される
func (s *CaptureSession) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("セッション %s は既に開始されています", s.id)
	}

	if err := s.backend.Open(s.cfg); err != nil {
		return fmt.Errorf("セッションの開始に失敗: %w", err)
	}
	if err := s.backend.Configure(s.cfg); err != nil {
		s.backend.Close()
		return fmt.Errorf("セッションの開始に失敗: %w", err)
	}
	if err := s.backend.StartStream(); err != nil {
		s.backend.Close()
		return fmt.Errorf("セッションの開始に失敗: %w", err)
	}

	// 初期露光・ゲインもコマンドキュー経由で適用する
	// （ハードウェアへの書き込みを単一ゴルーチンに保つため）
	if s.cfg.ExposureUS != 0 {
		_ = s.commands.Enqueue(Command{Kind: CommandSetExposure, Value: s.cfg.ExposureUS})
	}
	if s.cfg.GainDB != 0 {
		_ = s.commands.Enqueue(Command{Kind: CommandSetGain, Value: s.cfg.GainDB})
	}

	s.running = true
	s.stopCh = make(chan struct{})

	if !s.cfg.NoBuffer {
		s.wg.Add(1)
		go s.run()
	}

	return nil
}

// Stop は取得ループに停止を通知し、バックエンドの解放を待つ
// 停止は協調的で、実行中のフレーム取得が返るまで待たされる
func (s *CaptureSession) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	noBuffer := s.cfg.NoBuffer
	s.mu.Unlock()

	if noBuffer {
		// ループが存在しないため呼び出し側でバックエンドを解放する
		s.noBufMu.Lock()
		s.backend.StopStream()
		s.backend.Close()
		s.noBufMu.Unlock()
	} else {
		s.wg.Wait()
	}

	s.slot.Clear()
}

// IsRunning はセッションが実行中かを返す
func (s *CaptureSession) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// ReadFrame は最新のエンコード済みフレームを返す
// まだフレームがない場合や停止後は ok=false を返す
func (s *CaptureSession) ReadFrame() (frame []byte, seq uint64, ok bool) {
	return s.slot.Read()
}

// SetExposure は露光時間の変更を投入する（非同期、適用確認なし）
// 100未満の値はミリ秒とみなしてマイクロ秒に変換される
func (s *CaptureSession) SetExposure(value float64) {
	if err := s.commands.Enqueue(Command{Kind: CommandSetExposure, Value: value}); err != nil {
		log.Printf("露光時間コマンドの投入に失敗: %v", err)
	}
}

// SetGain はゲインの変更を投入する（非同期、適用確認なし）
func (s *CaptureSession) SetGain(value float64) {
	if err := s.commands.Enqueue(Command{Kind: CommandSetGain, Value: value}); err != nil {
		log.Printf("ゲインコマンドの投入に失敗: %v", err)
	}
}

// Reconfigure は解像度・fpsの変更を投入する（非同期、停止・再開不要）
// 0の項目は変更されない
func (s *CaptureSession) Reconfigure(width, height, fps int) {
	cmd := Command{Kind: CommandSetFormat, Width: width, Height: height, FPS: fps}
	if err := s.commands.Enqueue(cmd); err != nil {
		log.Printf("再設定コマンドの投入に失敗: %v", err)
	}
}

// SetFlip は反転モードの変更を投入する（非同期）
func (s *CaptureSession) SetFlip(mode FlipMode) {
	if err := s.commands.Enqueue(Command{Kind: CommandSetFlip, Flip: mode}); err != nil {
		log.Printf("反転モードコマンドの投入に失敗: %v", err)
	}
}

// MarkServed は配信側で1フレーム送出したことを記録する
func (s *CaptureSession) MarkServed() {
	s.metrics.RecordServed()
}

// GetStatus は現在のセッション状態のスナップショットを返す
func (s *CaptureSession) GetStatus() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, _, hasFrame := s.slot.Read()
	var ageMS float64
	if age, ok := s.slot.Age(); ok {
		ageMS = durationMS(age)
	}

	return Status{
		ID:           s.id,
		Backend:      string(s.cfg.Backend),
		Device:       s.cfg.DeviceSelector(),
		Resolution:   fmt.Sprintf("%dx%d", s.cfg.Width, s.cfg.Height),
		FPS:          s.cfg.EffectiveFPS(),
		Running:      s.running,
		HasFrame:     hasFrame,
		LastFrameAge: ageMS,
		FailCount:    s.health.TotalFailures(),
		Exposure:     s.exposure,
		Gain:         s.gain,
		SafeMode:     s.cfg.SafeMode,
	}
}

// GetMetrics は現在のメトリクスのスナップショットを返す
func (s *CaptureSession) GetMetrics() Metrics {
	m := s.metrics.Snapshot()
	m.EmptyStreak = s.health.EmptyStreak()
	return m
}

// ReadAndEncode はno-bufferモードの同期取得パス
// 呼び出し側のゴルーチンで取得・変換・エンコードを1回行う
// FlushReads分の追加読み取りでドライバ側の滞留フレームを捨てる
func (s *CaptureSession) ReadAndEncode() ([]byte, error) {
	s.mu.RLock()
	if !s.cfg.NoBuffer {
		s.mu.RUnlock()
		return nil, fmt.Errorf("no-bufferモードが無効です")
	}
	if !s.running {
		s.mu.RUnlock()
		return nil, fmt.Errorf("セッションが開始されていません")
	}
	timeout := s.cfg.Timeout
	flushReads := s.cfg.FlushReads
	s.mu.RUnlock()

	s.noBufMu.Lock()
	defer s.noBufMu.Unlock()

	s.commands.Drain(s.applyCommand)

	loopStart := time.Now()
	t0 := time.Now()
	frame, ok, err := s.backend.Acquire(timeout)
	if err != nil {
		s.health.RecordFailure()
		return nil, err
	}

	// 滞留フレームを破棄して最新のフレームに追いつく
	for i := 0; i < flushReads; i++ {
		next, nextOK, nextErr := s.backend.Acquire(timeout)
		if nextErr != nil || !nextOK {
			break
		}
		if ok {
			_ = frame.Close()
		}
		frame, ok = next, true
	}
	acquireDur := time.Since(t0)

	if !ok {
		s.health.RecordEmpty()
		return nil, nil
	}
	s.health.RecordSuccess()

	t1 := time.Now()
	s.pipeline.Transform(&frame)
	processDur := time.Since(t1)

	t2 := time.Now()
	encoded, err := s.pipeline.Encode(frame)
	encodeDur := time.Since(t2)
	_ = frame.Close()
	if err != nil {
		return nil, err
	}

	s.metrics.RecordFrame(loopStart, acquireDur, processDur, encodeDur)
	return encoded, nil
}

// run は取得ループの本体
// 1/fps周期のティッカーで駆動され、停止通知はイテレーション先頭で観測される
func (s *CaptureSession) run() {
	defer s.wg.Done()

	s.mu.RLock()
	delay := s.loopDelay
	if delay <= 0 {
		delay = s.cfg.TargetDelay()
	}
	frameSkip := uint64(s.cfg.FrameSkip)
	timeout := s.cfg.Timeout
	s.mu.RUnlock()

	ticker := time.NewTicker(delay)
	defer ticker.Stop()

	var counter uint64

	for {
		select {
		case <-s.stopCh:
			s.backend.StopStream()
			s.backend.Close()
			return
		case <-ticker.C:
		}

		// 滞留しているパラメータ変更を取得前にすべて適用する
		s.commands.Drain(s.applyCommand)

		counter++
		loopStart := time.Now()

		t0 := time.Now()
		frame, ok, err := s.backend.Acquire(timeout)
		acquireDur := time.Since(t0)

		if err != nil {
			// 取得エラーの連続も復旧の対象にする
			// （再オープン失敗後の閉じたハンドルはエラーを返し続けるため）
			shouldRecover := s.health.RecordFailure()
			log.Printf("フレーム取得に失敗: %v", err)
			time.Sleep(s.backoff)
			if shouldRecover {
				s.recoverStream()
			}
			continue
		}
		if !ok {
			// 空フレームはエラーではないが、連続すると復旧を開始する
			if s.health.RecordEmpty() {
				s.recoverStream()
			}
			continue
		}
		s.health.RecordSuccess()

		// フレームスキップ: パイプラインを間引いてもfpsの計算は続ける
		if frameSkip > 0 && counter%(frameSkip+1) != 1 {
			s.metrics.RecordInterval(loopStart)
			_ = frame.Close()
			continue
		}

		t1 := time.Now()
		s.pipeline.Transform(&frame)
		processDur := time.Since(t1)

		t2 := time.Now()
		encoded, encErr := s.pipeline.Encode(frame)
		encodeDur := time.Since(t2)
		_ = frame.Close()

		if encErr != nil {
			log.Printf("フレームのエンコードに失敗: %v", encErr)
			continue
		}

		s.slot.Publish(encoded)
		s.metrics.RecordFrame(loopStart, acquireDur, processDur, encodeDur)
	}
}

// applyCommand は1件のパラメータ変更をバックエンドに適用する
// 個々の失敗はログに残すのみで、ループは継続する
func (s *CaptureSession) applyCommand(cmd Command) {
	switch cmd.Kind {
	case CommandSetExposure:
		us := inferExposureUS(cmd.Value)
		if err := s.backend.SetProperty(PropExposure, us); err != nil {
			log.Printf("露光時間の適用に失敗: %v", err)
		}
		s.mu.Lock()
		s.exposure = us
		s.mu.Unlock()

	case CommandSetGain:
		if err := s.backend.SetProperty(PropGain, cmd.Value); err != nil {
			log.Printf("ゲインの適用に失敗: %v", err)
		}
		s.mu.Lock()
		s.gain = cmd.Value
		s.mu.Unlock()

	case CommandSetFlip:
		// パイプラインの変更は取得ループのゴルーチンからのみ行う
		s.pipeline.SetFlip(cmd.Flip)
		s.mu.Lock()
		s.cfg.FlipMode = cmd.Flip
		s.mu.Unlock()

	case CommandSetFormat:
		s.mu.RLock()
		safeMode := s.cfg.SafeMode
		s.mu.RUnlock()
		if safeMode {
			// 再設定でドライバがクラッシュする機種があるため丸ごと省略する
			log.Printf("セーフモード: フォーマット変更を省略します")
			return
		}

		if cmd.Width > 0 {
			if err := s.backend.SetProperty(PropWidth, float64(cmd.Width)); err != nil {
				log.Printf("幅の適用に失敗: %v", err)
			}
		}
		if cmd.Height > 0 {
			if err := s.backend.SetProperty(PropHeight, float64(cmd.Height)); err != nil {
				log.Printf("高さの適用に失敗: %v", err)
			}
		}
		if cmd.FPS > 0 {
			if err := s.backend.SetProperty(PropFPS, float64(cmd.FPS)); err != nil {
				log.Printf("fpsの適用に失敗: %v", err)
			}
		}

		s.mu.Lock()
		if cmd.Width > 0 {
			s.cfg.Width = cmd.Width
		}
		if cmd.Height > 0 {
			s.cfg.Height = cmd.Height
		}
		if cmd.FPS > 0 {
			s.cfg.FPS = cmd.FPS
		}
		s.mu.Unlock()
	}
}

// recoverStream は2段階の復旧を実行する
//
// まずハンドルを保持したままストリーミングの再開を試み（ソフト再起動）、
// それが失敗した場合のみデバイスを列挙し直してオープンからやり直す。
// どちらも失敗してもループは継続し、しきい値の再到達で再試行される。
// セッションを終了できるのは明示的なStopだけ。
func (s *CaptureSession) recoverStream() {
	// しきい値を再到達するまで次の復旧を抑止する
	s.health.ResetStreaks()

	log.Printf("フレームが連続して届かないためソフト再起動を試みます")
	s.backend.StopStream()
	if err := s.backend.StartStream(); err == nil {
		log.Printf("ソフト再起動でストリーミングが回復しました")
		return
	} else {
		log.Printf("ソフト再起動に失敗: %v", err)
	}

	log.Printf("デバイスを再オープンします")
	s.backend.Close()

	s.mu.RLock()
	cfg := s.cfg
	s.mu.RUnlock()

	if err := s.backend.Open(cfg); err != nil {
		log.Printf("デバイスの再オープンに失敗: %v", err)
		return
	}
	if err := s.backend.Configure(cfg); err != nil {
		log.Printf("再オープン後の設定に失敗: %v", err)
	}
	if err := s.backend.StartStream(); err != nil {
		log.Printf("再オープン後のストリーミング開始に失敗: %v", err)
		return
	}

	log.Printf("デバイスの再オープンでストリーミングが回復しました")
}
