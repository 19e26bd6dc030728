package camera

import (
	"sync"
	"time"
)

// EMAの平滑化係数（新サンプルの重みは0.15）
const (
	emaKeepWeight = 0.85
	emaNewWeight  = 0.15
)

// MetricsCollector はステージ別の処理時間とフレームレートを追跡する
//
// キャプチャ側のfpsは取得ループが、配信側のfpsは配信パスが更新する。
// どちらのEMAも最初の計測値で初期化される。
type MetricsCollector struct {
	mu sync.Mutex

	framesTotal uint64
	servedTotal uint64

	acquireMS  float64
	processMS  float64
	encodeMS   float64
	intervalMS float64

	fps       float64
	fpsInst   float64
	servedFPS float64

	lastFrame  time.Time
	lastServed time.Time
}

// NewMetricsCollector は新しいMetricsCollectorを作成する
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{}
}

// RecordFrame はパイプラインを通過した1フレーム分の計測値を記録する
func (m *MetricsCollector) RecordFrame(loopStart time.Time, acquire, process, encode time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.framesTotal++
	m.acquireMS = durationMS(acquire)
	m.processMS = durationMS(process)
	m.encodeMS = durationMS(encode)

	if !m.lastFrame.IsZero() {
		interval := loopStart.Sub(m.lastFrame)
		m.intervalMS = durationMS(interval)
		if interval > 0 {
			inst := 1.0 / interval.Seconds()
			m.fpsInst = inst
			if m.fps == 0 {
				m.fps = inst
			} else {
				m.fps = emaKeepWeight*m.fps + emaNewWeight*inst
			}
		}
	}
	m.lastFrame = loopStart
}

// RecordInterval はパイプラインを間引いたイテレーションの間隔のみを記録する
// フレームスキップ中もfpsの計算が狂わないよう、タイムスタンプは毎回進める
func (m *MetricsCollector) RecordInterval(loopStart time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.lastFrame.IsZero() {
		m.intervalMS = durationMS(loopStart.Sub(m.lastFrame))
	}
	m.lastFrame = loopStart
}

// RecordServed は配信側で1フレーム送出したことを記録する
// 配信fpsのEMAはキャプチャ側とは独立に追跡される
func (m *MetricsCollector) RecordServed() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.servedTotal++
	if !m.lastServed.IsZero() {
		interval := now.Sub(m.lastServed)
		if interval > 0 {
			inst := 1.0 / interval.Seconds()
			if m.servedFPS == 0 {
				m.servedFPS = inst
			} else {
				m.servedFPS = emaKeepWeight*m.servedFPS + emaNewWeight*inst
			}
		}
	}
	m.lastServed = now
}

// Snapshot は現在の計測値のスナップショットを返す
func (m *MetricsCollector) Snapshot() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Metrics{
		FramesTotal:     m.framesTotal,
		ServedTotal:     m.servedTotal,
		AcquireMS:       m.acquireMS,
		ProcessMS:       m.processMS,
		EncodeMS:        m.encodeMS,
		FrameIntervalMS: m.intervalMS,
		FPS:             m.fps,
		FPSInstant:      m.fpsInst,
		ServedFPS:       m.servedFPS,
	}
}

// durationMS はDurationをミリ秒のfloatに変換する
func durationMS(d time.Duration) float64 {
	return float64(d.Nanoseconds()) / 1e6
}

// HealthMonitor は取得失敗の連続回数を追跡し、復旧の要否を判定する
//
// 空フレームと取得エラーは別のカウンタで追跡され、どちらかが
// しきい値に達すると復旧が開始される。取得エラー側のしきい値が
// ないと、ハンドルが死んだままエラーを返し続ける状態（再オープン
// 失敗後など）から二度と復旧できなくなる。
type HealthMonitor struct {
	mu sync.Mutex

	emptyStreak   uint64 // 連続で空フレームだった回数
	failStreak    uint64 // 連続で取得エラーだった回数
	totalFailures uint64 // 累積の取得エラー回数
	threshold     uint64 // 復旧を開始する連続回数
}

// NewHealthMonitor は新しいHealthMonitorを作成する
// 復旧しきい値は max(10, fps)
func NewHealthMonitor(fps int) *HealthMonitor {
	threshold := uint64(10)
	if fps > 10 {
		threshold = uint64(fps)
	}
	return &HealthMonitor{threshold: threshold}
}

// RecordEmpty は空フレームを記録し、復旧すべきならtrueを返す
func (h *HealthMonitor) RecordEmpty() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.emptyStreak++
	return h.emptyStreak >= h.threshold
}

// RecordFailure は取得エラーを記録し、復旧すべきならtrueを返す
func (h *HealthMonitor) RecordFailure() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.failStreak++
	h.totalFailures++
	return h.failStreak >= h.threshold
}

// RecordSuccess は取得成功を記録し、連続カウンタをリセットする
func (h *HealthMonitor) RecordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.emptyStreak = 0
	h.failStreak = 0
}

// ResetStreaks は空フレーム・取得エラーの連続カウンタをリセットする
// 復旧処理の開始時に呼ばれ、しきい値の再到達まで次の復旧を抑止する
func (h *HealthMonitor) ResetStreaks() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.emptyStreak = 0
	h.failStreak = 0
}

// EmptyStreak は空フレームの連続回数を返す
func (h *HealthMonitor) EmptyStreak() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.emptyStreak
}

// TotalFailures は累積の取得エラー回数を返す
func (h *HealthMonitor) TotalFailures() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.totalFailures
}

// Threshold は復旧を開始する空フレーム連続回数を返す
func (h *HealthMonitor) Threshold() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.threshold
}
