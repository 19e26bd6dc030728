package camera

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"gocv.io/x/gocv"
)

// 起動時に致命的となるエラー
// start() の呼び出し元に同期的に返され、ループには入らない
var (
	// ErrDeviceNotFound はデバイスが見つからないことを表す
	ErrDeviceNotFound = errors.New("デバイスが見つかりません")
	// ErrOpenFailed はデバイスのオープン失敗を表す
	ErrOpenFailed = errors.New("デバイスのオープンに失敗しました")
	// ErrConfigureFailed はデバイスの設定失敗を表す
	ErrConfigureFailed = errors.New("デバイスの設定に失敗しました")
	// ErrStreamStartFailed はストリーミング開始の失敗を表す
	ErrStreamStartFailed = errors.New("ストリーミングの開始に失敗しました")
)

// 実行中の一時的なエラー
var (
	// ErrAcquireFailed はフレーム取得の失敗を表す（タイムアウトは含まない）
	ErrAcquireFailed = errors.New("フレームの取得に失敗しました")
	// ErrPropertyNotSupported はバックエンドが対応していないプロパティを表す
	ErrPropertyNotSupported = errors.New("サポートされていないプロパティです")
)

// バックエンドに設定するプロパティ名
const (
	// PropExposure は露光時間（マイクロ秒）
	PropExposure = "exposure"
	// PropGain はゲイン（dB）
	PropGain = "gain"
	// PropWidth は画像幅
	PropWidth = "width"
	// PropHeight は画像高さ
	PropHeight = "height"
	// PropFPS はフレームレート
	PropFPS = "fps"
)

// Backend はカメラデバイスへのアクセスを抽象化するインターフェース
//
// ハンドルの所有権は取得ループのゴルーチンにあり、Open以降の呼び出しは
// すべてそのゴルーチンから行われる（no-bufferモードを除く）。
type Backend interface {
	// Open はデバイスを列挙してオープンする
	// 列挙は呼び出しのたびに新規に行う（デバイスリストのキャッシュは持たない）
	Open(cfg Config) error

	// Configure は解像度・fpsを設定し、自動露光・自動ゲインを無効化する
	// 個々のプロパティ設定はベストエフォートで、失敗はログに残して続行する
	// SafeMode時はプロパティ設定を一切行わない
	Configure(cfg Config) error

	// StartStream はストリーミングを開始する
	StartStream() error

	// Acquire は1フレームを取得する（timeoutまでブロックする）
	// フレームが届かなかった場合は ok=false を返す（エラーではない）
	Acquire(timeout time.Duration) (frame gocv.Mat, ok bool, err error)

	// SetProperty はストリーミング開始後のプロパティ変更に使う
	SetProperty(name string, value float64) error

	// StopStream はストリーミングを停止する（ベストエフォート）
	StopStream()

	// Close はデバイスを解放する（ベストエフォート）
	Close()
}

// NewBackend は設定に応じたバックエンドを作成する
func NewBackend(kind BackendKind) (Backend, error) {
	switch kind {
	case BackendUVC:
		return NewUVCBackend(), nil
	case BackendIndustrial:
		return NewIndustrialBackend(), nil
	default:
		return nil, fmt.Errorf("未知のバックエンド種別: %s", kind)
	}
}

// PropCall はモックに記録されたプロパティ設定を表す
type PropCall struct {
	Name  string
	Value float64
}

// MockCalls はモックの呼び出し回数のスナップショット
type MockCalls struct {
	Open      int
	Configure int
	Start     int
	Stop      int
	Close     int
	Acquire   int
}

// MockBackend はテスト用のモックバックエンド実装
type MockBackend struct {
	mu sync.Mutex

	// テスト制御用
	openErr      error
	openErrOnce  error // 次のOpenでのみ返す
	configureErr error
	startErr     error // 初回のStartStreamで返す
	restartErr   error // 2回目以降のStartStreamで返す
	acquireErr   error
	alwaysEmpty  bool
	frameWidth   int
	frameHeight  int

	closed      bool
	lastTimeout time.Duration

	calls MockCalls
	props []PropCall
}

// NewMockBackend は新しいMockBackendを作成する
func NewMockBackend() *MockBackend {
	return &MockBackend{
		frameWidth:  640,
		frameHeight: 480,
	}
}

// Open はモックデバイスをオープンする
func (m *MockBackend) Open(_ Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls.Open++
	if m.openErrOnce != nil {
		err := m.openErrOnce
		m.openErrOnce = nil
		return err
	}
	if m.openErr != nil {
		return m.openErr
	}
	m.closed = false
	return nil
}

// Configure はモックデバイスを設定する
func (m *MockBackend) Configure(_ Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls.Configure++
	return m.configureErr
}

// StartStream はモックストリーミングを開始する
func (m *MockBackend) StartStream() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls.Start++
	if m.calls.Start == 1 {
		return m.startErr
	}
	return m.restartErr
}

// Acquire はモックフレームを返す
// 実バックエンドと同様、閉じたハンドルへの取得はエラーになる
func (m *MockBackend) Acquire(timeout time.Duration) (gocv.Mat, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls.Acquire++
	m.lastTimeout = timeout

	if m.closed {
		return gocv.Mat{}, false, fmt.Errorf("%w: デバイスが開かれていません", ErrAcquireFailed)
	}
	if m.acquireErr != nil {
		return gocv.Mat{}, false, m.acquireErr
	}
	if m.alwaysEmpty {
		return gocv.Mat{}, false, nil
	}

	frame := gocv.NewMatWithSize(m.frameHeight, m.frameWidth, gocv.MatTypeCV8UC3)
	return frame, true, nil
}

// SetProperty はプロパティ設定を記録する
func (m *MockBackend) SetProperty(name string, value float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.props = append(m.props, PropCall{Name: name, Value: value})
	return nil
}

// StopStream はモックストリーミングを停止する
func (m *MockBackend) StopStream() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls.Stop++
}

// Close はモックデバイスを解放する
func (m *MockBackend) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls.Close++
	m.closed = true
}

// Calls は呼び出し回数のスナップショットを返す
func (m *MockBackend) Calls() MockCalls {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Props は記録されたプロパティ設定を返す
func (m *MockBackend) Props() []PropCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]PropCall, len(m.props))
	copy(result, m.props)
	return result
}

// SetOpenError はテスト用にOpen失敗を設定する
func (m *MockBackend) SetOpenError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openErr = err
}

// SetOpenErrorOnce はテスト用に次の1回のOpen失敗を設定する
func (m *MockBackend) SetOpenErrorOnce(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openErrOnce = err
}

// LastTimeout は最後のAcquireに渡されたタイムアウトを返す
func (m *MockBackend) LastTimeout() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastTimeout
}

// SetStartError はテスト用に初回StartStream失敗を設定する
func (m *MockBackend) SetStartError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startErr = err
}

// SetRestartError はテスト用に2回目以降のStartStream失敗を設定する
func (m *MockBackend) SetRestartError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restartErr = err
}

// SetAlwaysEmpty はテスト用に空フレーム応答を設定する
func (m *MockBackend) SetAlwaysEmpty(empty bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alwaysEmpty = empty
}

// SetAcquireError はテスト用にAcquire失敗を設定する
func (m *MockBackend) SetAcquireError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acquireErr = err
}

// SetFrameSize はテスト用にモックフレームの寸法を設定する
func (m *MockBackend) SetFrameSize(width, height int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frameWidth = width
	m.frameHeight = height
}
