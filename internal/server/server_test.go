package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"hitomi/internal/camera"
	"hitomi/internal/config"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	m.Run()
}

// newTestServer はモックバックエンドのセッション付きテストサーバーを作成する
func newTestServer(t *testing.T, camCfg camera.Config) (*Server, *camera.MockBackend) {
	t.Helper()

	// テストを高速化するため高fpsで短いループ周期にする
	if camCfg.FPS == 0 {
		camCfg.FPS = 100
	}

	cfg := &config.Config{
		Server: config.ServerConfig{Host: "127.0.0.1", Port: 8080},
		Camera: camCfg,
	}

	backend := camera.NewMockBackend()
	session := camera.NewSessionWithBackend(cfg.Camera, backend)

	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("session start failed: %v", err)
	}
	t.Cleanup(session.Stop)

	return New(cfg, session), backend
}

// waitForFrame は最初のフレームが発行されるまで待つ
func waitForFrame(t *testing.T, server *Server) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, _, ok := server.session.ReadFrame(); ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no frame published")
}

func TestHandleIndex(t *testing.T) {
	server, _ := newTestServer(t, camera.Config{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "/stream.mjpg") {
		t.Error("Expected index page to reference the stream")
	}
}

func TestHandleSettings(t *testing.T) {
	server, backend := newTestServer(t, camera.Config{})

	// 露光とゲインを投入
	form := url.Values{}
	form.Set("exposure", "20000")
	form.Set("gain", "6")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/settings", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	// コマンドキュー経由で適用されることを確認
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(backend.Props()) >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	props := backend.Props()
	if len(props) < 2 {
		t.Fatalf("Expected 2 property calls, got %d", len(props))
	}
	if props[0].Name != camera.PropExposure || props[0].Value != 20000 {
		t.Errorf("Expected exposure 20000 first, got %s=%v", props[0].Name, props[0].Value)
	}
	if props[1].Name != camera.PropGain || props[1].Value != 6 {
		t.Errorf("Expected gain 6 second, got %s=%v", props[1].Name, props[1].Value)
	}
}

func TestHandleSettings_InvalidValue(t *testing.T) {
	server, _ := newTestServer(t, camera.Config{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/settings?exposure=bright", nil)
	server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
}

func TestHandleSettings_GetCurrent(t *testing.T) {
	server, _ := newTestServer(t, camera.Config{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/settings", nil)
	server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var body map[string]float64
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if _, ok := body["exposure"]; !ok {
		t.Error("Expected exposure in response")
	}
}

func TestHandleVideoSettings(t *testing.T) {
	server, _ := newTestServer(t, camera.Config{Width: 640, Height: 480})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/video_settings?resolution=1280x720&fps=30", nil)
	server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	// 再設定が反映されるまで待つ
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if server.session.GetStatus().Resolution == "1280x720" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Errorf("Expected resolution 1280x720, got %s", server.session.GetStatus().Resolution)
}

func TestHandleVideoSettings_InvalidResolution(t *testing.T) {
	server, _ := newTestServer(t, camera.Config{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/video_settings?resolution=wide", nil)
	server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
}

func TestHandleMetrics(t *testing.T) {
	server, _ := newTestServer(t, camera.Config{})
	waitForFrame(t, server)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var metrics camera.Metrics
	if err := json.Unmarshal(w.Body.Bytes(), &metrics); err != nil {
		t.Fatalf("Failed to parse metrics: %v", err)
	}
	if metrics.FramesTotal == 0 {
		t.Error("Expected non-zero frames_total")
	}
}

func TestHandleHealth(t *testing.T) {
	server, _ := newTestServer(t, camera.Config{})
	waitForFrame(t, server)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("Expected healthy status, got %v", body["status"])
	}
}

func TestHandleHealth_Degraded(t *testing.T) {
	// フレームがまだない状態では503
	cfg := &config.Config{
		Server: config.ServerConfig{Host: "127.0.0.1", Port: 8080},
		Camera: camera.Config{FPS: 100},
	}
	backend := camera.NewMockBackend()
	backend.SetAlwaysEmpty(true)

	session := camera.NewSessionWithBackend(cfg.Camera, backend)
	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("session start failed: %v", err)
	}
	t.Cleanup(session.Stop)

	server := New(cfg, session)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", w.Code)
	}
}

func TestHandleStatus(t *testing.T) {
	server, _ := newTestServer(t, camera.Config{Width: 640, Height: 480})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var body struct {
		Session camera.Status `json:"session"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if body.Session.Resolution != "640x480" {
		t.Errorf("Expected resolution 640x480, got %s", body.Session.Resolution)
	}
	if !body.Session.Running {
		t.Error("Expected session running")
	}
}

func TestHandleDevices(t *testing.T) {
	server, _ := newTestServer(t, camera.Config{})
	server.discovery = camera.NewMockDiscovery([]string{"/dev/video0", "/dev/video2"})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/devices", nil)
	server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var body struct {
		Devices []struct {
			Device string `json:"device"`
			Name   string `json:"name"`
		} `json:"devices"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if len(body.Devices) != 2 {
		t.Fatalf("Expected 2 devices, got %d", len(body.Devices))
	}
	if body.Devices[0].Device != "/dev/video0" {
		t.Errorf("Expected /dev/video0 first, got %s", body.Devices[0].Device)
	}
}

func TestHandleStream(t *testing.T) {
	server, _ := newTestServer(t, camera.Config{})
	waitForFrame(t, server)

	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/stream.mjpg", nil)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "multipart/x-mixed-replace") {
		t.Fatalf("Expected multipart content type, got %s", contentType)
	}

	// 最初のパートのヘッダーとボディを読み取る
	reader := bufio.NewReader(resp.Body)

	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("Failed to read boundary: %v", err)
	}
	if strings.TrimSpace(line) != "--frame" {
		t.Fatalf("Expected boundary --frame, got %q", strings.TrimSpace(line))
	}

	var contentLength int
	for {
		line, err = reader.ReadString('\n')
		if err != nil {
			t.Fatalf("Failed to read part header: %v", err)
		}
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			break
		}
		if strings.HasPrefix(trimmed, "Content-Length:") {
			if _, err := fmt.Sscanf(trimmed, "Content-Length: %d", &contentLength); err != nil {
				t.Fatalf("Failed to parse content length: %v", err)
			}
		}
	}

	if contentLength == 0 {
		t.Fatal("Expected non-zero Content-Length in part header")
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(reader, body); err != nil {
		t.Fatalf("Failed to read frame body: %v", err)
	}

	// JPEGのSOIマーカーを確認
	if body[0] != 0xFF || body[1] != 0xD8 {
		t.Errorf("Expected JPEG SOI marker, got %x %x", body[0], body[1])
	}
}
