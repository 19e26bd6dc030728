package config

import (
	"testing"
	"time"

	"hitomi/internal/camera"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("Expected default host 0.0.0.0, got %s", cfg.Server.Host)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Camera.Backend != camera.BackendUVC {
		t.Errorf("Expected default backend uvc, got %s", cfg.Camera.Backend)
	}
	if cfg.Camera.FPS != camera.DefaultFPS {
		t.Errorf("Expected default fps %d, got %d", camera.DefaultFPS, cfg.Camera.FPS)
	}
	if cfg.Camera.JPEGQuality != camera.DefaultJPEGQuality {
		t.Errorf("Expected default quality %d, got %d", camera.DefaultJPEGQuality, cfg.Camera.JPEGQuality)
	}
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	t.Setenv("SERVER_HOST", "127.0.0.1")
	t.Setenv("PORT", "9090")
	t.Setenv("CAMERA_BACKEND", "industrial")
	t.Setenv("CAMERA_SERIAL", "FD1234567")
	t.Setenv("CAMERA_RESOLUTION", "1280x720")
	t.Setenv("CAMERA_FPS", "30")
	t.Setenv("CAMERA_JPEG_QUALITY", "90")
	t.Setenv("CAMERA_FLIP_MODE", "h")
	t.Setenv("CAMERA_FRAME_SKIP", "2")
	t.Setenv("CAMERA_ROI", "10,20,300,200")
	t.Setenv("CAMERA_SAFE_MODE", "true")
	t.Setenv("CAMERA_EXPOSURE_US", "20000")
	t.Setenv("CAMERA_GAIN_DB", "6.5")
	t.Setenv("CAMERA_TIMEOUT_MS", "200")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Expected host 127.0.0.1, got %s", cfg.Server.Host)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Camera.Backend != camera.BackendIndustrial {
		t.Errorf("Expected backend industrial, got %s", cfg.Camera.Backend)
	}
	if cfg.Camera.Serial != "FD1234567" {
		t.Errorf("Expected serial FD1234567, got %s", cfg.Camera.Serial)
	}
	if cfg.Camera.Width != 1280 || cfg.Camera.Height != 720 {
		t.Errorf("Expected 1280x720, got %dx%d", cfg.Camera.Width, cfg.Camera.Height)
	}
	if cfg.Camera.FPS != 30 {
		t.Errorf("Expected fps 30, got %d", cfg.Camera.FPS)
	}
	if cfg.Camera.FlipMode != camera.FlipHorizontal {
		t.Errorf("Expected flip mode h, got %s", cfg.Camera.FlipMode)
	}
	if cfg.Camera.ROI == nil || cfg.Camera.ROI.Width != 300 {
		t.Errorf("Expected ROI width 300, got %+v", cfg.Camera.ROI)
	}
	if !cfg.Camera.SafeMode {
		t.Error("Expected safe mode enabled")
	}
	if cfg.Camera.ExposureUS != 20000 {
		t.Errorf("Expected exposure 20000, got %v", cfg.Camera.ExposureUS)
	}
	if cfg.Camera.GainDB != 6.5 {
		t.Errorf("Expected gain 6.5, got %v", cfg.Camera.GainDB)
	}
	if cfg.Camera.Timeout != 200*time.Millisecond {
		t.Errorf("Expected timeout 200ms, got %v", cfg.Camera.Timeout)
	}
}

func TestLoad_DeviceSelector(t *testing.T) {
	// 数値はデバイス番号として扱う
	t.Setenv("CAMERA_DEVICE", "2")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Camera.DeviceIndex != 2 {
		t.Errorf("Expected device index 2, got %d", cfg.Camera.DeviceIndex)
	}
	if cfg.Camera.DevicePath != "" {
		t.Errorf("Expected empty device path, got %s", cfg.Camera.DevicePath)
	}

	// パスはそのまま保持する
	t.Setenv("CAMERA_DEVICE", "/dev/video1")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Camera.DevicePath != "/dev/video1" {
		t.Errorf("Expected device path /dev/video1, got %s", cfg.Camera.DevicePath)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"不正な解像度", "CAMERA_RESOLUTION", "wide"},
		{"不正なROI", "CAMERA_ROI", "1,2,3"},
		{"不正なバックエンド", "CAMERA_BACKEND", "gige"},
		{"不正なポート", "PORT", "70000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Errorf("Expected error for %s=%s", tt.key, tt.value)
			}
		})
	}
}

func TestServerAddress(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{Host: "localhost", Port: 8080},
	}

	if addr := cfg.ServerAddress(); addr != "localhost:8080" {
		t.Errorf("Expected localhost:8080, got %s", addr)
	}
}
