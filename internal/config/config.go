// Package config はアプリケーションの設定を環境変数から読み込む
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"hitomi/internal/camera"
)

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server ServerConfig
	Camera camera.Config
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string // リッスンするホスト
	Port int    // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout  time.Duration // 読み込みタイムアウト
	WriteTimeout time.Duration // 書き込みタイムアウト
}

// Load は環境変数から設定を読み込む
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:         getEnvOrDefault("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvAsIntOrDefault("PORT", 8080),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 0, // ストリーミング用にタイムアウト無効化
		},
		Camera: camera.Config{
			Backend:     camera.BackendKind(getEnvOrDefault("CAMERA_BACKEND", string(camera.BackendUVC))),
			Serial:      os.Getenv("CAMERA_SERIAL"),
			FPS:         getEnvAsIntOrDefault("CAMERA_FPS", camera.DefaultFPS),
			JPEGQuality: getEnvAsIntOrDefault("CAMERA_JPEG_QUALITY", camera.DefaultJPEGQuality),
			Downscale:   getEnvAsIntOrDefault("CAMERA_DOWNSCALE", 1),
			FrameSkip:   getEnvAsIntOrDefault("CAMERA_FRAME_SKIP", 0),
			FlipMode:    camera.ParseFlipMode(os.Getenv("CAMERA_FLIP_MODE")),
			SafeMode:    getEnvAsBoolOrDefault("CAMERA_SAFE_MODE", false),
			NoBuffer:    getEnvAsBoolOrDefault("CAMERA_NO_BUFFER", false),
			FlushReads:  getEnvAsIntOrDefault("CAMERA_FLUSH_READS", 0),
			ExposureUS:  getEnvAsFloatOrDefault("CAMERA_EXPOSURE_US", 0),
			GainDB:      getEnvAsFloatOrDefault("CAMERA_GAIN_DB", 0),
		},
	}

	// デバイスはパスまたは番号で指定できる
	if device := os.Getenv("CAMERA_DEVICE"); device != "" {
		if index, err := strconv.Atoi(device); err == nil {
			cfg.Camera.DeviceIndex = index
		} else {
			cfg.Camera.DevicePath = device
		}
	}

	// 解像度は "幅x高さ" 形式
	if res := os.Getenv("CAMERA_RESOLUTION"); res != "" {
		width, height, err := parseResolution(res)
		if err != nil {
			return nil, fmt.Errorf("設定の読み込みに失敗: %w", err)
		}
		cfg.Camera.Width = width
		cfg.Camera.Height = height
	}

	if roi := os.Getenv("CAMERA_ROI"); roi != "" {
		parsed, err := camera.ParseROI(roi)
		if err != nil {
			return nil, fmt.Errorf("設定の読み込みに失敗: %w", err)
		}
		cfg.Camera.ROI = parsed
	}

	if timeoutMS := getEnvAsIntOrDefault("CAMERA_TIMEOUT_MS", 0); timeoutMS > 0 {
		cfg.Camera.Timeout = time.Duration(timeoutMS) * time.Millisecond
	}

	cfg.Camera.Normalize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("無効なポート番号: %d", c.Server.Port)
	}

	switch c.Camera.Backend {
	case camera.BackendUVC, camera.BackendIndustrial:
	default:
		return fmt.Errorf("無効なバックエンド種別: %s", c.Camera.Backend)
	}

	if c.Camera.FPS < 0 {
		return fmt.Errorf("無効なfps: %d", c.Camera.FPS)
	}

	return nil
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// parseResolution は "幅x高さ" 形式の文字列を解釈する
func parseResolution(s string) (width, height int, err error) {
	parts := strings.SplitN(strings.ToLower(s), "x", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("解像度の形式が不正です（幅x高さ が必要）: %s", s)
	}

	width, err = strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("解像度の幅が不正です: %w", err)
	}
	height, err = strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, fmt.Errorf("解像度の高さが不正です: %w", err)
	}

	return width, height, nil
}

// getEnvOrDefault は環境変数を取得し、設定されていない場合はデフォルト値を返す
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault は環境変数を整数として取得し、設定されていない場合はデフォルト値を返す
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvAsFloatOrDefault は環境変数を実数として取得し、設定されていない場合はデフォルト値を返す
func getEnvAsFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

// getEnvAsBoolOrDefault は環境変数を真偽値として取得し、設定されていない場合はデフォルト値を返す
func getEnvAsBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
