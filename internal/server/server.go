package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"hitomi/internal/camera"
	"hitomi/internal/config"
)

// Server はHTTPサーバーを管理する構造体
type Server struct {
	config     *config.Config
	session    *camera.CaptureSession
	discovery  camera.Discovery
	engine     *gin.Engine
	httpServer *http.Server
}

// New は新しいServerインスタンスを作成する
func New(cfg *config.Config, session *camera.CaptureSession) *Server {
	engine := gin.New()
	engine.Use(gin.Logger(), gin.Recovery())

	server := &Server{
		config:    cfg,
		session:   session,
		discovery: camera.NewLinuxDiscovery(),
		engine:    engine,
		httpServer: &http.Server{
			Addr:         cfg.ServerAddress(),
			Handler:      engine,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
	}

	server.setupRoutes()
	return server
}

// setupRoutes はHTTPルートを設定する
func (s *Server) setupRoutes() {
	// 確認用のコントロールページ
	s.engine.GET("/", s.handleIndex)

	// MJPEGストリーミング
	s.engine.GET("/stream.mjpg", s.handleStream)

	// 設定変更（露光・ゲイン）
	s.engine.GET("/settings", s.handleSettings)
	s.engine.POST("/settings", s.handleSettings)

	// 設定変更（解像度・fps・反転）
	s.engine.GET("/video_settings", s.handleVideoSettings)
	s.engine.POST("/video_settings", s.handleVideoSettings)

	// 監視用エンドポイント
	s.engine.GET("/metrics", s.handleMetrics)
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/api/status", s.handleStatus)
	s.engine.GET("/api/devices", s.handleDevices)
}

// Start はサーバーを起動し、シグナルかコンテキストの終了まで待機する
func (s *Server) Start(ctx context.Context) error {
	// シャットダウン用のチャンネル
	shutdownCh := make(chan error, 1)

	// サーバーを別ゴルーチンで起動
	go func() {
		log.Printf("HTTPサーバーを起動しています: %s", s.config.ServerAddress())
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			shutdownCh <- fmt.Errorf("サーバーの起動に失敗: %w", err)
		}
	}()

	// シグナルハンドリング
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// コンテキストかシグナルを待つ
	select {
	case <-ctx.Done():
		log.Println("コンテキストがキャンセルされました")
	case sig := <-sigCh:
		log.Printf("シグナルを受信しました: %v", sig)
	case err := <-shutdownCh:
		return err
	}

	// グレースフルシャットダウン
	return s.Shutdown()
}

// Shutdown はサーバーをグレースフルにシャットダウンする
func (s *Server) Shutdown() error {
	log.Println("サーバーをシャットダウンしています...")

	// 5秒のタイムアウトを設定
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("サーバーのシャットダウンに失敗: %w", err)
	}

	log.Println("サーバーが正常にシャットダウンされました")
	return nil
}

// Handler はテスト用にHTTPハンドラを返す
func (s *Server) Handler() http.Handler {
	return s.engine
}
