package main

import (
	"context"
	"log"

	"hitomi/internal/camera"
	"hitomi/internal/config"
	"hitomi/internal/server"
)

func main() {
	// 設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	// コンテキストを作成
	ctx := context.Background()

	// キャプチャセッションを作成して開始
	session, err := camera.NewSession(cfg.Camera)
	if err != nil {
		log.Fatalf("セッションの作成に失敗しました: %v", err)
	}
	if err := session.Start(ctx); err != nil {
		log.Fatalf("セッションの開始に失敗しました: %v", err)
	}
	defer session.Stop()

	// サーバーを作成して起動
	srv := server.New(cfg, session)
	if err := srv.Start(ctx); err != nil {
		log.Fatalf("サーバーの起動に失敗しました: %v", err)
	}
}
