// Package main はKankenサーバーコマンドの実装です
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"kanken/internal/config"
	"kanken/internal/server"
)

func main() {
	// コマンドラインオプション
	var (
		host    = flag.String("host", "", "サーバーのホスト (デフォルト: 0.0.0.0)")
		port    = flag.Int("port", 0, "サーバーのポート (デフォルト: 8080)")
		source  = flag.String("source", "", "映像ソース (カメラ番号 | RTSP URL | HTTP動画URL)")
		backend = flag.String("backend", "", "推論バックエンド (cpu | cuda)")
		help    = flag.Bool("help", false, "ヘルプを表示")
	)

	flag.Parse()

	// ヘルプ表示
	if *help {
		fmt.Println("Kanken - 配管内検査システム")
		fmt.Println()
		fmt.Println("使用方法:")
		fmt.Println("  server [オプション]")
		fmt.Println()
		fmt.Println("オプション:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	// 設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	// コマンドラインオプションで設定を上書き
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *source != "" {
		cfg.Camera.Source = *source
	}
	if *backend != "" {
		cfg.Detector.Backend = *backend
	}

	// サーバーを作成
	srv, err := server.New(cfg)
	if err != nil {
		log.Fatalf("サーバーの作成に失敗しました: %v", err)
	}

	// コンテキストを作成
	ctx := context.Background()

	// サーバーを起動
	log.Printf("Kanken サーバーを起動します: %s", cfg.ServerAddress())
	if err := srv.Start(ctx); err != nil {
		log.Fatalf("サーバーの起動に失敗しました: %v", err)
	}
}
