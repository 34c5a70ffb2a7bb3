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

	"kanken/internal/broadcast"
	"kanken/internal/camera"
	"kanken/internal/config"
	"kanken/internal/pipeline"
	"kanken/internal/report"
	"kanken/internal/store"
)

// Server はHTTPサーバーを管理する構造体
type Server struct {
	config      *config.Config
	engine      *gin.Engine
	httpServer  *http.Server
	controller  *pipeline.Controller
	store       *store.Store
	broadcaster *broadcast.Broadcaster
	reports     *report.Generator
	discovery   camera.Discovery
}

// New は新しいServerインスタンスを作成する
func New(cfg *config.Config) (*Server, error) {
	st := store.New()
	bc := broadcast.New(cfg.Stream.QueueDepth)

	controller, err := pipeline.New(cfg, st, bc)
	if err != nil {
		return nil, fmt.Errorf("パイプラインの作成に失敗: %w", err)
	}

	reports, err := report.NewGenerator(cfg.Report.Dir)
	if err != nil {
		return nil, fmt.Errorf("レポート管理の作成に失敗: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	server := &Server{
		config:      cfg,
		engine:      engine,
		controller:  controller,
		store:       st,
		broadcaster: bc,
		reports:     reports,
		discovery:   camera.NewLinuxDiscovery(),
		httpServer: &http.Server{
			Addr:         cfg.ServerAddress(),
			Handler:      engine,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
	}

	server.setupRoutes()
	return server, nil
}

// setupRoutes はHTTPルートを設定する
func (s *Server) setupRoutes() {
	// ヘルスチェックエンドポイント
	s.engine.GET("/", s.handleHealth)
	s.engine.GET("/health", s.handleHealth)

	// APIエンドポイント
	api := s.engine.Group("/api")
	{
		api.GET("/system/status", s.handleSystemStatus)

		api.GET("/cameras/list", s.handleCamerasList)
		api.GET("/camera/source", s.handleGetSource)
		api.POST("/camera/source", s.handleSetSource)

		api.POST("/pipeline/start", s.handlePipelineStart)
		api.POST("/pipeline/stop", s.handlePipelineStop)
		api.POST("/detector/backend", s.handleSetBackend)

		api.GET("/detections/history", s.handleDetectionsHistory)
		api.DELETE("/detections/clear", s.handleDetectionsClear)

		api.POST("/report/generate", s.handleReportGenerate)
		api.GET("/reports/list", s.handleReportsList)
		api.GET("/report/download/:report_id", s.handleReportDownload)
	}

	// ライブ配信のWebSocket
	s.engine.GET("/ws/video", s.handleVideoSocket)
}

// Start はサーバーを起動する
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
// 稼働中のパイプラインも停止する
func (s *Server) Shutdown() error {
	log.Println("サーバーをシャットダウンしています...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// パイプラインが稼働中なら停止する
	if err := s.controller.Stop(ctx); err != nil && err != pipeline.ErrNotRunning {
		log.Printf("パイプラインの停止に失敗: %v", err)
	}

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("サーバーのシャットダウンに失敗: %w", err)
	}

	log.Println("サーバーが正常にシャットダウンされました")
	return nil
}
