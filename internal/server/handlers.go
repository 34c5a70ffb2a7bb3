package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"kanken/internal/camera"
	"kanken/internal/detector"
	"kanken/internal/pipeline"
	"kanken/internal/store"
)

// errorResponse はAPIエラーの共通レスポンス
type errorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// abortWithError はエラーレスポンスを返す
func abortWithError(c *gin.Context, status int, code, message string) {
	c.JSON(status, errorResponse{
		Error:     code,
		Message:   message,
		Timestamp: time.Now(),
	})
}

// handleHealth はヘルスチェックエンドポイント
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
	})
}

// systemStatusResponse はシステム状態のレスポンス
type systemStatusResponse struct {
	Pipeline    pipeline.Status `json:"pipeline"`
	Summary     store.Summary   `json:"summary"`
	Subscribers int             `json:"subscribers"`
	Timestamp   time.Time       `json:"timestamp"`
}

// handleSystemStatus はシステム状態取得エンドポイント
func (s *Server) handleSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, systemStatusResponse{
		Pipeline:    s.controller.Status(),
		Summary:     s.store.Summarize(),
		Subscribers: s.broadcaster.Count(),
		Timestamp:   time.Now(),
	})
}

// cameraInfo は接続中カメラの情報
type cameraInfo struct {
	Device int    `json:"device"`
	Name   string `json:"name"`
	Path   string `json:"path"`
}

// handleCamerasList は接続中のUSBカメラ一覧を返す
func (s *Server) handleCamerasList(c *gin.Context) {
	devices, err := s.discovery.ScanDevices(c.Request.Context())
	if err != nil {
		abortWithError(c, http.StatusInternalServerError, "scan_failed", "カメラの走査に失敗しました")
		return
	}

	cameras := make([]cameraInfo, 0, len(devices))
	for _, dev := range devices {
		desc := camera.Descriptor{Kind: camera.KindDevice, Device: dev}
		cameras = append(cameras, cameraInfo{
			Device: dev,
			Name:   s.discovery.DeviceName(c.Request.Context(), dev),
			Path:   desc.DevicePath(),
		})
	}

	c.JSON(http.StatusOK, gin.H{"cameras": cameras})
}

// handleGetSource は現在の映像ソースを返す
func (s *Server) handleGetSource(c *gin.Context) {
	status := s.controller.Status()
	c.JSON(http.StatusOK, gin.H{"source": status.Source})
}

// sourceRequest は映像ソース変更のリクエスト
type sourceRequest struct {
	Source string `json:"source" binding:"required"`
}

// handleSetSource は映像ソースを変更する
// 稼働中は切り替え、停止中は既定ソースの変更として扱う
func (s *Server) handleSetSource(c *gin.Context) {
	var req sourceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid_request", "sourceを指定してください")
		return
	}

	if s.controller.Status().State == pipeline.StateRunning {
		if err := s.controller.SwitchSource(c.Request.Context(), req.Source); err != nil {
			abortWithError(c, http.StatusBadGateway, "source_switch_failed", err.Error())
			return
		}
	} else {
		if err := s.controller.SetSource(req.Source); err != nil {
			abortWithError(c, http.StatusBadRequest, "invalid_source", err.Error())
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{"source": s.controller.Status().Source})
}

// handlePipelineStart は検査パイプラインを開始する
func (s *Server) handlePipelineStart(c *gin.Context) {
	if err := s.controller.Start(c.Request.Context()); err != nil {
		switch {
		case errors.Is(err, pipeline.ErrAlreadyRunning):
			// 既に稼働中の場合は専用のエラーコードで区別する
			abortWithError(c, http.StatusConflict, "already_running", "パイプラインは既に稼働中です")
		case isSourceError(err):
			abortWithError(c, http.StatusBadGateway, "source_error", err.Error())
		case isModelError(err):
			abortWithError(c, http.StatusInternalServerError, "model_error", err.Error())
		default:
			abortWithError(c, http.StatusInternalServerError, "start_failed", err.Error())
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": s.controller.Status()})
}

// handlePipelineStop は検査パイプラインを停止する
func (s *Server) handlePipelineStop(c *gin.Context) {
	if err := s.controller.Stop(c.Request.Context()); err != nil {
		if errors.Is(err, pipeline.ErrNotRunning) {
			abortWithError(c, http.StatusConflict, "not_running", "パイプラインは稼働していません")
			return
		}
		abortWithError(c, http.StatusInternalServerError, "stop_failed", err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": s.controller.Status()})
}

// backendRequest は推論バックエンド変更のリクエスト
type backendRequest struct {
	Backend string `json:"backend" binding:"required"`
}

// handleSetBackend は推論バックエンドを切り替える
func (s *Server) handleSetBackend(c *gin.Context) {
	var req backendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid_request", "backendを指定してください (cpu | cuda)")
		return
	}

	if err := s.controller.SwitchBackend(c.Request.Context(), req.Backend); err != nil {
		switch {
		case errors.Is(err, pipeline.ErrNotRunning):
			abortWithError(c, http.StatusConflict, "not_running", "パイプラインは稼働していません")
		case errors.Is(err, detector.ErrAcceleratorUnavailable):
			// 旧バックエンドのまま稼働は継続している
			abortWithError(c, http.StatusServiceUnavailable, "accelerator_unavailable", err.Error())
		default:
			abortWithError(c, http.StatusBadRequest, "backend_switch_failed", err.Error())
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"backend": s.controller.Status().Backend})
}

// historyResponse は検出履歴のレスポンス
type historyResponse struct {
	Detections []detector.Detection `json:"detections"`
	Total      int                  `json:"total"`
	Summary    store.Summary        `json:"summary"`
}

// handleDetectionsHistory は検出履歴を返す
// limitクエリで末尾N件に絞り込める
func (s *Server) handleDetectionsHistory(c *gin.Context) {
	detections := s.store.Snapshot()
	total := len(detections)

	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			abortWithError(c, http.StatusBadRequest, "invalid_limit", "limitは0以上の整数で指定してください")
			return
		}
		if limit < len(detections) {
			detections = detections[len(detections)-limit:]
		}
	}

	c.JSON(http.StatusOK, historyResponse{
		Detections: detections,
		Total:      total,
		Summary:    s.store.Summarize(),
	})
}

// handleDetectionsClear は検出履歴を消去する
func (s *Server) handleDetectionsClear(c *gin.Context) {
	s.controller.ClearHistory()
	c.JSON(http.StatusOK, gin.H{"status": "cleared"})
}

// reportRequest はレポート生成のリクエスト
type reportRequest struct {
	Location  string `json:"location"`
	Inspector string `json:"inspector"`
	Notes     string `json:"notes"`
}

// handleReportGenerate は現在の検出履歴から検査レポートを生成する
func (s *Server) handleReportGenerate(c *gin.Context) {
	var req reportRequest
	// ボディは省略可能
	_ = c.ShouldBindJSON(&req)

	rep, err := s.reports.Generate(s.store.Snapshot(), req.Location, req.Inspector, req.Notes)
	if err != nil {
		abortWithError(c, http.StatusInternalServerError, "report_failed", err.Error())
		return
	}

	c.JSON(http.StatusOK, rep)
}

// handleReportsList は生成済みレポートの一覧を返す
func (s *Server) handleReportsList(c *gin.Context) {
	reports, err := s.reports.List()
	if err != nil {
		abortWithError(c, http.StatusInternalServerError, "list_failed", err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{"reports": reports})
}

// handleReportDownload はレポートファイルをダウンロードさせる
func (s *Server) handleReportDownload(c *gin.Context) {
	id := c.Param("report_id")

	path, err := s.reports.Path(id)
	if err != nil {
		abortWithError(c, http.StatusNotFound, "report_not_found", err.Error())
		return
	}

	c.FileAttachment(path, "inspection_report_"+id+".json")
}

// isSourceError は映像ソース起因のエラーかどうかを判定する
func isSourceError(err error) bool {
	var serr *camera.SourceError
	return errors.As(err, &serr)
}

// isModelError はモデル起因のエラーかどうかを判定する
func isModelError(err error) bool {
	var merr *detector.ModelError
	return errors.As(err, &merr)
}
