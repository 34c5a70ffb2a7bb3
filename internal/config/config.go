package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Camera   CameraConfig   `yaml:"camera"`
	Detector DetectorConfig `yaml:"detector"`
	Stream   StreamConfig   `yaml:"stream"`
	Report   ReportConfig   `yaml:"report"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string `yaml:"host"` // リッスンするホスト
	Port int    `yaml:"port"` // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // 読み込みタイムアウト
	WriteTimeout time.Duration `yaml:"write_timeout"` // 書き込みタイムアウト
}

// CameraConfig はカメラ・映像ソース関連の設定
type CameraConfig struct {
	// デフォルトの映像ソース
	// USBカメラ番号（"0"）、RTSP URL、HTTP動画URLのいずれか
	Source string `yaml:"source"`

	Width  int `yaml:"width"`  // 画像幅
	Height int `yaml:"height"` // 画像高さ
	FPS    int `yaml:"fps"`    // フレームレート (fps)

	// 一時的な読み取りエラーの再試行設定
	RetryBudget  int           `yaml:"retry_budget"`  // 再試行回数の上限
	RetryBackoff time.Duration `yaml:"retry_backoff"` // 再試行間隔
}

// DetectorConfig は欠陥検出モデルの設定
type DetectorConfig struct {
	ModelPath      string `yaml:"model_path"`       // fp32モデル（.onnx）のパス
	AccelModelPath string `yaml:"accel_model_path"` // fp16量子化モデルのパス
	Backend        string `yaml:"backend"`          // 起動時のバックエンド種別 ("cpu" | "cuda")
	LibraryPath    string `yaml:"library_path"`     // ONNX Runtime 共有ライブラリのパス

	ConfidenceThreshold float64 `yaml:"confidence_threshold"` // 検出の最小信頼度
	OverlapThreshold    float64 `yaml:"overlap_threshold"`    // 重複抑制のIoUしきい値

	// 検出対象の欠陥クラス（モデルの出力順）
	Classes []string `yaml:"classes"`
}

// StreamConfig はライブ配信の設定
type StreamConfig struct {
	QueueDepth int `yaml:"queue_depth"` // 購読者ごとの送信キュー長
	MaxFPS     int `yaml:"max_fps"`     // 配信フレームレートの上限
}

// ReportConfig はレポート生成の設定
type ReportConfig struct {
	Dir string `yaml:"dir"` // レポート出力ディレクトリ
}

// Load は設定を読み込む
// .env ファイルがあれば読み込み、環境変数で上書きする
func Load() (*Config, error) {
	// .env は存在しなくてもエラーにしない
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Host:         getEnvOrDefault("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvAsIntOrDefault("PORT", 8080),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 0, // ストリーミング用にタイムアウト無効化
		},
		Camera: CameraConfig{
			Source:       getEnvOrDefault("CAMERA_SOURCE", "0"),
			Width:        getEnvAsIntOrDefault("CAMERA_WIDTH", 640),
			Height:       getEnvAsIntOrDefault("CAMERA_HEIGHT", 480),
			FPS:          getEnvAsIntOrDefault("CAMERA_FPS", 30),
			RetryBudget:  getEnvAsIntOrDefault("CAMERA_RETRY_BUDGET", 5),
			RetryBackoff: getEnvAsDurationOrDefault("CAMERA_RETRY_BACKOFF", 500*time.Millisecond),
		},
		Detector: DetectorConfig{
			ModelPath:           getEnvOrDefault("MODEL_PATH", "models/kanken_fp32.onnx"),
			AccelModelPath:      getEnvOrDefault("ACCEL_MODEL_PATH", "models/kanken_fp16.onnx"),
			Backend:             getEnvOrDefault("DETECTOR_BACKEND", "cpu"),
			LibraryPath:         getEnvOrDefault("ORT_LIBRARY_PATH", "lib/libonnxruntime.so"),
			ConfidenceThreshold: getEnvAsFloatOrDefault("CONFIDENCE_THRESHOLD", 0.5),
			OverlapThreshold:    getEnvAsFloatOrDefault("IOU_THRESHOLD", 0.45),
			Classes:             splitClasses(getEnvOrDefault("DEFECT_CLASSES", "foreign_object,crack,rust,corrosion,sediment,leak")),
		},
		Stream: StreamConfig{
			QueueDepth: getEnvAsIntOrDefault("STREAM_QUEUE_DEPTH", 2),
			MaxFPS:     getEnvAsIntOrDefault("STREAM_MAX_FPS", 30),
		},
		Report: ReportConfig{
			Dir: getEnvOrDefault("REPORTS_DIR", "reports"),
		},
	}

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	// サーバー設定の検証
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("無効なポート番号: %d", c.Server.Port)
	}

	// カメラ設定の検証
	if c.Camera.FPS <= 0 || c.Camera.FPS > 60 {
		return fmt.Errorf("無効なFPS値: %d", c.Camera.FPS)
	}
	if c.Camera.RetryBudget < 0 {
		return fmt.Errorf("無効な再試行回数: %d", c.Camera.RetryBudget)
	}

	// 検出器設定の検証
	if c.Detector.ConfidenceThreshold < 0 || c.Detector.ConfidenceThreshold > 1 {
		return fmt.Errorf("無効な信頼度しきい値: %f", c.Detector.ConfidenceThreshold)
	}
	if c.Detector.OverlapThreshold < 0 || c.Detector.OverlapThreshold > 1 {
		return fmt.Errorf("無効なIoUしきい値: %f", c.Detector.OverlapThreshold)
	}
	if len(c.Detector.Classes) == 0 {
		return fmt.Errorf("検出クラスが設定されていません")
	}

	// 配信設定の検証
	if c.Stream.QueueDepth < 1 {
		return fmt.Errorf("無効なキュー長: %d", c.Stream.QueueDepth)
	}
	if c.Stream.MaxFPS < 1 {
		return fmt.Errorf("無効な配信FPS上限: %d", c.Stream.MaxFPS)
	}

	return nil
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// splitClasses はカンマ区切りのクラス一覧を分割する
func splitClasses(s string) []string {
	parts := strings.Split(s, ",")
	classes := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			classes = append(classes, p)
		}
	}
	return classes
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

// getEnvAsFloatOrDefault は環境変数を浮動小数として取得し、設定されていない場合はデフォルト値を返す
func getEnvAsFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

// getEnvAsDurationOrDefault は環境変数をDurationとして取得し、設定されていない場合はデフォルト値を返す
func getEnvAsDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
