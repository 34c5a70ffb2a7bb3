package camera

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Discovery はカメラデバイスの検出機能を提供する
type Discovery interface {
	// ScanDevices はシステム内の利用可能なUSBカメラ番号をスキャンする
	ScanDevices(ctx context.Context) ([]int, error)

	// IsDeviceAvailable は指定された番号のカメラが利用可能かチェックする
	IsDeviceAvailable(ctx context.Context, index int) bool

	// DeviceName はカメラの表示名を取得する
	DeviceName(ctx context.Context, index int) string
}

// LinuxDiscovery はLinux環境でのカメラデバイス検出を実装する
type LinuxDiscovery struct{}

// NewLinuxDiscovery は新しいLinuxDiscoveryを作成する
func NewLinuxDiscovery() Discovery {
	return &LinuxDiscovery{}
}

// ScanDevices はシステム内の利用可能なUSBカメラ番号をスキャンする
func (d *LinuxDiscovery) ScanDevices(ctx context.Context) ([]int, error) {
	// /dev/video* パターンでデバイスを検索
	matches, err := filepath.Glob("/dev/video*")
	if err != nil {
		return nil, fmt.Errorf("デバイスのスキャンに失敗: %w", err)
	}

	var indices []int
	for _, match := range matches {
		// コンテキストのキャンセルをチェック
		select {
		case <-ctx.Done():
			return indices, ctx.Err()
		default:
		}

		num, ok := extractDeviceNumber(match)
		if !ok {
			continue
		}

		if d.IsDeviceAvailable(ctx, num) {
			indices = append(indices, num)
		}
	}

	sort.Ints(indices)
	return indices, nil
}

// IsDeviceAvailable は指定された番号のカメラが利用可能かチェックする
func (d *LinuxDiscovery) IsDeviceAvailable(_ context.Context, index int) bool {
	device := fmt.Sprintf("/dev/video%d", index)

	// デバイスファイルの存在確認
	if _, err := os.Stat(device); os.IsNotExist(err) {
		return false
	}

	// デバイスファイルの読み取り権限チェック
	file, err := os.OpenFile(device, os.O_RDONLY, 0)
	if err != nil {
		return false
	}
	defer func() {
		_ = file.Close()
	}()

	return true
}

// DeviceName はv4l2-ctlを使って実際のカメラ名を取得する
func (d *LinuxDiscovery) DeviceName(ctx context.Context, index int) string {
	device := fmt.Sprintf("/dev/video%d", index)

	cmdCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "v4l2-ctl", "--device", device, "--info")
	output, err := cmd.Output()
	if err != nil {
		// フォールバック: デバイス番号から生成
		return fmt.Sprintf("カメラ %d", index)
	}

	// "Card type" の行からカメラ名を抽出
	for _, line := range strings.Split(string(output), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "Card type") {
			parts := strings.SplitN(line, ":", 2)
			if len(parts) == 2 {
				if cardType := strings.TrimSpace(parts[1]); cardType != "" {
					return cardType
				}
			}
		}
	}

	return fmt.Sprintf("カメラ %d", index)
}

// extractDeviceNumber はデバイスパスから番号を抽出する
func extractDeviceNumber(device string) (int, bool) {
	// /dev/videoXX から XX を抽出
	re := regexp.MustCompile(`^/dev/video(\d+)$`)
	matches := re.FindStringSubmatch(device)
	if len(matches) < 2 {
		return 0, false
	}

	num, err := strconv.Atoi(matches[1])
	if err != nil {
		return 0, false
	}

	return num, true
}

// MockDiscovery はテスト用のモックDiscovery実装
type MockDiscovery struct {
	devices map[int]string
}

// NewMockDiscovery は新しいMockDiscoveryを作成する
func NewMockDiscovery(indices []int) *MockDiscovery {
	devices := make(map[int]string)
	for _, idx := range indices {
		devices[idx] = fmt.Sprintf("テストカメラ %d", idx)
	}
	return &MockDiscovery{devices: devices}
}

// ScanDevices はモックデバイス一覧を返す
func (m *MockDiscovery) ScanDevices(_ context.Context) ([]int, error) {
	indices := make([]int, 0, len(m.devices))
	for idx := range m.devices {
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	return indices, nil
}

// IsDeviceAvailable はモックデバイスが利用可能かチェックする
func (m *MockDiscovery) IsDeviceAvailable(_ context.Context, index int) bool {
	_, exists := m.devices[index]
	return exists
}

// DeviceName はモックデバイスの表示名を返す
func (m *MockDiscovery) DeviceName(_ context.Context, index int) string {
	if name, exists := m.devices[index]; exists {
		return name
	}
	return fmt.Sprintf("カメラ %d", index)
}
