package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"kanken/internal/broadcast"
	"kanken/internal/camera"
	"kanken/internal/config"
	"kanken/internal/detector"
	"kanken/internal/store"
)

// State はパイプラインの状態
type State string

const (
	StateStopped   State = "stopped"   // 停止
	StateStarting  State = "starting"  // 起動中
	StateRunning   State = "running"   // 稼働中
	StateSwitching State = "switching" // 切替中
	StateStopping  State = "stopping"  // 停止中
)

var (
	// ErrAlreadyRunning は稼働中のパイプラインを再起動しようとした場合のエラー
	ErrAlreadyRunning = errors.New("パイプラインは既に稼働中です")
	// ErrNotRunning は停止中のパイプラインを操作しようとした場合のエラー
	ErrNotRunning = errors.New("パイプラインは稼働していません")
)

// SwitchError はソース・バックエンド切り替えの失敗を表す
type SwitchError struct {
	Target string // 切り替え先の識別名
	Err    error
}

func (e *SwitchError) Error() string {
	return fmt.Sprintf("切り替えに失敗しました (%s): %v", e.Target, e.Err)
}

func (e *SwitchError) Unwrap() error {
	return e.Err
}

// SourceFactory は記述子から映像ソースを開く
type SourceFactory func(ctx context.Context, desc camera.Descriptor, settings camera.Settings) (camera.Source, error)

// BackendFactory は記述子から推論バックエンドを作成する
type BackendFactory func(desc detector.BackendDescriptor, opts detector.Options) (detector.Backend, error)

// Status はパイプラインの現在状態のスナップショット
type Status struct {
	State          State                      `json:"state"`
	SessionID      string                     `json:"session_id"`
	StartedAt      time.Time                  `json:"started_at"`
	Source         camera.Descriptor          `json:"source"`
	Backend        detector.BackendDescriptor `json:"backend"`
	FrameCount     uint64                     `json:"frame_count"`
	DetectionCount int                        `json:"detection_count"`
	LastError      string                     `json:"last_error,omitempty"`
}

// controlOp は実行ループへの制御操作の種別
type controlOp int

const (
	opSwitchSource controlOp = iota
	opSwitchBackend
)

// controlMessage は実行ループへの制御メッセージ
// 実行ループはフレーム処理の合間にこれを1件ずつ処理する
type controlMessage struct {
	op          controlOp
	sourceDesc  camera.Descriptor
	backendDesc detector.BackendDescriptor
	reply       chan error
}

// Controller は検査パイプラインの状態機械
type Controller struct {
	camCfg config.CameraConfig
	detCfg config.DetectorConfig
	maxFPS int

	openSource SourceFactory
	newBackend BackendFactory

	post        *detector.PostProcessor
	store       *store.Store
	broadcaster *broadcast.Broadcaster

	mu          sync.Mutex
	state       State
	session     *Session
	sourceDesc  camera.Descriptor
	backendDesc detector.BackendDescriptor
	lastErr     error
	runCancel   context.CancelFunc
	done        chan struct{}
	control     chan controlMessage
}

// New は設定からControllerを作成する
// パイプラインは停止状態で作成され、Startで稼働を開始する
func New(cfg *config.Config, st *store.Store, bc *broadcast.Broadcaster) (*Controller, error) {
	sourceDesc, err := camera.ParseDescriptor(cfg.Camera.Source)
	if err != nil {
		return nil, fmt.Errorf("映像ソースの解析に失敗: %w", err)
	}

	backendKind := detector.BackendKind(cfg.Detector.Backend)
	backendDesc, err := backendDescriptorFor(backendKind, cfg.Detector)
	if err != nil {
		return nil, err
	}

	return &Controller{
		camCfg:      cfg.Camera,
		detCfg:      cfg.Detector,
		maxFPS:      cfg.Stream.MaxFPS,
		openSource:  camera.Open,
		newBackend:  detector.New,
		post:        detector.NewPostProcessor(cfg.Detector.ConfidenceThreshold, cfg.Detector.OverlapThreshold),
		store:       st,
		broadcaster: bc,
		state:       StateStopped,
		session:     NewSession(),
		sourceDesc:  sourceDesc,
		backendDesc: backendDesc,
	}, nil
}

// backendDescriptorFor はバックエンド種別に応じたモデルパスを解決する
func backendDescriptorFor(kind detector.BackendKind, cfg config.DetectorConfig) (detector.BackendDescriptor, error) {
	switch kind {
	case detector.BackendCPU:
		return detector.BackendDescriptor{Kind: kind, ModelPath: cfg.ModelPath}, nil
	case detector.BackendCUDA:
		return detector.BackendDescriptor{Kind: kind, ModelPath: cfg.AccelModelPath}, nil
	default:
		return detector.BackendDescriptor{}, fmt.Errorf("サポートされていないバックエンド種別: %s", kind)
	}
}

// Start はパイプラインの稼働を開始する
// 既に稼働中の場合は ErrAlreadyRunning を返し、状態は変化しない
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateStopped {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	c.state = StateStarting
	c.lastErr = nil
	sourceDesc := c.sourceDesc
	backendDesc := c.backendDesc
	c.mu.Unlock()

	settings := camera.Settings{
		Width:  c.camCfg.Width,
		Height: c.camCfg.Height,
		FPS:    c.camCfg.FPS,
	}

	source, err := c.openSource(ctx, sourceDesc, settings)
	if err != nil {
		c.failStart(err)
		return fmt.Errorf("映像ソースのオープンに失敗: %w", err)
	}

	backend, err := c.newBackend(backendDesc, detector.Options{
		Classes:     c.detCfg.Classes,
		LibraryPath: c.detCfg.LibraryPath,
	})
	if err != nil {
		source.Close()
		c.failStart(err)
		return fmt.Errorf("推論バックエンドの作成に失敗: %w", err)
	}

	if err := backend.Load(ctx); err != nil {
		source.Close()
		backend.Close()
		c.failStart(err)
		return fmt.Errorf("モデルのロードに失敗: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.state = StateRunning
	c.runCancel = cancel
	c.done = make(chan struct{})
	c.control = make(chan controlMessage)
	c.mu.Unlock()

	log.Printf("パイプラインを開始: source=%s backend=%s", sourceDesc, backendDesc.Kind)
	go c.run(runCtx, source, backend)

	return nil
}

// failStart は起動失敗時に停止状態へ戻す
func (c *Controller) failStart(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateStopped
	c.lastErr = err
}

// Stop はパイプラインを停止する
// 実行ループの終了を待ってから戻る
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateRunning && c.state != StateSwitching {
		c.mu.Unlock()
		return ErrNotRunning
	}
	c.state = StateStopping
	cancel := c.runCancel
	done := c.done
	c.mu.Unlock()

	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetSource は停止中のパイプラインの既定映像ソースを変更する
// 稼働中はSwitchSourceを使う
func (c *Controller) SetSource(raw string) error {
	desc, err := camera.ParseDescriptor(raw)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateStopped {
		return ErrAlreadyRunning
	}
	c.sourceDesc = desc
	return nil
}

// SwitchSource は稼働中の映像ソースを切り替える
// 新しいソースを開けない場合、パイプラインは停止状態になる
func (c *Controller) SwitchSource(ctx context.Context, raw string) error {
	desc, err := camera.ParseDescriptor(raw)
	if err != nil {
		return &SwitchError{Target: raw, Err: err}
	}

	return c.submit(ctx, controlMessage{
		op:         opSwitchSource,
		sourceDesc: desc,
		reply:      make(chan error, 1),
	})
}

// SwitchBackend は稼働中の推論バックエンドを切り替える
// 新しいバックエンドをロードできない場合、現在のバックエンドを
// 維持したまま稼働を継続する
func (c *Controller) SwitchBackend(ctx context.Context, kind string) error {
	desc, err := backendDescriptorFor(detector.BackendKind(kind), c.detCfg)
	if err != nil {
		return &SwitchError{Target: kind, Err: err}
	}

	return c.submit(ctx, controlMessage{
		op:          opSwitchBackend,
		backendDesc: desc,
		reply:       make(chan error, 1),
	})
}

// submit は制御メッセージを実行ループへ送って応答を待つ
func (c *Controller) submit(ctx context.Context, msg controlMessage) error {
	c.mu.Lock()
	if c.state != StateRunning {
		c.mu.Unlock()
		return ErrNotRunning
	}
	control := c.control
	done := c.done
	c.mu.Unlock()

	select {
	case control <- msg:
	case <-done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-msg.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status は現在のパイプライン状態のスナップショットを返す
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	status := Status{
		State:          c.state,
		SessionID:      c.session.ID.String(),
		StartedAt:      c.session.StartedAt,
		Source:         c.sourceDesc,
		Backend:        c.backendDesc,
		FrameCount:     c.session.FrameCount(),
		DetectionCount: c.store.Count(),
	}
	if c.lastErr != nil {
		status.LastError = c.lastErr.Error()
	}

	return status
}

// ClearHistory は検出履歴を消去して新しいセッションを開始する
func (c *Controller) ClearHistory() {
	c.store.Clear()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = NewSession()
}

// nextSeq は現在のセッションから次のフレーム連番を払い出す
func (c *Controller) nextSeq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.NextSeq()
}

// run はパイプラインの実行ループ
// フレームは到着順に1回だけ処理され、制御メッセージは
// フレーム処理の合間に直列に実行される
func (c *Controller) run(ctx context.Context, source camera.Source, backend detector.Backend) {
	defer func() {
		source.Close()
		backend.Close()
		c.finish()
	}()

	var minInterval time.Duration
	if c.maxFPS > 0 {
		minInterval = time.Second / time.Duration(c.maxFPS)
	}

	budget := c.camCfg.RetryBudget
	var sourceFrames uint64 // 現在のソースで処理したフレーム数
	var lastPublish time.Time

	for {
		// 制御メッセージを優先して処理する
		select {
		case <-ctx.Done():
			return
		case msg := <-c.control:
			switch msg.op {
			case opSwitchSource:
				newSource, ok := c.switchSource(ctx, msg, source)
				if !ok {
					return
				}
				source = newSource
				sourceFrames = 0
				budget = c.camCfg.RetryBudget
			case opSwitchBackend:
				backend = c.switchBackend(ctx, msg, backend)
			}
			continue
		default:
		}

		frame, err := source.NextFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			if camera.IsEndOfStream(err) {
				log.Printf("映像ソースの終端に到達: %s", source.Descriptor())
				return
			}

			if camera.IsTransient(err) {
				budget--
				if budget < 0 {
					log.Printf("再試行回数の上限に到達: %v", err)
					c.setLastErr(err)
					return
				}
				log.Printf("一時的な読み取りエラー（残り再試行 %d 回）: %v", budget, err)
				time.Sleep(c.camCfg.RetryBackoff)
				continue
			}

			// 切断は再試行しない
			log.Printf("映像ソースが切断されました: %v", err)
			c.setLastErr(err)
			return
		}

		// 読み取り成功で再試行予算を回復する
		budget = c.camCfg.RetryBudget

		frame.Seq = c.nextSeq()
		sourceFrames++

		// ファイル再生の場合は動画内の再生位置（秒）を付与する
		var position *float64
		if source.Descriptor().Kind == camera.KindFile && c.camCfg.FPS > 0 {
			pos := float64(sourceFrames-1) / float64(c.camCfg.FPS)
			position = &pos
		}

		raws, err := backend.Infer(frame)
		if err != nil {
			// 推論失敗はこのフレームだけをスキップして継続する
			log.Printf("推論に失敗したためフレーム %d をスキップ: %v", frame.Seq, err)
			continue
		}

		detections := c.post.Process(raws, frame, position)
		annotated := detector.Annotate(frame, detections)

		if len(detections) > 0 {
			c.store.Append(detections...)
		}

		c.broadcaster.Publish(broadcast.Message{
			Frame:      annotated,
			Detections: detections,
			Timestamp:  frame.Timestamp,
			Seq:        frame.Seq,
		})

		// 配信レートの上限を守る
		if minInterval > 0 {
			if wait := minInterval - time.Since(lastPublish); wait > 0 {
				time.Sleep(wait)
			}
			lastPublish = time.Now()
		}
	}
}

// switchSource は実行ループ内でソースを切り替える
// 失敗した場合は応答を返してループを終了させる
func (c *Controller) switchSource(ctx context.Context, msg controlMessage, current camera.Source) (camera.Source, bool) {
	c.setState(StateSwitching)

	settings := camera.Settings{
		Width:  c.camCfg.Width,
		Height: c.camCfg.Height,
		FPS:    c.camCfg.FPS,
	}

	newSource, err := c.openSource(ctx, msg.sourceDesc, settings)
	if err != nil {
		// 旧ソースは既に捨てる前提で開いているため、開けなければ停止する
		switchErr := &SwitchError{Target: msg.sourceDesc.String(), Err: err}
		c.setLastErr(switchErr)
		msg.reply <- switchErr
		return nil, false
	}

	current.Close()

	c.mu.Lock()
	c.sourceDesc = msg.sourceDesc
	c.state = StateRunning
	c.mu.Unlock()

	log.Printf("映像ソースを切り替え: %s", msg.sourceDesc)
	msg.reply <- nil
	return newSource, true
}

// switchBackend は実行ループ内でバックエンドを切り替える
// 新しいバックエンドのロードに成功してから旧バックエンドを解放する。
// ロードに失敗した場合は旧バックエンドを維持して稼働を継続する
func (c *Controller) switchBackend(ctx context.Context, msg controlMessage, current detector.Backend) detector.Backend {
	c.setState(StateSwitching)

	newBackend, err := c.newBackend(msg.backendDesc, detector.Options{
		Classes:     c.detCfg.Classes,
		LibraryPath: c.detCfg.LibraryPath,
	})
	if err == nil {
		err = newBackend.Load(ctx)
		if err != nil {
			newBackend.Close()
		}
	}

	if err != nil {
		c.setState(StateRunning)
		log.Printf("バックエンドの切り替えに失敗したため %s を維持: %v", current.Descriptor().Kind, err)
		msg.reply <- &SwitchError{Target: string(msg.backendDesc.Kind), Err: err}
		return current
	}

	current.Close()

	c.mu.Lock()
	c.backendDesc = newBackend.Descriptor()
	c.state = StateRunning
	c.mu.Unlock()

	log.Printf("推論バックエンドを切り替え: %s", msg.backendDesc.Kind)
	msg.reply <- nil
	return newBackend
}

// setState は状態を更新する
func (c *Controller) setState(state State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
}

// setLastErr は最後のエラーを記録する
func (c *Controller) setLastErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastErr = err
}

// finish は実行ループの終了処理を行う
// 購読チャネルを閉じて、配信クライアントに停止を観測させる
func (c *Controller) finish() {
	c.broadcaster.CloseAll()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.state = StateStopped
	c.runCancel = nil
	close(c.done)

	log.Printf("パイプラインを停止しました")
}
