// 配置文件变更监听器。
//
// 纯轮询实现，跨平台无额外依赖；事件经防抖后触发回调。
package config

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// FileEvent 是一次配置文件变更事件。
type FileEvent struct {
	// Path 变更的文件路径
	Path string `json:"path"`

	// Op 操作类型
	Op FileOp `json:"op"`

	// Timestamp 事件发生时间
	Timestamp time.Time `json:"timestamp"`
}

// FileOp 文件操作类型
type FileOp int

const (
	// FileOpCreate 文件被创建
	FileOpCreate FileOp = iota
	// FileOpWrite 文件被修改
	FileOpWrite
	// FileOpRemove 文件被删除
	FileOpRemove
)

func (op FileOp) String() string {
	switch op {
	case FileOpCreate:
		return "CREATE"
	case FileOpWrite:
		return "WRITE"
	case FileOpRemove:
		return "REMOVE"
	default:
		return "UNKNOWN"
	}
}

// Watcher 轮询监听配置文件的变更。
type Watcher struct {
	mu sync.Mutex

	path         string
	pollInterval time.Duration
	debounce     time.Duration
	logger       *zap.Logger

	running   bool
	stopCh    chan struct{}
	callbacks []func(FileEvent)

	lastMod time.Time
	exists  bool
}

// WatcherOption 配置 Watcher
type WatcherOption func(*Watcher)

// WithPollInterval 设置轮询间隔
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.pollInterval = d }
}

// WithDebounce 设置防抖窗口
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// WithWatcherLogger 设置日志器
func WithWatcherLogger(logger *zap.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = logger }
}

// NewWatcher 创建配置文件监听器。文件不存在时也可以监听其创建。
func NewWatcher(path string, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		path:         path,
		pollInterval: time.Second,
		debounce:     100 * time.Millisecond,
		logger:       zap.NewNop(),
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if info, err := os.Stat(path); err == nil {
		w.lastMod = info.ModTime()
		w.exists = true
	}
	return w
}

// OnChange 注册变更回调。
func (w *Watcher) OnChange(callback func(FileEvent)) {
	w.mu.Lock()
	w.callbacks = append(w.callbacks, callback)
	w.mu.Unlock()
}

// Start 启动监听。重复启动返回错误。
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("watcher already running")
	}
	w.running = true
	w.mu.Unlock()

	go w.pollLoop(ctx)
	w.logger.Info("config watcher started",
		zap.String("path", w.path),
		zap.Duration("poll_interval", w.pollInterval))
	return nil
}

// Stop 停止监听。
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	close(w.stopCh)
	w.running = false
}

func (w *Watcher) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	var pending *FileEvent
	var debounceC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			if event := w.check(); event != nil {
				// 同一防抖窗口内的后续事件覆盖前一个
				pending = event
				debounceC = time.After(w.debounce)
			}
		case <-debounceC:
			if pending != nil {
				w.dispatch(*pending)
				pending = nil
			}
			debounceC = nil
		}
	}
}

// check 对比修改时间，返回检测到的事件。
func (w *Watcher) check() *FileEvent {
	w.mu.Lock()
	defer w.mu.Unlock()

	info, err := os.Stat(w.path)
	if err != nil {
		if os.IsNotExist(err) && w.exists {
			w.exists = false
			return &FileEvent{Path: w.path, Op: FileOpRemove, Timestamp: time.Now()}
		}
		return nil
	}
	if !w.exists {
		w.exists = true
		w.lastMod = info.ModTime()
		return &FileEvent{Path: w.path, Op: FileOpCreate, Timestamp: time.Now()}
	}
	if info.ModTime().After(w.lastMod) {
		w.lastMod = info.ModTime()
		return &FileEvent{Path: w.path, Op: FileOpWrite, Timestamp: time.Now()}
	}
	return nil
}

func (w *Watcher) dispatch(event FileEvent) {
	w.mu.Lock()
	callbacks := make([]func(FileEvent), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	w.logger.Debug("config file event",
		zap.String("path", event.Path),
		zap.String("op", event.Op.String()))
	for _, cb := range callbacks {
		cb(event)
	}
}
