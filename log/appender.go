package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lcx/asuranet/config"
)

// LogAppender is an output destination for finished log lines.
type LogAppender interface {
	Write(p []byte) (int, error)
	// Refresh flushes buffered lines and reapplies the current configuration.
	Refresh()
}

// ConsoleAppender writes log lines to stdout.
type ConsoleAppender struct {
	mu sync.Mutex
}

func NewConsoleAppender() *ConsoleAppender {
	return &ConsoleAppender{}
}

func (c *ConsoleAppender) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return os.Stdout.Write(p)
}

func (c *ConsoleAppender) Refresh() {}

// FileAppender writes log lines to LogCfg.LogPath and rotates the file once
// it grows past FileSplitMB. In async mode lines are queued and written by a
// background goroutine every AsyncWriteMillSec.
type FileAppender struct {
	mu      sync.Mutex
	cfg     *LogCfg
	file    *os.File
	size    int64
	queue   chan []byte
	stop    chan struct{}
	stopped sync.WaitGroup
}

// NewFileAppender opens cfg.LogPath, creating parent directories as needed.
func NewFileAppender(cfg *LogCfg) *FileAppender {
	c := *cfg
	a := &FileAppender{cfg: &c}
	if err := a.open(); err != nil {
		fmt.Fprintf(os.Stderr, "log: open %s failed: %v\n", cfg.LogPath, err)
	}
	if cfg.IsAsync {
		a.startAsync()
	}
	return a
}

func (a *FileAppender) open() error {
	if err := os.MkdirAll(filepath.Dir(a.cfg.LogPath), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(a.cfg.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	a.file = f
	a.size = st.Size()
	return nil
}

func (a *FileAppender) startAsync() {
	size := a.cfg.AsyncCacheSize
	if size <= 0 {
		size = 1024
	}
	interval := time.Duration(a.cfg.AsyncWriteMillSec) * time.Millisecond
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}

	a.queue = make(chan []byte, size)
	a.stop = make(chan struct{})
	a.stopped.Add(1)
	go func() {
		defer a.stopped.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				a.drain()
			case <-a.stop:
				a.drain()
				return
			}
		}
	}()
}

// Write copies p since the caller recycles its buffer.
func (a *FileAppender) Write(p []byte) (int, error) {
	if a.queue != nil {
		line := make([]byte, len(p))
		copy(line, p)
		select {
		case a.queue <- line:
			return len(p), nil
		default:
			// queue full, fall back to a direct write
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.writeLocked(p)
}

func (a *FileAppender) drain() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for {
		select {
		case line := <-a.queue:
			_, _ = a.writeLocked(line)
		default:
			return
		}
	}
}

func (a *FileAppender) writeLocked(p []byte) (int, error) {
	if a.file == nil {
		return 0, os.ErrClosed
	}
	limit := int64(a.cfg.FileSplitMB) * 1024 * 1024
	if limit > 0 && a.size > 0 && a.size+int64(len(p)) > limit {
		if err := a.rotateLocked(); err != nil {
			return 0, err
		}
	}
	n, err := a.file.Write(p)
	a.size += int64(n)
	return n, err
}

func (a *FileAppender) rotateLocked() error {
	if err := a.file.Close(); err != nil {
		return err
	}
	stamp := time.Now().Format("20060102-150405")
	target := fmt.Sprintf("%s.%s", a.cfg.LogPath, stamp)
	for i := 1; ; i++ {
		if _, err := os.Stat(target); os.IsNotExist(err) {
			break
		}
		target = fmt.Sprintf("%s.%s.%d", a.cfg.LogPath, stamp, i)
	}
	if err := os.Rename(a.cfg.LogPath, target); err != nil {
		return err
	}
	return a.open()
}

// Refresh writes every queued line.
func (a *FileAppender) Refresh() {
	if a.queue != nil {
		a.drain()
	}
}

// OnConfigChanged reopens the file when the path changed.
func (a *FileAppender) OnConfigChanged(configName string, newConfig, oldConfig config.Config) error {
	cfg, ok := newConfig.(*LogCfg)
	if !ok {
		return nil
	}
	a.Refresh()

	a.mu.Lock()
	defer a.mu.Unlock()
	samePath := cfg.LogPath == a.cfg.LogPath
	a.cfg.FileSplitMB = cfg.FileSplitMB
	if samePath {
		return nil
	}
	if a.file != nil {
		_ = a.file.Close()
		a.file = nil
	}
	a.cfg.LogPath = cfg.LogPath
	return a.open()
}

// Close stops the async writer and closes the file.
func (a *FileAppender) Close() error {
	if a.stop != nil {
		close(a.stop)
		a.stopped.Wait()
		a.stop = nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	return err
}
