package log

import (
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lcx/asuranet/config"
)

// GameLogger writes JSON lines to its appenders. Events are pooled and the
// level check is a single atomic load, so a filtered call costs almost
// nothing on the network goroutine.
//
// Level, caller settings and the appender list may change while other
// goroutines log: the first two through hot reload, the list through
// AddAppender.
//
// Example usage:
//
//	logger := NewLogger(&LogCfg{LogLevel: InfoLevel, ConsoleAppender: true})
//	logger.Info().Str("service", "kcp").Uint64("channelId", id).Msg("channel connected")
type GameLogger struct {
	minLevel          atomic.Uint32
	callerSkip        atomic.Int32
	enabledCallerInfo atomic.Bool

	appendersMu sync.Mutex
	appenders   atomic.Pointer[[]LogAppender] // copy on write

	eventPool   sync.Pool
	callerCache sync.Map // pc -> *callerInfo

	configManager config.ConfigManager
	configMutex   sync.RWMutex
	currentConfig *LogCfg
}

// NewLogger creates a logger from cfg, or from the defaults when cfg is nil.
func NewLogger(cfg *LogCfg) *GameLogger {
	if cfg == nil {
		cfg = getDefaultCfg()
	}

	logger := &GameLogger{currentConfig: cfg}
	logger.applyLevels(cfg)
	logger.appenders.Store(&[]LogAppender{})
	logger.eventPool.New = func() any {
		return newEvent(logger)
	}

	if cfg.FileAppender {
		logger.AddAppender(NewFileAppender(cfg))
	}
	if cfg.ConsoleAppender {
		logger.AddAppender(NewConsoleAppender())
	}
	return logger
}

// NewLoggerWithConfigManager is NewLogger that also follows reloads of the
// "logger" configuration.
func NewLoggerWithConfigManager(cfg *LogCfg, configManager config.ConfigManager) *GameLogger {
	logger := NewLogger(cfg)
	logger.configManager = configManager
	if configManager != nil {
		configManager.AddChangeListener(logger)
	}
	return logger
}

// OnConfigChanged applies a reloaded LogCfg and forwards it to appenders
// that listen for it too.
func (x *GameLogger) OnConfigChanged(configName string, newConfig, oldConfig config.Config) error {
	if configName != "logger" {
		return nil
	}
	newLogCfg, ok := newConfig.(*LogCfg)
	if !ok {
		return nil
	}

	x.updateConfig(newLogCfg)

	for _, appender := range x.GetAppender() {
		if listener, ok := appender.(config.ConfigChangeListener); ok {
			if err := listener.OnConfigChanged(configName, newConfig, oldConfig); err != nil {
				x.Error().Err(err).Msg("appender rejected config change")
			}
		}
	}
	return nil
}

func (x *GameLogger) applyLevels(cfg *LogCfg) {
	x.minLevel.Store(uint32(cfg.LogLevel))
	x.callerSkip.Store(int32(cfg.CallerSkip))
	x.enabledCallerInfo.Store(cfg.EnabledCallerInfo)
}

func (x *GameLogger) updateConfig(newCfg *LogCfg) {
	x.configMutex.Lock()
	x.currentConfig = newCfg
	x.configMutex.Unlock()

	x.applyLevels(newCfg)
	x.Refresh()
}

// GetCurrentConfig returns the configuration last applied.
func (x *GameLogger) GetCurrentConfig() *LogCfg {
	x.configMutex.RLock()
	defer x.configMutex.RUnlock()
	return x.currentConfig
}

func (x *GameLogger) checkLevel(level Level) bool {
	return Level(x.minLevel.Load()) <= level
}

// AddAppender adds an output. Safe to call while other goroutines log.
func (x *GameLogger) AddAppender(appender LogAppender) {
	x.appendersMu.Lock()
	defer x.appendersMu.Unlock()
	old := *x.appenders.Load()
	next := make([]LogAppender, len(old), len(old)+1)
	copy(next, old)
	next = append(next, appender)
	x.appenders.Store(&next)
}

// GetAppender returns a snapshot of the registered appenders.
func (x *GameLogger) GetAppender() []LogAppender {
	return *x.appenders.Load()
}

// Refresh 刷新所有appender.
func (x *GameLogger) Refresh() {
	for _, appender := range x.GetAppender() {
		appender.Refresh()
	}
}

// IgnoreCheckLevel is always false: GameLogger filters by level.
func (x *GameLogger) IgnoreCheckLevel() bool {
	return false
}

func (x *GameLogger) newEvent() *LogEvent {
	e := x.eventPool.Get().(*LogEvent)
	e.Reset()
	return e
}

// OnEventEnd writes the finished event and recycles it. A fatal event panics
// after it was written.
func (x *GameLogger) OnEventEnd(e *LogEvent) {
	for _, appender := range x.GetAppender() {
		_, _ = appender.Write(e.buf.Bytes())
	}

	if e.level == FatalLevel {
		panic("fatal log event")
	}
	x.eventPool.Put(e)
}

// Debug 调试日志, nil when filtered.
func (x *GameLogger) Debug() *LogEvent {
	return x.log(DebugLevel)
}

// Info 普通日志, nil when filtered.
func (x *GameLogger) Info() *LogEvent {
	return x.log(InfoLevel)
}

// Warn 警告日志, nil when filtered.
func (x *GameLogger) Warn() *LogEvent {
	return x.log(WarnLevel)
}

// Error 错误日志, nil when filtered.
func (x *GameLogger) Error() *LogEvent {
	return x.log(ErrorLevel)
}

// Fatal logs and then panics when the event is finished.
func (x *GameLogger) Fatal() *LogEvent {
	return x.log(FatalLevel)
}

// getCallerInfo resolves the user frame above log and the level method.
// Results are cached by pc.
func (x *GameLogger) getCallerInfo() *callerInfo {
	pc, file, line, ok := runtime.Caller(3 + int(x.callerSkip.Load()))
	if !ok {
		return _UnknownCallerInfo
	}
	if cached, found := x.callerCache.Load(pc); found {
		return cached.(*callerInfo)
	}

	function := runtime.FuncForPC(pc).Name()
	if dot := strings.LastIndexByte(function, '.'); dot != -1 {
		function = function[dot+1:]
	}
	// keep "dir/file.go"
	if last := strings.LastIndexByte(file, '/'); last > 0 {
		if prev := strings.LastIndexByte(file[:last], '/'); prev >= 0 {
			file = file[prev+1:]
		}
	}

	c := newCallerInfo(file, function, line)
	x.callerCache.Store(pc, c)
	return c
}

func (x *GameLogger) log(level Level) *LogEvent {
	if !x.IgnoreCheckLevel() && !x.checkLevel(level) {
		return nil
	}

	e := x.newEvent()
	e.level = level

	t := time.Now()
	e.Time("time", &t)
	e.Str("level", level.String())
	if x.enabledCallerInfo.Load() {
		e.Str("caller", x.getCallerInfo().String())
	}
	return e
}
