package log

import (
	"sync/atomic"

	"github.com/lcx/asuranet/config"
)

// Logger is what the package level functions delegate to.
type Logger interface {
	Debug() *LogEvent
	Info() *LogEvent
	Warn() *LogEvent
	Error() *LogEvent
	Fatal() *LogEvent
	IgnoreCheckLevel() bool
	GetAppender() []LogAppender
	AddAppender(appender LogAppender)
	OnEventEnd(e *LogEvent)
}

// The network goroutine logs while the application goroutine may still be
// installing the configured logger, so the default is swapped atomically.
var _defaultLogger atomic.Pointer[GameLogger]

func init() {
	_defaultLogger.Store(NewLogger(nil))
}

func defaultLogger() *GameLogger {
	return _defaultLogger.Load()
}

// AddAppender adds an appender to the default logger.
func AddAppender(appender LogAppender) {
	defaultLogger().AddAppender(appender)
}

// Refresh reopens the appenders of the default logger.
func Refresh() {
	defaultLogger().Refresh()
}

// SetDefaultLogger replaces the logger behind Debug, Info, Warn, Error and Fatal.
// A nil logger is ignored.
func SetDefaultLogger(logger *GameLogger) {
	if logger != nil {
		_defaultLogger.Store(logger)
	}
}

// InitializeWithConfigManager loads "logger" from configManager and installs a
// default logger that follows its hot reloads. On error the current default
// logger stays in place.
func InitializeWithConfigManager(configManager config.ConfigManager) error {
	if configManager == nil {
		return nil
	}
	logCfg := &LogCfg{}
	if err := configManager.LoadConfig(logCfg.GetName(), logCfg); err != nil {
		return err
	}
	SetDefaultLogger(NewLoggerWithConfigManager(logCfg, configManager))
	return nil
}

// Initialize is InitializeWithConfigManager on the process wide config manager.
func Initialize() error {
	return InitializeWithConfigManager(config.GetInstance())
}

// Debug starts a debug event on the default logger.
func Debug() *LogEvent {
	return defaultLogger().Debug()
}

// Info starts an info event on the default logger.
func Info() *LogEvent {
	return defaultLogger().Info()
}

// Warn starts a warn event on the default logger.
func Warn() *LogEvent {
	return defaultLogger().Warn()
}

// Error starts an error event on the default logger.
func Error() *LogEvent {
	return defaultLogger().Error()
}

// Fatal starts a fatal event on the default logger.
func Fatal() *LogEvent {
	return defaultLogger().Fatal()
}
