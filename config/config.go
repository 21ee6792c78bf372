// Package config loads yaml configuration through viper, one file per
// configuration name, and reloads it when the file changes.
package config

// Config is one named configuration section. Validate may fill defaults.
type Config interface {
	GetName() string
	Validate() error
}

// ConfigChangeListener is notified after a watched configuration file was
// reloaded and validated. Listeners are called outside the manager lock and
// must ignore names they do not own.
type ConfigChangeListener interface {
	OnConfigChanged(configName string, newConfig, oldConfig Config) error
}

// ValidatorFunc runs before Config.Validate on every load and reload.
type ValidatorFunc func(Config) error

// HookFunc runs after a reload with the previous and the new instance.
type HookFunc func(oldVal, newVal Config) error
