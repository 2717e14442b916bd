package config

import (
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/retroim/buddyd/pkg/log"
)

// ChangeCallback is called when the configuration file changes.
// It receives the old and new configurations.
type ChangeCallback func(oldConfig, newConfig *Config)

// Watcher watches a configuration file for changes and reloads it.
// Tunables like pacing rate and sync timeout take effect without a
// restart through registered callbacks.
type Watcher struct {
	mu              sync.RWMutex
	config          *Config
	configPath      string
	viper           *viper.Viper
	callbacks       []ChangeCallback
	stopChan        chan struct{}
	reloadInProcess bool
}

// NewWatcher loads the initial configuration and prepares file
// watching.
func NewWatcher(configPath string) (*Watcher, error) {
	config, err := LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load initial config: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config with viper: %w", err)
	}

	watcher := &Watcher{
		config:     config,
		configPath: configPath,
		viper:      v,
		stopChan:   make(chan struct{}),
	}

	log.WithField("config_path", configPath).Info("config watcher initialized")
	return watcher, nil
}

// GetConfig returns the current configuration (thread-safe).
func (w *Watcher) GetConfig() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.config
}

// OnChange registers a callback invoked when the config changes.
// Callbacks run in registration order.
func (w *Watcher) OnChange(callback ChangeCallback) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// StartWatching begins monitoring the configuration file. It blocks
// until StopWatching, so run it in a goroutine.
func (w *Watcher) StartWatching() {
	w.viper.OnConfigChange(func(e fsnotify.Event) {
		w.handleChange(e)
	})
	w.viper.WatchConfig()

	log.WithField("config_path", w.configPath).Info("started watching config file for changes")
	<-w.stopChan
}

// StopWatching stops monitoring the configuration file.
func (w *Watcher) StopWatching() {
	close(w.stopChan)
	log.Info("stopped watching config file")
}

func (w *Watcher) handleChange(e fsnotify.Event) {
	w.mu.Lock()
	if w.reloadInProcess {
		w.mu.Unlock()
		return
	}
	w.reloadInProcess = true
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.reloadInProcess = false
		w.mu.Unlock()
	}()

	log.WithFields(map[string]interface{}{
		"event":       e.Op.String(),
		"config_path": e.Name,
	}).Info("config file change detected")

	newConfig, err := LoadConfig(w.configPath)
	if err != nil {
		log.WithError(err).WithField("config_path", w.configPath).Error("failed to reload config")
		return
	}

	w.mu.Lock()
	oldConfig := w.config
	w.config = newConfig
	callbacks := w.callbacks
	w.mu.Unlock()

	log.WithFields(map[string]interface{}{
		"config_path": w.configPath,
		"rate_limit":  newConfig.Homeserver.RateLimit,
		"sync_ms":     newConfig.Homeserver.SyncTimeoutMs,
	}).Info("config reloaded successfully")

	for _, callback := range callbacks {
		go func(cb ChangeCallback) {
			defer func() {
				if r := recover(); r != nil {
					log.WithField("panic", r).Error("config change callback panicked")
				}
			}()
			cb(oldConfig, newConfig)
		}(callback)
	}
}
