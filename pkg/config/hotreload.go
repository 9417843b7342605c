package config

import (
	"context"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"uas-server/pkg/errors"
)

// HotReloadManager reloads the .env file when it changes and notifies
// callbacks with the old and new configuration.
type HotReloadManager struct {
	envPath      string
	config       *Config
	validator    *ConfigValidator
	logger       *logrus.Logger
	watcher      *fsnotify.Watcher
	callbacks    []ReloadCallback
	mutex        sync.RWMutex
	ctx          context.Context
	cancel       context.CancelFunc
	reloadChan   chan struct{}
	enabled      bool
	stopped      bool
	debounceTime time.Duration
	lastReload   time.Time
}

// ReloadCallback is invoked after a successful reload
type ReloadCallback func(oldConfig, newConfig *Config) error

// ReloadEvent describes one reload attempt
type ReloadEvent struct {
	Timestamp   time.Time           `json:"timestamp"`
	EnvPath     string              `json:"env_path"`
	Success     bool                `json:"success"`
	Changes     []ConfigChange      `json:"changes,omitempty"`
	Errors      []ValidationError   `json:"errors,omitempty"`
	Warnings    []ValidationWarning `json:"warnings,omitempty"`
	ReloadTime  time.Duration       `json:"reload_time"`
	TriggerType string              `json:"trigger_type"` // "file" or "api"
}

// ConfigChange represents a change in configuration
type ConfigChange struct {
	Field    string      `json:"field"`
	OldValue interface{} `json:"old_value"`
	NewValue interface{} `json:"new_value"`
}

// NewHotReloadManager creates a manager watching envPath
func NewHotReloadManager(envPath string, config *Config, logger *logrus.Logger) (*HotReloadManager, error) {
	if envPath == "" {
		return nil, errors.NewInvalidInput("hot reload needs an env file")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create file watcher")
	}

	debounce := config.HotReload.DebounceTime
	if debounce <= 0 {
		debounce = 2 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &HotReloadManager{
		envPath:      envPath,
		config:       config,
		validator:    NewConfigValidator(logger),
		logger:       logger,
		watcher:      watcher,
		ctx:          ctx,
		cancel:       cancel,
		reloadChan:   make(chan struct{}, 1),
		debounceTime: debounce,
		lastReload:   time.Now(),
	}, nil
}

// Start begins watching the env file
func (h *HotReloadManager) Start() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.enabled || h.stopped {
		return errors.New("hot-reload manager already started")
	}

	// Editors replace files on save, so watch the directory too
	if err := h.watcher.Add(filepath.Dir(h.envPath)); err != nil {
		return errors.Wrap(err, "failed to watch config directory")
	}

	h.enabled = true
	go h.watchFiles()
	go h.handleReloads()

	h.logger.WithField("env_path", h.envPath).Info("Configuration hot-reload manager started")
	return nil
}

// Stop stops watching
func (h *HotReloadManager) Stop() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.stopped {
		return nil
	}

	h.cancel()
	h.stopped = true
	h.enabled = false
	h.logger.Info("Configuration hot-reload manager stopped")
	return h.watcher.Close()
}

// AddCallback adds a reload callback
func (h *HotReloadManager) AddCallback(callback ReloadCallback) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.callbacks = append(h.callbacks, callback)
}

// TriggerReload reloads immediately
func (h *HotReloadManager) TriggerReload() (*ReloadEvent, error) {
	return h.performReload("api")
}

// GetCurrentConfig returns the active configuration
func (h *HotReloadManager) GetCurrentConfig() *Config {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.config
}

func (h *HotReloadManager) watchFiles() {
	defer func() {
		if r := recover(); r != nil {
			h.logger.WithField("panic", r).Error("File watcher panic recovered")
		}
	}()

	for {
		select {
		case <-h.ctx.Done():
			return

		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(h.envPath) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			select {
			case h.reloadChan <- struct{}{}:
				h.logger.WithField("event", event.Op.String()).Debug("Configuration reload triggered by file change")
			default:
			}

		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.logger.WithError(err).Error("File watcher error")
		}
	}
}

func (h *HotReloadManager) handleReloads() {
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-h.reloadChan:
		}

		// Let a burst of writes settle
		select {
		case <-h.ctx.Done():
			return
		case <-time.After(h.debounceTime):
		}
		select {
		case <-h.reloadChan:
		default:
		}

		if _, err := h.performReload("file"); err != nil {
			h.logger.WithError(err).Error("Configuration reload failed")
		}
	}
}

func (h *HotReloadManager) performReload(triggerType string) (*ReloadEvent, error) {
	startTime := time.Now()
	event := &ReloadEvent{
		Timestamp:   startTime,
		EnvPath:     h.envPath,
		TriggerType: triggerType,
	}

	if err := godotenv.Overload(h.envPath); err != nil {
		event.ReloadTime = time.Since(startTime)
		return event, errors.Wrap(err, "failed to read env file")
	}

	newConfig, err := build(h.logger)
	if err != nil {
		event.ReloadTime = time.Since(startTime)
		return event, err
	}
	newConfig.EnvFile = h.envPath

	result := h.validator.ValidateConfig(newConfig)
	event.Errors = result.Errors
	event.Warnings = result.Warnings
	if !result.Valid {
		event.ReloadTime = time.Since(startTime)
		return event, errors.NewInvalidInput(result.Summary)
	}

	h.mutex.Lock()
	oldConfig := h.config
	h.config = newConfig
	h.lastReload = time.Now()
	callbacks := append([]ReloadCallback(nil), h.callbacks...)
	h.mutex.Unlock()

	event.Changes = detectChanges(oldConfig, newConfig)

	failed := 0
	for _, callback := range callbacks {
		if err := callback(oldConfig, newConfig); err != nil {
			failed++
			h.logger.WithError(err).Error("Configuration reload callback failed")
		}
	}

	event.Success = failed == 0
	event.ReloadTime = time.Since(startTime)
	if failed > 0 {
		return event, errors.New("some reload callbacks failed", map[string]interface{}{"failed": failed})
	}

	h.logger.WithFields(logrus.Fields{
		"trigger":     triggerType,
		"changes":     len(event.Changes),
		"reload_time": event.ReloadTime,
		"warnings":    len(result.Warnings),
	}).Info("Configuration reloaded successfully")
	return event, nil
}

// detectChanges lists the settings that can differ between two loads.
// Listener and runtime settings only apply on restart but are still reported.
func detectChanges(oldConfig, newConfig *Config) []ConfigChange {
	var changes []ConfigChange
	add := func(field string, oldValue, newValue interface{}) {
		changes = append(changes, ConfigChange{Field: field, OldValue: oldValue, NewValue: newValue})
	}

	if !slices.Equal(oldConfig.SIP.Ports, newConfig.SIP.Ports) {
		add("sip_ports", oldConfig.SIP.Ports, newConfig.SIP.Ports)
	}
	if oldConfig.SIP.ContactHost != newConfig.SIP.ContactHost {
		add("sip_contact_host", oldConfig.SIP.ContactHost, newConfig.SIP.ContactHost)
	}
	if oldConfig.Logging.Level != newConfig.Logging.Level {
		add("log_level", oldConfig.Logging.Level, newConfig.Logging.Level)
	}
	if oldConfig.Logging.Format != newConfig.Logging.Format {
		add("log_format", oldConfig.Logging.Format, newConfig.Logging.Format)
	}
	if !slices.Equal(oldConfig.App.Codecs, newConfig.App.Codecs) {
		add("app_codecs", oldConfig.App.Codecs, newConfig.App.Codecs)
	}
	if oldConfig.App.Greeting != newConfig.App.Greeting {
		add("app_greeting", oldConfig.App.Greeting, newConfig.App.Greeting)
	}
	if oldConfig.App.MaxCalls != newConfig.App.MaxCalls {
		add("max_concurrent_calls", oldConfig.App.MaxCalls, newConfig.App.MaxCalls)
	}
	if oldConfig.Process.TransactionTimeout != newConfig.Process.TransactionTimeout {
		add("transaction_timeout", oldConfig.Process.TransactionTimeout, newConfig.Process.TransactionTimeout)
	}
	return changes
}
