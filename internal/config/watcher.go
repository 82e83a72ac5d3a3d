package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// ConfigWatcher monitors the .env file in the data directory and re-applies
// the settings that may change at runtime. Policies are never reloaded.
type ConfigWatcher struct {
	config       *Config
	envPath      string
	watcher      *fsnotify.Watcher
	stopChan     chan struct{}
	stopOnce     sync.Once
	lastModTime  time.Time
	pollInterval time.Duration
	debounce     time.Duration
	mu           sync.RWMutex
	onLogLevel   func(level string)
}

// NewConfigWatcher creates a watcher for config.EnvFile. onLogLevel is called
// whenever LOG_LEVEL changes.
func NewConfigWatcher(config *Config, onLogLevel func(level string)) (*ConfigWatcher, error) {
	envPath := config.EnvFile
	if envPath == "" {
		envPath = filepath.Join(config.DataDir, ".env")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	cw := &ConfigWatcher{
		config:       config,
		envPath:      envPath,
		watcher:      watcher,
		stopChan:     make(chan struct{}),
		pollInterval: 5 * time.Second,
		debounce:     100 * time.Millisecond,
		onLogLevel:   onLogLevel,
	}

	if stat, err := os.Stat(envPath); err == nil {
		cw.lastModTime = stat.ModTime()
	}
	return cw, nil
}

// Start begins watching. When the directory cannot be watched it falls back
// to polling.
func (cw *ConfigWatcher) Start() error {
	dir := filepath.Dir(cw.envPath)
	if err := cw.watcher.Add(dir); err != nil {
		log.Warn().Err(err).Str("path", dir).Msg("Failed to watch config directory")
		log.Warn().Msg("Falling back to polling for config changes")
		go cw.pollForChanges()
		return nil
	}

	go cw.watchForChanges()
	log.Debug().Str("env_path", cw.envPath).Msg("Started watching .env for changes")
	return nil
}

// Stop stops the watcher. It is safe to call more than once.
func (cw *ConfigWatcher) Stop() {
	cw.stopOnce.Do(func() {
		close(cw.stopChan)
		cw.watcher.Close()
	})
}

// ReloadConfig re-reads the .env file immediately (e.g., on SIGHUP).
func (cw *ConfigWatcher) ReloadConfig() {
	cw.reloadConfig()
}

func (cw *ConfigWatcher) watchForChanges() {
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(cw.envPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			// Debounce - wait a bit for the write to complete
			time.Sleep(cw.debounce)
			log.Info().Str("event", event.Op.String()).Msg("Detected .env file change")
			cw.reloadConfig()

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Config watcher error")

		case <-cw.stopChan:
			return
		}
	}
}

func (cw *ConfigWatcher) pollForChanges() {
	ticker := time.NewTicker(cw.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stat, err := os.Stat(cw.envPath)
			if err != nil || !stat.ModTime().After(cw.lastModTime) {
				continue
			}
			cw.lastModTime = stat.ModTime()
			log.Info().Msg("Detected .env file change via polling")
			cw.reloadConfig()

		case <-cw.stopChan:
			return
		}
	}
}

// LogLevel returns the level currently applied.
func (cw *ConfigWatcher) LogLevel() string {
	cw.mu.RLock()
	defer cw.mu.RUnlock()
	return cw.config.LogLevel
}

func (cw *ConfigWatcher) reloadConfig() {
	envMap, err := godotenv.Read(cw.envPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Error().Err(err).Msg("Failed to read .env file")
			return
		}
		envMap = make(map[string]string)
	}

	newLevel := strings.Trim(strings.TrimSpace(envMap[EnvPrefix+"LOG_LEVEL"]), `'"`)
	if newLevel == "" {
		log.Debug().Msg("No LOG_LEVEL in .env file, keeping current level")
		return
	}

	cw.mu.Lock()
	oldLevel := cw.config.LogLevel
	changed := !strings.EqualFold(newLevel, oldLevel)
	if changed {
		cw.config.LogLevel = newLevel
	}
	callback := cw.onLogLevel
	cw.mu.Unlock()

	if !changed {
		log.Debug().Msg("No relevant changes detected in .env file")
		return
	}
	if callback != nil {
		callback(newLevel)
	}
	log.Info().
		Str("old_level", oldLevel).
		Str("new_level", newLevel).
		Msg("Applied .env log level change")
}
