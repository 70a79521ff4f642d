package config

import (
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"subbridge/internal/logging"
)

// Watcher monitors the data directory's .env file and applies the
// runtime-reloadable settings (allow-list, log level) without restart.
type Watcher struct {
	config      *Config
	envPath     string
	watcher     *fsnotify.Watcher
	stopChan    chan struct{}
	stopOnce    sync.Once
	lastModTime time.Time
}

// NewWatcher creates a watcher for <dataDir>/.env.
func NewWatcher(cfg *Config) (*Watcher, error) {
	envPath := filepath.Join(cfg.DataDir, ".env")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		config:   cfg,
		envPath:  envPath,
		watcher:  watcher,
		stopChan: make(chan struct{}),
	}

	if stat, err := os.Stat(envPath); err == nil {
		w.lastModTime = stat.ModTime()
	}
	return w, nil
}

// Start begins watching; on fsnotify failure it falls back to polling.
func (w *Watcher) Start() {
	if err := w.watcher.Add(filepath.Dir(w.envPath)); err != nil {
		log.Warn().Err(err).Str("path", w.envPath).Msg("Failed to watch config directory, falling back to polling")
		go w.pollForChanges()
		return
	}

	go w.watchForChanges()
	log.Info().Str("env_path", w.envPath).Msg("Started watching config file for changes")
}

// Stop stops the watcher.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopChan)
		w.watcher.Close()
	})
}

// Reload manually triggers a config reload (e.g. from SIGHUP).
func (w *Watcher) Reload() {
	w.reloadConfig()
}

func (w *Watcher) watchForChanges() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != ".env" && event.Name != w.envPath {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			// Debounce: wait for the write to complete.
			time.Sleep(100 * time.Millisecond)
			log.Info().Str("event", event.Op.String()).Msg("Detected .env file change")
			w.reloadConfig()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Config watcher error")

		case <-w.stopChan:
			return
		}
	}
}

func (w *Watcher) pollForChanges() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stat, err := os.Stat(w.envPath)
			if err != nil {
				continue
			}
			if stat.ModTime().After(w.lastModTime) {
				w.lastModTime = stat.ModTime()
				log.Info().Msg("Detected .env file change via polling")
				w.reloadConfig()
			}

		case <-w.stopChan:
			return
		}
	}
}

func (w *Watcher) reloadConfig() {
	envMap, err := godotenv.Read(w.envPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Error().Err(err).Msg("Failed to read .env file")
		}
		return
	}

	newPlans := ParsePlanIDs(envMap["ALLOWED_PLAN_IDS"])
	if !reflect.DeepEqual(newPlans, w.config.AllowedPlanIDs()) {
		w.config.SetAllowedPlanIDs(newPlans)
		log.Info().Ints("plan_ids", newPlans).Msg("Applied new entitlement allow-list; next sweep uses it")
	}

	if level := envMap["LOG_LEVEL"]; level != "" && level != w.config.LogLevel {
		w.config.LogLevel = level
		logging.SetLevel(level)
		log.Info().Str("level", level).Msg("Applied new log level")
	}
}
