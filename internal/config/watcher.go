package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Reloadable is the subset of settings the engine applies without a restart.
type Reloadable struct {
	ThresholdTempHigh      float64
	ThresholdWindHigh      float64
	ThresholdRainLow       float64
	StormKeywords          []string
	CalendarCareKeywords   []string
	VolunteerMatchRadiusKm float64
}

func (c *Config) reloadable() Reloadable {
	return Reloadable{
		ThresholdTempHigh:      c.ThresholdTempHigh,
		ThresholdWindHigh:      c.ThresholdWindHigh,
		ThresholdRainLow:       c.ThresholdRainLow,
		StormKeywords:          c.StormKeywords,
		CalendarCareKeywords:   c.CalendarCareKeywords,
		VolunteerMatchRadiusKm: c.VolunteerMatchRadiusKm,
	}
}

// Watcher monitors the .env file and pushes edited dispatch tunables to a
// callback. Everything else still requires a restart.
type Watcher struct {
	envPath  string
	watcher  *fsnotify.Watcher
	stopChan chan struct{}
	stopOnce sync.Once
	onReload func(Reloadable)
}

// NewWatcher creates a watcher for the given .env path.
func NewWatcher(envPath string, onReload func(Reloadable)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		envPath:  envPath,
		watcher:  fsw,
		stopChan: make(chan struct{}),
		onReload: onReload,
	}, nil
}

// Start begins watching. The containing directory is watched rather than the
// file itself, so editors that replace the file atomically are still seen.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(filepath.Dir(w.envPath)); err != nil {
		return err
	}
	go w.watchForChanges()
	log.Info().Str("path", w.envPath).Msg("Watching config file for changes")
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopChan)
		w.watcher.Close()
	})
}

func (w *Watcher) watchForChanges() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.envPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			// Debounce so a partially written file is not parsed.
			time.Sleep(100 * time.Millisecond)
			w.reload()

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

func (w *Watcher) reload() {
	cfg, err := ReadFile(w.envPath)
	if err != nil {
		log.Error().Err(err).Str("path", w.envPath).Msg("Ignoring invalid config file change")
		return
	}
	log.Info().
		Float64("temp_high", cfg.ThresholdTempHigh).
		Float64("wind_high", cfg.ThresholdWindHigh).
		Float64("rain_low", cfg.ThresholdRainLow).
		Float64("radius_km", cfg.VolunteerMatchRadiusKm).
		Msg("Reloaded dispatch tunables")
	if w.onReload != nil {
		w.onReload(cfg.reloadable())
	}
}
