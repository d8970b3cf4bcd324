// Package sweep hosts the periodic background loops: the weather poll, the
// calendar poll, and the retry escalation. Each sweeper runs one pass per
// tick; a pass is also callable directly, which is how the admin trigger
// endpoints and the tests drive it.
package sweep

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/canopyhq/canopy/internal/dispatch"
	"github.com/canopyhq/canopy/internal/errors"
	"github.com/canopyhq/canopy/internal/models"
	"github.com/canopyhq/canopy/internal/threshold"
	"github.com/canopyhq/canopy/internal/weather"
)

// Per-tree budget inside a pass. One slow provider call must not eat the
// whole polling interval.
const perTreeTimeout = 10 * time.Second

// How many provider calls run at once during a pass.
const maxConcurrentFetches = 4

// AlertCreator is the dispatch capability the sweepers raise alerts through.
type AlertCreator interface {
	CreateAlert(ctx context.Context, req dispatch.Request) (*dispatch.Result, error)
}

// TreeLister enumerates the trees a pass covers.
type TreeLister interface {
	ListActive(ctx context.Context) ([]models.Tree, error)
}

// WeatherSweeper polls current conditions for every active tree and raises
// alerts for each breached rule.
type WeatherSweeper struct {
	trees    TreeLister
	provider weather.Provider
	engine   AlertCreator
	interval time.Duration

	mu  sync.RWMutex
	cfg threshold.Config

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWeatherSweeper wires a weather sweeper with the given thresholds.
func NewWeatherSweeper(trees TreeLister, provider weather.Provider, engine AlertCreator, cfg threshold.Config, interval time.Duration) *WeatherSweeper {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &WeatherSweeper{trees: trees, provider: provider, engine: engine, cfg: cfg, interval: interval}
}

// SetConfig swaps the thresholds. Called by the config reloader; the next
// pass picks them up.
func (s *WeatherSweeper) SetConfig(cfg threshold.Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *WeatherSweeper) config() threshold.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Start launches the polling loop. The first pass runs after one interval.
func (s *WeatherSweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		log.Info().Dur("interval", s.interval).Msg("Weather sweep started")
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep(ctx)
			}
		}
	}()
}

// Stop terminates the loop and waits for an in-flight pass to finish.
func (s *WeatherSweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

// Sweep runs one full pass and returns the number of alerts created. Trees
// are polled with bounded concurrency; a provider failure skips the tree,
// never the pass. The pass as a whole fails only when the provider failed
// for every tree, so the admin trigger can surface a dead provider.
func (s *WeatherSweeper) Sweep(ctx context.Context) (int, error) {
	trees, err := s.trees.ListActive(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Weather sweep could not list trees")
		return 0, err
	}
	cfg := s.config()

	var created, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentFetches)
	for _, tree := range trees {
		g.Go(func() error {
			n, fetched := s.sweepTree(gctx, tree, cfg)
			created.Add(int64(n))
			if !fetched {
				failed.Add(1)
			}
			return nil
		})
	}
	g.Wait()

	n := int(created.Load())
	if n > 0 {
		log.Info().Int("created", n).Int("trees", len(trees)).Msg("Weather sweep pass finished")
	}
	if err := ctx.Err(); err != nil {
		return n, err
	}
	if len(trees) > 0 && int(failed.Load()) == len(trees) {
		return n, errors.New(errors.KindProvider, "sweep.Weather", "Weather provider unavailable for every tree")
	}
	return n, nil
}

func (s *WeatherSweeper) sweepTree(ctx context.Context, tree models.Tree, cfg threshold.Config) (int, bool) {
	treeCtx, cancel := context.WithTimeout(ctx, perTreeTimeout)
	defer cancel()

	snapshot, err := s.provider.Snapshot(treeCtx, tree.Location.Lat(), tree.Location.Lon())
	if err != nil {
		log.Warn().Err(err).Str("tree", tree.ID).Msg("Weather fetch failed, skipping tree")
		return 0, false
	}

	created := 0
	for _, breach := range threshold.Evaluate(snapshot, cfg) {
		snap := snapshot
		_, err := s.engine.CreateAlert(treeCtx, dispatch.Request{
			TreeID:            tree.ID,
			Type:              breach.Type,
			Source:            models.AlertSourceWeather,
			WeatherSnapshot:   &snap,
			ThresholdBreached: breach.ThresholdBreached,
		})
		switch {
		case err == nil:
			created++
		case stderrors.Is(err, errors.ErrConflict):
			// an active alert for this (tree, type) already exists
		default:
			log.Error().Err(err).Str("tree", tree.ID).Str("type", string(breach.Type)).Msg("Failed to create weather alert")
		}
	}
	return created, true
}
