package sweep

import (
	"context"
	stderrors "errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/canopyhq/canopy/internal/calendar"
	"github.com/canopyhq/canopy/internal/dispatch"
	"github.com/canopyhq/canopy/internal/errors"
	"github.com/canopyhq/canopy/internal/models"
)

// LookaheadWindow is how far into the future calendar events are considered.
const LookaheadWindow = 7 * 24 * time.Hour

// DefaultCareKeywords are the terms that make a calendar event care-relevant.
func DefaultCareKeywords() []string {
	return []string{"watering", "pruning", "inspection", "trimming", "fertilizing", "treatment"}
}

// CalendarSweeper scans upcoming calendar events and raises alerts for the
// ones that schedule care work on a known tree.
type CalendarSweeper struct {
	provider calendar.Provider
	trees    TreeLister
	engine   AlertCreator
	interval time.Duration

	mu       sync.RWMutex
	keywords []string

	cancel context.CancelFunc
	done   chan struct{}
}

// NewCalendarSweeper wires a calendar sweeper. Empty keywords fall back to
// the defaults.
func NewCalendarSweeper(provider calendar.Provider, trees TreeLister, engine AlertCreator, keywords []string, interval time.Duration) *CalendarSweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	if len(keywords) == 0 {
		keywords = DefaultCareKeywords()
	}
	return &CalendarSweeper{provider: provider, trees: trees, engine: engine, keywords: keywords, interval: interval}
}

// SetKeywords swaps the care keyword list. Called by the config reloader.
func (s *CalendarSweeper) SetKeywords(keywords []string) {
	if len(keywords) == 0 {
		return
	}
	s.mu.Lock()
	s.keywords = keywords
	s.mu.Unlock()
}

func (s *CalendarSweeper) careKeywords() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.keywords
}

// Start launches the polling loop.
func (s *CalendarSweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		log.Info().Dur("interval", s.interval).Msg("Calendar sweep started")
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
func (s *CalendarSweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

// Sweep runs one pass over the lookahead window and returns the number of
// alerts created. Each event produces at most one alert, for the first tree
// it mentions; the dispatch engine's per-event dedupe keeps reruns of the
// same window idempotent.
func (s *CalendarSweeper) Sweep(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	events, err := s.provider.Events(ctx, now, now.Add(LookaheadWindow))
	if err != nil {
		log.Error().Err(err).Msg("Calendar sweep could not list events")
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}
	trees, err := s.trees.ListActive(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Calendar sweep could not list trees")
		return 0, err
	}

	keywords := s.careKeywords()
	created := 0
	for _, event := range events {
		if ctx.Err() != nil {
			return created, ctx.Err()
		}
		if s.sweepEvent(ctx, event, trees, keywords) {
			created++
		}
	}
	if created > 0 {
		log.Info().Int("created", created).Int("events", len(events)).Msg("Calendar sweep pass finished")
	}
	return created, nil
}

func (s *CalendarSweeper) sweepEvent(ctx context.Context, event calendar.Event, trees []models.Tree, keywords []string) bool {
	text := eventText(event)
	matched := matchCareKeywords(text, keywords)
	if len(matched) == 0 {
		return false
	}

	for _, tree := range trees {
		if !mentionsTree(text, tree) {
			continue
		}
		_, err := s.engine.CreateAlert(ctx, dispatch.Request{
			TreeID:          tree.ID,
			Type:            models.AlertTypeCalendarEvent,
			Source:          models.AlertSourceCalendar,
			CalendarEventID: event.ID,
			ThresholdBreached: models.ThresholdBreached{
				Field:     "calendar_event",
				Value:     event.Summary,
				Threshold: matched,
			},
		})
		switch {
		case err == nil:
			log.Info().Str("event", event.ID).Str("tree", tree.ID).Msg("Calendar alert created")
			return true
		case stderrors.Is(err, errors.ErrConflict):
			return false // already raised for this event or (tree, type)
		default:
			log.Error().Err(err).Str("event", event.ID).Str("tree", tree.ID).Msg("Failed to create calendar alert")
			return false
		}
	}
	return false
}

// eventText is the lowercased haystack both matchers search: summary plus
// description.
func eventText(event calendar.Event) string {
	return strings.ToLower(event.Summary + " " + event.Description)
}

// mentionsTree reports whether the text refers to the tree, either by its ID
// or by its name or species.
func mentionsTree(text string, tree models.Tree) bool {
	if tree.ID != "" && strings.Contains(text, strings.ToLower(tree.ID)) {
		return true
	}
	if tree.Name != "" && strings.Contains(text, strings.ToLower(tree.Name)) {
		return true
	}
	return tree.Species != "" && strings.Contains(text, strings.ToLower(tree.Species))
}

// matchCareKeywords returns the care keywords present in the text.
func matchCareKeywords(text string, keywords []string) []string {
	var matched []string
	for _, kw := range keywords {
		if kw != "" && strings.Contains(text, strings.ToLower(kw)) {
			matched = append(matched, kw)
		}
	}
	return matched
}
