package sweep

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/canopyhq/canopy/internal/dispatch"
	"github.com/canopyhq/canopy/internal/metrics"
	"github.com/canopyhq/canopy/internal/models"
	"github.com/canopyhq/canopy/internal/push"
	"github.com/canopyhq/canopy/internal/store"
)

// MaxRetries is the number of escalating broadcasts before an alert is given
// up on.
const MaxRetries = 3

// RetryAlertStore is the slice of the alert store the retry sweep needs.
type RetryAlertStore interface {
	ListSearching(ctx context.Context) ([]models.Alert, error)
	RecordRetry(ctx context.Context, alertID string, volunteerIDs []string) error
	ApplyTransition(ctx context.Context, t store.Transition) (*models.Alert, error)
}

// AvailableVolunteerFinder lists every available volunteer, regardless of
// distance. Retries drop the radius restriction.
type AvailableVolunteerFinder interface {
	FindAllAvailable(ctx context.Context) ([]models.Volunteer, error)
}

// TreeReader resolves trees for broadcast payloads.
type TreeReader interface {
	GetByID(ctx context.Context, id string) (*models.Tree, error)
}

// RetrySweeper rebroadcasts alerts stuck in searching and cancels the ones
// nobody picked up after MaxRetries attempts.
type RetrySweeper struct {
	alerts     RetryAlertStore
	volunteers AvailableVolunteerFinder
	trees      TreeReader
	bus        push.Bus
	interval   time.Duration

	cancel context.CancelFunc
	done   chan struct{}
	wakeMu sync.Mutex
}

// NewRetrySweeper wires a retry sweeper.
func NewRetrySweeper(alerts RetryAlertStore, volunteers AvailableVolunteerFinder, trees TreeReader, bus push.Bus, interval time.Duration) *RetrySweeper {
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	if bus == nil {
		bus = push.NopBus{}
	}
	return &RetrySweeper{alerts: alerts, volunteers: volunteers, trees: trees, bus: bus, interval: interval}
}

// Start launches the escalation loop.
func (s *RetrySweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		log.Info().Dur("interval", s.interval).Msg("Retry sweep started")
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
func (s *RetrySweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

// Sweep runs one escalation pass over every searching alert. Passes are
// serialized so a slow pass cannot overlap the next tick.
func (s *RetrySweeper) Sweep(ctx context.Context) {
	s.wakeMu.Lock()
	defer s.wakeMu.Unlock()

	alerts, err := s.alerts.ListSearching(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Retry sweep could not list searching alerts")
		return
	}
	for i := range alerts {
		if ctx.Err() != nil {
			return
		}
		s.escalate(ctx, &alerts[i])
	}
}

func (s *RetrySweeper) escalate(ctx context.Context, alert *models.Alert) {
	if alert.RetryCount >= MaxRetries {
		s.giveUp(ctx, alert)
		return
	}

	available, err := s.volunteers.FindAllAvailable(ctx)
	if err != nil {
		log.Error().Err(err).Str("alert", alert.ID).Msg("Retry sweep could not list volunteers")
		return
	}

	ids := make([]string, len(available))
	for i, v := range available {
		ids[i] = v.ID
	}
	// The attempt counts even when nobody is available, so an alert in a
	// volunteer desert still terminates.
	if err := s.alerts.RecordRetry(ctx, alert.ID, ids); err != nil {
		if stderrors.Is(err, store.ErrNoMatch) {
			return // accepted or cancelled since we listed it
		}
		log.Error().Err(err).Str("alert", alert.ID).Msg("Failed to record retry")
		return
	}
	if len(ids) == 0 {
		log.Warn().Str("alert", alert.ID).Int("retry", alert.RetryCount+1).Msg("No available volunteers for retry broadcast")
		return
	}

	tree, err := s.trees.GetByID(ctx, alert.TreeID)
	if err != nil {
		log.Error().Err(err).Str("alert", alert.ID).Msg("Retry sweep could not resolve tree")
		return
	}
	s.bus.ToVolunteers(ids, push.EventNewAlert, dispatch.RetryPayload(alert, tree))
	metrics.RetryBroadcastsTotal.Inc()

	log.Info().Str("alert", alert.ID).Int("retry", alert.RetryCount+1).Int("volunteers", len(ids)).Msg("Alert rebroadcast")
}

func (s *RetrySweeper) giveUp(ctx context.Context, alert *models.Alert) {
	_, err := s.alerts.ApplyTransition(ctx, store.Transition{
		AlertID:       alert.ID,
		FromStatuses:  []models.AlertStatus{models.AlertStatusSearching},
		ToStatus:      models.AlertStatusCancelled,
		ClearAssignee: true,
	})
	if stderrors.Is(err, store.ErrNoMatch) {
		return // accepted in the meantime; nothing to give up on
	}
	if err != nil {
		log.Error().Err(err).Str("alert", alert.ID).Msg("Failed to cancel exhausted alert")
		return
	}
	metrics.RecordAlertCancelled("retry_exhausted")

	payload := push.NoVolunteerPayload{
		AlertID: alert.ID,
		Message: "No volunteer accepted the alert after repeated broadcasts",
	}
	if tree, err := s.trees.GetByID(ctx, alert.TreeID); err == nil {
		payload.Tree = tree.Ref()
	}
	s.bus.ToAdmins(push.EventNoVolunteer, payload)

	log.Warn().Str("alert", alert.ID).Str("tree", alert.TreeID).Msg("Alert cancelled, no volunteer found")
}
