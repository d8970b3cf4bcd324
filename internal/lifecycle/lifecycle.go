// Package lifecycle drives alerts through their status machine:
// searching -> accepted -> in_progress -> resolved, with cancelled reachable
// from any non-terminal status. Every transition is a single conditional
// update in the store, so two volunteers racing for the same alert cannot
// both win.
package lifecycle

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/canopyhq/canopy/internal/errors"
	"github.com/canopyhq/canopy/internal/metrics"
	"github.com/canopyhq/canopy/internal/models"
	"github.com/canopyhq/canopy/internal/push"
	"github.com/canopyhq/canopy/internal/store"
)

// AlertTransitioner is the slice of the alert store the manager needs.
type AlertTransitioner interface {
	GetByID(ctx context.Context, id string) (*models.Alert, error)
	ApplyTransition(ctx context.Context, t store.Transition) (*models.Alert, error)
	HasAssigned(ctx context.Context, volunteerID string) (bool, error)
}

// VolunteerUpdater reads volunteers and flips their availability.
type VolunteerUpdater interface {
	GetByID(ctx context.Context, id string) (*models.Volunteer, error)
	SetAvailability(ctx context.Context, id string, availability models.Availability) error
}

// Manager owns the alert status transitions.
type Manager struct {
	alerts     AlertTransitioner
	volunteers VolunteerUpdater
	bus        push.Bus
}

// NewManager wires a lifecycle manager.
func NewManager(alerts AlertTransitioner, volunteers VolunteerUpdater, bus push.Bus) *Manager {
	if bus == nil {
		bus = push.NopBus{}
	}
	return &Manager{alerts: alerts, volunteers: volunteers, bus: bus}
}

// Accept assigns a searching alert to the volunteer. Exactly one of several
// concurrent accepts wins; the rest get a conflict. The winner is flipped to
// busy, and the volunteers who lost the race are told the alert is gone.
func (m *Manager) Accept(ctx context.Context, alertID, volunteerID string) (*models.Alert, error) {
	const op = "lifecycle.Accept"

	vol, err := m.volunteers.GetByID(ctx, volunteerID)
	if stderrors.Is(err, store.ErrNoMatch) {
		return nil, errors.New(errors.KindNotFound, op, "Volunteer not found")
	}
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, op, err)
	}
	if !vol.Active {
		return nil, errors.New(errors.KindForbidden, op, "Volunteer account is inactive")
	}
	if vol.Availability == models.AvailabilityBusy {
		return nil, errors.New(errors.KindBusy, op, "You already have an active alert")
	}
	// Availability can lag behind assignment; the assignment record wins.
	assigned, err := m.alerts.HasAssigned(ctx, volunteerID)
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, op, err)
	}
	if assigned {
		return nil, errors.New(errors.KindBusy, op, "You already have an active alert")
	}

	alert, err := m.alerts.ApplyTransition(ctx, store.Transition{
		AlertID:      alertID,
		FromStatuses: []models.AlertStatus{models.AlertStatusSearching},
		ToStatus:     models.AlertStatusAccepted,
		SetAssignee:  volunteerID,
	})
	if stderrors.Is(err, store.ErrNoMatch) {
		return nil, m.explainAcceptFailure(ctx, op, alertID)
	}
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, op, err)
	}

	if err := m.volunteers.SetAvailability(ctx, volunteerID, models.AvailabilityBusy); err != nil {
		// Roll the alert back so it is offered again rather than stuck with a
		// volunteer whose state we could not update.
		if _, rbErr := m.alerts.ApplyTransition(ctx, store.Transition{
			AlertID:       alertID,
			FromStatuses:  []models.AlertStatus{models.AlertStatusAccepted},
			FromAssignee:  volunteerID,
			ToStatus:      models.AlertStatusSearching,
			ClearAssignee: true,
		}); rbErr != nil {
			log.Error().Err(rbErr).Str("alert", alertID).Msg("Rollback after availability failure also failed")
		}
		return nil, errors.Wrap(errors.KindInternal, op, err)
	}
	metrics.AlertsAcceptedTotal.Inc()

	losers := make([]string, 0, len(alert.NotifiedVolunteers))
	for _, id := range alert.NotifiedVolunteers {
		if id != volunteerID {
			losers = append(losers, id)
		}
	}
	if len(losers) > 0 {
		m.bus.ToVolunteers(losers, push.EventAlertAccepted, push.AlertAcceptedPayload{
			AlertID: alert.ID,
			Message: "Alert already accepted by another volunteer",
		})
	}
	m.bus.ToAdmins(push.EventAlertAccepted, push.AlertAcceptedPayload{
		AlertID:       alert.ID,
		VolunteerID:   vol.ID,
		VolunteerName: vol.Name,
	})

	log.Info().Str("alert", alert.ID).Str("volunteer", vol.ID).Msg("Alert accepted")
	return alert, nil
}

func (m *Manager) explainAcceptFailure(ctx context.Context, op, alertID string) error {
	alert, err := m.alerts.GetByID(ctx, alertID)
	if stderrors.Is(err, store.ErrNoMatch) {
		return errors.New(errors.KindNotFound, op, "Alert not found")
	}
	if err != nil {
		return errors.Wrap(errors.KindInternal, op, err)
	}
	switch alert.Status {
	case models.AlertStatusAccepted, models.AlertStatusInProgress:
		metrics.AcceptConflictsTotal.Inc()
		return errors.New(errors.KindConflict, op, "Alert already accepted by another volunteer")
	default:
		return errors.New(errors.KindConflict, op,
			fmt.Sprintf("Cannot accept — alert status is '%s'", alert.Status))
	}
}

// Start moves the caller's accepted alert to in_progress.
func (m *Manager) Start(ctx context.Context, alertID, volunteerID string) (*models.Alert, error) {
	const op = "lifecycle.Start"

	alert, err := m.alerts.ApplyTransition(ctx, store.Transition{
		AlertID:      alertID,
		FromStatuses: []models.AlertStatus{models.AlertStatusAccepted},
		FromAssignee: volunteerID,
		ToStatus:     models.AlertStatusInProgress,
	})
	if stderrors.Is(err, store.ErrNoMatch) {
		return nil, m.explainOwnedFailure(ctx, op, alertID, volunteerID, "start work")
	}
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, op, err)
	}

	m.bus.ToAdmins(push.EventAlertProgress, push.AlertProgressPayload{
		AlertID:     alert.ID,
		VolunteerID: volunteerID,
	})
	log.Info().Str("alert", alert.ID).Str("volunteer", volunteerID).Msg("Work started")
	return alert, nil
}

// Resolve completes the caller's in_progress alert and frees the volunteer.
// The resolution is broadcast globally so the tree-care side can react.
func (m *Manager) Resolve(ctx context.Context, alertID, volunteerID string) (*models.Alert, error) {
	const op = "lifecycle.Resolve"

	alert, err := m.alerts.ApplyTransition(ctx, store.Transition{
		AlertID:      alertID,
		FromStatuses: []models.AlertStatus{models.AlertStatusInProgress},
		FromAssignee: volunteerID,
		ToStatus:     models.AlertStatusResolved,
	})
	if stderrors.Is(err, store.ErrNoMatch) {
		return nil, m.explainOwnedFailure(ctx, op, alertID, volunteerID, "resolve")
	}
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, op, err)
	}
	metrics.AlertsResolvedTotal.Inc()

	// The alert is done either way; a stuck busy flag is repaired on the next
	// availability write, so this failure is logged rather than rolled back.
	if err := m.volunteers.SetAvailability(ctx, volunteerID, models.AvailabilityAvailable); err != nil {
		log.Error().Err(err).Str("volunteer", volunteerID).Msg("Failed to release volunteer after resolve")
	}

	payload := push.AlertResolvedPayload{AlertID: alert.ID, TreeID: alert.TreeID}
	m.bus.ToGlobal(push.EventAlertResolved, payload)
	m.bus.ToAdmins(push.EventAlertResolved, payload)

	log.Info().Str("alert", alert.ID).Str("volunteer", volunteerID).Msg("Alert resolved")
	return alert, nil
}

func (m *Manager) explainOwnedFailure(ctx context.Context, op, alertID, volunteerID, verb string) error {
	alert, err := m.alerts.GetByID(ctx, alertID)
	if stderrors.Is(err, store.ErrNoMatch) {
		return errors.New(errors.KindNotFound, op, "Alert not found")
	}
	if err != nil {
		return errors.Wrap(errors.KindInternal, op, err)
	}
	if alert.AssignedVolunteer != "" && alert.AssignedVolunteer != volunteerID {
		return errors.New(errors.KindForbidden, op, "Alert is assigned to another volunteer")
	}
	return errors.New(errors.KindConflict, op,
		fmt.Sprintf("Cannot %s — alert status is '%s'", verb, alert.Status))
}

// AdminCancel cancels a non-terminal alert and releases its assignee, if any.
func (m *Manager) AdminCancel(ctx context.Context, alertID string) (*models.Alert, error) {
	const op = "lifecycle.AdminCancel"

	prior, err := m.alerts.ApplyTransition(ctx, store.Transition{
		AlertID:       alertID,
		FromStatuses:  models.ActiveStatuses(),
		ToStatus:      models.AlertStatusCancelled,
		ClearAssignee: true,
		ReturnPrior:   true,
	})
	if stderrors.Is(err, store.ErrNoMatch) {
		existing, getErr := m.alerts.GetByID(ctx, alertID)
		if stderrors.Is(getErr, store.ErrNoMatch) {
			return nil, errors.New(errors.KindNotFound, op, "Alert not found")
		}
		if getErr != nil {
			return nil, errors.Wrap(errors.KindInternal, op, getErr)
		}
		return nil, errors.New(errors.KindConflict, op,
			fmt.Sprintf("Cannot cancel — alert status is '%s'", existing.Status))
	}
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, op, err)
	}
	metrics.RecordAlertCancelled("admin")

	if prior.AssignedVolunteer != "" {
		if err := m.volunteers.SetAvailability(ctx, prior.AssignedVolunteer, models.AvailabilityAvailable); err != nil {
			log.Error().Err(err).Str("volunteer", prior.AssignedVolunteer).Msg("Failed to release volunteer after cancel")
		}
	}
	m.bus.ToAdmins(push.EventAlertCancelled, push.AlertCancelledPayload{AlertID: prior.ID})

	alert := prior.Clone()
	alert.Status = models.AlertStatusCancelled
	alert.AssignedVolunteer = ""

	log.Info().Str("alert", alert.ID).Msg("Alert cancelled by admin")
	return alert, nil
}
