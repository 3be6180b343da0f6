package usermodel

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/comosim/comosim/pkg/log"
	"github.com/comosim/comosim/pkg/simulation"
	"github.com/comosim/comosim/pkg/spec"
	"github.com/comosim/comosim/pkg/types"
)

// Config is the service's portion of the global setup
type Config struct {
	// ConfirmedServices limits which mobility services users will ride.
	// Empty means any.
	ConfirmedServices []string `json:"confirmed_services,omitempty"`
}

// userState tracks one simulated traveler through their trip
type userState struct {
	userID   string
	demandID string
	org      types.Location
	dst      types.Location
	dept     float64
	service  string
}

// Manager simulates travelers reacting to DEMAND events: each demand
// becomes a user who reserves a ride, announces readiness at departure
// time, and rides until arrival. Users are driven by kernel
// wait-conditions resumed by the events the mobility services send back.
type Manager struct {
	rt         *simulation.Runtime
	cfg        Config
	users      map[string]*userState
	configured bool
	logger     zerolog.Logger
}

// New creates an unconfigured user manager
func New() *Manager {
	return &Manager{
		rt:     simulation.NewRuntime(),
		users:  make(map[string]*userState),
		logger: log.WithComponent("usermodel"),
	}
}

// Spec declares the user model's features: it consumes demands and ride
// outcomes, and produces reservation requests and departure announcements.
func (m *Manager) Spec() *types.ServiceSpec {
	return spec.NewBuilder().
		Require(types.EventDemand, "demand_id", "pre_reserve").
		Declare(types.EventReserve, "demand_id").
		Declare(types.EventDepart, "demand_id").
		Require(types.EventReserved, "demand_id").
		Require(types.EventDeparted).
		Require(types.EventArrived).
		Spec(types.VersionLatest)
}

// Setup configures the manager
func (m *Manager) Setup(settings json.RawMessage) error {
	var cfg Config
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &cfg); err != nil {
			return fmt.Errorf("malformed user model settings: %w", err)
		}
	}
	m.rt = simulation.NewRuntime()
	m.cfg = cfg
	m.users = make(map[string]*userState)
	m.configured = true
	return nil
}

// Start arms the manager
func (m *Manager) Start() error {
	if !m.configured {
		return fmt.Errorf("start before setup")
	}
	return nil
}

// Peek returns the next user action's time
func (m *Manager) Peek() float64 { return m.rt.Peek() }

// Step advances one user action
func (m *Manager) Step() (float64, []types.Event, error) { return m.rt.Step() }

// Triggered ingests a demand or a ride outcome and resumes the waiting
// user process.
func (m *Manager) Triggered(event types.Event) error {
	if err := m.rt.Advance(event); err != nil {
		return err
	}
	details, err := event.DecodeDetails()
	if err != nil {
		return err
	}
	switch d := details.(type) {
	case *types.DemandDetails:
		m.spawnUser(d)
	case *types.ReservedDetails:
		m.rt.Queue().Trigger(reservedCondition(d.UserID), d)
	case *types.DepartedDetails:
		// boarding confirmations need no reaction; arrival ends the trip
	case *types.ArrivedDetails:
		if d.UserID != nil {
			m.rt.Queue().Trigger(arrivedCondition(*d.UserID), d)
		}
	}
	return nil
}

// Finish tears the run down
func (m *Manager) Finish() error {
	m.rt.Stop()
	m.configured = false
	return nil
}

// Runtime exposes the embedded runtime, used by package tests
func (m *Manager) Runtime() *simulation.Runtime { return m.rt }

// spawnUser starts a traveler process for a fresh demand
func (m *Manager) spawnUser(d *types.DemandDetails) {
	if _, exists := m.users[d.UserID]; exists {
		m.logger.Warn().Str("user_id", d.UserID).Msg("Duplicate demand for user, ignoring")
		return
	}
	if d.Service != "" && !m.serviceConfirmed(d.Service) {
		m.logger.Info().
			Str("user_id", d.UserID).
			Str("service", d.Service).
			Msg("Demand for unconfirmed service, ignoring")
		return
	}
	u := &userState{
		userID:   d.UserID,
		demandID: d.DemandID,
		org:      d.Org,
		dst:      d.Dst,
		dept:     d.Dept,
		service:  d.Service,
	}
	m.users[d.UserID] = u

	if _, err := m.rt.Queue().Schedule(m.rt.Now(), func() { m.requestReservation(u) }); err != nil {
		m.logger.Error().Err(err).Str("user_id", u.userID).Msg("Failed to schedule reservation request")
	}
}

// requestReservation emits the RESERVE and parks the user until the
// mobility service answers.
func (m *Manager) requestReservation(u *userState) {
	if err := m.rt.Emit(types.EventReserve, types.ReserveDetails{
		UserID:   u.userID,
		DemandID: u.demandID,
		Org:      u.org,
		Dst:      u.dst,
		Dept:     u.dept,
		Service:  u.service,
	}); err != nil {
		m.logger.Error().Err(err).Str("user_id", u.userID).Msg("Failed to emit reserve")
		return
	}
	m.rt.Queue().Wait(reservedCondition(u.userID), func(value any) {
		outcome, ok := value.(*types.ReservedDetails)
		if !ok {
			return
		}
		m.onReserved(u, outcome)
	})
}

// onReserved resumes the user once the service has answered. A rejected
// reservation without a fallback plan ends the user's trip.
func (m *Manager) onReserved(u *userState, outcome *types.ReservedDetails) {
	if !outcome.Success {
		m.logger.Warn().
			Str("user_id", u.userID).
			Msg("Ignore the user's events because the service could not be reserved")
		delete(m.users, u.userID)
		return
	}

	dept := u.dept
	if len(outcome.Route) > 0 && outcome.Route[0].Dept > dept {
		dept = outcome.Route[0].Dept
	}
	announce := func() {
		if err := m.rt.Emit(types.EventDepart, types.DepartDetails{
			UserID:   u.userID,
			DemandID: u.demandID,
		}); err != nil {
			m.logger.Error().Err(err).Str("user_id", u.userID).Msg("Failed to emit depart")
			return
		}
		m.rt.Queue().Wait(arrivedCondition(u.userID), func(any) {
			m.logger.Info().Str("user_id", u.userID).Float64("at", m.rt.Now()).Msg("User arrived")
			delete(m.users, u.userID)
		})
	}

	// always announce from a scheduled event so the departure is visible
	// through peek before it is emitted
	if now := m.rt.Now(); dept < now {
		dept = now
	}
	if _, err := m.rt.Queue().Schedule(dept, announce); err != nil {
		m.logger.Error().Err(err).Str("user_id", u.userID).Msg("Failed to schedule departure")
	}
}

func (m *Manager) serviceConfirmed(service string) bool {
	if len(m.cfg.ConfirmedServices) == 0 {
		return true
	}
	for _, s := range m.cfg.ConfirmedServices {
		if s == service {
			return true
		}
	}
	return false
}

func reservedCondition(userID string) string { return "reserved:" + userID }

func arrivedCondition(userID string) string { return "arrived:" + userID }
