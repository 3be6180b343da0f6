package ondemand

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/comosim/comosim/pkg/log"
	"github.com/comosim/comosim/pkg/simulation"
	"github.com/comosim/comosim/pkg/spec"
	"github.com/comosim/comosim/pkg/types"
)

// Edge is one travel-time entry of the setup network
type Edge struct {
	Org           string  `json:"org"`
	Dst           string  `json:"dst"`
	TravelTime    float64 `json:"travel_time"`
	Bidirectional bool    `json:"bidirectional"`
}

// MobilityConfig describes one vehicle
type MobilityConfig struct {
	MobilityID string `json:"mobility_id"`
	Capacity   int    `json:"capacity"`
	Stop       string `json:"stop"`
}

// Config is the service's portion of the global setup
type Config struct {
	BoardTime    float64          `json:"board_time"`
	MaxDelayTime float64          `json:"max_delay_time"`
	StartWindow  float64          `json:"start_window"`
	EndWindow    float64          `json:"end_window"`
	Locations    []types.Location `json:"locations"`
	Network      []Edge           `json:"network"`
	Mobilities   []MobilityConfig `json:"mobilities"`
}

// Simulation is the on-demand mobility simulator: vehicles serving
// door-to-door reservations over a travel-time network, within a daily
// service window.
type Simulation struct {
	rt          *simulation.Runtime
	network     *Network
	cars        []*Car
	boardTime   float64
	maxDelay    float64
	startWindow float64
	endWindow   float64
	configured  bool
	logger      zerolog.Logger
}

// New creates an unconfigured simulation
func New() *Simulation {
	return &Simulation{
		rt:      simulation.NewRuntime(),
		network: NewNetwork(),
		logger:  log.WithComponent("ondemand"),
	}
}

// Spec declares the service's event features: it consumes reservation
// requests and departure readiness, and produces the reservation outcome
// and vehicle movements.
func (s *Simulation) Spec() *types.ServiceSpec {
	return spec.NewBuilder().
		Require(types.EventReserve).
		Require(types.EventDepart).
		Declare(types.EventReserved, "demand_id").
		Declare(types.EventDeparted, "demand_id").
		Declare(types.EventArrived, "demand_id").
		Spec(types.VersionLatest)
}

// Setup configures the network, the service window, and the fleet
func (s *Simulation) Setup(settings json.RawMessage) error {
	var cfg Config
	if err := json.Unmarshal(settings, &cfg); err != nil {
		return fmt.Errorf("malformed ondemand settings: %w", err)
	}
	if cfg.BoardTime <= 0 {
		return fmt.Errorf("board_time must be positive")
	}
	if cfg.EndWindow <= cfg.StartWindow {
		return fmt.Errorf("end_window must be after start_window")
	}

	s.rt = simulation.NewRuntime()
	s.network = NewNetwork()
	s.cars = nil
	s.boardTime = cfg.BoardTime
	s.maxDelay = cfg.MaxDelayTime
	s.startWindow = cfg.StartWindow
	s.endWindow = cfg.EndWindow

	for _, loc := range cfg.Locations {
		s.network.AddLocation(loc)
	}
	for _, e := range cfg.Network {
		s.network.AddEdge(e.Org, e.Dst, e.TravelTime, e.Bidirectional)
	}
	for _, m := range cfg.Mobilities {
		if _, ok := s.network.Location(m.Stop); !ok {
			return fmt.Errorf("mobility %s parked at unknown stop %s", m.MobilityID, m.Stop)
		}
		s.cars = append(s.cars, newCar(s, m.MobilityID, m.Capacity, m.Stop, s.logger))
	}
	if len(s.cars) == 0 {
		return fmt.Errorf("no mobilities configured")
	}
	s.configured = true
	return nil
}

// Start arms the simulation
func (s *Simulation) Start() error {
	if !s.configured {
		return fmt.Errorf("start before setup")
	}
	return nil
}

// Peek returns the next event's time
func (s *Simulation) Peek() float64 { return s.rt.Peek() }

// Step advances one event
func (s *Simulation) Step() (float64, []types.Event, error) {
	return s.rt.Step()
}

// Triggered ingests an external event: a reservation request or a user's
// readiness to depart.
func (s *Simulation) Triggered(event types.Event) error {
	if err := s.rt.Advance(event); err != nil {
		return err
	}
	details, err := event.DecodeDetails()
	if err != nil {
		return err
	}
	switch d := details.(type) {
	case *types.ReserveDetails:
		s.ReserveUser(d.UserID, d.DemandID, d.Org.LocationID, d.Dst.LocationID, d.Dept)
	case *types.DepartDetails:
		s.ReadyToDepart(d.UserID)
	}
	return nil
}

// Finish tears the run down
func (s *Simulation) Finish() error {
	s.rt.Stop()
	s.configured = false
	return nil
}

// Runtime exposes the embedded runtime, used by package tests
func (s *Simulation) Runtime() *simulation.Runtime { return s.rt }

// ReserveUser requests a trip. The outcome is emitted as a RESERVED event
// at the current virtual time.
func (s *Simulation) ReserveUser(userID, demandID, org, dst string, dept float64) {
	now := s.rt.Now()
	if _, err := s.rt.Queue().Schedule(now, func() {
		s.processReservation(userID, demandID, org, dst, dept)
	}); err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to schedule reservation")
	}
}

// ReadyToDepart marks the user ready to board; a boarding waiting on them
// resumes at the current clock.
func (s *Simulation) ReadyToDepart(userID string) {
	for _, c := range s.cars {
		c.markReady(userID)
	}
}

func (s *Simulation) processReservation(userID, demandID, org, dst string, dept float64) {
	now := s.rt.Now()
	if dept < s.startWindow || dept > s.endWindow || now > s.endWindow {
		s.emitRejected(userID, demandID)
		return
	}

	for _, c := range s.cars {
		if r := c.reserve(userID, org, dst, dept); r != nil {
			orgLoc, _ := s.network.Location(org)
			dstLoc, _ := s.network.Location(dst)
			s.emit(types.EventReserved, types.ReservedDetails{
				Success:    true,
				UserID:     userID,
				DemandID:   demandID,
				MobilityID: c.id,
				Route: []types.TripLeg{{
					Org:  orgLoc,
					Dst:  dstLoc,
					Dept: r.BoardStart,
					Arrv: r.Arrv,
				}},
			})
			s.logger.Info().
				Str("user_id", userID).
				Str("mobility_id", c.id).
				Float64("dept", r.BoardStart).
				Float64("arrv", r.Arrv).
				Msg("Reservation accepted")
			return
		}
	}
	s.emitRejected(userID, demandID)
}

func (s *Simulation) emitRejected(userID, demandID string) {
	s.logger.Info().Str("user_id", userID).Msg("Reservation rejected")
	s.emit(types.EventReserved, types.ReservedDetails{
		Success:  false,
		UserID:   userID,
		DemandID: demandID,
	})
}

func (s *Simulation) emitDeparted(userID *string, mobilityID, stop string) {
	loc, _ := s.network.Location(stop)
	s.emit(types.EventDeparted, types.DepartedDetails{
		UserID:     userID,
		MobilityID: mobilityID,
		Location:   loc,
	})
}

func (s *Simulation) emitArrived(userID *string, mobilityID, stop string) {
	loc, _ := s.network.Location(stop)
	s.emit(types.EventArrived, types.ArrivedDetails{
		UserID:     userID,
		MobilityID: mobilityID,
		Location:   loc,
	})
}

func (s *Simulation) emit(typ types.EventType, details any) {
	if err := s.rt.Emit(typ, details); err != nil {
		s.logger.Error().Err(err).Str("event_type", string(typ)).Msg("Failed to emit event")
	}
}
