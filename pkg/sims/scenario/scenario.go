package scenario

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/comosim/comosim/pkg/log"
	"github.com/comosim/comosim/pkg/simulation"
	"github.com/comosim/comosim/pkg/spec"
	"github.com/comosim/comosim/pkg/types"
)

// Demand is one historical travel demand to replay
type Demand struct {
	UserID     string         `json:"user_id,omitempty"`
	DemandID   string         `json:"demand_id,omitempty"`
	Org        types.Location `json:"org"`
	Dst        types.Location `json:"dst"`
	Dept       float64        `json:"dept"`
	Service    string         `json:"service,omitempty"`
	PreReserve bool           `json:"pre_reserve,omitempty"`
}

// Config is the service's portion of the global setup
type Config struct {
	Demands      []Demand `json:"demands"`
	UserIDFormat string   `json:"user_id_format,omitempty"`
	OffsetTime   float64  `json:"offset_time,omitempty"`
}

// Scenario replays historical demands: each configured trip becomes one
// DEMAND event at its departure time.
type Scenario struct {
	rt         *simulation.Runtime
	demands    []Demand
	configured bool
	logger     zerolog.Logger
}

// New creates an unconfigured scenario service
func New() *Scenario {
	return &Scenario{rt: simulation.NewRuntime(), logger: log.WithComponent("scenario")}
}

// Spec declares the DEMAND events this generator produces
func (s *Scenario) Spec() *types.ServiceSpec {
	return spec.NewBuilder().
		Declare(types.EventDemand, "demand_id", "pre_reserve").
		Spec(types.VersionLatest)
}

// Setup stores the demand list. Identifiers missing from the input are
// generated: sequential user ids from the format string, random demand ids.
func (s *Scenario) Setup(settings json.RawMessage) error {
	var cfg Config
	if err := json.Unmarshal(settings, &cfg); err != nil {
		return fmt.Errorf("malformed scenario settings: %w", err)
	}
	if cfg.UserIDFormat == "" {
		cfg.UserIDFormat = "User%d"
	}

	s.rt = simulation.NewRuntime()
	s.demands = make([]Demand, len(cfg.Demands))
	for i, d := range cfg.Demands {
		d.Dept -= cfg.OffsetTime
		if d.Dept < 0 {
			return fmt.Errorf("demand %d departs before the scenario epoch", i)
		}
		if d.UserID == "" {
			d.UserID = fmt.Sprintf(cfg.UserIDFormat, i+1)
		}
		if d.DemandID == "" {
			d.DemandID = uuid.NewString()
		}
		s.demands[i] = d
	}
	s.configured = true
	return nil
}

// Start schedules every demand's emission
func (s *Scenario) Start() error {
	if !s.configured {
		return fmt.Errorf("start before setup")
	}
	for _, d := range s.demands {
		d := d
		if _, err := s.rt.Queue().Schedule(d.Dept, func() {
			if err := s.rt.Emit(types.EventDemand, types.DemandDetails{
				UserID:     d.UserID,
				DemandID:   d.DemandID,
				Org:        d.Org,
				Dst:        d.Dst,
				Dept:       d.Dept,
				Service:    d.Service,
				PreReserve: d.PreReserve,
			}); err != nil {
				s.logger.Error().Err(err).Str("user_id", d.UserID).Msg("Failed to emit demand")
			}
		}); err != nil {
			return fmt.Errorf("failed to schedule demand for %s: %w", d.UserID, err)
		}
	}
	s.logger.Info().Int("demands", len(s.demands)).Msg("Scenario started")
	return nil
}

// Peek returns the next demand's time
func (s *Scenario) Peek() float64 { return s.rt.Peek() }

// Step emits the next demand
func (s *Scenario) Step() (float64, []types.Event, error) { return s.rt.Step() }

// Triggered only moves the clock; a generator has nothing to ingest
func (s *Scenario) Triggered(event types.Event) error {
	return s.rt.Advance(event)
}

// Finish tears the run down
func (s *Scenario) Finish() error {
	s.rt.Stop()
	s.configured = false
	return nil
}

// Runtime exposes the embedded runtime, used by package tests
func (s *Scenario) Runtime() *simulation.Runtime { return s.rt }
