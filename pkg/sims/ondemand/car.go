package ondemand

import (
	"github.com/rs/zerolog"

	"github.com/comosim/comosim/pkg/simulation"
)

// Reservation is one accepted passenger on a trip
type Reservation struct {
	UserID     string
	Org        string
	Dst        string
	Dept       float64 // requested departure
	BoardStart float64 // planned boarding start
	Arrv       float64 // promised arrival, boarding and alighting included
	boarded    bool
}

// trip is the car's active plan: pick everyone up at org, drive to dst,
// drop everyone off. The vehicle departs once the last boarding completes.
type trip struct {
	org              string
	dst              string
	boardings        []*Reservation
	pendingBoardings int
	plannedDeparture float64
	departed         bool
}

// Car is one on-demand vehicle. It rests at its parking stop, serves one
// pickup-dropoff plan at a time, and returns to parking when the service
// window closes.
type Car struct {
	sim      *Simulation
	id       string
	capacity int
	parking  string
	location string
	active   *trip
	ready    map[string]bool
	returnAt *simulation.Handle
	logger   zerolog.Logger
}

func newCar(sim *Simulation, id string, capacity int, stop string, logger zerolog.Logger) *Car {
	return &Car{
		sim:      sim,
		id:       id,
		capacity: capacity,
		parking:  stop,
		location: stop,
		ready:    make(map[string]bool),
		logger:   logger,
	}
}

func (c *Car) queue() *simulation.Queue { return c.sim.rt.Queue() }

func (c *Car) now() float64 { return c.sim.rt.Now() }

// reserve tries to fit the request into the car's plan. It returns the
// accepted reservation, or nil when the car cannot serve it.
func (c *Car) reserve(userID, org, dst string, dept float64) *Reservation {
	travel, err := c.sim.network.Travel(org, dst)
	if err != nil {
		return nil
	}

	if c.active != nil {
		return c.joinBoarding(userID, org, dst, dept, travel)
	}

	// idle car: drive to the pickup stop if needed, then board at the
	// requested departure or on arrival, whichever is later
	boardStart := dept
	if c.location != org {
		approach, err := c.sim.network.Travel(c.location, org)
		if err != nil {
			return nil
		}
		if arrival := c.now() + approach; arrival > boardStart {
			boardStart = arrival
		}
	}

	r := &Reservation{
		UserID:     userID,
		Org:        org,
		Dst:        dst,
		Dept:       dept,
		BoardStart: boardStart,
		Arrv:       boardStart + c.sim.boardTime + travel + c.sim.boardTime,
	}
	c.startTrip(r)
	return r
}

// joinBoarding admits a passenger to the trip currently being boarded. The
// request must share the stop pair, start boarding before the vehicle's
// planned departure, fit the capacity, and not delay anyone beyond the
// configured maximum.
func (c *Car) joinBoarding(userID, org, dst string, dept float64, travel float64) *Reservation {
	t := c.active
	if t.departed || t.org != org || t.dst != dst {
		return nil
	}
	if dept >= t.plannedDeparture {
		// boarding for this departure slot has closed
		return nil
	}
	if len(t.boardings) >= c.capacity {
		return nil
	}

	boardStart := dept
	if n := c.now(); n > boardStart {
		boardStart = n
	}
	departure := t.plannedDeparture
	if done := boardStart + c.sim.boardTime; done > departure {
		departure = done
	}
	arrv := departure + travel + c.sim.boardTime
	for _, other := range t.boardings {
		if arrv-other.Arrv > c.sim.maxDelay {
			return nil
		}
	}

	r := &Reservation{
		UserID:     userID,
		Org:        org,
		Dst:        dst,
		Dept:       dept,
		BoardStart: boardStart,
		Arrv:       boardStart + c.sim.boardTime + travel + c.sim.boardTime,
	}
	t.boardings = append(t.boardings, r)
	t.pendingBoardings++
	t.plannedDeparture = departure
	c.scheduleBoarding(r)
	return r
}

// startTrip begins serving a fresh reservation from an idle car
func (c *Car) startTrip(r *Reservation) {
	if c.returnAt != nil {
		c.queue().Cancel(c.returnAt)
		c.returnAt = nil
	}
	c.active = &trip{
		org:              r.Org,
		dst:              r.Dst,
		boardings:        []*Reservation{r},
		pendingBoardings: 1,
		plannedDeparture: r.BoardStart + c.sim.boardTime,
	}

	if c.location != r.Org {
		// relocate from a scheduled event so the reservation outcome is
		// emitted before the vehicle's departure
		c.mustSchedule(c.now(), func() {
			c.driveTo(r.Org, func() { c.scheduleBoarding(r) })
		})
		return
	}
	c.scheduleBoarding(r)
}

// driveTo moves the empty vehicle to stop, then continues with arrived
func (c *Car) driveTo(stop string, arrived func()) {
	travel, err := c.sim.network.Travel(c.location, stop)
	if err != nil {
		c.logger.Error().Err(err).Str("from", c.location).Str("to", stop).Msg("No route")
		return
	}
	c.sim.emitDeparted(nil, c.id, c.location)
	from := c.location
	c.mustSchedule(c.now()+travel, func() {
		c.location = stop
		c.sim.emitArrived(nil, c.id, stop)
		c.logger.Debug().Str("from", from).Str("to", stop).Float64("at", c.now()).Msg("Vehicle relocated")
		arrived()
	})
}

// scheduleBoarding arranges the passenger's boarding at its planned start
func (c *Car) scheduleBoarding(r *Reservation) {
	start := r.BoardStart
	if n := c.now(); n > start {
		start = n
	}
	c.mustSchedule(start, func() { c.attemptBoard(r) })
}

// attemptBoard boards the passenger if they are ready, or parks the
// boarding on a wait-condition resumed by the ready-to-depart trigger.
func (c *Car) attemptBoard(r *Reservation) {
	if c.ready[r.UserID] {
		c.board(r)
		return
	}
	c.queue().Wait(readyCondition(r.UserID), func(any) { c.board(r) })
}

// board starts the passenger's boarding; it completes a board-time later
func (c *Car) board(r *Reservation) {
	c.sim.emitDeparted(&r.UserID, c.id, r.Org)
	if done := c.now() + c.sim.boardTime; done > c.active.plannedDeparture {
		c.active.plannedDeparture = done
	}
	c.mustSchedule(c.now()+c.sim.boardTime, func() { c.completeBoarding(r) })
}

func (c *Car) completeBoarding(r *Reservation) {
	r.boarded = true
	c.active.pendingBoardings--
	if c.active.pendingBoardings == 0 {
		c.departVehicle()
	}
}

// departVehicle leaves the pickup stop with everyone aboard
func (c *Car) departVehicle() {
	t := c.active
	t.departed = true
	travel, err := c.sim.network.Travel(t.org, t.dst)
	if err != nil {
		c.logger.Error().Err(err).Msg("No route for active trip")
		return
	}
	c.sim.emitDeparted(nil, c.id, t.org)
	c.mustSchedule(c.now()+travel, func() { c.arriveVehicle() })
}

// arriveVehicle reaches the dropoff stop; passengers alight a board-time
// later
func (c *Car) arriveVehicle() {
	t := c.active
	c.location = t.dst
	c.sim.emitArrived(nil, c.id, t.dst)
	remaining := len(t.boardings)
	for _, r := range t.boardings {
		r := r
		c.mustSchedule(c.now()+c.sim.boardTime, func() {
			c.sim.emitArrived(&r.UserID, c.id, t.dst)
			remaining--
			if remaining == 0 {
				c.tripDone()
			}
		})
	}
}

// tripDone idles the car and books the return to parking at the end of the
// service window
func (c *Car) tripDone() {
	c.active = nil
	if c.location == c.parking {
		return
	}
	at := c.sim.endWindow
	if n := c.now(); n > at {
		at = n
	}
	handle, err := c.queue().Schedule(at, func() {
		c.returnAt = nil
		c.driveTo(c.parking, func() {})
	})
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to schedule return to parking")
		return
	}
	c.returnAt = handle
}

// markReady records the user's readiness and resumes a boarding waiting on
// it
func (c *Car) markReady(userID string) {
	c.ready[userID] = true
	c.queue().Trigger(readyCondition(userID), nil)
}

func (c *Car) mustSchedule(at float64, action simulation.Action) {
	if _, err := c.queue().Schedule(at, action); err != nil {
		c.logger.Error().Err(err).Float64("at", at).Msg("Failed to schedule car action")
	}
}

func readyCondition(userID string) string {
	return "ready_to_depart:" + userID
}
