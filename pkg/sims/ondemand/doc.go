// Package ondemand simulates a door-to-door mobility service: a fleet of
// vehicles serving user reservations over a travel-time network within a
// daily service window.
//
// A reservation names the pickup and dropoff stops and the desired
// departure. An idle vehicle drives to the pickup stop if it is parked
// elsewhere; boarding starts at the requested departure or on the vehicle's
// arrival, whichever is later, and takes a fixed boarding time per user.
// Additional passengers may join the same departure while boarding is still
// open - their pickup must share the stop pair, start before the vehicle's
// planned departure, fit the capacity, and not delay anyone beyond the
// configured maximum. The vehicle leaves once the last boarding completes
// and returns to its parking stop when the service window closes.
//
// Boarding waits on a per-user wait-condition resumed by the user's
// ready-to-depart signal, so a vehicle never leaves with a reservation
// whose user has not announced themselves.
package ondemand
