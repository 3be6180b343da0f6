package ondemand

import (
	"fmt"

	"github.com/comosim/comosim/pkg/types"
)

// Network holds travel times between stops
type Network struct {
	locations map[string]types.Location
	edges     map[string]map[string]float64
}

// NewNetwork creates an empty network
func NewNetwork() *Network {
	return &Network{
		locations: make(map[string]types.Location),
		edges:     make(map[string]map[string]float64),
	}
}

// AddLocation registers a stop
func (n *Network) AddLocation(loc types.Location) {
	n.locations[loc.LocationID] = loc
}

// Location returns the stop with the given id
func (n *Network) Location(id string) (types.Location, bool) {
	loc, ok := n.locations[id]
	return loc, ok
}

// AddEdge records the travel time from org to dst, and the reverse when
// bidirectional.
func (n *Network) AddEdge(org, dst string, travelTime float64, bidirectional bool) {
	if n.edges[org] == nil {
		n.edges[org] = make(map[string]float64)
	}
	n.edges[org][dst] = travelTime
	if bidirectional {
		if n.edges[dst] == nil {
			n.edges[dst] = make(map[string]float64)
		}
		n.edges[dst][org] = travelTime
	}
}

// Travel returns the travel time from org to dst
func (n *Network) Travel(org, dst string) (float64, error) {
	if t, ok := n.edges[org][dst]; ok {
		return t, nil
	}
	return 0, fmt.Errorf("no edge from %s to %s", org, dst)
}
