package registry

import (
	"fmt"
	"sort"

	"github.com/comosim/comosim/pkg/types"
)

// Directory is the insertion-ordered set of simulator services in a run.
// Iteration order is the peek-poll order and the tie-break when two services
// report the same peek time.
type Directory struct {
	order    []string
	services map[string]*types.ServiceDescriptor
}

// NewDirectory creates an empty service directory
func NewDirectory() *Directory {
	return &Directory{services: make(map[string]*types.ServiceDescriptor)}
}

// Add registers a service descriptor. Duplicate names are a configuration
// error.
func (d *Directory) Add(desc *types.ServiceDescriptor) error {
	if desc.Name == "" {
		return fmt.Errorf("service descriptor without a name")
	}
	if desc.Endpoint == "" {
		return fmt.Errorf("service %s has no endpoint", desc.Name)
	}
	if _, ok := d.services[desc.Name]; ok {
		return fmt.Errorf("duplicate service name %s", desc.Name)
	}
	d.order = append(d.order, desc.Name)
	d.services[desc.Name] = desc
	return nil
}

// Get returns the descriptor for name, or nil
func (d *Directory) Get(name string) *types.ServiceDescriptor {
	return d.services[name]
}

// Names returns service names in insertion order
func (d *Directory) Names() []string {
	out := make([]string, len(d.order))
	copy(out, d.order)
	return out
}

// Index returns the insertion position of name. Unknown names report Len(),
// so they sort last.
func (d *Directory) Index(name string) int {
	for i, n := range d.order {
		if n == name {
			return i
		}
	}
	return len(d.order)
}

// Len returns the number of registered services
func (d *Directory) Len() int { return len(d.order) }

// Each calls fn for every descriptor in insertion order
func (d *Directory) Each(fn func(*types.ServiceDescriptor)) {
	for _, name := range d.order {
		fn(d.services[name])
	}
}

// Subscriptions maps each event type to the subscriber endpoints that
// declared interest in it. The list keeps insertion order so dispatch
// ordering is reproducible. Built once during setup and immutable for the
// rest of the run.
type Subscriptions struct {
	byType map[types.EventType][]string
}

// NewSubscriptions creates an empty registry
func NewSubscriptions() *Subscriptions {
	return &Subscriptions{byType: make(map[types.EventType][]string)}
}

// Add records that endpoint wants events of the given type. Adding the same
// pair twice is a no-op, so a subscriber receives each event at most once
// per step.
func (s *Subscriptions) Add(typ types.EventType, endpoint string) {
	for _, existing := range s.byType[typ] {
		if existing == endpoint {
			return
		}
	}
	s.byType[typ] = append(s.byType[typ], endpoint)
}

// Subscribers returns the endpoints subscribed to typ, in insertion order
func (s *Subscriptions) Subscribers(typ types.EventType) []string {
	subs := s.byType[typ]
	out := make([]string, len(subs))
	copy(out, subs)
	return out
}

// Endpoints returns the distinct subscriber endpoints across all types, in
// first-appearance order over the sorted event types.
func (s *Subscriptions) Endpoints() []string {
	seen := make(map[string]bool)
	var out []string
	for _, typ := range s.Types() {
		for _, ep := range s.byType[typ] {
			if !seen[ep] {
				seen[ep] = true
				out = append(out, ep)
			}
		}
	}
	return out
}

// Types returns the subscribed event types in deterministic (sorted) order
func (s *Subscriptions) Types() []types.EventType {
	out := make([]types.EventType, 0, len(s.byType))
	for typ := range s.byType {
		out = append(out, typ)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len returns the number of event types with at least one subscriber
func (s *Subscriptions) Len() int { return len(s.byType) }
