package spec

import "github.com/comosim/comosim/pkg/types"

// Builder assembles a service's /spec response from per-event feature
// declarations. Simulators declare the optional fields they emit and require
// the fields they need from producers.
type Builder struct {
	order    []types.EventType
	features map[types.EventType]*types.EventFeature
}

// NewBuilder creates an empty spec builder
func NewBuilder() *Builder {
	return &Builder{features: make(map[types.EventType]*types.EventFeature)}
}

func (b *Builder) feature(typ types.EventType) *types.EventFeature {
	f, ok := b.features[typ]
	if !ok {
		f = &types.EventFeature{Type: typ}
		b.features[typ] = f
		b.order = append(b.order, typ)
	}
	return f
}

// Declare marks typ as produced, with the given optional fields
func (b *Builder) Declare(typ types.EventType, fields ...string) *Builder {
	f := b.feature(typ)
	if f.Declared == nil {
		f.Declared = []string{}
	}
	f.Declared = append(f.Declared, fields...)
	return b
}

// Require marks typ as consumed, with the given required fields
func (b *Builder) Require(typ types.EventType, fields ...string) *Builder {
	f := b.feature(typ)
	if f.Required == nil {
		f.Required = []string{}
	}
	f.Required = append(f.Required, fields...)
	return b
}

// Spec builds the wire specification at the given schema version
func (b *Builder) Spec(version types.SpecVersion) *types.ServiceSpec {
	events := make([]types.EventFeature, 0, len(b.order))
	for _, typ := range b.order {
		events = append(events, *b.features[typ])
	}
	return &types.ServiceSpec{Version: version, Events: events}
}
