package spec

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/comosim/comosim/pkg/client"
	"github.com/comosim/comosim/pkg/log"
	"github.com/comosim/comosim/pkg/registry"
	"github.com/comosim/comosim/pkg/types"
)

// Negotiator performs the setup-time handshake: it fetches every service's
// specification, validates the subscription closure, builds the registry,
// and pushes each service's portion of the global configuration.
type Negotiator struct {
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewNegotiator creates a negotiator sharing the given pooled HTTP client
func NewNegotiator(httpClient *http.Client) *Negotiator {
	return &Negotiator{
		httpClient: httpClient,
		logger:     log.WithComponent("negotiator"),
	}
}

// Result is the outcome of a successful negotiation
type Result struct {
	Directory     *registry.Directory
	Subscriptions *registry.Subscriptions
}

// Negotiate runs the full setup handshake over the configured services, in
// configuration order. On any failure the services already configured are
// told to finish, so setup behaves as a single transaction.
func (n *Negotiator) Negotiate(ctx context.Context, services []*types.ServiceDescriptor) (*Result, error) {
	dir := registry.NewDirectory()
	for _, desc := range services {
		if err := dir.Add(desc); err != nil {
			return nil, fmt.Errorf("invalid service configuration: %w", err)
		}
	}
	if dir.Len() == 0 {
		return nil, fmt.Errorf("no services configured")
	}

	if err := n.probeEndpoints(ctx, dir); err != nil {
		return nil, err
	}
	if err := n.fetchSpecs(ctx, dir); err != nil {
		return nil, err
	}
	if err := n.validateVersions(dir); err != nil {
		return nil, err
	}
	if err := n.validateClosure(dir); err != nil {
		return nil, err
	}

	subs := buildSubscriptions(dir)

	if err := n.pushSetup(ctx, dir); err != nil {
		return nil, err
	}

	n.logger.Info().
		Int("services", dir.Len()).
		Int("event_types", subs.Len()).
		Msg("Negotiation complete")
	return &Result{Directory: dir, Subscriptions: subs}, nil
}

// probeEndpoints checks every configured endpoint is alive before any
// negotiation state is built, so a missing service is reported as plain
// misconfiguration rather than a half-finished handshake.
func (n *Negotiator) probeEndpoints(ctx context.Context, dir *registry.Directory) error {
	var probeErr error
	dir.Each(func(desc *types.ServiceDescriptor) {
		if probeErr != nil {
			return
		}
		probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := client.New(desc.Endpoint, n.httpClient).Probe(probeCtx); err != nil {
			probeErr = fmt.Errorf("probe of %s failed: %w", desc.Name, err)
			return
		}
		n.logger.Debug().Str("service", desc.Name).Msg("Endpoint probe ok")
	})
	return probeErr
}

// fetchSpecs retrieves every service's specification and stores it on the
// descriptor
func (n *Negotiator) fetchSpecs(ctx context.Context, dir *registry.Directory) error {
	var fetchErr error
	dir.Each(func(desc *types.ServiceDescriptor) {
		if fetchErr != nil {
			return
		}
		spec, err := client.New(desc.Endpoint, n.httpClient).Spec(ctx)
		if err != nil {
			fetchErr = fmt.Errorf("failed to fetch spec of %s: %w", desc.Name, err)
			return
		}
		desc.Spec = spec
		n.logger.Debug().
			Str("service", desc.Name).
			Int("version", int(spec.Version)).
			Int("features", len(spec.Events)).
			Msg("Fetched service spec")
	})
	return fetchErr
}

// validateVersions asserts every service reports the same schema version
func (n *Negotiator) validateVersions(dir *registry.Directory) error {
	var want types.SpecVersion
	var first string
	var mismatch error
	dir.Each(func(desc *types.ServiceDescriptor) {
		if mismatch != nil {
			return
		}
		if first == "" {
			first = desc.Name
			want = desc.Spec.Version
			return
		}
		if desc.Spec.Version != want {
			mismatch = &VersionMismatchError{Service: desc.Name, Got: desc.Spec.Version, Want: want}
		}
	})
	return mismatch
}

// validateClosure checks that for every (consumer, event type, required
// field) there is at least one producer of that type declaring the field
func (n *Negotiator) validateClosure(dir *registry.Directory) error {
	declared := make(map[types.EventType]map[string]bool)
	dir.Each(func(desc *types.ServiceDescriptor) {
		for _, f := range desc.Spec.Events {
			if f.Declared == nil {
				continue
			}
			fields, ok := declared[f.Type]
			if !ok {
				fields = make(map[string]bool)
				declared[f.Type] = fields
			}
			for _, field := range f.Declared {
				fields[field] = true
			}
		}
	})

	var unsatisfied error
	dir.Each(func(desc *types.ServiceDescriptor) {
		if unsatisfied != nil {
			return
		}
		for _, f := range desc.Spec.Events {
			for _, field := range f.Required {
				if !declared[f.Type][field] {
					unsatisfied = &UnsatisfiedFeatureError{
						Consumer: desc.Name,
						Event:    f.Type,
						Field:    field,
					}
					return
				}
			}
		}
	})
	return unsatisfied
}

// buildSubscriptions subscribes every service to each event type it consumes
func buildSubscriptions(dir *registry.Directory) *registry.Subscriptions {
	subs := registry.NewSubscriptions()
	dir.Each(func(desc *types.ServiceDescriptor) {
		for _, typ := range desc.Spec.Consumed() {
			subs.Add(typ, desc.Endpoint)
		}
	})
	return subs
}

// pushSetup sends each service its setup blob. On failure the services
// configured so far are finished, so the client never observes a half-set-up
// run.
func (n *Negotiator) pushSetup(ctx context.Context, dir *registry.Directory) error {
	var configured []*types.ServiceDescriptor
	var setupErr error
	dir.Each(func(desc *types.ServiceDescriptor) {
		if setupErr != nil {
			return
		}
		if err := client.New(desc.Endpoint, n.httpClient).Setup(ctx, desc.Setup); err != nil {
			setupErr = fmt.Errorf("failed to set up %s: %w", desc.Name, err)
			return
		}
		configured = append(configured, desc)
	})
	if setupErr == nil {
		return nil
	}

	for _, desc := range configured {
		if err := client.New(desc.Endpoint, n.httpClient).Finish(ctx); err != nil {
			n.logger.Warn().
				Err(err).
				Str("service", desc.Name).
				Msg("Rollback finish failed")
		}
	}
	return setupErr
}
